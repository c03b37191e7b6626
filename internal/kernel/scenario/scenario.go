// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scenario loads simulation scripts from txtar archives and runs
// them against a kernel with manual clocks, so every run is deterministic.
//
// An archive has up to three files:
//
//	-- config --
//	cores=1
//	fastpath=true
//	-- setup --
//	thread server prio=20
//	sc server-sc budget=100 period=1000
//	...
//	-- script --
//	advance 10
//	call client 1 len=2
//	expect current server
//
// setup and script accept the same commands; setup runs first and is
// meant for building the object graph. Blank lines and lines starting with
// '#' are ignored.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/tools/txtar"

	"mcs"
)

var (
	ErrSyntax     = errors.New("scenario syntax error")
	ErrExpect     = errors.New("expectation failed")
	ErrNotCurrent = errors.New("thread is not current")
	ErrDiverged   = errors.New("fastpath and slow path diverged")
)

// Config is the kernel shape a scenario runs on.
type Config struct {
	Cores      int
	Domains    int
	KernelWCET mcs.Ticks
	MaxIRQ     int
	Fastpath   bool
}

// Command is one parsed line.
type Command struct {
	Line int
	Verb string
	Args []string
	KV   map[string]string
	Text string
}

func (c Command) String() string { return fmt.Sprintf("line %d: %s", c.Line, c.Text) }

// Scenario is a parsed archive.
type Scenario struct {
	Name    string
	Comment string
	Config  Config
	Setup   []Command
	Script  []Command
}

// Load reads and parses the archive at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(name, data)
}

// LoadDir loads every *.txtar file in dir, in name order.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.txtar"))
	if err != nil {
		return nil, err
	}
	var out []*Scenario
	for _, p := range paths {
		s, err := Load(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Parse parses archive data.
func Parse(name string, data []byte) (*Scenario, error) {
	ar := txtar.Parse(data)
	s := &Scenario{Name: name, Comment: strings.TrimSpace(string(ar.Comment))}
	for _, f := range ar.Files {
		var err error
		switch f.Name {
		case "config":
			s.Config, err = parseConfig(f.Data)
		case "setup":
			s.Setup, err = parseCommands(f.Data)
		case "script":
			s.Script, err = parseCommands(f.Data)
		default:
			err = fmt.Errorf("unknown section %q: %w", f.Name, ErrSyntax)
		}
		if err != nil {
			return nil, fmt.Errorf("%s [%s]: %w", name, f.Name, err)
		}
	}
	return s, nil
}

func parseConfig(data []byte) (Config, error) {
	var c Config
	cmds, err := parseCommands(data)
	if err != nil {
		return c, err
	}
	for _, cmd := range cmds {
		if len(cmd.Args) != 0 || len(cmd.KV) != 1 {
			return c, fmt.Errorf("%s: want key=value: %w", cmd, ErrSyntax)
		}
		for k, v := range cmd.KV {
			switch k {
			case "cores":
				c.Cores, err = strconv.Atoi(v)
			case "domains":
				c.Domains, err = strconv.Atoi(v)
			case "wcet":
				var n uint64
				n, err = strconv.ParseUint(v, 10, 64)
				c.KernelWCET = mcs.Ticks(n)
			case "max_irq":
				c.MaxIRQ, err = strconv.Atoi(v)
			case "fastpath":
				c.Fastpath, err = strconv.ParseBool(v)
			default:
				err = fmt.Errorf("unknown key %q: %w", k, ErrSyntax)
			}
			if err != nil {
				return c, fmt.Errorf("%s: %w", cmd, err)
			}
		}
	}
	return c, nil
}

// ParseScript parses command lines outside of an archive.
func ParseScript(data []byte) ([]Command, error) { return parseCommands(data) }

func parseCommands(data []byte) ([]Command, error) {
	var out []Command
	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd := Command{Line: i + 1, Text: line, KV: map[string]string{}}
		for j, f := range strings.Fields(line) {
			if k, v, ok := strings.Cut(f, "="); ok && j > 0 {
				if k == "" {
					return nil, fmt.Errorf("line %d: empty key: %w", i+1, ErrSyntax)
				}
				cmd.KV[k] = v
				continue
			}
			if j == 0 {
				cmd.Verb = f
				continue
			}
			cmd.Args = append(cmd.Args, f)
		}
		if strings.Contains(cmd.Verb, "=") {
			// A config line parses as a bare key=value.
			k, v, _ := strings.Cut(cmd.Verb, "=")
			cmd.Verb = ""
			cmd.KV[k] = v
		}
		out = append(out, cmd)
	}
	return out, nil
}

// ---- argument helpers ----

func (c Command) arg(i int) (string, error) {
	if i >= len(c.Args) {
		return "", fmt.Errorf("%s: missing argument %d: %w", c, i+1, ErrSyntax)
	}
	return c.Args[i], nil
}

func (c Command) uintArg(i int) (uint64, error) {
	s, err := c.arg(i)
	if err != nil {
		return 0, err
	}
	return parseUint(c, s)
}

func (c Command) intArg(i int) (int, error) {
	n, err := c.uintArg(i)
	return int(n), err
}

// uintKV returns the value of key, or def when it is absent.
func (c Command) uintKV(key string, def uint64) (uint64, error) {
	s, ok := c.KV[key]
	if !ok {
		return def, nil
	}
	return parseUint(c, s)
}

func (c Command) intKV(key string, def int) (int, error) {
	n, err := c.uintKV(key, uint64(def))
	return int(n), err
}

func parseUint(c Command, s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q: %w", c, s, ErrSyntax)
	}
	return n, nil
}
