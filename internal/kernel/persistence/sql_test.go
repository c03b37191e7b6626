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

package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
)

// ---- fake driver for transaction handling ----

type fakeDB struct {
	execs         []string
	failBegin     error
	failCommit    error
	failExecAt    map[int]error // 1-based exec index -> error
	commitCount   int
	rollbackCount int
}

type fakeDriver struct{}

type fakeConn struct{ db *fakeDB }

type fakeTx struct {
	db     *fakeDB
	closed bool
}

type fakeResult int

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

var testFakeDB *fakeDB

func init() {
	sql.Register("fakesql", fakeDriver{})
}

func (fakeDriver) Open(name string) (driver.Conn, error) { return &fakeConn{db: testFakeDB}, nil }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("not supported")
}
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}
func (c *fakeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.db.failBegin != nil {
		return nil, c.db.failBegin
	}
	return &fakeTx{db: c.db}, nil
}
func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.execs = append(c.db.execs, query)
	if err, ok := c.db.failExecAt[len(c.db.execs)]; ok {
		return nil, err
	}
	return fakeResult(1), nil
}

func (t *fakeTx) Commit() error {
	if t.closed {
		return errors.New("already closed")
	}
	t.db.commitCount++
	t.closed = true
	return t.db.failCommit
}

func (t *fakeTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.db.rollbackCount++
	t.closed = true
	return nil
}

func newFakePersister(f *fakeDB) *SQLPersister {
	testFakeDB = f
	db, _ := sql.Open("fakesql", "")
	return NewSQLPersister(db)
}

func TestSQLPersister_Transactions(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		f := &fakeDB{}
		if err := newFakePersister(f).CommitBatch(context.Background(), nil); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
		if f.commitCount+f.rollbackCount != 0 {
			t.Fatalf("no transaction expected")
		}
	})

	t.Run("MissingCommitID_RollsBack", func(t *testing.T) {
		f := &fakeDB{}
		err := newFakePersister(f).CommitBatch(context.Background(), []CommitEntry{{Key: "a"}})
		if err == nil || err.Error() != "CommitEntry.CommitID must be set" {
			t.Fatalf("unexpected err: %v", err)
		}
		if f.rollbackCount != 1 || f.commitCount != 0 {
			t.Fatalf("expected rollback only, got c=%d r=%d", f.commitCount, f.rollbackCount)
		}
		if len(f.execs) != 0 {
			t.Fatalf("no execs expected, got %d", len(f.execs))
		}
	})

	t.Run("Apply", func(t *testing.T) {
		f := &fakeDB{}
		entries := []CommitEntry{
			{Key: "a", Ticks: 5, Total: 5, CommitID: "a@5"},
			{Key: "b", Ticks: 2, Total: 2, CommitID: "b@2"},
		}
		if err := newFakePersister(f).CommitBatch(context.Background(), entries); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
		if f.commitCount != 1 || f.rollbackCount != 0 {
			t.Fatalf("commit/rollback mismatch: %d/%d", f.commitCount, f.rollbackCount)
		}
		if len(f.execs) != 4 {
			t.Fatalf("expected 4 execs, got %d: %v", len(f.execs), f.execs)
		}
		if !strings.Contains(f.execs[0], "applied_commits") || !strings.Contains(f.execs[1], "INSERT INTO ledger") {
			t.Fatalf("unexpected statement order: %v", f.execs[:2])
		}
	})

	t.Run("ExecError_RollsBack", func(t *testing.T) {
		f := &fakeDB{failExecAt: map[int]error{2: errors.New("boom")}}
		err := newFakePersister(f).CommitBatch(context.Background(), []CommitEntry{{Key: "k", Ticks: 1, Total: 1, CommitID: "k@1"}})
		if err == nil || !strings.Contains(err.Error(), "boom") {
			t.Fatalf("unexpected err: %v", err)
		}
		if f.rollbackCount != 1 || f.commitCount != 0 {
			t.Fatalf("expected rollback only, got c=%d r=%d", f.commitCount, f.rollbackCount)
		}
	})

	t.Run("BeginError", func(t *testing.T) {
		f := &fakeDB{failBegin: errors.New("no tx")}
		err := newFakePersister(f).CommitBatch(context.Background(), []CommitEntry{{Key: "k", CommitID: "k@1"}})
		if err == nil || !strings.Contains(err.Error(), "no tx") {
			t.Fatalf("unexpected err: %v", err)
		}
	})

	t.Run("CommitError", func(t *testing.T) {
		f := &fakeDB{failCommit: errors.New("commit-fail")}
		err := newFakePersister(f).CommitBatch(context.Background(), []CommitEntry{{Key: "k", Ticks: 1, Total: 1, CommitID: "k@1"}})
		if err == nil || err.Error() != "commit-fail" {
			t.Fatalf("unexpected err: %v", err)
		}
		if f.commitCount != 1 {
			t.Fatalf("expected one commit attempt")
		}
	})
}

// ---- real SQLite ----

func openMemory(t *testing.T) *SQLPersister {
	t.Helper()
	p, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func ledger(t *testing.T, p *SQLPersister) map[string]LedgerRow {
	t.Helper()
	rows, err := p.Ledger(context.Background())
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	return rows
}

func TestSQLite_Ledger(t *testing.T) {
	ctx := context.Background()

	t.Run("Accumulates", func(t *testing.T) {
		p := openMemory(t)
		batches := [][]CommitEntry{
			{{Key: "a", Ticks: 10, Total: 10, CommitID: "a@10"}},
			{{Key: "a", Ticks: 15, Total: 25, CommitID: "a@25"}, {Key: "b", Ticks: 4, Total: 4, CommitID: "b@4"}},
		}
		for _, b := range batches {
			if err := p.CommitBatch(ctx, b); err != nil {
				t.Fatalf("commit: %v", err)
			}
		}
		got := ledger(t, p)
		if got["a"] != (LedgerRow{Ticks: 25, Total: 25}) || got["b"] != (LedgerRow{Ticks: 4, Total: 4}) {
			t.Fatalf("ledger = %+v", got)
		}
	})

	t.Run("RetryIsIdempotent", func(t *testing.T) {
		p := openMemory(t)
		b := []CommitEntry{{Key: "a", Ticks: 10, Total: 10, CommitID: "a@10"}}
		for i := 0; i < 3; i++ {
			if err := p.CommitBatch(ctx, b); err != nil {
				t.Fatalf("commit %d: %v", i, err)
			}
		}
		if got := ledger(t, p)["a"]; got != (LedgerRow{Ticks: 10, Total: 10}) {
			t.Fatalf("ledger a = %+v, want one application", got)
		}
	})

	t.Run("StaleTotalSkipped", func(t *testing.T) {
		p := openMemory(t)
		if err := p.CommitBatch(ctx, []CommitEntry{{Key: "a", Ticks: 30, Total: 30, CommitID: "a@30"}}); err != nil {
			t.Fatalf("commit: %v", err)
		}
		// An older commit with a fresh id arrives late.
		if err := p.CommitBatch(ctx, []CommitEntry{{Key: "a", Ticks: 5, Total: 20, CommitID: "a@20"}}); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if got := ledger(t, p)["a"]; got != (LedgerRow{Ticks: 30, Total: 30}) {
			t.Fatalf("ledger a = %+v", got)
		}
	})

	t.Run("ThroughShim", func(t *testing.T) {
		p := openMemory(t)
		s := NewIdemShim(p)
		if err := s.CommitBatch(commits("a", 7, 7)); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if err := s.CommitBatch(commits("a", 7, 7)); err != nil {
			t.Fatalf("retry: %v", err)
		}
		if got := ledger(t, p)["a"]; got != (LedgerRow{Ticks: 7, Total: 7}) {
			t.Fatalf("ledger a = %+v", got)
		}
	})
}
