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
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the SQL ledger. The statements use SQLite syntax; upserts
// need SQLite 3.24 or later.
const sqlSchema = `
CREATE TABLE IF NOT EXISTS ledger (
  sc    TEXT PRIMARY KEY,
  ticks INTEGER NOT NULL,
  total INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS applied_commits (
  commit_id TEXT PRIMARY KEY,
  sc        TEXT NOT NULL,
  ticks     INTEGER NOT NULL,
  ts        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_applied_commits_sc ON applied_commits(sc);
`

// SQLPersister applies a batch in one transaction. Per entry, the commit id
// is inserted first; only when that insert took effect is the ledger row
// upserted, and the upsert skips totals that are not newer.
type SQLPersister struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

func NewSQLPersister(db *sql.DB) *SQLPersister {
	return &SQLPersister{db: db, defaultTimeout: 10 * time.Second}
}

// OpenSQLite opens (or creates) a SQLite ledger at path and ensures its
// schema. ":memory:" gives a private in-process database.
func OpenSQLite(ctx context.Context, path string) (*SQLPersister, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: an in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	p := NewSQLPersister(db)
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates the ledger tables if they are missing.
func (p *SQLPersister) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

func (p *SQLPersister) CommitBatch(ctx context.Context, entries []CommitEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.defaultTimeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, e := range entries {
		if e.CommitID == "" {
			return errNoCommitID
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO applied_commits(commit_id, sc, ticks) VALUES (?, ?, ?)`,
			e.CommitID, e.Key, int64(e.Ticks))
		if err != nil {
			return fmt.Errorf("insert applied_commits(%s): %w", e.CommitID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("insert applied_commits(%s): %w", e.CommitID, err)
		} else if n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger(sc, ticks, total) VALUES (?, ?, ?)
			   ON CONFLICT(sc) DO UPDATE SET ticks = ticks + excluded.ticks, total = excluded.total
			   WHERE excluded.total > ledger.total`,
			e.Key, int64(e.Ticks), int64(e.Total)); err != nil {
			return fmt.Errorf("upsert ledger(%s): %w", e.Key, err)
		}
	}
	return tx.Commit()
}

// LedgerRow is the durable state of one scheduling context.
type LedgerRow struct {
	Ticks uint64
	Total uint64
}

// Ledger reads every row.
func (p *SQLPersister) Ledger(ctx context.Context) (map[string]LedgerRow, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT sc, ticks, total FROM ledger`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	out := make(map[string]LedgerRow)
	for rows.Next() {
		var sc string
		var ticks, total int64
		if err := rows.Scan(&sc, &ticks, &total); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		out[sc] = LedgerRow{Ticks: uint64(ticks), Total: uint64(total)}
	}
	return out, rows.Err()
}

func (p *SQLPersister) Close() error { return p.db.Close() }
