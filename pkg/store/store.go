// Copyright 2025 Hanibal Sk
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

// Package store is the single source of truth for orchestrator state.
//
// Every entity and every transition lives in one embedded SQLite file.
// Multi-row invariants (the ActivePR singleton, queue-entry uniqueness,
// workspace/agent references) are enforced inside transactions, and every
// write emits an audit record in the same transaction so a restart resumes
// exactly where the process left off.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the embedded database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the store at path and applies pending
// migrations. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, NewError(KindValidation, "store path is required")
	}

	// busy_timeout keeps concurrent writers queueing instead of failing,
	// foreign_keys is off by default in SQLite.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	if path == ":memory:" {
		// The single pooled connection below keeps one in-memory database
		// alive for the store's lifetime.
		dsn = ":memory:?_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to open database")
	}

	// SQLite allows one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, WrapError(KindInfrastructure, err, "failed to ping database")
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error. Transactions are short-lived: callers must not perform blocking IO
// inside fn.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapError(KindInfrastructure, err, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return WrapError(KindInfrastructure, rbErr, "rollback failed after: %v", err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return WrapError(KindInfrastructure, err, "failed to commit transaction")
	}
	return nil
}

// now returns the store's canonical timestamp.
func now() time.Time {
	return time.Now().UTC()
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
