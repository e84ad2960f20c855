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

package store

import (
	"context"
	"fmt"
)

// migration is one forward-only schema step. Migrations run in order at open
// and are recorded by name; a recorded migration never runs again.
type migration struct {
	Name string
	SQL  string
}

var migrationsList = []migration{
	{"initial_schema", initialSchemaSQL},
	{"dedup_keys_table", dedupKeysSQL},
	{"webhook_retry_index", webhookRetryIndexSQL},
	{"workspace_agent_index", workspaceAgentIndexSQL},
	{"message_agent_sequence_unique", messageSequenceUniqueSQL},
}

const initialSchemaSQL = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    task_text TEXT NOT NULL,
    context_json TEXT NOT NULL DEFAULT '{}',
    state TEXT NOT NULL,
    workspace_id TEXT,
    session_id TEXT,
    parent_agent_id TEXT,
    error_text TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);
CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_agent_id);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    parent_session_id TEXT,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    is_forked INTEGER NOT NULL DEFAULT 0,
    forked_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id TEXT NOT NULL,
    session_id TEXT,
    sequence_num INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    tool_calls_json TEXT,
    tool_results_json TEXT,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    is_error INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id, sequence_num);

CREATE TABLE IF NOT EXISTS workspaces (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    branch TEXT NOT NULL,
    base_branch TEXT NOT NULL,
    status TEXT NOT NULL,
    agent_id TEXT,
    created_at TIMESTAMP NOT NULL,
    removed_at TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_workspaces_live_name
    ON workspaces(name) WHERE status != 'removed';

CREATE TABLE IF NOT EXISTS queue_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    workspace_id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    epic_id TEXT,
    enqueued_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS active_prs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pr_number INTEGER NOT NULL,
    workspace_id TEXT NOT NULL,
    status TEXT NOT NULL,
    shepherd_agent_id TEXT,
    is_open INTEGER,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_active_pr_singleton
    ON active_prs(is_open) WHERE is_open IS NOT NULL;

CREATE TABLE IF NOT EXISTS webhook_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    delivery_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    action TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 5,
    error_text TEXT,
    next_retry_at TIMESTAMP NOT NULL,
    received_at TIMESTAMP NOT NULL,
    processed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS schedules (
    name TEXT PRIMARY KEY,
    cron_expr TEXT NOT NULL,
    agent_kind TEXT NOT NULL,
    task_template TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    next_run_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    action TEXT NOT NULL,
    old_value TEXT,
    new_value TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);
`

const dedupKeysSQL = `
CREATE TABLE IF NOT EXISTS dedup_keys (
    key TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
`

const webhookRetryIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_webhook_events_pending
    ON webhook_events(status, next_retry_at);
`

const workspaceAgentIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_workspaces_agent ON workspaces(agent_id)
    WHERE agent_id IS NOT NULL;
`

const messageSequenceUniqueSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_agent_sequence
    ON messages(agent_id, sequence_num);
`

// migrate applies all unapplied migrations in order.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
)`); err != nil {
		return WrapError(KindInfrastructure, err, "failed to create schema_migrations table")
	}

	for _, m := range migrationsList {
		applied, err := s.migrationApplied(ctx, m.Name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %q: %w", m.Name, err)
		}
	}

	return nil
}

func (s *Store) migrationApplied(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, WrapError(KindInfrastructure, err, "failed to query schema_migrations")
	}
	return n > 0, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapError(KindInfrastructure, err, "failed to begin migration transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return WrapError(KindInfrastructure, err, "failed to apply migration")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
		m.Name, now()); err != nil {
		return WrapError(KindInfrastructure, err, "failed to record migration")
	}

	if err := tx.Commit(); err != nil {
		return WrapError(KindInfrastructure, err, "failed to commit migration")
	}
	return nil
}

// SchemaVersion returns the number of applied migrations.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n)
	if err != nil {
		return 0, WrapError(KindInfrastructure, err, "failed to count migrations")
	}
	return n, nil
}
