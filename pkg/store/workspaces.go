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
	"database/sql"
	"strings"
	"time"
)

// WorkspaceStatus is the disk-reconciliation state of a workspace.
type WorkspaceStatus string

const (
	// WorkspaceActive is a usable checkout.
	WorkspaceActive WorkspaceStatus = "active"

	// WorkspaceStale means the disk path is missing or the remote branch is
	// gone; a scheduled sweep reconciles.
	WorkspaceStale WorkspaceStatus = "stale"

	// WorkspaceRemoved means disk artifacts were cleaned up.
	WorkspaceRemoved WorkspaceStatus = "removed"
)

// Workspace is an isolated on-disk checkout on a dedicated branch.
type Workspace struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Path       string          `json:"path"`
	Branch     string          `json:"branch"`
	BaseBranch string          `json:"base_branch"`
	Status     WorkspaceStatus `json:"status"`
	AgentID    string          `json:"agent_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	RemovedAt  time.Time       `json:"removed_at,omitempty"`
}

// WorkspaceFilter narrows ListWorkspaces.
type WorkspaceFilter struct {
	Status WorkspaceStatus
	Name   string
}

// CreateWorkspace inserts a workspace row with status active. The partial
// unique index on live names turns a duplicate into a Conflict error.
func (s *Store) CreateWorkspace(ctx context.Context, w *Workspace) error {
	if w.ID == "" || w.Name == "" || w.Path == "" || w.Branch == "" {
		return NewError(KindValidation, "workspace id, name, path, and branch are required")
	}

	w.Status = WorkspaceActive
	w.CreatedAt = now()

	return s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
INSERT INTO workspaces (id, name, path, branch, base_branch, status, agent_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.Name, w.Path, w.Branch, w.BaseBranch, w.Status, nullString(w.AgentID), w.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return NewError(KindConflict, "workspace %q already exists", w.Name)
			}
			return WrapError(KindInfrastructure, err, "failed to insert workspace")
		}
		return writeAudit(tx, "workspace", w.ID, "created", "", w.Name)
	})
}

// GetWorkspace returns the live (non-removed) workspace with the given name.
func (s *Store) GetWorkspace(ctx context.Context, name string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, path, branch, base_branch, status, agent_id, created_at, removed_at
FROM workspaces WHERE name = ? AND status != ?`, name, WorkspaceRemoved)
	return scanWorkspace(row)
}

// GetWorkspaceByID returns a workspace by id regardless of status.
func (s *Store) GetWorkspaceByID(ctx context.Context, id string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, path, branch, base_branch, status, agent_id, created_at, removed_at
FROM workspaces WHERE id = ?`, id)
	return scanWorkspace(row)
}

func scanWorkspace(row *sql.Row) (*Workspace, error) {
	var w Workspace
	var agentID sql.NullString
	var removedAt sql.NullTime
	err := row.Scan(&w.ID, &w.Name, &w.Path, &w.Branch, &w.BaseBranch, &w.Status,
		&agentID, &w.CreatedAt, &removedAt)
	if err == sql.ErrNoRows {
		return nil, NewError(KindNotFound, "workspace not found")
	}
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to scan workspace")
	}
	w.AgentID = agentID.String
	w.RemovedAt = removedAt.Time
	return &w, nil
}

// ListWorkspaces returns workspaces matching the filter, oldest first.
func (s *Store) ListWorkspaces(ctx context.Context, filter WorkspaceFilter) ([]*Workspace, error) {
	query := `
SELECT id, name, path, branch, base_branch, status, agent_id, created_at, removed_at
FROM workspaces WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Name != "" {
		query += ` AND name = ?`
		args = append(args, filter.Name)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to query workspaces")
	}
	defer rows.Close()

	var workspaces []*Workspace
	for rows.Next() {
		var w Workspace
		var agentID sql.NullString
		var removedAt sql.NullTime
		if err := rows.Scan(&w.ID, &w.Name, &w.Path, &w.Branch, &w.BaseBranch, &w.Status,
			&agentID, &w.CreatedAt, &removedAt); err != nil {
			return nil, WrapError(KindInfrastructure, err, "failed to scan workspace")
		}
		w.AgentID = agentID.String
		w.RemovedAt = removedAt.Time
		workspaces = append(workspaces, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(KindInfrastructure, err, "error iterating workspaces")
	}

	return workspaces, nil
}

// SetWorkspaceStatus transitions a workspace's reconciliation status.
func (s *Store) SetWorkspaceStatus(ctx context.Context, id string, status WorkspaceStatus) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var current WorkspaceStatus
		err := tx.QueryRow(`SELECT status FROM workspaces WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return NewError(KindNotFound, "workspace not found")
		}
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to read workspace status")
		}

		var removedAt sql.NullTime
		if status == WorkspaceRemoved {
			removedAt = nullTime(now())
		}

		_, err = tx.Exec(`
UPDATE workspaces SET status = ?, removed_at = COALESCE(?, removed_at) WHERE id = ?`,
			status, removedAt, id)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to update workspace status")
		}
		return writeAudit(tx, "workspace", id, "status", string(current), string(status))
	})
}

// isUniqueViolation matches SQLite unique-constraint failures without
// importing the driver's error types everywhere.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
