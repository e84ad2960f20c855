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
	"time"
)

// QueueEntry is one finished workspace awaiting its turn as the active PR.
type QueueEntry struct {
	ID          int64     `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	EpicID      string    `json:"epic_id,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// PRStatus is the state of the active pull request.
type PRStatus string

const (
	PROpened       PRStatus = "opened"
	PRReviewing    PRStatus = "reviewing"
	PRWaitingForCI PRStatus = "waiting_for_ci"
	PRFixing       PRStatus = "fixing"
	PRMerging      PRStatus = "merging"
	PRMerged       PRStatus = "merged"
	PRFailed       PRStatus = "failed"
	PRClosed       PRStatus = "closed"
)

// IsTerminal returns whether this status is terminal.
func (s PRStatus) IsTerminal() bool {
	switch s {
	case PRMerged, PRFailed, PRClosed:
		return true
	}
	return false
}

// ActivePR is the singleton pull request currently under review. The
// singleton is enforced by a partial unique index on the is_open column.
type ActivePR struct {
	ID              int64     `json:"id"`
	PRNumber        int       `json:"pr_number"`
	WorkspaceID     string    `json:"workspace_id"`
	Status          PRStatus  `json:"status"`
	ShepherdAgentID string    `json:"shepherd_agent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EnqueueWorkspace appends a workspace to the review queue. The workspace
// must be active and its owning agent terminal; a workspace appears at most
// once across the queue and the active PR.
func (s *Store) EnqueueWorkspace(ctx context.Context, workspaceID, title, epicID string) (*QueueEntry, error) {
	if workspaceID == "" {
		return nil, NewError(KindValidation, "workspace id is required")
	}
	if title == "" {
		return nil, NewError(KindValidation, "title is required")
	}

	entry := &QueueEntry{
		WorkspaceID: workspaceID,
		Title:       title,
		EpicID:      epicID,
		EnqueuedAt:  now(),
	}

	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var status WorkspaceStatus
		var agentID sql.NullString
		err := tx.QueryRow(`SELECT status, agent_id FROM workspaces WHERE id = ?`, workspaceID).
			Scan(&status, &agentID)
		if err == sql.ErrNoRows {
			return NewError(KindNotFound, "workspace not found")
		}
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to read workspace")
		}
		if status != WorkspaceActive {
			return NewError(KindConflict, "workspace %s is %s, not active", workspaceID, status)
		}

		if agentID.Valid {
			var state AgentState
			err := tx.QueryRow(`SELECT state FROM agents WHERE id = ?`, agentID.String).Scan(&state)
			if err != nil && err != sql.ErrNoRows {
				return WrapError(KindInfrastructure, err, "failed to read workspace agent")
			}
			if err == nil && !state.IsTerminal() {
				return NewError(KindConflict, "workspace %s still has a live agent", workspaceID)
			}
		}

		var active int
		err = tx.QueryRow(`SELECT COUNT(*) FROM active_prs WHERE workspace_id = ? AND is_open IS NOT NULL`,
			workspaceID).Scan(&active)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to check active PR")
		}
		if active > 0 {
			return NewError(KindConflict, "workspace %s is already under review", workspaceID)
		}

		res, err := tx.Exec(`
INSERT INTO queue_entries (workspace_id, title, epic_id, enqueued_at)
VALUES (?, ?, ?, ?)`,
			entry.WorkspaceID, entry.Title, nullString(entry.EpicID), entry.EnqueuedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return NewError(KindConflict, "workspace %s is already queued", workspaceID)
			}
			return WrapError(KindInfrastructure, err, "failed to enqueue workspace")
		}
		entry.ID, _ = res.LastInsertId()

		return writeAudit(tx, "queue_entry", entry.WorkspaceID, "enqueued", "", entry.Title)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListQueue returns queue entries in FIFO order.
func (s *Store) ListQueue(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, workspace_id, title, epic_id, enqueued_at
FROM queue_entries ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to query queue")
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var epicID sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Title, &epicID, &e.EnqueuedAt); err != nil {
			return nil, WrapError(KindInfrastructure, err, "failed to scan queue entry")
		}
		e.EpicID = epicID.String
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(KindInfrastructure, err, "error iterating queue")
	}

	return entries, nil
}

// QueueHead returns the FIFO head, or nil when the queue is empty.
func (s *Store) QueueHead(ctx context.Context) (*QueueEntry, error) {
	var e QueueEntry
	var epicID sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT id, workspace_id, title, epic_id, enqueued_at
FROM queue_entries ORDER BY enqueued_at ASC, id ASC LIMIT 1`).
		Scan(&e.ID, &e.WorkspaceID, &e.Title, &epicID, &e.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to read queue head")
	}
	e.EpicID = epicID.String
	return &e, nil
}

// RemoveQueueEntry removes a queued workspace without promoting it.
func (s *Store) RemoveQueueEntry(ctx context.Context, workspaceID string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM queue_entries WHERE workspace_id = ?`, workspaceID)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to remove queue entry")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return NewError(KindNotFound, "workspace is not queued")
		}
		return writeAudit(tx, "queue_entry", workspaceID, "removed", "", "")
	})
}

// ActivatePR pops the given queue entry and creates the ActivePR row in one
// transaction. The pull request itself was already opened by the caller
// outside any transaction; if another promotion won the race, the singleton
// index rejects the insert with a Conflict error and the caller rolls the PR
// back on the hosting platform.
func (s *Store) ActivatePR(ctx context.Context, entryID int64, prNumber int, shepherdAgentID string) (*ActivePR, error) {
	pr := &ActivePR{
		PRNumber:        prNumber,
		Status:          PROpened,
		ShepherdAgentID: shepherdAgentID,
	}

	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var workspaceID string
		err := tx.QueryRow(`SELECT workspace_id FROM queue_entries WHERE id = ?`, entryID).
			Scan(&workspaceID)
		if err == sql.ErrNoRows {
			return NewError(KindNotFound, "queue entry no longer exists")
		}
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to read queue entry")
		}
		pr.WorkspaceID = workspaceID

		// FIFO: only the head may be promoted.
		var headID int64
		err = tx.QueryRow(`SELECT id FROM queue_entries ORDER BY enqueued_at ASC, id ASC LIMIT 1`).
			Scan(&headID)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to read queue head")
		}
		if headID != entryID {
			return NewError(KindConflict, "queue entry %d is not the head", entryID)
		}

		if _, err := tx.Exec(`DELETE FROM queue_entries WHERE id = ?`, entryID); err != nil {
			return WrapError(KindInfrastructure, err, "failed to pop queue entry")
		}

		ts := now()
		pr.CreatedAt = ts
		pr.UpdatedAt = ts
		res, err := tx.Exec(`
INSERT INTO active_prs (pr_number, workspace_id, status, shepherd_agent_id, is_open, created_at, updated_at)
VALUES (?, ?, ?, ?, 1, ?, ?)`,
			pr.PRNumber, pr.WorkspaceID, pr.Status, nullString(pr.ShepherdAgentID), ts, ts)
		if err != nil {
			if isUniqueViolation(err) {
				return NewError(KindConflict, "an active PR already exists")
			}
			return WrapError(KindInfrastructure, err, "failed to insert active PR")
		}
		pr.ID, _ = res.LastInsertId()

		return writeAudit(tx, "active_pr", pr.WorkspaceID, "opened", "", string(PROpened))
	})
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// GetActivePR returns the open active PR, or nil when none exists.
func (s *Store) GetActivePR(ctx context.Context) (*ActivePR, error) {
	var pr ActivePR
	var shepherdID sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT id, pr_number, workspace_id, status, shepherd_agent_id, created_at, updated_at
FROM active_prs WHERE is_open IS NOT NULL`).
		Scan(&pr.ID, &pr.PRNumber, &pr.WorkspaceID, &pr.Status, &shepherdID, &pr.CreatedAt, &pr.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to read active PR")
	}
	pr.ShepherdAgentID = shepherdID.String
	return &pr, nil
}

// GetActivePRByNumber returns the open active PR when it matches the number.
func (s *Store) GetActivePRByNumber(ctx context.Context, prNumber int) (*ActivePR, error) {
	pr, err := s.GetActivePR(ctx)
	if err != nil {
		return nil, err
	}
	if pr == nil || pr.PRNumber != prNumber {
		return nil, nil
	}
	return pr, nil
}

// TransitionActivePR moves the open active PR between statuses. Terminal
// targets clear the singleton slot so the next promotion can run.
func (s *Store) TransitionActivePR(ctx context.Context, prNumber int, from []PRStatus, to PRStatus) error {
	if len(from) == 0 {
		return NewError(KindValidation, "allowed from-statuses are required")
	}

	return s.InTx(ctx, func(tx *sql.Tx) error {
		var id int64
		var current PRStatus
		var workspaceID string
		err := tx.QueryRow(`
SELECT id, status, workspace_id FROM active_prs WHERE pr_number = ? AND is_open IS NOT NULL`,
			prNumber).Scan(&id, &current, &workspaceID)
		if err == sql.ErrNoRows {
			return NewError(KindNotFound, "no open active PR #%d", prNumber)
		}
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to read active PR")
		}

		allowed := false
		for _, f := range from {
			if current == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return NewError(KindConflict, "active PR #%d cannot move from %s to %s", prNumber, current, to)
		}

		var isOpen interface{} = 1
		if to.IsTerminal() {
			isOpen = nil
		}
		_, err = tx.Exec(`UPDATE active_prs SET status = ?, is_open = ?, updated_at = ? WHERE id = ?`,
			to, isOpen, now(), id)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to update active PR")
		}

		return writeAudit(tx, "active_pr", workspaceID, "status", string(current), string(to))
	})
}

// SetActivePR force-creates the ActivePR row for an operator-designated PR,
// outside the queue flow. Fails with Conflict when one is already open.
func (s *Store) SetActivePR(ctx context.Context, prNumber int, workspaceID, shepherdAgentID string) (*ActivePR, error) {
	pr := &ActivePR{
		PRNumber:        prNumber,
		WorkspaceID:     workspaceID,
		Status:          PROpened,
		ShepherdAgentID: shepherdAgentID,
	}

	err := s.InTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		pr.CreatedAt = ts
		pr.UpdatedAt = ts
		res, err := tx.Exec(`
INSERT INTO active_prs (pr_number, workspace_id, status, shepherd_agent_id, is_open, created_at, updated_at)
VALUES (?, ?, ?, ?, 1, ?, ?)`,
			pr.PRNumber, pr.WorkspaceID, pr.Status, nullString(pr.ShepherdAgentID), ts, ts)
		if err != nil {
			if isUniqueViolation(err) {
				return NewError(KindConflict, "an active PR already exists")
			}
			return WrapError(KindInfrastructure, err, "failed to insert active PR")
		}
		pr.ID, _ = res.LastInsertId()
		return writeAudit(tx, "active_pr", workspaceID, "set", "", string(PROpened))
	})
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// AttachShepherd records the shepherd agent coordinating the open active PR.
func (s *Store) AttachShepherd(ctx context.Context, prNumber int, shepherdAgentID string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
UPDATE active_prs SET shepherd_agent_id = ?, updated_at = ?
WHERE pr_number = ? AND is_open IS NOT NULL`,
			shepherdAgentID, now(), prNumber)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to attach shepherd")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return NewError(KindNotFound, "no open active PR #%d", prNumber)
		}
		return writeAudit(tx, "active_pr", shepherdAgentID, "shepherd_attached", "", shepherdAgentID)
	})
}
