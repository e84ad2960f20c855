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
	"encoding/json"
	"time"
)

// AgentState represents the lifecycle state of an agent.
type AgentState string

const (
	// AgentCreated means the agent row exists but no runner slot was taken.
	AgentCreated AgentState = "created"

	// AgentInitializing means a runner slot is held and the session is being
	// prepared.
	AgentInitializing AgentState = "initializing"

	// AgentRunning means the agent is consuming turns.
	AgentRunning AgentState = "running"

	// AgentPaused means an operator paused the agent.
	AgentPaused AgentState = "paused"

	// AgentWaitingForInput means the agent asked for an operator reply.
	AgentWaitingForInput AgentState = "waiting_for_input"

	// AgentWaitingForExternal means the agent is durably suspended on an
	// external signal such as a CI completion.
	AgentWaitingForExternal AgentState = "waiting_for_external"

	// AgentCompleted means the agent signaled success.
	AgentCompleted AgentState = "completed"

	// AgentFailed means a non-recoverable error; error_text is populated.
	AgentFailed AgentState = "failed"

	// AgentTerminated means an operator forced the stop.
	AgentTerminated AgentState = "terminated"
)

// IsTerminal returns whether this state is terminal (no more transitions).
func (s AgentState) IsTerminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentTerminated:
		return true
	}
	return false
}

// Agent is the persisted record of one agent run.
type Agent struct {
	ID            string                 `json:"id"`
	Kind          string                 `json:"kind"`
	TaskText      string                 `json:"task_text"`
	Context       map[string]interface{} `json:"context"`
	State         AgentState             `json:"state"`
	WorkspaceID   string                 `json:"workspace_id,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	ParentAgentID string                 `json:"parent_agent_id,omitempty"`
	ErrorText     string                 `json:"error_text,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   time.Time              `json:"completed_at,omitempty"`
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	Kind          string
	States        []AgentState
	ParentAgentID string
	Limit         int
}

// CreateAgent inserts a new agent in the Created state.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		return NewError(KindValidation, "agent id is required")
	}
	if a.Kind == "" {
		return NewError(KindValidation, "agent kind is required")
	}

	if a.Context == nil {
		a.Context = make(map[string]interface{})
	}
	contextJSON, err := json.Marshal(a.Context)
	if err != nil {
		return WrapError(KindValidation, err, "failed to marshal agent context")
	}

	ts := now()
	a.State = AgentCreated
	a.CreatedAt = ts
	a.UpdatedAt = ts

	return s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
INSERT INTO agents (id, kind, task_text, context_json, state, workspace_id, session_id, parent_agent_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Kind, a.TaskText, string(contextJSON), a.State,
			nullString(a.WorkspaceID), nullString(a.SessionID), nullString(a.ParentAgentID),
			a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to insert agent")
		}
		return writeAudit(tx, "agent", a.ID, "created", "", string(AgentCreated))
	})
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, kind, task_text, context_json, state, workspace_id, session_id, parent_agent_id, error_text, created_at, updated_at, completed_at
FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var contextJSON string
	var workspaceID, sessionID, parentID, errorText sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&a.ID, &a.Kind, &a.TaskText, &contextJSON, &a.State,
		&workspaceID, &sessionID, &parentID, &errorText,
		&a.CreatedAt, &a.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, NewError(KindNotFound, "agent not found")
	}
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to scan agent")
	}

	if err := json.Unmarshal([]byte(contextJSON), &a.Context); err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to unmarshal agent context")
	}
	a.WorkspaceID = workspaceID.String
	a.SessionID = sessionID.String
	a.ParentAgentID = parentID.String
	a.ErrorText = errorText.String
	a.CompletedAt = completedAt.Time

	return &a, nil
}

// ListAgents returns agents matching the filter, oldest first.
func (s *Store) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	query := `
SELECT id, kind, task_text, context_json, state, workspace_id, session_id, parent_agent_id, error_text, created_at, updated_at, completed_at
FROM agents WHERE 1=1`
	var args []interface{}

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if len(filter.States) > 0 {
		query += ` AND state IN (?` // first placeholder
		args = append(args, string(filter.States[0]))
		for _, st := range filter.States[1:] {
			query += `, ?`
			args = append(args, string(st))
		}
		query += `)`
	}
	if filter.ParentAgentID != "" {
		query += ` AND parent_agent_id = ?`
		args = append(args, filter.ParentAgentID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to query agents")
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var contextJSON string
		var workspaceID, sessionID, parentID, errorText sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Kind, &a.TaskText, &contextJSON, &a.State,
			&workspaceID, &sessionID, &parentID, &errorText,
			&a.CreatedAt, &a.UpdatedAt, &completedAt); err != nil {
			return nil, WrapError(KindInfrastructure, err, "failed to scan agent")
		}
		if err := json.Unmarshal([]byte(contextJSON), &a.Context); err != nil {
			return nil, WrapError(KindInfrastructure, err, "failed to unmarshal agent context")
		}
		a.WorkspaceID = workspaceID.String
		a.SessionID = sessionID.String
		a.ParentAgentID = parentID.String
		a.ErrorText = errorText.String
		a.CompletedAt = completedAt.Time
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(KindInfrastructure, err, "error iterating agents")
	}

	return agents, nil
}

// TransitionAgent moves an agent from one of the allowed states to the target
// state. Returns a Conflict error when the current state is not allowed,
// which also covers terminal immutability: terminal states never appear in an
// allowed-from set.
func (s *Store) TransitionAgent(ctx context.Context, id string, from []AgentState, to AgentState, errorText string) error {
	if len(from) == 0 {
		return NewError(KindValidation, "allowed from-states are required")
	}

	return s.InTx(ctx, func(tx *sql.Tx) error {
		var current AgentState
		err := tx.QueryRow(`SELECT state FROM agents WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return NewError(KindNotFound, "agent not found")
		}
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to read agent state")
		}

		allowed := false
		for _, f := range from {
			if current == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return NewError(KindConflict, "agent %s cannot move from %s to %s", id, current, to)
		}

		ts := now()
		var completedAt sql.NullTime
		if to.IsTerminal() {
			completedAt = nullTime(ts)
		}

		_, err = tx.Exec(`
UPDATE agents SET state = ?, error_text = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
WHERE id = ?`,
			to, nullString(errorText), ts, completedAt, id)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to update agent state")
		}

		return writeAudit(tx, "agent", id, "state", string(current), string(to))
	})
}

// AttachAgentSession records the session an agent runs in.
func (s *Store) AttachAgentSession(ctx context.Context, id, sessionID string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE agents SET session_id = ?, updated_at = ? WHERE id = ?`,
			sessionID, now(), id)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to attach session")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return NewError(KindNotFound, "agent not found")
		}
		return writeAudit(tx, "agent", id, "session_attached", "", sessionID)
	})
}

// AttachAgentWorkspace records the workspace an agent owns, enforcing that at
// most one non-terminal agent references an active workspace.
func (s *Store) AttachAgentWorkspace(ctx context.Context, id, workspaceID string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var holders int
		err := tx.QueryRow(`
SELECT COUNT(*) FROM agents
WHERE workspace_id = ? AND id != ? AND state NOT IN (?, ?, ?)`,
			workspaceID, id, AgentCompleted, AgentFailed, AgentTerminated).Scan(&holders)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to count workspace holders")
		}
		if holders > 0 {
			return NewError(KindConflict, "workspace %s is already held by a live agent", workspaceID)
		}

		res, err := tx.Exec(`UPDATE agents SET workspace_id = ?, updated_at = ? WHERE id = ?`,
			workspaceID, now(), id)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to attach workspace")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return NewError(KindNotFound, "agent not found")
		}

		if _, err := tx.Exec(`UPDATE workspaces SET agent_id = ? WHERE id = ?`, id, workspaceID); err != nil {
			return WrapError(KindInfrastructure, err, "failed to update workspace owner")
		}

		return writeAudit(tx, "agent", id, "workspace_attached", "", workspaceID)
	})
}

// CountAgentsInStates counts agents whose state is in the given set.
func (s *Store) CountAgentsInStates(ctx context.Context, states ...AgentState) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM agents WHERE state IN (?`
	args := []interface{}{string(states[0])}
	for _, st := range states[1:] {
		query += `, ?`
		args = append(args, string(st))
	}
	query += `)`

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, WrapError(KindInfrastructure, err, "failed to count agents")
	}
	return n, nil
}

// OldestCreatedAgent returns the longest-waiting agent still in Created, or
// nil when none waits.
func (s *Store) OldestCreatedAgent(ctx context.Context) (*Agent, error) {
	agents, err := s.ListAgents(ctx, AgentFilter{States: []AgentState{AgentCreated}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, nil
	}
	return agents[0], nil
}

// PruneTerminalAgents deletes terminal agents whose completion predates the
// cutoff, together with their transcripts and sessions. Returns the number of
// agents removed.
func (s *Store) PruneTerminalAgents(ctx context.Context, cutoff time.Time) (int, error) {
	var pruned int
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(`
SELECT id FROM agents
WHERE state IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
			AgentCompleted, AgentFailed, AgentTerminated, cutoff.UTC())
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to query prunable agents")
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return WrapError(KindInfrastructure, err, "failed to scan agent id")
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return WrapError(KindInfrastructure, err, "error iterating prunable agents")
		}

		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM messages WHERE agent_id = ?`, id); err != nil {
				return WrapError(KindInfrastructure, err, "failed to delete messages")
			}
			if _, err := tx.Exec(`DELETE FROM sessions WHERE agent_id = ?`, id); err != nil {
				return WrapError(KindInfrastructure, err, "failed to delete sessions")
			}
			if _, err := tx.Exec(`DELETE FROM agents WHERE id = ?`, id); err != nil {
				return WrapError(KindInfrastructure, err, "failed to delete agent")
			}
			if err := writeAudit(tx, "agent", id, "pruned", "", ""); err != nil {
				return err
			}
		}
		pruned = len(ids)
		return nil
	})
	return pruned, err
}
