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

// Session groups an agent's messages for token accounting and forking.
type Session struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	TotalTokens     int64     `json:"total_tokens"`
	IsForked        bool      `json:"is_forked"`
	ForkedAt        time.Time `json:"forked_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// MessageRole is the author of a transcript entry.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ToolCall is an agent's request to invoke a tool.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	Error      string `json:"error,omitempty"`
}

// Message is one transcript entry of an agent. Per-agent sequence numbers are
// gap-free and strictly increasing.
type Message struct {
	ID           int64        `json:"id"`
	AgentID      string       `json:"agent_id"`
	SessionID    string       `json:"session_id,omitempty"`
	SequenceNum  int64        `json:"sequence_num"`
	Role         MessageRole  `json:"role"`
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult `json:"tool_results,omitempty"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	IsError      bool         `json:"is_error"`
	CreatedAt    time.Time    `json:"created_at"`
}

// CreateSession inserts a fresh session for an agent.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" || sess.AgentID == "" {
		return NewError(KindValidation, "session id and agent id are required")
	}
	sess.CreatedAt = now()

	return s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
INSERT INTO sessions (id, agent_id, parent_session_id, total_tokens, is_forked, forked_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.AgentID, nullString(sess.ParentSessionID),
			sess.TotalTokens, sess.IsForked, nullTime(sess.ForkedAt), sess.CreatedAt)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to insert session")
		}
		return writeAudit(tx, "session", sess.ID, "created", "", sess.AgentID)
	})
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var parentID sql.NullString
	var forkedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT id, agent_id, parent_session_id, total_tokens, is_forked, forked_at, created_at
FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.AgentID, &parentID, &sess.TotalTokens, &sess.IsForked, &forkedAt, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, NewError(KindNotFound, "session not found")
	}
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to scan session")
	}
	sess.ParentSessionID = parentID.String
	sess.ForkedAt = forkedAt.Time
	return &sess, nil
}

// ForkSession creates a child session for a new agent, seeded with a copy of
// the parent's final assistant message. The parent's token count is unchanged;
// the fork is recorded so token savings are attributable.
func (s *Store) ForkSession(ctx context.Context, parentSessionID, childSessionID, childAgentID string) (*Session, error) {
	if parentSessionID == "" || childSessionID == "" || childAgentID == "" {
		return nil, NewError(KindValidation, "parent session, child session, and child agent ids are required")
	}

	ts := now()
	child := &Session{
		ID:              childSessionID,
		AgentID:         childAgentID,
		ParentSessionID: parentSessionID,
		IsForked:        true,
		ForkedAt:        ts,
		CreatedAt:       ts,
	}

	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var parentAgentID string
		err := tx.QueryRow(`SELECT agent_id FROM sessions WHERE id = ?`, parentSessionID).Scan(&parentAgentID)
		if err == sql.ErrNoRows {
			return NewError(KindNotFound, "parent session not found")
		}
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to read parent session")
		}

		_, err = tx.Exec(`
INSERT INTO sessions (id, agent_id, parent_session_id, total_tokens, is_forked, forked_at, created_at)
VALUES (?, ?, ?, 0, 1, ?, ?)`,
			child.ID, child.AgentID, child.ParentSessionID, child.ForkedAt, child.CreatedAt)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to insert forked session")
		}

		// Seed: copy the parent's final assistant message as sequence 1 of
		// the child agent's transcript.
		var content string
		err = tx.QueryRow(`
SELECT content FROM messages
WHERE session_id = ? AND role = ?
ORDER BY sequence_num DESC LIMIT 1`, parentSessionID, RoleAssistant).Scan(&content)
		if err != nil && err != sql.ErrNoRows {
			return WrapError(KindInfrastructure, err, "failed to read parent seed message")
		}
		if err == nil {
			_, err = tx.Exec(`
INSERT INTO messages (agent_id, session_id, sequence_num, role, content, created_at)
VALUES (?, ?, 1, ?, ?, ?)`,
				child.AgentID, child.ID, RoleAssistant, content, ts)
			if err != nil {
				return WrapError(KindInfrastructure, err, "failed to seed forked session")
			}
		}

		return writeAudit(tx, "session", child.ID, "forked", parentSessionID, child.AgentID)
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// AppendMessage appends a transcript entry, assigning the next gap-free
// sequence number for the agent and adding its tokens to the session total.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.AgentID == "" {
		return NewError(KindValidation, "message agent id is required")
	}
	if m.Role == "" {
		return NewError(KindValidation, "message role is required")
	}

	var toolCallsJSON, toolResultsJSON sql.NullString
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return WrapError(KindValidation, err, "failed to marshal tool calls")
		}
		toolCallsJSON = nullString(string(b))
	}
	if len(m.ToolResults) > 0 {
		b, err := json.Marshal(m.ToolResults)
		if err != nil {
			return WrapError(KindValidation, err, "failed to marshal tool results")
		}
		toolResultsJSON = nullString(string(b))
	}

	m.CreatedAt = now()

	return s.InTx(ctx, func(tx *sql.Tx) error {
		// MAX inside the transaction keeps the sequence gap-free under the
		// single-writer connection.
		var seq int64
		err := tx.QueryRow(
			`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE agent_id = ?`,
			m.AgentID).Scan(&seq)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to get next sequence number")
		}
		m.SequenceNum = seq

		res, err := tx.Exec(`
INSERT INTO messages (agent_id, session_id, sequence_num, role, content, tool_calls_json, tool_results_json, input_tokens, output_tokens, is_error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.AgentID, nullString(m.SessionID), m.SequenceNum, m.Role, m.Content,
			toolCallsJSON, toolResultsJSON, m.InputTokens, m.OutputTokens, m.IsError, m.CreatedAt)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to insert message")
		}
		m.ID, _ = res.LastInsertId()

		if m.SessionID != "" && (m.InputTokens > 0 || m.OutputTokens > 0) {
			_, err = tx.Exec(`UPDATE sessions SET total_tokens = total_tokens + ? WHERE id = ?`,
				m.InputTokens+m.OutputTokens, m.SessionID)
			if err != nil {
				return WrapError(KindInfrastructure, err, "failed to update session tokens")
			}
		}

		return writeAudit(tx, "message", m.AgentID, "appended", "", string(m.Role))
	})
}

// GetMessages returns an agent's transcript in sequence order. A positive
// limit returns only the last N entries.
func (s *Store) GetMessages(ctx context.Context, agentID string, limit int) ([]*Message, error) {
	query := `
SELECT id, agent_id, session_id, sequence_num, role, content, tool_calls_json, tool_results_json, input_tokens, output_tokens, is_error, created_at
FROM messages WHERE agent_id = ? ORDER BY sequence_num ASC`
	args := []interface{}{agentID}
	if limit > 0 {
		query = `
SELECT id, agent_id, session_id, sequence_num, role, content, tool_calls_json, tool_results_json, input_tokens, output_tokens, is_error, created_at
FROM (
    SELECT * FROM messages WHERE agent_id = ? ORDER BY sequence_num DESC LIMIT ?
) sub ORDER BY sequence_num ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to query messages")
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var sessionID, toolCallsJSON, toolResultsJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.AgentID, &sessionID, &m.SequenceNum, &m.Role, &m.Content,
			&toolCallsJSON, &toolResultsJSON, &m.InputTokens, &m.OutputTokens, &m.IsError, &m.CreatedAt); err != nil {
			return nil, WrapError(KindInfrastructure, err, "failed to scan message")
		}
		m.SessionID = sessionID.String
		if toolCallsJSON.Valid {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls); err != nil {
				return nil, WrapError(KindInfrastructure, err, "failed to unmarshal tool calls")
			}
		}
		if toolResultsJSON.Valid {
			if err := json.Unmarshal([]byte(toolResultsJSON.String), &m.ToolResults); err != nil {
				return nil, WrapError(KindInfrastructure, err, "failed to unmarshal tool results")
			}
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(KindInfrastructure, err, "error iterating messages")
	}

	return messages, nil
}

// MessageCount returns the number of transcript entries for an agent.
func (s *Store) MessageCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, WrapError(KindInfrastructure, err, "failed to count messages")
	}
	return n, nil
}
