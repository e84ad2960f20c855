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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrationsList), v)

	// Re-running is a no-op.
	require.NoError(t, s.migrate(ctx))
	v2, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}

func TestAgentLifecycleTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &Agent{ID: uuid.New().String(), Kind: "explorer", TaskText: "look around"}
	require.NoError(t, s.CreateAgent(ctx, a))
	assert.Equal(t, AgentCreated, a.State)

	require.NoError(t, s.TransitionAgent(ctx, a.ID, []AgentState{AgentCreated}, AgentInitializing, ""))
	require.NoError(t, s.TransitionAgent(ctx, a.ID, []AgentState{AgentInitializing}, AgentRunning, ""))
	require.NoError(t, s.TransitionAgent(ctx, a.ID, []AgentState{AgentRunning}, AgentCompleted, ""))

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentCompleted, got.State)
	assert.False(t, got.CompletedAt.IsZero())

	// No transition out of a terminal state.
	err = s.TransitionAgent(ctx, a.ID, []AgentState{AgentRunning}, AgentFailed, "nope")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestAgentTransitionWritesAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &Agent{ID: uuid.New().String(), Kind: "explorer", TaskText: "t"}
	require.NoError(t, s.CreateAgent(ctx, a))
	require.NoError(t, s.TransitionAgent(ctx, a.ID, []AgentState{AgentCreated}, AgentInitializing, ""))

	records, err := s.ListAudit(ctx, "agent", a.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "created", records[0].Action)
	assert.Equal(t, "state", records[1].Action)
	assert.Equal(t, string(AgentCreated), records[1].OldValue)
	assert.Equal(t, string(AgentInitializing), records[1].NewValue)
}

func TestMessageSequenceIsGapFree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &Agent{ID: uuid.New().String(), Kind: "explorer", TaskText: "t"}
	require.NoError(t, s.CreateAgent(ctx, a))
	sess := &Session{ID: uuid.New().String(), AgentID: a.ID}
	require.NoError(t, s.CreateSession(ctx, sess))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, &Message{
			AgentID:   a.ID,
			SessionID: sess.ID,
			Role:      RoleAssistant,
			Content:   "turn",
		}))
	}

	messages, err := s.GetMessages(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for i, m := range messages {
		assert.Equal(t, int64(i+1), m.SequenceNum)
	}
}

func TestSessionTokenAccounting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &Agent{ID: uuid.New().String(), Kind: "explorer", TaskText: "t"}
	require.NoError(t, s.CreateAgent(ctx, a))
	sess := &Session{ID: uuid.New().String(), AgentID: a.ID}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.AppendMessage(ctx, &Message{
		AgentID: a.ID, SessionID: sess.ID, Role: RoleAssistant,
		Content: "x", InputTokens: 100, OutputTokens: 20,
	}))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		AgentID: a.ID, SessionID: sess.ID, Role: RoleAssistant,
		Content: "y", OutputTokens: 5,
	}))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(125), got.TotalTokens)
}

func TestForkSessionSeedsLastAssistantMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := &Agent{ID: uuid.New().String(), Kind: "pr_shepherd", TaskText: "t"}
	require.NoError(t, s.CreateAgent(ctx, parent))
	parentSess := &Session{ID: uuid.New().String(), AgentID: parent.ID}
	require.NoError(t, s.CreateSession(ctx, parentSess))

	require.NoError(t, s.AppendMessage(ctx, &Message{
		AgentID: parent.ID, SessionID: parentSess.ID, Role: RoleAssistant,
		Content: "first", OutputTokens: 7,
	}))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		AgentID: parent.ID, SessionID: parentSess.ID, Role: RoleAssistant,
		Content: "final answer", OutputTokens: 7,
	}))

	child := &Agent{ID: uuid.New().String(), Kind: "issue_fixer", TaskText: "fix"}
	require.NoError(t, s.CreateAgent(ctx, child))

	childSess, err := s.ForkSession(ctx, parentSess.ID, uuid.New().String(), child.ID)
	require.NoError(t, err)
	assert.True(t, childSess.IsForked)
	assert.Equal(t, parentSess.ID, childSess.ParentSessionID)

	// Child starts with a copy of the parent's final assistant message.
	messages, err := s.GetMessages(ctx, child.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "final answer", messages[0].Content)
	assert.Equal(t, int64(1), messages[0].SequenceNum)

	// Parent token count is unchanged.
	parentAfter, err := s.GetSession(ctx, parentSess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(14), parentAfter.TotalTokens)

	// Child accumulates independently.
	childAfter, err := s.GetSession(ctx, childSess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), childAfter.TotalTokens)
}

func TestWorkspaceLiveNameUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &Workspace{ID: uuid.New().String(), Name: "featX", Path: "/tmp/featX", Branch: "worktree/featX", BaseBranch: "main"}
	require.NoError(t, s.CreateWorkspace(ctx, w))

	dup := &Workspace{ID: uuid.New().String(), Name: "featX", Path: "/tmp/featX2", Branch: "worktree/featX", BaseBranch: "main"}
	err := s.CreateWorkspace(ctx, dup)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// A removed workspace frees the name.
	require.NoError(t, s.SetWorkspaceStatus(ctx, w.ID, WorkspaceRemoved))
	require.NoError(t, s.CreateWorkspace(ctx, dup))
}

func TestAttachAgentWorkspaceExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &Workspace{ID: uuid.New().String(), Name: "w", Path: "/tmp/w", Branch: "worktree/w", BaseBranch: "main"}
	require.NoError(t, s.CreateWorkspace(ctx, w))

	a1 := &Agent{ID: uuid.New().String(), Kind: "story_developer", TaskText: "t"}
	require.NoError(t, s.CreateAgent(ctx, a1))
	require.NoError(t, s.AttachAgentWorkspace(ctx, a1.ID, w.ID))

	a2 := &Agent{ID: uuid.New().String(), Kind: "story_developer", TaskText: "t"}
	require.NoError(t, s.CreateAgent(ctx, a2))
	err := s.AttachAgentWorkspace(ctx, a2.ID, w.ID)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// Once the holder is terminal, the workspace is free.
	require.NoError(t, s.TransitionAgent(ctx, a1.ID, []AgentState{AgentCreated}, AgentTerminated, ""))
	require.NoError(t, s.AttachAgentWorkspace(ctx, a2.ID, w.ID))
}

func TestRetryIntervalMonotoneAndCapped(t *testing.T) {
	cap := 5 * time.Minute
	var prev time.Duration
	for n := 0; n < 20; n++ {
		d := RetryInterval(n, cap)
		assert.GreaterOrEqual(t, d, prev, "retry interval must be monotone")
		assert.LessOrEqual(t, d, cap)
		prev = d
	}
	assert.Equal(t, time.Second, RetryInterval(0, cap))
	assert.Equal(t, 2*time.Second, RetryInterval(1, cap))
	assert.Equal(t, cap, RetryInterval(12, cap))
}
