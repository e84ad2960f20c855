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

package agent_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanibalsk/orchestrate/internal/testutil"
	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/config"
	"github.com/hanibalsk/orchestrate/pkg/store"
	"github.com/hanibalsk/orchestrate/pkg/tool"
)

func newTestManager(t *testing.T, runtime agent.Runtime, agentCap int, kinds map[string]config.KindConfig) (*agent.Manager, *store.Store, *tool.Registry) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry, err := agent.NewKindRegistry(kinds)
	require.NoError(t, err)

	tools := tool.NewRegistry()
	m := agent.NewManager(st, registry, runtime, tool.NewExecutor(tools), agentCap)
	return m, st, tools
}

func TestSpawnRunsToCompletion(t *testing.T) {
	rt := &testutil.ScriptedRuntime{Replies: []*agent.Reply{
		{Text: "thinking"},
		{Text: "all done " + agent.CompletionMarker},
	}}
	m, st, _ := newTestManager(t, rt, 4, nil)
	ctx := context.Background()

	a, err := m.Spawn(ctx, agent.SpawnRequest{Kind: agent.KindExplorer, Task: "look around"})
	require.NoError(t, err)
	assert.Equal(t, store.AgentRunning, a.State)
	assert.NotEmpty(t, a.SessionID)

	state, err := m.RunUntilBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentCompleted, state)

	// Transcript: task seed + two assistant turns.
	messages, err := st.GetMessages(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "look around", messages[0].Content)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
}

func TestTurnBudgetExceededFailsAgent(t *testing.T) {
	// A runtime that never completes.
	rt := &testutil.ScriptedRuntime{Replies: []*agent.Reply{
		{Text: "1"}, {Text: "2"}, {Text: "3"}, {Text: "4"}, {Text: "5"},
	}}
	kinds := map[string]config.KindConfig{
		agent.KindExplorer: {MaxTurns: 3},
	}
	m, st, _ := newTestManager(t, rt, 4, kinds)
	ctx := context.Background()

	a, err := m.Spawn(ctx, agent.SpawnRequest{Kind: agent.KindExplorer, Task: "loop forever"})
	require.NoError(t, err)

	state, err := m.RunUntilBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentFailed, state)

	got, err := st.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorText, "turn budget exceeded")
}

func TestSpawnBeyondCapWaitsInCreated(t *testing.T) {
	// Spawn runs no turns, so the first agent stays Running until driven;
	// with no scripted replies it then completes on its first turn.
	rt := &testutil.ScriptedRuntime{}
	m, st, _ := newTestManager(t, rt, 1, nil)
	ctx := context.Background()

	first, err := m.Spawn(ctx, agent.SpawnRequest{Kind: agent.KindExplorer, Task: "a"})
	require.NoError(t, err)
	assert.Equal(t, store.AgentRunning, first.State)

	second, err := m.Spawn(ctx, agent.SpawnRequest{Kind: agent.KindExplorer, Task: "b"})
	require.NoError(t, err)
	assert.Equal(t, store.AgentCreated, second.State)

	// Completing the first frees the slot and starts the second.
	state, err := m.RunUntilBlocked(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentCompleted, state)

	got, err := st.GetAgent(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentRunning, got.State)
}

func TestWaitMarkersParkTheAgent(t *testing.T) {
	rt := &testutil.ScriptedRuntime{Replies: []*agent.Reply{
		{Text: "waiting for CI " + agent.ExternalWaitMarker},
		{Text: "resumed, finishing " + agent.CompletionMarker},
	}}
	m, _, _ := newTestManager(t, rt, 4, nil)
	ctx := context.Background()

	a, err := m.Spawn(ctx, agent.SpawnRequest{Kind: agent.KindExplorer, Task: "t"})
	require.NoError(t, err)

	state, err := m.RunUntilBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentWaitingForExternal, state)

	require.NoError(t, m.WakeExternal(ctx, a.ID))
	state, err = m.RunUntilBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentCompleted, state)
}

func TestPauseAndResume(t *testing.T) {
	rt := &testutil.ScriptedRuntime{Replies: []*agent.Reply{
		{Text: "one"},
		{Text: "done " + agent.CompletionMarker},
	}}
	m, st, _ := newTestManager(t, rt, 4, nil)
	ctx := context.Background()

	a, err := m.Spawn(ctx, agent.SpawnRequest{Kind: agent.KindExplorer, Task: "t"})
	require.NoError(t, err)

	require.NoError(t, m.Pause(ctx, a.ID))

	// A paused agent refuses to step.
	_, err = m.Step(ctx, a.ID)
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))

	require.NoError(t, m.Resume(ctx, a.ID))
	state, err := m.RunUntilBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentCompleted, state)

	got, err := st.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentCompleted, got.State)
}

func TestTerminateIsTerminal(t *testing.T) {
	rt := &testutil.ScriptedRuntime{}
	m, st, _ := newTestManager(t, rt, 4, nil)
	ctx := context.Background()

	a, err := m.Spawn(ctx, agent.SpawnRequest{Kind: agent.KindExplorer, Task: "t"})
	require.NoError(t, err)

	require.NoError(t, m.Terminate(ctx, a.ID))
	got, err := st.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentTerminated, got.State)

	err = m.Terminate(ctx, a.ID)
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
}

func TestToolCallsAreGatedAndLogged(t *testing.T) {
	rt := &testutil.ScriptedRuntime{Replies: []*agent.Reply{
		{Text: "calling tools", ToolCalls: []store.ToolCall{
			{ID: "c1", Name: "greet", Args: map[string]interface{}{"who": "world"}},
			{ID: "c2", Name: "forbidden"},
		}},
		{Text: "done " + agent.CompletionMarker},
	}}
	kinds := map[string]config.KindConfig{
		"tester": {MaxTurns: 5, AllowedTools: []string{"greet"}},
	}
	m, st, tools := newTestManager(t, rt, 4, kinds)
	require.NoError(t, tools.Register(tool.NewFunc("greet", "greets",
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "hello", nil
		})))
	require.NoError(t, tools.Register(tool.NewFunc("forbidden", "never allowed",
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "should not run", nil
		})))

	ctx := context.Background()
	a, err := m.Spawn(ctx, agent.SpawnRequest{Kind: "tester", Task: "t"})
	require.NoError(t, err)

	state, err := m.RunUntilBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentCompleted, state)

	messages, err := st.GetMessages(ctx, a.ID, 0)
	require.NoError(t, err)

	// seed, assistant (tool calls logged before execution), tool results,
	// final assistant.
	require.Len(t, messages, 4)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	require.Len(t, messages[1].ToolCalls, 2)

	toolMsg := messages[2]
	assert.Equal(t, store.RoleTool, toolMsg.Role)
	require.Len(t, toolMsg.ToolResults, 2)
	assert.Equal(t, "hello", toolMsg.ToolResults[0].Content)
	assert.Contains(t, toolMsg.ToolResults[1].Error, "not allowed")
	assert.True(t, toolMsg.IsError)
}
