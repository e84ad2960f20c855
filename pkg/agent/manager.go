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

// Package agent owns the execution of agents from creation to a terminal
// state.
//
// The lifecycle manager drives one turn at a time through step(), so pause,
// resume, and cancellation are first-class rather than interruptions of one
// long blocking call. The state machine is:
//
//	Created → Initializing → Running ⇄ Paused
//	                           │  ⇅
//	                           ├─→ WaitingForInput
//	                           └─→ WaitingForExternal
//	Running → Completed | Failed | Terminated
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/semaphore"

	"github.com/hanibalsk/orchestrate/pkg/observability"
	"github.com/hanibalsk/orchestrate/pkg/store"
	"github.com/hanibalsk/orchestrate/pkg/tool"
)

// slot-holding states: every non-terminal state except Created occupies one
// runner slot.
var slotStates = []store.AgentState{
	store.AgentInitializing, store.AgentRunning, store.AgentPaused,
	store.AgentWaitingForInput, store.AgentWaitingForExternal,
}

// Manager owns agent execution.
type Manager struct {
	store   *store.Store
	kinds   *KindRegistry
	runtime Runtime
	tools   *tool.Executor

	sem *semaphore.Weighted

	metrics *observability.Metrics
	tracer  *observability.Tracer

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewManager creates a lifecycle manager with a global cap on concurrently
// running agents.
func NewManager(st *store.Store, kinds *KindRegistry, runtime Runtime, tools *tool.Executor, agentCap int) *Manager {
	return &Manager{
		store:   st,
		kinds:   kinds,
		runtime: runtime,
		tools:   tools,
		sem:     semaphore.NewWeighted(int64(agentCap)),
	}
}

// SetObservability wires the optional metrics and tracing sinks. Both
// tolerate nil.
func (m *Manager) SetObservability(metrics *observability.Metrics, tracer *observability.Tracer) {
	m.metrics = metrics
	m.tracer = tracer
}

// Restore re-acquires runner slots for agents that held one before a restart,
// so the global cap stays honest. Call once at startup.
func (m *Manager) Restore(ctx context.Context) error {
	held, err := m.store.CountAgentsInStates(ctx, slotStates...)
	if err != nil {
		return err
	}
	for i := 0; i < held; i++ {
		if !m.sem.TryAcquire(1) {
			// More survivors than the configured cap; the surplus keeps
			// running, new spawns wait until they finish.
			slog.Warn("Restored agents exceed the configured cap", "held", held)
			break
		}
	}
	return nil
}

// SpawnRequest describes a new agent.
type SpawnRequest struct {
	Kind          string
	Task          string
	Context       map[string]interface{}
	ParentAgentID string
	WorkspaceID   string

	// ForkSession seeds the new agent's session from the parent's, enabling
	// token reuse without re-sending history.
	ForkSession bool
}

// Spawn allocates a new agent. When the global cap has a free slot the agent
// is initialized and left Running; otherwise it stays in Created until
// PumpWaiting picks it up.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*store.Agent, error) {
	kind, err := m.kinds.Get(req.Kind)
	if err != nil {
		return nil, store.WrapError(store.KindValidation, err, "invalid spawn request")
	}

	task := req.Task
	if task == "" {
		task = kind.TaskTemplate
	}
	if task == "" {
		return nil, store.NewError(store.KindValidation, "task text is required")
	}

	// The fork intent must survive a wait in Created, so it rides in the
	// context rather than in memory.
	agentCtx := req.Context
	if req.ForkSession {
		if agentCtx == nil {
			agentCtx = make(map[string]interface{})
		}
		agentCtx["fork_session"] = true
	}

	a := &store.Agent{
		ID:            uuid.New().String(),
		Kind:          kind.Name,
		TaskText:      task,
		Context:       agentCtx,
		ParentAgentID: req.ParentAgentID,
		WorkspaceID:   req.WorkspaceID,
	}
	if err := m.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}

	if req.WorkspaceID != "" {
		if err := m.store.AttachAgentWorkspace(ctx, a.ID, req.WorkspaceID); err != nil {
			return nil, err
		}
	}

	m.metrics.AgentSpawned(kind.Name)

	if err := m.tryStart(ctx, a, req.ForkSession); err != nil {
		return nil, err
	}

	return m.store.GetAgent(ctx, a.ID)
}

// tryStart takes a runner slot and initializes the agent. With no free slot
// the agent simply stays Created.
func (m *Manager) tryStart(ctx context.Context, a *store.Agent, forkSession bool) error {
	if !m.sem.TryAcquire(1) {
		slog.Debug("Agent cap reached, agent waits in created", "agent", a.ID)
		return nil
	}

	if err := m.initialize(ctx, a, forkSession); err != nil {
		m.sem.Release(1)
		return err
	}
	return nil
}

func (m *Manager) initialize(ctx context.Context, a *store.Agent, forkSession bool) error {
	if err := m.store.TransitionAgent(ctx, a.ID,
		[]store.AgentState{store.AgentCreated}, store.AgentInitializing, ""); err != nil {
		return err
	}

	sessionID := uuid.New().String()
	if forkSession && a.ParentAgentID != "" {
		parent, err := m.store.GetAgent(ctx, a.ParentAgentID)
		if err != nil {
			return m.failInit(ctx, a.ID, fmt.Sprintf("parent lookup failed: %v", err))
		}
		if parent.SessionID == "" {
			return m.failInit(ctx, a.ID, "parent agent has no session to fork")
		}
		if _, err := m.store.ForkSession(ctx, parent.SessionID, sessionID, a.ID); err != nil {
			return m.failInit(ctx, a.ID, fmt.Sprintf("session fork failed: %v", err))
		}
	} else {
		if err := m.store.CreateSession(ctx, &store.Session{ID: sessionID, AgentID: a.ID}); err != nil {
			return m.failInit(ctx, a.ID, fmt.Sprintf("session create failed: %v", err))
		}
	}

	if err := m.store.AttachAgentSession(ctx, a.ID, sessionID); err != nil {
		return m.failInit(ctx, a.ID, fmt.Sprintf("session attach failed: %v", err))
	}

	// Seed the transcript with the task.
	if err := m.store.AppendMessage(ctx, &store.Message{
		AgentID:   a.ID,
		SessionID: sessionID,
		Role:      store.RoleUser,
		Content:   a.TaskText,
	}); err != nil {
		return m.failInit(ctx, a.ID, fmt.Sprintf("task seed failed: %v", err))
	}

	return m.store.TransitionAgent(ctx, a.ID,
		[]store.AgentState{store.AgentInitializing}, store.AgentRunning, "")
}

func (m *Manager) failInit(ctx context.Context, id, reason string) error {
	_ = m.store.TransitionAgent(ctx, id,
		[]store.AgentState{store.AgentInitializing}, store.AgentFailed, reason)
	if a, err := m.store.GetAgent(ctx, id); err == nil {
		m.metrics.AgentTerminal(a.Kind, string(store.AgentFailed))
	}
	return store.NewError(store.KindAgentFailure, "agent %s failed to initialize: %s", id, reason)
}

// PumpWaiting starts waiting Created agents while slots are free. Called
// after terminal transitions and on dispatcher ticks.
func (m *Manager) PumpWaiting(ctx context.Context) {
	for {
		a, err := m.store.OldestCreatedAgent(ctx)
		if err != nil {
			slog.Warn("Failed to look for waiting agents", "error", err)
			return
		}
		if a == nil {
			return
		}
		if !m.sem.TryAcquire(1) {
			return
		}
		fork, _ := a.Context["fork_session"].(bool)
		if err := m.initialize(ctx, a, fork); err != nil {
			m.sem.Release(1)
			slog.Warn("Waiting agent failed to start", "agent", a.ID, "error", err)
			continue
		}
		slog.Info("Started waiting agent", "agent", a.ID, "kind", a.Kind)
	}
}

// Step drives one turn: deliver the transcript, receive the reply, execute
// tool calls through the gated executor, and apply marker or budget
// transitions. Returns the agent's state after the turn.
func (m *Manager) Step(ctx context.Context, id string) (store.AgentState, error) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return "", err
	}
	if a.State != store.AgentRunning {
		return a.State, store.NewError(store.KindConflict, "agent %s is %s, not running", id, a.State)
	}

	kind, err := m.kinds.Get(a.Kind)
	if err != nil {
		return "", store.WrapError(store.KindValidation, err, "agent has unknown kind")
	}

	ctx, span := m.tracer.StartTurn(ctx, a.ID, a.Kind)
	defer span.End()
	turnStart := time.Now()
	defer func() {
		m.metrics.TurnObserved(a.Kind, time.Since(turnStart))
	}()

	messages, err := m.store.GetMessages(ctx, id, 0)
	if err != nil {
		return "", err
	}

	reply, err := m.runtime.NextTurn(ctx, TurnRequest{
		AgentID:        a.ID,
		Kind:           a.Kind,
		Task:           a.TaskText,
		Context:        a.Context,
		Messages:       messages,
		AvailableTools: kind.AllowedTools,
	})
	if err != nil {
		terr := m.terminalize(ctx, id, store.AgentFailed, fmt.Sprintf("runtime error: %v", err))
		if terr != nil {
			return "", terr
		}
		return store.AgentFailed, nil
	}

	inTokens, outTokens := reply.InputTokens, reply.OutputTokens
	if inTokens == 0 && outTokens == 0 {
		outTokens = m.estimateTokens(reply.Text)
	}

	// The assistant message, tool calls included, is the invocation log: it
	// lands before any tool executes.
	if err := m.store.AppendMessage(ctx, &store.Message{
		AgentID:      a.ID,
		SessionID:    a.SessionID,
		Role:         store.RoleAssistant,
		Content:      reply.Text,
		ToolCalls:    reply.ToolCalls,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
	}); err != nil {
		return "", err
	}

	// Turn budget counts assistant turns.
	turns := 0
	for _, msg := range messages {
		if msg.Role == store.RoleAssistant {
			turns++
		}
	}
	turns++ // the reply just appended
	if turns > kind.MaxTurns {
		if err := m.terminalize(ctx, id, store.AgentFailed,
			fmt.Sprintf("turn budget exceeded (%d turns)", kind.MaxTurns)); err != nil {
			return "", err
		}
		return store.AgentFailed, nil
	}

	if len(reply.ToolCalls) > 0 {
		if err := m.executeToolCalls(ctx, a, kind, reply.ToolCalls); err != nil {
			return "", err
		}
	}

	switch {
	case reply.Completed():
		if err := m.terminalize(ctx, id, store.AgentCompleted, ""); err != nil {
			return "", err
		}
		return store.AgentCompleted, nil
	case reply.WaitsForExternal():
		if err := m.store.TransitionAgent(ctx, id,
			[]store.AgentState{store.AgentRunning}, store.AgentWaitingForExternal, ""); err != nil {
			return "", err
		}
		return store.AgentWaitingForExternal, nil
	case reply.WaitsForInput():
		if err := m.store.TransitionAgent(ctx, id,
			[]store.AgentState{store.AgentRunning}, store.AgentWaitingForInput, ""); err != nil {
			return "", err
		}
		return store.AgentWaitingForInput, nil
	}

	// Re-read: an operator may have paused or terminated during the turn.
	refreshed, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return "", err
	}
	return refreshed.State, nil
}

// executeToolCalls runs each call through the gated executor and logs results
// after execution. When the agent was terminated mid-flight the calls run to
// completion but their results are discarded.
func (m *Manager) executeToolCalls(ctx context.Context, a *store.Agent, kind *Kind, calls []store.ToolCall) error {
	allow := kind.Allow()
	results := make([]store.ToolResult, 0, len(calls))
	isError := false

	for _, call := range calls {
		res := m.tools.Execute(ctx, allow, call.Name, call.Args)
		results = append(results, store.ToolResult{
			ToolCallID: call.ID,
			Content:    res.Content,
			Error:      res.Error,
		})
		if res.IsError() {
			isError = true
		}
	}

	refreshed, err := m.store.GetAgent(ctx, a.ID)
	if err != nil {
		return err
	}
	if refreshed.State == store.AgentTerminated {
		slog.Debug("Discarding tool results of terminated agent", "agent", a.ID)
		return nil
	}

	return m.store.AppendMessage(ctx, &store.Message{
		AgentID:     a.ID,
		SessionID:   a.SessionID,
		Role:        store.RoleTool,
		Content:     "",
		ToolResults: results,
		IsError:     isError,
	})
}

// RunUntilBlocked steps the agent until it leaves Running (completes, fails,
// or parks on a wait state). Returns the final state.
func (m *Manager) RunUntilBlocked(ctx context.Context, id string) (store.AgentState, error) {
	for {
		state, err := m.Step(ctx, id)
		if err != nil {
			return state, err
		}
		if state != store.AgentRunning {
			return state, nil
		}
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
	}
}

// Pause parks a live agent on operator request.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.store.TransitionAgent(ctx, id,
		[]store.AgentState{store.AgentRunning, store.AgentWaitingForInput, store.AgentWaitingForExternal},
		store.AgentPaused, "")
}

// Resume returns a paused agent to Running.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.store.TransitionAgent(ctx, id,
		[]store.AgentState{store.AgentPaused}, store.AgentRunning, "")
}

// WakeExternal returns a durably suspended agent to Running when its external
// signal arrived.
func (m *Manager) WakeExternal(ctx context.Context, id string) error {
	return m.store.TransitionAgent(ctx, id,
		[]store.AgentState{store.AgentWaitingForExternal}, store.AgentRunning, "")
}

// ProvideInput appends an operator reply and resumes a waiting agent.
func (m *Manager) ProvideInput(ctx context.Context, id, text string) error {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if a.State != store.AgentWaitingForInput {
		return store.NewError(store.KindConflict, "agent %s is not waiting for input", id)
	}

	if err := m.store.AppendMessage(ctx, &store.Message{
		AgentID:   id,
		SessionID: a.SessionID,
		Role:      store.RoleUser,
		Content:   text,
	}); err != nil {
		return err
	}

	return m.store.TransitionAgent(ctx, id,
		[]store.AgentState{store.AgentWaitingForInput}, store.AgentRunning, "")
}

// Terminate force-stops any non-terminal agent. Cooperative: the row
// transitions immediately and the next step observes it.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if a.State.IsTerminal() {
		return store.NewError(store.KindConflict, "agent %s is already terminal", id)
	}

	heldSlot := a.State != store.AgentCreated

	if err := m.store.TransitionAgent(ctx, id,
		[]store.AgentState{store.AgentCreated, store.AgentInitializing, store.AgentRunning,
			store.AgentPaused, store.AgentWaitingForInput, store.AgentWaitingForExternal},
		store.AgentTerminated, ""); err != nil {
		return err
	}
	m.metrics.AgentTerminal(a.Kind, string(store.AgentTerminated))

	if heldSlot {
		m.sem.Release(1)
		m.PumpWaiting(ctx)
	}
	return nil
}

// terminalize applies a terminal transition from Running and frees the
// runner slot.
func (m *Manager) terminalize(ctx context.Context, id string, to store.AgentState, errorText string) error {
	if err := m.store.TransitionAgent(ctx, id,
		[]store.AgentState{store.AgentRunning}, to, errorText); err != nil {
		return err
	}
	if a, err := m.store.GetAgent(ctx, id); err == nil {
		m.metrics.AgentTerminal(a.Kind, string(to))
	}
	m.sem.Release(1)
	m.PumpWaiting(ctx)
	return nil
}

// estimateTokens counts tokens with tiktoken, falling back to a character
// heuristic when the encoding is unavailable offline.
func (m *Manager) estimateTokens(text string) int64 {
	m.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("Token encoding unavailable, using heuristic", "error", err)
			return
		}
		m.enc = enc
	})
	if m.enc == nil {
		return int64(len(text) / 4)
	}
	return int64(len(m.enc.Encode(text, nil, nil)))
}
