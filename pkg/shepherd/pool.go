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

package shepherd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/hosting"
	"github.com/hanibalsk/orchestrate/pkg/observability"
	"github.com/hanibalsk/orchestrate/pkg/store"
)

// ChildCompletionPublisher reports a terminal child agent back to the
// dispatcher, which routes it to the owning shepherd. Children never hold a
// live handle to their shepherd.
type ChildCompletionPublisher func(prNumber int, childAgentID, childKind string, state store.AgentState)

// ClearFunc reports a terminal PR status to the queue.
type ClearFunc func(ctx context.Context, prNumber int, to store.PRStatus) error

// Pool bounds the concurrency of in-flight shepherds.
type Pool struct {
	store    *store.Store
	platform hosting.Platform
	manager  *agent.Manager
	kinds    *agent.KindRegistry

	maxConcurrent int
	watchdog      time.Duration
	autoMerge     bool

	clear        ClearFunc
	publishChild ChildCompletionPublisher
	metrics      *observability.Metrics

	mu        sync.Mutex
	shepherds map[int]*Shepherd
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewPool creates a shepherd pool.
func NewPool(st *store.Store, platform hosting.Platform, manager *agent.Manager, kinds *agent.KindRegistry,
	maxConcurrent int, watchdog time.Duration, autoMerge bool) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:         st,
		platform:      platform,
		manager:       manager,
		kinds:         kinds,
		maxConcurrent: maxConcurrent,
		watchdog:      watchdog,
		autoMerge:     autoMerge,
		shepherds:     make(map[int]*Shepherd),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetClear wires the queue's clear-active hook.
func (p *Pool) SetClear(fn ClearFunc) { p.clear = fn }

// SetChildPublisher wires dispatcher routing for child completions.
func (p *Pool) SetChildPublisher(fn ChildCompletionPublisher) { p.publishChild = fn }

// SetMetrics wires the optional metrics sink. Tolerates nil.
func (p *Pool) SetMetrics(metrics *observability.Metrics) { p.metrics = metrics }

// Attach creates the shepherd agent row for a promoted PR and starts its
// event loop. Satisfies queue.ShepherdSpawner.
func (p *Pool) Attach(ctx context.Context, pr *store.ActivePR) (string, error) {
	p.mu.Lock()
	if len(p.shepherds) >= p.maxConcurrent {
		p.mu.Unlock()
		return "", store.NewError(store.KindConflict, "shepherd pool is full (%d)", p.maxConcurrent)
	}
	if _, exists := p.shepherds[pr.PRNumber]; exists {
		p.mu.Unlock()
		return "", store.NewError(store.KindConflict, "PR #%d already has a shepherd", pr.PRNumber)
	}
	p.mu.Unlock()

	kind, err := p.kinds.Get(agent.KindPRShepherd)
	if err != nil {
		return "", store.WrapError(store.KindValidation, err, "shepherd kind missing")
	}

	// The shepherd is a pure controller: an agent row for accounting and
	// budgets, but its turns are deterministic signal handling, not runtime
	// calls, so the row is managed here rather than through the lifecycle
	// manager.
	a := &store.Agent{
		ID:       uuid.New().String(),
		Kind:     agent.KindPRShepherd,
		TaskText: "Shepherd the active pull request to merge.",
		Context: map[string]interface{}{
			"pr_number":    pr.PRNumber,
			"workspace_id": pr.WorkspaceID,
		},
	}
	if err := p.store.CreateAgent(ctx, a); err != nil {
		return "", err
	}
	if err := p.store.TransitionAgent(ctx, a.ID,
		[]store.AgentState{store.AgentCreated}, store.AgentInitializing, ""); err != nil {
		return "", err
	}
	if err := p.store.TransitionAgent(ctx, a.ID,
		[]store.AgentState{store.AgentInitializing}, store.AgentRunning, ""); err != nil {
		return "", err
	}

	p.startLoop(pr.PRNumber, a.ID, kind.MaxTurns)
	return a.ID, nil
}

// Resume re-attaches a shepherd to the open active PR after a restart and
// nudges it with a recheck.
func (p *Pool) Resume(ctx context.Context) error {
	pr, err := p.store.GetActivePR(ctx)
	if err != nil {
		return err
	}
	if pr == nil {
		return nil
	}

	kind, err := p.kinds.Get(agent.KindPRShepherd)
	if err != nil {
		return err
	}

	agentID := pr.ShepherdAgentID
	if agentID == "" {
		id, err := p.Attach(ctx, pr)
		if err != nil {
			return err
		}
		if err := p.store.AttachShepherd(ctx, pr.PRNumber, id); err != nil {
			return err
		}
		agentID = id
	} else {
		p.startLoop(pr.PRNumber, agentID, kind.MaxTurns)
	}

	p.Deliver(pr.PRNumber, Signal{Type: SignalRecheck, Reason: "restart"})
	return nil
}

func (p *Pool) startLoop(prNumber int, agentID string, maxTurns int) {
	s := &Shepherd{
		prNumber:   prNumber,
		agentID:    agentID,
		store:      p.store,
		platform:   p.platform,
		maxTurns:   maxTurns,
		autoMerge:  p.autoMerge,
		signals:    make(chan Signal, 16),
		watchdog:   p.watchdog,
		clear:      p.clearActive,
		spawnChild: p.spawnChild,
		done:       make(chan struct{}),
	}

	p.mu.Lock()
	if _, exists := p.shepherds[prNumber]; exists {
		p.mu.Unlock()
		return
	}
	p.shepherds[prNumber] = s
	p.metrics.SetActiveShepherds(len(p.shepherds))
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.shepherds, prNumber)
			p.metrics.SetActiveShepherds(len(p.shepherds))
			p.mu.Unlock()
		}()
		s.run(p.ctx)
	}()

	slog.Info("Shepherd attached", "pr", prNumber, "agent", agentID)
}

func (p *Pool) clearActive(ctx context.Context, prNumber int, to store.PRStatus) error {
	if p.clear == nil {
		return p.store.TransitionActivePR(ctx, prNumber,
			[]store.PRStatus{store.PROpened, store.PRReviewing, store.PRWaitingForCI,
				store.PRFixing, store.PRMerging}, to)
	}
	return p.clear(ctx, prNumber, to)
}

// spawnChild starts a helper agent through the lifecycle manager and runs it
// in the background; its terminal state is published back through the
// dispatcher rather than handled inline.
func (p *Pool) spawnChild(ctx context.Context, prNumber int, kind, task string, agentCtx map[string]interface{}) error {
	pr, err := p.store.GetActivePRByNumber(ctx, prNumber)
	if err != nil {
		return err
	}
	var shepherdID string
	if pr != nil {
		shepherdID = pr.ShepherdAgentID
	}

	child, err := p.manager.Spawn(ctx, agent.SpawnRequest{
		Kind:          kind,
		Task:          task,
		Context:       agentCtx,
		ParentAgentID: shepherdID,
	})
	if err != nil {
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		state, err := p.manager.RunUntilBlocked(p.ctx, child.ID)
		if err != nil && !state.IsTerminal() {
			slog.Warn("Child agent run interrupted", "agent", child.ID, "error", err)
			return
		}
		if p.publishChild != nil {
			p.publishChild(prNumber, child.ID, kind, state)
		}
	}()
	return nil
}

// Deliver routes a signal to the shepherd of the given PR. Returns false
// when no shepherd is attached.
func (p *Pool) Deliver(prNumber int, sig Signal) bool {
	p.mu.Lock()
	s, ok := p.shepherds[prNumber]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return s.Deliver(sig)
}

// Active returns the PR numbers with an attached shepherd.
func (p *Pool) Active() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var prs []int
	for pr := range p.shepherds {
		prs = append(prs, pr)
	}
	return prs
}

// Shutdown stops all shepherd loops and waits for background children.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}
