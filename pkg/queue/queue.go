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

// Package queue enforces that at most one pull request is under review at a
// time.
//
// Finished workspaces queue FIFO; when the single active slot is free the
// head is promoted: a PR opens on the hosting platform, the ActivePR row is
// created, and a shepherd attaches. The singleton lives in the store as a
// partial unique index, never as an in-process variable, so a restart resumes
// cleanly.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hanibalsk/orchestrate/pkg/hosting"
	"github.com/hanibalsk/orchestrate/pkg/observability"
	"github.com/hanibalsk/orchestrate/pkg/store"
)

// ShepherdSpawner attaches a fresh shepherd to a newly promoted PR and
// returns its agent id. Wired by the runtime to break the queue→shepherd
// dependency.
type ShepherdSpawner func(ctx context.Context, pr *store.ActivePR) (string, error)

// Queue is the single-active-PR review queue.
type Queue struct {
	store    *store.Store
	platform hosting.Platform

	spawnShepherd ShepherdSpawner

	metrics *observability.Metrics

	// promoteMu keeps in-process promotions from racing each other to the
	// hosting platform; the store's singleton index is the real guard.
	promoteMu sync.Mutex
}

// New creates a queue.
func New(st *store.Store, platform hosting.Platform) *Queue {
	return &Queue{store: st, platform: platform}
}

// SetShepherdSpawner wires the shepherd attachment hook.
func (q *Queue) SetShepherdSpawner(fn ShepherdSpawner) {
	q.spawnShepherd = fn
}

// SetMetrics wires the optional metrics sink. Tolerates nil.
func (q *Queue) SetMetrics(metrics *observability.Metrics) {
	q.metrics = metrics
}

// recordDepth refreshes the queue-depth gauge.
func (q *Queue) recordDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	entries, err := q.store.ListQueue(ctx)
	if err != nil {
		return
	}
	q.metrics.SetQueueDepth(len(entries))
}

// Enqueue appends a finished workspace to the queue and promotes immediately
// when no PR is active.
func (q *Queue) Enqueue(ctx context.Context, workspaceID, title, epicID string) (*store.QueueEntry, error) {
	entry, err := q.store.EnqueueWorkspace(ctx, workspaceID, title, epicID)
	if err != nil {
		return nil, err
	}

	if _, err := q.PromoteNext(ctx); err != nil {
		// The entry is durable; promotion retries on the next tick.
		slog.Warn("Promotion after enqueue failed", "workspace", workspaceID, "error", err)
	}
	q.recordDepth(ctx)

	return entry, nil
}

// PromoteNext promotes the queue head when no active PR exists: opens the
// pull request, creates the ActivePR row, and attaches a fresh shepherd.
// A no-op returning nil when the queue is empty or a PR is already active.
func (q *Queue) PromoteNext(ctx context.Context) (*store.ActivePR, error) {
	q.promoteMu.Lock()
	defer q.promoteMu.Unlock()

	active, err := q.store.GetActivePR(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, nil
	}

	head, err := q.store.QueueHead(ctx)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}

	ws, err := q.store.GetWorkspaceByID(ctx, head.WorkspaceID)
	if err != nil {
		return nil, err
	}

	// The PR opens outside any transaction; the ActivatePR transaction then
	// pops the head and claims the singleton slot atomically.
	body := fmt.Sprintf("Automated change from workspace `%s`.", ws.Name)
	pr, err := q.platform.OpenPullRequest(ctx, head.Title, ws.Branch, ws.BaseBranch, body)
	if err != nil {
		return nil, err
	}

	apr, err := q.store.ActivatePR(ctx, head.ID, pr.Number, "")
	defer q.recordDepth(ctx)
	if err != nil {
		// Lost the race or the head moved: roll the PR back on the platform.
		if closeErr := q.platform.ClosePullRequest(ctx, pr.Number); closeErr != nil {
			slog.Warn("Failed to close orphaned PR after promotion conflict",
				"pr", pr.Number, "error", closeErr)
		}
		return nil, err
	}

	slog.Info("Promoted workspace to active PR", "workspace", ws.Name, "pr", pr.Number)

	if q.spawnShepherd != nil {
		shepherdID, err := q.spawnShepherd(ctx, apr)
		if err != nil {
			return apr, store.WrapError(store.KindAgentFailure, err, "failed to attach shepherd to PR #%d", pr.Number)
		}
		if err := q.store.AttachShepherd(ctx, pr.Number, shepherdID); err != nil {
			return apr, err
		}
		apr.ShepherdAgentID = shepherdID
	}

	return apr, nil
}

// ClearActive transitions the active PR to a terminal status and promotes the
// next entry. Called when the PR merged, failed, or was closed.
func (q *Queue) ClearActive(ctx context.Context, prNumber int, to store.PRStatus) error {
	if !to.IsTerminal() {
		return store.NewError(store.KindValidation, "clear requires a terminal status, got %s", to)
	}

	from := []store.PRStatus{store.PROpened, store.PRReviewing, store.PRWaitingForCI,
		store.PRFixing, store.PRMerging}
	if err := q.store.TransitionActivePR(ctx, prNumber, from, to); err != nil {
		return err
	}
	q.metrics.PROutcome(string(to))

	if _, err := q.PromoteNext(ctx); err != nil {
		slog.Warn("Promotion after clear failed", "pr", prNumber, "error", err)
	}
	return nil
}

// Entries returns the queue in FIFO order.
func (q *Queue) Entries(ctx context.Context) ([]*store.QueueEntry, error) {
	return q.store.ListQueue(ctx)
}

// Active returns the open active PR, or nil.
func (q *Queue) Active(ctx context.Context) (*store.ActivePR, error) {
	return q.store.GetActivePR(ctx)
}
