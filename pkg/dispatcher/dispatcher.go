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

// Package dispatcher converts heterogeneous external signals into uniform
// handler invocations.
//
// Webhooks land as durable rows at ingress and are claimed by a small worker
// pool; operator commands route synchronously; timer firings arrive from the
// scheduler. Handlers are idempotent on delivery id at ingress and on
// handler-specific natural keys inside, so redelivery never spawns duplicate
// agents. An optional config filter drops events before any handler runs,
// recorded as a policy completion.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/config"
	"github.com/hanibalsk/orchestrate/pkg/observability"
	"github.com/hanibalsk/orchestrate/pkg/queue"
	"github.com/hanibalsk/orchestrate/pkg/shepherd"
	"github.com/hanibalsk/orchestrate/pkg/store"
)

// Dispatcher ingests, deduplicates, and routes events.
type Dispatcher struct {
	store   *store.Store
	manager *agent.Manager
	queue   *queue.Queue
	pool    *shepherd.Pool

	webhookCfg atomic.Pointer[config.WebhookConfig]

	metrics *observability.Metrics
	tracer  *observability.Tracer

	workers      int
	claimBatch   int
	pollInterval time.Duration
	backoffCap   time.Duration
}

// New creates a dispatcher.
func New(st *store.Store, manager *agent.Manager, q *queue.Queue, pool *shepherd.Pool,
	webhookCfg *config.WebhookConfig, workers int) *Dispatcher {
	d := &Dispatcher{
		store:        st,
		manager:      manager,
		queue:        q,
		pool:         pool,
		workers:      workers,
		claimBatch:   webhookCfg.ClaimBatch,
		pollInterval: webhookCfg.PollInterval,
		backoffCap:   webhookCfg.BackoffCap,
	}
	d.webhookCfg.Store(webhookCfg)
	pool.SetChildPublisher(d.RouteChildCompletion)
	return d
}

// SetObservability wires the optional metrics and tracing sinks. Both
// tolerate nil.
func (d *Dispatcher) SetObservability(metrics *observability.Metrics, tracer *observability.Tracer) {
	d.metrics = metrics
	d.tracer = tracer
}

// ReloadWebhookConfig swaps the events/filter configuration; hot-reloaded by
// the config watcher.
func (d *Dispatcher) ReloadWebhookConfig(cfg *config.WebhookConfig) {
	d.webhookCfg.Store(cfg)
}

// Ingest durably records a webhook delivery. Returns whether this delivery
// was new; a duplicate is acknowledged without side effects.
func (d *Dispatcher) Ingest(ctx context.Context, deliveryID, eventType string, payload []byte) (bool, error) {
	cfg := d.webhookCfg.Load()
	_, inserted, err := d.store.InsertWebhookEvent(ctx, &store.WebhookEvent{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     extractAction(payload),
		Payload:    string(payload),
		MaxRetries: cfg.MaxRetries,
	})
	return inserted, err
}

// Run starts the worker pool and blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			return d.workerLoop(ctx)
		})
	}
	// One slow loop keeps the world converging independent of webhooks:
	// waiting agents start when slots free, and the queue promotes after a
	// crash between enqueue and promotion.
	g.Go(func() error {
		ticker := time.NewTicker(5 * d.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				d.manager.PumpWaiting(ctx)
				if _, err := d.queue.PromoteNext(ctx); err != nil {
					slog.Warn("Background promotion failed", "error", err)
				}
			}
		}
	})
	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		events, err := d.store.ClaimPendingWebhookEvents(ctx, d.claimBatch, time.Now())
		if err != nil {
			slog.Warn("Failed to claim webhook events", "error", err)
			continue
		}

		for _, ev := range events {
			d.process(ctx, ev)
		}
	}
}

// process routes one claimed event and records the outcome. Transient and
// infrastructure failures schedule a retry; everything else completes the
// row so it never reprocesses.
func (d *Dispatcher) process(ctx context.Context, ev *store.WebhookEvent) {
	ctx, span := d.tracer.StartEvent(ctx, ev.EventType, ev.DeliveryID)
	defer span.End()

	reason, err := d.route(ctx, ev)
	if err != nil {
		kind := store.KindOf(err)
		if kind == store.KindTransient || kind == store.KindInfrastructure {
			if ferr := d.store.FailWebhookEvent(ctx, ev.ID, err.Error(), d.backoffCap); ferr != nil {
				slog.Warn("Failed to schedule webhook retry", "delivery", ev.DeliveryID, "error", ferr)
			}
			d.metrics.EventRetry()
			return
		}
		reason = fmt.Sprintf("%s: %v", kind, err)
	}

	if cerr := d.store.CompleteWebhookEvent(ctx, ev.ID, reason); cerr != nil {
		slog.Warn("Failed to complete webhook event", "delivery", ev.DeliveryID, "error", cerr)
		return
	}
	d.metrics.EventProcessed(ev.EventType, string(store.WebhookCompleted))
}

// route applies the config filter, then dispatches by (event_type, action).
func (d *Dispatcher) route(ctx context.Context, ev *store.WebhookEvent) (string, error) {
	cfg := d.webhookCfg.Load()

	key := ev.EventType
	if ev.Action != "" {
		key = ev.EventType + "." + ev.Action
	}

	if entry, ok := cfg.Events[key]; ok && entry.Filter != nil {
		attrs, err := d.attributes(ev)
		if err != nil {
			return "", store.WrapError(store.KindValidation, err, "filter attribute extraction failed")
		}
		if allowed, why := Allow(entry.Filter, attrs); !allowed {
			return "Policy:" + why, nil
		}
	}

	switch ev.EventType {
	case EventPing:
		return "pong", nil
	case EventPullRequest:
		return d.handlePullRequest(ctx, ev)
	case EventPullRequestReview:
		return d.handleReview(ctx, ev)
	case EventCheckRun:
		return d.handleCheckRun(ctx, ev)
	case EventIssues:
		return d.handleIssue(ctx, ev)
	case EventPush:
		return d.handlePush(ctx, ev)
	default:
		return fmt.Sprintf("no handler for %s", key), nil
	}
}

// attributes extracts the filterable fields for an event.
func (d *Dispatcher) attributes(ev *store.WebhookEvent) (EventAttributes, error) {
	switch ev.EventType {
	case EventPullRequest, EventPullRequestReview:
		var p PullRequestPayload
		if err := decodePayload(ev.Payload, &p); err != nil {
			return EventAttributes{}, err
		}
		labels := make([]string, 0, len(p.PullRequest.Labels))
		for _, l := range p.PullRequest.Labels {
			labels = append(labels, l.Name)
		}
		return EventAttributes{
			BaseBranch: p.PullRequest.Base.Ref,
			IsFork:     p.PullRequest.Head.Repo.Fork,
			Labels:     labels,
			Author:     p.PullRequest.User.Login,
		}, nil

	case EventCheckRun:
		var p CheckRunPayload
		if err := decodePayload(ev.Payload, &p); err != nil {
			return EventAttributes{}, err
		}
		return EventAttributes{Conclusion: p.CheckRun.Conclusion}, nil

	case EventIssues:
		var p IssuePayload
		if err := decodePayload(ev.Payload, &p); err != nil {
			return EventAttributes{}, err
		}
		labels := make([]string, 0, len(p.Issue.Labels))
		for _, l := range p.Issue.Labels {
			labels = append(labels, l.Name)
		}
		return EventAttributes{Labels: labels, Author: p.Issue.User.Login}, nil

	case EventPush:
		var p PushPayload
		if err := decodePayload(ev.Payload, &p); err != nil {
			return EventAttributes{}, err
		}
		var paths []string
		for _, c := range p.Commits {
			paths = append(paths, c.Added...)
			paths = append(paths, c.Modified...)
			paths = append(paths, c.Removed...)
		}
		return EventAttributes{Author: p.Pusher.Login, Paths: paths}, nil
	}

	return EventAttributes{}, nil
}

// RouteChildCompletion reports a terminal child agent to the shepherd of its
// PR. Children publish through here rather than holding shepherd handles.
func (d *Dispatcher) RouteChildCompletion(prNumber int, childAgentID, childKind string, state store.AgentState) {
	delivered := d.pool.Deliver(prNumber, shepherd.Signal{
		Type:         shepherd.SignalChildCompleted,
		ChildAgentID: childAgentID,
		ChildKind:    childKind,
		ChildState:   state,
	})
	if !delivered {
		slog.Warn("Child completion had no shepherd to route to",
			"pr", prNumber, "child", childAgentID, "state", state)
	}
}

// FireSchedule handles a scheduler firing: spawn an agent of the schedule's
// kind with its task template and run it in the background.
func (d *Dispatcher) FireSchedule(ctx context.Context, sch *store.Schedule) error {
	a, err := d.manager.Spawn(ctx, agent.SpawnRequest{
		Kind: sch.AgentKind,
		Task: sch.TaskTemplate,
		Context: map[string]interface{}{
			"schedule_name": sch.Name,
		},
	})
	if err != nil {
		return err
	}

	go func() {
		if _, err := d.manager.RunUntilBlocked(context.Background(), a.ID); err != nil {
			slog.Warn("Scheduled agent run ended with error", "agent", a.ID, "error", err)
		}
	}()

	slog.Info("Schedule fired", "schedule", sch.Name, "agent", a.ID, "kind", sch.AgentKind)
	return nil
}
