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

// Package runtime assembles the orchestrator components and supervises them.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/config"
	"github.com/hanibalsk/orchestrate/pkg/dispatcher"
	"github.com/hanibalsk/orchestrate/pkg/hosting"
	"github.com/hanibalsk/orchestrate/pkg/observability"
	"github.com/hanibalsk/orchestrate/pkg/queue"
	"github.com/hanibalsk/orchestrate/pkg/scheduler"
	"github.com/hanibalsk/orchestrate/pkg/server"
	"github.com/hanibalsk/orchestrate/pkg/shepherd"
	"github.com/hanibalsk/orchestrate/pkg/store"
	"github.com/hanibalsk/orchestrate/pkg/tool"
	"github.com/hanibalsk/orchestrate/pkg/workspace"
)

// Orchestrator is the assembled system.
type Orchestrator struct {
	cfg *config.Config

	Store      *store.Store
	Manager    *agent.Manager
	Workspaces *workspace.Registry
	Queue      *queue.Queue
	Pool       *shepherd.Pool
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *scheduler.Scheduler
	Server     *server.Server
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Option overrides a collaborator during assembly, mainly for tests.
type Option func(*buildState)

type buildState struct {
	platform hosting.Platform
	runtime  agent.Runtime
	git      workspace.Git
}

// WithPlatform substitutes the hosting platform.
func WithPlatform(p hosting.Platform) Option {
	return func(b *buildState) { b.platform = p }
}

// WithAgentRuntime substitutes the agent runtime.
func WithAgentRuntime(r agent.Runtime) Option {
	return func(b *buildState) { b.runtime = r }
}

// WithGit substitutes the git backend for workspaces.
func WithGit(g workspace.Git) Option {
	return func(b *buildState) { b.git = g }
}

// New wires the orchestrator from configuration.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	var b buildState
	for _, opt := range opts {
		opt(&b)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	if b.platform == nil {
		b.platform = hosting.NewGitHub(cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo,
			hosting.WithRetries(cfg.GitHub.MaxRetries, cfg.GitHub.BaseDelay, cfg.GitHub.MaxDelay))
	}
	if b.runtime == nil {
		if len(cfg.Runtime.Command) > 0 {
			r, err := agent.NewSubprocessRuntime(cfg.Runtime.Command, cfg.Runtime.TurnTimeout)
			if err != nil {
				st.Close()
				return nil, err
			}
			b.runtime = r
		} else {
			slog.Warn("No agent runtime command configured; agents complete without doing work")
			b.runtime = agent.NoopRuntime{}
		}
	}
	if b.git == nil {
		b.git = workspace.NewExecGit(cfg.Workspaces.RepoPath)
	}

	kinds, err := agent.NewKindRegistry(cfg.Agents)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("invalid agent kinds: %w", err)
	}

	registry := tool.NewRegistry()
	if err := tool.NewLocalTools(cfg.Workspaces.Root).RegisterAll(registry); err != nil {
		st.Close()
		return nil, err
	}
	if err := registerHostingTools(registry, b.platform); err != nil {
		st.Close()
		return nil, err
	}

	metrics := observability.NewMetrics(&cfg.Metrics)
	tracer := observability.NewTracer(&cfg.Tracing)

	manager := agent.NewManager(st, kinds, b.runtime, tool.NewExecutor(registry), cfg.Pools.AgentCap)
	manager.SetObservability(metrics, tracer)
	workspaces := workspace.NewRegistry(st, b.git, cfg.Workspaces.Root, cfg.Workspaces.BaseBranch)

	q := queue.New(st, b.platform)
	q.SetMetrics(metrics)
	pool := shepherd.NewPool(st, b.platform, manager, kinds,
		cfg.Pools.ShepherdPool, cfg.Pools.WatchdogInterval, cfg.Policy.AutoMerge)
	pool.SetClear(q.ClearActive)
	pool.SetMetrics(metrics)
	q.SetShepherdSpawner(pool.Attach)

	d := dispatcher.New(st, manager, q, pool, &cfg.Webhook, cfg.Pools.DispatcherWorkers)
	d.SetObservability(metrics, tracer)

	sched := scheduler.New(st, d.FireSchedule)

	srv := server.New(&cfg.Server, cfg.Webhook.Secret, st, d, manager, q, workspaces, sched, metrics)

	return &Orchestrator{
		cfg:        cfg,
		Store:      st,
		Manager:    manager,
		Workspaces: workspaces,
		Queue:      q,
		Pool:       pool,
		Dispatcher: d,
		Scheduler:  sched,
		Server:     srv,
		Metrics:    metrics,
		Tracer:     tracer,
	}, nil
}

// Run starts every component and blocks until ctx is canceled or a component
// fails. Crash recovery happens first: runner slots are re-acquired, the
// shepherd of a surviving active PR is re-attached, and a pending promotion
// is retried on the first dispatcher tick.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Manager.Restore(ctx); err != nil {
		return err
	}
	if err := o.Pool.Resume(ctx); err != nil {
		slog.Warn("Shepherd resume failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.Server.Run(ctx) })
	g.Go(func() error { return o.Dispatcher.Run(ctx) })
	g.Go(func() error { return o.Scheduler.Run(ctx) })
	g.Go(func() error { return o.housekeeping(ctx) })

	err := g.Wait()

	o.Pool.Shutdown()
	if cerr := o.Store.Close(); cerr != nil {
		slog.Warn("Store close failed", "error", cerr)
	}

	if err == context.Canceled {
		return nil
	}
	return err
}

// housekeeping runs the workspace sweep and the terminal-agent retention
// prune on their configured cadence.
func (o *Orchestrator) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Workspaces.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if n, err := o.Workspaces.Sweep(ctx); err != nil {
			slog.Warn("Workspace sweep failed", "error", err)
		} else if n > 0 {
			slog.Info("Workspace sweep reconciled rows", "changed", n)
		}

		if ttl := o.cfg.Retention.AgentTTL; ttl > 0 {
			cutoff := time.Now().Add(-ttl)
			if n, err := o.Store.PruneTerminalAgents(ctx, cutoff); err != nil {
				slog.Warn("Agent retention prune failed", "error", err)
			} else if n > 0 {
				slog.Info("Pruned terminal agents", "count", n)
			}
		}
	}
}

// registerHostingTools exposes the hosting platform to agents as gated tools.
func registerHostingTools(r *tool.Registry, platform hosting.Platform) error {
	intArg := func(args map[string]interface{}, key string) int {
		switch v := args[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
		return 0
	}
	strArg := func(args map[string]interface{}, key string) string {
		s, _ := args[key].(string)
		return s
	}

	tools := []tool.Tool{
		tool.NewFunc("pr_comment", "Post a comment on a pull request.",
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				n := intArg(args, "pr_number")
				if err := platform.PostComment(ctx, n, strArg(args, "body")); err != nil {
					return "", err
				}
				return "comment posted", nil
			}),
		tool.NewFunc("pr_review", "List reviews on a pull request.",
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				reviews, err := platform.ListReviews(ctx, intArg(args, "pr_number"))
				if err != nil {
					return "", err
				}
				out := ""
				for _, r := range reviews {
					out += fmt.Sprintf("%s by %s\n", r.State, r.Author)
				}
				return out, nil
			}),
		tool.NewFunc("pr_merge", "Merge a pull request.",
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				if err := platform.MergePullRequest(ctx, intArg(args, "pr_number"), strArg(args, "message")); err != nil {
					return "", err
				}
				return "merged", nil
			}),
		tool.NewFunc("resolve_thread", "Resolve a review thread on a pull request.",
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				if err := platform.ResolveThread(ctx, intArg(args, "pr_number"), strArg(args, "thread_id")); err != nil {
					return "", err
				}
				return "resolved", nil
			}),
		tool.NewFunc("ci_status", "List CI check runs for a commit.",
			func(ctx context.Context, args map[string]interface{}) (string, error) {
				runs, err := platform.ListCheckRuns(ctx, strArg(args, "head_sha"))
				if err != nil {
					return "", err
				}
				out := ""
				for _, run := range runs {
					out += fmt.Sprintf("%s: %s %s\n", run.Name, run.Status, run.Conclusion)
				}
				return out, nil
			}),
	}

	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
