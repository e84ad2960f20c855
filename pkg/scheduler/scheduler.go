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

// Package scheduler fires timer events on cron specifications.
//
// A single ticker sleeps until the earliest next_run_at, collects everything
// due and advances its next_run_at in one store transaction (so a crash
// between firing and rescheduling cannot double-fire), fires the collected
// schedules after that transaction, and goes back to sleep. Manual run_now is synchronous and does not perturb next_run_at.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hanibalsk/orchestrate/pkg/store"
)

// maxSleep bounds the ticker's sleep so newly registered schedules are
// noticed without a wakeup channel.
const maxSleep = time.Minute

// FireFunc handles one due schedule, typically by spawning its agent through
// the dispatcher.
type FireFunc func(ctx context.Context, sch *store.Schedule) error

// Scheduler drives cron schedules.
type Scheduler struct {
	store *store.Store
	fire  FireFunc
}

// New creates a scheduler.
func New(st *store.Store, fire FireFunc) *Scheduler {
	return &Scheduler{store: st, fire: fire}
}

// NextRun computes the next firing after the given time. Standard five-field
// cron plus descriptors (@hourly, @daily) are accepted. Idempotent: the same
// inputs always yield the same result.
func NextRun(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return time.Time{}, store.WrapError(store.KindValidation, err, "invalid cron expression %q", cronExpr)
	}
	return sched.Next(after), nil
}

// Register creates or updates a schedule and computes its next_run_at.
func (s *Scheduler) Register(ctx context.Context, name, cronExpr, agentKind, taskTemplate string, enabled bool) (*store.Schedule, error) {
	next, err := NextRun(cronExpr, time.Now())
	if err != nil {
		return nil, err
	}

	sch := &store.Schedule{
		Name:         name,
		CronExpr:     cronExpr,
		AgentKind:    agentKind,
		TaskTemplate: taskTemplate,
		Enabled:      enabled,
		NextRunAt:    next,
	}
	if err := s.store.UpsertSchedule(ctx, sch); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(ctx, name)
}

// Run is the ticker loop; it blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		sleep := maxSleep
		next, err := s.store.NextScheduleTime(ctx)
		if err != nil {
			slog.Warn("Scheduler failed to read next firing time", "error", err)
		} else if !next.IsZero() {
			if until := time.Until(next); until < sleep {
				sleep = until
			}
		}
		if sleep < 0 {
			sleep = 0
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		due, err := s.store.DueSchedules(ctx, time.Now(), NextRun)
		if err != nil {
			slog.Warn("Scheduler failed to collect due schedules", "error", err)
			continue
		}

		for _, sch := range due {
			if err := s.fire(ctx, sch); err != nil {
				slog.Warn("Schedule firing failed", "schedule", sch.Name, "error", err)
			}
		}
	}
}

// RunNow fires a schedule synchronously without touching next_run_at.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	sch, err := s.store.GetSchedule(ctx, name)
	if err != nil {
		return err
	}
	return s.fire(ctx, sch)
}
