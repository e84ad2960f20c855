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
	"time"
)

// Schedule is one cron-driven recurring job. next_run_at is recomputed on
// every firing or mutation.
type Schedule struct {
	Name         string    `json:"name"`
	CronExpr     string    `json:"cron_expr"`
	AgentKind    string    `json:"agent_kind"`
	TaskTemplate string    `json:"task_template"`
	Enabled      bool      `json:"enabled"`
	NextRunAt    time.Time `json:"next_run_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UpsertSchedule creates or replaces a schedule.
func (s *Store) UpsertSchedule(ctx context.Context, sch *Schedule) error {
	if sch.Name == "" || sch.CronExpr == "" || sch.AgentKind == "" {
		return NewError(KindValidation, "schedule name, cron expression, and agent kind are required")
	}

	ts := now()
	return s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
INSERT INTO schedules (name, cron_expr, agent_kind, task_template, enabled, next_run_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
    cron_expr = excluded.cron_expr,
    agent_kind = excluded.agent_kind,
    task_template = excluded.task_template,
    enabled = excluded.enabled,
    next_run_at = excluded.next_run_at,
    updated_at = excluded.updated_at`,
			sch.Name, sch.CronExpr, sch.AgentKind, sch.TaskTemplate, sch.Enabled,
			sch.NextRunAt.UTC(), ts, ts)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to upsert schedule")
		}
		return writeAudit(tx, "schedule", sch.Name, "upserted", "", sch.CronExpr)
	})
}

// GetSchedule returns a schedule by name.
func (s *Store) GetSchedule(ctx context.Context, name string) (*Schedule, error) {
	var sch Schedule
	err := s.db.QueryRowContext(ctx, `
SELECT name, cron_expr, agent_kind, task_template, enabled, next_run_at, created_at, updated_at
FROM schedules WHERE name = ?`, name).
		Scan(&sch.Name, &sch.CronExpr, &sch.AgentKind, &sch.TaskTemplate, &sch.Enabled,
			&sch.NextRunAt, &sch.CreatedAt, &sch.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, NewError(KindNotFound, "schedule not found")
	}
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to scan schedule")
	}
	return &sch, nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, cron_expr, agent_kind, task_template, enabled, next_run_at, created_at, updated_at
FROM schedules ORDER BY name ASC`)
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to query schedules")
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		var sch Schedule
		if err := rows.Scan(&sch.Name, &sch.CronExpr, &sch.AgentKind, &sch.TaskTemplate,
			&sch.Enabled, &sch.NextRunAt, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
			return nil, WrapError(KindInfrastructure, err, "failed to scan schedule")
		}
		schedules = append(schedules, &sch)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(KindInfrastructure, err, "error iterating schedules")
	}

	return schedules, nil
}

// DueSchedules returns enabled schedules whose next_run_at has come, and
// advances each to its next firing time in the same transaction so a crash
// between firing and rescheduling cannot double-fire. nextRun computes the
// following occurrence from the cron expression.
func (s *Store) DueSchedules(ctx context.Context, nowTime time.Time, nextRun func(cronExpr string, after time.Time) (time.Time, error)) ([]*Schedule, error) {
	var due []*Schedule
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(`
SELECT name, cron_expr, agent_kind, task_template, enabled, next_run_at, created_at, updated_at
FROM schedules WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at ASC`, nowTime.UTC())
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to query due schedules")
		}
		for rows.Next() {
			var sch Schedule
			if err := rows.Scan(&sch.Name, &sch.CronExpr, &sch.AgentKind, &sch.TaskTemplate,
				&sch.Enabled, &sch.NextRunAt, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
				rows.Close()
				return WrapError(KindInfrastructure, err, "failed to scan schedule")
			}
			due = append(due, &sch)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return WrapError(KindInfrastructure, err, "error iterating due schedules")
		}

		for _, sch := range due {
			next, err := nextRun(sch.CronExpr, nowTime)
			if err != nil {
				return WrapError(KindValidation, err, "invalid cron expression for %s", sch.Name)
			}
			if _, err := tx.Exec(`UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE name = ?`,
				next.UTC(), now(), sch.Name); err != nil {
				return WrapError(KindInfrastructure, err, "failed to reschedule %s", sch.Name)
			}
			if err := writeAudit(tx, "schedule", sch.Name, "fired", "", next.UTC().Format(time.RFC3339)); err != nil {
				return err
			}
			sch.NextRunAt = next.UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// NextScheduleTime returns the earliest next_run_at across enabled schedules,
// or the zero time when none exist.
func (s *Store) NextScheduleTime(ctx context.Context) (time.Time, error) {
	var next sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_run_at) FROM schedules WHERE enabled = 1`).Scan(&next)
	if err != nil {
		return time.Time{}, WrapError(KindInfrastructure, err, "failed to read next schedule time")
	}
	return next.Time, nil
}

// SetScheduleEnabled flips a schedule on or off.
func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE schedules SET enabled = ?, updated_at = ? WHERE name = ?`,
			enabled, now(), name)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to update schedule")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return NewError(KindNotFound, "schedule not found")
		}
		action := "disabled"
		if enabled {
			action = "enabled"
		}
		return writeAudit(tx, "schedule", name, action, "", "")
	})
}
