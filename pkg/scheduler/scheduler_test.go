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

package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanibalsk/orchestrate/pkg/scheduler"
	"github.com/hanibalsk/orchestrate/pkg/store"
)

func setup(t *testing.T, fire scheduler.FireFunc) (*scheduler.Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return scheduler.New(st, fire), st
}

func TestNextRunIsIdempotent(t *testing.T) {
	after := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)

	first, err := scheduler.NextRun("@hourly", after)
	require.NoError(t, err)
	second, err := scheduler.NextRun("@hourly", after)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// @hourly fires at the next hour boundary.
	assert.Equal(t, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), first)
}

func TestNextRunRejectsInvalidExpression(t *testing.T) {
	_, err := scheduler.NextRun("not a cron", time.Now())
	require.Error(t, err)
	assert.True(t, store.IsKind(err, store.KindValidation))
}

func TestRegisterComputesNextRun(t *testing.T) {
	s, _ := setup(t, func(ctx context.Context, sch *store.Schedule) error { return nil })
	ctx := context.Background()

	sch, err := s.Register(ctx, "hourly-check", "@hourly", "explorer", "look around", true)
	require.NoError(t, err)
	assert.True(t, sch.Enabled)
	assert.True(t, sch.NextRunAt.After(time.Now().Add(-time.Minute)))
}

func TestDueSchedulesFireAndAdvance(t *testing.T) {
	fired := []string{}
	s, st := setup(t, func(ctx context.Context, sch *store.Schedule) error {
		fired = append(fired, sch.Name)
		return nil
	})
	ctx := context.Background()

	_, err := s.Register(ctx, "hourly-check", "@hourly", "explorer", "look around", true)
	require.NoError(t, err)

	before, err := st.GetSchedule(ctx, "hourly-check")
	require.NoError(t, err)

	// At the boundary the schedule is due and next_run_at advances by an
	// hour.
	boundary := before.NextRunAt.Add(time.Second)
	due, err := st.DueSchedules(ctx, boundary, scheduler.NextRun)
	require.NoError(t, err)
	require.Len(t, due, 1)

	for _, sch := range due {
		require.NoError(t, s.RunNow(ctx, sch.Name))
	}
	assert.Equal(t, []string{"hourly-check"}, fired)

	after, err := st.GetSchedule(ctx, "hourly-check")
	require.NoError(t, err)
	assert.True(t, after.NextRunAt.After(before.NextRunAt))
	assert.WithinDuration(t, before.NextRunAt.Add(time.Hour), after.NextRunAt, time.Hour)
}

func TestRunNowDoesNotPerturbNextRun(t *testing.T) {
	s, st := setup(t, func(ctx context.Context, sch *store.Schedule) error { return nil })
	ctx := context.Background()

	_, err := s.Register(ctx, "daily", "@daily", "explorer", "t", true)
	require.NoError(t, err)

	before, err := st.GetSchedule(ctx, "daily")
	require.NoError(t, err)

	require.NoError(t, s.RunNow(ctx, "daily"))

	after, err := st.GetSchedule(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, before.NextRunAt, after.NextRunAt)
}

func TestDisabledSchedulesNeverDue(t *testing.T) {
	s, st := setup(t, func(ctx context.Context, sch *store.Schedule) error { return nil })
	ctx := context.Background()

	_, err := s.Register(ctx, "off", "@hourly", "explorer", "t", false)
	require.NoError(t, err)

	due, err := st.DueSchedules(ctx, time.Now().Add(48*time.Hour), scheduler.NextRun)
	require.NoError(t, err)
	assert.Empty(t, due)
}
