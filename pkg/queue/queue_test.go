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

package queue_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanibalsk/orchestrate/internal/testutil"
	"github.com/hanibalsk/orchestrate/pkg/queue"
	"github.com/hanibalsk/orchestrate/pkg/store"
)

func setup(t *testing.T) (*queue.Queue, *store.Store, *testutil.FakePlatform) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	platform := testutil.NewFakePlatform()
	return queue.New(st, platform), st, platform
}

func finishedWorkspace(t *testing.T, st *store.Store, name string) *store.Workspace {
	t.Helper()
	ctx := context.Background()

	w := &store.Workspace{ID: uuid.New().String(), Name: name, Path: "/tmp/" + name,
		Branch: "worktree/" + name, BaseBranch: "main"}
	require.NoError(t, st.CreateWorkspace(ctx, w))

	a := &store.Agent{ID: uuid.New().String(), Kind: "story_developer", TaskText: "t"}
	require.NoError(t, st.CreateAgent(ctx, a))
	require.NoError(t, st.AttachAgentWorkspace(ctx, a.ID, w.ID))
	require.NoError(t, st.TransitionAgent(ctx, a.ID,
		[]store.AgentState{store.AgentCreated}, store.AgentCompleted, ""))

	got, err := st.GetWorkspace(ctx, name)
	require.NoError(t, err)
	return got
}

func TestEnqueuePromotesWhenSlotFree(t *testing.T) {
	q, st, platform := setup(t)
	ctx := context.Background()

	shepherds := 0
	q.SetShepherdSpawner(func(ctx context.Context, pr *store.ActivePR) (string, error) {
		shepherds++
		return "shepherd-1", nil
	})

	w := finishedWorkspace(t, st, "featX")
	_, err := q.Enqueue(ctx, w.ID, "Add X", "")
	require.NoError(t, err)

	// Queue drained into the active PR.
	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	active, err := q.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 100, active.PRNumber)
	assert.Equal(t, store.PROpened, active.Status)
	assert.Equal(t, "shepherd-1", active.ShepherdAgentID)
	assert.Equal(t, 1, shepherds)
	assert.Equal(t, 1, platform.OpenedCount)
}

func TestSecondEnqueueWaitsBehindActivePR(t *testing.T) {
	q, st, platform := setup(t)
	ctx := context.Background()

	w1 := finishedWorkspace(t, st, "one")
	w2 := finishedWorkspace(t, st, "two")

	_, err := q.Enqueue(ctx, w1.ID, "First", "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, w2.ID, "Second", "")
	require.NoError(t, err)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, w2.ID, entries[0].WorkspaceID)
	assert.Equal(t, 1, platform.OpenedCount)

	// PromoteNext is a no-op while a PR is active.
	pr, err := q.PromoteNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, pr)
}

func TestClearActivePromotesNext(t *testing.T) {
	q, st, platform := setup(t)
	ctx := context.Background()

	w1 := finishedWorkspace(t, st, "one")
	w2 := finishedWorkspace(t, st, "two")

	_, err := q.Enqueue(ctx, w1.ID, "First", "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, w2.ID, "Second", "")
	require.NoError(t, err)

	require.NoError(t, q.ClearActive(ctx, 100, store.PRMerged))

	active, err := q.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 101, active.PRNumber)
	assert.Equal(t, w2.ID, active.WorkspaceID)
	assert.Equal(t, 2, platform.OpenedCount)
}

func TestPromoteNextEmptyQueueIsNoop(t *testing.T) {
	q, _, platform := setup(t)
	ctx := context.Background()

	pr, err := q.PromoteNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, pr)
	assert.Equal(t, 0, platform.OpenedCount)
}

func TestClearRequiresTerminalStatus(t *testing.T) {
	q, st, _ := setup(t)
	ctx := context.Background()

	w := finishedWorkspace(t, st, "one")
	_, err := q.Enqueue(ctx, w.ID, "First", "")
	require.NoError(t, err)

	err = q.ClearActive(ctx, 100, store.PRFixing)
	require.Error(t, err)
	assert.True(t, store.IsKind(err, store.KindValidation))
}

// Crash-and-resume: the entry survives a failed promotion and a later tick
// promotes it.
func TestPromotionRetriesAfterRestart(t *testing.T) {
	q, st, platform := setup(t)
	ctx := context.Background()

	w := finishedWorkspace(t, st, "featX")
	_, err := st.EnqueueWorkspace(ctx, w.ID, "Add X", "")
	require.NoError(t, err)

	// Simulates the post-restart dispatcher tick observing the queue.
	pr, err := q.PromoteNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 100, pr.PRNumber)
	assert.Equal(t, 1, platform.OpenedCount)
}
