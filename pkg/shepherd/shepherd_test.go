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

package shepherd_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanibalsk/orchestrate/internal/testutil"
	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/hosting"
	"github.com/hanibalsk/orchestrate/pkg/queue"
	"github.com/hanibalsk/orchestrate/pkg/shepherd"
	"github.com/hanibalsk/orchestrate/pkg/store"
	"github.com/hanibalsk/orchestrate/pkg/tool"
)

type fixture struct {
	store    *store.Store
	queue    *queue.Queue
	pool     *shepherd.Pool
	platform *testutil.FakePlatform
	runtime  *testutil.ScriptedRuntime
}

func newFixture(t *testing.T, autoMerge bool) *fixture {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	kinds, err := agent.NewKindRegistry(nil)
	require.NoError(t, err)

	rt := &testutil.ScriptedRuntime{}
	platform := testutil.NewFakePlatform()
	manager := agent.NewManager(st, kinds, rt, tool.NewExecutor(tool.NewRegistry()), 8)

	q := queue.New(st, platform)
	pool := shepherd.NewPool(st, platform, manager, kinds, 3, time.Hour, autoMerge)
	pool.SetClear(q.ClearActive)
	q.SetShepherdSpawner(pool.Attach)
	// Children report back directly, standing in for dispatcher routing.
	pool.SetChildPublisher(func(prNumber int, childAgentID, childKind string, state store.AgentState) {
		pool.Deliver(prNumber, shepherd.Signal{
			Type:         shepherd.SignalChildCompleted,
			ChildAgentID: childAgentID,
			ChildKind:    childKind,
			ChildState:   state,
		})
	})
	t.Cleanup(pool.Shutdown)

	return &fixture{store: st, queue: q, pool: pool, platform: platform, runtime: rt}
}

func (f *fixture) promote(t *testing.T, name string) *store.ActivePR {
	t.Helper()
	ctx := context.Background()

	w := &store.Workspace{ID: uuid.New().String(), Name: name, Path: "/tmp/" + name,
		Branch: "worktree/" + name, BaseBranch: "main"}
	require.NoError(t, f.store.CreateWorkspace(ctx, w))
	a := &store.Agent{ID: uuid.New().String(), Kind: "story_developer", TaskText: "t"}
	require.NoError(t, f.store.CreateAgent(ctx, a))
	require.NoError(t, f.store.AttachAgentWorkspace(ctx, a.ID, w.ID))
	require.NoError(t, f.store.TransitionAgent(ctx, a.ID,
		[]store.AgentState{store.AgentCreated}, store.AgentCompleted, ""))

	_, err := f.queue.Enqueue(ctx, w.ID, "Add "+name, "")
	require.NoError(t, err)
	pr, err := f.queue.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, pr)
	return pr
}

func prStatus(t *testing.T, f *fixture, prNumber int) store.PRStatus {
	t.Helper()
	pr, err := f.store.GetActivePRByNumber(context.Background(), prNumber)
	require.NoError(t, err)
	if pr == nil {
		return ""
	}
	return pr.Status
}

func TestMergeConflictSpawnsConflictResolver(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	pr := f.promote(t, "featX")
	f.platform.Approve(pr.PRNumber, "reviewer")
	f.platform.MergeConflict = true

	ok := f.pool.Deliver(pr.PRNumber, shepherd.Signal{
		Type:       shepherd.SignalCheckCompleted,
		CheckID:    1,
		HeadSHA:    "abc",
		Conclusion: hosting.CheckSuccess,
	})
	require.True(t, ok)

	// Conflict: the PR falls into fixing and a conflict resolver spawns;
	// once it completes, the PR returns to the CI track.
	require.Eventually(t, func() bool {
		resolvers, err := f.store.ListAgents(ctx, store.AgentFilter{Kind: agent.KindConflictResolver})
		return err == nil && len(resolvers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return prStatus(t, f, pr.PRNumber) == store.PRWaitingForCI
	}, 2*time.Second, 10*time.Millisecond)

	// With the conflict resolved, the next green check merges.
	f.platform.MergeConflict = false
	ok = f.pool.Deliver(pr.PRNumber, shepherd.Signal{
		Type:       shepherd.SignalCheckCompleted,
		CheckID:    2,
		HeadSHA:    "def",
		Conclusion: hosting.CheckSuccess,
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		active, err := f.store.GetActivePR(ctx)
		return err == nil && active == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.platform.MergedCount)
}

func TestGreenCIWithoutApprovalWaitsInReviewing(t *testing.T) {
	f := newFixture(t, false)

	pr := f.promote(t, "featX")

	ok := f.pool.Deliver(pr.PRNumber, shepherd.Signal{
		Type:       shepherd.SignalCheckCompleted,
		Conclusion: hosting.CheckSuccess,
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return prStatus(t, f, pr.PRNumber) == store.PRReviewing
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.platform.MergedCount)

	// Approval arrives later and completes the merge.
	f.platform.Approve(pr.PRNumber, "reviewer")
	ok = f.pool.Deliver(pr.PRNumber, shepherd.Signal{
		Type:        shepherd.SignalReviewSubmitted,
		ReviewState: hosting.ReviewApproved,
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return f.platform.MergedCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoMergeKnobMergesWithoutApproval(t *testing.T) {
	f := newFixture(t, true)

	pr := f.promote(t, "featX")
	ok := f.pool.Deliver(pr.PRNumber, shepherd.Signal{
		Type:       shepherd.SignalCheckCompleted,
		Conclusion: hosting.CheckSuccess,
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return f.platform.MergedCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFixerCompletionResolvesReviewThreads(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	pr := f.promote(t, "featX")
	f.platform.AddThread(pr.PRNumber, "t1", "please rename this")
	f.platform.AddThread(pr.PRNumber, "t2", "missing error check")

	// Gate the runtime so the fixer stays alive until the test lets it
	// finish.
	f.runtime.Gate = make(chan *agent.Reply)

	ok := f.pool.Deliver(pr.PRNumber, shepherd.Signal{
		Type:        shepherd.SignalReviewSubmitted,
		ReviewState: hosting.ReviewChangesRequested,
	})
	require.True(t, ok)

	// The fixer spawns with the threads it must address in its context.
	var fixer *store.Agent
	require.Eventually(t, func() bool {
		fixers, err := f.store.ListAgents(ctx, store.AgentFilter{Kind: agent.KindIssueFixer})
		if err != nil || len(fixers) != 1 {
			return false
		}
		fixer = fixers[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	fixerCtx, err := agent.DecodeContext(fixer.Context)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, fixerCtx.ThreadIDs)
	assert.Equal(t, "sha-100", fixerCtx.HeadSHA)

	// The fixer pushes a commit addressing the threads, then completes.
	f.platform.SetHeadSHA(pr.PRNumber, "sha-fixed")
	f.runtime.Gate <- &agent.Reply{Text: "pushed a fix " + agent.CompletionMarker}

	// Only then does the shepherd resolve the threads and return the PR to
	// the CI track.
	require.Eventually(t, func() bool {
		threads, err := f.platform.ListThreads(ctx, pr.PRNumber)
		if err != nil {
			return false
		}
		for _, th := range threads {
			if !th.Resolved {
				return false
			}
		}
		return len(threads) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return prStatus(t, f, pr.PRNumber) == store.PRWaitingForCI
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFixerWithoutPushLeavesThreadsUnresolved(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	pr := f.promote(t, "featX")
	f.platform.AddThread(pr.PRNumber, "t1", "please rename this")

	ok := f.pool.Deliver(pr.PRNumber, shepherd.Signal{
		Type:        shepherd.SignalReviewSubmitted,
		ReviewState: hosting.ReviewChangesRequested,
	})
	require.True(t, ok)

	// The scripted runtime completes immediately without any push: the head
	// SHA never moves, so the threads stay open.
	require.Eventually(t, func() bool {
		return prStatus(t, f, pr.PRNumber) == store.PRWaitingForCI
	}, 2*time.Second, 10*time.Millisecond)

	threads, err := f.platform.ListThreads(ctx, pr.PRNumber)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.False(t, threads[0].Resolved)
}

func TestOperatorCloseClearsActive(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	pr := f.promote(t, "featX")
	ok := f.pool.Deliver(pr.PRNumber, shepherd.Signal{Type: shepherd.SignalClose})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		active, err := f.store.GetActivePR(ctx)
		return err == nil && active == nil
	}, 2*time.Second, 10*time.Millisecond)

	// The shepherd's own agent row is terminal.
	require.Eventually(t, func() bool {
		a, err := f.store.GetAgent(ctx, pr.ShepherdAgentID)
		return err == nil && a.State.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
}
