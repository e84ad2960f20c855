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

package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanibalsk/orchestrate/internal/testutil"
	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/config"
	"github.com/hanibalsk/orchestrate/pkg/queue"
	"github.com/hanibalsk/orchestrate/pkg/shepherd"
	"github.com/hanibalsk/orchestrate/pkg/store"
	"github.com/hanibalsk/orchestrate/pkg/tool"
)

type fixture struct {
	store      *store.Store
	manager    *agent.Manager
	queue      *queue.Queue
	pool       *shepherd.Pool
	dispatcher *Dispatcher
	platform   *testutil.FakePlatform
	runtime    *testutil.ScriptedRuntime
}

func newFixture(t *testing.T) *fixture {
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
	pool := shepherd.NewPool(st, platform, manager, kinds, 3, time.Hour, false)
	pool.SetClear(q.ClearActive)
	q.SetShepherdSpawner(pool.Attach)
	t.Cleanup(pool.Shutdown)

	webhookCfg := &config.WebhookConfig{Secret: "s"}
	webhookCfg.SetDefaults()

	d := New(st, manager, q, pool, webhookCfg, 1)

	return &fixture{store: st, manager: manager, queue: q, pool: pool,
		dispatcher: d, platform: platform, runtime: rt}
}

// drain claims and processes every due event, like one worker pass.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	events, err := f.store.ClaimPendingWebhookEvents(ctx, 50, time.Now())
	require.NoError(t, err)
	for _, ev := range events {
		f.dispatcher.process(ctx, ev)
	}
}

// promoteWorkspace walks a finished workspace through enqueue + promotion
// and returns the active PR.
func (f *fixture) promoteWorkspace(t *testing.T, name string) *store.ActivePR {
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

func TestForkPRRejectedByPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := `{"action":"opened","pull_request":{"number":7,"head":{"ref":"x","repo":{"fork":true}},"base":{"ref":"main"},"user":{"login":"mallory"}}}`
	inserted, err := f.dispatcher.Ingest(ctx, "D-fork", EventPullRequest, []byte(payload))
	require.NoError(t, err)
	assert.True(t, inserted)

	f.drain(t)

	ev, err := f.store.GetWebhookEvent(ctx, "D-fork")
	require.NoError(t, err)
	assert.Equal(t, store.WebhookCompleted, ev.Status)
	assert.Equal(t, "Policy:fork", ev.ErrorText)

	// No agent spawned.
	agents, err := f.store.ListAgents(ctx, store.AgentFilter{})
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestDuplicateDeliveryHandledOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := `{"action":"opened","issue":{"number":5,"title":"crash","user":{"login":"alice"}}}`
	inserted, err := f.dispatcher.Ingest(ctx, "D1", EventIssues, []byte(payload))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = f.dispatcher.Ingest(ctx, "D1", EventIssues, []byte(payload))
	require.NoError(t, err)
	assert.False(t, inserted)

	f.drain(t)
	f.drain(t)

	// Exactly one triager.
	require.Eventually(t, func() bool {
		agents, err := f.store.ListAgents(ctx, store.AgentFilter{Kind: agent.KindIssueTriager})
		return err == nil && len(agents) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIssueTriagerDedupedByNaturalKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := `{"action":"opened","issue":{"number":5,"title":"crash","user":{"login":"alice"}}}`
	// Two distinct deliveries of the same issue (sender hiccup).
	_, err := f.dispatcher.Ingest(ctx, "D1", EventIssues, []byte(payload))
	require.NoError(t, err)
	_, err = f.dispatcher.Ingest(ctx, "D2", EventIssues, []byte(payload))
	require.NoError(t, err)

	f.drain(t)

	agents, err := f.store.ListAgents(ctx, store.AgentFilter{Kind: agent.KindIssueTriager})
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestCheckFailureSpawnsDedupedFixer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pr := f.promoteWorkspace(t, "featX")

	payload := fmt.Sprintf(
		`{"action":"completed","check_run":{"id":7,"head_sha":"abc","conclusion":"failure","pull_requests":[{"number":%d}]}}`,
		pr.PRNumber)

	_, err := f.dispatcher.Ingest(ctx, "C1", EventCheckRun, []byte(payload))
	require.NoError(t, err)
	f.drain(t)

	// The shepherd transitions to fixing and spawns exactly one fixer.
	require.Eventually(t, func() bool {
		fixers, err := f.store.ListAgents(ctx, store.AgentFilter{Kind: agent.KindIssueFixer})
		return err == nil && len(fixers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Redelivery under a fresh delivery id: deduped by (check, sha, pr).
	_, err = f.dispatcher.Ingest(ctx, "C2", EventCheckRun, []byte(payload))
	require.NoError(t, err)
	f.drain(t)

	time.Sleep(100 * time.Millisecond)
	fixers, err := f.store.ListAgents(ctx, store.AgentFilter{Kind: agent.KindIssueFixer})
	require.NoError(t, err)
	assert.Len(t, fixers, 1)
}

func TestHappyPathMergesThroughShepherd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pr := f.promoteWorkspace(t, "featX")
	f.platform.Approve(pr.PRNumber, "reviewer")

	payload := fmt.Sprintf(
		`{"action":"completed","check_run":{"id":9,"head_sha":"abc","conclusion":"success","pull_requests":[{"number":%d}]}}`,
		pr.PRNumber)
	_, err := f.dispatcher.Ingest(ctx, "C-success", EventCheckRun, []byte(payload))
	require.NoError(t, err)
	f.drain(t)

	// CI green + approving review: the shepherd merges and clears the slot.
	require.Eventually(t, func() bool {
		active, err := f.store.GetActivePR(ctx)
		return err == nil && active == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, f.platform.MergedCount)

	entries, err := f.queue.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPushWithoutConfigIsDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := `{"ref":"refs/heads/main","pusher":{"login":"bob"},"repository":{"default_branch":"main"}}`
	_, err := f.dispatcher.Ingest(ctx, "P1", EventPush, []byte(payload))
	require.NoError(t, err)
	f.drain(t)

	ev, err := f.store.GetWebhookEvent(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, store.WebhookCompleted, ev.Status)
	assert.Equal(t, "regression testing disabled", ev.ErrorText)
}
