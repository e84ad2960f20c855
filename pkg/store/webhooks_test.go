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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertWebhookEventIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := &WebhookEvent{DeliveryID: "D1", EventType: "pull_request", Action: "opened", Payload: "{}"}
	id1, inserted, err := s.InsertWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &WebhookEvent{DeliveryID: "D1", EventType: "pull_request", Action: "opened", Payload: "{}"}
	id2, inserted, err := s.InsertWebhookEvent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id2)

	// Observationally equal to inserting once: a single pending row.
	events, err := s.ClaimPendingWebhookEvents(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestClaimPendingTransitionsToProcessing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := s.InsertWebhookEvent(ctx, &WebhookEvent{DeliveryID: id, EventType: "push", Payload: "{}"})
		require.NoError(t, err)
	}

	claimed, err := s.ClaimPendingWebhookEvents(ctx, 2, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, ev := range claimed {
		assert.Equal(t, WebhookProcessing, ev.Status)
	}

	// Claimed rows are not handed out again.
	rest, err := s.ClaimPendingWebhookEvents(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestFailWebhookEventBackoffThenDeadLetter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _, err := s.InsertWebhookEvent(ctx, &WebhookEvent{
		DeliveryID: "D2", EventType: "check_run", Payload: "{}", MaxRetries: 3,
	})
	require.NoError(t, err)

	claim := func() []*WebhookEvent {
		// Claims look an hour ahead, past the one-minute backoff cap, so
		// scheduled retries are visible.
		events, err := s.ClaimPendingWebhookEvents(ctx, 10, time.Now().Add(time.Hour))
		require.NoError(t, err)
		return events
	}

	require.Len(t, claim(), 1)
	require.NoError(t, s.FailWebhookEvent(ctx, id, "boom", time.Minute))

	ev, err := s.GetWebhookEvent(ctx, "D2")
	require.NoError(t, err)
	assert.Equal(t, WebhookPending, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	assert.True(t, ev.NextRetryAt.After(ev.ReceivedAt))

	require.Len(t, claim(), 1)
	require.NoError(t, s.FailWebhookEvent(ctx, id, "boom", time.Minute))

	require.Len(t, claim(), 1)
	require.NoError(t, s.FailWebhookEvent(ctx, id, "boom", time.Minute))

	// Third failure exhausts max_retries.
	ev, err = s.GetWebhookEvent(ctx, "D2")
	require.NoError(t, err)
	assert.Equal(t, WebhookDeadLetter, ev.Status)
	assert.Empty(t, claim())
}

func TestCompleteWebhookEventRecordsReason(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _, err := s.InsertWebhookEvent(ctx, &WebhookEvent{DeliveryID: "D3", EventType: "pull_request", Payload: "{}"})
	require.NoError(t, err)

	_, err = s.ClaimPendingWebhookEvents(ctx, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CompleteWebhookEvent(ctx, id, "Policy:fork"))

	ev, err := s.GetWebhookEvent(ctx, "D3")
	require.NoError(t, err)
	assert.Equal(t, WebhookCompleted, ev.Status)
	assert.Equal(t, "Policy:fork", ev.ErrorText)
	assert.False(t, ev.ProcessedAt.IsZero())
}

func TestInsertDedupKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fresh, err := s.InsertDedupKey(ctx, "fixer:7:abc:101")
	require.NoError(t, err)
	assert.True(t, fresh)

	again, err := s.InsertDedupKey(ctx, "fixer:7:abc:101")
	require.NoError(t, err)
	assert.False(t, again)
}
