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

package server_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanibalsk/orchestrate/internal/testutil"
	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/config"
	"github.com/hanibalsk/orchestrate/pkg/dispatcher"
	"github.com/hanibalsk/orchestrate/pkg/queue"
	"github.com/hanibalsk/orchestrate/pkg/scheduler"
	"github.com/hanibalsk/orchestrate/pkg/server"
	"github.com/hanibalsk/orchestrate/pkg/shepherd"
	"github.com/hanibalsk/orchestrate/pkg/store"
	"github.com/hanibalsk/orchestrate/pkg/tool"
)

const testSecret = "webhook-secret"

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
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

	webhookCfg := &config.WebhookConfig{Secret: testSecret}
	webhookCfg.SetDefaults()
	d := dispatcher.New(st, manager, q, pool, webhookCfg, 1)

	sched := scheduler.New(st, d.FireSchedule)

	srvCfg := &config.ServerConfig{}
	srvCfg.SetDefaults()

	s := server.New(srvCfg, testSecret, st, d, manager, q, nil, sched, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func post(t *testing.T, ts *httptest.Server, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/github", bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhookAcceptsValidDelivery(t *testing.T) {
	ts, st := newTestServer(t)
	body := []byte(`{"action":"opened","number":1}`)

	resp := post(t, ts, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "pull_request",
		"X-GitHub-Delivery":   "D1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ev, err := st.GetWebhookEvent(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, store.WebhookPending, ev.Status)
	assert.Equal(t, "pull_request", ev.EventType)
	assert.Equal(t, "opened", ev.Action)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	ts, st := newTestServer(t)
	body := []byte(`{"action":"opened"}`)

	// Signature computed over a body that differs by one byte.
	altered := []byte(`{"action":"opened" }`)
	resp := post(t, ts, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, altered),
		"X-GitHub-Event":      "pull_request",
		"X-GitHub-Delivery":   "D2",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err := st.GetWebhookEvent(context.Background(), "D2")
	assert.True(t, store.IsNotFound(err))
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	ts, _ := newTestServer(t)
	body := []byte(`{}`)

	resp := post(t, ts, body, map[string]string{
		"X-GitHub-Event":    "pull_request",
		"X-GitHub-Delivery": "D3",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookRequiresDeliveryHeader(t *testing.T) {
	ts, _ := newTestServer(t)
	body := []byte(`{"action":"opened"}`)

	resp := post(t, ts, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "pull_request",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	ts, _ := newTestServer(t)
	body := []byte(`{"action":`)

	resp := post(t, ts, body, map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "pull_request",
		"X-GitHub-Delivery":   "D4",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookDuplicateDeliveryAcked(t *testing.T) {
	ts, st := newTestServer(t)
	body := []byte(`{"action":"opened"}`)
	headers := map[string]string{
		"X-Hub-Signature-256": sign(testSecret, body),
		"X-GitHub-Event":      "pull_request",
		"X-GitHub-Delivery":   "D5",
	}

	resp := post(t, ts, body, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, ts, body, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	events, err := st.ClaimPendingWebhookEvents(context.Background(), 10, time.Now())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestControlSurfaceRequiresToken(t *testing.T) {
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
	t.Cleanup(pool.Shutdown)
	webhookCfg := &config.WebhookConfig{Secret: testSecret}
	webhookCfg.SetDefaults()
	d := dispatcher.New(st, manager, q, pool, webhookCfg, 1)
	sched := scheduler.New(st, d.FireSchedule)

	srvCfg := &config.ServerConfig{AuthToken: "sesame"}
	srvCfg.SetDefaults()
	s := server.New(srvCfg, testSecret, st, d, manager, q, nil, sched, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/v1/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
