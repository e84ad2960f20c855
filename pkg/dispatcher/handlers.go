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
	"log/slog"
	"strings"

	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/hosting"
	"github.com/hanibalsk/orchestrate/pkg/shepherd"
	"github.com/hanibalsk/orchestrate/pkg/store"
)

// handlePullRequest attaches a shepherd to the active PR when one is missing.
// Fork PRs are refused before any work happens.
func (d *Dispatcher) handlePullRequest(ctx context.Context, ev *store.WebhookEvent) (string, error) {
	var p PullRequestPayload
	if err := decodePayload(ev.Payload, &p); err != nil {
		return "", store.WrapError(store.KindValidation, err, "pull_request payload")
	}

	if p.PullRequest.Head.Repo.Fork {
		slog.Info("Refusing fork PR", "pr", p.PullRequest.Number, "delivery", ev.DeliveryID)
		return "Policy:fork", nil
	}

	if p.Action != ActionOpened {
		// Closed/synchronize activity reaches the shepherd as a recheck.
		if d.pool.Deliver(p.PullRequest.Number, shepherd.Signal{Type: shepherd.SignalRecheck, Reason: p.Action}) {
			return "routed to shepherd", nil
		}
		return fmt.Sprintf("no shepherd for PR #%d", p.PullRequest.Number), nil
	}

	active, err := d.store.GetActivePRByNumber(ctx, p.PullRequest.Number)
	if err != nil {
		return "", err
	}
	if active == nil {
		return fmt.Sprintf("PR #%d is not the active PR", p.PullRequest.Number), nil
	}
	if active.ShepherdAgentID != "" {
		return "shepherd already attached", nil
	}

	id, err := d.pool.Attach(ctx, active)
	if err != nil {
		return "", err
	}
	if err := d.store.AttachShepherd(ctx, active.PRNumber, id); err != nil {
		return "", err
	}
	return "shepherd attached", nil
}

// handleReview routes a submitted review to the active PR's shepherd.
func (d *Dispatcher) handleReview(ctx context.Context, ev *store.WebhookEvent) (string, error) {
	var p ReviewPayload
	if err := decodePayload(ev.Payload, &p); err != nil {
		return "", store.WrapError(store.KindValidation, err, "pull_request_review payload")
	}
	if p.Action != ActionSubmitted {
		return "ignored review action " + p.Action, nil
	}

	sig := shepherd.Signal{
		Type:         shepherd.SignalReviewSubmitted,
		ReviewState:  strings.ToLower(p.Review.State),
		ReviewAuthor: p.Review.User.Login,
	}
	if d.deliverOrResume(ctx, p.PullRequest.Number, sig) {
		return "routed to shepherd", nil
	}
	return fmt.Sprintf("no shepherd for PR #%d", p.PullRequest.Number), nil
}

// handleCheckRun routes a completed CI run to the matching PR's shepherd,
// reviving the shepherd if the process restarted since it was attached.
func (d *Dispatcher) handleCheckRun(ctx context.Context, ev *store.WebhookEvent) (string, error) {
	var p CheckRunPayload
	if err := decodePayload(ev.Payload, &p); err != nil {
		return "", store.WrapError(store.KindValidation, err, "check_run payload")
	}
	if p.Action != ActionCompleted {
		return "ignored check_run action " + p.Action, nil
	}

	prNumber := 0
	if len(p.CheckRun.PullRequests) > 0 {
		prNumber = p.CheckRun.PullRequests[0].Number
	}
	if prNumber == 0 {
		// Detached check run; attribute it to the active PR. The head SHA is
		// not compared.
		active, err := d.store.GetActivePR(ctx)
		if err != nil {
			return "", err
		}
		if active == nil {
			return "check run matches no PR", nil
		}
		prNumber = active.PRNumber
	}

	sig := shepherd.Signal{
		Type:       shepherd.SignalCheckCompleted,
		CheckID:    p.CheckRun.ID,
		HeadSHA:    p.CheckRun.HeadSHA,
		Conclusion: p.CheckRun.Conclusion,
	}
	if d.deliverOrResume(ctx, prNumber, sig) {
		return "routed to shepherd", nil
	}

	// No shepherd and not the active PR: the event is completed with a reason
	// and nothing is spawned, for failure conclusions too.
	if p.CheckRun.Conclusion == hosting.CheckFailure || p.CheckRun.Conclusion == hosting.CheckTimedOut {
		return fmt.Sprintf("check failure on PR #%d with no shepherd", prNumber), nil
	}
	return fmt.Sprintf("no shepherd for PR #%d", prNumber), nil
}

// deliverOrResume delivers a signal, resuming the pool from the store first
// when the in-memory shepherd is gone (restart).
func (d *Dispatcher) deliverOrResume(ctx context.Context, prNumber int, sig shepherd.Signal) bool {
	if d.pool.Deliver(prNumber, sig) {
		return true
	}

	active, err := d.store.GetActivePRByNumber(ctx, prNumber)
	if err != nil || active == nil {
		return false
	}
	if err := d.pool.Resume(ctx); err != nil {
		slog.Warn("Failed to resume shepherd", "pr", prNumber, "error", err)
		return false
	}
	return d.pool.Deliver(prNumber, sig)
}

// handleIssue spawns a read-only triager for a newly opened issue,
// deduplicated by issue number.
func (d *Dispatcher) handleIssue(ctx context.Context, ev *store.WebhookEvent) (string, error) {
	var p IssuePayload
	if err := decodePayload(ev.Payload, &p); err != nil {
		return "", store.WrapError(store.KindValidation, err, "issues payload")
	}
	if p.Action != ActionOpened {
		return "ignored issue action " + p.Action, nil
	}

	key := fmt.Sprintf("triage:%d", p.Issue.Number)
	fresh, err := d.store.InsertDedupKey(ctx, key)
	if err != nil {
		return "", err
	}
	if !fresh {
		return "triager already spawned", nil
	}

	a, err := d.manager.Spawn(ctx, agent.SpawnRequest{
		Kind: agent.KindIssueTriager,
		Task: fmt.Sprintf("Triage issue #%d: %s\n\n%s", p.Issue.Number, p.Issue.Title, p.Issue.Body),
		Context: map[string]interface{}{
			"issue_number": p.Issue.Number,
			"repository":   p.Repository.FullName,
		},
	})
	if err != nil {
		return "", err
	}

	go func() {
		if _, err := d.manager.RunUntilBlocked(context.Background(), a.ID); err != nil {
			slog.Warn("Triager run ended with error", "agent", a.ID, "error", err)
		}
	}()

	return "triager spawned", nil
}

// handlePush optionally spawns a regression tester on pushes to the default
// branch. Disabled unless the events map names an agent for push.
func (d *Dispatcher) handlePush(ctx context.Context, ev *store.WebhookEvent) (string, error) {
	var p PushPayload
	if err := decodePayload(ev.Payload, &p); err != nil {
		return "", store.WrapError(store.KindValidation, err, "push payload")
	}

	defaultRef := "refs/heads/" + p.Repository.DefaultBranch
	if p.Repository.DefaultBranch == "" || p.Ref != defaultRef {
		return "push is not to the default branch", nil
	}

	cfg := d.webhookCfg.Load()
	entry, ok := cfg.Events[EventPush]
	if !ok || entry.Agent == "" {
		return "regression testing disabled", nil
	}

	a, err := d.manager.Spawn(ctx, agent.SpawnRequest{
		Kind: entry.Agent,
		Task: fmt.Sprintf("Run regression checks after a push to %s.", p.Repository.DefaultBranch),
		Context: map[string]interface{}{
			"repository": p.Repository.FullName,
			"branch":     p.Repository.DefaultBranch,
		},
	})
	if err != nil {
		return "", err
	}

	go func() {
		if _, err := d.manager.RunUntilBlocked(context.Background(), a.ID); err != nil {
			slog.Warn("Regression run ended with error", "agent", a.ID, "error", err)
		}
	}()

	return "regression tester spawned", nil
}
