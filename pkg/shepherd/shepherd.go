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

// Package shepherd drives an open pull request to merge or failure.
//
// A shepherd is a controller agent: it owns no workspace and holds no live
// handles to its children. Its tick is driven entirely by dispatcher events
// plus a watchdog that re-checks the PR when nothing arrived for a while.
// Child agents (issue fixers, conflict resolvers) publish completion events
// that the dispatcher routes back; the shepherd is the sole coordinator of
// the active PR row.
package shepherd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/hosting"
	"github.com/hanibalsk/orchestrate/pkg/store"
)

// SignalType identifies what woke the shepherd.
type SignalType string

const (
	// SignalCheckCompleted is a finished CI run on the PR's head.
	SignalCheckCompleted SignalType = "check_completed"

	// SignalReviewSubmitted is a submitted PR review.
	SignalReviewSubmitted SignalType = "review_submitted"

	// SignalChildCompleted is a terminal child agent, routed back through the
	// dispatcher.
	SignalChildCompleted SignalType = "child_completed"

	// SignalRecheck is the watchdog or an operator asking for re-evaluation.
	SignalRecheck SignalType = "recheck"

	// SignalClose is an operator closing the PR.
	SignalClose SignalType = "close"
)

// Signal is one event delivered to a shepherd.
type Signal struct {
	Type SignalType

	// CheckCompleted fields.
	CheckID    int64
	HeadSHA    string
	Conclusion string

	// ReviewSubmitted fields.
	ReviewState  string
	ReviewAuthor string

	// ChildCompleted fields.
	ChildAgentID string
	ChildKind    string
	ChildState   store.AgentState

	// DedupKey overrides the natural fixer key for signals without CI
	// coordinates (review feedback).
	DedupKey string

	// ThreadIDs are the unresolved review threads a review-driven fixer
	// must address; the shepherd resolves them after the fix is pushed.
	ThreadIDs []string

	Reason string
}

// Shepherd supervises one active PR until it reaches a terminal status.
type Shepherd struct {
	prNumber int
	agentID  string

	store    *store.Store
	platform hosting.Platform

	maxTurns  int
	autoMerge bool

	signals  chan Signal
	watchdog time.Duration

	// clear reports the terminal status back to the queue, which promotes
	// the next entry.
	clear func(ctx context.Context, prNumber int, to store.PRStatus) error

	// spawnChild starts a helper agent and arranges for its completion to be
	// routed back as a SignalChildCompleted.
	spawnChild func(ctx context.Context, prNumber int, kind, task string, agentCtx map[string]interface{}) error

	done chan struct{}
}

// Deliver hands a signal to the shepherd. Returns false once the shepherd
// has shut down.
func (s *Shepherd) Deliver(sig Signal) bool {
	select {
	case s.signals <- sig:
		return true
	case <-s.done:
		return false
	}
}

// run is the shepherd's event loop.
func (s *Shepherd) run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.watchdog)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-s.signals:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.watchdog)

			terminal := s.handle(ctx, sig)
			if terminal {
				return
			}
		case <-timer.C:
			timer.Reset(s.watchdog)
			if s.handle(ctx, Signal{Type: SignalRecheck, Reason: "watchdog"}) {
				return
			}
		}
	}
}

// handle applies one signal to the PR state machine. Returns true when the
// PR reached a terminal status and the shepherd should stop.
func (s *Shepherd) handle(ctx context.Context, sig Signal) bool {
	pr, err := s.store.GetActivePRByNumber(ctx, s.prNumber)
	if err != nil {
		slog.Warn("Shepherd failed to load its PR", "pr", s.prNumber, "error", err)
		return false
	}
	if pr == nil {
		// Already terminal (operator action or a competing transition).
		s.finishAgent(ctx, store.AgentCompleted, "")
		return true
	}

	if s.overBudget(ctx, sig) {
		s.fail(ctx, "shepherd turn budget exceeded")
		return true
	}

	switch sig.Type {
	case SignalClose:
		if err := s.clear(ctx, s.prNumber, store.PRClosed); err != nil {
			slog.Warn("Shepherd failed to close PR", "pr", s.prNumber, "error", err)
			return false
		}
		s.finishAgent(ctx, store.AgentCompleted, "")
		return true

	case SignalCheckCompleted:
		return s.handleCheck(ctx, pr, sig)

	case SignalReviewSubmitted:
		return s.handleReview(ctx, pr, sig)

	case SignalChildCompleted:
		return s.handleChildDone(ctx, pr, sig)

	case SignalRecheck:
		return s.recheck(ctx, pr)
	}

	return false
}

func (s *Shepherd) handleCheck(ctx context.Context, pr *store.ActivePR, sig Signal) bool {
	// First CI activity moves a freshly opened PR onto the CI side track.
	if pr.Status == store.PROpened {
		if err := s.store.TransitionActivePR(ctx, s.prNumber,
			[]store.PRStatus{store.PROpened}, store.PRWaitingForCI); err != nil {
			slog.Warn("Shepherd transition failed", "pr", s.prNumber, "error", err)
			return false
		}
		pr.Status = store.PRWaitingForCI
	}

	switch sig.Conclusion {
	case hosting.CheckSuccess:
		return s.evaluateMerge(ctx, pr)

	case hosting.CheckFailure, hosting.CheckTimedOut:
		if pr.Status != store.PRWaitingForCI && pr.Status != store.PRReviewing {
			return false
		}
		s.startFixer(ctx, pr, sig)
		return false
	}

	return false
}

func (s *Shepherd) handleReview(ctx context.Context, pr *store.ActivePR, sig Signal) bool {
	switch sig.ReviewState {
	case hosting.ReviewApproved:
		return s.evaluateMerge(ctx, pr)

	case hosting.ReviewChangesRequested, hosting.ReviewCommented:
		if pr.Status != store.PRReviewing && pr.Status != store.PRWaitingForCI && pr.Status != store.PROpened {
			return false
		}
		threads, err := s.platform.ListThreads(ctx, s.prNumber)
		if err != nil {
			slog.Warn("Shepherd failed to list threads", "pr", s.prNumber, "error", err)
			return false
		}
		var unresolved []string
		for _, t := range threads {
			if !t.Resolved {
				unresolved = append(unresolved, t.ID)
			}
		}
		if len(unresolved) == 0 {
			return false
		}
		s.startFixer(ctx, pr, Signal{
			Type:      SignalReviewSubmitted,
			DedupKey:  fmt.Sprintf("review-fix:%d:%s", s.prNumber, unresolved[0]),
			ThreadIDs: unresolved,
			Reason:    fmt.Sprintf("%d unresolved review threads", len(unresolved)),
		})
		return false
	}
	return false
}

func (s *Shepherd) handleChildDone(ctx context.Context, pr *store.ActivePR, sig Signal) bool {
	if sig.ChildState == store.AgentFailed {
		// A fixer that cannot fix is unrecoverable for this PR.
		if err := s.clear(ctx, s.prNumber, store.PRFailed); err != nil {
			slog.Warn("Shepherd failed to fail PR", "pr", s.prNumber, "error", err)
			return false
		}
		s.finishAgent(ctx, store.AgentFailed, fmt.Sprintf("child %s failed", sig.ChildAgentID))
		return true
	}

	if sig.ChildState == store.AgentCompleted && sig.ChildKind == agent.KindIssueFixer {
		s.resolveAddressedThreads(ctx, sig.ChildAgentID)
	}

	// Fixer pushed commits: back onto the CI track for a fresh run.
	if pr.Status == store.PRFixing {
		if err := s.store.TransitionActivePR(ctx, s.prNumber,
			[]store.PRStatus{store.PRFixing}, store.PRWaitingForCI); err != nil {
			slog.Warn("Shepherd transition failed", "pr", s.prNumber, "error", err)
		}
	}
	return false
}

// resolveAddressedThreads marks the review threads a completed fixer was
// spawned for as resolved. Only the shepherd does this, and only after a
// commit addressing them was pushed: the PR's head must have moved past the
// SHA recorded when the fixer spawned.
func (s *Shepherd) resolveAddressedThreads(ctx context.Context, fixerID string) {
	child, err := s.store.GetAgent(ctx, fixerID)
	if err != nil {
		slog.Warn("Shepherd failed to load completed fixer", "agent", fixerID, "error", err)
		return
	}
	childCtx, err := agent.DecodeContext(child.Context)
	if err != nil {
		slog.Warn("Shepherd failed to decode fixer context", "agent", fixerID, "error", err)
		return
	}
	if len(childCtx.ThreadIDs) == 0 {
		return
	}

	remote, err := s.platform.GetPullRequest(ctx, s.prNumber)
	if err != nil {
		slog.Warn("Shepherd failed to fetch PR for thread resolution", "pr", s.prNumber, "error", err)
		return
	}
	if remote.HeadSHA == childCtx.HeadSHA {
		slog.Warn("Fixer completed without pushing a commit, leaving threads unresolved",
			"pr", s.prNumber, "agent", fixerID)
		return
	}

	for _, threadID := range childCtx.ThreadIDs {
		if err := s.platform.ResolveThread(ctx, s.prNumber, threadID); err != nil {
			slog.Warn("Shepherd failed to resolve thread",
				"pr", s.prNumber, "thread", threadID, "error", err)
			continue
		}
		slog.Info("Review thread resolved", "pr", s.prNumber, "thread", threadID)
	}
}

// recheck re-evaluates the PR from platform state; used by the watchdog and
// after restarts.
func (s *Shepherd) recheck(ctx context.Context, pr *store.ActivePR) bool {
	remote, err := s.platform.GetPullRequest(ctx, s.prNumber)
	if err != nil {
		slog.Warn("Shepherd recheck failed to fetch PR", "pr", s.prNumber, "error", err)
		return false
	}

	if remote.Merged {
		if err := s.clear(ctx, s.prNumber, store.PRMerged); err != nil {
			slog.Warn("Shepherd failed to record merge", "pr", s.prNumber, "error", err)
			return false
		}
		s.finishAgent(ctx, store.AgentCompleted, "")
		return true
	}
	if remote.State == "closed" {
		if err := s.clear(ctx, s.prNumber, store.PRClosed); err != nil {
			slog.Warn("Shepherd failed to record close", "pr", s.prNumber, "error", err)
			return false
		}
		s.finishAgent(ctx, store.AgentCompleted, "")
		return true
	}

	runs, err := s.platform.ListCheckRuns(ctx, remote.HeadSHA)
	if err != nil {
		slog.Warn("Shepherd recheck failed to fetch checks", "pr", s.prNumber, "error", err)
		return false
	}

	allGreen := len(runs) > 0
	for _, run := range runs {
		switch run.Conclusion {
		case hosting.CheckFailure, hosting.CheckTimedOut:
			return s.handleCheck(ctx, pr, Signal{
				Type:       SignalCheckCompleted,
				CheckID:    run.ID,
				HeadSHA:    run.HeadSHA,
				Conclusion: run.Conclusion,
			})
		case hosting.CheckSuccess:
		default:
			allGreen = false
		}
	}

	if allGreen {
		return s.evaluateMerge(ctx, pr)
	}
	return false
}

// evaluateMerge merges when CI is green and an approving review is present
// (or the auto-merge knob is on). Without approval the PR settles in
// Reviewing to await one.
func (s *Shepherd) evaluateMerge(ctx context.Context, pr *store.ActivePR) bool {
	approved, err := s.hasApproval(ctx)
	if err != nil {
		slog.Warn("Shepherd failed to list reviews", "pr", s.prNumber, "error", err)
		return false
	}

	if !approved && !s.autoMerge {
		if pr.Status == store.PRWaitingForCI || pr.Status == store.PROpened {
			if err := s.store.TransitionActivePR(ctx, s.prNumber,
				[]store.PRStatus{store.PRWaitingForCI, store.PROpened}, store.PRReviewing); err != nil {
				slog.Warn("Shepherd transition failed", "pr", s.prNumber, "error", err)
			}
		}
		return false
	}

	if err := s.store.TransitionActivePR(ctx, s.prNumber,
		[]store.PRStatus{store.PRWaitingForCI, store.PRReviewing, store.PROpened}, store.PRMerging); err != nil {
		slog.Warn("Shepherd could not enter merging", "pr", s.prNumber, "error", err)
		return false
	}

	mergeErr := s.platform.MergePullRequest(ctx, s.prNumber, "")
	if mergeErr == nil {
		if err := s.clear(ctx, s.prNumber, store.PRMerged); err != nil {
			slog.Warn("Shepherd failed to record merge", "pr", s.prNumber, "error", err)
			return false
		}
		slog.Info("Active PR merged", "pr", s.prNumber)
		s.finishAgent(ctx, store.AgentCompleted, "")
		return true
	}

	if store.IsConflict(mergeErr) {
		if err := s.store.TransitionActivePR(ctx, s.prNumber,
			[]store.PRStatus{store.PRMerging}, store.PRFixing); err != nil {
			slog.Warn("Shepherd transition failed", "pr", s.prNumber, "error", err)
			return false
		}
		s.spawnResolver(ctx)
		return false
	}

	slog.Warn("Merge failed", "pr", s.prNumber, "error", mergeErr)
	if err := s.store.TransitionActivePR(ctx, s.prNumber,
		[]store.PRStatus{store.PRMerging}, store.PRWaitingForCI); err != nil {
		slog.Warn("Shepherd transition failed", "pr", s.prNumber, "error", err)
	}
	return false
}

func (s *Shepherd) hasApproval(ctx context.Context) (bool, error) {
	reviews, err := s.platform.ListReviews(ctx, s.prNumber)
	if err != nil {
		return false, err
	}
	for _, r := range reviews {
		if r.State == hosting.ReviewApproved {
			return true, nil
		}
	}
	return false, nil
}

// startFixer spawns an issue_fixer keyed by (check_id, head_sha, pr_number)
// so a redelivered webhook never produces a second fixer.
func (s *Shepherd) startFixer(ctx context.Context, pr *store.ActivePR, sig Signal) {
	key := sig.DedupKey
	if key == "" {
		key = fmt.Sprintf("fixer:%d:%s:%d", sig.CheckID, sig.HeadSHA, s.prNumber)
	}
	fresh, err := s.store.InsertDedupKey(ctx, key)
	if err != nil {
		slog.Warn("Shepherd dedup check failed", "pr", s.prNumber, "error", err)
		return
	}
	if !fresh {
		slog.Debug("Duplicate fixer suppressed", "pr", s.prNumber, "key", key)
		return
	}

	if err := s.store.TransitionActivePR(ctx, s.prNumber,
		[]store.PRStatus{store.PRWaitingForCI, store.PRReviewing, store.PROpened}, store.PRFixing); err != nil {
		slog.Warn("Shepherd transition failed", "pr", s.prNumber, "error", err)
		return
	}

	task := fmt.Sprintf("Fix the failing checks on pull request #%d.", s.prNumber)
	if sig.Reason != "" {
		task = fmt.Sprintf("Address the review feedback on pull request #%d: %s.", s.prNumber, sig.Reason)
	}

	// The head SHA at spawn is the baseline: threads are resolved only once
	// a commit has moved the PR past it.
	baseline := sig.HeadSHA
	if baseline == "" {
		if remote, err := s.platform.GetPullRequest(ctx, s.prNumber); err == nil {
			baseline = remote.HeadSHA
		}
	}

	agentCtx := map[string]interface{}{
		"pr_number": s.prNumber,
		"check_id":  sig.CheckID,
		"head_sha":  baseline,
	}
	if len(sig.ThreadIDs) > 0 {
		agentCtx["thread_ids"] = sig.ThreadIDs
	}
	if err := s.spawnChild(ctx, s.prNumber, agent.KindIssueFixer, task, agentCtx); err != nil {
		slog.Warn("Shepherd failed to spawn fixer", "pr", s.prNumber, "error", err)
	}
}

func (s *Shepherd) spawnResolver(ctx context.Context) {
	task := fmt.Sprintf("Resolve the merge conflict on pull request #%d against its base branch.", s.prNumber)
	agentCtx := map[string]interface{}{"pr_number": s.prNumber}
	if err := s.spawnChild(ctx, s.prNumber, agent.KindConflictResolver, task, agentCtx); err != nil {
		slog.Warn("Shepherd failed to spawn conflict resolver", "pr", s.prNumber, "error", err)
	}
}

// overBudget records the signal on the shepherd's transcript and enforces
// the turn budget.
func (s *Shepherd) overBudget(ctx context.Context, sig Signal) bool {
	if err := s.store.AppendMessage(ctx, &store.Message{
		AgentID: s.agentID,
		Role:    store.RoleSystem,
		Content: fmt.Sprintf("signal %s conclusion=%s review=%s child=%s reason=%s",
			sig.Type, sig.Conclusion, sig.ReviewState, sig.ChildAgentID, sig.Reason),
	}); err != nil {
		slog.Warn("Shepherd failed to record signal", "pr", s.prNumber, "error", err)
	}

	n, err := s.store.MessageCount(ctx, s.agentID)
	if err != nil {
		return false
	}
	return s.maxTurns > 0 && n > s.maxTurns
}

func (s *Shepherd) fail(ctx context.Context, reason string) {
	if err := s.clear(ctx, s.prNumber, store.PRFailed); err != nil {
		slog.Warn("Shepherd failed to fail PR", "pr", s.prNumber, "error", err)
	}
	s.finishAgent(ctx, store.AgentFailed, reason)
}

// finishAgent moves the shepherd's own agent row to a terminal state.
func (s *Shepherd) finishAgent(ctx context.Context, to store.AgentState, errorText string) {
	err := s.store.TransitionAgent(ctx, s.agentID,
		[]store.AgentState{store.AgentCreated, store.AgentInitializing, store.AgentRunning,
			store.AgentWaitingForExternal, store.AgentPaused}, to, errorText)
	if err != nil && !store.IsConflict(err) {
		slog.Warn("Shepherd failed to finish its agent row", "agent", s.agentID, "error", err)
	}
}
