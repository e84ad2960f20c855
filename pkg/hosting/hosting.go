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

// Package hosting is the boundary to the git-hosting platform.
//
// The orchestrator consumes a narrow capability set: open a PR, list reviews
// and threads, resolve a thread, fetch CI runs, merge, comment. Transient
// errors are absorbed here with jittered exponential backoff; everything else
// surfaces to the caller.
package hosting

import (
	"context"
	"time"
)

// PullRequest is the subset of PR state the orchestrator tracks.
type PullRequest struct {
	Number     int
	Title      string
	HeadBranch string
	BaseBranch string
	HeadSHA    string
	State      string
	Merged     bool
	Draft      bool
}

// ReviewState values mirror the platform's review verdicts.
const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
	ReviewCommented        = "commented"
)

// Review is one submitted PR review.
type Review struct {
	ID          int64
	Author      string
	State       string
	Body        string
	SubmittedAt time.Time
}

// Thread is one review conversation on a PR.
type Thread struct {
	ID       string
	Path     string
	Body     string
	Resolved bool
}

// CheckConclusion values the orchestrator reacts to.
const (
	CheckSuccess  = "success"
	CheckFailure  = "failure"
	CheckTimedOut = "timed_out"
)

// CheckRun is one CI run attached to a commit.
type CheckRun struct {
	ID         int64
	Name       string
	HeadSHA    string
	Status     string
	Conclusion string
}

// Platform is the hosting-platform capability set.
type Platform interface {
	// OpenPullRequest opens a PR from head into base and returns it.
	OpenPullRequest(ctx context.Context, title, head, base, body string) (*PullRequest, error)

	// GetPullRequest fetches current PR state.
	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)

	// ClosePullRequest closes a PR without merging.
	ClosePullRequest(ctx context.Context, number int) error

	// ListReviews returns all reviews on a PR.
	ListReviews(ctx context.Context, number int) ([]*Review, error)

	// ListThreads returns review threads on a PR.
	ListThreads(ctx context.Context, number int) ([]*Thread, error)

	// ResolveThread marks a review thread on a PR resolved.
	ResolveThread(ctx context.Context, number int, threadID string) error

	// ListCheckRuns returns CI runs for a commit.
	ListCheckRuns(ctx context.Context, headSHA string) ([]*CheckRun, error)

	// MergePullRequest merges a PR. A merge conflict comes back as a
	// Conflict-kind error.
	MergePullRequest(ctx context.Context, number int, commitMessage string) error

	// PostComment posts a comment on a PR.
	PostComment(ctx context.Context, number int, body string) error
}
