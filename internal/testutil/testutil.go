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

// Package testutil provides fake collaborators shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/hosting"
	"github.com/hanibalsk/orchestrate/pkg/store"
)

// FakePlatform is an in-memory hosting platform.
type FakePlatform struct {
	mu sync.Mutex

	NextNumber int
	PRs        map[int]*hosting.PullRequest
	Reviews    map[int][]*hosting.Review
	Threads    map[int][]*hosting.Thread
	Checks     map[string][]*hosting.CheckRun
	Comments   map[int][]string

	// MergeConflict makes every merge fail with a Conflict error while set.
	MergeConflict bool

	OpenedCount int
	ClosedCount int
	MergedCount int
}

// NewFakePlatform creates an empty fake platform.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		NextNumber: 100,
		PRs:        make(map[int]*hosting.PullRequest),
		Reviews:    make(map[int][]*hosting.Review),
		Threads:    make(map[int][]*hosting.Thread),
		Checks:     make(map[string][]*hosting.CheckRun),
		Comments:   make(map[int][]string),
	}
}

func (f *FakePlatform) OpenPullRequest(ctx context.Context, title, head, base, body string) (*hosting.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pr := &hosting.PullRequest{
		Number:     f.NextNumber,
		Title:      title,
		HeadBranch: head,
		BaseBranch: base,
		HeadSHA:    fmt.Sprintf("sha-%d", f.NextNumber),
		State:      "open",
	}
	f.PRs[pr.Number] = pr
	f.NextNumber++
	f.OpenedCount++
	return pr, nil
}

func (f *FakePlatform) GetPullRequest(ctx context.Context, number int) (*hosting.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.PRs[number]
	if !ok {
		return nil, store.NewError(store.KindNotFound, "no PR #%d", number)
	}
	copied := *pr
	return &copied, nil
}

func (f *FakePlatform) ClosePullRequest(ctx context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PRs[number]; ok {
		pr.State = "closed"
	}
	f.ClosedCount++
	return nil
}

func (f *FakePlatform) ListReviews(ctx context.Context, number int) ([]*hosting.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*hosting.Review(nil), f.Reviews[number]...), nil
}

func (f *FakePlatform) ListThreads(ctx context.Context, number int) ([]*hosting.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*hosting.Thread(nil), f.Threads[number]...), nil
}

func (f *FakePlatform) ResolveThread(ctx context.Context, number int, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.Threads[number] {
		if t.ID == threadID {
			t.Resolved = true
		}
	}
	return nil
}

func (f *FakePlatform) ListCheckRuns(ctx context.Context, headSHA string) ([]*hosting.CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*hosting.CheckRun(nil), f.Checks[headSHA]...), nil
}

func (f *FakePlatform) MergePullRequest(ctx context.Context, number int, commitMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MergeConflict {
		return store.NewError(store.KindConflict, "pull request #%d is not mergeable", number)
	}
	if pr, ok := f.PRs[number]; ok {
		pr.Merged = true
		pr.State = "closed"
	}
	f.MergedCount++
	return nil
}

func (f *FakePlatform) PostComment(ctx context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Comments[number] = append(f.Comments[number], body)
	return nil
}

// AddThread records a review thread on a PR.
func (f *FakePlatform) AddThread(number int, threadID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Threads[number] = append(f.Threads[number], &hosting.Thread{ID: threadID, Body: body})
}

// SetHeadSHA moves a PR's head, simulating a pushed commit.
func (f *FakePlatform) SetHeadSHA(number int, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PRs[number]; ok {
		pr.HeadSHA = sha
	}
}

// Approve records an approving review on a PR.
func (f *FakePlatform) Approve(number int, author string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reviews[number] = append(f.Reviews[number], &hosting.Review{
		Author: author,
		State:  hosting.ReviewApproved,
	})
}

// SetChecks records CI runs for a commit.
func (f *FakePlatform) SetChecks(headSHA string, runs ...*hosting.CheckRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Checks[headSHA] = runs
}

var _ hosting.Platform = (*FakePlatform)(nil)

// FakeGit creates workspace directories without a real repository.
type FakeGit struct {
	mu sync.Mutex

	RemovedBranches []string
	RemoteBranches  map[string]bool
}

func NewFakeGit() *FakeGit {
	return &FakeGit{RemoteBranches: make(map[string]bool)}
}

func (g *FakeGit) AddWorktree(ctx context.Context, path, branch, baseBranch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RemoteBranches[branch] = true
	return os.MkdirAll(filepath.Join(path), 0755)
}

func (g *FakeGit) RemoveWorktree(ctx context.Context, path string, force bool) error {
	return os.RemoveAll(path)
}

func (g *FakeGit) DeleteBranch(ctx context.Context, branch string, force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.RemoteBranches, branch)
	g.RemovedBranches = append(g.RemovedBranches, branch)
	return nil
}

func (g *FakeGit) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.RemoteBranches[branch], nil
}

// ScriptedRuntime replays a fixed sequence of replies. Once the script is
// exhausted it completes.
type ScriptedRuntime struct {
	mu      sync.Mutex
	Replies []*agent.Reply

	// PerKind scripts override Replies for specific agent kinds.
	PerKind map[string][]*agent.Reply

	// Gate, when non-nil, makes every turn block until the test sends a
	// reply, so tests control exactly when an agent finishes.
	Gate chan *agent.Reply

	Turns int
}

func (r *ScriptedRuntime) NextTurn(ctx context.Context, req agent.TurnRequest) (*agent.Reply, error) {
	r.mu.Lock()
	gate := r.Gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case reply := <-gate:
			return reply, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Turns++

	if script, ok := r.PerKind[req.Kind]; ok && len(script) > 0 {
		reply := script[0]
		r.PerKind[req.Kind] = script[1:]
		return reply, nil
	}

	if len(r.Replies) > 0 {
		reply := r.Replies[0]
		r.Replies = r.Replies[1:]
		return reply, nil
	}
	return &agent.Reply{Text: "done " + agent.CompletionMarker}, nil
}

var _ agent.Runtime = (*ScriptedRuntime)(nil)
