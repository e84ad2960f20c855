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

package hosting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/hanibalsk/orchestrate/pkg/store"
)

// GitHub implements Platform against the GitHub API.
type GitHub struct {
	gh    *github.Client
	owner string
	repo  string

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// GitHubOption configures a GitHub client.
type GitHubOption func(*GitHub)

// WithRetries sets the retry policy for transient failures.
func WithRetries(maxRetries int, baseDelay, maxDelay time.Duration) GitHubOption {
	return func(g *GitHub) {
		g.maxRetries = maxRetries
		g.baseDelay = baseDelay
		g.maxDelay = maxDelay
	}
}

// WithGitHubClient injects an existing *github.Client. Used in tests to point
// at an httptest server.
func WithGitHubClient(gh *github.Client) GitHubOption {
	return func(g *GitHub) {
		g.gh = gh
	}
}

// WithBaseURL points the client at a GitHub Enterprise endpoint.
func WithBaseURL(baseURL string) GitHubOption {
	return func(g *GitHub) {
		if u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/"); err == nil {
			g.gh.BaseURL = u
		}
	}
}

// NewGitHub creates a Platform authenticated with the given token.
func NewGitHub(token, owner, repo string, opts ...GitHubOption) *GitHub {
	g := &GitHub{
		gh:         github.NewClient(nil).WithAuthToken(token),
		owner:      owner,
		repo:       repo,
		maxRetries: 3,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// withRetry runs fn, retrying transient failures with jittered exponential
// backoff. Non-transient failures surface immediately.
func (g *GitHub) withRetry(ctx context.Context, op string, fn func() (*github.Response, error)) error {
	var lastErr error
	delay := g.baseDelay

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			// Full jitter keeps concurrent retries from thundering.
			sleep := time.Duration(rand.Int63n(int64(delay)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			delay *= 2
			if delay > g.maxDelay {
				delay = g.maxDelay
			}
		}

		resp, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(resp, err) {
			return err
		}
		slog.Debug("Retrying transient GitHub failure", "op", op, "attempt", attempt+1, "error", err)
	}

	return store.WrapError(store.KindTransient, lastErr, "%s failed after %d retries", op, g.maxRetries)
}

func isTransient(resp *github.Response, err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	if resp != nil && resp.Response != nil {
		code := resp.StatusCode
		return code >= 500 || code == http.StatusTooManyRequests
	}
	// No HTTP response at all: network-level failure.
	return resp == nil
}

func (g *GitHub) OpenPullRequest(ctx context.Context, title, head, base, body string) (*PullRequest, error) {
	var pr *github.PullRequest
	err := g.withRetry(ctx, "open pull request", func() (*github.Response, error) {
		created, resp, err := g.gh.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
			Title: github.Ptr(title),
			Head:  github.Ptr(head),
			Base:  github.Ptr(base),
			Body:  github.Ptr(body),
		})
		pr = created
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return toPullRequest(pr), nil
}

func (g *GitHub) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	var pr *github.PullRequest
	err := g.withRetry(ctx, "get pull request", func() (*github.Response, error) {
		got, resp, err := g.gh.PullRequests.Get(ctx, g.owner, g.repo, number)
		pr = got
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return toPullRequest(pr), nil
}

func (g *GitHub) ClosePullRequest(ctx context.Context, number int) error {
	return g.withRetry(ctx, "close pull request", func() (*github.Response, error) {
		_, resp, err := g.gh.PullRequests.Edit(ctx, g.owner, g.repo, number, &github.PullRequest{
			State: github.Ptr("closed"),
		})
		return resp, err
	})
}

func (g *GitHub) ListReviews(ctx context.Context, number int) ([]*Review, error) {
	var all []*Review
	opts := &github.ListOptions{PerPage: 100}
	for {
		var reviews []*github.PullRequestReview
		var page *github.Response
		err := g.withRetry(ctx, "list reviews", func() (*github.Response, error) {
			got, resp, err := g.gh.PullRequests.ListReviews(ctx, g.owner, g.repo, number, opts)
			reviews, page = got, resp
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range reviews {
			all = append(all, &Review{
				ID:          r.GetID(),
				Author:      r.GetUser().GetLogin(),
				State:       strings.ToLower(r.GetState()),
				Body:        r.GetBody(),
				SubmittedAt: r.GetSubmittedAt().Time,
			})
		}
		if page == nil || page.NextPage == 0 {
			break
		}
		opts.Page = page.NextPage
	}
	return all, nil
}

func (g *GitHub) ListThreads(ctx context.Context, number int) ([]*Thread, error) {
	var all []*Thread
	opts := &github.PullRequestListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var comments []*github.PullRequestComment
		var page *github.Response
		err := g.withRetry(ctx, "list threads", func() (*github.Response, error) {
			got, resp, err := g.gh.PullRequests.ListComments(ctx, g.owner, g.repo, number, opts)
			comments, page = got, resp
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, c := range comments {
			// Replies share the root comment's thread; only roots count.
			if c.GetInReplyTo() != 0 {
				continue
			}
			all = append(all, &Thread{
				ID:   fmt.Sprintf("%d", c.GetID()),
				Path: c.GetPath(),
				Body: c.GetBody(),
			})
		}
		if page == nil || page.NextPage == 0 {
			break
		}
		opts.Page = page.NextPage
	}
	return all, nil
}

func (g *GitHub) ResolveThread(ctx context.Context, number int, threadID string) error {
	// The REST surface has no thread-resolution endpoint; a reply on the
	// thread is the observable resolution reviewers see.
	id, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return store.NewError(store.KindValidation, "invalid thread id %q", threadID)
	}
	return g.withRetry(ctx, "resolve thread", func() (*github.Response, error) {
		_, resp, err := g.gh.PullRequests.CreateCommentInReplyTo(ctx, g.owner, g.repo, number,
			"Resolved: addressed by a pushed commit.", id)
		return resp, err
	})
}

func (g *GitHub) ListCheckRuns(ctx context.Context, headSHA string) ([]*CheckRun, error) {
	var all []*CheckRun
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var runs *github.ListCheckRunsResults
		var page *github.Response
		err := g.withRetry(ctx, "list check runs", func() (*github.Response, error) {
			got, resp, err := g.gh.Checks.ListCheckRunsForRef(ctx, g.owner, g.repo, headSHA, opts)
			runs, page = got, resp
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range runs.CheckRuns {
			all = append(all, &CheckRun{
				ID:         r.GetID(),
				Name:       r.GetName(),
				HeadSHA:    r.GetHeadSHA(),
				Status:     r.GetStatus(),
				Conclusion: r.GetConclusion(),
			})
		}
		if page == nil || page.NextPage == 0 {
			break
		}
		opts.Page = page.NextPage
	}
	return all, nil
}

func (g *GitHub) MergePullRequest(ctx context.Context, number int, commitMessage string) error {
	err := g.withRetry(ctx, "merge pull request", func() (*github.Response, error) {
		result, resp, err := g.gh.PullRequests.Merge(ctx, g.owner, g.repo, number, commitMessage,
			&github.PullRequestOptions{MergeMethod: "squash"})
		if err == nil && result != nil && !result.GetMerged() {
			return resp, fmt.Errorf("merge was not performed: %s", result.GetMessage())
		}
		return resp, err
	})
	if err == nil {
		return nil
	}

	// 405 means the PR is not mergeable (conflict); the shepherd spawns a
	// conflict resolver rather than retrying.
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil &&
		(ghErr.Response.StatusCode == http.StatusMethodNotAllowed || ghErr.Response.StatusCode == http.StatusConflict) {
		return store.WrapError(store.KindConflict, err, "pull request #%d is not mergeable", number)
	}
	return err
}

func (g *GitHub) PostComment(ctx context.Context, number int, body string) error {
	return g.withRetry(ctx, "post comment", func() (*github.Response, error) {
		_, resp, err := g.gh.Issues.CreateComment(ctx, g.owner, g.repo, number, &github.IssueComment{
			Body: github.Ptr(body),
		})
		return resp, err
	})
}

func toPullRequest(pr *github.PullRequest) *PullRequest {
	if pr == nil {
		return nil
	}
	return &PullRequest{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		HeadSHA:    pr.GetHead().GetSHA(),
		State:      pr.GetState(),
		Merged:     pr.GetMerged(),
		Draft:      pr.GetDraft(),
	}
}

// Compile-time interface compliance check
var _ Platform = (*GitHub)(nil)
