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

package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git abstracts the git operations the registry needs, so tests substitute a
// fake without touching disk.
type Git interface {
	// AddWorktree creates a worktree at path on a new branch from baseBranch.
	AddWorktree(ctx context.Context, path, branch, baseBranch string) error

	// RemoveWorktree removes the worktree at path. force discards local
	// modifications.
	RemoveWorktree(ctx context.Context, path string, force bool) error

	// DeleteBranch deletes a local branch.
	DeleteBranch(ctx context.Context, branch string, force bool) error

	// RemoteBranchExists reports whether the branch still exists on origin.
	RemoteBranchExists(ctx context.Context, branch string) (bool, error)
}

// ExecGit runs git against a local clone of the managed repository.
type ExecGit struct {
	// RepoPath is the clone worktrees are created from.
	RepoPath string
}

// NewExecGit creates a Git backed by the git binary.
func NewExecGit(repoPath string) *ExecGit {
	return &ExecGit{RepoPath: repoPath}
}

func (g *ExecGit) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.RepoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *ExecGit) AddWorktree(ctx context.Context, path, branch, baseBranch string) error {
	_, err := g.run(ctx, "worktree", "add", "-b", branch, path, baseBranch)
	return err
}

func (g *ExecGit) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := g.run(ctx, args...); err != nil {
		return err
	}
	_, err := g.run(ctx, "worktree", "prune")
	return err
}

func (g *ExecGit) DeleteBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run(ctx, "branch", flag, branch)
	return err
}

func (g *ExecGit) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	out, err := g.run(ctx, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Compile-time interface compliance check
var _ Git = (*ExecGit)(nil)
