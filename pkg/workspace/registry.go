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

// Package workspace manages isolated working copies of the target source
// repository, one per concurrent unit of work.
//
// A workspace is a git worktree on branch worktree/<name>, recorded as a row
// in the state store. Operations on distinct names are independent;
// operations on the same name serialize through the store's live-name unique
// index. Cleanup is idempotent: partial failures park the row at stale for a
// later sweep.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/hanibalsk/orchestrate/pkg/store"
)

// BranchPrefix namespaces every workspace branch.
const BranchPrefix = "worktree/"

// Registry creates, lists, and reclaims workspaces.
type Registry struct {
	store *store.Store
	git   Git

	// root is the directory checkouts are created under.
	root string

	// defaultBase is the branch new workspaces fork from when unspecified.
	defaultBase string
}

// NewRegistry creates a workspace registry.
func NewRegistry(st *store.Store, git Git, root, defaultBase string) *Registry {
	return &Registry{store: st, git: git, root: root, defaultBase: defaultBase}
}

// Create allocates a fresh checkout on branch worktree/<name> from
// baseBranch and records it active. Fails with Conflict when a non-removed
// workspace with that name exists.
func (r *Registry) Create(ctx context.Context, name, baseBranch string) (*store.Workspace, error) {
	if name == "" {
		return nil, store.NewError(store.KindValidation, "workspace name is required")
	}
	if baseBranch == "" {
		baseBranch = r.defaultBase
	}

	w := &store.Workspace{
		ID:         uuid.New().String(),
		Name:       name,
		Path:       filepath.Join(r.root, name),
		Branch:     BranchPrefix + name,
		BaseBranch: baseBranch,
	}

	// Row first: the live-name unique index serializes concurrent creates of
	// the same name before any disk work happens.
	if err := r.store.CreateWorkspace(ctx, w); err != nil {
		return nil, err
	}

	if err := r.git.AddWorktree(ctx, w.Path, w.Branch, baseBranch); err != nil {
		// Leave the row stale for the sweep rather than losing track of a
		// half-created checkout.
		if serr := r.store.SetWorkspaceStatus(ctx, w.ID, store.WorkspaceStale); serr != nil {
			slog.Warn("Failed to mark half-created workspace stale", "workspace", w.Name, "error", serr)
		}
		return nil, store.WrapError(store.KindInfrastructure, err, "failed to create worktree for %s", name)
	}

	return r.store.GetWorkspace(ctx, name)
}

// Get returns the live workspace with the given name.
func (r *Registry) Get(ctx context.Context, name string) (*store.Workspace, error) {
	return r.store.GetWorkspace(ctx, name)
}

// List returns workspaces matching the filter.
func (r *Registry) List(ctx context.Context, filter store.WorkspaceFilter) ([]*store.Workspace, error) {
	return r.store.ListWorkspaces(ctx, filter)
}

// Remove deletes disk artifacts and marks the row removed. Without force, a
// workspace still referenced by a live agent is refused. Idempotent: partial
// failures leave the row stale for the sweep to retry.
func (r *Registry) Remove(ctx context.Context, name string, force bool) error {
	w, err := r.store.GetWorkspace(ctx, name)
	if err != nil {
		return err
	}

	if !force && w.AgentID != "" {
		a, err := r.store.GetAgent(ctx, w.AgentID)
		if err == nil && !a.State.IsTerminal() {
			return store.NewError(store.KindConflict, "workspace %s is held by live agent %s", name, w.AgentID)
		}
	}

	if err := r.cleanDisk(ctx, w, force); err != nil {
		if serr := r.store.SetWorkspaceStatus(ctx, w.ID, store.WorkspaceStale); serr != nil {
			slog.Warn("Failed to mark workspace stale", "workspace", name, "error", serr)
		}
		return store.WrapError(store.KindInfrastructure, err, "failed to remove workspace %s", name)
	}

	return r.store.SetWorkspaceStatus(ctx, w.ID, store.WorkspaceRemoved)
}

func (r *Registry) cleanDisk(ctx context.Context, w *store.Workspace, force bool) error {
	if _, err := os.Stat(w.Path); err == nil {
		if err := r.git.RemoveWorktree(ctx, w.Path, force); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat workspace path: %w", err)
	}

	if err := r.git.DeleteBranch(ctx, w.Branch, force); err != nil {
		// Branch already gone is fine for an idempotent cleanup.
		slog.Debug("Branch delete during cleanup", "branch", w.Branch, "error", err)
	}
	return nil
}

// Sweep reconciles workspace rows with reality: active workspaces whose disk
// path is missing or whose remote branch was deleted become stale, and stale
// workspaces get their cleanup retried. Returns how many rows changed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	changed := 0

	active, err := r.store.ListWorkspaces(ctx, store.WorkspaceFilter{Status: store.WorkspaceActive})
	if err != nil {
		return 0, err
	}
	for _, w := range active {
		stale := false
		if _, err := os.Stat(w.Path); os.IsNotExist(err) {
			stale = true
		} else if exists, err := r.git.RemoteBranchExists(ctx, w.Branch); err == nil && !exists {
			stale = true
		}
		if stale {
			if err := r.store.SetWorkspaceStatus(ctx, w.ID, store.WorkspaceStale); err != nil {
				slog.Warn("Sweep failed to mark workspace stale", "workspace", w.Name, "error", err)
				continue
			}
			changed++
		}
	}

	staleRows, err := r.store.ListWorkspaces(ctx, store.WorkspaceFilter{Status: store.WorkspaceStale})
	if err != nil {
		return changed, err
	}
	for _, w := range staleRows {
		if err := r.cleanDisk(ctx, w, true); err != nil {
			slog.Debug("Sweep retry left workspace stale", "workspace", w.Name, "error", err)
			continue
		}
		if err := r.store.SetWorkspaceStatus(ctx, w.ID, store.WorkspaceRemoved); err != nil {
			slog.Warn("Sweep failed to mark workspace removed", "workspace", w.Name, "error", err)
			continue
		}
		changed++
	}

	return changed, nil
}
