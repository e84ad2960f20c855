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

package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanibalsk/orchestrate/internal/testutil"
	"github.com/hanibalsk/orchestrate/pkg/store"
	"github.com/hanibalsk/orchestrate/pkg/workspace"
)

func setup(t *testing.T) (*workspace.Registry, *store.Store, *testutil.FakeGit, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()
	git := testutil.NewFakeGit()
	return workspace.NewRegistry(st, git, root, "main"), st, git, root
}

func TestCreateWorkspace(t *testing.T) {
	r, _, _, root := setup(t)
	ctx := context.Background()

	w, err := r.Create(ctx, "featX", "")
	require.NoError(t, err)
	assert.Equal(t, "featX", w.Name)
	assert.Equal(t, "worktree/featX", w.Branch)
	assert.Equal(t, "main", w.BaseBranch)
	assert.Equal(t, store.WorkspaceActive, w.Status)
	assert.Equal(t, filepath.Join(root, "featX"), w.Path)

	_, err = os.Stat(w.Path)
	require.NoError(t, err)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "featX", "")
	require.NoError(t, err)

	_, err = r.Create(ctx, "featX", "")
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
}

func TestRemoveWorkspaceIdempotentCleanup(t *testing.T) {
	r, st, git, _ := setup(t)
	ctx := context.Background()

	w, err := r.Create(ctx, "featX", "")
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, "featX", false))

	_, err = os.Stat(w.Path)
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, git.RemovedBranches, "worktree/featX")

	// The name is free again.
	_, err = r.Create(ctx, "featX", "")
	require.NoError(t, err)

	rows, err := st.ListWorkspaces(ctx, store.WorkspaceFilter{Name: "featX"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRemoveRefusesLiveAgent(t *testing.T) {
	r, st, _, _ := setup(t)
	ctx := context.Background()

	w, err := r.Create(ctx, "featX", "")
	require.NoError(t, err)

	a := &store.Agent{ID: uuid.New().String(), Kind: "story_developer", TaskText: "t"}
	require.NoError(t, st.CreateAgent(ctx, a))
	require.NoError(t, st.AttachAgentWorkspace(ctx, a.ID, w.ID))

	err = r.Remove(ctx, "featX", false)
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))

	// Force removes anyway.
	require.NoError(t, r.Remove(ctx, "featX", true))
}

func TestSweepMarksMissingPathStale(t *testing.T) {
	r, st, _, _ := setup(t)
	ctx := context.Background()

	w, err := r.Create(ctx, "featX", "")
	require.NoError(t, err)

	// Disk vanished behind the registry's back.
	require.NoError(t, os.RemoveAll(w.Path))

	changed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, changed, 1)

	// The sweep marks it stale, then the retry pass reclaims it.
	rows, err := st.ListWorkspaces(ctx, store.WorkspaceFilter{Name: "featX"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.WorkspaceRemoved, rows[0].Status)
}

func TestSweepMarksDeletedRemoteBranchStale(t *testing.T) {
	r, _, git, _ := setup(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "featX", "")
	require.NoError(t, err)

	// Remote branch deleted (e.g. after merge).
	require.NoError(t, git.DeleteBranch(ctx, "worktree/featX", true))

	changed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, changed, 1)

	got, err := r.List(ctx, store.WorkspaceFilter{Name: "featX"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEqual(t, store.WorkspaceActive, got[0].Status)
}
