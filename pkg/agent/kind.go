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

package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hanibalsk/orchestrate/pkg/config"
	"github.com/hanibalsk/orchestrate/pkg/tool"
)

// Built-in agent kind names.
const (
	KindStoryDeveloper   = "story_developer"
	KindCodeReviewer     = "code_reviewer"
	KindPRShepherd       = "pr_shepherd"
	KindIssueFixer       = "issue_fixer"
	KindConflictResolver = "conflict_resolver"
	KindPRController     = "pr_controller"
	KindExplorer         = "explorer"
	KindIssueTriager     = "issue_triager"
)

// Kind declares what an agent of this kind may do. Kind determines the
// default turn budget and the tool allow-list; it does not affect the state
// machine.
type Kind struct {
	Name         string
	MaxTurns     int
	AllowedTools []string
	TaskTemplate string
}

// Allow returns the tool predicate for this kind.
func (k *Kind) Allow() tool.Predicate {
	return tool.StringPredicate(k.AllowedTools)
}

var readOnlyTools = []string{"read_file", "search", "list_files", "git_log"}

var editTools = append([]string{"write_file", "run_command", "git_commit", "git_push"}, readOnlyTools...)

var reviewTools = append([]string{"pr_comment", "pr_review"}, readOnlyTools...)

func builtinKinds() map[string]*Kind {
	return map[string]*Kind{
		KindStoryDeveloper:   {Name: KindStoryDeveloper, MaxTurns: 40, AllowedTools: editTools},
		KindCodeReviewer:     {Name: KindCodeReviewer, MaxTurns: 20, AllowedTools: reviewTools},
		KindPRShepherd:       {Name: KindPRShepherd, MaxTurns: 60, AllowedTools: append([]string{"pr_merge", "pr_comment", "resolve_thread", "ci_status"}, readOnlyTools...)},
		KindIssueFixer:       {Name: KindIssueFixer, MaxTurns: 30, AllowedTools: editTools},
		KindConflictResolver: {Name: KindConflictResolver, MaxTurns: 30, AllowedTools: append([]string{"git_rebase"}, editTools...)},
		KindPRController:     {Name: KindPRController, MaxTurns: 20, AllowedTools: append([]string{"pr_comment", "resolve_thread", "ci_status"}, readOnlyTools...)},
		KindExplorer:         {Name: KindExplorer, MaxTurns: 15, AllowedTools: readOnlyTools},
		KindIssueTriager:     {Name: KindIssueTriager, MaxTurns: 10, AllowedTools: readOnlyTools},
	}
}

// KindRegistry resolves agent kinds. The set is closed: built-ins plus kinds
// declared in configuration with an explicit allow-list.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// NewKindRegistry creates a registry of built-in kinds merged with
// configuration overrides and additions.
func NewKindRegistry(configured map[string]config.KindConfig) (*KindRegistry, error) {
	kinds := builtinKinds()

	for name, cfg := range configured {
		existing, isBuiltin := kinds[name]
		if !isBuiltin && len(cfg.AllowedTools) == 0 {
			return nil, fmt.Errorf("configured kind %q requires an explicit tool allow-list", name)
		}

		k := &Kind{Name: name}
		if isBuiltin {
			*k = *existing
		}
		if cfg.MaxTurns > 0 {
			k.MaxTurns = cfg.MaxTurns
		}
		if len(cfg.AllowedTools) > 0 {
			k.AllowedTools = cfg.AllowedTools
		}
		if cfg.TaskTemplate != "" {
			k.TaskTemplate = cfg.TaskTemplate
		}
		kinds[name] = k
	}

	return &KindRegistry{kinds: kinds}, nil
}

// Get resolves a kind by name.
func (r *KindRegistry) Get(name string) (*Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent kind %q", name)
	}
	return k, nil
}

// Names returns the sorted names of all registered kinds.
func (r *KindRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
