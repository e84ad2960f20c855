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

// Package tool defines the capability-gated tool executor agents call
// through.
//
// Tools are opaque capabilities (run a command, read a file, post a comment).
// Each agent kind declares a closed allow-list; the executor refuses anything
// outside it. Invocations and results are logged by the lifecycle manager as
// transcript messages around each execution.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is a named capability an agent can invoke.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description returns a human-readable description of what the tool does.
	Description() string

	// Call executes the tool with the given arguments and returns its text
	// output. Errors are returned to the agent, which decides whether to
	// recover.
	Call(ctx context.Context, args map[string]interface{}) (string, error)
}

// Predicate determines whether a tool is available to an agent.
type Predicate func(t Tool) bool

// StringPredicate creates a Predicate that allows only named tools.
func StringPredicate(allowedTools []string) Predicate {
	allowed := make(map[string]bool, len(allowedTools))
	for _, name := range allowedTools {
		allowed[name] = true
	}

	return func(t Tool) bool {
		return allowed[t.Name()]
	}
}

// AllowAll returns a Predicate that allows all tools.
func AllowAll() Predicate {
	return func(t Tool) bool {
		return true
	}
}

// DenyAll returns a Predicate that denies all tools.
func DenyAll() Predicate {
	return func(t Tool) bool {
		return false
	}
}

// Combine combines multiple predicates with AND logic.
func Combine(predicates ...Predicate) Predicate {
	return func(t Tool) bool {
		for _, p := range predicates {
			if !p(t) {
				return false
			}
		}
		return true
	}
}

// Registry holds the tools known to the orchestrator.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q is already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the sorted names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Result is the outcome of one gated execution.
type Result struct {
	Content string
	Error   string
}

// IsError reports whether the execution failed.
func (r Result) IsError() bool {
	return r.Error != ""
}

// Executor executes named tools within an allow-list.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute runs a named tool if the predicate admits it. Refusals and missing
// tools come back as error results rather than Go errors: they are part of
// the agent's conversation, not infrastructure failures.
func (e *Executor) Execute(ctx context.Context, allow Predicate, name string, args map[string]interface{}) Result {
	t, ok := e.registry.Get(name)
	if !ok {
		return Result{Error: fmt.Sprintf("unknown tool %q", name)}
	}
	if !allow(t) {
		return Result{Error: fmt.Sprintf("tool %q is not allowed for this agent kind", name)}
	}

	content, err := t.Call(ctx, args)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Content: content}
}

// FuncTool adapts a function into a Tool.
type FuncTool struct {
	name        string
	description string
	fn          func(ctx context.Context, args map[string]interface{}) (string, error)
}

// NewFunc creates a tool backed by a function.
func NewFunc(name, description string, fn func(ctx context.Context, args map[string]interface{}) (string, error)) *FuncTool {
	return &FuncTool{name: name, description: description, fn: fn}
}

func (t *FuncTool) Name() string        { return t.name }
func (t *FuncTool) Description() string { return t.description }

func (t *FuncTool) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	return t.fn(ctx, args)
}

// Compile-time interface compliance check
var _ Tool = (*FuncTool)(nil)
