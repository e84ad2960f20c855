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
	"context"
	"strings"

	"github.com/hanibalsk/orchestrate/pkg/store"
)

// Reply markers. A runtime signals lifecycle intent by including one of
// these markers in its reply text.
const (
	// CompletionMarker in a reply transitions the agent to Completed.
	CompletionMarker = "[TASK_COMPLETE]"

	// ExternalWaitMarker in a reply durably suspends the agent until an
	// external signal (CI completion, review) wakes it.
	ExternalWaitMarker = "[WAIT_EXTERNAL]"

	// InputWaitMarker in a reply parks the agent until an operator replies.
	InputWaitMarker = "[NEED_INPUT]"
)

// TurnRequest is everything a runtime needs to produce the next turn.
type TurnRequest struct {
	AgentID  string
	Kind     string
	Task     string
	Context  map[string]interface{}
	Messages []*store.Message

	// AvailableTools are the names the agent's kind allows.
	AvailableTools []string
}

// Reply is one assistant turn.
type Reply struct {
	Text      string
	ToolCalls []store.ToolCall

	// Token usage as reported by the runtime. Zero values mean the runtime
	// does not report usage and the manager estimates instead.
	InputTokens  int64
	OutputTokens int64
}

// Completed reports whether the reply carries the completion marker.
func (r *Reply) Completed() bool {
	return strings.Contains(r.Text, CompletionMarker)
}

// WaitsForExternal reports whether the reply carries the external-wait marker.
func (r *Reply) WaitsForExternal() bool {
	return strings.Contains(r.Text, ExternalWaitMarker)
}

// WaitsForInput reports whether the reply carries the input-wait marker.
func (r *Reply) WaitsForInput() bool {
	return strings.Contains(r.Text, InputWaitMarker)
}

// Runtime produces agent turns. Implementations wrap whatever actually backs
// an agent (a subprocess, an API, a scripted fake in tests); the orchestrator
// makes no assumption about the provider. Implementations must honor ctx
// cancellation.
type Runtime interface {
	NextTurn(ctx context.Context, req TurnRequest) (*Reply, error)
}
