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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// SubprocessRuntime backs agents with an opaque subprocess invoked once per
// turn: the turn request goes to stdin as JSON, the reply comes back on
// stdout as JSON. No assumption is made about what the subprocess does.
type SubprocessRuntime struct {
	command     []string
	turnTimeout time.Duration
}

// NewSubprocessRuntime creates a subprocess-backed runtime.
func NewSubprocessRuntime(command []string, turnTimeout time.Duration) (*SubprocessRuntime, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("runtime command is required")
	}
	return &SubprocessRuntime{command: command, turnTimeout: turnTimeout}, nil
}

func (r *SubprocessRuntime) NextTurn(ctx context.Context, req TurnRequest) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, r.turnTimeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode turn request: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("runtime subprocess failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var reply Reply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("runtime subprocess returned malformed reply: %w", err)
	}
	return &reply, nil
}

// NoopRuntime completes every agent on its first turn. Used for dry runs
// when no runtime command is configured.
type NoopRuntime struct{}

func (NoopRuntime) NextTurn(ctx context.Context, req TurnRequest) (*Reply, error) {
	return &Reply{Text: "No runtime configured; nothing to do. " + CompletionMarker}, nil
}

// Compile-time interface compliance checks
var (
	_ Runtime = (*SubprocessRuntime)(nil)
	_ Runtime = NoopRuntime{}
)
