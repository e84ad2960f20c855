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

	"github.com/mitchellh/mapstructure"
)

// Context is the typed view of an agent's structured metadata. The store
// keeps context as an open map; components that care about specific keys
// decode it through here.
type Context struct {
	PRNumber      int    `mapstructure:"pr_number"`
	Branch        string `mapstructure:"branch"`
	Repository    string `mapstructure:"repository"`
	ParentAgentID string `mapstructure:"parent_agent_id"`
	WorkspaceID   string `mapstructure:"workspace_id"`
	CheckID       int64  `mapstructure:"check_id"`
	HeadSHA       string `mapstructure:"head_sha"`
	IssueNumber   int    `mapstructure:"issue_number"`
	ScheduleName  string `mapstructure:"schedule_name"`

	// ThreadIDs are the review threads a fixer was spawned to address; the
	// shepherd resolves them once the fixer's commit lands.
	ThreadIDs []string `mapstructure:"thread_ids"`
}

// DecodeContext decodes an agent's context map into its typed view. Unknown
// keys are ignored; JSON round-trips turn numbers into float64, which the
// weak decoder converts back.
func DecodeContext(m map[string]interface{}) (*Context, error) {
	var out Context
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build context decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("failed to decode agent context: %w", err)
	}
	return &out, nil
}
