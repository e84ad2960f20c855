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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
storage:
  path: ":memory:"
github:
  owner: acme
  repo: widget
webhook:
  secret: "${TEST_WEBHOOK_SECRET}"
workspaces:
  repo_path: /srv/widget
`

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "s3cret")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.Equal(t, ":memory:", cfg.Storage.Path)
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "s3cret")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Pools.DispatcherWorkers)
	assert.Equal(t, 3, cfg.Pools.ShepherdPool)
	assert.Equal(t, 8, cfg.Pools.AgentCap)
	assert.Equal(t, "main", cfg.Workspaces.BaseBranch)
	assert.Equal(t, 5, cfg.Webhook.MaxRetries)
}

func TestParseRejectsMissingSecret(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "")
	t.Setenv("ORCHESTRATE_WEBHOOK_SECRET", "")

	_, err := Parse([]byte(minimalYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}

func TestParseEventFilters(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "s3cret")

	yaml := `
storage:
  path: ":memory:"
github:
  owner: acme
  repo: widget
workspaces:
  repo_path: /srv/widget
webhook:
  secret: "${TEST_WEBHOOK_SECRET}"
  events:
    pull_request.opened:
      agent: pr_shepherd
      filter:
        base_branch: [main]
        skip_forks: true
    check_run.completed:
      agent: issue_fixer
      filter:
        conclusion: [failure, timed_out]
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	entry, ok := cfg.Webhook.Events["pull_request.opened"]
	require.True(t, ok)
	assert.Equal(t, "pr_shepherd", entry.Agent)
	require.NotNil(t, entry.Filter)
	assert.Equal(t, []string{"main"}, entry.Filter.BaseBranch)
	assert.True(t, entry.Filter.SkipForks)

	check, ok := cfg.Webhook.Events["check_run.completed"]
	require.True(t, ok)
	assert.Equal(t, []string{"failure", "timed_out"}, check.Filter.Conclusion)
}

func TestEventEntryRequiresAgent(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "s3cret")

	yaml := `
storage:
  path: ":memory:"
github:
  owner: acme
  repo: widget
workspaces:
  repo_path: /srv/widget
webhook:
  secret: "${TEST_WEBHOOK_SECRET}"
  events:
    pull_request.opened:
      filter:
        skip_forks: true
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent label")
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("EXPAND_A", "value-a")
	t.Setenv("EXPAND_N", "42")

	in := map[string]interface{}{
		"plain":   "untouched",
		"braced":  "${EXPAND_A}",
		"number":  "${EXPAND_N}",
		"missing": "${EXPAND_UNSET:-fallback}",
		"nested":  map[string]interface{}{"inner": "$EXPAND_A"},
		"list":    []interface{}{"${EXPAND_A}"},
	}

	out := ExpandEnvVarsInData(in).(map[string]interface{})
	assert.Equal(t, "untouched", out["plain"])
	assert.Equal(t, "value-a", out["braced"])
	assert.Equal(t, 42, out["number"])
	assert.Equal(t, "fallback", out["missing"])
	assert.Equal(t, "value-a", out["nested"].(map[string]interface{})["inner"])
	assert.Equal(t, "value-a", out["list"].([]interface{})[0])
}

func TestConfiguredKindValidation(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "s3cret")

	yaml := minimalYAML + `
agents:
  custom_bot:
    max_turns: -1
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_turns")
}
