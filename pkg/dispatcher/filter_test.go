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

package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hanibalsk/orchestrate/pkg/config"
)

func TestAllowNilFilter(t *testing.T) {
	ok, reason := Allow(nil, EventAttributes{BaseBranch: "main", IsFork: true})
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestAllowConditionsCombineWithAND(t *testing.T) {
	f := &config.FilterConfig{
		BaseBranch: []string{"main", "develop"},
		SkipForks:  true,
		Labels:     []string{"auto"},
	}

	tests := []struct {
		name  string
		attrs EventAttributes
		want  bool
	}{
		{"all pass", EventAttributes{BaseBranch: "main", Labels: []string{"auto", "bug"}}, true},
		{"second branch passes", EventAttributes{BaseBranch: "develop", Labels: []string{"auto"}}, true},
		{"wrong branch", EventAttributes{BaseBranch: "feature", Labels: []string{"auto"}}, false},
		{"fork dropped", EventAttributes{BaseBranch: "main", IsFork: true, Labels: []string{"auto"}}, false},
		{"no label overlap", EventAttributes{BaseBranch: "main", Labels: []string{"bug"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := Allow(f, tt.attrs)
			assert.Equal(t, tt.want, ok)
			if !tt.want {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestAllowConclusionList(t *testing.T) {
	f := &config.FilterConfig{Conclusion: []string{"failure", "timed_out"}}

	ok, _ := Allow(f, EventAttributes{Conclusion: "failure"})
	assert.True(t, ok)

	ok, reason := Allow(f, EventAttributes{Conclusion: "success"})
	assert.False(t, ok)
	assert.Contains(t, reason, "conclusion")
}

func TestAllowAuthorList(t *testing.T) {
	f := &config.FilterConfig{Author: []string{"dependabot[bot]"}}

	ok, _ := Allow(f, EventAttributes{Author: "dependabot[bot]"})
	assert.True(t, ok)

	ok, _ = Allow(f, EventAttributes{Author: "mallory"})
	assert.False(t, ok)
}

func TestAllowPathPrefixes(t *testing.T) {
	f := &config.FilterConfig{Paths: []string{"services/", "docs/"}}

	ok, _ := Allow(f, EventAttributes{Paths: []string{"services/api/main.go"}})
	assert.True(t, ok)

	ok, _ = Allow(f, EventAttributes{Paths: []string{"README.md"}})
	assert.False(t, ok)
}

func TestExtractAction(t *testing.T) {
	assert.Equal(t, "opened", extractAction([]byte(`{"action":"opened","number":1}`)))
	assert.Equal(t, "", extractAction([]byte(`{"ref":"refs/heads/main"}`)))
	assert.Equal(t, "", extractAction([]byte(`not json`)))
}
