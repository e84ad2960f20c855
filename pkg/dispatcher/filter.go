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
	"fmt"
	"strings"

	"github.com/hanibalsk/orchestrate/pkg/config"
)

// EventAttributes are the fields filters evaluate, extracted per event type.
type EventAttributes struct {
	BaseBranch string
	IsFork     bool
	Conclusion string
	Labels     []string
	Author     string
	Paths      []string
}

// Allow evaluates a filter against event attributes. Conditions combine with
// AND; list-valued conditions are OR within the list. A nil filter allows
// everything. The returned reason names the first failing condition.
func Allow(f *config.FilterConfig, attrs EventAttributes) (bool, string) {
	if f == nil {
		return true, ""
	}

	if len(f.BaseBranch) > 0 && !contains(f.BaseBranch, attrs.BaseBranch) {
		return false, fmt.Sprintf("base branch %q not allowed", attrs.BaseBranch)
	}
	if f.SkipForks && attrs.IsFork {
		return false, "fork"
	}
	if len(f.Conclusion) > 0 && !contains(f.Conclusion, attrs.Conclusion) {
		return false, fmt.Sprintf("conclusion %q not allowed", attrs.Conclusion)
	}
	if len(f.Labels) > 0 && !intersects(f.Labels, attrs.Labels) {
		return false, "no matching label"
	}
	if len(f.Author) > 0 && !contains(f.Author, attrs.Author) {
		return false, fmt.Sprintf("author %q not allowed", attrs.Author)
	}
	if len(f.Paths) > 0 && !anyPathMatches(f.Paths, attrs.Paths) {
		return false, "no matching changed path"
	}

	return true, ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func intersects(want, have []string) bool {
	for _, w := range want {
		if contains(have, w) {
			return true
		}
	}
	return false
}

// anyPathMatches treats filter entries as prefixes, the common case for
// directory-scoped filters ("docs/", "services/api/").
func anyPathMatches(prefixes, paths []string) bool {
	for _, p := range paths {
		for _, prefix := range prefixes {
			if strings.HasPrefix(p, prefix) {
				return true
			}
		}
	}
	return false
}
