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
	"encoding/json"
	"fmt"
)

// Webhook event types the dispatcher routes.
const (
	EventPullRequest       = "pull_request"
	EventPullRequestReview = "pull_request_review"
	EventCheckRun          = "check_run"
	EventIssues            = "issues"
	EventPush              = "push"
	EventPing              = "ping"
)

// Common actions.
const (
	ActionOpened    = "opened"
	ActionCompleted = "completed"
	ActionSubmitted = "submitted"
)

// ghUser is the minimal user shape from webhook payloads.
type ghUser struct {
	Login string `json:"login"`
}

// ghRepo is the minimal repository shape from webhook payloads.
type ghRepo struct {
	FullName      string `json:"full_name"`
	Fork          bool   `json:"fork"`
	DefaultBranch string `json:"default_branch"`
}

// ghLabel is a PR or issue label.
type ghLabel struct {
	Name string `json:"name"`
}

// ghPullRequest is the minimal PR shape from webhook payloads.
type ghPullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Merged bool   `json:"merged"`
	Head   struct {
		Ref  string `json:"ref"`
		SHA  string `json:"sha"`
		Repo ghRepo `json:"repo"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	User   ghUser    `json:"user"`
	Labels []ghLabel `json:"labels"`
}

// PullRequestPayload is the pull_request webhook payload.
type PullRequestPayload struct {
	Action      string        `json:"action"`
	PullRequest ghPullRequest `json:"pull_request"`
	Repository  ghRepo        `json:"repository"`
	Sender      ghUser        `json:"sender"`
}

// ReviewPayload is the pull_request_review webhook payload.
type ReviewPayload struct {
	Action string `json:"action"`
	Review struct {
		State string `json:"state"`
		User  ghUser `json:"user"`
	} `json:"review"`
	PullRequest ghPullRequest `json:"pull_request"`
}

// CheckRunPayload is the check_run webhook payload.
type CheckRunPayload struct {
	Action   string `json:"action"`
	CheckRun struct {
		ID           int64  `json:"id"`
		Name         string `json:"name"`
		HeadSHA      string `json:"head_sha"`
		Status       string `json:"status"`
		Conclusion   string `json:"conclusion"`
		PullRequests []struct {
			Number int `json:"number"`
		} `json:"pull_requests"`
	} `json:"check_run"`
	Repository ghRepo `json:"repository"`
}

// IssuePayload is the issues webhook payload.
type IssuePayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int       `json:"number"`
		Title  string    `json:"title"`
		Body   string    `json:"body"`
		User   ghUser    `json:"user"`
		Labels []ghLabel `json:"labels"`
	} `json:"issue"`
	Repository ghRepo `json:"repository"`
}

// PushPayload is the push webhook payload.
type PushPayload struct {
	Ref     string `json:"ref"`
	Pusher  ghUser `json:"pusher"`
	Commits []struct {
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
	Repository ghRepo `json:"repository"`
}

// decodePayload unmarshals a stored payload into its typed shape.
func decodePayload(payload string, v interface{}) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// extractAction pulls the "action" field so ingress can store it alongside
// the event type for routing. Events without one (push) yield "".
func extractAction(payload []byte) string {
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Action
}
