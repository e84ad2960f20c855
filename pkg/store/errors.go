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

package store

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions. The taxonomy is shared
// by every component: dispatcher handlers translate kinds into webhook-event
// status transitions, operator commands into exit codes, shepherds into PR
// state transitions.
type Kind string

const (
	// KindValidation is malformed input. Surfaced to the caller, never retried.
	KindValidation Kind = "validation"

	// KindNotFound is a missing entity. Surfaced, never retried.
	KindNotFound Kind = "not_found"

	// KindConflict is a violated invariant, e.g. a second active PR.
	KindConflict Kind = "conflict"

	// KindTransient is a network or IO glitch, retried with backoff by the
	// lowest competent layer.
	KindTransient Kind = "transient"

	// KindInfrastructure is a persistent underlying failure (store
	// unavailable). Bubbled up; the affected event stays pending.
	KindInfrastructure Kind = "infrastructure"

	// KindAgentFailure is an agent that exhausted its turns or produced an
	// unrecoverable reply.
	KindAgentFailure Kind = "agent_failure"

	// KindPolicy is an event dropped by filter or a refused fork PR. Audited,
	// not user-visible as an error.
	KindPolicy Kind = "policy"
)

// Error carries a Kind alongside the message so callers can route on it.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a kind and message.
func WrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindInfrastructure, the conservative default for store-level failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Common sentinel helpers.

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool {
	return IsKind(err, KindConflict)
}
