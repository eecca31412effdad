// Copyright 2025 Kadir Pekel
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

// Package agenterr defines the orchestrator's closed error taxonomy.
//
// Every failure the core produces is classified into one of a fixed set of
// Kinds. Retryable() tells the retry envelope whether to back off and
// re-attempt; the kind itself never changes once assigned.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind is a closed classification of orchestrator failures.
type Kind string

const (
	// Retryable kinds.
	KindRateLimit  Kind = "rate-limit"
	KindTimeout    Kind = "timeout"
	KindGenericLLM Kind = "generic-llm"

	// Non-retryable kinds.
	KindFatalMissingTool Kind = "fatal-missing-tool"
	KindFatalConfig      Kind = "fatal-config"
	KindStateCorruption  Kind = "state-corruption"
	KindStateMissing     Kind = "state-missing"
	KindTaskError        Kind = "task-error"
	KindAgentError       Kind = "agent-error"
	KindPlanningStalled  Kind = "planning-non-convergence"
)

var retryableKinds = map[Kind]bool{
	KindRateLimit:  true,
	KindTimeout:    true,
	KindGenericLLM: true,
}

// Error is the concrete error type carried through the orchestrator. It
// always has a Kind, a human-readable message, and (usually) a wrapped
// cause pointing at the originating error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the retry envelope should re-attempt the call
// that produced this error.
func (e *Error) Retryable() bool {
	return retryableKinds[e.Kind]
}

// New constructs a classified Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a classified Error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Classify inspects err and returns its Kind if it is (or wraps) an
// *Error, or KindAgentError for anything unclassified.
func Classify(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindAgentError
}

// IsRetryable reports whether err (classified or not) should be retried.
func IsRetryable(err error) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return false
}
