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

// Package retry wraps a fallible call with bounded exponential backoff,
// driven by the classification in internal/agenterr.
package retry

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/coderloop/coderloop/internal/agenterr"
	"github.com/coderloop/coderloop/internal/clock"
)

// Envelope runs calls under a fixed backoff policy.
type Envelope struct {
	maxAttempts int
	clock       clock.Clock
	log         *slog.Logger
}

// New returns an Envelope making up to maxAttempts total tries.
func New(maxAttempts int, c clock.Clock, log *slog.Logger) *Envelope {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Envelope{maxAttempts: maxAttempts, clock: c, log: log}
}

// Do invokes fn, retrying on a retryable *agenterr.Error with sleeps of
// 2^attempt seconds (1, 2, 4, …) between attempts, up to maxAttempts total.
// Non-retryable classified errors propagate immediately. Unclassified
// errors are rewrapped as agent-error and treated as non-retryable. On
// exhaustion the last retryable error is rewrapped as a non-retryable
// agent-error carrying the original cause.
func (e *Envelope) Do(label string, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = classify(err)

		classified, ok := lastErr.(*agenterr.Error)
		if !ok || !classified.Retryable() {
			e.log.Warn("non-retryable failure", "call", label, "attempt", attempt+1, "error", lastErr)
			return lastErr
		}

		if attempt == e.maxAttempts-1 {
			break
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		e.log.Warn("retryable failure, backing off", "call", label, "attempt", attempt+1, "max_attempts", e.maxAttempts, "wait", wait, "error", lastErr)
		e.clock.Sleep(wait)
	}

	e.log.Error("retries exhausted", "call", label, "attempts", e.maxAttempts, "error", lastErr)
	return agenterr.Wrap(agenterr.KindAgentError,
		fmt.Sprintf("%s: retries exhausted after %d attempts", label, e.maxAttempts), lastErr)
}

func classify(err error) error {
	if _, ok := err.(*agenterr.Error); ok {
		return err
	}
	return agenterr.Wrap(agenterr.KindAgentError, "unexpected error", err)
}
