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

package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderloop/coderloop/internal/agenterr"
	"github.com/coderloop/coderloop/internal/clock"
)

func TestDoRetriesRetryableErrorWithExponentialBackoff(t *testing.T) {
	c := clock.NewFake(time.Now())
	env := New(3, c, nil)

	attempts := 0
	err := env.Do("call", func(attempt int) error {
		attempts++
		return agenterr.New(agenterr.KindRateLimit, "rate limited")
	})

	require.Error(t, err)
	require.Equal(t, 3, attempts)

	// Exhaustion rewraps the retryable error as a non-retryable
	// agent-error, keeping the original cause in the chain.
	require.Equal(t, agenterr.KindAgentError, agenterr.Classify(err))
	require.False(t, agenterr.IsRetryable(err))
	require.Contains(t, err.Error(), "rate limited")
}

func TestDoSleepsExactSequence(t *testing.T) {
	start := time.Now()
	c := clock.NewFake(start)
	env := New(3, c, nil)

	_ = env.Do("call", func(attempt int) error {
		return agenterr.New(agenterr.KindTimeout, "timed out")
	})

	// After 3 attempts (2 backoff sleeps of 1s and 2s), the fake clock
	// should have advanced by exactly 3 seconds.
	require.Equal(t, 3*time.Second, c.Now().Sub(start))
}

func TestDoNoRetryOnNonRetryable(t *testing.T) {
	c := clock.NewFake(time.Now())
	env := New(3, c, nil)

	attempts := 0
	err := env.Do("call", func(attempt int) error {
		attempts++
		return agenterr.New(agenterr.KindFatalConfig, "bad config")
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestDoSucceedsWithoutExhaustingRetries(t *testing.T) {
	c := clock.NewFake(time.Now())
	env := New(3, c, nil)

	attempts := 0
	err := env.Do("call", func(attempt int) error {
		attempts++
		if attempts < 2 {
			return agenterr.New(agenterr.KindGenericLLM, "transient")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestDoUnclassifiedErrorIsNonRetryable(t *testing.T) {
	c := clock.NewFake(time.Now())
	env := New(3, c, nil)

	attempts := 0
	err := env.Do("call", func(attempt int) error {
		attempts++
		return errors.New("totally unexpected")
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.Equal(t, agenterr.KindAgentError, agenterr.Classify(err))
}
