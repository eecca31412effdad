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

package agenterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableKinds(t *testing.T) {
	retryable := []Kind{KindRateLimit, KindTimeout, KindGenericLLM}
	for _, k := range retryable {
		require.True(t, New(k, "x").Retryable(), "%s should be retryable", k)
	}

	notRetryable := []Kind{KindFatalMissingTool, KindFatalConfig, KindStateCorruption, KindStateMissing, KindTaskError, KindAgentError, KindPlanningStalled}
	for _, k := range notRetryable {
		require.False(t, New(k, "x").Retryable(), "%s should not be retryable", k)
	}
}

func TestWrapPreservesCauseChain(t *testing.T) {
	cause := errors.New("underlying failure")
	wrapped := Wrap(KindTimeout, "llm call timed out", cause)

	require.ErrorIs(t, wrapped, cause)
	require.Contains(t, wrapped.Error(), "underlying failure")
	require.Contains(t, wrapped.Error(), "timeout")
}

func TestClassifyUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(KindRateLimit, "429 received")
	outer := fmt.Errorf("role runner: %w", base)

	require.Equal(t, KindRateLimit, Classify(outer))
	require.True(t, IsRetryable(outer))
}

func TestClassifyUnclassifiedIsAgentError(t *testing.T) {
	require.Equal(t, KindAgentError, Classify(errors.New("boom")))
	require.False(t, IsRetryable(errors.New("boom")))
}
