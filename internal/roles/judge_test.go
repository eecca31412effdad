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

package roles

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderloop/coderloop/internal/clock"
	"github.com/coderloop/coderloop/internal/statestore"
)

func TestJudgeRenderPromptSummarizesCompletedTasks(t *testing.T) {
	j := NewJudge("", clock.Real{}, nil)

	task := &statestore.Task{
		ID: "task_001", Title: "fix retry", Status: statestore.StatusCompleted,
		ResultFile: "results/task_001.md",
		Result:     &statestore.TaskResult{Report: "implemented backoff", Success: true},
	}
	snapshot := Snapshot{
		AllTasks:    []*statestore.Task{task},
		ProjectGoal: "ship reliable retries",
		Status:      &statestore.StatusDoc{CurrentIteration: 2},
	}

	prompt, err := j.RenderPrompt(snapshot)
	require.NoError(t, err)
	require.Contains(t, prompt, "ship reliable retries")
	require.Contains(t, prompt, "implemented backoff")
	require.Contains(t, prompt, "Iteration: 2")
}

func TestJudgeParseJSONResponse(t *testing.T) {
	j := NewJudge("", clock.Real{}, nil)
	parsed, err := j.Parse("```json\n{\"should_continue\": false, \"reason\": \"goal met\"}\n```")
	require.NoError(t, err)
	require.Equal(t, false, parsed["should_continue"])
}

func TestJudgeParseFallsBackToHeuristic(t *testing.T) {
	j := NewJudge("", clock.Real{}, nil)
	parsed, err := j.Parse("We should continue working on this.")
	require.NoError(t, err)
	require.Equal(t, true, parsed["should_continue"])
}

func TestJudgeApplyUpdatesStatus(t *testing.T) {
	store := newTestStoreForRoles(t)
	j := NewJudge("", clock.NewFake(time.Now()), nil)

	parsed := map[string]any{
		"should_continue":      false,
		"reason":                "goal met",
		"progress_score":        0.9,
		"drift_detected":        true,
		"drift_description":     "scope crept into unrelated files",
		"recommendations":       []any{"tighten task scope"},
		"next_iteration_focus":  "n/a",
	}
	require.NoError(t, j.Apply(context.Background(), store, parsed))

	status, err := store.GetStatus()
	require.NoError(t, err)
	require.False(t, status.ShouldContinue)
	require.Equal(t, "goal met", status.Reason)
}

func TestAcceptedTreatsEmptyAndAcceptAsAccepted(t *testing.T) {
	require.True(t, Accepted(""))
	require.True(t, Accepted("accept"))
	require.False(t, Accepted("revise"))
}

func TestJudgeRenderPromptCapsAtFiveMostRecentResults(t *testing.T) {
	j := NewJudge("", clock.Real{}, nil)

	var tasks []*statestore.Task
	for i := 1; i <= 7; i++ {
		tasks = append(tasks, &statestore.Task{
			ID:          fmt.Sprintf("task_%03d", i),
			Title:       fmt.Sprintf("task %d", i),
			Status:      statestore.StatusCompleted,
			ResultFile:  fmt.Sprintf("results/task_%03d.md", i),
			CompletedAt: fmt.Sprintf("2025-03-%02dT10:00:00.000000", i),
			Result:      &statestore.TaskResult{Report: fmt.Sprintf("report %d", i), Success: true},
		})
	}

	prompt, err := j.RenderPrompt(Snapshot{AllTasks: tasks, Status: &statestore.StatusDoc{}})
	require.NoError(t, err)

	// Only the five most recently completed snippets appear.
	for i := 3; i <= 7; i++ {
		require.Contains(t, prompt, fmt.Sprintf("report %d", i))
	}
	require.NotContains(t, prompt, "report 1")
	require.NotContains(t, prompt, "report 2")
}
