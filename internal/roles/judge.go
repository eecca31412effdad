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
	"log/slog"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/coderloop/coderloop/internal/clock"
	"github.com/coderloop/coderloop/internal/llminvoke"
	"github.com/coderloop/coderloop/internal/statestore"
)

// JudgeResult is the typed shape of a Judge's parsed JSON response,
// decoded from the raw map via mapstructure so Apply works against field
// names and defaults instead of repeated type assertions.
type JudgeResult struct {
	ShouldContinue     bool     `mapstructure:"should_continue"`
	Reason             string   `mapstructure:"reason"`
	ProgressScore      float64  `mapstructure:"progress_score"`
	DriftDetected      bool     `mapstructure:"drift_detected"`
	DriftDescription   string   `mapstructure:"drift_description"`
	Recommendations    []string `mapstructure:"recommendations"`
	NextIterationFocus string   `mapstructure:"next_iteration_focus"`
}

// Judge reviews completed-task results each iteration and decides whether
// the loop should continue, free of any code-mutating access (ask mode).
type Judge struct {
	model string
	clock clock.Clock
	log   *slog.Logger
}

// NewJudge returns a Judge using the given model override.
func NewJudge(model string, c clock.Clock, log *slog.Logger) *Judge {
	if log == nil {
		log = slog.Default()
	}
	return &Judge{model: model, clock: c, log: log}
}

func (j *Judge) Name() string         { return "judge" }
func (j *Judge) Mode() llminvoke.Mode { return llminvoke.ModeAsk }
func (j *Judge) Model() string        { return j.model }

// maxResultSnippets bounds how many completed-task reports the Judge sees:
// the five most recent, so the prompt stays flat as the run grows.
const maxResultSnippets = 5

func (j *Judge) RenderPrompt(s Snapshot) (string, error) {
	stats := statestore.StatisticsFromTasks(s.AllTasks)

	var completed []*statestore.Task
	for _, t := range s.AllTasks {
		if t.Status == statestore.StatusCompleted && t.ResultFile != "" {
			completed = append(completed, t)
		}
	}
	sort.SliceStable(completed, func(i, k int) bool {
		return completed[i].CompletedAt > completed[k].CompletedAt
	})
	if len(completed) > maxResultSnippets {
		completed = completed[:maxResultSnippets]
	}

	var results strings.Builder
	for i, t := range completed {
		var report string
		if t.Result != nil {
			report = t.Result.Report
		}
		if len(report) > 200 {
			report = report[:200]
		}
		if i > 0 {
			results.WriteString("\n\n")
		}
		fmt.Fprintf(&results, "### %s: %s\n%s...", t.ID, t.Title, report)
	}
	resultsStr := "完了したタスクはありません"
	if len(completed) > 0 {
		resultsStr = results.String()
	}

	plan := s.Plan
	if plan == "" {
		plan = "計画はまだ作成されていません"
	}

	iteration := 0
	if s.Status != nil {
		iteration = s.Status.CurrentIteration
	}

	return fmt.Sprintf(`# Judge Agent

Project Goal: %s
Current Plan: %s
Tasks: %d total, %d completed, %d pending
Iteration: %d

Completed Task Results:
%s

Please evaluate progress and decide whether to continue.
`, projectGoalOr(s.ProjectGoal), plan, stats.Total, stats.Completed, stats.Pending, iteration, resultsStr), nil
}

func projectGoalOr(goal string) string {
	if goal == "" {
		return "未設定"
	}
	return goal
}

func (j *Judge) Parse(response string) (map[string]any, error) {
	if parsed, ok := extractJSON(response); ok {
		return parsed, nil
	}

	lower := strings.ToLower(response)
	shouldContinue := strings.Contains(response, "継続") || strings.Contains(lower, "continue") || strings.Contains(lower, "true")
	reason := response
	if len(reason) > 500 {
		reason = reason[:500]
	}
	return map[string]any{
		"should_continue":      shouldContinue,
		"reason":               reason,
		"progress_score":       0.5,
		"drift_detected":       false,
		"recommendations":      []any{},
		"next_iteration_focus": "response did not contain a JSON block",
	}, nil
}

// Apply records the continue/stop decision, progress score, and any drift
// detection onto the status document.
func (j *Judge) Apply(ctx context.Context, store *statestore.Store, parsed map[string]any) error {
	result := JudgeResult{ShouldContinue: true, ProgressScore: 0.5}
	if err := mapstructure.Decode(parsed, &result); err != nil {
		j.log.Warn("judge result did not decode cleanly, using defaults", "error", err)
	}
	if result.Reason == "" {
		result.Reason = "判定理由がありません"
	}

	if err := store.UpdateStatus(map[string]any{
		"last_judge_run":       j.clock.Now().Format("2006-01-02T15:04:05.000000"),
		"should_continue":      result.ShouldContinue,
		"reason":               result.Reason,
		"progress_score":       result.ProgressScore,
		"drift_detected":       result.DriftDetected,
		"recommendations":      result.Recommendations,
		"next_iteration_focus": result.NextIterationFocus,
	}); err != nil {
		return err
	}

	preview := result.Reason
	if len(preview) > 100 {
		preview = preview[:100]
	}
	j.log.Info("judge decision", "should_continue", result.ShouldContinue, "reason", preview)
	if result.DriftDetected {
		desc := result.DriftDescription
		if desc == "" {
			desc = "N/A"
		}
		j.log.Warn("drift detected", "description", desc)
	}
	return nil
}
