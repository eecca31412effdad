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
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/coderloop/coderloop/internal/clock"
	"github.com/coderloop/coderloop/internal/llminvoke"
	"github.com/coderloop/coderloop/internal/statestore"
)

// PlanJudgeResult is the typed shape of a Plan Judge's parsed response.
type PlanJudgeResult struct {
	Decision          string   `mapstructure:"decision"`
	Score             float64  `mapstructure:"score"`
	Issues            []string `mapstructure:"issues"`
	SuggestedChanges  string   `mapstructure:"suggested_changes"`
}

// PlanJudge evaluates the current plan and task list for soundness before
// the Planner is allowed to proceed, never touching code (ask mode).
type PlanJudge struct {
	model string
	clock clock.Clock
	log   *slog.Logger
}

// NewPlanJudge returns a PlanJudge using the given model override.
func NewPlanJudge(model string, c clock.Clock, log *slog.Logger) *PlanJudge {
	if log == nil {
		log = slog.Default()
	}
	return &PlanJudge{model: model, clock: c, log: log}
}

func (j *PlanJudge) Name() string         { return "plan-judge" }
func (j *PlanJudge) Mode() llminvoke.Mode { return llminvoke.ModeAsk }
func (j *PlanJudge) Model() string        { return j.model }

func (j *PlanJudge) RenderPrompt(s Snapshot) (string, error) {
	var summary strings.Builder
	if s.TasksFile == nil || len(s.TasksFile.Tasks) == 0 {
		summary.WriteString("タスクはまだ作成されていません")
	} else {
		for i, entry := range s.TasksFile.Tasks {
			status := "unknown"
			priority := entry.Priority
			for _, t := range s.AllTasks {
				if t.ID == entry.ID {
					status = string(t.Status)
					if t.Priority != "" {
						priority = t.Priority
					}
					break
				}
			}
			if i > 0 {
				summary.WriteByte('\n')
			}
			fmt.Fprintf(&summary, "- %s: %s (status: %s, priority: %s)", entry.ID, entry.Title, status, priority)
		}
	}

	plan := s.Plan
	if plan == "" {
		plan = "計画はまだ作成されていません"
	}

	iteration := 0
	if s.Status != nil {
		iteration = s.Status.CurrentIteration
	}

	return fmt.Sprintf(`# Plan Judge Agent

Project Goal: %s
Current Plan: %s
Tasks Summary:
%s
Iteration: %d

Please evaluate whether this plan and task list are appropriate.
`, projectGoalOr(s.ProjectGoal), plan, summary.String(), iteration), nil
}

func (j *PlanJudge) Parse(response string) (map[string]any, error) {
	if parsed, ok := extractJSON(response); ok {
		return parsed, nil
	}
	suggested := response
	if len(suggested) > 500 {
		suggested = suggested[:500]
	}
	return map[string]any{
		"decision":           "accept",
		"score":              0.5,
		"issues":             []any{},
		"suggested_changes":  suggested,
	}, nil
}

// Apply records the plan judge's decision, score, and full feedback on the
// status document for the next Planner run to read.
func (j *PlanJudge) Apply(ctx context.Context, store *statestore.Store, parsed map[string]any) error {
	result := PlanJudgeResult{Decision: "accept", Score: 0.5}
	if err := mapstructure.Decode(parsed, &result); err != nil {
		j.log.Warn("plan judge result did not decode cleanly, using defaults", "error", err)
	}
	if result.Decision == "" {
		result.Decision = "accept"
	}

	var feedback strings.Builder
	if len(result.Issues) > 0 {
		feedback.WriteString("Issues: ")
		feedback.WriteString(strings.Join(result.Issues, "; "))
	}
	if result.SuggestedChanges != "" {
		if feedback.Len() > 0 {
			feedback.WriteString("\n")
		}
		feedback.WriteString("Suggested changes: ")
		feedback.WriteString(result.SuggestedChanges)
	}

	if err := store.UpdateStatus(map[string]any{
		"last_plan_judge_run":      j.clock.Now().Format("2006-01-02T15:04:05.000000"),
		"last_plan_judge_feedback": feedback.String(),
		"last_plan_judge_decision": result.Decision,
		"last_plan_judge_score":    result.Score,
	}); err != nil {
		return err
	}

	j.log.Info("plan judge decision", "decision", result.Decision, "score", result.Score, "issues", len(result.Issues))
	return nil
}

// Accepted reports whether the most recent Plan Judge decision was to
// accept the plan, used by the iteration driver's revision sub-loop.
func Accepted(decision string) bool {
	return decision == "" || decision == "accept"
}
