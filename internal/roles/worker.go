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
	"regexp"
	"strings"

	"github.com/coderloop/coderloop/internal/clock"
	"github.com/coderloop/coderloop/internal/intent"
	"github.com/coderloop/coderloop/internal/llminvoke"
	"github.com/coderloop/coderloop/internal/statestore"
)

// Worker executes a single assigned task and reports its outcome, including
// any structured change-intent it recorded.
type Worker struct {
	task       *statestore.Task
	workingDir string
	selector   ModelSelector
	intents    *intent.Tracker
	intentHdr  intent.Headers
	clock      clock.Clock
	log        *slog.Logger
}

// NewWorker returns a Worker bound to task, running against workingDir (the
// target repository root), selecting its model from selector's complexity
// scoring and persisting any extracted intent via intents.
func NewWorker(task *statestore.Task, workingDir string, selector ModelSelector, intents *intent.Tracker, c clock.Clock, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{task: task, workingDir: workingDir, selector: selector, intents: intents, intentHdr: intent.DefaultHeaders(), clock: c, log: log}
}

func (w *Worker) Name() string         { return "worker" }
func (w *Worker) Mode() llminvoke.Mode { return llminvoke.ModeAgent }

// Model selects a model override from the bound task's complexity score,
// logging the chosen tier when it differs from the configured default.
func (w *Worker) Model() string {
	selected := w.selector.Select(w.task)
	if selected != w.selector.ModelDefault {
		w.log.Info("model selected",
			"category", w.selector.Category(w.task),
			"score", ComplexityScore(w.task),
			"model", selected)
	}
	return selected
}

func (w *Worker) RenderPrompt(s Snapshot) (string, error) {
	t := w.task
	return fmt.Sprintf(`# Worker Agent

Task ID: %s
Task Title: %s
Task Description: %s
Working Directory: %s
Related Files:
%s

Please complete this task and report the result.
`, t.ID, t.Title, t.Description, w.workingDir, relatedFiles(t.Description)), nil
}

var workerFilePattern = regexp.MustCompile(`[\w\-_/]+\.(?:py|ts|js|md|json|yml|yaml)`)

func relatedFiles(description string) string {
	matches := workerFilePattern.FindAllString(description, -1)
	if len(matches) == 0 {
		return "関連ファイルの情報がありません"
	}
	seen := make(map[string]bool, len(matches))
	var lines []string
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		lines = append(lines, "- "+m)
	}
	return strings.Join(lines, "\n")
}

var (
	reportHeadingPattern = regexp.MustCompile(`(?s)# タスク完了レポート.*`)
	commitHashPattern    = regexp.MustCompile(`(?i)コミットハッシュ[:\s]+([a-f0-9]+)`)
	commitMessagePattern = regexp.MustCompile(`(?m)コミットメッセージ[:\s]+(.+)`)
)

// Parse extracts the completion report, any commit reference, and a
// structured intent block from a Worker response.
func (w *Worker) Parse(response string) (map[string]any, error) {
	report := response
	if m := reportHeadingPattern.FindString(response); m != "" {
		report = m
	}

	result := map[string]any{
		"report":  report,
		"task_id": w.task.ID,
	}
	if m := commitHashPattern.FindStringSubmatch(response); m != nil {
		result["commit_hash"] = m[1]
	}
	if m := commitMessagePattern.FindStringSubmatch(response); m != nil {
		result["commit_message"] = strings.TrimSpace(m[1])
	}

	// A fallback intent (reconstructed from the implementation section)
	// only counts when a commit was actually made.
	if parsedIntent := intent.Parse(response, w.intentHdr); parsedIntent.Found {
		if parsedIntent.Explicit || result["commit_hash"] != nil {
			result["intent"] = parsedIntent
		}
	}

	return result, nil
}

// Apply marks the bound task completed, persists any extracted intent
// (linking commit info when present), and refreshes the completed-task
// count on the status document.
func (w *Worker) Apply(ctx context.Context, store *statestore.Store, parsed map[string]any) error {
	taskID, _ := parsed["task_id"].(string)
	if taskID == "" {
		taskID = w.task.ID
	}

	report, _ := parsed["report"].(string)
	errMsg, hasErr := parsed["error"].(string)

	result := &statestore.TaskResult{
		Report:  report,
		Success: !hasErr || errMsg == "",
	}
	if hasErr {
		result.ErrorMessage = errMsg
	}

	if err := store.CompleteTask(taskID, result); err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}

	if parsedIntent, ok := parsed["intent"].(intent.Parsed); ok && w.intents != nil {
		in := &statestore.Intent{
			TaskID:         taskID,
			Goal:           parsedIntent.Goal,
			Rationale:      parsedIntent.Rationale,
			ExpectedChange: parsedIntent.ExpectedChange,
			NonGoals:       parsedIntent.NonGoals,
			Risk:           parsedIntent.Risk,
		}
		if err := w.intents.Save(in); err != nil {
			w.log.Warn("failed to save intent", "task_id", taskID, "error", err)
		} else {
			if hash, _ := parsed["commit_hash"].(string); hash != "" {
				msg, _ := parsed["commit_message"].(string)
				if err := w.intents.AddCommit(taskID, hash, msg, ""); err != nil {
					w.log.Warn("failed to link commit to intent", "task_id", taskID, "error", err)
				}
			}
			if parsedIntent.RelatedADR > 0 {
				if err := w.intents.LinkADR(taskID, parsedIntent.RelatedADR); err != nil {
					w.log.Warn("failed to link ADR to intent", "task_id", taskID, "error", err)
				}
			}
		}
	}

	stats, err := store.TaskStatistics()
	if err != nil {
		return fmt.Errorf("load task statistics: %w", err)
	}
	return store.UpdateStatus(map[string]any{
		"last_worker_run": w.clock.Now().Format("2006-01-02T15:04:05.000000"),
		"completed_tasks": stats.Completed,
	})
}
