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
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/coderloop/coderloop/internal/llminvoke"
	"github.com/coderloop/coderloop/internal/statestore"
)

// Planner reviews the current plan and task list and proposes plan updates,
// task edits, and new tasks.
type Planner struct {
	model      string
	workingDir string
	log        *slog.Logger
}

// NewPlanner returns a Planner using the given model override (empty for
// the backend default). workingDir is the target repository root the
// codebase summary is enumerated from.
func NewPlanner(model, workingDir string, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{model: model, workingDir: workingDir, log: log}
}

func (p *Planner) Name() string           { return "planner" }
func (p *Planner) Mode() llminvoke.Mode   { return llminvoke.ModePlan }
func (p *Planner) Model() string          { return p.model }

func (p *Planner) RenderPrompt(s Snapshot) (string, error) {
	var existing strings.Builder
	if s.TasksFile == nil || len(s.TasksFile.Tasks) == 0 {
		existing.WriteString("なし")
	} else {
		for i, entry := range s.TasksFile.Tasks {
			status := "unknown"
			for _, t := range s.AllTasks {
				if t.ID == entry.ID {
					status = string(t.Status)
					break
				}
			}
			if i > 0 {
				existing.WriteByte('\n')
			}
			fmt.Fprintf(&existing, "- %s: %s (%s)", entry.ID, entry.Title, status)
		}
	}

	plan := s.Plan
	if plan == "" {
		plan = "計画はまだ作成されていません"
	}

	goal := s.ProjectGoal
	if goal == "" {
		goal = "未設定"
	}

	planJudgeFeedback := "なし"
	judgeVerdict := "なし"
	if s.Status != nil {
		if s.Status.LastPlanJudgeFeedback != "" {
			planJudgeFeedback = s.Status.LastPlanJudgeFeedback
		}
		if s.Status.LastJudgeRun != "" {
			judgeVerdict = fmt.Sprintf("should_continue=%v, progress_score=%.2f, reason: %s",
				s.Status.ShouldContinue, s.Status.ProgressScore, s.Status.Reason)
		}
	}

	return fmt.Sprintf(`# Planner Agent

Project Goal: %s
Current Plan: %s
Existing Tasks:
%s

Codebase Summary:
%s

Last Plan Judge Feedback:
%s

Last Judge Verdict:
%s

Please create a plan and new tasks in JSON format.
`, goal, plan, existing.String(), codebaseSummary(p.workingDir, codebaseSummaryCap), planJudgeFeedback, judgeVerdict), nil
}

// codebaseSummaryCap bounds the source-file enumeration in the Planner
// prompt so a large target repository cannot blow up the prompt size.
const codebaseSummaryCap = 50

var sourceFileExtensions = map[string]bool{
	".go": true, ".py": true, ".ts": true, ".js": true,
	".md": true, ".json": true, ".yml": true, ".yaml": true,
}

// codebaseSummary enumerates source files under root (lexical order, up to
// max entries), skipping hidden directories and common dependency trees.
func codebaseSummary(root string, max int) string {
	if root == "" {
		return "ソースファイルの情報がありません"
	}
	var files []string
	truncated := false
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor" || name == "__pycache__") {
				return fs.SkipDir
			}
			return nil
		}
		if !sourceFileExtensions[filepath.Ext(name)] {
			return nil
		}
		if len(files) >= max {
			truncated = true
			return fs.SkipAll
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		files = append(files, "- "+rel)
		return nil
	})
	if len(files) == 0 {
		return "ソースファイルが見つかりません"
	}
	if truncated {
		files = append(files, fmt.Sprintf("- ... (%d件以上)", max))
	}
	return strings.Join(files, "\n")
}

func (p *Planner) Parse(response string) (map[string]any, error) {
	if parsed, ok := extractJSON(response); ok {
		return parsed, nil
	}
	return map[string]any{
		"plan_update": response,
		"new_tasks":   []any{},
		"reasoning":   "response did not contain a JSON block",
	}, nil
}

// Apply saves the plan update, patches any updated_tasks entries, and adds
// new_tasks, extracting a files field from the description when the LLM
// omitted one.
func (p *Planner) Apply(ctx context.Context, store *statestore.Store, parsed map[string]any) error {
	if planUpdate, ok := parsed["plan_update"].(string); ok && planUpdate != "" {
		if err := store.SavePlan(planUpdate); err != nil {
			return fmt.Errorf("save plan: %w", err)
		}
	}

	for _, raw := range asSlice(parsed["updated_tasks"]) {
		upd, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		taskID, _ := upd["id"].(string)
		if taskID == "" {
			p.log.Warn("updated_tasks entry without id", "entry", upd)
			continue
		}
		patch := make(map[string]any, len(upd))
		for k, v := range upd {
			if k != "id" {
				patch[k] = v
			}
		}
		if len(patch) == 0 {
			continue
		}
		if err := store.UpdateTask(taskID, patch); err != nil {
			p.log.Warn("failed to update task", "task_id", taskID, "error", err)
		}
	}

	for _, raw := range asSlice(parsed["new_tasks"]) {
		fields, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		task := taskFromFields(fields)
		if len(task.Files) == 0 {
			task.Files = extractFilesFromDescription(task.Description)
		}
		id, err := store.AddTask(task)
		if err != nil {
			p.log.Warn("failed to add task", "error", err)
			continue
		}
		p.log.Info("added task", "task_id", id, "title", task.Title)
	}

	return nil
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func taskFromFields(fields map[string]any) *statestore.Task {
	t := &statestore.Task{}
	if v, ok := fields["title"].(string); ok {
		t.Title = v
	}
	if v, ok := fields["description"].(string); ok {
		t.Description = v
	}
	if v, ok := fields["priority"].(string); ok {
		t.Priority = statestore.ParsePriority(v)
	}
	if v, ok := fields["estimated_hours"].(float64); ok {
		t.EstimatedHours = v
	}
	if raw, ok := fields["files"].([]any); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok {
				t.Files = append(t.Files, s)
			}
		}
	}
	if raw, ok := fields["dependencies"].([]any); ok {
		for _, d := range raw {
			if s, ok := d.(string); ok {
				t.Dependencies = append(t.Dependencies, s)
			}
		}
	}
	return t
}

var (
	plannerExplicitFilePattern = regexp.MustCompile(`(?i)file:\s*([^\s\n]+\.(?:py|ts|js|md|json|yml|yaml|txt|html|css))`)
	plannerQuotedFilePattern   = regexp.MustCompile(`(?i)["'` + "`" + `]([^'"` + "`" + `]+\.(?:py|ts|js|md|json|yml|yaml|txt|html|css))["'` + "`" + `]`)
)

// extractFilesFromDescription mirrors the scheduler's explicit and quoted
// file patterns, used to backfill a new task's files field when the LLM
// left it empty.
func extractFilesFromDescription(description string) []string {
	var files []string
	for _, m := range plannerExplicitFilePattern.FindAllStringSubmatch(description, -1) {
		files = append(files, m[1])
	}
	for _, m := range plannerQuotedFilePattern.FindAllStringSubmatch(description, -1) {
		files = append(files, m[1])
	}

	seen := make(map[string]bool, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		normalized := strings.Trim(strings.TrimSpace(f), `"'`+"`")
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	return out
}
