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

// Package statestore persists the orchestrator's durable state — plan,
// task index, per-task records, status, results, checkpoints, and backups —
// on a local filesystem rooted at a configured directory. Every mutation of
// a shared document goes through optimistic concurrency control so two
// writers racing on tasks.json or status.json never silently clobber each
// other.
package statestore

import "time"

// Priority is a task's scheduling priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Score returns the numeric weight used by the scheduler's sort
// (high=3, medium=2, low=1).
func (p Priority) Score() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// ParsePriority coerces an arbitrary string into a Priority, defaulting to
// medium for anything unrecognized.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TaskResult is the Worker's outcome payload on completion.
type TaskResult struct {
	Report       string `json:"report"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Task is the full durable record of one unit of work, stored at
// tasks/<id>.json.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Files       []string `json:"files"`
	Dependencies []string `json:"dependencies"`
	EstimatedHours float64 `json:"estimated_hours"`

	Status Status `json:"status"`

	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	FailedAt    string `json:"failed_at,omitempty"`
	RecoveredAt string `json:"recovered_at,omitempty"`

	AssignedTo     string      `json:"assigned_to,omitempty"`
	ResultFile     string      `json:"result_file,omitempty"`
	Result         *TaskResult `json:"result,omitempty"`
	Error          string      `json:"error,omitempty"`
	RecoveryReason string      `json:"recovery_reason,omitempty"`
}

// IsPending, IsInProgress, IsTerminal report the task's lifecycle phase.
func (t *Task) IsPending() bool     { return t.Status == StatusPending }
func (t *Task) IsInProgress() bool  { return t.Status == StatusInProgress }
func (t *Task) IsTerminal() bool    { return t.Status == StatusCompleted || t.Status == StatusFailed }

// TaskIndexEntry is the immutable header stored in the index; status lives
// only in the per-task record.
type TaskIndexEntry struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Priority  Priority `json:"priority"`
	CreatedAt string   `json:"created_at"`
}

// TasksFile is the on-disk shape of tasks.json.
type TasksFile struct {
	Tasks      []TaskIndexEntry `json:"tasks"`
	NextTaskID int              `json:"next_task_id"`
	Version    int              `json:"version"`
}

// TaskStatistics summarizes task counts by status.
type TaskStatistics struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// StatisticsFromTasks tallies a TaskStatistics from a slice of Tasks.
func StatisticsFromTasks(tasks []*Task) TaskStatistics {
	var s TaskStatistics
	s.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// StatusDoc is the singleton loop-wide signal document at status.json.
type StatusDoc struct {
	CurrentIteration int     `json:"current_iteration"`
	LastUpdated      string  `json:"last_updated"`
	Version          int     `json:"version"`
	ShouldContinue   bool    `json:"should_continue"`
	Reason           string  `json:"reason,omitempty"`
	ProgressScore    float64 `json:"progress_score"`
	DriftDetected    bool    `json:"drift_detected"`
	DriftDescription string  `json:"drift_description,omitempty"`

	LastPlannerRun string `json:"last_planner_run,omitempty"`
	LastWorkerRun  string `json:"last_worker_run,omitempty"`
	LastJudgeRun   string `json:"last_judge_run,omitempty"`

	LastPlanJudgeDecision string  `json:"last_plan_judge_decision,omitempty"`
	LastPlanJudgeScore    float64 `json:"last_plan_judge_score,omitempty"`
	LastPlanJudgeFeedback string  `json:"last_plan_judge_feedback,omitempty"`

	Recommendations    []string `json:"recommendations,omitempty"`
	NextIterationFocus string   `json:"next_iteration_focus,omitempty"`
}

// Intent is one task's structured change-intent record, persisted as YAML
// at intents/intent_<task_id>.yaml.
type Intent struct {
	TaskID      string        `yaml:"task_id" json:"task_id"`
	Goal        string        `yaml:"goal" json:"goal"`
	Rationale   string        `yaml:"rationale" json:"rationale"`
	ExpectedChange []string   `yaml:"expected_change" json:"expected_change"`
	NonGoals    []string      `yaml:"non_goals" json:"non_goals"`
	Risk        []string      `yaml:"risk" json:"risk"`
	Commits     []IntentCommit `yaml:"commits" json:"commits"`
	RelatedADR  int           `yaml:"related_adr,omitempty" json:"related_adr,omitempty"`
	CreatedAt   string        `yaml:"created_at" json:"created_at"`
	UpdatedAt   string        `yaml:"updated_at" json:"updated_at"`
}

// IntentCommit is one commit reference attached to an Intent.
type IntentCommit struct {
	Hash      string `yaml:"hash" json:"hash"`
	Message   string `yaml:"message" json:"message"`
	Timestamp string `yaml:"timestamp" json:"timestamp"`
}

// CheckpointMetadata describes one checkpoint or backup snapshot.
type CheckpointMetadata struct {
	Name      string   `json:"checkpoint_name"`
	CreatedAt string   `json:"created_at"`
	Files     []string `json:"files"`
}

// ValidationResult is the verdict of Store.Validate.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v *ValidationResult) AddError(msg string) {
	v.Errors = append(v.Errors, msg)
	v.Valid = false
}

func (v *ValidationResult) AddWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// NewValidationResult returns a ValidationResult starting in the valid state.
func NewValidationResult() *ValidationResult {
	return &ValidationResult{Valid: true}
}

// nowISO formats t as local-time ISO-8601 with microsecond precision, the
// timestamp form used across all state documents.
func nowISO(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000")
}
