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

package statestore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

const tasksIndexFile = "tasks.json"
const statusFile = "status.json"

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap[T any](m map[string]any, out *T) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// GetTasksFile returns the current task index.
func (s *Store) GetTasksFile() (*TasksFile, error) {
	doc, err := s.ReadJSON(tasksIndexFile)
	if err != nil {
		return nil, err
	}
	tf := &TasksFile{}
	if doc == nil {
		return tf, nil
	}
	if err := fromMap(doc, tf); err != nil {
		return nil, err
	}
	return tf, nil
}

// GetPlan returns the current plan text.
func (s *Store) GetPlan() (string, error) { return s.ReadText("plan.md") }

// SavePlan overwrites the plan text (last-writer-wins).
func (s *Store) SavePlan(plan string) error { return s.WriteText("plan.md", plan) }

func (s *Store) taskFilePath(id string) string {
	return filepath.Join("tasks", id+".json")
}

func (s *Store) loadTaskState(id string) (map[string]any, error) {
	doc, err := s.ReadJSON(s.taskFilePath(id))
	if err != nil {
		// A corrupted individual task file degrades to "not found" rather
		// than failing the whole read path.
		return map[string]any{}, nil
	}
	if doc == nil {
		return map[string]any{}, nil
	}
	return doc, nil
}

func (s *Store) saveTaskState(id string, state map[string]any) error {
	return s.WriteJSON(s.taskFilePath(id), state)
}

// AddTask allocates a new task id from the index, writes the full record to
// its own file, then appends the immutable header to the index.
func (s *Store) AddTask(task *Task) (string, error) {
	var taskID string

	_, err := s.MutateJSON(tasksIndexFile, func(data map[string]any) map[string]any {
		tf := &TasksFile{}
		fromMap(data, tf)
		if tf.NextTaskID == 0 {
			tf.NextTaskID = 1
		}

		taskID = fmt.Sprintf("task_%03d", tf.NextTaskID)
		task.ID = taskID
		task.Status = StatusPending
		task.CreatedAt = nowISO(s.now())

		title := task.Title
		if title == "" {
			title = "No title"
		}
		task.Title = title
		priority := task.Priority
		if priority == "" {
			priority = PriorityMedium
		}
		task.Priority = priority

		tf.Tasks = append(tf.Tasks, TaskIndexEntry{
			ID:        taskID,
			Title:     title,
			Priority:  priority,
			CreatedAt: task.CreatedAt,
		})
		tf.NextTaskID++

		out, _ := toMap(tf)
		return out
	})
	if err != nil {
		return "", err
	}

	taskMap, err := toMap(task)
	if err != nil {
		return "", err
	}
	if err := s.saveTaskState(taskID, taskMap); err != nil {
		return "", err
	}
	return taskID, nil
}

// GetTaskByID loads a task from its individual file, falling back to a
// header-only Task built from the index if the file is missing but the id
// is indexed, and nil if the id is not indexed at all.
func (s *Store) GetTaskByID(id string) (*Task, error) {
	tf, err := s.GetTasksFile()
	if err != nil {
		return nil, err
	}
	var entry *TaskIndexEntry
	for i := range tf.Tasks {
		if tf.Tasks[i].ID == id {
			entry = &tf.Tasks[i]
			break
		}
	}
	if entry == nil {
		return nil, nil
	}

	state, err := s.loadTaskState(id)
	if err != nil {
		return nil, err
	}
	if len(state) == 0 {
		return &Task{ID: entry.ID, Title: entry.Title, Priority: entry.Priority, CreatedAt: entry.CreatedAt, Status: StatusPending}, nil
	}

	t := &Task{}
	if err := fromMap(state, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTask merges patch fields into the task's own file. Updated_at is
// stamped iff the patch changes status. The index is never touched.
func (s *Store) UpdateTask(id string, patch map[string]any) error {
	state, err := s.loadTaskState(id)
	if err != nil {
		return err
	}
	oldStatus := fmt.Sprint(state["status"])
	for k, v := range patch {
		state[k] = v
	}
	if newStatus, ok := patch["status"]; ok && fmt.Sprint(newStatus) != oldStatus {
		state["updated_at"] = nowISO(s.now())
	}
	return s.saveTaskState(id, state)
}

// AssignTask marks a task in_progress and records its assignee.
func (s *Store) AssignTask(id, workerID string) error {
	return s.UpdateTask(id, map[string]any{
		"status":      StatusInProgress,
		"assigned_to": workerID,
		"started_at":  nowISO(s.now()),
	})
}

// CompleteTask writes the result markdown report and marks the task
// completed with the result attached.
func (s *Store) CompleteTask(id string, result *TaskResult) error {
	resultFile := filepath.Join("results", id+".md")
	if err := s.WriteText(resultFile, result.Report); err != nil {
		return err
	}
	return s.UpdateTask(id, map[string]any{
		"status":       StatusCompleted,
		"completed_at": nowISO(s.now()),
		"result_file":  resultFile,
		"result":       result,
	})
}

// FailTask marks a task failed with the given error string.
func (s *Store) FailTask(id, errMsg string) error {
	return s.UpdateTask(id, map[string]any{
		"status":    StatusFailed,
		"failed_at": nowISO(s.now()),
		"error":     errMsg,
	})
}

// AllTasks loads every indexed task from its individual file (or a
// header-only stub if the file is missing).
func (s *Store) AllTasks() ([]*Task, error) {
	tf, err := s.GetTasksFile()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(tf.Tasks))
	for _, entry := range tf.Tasks {
		t, err := s.GetTaskByID(entry.ID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			t = &Task{ID: entry.ID, Title: entry.Title, Priority: entry.Priority, CreatedAt: entry.CreatedAt}
		}
		out = append(out, t)
	}
	return out, nil
}

// PendingTasks returns all indexed tasks currently in pending status.
func (s *Store) PendingTasks() ([]*Task, error) {
	all, err := s.AllTasks()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(all))
	for _, t := range all {
		if t.IsPending() {
			out = append(out, t)
		}
	}
	return out, nil
}

// TaskStatistics tallies status counts across all indexed tasks.
func (s *Store) TaskStatistics() (TaskStatistics, error) {
	all, err := s.AllTasks()
	if err != nil {
		return TaskStatistics{}, err
	}
	return StatisticsFromTasks(all), nil
}

// RecoverInProgressTasks resets every in_progress task to pending, stamping
// recovered_at and a fixed recovery_reason. Called once at driver startup.
func (s *Store) RecoverInProgressTasks() ([]string, error) {
	all, err := s.AllTasks()
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, t := range all {
		if t.IsInProgress() {
			if err := s.UpdateTask(t.ID, map[string]any{
				"status":          StatusPending,
				"recovered_at":    nowISO(s.now()),
				"recovery_reason": "System restart - task was in_progress",
			}); err != nil {
				return recovered, err
			}
			recovered = append(recovered, t.ID)
		}
	}
	return recovered, nil
}

// GetStatus returns the current status document.
func (s *Store) GetStatus() (*StatusDoc, error) {
	doc, err := s.ReadJSON(statusFile)
	if err != nil {
		return nil, err
	}
	st := &StatusDoc{}
	if doc == nil {
		return st, nil
	}
	if err := fromMap(doc, st); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateStatus patches the status document with the given fields and
// restamps last_updated, under optimistic concurrency control.
func (s *Store) UpdateStatus(patch map[string]any) error {
	_, err := s.MutateJSON(statusFile, func(data map[string]any) map[string]any {
		for k, v := range patch {
			data[k] = v
		}
		data["last_updated"] = nowISO(s.now())
		return data
	})
	return err
}
