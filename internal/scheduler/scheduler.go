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

// Package scheduler selects a batch of pending tasks that can run
// concurrently without two Workers touching the same file or one task
// running ahead of an uncompleted dependency.
package scheduler

import (
	"regexp"
	"sort"
	"strings"

	"github.com/coderloop/coderloop/internal/statestore"
	"github.com/coderloop/coderloop/internal/tasklock"
)

var (
	explicitFilePattern = regexp.MustCompile(`(?i)file:\s*([^\s\n]+\.(?:py|ts|js|md|json|yml|yaml|txt|html|css))`)
	quotedFilePattern   = regexp.MustCompile(`(?i)["'` + "`" + `]([^'"` + "`" + `]+\.(?:py|ts|js|md|json|yml|yaml|txt|html|css))["'` + "`" + `]`)
	commonFilePattern   = regexp.MustCompile(`([\w\-_/]+\.(?:py|ts|js|md|json|yml|yaml|txt|html|css))`)
)

// Scheduler picks non-conflicting task batches from the state store.
type Scheduler struct {
	store *statestore.Store
	locks *tasklock.Manager
}

// New returns a Scheduler backed by store and locks.
func New(store *statestore.Store, locks *tasklock.Manager) *Scheduler {
	return &Scheduler{store: store, locks: locks}
}

// GetParallelizableTasks returns up to maxWorkers pending tasks whose
// dependencies are all completed and whose touched files are pairwise
// disjoint and not already locked, in priority order (ties broken by
// creation order).
func (s *Scheduler) GetParallelizableTasks(maxWorkers int) ([]*statestore.Task, error) {
	pending, err := s.store.PendingTasks()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ready, err := s.filterReady(pending)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority.Score() > ready[j].Priority.Score()
	})

	var selected []*statestore.Task
	lockedFiles := make(map[string]bool)

	for _, task := range ready {
		taskFiles := ExtractTaskFiles(task)

		conflict := false
		for _, f := range taskFiles {
			if lockedFiles[f] || s.locks.IsLocked(f) {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}

		selected = append(selected, task)
		for _, f := range taskFiles {
			lockedFiles[f] = true
		}
		if len(selected) >= maxWorkers {
			break
		}
	}

	return selected, nil
}

func (s *Scheduler) filterReady(tasks []*statestore.Task) ([]*statestore.Task, error) {
	var ready []*statestore.Task
	for _, t := range tasks {
		if len(t.Dependencies) == 0 {
			ready = append(ready, t)
			continue
		}
		allCompleted := true
		for _, depID := range t.Dependencies {
			dep, err := s.store.GetTaskByID(depID)
			if err != nil {
				return nil, err
			}
			if dep == nil || dep.Status != statestore.StatusCompleted {
				allCompleted = false
				break
			}
		}
		if allCompleted {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// ExtractTaskFiles returns the deduplicated set of paths a task intends to
// touch: its explicit Files field plus anything matched out of its
// description by the three regex patterns (explicit "file: …" mentions,
// quoted/backticked paths, and bare common file tokens).
func ExtractTaskFiles(t *statestore.Task) []string {
	var files []string
	files = append(files, t.Files...)

	for _, m := range explicitFilePattern.FindAllStringSubmatch(t.Description, -1) {
		files = append(files, m[1])
	}
	for _, m := range quotedFilePattern.FindAllStringSubmatch(t.Description, -1) {
		files = append(files, m[1])
	}
	for _, m := range commonFilePattern.FindAllStringSubmatch(t.Description, -1) {
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

// CanRunParallel reports whether two tasks are parallel-safe: disjoint
// touched-file sets and no cross-dependency in either direction.
func CanRunParallel(a, b *statestore.Task) bool {
	filesA := ExtractTaskFiles(a)
	filesB := ExtractTaskFiles(b)

	setB := make(map[string]bool, len(filesB))
	for _, f := range filesB {
		setB[f] = true
	}
	for _, f := range filesA {
		if setB[f] {
			return false
		}
	}

	for _, d := range a.Dependencies {
		if d == b.ID {
			return false
		}
	}
	for _, d := range b.Dependencies {
		if d == a.ID {
			return false
		}
	}
	return true
}
