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

package intent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coderloop/coderloop/internal/clock"
	"github.com/coderloop/coderloop/internal/statestore"
)

// Tracker persists and queries intent records under a state directory's
// intents/ subdirectory.
type Tracker struct {
	dir   string
	clock clock.Clock
}

// New returns a Tracker rooted at stateDir/intents.
func New(stateDir string, c clock.Clock) (*Tracker, error) {
	dir := filepath.Join(stateDir, "intents")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Tracker{dir: dir, clock: c}, nil
}

func (t *Tracker) path(taskID string) string {
	return filepath.Join(t.dir, "intent_"+taskID+".yaml")
}

// Save writes (overwriting any prior) intent record for a task.
func (t *Tracker) Save(in *statestore.Intent) error {
	now := t.clock.Now().Format("2006-01-02T15:04:05.000000")
	if in.CreatedAt == "" {
		in.CreatedAt = now
	}
	in.UpdatedAt = now

	data, err := yaml.Marshal(in)
	if err != nil {
		return err
	}
	return os.WriteFile(t.path(in.TaskID), data, 0644)
}

// Load returns the intent record for a task, or nil if none exists.
func (t *Tracker) Load(taskID string) (*statestore.Intent, error) {
	data, err := os.ReadFile(t.path(taskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var in statestore.Intent
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// AddCommit appends a commit reference to a task's intent, deduplicated by
// hash. If no record exists yet, one is created with an empty intent body.
func (t *Tracker) AddCommit(taskID, hash, message, timestamp string) error {
	in, err := t.Load(taskID)
	if err != nil {
		return err
	}
	if in == nil {
		in = &statestore.Intent{TaskID: taskID}
	}
	for _, c := range in.Commits {
		if c.Hash == hash {
			return t.Save(in)
		}
	}
	in.Commits = append(in.Commits, statestore.IntentCommit{Hash: hash, Message: message, Timestamp: timestamp})
	return t.Save(in)
}

// LinkADR records the ADR number a task's intent is related to.
func (t *Tracker) LinkADR(taskID string, adrNumber int) error {
	in, err := t.Load(taskID)
	if err != nil {
		return err
	}
	if in == nil {
		in = &statestore.Intent{TaskID: taskID}
	}
	in.RelatedADR = adrNumber
	return t.Save(in)
}

// SearchByKeyword returns every intent whose goal or rationale contains
// keyword, case-insensitively.
func (t *Tracker) SearchByKeyword(keyword string) ([]*statestore.Intent, error) {
	all, err := t.all()
	if err != nil {
		return nil, err
	}
	keyword = strings.ToLower(keyword)
	var out []*statestore.Intent
	for _, in := range all {
		if strings.Contains(strings.ToLower(in.Goal), keyword) || strings.Contains(strings.ToLower(in.Rationale), keyword) {
			out = append(out, in)
		}
	}
	return out, nil
}

// ListByADR returns every intent linked to the given ADR number.
func (t *Tracker) ListByADR(adrNumber int) ([]*statestore.Intent, error) {
	all, err := t.all()
	if err != nil {
		return nil, err
	}
	var out []*statestore.Intent
	for _, in := range all {
		if in.RelatedADR == adrNumber {
			out = append(out, in)
		}
	}
	return out, nil
}

func (t *Tracker) all() ([]*statestore.Intent, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*statestore.Intent
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.dir, e.Name()))
		if err != nil {
			continue
		}
		var in statestore.Intent
		if err := yaml.Unmarshal(data, &in); err != nil {
			continue
		}
		out = append(out, &in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// NextADRNumber scans adrDir for NNNN-*.md files and returns the highest N
// plus one (1 if none exist).
func NextADRNumber(adrDir string) (int, error) {
	entries, err := os.ReadDir(adrDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}
	max := 0
	for _, e := range entries {
		n, ok := parseADRNumber(e.Name())
		if ok && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func parseADRNumber(name string) (int, bool) {
	if len(name) < 5 || name[4] != '-' {
		return 0, false
	}
	n, err := strconv.Atoi(name[:4])
	if err != nil {
		return 0, false
	}
	return n, true
}

// CreateADR writes a new docs/adr/NNNN-slug.md with the standard sections
// and a back-reference to the originating task.
func CreateADR(adrDir string, number int, slug, title, context, decision, rationale, consequences, relatedTaskID string) (string, error) {
	if err := os.MkdirAll(adrDir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%04d-%s.md", number, slug)
	path := filepath.Join(adrDir, name)

	content := fmt.Sprintf(`# %04d: %s

## Status
Proposed

## Context
%s

## Decision
%s

## Rationale
%s

## Consequences
%s

## Related Intent
- %s
`, number, title, context, decision, rationale, consequences, relatedTaskID)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// AddRelatedIntent edits an existing ADR in place, inserting taskID as the
// first entry of its "Related Intent" list (adding the section at the end
// when it is absent).
func AddRelatedIntent(adrDir string, number int, taskID string) error {
	entries, err := os.ReadDir(adrDir)
	if err != nil {
		return err
	}
	prefix := fmt.Sprintf("%04d-", number)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(adrDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		content := string(data)
		marker := "## Related Intent\n"
		idx := strings.Index(content, marker)
		if idx == -1 {
			content += "\n" + marker + "- " + taskID + "\n"
		} else {
			insertAt := idx + len(marker)
			content = content[:insertAt] + "- " + taskID + "\n" + content[insertAt:]
		}
		return os.WriteFile(path, []byte(content), 0644)
	}
	return fmt.Errorf("adr %d not found in %s", number, adrDir)
}
