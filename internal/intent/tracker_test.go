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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderloop/coderloop/internal/clock"
	"github.com/coderloop/coderloop/internal/statestore"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(t.TempDir(), clock.NewFake(time.Now()))
	require.NoError(t, err)
	return tr
}

// The list-valued fields of an intent (ExpectedChange/NonGoals/Risk/
// Commits) must survive a save/load round trip unchanged.
func TestSaveLoadRoundTripsListFields(t *testing.T) {
	tr := newTestTracker(t)

	in := &statestore.Intent{
		TaskID:         "task_001",
		Goal:           "Make retries exponential",
		Rationale:      "linear backoff overloaded upstream",
		ExpectedChange: []string{"retry.go gains backoff", "tests cover 3 attempts"},
		NonGoals:       []string{"changing the retry count"},
		Risk:           []string{"longer worst-case latency"},
	}
	require.NoError(t, tr.Save(in))

	loaded, err := tr.Load("task_001")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, in.Goal, loaded.Goal)
	require.Equal(t, in.ExpectedChange, loaded.ExpectedChange)
	require.Equal(t, in.NonGoals, loaded.NonGoals)
	require.Equal(t, in.Risk, loaded.Risk)
	require.NotEmpty(t, loaded.CreatedAt)
	require.NotEmpty(t, loaded.UpdatedAt)
}

func TestLoadMissingReturnsNilNotError(t *testing.T) {
	tr := newTestTracker(t)
	in, err := tr.Load("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, in)
}

// TestAddCommitDedupesByHash covers the commit-linkage half of
// intent-on-commit: committing the same hash twice must not duplicate it.
func TestAddCommitDedupesByHash(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.AddCommit("task_001", "abc123", "fix retry backoff", "2026-07-31T00:00:00Z"))
	require.NoError(t, tr.AddCommit("task_001", "abc123", "fix retry backoff", "2026-07-31T00:00:00Z"))
	require.NoError(t, tr.AddCommit("task_001", "def456", "add tests", "2026-07-31T00:05:00Z"))

	in, err := tr.Load("task_001")
	require.NoError(t, err)
	require.Len(t, in.Commits, 2)
	require.Equal(t, "abc123", in.Commits[0].Hash)
	require.Equal(t, "def456", in.Commits[1].Hash)
}

func TestAddCommitCreatesRecordWhenNoneExists(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.AddCommit("task_002", "feedface", "initial commit", "2026-07-31T01:00:00Z"))

	in, err := tr.Load("task_002")
	require.NoError(t, err)
	require.NotNil(t, in)
	require.Len(t, in.Commits, 1)
}

func TestLinkADRSetsRelatedADR(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.LinkADR("task_003", 7))

	in, err := tr.Load("task_003")
	require.NoError(t, err)
	require.Equal(t, 7, in.RelatedADR)
}

func TestSearchByKeywordMatchesGoalAndRationaleCaseInsensitively(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.Save(&statestore.Intent{TaskID: "task_001", Goal: "Improve RETRY backoff"}))
	require.NoError(t, tr.Save(&statestore.Intent{TaskID: "task_002", Rationale: "unrelated to retries at all"}))
	require.NoError(t, tr.Save(&statestore.Intent{TaskID: "task_003", Goal: "Add dashboard widget"}))

	results, err := tr.SearchByKeyword("retry")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "task_001", results[0].TaskID)
}

func TestListByADRFiltersByNumber(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.Save(&statestore.Intent{TaskID: "task_001", RelatedADR: 3}))
	require.NoError(t, tr.Save(&statestore.Intent{TaskID: "task_002", RelatedADR: 3}))
	require.NoError(t, tr.Save(&statestore.Intent{TaskID: "task_003", RelatedADR: 4}))

	results, err := tr.ListByADR(3)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestNextADRNumberIncrementsFromExisting(t *testing.T) {
	dir := t.TempDir()
	_, err := CreateADR(dir, 1, "first-decision", "First", "ctx", "decision", "why", "consequences", "task_001")
	require.NoError(t, err)
	_, err = CreateADR(dir, 3, "third-decision", "Third", "ctx", "decision", "why", "consequences", "task_002")
	require.NoError(t, err)

	n, err := NextADRNumber(dir)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestNextADRNumberStartsAtOneWhenDirMissing(t *testing.T) {
	n, err := NextADRNumber(t.TempDir() + "/does-not-exist")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCreateADRWritesStandardSections(t *testing.T) {
	dir := t.TempDir()
	path, err := CreateADR(dir, 5, "use-exponential-backoff", "Use exponential backoff", "context here", "decision here", "rationale here", "consequences here", "task_001")
	require.NoError(t, err)
	require.FileExists(t, path)
}

func TestAddRelatedIntentAppendsToExistingADR(t *testing.T) {
	dir := t.TempDir()
	path, err := CreateADR(dir, 2, "slug", "Title", "ctx", "decision", "why", "consequences", "task_001")
	require.NoError(t, err)

	require.NoError(t, AddRelatedIntent(dir, 2, "task_002"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "- task_001")
	require.Contains(t, string(data), "- task_002")
}

func TestAddRelatedIntentErrorsWhenADRNotFound(t *testing.T) {
	dir := t.TempDir()
	err := AddRelatedIntent(dir, 99, "task_001")
	require.Error(t, err)
}
