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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coderloop/coderloop/internal/agenterr"
	"github.com/coderloop/coderloop/internal/clock"
)

const maxMutateAttempts = 5

// mutateMu serializes MutateJSON within this process, so goroutines cannot
// interleave their read/re-read/write steps; the version check still
// detects writers in other processes.
var mutateMu sync.Mutex

// Store is the durable state backend rooted at a single directory. All
// paths it accepts are relative to that root.
type Store struct {
	root      string
	backupDir string
	clock     clock.Clock
	log       *slog.Logger
}

// New creates a Store rooted at dir, ensuring the standard subdirectories
// exist (tasks/, results/, checkpoints/, backups/, intents/, locks/).
func New(dir string, c clock.Clock, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{root: dir, backupDir: filepath.Join(dir, "backups"), clock: c, log: log}
	for _, sub := range []string{"tasks", "results", "checkpoints", "backups", "intents", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("statestore: create %s: %w", sub, err)
		}
	}
	return s, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) now() time.Time {
	return s.clock.Now()
}

// ReadJSON loads a JSON document by relative name, returning nil if absent.
// Malformed content is a fatal-corruption error.
func (s *Store) ReadJSON(name string) (map[string]any, error) {
	p := s.path(name)
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if jsonErr := json.Unmarshal(data, &doc); jsonErr != nil {
		return nil, agenterr.Wrap(agenterr.KindStateCorruption, "corrupted file: "+name, jsonErr)
	}
	return doc, nil
}

// WriteJSON atomically replaces name with doc: write a temp file in the
// same directory, flush, fsync, rename over the target.
func (s *Store) WriteJSON(name string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return s.writeFileAtomic(name, data)
}

// ReadText loads a text blob by relative name, returning "" if absent.
func (s *Store) ReadText(name string) (string, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteText atomically replaces name with content.
func (s *Store) WriteText(name string, content string) error {
	return s.writeFileAtomic(name, []byte(content))
}

func (s *Store) writeFileAtomic(name string, data []byte) error {
	target := s.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// MutateJSON performs an optimistic-concurrency update of a shared JSON
// document: read, remember its version (default 0), compute the new
// document via f, re-read to detect a concurrent writer, and if none raced
// write the result with version+1. Makes up to 5 attempts in total,
// backing off exponentially after each detected conflict.
func (s *Store) MutateJSON(name string, f func(map[string]any) map[string]any) (map[string]any, error) {
	mutateMu.Lock()
	defer mutateMu.Unlock()

	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		current, err := s.ReadJSON(name)
		if err != nil {
			return nil, err
		}
		if current == nil {
			current = map[string]any{}
		}
		version := versionOf(current)

		updated := f(copyDoc(current))
		updated["version"] = version + 1

		recheck, err := s.ReadJSON(name)
		if err != nil {
			return nil, err
		}
		if recheck != nil && versionOf(recheck) != version {
			s.log.Warn("mutate_json version conflict, retrying", "file", name, "attempt", attempt)
			s.clock.Sleep(time.Duration(100*math.Pow(2, float64(attempt))) * time.Millisecond)
			continue
		}

		if err := s.WriteJSON(name, updated); err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("statestore: failed to update %s after %d attempts (version conflict)", name, maxMutateAttempts)
}

func versionOf(doc map[string]any) int {
	if v, ok := doc["version"]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
