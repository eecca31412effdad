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
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/coderloop/coderloop/internal/agenterr"
)

var snapshotFiles = []string{"plan.md", "tasks.json", "status.json"}

// CreateCheckpoint copies the plan, index, status, per-task directory, and
// results directory into checkpoints/<name>/, plus a metadata.json. name
// defaults to a timestamp when empty.
func (s *Store) CreateCheckpoint(name string) (string, error) {
	if name == "" {
		name = "checkpoint_" + s.now().Format("20060102_150405")
	}
	dir := filepath.Join("checkpoints", name)
	if err := s.snapshotInto(dir); err != nil {
		return "", err
	}
	meta := CheckpointMetadata{Name: name, CreatedAt: nowISO(s.now()), Files: snapshotFiles}
	if err := s.WriteJSON(filepath.Join(dir, "metadata.json"), meta); err != nil {
		return "", err
	}
	return s.path(dir), nil
}

// CreateBackup is identical to CreateCheckpoint but writes into the
// backups/ root instead of checkpoints/.
func (s *Store) CreateBackup(name string) (string, error) {
	if name == "" {
		name = "backup_" + s.now().Format("20060102_150405")
	}
	dir := filepath.Join("backups", name)
	if err := s.snapshotInto(dir); err != nil {
		return "", err
	}
	meta := CheckpointMetadata{Name: name, CreatedAt: nowISO(s.now()), Files: snapshotFiles}
	if err := s.WriteJSON(filepath.Join(dir, "metadata.json"), meta); err != nil {
		return "", err
	}
	return s.path(dir), nil
}

func (s *Store) snapshotInto(relDir string) error {
	absDir := s.path(relDir)
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return err
	}
	for _, name := range snapshotFiles {
		src := s.path(name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(absDir, name)); err != nil {
			return err
		}
	}
	if err := copyTreeIfExists(s.path("tasks"), filepath.Join(absDir, "tasks")); err != nil {
		return err
	}
	if err := copyTreeIfExists(s.path("results"), filepath.Join(absDir, "results")); err != nil {
		return err
	}
	return nil
}

// RestoreCheckpoint first creates a pre-restore backup of the live state,
// then overwrites it with the checkpoint's contents. Fails with
// KindStateMissing if the checkpoint or its metadata does not exist.
func (s *Store) RestoreCheckpoint(name string) error {
	dir := filepath.Join("checkpoints", name)
	absDir := s.path(dir)
	if _, err := os.Stat(absDir); err != nil {
		return agenterr.New(agenterr.KindStateMissing, "checkpoint not found: "+name)
	}
	metaPath := filepath.Join(absDir, "metadata.json")
	if _, err := os.Stat(metaPath); err != nil {
		return agenterr.New(agenterr.KindStateMissing, "checkpoint metadata not found: "+name)
	}

	backupName := "pre_restore_" + s.now().Format("20060102_150405")
	if _, err := s.CreateBackup(backupName); err != nil {
		return agenterr.Wrap(agenterr.KindStateCorruption, "failed to back up before restore", err)
	}

	for _, name := range snapshotFiles {
		src := filepath.Join(absDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, s.path(name)); err != nil {
			return agenterr.Wrap(agenterr.KindStateCorruption, "failed to restore checkpoint "+name, err)
		}
	}
	if err := copyTreeIfExists(filepath.Join(absDir, "tasks"), s.path("tasks")); err != nil {
		return agenterr.Wrap(agenterr.KindStateCorruption, "failed to restore tasks", err)
	}
	if err := copyTreeIfExists(filepath.Join(absDir, "results"), s.path("results")); err != nil {
		return agenterr.Wrap(agenterr.KindStateCorruption, "failed to restore results", err)
	}
	return nil
}

// ListCheckpoints returns all checkpoint metadata, newest first.
func (s *Store) ListCheckpoints() ([]CheckpointMetadata, error) {
	root := s.path("checkpoints")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []CheckpointMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		doc, err := s.ReadJSON(filepath.Join("checkpoints", e.Name(), "metadata.json"))
		if err != nil || doc == nil {
			continue
		}
		var meta CheckpointMetadata
		if err := fromMap(doc, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// Validate checks tasks.json and status.json for the structural invariants
// the driver depends on at startup.
func (s *Store) Validate() (*ValidationResult, error) {
	result := NewValidationResult()

	for _, name := range []string{"tasks.json", "status.json"} {
		doc, err := s.ReadJSON(name)
		if err != nil {
			if classified, ok := err.(*agenterr.Error); ok && classified.Kind == agenterr.KindStateCorruption {
				result.AddError("corrupted file: " + name + " - " + classified.Error())
				continue
			}
			result.AddError("error loading " + name + ": " + err.Error())
			continue
		}
		if doc == nil {
			result.AddWarning("file not found: " + name)
			continue
		}
		if name == "tasks.json" {
			if _, ok := doc["tasks"]; !ok {
				result.AddError("tasks.json missing 'tasks' key")
			}
		}
	}
	return result, nil
}

// RecoverFromCorruption attempts to restore the newest checkpoint, falling
// back to the newest backup, and reports whether either succeeded.
func (s *Store) RecoverFromCorruption() bool {
	checkpoints, err := s.ListCheckpoints()
	if err == nil && len(checkpoints) > 0 {
		if restoreErr := s.RestoreCheckpoint(checkpoints[0].Name); restoreErr == nil {
			return true
		}
	}

	backups, err := os.ReadDir(s.backupDir)
	if err != nil {
		return false
	}
	type backupEntry struct {
		name string
		mod  time.Time
	}
	var entries []backupEntry
	for _, b := range backups {
		info, err := b.Info()
		if err != nil {
			continue
		}
		entries = append(entries, backupEntry{name: b.Name(), mod: info.ModTime()})
	}
	if len(entries) == 0 {
		return false
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod.After(entries[j].mod) })

	latest := filepath.Join(s.backupDir, entries[0].name)
	for _, name := range snapshotFiles {
		src := filepath.Join(latest, name)
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, s.path(name)); err != nil {
				return false
			}
		}
	}
	if err := copyTreeIfExists(filepath.Join(latest, "results"), s.path("results")); err != nil {
		return false
	}
	if err := copyTreeIfExists(filepath.Join(latest, "tasks"), s.path("tasks")); err != nil {
		return false
	}
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func copyTreeIfExists(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}
