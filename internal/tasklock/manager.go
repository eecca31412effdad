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

// Package tasklock implements cooperative, file-scope mutual exclusion over
// paths in the target repository so two Workers never edit the same file
// concurrently. Locks are plain files under a lock directory, keyed by a
// normalized encoding of the locked path; staleness is judged by mtime, not
// by process liveness, since the owning process may have crashed.
package tasklock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coderloop/coderloop/internal/clock"
)

// Manager tracks and arbitrates file-scope locks rooted at a lock directory.
type Manager struct {
	dir          string
	clock        clock.Clock
	acquireStale time.Duration

	mu     sync.Mutex
	active map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithAcquireStale overrides the staleness threshold applied during
// acquire-time reclamation and IsLocked checks.
func WithAcquireStale(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.acquireStale = d
		}
	}
}

// New returns a Manager whose lock files live under dir.
func New(dir string, c clock.Clock, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	m := &Manager{dir: dir, clock: c, acquireStale: acquireStaleThreshold, active: make(map[string]bool)}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// normalize strips leading/trailing separators and forward-slashizes a
// path; encode maps it to a lock filename. The encoding is not injective —
// two paths differing only in slash-versus-underscore collide — a known,
// accepted limitation of the flat lock-file namespace.
func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.Trim(p, "/")
}

func (m *Manager) lockPath(p string) string {
	encoded := strings.ReplaceAll(normalize(p), "/", "_")
	return filepath.Join(m.dir, encoded+".lock")
}

// Acquire attempts to create an exclusive lock on path, retrying every
// 100ms (reclaiming stale locks along the way) until it succeeds or timeout
// elapses. A timeout is not itself an error — callers treat a false return
// as "skip this task for now".
func (m *Manager) Acquire(path, owner string, timeout time.Duration) (bool, error) {
	lockFile := m.lockPath(path)
	deadline := m.clock.Now().Add(timeout)

	for {
		fd, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			now := m.clock.Now()
			content := fmt.Sprintf("owner=%s\ntimestamp=%s\nfilepath=%s\n", owner, now.Format(time.RFC3339), path)
			if _, werr := fd.WriteString(content); werr != nil {
				fd.Close()
				os.Remove(lockFile)
				return false, werr
			}
			fd.Close()
			// Staleness compares the injected clock against mtime, so the
			// mtime is taken from the same clock.
			os.Chtimes(lockFile, now, now)

			m.mu.Lock()
			m.active[normalize(path)] = true
			m.mu.Unlock()
			return true, nil
		}
		if !os.IsExist(err) {
			return false, err
		}

		if m.isStale(lockFile, m.acquireStale) {
			os.Remove(lockFile)
			continue
		}

		if m.clock.Now().After(deadline) {
			return false, nil
		}
		m.clock.Sleep(100 * time.Millisecond)
	}
}

const acquireStaleThreshold = 30 * time.Second

// Release unlinks the lock on path and drops it from the in-process set.
// Releasing an unheld lock is silent.
func (m *Manager) Release(path string) {
	os.Remove(m.lockPath(path))
	m.mu.Lock()
	delete(m.active, normalize(path))
	m.mu.Unlock()
}

// ReleaseAll releases every lock this process currently holds, in
// unspecified order. Invoked on driver shutdown and on interrupt.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.active))
	for p := range m.active {
		paths = append(paths, p)
	}
	m.mu.Unlock()
	for _, p := range paths {
		m.Release(p)
	}
}

// IsLocked reports whether path currently has a non-stale lock.
func (m *Manager) IsLocked(path string) bool {
	lockFile := m.lockPath(path)
	if _, err := os.Stat(lockFile); err != nil {
		return false
	}
	return !m.isStale(lockFile, m.acquireStale)
}

// Owner returns the task id that owns path's lock, or "" if unlocked.
func (m *Manager) Owner(path string) string {
	lockFile := m.lockPath(path)
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "owner=") {
			return strings.TrimPrefix(line, "owner=")
		}
	}
	return ""
}

func (m *Manager) isStale(lockFile string, threshold time.Duration) bool {
	info, err := os.Stat(lockFile)
	if err != nil {
		return true
	}
	return m.clock.Now().Sub(info.ModTime()) > threshold
}

// CleanupStale removes every lock file older than threshold and returns the
// count removed. Called once per driver iteration.
func (m *Manager) CleanupStale(threshold time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		full := filepath.Join(m.dir, e.Name())
		if m.isStale(full, threshold) {
			if err := os.Remove(full); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
