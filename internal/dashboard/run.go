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

package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	tea "charm.land/bubbletea/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/coderloop/coderloop/internal/statestore"
)

// Run blocks running the dashboard TUI against the given state store until
// the user quits or ctx is canceled. stateDir is used only to locate the
// files to watch for live refresh — all reads go through store.
func Run(ctx context.Context, store *statestore.Store, stateDir, goal string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("dashboard: fsnotify unavailable, falling back to polling only", "error", err)
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
		for _, name := range []string{"status.json", "tasks.json"} {
			if err := watcher.Add(filepath.Join(stateDir, name)); err != nil {
				log.Warn("dashboard: could not watch file", "file", name, "error", err)
			}
		}
	}

	m := New(store, goal, watcher)
	p := tea.NewProgram(m, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
