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

// Package dashboard is a read-only terminal observer over the driver's
// state directory. It never writes to StateStore — the Iteration Driver
// remains the only writer — it just renders whatever is on disk and
// refreshes when the watched files change.
package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	lipgloss "charm.land/lipgloss/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/coderloop/coderloop/internal/statestore"
)

const refreshInterval = 500 * time.Millisecond

// Model is the bubbletea root model for the dashboard.
type Model struct {
	store   *statestore.Store
	goal    string
	watcher *fsnotify.Watcher

	width, height int
	quitting      bool
	spinner       spinner.Model

	status *statestore.StatusDoc
	tasks  []*statestore.Task
	loadErr error
}

// New returns a dashboard Model observing store. watcher may be nil if
// file-change notification could not be set up — the model still
// refreshes on its own interval.
func New(store *statestore.Store, goal string, watcher *fsnotify.Watcher) Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(okStyle),
	)
	return Model{store: store, goal: goal, watcher: watcher, spinner: s}
}

type refreshMsg struct{}
type tickMsg struct{}
type watchEventMsg struct{}
type watchClosedMsg struct{}

func tickCmd() tea.Cmd {
	return func() tea.Msg {
		time.Sleep(refreshInterval)
		return tickMsg{}
	}
}

func (m Model) watchCmd() tea.Cmd {
	if m.watcher == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case _, ok := <-m.watcher.Events:
			if !ok {
				return watchClosedMsg{}
			}
			return watchEventMsg{}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return watchClosedMsg{}
			}
			return watchEventMsg{}
		}
	}
}

// Init loads the initial snapshot and arms both the refresh tick and the
// fsnotify watch.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{func() tea.Msg { return refreshMsg{} }, tickCmd(), m.spinner.Tick}
	if cmd := m.watchCmd(); cmd != nil {
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

func (m Model) reload() Model {
	status, err := m.store.GetStatus()
	if err != nil {
		m.loadErr = err
		return m
	}
	tasks, err := m.store.AllTasks()
	if err != nil {
		m.loadErr = err
		return m
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	m.status = status
	m.tasks = tasks
	m.loadErr = nil
	return m
}

// Update handles key presses, window resizes, and refresh triggers. It
// never mutates state on disk.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyPressMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case refreshMsg:
		return m.reload(), nil

	case tickMsg:
		m = m.reload()
		return m, tickCmd()

	case watchEventMsg:
		m = m.reload()
		return m, m.watchCmd()

	case watchClosedMsg:
		return m, nil
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// View renders the overview: loop status, task table, recent focus/drift
// notes. A single screen, deliberately — this is a status readout, not a
// control surface.
func (m Model) View() tea.View {
	var b strings.Builder

	b.WriteString(headerStyle.Render("coderloop dashboard"))
	b.WriteString("  ")
	b.WriteString(labelStyle.Render(m.goal))
	b.WriteString("\n")
	b.WriteString(borderStyle.Render(strings.Repeat("─", max(20, m.width))))
	b.WriteString("\n")

	if m.loadErr != nil {
		b.WriteString(errStyle.Render("state read error: " + m.loadErr.Error()))
		b.WriteString("\n")
	}

	if m.status != nil {
		s := m.status
		continuing := m.spinner.View() + okStyle.Render("continuing")
		if !s.ShouldContinue {
			continuing = warnStyle.Render("stopping")
		}
		fmt.Fprintf(&b, "%s %d   %s %s   %s %.2f\n",
			labelStyle.Render("iteration"), s.CurrentIteration,
			labelStyle.Render("loop"), continuing,
			labelStyle.Render("progress"), s.ProgressScore)
		if s.DriftDetected {
			b.WriteString(warnStyle.Render("drift: " + s.DriftDescription))
			b.WriteString("\n")
		}
		if s.NextIterationFocus != "" {
			fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("next focus"), s.NextIterationFocus)
		}
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render("tasks"))
	b.WriteString("\n")
	for _, t := range m.tasks {
		b.WriteString(taskLine(t))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(labelStyle.Render("q to quit"))

	v := tea.NewView(b.String())
	v.AltScreen = true
	return v
}

func taskLine(t *statestore.Task) string {
	style := labelStyle
	switch t.Status {
	case statestore.StatusCompleted:
		style = okStyle
	case statestore.StatusFailed:
		style = errStyle
	case statestore.StatusInProgress:
		style = warnStyle
	}
	return fmt.Sprintf("  %s %-10s %s", style.Render(string(t.Status)), t.ID, t.Title)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
