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

// Package roles defines the Role Runner — a generic envelope for one role
// invocation — and the concrete Planner, Worker, Judge, and Plan-Judge
// strategies built on it. The Runner itself is agnostic to the role: it
// loads a state snapshot, renders a prompt, calls the LLM Invoker under the
// Retry Envelope, appends a structured run-log record for that call, then
// parses the response and applies the role's state mutation.
package roles

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coderloop/coderloop/internal/agenterr"
	"github.com/coderloop/coderloop/internal/clock"
	"github.com/coderloop/coderloop/internal/llminvoke"
	"github.com/coderloop/coderloop/internal/logging"
	"github.com/coderloop/coderloop/internal/retry"
	"github.com/coderloop/coderloop/internal/statestore"
	"github.com/coderloop/coderloop/internal/tokencount"
)

// Snapshot is the read-only state view every role's prompt is rendered
// from.
type Snapshot struct {
	Plan       string
	TasksFile  *statestore.TasksFile
	AllTasks   []*statestore.Task
	Status     *statestore.StatusDoc
	ProjectGoal string
}

// Strategy is one role's pluggable behavior: prompt rendering, response
// parsing, and the state mutation applied from the parsed result.
type Strategy interface {
	// Name identifies the role for logging ("planner", "worker", "judge", "plan-judge").
	Name() string
	// Mode is the LLM CLI mode hint this role runs under.
	Mode() llminvoke.Mode
	// Model returns the model override for this invocation, or "" for the backend default.
	Model() string
	// RenderPrompt builds the prompt text from the current snapshot.
	RenderPrompt(snapshot Snapshot) (string, error)
	// Parse turns the raw LLM response into a structured result. If parsing
	// fails, the Runner still records {error, response} — it never drops
	// the raw output.
	Parse(response string) (map[string]any, error)
	// Apply performs this role's state mutation from the parsed result.
	Apply(ctx context.Context, store *statestore.Store, parsed map[string]any) error
}

// Runner is the generic execution frame shared by every role.
type Runner struct {
	store   *statestore.Store
	invoker *llminvoke.Invoker
	retry   *retry.Envelope
	clock   clock.Clock
	log     *slog.Logger
	runLog  *logging.JSONLSink
}

// NewRunner builds a Runner over the given collaborators.
func NewRunner(store *statestore.Store, invoker *llminvoke.Invoker, env *retry.Envelope, c clock.Clock, log *slog.Logger, runLog *logging.JSONLSink) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: store, invoker: invoker, retry: env, clock: c, log: log, runLog: runLog}
}

// LoadSnapshot assembles the read-only state view every role renders its
// prompt from.
func (r *Runner) LoadSnapshot(projectGoal string) (Snapshot, error) {
	plan, err := r.store.GetPlan()
	if err != nil {
		return Snapshot{}, err
	}
	tasksFile, err := r.store.GetTasksFile()
	if err != nil {
		return Snapshot{}, err
	}
	allTasks, err := r.store.AllTasks()
	if err != nil {
		return Snapshot{}, err
	}
	status, err := r.store.GetStatus()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Plan: plan, TasksFile: tasksFile, AllTasks: allTasks, Status: status, ProjectGoal: projectGoal}, nil
}

// lineSink adapts a *slog.Logger into an llminvoke.Sink.
type lineSink struct {
	log   *slog.Logger
	field string
}

func (s lineSink) WriteLine(line string) {
	s.log.Debug("llm output", s.field, line)
}

// Run executes one role invocation end to end: load → render → invoke
// (under retry) → log → parse → apply. The run-log record is appended
// right after the invoke, so it does not reflect parse or apply failures.
func (r *Runner) Run(ctx context.Context, strategy Strategy, iteration int, projectGoal string) (map[string]any, error) {
	start := r.clock.Now()

	snapshot, err := r.LoadSnapshot(projectGoal)
	if err != nil {
		return nil, err
	}

	prompt, err := strategy.RenderPrompt(snapshot)
	if err != nil {
		return nil, err
	}

	var response, callID string
	attempts := 0
	sink := lineSink{log: r.log, field: strategy.Name()}

	err = r.retry.Do(strategy.Name(), func(attempt int) error {
		attempts = attempt + 1
		out, id, callErr := r.invoker.Invoke(ctx, prompt, strategy.Mode(), strategy.Model(), sink)
		callID = id
		if callErr != nil {
			return callErr
		}
		response = out
		return nil
	})

	duration := r.clock.Now().Sub(start)

	if r.runLog != nil {
		record := logging.AgentRunRecord{
			Timestamp:    r.clock.Now(),
			CallID:       callID,
			Role:         strategy.Name(),
			Iteration:    iteration,
			Attempt:      attempts,
			Model:        strategy.Model(),
			DurationMs:   duration.Milliseconds(),
			Success:      err == nil,
			PromptBytes:  len(prompt),
			OutputBytes:  len(response),
			PromptTokens: tokencount.Count(prompt),
			OutputTokens: tokencount.Count(response),
		}
		if err != nil {
			record.ErrorKind = string(agenterr.Classify(err))
		}
		r.runLog.Append(r.clock.Now(), record)
	}

	if err != nil {
		return nil, err
	}

	parsed, parseErr := strategy.Parse(response)
	if parseErr != nil {
		parsed = map[string]any{"error": parseErr.Error(), "response": response}
	}

	if applyErr := strategy.Apply(ctx, r.store, parsed); applyErr != nil {
		return parsed, fmt.Errorf("%s: apply state mutation: %w", strategy.Name(), applyErr)
	}

	return parsed, nil
}
