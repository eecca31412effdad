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

package driver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/coderloop/coderloop/internal/clock"
	"github.com/coderloop/coderloop/internal/config"
	"github.com/coderloop/coderloop/internal/intent"
	"github.com/coderloop/coderloop/internal/llminvoke"
	"github.com/coderloop/coderloop/internal/logging"
	"github.com/coderloop/coderloop/internal/retry"
	"github.com/coderloop/coderloop/internal/scheduler"
	"github.com/coderloop/coderloop/internal/statestore"
	"github.com/coderloop/coderloop/internal/tasklock"
)

// stubJudgeResponse is served for every ask-mode call: the plan judge reads
// decision=accept, the judge reads should_continue=false, so a run under
// the stub performs exactly one full iteration.
const stubJudgeResponse = `{"decision": "accept", "score": 0.9, "should_continue": false, "reason": "goal reached", "progress_score": 1.0, "drift_detected": false}`

// writeStubCLI writes a shell script standing in for the LLM CLI. planBody
// runs for plan-mode calls, agentBody for worker (agent-mode) calls;
// ask-mode calls always answer with stubJudgeResponse.
func writeStubCLI(t *testing.T, planBody, agentBody string) string {
	t.Helper()
	script := `#!/bin/sh
case "$@" in
  *"--mode plan"*)
` + planBody + `
    ;;
  *"--mode ask"*)
    echo '` + stubJudgeResponse + `'
    exit 0
    ;;
  *)
` + agentBody + `
    ;;
esac
`
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

const plannerOneTaskBody = `    printf '%s\n' '{"plan_update": "# Plan\n1. add README", "new_tasks": [{"title": "Add README", "description": "Create README.md with a project overview", "priority": "high", "files": ["README.md"], "estimated_hours": 1}], "reasoning": "bootstrap"}'
    exit 0`

const plannerEmptyBody = `    echo '{"plan_update": "", "new_tasks": [], "reasoning": "nothing to add"}'
    exit 0`

const workerReportBody = `    echo "# タスク完了レポート"
    echo "README added."
    echo "コミットハッシュ: abc1234"
    echo "コミットメッセージ: docs: add README"
    exit 0`

func newTestDriver(t *testing.T, cliPath string, maxIterations int) (*Driver, *statestore.Store, string) {
	t.Helper()
	stateDir := t.TempDir()

	cfg := &config.Config{
		StateDir:                stateDir,
		WorkingDir:              t.TempDir(),
		ProjectGoal:             "add README",
		WaitTimeSeconds:         0,
		MaxIterations:           maxIterations,
		MaxRetries:              3,
		MaxPlanRevisions:        3,
		EnableParallelExecution: true,
		MaxParallelWorkers:      2,
		LLMCallTimeout:          10 * time.Second,
		LockSweepStale:          300 * time.Second,
	}

	store, err := statestore.New(stateDir, clock.Real{}, nil)
	require.NoError(t, err)

	locks, err := tasklock.New(filepath.Join(stateDir, "locks"), clock.Real{})
	require.NoError(t, err)

	sched := scheduler.New(store, locks)
	invoker := llminvoke.New(cliPath, cfg.WorkingDir, "text", cfg.LLMCallTimeout)
	retryEnv := retry.New(cfg.MaxRetries, clock.NewFake(time.Now()), nil)
	intents, err := intent.New(stateDir, clock.Real{})
	require.NoError(t, err)
	metrics := NewMetrics(prometheus.NewRegistry())

	logDir := filepath.Join(stateDir, "logs")
	require.NoError(t, os.MkdirAll(logDir, 0755))
	errSink := logging.NewJSONLSink(logDir, "errors")

	d := New(cfg, store, locks, sched, invoker, retryEnv, intents, metrics, clock.Real{}, nil, nil, nil, errSink)
	return d, store, stateDir
}

// errorKinds reads every record from the test driver's errors JSONL sink.
func errorKinds(t *testing.T, stateDir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(stateDir, "logs"))
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "errors_") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(stateDir, "logs", e.Name()))
		require.NoError(t, err)
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			var rec logging.ErrorRecord
			require.NoError(t, json.Unmarshal([]byte(line), &rec))
			kinds = append(kinds, rec.Kind)
		}
	}
	return kinds
}

func TestRunSingleTaskHappyPath(t *testing.T) {
	cli := writeStubCLI(t, plannerOneTaskBody, workerReportBody)
	d, store, stateDir := newTestDriver(t, cli, 5)

	require.NoError(t, d.Run(context.Background()))

	tf, err := store.GetTasksFile()
	require.NoError(t, err)
	require.Len(t, tf.Tasks, 1)
	require.Equal(t, "task_001", tf.Tasks[0].ID)
	require.Equal(t, "Add README", tf.Tasks[0].Title)

	task, err := store.GetTaskByID("task_001")
	require.NoError(t, err)
	require.Equal(t, statestore.StatusCompleted, task.Status)
	require.NotEmpty(t, task.ResultFile)

	report, err := os.ReadFile(filepath.Join(stateDir, "results", "task_001.md"))
	require.NoError(t, err)
	require.Contains(t, string(report), "タスク完了レポート")

	status, err := store.GetStatus()
	require.NoError(t, err)
	require.False(t, status.ShouldContinue)
	require.Equal(t, 1, status.CurrentIteration)
	require.NotEmpty(t, status.LastJudgeRun)

	// One iteration completed, so the initial checkpoint plus at least one
	// per-iteration checkpoint exist.
	_, err = os.Stat(filepath.Join(stateDir, "checkpoints", "initial"))
	require.NoError(t, err)
	checkpoints, err := store.ListCheckpoints()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(checkpoints), 2)
}

func TestRunIterationSurvivesPlannerRetryExhaustion(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "plan-attempts")
	planBody := `    echo attempt >> "` + counter + `"
    echo "Error: rate limit exceeded"
    exit 1`
	cli := writeStubCLI(t, planBody, workerReportBody)
	d, store, stateDir := newTestDriver(t, cli, 3)

	require.NoError(t, d.Run(context.Background()))

	// The planner was retried MAX_RETRIES times per iteration and the judge
	// still ran, stopping the loop after the first iteration.
	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)

	// Exhausted retries surface as agent-error, not as the underlying
	// rate-limit kind.
	require.Contains(t, errorKinds(t, stateDir), "agent-error")

	status, err := store.GetStatus()
	require.NoError(t, err)
	require.NotEmpty(t, status.LastJudgeRun)
	require.False(t, status.ShouldContinue)
}

func TestRunRecoversInProgressTaskBeforeFirstIteration(t *testing.T) {
	cli := writeStubCLI(t, plannerEmptyBody, workerReportBody)
	d, store, _ := newTestDriver(t, cli, 2)

	// Seed a task left in_progress by a crashed run. The unmet dependency
	// keeps the scheduler from re-running it, so the recovered state is
	// still observable after Run returns.
	id, err := store.AddTask(&statestore.Task{Title: "stale", Dependencies: []string{"task_042"}})
	require.NoError(t, err)
	require.NoError(t, store.AssignTask(id, "worker-crashed"))

	require.NoError(t, d.Run(context.Background()))

	task, err := store.GetTaskByID(id)
	require.NoError(t, err)
	require.Equal(t, statestore.StatusPending, task.Status)
	require.NotEmpty(t, task.RecoveredAt)
	require.Equal(t, "System restart - task was in_progress", task.RecoveryReason)
}

func TestRunInterruptWritesInterruptedCheckpoint(t *testing.T) {
	cli := writeStubCLI(t, plannerEmptyBody, workerReportBody)
	d, _, stateDir := newTestDriver(t, cli, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.Run(ctx))

	_, err := os.Stat(filepath.Join(stateDir, "checkpoints", "interrupted"))
	require.NoError(t, err)
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	// Judge always says continue: swap the ask-mode response for one with
	// should_continue=true so only MAX_ITERATIONS bounds the loop.
	script := `#!/bin/sh
case "$@" in
  *"--mode plan"*)
` + plannerEmptyBody + `
    ;;
  *"--mode ask"*)
    echo '{"decision": "accept", "score": 0.5, "should_continue": true, "reason": "keep going", "progress_score": 0.2, "drift_detected": false}'
    exit 0
    ;;
  *)
` + workerReportBody + `
    ;;
esac
`
	cliPath := filepath.Join(t.TempDir(), "fake-agent.sh")
	require.NoError(t, os.WriteFile(cliPath, []byte(script), 0755))

	d, store, _ := newTestDriver(t, cliPath, 2)
	require.NoError(t, d.Run(context.Background()))

	status, err := store.GetStatus()
	require.NoError(t, err)
	require.Equal(t, 2, status.CurrentIteration)
	require.True(t, status.ShouldContinue)
}

func TestRunWorkerBatchReleasesLocksAfterCompletion(t *testing.T) {
	cli := writeStubCLI(t, plannerOneTaskBody, workerReportBody)
	d, _, stateDir := newTestDriver(t, cli, 5)

	require.NoError(t, d.Run(context.Background()))

	entries, err := os.ReadDir(filepath.Join(stateDir, "locks"))
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), ".lock"), "leftover lock %s", e.Name())
	}
}
