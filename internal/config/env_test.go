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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "cursor_cli", cfg.LLMBackend)
	require.Equal(t, "text", cfg.LLMOutputFormat)
	require.Equal(t, "state", cfg.StateDir)
	require.Equal(t, "logs", cfg.LogDir)
	require.Equal(t, 60, cfg.WaitTimeSeconds)
	require.Equal(t, 100, cfg.MaxIterations)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 3, cfg.MaxPlanRevisions)
	require.True(t, cfg.EnableParallelExecution)
	require.Equal(t, 3, cfg.MaxParallelWorkers)
	require.False(t, cfg.ModelSelectionEnabled)
	require.Equal(t, 10.0, cfg.ModelComplexityThresholdLo)
	require.Equal(t, 30.0, cfg.ModelComplexityThresholdHi)
	require.Equal(t, 300*time.Second, cfg.LLMCallTimeout)
	require.Equal(t, 300*time.Second, cfg.LockSweepStale)
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("WAIT_TIME_SECONDS", "0")
	t.Setenv("MAX_ITERATIONS", "7")
	t.Setenv("ENABLE_PARALLEL_EXECUTION", "false")
	t.Setenv("MODEL_SELECTION_ENABLED", "true")
	t.Setenv("MODEL_COMPLEXITY_THRESHOLD_LIGHT", "5.5")
	t.Setenv("PROJECT_GOAL", "add README")
	t.Setenv("PLANNER_MODEL", "fast-model")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 0, cfg.WaitTimeSeconds)
	require.Equal(t, 7, cfg.MaxIterations)
	require.False(t, cfg.EnableParallelExecution)
	require.True(t, cfg.ModelSelectionEnabled)
	require.Equal(t, 5.5, cfg.ModelComplexityThresholdLo)
	require.Equal(t, "add README", cfg.ProjectGoal)
	require.Equal(t, "fast-model", cfg.PlannerModel)
}

func TestLoadEmptyModelOverrideMeansUnset(t *testing.T) {
	t.Setenv("WORKER_MODEL", "")
	t.Setenv("JUDGE_MODEL", "  ")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "", cfg.WorkerModel)
	require.Equal(t, "", cfg.JudgeModel)
}

func TestLoadUnparseableValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("MAX_ITERATIONS", "many")
	t.Setenv("ENABLE_PARALLEL_EXECUTION", "yes please")
	t.Setenv("MODEL_COMPLEXITY_THRESHOLD_POWERFUL", "high")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 100, cfg.MaxIterations)
	require.True(t, cfg.EnableParallelExecution)
	require.Equal(t, 30.0, cfg.ModelComplexityThresholdHi)
}

func TestLoadResolvesWorkingDirFromTargetProject(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TARGET_PROJECT", dir)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, dir, cfg.WorkingDir)
}

func TestWaitTimeConvertsSecondsToDuration(t *testing.T) {
	cfg := &Config{WaitTimeSeconds: 2}
	require.Equal(t, 2*time.Second, cfg.WaitTime())
}

func TestJSONSchemaIncludesConfigFields(t *testing.T) {
	schema, err := JSONSchema()
	require.NoError(t, err)
	require.Contains(t, string(schema), "max_parallel_workers")
	require.Contains(t, string(schema), "project_goal")
}

func TestRoleModelFallsBackToGlobalModel(t *testing.T) {
	cfg := &Config{LLMModel: "base-model", PlannerModel: "plan-model"}
	require.Equal(t, "plan-model", cfg.RoleModel(cfg.PlannerModel))
	require.Equal(t, "base-model", cfg.RoleModel(cfg.JudgeModel))

	empty := &Config{}
	require.Equal(t, "", empty.RoleModel(""))
}
