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

// Package config holds the orchestrator's process-wide configuration as a
// single immutable struct, built once at startup and threaded explicitly
// to every component that needs it (no package-level globals).
package config

import "time"

// Config is the fully resolved, immutable configuration for one run of the
// orchestrator, loaded once from the environment by Load.
type Config struct {
	// Paths.
	ProjectRoot   string `json:"project_root"`
	TargetProject string `json:"target_project"`
	WorkingDir    string `json:"working_dir"`
	StateDir      string `json:"state_dir"`
	LogDir        string `json:"log_dir"`

	// LLM backend.
	LLMBackend      string `json:"llm_backend"`
	LLMOutputFormat string `json:"llm_output_format"`
	LLMModel        string `json:"llm_model"`

	// Per-role model overrides.
	PlannerModel string `json:"planner_model"`
	WorkerModel  string `json:"worker_model"`
	JudgeModel   string `json:"judge_model"`

	// Dynamic model selection.
	ModelSelectionEnabled      bool    `json:"model_selection_enabled"`
	WorkerModelLight           string  `json:"worker_model_light"`
	WorkerModelStandard        string  `json:"worker_model_standard"`
	WorkerModelPowerful        string  `json:"worker_model_powerful"`
	ModelComplexityThresholdLo float64 `json:"model_complexity_threshold_light"`
	ModelComplexityThresholdHi float64 `json:"model_complexity_threshold_powerful"`

	// Logging.
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogFsync  bool   `json:"log_fsync"`

	// Loop control.
	WaitTimeSeconds  int `json:"wait_time_seconds"`
	MaxIterations    int `json:"max_iterations"`
	MaxRetries       int `json:"max_retries"`
	MaxPlanRevisions int `json:"max_plan_revisions"`

	// Parallelism.
	EnableParallelExecution bool `json:"enable_parallel_execution"`
	MaxParallelWorkers      int  `json:"max_parallel_workers"`

	// Goal.
	ProjectGoal string `json:"project_goal"`

	// Operational surface.
	MetricsAddr string `json:"metrics_addr"`
	Dashboard   bool   `json:"dashboard"`

	// Derived/internal, not environment-sourced.
	LLMCallTimeout   time.Duration `json:"-"`
	LockAcquireStale time.Duration `json:"-"`
	LockSweepStale   time.Duration `json:"-"`
}

// WaitTime returns the configured inter-phase sleep as a Duration.
func (c *Config) WaitTime() time.Duration {
	return time.Duration(c.WaitTimeSeconds) * time.Second
}

// RoleModel resolves a role's model: the per-role override when set,
// otherwise the global LLM_MODEL, otherwise "" (the backend default).
func (c *Config) RoleModel(override string) string {
	if override != "" {
		return override
	}
	return c.LLMModel
}
