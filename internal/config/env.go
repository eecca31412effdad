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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load builds a Config from the process environment, optionally loading a
// .env file first if one exists in the current directory. Every field has
// a default; empty-string per-role model overrides are treated as unset.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if loadErr := godotenv.Load(); loadErr != nil {
			return nil, loadErr
		}
	}

	cfg := &Config{
		ProjectRoot:   getenv("PROJECT_ROOT", "."),
		TargetProject: getenv("TARGET_PROJECT", "."),

		LLMBackend:      getenv("LLM_BACKEND", "cursor_cli"),
		LLMOutputFormat: getenv("LLM_OUTPUT_FORMAT", "text"),
		LLMModel:        getenvOrUnset("LLM_MODEL"),

		PlannerModel: getenvOrUnset("PLANNER_MODEL"),
		WorkerModel:  getenvOrUnset("WORKER_MODEL"),
		JudgeModel:   getenvOrUnset("JUDGE_MODEL"),

		ModelSelectionEnabled:      getbool("MODEL_SELECTION_ENABLED", false),
		WorkerModelLight:           getenvOrUnset("WORKER_MODEL_LIGHT"),
		WorkerModelStandard:        getenvOrUnset("WORKER_MODEL_STANDARD"),
		WorkerModelPowerful:        getenvOrUnset("WORKER_MODEL_POWERFUL"),
		ModelComplexityThresholdLo: getfloat("MODEL_COMPLEXITY_THRESHOLD_LIGHT", 10.0),
		ModelComplexityThresholdHi: getfloat("MODEL_COMPLEXITY_THRESHOLD_POWERFUL", 30.0),

		StateDir:  getenv("STATE_DIR", "state"),
		LogDir:    getenv("LOG_DIR", "logs"),
		LogLevel:  getenv("LOG_LEVEL", "INFO"),
		LogFormat: getenv("LOG_FORMAT", "simple"),
		LogFsync:  getbool("LOG_FSYNC", false),

		WaitTimeSeconds:  getint("WAIT_TIME_SECONDS", 60),
		MaxIterations:    getint("MAX_ITERATIONS", 100),
		MaxRetries:       getint("MAX_RETRIES", 3),
		MaxPlanRevisions: getint("MAX_PLAN_REVISIONS", 3),

		EnableParallelExecution: getbool("ENABLE_PARALLEL_EXECUTION", true),
		MaxParallelWorkers:      getint("MAX_PARALLEL_WORKERS", 3),

		ProjectGoal: getenv("PROJECT_GOAL", ""),

		MetricsAddr: getenv("METRICS_ADDR", ":9090"),
		Dashboard:   getbool("DASHBOARD", false),
	}

	workingDir, err := filepath.Abs(cfg.TargetProject)
	if err != nil {
		return nil, err
	}
	cfg.WorkingDir = workingDir

	cfg.LLMCallTimeout = 300 * time.Second
	cfg.LockAcquireStale = 30 * time.Second
	cfg.LockSweepStale = 300 * time.Second

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getenvOrUnset returns the environment value, or "" (unset) if empty —
// the caller decides what "unset" means downstream (e.g. fall back to the
// backend default model).
func getenvOrUnset(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getfloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return parsed
}
