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
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

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

// Build wires the production Driver from cfg: a real wall clock, the
// default Prometheus registry, and JSONL sinks under cfg.LogDir.
func Build(cfg *config.Config, log *slog.Logger) (*Driver, error) {
	if log == nil {
		log = slog.Default()
	}
	c := clock.Real{}

	store, err := statestore.New(cfg.StateDir, c, log)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	locks, err := tasklock.New(filepath.Join(cfg.StateDir, "locks"), c, tasklock.WithAcquireStale(cfg.LockAcquireStale))
	if err != nil {
		return nil, fmt.Errorf("open lock manager: %w", err)
	}

	sched := scheduler.New(store, locks)

	invoker := llminvoke.New(cfg.LLMBackend, cfg.WorkingDir, cfg.LLMOutputFormat, cfg.LLMCallTimeout)

	retryEnv := retry.New(cfg.MaxRetries, c, log)

	intents, err := intent.New(cfg.StateDir, c)
	if err != nil {
		return nil, fmt.Errorf("open intent tracker: %w", err)
	}

	metrics := NewMetrics(prometheus.DefaultRegisterer)

	runLog := logging.NewJSONLSink(cfg.LogDir, "agent_runs").WithFsync(cfg.LogFsync)
	progress := logging.NewJSONLSink(cfg.LogDir, "progress").WithFsync(cfg.LogFsync)
	errors := logging.NewJSONLSink(cfg.LogDir, "errors").WithFsync(cfg.LogFsync)

	return New(cfg, store, locks, sched, invoker, retryEnv, intents, metrics, c, log, runLog, progress, errors), nil
}
