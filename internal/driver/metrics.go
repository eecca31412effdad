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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors the driver updates as the loop
// runs. Registered against the caller-supplied registerer so cmd/coderloop's
// /metrics handler (internal/httpserver) can scrape them without the driver
// knowing about HTTP at all, and so tests can register against a private
// registry instead of colliding on the global default.
type Metrics struct {
	Iterations      prometheus.Counter
	RoleInvocations *prometheus.CounterVec
	RoleDuration    *prometheus.HistogramVec
	TasksCompleted  prometheus.Counter
	TasksFailed     prometheus.Counter
	LockWaitSeconds prometheus.Histogram
	Checkpoints     prometheus.Counter
}

// NewMetrics registers and returns the driver's collector set against reg.
// Pass prometheus.DefaultRegisterer in production; tests should pass a fresh
// prometheus.NewRegistry() so repeated Driver construction in the same test
// binary never panics on duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Iterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "coderloop_iterations_total",
			Help: "Number of iteration-driver loop iterations started.",
		}),
		RoleInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coderloop_role_invocations_total",
			Help: "Role Runner invocations by role and outcome.",
		}, []string{"role", "outcome"}),
		RoleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coderloop_role_duration_seconds",
			Help:    "Role Runner invocation duration by role.",
			Buckets: prometheus.DefBuckets,
		}, []string{"role"}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "coderloop_tasks_completed_total",
			Help: "Tasks marked completed by a Worker.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "coderloop_tasks_failed_total",
			Help: "Tasks marked failed by a Worker.",
		}),
		LockWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coderloop_lock_wait_seconds",
			Help:    "Time a Worker spent waiting to acquire its file locks.",
			Buckets: prometheus.DefBuckets,
		}),
		Checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Name: "coderloop_checkpoints_total",
			Help: "Checkpoints and backups written by the driver.",
		}),
	}
}
