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

// Package driver implements the Iteration Driver: the top-level loop that
// sequences a Planner run (with its Plan-Judge revision sub-loop), a batch
// of Workers, and a Judge run each iteration, checkpointing state and
// honoring the Judge's stop signal.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/coderloop/coderloop/internal/agenterr"
	"github.com/coderloop/coderloop/internal/clock"
	"github.com/coderloop/coderloop/internal/config"
	"github.com/coderloop/coderloop/internal/intent"
	"github.com/coderloop/coderloop/internal/llminvoke"
	"github.com/coderloop/coderloop/internal/logging"
	"github.com/coderloop/coderloop/internal/retry"
	"github.com/coderloop/coderloop/internal/roles"
	"github.com/coderloop/coderloop/internal/scheduler"
	"github.com/coderloop/coderloop/internal/statestore"
	"github.com/coderloop/coderloop/internal/tasklock"
)

// Driver owns one run of the Planner → Worker batch → Judge loop.
type Driver struct {
	cfg      *config.Config
	store    *statestore.Store
	locks    *tasklock.Manager
	sched    *scheduler.Scheduler
	retryEnv *retry.Envelope
	intents  *intent.Tracker
	runner   *roles.Runner
	selector roles.ModelSelector
	metrics  *Metrics
	clock    clock.Clock
	log      *slog.Logger
	tracer   trace.Tracer
	progress *logging.JSONLSink
	errors   *logging.JSONLSink
}

// New assembles a Driver from its collaborators. Callers that just want the
// production wiring should use Build instead.
func New(
	cfg *config.Config,
	store *statestore.Store,
	locks *tasklock.Manager,
	sched *scheduler.Scheduler,
	invoker *llminvoke.Invoker,
	retryEnv *retry.Envelope,
	intents *intent.Tracker,
	metrics *Metrics,
	c clock.Clock,
	log *slog.Logger,
	runLog, progress, errors *logging.JSONLSink,
) *Driver {
	if log == nil {
		log = slog.Default()
	}
	runner := roles.NewRunner(store, invoker, retryEnv, c, log, runLog)
	return &Driver{
		cfg:      cfg,
		store:    store,
		locks:    locks,
		sched:    sched,
		retryEnv: retryEnv,
		intents:  intents,
		runner:   runner,
		selector: selectorFromConfig(cfg),
		metrics:  metrics,
		clock:    c,
		log:      log,
		tracer:   otel.Tracer("coderloop/driver"),
		progress: progress,
		errors:   errors,
	}
}

func selectorFromConfig(cfg *config.Config) roles.ModelSelector {
	return roles.ModelSelector{
		Enabled:           cfg.ModelSelectionEnabled,
		ThresholdLight:    cfg.ModelComplexityThresholdLo,
		ThresholdPowerful: cfg.ModelComplexityThresholdHi,
		ModelLight:        cfg.WorkerModelLight,
		ModelStandard:     cfg.WorkerModelStandard,
		ModelPowerful:     cfg.WorkerModelPowerful,
		ModelDefault:      cfg.RoleModel(cfg.WorkerModel),
	}
}

// Run executes the startup recovery sequence and then the iteration loop
// until the Judge signals stop, MAX_ITERATIONS is reached, ctx is canceled,
// or a state-store level error aborts the run.
func (d *Driver) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("iteration driver panic, writing error checkpoint", "panic", r)
			d.locks.ReleaseAll()
			if _, cerr := d.store.CreateCheckpoint("error"); cerr != nil {
				d.log.Error("failed to write error checkpoint", "error", cerr)
			}
			err = fmt.Errorf("iteration driver: %v", r)
		}
	}()

	if err := d.startup(); err != nil {
		return err
	}

	for i := 1; i <= d.cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			return d.handleInterrupt()
		}

		shouldContinue, iterErr := d.runIteration(ctx, i)

		if ctx.Err() != nil {
			return d.handleInterrupt()
		}

		if iterErr != nil {
			d.logError(i, agenterr.Classify(iterErr), iterErr.Error())
			d.locks.ReleaseAll()
			if _, cerr := d.store.CreateCheckpoint("error"); cerr != nil {
				d.log.Error("failed to write error checkpoint", "error", cerr)
			}
			return fmt.Errorf("iteration %d: %w", i, iterErr)
		}

		if !shouldContinue {
			d.log.Info("judge signaled stop, ending run", "iteration", i)
			return nil
		}
	}

	d.log.Info("reached max iterations", "max_iterations", d.cfg.MaxIterations)
	return nil
}

func (d *Driver) handleInterrupt() error {
	d.locks.ReleaseAll()
	if _, err := d.store.CreateCheckpoint("interrupted"); err != nil {
		d.log.Error("failed to write interrupted checkpoint", "error", err)
	} else {
		d.metrics.Checkpoints.Inc()
	}
	d.log.Info("interrupted, exiting cleanly")
	return nil
}

// startup validates durable state, recovers from corruption if needed,
// resets any in_progress task left over from a prior crash, and writes the
// "initial" checkpoint.
func (d *Driver) startup() error {
	result, err := d.store.Validate()
	if err != nil {
		return fmt.Errorf("validate state: %w", err)
	}
	if !result.Valid {
		d.log.Warn("state validation failed, attempting recovery", "errors", result.Errors)
		if !d.store.RecoverFromCorruption() {
			return agenterr.New(agenterr.KindStateCorruption, "state invalid and no checkpoint or backup available to recover from")
		}
		d.log.Info("recovered state from checkpoint or backup")
	}

	recovered, err := d.store.RecoverInProgressTasks()
	if err != nil {
		return fmt.Errorf("recover in-progress tasks: %w", err)
	}
	if len(recovered) > 0 {
		d.log.Info("recovered in-progress tasks to pending", "task_ids", recovered)
	}

	if _, err := d.store.CreateCheckpoint("initial"); err != nil {
		return fmt.Errorf("create initial checkpoint: %w", err)
	}
	d.metrics.Checkpoints.Inc()
	return nil
}

// runIteration runs one full Planner → Worker batch → Judge cycle. It
// returns the Judge's should_continue verdict and an error only for
// failures the Driver itself cannot tolerate (state-store level failures);
// individual role failures are logged and the loop proceeds to the next
// phase, per the propagation policy.
func (d *Driver) runIteration(ctx context.Context, iteration int) (bool, error) {
	ctx, span := d.tracer.Start(ctx, "iteration", trace.WithAttributes(attribute.Int("iteration", iteration)))
	defer span.End()

	if err := d.store.UpdateStatus(map[string]any{"current_iteration": iteration}); err != nil {
		return false, fmt.Errorf("patch current_iteration: %w", err)
	}
	d.metrics.Iterations.Inc()

	d.runPlanningPhase(ctx, iteration)

	if d.sleepInterruptible(ctx, d.cfg.WaitTime()) {
		return false, nil
	}

	d.runWorkerBatch(ctx, iteration)

	if removed, err := d.locks.CleanupStale(d.cfg.LockSweepStale); err != nil {
		d.log.Warn("lock cleanup sweep failed", "error", err)
	} else if removed > 0 {
		d.log.Info("removed stale locks", "count", removed)
	}

	if d.sleepInterruptible(ctx, d.cfg.WaitTime()) {
		return false, nil
	}

	d.runJudgePhase(ctx, iteration)
	d.logProgress(iteration)

	status, err := d.store.GetStatus()
	if err != nil {
		return false, fmt.Errorf("read status: %w", err)
	}

	if _, err := d.store.CreateCheckpoint(""); err != nil {
		return false, fmt.Errorf("create checkpoint: %w", err)
	}
	d.metrics.Checkpoints.Inc()

	if iteration%5 == 0 {
		if _, err := d.store.CreateBackup(""); err != nil {
			d.log.Warn("periodic backup failed", "iteration", iteration, "error", err)
		} else {
			d.metrics.Checkpoints.Inc()
		}
	}

	if d.sleepInterruptible(ctx, d.cfg.WaitTime()) {
		return false, nil
	}

	return status.ShouldContinue, nil
}

// runPlanningPhase runs the Planner, then the Plan-Judge revision sub-loop:
// up to MAX_PLAN_REVISIONS re-plans if the Plan Judge rejects.
// Non-convergence is logged and ends only the planning phase — pending
// tasks from a prior iteration still run in the Worker batch.
func (d *Driver) runPlanningPhase(ctx context.Context, iteration int) {
	planner := roles.NewPlanner(d.cfg.RoleModel(d.cfg.PlannerModel), d.cfg.WorkingDir, d.log)
	if _, err := d.runRole(ctx, planner, iteration); err != nil {
		d.log.Error("planner failed", "iteration", iteration, "error", err)
		d.logError(iteration, agenterr.Classify(err), err.Error())
		return
	}

	planJudge := roles.NewPlanJudge(d.cfg.RoleModel(d.cfg.JudgeModel), d.clock, d.log)
	for revision := 0; ; revision++ {
		parsed, err := d.runRole(ctx, planJudge, iteration)
		if err != nil {
			d.log.Error("plan judge failed", "iteration", iteration, "error", err)
			d.logError(iteration, agenterr.Classify(err), err.Error())
			return
		}

		decision, _ := parsed["decision"].(string)
		if roles.Accepted(decision) {
			return
		}

		if revision >= d.cfg.MaxPlanRevisions {
			stalled := agenterr.New(agenterr.KindPlanningStalled,
				fmt.Sprintf("plan not accepted after %d revisions", d.cfg.MaxPlanRevisions))
			d.log.Error("planning failed to converge", "iteration", iteration, "error", stalled)
			d.logError(iteration, agenterr.KindPlanningStalled, stalled.Error())
			return
		}

		d.log.Info("plan judge requested a revision", "iteration", iteration, "revision", revision+1)
		if _, err := d.runRole(ctx, planner, iteration); err != nil {
			d.log.Error("planner revision failed", "iteration", iteration, "error", err)
			d.logError(iteration, agenterr.Classify(err), err.Error())
			return
		}
	}
}

// runWorkerBatch asks the Scheduler for a non-conflicting batch and runs
// each selected task's Worker, in parallel when enabled.
func (d *Driver) runWorkerBatch(ctx context.Context, iteration int) {
	maxWorkers := 1
	if d.cfg.EnableParallelExecution {
		maxWorkers = d.cfg.MaxParallelWorkers
	}

	tasks, err := d.sched.GetParallelizableTasks(maxWorkers)
	if err != nil {
		d.log.Error("failed to select worker batch", "iteration", iteration, "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	if !d.cfg.EnableParallelExecution {
		d.runWorker(ctx, tasks[0], iteration)
		return
	}

	sem := semaphore.NewWeighted(int64(maxWorkers))
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			d.runWorker(gctx, task, iteration)
			return nil
		})
	}
	_ = g.Wait()
}

// runWorker acquires locks on every file the task intends to touch, runs
// the Worker under the Role Runner, and releases the locks regardless of
// outcome. A lock acquisition failure abandons the task for this iteration
// without marking it failed — the Scheduler will offer it again later.
func (d *Driver) runWorker(ctx context.Context, task *statestore.Task, iteration int) {
	ctx, span := d.tracer.Start(ctx, "worker.task", trace.WithAttributes(attribute.String("task_id", task.ID)))
	defer span.End()

	files := scheduler.ExtractTaskFiles(task)
	acquired := make([]string, 0, len(files))
	lockStart := d.clock.Now()

	ok := true
	for _, f := range files {
		got, err := d.locks.Acquire(f, task.ID, 10*time.Second)
		if err != nil {
			d.log.Error("lock acquire error", "task_id", task.ID, "file", f, "error", err)
			ok = false
			break
		}
		if !got {
			d.log.Warn("failed to acquire file lock, skipping task this iteration", "task_id", task.ID, "file", f)
			ok = false
			break
		}
		acquired = append(acquired, f)
	}
	d.metrics.LockWaitSeconds.Observe(d.clock.Now().Sub(lockStart).Seconds())

	defer func() {
		for _, f := range acquired {
			d.locks.Release(f)
		}
	}()

	if !ok {
		return
	}

	if err := d.store.AssignTask(task.ID, "worker-"+task.ID); err != nil {
		d.log.Error("failed to assign task", "task_id", task.ID, "error", err)
		return
	}

	worker := roles.NewWorker(task, d.cfg.WorkingDir, d.selector, d.intents, d.clock, d.log)
	if _, err := d.runRole(ctx, worker, iteration); err != nil {
		d.log.Error("worker failed", "task_id", task.ID, "error", err)
		d.logError(iteration, agenterr.Classify(err), err.Error())
		if failErr := d.store.FailTask(task.ID, err.Error()); failErr != nil {
			d.log.Error("failed to mark task failed", "task_id", task.ID, "error", failErr)
		}
		d.metrics.TasksFailed.Inc()
		return
	}
	d.metrics.TasksCompleted.Inc()
}

func (d *Driver) runJudgePhase(ctx context.Context, iteration int) {
	judge := roles.NewJudge(d.cfg.RoleModel(d.cfg.JudgeModel), d.clock, d.log)
	if _, err := d.runRole(ctx, judge, iteration); err != nil {
		d.log.Error("judge failed", "iteration", iteration, "error", err)
		d.logError(iteration, agenterr.Classify(err), err.Error())
	}
}

// runRole wraps one Role Runner invocation with a trace span and the
// per-role Prometheus counters/histogram.
func (d *Driver) runRole(ctx context.Context, strategy roles.Strategy, iteration int) (map[string]any, error) {
	ctx, span := d.tracer.Start(ctx, "role."+strategy.Name(), trace.WithAttributes(attribute.Int("iteration", iteration)))
	defer span.End()

	start := d.clock.Now()
	parsed, err := d.runner.Run(ctx, strategy, iteration, d.cfg.ProjectGoal)
	d.metrics.RoleDuration.WithLabelValues(strategy.Name()).Observe(d.clock.Now().Sub(start).Seconds())

	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
	}
	d.metrics.RoleInvocations.WithLabelValues(strategy.Name(), outcome).Inc()
	return parsed, err
}

func (d *Driver) logProgress(iteration int) {
	stats, err := d.store.TaskStatistics()
	if err != nil {
		d.log.Warn("failed to load task statistics for progress log", "error", err)
		return
	}
	status, err := d.store.GetStatus()
	if err != nil {
		d.log.Warn("failed to load status for progress log", "error", err)
		return
	}

	d.log.Info("progress",
		"iteration", iteration,
		"total", stats.Total,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"pending", stats.Pending,
		"should_continue", status.ShouldContinue,
	)

	if d.progress != nil {
		d.progress.Append(d.clock.Now(), logging.ProgressRecord{
			Timestamp:      d.clock.Now(),
			Iteration:      iteration,
			ProgressScore:  status.ProgressScore,
			DriftDetected:  status.DriftDetected,
			ShouldContinue: status.ShouldContinue,
			Reason:         status.Reason,
		})
	}
}

func (d *Driver) logError(iteration int, kind agenterr.Kind, message string) {
	if d.errors == nil {
		return
	}
	d.errors.Append(d.clock.Now(), logging.ErrorRecord{
		Timestamp: d.clock.Now(),
		Kind:      string(kind),
		Message:   message,
		Iteration: iteration,
	})
}

// sleepInterruptible sleeps for dur on the driver's clock, returning true
// early if ctx is canceled first.
func (d *Driver) sleepInterruptible(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() != nil
	}
	select {
	case <-ctx.Done():
		return true
	case <-d.clock.After(dur):
		return false
	}
}
