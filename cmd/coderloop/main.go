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

// Command coderloop drives the plan -> execute -> judge loop against a
// target repository.
//
// Usage:
//
//	coderloop run
//	coderloop --dashboard
//	coderloop validate
//	coderloop schema
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/coderloop/coderloop/internal/config"
	"github.com/coderloop/coderloop/internal/dashboard"
	"github.com/coderloop/coderloop/internal/driver"
	"github.com/coderloop/coderloop/internal/httpserver"
	"github.com/coderloop/coderloop/internal/llminvoke"
	"github.com/coderloop/coderloop/internal/logging"
	"github.com/coderloop/coderloop/internal/statestore"
	"github.com/coderloop/coderloop/internal/clock"
)

// CLI defines the command-line interface. "coderloop" with no arguments is
// equivalent to "coderloop run"; the top-level --dashboard flag is kept as
// an alias for the dashboard subcommand.
type CLI struct {
	Run       RunCmd       `cmd:"" default:"1" help:"Run the plan-execute-judge loop."`
	Dashboard DashboardCmd `cmd:"" help:"Launch the read-only terminal dashboard."`
	Validate  ValidateCmd  `cmd:"" help:"Validate the on-disk state store."`
	Schema    SchemaCmd    `cmd:"" help:"Print the JSON Schema for the config surface."`
	Version   VersionCmd   `cmd:"" help:"Show version information."`

	DashboardFlag bool   `name:"dashboard" help:"Launch the dashboard instead of the loop (equivalent to 'coderloop dashboard')."`
	LogLevel      string `help:"Log level (debug, info, warn, error)." default:"" env:"LOG_LEVEL"`
	LogFormat     string `help:"Log format (simple or verbose)." default:"" env:"LOG_FORMAT"`
}

// RunCmd runs the Iteration Driver until the Judge signals stop, the
// iteration limit is reached, or the process is interrupted.
type RunCmd struct{}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, log, err := loadAndInit(cli)
	if err != nil {
		return err
	}

	// DASHBOARD=true in the environment selects the observer just like the
	// --dashboard flag does.
	if cfg.Dashboard {
		return runDashboard(cli)
	}

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	// Tee the run's log output into the rotating execution log so the
	// console and logs/execution_YYYYMMDD.log carry the same records.
	execLog := filepath.Join(cfg.LogDir, fmt.Sprintf("execution_%s.log", time.Now().Format("20060102")))
	rotating, err := logging.NewRotatingFile(execLog, 10<<20, 5)
	if err != nil {
		return fmt.Errorf("open execution log: %w", err)
	}
	defer rotating.Close()

	level, err := logging.ParseLevel(pickOr(cli.LogLevel, cfg.LogLevel))
	if err != nil {
		return err
	}
	log = logging.Init(level, io.MultiWriter(os.Stderr, rotating), pickOr(cli.LogFormat, cfg.LogFormat))

	if !llminvoke.AuthAvailable("") {
		log.Warn("no cached CLI credentials found, LLM calls may fail until login")
	}

	shutdownTracing, err := initTracing(cfg)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Warn("trace exporter shutdown failed", "error", err)
			}
		}()
	}

	printStartupBanner(cfg)

	d, err := driver.Build(cfg, log)
	if err != nil {
		return fmt.Errorf("build driver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received interrupt signal, finishing current phase and shutting down")
		cancel()
	}()

	if cfg.MetricsAddr != "" {
		store, serr := statestore.New(cfg.StateDir, clock.Real{}, log)
		if serr == nil {
			hsrv := httpserver.New(cfg.MetricsAddr, store, nil, log)
			if err := hsrv.Start(); err != nil {
				log.Warn("failed to start operational http surface", "error", err)
			} else {
				defer hsrv.Stop(context.Background())
			}
		}
	}

	return d.Run(ctx)
}

func printStartupBanner(cfg *config.Config) {
	fmt.Println("coderloop - autonomous plan/execute/judge orchestrator")
	fmt.Printf("  goal:       %s\n", cfg.ProjectGoal)
	fmt.Printf("  target:     %s\n", cfg.WorkingDir)
	fmt.Printf("  state dir:  %s\n", cfg.StateDir)
	fmt.Printf("  parallel:   %v (max workers: %d)\n", cfg.EnableParallelExecution, cfg.MaxParallelWorkers)
	fmt.Printf("  iterations: up to %d, %ds between phases\n", cfg.MaxIterations, cfg.WaitTimeSeconds)
	fmt.Println()
}

// DashboardCmd launches the read-only terminal dashboard.
type DashboardCmd struct{}

func (c *DashboardCmd) Run(cli *CLI) error {
	return runDashboard(cli)
}

func runDashboard(cli *CLI) error {
	cfg, log, err := loadAndInit(cli)
	if err != nil {
		return err
	}

	store, err := statestore.New(cfg.StateDir, clock.Real{}, log)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return dashboard.Run(ctx, store, cfg.StateDir, cfg.ProjectGoal, log)
}

// ValidateCmd runs StateStore.Validate and prints the verdict.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, log, err := loadAndInit(cli)
	if err != nil {
		return err
	}

	store, err := statestore.New(cfg.StateDir, clock.Real{}, log)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	result, err := store.Validate()
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	if result.Valid {
		fmt.Println("state: valid")
	} else {
		fmt.Println("state: INVALID")
	}
	for _, e := range result.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}

	if !result.Valid {
		return fmt.Errorf("state store validation failed")
	}
	return nil
}

// SchemaCmd prints the JSON Schema for the config surface.
type SchemaCmd struct{}

func (c *SchemaCmd) Run(cli *CLI) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	fmt.Println(string(schema))
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Printf("coderloop %s\n", version)
	return nil
}

// loadAndInit loads Config from the environment and installs the
// process-wide slog.Logger, applying any CLI overrides for level/format.
func loadAndInit(cli *CLI) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(pickOr(cli.LogLevel, cfg.LogLevel))
	if err != nil {
		return nil, nil, err
	}
	log := logging.Init(level, os.Stderr, pickOr(cli.LogFormat, cfg.LogFormat))

	return cfg, log, nil
}

// pickOr returns the CLI override when set, the config value otherwise.
func pickOr(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("coderloop"),
		kong.Description("coderloop - autonomous coding-agent orchestrator"),
		kong.UsageOnError(),
	)

	if cli.DashboardFlag {
		if err := runDashboard(&cli); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	err := kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}
