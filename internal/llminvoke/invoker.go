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

// Package llminvoke wraps the external LLM CLI as a subprocess: it feeds a
// prompt, streams merged stdout/stderr to a log sink, and classifies the
// outcome into the orchestrator's closed error taxonomy.
package llminvoke

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coderloop/coderloop/internal/agenterr"
)

// Mode is the hint passed to the CLI for which role is invoking it.
type Mode string

const (
	ModeAgent Mode = "agent"
	ModePlan  Mode = "plan"
	ModeAsk   Mode = "ask"
)

// Sink receives each line of subprocess output as it streams in, in
// addition to the invocation's in-memory accumulator.
type Sink interface {
	WriteLine(line string)
}

// NopSink discards every line.
type NopSink struct{}

func (NopSink) WriteLine(string) {}

// Invoker spawns the LLM CLI and classifies its outcome.
type Invoker struct {
	executable   string
	workingDir   string
	outputFormat string
	timeout      time.Duration
}

// New returns an Invoker that runs executable in workingDir, requesting
// outputFormat ("text"|"json") and enforcing timeout per call.
func New(executable, workingDir, outputFormat string, timeout time.Duration) *Invoker {
	if executable == "" {
		executable = "agent"
	}
	return &Invoker{executable: executable, workingDir: workingDir, outputFormat: outputFormat, timeout: timeout}
}

// Invoke runs the CLI with the given prompt, mode, and optional model
// override, streaming output to sink and returning the full collected text
// on success plus a call id correlating this invocation across the run log
// and the streamed debug lines. All failure modes are returned as
// *agenterr.Error.
func (inv *Invoker) Invoke(ctx context.Context, prompt string, mode Mode, model string, sink Sink) (string, string, error) {
	if sink == nil {
		sink = NopSink{}
	}

	callID := uuid.NewString()
	sink.WriteLine(fmt.Sprintf("[call %s] invoking %s mode=%s model=%s", callID, inv.executable, mode, model))

	args := []string{"-p", prompt, "--output-format", inv.outputFormat}
	if mode != ModeAgent {
		args = append(args, "--mode", string(mode))
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, inv.executable, args...)
	cmd.Dir = inv.workingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", callID, agenterr.Wrap(agenterr.KindGenericLLM, "failed to attach stdout pipe", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", callID, classifySpawnError(inv.executable, inv.workingDir, err)
	}

	var collected strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			collected.WriteString(line)
			collected.WriteString("\n")
			sink.WriteLine(line)
		}
	}()

	waitErr := cmd.Wait()
	<-done

	if callCtx.Err() == context.DeadlineExceeded {
		sink.WriteLine("[LLM invocation timed out]")
		return "", callID, agenterr.New(agenterr.KindTimeout, fmt.Sprintf("LLM call exceeded %s", inv.timeout))
	}

	output := collected.String()

	if waitErr != nil {
		lower := strings.ToLower(output)
		if strings.Contains(lower, "rate limit") || strings.Contains(output, "429") {
			return "", callID, agenterr.New(agenterr.KindRateLimit, "LLM CLI rate limit: "+output)
		}
		if strings.Contains(lower, "timeout") {
			return "", callID, agenterr.New(agenterr.KindTimeout, "LLM CLI reported timeout: "+output)
		}
		return "", callID, agenterr.New(agenterr.KindGenericLLM, "LLM CLI error: "+output)
	}

	return output, callID, nil
}

// AuthAvailable probes the CLI's cached credential locations so a missing
// login can be surfaced at startup instead of as a mid-iteration failure.
// home defaults to the current user's home directory when empty.
func AuthAvailable(home string) bool {
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return false
		}
	}
	for _, p := range []string{
		filepath.Join(home, ".cursor"),
		filepath.Join(home, ".config", "cursor", "auth.json"),
	} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func classifySpawnError(executable, workingDir string, err error) error {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return agenterr.Wrap(agenterr.KindFatalMissingTool,
			fmt.Sprintf("LLM CLI %q not found on PATH", executable), err)
	}
	if strings.Contains(err.Error(), "no such file or directory") && strings.Contains(err.Error(), workingDir) {
		return agenterr.Wrap(agenterr.KindFatalConfig,
			fmt.Sprintf("working directory does not exist: %s", workingDir), err)
	}
	return agenterr.Wrap(agenterr.KindFatalMissingTool, "failed to start LLM CLI", err)
}
