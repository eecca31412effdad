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

package llminvoke

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderloop/coderloop/internal/agenterr"
)

type collectingSink struct {
	lines []string
}

func (s *collectingSink) WriteLine(line string) { s.lines = append(s.lines, line) }

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-llm.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestInvokeSuccessReturnsOutputAndCallID(t *testing.T) {
	script := writeScript(t, `echo "plan produced successfully"
exit 0
`)
	inv := New(script, t.TempDir(), "text", 5*time.Second)

	sink := &collectingSink{}
	output, callID, err := inv.Invoke(context.Background(), "do the thing", ModeAgent, "", sink)

	require.NoError(t, err)
	require.Contains(t, output, "plan produced successfully")
	require.NotEmpty(t, callID)
	require.NotEmpty(t, sink.lines)
}

func TestInvokeRateLimitIsClassifiedAndRetryable(t *testing.T) {
	script := writeScript(t, `echo "Error: rate limit exceeded, please retry later"
exit 1
`)
	inv := New(script, t.TempDir(), "text", 5*time.Second)

	_, _, err := inv.Invoke(context.Background(), "prompt", ModeAgent, "", nil)

	require.Error(t, err)
	require.Equal(t, agenterr.KindRateLimit, agenterr.Classify(err))
	require.True(t, agenterr.IsRetryable(err))
}

func TestInvokeGenericFailureIsGenericLLM(t *testing.T) {
	script := writeScript(t, `echo "boom, something broke"
exit 1
`)
	inv := New(script, t.TempDir(), "text", 5*time.Second)

	_, _, err := inv.Invoke(context.Background(), "prompt", ModeAgent, "", nil)

	require.Error(t, err)
	require.Equal(t, agenterr.KindGenericLLM, agenterr.Classify(err))
	require.True(t, agenterr.IsRetryable(err))
}

func TestInvokeDeadlineExceededIsTimeout(t *testing.T) {
	script := writeScript(t, `sleep 5
`)
	inv := New(script, t.TempDir(), "text", 150*time.Millisecond)

	_, _, err := inv.Invoke(context.Background(), "prompt", ModeAgent, "", nil)

	require.Error(t, err)
	require.Equal(t, agenterr.KindTimeout, agenterr.Classify(err))
	require.True(t, agenterr.IsRetryable(err))
}

func TestInvokeModeAndModelArePassedAsArgs(t *testing.T) {
	script := writeScript(t, `echo "args: $@"
exit 0
`)
	inv := New(script, t.TempDir(), "json", 5*time.Second)

	output, _, err := inv.Invoke(context.Background(), "p", ModePlan, "fast-model", nil)
	require.NoError(t, err)
	require.Contains(t, output, "--mode plan")
	require.Contains(t, output, "--model fast-model")
}

func TestInvokeDefaultsExecutableNameWhenEmpty(t *testing.T) {
	inv := New("", t.TempDir(), "text", time.Second)
	require.Equal(t, "agent", inv.executable)
}

func TestClassifySpawnErrorMissingToolIsFatalMissingTool(t *testing.T) {
	_, lookErr := exec.LookPath("definitely-not-a-real-binary-zzz")
	require.Error(t, lookErr)
	execErr := &exec.Error{Name: "definitely-not-a-real-binary-zzz", Err: lookErr}

	err := classifySpawnError("definitely-not-a-real-binary-zzz", "/tmp", execErr)
	require.Equal(t, agenterr.KindFatalMissingTool, agenterr.Classify(err))
}

func TestClassifySpawnErrorMissingWorkingDirIsFatalConfig(t *testing.T) {
	dir := "/no/such/workdir"
	synthetic := errors.New("fork/exec /usr/bin/agent: no such file or directory: " + dir)

	err := classifySpawnError("/usr/bin/agent", dir, synthetic)
	require.Equal(t, agenterr.KindFatalConfig, agenterr.Classify(err))
	require.False(t, agenterr.IsRetryable(err))
}

func TestClassifySpawnErrorFallsBackToFatalMissingTool(t *testing.T) {
	err := classifySpawnError("/usr/bin/agent", "/tmp", errors.New("permission denied"))
	require.Equal(t, agenterr.KindFatalMissingTool, agenterr.Classify(err))
}

func TestAuthAvailableProbesCursorPaths(t *testing.T) {
	home := t.TempDir()
	require.False(t, AuthAvailable(home))

	require.NoError(t, os.MkdirAll(filepath.Join(home, ".cursor"), 0755))
	require.True(t, AuthAvailable(home))

	home2 := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home2, ".config", "cursor"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(home2, ".config", "cursor", "auth.json"), []byte("{}"), 0600))
	require.True(t, AuthAvailable(home2))
}
