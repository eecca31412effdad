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

package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotatingFile is an append-only writer that rotates to ".1", ".2", ... up
// to maxBackups once the active file exceeds maxBytes.
type RotatingFile struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	file       *os.File
	size       int64
}

// NewRotatingFile opens (or creates) path for appending, honoring its
// current size for the first rotation check.
func NewRotatingFile(path string, maxBytes int64, maxBackups int) (*RotatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &RotatingFile{
		path:       path,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		file:       f,
		size:       info.Size(),
	}, nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) rotateLocked() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	for i := r.maxBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", r.path, i)
		dst := fmt.Sprintf("%s.%d", r.path, i+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if _, err := os.Stat(r.path); err == nil {
		os.Rename(r.path, r.path+".1")
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	r.file = f
	r.size = 0
	return nil
}

// Close closes the underlying file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// JSONLSink appends one JSON object per line to a daily-named file. Each
// Append call opens the file in append mode, writes one line, and closes —
// writes below PIPE_BUF stay atomic against concurrent appenders in the
// same process.
type JSONLSink struct {
	mu    sync.Mutex
	dir   string
	stem  string
	fsync bool
}

// NewJSONLSink returns a sink that writes to dir/<stem>_YYYYMMDD.jsonl,
// where "today" is resolved at Append time from now.
func NewJSONLSink(dir, stem string) *JSONLSink {
	return &JSONLSink{dir: dir, stem: stem}
}

// WithFsync makes every Append fsync before closing the file, trading
// throughput for durability of the last record across a power loss.
func (s *JSONLSink) WithFsync(on bool) *JSONLSink {
	s.fsync = on
	return s
}

// Append writes record as one JSON line to the daily file chosen by now;
// the record itself is written as given.
func (s *JSONLSink) Append(now time.Time, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.jsonl", s.stem, now.Format("20060102")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return err
	}
	if s.fsync {
		return f.Sync()
	}
	return nil
}

// AgentRunRecord is one line of agent_runs_YYYYMMDD.jsonl: a full record of
// a single Role Runner invocation.
type AgentRunRecord struct {
	Timestamp     time.Time      `json:"timestamp"`
	CallID        string         `json:"call_id,omitempty"`
	Role          string         `json:"role"`
	TaskID        string         `json:"task_id,omitempty"`
	Iteration     int            `json:"iteration"`
	Attempt       int            `json:"attempt"`
	Model         string         `json:"model"`
	DurationMs    int64          `json:"duration_ms"`
	Success       bool           `json:"success"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	PromptBytes   int            `json:"prompt_bytes"`
	OutputBytes   int            `json:"output_bytes"`
	PromptTokens  int            `json:"prompt_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// ErrorRecord is one line of errors_YYYYMMDD.jsonl.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Traceback string    `json:"traceback,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Iteration int       `json:"iteration"`
}

// ProgressRecord is one line of progress_YYYYMMDD.jsonl.
type ProgressRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Iteration      int       `json:"iteration"`
	ProgressScore  float64   `json:"progress_score"`
	DriftDetected  bool      `json:"drift_detected"`
	ShouldContinue bool      `json:"should_continue"`
	Reason         string    `json:"reason,omitempty"`
}
