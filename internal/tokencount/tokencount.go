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

// Package tokencount estimates LLM token counts for run-log accounting,
// wrapping the same cl100k_base encoding tiktoken-go ships for GPT-family
// models. Counts are an estimate: the orchestrator's backend is an
// external CLI whose own tokenizer is opaque, so this is a consistent
// stand-in good enough for run-log accounting, not a billing-accurate
// count.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
)

func encoding() (*tiktoken.Tiktoken, error) {
	once.Do(func() {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	})
	return enc, err
}

// Count returns the estimated token count of text, or a whitespace-based
// fallback if the encoding cannot be loaded (e.g. offline, no cached
// vocabulary file).
func Count(text string) int {
	e, err := encoding()
	if err != nil {
		return fallbackCount(text)
	}
	return len(e.Encode(text, nil, nil))
}

func fallbackCount(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			count++
			inWord = true
		}
	}
	return count
}
