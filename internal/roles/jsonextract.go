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

package roles

import (
	"encoding/json"
	"regexp"
)

var jsonFencePattern = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// extractJSON looks for the first ```json fenced block in response, then
// falls back to the first balanced-looking JSON object. Every role's
// parser shares this fallback chain.
func extractJSON(response string) (map[string]any, bool) {
	if m := jsonFencePattern.FindStringSubmatch(response); m != nil {
		var out map[string]any
		if json.Unmarshal([]byte(m[1]), &out) == nil {
			return out, true
		}
	}
	if m := jsonObjectPattern.FindString(response); m != "" {
		var out map[string]any
		if json.Unmarshal([]byte(m), &out) == nil {
			return out, true
		}
	}
	return nil, false
}
