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

import "github.com/coderloop/coderloop/internal/statestore"

// ModelSelector picks a Worker model override from a task's computed
// complexity score, when dynamic selection is enabled.
type ModelSelector struct {
	Enabled           bool
	ThresholdLight    float64
	ThresholdPowerful float64
	ModelLight        string
	ModelStandard     string
	ModelPowerful     string
	ModelDefault      string
}

// ComplexityScore combines description length, touched-file count,
// estimated hours, and priority into a single complexity number, higher
// meaning more complex.
func ComplexityScore(t *statestore.Task) float64 {
	descriptionScore := float64(len(t.Description)) / 1000.0
	fileScore := float64(len(t.Files)) * 2.0
	hoursScore := t.EstimatedHours * 5.0
	priorityScore := float64(t.Priority.Score())
	return descriptionScore + fileScore + hoursScore + priorityScore
}

// Select returns the model to use for t, or ModelDefault when selection is
// disabled or no tier-specific override is configured.
func (m ModelSelector) Select(t *statestore.Task) string {
	if !m.Enabled {
		return m.ModelDefault
	}
	score := ComplexityScore(t)
	switch {
	case score < m.ThresholdLight:
		if m.ModelLight != "" {
			return m.ModelLight
		}
	case score >= m.ThresholdPowerful:
		if m.ModelPowerful != "" {
			return m.ModelPowerful
		}
	default:
		if m.ModelStandard != "" {
			return m.ModelStandard
		}
	}
	return m.ModelDefault
}

// Category reports which tier Select would have chosen, for logging.
func (m ModelSelector) Category(t *statestore.Task) string {
	if !m.Enabled {
		return "default"
	}
	score := ComplexityScore(t)
	switch {
	case score < m.ThresholdLight:
		return "light"
	case score >= m.ThresholdPowerful:
		return "powerful"
	default:
		return "standard"
	}
}
