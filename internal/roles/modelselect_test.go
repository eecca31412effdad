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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coderloop/coderloop/internal/statestore"
)

func TestSelectReturnsDefaultWhenDisabled(t *testing.T) {
	m := ModelSelector{Enabled: false, ModelDefault: "base-model"}
	task := &statestore.Task{Description: "a very long and complex description " + string(make([]byte, 5000))}
	require.Equal(t, "base-model", m.Select(task))
	require.Equal(t, "default", m.Category(task))
}

func TestSelectPicksLightTierForSimpleTask(t *testing.T) {
	m := ModelSelector{
		Enabled:           true,
		ThresholdLight:    2.0,
		ThresholdPowerful: 10.0,
		ModelLight:        "light-model",
		ModelStandard:     "standard-model",
		ModelPowerful:     "powerful-model",
		ModelDefault:      "base-model",
	}
	task := &statestore.Task{Priority: statestore.PriorityLow}
	require.Equal(t, "light-model", m.Select(task))
	require.Equal(t, "light", m.Category(task))
}

func TestSelectPicksPowerfulTierForComplexTask(t *testing.T) {
	m := ModelSelector{
		Enabled:           true,
		ThresholdLight:    2.0,
		ThresholdPowerful: 10.0,
		ModelLight:        "light-model",
		ModelStandard:     "standard-model",
		ModelPowerful:     "powerful-model",
		ModelDefault:      "base-model",
	}
	task := &statestore.Task{
		Priority:       statestore.PriorityHigh,
		Files:          []string{"a.go", "b.go", "c.go"},
		EstimatedHours: 4,
	}
	require.Equal(t, "powerful-model", m.Select(task))
	require.Equal(t, "powerful", m.Category(task))
}

func TestSelectPicksStandardTierInBetween(t *testing.T) {
	m := ModelSelector{
		Enabled:           true,
		ThresholdLight:    1.0,
		ThresholdPowerful: 100.0,
		ModelLight:        "light-model",
		ModelStandard:     "standard-model",
		ModelPowerful:     "powerful-model",
		ModelDefault:      "base-model",
	}
	task := &statestore.Task{Priority: statestore.PriorityMedium, Files: []string{"a.go"}}
	require.Equal(t, "standard-model", m.Select(task))
	require.Equal(t, "standard", m.Category(task))
}

func TestSelectFallsBackToDefaultWhenTierModelUnset(t *testing.T) {
	m := ModelSelector{
		Enabled:           true,
		ThresholdLight:    2.0,
		ThresholdPowerful: 10.0,
		ModelDefault:      "base-model",
	}
	task := &statestore.Task{Priority: statestore.PriorityLow}
	require.Equal(t, "base-model", m.Select(task))
}

func TestComplexityScoreCombinesAllFactors(t *testing.T) {
	task := &statestore.Task{
		Description:    string(make([]byte, 1000)),
		Files:          []string{"a.go", "b.go"},
		EstimatedHours: 2,
		Priority:       statestore.PriorityHigh,
	}
	// description: 1000/1000=1, files: 2*2=4, hours: 2*5=10, priority high=3 -> 18
	require.InDelta(t, 18.0, ComplexityScore(task), 0.0001)
}
