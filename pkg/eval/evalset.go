// Copyright 2025 The Nestor Authors
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

// Package eval replays recorded conversations against an agent and
// scores the results.
//
// An eval set holds cases; each case is a conversation driven
// turn-by-turn through a fresh session. Produced tool calls and final
// responses are compared against the expectations, and a criteria map
// decides which metric averages gate pass/fail.
package eval

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metric names usable as criteria keys.
const (
	MetricResponseMatch  = "response_match_score"
	MetricToolTrajectory = "tool_trajectory_avg_score"
	MetricSafety         = "safety_v1"
)

// EvalSet is a collection of eval cases.
type EvalSet struct {
	EvalSetID string     `json:"evalSetId"`
	EvalCases []EvalCase `json:"evalCases"`
}

// EvalCase is one recorded conversation with expectations.
type EvalCase struct {
	ID           string `json:"id"`
	Conversation []Turn `json:"conversation"`
}

// Turn is one user message and what the agent is expected to do with it.
type Turn struct {
	UserContent string   `json:"userContent"`
	Expected    Expected `json:"expected"`
}

// Expected holds the per-turn expectations. Empty fields are not scored.
type Expected struct {
	// ResponseMatch is the reference final response text.
	ResponseMatch string `json:"responseMatch,omitempty"`

	// ToolUses is the expected tool trajectory, in call order.
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// ToolUse names one expected tool call. Args compare by shape (key set),
// not by value, so dynamic arguments don't break replays.
type ToolUse struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// LoadEvalSet reads an eval set from a JSON file.
func LoadEvalSet(path string) (*EvalSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eval: read eval set: %w", err)
	}
	var set EvalSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("eval: parse eval set '%s': %w", path, err)
	}
	if set.EvalSetID == "" {
		return nil, fmt.Errorf("eval: eval set '%s' has no evalSetId", path)
	}
	return &set, nil
}
