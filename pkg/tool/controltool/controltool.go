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

// Package controltool provides tools that steer the invocation itself:
// exiting loops, escalating to the parent agent, and transferring control
// to another agent. They do no work of their own; their effect is carried
// entirely through event actions.
package controltool

import (
	"fmt"

	"github.com/nestor-ai/nestor/pkg/tool"
)

type controlTool struct {
	name        string
	description string
	schemaMap   map[string]any
	run         func(ctx tool.Context, args map[string]any) (map[string]any, error)
}

func (t *controlTool) Name() string           { return t.name }
func (t *controlTool) Description() string    { return t.description }
func (t *controlTool) IsLongRunning() bool    { return false }
func (t *controlTool) RequiresApproval() bool { return false }
func (t *controlTool) Schema() map[string]any { return t.schemaMap }

func (t *controlTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	return t.run(ctx, args)
}

// ExitLoop returns a tool that ends the enclosing loop agent's iteration.
// The model calls it when the loop's goal is met.
func ExitLoop() tool.CallableTool {
	return &controlTool{
		name:        "exit_loop",
		description: "Exit the current loop. Call this when the task is complete and no further iterations are needed.",
		run: func(ctx tool.Context, args map[string]any) (map[string]any, error) {
			actions := ctx.Actions()
			actions.Escalate = true
			actions.SkipSummarization = true
			return map[string]any{"status": "loop exited"}, nil
		},
	}
}

// Escalate returns a tool that hands the problem up to the parent agent.
// The optional "reason" argument is recorded in the response.
func Escalate() tool.CallableTool {
	return &controlTool{
		name:        "escalate",
		description: "Escalate to the parent agent when the task cannot be completed at this level. Provide a reason.",
		schemaMap: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the task is being escalated",
				},
			},
		},
		run: func(ctx tool.Context, args map[string]any) (map[string]any, error) {
			actions := ctx.Actions()
			actions.Escalate = true
			actions.SkipSummarization = true

			result := map[string]any{"status": "escalated"}
			if reason, ok := args["reason"].(string); ok && reason != "" {
				result["reason"] = reason
			}
			return result, nil
		},
	}
}

// TransferToAgent returns a tool that requests a transfer of control to a
// named agent. The runner validates the target against the agent tree and
// transfer restrictions before switching.
func TransferToAgent() tool.CallableTool {
	return &controlTool{
		name:        "transfer_to_agent",
		description: "Transfer the conversation to another agent better suited for the request.",
		schemaMap: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_name": map[string]any{
					"type":        "string",
					"description": "Name of the agent to transfer to",
				},
			},
			"required": []any{"agent_name"},
		},
		run: func(ctx tool.Context, args map[string]any) (map[string]any, error) {
			name, ok := args["agent_name"].(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("agent_name is required")
			}

			actions := ctx.Actions()
			actions.TransferToAgent = name
			actions.SkipSummarization = true
			return map[string]any{"status": "transferring", "agent": name}, nil
		},
	}
}

var _ tool.CallableTool = (*controlTool)(nil)
