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

package workflowagent

import (
	"fmt"
	"iter"

	"github.com/nestor-ai/nestor/pkg/agent"
)

// LoopConfig configures a loop agent.
type LoopConfig struct {
	Name        string
	Description string

	// SubAgents run in order on every iteration.
	SubAgents []agent.Agent

	// MaxIterations caps the loop. Zero means unbounded; the loop then
	// runs until a sub-agent escalates (e.g. via the exit_loop tool).
	MaxIterations int
}

// NewLoop creates an agent that repeats its sub-agent sequence until a
// sub-agent escalates or MaxIterations is reached.
func NewLoop(cfg LoopConfig) (agent.Agent, error) {
	if len(cfg.SubAgents) == 0 {
		return nil, fmt.Errorf("loop agent '%s' requires at least one sub-agent", cfg.Name)
	}
	run := func(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
		return runLoop(ctx, cfg)
	}
	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		SubAgents:   cfg.SubAgents,
		Run:         run,
	})
}

func runLoop(ctx agent.InvocationContext, cfg LoopConfig) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		for iteration := 0; cfg.MaxIterations == 0 || iteration < cfg.MaxIterations; iteration++ {
			if ctx.Err() != nil || ctx.Ended() {
				return
			}
			escalated := false
			for event, err := range runSequence(ctx, cfg.SubAgents) {
				if err != nil {
					yield(nil, err)
					return
				}
				if event != nil && event.Actions.Escalate {
					escalated = true
				}
				if !yield(event, nil) {
					return
				}
			}
			if escalated {
				return
			}
		}
	}
}
