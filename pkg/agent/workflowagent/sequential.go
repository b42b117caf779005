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

// Package workflowagent provides deterministic composite agents that
// orchestrate sub-agents without an LLM: sequential pipelines, parallel
// fan-out, and loops.
package workflowagent

import (
	"fmt"
	"iter"

	"github.com/nestor-ai/nestor/pkg/agent"
)

// SequentialConfig configures a sequential agent.
type SequentialConfig struct {
	Name        string
	Description string

	// SubAgents run one after another, each seeing the events of the ones
	// before it through the session.
	SubAgents []agent.Agent
}

// NewSequential creates an agent that runs its sub-agents in order. An
// escalating event stops the pipeline early.
func NewSequential(cfg SequentialConfig) (agent.Agent, error) {
	if len(cfg.SubAgents) == 0 {
		return nil, fmt.Errorf("sequential agent '%s' requires at least one sub-agent", cfg.Name)
	}
	run := func(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
		return runSequence(ctx, cfg.SubAgents)
	}
	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		SubAgents:   cfg.SubAgents,
		Run:         run,
	})
}

// runSequence runs agents in order, stopping on escalation, invocation
// end, or consumer stop. Shared with the loop agent.
func runSequence(ctx agent.InvocationContext, agents []agent.Agent) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		for _, sub := range agents {
			if ctx.Err() != nil || ctx.Ended() {
				return
			}
			subCtx := subContext(ctx, sub, ctx.Branch())
			escalated := false
			for event, err := range sub.Run(subCtx) {
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

// subContext builds an invocation context for one sub-agent, preserving
// the invocation id so all events share it.
func subContext(ctx agent.InvocationContext, sub agent.Agent, branch string) agent.InvocationContext {
	return agent.NewInvocationContext(ctx, agent.InvocationContextParams{
		Agent:        sub,
		Session:      ctx.Session(),
		Artifacts:    ctx.Artifacts(),
		Memory:       ctx.Memory(),
		Branch:       branch,
		UserContent:  ctx.UserContent(),
		RunConfig:    ctx.RunConfig(),
		InvocationID: ctx.InvocationID(),
	})
}
