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

package agent

import (
	"fmt"
	"iter"
)

// Agent is a unit of orchestration that produces events. LLM-backed and
// composite agents share this contract; the runner only sees Agent.
type Agent interface {
	// Name returns the agent's unique name within its tree.
	Name() string

	// Description explains what the agent does. Shown to sibling agents
	// when deciding transfers.
	Description() string

	// Run executes the agent and yields events. The iteration ends when
	// the agent's turn is complete or an error occurs.
	Run(ctx InvocationContext) iter.Seq2[*Event, error]

	// SubAgents returns the agent's children, in declaration order.
	SubAgents() []Agent
}

// TransferRestrictable is implemented by agents that restrict where the
// transfer resolver may hand control.
type TransferRestrictable interface {
	DisallowTransferToParent() bool
	DisallowTransferToPeers() bool
}

// RunFunc is the execution body of a custom agent.
type RunFunc func(ctx InvocationContext) iter.Seq2[*Event, error]

// Config defines a custom agent built from a run function.
type Config struct {
	// Name is the agent name (required).
	Name string

	// Description describes what the agent does.
	Description string

	// SubAgents are the agent's children.
	SubAgents []Agent

	// Run is the execution body (required).
	Run RunFunc
}

// New creates an agent from a run function. This is the base constructor
// the llmagent and workflowagent packages build on.
func New(cfg Config) (Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if cfg.Run == nil {
		return nil, fmt.Errorf("agent run function is required")
	}
	return &baseAgent{cfg: cfg}, nil
}

type baseAgent struct {
	cfg Config
}

func (a *baseAgent) Name() string        { return a.cfg.Name }
func (a *baseAgent) Description() string { return a.cfg.Description }
func (a *baseAgent) SubAgents() []Agent  { return a.cfg.SubAgents }

func (a *baseAgent) Run(ctx InvocationContext) iter.Seq2[*Event, error] {
	return a.cfg.Run(ctx)
}

var _ Agent = (*baseAgent)(nil)

// FindAgent searches the tree rooted at root for an agent by name.
func FindAgent(root Agent, name string) Agent {
	if root == nil {
		return nil
	}
	if root.Name() == name {
		return root
	}
	for _, sub := range root.SubAgents() {
		if found := FindAgent(sub, name); found != nil {
			return found
		}
	}
	return nil
}
