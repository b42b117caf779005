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
	"context"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/nestor-ai/nestor/pkg/agent"
)

// OnErrorPolicy says what a parallel agent does when one branch fails.
type OnErrorPolicy string

const (
	// OnErrorCancel cancels the remaining branches and fails the run.
	OnErrorCancel OnErrorPolicy = "cancel"

	// OnErrorContinue lets the other branches finish; the run fails with
	// the first error afterwards.
	OnErrorContinue OnErrorPolicy = "continue"
)

// ParallelConfig configures a parallel agent.
type ParallelConfig struct {
	Name        string
	Description string

	// SubAgents run concurrently, each on its own branch so their
	// histories stay isolated.
	SubAgents []agent.Agent

	// OnError defaults to OnErrorCancel.
	OnError OnErrorPolicy
}

// NewParallel creates an agent that fans out to its sub-agents
// concurrently. Events are yielded in arrival order; each sub-agent runs
// on the branch "<parent-branch>.<name>".
func NewParallel(cfg ParallelConfig) (agent.Agent, error) {
	if len(cfg.SubAgents) == 0 {
		return nil, fmt.Errorf("parallel agent '%s' requires at least one sub-agent", cfg.Name)
	}
	if cfg.OnError == "" {
		cfg.OnError = OnErrorCancel
	}
	run := func(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
		return runParallel(ctx, cfg)
	}
	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		SubAgents:   cfg.SubAgents,
		Run:         run,
	})
}

func runParallel(ctx agent.InvocationContext, cfg ParallelConfig) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		groupCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		g := new(errgroup.Group)
		events := make(chan *agent.Event)

		for _, sub := range cfg.SubAgents {
			branch := childBranch(ctx.Branch(), sub.Name())
			subCtx := agent.NewInvocationContext(groupCtx, agent.InvocationContextParams{
				Agent:        sub,
				Session:      ctx.Session(),
				Artifacts:    ctx.Artifacts(),
				Memory:       ctx.Memory(),
				Branch:       branch,
				UserContent:  ctx.UserContent(),
				RunConfig:    ctx.RunConfig(),
				InvocationID: ctx.InvocationID(),
			})
			g.Go(func() error {
				for event, err := range sub.Run(subCtx) {
					if err != nil {
						if cfg.OnError == OnErrorCancel {
							cancel()
						}
						return fmt.Errorf("branch '%s': %w", sub.Name(), err)
					}
					select {
					case events <- event:
					case <-groupCtx.Done():
						return groupCtx.Err()
					}
				}
				return nil
			})
		}

		waitErr := make(chan error, 1)
		go func() {
			waitErr <- g.Wait()
			close(events)
		}()

		for event := range events {
			if !yield(event, nil) {
				cancel()
				for range events {
				}
				<-waitErr
				return
			}
		}

		if err := <-waitErr; err != nil {
			yield(nil, err)
		}
	}
}

// childBranch appends a sub-agent name to a dot-delimited branch path.
func childBranch(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
