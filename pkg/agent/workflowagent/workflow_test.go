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

package workflowagent_test

import (
	"context"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/agent/workflowagent"
	"github.com/nestor-ai/nestor/pkg/session"
)

// speaker yields one text event per run.
func speaker(t *testing.T, name string) agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{
		Name: name,
		Run: func(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
			return func(yield func(*agent.Event, error) bool) {
				event := agent.NewEvent(ctx.InvocationID())
				event.Author = name
				event.Branch = ctx.Branch()
				event.Content = agent.NewTextContent("from "+name, agent.RoleModel)
				event.TurnComplete = true
				yield(event, nil)
			}
		},
	})
	require.NoError(t, err)
	return a
}

// escalator yields one event with the escalate action set.
func escalator(t *testing.T, name string) agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{
		Name: name,
		Run: func(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
			return func(yield func(*agent.Event, error) bool) {
				event := agent.NewEvent(ctx.InvocationID())
				event.Author = name
				event.Actions.Escalate = true
				yield(event, nil)
			}
		},
	})
	require.NoError(t, err)
	return a
}

// failer yields an error immediately.
func failer(t *testing.T, name string) agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{
		Name: name,
		Run: func(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
			return func(yield func(*agent.Event, error) bool) {
				yield(nil, fmt.Errorf("%s exploded", name))
			}
		},
	})
	require.NoError(t, err)
	return a
}

func newContext(t *testing.T, a agent.Agent) agent.InvocationContext {
	t.Helper()
	sessions := session.InMemoryService()
	created, err := sessions.Create(context.Background(), &session.CreateRequest{
		AppName: "testapp", UserID: "u1", SessionID: "s1",
	})
	require.NoError(t, err)

	return agent.NewInvocationContext(context.Background(), agent.InvocationContextParams{
		Agent:        a,
		Session:      created.Session,
		UserContent:  agent.NewTextContent("go", agent.RoleUser),
		RunConfig:    &agent.RunConfig{},
		InvocationID: "inv-1",
	})
}

func authors(t *testing.T, a agent.Agent) []string {
	t.Helper()
	var names []string
	for event, err := range a.Run(newContext(t, a)) {
		require.NoError(t, err)
		names = append(names, event.Author)
	}
	return names
}

func TestSequentialRunsInOrder(t *testing.T) {
	seq, err := workflowagent.NewSequential(workflowagent.SequentialConfig{
		Name: "pipeline",
		SubAgents: []agent.Agent{
			speaker(t, "first"),
			speaker(t, "second"),
			speaker(t, "third"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, authors(t, seq))
}

func TestSequentialStopsOnEscalate(t *testing.T) {
	seq, err := workflowagent.NewSequential(workflowagent.SequentialConfig{
		Name: "pipeline",
		SubAgents: []agent.Agent{
			speaker(t, "first"),
			escalator(t, "guard"),
			speaker(t, "never"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "guard"}, authors(t, seq))
}

func TestSequentialPropagatesError(t *testing.T) {
	seq, err := workflowagent.NewSequential(workflowagent.SequentialConfig{
		Name: "pipeline",
		SubAgents: []agent.Agent{
			speaker(t, "first"),
			failer(t, "broken"),
			speaker(t, "never"),
		},
	})
	require.NoError(t, err)

	var got []string
	var runErr error
	for event, err := range seq.Run(newContext(t, seq)) {
		if err != nil {
			runErr = err
			break
		}
		got = append(got, event.Author)
	}
	assert.Equal(t, []string{"first"}, got)
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "broken exploded")
}

func TestSequentialRequiresSubAgents(t *testing.T) {
	_, err := workflowagent.NewSequential(workflowagent.SequentialConfig{Name: "empty"})
	require.Error(t, err)
}

func TestLoopRepeatsUntilMaxIterations(t *testing.T) {
	loop, err := workflowagent.NewLoop(workflowagent.LoopConfig{
		Name:          "retry",
		SubAgents:     []agent.Agent{speaker(t, "worker")},
		MaxIterations: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"worker", "worker", "worker"}, authors(t, loop))
}

func TestLoopStopsOnEscalate(t *testing.T) {
	// The checker escalates, so only one full iteration runs even though
	// the loop is unbounded.
	loop, err := workflowagent.NewLoop(workflowagent.LoopConfig{
		Name: "refine",
		SubAgents: []agent.Agent{
			speaker(t, "worker"),
			escalator(t, "checker"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"worker", "checker"}, authors(t, loop))
}

func TestParallelRunsAllBranches(t *testing.T) {
	par, err := workflowagent.NewParallel(workflowagent.ParallelConfig{
		Name: "fanout",
		SubAgents: []agent.Agent{
			speaker(t, "alpha"),
			speaker(t, "beta"),
			speaker(t, "gamma"),
		},
	})
	require.NoError(t, err)

	branches := map[string]string{}
	for event, err := range par.Run(newContext(t, par)) {
		require.NoError(t, err)
		branches[event.Author] = event.Branch
	}

	assert.Equal(t, map[string]string{
		"alpha": "alpha",
		"beta":  "beta",
		"gamma": "gamma",
	}, branches, "each sub-agent runs on its own branch")
}

func TestParallelCancelPolicyFailsRun(t *testing.T) {
	par, err := workflowagent.NewParallel(workflowagent.ParallelConfig{
		Name: "fanout",
		SubAgents: []agent.Agent{
			speaker(t, "good"),
			failer(t, "bad"),
		},
		OnError: workflowagent.OnErrorCancel,
	})
	require.NoError(t, err)

	var runErr error
	for _, err := range par.Run(newContext(t, par)) {
		if err != nil {
			runErr = err
		}
	}
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "branch 'bad'")
}

func TestParallelContinuePolicyFinishesOtherBranches(t *testing.T) {
	par, err := workflowagent.NewParallel(workflowagent.ParallelConfig{
		Name: "fanout",
		SubAgents: []agent.Agent{
			speaker(t, "good"),
			failer(t, "bad"),
		},
		OnError: workflowagent.OnErrorContinue,
	})
	require.NoError(t, err)

	var got []string
	var runErr error
	for event, err := range par.Run(newContext(t, par)) {
		if err != nil {
			runErr = err
			continue
		}
		got = append(got, event.Author)
	}
	assert.Equal(t, []string{"good"}, got, "the healthy branch completes")
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "branch 'bad'")
}
