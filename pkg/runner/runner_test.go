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

package runner_test

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/agent/llmagent"
	"github.com/nestor-ai/nestor/pkg/model"
	"github.com/nestor-ai/nestor/pkg/runner"
	"github.com/nestor-ai/nestor/pkg/session"
	"github.com/nestor-ai/nestor/pkg/tool"
	"github.com/nestor-ai/nestor/pkg/tool/functiontool"
)

// scriptedLLM yields pre-recorded responses, one per GenerateContent
// call, and records the requests it saw.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*model.Response
	requests  []*model.Request
}

func (s *scriptedLLM) Name() string             { return "scripted" }
func (s *scriptedLLM) Provider() model.Provider { return model.ProviderOpenAI }
func (s *scriptedLLM) Close() error             { return nil }

func (s *scriptedLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		s.mu.Lock()
		s.requests = append(s.requests, req)
		if len(s.responses) == 0 {
			s.mu.Unlock()
			yield(nil, fmt.Errorf("scripted llm: no responses left"))
			return
		}
		next := s.responses[0]
		s.responses = s.responses[1:]
		s.mu.Unlock()
		yield(next, nil)
	}
}

func textResponse(text string) *model.Response {
	return &model.Response{
		Content:      agent.NewTextContent(text, agent.RoleModel),
		TurnComplete: true,
		FinishReason: model.FinishReasonStop,
	}
}

func callResponse(id, name string, args map[string]any) *model.Response {
	return &model.Response{
		Content: &agent.Content{
			Role: agent.RoleModel,
			Parts: []agent.Part{
				{FunctionCall: &agent.FunctionCall{ID: id, Name: name, Args: args}},
			},
		},
		FinishReason: model.FinishReasonToolCalls,
	}
}

func newAgent(t *testing.T, name string, llm model.LLM, subs ...agent.Agent) agent.Agent {
	t.Helper()
	a, err := llmagent.New(llmagent.Config{
		Name:        name,
		Description: name + " test agent",
		Model:       llm,
		SubAgents:   subs,
	})
	require.NoError(t, err)
	return a
}

func newRunner(t *testing.T, root agent.Agent) (*runner.Runner, session.Service) {
	t.Helper()
	sessions := session.InMemoryService()
	r, err := runner.New(runner.Config{
		AppName:        "testapp",
		Agent:          root,
		SessionService: sessions,
	})
	require.NoError(t, err)
	return r, sessions
}

func createSession(t *testing.T, sessions session.Service, id string) {
	t.Helper()
	_, err := sessions.Create(context.Background(), &session.CreateRequest{
		AppName:   "testapp",
		UserID:    "u1",
		SessionID: id,
	})
	require.NoError(t, err)
}

func collect(t *testing.T, seq iter.Seq2[*agent.Event, error]) []*agent.Event {
	t.Helper()
	var events []*agent.Event
	for event, err := range seq {
		require.NoError(t, err)
		events = append(events, event)
	}
	return events
}

func TestRunEchoesFinalResponse(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{textResponse("hello there")}}
	r, sessions := newRunner(t, newAgent(t, "root", llm))
	createSession(t, sessions, "s1")

	events := collect(t, r.Run(context.Background(), &runner.RunRequest{
		UserID:    "u1",
		SessionID: "s1",
		Content:   agent.NewTextContent("hi", agent.RoleUser),
	}))

	require.NotEmpty(t, events)
	final := events[len(events)-1]
	assert.Equal(t, "root", final.Author)
	assert.Equal(t, "hello there", final.Content.Text())
	assert.True(t, final.IsFinalResponse())
}

func TestRunPersistsUserAndModelEvents(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{textResponse("ok")}}
	r, sessions := newRunner(t, newAgent(t, "root", llm))
	createSession(t, sessions, "s1")

	collect(t, r.Run(context.Background(), &runner.RunRequest{
		UserID:    "u1",
		SessionID: "s1",
		Content:   agent.NewTextContent("question", agent.RoleUser),
	}))

	resp, err := sessions.Get(context.Background(), &session.GetRequest{
		AppName: "testapp", UserID: "u1", SessionID: "s1",
	})
	require.NoError(t, err)

	events := resp.Session.Events()
	require.Equal(t, 2, events.Len())
	assert.Equal(t, agent.AuthorUser, events.At(0).Author)
	assert.Equal(t, "question", events.At(0).Content.Text())
	assert.Equal(t, "root", events.At(1).Author)
	for event := range events.All() {
		assert.False(t, event.Partial, "partial events must never be persisted")
	}
}

func TestRunResolvesToolCalls(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{
		callResponse("call-1", "lookup", map[string]any{"key": "a"}),
		textResponse("the answer is 42"),
	}}

	root, err := llmagent.New(llmagent.Config{
		Name:  "root",
		Model: llm,
		Tools: []tool.Tool{newLookupTool(t, map[string]any{"value": 42})},
	})
	require.NoError(t, err)

	r, sessions := newRunner(t, root)
	createSession(t, sessions, "s1")

	events := collect(t, r.Run(context.Background(), &runner.RunRequest{
		UserID:    "u1",
		SessionID: "s1",
		Content:   agent.NewTextContent("look it up", agent.RoleUser),
	}))

	var sawCall, sawResponse bool
	for _, event := range events {
		if event.HasFunctionCalls() {
			sawCall = true
		}
		for _, fr := range event.Content.FunctionResponses() {
			sawResponse = true
			assert.Equal(t, "call-1", fr.ID, "response must pair with its call id")
			assert.Equal(t, "lookup", fr.Name)
		}
	}
	assert.True(t, sawCall)
	assert.True(t, sawResponse)
	assert.Equal(t, "the answer is 42", events[len(events)-1].Content.Text())

	// The second model request must include the function response.
	require.Len(t, llm.requests, 2)
	var fed bool
	for _, msg := range llm.requests[1].Messages {
		if len(msg.FunctionResponses()) > 0 {
			fed = true
		}
	}
	assert.True(t, fed, "tool result must feed back into the next model turn")
}

func TestRunTransfersToSubAgent(t *testing.T) {
	subLLM := &scriptedLLM{responses: []*model.Response{textResponse("handled by specialist")}}
	sub := newAgent(t, "specialist", subLLM)

	rootLLM := &scriptedLLM{responses: []*model.Response{
		callResponse("call-1", "transfer_to_agent", map[string]any{"agent_name": "specialist"}),
	}}
	root := newAgent(t, "root", rootLLM, sub)

	r, sessions := newRunner(t, root)
	createSession(t, sessions, "s1")

	events := collect(t, r.Run(context.Background(), &runner.RunRequest{
		UserID:    "u1",
		SessionID: "s1",
		Content:   agent.NewTextContent("I need the specialist", agent.RoleUser),
	}))

	final := events[len(events)-1]
	assert.Equal(t, "specialist", final.Author)
	assert.Equal(t, "handled by specialist", final.Content.Text())

	var transferred bool
	for _, event := range events {
		if event.Actions.TransferToAgent == "specialist" {
			transferred = true
		}
	}
	assert.True(t, transferred)
}

func TestRunDetectsTransferCycle(t *testing.T) {
	// a transfers to b, b transfers back to a: the second visit to a
	// must fail the invocation.
	bLLM := &scriptedLLM{responses: []*model.Response{
		callResponse("call-b", "transfer_to_agent", map[string]any{"agent_name": "a"}),
	}}
	b := newAgent(t, "b", bLLM)

	aLLM := &scriptedLLM{responses: []*model.Response{
		callResponse("call-a", "transfer_to_agent", map[string]any{"agent_name": "b"}),
	}}
	a := newAgent(t, "a", aLLM, b)

	r, sessions := newRunner(t, a)
	createSession(t, sessions, "s1")

	var runErr error
	for _, err := range r.Run(context.Background(), &runner.RunRequest{
		UserID:    "u1",
		SessionID: "s1",
		Content:   agent.NewTextContent("go", agent.RoleUser),
	}) {
		if err != nil {
			runErr = err
			break
		}
	}
	require.Error(t, runErr)
	assert.Equal(t, agent.ErrorKindTransferLoop, agent.KindOf(runErr))
	assert.Contains(t, runErr.Error(), "'a'")
}

func TestRunRejectsUnknownTransferTarget(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{
		callResponse("call-1", "transfer_to_agent", map[string]any{"agent_name": "nobody"}),
	}}
	r, sessions := newRunner(t, newAgent(t, "root", llm))
	createSession(t, sessions, "s1")

	var runErr error
	for _, err := range r.Run(context.Background(), &runner.RunRequest{
		UserID:    "u1",
		SessionID: "s1",
		Content:   agent.NewTextContent("go", agent.RoleUser),
	}) {
		if err != nil {
			runErr = err
		}
	}
	require.Error(t, runErr)
	assert.Equal(t, agent.ErrorKindNotFound, agent.KindOf(runErr))
}

func TestRunFailsForMissingSession(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{textResponse("never")}}
	r, _ := newRunner(t, newAgent(t, "root", llm))

	var runErr error
	for _, err := range r.Run(context.Background(), &runner.RunRequest{
		UserID:    "u1",
		SessionID: "missing",
		Content:   agent.NewTextContent("hi", agent.RoleUser),
	}) {
		runErr = err
	}
	require.Error(t, runErr)
	assert.Equal(t, agent.ErrorKindNotFound, agent.KindOf(runErr))
}

func TestRunnerRejectsDuplicateAgentNames(t *testing.T) {
	llm := &scriptedLLM{}
	dup := newAgent(t, "same", llm)
	root := newAgent(t, "same", llm, dup)

	_, err := runner.New(runner.Config{
		AppName:        "testapp",
		Agent:          root,
		SessionService: session.InMemoryService(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent name")
}

func TestAskReturnsFinalText(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{textResponse("final words")}}
	r, sessions := newRunner(t, newAgent(t, "root", llm))
	createSession(t, sessions, "s1")

	answer, err := r.Ask(context.Background(), "u1", "s1", "speak")
	require.NoError(t, err)
	assert.Equal(t, "final words", answer)
}

func TestAskStructuredParsesSchemaOutput(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{textResponse(`{"sum":5}`)}}
	root, err := llmagent.New(llmagent.Config{
		Name:  "adder",
		Model: llm,
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sum": map[string]any{"type": "integer"},
			},
			"required": []any{"sum"},
		},
	})
	require.NoError(t, err)

	r, sessions := newRunner(t, root)
	createSession(t, sessions, "s1")

	answer, err := r.AskStructured(context.Background(), "u1", "s1", "add 2 and 3")
	require.NoError(t, err)

	parsed, ok := answer.(map[string]any)
	require.True(t, ok, "schema output must come back parsed")
	assert.Equal(t, float64(5), parsed["sum"])
}

func TestAskStructuredWithoutSchemaReturnsText(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{textResponse("plain words")}}
	r, sessions := newRunner(t, newAgent(t, "root", llm))
	createSession(t, sessions, "s1")

	answer, err := r.AskStructured(context.Background(), "u1", "s1", "speak")
	require.NoError(t, err)
	assert.Equal(t, "plain words", answer)
}

func TestRewindRestoresPriorState(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{
		textResponse("first"),
		textResponse("second"),
	}}
	root, err := llmagent.New(llmagent.Config{
		Name:      "root",
		Model:     llm,
		OutputKey: "answer",
	})
	require.NoError(t, err)

	r, sessions := newRunner(t, root)
	createSession(t, sessions, "s1")

	_, err = r.Ask(context.Background(), "u1", "s1", "one")
	require.NoError(t, err)
	_, err = r.Ask(context.Background(), "u1", "s1", "two")
	require.NoError(t, err)

	resp, err := sessions.Get(context.Background(), &session.GetRequest{
		AppName: "testapp", UserID: "u1", SessionID: "s1",
	})
	require.NoError(t, err)
	require.Equal(t, 4, resp.Session.Events().Len())

	// Find the second invocation's id and rewind before it.
	secondInvocation := resp.Session.Events().At(2).InvocationID

	require.NoError(t, r.Rewind(context.Background(), "u1", "s1", secondInvocation))

	resp, err = sessions.Get(context.Background(), &session.GetRequest{
		AppName: "testapp", UserID: "u1", SessionID: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Session.Events().Len())

	val, err := resp.Session.State().Get("answer")
	require.NoError(t, err)
	assert.Equal(t, "first", val, "state must replay to the pre-rewind value")
}

func TestRunCancelledContext(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{textResponse("never")}}
	r, sessions := newRunner(t, newAgent(t, "root", llm))
	createSession(t, sessions, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var runErr error
	for _, err := range r.Run(ctx, &runner.RunRequest{
		UserID:    "u1",
		SessionID: "s1",
		Content:   agent.NewTextContent("hi", agent.RoleUser),
	}) {
		if err != nil {
			runErr = err
		}
	}
	require.Error(t, runErr)
	assert.Equal(t, agent.ErrorKindCancelled, agent.KindOf(runErr))
}

type lookupArgs struct {
	Key string `json:"key" jsonschema:"description=Key to look up"`
}

func newLookupTool(t *testing.T, result map[string]any) tool.CallableTool {
	t.Helper()
	lookup, err := functiontool.New(functiontool.Config{
		Name:        "lookup",
		Description: "Looks up a value by key.",
	}, func(ctx tool.Context, args lookupArgs) (map[string]any, error) {
		return result, nil
	})
	require.NoError(t, err)
	return lookup
}
