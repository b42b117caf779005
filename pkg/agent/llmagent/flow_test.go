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

package llmagent_test

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/agent/llmagent"
	"github.com/nestor-ai/nestor/pkg/model"
	"github.com/nestor-ai/nestor/pkg/session"
	"github.com/nestor-ai/nestor/pkg/tool"
	"github.com/nestor-ai/nestor/pkg/tool/functiontool"
)

// fakeLLM yields scripted response batches, one batch per call. A batch
// may contain partial chunks followed by a final response.
type fakeLLM struct {
	mu       sync.Mutex
	batches  [][]*model.Response
	requests []*model.Request
}

func (f *fakeLLM) Name() string             { return "fake-model" }
func (f *fakeLLM) Provider() model.Provider { return model.ProviderOpenAI }
func (f *fakeLLM) Close() error             { return nil }

func (f *fakeLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		f.mu.Lock()
		f.requests = append(f.requests, req)
		if len(f.batches) == 0 {
			f.mu.Unlock()
			yield(nil, fmt.Errorf("fake llm: no batches left"))
			return
		}
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		for _, resp := range batch {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func finalText(text string) []*model.Response {
	return []*model.Response{{
		Content:      agent.NewTextContent(text, agent.RoleModel),
		TurnComplete: true,
		FinishReason: model.FinishReasonStop,
	}}
}

func toolCall(id, name string, args map[string]any) []*model.Response {
	return []*model.Response{{
		Content: &agent.Content{
			Role: agent.RoleModel,
			Parts: []agent.Part{
				{FunctionCall: &agent.FunctionCall{ID: id, Name: name, Args: args}},
			},
		},
		FinishReason: model.FinishReasonToolCalls,
	}}
}

// newContext builds an invocation context over a fresh in-memory session
// seeded with one user message.
func newContext(t *testing.T, a agent.Agent, userText string) agent.InvocationContext {
	t.Helper()
	ctx := context.Background()

	sessions := session.InMemoryService()
	created, err := sessions.Create(ctx, &session.CreateRequest{
		AppName: "testapp", UserID: "u1", SessionID: "s1",
	})
	require.NoError(t, err)

	userContent := agent.NewTextContent(userText, agent.RoleUser)
	userEvent := agent.NewEvent("inv-1")
	userEvent.Author = agent.AuthorUser
	userEvent.Content = userContent
	_, err = sessions.AppendEvent(ctx, &session.AppendEventRequest{
		Session: created.Session,
		Event:   userEvent,
	})
	require.NoError(t, err)

	return agent.NewInvocationContext(ctx, agent.InvocationContextParams{
		Agent:        a,
		Session:      created.Session,
		UserContent:  userContent,
		RunConfig:    &agent.RunConfig{},
		InvocationID: "inv-1",
	})
}

func runAll(t *testing.T, a agent.Agent, ic agent.InvocationContext) []*agent.Event {
	t.Helper()
	var events []*agent.Event
	for event, err := range a.Run(ic) {
		require.NoError(t, err)
		events = append(events, event)
	}
	return events
}

func TestPlainTextResponse(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{finalText("all done")}}
	a, err := llmagent.New(llmagent.Config{Name: "helper", Model: llm})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "do the thing"))

	require.Len(t, events, 1)
	assert.Equal(t, "helper", events[0].Author)
	assert.Equal(t, "all done", events[0].Content.Text())
	assert.True(t, events[0].TurnComplete)
	assert.True(t, events[0].IsFinalResponse())
}

func TestOutputKeyWritesStateDelta(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{finalText("the summary")}}
	a, err := llmagent.New(llmagent.Config{
		Name:      "summarizer",
		Model:     llm,
		OutputKey: "summary",
	})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "summarize"))

	require.Len(t, events, 1)
	assert.Equal(t, "the summary", events[0].Actions.StateDelta["summary"])
}

func TestOutputSchemaAcceptsValidJSON(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{finalText(`{"city":"Paris","temp_c":21}`)}}
	a, err := llmagent.New(llmagent.Config{
		Name:  "extractor",
		Model: llm,
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city":   map[string]any{"type": "string"},
				"temp_c": map[string]any{"type": "number"},
			},
			"required": []any{"city"},
		},
		OutputKey: "weather",
	})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "extract"))

	require.Len(t, events, 1)
	parsed, ok := events[0].Actions.StateDelta["weather"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Paris", parsed["city"])
}

func TestOutputSchemaRejectsInvalidJSON(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{finalText("not json at all")}}
	a, err := llmagent.New(llmagent.Config{
		Name:         "extractor",
		Model:        llm,
		OutputSchema: map[string]any{"type": "object"},
	})
	require.NoError(t, err)

	var runErr error
	for _, err := range a.Run(newContext(t, a, "extract")) {
		if err != nil {
			runErr = err
		}
	}
	require.Error(t, runErr)
	assert.Equal(t, agent.ErrorKindValidation, agent.KindOf(runErr))
}

func TestOutputSchemaExcludesTools(t *testing.T) {
	echo, err := functiontool.New(functiontool.Config{
		Name: "echo", Description: "Echoes.",
	}, func(ctx tool.Context, args struct{}) (map[string]any, error) {
		return map[string]any{}, nil
	})
	require.NoError(t, err)

	_, err = llmagent.New(llmagent.Config{
		Name:         "broken",
		Model:        &fakeLLM{},
		Tools:        []tool.Tool{echo},
		OutputSchema: map[string]any{"type": "object"},
	})
	require.Error(t, err)
}

type greetArgs struct {
	Name string `json:"name" jsonschema:"required,description=Who to greet"`
}

func TestFunctionCallRoundTrip(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{
		toolCall("call-7", "greet", map[string]any{"name": "Ada"}),
		finalText("greeted"),
	}}

	var gotName string
	greet, err := functiontool.New(functiontool.Config{
		Name: "greet", Description: "Greets someone.",
	}, func(ctx tool.Context, args greetArgs) (map[string]any, error) {
		gotName = args.Name
		return map[string]any{"greeting": "hello " + args.Name}, nil
	})
	require.NoError(t, err)

	a, err := llmagent.New(llmagent.Config{
		Name:  "greeter",
		Model: llm,
		Tools: []tool.Tool{greet},
	})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "greet Ada"))

	require.Len(t, events, 3)
	assert.True(t, events[0].HasFunctionCalls())
	assert.False(t, events[0].IsFinalResponse())

	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "call-7", responses[0].ID)
	assert.Equal(t, "greet", responses[0].Name)
	assert.Equal(t, map[string]any{"greeting": "hello Ada"}, responses[0].Response)
	assert.False(t, events[1].IsFinalResponse())

	assert.Equal(t, "Ada", gotName)
	assert.True(t, events[2].IsFinalResponse())
}

func TestMissingFunctionCallIDGetsClientID(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{
		toolCall("", "greet", map[string]any{"name": "Ada"}),
		finalText("done"),
	}}

	greet, err := functiontool.New(functiontool.Config{
		Name: "greet", Description: "Greets someone.",
	}, func(ctx tool.Context, args greetArgs) (map[string]any, error) {
		return map[string]any{}, nil
	})
	require.NoError(t, err)

	a, err := llmagent.New(llmagent.Config{Name: "greeter", Model: llm, Tools: []tool.Tool{greet}})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "greet"))

	require.Len(t, events, 3)
	calls := events[0].Content.FunctionCalls()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].ID, "nestor-"))

	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, calls[0].ID, responses[0].ID)
}

func TestUnknownToolBecomesErrorPayload(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{
		toolCall("call-1", "nonexistent", nil),
		finalText("recovered"),
	}}
	a, err := llmagent.New(llmagent.Config{Name: "helper", Model: llm})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "try"))

	require.Len(t, events, 3)
	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "error", responses[0].Response["status"])
	assert.Contains(t, responses[0].Response["error_message"], "not found")
}

func TestToolErrorBecomesErrorPayload(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{
		toolCall("call-1", "flaky", nil),
		finalText("noted"),
	}}

	flaky, err := functiontool.New(functiontool.Config{
		Name: "flaky", Description: "Always fails.",
	}, func(ctx tool.Context, args struct{}) (map[string]any, error) {
		return nil, fmt.Errorf("backend unreachable")
	})
	require.NoError(t, err)

	a, err := llmagent.New(llmagent.Config{Name: "helper", Model: llm, Tools: []tool.Tool{flaky}})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "try"))

	require.Len(t, events, 3)
	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "error", responses[0].Response["status"])
	assert.Contains(t, responses[0].Response["error_message"], "backend unreachable")
}

type addArgs struct {
	A int `json:"a" jsonschema:"required,description=First addend"`
	B int `json:"b" jsonschema:"required,description=Second addend"`
}

func TestInvalidToolArgsBecomeErrorPayload(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{
		toolCall("call-1", "add", map[string]any{"a": "not-a-number", "b": 3}),
		finalText("sorry"),
	}}

	var ran bool
	add, err := functiontool.New(functiontool.Config{
		Name: "add", Description: "Adds two integers.",
	}, func(ctx tool.Context, args addArgs) (map[string]any, error) {
		ran = true
		return map[string]any{"sum": args.A + args.B}, nil
	})
	require.NoError(t, err)

	a, err := llmagent.New(llmagent.Config{Name: "helper", Model: llm, Tools: []tool.Tool{add}})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "add these"))

	require.Len(t, events, 3)
	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "error", responses[0].Response["status"])
	assert.Contains(t, responses[0].Response["error_message"], "invalid arguments")
	assert.False(t, ran, "the tool must not execute on invalid arguments")
}

func TestToolTimeout(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{
		toolCall("call-1", "slow", nil),
		finalText("gave up"),
	}}

	slow, err := functiontool.New(functiontool.Config{
		Name: "slow", Description: "Sleeps.",
	}, func(ctx tool.Context, args struct{}) (map[string]any, error) {
		time.Sleep(500 * time.Millisecond)
		return map[string]any{}, nil
	})
	require.NoError(t, err)

	a, err := llmagent.New(llmagent.Config{
		Name:        "helper",
		Model:       llm,
		Tools:       []tool.Tool{slow},
		ToolTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "try"))

	require.Len(t, events, 3)
	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "error", responses[0].Response["status"])
	assert.Equal(t, "timeout", responses[0].Response["error_message"])
}

func TestStreamingPartialsForwarded(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{{
		{Content: agent.NewTextContent("par", agent.RoleModel), Partial: true},
		{Content: agent.NewTextContent("tial", agent.RoleModel), Partial: true},
		{
			Content:      agent.NewTextContent("partial answer", agent.RoleModel),
			TurnComplete: true,
			FinishReason: model.FinishReasonStop,
		},
	}}}
	a, err := llmagent.New(llmagent.Config{Name: "streamer", Model: llm, Streaming: true})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "stream"))

	require.Len(t, events, 3)
	assert.True(t, events[0].Partial)
	assert.True(t, events[1].Partial)
	assert.False(t, events[2].Partial)
	assert.Equal(t, "partial answer", events[2].Content.Text())
}

func TestBeforeModelCallbackShortCircuits(t *testing.T) {
	llm := &fakeLLM{}
	a, err := llmagent.New(llmagent.Config{
		Name:  "cached",
		Model: llm,
		BeforeModelCallbacks: []llmagent.BeforeModelCallback{
			func(ctx agent.CallbackContext, req *model.Request) (*model.Response, error) {
				return &model.Response{
					Content:      agent.NewTextContent("from cache", agent.RoleModel),
					TurnComplete: true,
				}, nil
			},
		},
	})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "question"))

	require.Len(t, events, 1)
	assert.Equal(t, "from cache", events[0].Content.Text())
	assert.Empty(t, llm.requests, "model must not be called when a callback answers")
}

func TestBeforeAgentCallbackSkipsRun(t *testing.T) {
	llm := &fakeLLM{}
	a, err := llmagent.New(llmagent.Config{
		Name:  "guarded",
		Model: llm,
		BeforeAgentCallbacks: []llmagent.BeforeAgentCallback{
			func(ctx agent.CallbackContext) (*agent.Content, error) {
				return agent.NewTextContent("blocked", agent.RoleModel), nil
			},
		},
	})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "question"))

	require.Len(t, events, 1)
	assert.Equal(t, "blocked", events[0].Content.Text())
	assert.True(t, events[0].TurnComplete)
	assert.Empty(t, llm.requests)
}

func TestAfterModelCallbackReplacesResponse(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{finalText("original")}}
	a, err := llmagent.New(llmagent.Config{
		Name:  "redacted",
		Model: llm,
		AfterModelCallbacks: []llmagent.AfterModelCallback{
			func(ctx agent.CallbackContext, resp *model.Response, modelErr error) (*model.Response, error) {
				return &model.Response{
					Content:      agent.NewTextContent("[redacted]", agent.RoleModel),
					TurnComplete: true,
				}, nil
			},
		},
	})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "secret"))

	require.Len(t, events, 1)
	assert.Equal(t, "[redacted]", events[0].Content.Text())
}

func TestBeforeToolCallbackOverridesResult(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{
		toolCall("call-1", "greet", map[string]any{"name": "Ada"}),
		finalText("done"),
	}}

	var toolRan bool
	greet, err := functiontool.New(functiontool.Config{
		Name: "greet", Description: "Greets someone.",
	}, func(ctx tool.Context, args greetArgs) (map[string]any, error) {
		toolRan = true
		return map[string]any{"greeting": "real"}, nil
	})
	require.NoError(t, err)

	a, err := llmagent.New(llmagent.Config{
		Name:  "helper",
		Model: llm,
		Tools: []tool.Tool{greet},
		BeforeToolCallbacks: []llmagent.BeforeToolCallback{
			func(ctx tool.Context, t tool.Tool, args map[string]any) (map[string]any, error) {
				return map[string]any{"greeting": "mocked"}, nil
			},
		},
	})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "greet"))

	require.Len(t, events, 3)
	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "mocked", responses[0].Response["greeting"])
	assert.False(t, toolRan)
}

func TestInstructionInterpolation(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{finalText("ok")}}
	a, err := llmagent.New(llmagent.Config{
		Name:        "styled",
		Model:       llm,
		Instruction: "Respond in {style} style. Extra: {missing?}",
	})
	require.NoError(t, err)

	ic := newContext(t, a, "hello")
	require.NoError(t, ic.State().Set("style", "formal"))

	runAll(t, a, ic)

	require.Len(t, llm.requests, 1)
	assert.Contains(t, llm.requests[0].SystemInstruction, "Respond in formal style.")
	assert.Contains(t, llm.requests[0].SystemInstruction, "Extra: ")
}

func TestInstructionMissingKeyRendersEmpty(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{finalText("hello")}}
	a, err := llmagent.New(llmagent.Config{
		Name:        "styled",
		Model:       llm,
		Instruction: "Greet the user named {missing_name}.",
	})
	require.NoError(t, err)

	runAll(t, a, newContext(t, a, "hello"))

	require.Len(t, llm.requests, 1)
	assert.Contains(t, llm.requests[0].SystemInstruction, "Greet the user named .")
}

func TestSubAgentsExposeTransferTool(t *testing.T) {
	subLLM := &fakeLLM{}
	sub, err := llmagent.New(llmagent.Config{
		Name:        "billing",
		Description: "Handles billing questions.",
		Model:       subLLM,
	})
	require.NoError(t, err)

	llm := &fakeLLM{batches: [][]*model.Response{finalText("ok")}}
	a, err := llmagent.New(llmagent.Config{
		Name:      "root",
		Model:     llm,
		SubAgents: []agent.Agent{sub},
	})
	require.NoError(t, err)

	runAll(t, a, newContext(t, a, "hello"))

	require.Len(t, llm.requests, 1)
	var hasTransfer bool
	for _, def := range llm.requests[0].Tools {
		if def.Name == "transfer_to_agent" {
			hasTransfer = true
		}
	}
	assert.True(t, hasTransfer)
	assert.Contains(t, llm.requests[0].SystemInstruction, "billing: Handles billing questions.")
}

func TestLongRunningToolMarksFinal(t *testing.T) {
	llm := &fakeLLM{batches: [][]*model.Response{
		toolCall("call-1", "start_job", nil),
	}}

	job, err := functiontool.New(functiontool.Config{
		Name:        "start_job",
		Description: "Starts a background job.",
		LongRunning: true,
	}, func(ctx tool.Context, args struct{}) (map[string]any, error) {
		return map[string]any{"job_id": "j-1"}, nil
	})
	require.NoError(t, err)

	a, err := llmagent.New(llmagent.Config{Name: "helper", Model: llm, Tools: []tool.Tool{job}})
	require.NoError(t, err)

	events := runAll(t, a, newContext(t, a, "start"))

	// Model event is final (long-running call pending), so the loop stops
	// after the function response without a second model call.
	require.Len(t, events, 2)
	assert.Equal(t, []string{"call-1"}, events[0].LongRunningToolIDs)
	assert.True(t, events[0].IsFinalResponse())
	require.Len(t, llm.requests, 1)
}
