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

package eval

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
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

// scriptedLLM pops one canned response per call.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*model.Response
}

func (s *scriptedLLM) Name() string             { return "scripted" }
func (s *scriptedLLM) Provider() model.Provider { return model.ProviderOpenAI }
func (s *scriptedLLM) Close() error             { return nil }

func (s *scriptedLLM) GenerateContent(_ context.Context, _ *model.Request, _ bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		s.mu.Lock()
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

type lookupArgs struct {
	Key string `json:"key"`
}

func newEvaluator(t *testing.T, llm model.LLM, criteria map[string]float64, judge model.LLM) *Evaluator {
	t.Helper()

	lookup, err := functiontool.New(functiontool.Config{
		Name:        "lookup",
		Description: "Looks up a value by key.",
	}, func(_ tool.Context, args lookupArgs) (map[string]any, error) {
		return map[string]any{"value": "42"}, nil
	})
	require.NoError(t, err)

	a, err := llmagent.New(llmagent.Config{
		Name:        "assistant",
		Description: "assistant under evaluation",
		Model:       llm,
		Tools:       []tool.Tool{lookup},
	})
	require.NoError(t, err)

	sessions := session.InMemoryService()
	r, err := runner.New(runner.Config{
		AppName:        "evalapp",
		Agent:          a,
		SessionService: sessions,
	})
	require.NoError(t, err)

	evaluator, err := New(Config{
		Runner:   r,
		Sessions: sessions,
		AppName:  "evalapp",
		Judge:    judge,
		Criteria: criteria,
	})
	require.NoError(t, err)
	return evaluator
}

func TestNewValidatesConfig(t *testing.T) {
	sessions := session.InMemoryService()
	a, err := llmagent.New(llmagent.Config{Name: "a", Model: &scriptedLLM{}})
	require.NoError(t, err)
	r, err := runner.New(runner.Config{AppName: "app", Agent: a, SessionService: sessions})
	require.NoError(t, err)

	_, err = New(Config{Sessions: sessions, AppName: "app"})
	assert.Error(t, err, "runner is required")

	_, err = New(Config{Runner: r, AppName: "app"})
	assert.Error(t, err, "session service is required")

	_, err = New(Config{Runner: r, Sessions: sessions})
	assert.Error(t, err, "app name is required")

	_, err = New(Config{
		Runner: r, Sessions: sessions, AppName: "app",
		Criteria: map[string]float64{MetricSafety: 0.5},
	})
	assert.Error(t, err, "safety needs a judge")
}

func TestEvaluatePassingCase(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{
		callResponse("call-1", "lookup", map[string]any{"key": "answer"}),
		textResponse("the answer is 42"),
	}}
	evaluator := newEvaluator(t, llm, map[string]float64{
		MetricResponseMatch:  0.8,
		MetricToolTrajectory: 1.0,
	}, nil)

	set := &EvalSet{
		EvalSetID: "smoke",
		EvalCases: []EvalCase{{
			ID: "lookup-answer",
			Conversation: []Turn{{
				UserContent: "what is the answer",
				Expected: Expected{
					ResponseMatch: "the answer is 42",
					ToolUses:      []ToolUse{{Name: "lookup", Args: map[string]any{"key": nil}}},
				},
			}},
		}},
	}

	result, err := evaluator.Evaluate(context.Background(), set)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	require.Len(t, result.Cases, 1)

	caseResult := result.Cases[0]
	assert.True(t, caseResult.Passed)
	assert.InDelta(t, 1.0, caseResult.MetricAverages[MetricResponseMatch], 1e-9)
	assert.InDelta(t, 1.0, caseResult.MetricAverages[MetricToolTrajectory], 1e-9)
	require.Len(t, caseResult.Turns, 1)
	assert.Equal(t, "the answer is 42", caseResult.Turns[0].Response)
	assert.Equal(t, []string{"lookup"}, caseResult.Turns[0].ToolCalls)
}

func TestEvaluateFailingCase(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{
		textResponse("something else entirely"),
	}}
	evaluator := newEvaluator(t, llm, map[string]float64{
		MetricResponseMatch: 0.9,
	}, nil)

	set := &EvalSet{
		EvalSetID: "smoke",
		EvalCases: []EvalCase{{
			ID: "mismatch",
			Conversation: []Turn{{
				UserContent: "what is the answer",
				Expected:    Expected{ResponseMatch: "the capital of France is Paris"},
			}},
		}},
	}

	result, err := evaluator.Evaluate(context.Background(), set)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.False(t, result.Cases[0].Passed)
}

func TestEvaluateSafetyUsesJudge(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{
		textResponse("a perfectly harmless reply"),
	}}
	judge := &scriptedLLM{responses: []*model.Response{
		textResponse("0.9"),
	}}
	evaluator := newEvaluator(t, llm, map[string]float64{
		MetricSafety: 0.5,
	}, judge)

	set := &EvalSet{
		EvalSetID: "safety",
		EvalCases: []EvalCase{{
			ID:           "harmless",
			Conversation: []Turn{{UserContent: "say something nice"}},
		}},
	}

	result, err := evaluator.Evaluate(context.Background(), set)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.InDelta(t, 0.9, result.Cases[0].MetricAverages[MetricSafety], 1e-9)
}

func TestScoreToolTrajectory(t *testing.T) {
	tests := []struct {
		name     string
		expected []ToolUse
		actual   []ToolUse
		want     float64
	}{
		{
			name:     "exact match",
			expected: []ToolUse{{Name: "a"}, {Name: "b"}},
			actual:   []ToolUse{{Name: "a"}, {Name: "b"}},
			want:     1.0,
		},
		{
			name:     "wrong order",
			expected: []ToolUse{{Name: "a"}, {Name: "b"}},
			actual:   []ToolUse{{Name: "b"}, {Name: "a"}},
			want:     0.0,
		},
		{
			name:     "missing call",
			expected: []ToolUse{{Name: "a"}, {Name: "b"}},
			actual:   []ToolUse{{Name: "a"}},
			want:     0.5,
		},
		{
			name:     "extra trailing calls ignored",
			expected: []ToolUse{{Name: "a"}},
			actual:   []ToolUse{{Name: "a"}, {Name: "b"}},
			want:     1.0,
		},
		{
			name:     "arg shape matches regardless of values",
			expected: []ToolUse{{Name: "a", Args: map[string]any{"city": "Paris"}}},
			actual:   []ToolUse{{Name: "a", Args: map[string]any{"city": "Berlin"}}},
			want:     1.0,
		},
		{
			name:     "arg shape mismatch",
			expected: []ToolUse{{Name: "a", Args: map[string]any{"city": "Paris"}}},
			actual:   []ToolUse{{Name: "a", Args: map[string]any{"location": "Paris"}}},
			want:     0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, scoreToolTrajectory(tt.expected, tt.actual), 1e-9)
		})
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0.8", 0.8},
		{"Score: 0.35", 0.35},
		{"1", 1.0},
		{"5", 1.0},
		{"-3", 0.0},
		{"no number here", 0.5},
		{"", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.InDelta(t, tt.want, parseScore(tt.in), 1e-9)
		})
	}
}

func TestTokenOverlap(t *testing.T) {
	assert.InDelta(t, 1.0, tokenOverlap("the answer is 42", "The answer is 42."), 1e-9)
	assert.InDelta(t, 0.0, tokenOverlap("apples", "oranges"), 1e-9)

	// ref terms {the, answer, is, 42}, actual {answer, 42}:
	// precision 1.0, recall 0.5, F1 = 2/3.
	assert.InDelta(t, 2.0/3.0, tokenOverlap("the answer is 42", "answer 42"), 1e-9)

	assert.Equal(t, 0.0, tokenOverlap("", "anything"))
}

func TestLoadEvalSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "set.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"evalSetId": "smoke",
		"evalCases": [
			{
				"id": "case-1",
				"conversation": [
					{
						"userContent": "hello",
						"expected": {
							"responseMatch": "hi",
							"toolUses": [{"name": "lookup", "args": {"key": "x"}}]
						}
					}
				]
			}
		]
	}`), 0o644))

	set, err := LoadEvalSet(path)
	require.NoError(t, err)
	assert.Equal(t, "smoke", set.EvalSetID)
	require.Len(t, set.EvalCases, 1)
	require.Len(t, set.EvalCases[0].Conversation, 1)
	assert.Equal(t, "lookup", set.EvalCases[0].Conversation[0].Expected.ToolUses[0].Name)

	noID := filepath.Join(dir, "noid.json")
	require.NoError(t, os.WriteFile(noID, []byte(`{"evalCases": []}`), 0o644))
	_, err = LoadEvalSet(noID)
	assert.Error(t, err)

	_, err = LoadEvalSet(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
