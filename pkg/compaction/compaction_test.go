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

package compaction_test

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/compaction"
	"github.com/nestor-ai/nestor/pkg/memory"
	"github.com/nestor-ai/nestor/pkg/model"
	"github.com/nestor-ai/nestor/pkg/session"
)

// summaryLLM answers every summarization request with a numbered
// summary and records the prompts it was given.
type summaryLLM struct {
	mu      sync.Mutex
	calls   int
	prompts []string
}

func (l *summaryLLM) Name() string             { return "summary-fake" }
func (l *summaryLLM) Provider() model.Provider { return model.ProviderOpenAI }
func (l *summaryLLM) Close() error             { return nil }

func (l *summaryLLM) GenerateContent(_ context.Context, req *model.Request, _ bool) iter.Seq2[*model.Response, error] {
	l.mu.Lock()
	l.calls++
	n := l.calls
	if len(req.Messages) > 0 {
		l.prompts = append(l.prompts, req.Messages[0].Text())
	}
	l.mu.Unlock()

	return func(yield func(*model.Response, error) bool) {
		yield(&model.Response{
			Content:      agent.NewTextContent(fmt.Sprintf("summary %d", n), agent.RoleModel),
			TurnComplete: true,
			FinishReason: model.FinishReasonStop,
		}, nil)
	}
}

var _ model.LLM = (*summaryLLM)(nil)

func newEngine(t *testing.T, llm *summaryLLM, interval, overlap int) *compaction.Engine {
	t.Helper()
	summarizer, err := memory.NewSummarizer(memory.SummarizerConfig{LLM: llm})
	require.NoError(t, err)

	engine, err := compaction.NewEngine(compaction.Config{
		Interval:   interval,
		Overlap:    overlap,
		Summarizer: summarizer,
	})
	require.NoError(t, err)
	return engine
}

func newSession(t *testing.T, svc session.Service) session.Session {
	t.Helper()
	created, err := svc.Create(context.Background(), &session.CreateRequest{
		AppName: "app", UserID: "u1", SessionID: "s1",
	})
	require.NoError(t, err)
	return created.Session
}

func say(t *testing.T, svc session.Service, sess session.Session, author, text string) {
	t.Helper()
	event := agent.NewEvent("inv-1")
	event.Author = author
	event.Content = agent.NewTextContent(text, agent.RoleModel)
	_, err := svc.AppendEvent(context.Background(), &session.AppendEventRequest{
		Session: sess,
		Event:   event,
	})
	require.NoError(t, err)
}

func markers(t *testing.T, sess session.Session) []*agent.Compaction {
	t.Helper()
	var found []*agent.Compaction
	for event := range sess.Events().All() {
		if event.Actions.Compaction != nil {
			found = append(found, event.Actions.Compaction)
		}
	}
	return found
}

func TestNewEngineValidatesConfig(t *testing.T) {
	summarizer, err := memory.NewSummarizer(memory.SummarizerConfig{LLM: &summaryLLM{}})
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  compaction.Config
	}{
		{"zero interval", compaction.Config{Summarizer: summarizer}},
		{"negative overlap", compaction.Config{Interval: 3, Overlap: -1, Summarizer: summarizer}},
		{"overlap not below interval", compaction.Config{Interval: 3, Overlap: 3, Summarizer: summarizer}},
		{"missing summarizer", compaction.Config{Interval: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compaction.NewEngine(tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestCompactionTriggersAtInterval(t *testing.T) {
	llm := &summaryLLM{}
	engine := newEngine(t, llm, 3, 0)
	sessions := session.InMemoryService()
	engine.AttachTo(sessions)
	sess := newSession(t, sessions)

	say(t, sessions, sess, "user", "what is the capital of France")
	say(t, sessions, sess, "bot", "Paris")
	assert.Empty(t, markers(t, sess), "below the interval nothing compacts")

	say(t, sessions, sess, "user", "and of Spain")

	found := markers(t, sess)
	require.Len(t, found, 1)
	assert.Equal(t, "summary 1", found[0].Summary)
	assert.Equal(t, 0, found[0].StartIndex)
	assert.Equal(t, 2, found[0].EndIndex)
}

func TestMarkerDoesNotRetrigger(t *testing.T) {
	llm := &summaryLLM{}
	engine := newEngine(t, llm, 2, 0)
	sessions := session.InMemoryService()
	engine.AttachTo(sessions)
	sess := newSession(t, sessions)

	say(t, sessions, sess, "user", "first")
	say(t, sessions, sess, "bot", "second")

	require.Len(t, markers(t, sess), 1)
	assert.Equal(t, 1, llm.calls, "the appended marker itself must not compact again")
}

func TestConsecutiveWindowsOverlap(t *testing.T) {
	llm := &summaryLLM{}
	engine := newEngine(t, llm, 3, 1)
	sessions := session.InMemoryService()
	engine.AttachTo(sessions)
	sess := newSession(t, sessions)

	say(t, sessions, sess, "user", "apples")
	say(t, sessions, sess, "bot", "bananas")
	say(t, sessions, sess, "user", "cherries")

	first := markers(t, sess)
	require.Len(t, first, 1)
	assert.Equal(t, 0, first[0].StartIndex)
	assert.Equal(t, 2, first[0].EndIndex)

	// Three more conversational events past the marker at index 3.
	say(t, sessions, sess, "bot", "dates")
	say(t, sessions, sess, "user", "elderberries")
	say(t, sessions, sess, "bot", "figs")

	all := markers(t, sess)
	require.Len(t, all, 2)
	second := all[1]
	assert.Equal(t, 2, second.StartIndex, "window reaches back into the compacted range")
	assert.Equal(t, 6, second.EndIndex)
	assert.Equal(t, "summary 2", second.Summary)

	// The second prompt carries the first summary in place of the
	// already-compacted events.
	require.Len(t, llm.prompts, 2)
	assert.Contains(t, llm.prompts[1], "summary 1")
	assert.Contains(t, llm.prompts[1], "figs")
	assert.NotContains(t, llm.prompts[1], "apples")
}

func TestTranscriptNamesAuthors(t *testing.T) {
	llm := &summaryLLM{}
	engine := newEngine(t, llm, 2, 0)
	sessions := session.InMemoryService()
	engine.AttachTo(sessions)
	sess := newSession(t, sessions)

	say(t, sessions, sess, "user", "deploy on friday")
	say(t, sessions, sess, "assistant", "noted, friday it is")

	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "[user]: deploy on friday")
	assert.Contains(t, llm.prompts[0], "[assistant]: noted, friday it is")
}

func TestPartialEventsDoNotCount(t *testing.T) {
	llm := &summaryLLM{}
	engine := newEngine(t, llm, 2, 0)
	sessions := session.InMemoryService()
	sess := newSession(t, sessions)

	say(t, sessions, sess, "user", "hello")

	partial := agent.NewEvent("inv-1")
	partial.Author = "bot"
	partial.Partial = true
	partial.Content = agent.NewTextContent("chunk", agent.RoleModel)
	_, err := sessions.AppendEvent(context.Background(), &session.AppendEventRequest{
		Session: sess,
		Event:   partial,
	})
	require.NoError(t, err)

	require.NoError(t, engine.MaybeCompact(context.Background(), sessions, sess))
	assert.Empty(t, markers(t, sess))
	assert.Equal(t, 0, llm.calls)
}
