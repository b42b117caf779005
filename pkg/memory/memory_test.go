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

package memory_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/memory"
	"github.com/nestor-ai/nestor/pkg/session"
	"github.com/nestor-ai/nestor/pkg/vector"
)

// hashEmbedder maps texts onto a tiny deterministic vector space so
// vector-mode tests need no real model: texts sharing words land close
// together.
type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		var h uint32
		for _, r := range word {
			h = h*31 + uint32(r)
		}
		vec[h%8]++
	}
	return vec, nil
}

func (e hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (hashEmbedder) Dimension() int { return 8 }
func (hashEmbedder) Model() string  { return "hash-test" }
func (hashEmbedder) Close() error   { return nil }

func keywordService(t *testing.T) *memory.Service {
	t.Helper()
	svc, err := memory.NewService(memory.Config{Mode: memory.ModeKeyword})
	require.NoError(t, err)
	return svc
}

func vectorService(t *testing.T) *memory.Service {
	t.Helper()
	svc, err := memory.NewService(memory.Config{
		Embedder: hashEmbedder{},
		Vector:   vector.NewInMemory(),
		Mode:     memory.ModeVector,
	})
	require.NoError(t, err)
	return svc
}

func TestVectorModeRequiresEmbedder(t *testing.T) {
	_, err := memory.NewService(memory.Config{Mode: memory.ModeVector})
	require.Error(t, err)
}

func TestKeywordSearchRanksByRelevance(t *testing.T) {
	svc := keywordService(t)
	ctx := context.Background()

	_, err := svc.Write(ctx, "app", "u1", "the user prefers metric units for temperature", nil)
	require.NoError(t, err)
	_, err = svc.Write(ctx, "app", "u1", "the user lives in Lisbon", nil)
	require.NoError(t, err)
	_, err = svc.Write(ctx, "app", "u1", "favorite color is green", nil)
	require.NoError(t, err)

	results, err := svc.Search(ctx, memory.Query{
		Text: "temperature units", AppName: "app", UserID: "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "metric units")
	assert.InDelta(t, 1.0, results[0].Score, 1e-9, "top hit is normalized to 1")
}

func TestKeywordPhraseBoost(t *testing.T) {
	svc := keywordService(t)
	ctx := context.Background()

	_, err := svc.Write(ctx, "app", "u1", "loves hiking mountain trails on weekends", nil)
	require.NoError(t, err)
	_, err = svc.Write(ctx, "app", "u1", "mountain weather and trails report hiking conditions", nil)
	require.NoError(t, err)

	results, err := svc.Search(ctx, memory.Query{
		Text: "hiking mountain trails", AppName: "app", UserID: "u1",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, results[0].Content, "loves hiking mountain trails",
		"verbatim phrase match outranks scattered terms")
}

func TestSearchScopedToUser(t *testing.T) {
	svc := keywordService(t)
	ctx := context.Background()

	_, err := svc.Write(ctx, "app", "u1", "private preference about coffee", nil)
	require.NoError(t, err)

	results, err := svc.Search(ctx, memory.Query{
		Text: "coffee preference", AppName: "app", UserID: "u2",
	})
	require.NoError(t, err)
	assert.Empty(t, results, "another user's records are invisible")
}

func TestWriteAndDelete(t *testing.T) {
	for name, svc := range map[string]*memory.Service{
		"keyword": keywordService(t),
		"vector":  vectorService(t),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := svc.Write(ctx, "app", "u1", "remember the database password policy", nil)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(id, "mem-"))

			results, err := svc.Search(ctx, memory.Query{
				Text: "database password policy", AppName: "app", UserID: "u1",
			})
			require.NoError(t, err)
			require.NotEmpty(t, results)

			require.NoError(t, svc.Delete(ctx, []string{id}))
			results, err = svc.Search(ctx, memory.Query{
				Text: "database password policy", AppName: "app", UserID: "u1",
			})
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestVectorSearchFindsSimilarRecord(t *testing.T) {
	svc := vectorService(t)
	ctx := context.Background()

	_, err := svc.Write(ctx, "app", "u1", "user timezone is Europe/Berlin", nil)
	require.NoError(t, err)

	results, err := svc.Search(ctx, memory.Query{
		Text: "user timezone is Europe/Berlin", AppName: "app", UserID: "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "user timezone is Europe/Berlin", results[0].Content)
	assert.InDelta(t, 1.0, results[0].Score, 0.01, "identical text scores as an exact match")
}

func TestThresholdFiltersWeakHits(t *testing.T) {
	svc := keywordService(t)
	ctx := context.Background()

	_, err := svc.Write(ctx, "app", "u1", "weekly report cadence is friday afternoon", nil)
	require.NoError(t, err)
	_, err = svc.Write(ctx, "app", "u1", "report formatting uses markdown", nil)
	require.NoError(t, err)

	all, err := svc.Search(ctx, memory.Query{
		Text: "friday report cadence", AppName: "app", UserID: "u1",
	})
	require.NoError(t, err)
	require.Len(t, all, 2)

	strict, err := svc.Search(ctx, memory.Query{
		Text: "friday report cadence", AppName: "app", UserID: "u1", Threshold: 0.9,
	})
	require.NoError(t, err)
	require.Len(t, strict, 1)
	assert.Contains(t, strict[0].Content, "friday afternoon")
}

func sessionWith(t *testing.T, svc session.Service, id string, texts ...string) session.Session {
	t.Helper()
	created, err := svc.Create(context.Background(), &session.CreateRequest{
		AppName: "app", UserID: "u1", SessionID: id,
	})
	require.NoError(t, err)

	for _, text := range texts {
		event := agent.NewEvent("inv-1")
		event.Author = "bot"
		event.Content = agent.NewTextContent(text, agent.RoleModel)
		_, err = svc.AppendEvent(context.Background(), &session.AppendEventRequest{
			Session: created.Session,
			Event:   event,
		})
		require.NoError(t, err)
	}
	return created.Session
}

func TestAddSessionToMemoryIsIdempotent(t *testing.T) {
	svc := keywordService(t)
	sessions := session.InMemoryService()
	sess := sessionWith(t, sessions, "s1", "the deploy window opens thursday evening")
	ctx := context.Background()

	require.NoError(t, svc.AddSessionToMemory(ctx, sess))
	require.NoError(t, svc.AddSessionToMemory(ctx, sess))

	results, err := svc.Search(ctx, memory.Query{
		Text: "deploy window thursday", AppName: "app", UserID: "u1", Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1, "re-capturing a session replaces its records")
}

func TestEndHookCapturesSession(t *testing.T) {
	svc := keywordService(t)
	sessions := session.InMemoryService()
	svc.AttachTo(sessions)

	sessionWith(t, sessions, "s1", "customer escalation resolved with refund")
	require.NoError(t, sessions.End(context.Background(), &session.EndRequest{
		AppName: "app", UserID: "u1", SessionID: "s1",
	}))

	results, err := svc.Search(context.Background(), memory.Query{
		Text: "customer escalation refund", AppName: "app", UserID: "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "escalation resolved")
}

func TestMessageCountTrigger(t *testing.T) {
	svc, err := memory.NewService(memory.Config{
		Mode:          memory.ModeKeyword,
		TriggerEveryN: 2,
	})
	require.NoError(t, err)

	sessions := session.InMemoryService()
	svc.AttachTo(sessions)

	sessionWith(t, sessions, "s1",
		"first note about quarterly budget planning",
		"second note about hiring freeze details",
	)

	results, err := svc.Search(context.Background(), memory.Query{
		Text: "quarterly budget planning", AppName: "app", UserID: "u1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, results, "capture fires after every N persisted messages")
}

func TestBoundMemoryView(t *testing.T) {
	svc := keywordService(t)
	bound := memory.Bound(svc, "app", "u1")
	ctx := context.Background()

	id, err := bound.Write(ctx, "the staging api key rotates monthly", nil)
	require.NoError(t, err)

	resp, err := bound.Search(ctx, "staging api key rotation")
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, id, resp.Results[0].ID)

	require.NoError(t, bound.Delete(ctx, []string{id}))
	resp, err = bound.Search(ctx, "staging api key rotation")
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}
