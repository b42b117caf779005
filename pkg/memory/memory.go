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

// Package memory provides cross-session long-term memory.
//
// Sessions are captured into memory records on session end, every N
// appended messages, or explicitly. Records are embedded for vector
// search and indexed for keyword search; queries can use either mode or
// a hybrid score merge.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/embedder"
	"github.com/nestor-ai/nestor/pkg/observability"
	"github.com/nestor-ai/nestor/pkg/session"
	"github.com/nestor-ai/nestor/pkg/vector"
)

// SearchMode selects how memory is searched.
type SearchMode string

const (
	// ModeVector uses embedding cosine similarity.
	ModeVector SearchMode = "vector"

	// ModeKeyword uses TF-IDF term matching with a phrase boost.
	ModeKeyword SearchMode = "keyword"

	// ModeHybrid merges vector and keyword scores.
	ModeHybrid SearchMode = "hybrid"
)

// Query is a memory search request.
type Query struct {
	Text    string
	AppName string
	UserID  string

	// Limit caps results. Default 5.
	Limit int

	// Threshold drops results scoring below it.
	Threshold float64

	// Mode defaults to the service's configured mode.
	Mode SearchMode
}

// SearchResult is one memory hit.
type SearchResult struct {
	ID       string
	Content  string
	Score    float64
	Metadata map[string]any
}

// Config configures the memory service.
type Config struct {
	// Embedder computes record embeddings. Required for vector and
	// hybrid modes.
	Embedder embedder.Embedder

	// Vector stores embeddings. Required for vector and hybrid modes.
	Vector vector.Provider

	// Collection names the vector collection. Default "nestor_memory".
	Collection string

	// Summarizer condenses a session into one record on capture. When
	// nil each conversational event becomes its own record.
	Summarizer *Summarizer

	// Mode is the default search mode. Defaults to ModeVector when a
	// vector provider is configured, ModeKeyword otherwise.
	Mode SearchMode

	// TriggerEveryN captures the session into memory every N persisted
	// conversational events. Zero disables the message-count trigger.
	TriggerEveryN int
}

// Service captures sessions into memory and answers searches.
type Service struct {
	embedder   embedder.Embedder
	vector     vector.Provider
	collection string
	summarizer *Summarizer
	mode       SearchMode
	everyN     int

	keyword *keywordIndex
}

// NewService creates a memory service.
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		if cfg.Vector != nil {
			mode = ModeVector
		} else {
			mode = ModeKeyword
		}
	}
	if mode != ModeKeyword && (cfg.Vector == nil || cfg.Embedder == nil) {
		return nil, fmt.Errorf("memory: mode '%s' requires an embedder and a vector provider", mode)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "nestor_memory"
	}
	return &Service{
		embedder:   cfg.Embedder,
		vector:     cfg.Vector,
		collection: collection,
		summarizer: cfg.Summarizer,
		mode:       mode,
		everyN:     cfg.TriggerEveryN,
		keyword:    newKeywordIndex(),
	}, nil
}

// AttachTo registers the session-end and message-count capture triggers
// on a session service.
func (s *Service) AttachTo(sessions session.Service) {
	sessions.RegisterEndHook(func(ctx context.Context, sess session.Session) {
		if err := s.AddSessionToMemory(ctx, sess); err != nil {
			slog.Warn("failed to capture ended session into memory",
				"session_id", sess.ID(), "error", err)
		}
	})
	if s.everyN > 0 {
		sessions.RegisterAppendHook(func(ctx context.Context, sess session.Session, _ *agent.Event) {
			count := 0
			for event := range sess.Events().All() {
				if event.Content != nil && event.Content.Text() != "" {
					count++
				}
			}
			if count > 0 && count%s.everyN == 0 {
				if err := s.AddSessionToMemory(ctx, sess); err != nil {
					slog.Warn("failed to capture session into memory",
						"session_id", sess.ID(), "error", err)
				}
			}
		})
	}
}

// AddSessionToMemory captures a session's conversation into memory
// records. Re-capturing the same session replaces its earlier records,
// so the trigger cadence does not duplicate content.
func (s *Service) AddSessionToMemory(ctx context.Context, sess agent.Session) error {
	if sess == nil {
		return nil
	}

	var events []*agent.Event
	for event := range sess.Events().All() {
		if event.Partial || event.Content == nil || event.Content.Text() == "" {
			continue
		}
		events = append(events, event)
	}
	if len(events) == 0 {
		return nil
	}

	if err := s.deleteBySession(ctx, sess.AppName(), sess.UserID(), sess.ID()); err != nil {
		return err
	}

	if s.summarizer != nil {
		summary, err := s.summarizer.SummarizeSession(ctx, events)
		if err != nil {
			return fmt.Errorf("memory: summarize session: %w", err)
		}
		if summary == "" {
			return nil
		}
		_, err = s.write(ctx, sess.AppName(), sess.UserID(), summary, map[string]any{
			"session_id": sess.ID(),
			"kind":       "session_summary",
		})
		return err
	}

	for _, event := range events {
		_, err := s.write(ctx, sess.AppName(), sess.UserID(), event.Content.Text(), map[string]any{
			"session_id": sess.ID(),
			"event_id":   event.ID,
			"author":     event.Author,
			"kind":       "event",
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Write stores one explicit memory record and returns its id.
func (s *Service) Write(ctx context.Context, appName, userID, content string, metadata map[string]any) (string, error) {
	return s.write(ctx, appName, userID, content, metadata)
}

func (s *Service) write(ctx context.Context, appName, userID, content string, metadata map[string]any) (string, error) {
	id := "mem-" + uuid.NewString()

	meta := map[string]any{
		"content":   content,
		"app_name":  appName,
		"user_id":   userID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		meta[k] = v
	}

	if s.vector != nil && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return "", fmt.Errorf("memory: embed record: %w", err)
		}
		if err := s.vector.Upsert(ctx, s.collection, id, vec, meta); err != nil {
			return "", fmt.Errorf("memory: store record: %w", err)
		}
	}

	s.keyword.add(keywordDoc{
		id:       id,
		appName:  appName,
		userID:   userID,
		content:  content,
		metadata: meta,
	})
	return id, nil
}

// Delete removes records by id.
func (s *Service) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if s.vector != nil {
			if err := s.vector.Delete(ctx, s.collection, id); err != nil {
				return fmt.Errorf("memory: delete '%s': %w", id, err)
			}
		}
		s.keyword.remove(id)
	}
	return nil
}

func (s *Service) deleteBySession(ctx context.Context, appName, userID, sessionID string) error {
	if s.vector != nil {
		err := s.vector.DeleteByFilter(ctx, s.collection, map[string]any{
			"app_name":   appName,
			"user_id":    userID,
			"session_id": sessionID,
		})
		if err != nil {
			return fmt.Errorf("memory: clear session records: %w", err)
		}
	}
	s.keyword.removeBySession(appName, userID, sessionID)
	return nil
}

// Search answers a memory query in the requested mode.
func (s *Service) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	if q.Text == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	mode := q.Mode
	if mode == "" {
		mode = s.mode
	}

	ctx, span := observability.Tracer("memory").Start(ctx, observability.SpanMemorySearch,
		trace.WithAttributes(
			observability.AttrAppName.String(q.AppName),
			observability.AttrUserID.String(q.UserID),
		))
	defer span.End()

	var results []SearchResult
	var err error
	switch mode {
	case ModeVector:
		results, err = s.searchVector(ctx, q, limit)
	case ModeKeyword:
		results = s.keyword.search(q.AppName, q.UserID, q.Text, limit)
	case ModeHybrid:
		results, err = s.searchHybrid(ctx, q, limit)
	default:
		return nil, fmt.Errorf("memory: unknown search mode '%s'", mode)
	}
	if err != nil {
		return nil, err
	}

	if q.Threshold > 0 {
		filtered := results[:0]
		for _, r := range results {
			if r.Score >= q.Threshold {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	return results, nil
}

func (s *Service) searchVector(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	if s.vector == nil || s.embedder == nil {
		return nil, fmt.Errorf("memory: vector search is not configured")
	}
	vec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	hits, err := s.vector.SearchWithFilter(ctx, s.collection, vec, limit, map[string]any{
		"app_name": q.AppName,
		"user_id":  q.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: vector search: %w", err)
	}
	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, SearchResult{
			ID:       hit.ID,
			Content:  hit.Content,
			Score:    float64(hit.Score),
			Metadata: hit.Metadata,
		})
	}
	return results, nil
}

// searchHybrid merges both modes, averaging scores for records found by
// both and keeping single-mode hits at half weight.
func (s *Service) searchHybrid(ctx context.Context, q Query, limit int) ([]SearchResult, error) {
	vecResults, err := s.searchVector(ctx, q, limit*2)
	if err != nil {
		return nil, err
	}
	kwResults := s.keyword.search(q.AppName, q.UserID, q.Text, limit*2)

	merged := make(map[string]*SearchResult)
	for _, r := range vecResults {
		rc := r
		rc.Score = r.Score * 0.5
		merged[r.ID] = &rc
	}
	for _, r := range kwResults {
		if existing, ok := merged[r.ID]; ok {
			existing.Score += r.Score * 0.5
			continue
		}
		rc := r
		rc.Score = r.Score * 0.5
		merged[r.ID] = &rc
	}

	results := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Bound adapts the service to the agent.Memory view for one (app, user)
// pair.
func Bound(s *Service, appName, userID string) agent.Memory {
	return &boundMemory{service: s, appName: appName, userID: userID}
}

type boundMemory struct {
	service *Service
	appName string
	userID  string
}

func (b *boundMemory) AddSession(ctx context.Context, sess agent.Session) error {
	return b.service.AddSessionToMemory(ctx, sess)
}

func (b *boundMemory) Search(ctx context.Context, query string) (*agent.MemorySearchResponse, error) {
	results, err := b.service.Search(ctx, Query{
		Text:    query,
		AppName: b.appName,
		UserID:  b.userID,
	})
	if err != nil {
		return nil, err
	}
	resp := &agent.MemorySearchResponse{}
	for _, r := range results {
		resp.Results = append(resp.Results, agent.MemoryResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Score,
			Metadata: r.Metadata,
		})
	}
	return resp, nil
}

func (b *boundMemory) Write(ctx context.Context, content string, metadata map[string]any) (string, error) {
	return b.service.Write(ctx, b.appName, b.userID, content, metadata)
}

func (b *boundMemory) Delete(ctx context.Context, ids []string) error {
	return b.service.Delete(ctx, ids)
}

var _ agent.Memory = (*boundMemory)(nil)
