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

// Package compaction keeps long session histories inside the model's
// context window by summarizing older event ranges.
//
// A compaction appends a marker event whose Actions.Compaction names the
// summarized range [StartIndex, EndIndex]. Request building substitutes
// the range with the summary text; consecutive windows overlap so the
// summary keeps recent context.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/memory"
	"github.com/nestor-ai/nestor/pkg/session"
)

// Config configures a compaction engine.
type Config struct {
	// Interval is the number of new conversational events that triggers
	// a compaction (required).
	Interval int

	// Overlap re-includes this many events from the end of the previous
	// window, so consecutive summaries share context.
	Overlap int

	// Summarizer condenses the window (required).
	Summarizer *memory.Summarizer

	// MaxInputTokens caps the transcript fed to the summarizer; the
	// oldest events are dropped first. Default 4096.
	MaxInputTokens int

	// Encoding is the tiktoken encoding used for counting. Default
	// "cl100k_base".
	Encoding string
}

// Engine watches sessions and compacts them when enough new events have
// accumulated.
type Engine struct {
	interval  int
	overlap   int
	summarize *memory.Summarizer
	maxTokens int
	encoder   *tiktoken.Tiktoken
}

// NewEngine creates a compaction engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("compaction: interval must be positive")
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Interval {
		return nil, fmt.Errorf("compaction: overlap must be in [0, interval)")
	}
	if cfg.Summarizer == nil {
		return nil, fmt.Errorf("compaction: summarizer is required")
	}
	maxTokens := cfg.MaxInputTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "cl100k_base"
	}
	encoder, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("compaction: load encoding '%s': %w", encoding, err)
	}
	return &Engine{
		interval:  cfg.Interval,
		overlap:   cfg.Overlap,
		summarize: cfg.Summarizer,
		maxTokens: maxTokens,
		encoder:   encoder,
	}, nil
}

// AttachTo registers the engine on a session service so every persisted
// append checks whether the session is due for compaction.
func (e *Engine) AttachTo(sessions session.Service) {
	sessions.RegisterAppendHook(func(ctx context.Context, sess session.Session, event *agent.Event) {
		// The compaction marker itself must not re-trigger.
		if event.Actions.Compaction != nil {
			return
		}
		if err := e.MaybeCompact(ctx, sessions, sess); err != nil {
			slog.Warn("compaction failed",
				"session_id", sess.ID(), "error", err)
		}
	})
}

// MaybeCompact compacts the session when Interval new conversational
// events exist past the last compacted range. No-op otherwise.
func (e *Engine) MaybeCompact(ctx context.Context, sessions session.Service, sess session.Session) error {
	var events []*agent.Event
	for event := range sess.Events().All() {
		events = append(events, event)
	}

	lastEnd := -1
	for _, event := range events {
		if c := event.Actions.Compaction; c != nil && c.EndIndex > lastEnd {
			lastEnd = c.EndIndex
		}
	}

	pending := 0
	lastIdx := -1
	for i := lastEnd + 1; i < len(events); i++ {
		if isConversational(events[i]) {
			pending++
			lastIdx = i
		}
	}
	if pending < e.interval || lastIdx < 0 {
		return nil
	}

	start := lastEnd + 1 - e.overlap
	if start < 0 {
		start = 0
	}
	end := lastIdx

	transcript := e.windowTranscript(events, start, end)
	if transcript == "" {
		return nil
	}

	summary, err := e.summarize.Summarize(ctx, transcript)
	if err != nil {
		return fmt.Errorf("summarize window [%d, %d]: %w", start, end, err)
	}
	if summary == "" {
		return nil
	}

	marker := agent.NewEvent(events[end].InvocationID)
	marker.Author = agent.AuthorSystem
	marker.Actions.Compaction = &agent.Compaction{
		Summary:    summary,
		StartIndex: start,
		EndIndex:   end,
	}

	_, err = sessions.AppendEvent(ctx, &session.AppendEventRequest{
		Session: sess,
		Event:   marker,
	})
	if err != nil {
		return fmt.Errorf("append compaction marker: %w", err)
	}

	slog.Debug("compacted session window",
		"session_id", sess.ID(),
		"start", start,
		"end", end)
	return nil
}

// windowTranscript renders [start, end] as transcript lines under the
// token budget, dropping the oldest lines first. A compaction marker
// inside the window contributes its summary as opaque text.
func (e *Engine) windowTranscript(events []*agent.Event, start, end int) string {
	var lines []string
	for i := start; i <= end && i < len(events); i++ {
		event := events[i]
		if c := event.Actions.Compaction; c != nil {
			lines = append(lines, fmt.Sprintf("[summary]: %s", c.Summary))
			continue
		}
		if !isConversational(event) {
			continue
		}
		author := event.Author
		if author == "" {
			author = "unknown"
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", author, event.Content.Text()))
	}

	for len(lines) > 1 {
		transcript := strings.Join(lines, "\n\n")
		if len(e.encoder.Encode(transcript, nil, nil)) <= e.maxTokens {
			break
		}
		lines = lines[1:]
	}
	return strings.Join(lines, "\n\n")
}

func isConversational(event *agent.Event) bool {
	return !event.Partial &&
		event.Actions.Compaction == nil &&
		event.Content != nil &&
		event.Content.Text() != ""
}
