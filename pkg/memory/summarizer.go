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

package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/model"
)

const defaultSummaryPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves key facts, decisions, names, dates and numbers. Write in a neutral, factual tone and do not add information not present in the conversation.

Conversation to summarize:
%s

Summary:`

// Summarizer condenses conversations with an LLM.
type Summarizer struct {
	llm    model.LLM
	prompt string
}

// SummarizerConfig configures a Summarizer. Prompt needs a %s
// placeholder for the conversation text; empty uses the default.
type SummarizerConfig struct {
	LLM    model.LLM
	Prompt string
}

// NewSummarizer creates an LLM summarizer.
func NewSummarizer(cfg SummarizerConfig) (*Summarizer, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("summarizer: llm is required")
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	return &Summarizer{llm: cfg.LLM, prompt: prompt}, nil
}

// SummarizeSession renders the events as a transcript and asks the LLM
// for a summary.
func (s *Summarizer) SummarizeSession(ctx context.Context, events []*agent.Event) (string, error) {
	transcript := Transcript(events)
	if transcript == "" {
		return "", nil
	}
	return s.Summarize(ctx, transcript)
}

// Summarize summarizes an arbitrary transcript.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	req := &model.Request{
		Messages: []*agent.Content{
			agent.NewTextContent(fmt.Sprintf(s.prompt, transcript), agent.RoleUser),
		},
	}

	var summary strings.Builder
	for resp, err := range s.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return "", fmt.Errorf("summarizer: llm call failed: %w", err)
		}
		if resp != nil && !resp.Partial {
			summary.WriteString(resp.Text())
		}
	}
	return strings.TrimSpace(summary.String()), nil
}

// Transcript renders events as "[author]: text" lines, skipping
// non-conversational events.
func Transcript(events []*agent.Event) string {
	var sb strings.Builder
	for _, event := range events {
		if event.Content == nil {
			continue
		}
		text := event.Content.Text()
		if text == "" {
			continue
		}
		author := event.Author
		if author == "" {
			author = "unknown"
		}
		sb.WriteString(fmt.Sprintf("[%s]: %s\n\n", author, text))
	}
	return strings.TrimSpace(sb.String())
}
