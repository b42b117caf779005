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

// Package model defines the provider-agnostic LLM abstraction.
//
// A provider implements LLM and turns a Request into a stream of
// Responses. The stream may yield many partial chunks and terminates with
// a final non-partial response.
package model

import (
	"context"
	"iter"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/tool"
)

// Provider identifies an LLM provider family.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderOllama    Provider = "ollama"
	ProviderUnknown   Provider = "unknown"
)

// LLM is the provider contract.
type LLM interface {
	// Name returns the model name (e.g. "gpt-4o", "claude-sonnet-4-5").
	Name() string

	// Provider returns the provider family.
	Provider() Provider

	// GenerateContent sends the request and yields responses. When
	// stream is true, partial chunks are yielded before the final
	// response; otherwise a single final response is yielded.
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases provider resources.
	Close() error
}

// Request is a provider-agnostic LLM request.
type Request struct {
	// Messages is the conversation history.
	Messages []*agent.Content

	// SystemInstruction is the system prompt.
	SystemInstruction string

	// Tools are the function declarations available to the model.
	Tools []tool.Definition

	// Config holds generation parameters; nil uses provider defaults.
	Config *GenerateConfig
}

// Response is one streamed chunk or the final model output.
type Response struct {
	// Content carries text and function call parts.
	Content *agent.Content

	// Partial marks a streaming chunk. The final response of a stream is
	// never partial.
	Partial bool

	// TurnComplete marks the end of the model turn.
	TurnComplete bool

	// FinishReason says why generation stopped.
	FinishReason FinishReason

	// Usage reports token counts when the provider supplies them.
	Usage *Usage

	// ErrorCode and ErrorMessage are set when the provider failed.
	ErrorCode    string
	ErrorMessage string
}

// FunctionCalls returns the function call parts of the response.
func (r *Response) FunctionCalls() []*agent.FunctionCall {
	if r == nil {
		return nil
	}
	return r.Content.FunctionCalls()
}

// Text returns the concatenated text parts of the response.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return r.Content.Text()
}

// FinishReason says why the model stopped generating.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonSafety        FinishReason = "safety"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonError         FinishReason = "error"
)

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// GenerateConfig holds generation parameters. Zero values mean "provider
// default".
type GenerateConfig struct {
	Temperature     *float64
	TopP            *float64
	TopK            *int
	MaxOutputTokens int
	StopSequences   []string
	Seed            *int64

	// ResponseMIMEType set to "application/json" together with
	// ResponseSchema requests structured output.
	ResponseMIMEType string
	ResponseSchema   map[string]any
}

// Clone returns a deep copy of the config.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}
	clone := &GenerateConfig{
		MaxOutputTokens:  c.MaxOutputTokens,
		ResponseMIMEType: c.ResponseMIMEType,
		ResponseSchema:   deepCopyMap(c.ResponseSchema),
	}
	if c.Temperature != nil {
		v := *c.Temperature
		clone.Temperature = &v
	}
	if c.TopP != nil {
		v := *c.TopP
		clone.TopP = &v
	}
	if c.TopK != nil {
		v := *c.TopK
		clone.TopK = &v
	}
	if c.Seed != nil {
		v := *c.Seed
		clone.Seed = &v
	}
	if c.StopSequences != nil {
		clone.StopSequences = make([]string, len(c.StopSequences))
		copy(clone.StopSequences, c.StopSequences)
	}
	return clone
}

func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, val := range src {
		dst[key] = deepCopyValue(val)
	}
	return dst
}

func deepCopySlice(src []any) []any {
	if src == nil {
		return nil
	}
	dst := make([]any, len(src))
	for i, val := range src {
		dst[i] = deepCopyValue(val)
	}
	return dst
}

func deepCopyValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		return deepCopyMap(v)
	case []any:
		return deepCopySlice(v)
	default:
		return v
	}
}
