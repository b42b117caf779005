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

// Package providers implements concrete LLM clients for the model
// abstraction: OpenAI, Anthropic, Gemini (via the genai SDK) and Ollama.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/model"
)

// OpenAIConfig configures an OpenAI-compatible chat completions client.
type OpenAIConfig struct {
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// OpenAI is a chat completions client over raw HTTP. It also serves any
// OpenAI-compatible endpoint via BaseURL.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI creates an OpenAI LLM client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (o *OpenAI) Name() string             { return o.cfg.Model }
func (o *OpenAI) Provider() model.Provider { return model.ProviderOpenAI }
func (o *OpenAI) Close() error             { return nil }

// Wire types for the chat completions API.

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaiRequest struct {
	Model          string         `json:"model"`
	Messages       []oaiMessage   `json:"messages"`
	Tools          []oaiTool      `json:"tools,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	TopP           *float64       `json:"top_p,omitempty"`
	MaxTokens      int            `json:"max_completion_tokens,omitempty"`
	Stop           []string       `json:"stop,omitempty"`
	Seed           *int64         `json:"seed,omitempty"`
	Stream         bool           `json:"stream"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int         `json:"index"`
				ID       string      `json:"id"`
				Function oaiFunction `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// GenerateContent implements model.LLM.
func (o *OpenAI) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		body, err := o.buildRequest(req, stream)
		if err != nil {
			yield(nil, err)
			return
		}

		httpResp, err := o.post(ctx, body)
		if err != nil {
			yield(nil, agent.WrapError(agent.ErrorKindLlmTransport, err, "openai request failed"))
			return
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			yield(nil, o.apiError(httpResp))
			return
		}

		if stream {
			o.consumeStream(httpResp.Body, yield)
			return
		}

		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			yield(nil, agent.WrapError(agent.ErrorKindLlmTransport, err, "failed to read openai response"))
			return
		}
		var parsed oaiResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			yield(nil, fmt.Errorf("failed to decode openai response: %w", err))
			return
		}
		yield(o.toResponse(&parsed), nil)
	}
}

func (o *OpenAI) buildRequest(req *model.Request, stream bool) ([]byte, error) {
	oreq := oaiRequest{
		Model:    o.cfg.Model,
		Messages: toOAIMessages(req),
		Stream:   stream,
	}
	for _, def := range req.Tools {
		t := oaiTool{Type: "function"}
		t.Function.Name = def.Name
		t.Function.Description = def.Description
		t.Function.Parameters = def.Parameters
		oreq.Tools = append(oreq.Tools, t)
	}
	if cfg := req.Config; cfg != nil {
		oreq.Temperature = cfg.Temperature
		oreq.TopP = cfg.TopP
		oreq.MaxTokens = cfg.MaxOutputTokens
		oreq.Stop = cfg.StopSequences
		oreq.Seed = cfg.Seed
		if cfg.ResponseMIMEType == "application/json" {
			if cfg.ResponseSchema != nil {
				oreq.ResponseFormat = map[string]any{
					"type": "json_schema",
					"json_schema": map[string]any{
						"name":   "response",
						"schema": cfg.ResponseSchema,
					},
				}
			} else {
				oreq.ResponseFormat = map[string]any{"type": "json_object"}
			}
		}
	}
	return json.Marshal(oreq)
}

func toOAIMessages(req *model.Request) []oaiMessage {
	var messages []oaiMessage
	if req.SystemInstruction != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: req.SystemInstruction})
	}

	for _, content := range req.Messages {
		switch content.Role {
		case agent.RoleFunction:
			for _, fr := range content.FunctionResponses() {
				payload, _ := json.Marshal(fr.Response)
				messages = append(messages, oaiMessage{
					Role:       "tool",
					ToolCallID: fr.ID,
					Content:    string(payload),
				})
			}
		case agent.RoleModel:
			msg := oaiMessage{Role: "assistant", Content: content.Text()}
			for _, fc := range content.FunctionCalls() {
				args, _ := json.Marshal(fc.Args)
				msg.ToolCalls = append(msg.ToolCalls, oaiToolCall{
					ID:   fc.ID,
					Type: "function",
					Function: oaiFunction{
						Name:      fc.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, msg)
		default:
			messages = append(messages, oaiMessage{Role: "user", Content: content.Text()})
		}
	}
	return messages
}

func (o *OpenAI) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	return o.client.Do(httpReq)
}

func (o *OpenAI) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp oaiErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		kind := agent.ErrorKindLlmTransport
		if errResp.Error.Type == "content_policy_violation" {
			kind = agent.ErrorKindLlmContentPolicy
		}
		return agent.NewError(kind, fmt.Sprintf("openai API error: %s", errResp.Error.Message))
	}
	return agent.NewError(agent.ErrorKindLlmTransport,
		fmt.Sprintf("openai API returned status %d: %s", resp.StatusCode, string(body)))
}

func (o *OpenAI) toResponse(parsed *oaiResponse) *model.Response {
	resp := &model.Response{
		TurnComplete: true,
		FinishReason: model.FinishReasonStop,
		Usage: &model.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}
	if len(parsed.Choices) == 0 {
		return resp
	}

	choice := parsed.Choices[0]
	resp.FinishReason = mapOAIFinishReason(choice.FinishReason)
	content := &agent.Content{Role: agent.RoleModel}
	if choice.Message.Content != "" {
		content.AddText(choice.Message.Content)
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		content.AddPart(agent.Part{FunctionCall: &agent.FunctionCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}})
	}
	resp.Content = content
	return resp
}

// consumeStream parses SSE chunks, yields partials and finishes with the
// aggregated final response.
func (o *OpenAI) consumeStream(body io.Reader, yield func(*model.Response, error) bool) {
	var textBuilder strings.Builder
	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*pendingCall)
	maxIndex := -1
	finishReason := model.FinishReasonStop
	var usage *model.Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = &model.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = mapOAIFinishReason(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			textBuilder.WriteString(choice.Delta.Content)
			partial := &model.Response{
				Content: agent.NewTextContent(choice.Delta.Content, agent.RoleModel),
				Partial: true,
			}
			if !yield(partial, nil) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc := calls[tc.Index]
			if pc == nil {
				pc = &pendingCall{}
				calls[tc.Index] = pc
			}
			if tc.Index > maxIndex {
				maxIndex = tc.Index
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		yield(nil, agent.WrapError(agent.ErrorKindLlmTransport, err, "openai stream read failed"))
		return
	}

	content := &agent.Content{Role: agent.RoleModel}
	if textBuilder.Len() > 0 {
		content.AddText(textBuilder.String())
	}
	for i := 0; i <= maxIndex; i++ {
		pc := calls[i]
		if pc == nil {
			continue
		}
		var args map[string]any
		if pc.args.Len() > 0 {
			_ = json.Unmarshal([]byte(pc.args.String()), &args)
		}
		content.AddPart(agent.Part{FunctionCall: &agent.FunctionCall{
			ID:   pc.id,
			Name: pc.name,
			Args: args,
		}})
	}

	yield(&model.Response{
		Content:      content,
		TurnComplete: true,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil)
}

func mapOAIFinishReason(reason string) model.FinishReason {
	switch reason {
	case "stop":
		return model.FinishReasonStop
	case "length":
		return model.FinishReasonLength
	case "tool_calls":
		return model.FinishReasonToolCalls
	case "content_filter":
		return model.FinishReasonContentFilter
	default:
		return model.FinishReasonStop
	}
}

var _ model.LLM = (*OpenAI)(nil)
