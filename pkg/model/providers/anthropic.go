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

const anthropicVersion = "2023-06-01"

// AnthropicConfig configures an Anthropic messages API client.
type AnthropicConfig struct {
	Model     string
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
}

// Anthropic is a messages API client over raw HTTP.
type Anthropic struct {
	cfg    AnthropicConfig
	client *http.Client
}

// NewAnthropic creates an Anthropic LLM client.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	return &Anthropic{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (a *Anthropic) Name() string             { return a.cfg.Model }
func (a *Anthropic) Provider() model.Provider { return model.ProviderAnthropic }
func (a *Anthropic) Close() error             { return nil }

// Wire types for the messages API.

type antBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type antMessage struct {
	Role    string     `json:"role"`
	Content []antBlock `json:"content"`
}

type antTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type antRequest struct {
	Model       string       `json:"model"`
	Messages    []antMessage `json:"messages"`
	System      string       `json:"system,omitempty"`
	Tools       []antTool    `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	TopK        *int         `json:"top_k,omitempty"`
	Stop        []string     `json:"stop_sequences,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type antResponse struct {
	Content    []antBlock `json:"content"`
	StopReason string     `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type antStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *antBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message *antResponse `json:"message"`
	Usage   *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateContent implements model.LLM.
func (a *Anthropic) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		body, err := a.buildRequest(req, stream)
		if err != nil {
			yield(nil, err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", a.cfg.BaseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			yield(nil, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", a.cfg.APIKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)

		httpResp, err := a.client.Do(httpReq)
		if err != nil {
			yield(nil, agent.WrapError(agent.ErrorKindLlmTransport, err, "anthropic request failed"))
			return
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(httpResp.Body)
			yield(nil, agent.NewError(agent.ErrorKindLlmTransport,
				fmt.Sprintf("anthropic API returned status %d: %s", httpResp.StatusCode, string(respBody))))
			return
		}

		if stream {
			a.consumeStream(httpResp.Body, yield)
			return
		}

		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			yield(nil, agent.WrapError(agent.ErrorKindLlmTransport, err, "failed to read anthropic response"))
			return
		}
		var parsed antResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			yield(nil, fmt.Errorf("failed to decode anthropic response: %w", err))
			return
		}
		yield(a.toResponse(&parsed), nil)
	}
}

func (a *Anthropic) buildRequest(req *model.Request, stream bool) ([]byte, error) {
	areq := antRequest{
		Model:     a.cfg.Model,
		System:    req.SystemInstruction,
		Messages:  toAntMessages(req.Messages),
		MaxTokens: a.cfg.MaxTokens,
		Stream:    stream,
	}
	for _, def := range req.Tools {
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		areq.Tools = append(areq.Tools, antTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: params,
		})
	}
	if cfg := req.Config; cfg != nil {
		areq.Temperature = cfg.Temperature
		areq.TopP = cfg.TopP
		areq.TopK = cfg.TopK
		areq.Stop = cfg.StopSequences
		if cfg.MaxOutputTokens > 0 {
			areq.MaxTokens = cfg.MaxOutputTokens
		}
	}
	return json.Marshal(areq)
}

func toAntMessages(contents []*agent.Content) []antMessage {
	var messages []antMessage
	for _, content := range contents {
		switch content.Role {
		case agent.RoleFunction:
			msg := antMessage{Role: "user"}
			for _, fr := range content.FunctionResponses() {
				payload, _ := json.Marshal(fr.Response)
				_, isErr := fr.Response["error"]
				msg.Content = append(msg.Content, antBlock{
					Type:      "tool_result",
					ToolUseID: fr.ID,
					Content:   string(payload),
					IsError:   isErr,
				})
			}
			messages = append(messages, msg)
		case agent.RoleModel:
			msg := antMessage{Role: "assistant"}
			if text := content.Text(); text != "" {
				msg.Content = append(msg.Content, antBlock{Type: "text", Text: text})
			}
			for _, fc := range content.FunctionCalls() {
				msg.Content = append(msg.Content, antBlock{
					Type:  "tool_use",
					ID:    fc.ID,
					Name:  fc.Name,
					Input: fc.Args,
				})
			}
			messages = append(messages, msg)
		default:
			messages = append(messages, antMessage{
				Role:    "user",
				Content: []antBlock{{Type: "text", Text: content.Text()}},
			})
		}
	}
	return messages
}

func (a *Anthropic) toResponse(parsed *antResponse) *model.Response {
	content := &agent.Content{Role: agent.RoleModel}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			content.AddText(block.Text)
		case "tool_use":
			content.AddPart(agent.Part{FunctionCall: &agent.FunctionCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			}})
		}
	}
	return &model.Response{
		Content:      content,
		TurnComplete: true,
		FinishReason: mapAntStopReason(parsed.StopReason),
		Usage: &model.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}
}

func (a *Anthropic) consumeStream(body io.Reader, yield func(*model.Response, error) bool) {
	var textBuilder strings.Builder
	type pendingUse struct {
		id   string
		name string
		json strings.Builder
	}
	uses := make(map[int]*pendingUse)
	order := []int{}
	finishReason := model.FinishReasonStop
	usage := &model.Usage{}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event antStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		switch event.Type {
		case "error":
			msg := "anthropic stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			yield(nil, agent.NewError(agent.ErrorKindLlmTransport, msg))
			return
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				uses[event.Index] = &pendingUse{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
				order = append(order, event.Index)
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				textBuilder.WriteString(event.Delta.Text)
				partial := &model.Response{
					Content: agent.NewTextContent(event.Delta.Text, agent.RoleModel),
					Partial: true,
				}
				if !yield(partial, nil) {
					return
				}
			}
			if event.Delta.PartialJSON != "" {
				if use := uses[event.Index]; use != nil {
					use.json.WriteString(event.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				finishReason = mapAntStopReason(event.Delta.StopReason)
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		yield(nil, agent.WrapError(agent.ErrorKindLlmTransport, err, "anthropic stream read failed"))
		return
	}

	content := &agent.Content{Role: agent.RoleModel}
	if textBuilder.Len() > 0 {
		content.AddText(textBuilder.String())
	}
	for _, idx := range order {
		use := uses[idx]
		var args map[string]any
		if use.json.Len() > 0 {
			_ = json.Unmarshal([]byte(use.json.String()), &args)
		}
		content.AddPart(agent.Part{FunctionCall: &agent.FunctionCall{
			ID:   use.id,
			Name: use.name,
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

func mapAntStopReason(reason string) model.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return model.FinishReasonStop
	case "max_tokens":
		return model.FinishReasonLength
	case "tool_use":
		return model.FinishReasonToolCalls
	case "refusal":
		return model.FinishReasonContentFilter
	default:
		return model.FinishReasonStop
	}
}

var _ model.LLM = (*Anthropic)(nil)
