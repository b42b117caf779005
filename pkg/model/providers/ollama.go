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

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/model"
)

// OllamaConfig configures a local Ollama chat client.
type OllamaConfig struct {
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Ollama talks to a local Ollama server via its /api/chat endpoint. The
// endpoint streams newline-delimited JSON objects.
type Ollama struct {
	cfg    OllamaConfig
	client *http.Client
}

// NewOllama creates an Ollama LLM client.
func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &Ollama{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (o *Ollama) Name() string             { return o.cfg.Model }
func (o *Ollama) Provider() model.Provider { return model.ProviderOllama }
func (o *Ollama) Close() error             { return nil }

type ollamaMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ToolCalls []struct {
		Function struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []oaiTool       `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// GenerateContent implements model.LLM.
func (o *Ollama) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		body, err := o.buildRequest(req, stream)
		if err != nil {
			yield(nil, err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", o.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			yield(nil, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := o.client.Do(httpReq)
		if err != nil {
			yield(nil, agent.WrapError(agent.ErrorKindLlmTransport, err, "ollama request failed"))
			return
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(httpResp.Body)
			yield(nil, agent.NewError(agent.ErrorKindLlmTransport,
				fmt.Sprintf("ollama returned status %d: %s", httpResp.StatusCode, string(respBody))))
			return
		}

		var textBuilder strings.Builder
		content := &agent.Content{Role: agent.RoleModel}
		finishReason := model.FinishReasonStop
		usage := &model.Usage{}

		decoder := json.NewDecoder(bufio.NewReader(httpResp.Body))
		for {
			var chunk ollamaResponse
			if err := decoder.Decode(&chunk); err == io.EOF {
				break
			} else if err != nil {
				yield(nil, agent.WrapError(agent.ErrorKindLlmTransport, err, "ollama stream read failed"))
				return
			}

			if chunk.Message.Content != "" {
				textBuilder.WriteString(chunk.Message.Content)
				if stream && !chunk.Done {
					partial := &model.Response{
						Content: agent.NewTextContent(chunk.Message.Content, agent.RoleModel),
						Partial: true,
					}
					if !yield(partial, nil) {
						return
					}
				}
			}
			for _, tc := range chunk.Message.ToolCalls {
				// Ollama does not assign call IDs; synthesize them.
				content.AddPart(agent.Part{FunctionCall: &agent.FunctionCall{
					ID:   "ollama-" + uuid.NewString(),
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
			if chunk.Done {
				if chunk.DoneReason == "length" {
					finishReason = model.FinishReasonLength
				}
				usage.InputTokens = chunk.PromptEvalCount
				usage.OutputTokens = chunk.EvalCount
				break
			}
		}

		if textBuilder.Len() > 0 {
			text := agent.Part{Text: textBuilder.String()}
			content.Parts = append([]agent.Part{text}, content.Parts...)
		}
		if len(content.FunctionCalls()) > 0 {
			finishReason = model.FinishReasonToolCalls
		}
		yield(&model.Response{
			Content:      content,
			TurnComplete: true,
			FinishReason: finishReason,
			Usage:        usage,
		}, nil)
	}
}

func (o *Ollama) buildRequest(req *model.Request, stream bool) ([]byte, error) {
	oreq := ollamaRequest{
		Model:  o.cfg.Model,
		Stream: stream,
	}
	if req.SystemInstruction != "" {
		oreq.Messages = append(oreq.Messages, ollamaMessage{Role: "system", Content: req.SystemInstruction})
	}
	for _, content := range req.Messages {
		switch content.Role {
		case agent.RoleFunction:
			for _, fr := range content.FunctionResponses() {
				payload, _ := json.Marshal(fr.Response)
				oreq.Messages = append(oreq.Messages, ollamaMessage{Role: "tool", Content: string(payload)})
			}
		case agent.RoleModel:
			oreq.Messages = append(oreq.Messages, ollamaMessage{Role: "assistant", Content: content.Text()})
		default:
			oreq.Messages = append(oreq.Messages, ollamaMessage{Role: "user", Content: content.Text()})
		}
	}
	for _, def := range req.Tools {
		t := oaiTool{Type: "function"}
		t.Function.Name = def.Name
		t.Function.Description = def.Description
		t.Function.Parameters = def.Parameters
		oreq.Tools = append(oreq.Tools, t)
	}
	if cfg := req.Config; cfg != nil {
		options := map[string]any{}
		if cfg.Temperature != nil {
			options["temperature"] = *cfg.Temperature
		}
		if cfg.TopP != nil {
			options["top_p"] = *cfg.TopP
		}
		if cfg.TopK != nil {
			options["top_k"] = *cfg.TopK
		}
		if cfg.MaxOutputTokens > 0 {
			options["num_predict"] = cfg.MaxOutputTokens
		}
		if len(cfg.StopSequences) > 0 {
			options["stop"] = cfg.StopSequences
		}
		if len(options) > 0 {
			oreq.Options = options
		}
		if cfg.ResponseSchema != nil {
			format, err := json.Marshal(cfg.ResponseSchema)
			if err != nil {
				return nil, err
			}
			oreq.Format = format
		} else if cfg.ResponseMIMEType == "application/json" {
			oreq.Format = json.RawMessage(`"json"`)
		}
	}
	return json.Marshal(oreq)
}

var _ model.LLM = (*Ollama)(nil)
