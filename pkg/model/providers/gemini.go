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
	"context"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/model"
)

// GeminiConfig configures a Gemini client backed by the official genai SDK.
type GeminiConfig struct {
	Model  string
	APIKey string
}

// Gemini implements model.LLM via google.golang.org/genai.
type Gemini struct {
	client *genai.Client
	name   string
}

// NewGemini creates a Gemini LLM client.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{client: client, name: cfg.Model}, nil
}

func (g *Gemini) Name() string             { return g.name }
func (g *Gemini) Provider() model.Provider { return model.ProviderGemini }
func (g *Gemini) Close() error             { return nil }

// GenerateContent implements model.LLM.
func (g *Gemini) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		contents := toGenaiContents(req.Messages)
		config := g.buildConfig(req)

		if !stream {
			genResp, err := g.client.Models.GenerateContent(ctx, g.name, contents, config)
			if err != nil {
				yield(nil, agent.WrapError(agent.ErrorKindLlmTransport, err, "gemini generation failed"))
				return
			}
			yield(fromGenaiResponse(genResp), nil)
			return
		}

		var textBuilder strings.Builder
		var calls []*agent.FunctionCall
		finishReason := model.FinishReasonStop
		var usage *model.Usage

		for genResp, err := range g.client.Models.GenerateContentStream(ctx, g.name, contents, config) {
			if err != nil {
				yield(nil, agent.WrapError(agent.ErrorKindLlmTransport, err, "gemini streaming failed"))
				return
			}
			if len(genResp.Candidates) == 0 {
				continue
			}
			candidate := genResp.Candidates[0]
			if candidate.FinishReason != "" {
				finishReason = mapGenaiFinishReason(candidate.FinishReason)
			}
			if genResp.UsageMetadata != nil {
				usage = &model.Usage{
					InputTokens:  int(genResp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" && !part.Thought {
					textBuilder.WriteString(part.Text)
					partial := &model.Response{
						Content: agent.NewTextContent(part.Text, agent.RoleModel),
						Partial: true,
					}
					if !yield(partial, nil) {
						return
					}
				}
				if part.FunctionCall != nil {
					calls = append(calls, &agent.FunctionCall{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					})
				}
			}
		}

		content := &agent.Content{Role: agent.RoleModel}
		if textBuilder.Len() > 0 {
			content.AddText(textBuilder.String())
		}
		for _, fc := range calls {
			content.AddPart(agent.Part{FunctionCall: fc})
		}
		yield(&model.Response{
			Content:      content,
			TurnComplete: true,
			FinishReason: finishReason,
			Usage:        usage,
		}, nil)
	}
}

func (g *Gemini) buildConfig(req *model.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
			Role:  "user",
		}
	}
	if cfg := req.Config; cfg != nil {
		if cfg.Temperature != nil {
			config.Temperature = genai.Ptr(float32(*cfg.Temperature))
		}
		if cfg.TopP != nil {
			config.TopP = genai.Ptr(float32(*cfg.TopP))
		}
		if cfg.TopK != nil {
			config.TopK = genai.Ptr(float32(*cfg.TopK))
		}
		if cfg.MaxOutputTokens > 0 {
			config.MaxOutputTokens = int32(cfg.MaxOutputTokens)
		}
		config.StopSequences = cfg.StopSequences
		if cfg.ResponseSchema != nil {
			config.ResponseSchema = toGenaiSchema(cfg.ResponseSchema)
			config.ResponseMIMEType = "application/json"
		} else if cfg.ResponseMIMEType != "" {
			config.ResponseMIMEType = cfg.ResponseMIMEType
		}
	}
	for _, def := range req.Tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  toGenaiSchema(def.Parameters),
			}},
		})
	}
	return config
}

func toGenaiContents(messages []*agent.Content) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		var parts []*genai.Part
		for _, p := range msg.Parts {
			switch {
			case p.FunctionCall != nil:
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   p.FunctionCall.ID,
					Name: p.FunctionCall.Name,
					Args: p.FunctionCall.Args,
				}})
			case p.FunctionResponse != nil:
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       p.FunctionResponse.ID,
					Name:     p.FunctionResponse.Name,
					Response: p.FunctionResponse.Response,
				}})
			case p.InlineData != nil:
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				}})
			case p.Text != "":
				parts = append(parts, &genai.Part{Text: p.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == agent.RoleModel {
			role = "model"
		}
		contents = append(contents, &genai.Content{Parts: parts, Role: role})
	}
	return contents
}

func fromGenaiResponse(genResp *genai.GenerateContentResponse) *model.Response {
	resp := &model.Response{
		TurnComplete: true,
		FinishReason: model.FinishReasonStop,
	}
	if genResp.UsageMetadata != nil {
		resp.Usage = &model.Usage{
			InputTokens:  int(genResp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(genResp.Candidates) == 0 {
		return resp
	}

	candidate := genResp.Candidates[0]
	resp.FinishReason = mapGenaiFinishReason(candidate.FinishReason)
	content := &agent.Content{Role: agent.RoleModel}
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" && !part.Thought {
				content.AddText(part.Text)
			}
			if part.FunctionCall != nil {
				content.AddPart(agent.Part{FunctionCall: &agent.FunctionCall{
					ID:   part.FunctionCall.ID,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}})
			}
		}
	}
	resp.Content = content
	return resp
}

// toGenaiSchema converts a JSON schema map to a genai schema.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

func mapGenaiFinishReason(reason genai.FinishReason) model.FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		return model.FinishReasonStop
	case genai.FinishReasonMaxTokens:
		return model.FinishReasonLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent:
		return model.FinishReasonSafety
	default:
		return model.FinishReasonStop
	}
}

var _ model.LLM = (*Gemini)(nil)
