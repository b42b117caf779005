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

package agent

// Role identifies who produced a piece of content.
type Role string

const (
	RoleUser     Role = "user"
	RoleModel    Role = "model"
	RoleFunction Role = "function"
)

// Content is the structured conversation payload carried by events and
// model requests. Role says who produced it; Parts hold the payload.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a single unit of content. Exactly one field is set.
type Part struct {
	Text                string               `json:"text,omitempty"`
	InlineData          *Blob                `json:"inlineData,omitempty"`
	FunctionCall        *FunctionCall        `json:"functionCall,omitempty"`
	FunctionResponse    *FunctionResponse    `json:"functionResponse,omitempty"`
	ExecutableCode      *ExecutableCode      `json:"executableCode,omitempty"`
	CodeExecutionResult *CodeExecutionResult `json:"codeExecutionResult,omitempty"`
}

// Blob carries inline binary data with its MIME type.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// FunctionCall is a model request to invoke a tool.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model. The ID pairs
// the response with its originating FunctionCall.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// ExecutableCode is model-emitted code intended for execution.
type ExecutableCode struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// CodeExecutionResult carries the outcome of executing model-emitted code.
type CodeExecutionResult struct {
	Outcome string `json:"outcome"`
	Output  string `json:"output,omitempty"`
}

// NewTextContent creates content with a single text part.
func NewTextContent(text string, role Role) *Content {
	return &Content{
		Role:  role,
		Parts: []Part{{Text: text}},
	}
}

// NewFunctionResponseContent creates function-role content carrying one
// function response part.
func NewFunctionResponseContent(resp *FunctionResponse) *Content {
	return &Content{
		Role:  RoleFunction,
		Parts: []Part{{FunctionResponse: resp}},
	}
}

// AddText appends a text part.
func (c *Content) AddText(text string) {
	c.Parts = append(c.Parts, Part{Text: text})
}

// AddPart appends a part.
func (c *Content) AddPart(part Part) {
	c.Parts = append(c.Parts, part)
}

// Text concatenates all text parts.
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	var text string
	for _, part := range c.Parts {
		text += part.Text
	}
	return text
}

// FunctionCalls returns all function call parts.
func (c *Content) FunctionCalls() []*FunctionCall {
	if c == nil {
		return nil
	}
	var calls []*FunctionCall
	for _, part := range c.Parts {
		if part.FunctionCall != nil {
			calls = append(calls, part.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns all function response parts.
func (c *Content) FunctionResponses() []*FunctionResponse {
	if c == nil {
		return nil
	}
	var responses []*FunctionResponse
	for _, part := range c.Parts {
		if part.FunctionResponse != nil {
			responses = append(responses, part.FunctionResponse)
		}
	}
	return responses
}

// Clone returns a shallow-parts copy safe for independent appends.
func (c *Content) Clone() *Content {
	if c == nil {
		return nil
	}
	parts := make([]Part, len(c.Parts))
	copy(parts, c.Parts)
	return &Content{Role: c.Role, Parts: parts}
}
