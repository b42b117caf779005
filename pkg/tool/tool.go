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

// Package tool defines interfaces for tools that agents can invoke.
//
// Tools are capabilities that allow agents to perform specific actions,
// such as recalling memory, saving artifacts, or calling external APIs.
//
// # Tool Interface Hierarchy
//
//	Tool (base)
//	  ├── CallableTool   - synchronous execution
//	  ├── StreamingTool  - incremental output
//	  └── IsLongRunning()- async operations awaiting external completion
//
// Tool arguments are validated against the tool's schema before Call
// runs; a validation failure produces an error function response without
// executing the tool.
package tool

import (
	"context"
	"iter"

	"github.com/nestor-ai/nestor/pkg/agent"
)

// Tool defines the base interface for a callable tool.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description returns a human-readable description of what the tool
	// does. Used by LLMs to decide when to use this tool.
	Description() string

	// IsLongRunning indicates whether this tool is a long-running async
	// operation. Long-running tools return a job ID and are completed
	// externally.
	IsLongRunning() bool

	// RequiresApproval indicates whether this tool needs human approval
	// before execution.
	RequiresApproval() bool
}

// CallableTool extends Tool with synchronous execution.
type CallableTool interface {
	Tool

	// Call executes the tool with the given arguments and blocks until
	// completion.
	Call(ctx Context, args map[string]any) (map[string]any, error)

	// Schema returns the JSON schema for the tool's parameters.
	// Returns nil if the tool takes no parameters.
	Schema() map[string]any
}

// StreamingTool extends Tool with incremental output. Intermediate chunks
// are forwarded to the event stream as progress events; the final result
// becomes the function response.
type StreamingTool interface {
	Tool

	// CallStreaming executes the tool and yields incremental results.
	CallStreaming(ctx Context, args map[string]any) iter.Seq2[*Result, error]

	// Schema returns the JSON schema for the tool's parameters.
	Schema() map[string]any
}

// Result represents the output of a tool execution.
type Result struct {
	// Content is the output content, typically a string or structured data.
	Content any

	// Streaming indicates this is an intermediate chunk, not the final
	// result.
	Streaming bool

	// Error is set if an error occurred during execution.
	Error string

	// Metadata contains optional additional data about this result.
	Metadata map[string]any
}

// Context provides the execution context for a tool. It carries the
// invocation's cancellation signal through the embedded context.Context.
type Context interface {
	agent.CallbackContext

	// FunctionCallID returns the unique ID of this tool invocation.
	FunctionCallID() string

	// Actions returns the event actions to modify state or request
	// transfers.
	Actions() *agent.EventActions

	// SearchMemory searches cross-session memory.
	SearchMemory(ctx context.Context, query string) (*agent.MemorySearchResponse, error)

	// EmitProgress forwards an intermediate progress event to the event
	// stream. Long-running tools use it to report status before their
	// final response.
	EmitProgress(content string)
}

// Toolset groups related tools and provides dynamic resolution. Tools are
// resolved only when needed, which enables lazy connections.
type Toolset interface {
	// Name returns the name of this toolset.
	Name() string

	// Tools returns the available tools based on the current context.
	Tools(ctx agent.ReadonlyContext) ([]Tool, error)
}

// Predicate determines whether a tool should be available to the LLM.
type Predicate func(ctx agent.ReadonlyContext, tool Tool) bool

// StringPredicate creates a Predicate that allows only named tools.
func StringPredicate(allowedTools []string) Predicate {
	allowed := make(map[string]bool, len(allowedTools))
	for _, name := range allowedTools {
		allowed[name] = true
	}

	return func(ctx agent.ReadonlyContext, tool Tool) bool {
		return allowed[tool.Name()]
	}
}

// AllowAll returns a Predicate that allows all tools.
func AllowAll() Predicate {
	return func(ctx agent.ReadonlyContext, tool Tool) bool {
		return true
	}
}

// Combine combines multiple predicates with AND logic.
func Combine(predicates ...Predicate) Predicate {
	return func(ctx agent.ReadonlyContext, tool Tool) bool {
		for _, p := range predicates {
			if !p(ctx, tool) {
				return false
			}
		}
		return true
	}
}

// Definition represents a tool definition for LLM function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool to a Definition.
func ToDefinition(t Tool) Definition {
	def := Definition{
		Name:        t.Name(),
		Description: t.Description(),
	}

	if ct, ok := t.(CallableTool); ok {
		def.Parameters = ct.Schema()
	} else if st, ok := t.(StreamingTool); ok {
		def.Parameters = st.Schema()
	}

	return def
}

// RequestProcessor is an optional interface tools implement to modify the
// LLM request before it is sent.
//
// Example use cases:
//   - memory preload tools injecting recalled context
//   - context-aware tools adjusting instructions based on state
type RequestProcessor interface {
	// ProcessRequest modifies the LLM request before sending. Called
	// during the preprocessing phase of the reasoning loop.
	ProcessRequest(ctx Context, req *Request) error
}

// Request is a simplified view of the LLM request for tool preprocessing.
type Request struct {
	// SystemInstruction can be appended to by tools.
	SystemInstruction string

	// Messages is the conversation history (treat as read-only).
	Messages any

	// Config contains LLM configuration.
	Config any

	// Metadata for tool-specific data.
	Metadata map[string]any
}
