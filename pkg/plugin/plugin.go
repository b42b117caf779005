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

// Package plugin defines cross-cutting hooks that observe and modify the
// invocation lifecycle globally, across all agents under a runner.
//
// A plugin implements Plugin plus any subset of the hook interfaces. The
// Pipeline runs each hook across its plugins in registration order; the
// first plugin returning a non-nil override short-circuits the rest and,
// for before-hooks, skips the hooked operation entirely.
package plugin

import (
	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/model"
	"github.com/nestor-ai/nestor/pkg/tool"
)

// Plugin is the base interface. Hook interfaces below are optional
// upgrades.
type Plugin interface {
	Name() string
}

// UserMessageHook runs when a user message enters the runner, before any
// agent sees it. Returning a non-nil content replaces the user message.
type UserMessageHook interface {
	OnUserMessage(ctx agent.InvocationContext, content *agent.Content) (*agent.Content, error)
}

// EventHook observes every event before it is persisted and forwarded.
// Returning a non-nil event replaces it.
type EventHook interface {
	OnEvent(ctx agent.InvocationContext, event *agent.Event) (*agent.Event, error)
}

// BeforeAgentHook runs before an agent starts. A non-nil content is
// emitted as the agent's response and the agent itself is skipped.
type BeforeAgentHook interface {
	BeforeAgent(ctx agent.CallbackContext) (*agent.Content, error)
}

// AfterAgentHook runs after an agent finishes. A non-nil content is
// appended as an additional response event.
type AfterAgentHook interface {
	AfterAgent(ctx agent.CallbackContext) (*agent.Content, error)
}

// BeforeModelHook runs before each LLM call. A non-nil response is used
// instead of calling the model.
type BeforeModelHook interface {
	BeforeModel(ctx agent.CallbackContext, req *model.Request) (*model.Response, error)
}

// AfterModelHook runs after each LLM call. A non-nil response replaces
// the model's.
type AfterModelHook interface {
	AfterModel(ctx agent.CallbackContext, req *model.Request, resp *model.Response) (*model.Response, error)
}

// BeforeToolHook runs before each tool execution. A non-nil result is
// used instead of running the tool.
type BeforeToolHook interface {
	BeforeTool(ctx tool.Context, t tool.Tool, args map[string]any) (map[string]any, error)
}

// AfterToolHook runs after each tool execution. A non-nil result
// replaces the tool's.
type AfterToolHook interface {
	AfterTool(ctx tool.Context, t tool.Tool, args map[string]any, result map[string]any) (map[string]any, error)
}

// ModelErrorHook runs when an LLM call fails. A non-nil response
// suppresses the error.
type ModelErrorHook interface {
	OnModelError(ctx agent.CallbackContext, req *model.Request, callErr error) (*model.Response, error)
}

// ToolErrorHook runs when a tool fails. A non-nil result suppresses the
// error.
type ToolErrorHook interface {
	OnToolError(ctx tool.Context, t tool.Tool, args map[string]any, callErr error) (map[string]any, error)
}

// AgentErrorHook runs when an agent's run fails. A non-nil content
// suppresses the error and is emitted as the agent's response.
type AgentErrorHook interface {
	OnAgentError(ctx agent.CallbackContext, runErr error) (*agent.Content, error)
}
