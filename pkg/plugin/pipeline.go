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

package plugin

import (
	"fmt"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/model"
	"github.com/nestor-ai/nestor/pkg/tool"
)

// Pipeline holds an ordered list of plugins and dispatches hooks across
// them. The zero value is a usable empty pipeline.
type Pipeline struct {
	plugins []Plugin
}

// NewPipeline creates a pipeline. Plugin names must be unique.
func NewPipeline(plugins ...Plugin) (*Pipeline, error) {
	seen := make(map[string]bool, len(plugins))
	for _, p := range plugins {
		if p == nil {
			return nil, fmt.Errorf("plugin cannot be nil")
		}
		if seen[p.Name()] {
			return nil, fmt.Errorf("duplicate plugin name '%s'", p.Name())
		}
		seen[p.Name()] = true
	}
	return &Pipeline{plugins: plugins}, nil
}

// Plugins returns the registered plugins in order.
func (p *Pipeline) Plugins() []Plugin {
	if p == nil {
		return nil
	}
	return p.plugins
}

// RunOnUserMessage applies UserMessageHook plugins. Each plugin sees the
// content as rewritten by the ones before it.
func (p *Pipeline) RunOnUserMessage(ctx agent.InvocationContext, content *agent.Content) (*agent.Content, error) {
	if p == nil {
		return content, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(UserMessageHook)
		if !ok {
			continue
		}
		replaced, err := hook.OnUserMessage(ctx, content)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if replaced != nil {
			content = replaced
		}
	}
	return content, nil
}

// RunOnEvent applies EventHook plugins in sequence.
func (p *Pipeline) RunOnEvent(ctx agent.InvocationContext, event *agent.Event) (*agent.Event, error) {
	if p == nil {
		return event, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(EventHook)
		if !ok {
			continue
		}
		replaced, err := hook.OnEvent(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if replaced != nil {
			event = replaced
		}
	}
	return event, nil
}

// RunBeforeAgent returns the first non-nil override, which skips the
// agent run.
func (p *Pipeline) RunBeforeAgent(ctx agent.CallbackContext) (*agent.Content, error) {
	if p == nil {
		return nil, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(BeforeAgentHook)
		if !ok {
			continue
		}
		content, err := hook.BeforeAgent(ctx)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if content != nil {
			return content, nil
		}
	}
	return nil, nil
}

// RunAfterAgent returns the first non-nil additional response.
func (p *Pipeline) RunAfterAgent(ctx agent.CallbackContext) (*agent.Content, error) {
	if p == nil {
		return nil, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(AfterAgentHook)
		if !ok {
			continue
		}
		content, err := hook.AfterAgent(ctx)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if content != nil {
			return content, nil
		}
	}
	return nil, nil
}

// RunBeforeModel returns the first non-nil response, which replaces the
// model call.
func (p *Pipeline) RunBeforeModel(ctx agent.CallbackContext, req *model.Request) (*model.Response, error) {
	if p == nil {
		return nil, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(BeforeModelHook)
		if !ok {
			continue
		}
		resp, err := hook.BeforeModel(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

// RunAfterModel returns the first non-nil replacement response.
func (p *Pipeline) RunAfterModel(ctx agent.CallbackContext, req *model.Request, resp *model.Response) (*model.Response, error) {
	if p == nil {
		return nil, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(AfterModelHook)
		if !ok {
			continue
		}
		replaced, err := hook.AfterModel(ctx, req, resp)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if replaced != nil {
			return replaced, nil
		}
	}
	return nil, nil
}

// RunBeforeTool returns the first non-nil result, which replaces the
// tool execution.
func (p *Pipeline) RunBeforeTool(ctx tool.Context, t tool.Tool, args map[string]any) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(BeforeToolHook)
		if !ok {
			continue
		}
		result, err := hook.BeforeTool(ctx, t, args)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// RunAfterTool returns the first non-nil replacement result.
func (p *Pipeline) RunAfterTool(ctx tool.Context, t tool.Tool, args, result map[string]any) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(AfterToolHook)
		if !ok {
			continue
		}
		replaced, err := hook.AfterTool(ctx, t, args, result)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if replaced != nil {
			return replaced, nil
		}
	}
	return nil, nil
}

// RunOnModelError gives plugins a chance to recover a failed model call.
func (p *Pipeline) RunOnModelError(ctx agent.CallbackContext, req *model.Request, callErr error) (*model.Response, error) {
	if p == nil {
		return nil, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(ModelErrorHook)
		if !ok {
			continue
		}
		resp, err := hook.OnModelError(ctx, req, callErr)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

// RunOnToolError gives plugins a chance to recover a failed tool call.
func (p *Pipeline) RunOnToolError(ctx tool.Context, t tool.Tool, args map[string]any, callErr error) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(ToolErrorHook)
		if !ok {
			continue
		}
		result, err := hook.OnToolError(ctx, t, args, callErr)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// RunOnAgentError gives plugins a chance to recover a failed agent run.
func (p *Pipeline) RunOnAgentError(ctx agent.CallbackContext, runErr error) (*agent.Content, error) {
	if p == nil {
		return nil, nil
	}
	for _, plg := range p.plugins {
		hook, ok := plg.(AgentErrorHook)
		if !ok {
			continue
		}
		content, err := hook.OnAgentError(ctx, runErr)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %w", plg.Name(), err)
		}
		if content != nil {
			return content, nil
		}
	}
	return nil, nil
}
