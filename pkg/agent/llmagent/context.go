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

package llmagent

import (
	"context"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/tool"
)

// toolContext implements tool.Context for one function call. State writes
// made through it land in its actions, which the flow merges into the
// function response event.
type toolContext struct {
	agent.CallbackContext
	functionCallID string
	actions        *agent.EventActions
	invCtx         agent.InvocationContext
	emit           func(content string)
}

func newToolContext(invCtx agent.InvocationContext, functionCallID string, emit func(string)) *toolContext {
	cc, actions := agent.NewCallbackContext(invCtx)
	return &toolContext{
		CallbackContext: cc,
		functionCallID:  functionCallID,
		actions:         actions,
		invCtx:          invCtx,
		emit:            emit,
	}
}

func (c *toolContext) FunctionCallID() string { return c.functionCallID }

func (c *toolContext) Actions() *agent.EventActions { return c.actions }

func (c *toolContext) SearchMemory(ctx context.Context, query string) (*agent.MemorySearchResponse, error) {
	memory := c.invCtx.Memory()
	if memory == nil {
		return &agent.MemorySearchResponse{}, nil
	}
	return memory.Search(ctx, query)
}

func (c *toolContext) EmitProgress(content string) {
	if c.emit != nil {
		c.emit(content)
	}
}

// InvocationContext returns the underlying invocation context. Used by
// tools that spawn child agent runs.
func (c *toolContext) InvocationContext() agent.InvocationContext {
	return c.invCtx
}

var _ tool.Context = (*toolContext)(nil)
