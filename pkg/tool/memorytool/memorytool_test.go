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

package memorytool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/tool"
	"github.com/nestor-ai/nestor/pkg/tool/memorytool"
)

// fakeMemory records writes and deletes and answers every search with a
// fixed result set.
type fakeMemory struct {
	results []agent.MemoryResult

	content string
	meta    map[string]any
	deleted []string
}

func (m *fakeMemory) AddSession(ctx context.Context, sess agent.Session) error { return nil }

func (m *fakeMemory) Search(ctx context.Context, query string) (*agent.MemorySearchResponse, error) {
	return &agent.MemorySearchResponse{Results: m.results}, nil
}

func (m *fakeMemory) Write(ctx context.Context, content string, metadata map[string]any) (string, error) {
	m.content = content
	m.meta = metadata
	return "mem-1", nil
}

func (m *fakeMemory) Delete(ctx context.Context, ids []string) error {
	m.deleted = append(m.deleted, ids...)
	return nil
}

var _ agent.Memory = (*fakeMemory)(nil)

// toolContext is a minimal tool.Context for calling tools directly.
type toolContext struct {
	context.Context
	memory agent.Memory
}

func newToolContext(mem agent.Memory) *toolContext {
	return &toolContext{Context: context.Background(), memory: mem}
}

func (c *toolContext) InvocationID() string               { return "inv-1" }
func (c *toolContext) AgentName() string                  { return "assistant" }
func (c *toolContext) UserContent() *agent.Content        { return nil }
func (c *toolContext) ReadonlyState() agent.ReadonlyState { return nil }
func (c *toolContext) UserID() string                     { return "u1" }
func (c *toolContext) AppName() string                    { return "testapp" }
func (c *toolContext) SessionID() string                  { return "s1" }
func (c *toolContext) Branch() string                     { return "" }
func (c *toolContext) Artifacts() agent.Artifacts         { return nil }
func (c *toolContext) State() agent.State                 { return nil }
func (c *toolContext) FunctionCallID() string             { return "call-1" }
func (c *toolContext) Actions() *agent.EventActions       { return &agent.EventActions{} }
func (c *toolContext) EmitProgress(string)                {}

func (c *toolContext) SearchMemory(ctx context.Context, query string) (*agent.MemorySearchResponse, error) {
	if c.memory == nil {
		return &agent.MemorySearchResponse{}, nil
	}
	return c.memory.Search(ctx, query)
}

var _ tool.Context = (*toolContext)(nil)

func TestWriteStoresCategoryAndKeyFacts(t *testing.T) {
	mem := &fakeMemory{}
	write := memorytool.Write(mem)

	result, err := write.Call(newToolContext(mem), map[string]any{
		"content":  "the user prefers green tea",
		"category": "preferences",
		"keyFacts": []any{"drinks green tea", "no coffee"},
	})
	require.NoError(t, err)

	assert.Equal(t, "mem-1", result["id"])
	assert.Equal(t, "the user prefers green tea", mem.content)
	assert.Equal(t, "preferences", mem.meta["category"])
	assert.Len(t, mem.meta["key_facts"], 2)
	assert.Equal(t, "testapp", mem.meta["app_name"])
}

func TestForgetDeletesByIDs(t *testing.T) {
	mem := &fakeMemory{}
	forget := memorytool.Forget(mem)

	result, err := forget.Call(newToolContext(mem), map[string]any{
		"ids":     []any{"m1", "m2"},
		"confirm": true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result["deleted"])
	assert.Equal(t, []string{"m1", "m2"}, mem.deleted)
}

func TestForgetDeletesByQuery(t *testing.T) {
	mem := &fakeMemory{results: []agent.MemoryResult{
		{ID: "m1", Content: "tea note", Score: 0.9},
		{ID: "m2", Content: "another tea note", Score: 0.7},
	}}
	forget := memorytool.Forget(mem)

	result, err := forget.Call(newToolContext(mem), map[string]any{
		"query":   "tea",
		"confirm": true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result["deleted"])
	assert.Equal(t, []string{"m1", "m2"}, mem.deleted)
}

func TestForgetRequiresConfirm(t *testing.T) {
	mem := &fakeMemory{}
	forget := memorytool.Forget(mem)

	_, err := forget.Call(newToolContext(mem), map[string]any{
		"ids": []any{"m1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirm")
	assert.Empty(t, mem.deleted)
}

func TestForgetNeedsQueryOrIDs(t *testing.T) {
	mem := &fakeMemory{}
	forget := memorytool.Forget(mem)

	_, err := forget.Call(newToolContext(mem), map[string]any{"confirm": true})
	require.Error(t, err)
	assert.Empty(t, mem.deleted)
}

func TestForgetQueryWithoutMatchesDeletesNothing(t *testing.T) {
	mem := &fakeMemory{}
	forget := memorytool.Forget(mem)

	result, err := forget.Call(newToolContext(mem), map[string]any{
		"query":   "nothing matches this",
		"confirm": true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result["deleted"])
	assert.Empty(t, mem.deleted)
}
