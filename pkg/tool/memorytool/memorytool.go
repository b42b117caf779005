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

// Package memorytool exposes cross-session memory to agents.
//
// recall_memory searches memory on demand; write_memory and forget_memory
// mutate it. Preload injects relevant memories into the system
// instruction before the model is called, so the model sees them without
// having to ask.
package memorytool

import (
	"fmt"
	"strings"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/tool"
	"github.com/nestor-ai/nestor/pkg/tool/functiontool"
)

type recallArgs struct {
	Query string `json:"query" jsonschema:"required,description=What to search for in memory"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results"`
}

// Recall returns a tool that searches cross-session memory.
func Recall() tool.CallableTool {
	return functiontool.Must(functiontool.New(functiontool.Config{
		Name:        "recall_memory",
		Description: "Search long-term memory for information from past conversations.",
	}, func(ctx tool.Context, args recallArgs) (map[string]any, error) {
		resp, err := ctx.SearchMemory(ctx, args.Query)
		if err != nil {
			return nil, fmt.Errorf("memory search failed: %w", err)
		}

		limit := args.Limit
		if limit <= 0 || limit > len(resp.Results) {
			limit = len(resp.Results)
		}
		results := make([]map[string]any, 0, limit)
		for _, r := range resp.Results[:limit] {
			results = append(results, map[string]any{
				"id":      r.ID,
				"content": r.Content,
				"score":   r.Score,
			})
		}
		return map[string]any{"results": results, "count": len(results)}, nil
	}))
}

type writeArgs struct {
	Content  string         `json:"content" jsonschema:"required,description=The fact or note to remember"`
	Category string         `json:"category,omitempty" jsonschema:"description=Category label for later retrieval"`
	KeyFacts []string       `json:"keyFacts,omitempty" jsonschema:"description=Distilled facts worth keeping verbatim"`
	Topics   []string       `json:"topics,omitempty" jsonschema:"description=Topic labels for later retrieval"`
	Meta     map[string]any `json:"metadata,omitempty" jsonschema:"description=Arbitrary metadata to store with the memory"`
}

// Write returns a tool that stores an explicit memory.
func Write(mem agent.Memory) tool.CallableTool {
	return functiontool.Must(functiontool.New(functiontool.Config{
		Name:        "write_memory",
		Description: "Store a fact or note in long-term memory for future conversations.",
	}, func(ctx tool.Context, args writeArgs) (map[string]any, error) {
		metadata := args.Meta
		if metadata == nil {
			metadata = map[string]any{}
		}
		if args.Category != "" {
			metadata["category"] = args.Category
		}
		if len(args.KeyFacts) > 0 {
			metadata["key_facts"] = args.KeyFacts
		}
		if len(args.Topics) > 0 {
			metadata["topics"] = args.Topics
		}
		metadata["source"] = "tool"
		metadata["app_name"] = ctx.AppName()
		metadata["user_id"] = ctx.UserID()

		id, err := mem.Write(ctx, args.Content, metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to write memory: %w", err)
		}
		return map[string]any{"id": id, "status": "stored"}, nil
	}))
}

type forgetArgs struct {
	Query   string   `json:"query,omitempty" jsonschema:"description=Delete the memories matching this search"`
	IDs     []string `json:"ids,omitempty" jsonschema:"description=IDs of the memories to delete"`
	Confirm bool     `json:"confirm" jsonschema:"required,description=Must be true to confirm deletion"`
}

// Forget returns a tool that deletes memories, either by explicit IDs or
// by everything matching a query. Deletion is destructive, so the tool
// requires approval and an explicit confirm argument.
func Forget(mem agent.Memory) tool.CallableTool {
	return functiontool.Must(functiontool.New(functiontool.Config{
		Name:             "forget_memory",
		Description:      "Permanently delete memories by ID or by search query. Requires confirm=true.",
		RequiresApproval: true,
	}, func(ctx tool.Context, args forgetArgs) (map[string]any, error) {
		if !args.Confirm {
			return nil, fmt.Errorf("deletion not confirmed: set confirm=true")
		}
		ids := args.IDs
		if len(ids) == 0 && args.Query != "" {
			resp, err := ctx.SearchMemory(ctx, args.Query)
			if err != nil {
				return nil, fmt.Errorf("memory search failed: %w", err)
			}
			for _, r := range resp.Results {
				ids = append(ids, r.ID)
			}
			if len(ids) == 0 {
				return map[string]any{"deleted": 0}, nil
			}
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("nothing to delete: give ids or a query")
		}
		if err := mem.Delete(ctx, ids); err != nil {
			return nil, fmt.Errorf("failed to delete memories: %w", err)
		}
		return map[string]any{"deleted": len(ids)}, nil
	}))
}

// preloadTool injects relevant memories into the request before the model
// runs. It exposes no callable surface to the LLM.
type preloadTool struct {
	maxResults int
}

// Preload returns the preload memory tool. maxResults caps how many
// memories are injected; zero means 5.
func Preload(maxResults int) tool.Tool {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &preloadTool{maxResults: maxResults}
}

func (t *preloadTool) Name() string           { return "preload_memory" }
func (t *preloadTool) Description() string    { return "Automatically recalls relevant memories." }
func (t *preloadTool) IsLongRunning() bool    { return false }
func (t *preloadTool) RequiresApproval() bool { return false }

// ProcessRequest implements tool.RequestProcessor.
func (t *preloadTool) ProcessRequest(ctx tool.Context, req *tool.Request) error {
	userContent := ctx.UserContent()
	if userContent == nil {
		return nil
	}
	query := userContent.Text()
	if strings.TrimSpace(query) == "" {
		return nil
	}

	resp, err := ctx.SearchMemory(ctx, query)
	if err != nil {
		// Preloading is best effort; a memory outage must not fail the turn.
		return nil
	}
	if len(resp.Results) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("\n\nRelevant information from past conversations:\n")
	count := 0
	for _, r := range resp.Results {
		if count >= t.maxResults {
			break
		}
		sb.WriteString("- ")
		sb.WriteString(r.Content)
		sb.WriteString("\n")
		count++
	}
	req.SystemInstruction += sb.String()
	return nil
}

var (
	_ tool.Tool             = (*preloadTool)(nil)
	_ tool.RequestProcessor = (*preloadTool)(nil)
)
