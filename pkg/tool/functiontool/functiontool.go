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

// Package functiontool turns plain Go functions into tools.
//
// The argument struct's JSON schema is generated via reflection, so the
// LLM sees typed parameters and the function receives a decoded struct:
//
//	type WeatherArgs struct {
//		City string `json:"city" jsonschema:"required,description=City name"`
//	}
//
//	weather := functiontool.New(functiontool.Config{
//		Name:        "get_weather",
//		Description: "Get current weather for a city",
//	}, func(ctx tool.Context, args WeatherArgs) (map[string]any, error) {
//		return map[string]any{"temp_c": 21}, nil
//	})
package functiontool

import (
	"encoding/json"
	"fmt"

	"github.com/nestor-ai/nestor/pkg/schema"
	"github.com/nestor-ai/nestor/pkg/tool"
)

// Config holds the tool metadata.
type Config struct {
	// Name is the tool name exposed to the LLM.
	Name string

	// Description tells the LLM what the tool does.
	Description string

	// LongRunning marks the tool as an async operation completed
	// externally.
	LongRunning bool

	// RequiresApproval gates execution on human approval.
	RequiresApproval bool
}

// Func is the handler signature. Args must be a struct whose exported
// fields carry json tags.
type Func[Args any] func(ctx tool.Context, args Args) (map[string]any, error)

type functionTool[Args any] struct {
	cfg       Config
	fn        Func[Args]
	schemaMap map[string]any
	validate  bool
}

// New creates a tool from a function. The parameter schema is generated
// from the Args type; argument decoding errors surface as tool errors.
func New[Args any](cfg Config, fn Func[Args]) (tool.CallableTool, error) {
	return newTool(cfg, fn, false)
}

// NewWithValidation is like New but also validates incoming arguments
// against the generated schema before decoding, rejecting calls with
// missing required fields or mistyped values.
func NewWithValidation[Args any](cfg Config, fn Func[Args]) (tool.CallableTool, error) {
	return newTool(cfg, fn, true)
}

// Must panics if err is non-nil. For package-level tool variables.
func Must(t tool.CallableTool, err error) tool.CallableTool {
	if err != nil {
		panic(err)
	}
	return t
}

func newTool[Args any](cfg Config, fn Func[Args], validate bool) (tool.CallableTool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool function is required")
	}

	schemaMap, err := schema.Generate[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for tool '%s': %w", cfg.Name, err)
	}
	return &functionTool[Args]{
		cfg:       cfg,
		fn:        fn,
		schemaMap: schemaMap,
		validate:  validate,
	}, nil
}

func (t *functionTool[Args]) Name() string           { return t.cfg.Name }
func (t *functionTool[Args]) Description() string    { return t.cfg.Description }
func (t *functionTool[Args]) IsLongRunning() bool    { return t.cfg.LongRunning }
func (t *functionTool[Args]) RequiresApproval() bool { return t.cfg.RequiresApproval }
func (t *functionTool[Args]) Schema() map[string]any { return t.schemaMap }

func (t *functionTool[Args]) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	if t.validate {
		if err := schema.Validate(args, t.schemaMap); err != nil {
			return nil, fmt.Errorf("invalid arguments for tool '%s': %w", t.cfg.Name, err)
		}
	}

	var decoded Args
	if err := mapToStruct(args, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode arguments for tool '%s': %w", t.cfg.Name, err)
	}
	return t.fn(ctx, decoded)
}

// mapToStruct decodes a generic map into a typed struct via a JSON
// round-trip, honoring json tags.
func mapToStruct(src map[string]any, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
