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

// Package artifacttool lets agents list and read stored artifacts.
package artifacttool

import (
	"encoding/base64"
	"fmt"

	"github.com/nestor-ai/nestor/pkg/tool"
	"github.com/nestor-ai/nestor/pkg/tool/functiontool"
)

type listArgs struct{}

// List returns a tool that lists the artifact names visible to the
// current session, including user-namespaced ones.
func List() tool.CallableTool {
	return functiontool.Must(functiontool.New(functiontool.Config{
		Name:        "list_artifacts",
		Description: "List the names of artifacts saved in this session.",
	}, func(ctx tool.Context, args listArgs) (map[string]any, error) {
		resp, err := ctx.Artifacts().List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list artifacts: %w", err)
		}
		names := make([]any, 0, len(resp.Artifacts))
		for _, info := range resp.Artifacts {
			names = append(names, map[string]any{
				"name":    info.Name,
				"version": info.Version,
			})
		}
		return map[string]any{"artifacts": names}, nil
	}))
}

type loadArgs struct {
	Name    string `json:"name" jsonschema:"required,description=Artifact file name"`
	Version *int64 `json:"version,omitempty" jsonschema:"description=Specific version to load; omit for latest"`
}

// Load returns a tool that loads an artifact's content. Text artifacts
// are returned verbatim; binary ones as base64 with their MIME type.
func Load() tool.CallableTool {
	return functiontool.Must(functiontool.New(functiontool.Config{
		Name:        "load_artifacts",
		Description: "Load the content of a saved artifact by name, optionally at a specific version.",
	}, func(ctx tool.Context, args loadArgs) (map[string]any, error) {
		artifacts := ctx.Artifacts()

		version := int64(-1)
		if args.Version != nil {
			version = *args.Version
		}
		loaded, err := artifacts.LoadVersion(ctx, args.Name, version)
		if err != nil {
			return nil, fmt.Errorf("failed to load artifact '%s': %w", args.Name, err)
		}

		result := map[string]any{
			"name":    args.Name,
			"version": loaded.Version,
		}
		part := loaded.Part
		switch {
		case part.Text != "":
			result["content"] = part.Text
		case part.InlineData != nil:
			result["mime_type"] = part.InlineData.MIMEType
			result["data_base64"] = base64.StdEncoding.EncodeToString(part.InlineData.Data)
		}
		return result, nil
	}))
}
