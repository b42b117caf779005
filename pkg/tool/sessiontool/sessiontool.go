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

// Package sessiontool exposes session introspection to agents.
package sessiontool

import (
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/nestor-ai/nestor/pkg/session"
	"github.com/nestor-ai/nestor/pkg/tool"
	"github.com/nestor-ai/nestor/pkg/tool/functiontool"
)

type detailsArgs struct {
	SessionID    string `json:"sessionId,omitempty" jsonschema:"description=Session to describe; defaults to the current session"`
	IncludeState bool   `json:"include_state,omitempty" jsonschema:"description=Include session state keys and values"`
}

// Details returns a tool that reports a session's identifiers and, on
// request, its visible state. Without a sessionId argument it describes
// the current session; with one it looks the session up through svc,
// scoped to the calling user. Temp-scoped keys are never exposed.
func Details(svc session.Service) tool.CallableTool {
	return functiontool.Must(functiontool.New(functiontool.Config{
		Name:        "get_session_details",
		Description: "Get details about a session: identifiers, branch, and optionally state. Defaults to the current session.",
	}, func(ctx tool.Context, args detailsArgs) (map[string]any, error) {
		if args.SessionID != "" && args.SessionID != ctx.SessionID() {
			return lookupDetails(ctx, svc, args)
		}

		result := map[string]any{
			"app_name":      ctx.AppName(),
			"user_id":       ctx.UserID(),
			"session_id":    ctx.SessionID(),
			"invocation_id": ctx.InvocationID(),
			"agent_name":    ctx.AgentName(),
		}
		if branch := ctx.Branch(); branch != "" {
			result["branch"] = branch
		}
		if args.IncludeState {
			addState(result, ctx.State().All())
		}
		return result, nil
	}))
}

// lookupDetails describes a session other than the calling one.
func lookupDetails(ctx tool.Context, svc session.Service, args detailsArgs) (map[string]any, error) {
	if svc == nil {
		return nil, fmt.Errorf("session lookup is not available")
	}
	resp, err := svc.Get(ctx, &session.GetRequest{
		AppName:   ctx.AppName(),
		UserID:    ctx.UserID(),
		SessionID: args.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session '%s': %w", args.SessionID, err)
	}

	sess := resp.Session
	result := map[string]any{
		"app_name":         sess.AppName(),
		"user_id":          sess.UserID(),
		"session_id":       sess.ID(),
		"event_count":      sess.Events().Len(),
		"last_update_time": sess.LastUpdateTime().Format(time.RFC3339),
		"lifecycle":        string(sess.Lifecycle()),
	}
	if args.IncludeState {
		addState(result, sess.State().All())
	}
	return result, nil
}

func addState(result map[string]any, all iter.Seq2[string, any]) {
	state := map[string]any{}
	var keys []string
	for key, value := range all {
		if strings.HasPrefix(key, session.KeyPrefixTemp) {
			continue
		}
		state[key] = value
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result["state"] = state
	result["state_keys"] = keys
}
