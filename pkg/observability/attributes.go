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

package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span names used across the runtime. Agent and tool spans are suffixed
// with the component name, e.g. "agent.researcher", "tool.web_search".
const (
	SpanInvocation   = "invocation"
	SpanLLMChat      = "llm.chat"
	SpanMemorySearch = "memory.search"
)

// SpanAgent returns the span name for one agent's run.
func SpanAgent(name string) string { return "agent." + name }

// SpanTool returns the span name for one tool execution.
func SpanTool(name string) string { return "tool." + name }

// GenAI semantic convention attribute keys, plus runtime-specific keys
// under the "nestor." namespace.
const (
	AttrGenAISystem       = attribute.Key("gen_ai.system")
	AttrGenAIRequestModel = attribute.Key("gen_ai.request.model")
	AttrGenAIInputTokens  = attribute.Key("gen_ai.usage.input_tokens")
	AttrGenAIOutputTokens = attribute.Key("gen_ai.usage.output_tokens")
	AttrGenAIToolName     = attribute.Key("gen_ai.tool.name")

	AttrAppName      = attribute.Key("nestor.app_name")
	AttrUserID       = attribute.Key("nestor.user_id")
	AttrSessionID    = attribute.Key("nestor.session_id")
	AttrInvocationID = attribute.Key("nestor.invocation_id")
	AttrAgentName    = attribute.Key("nestor.agent_name")
	AttrErrorKind    = attribute.Key("nestor.error_kind")
)
