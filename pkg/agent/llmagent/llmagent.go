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

// Package llmagent provides the LLM-backed agent.
//
// An LLM agent drives a reasoning loop: it builds a request from the
// session history, calls the model, executes any requested tools, and
// repeats until the model produces a final response.
//
// # Usage
//
//	assistant, err := llmagent.New(llmagent.Config{
//	    Name:        "assistant",
//	    Model:       myModel,
//	    Instruction: "You are a helpful assistant.",
//	    Tools:       []tool.Tool{searchTool, calculatorTool},
//	})
package llmagent

import (
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/model"
	"github.com/nestor-ai/nestor/pkg/plugin"
	"github.com/nestor-ai/nestor/pkg/tool"
	"github.com/nestor-ai/nestor/pkg/tool/controltool"
)

// IncludeContents controls how much conversation history the model sees.
type IncludeContents string

const (
	// IncludeContentsDefault includes the branch-visible history.
	IncludeContentsDefault IncludeContents = "default"

	// IncludeContentsNone includes only the current turn.
	IncludeContentsNone IncludeContents = "none"
)

// InstructionProvider generates an instruction dynamically per request.
type InstructionProvider func(ctx agent.ReadonlyContext) (string, error)

// BeforeAgentCallback runs before the agent starts. A non-nil content is
// emitted as the agent's response and the run is skipped.
type BeforeAgentCallback func(ctx agent.CallbackContext) (*agent.Content, error)

// AfterAgentCallback runs after the agent completes. A non-nil content is
// appended as an additional response event.
type AfterAgentCallback func(ctx agent.CallbackContext) (*agent.Content, error)

// BeforeModelCallback runs before each LLM call. A non-nil response skips
// the call.
type BeforeModelCallback func(ctx agent.CallbackContext, req *model.Request) (*model.Response, error)

// AfterModelCallback runs after each LLM call. A non-nil response
// replaces the model's.
type AfterModelCallback func(ctx agent.CallbackContext, resp *model.Response, modelErr error) (*model.Response, error)

// BeforeToolCallback runs before each tool execution. A non-nil result
// skips the tool.
type BeforeToolCallback func(ctx tool.Context, t tool.Tool, args map[string]any) (map[string]any, error)

// AfterToolCallback runs after each tool execution. A non-nil result
// replaces the tool's.
type AfterToolCallback func(ctx tool.Context, t tool.Tool, args, result map[string]any, toolErr error) (map[string]any, error)

// Config configures an LLM agent.
type Config struct {
	// Name must be unique within the agent tree.
	Name string

	// Description helps sibling agents decide when to transfer here.
	Description string

	// Model is the LLM used for generation.
	Model model.LLM

	// Instruction guides the agent. Placeholders like {key} are resolved
	// from session state; {key?} resolves to empty when absent.
	Instruction string

	// InstructionProvider generates the instruction dynamically. Takes
	// precedence over Instruction.
	InstructionProvider InstructionProvider

	// GlobalInstruction is prepended for every agent in the tree. Only
	// the root agent's value is used.
	GlobalInstruction string

	// GenerateConfig holds generation parameters.
	GenerateConfig *model.GenerateConfig

	// Tools available to the agent.
	Tools []tool.Tool

	// Toolsets resolve tools dynamically per request.
	Toolsets []tool.Toolset

	// SubAgents can receive transferred control.
	SubAgents []agent.Agent

	// Callbacks, run in order. The first non-nil override wins.
	BeforeAgentCallbacks []BeforeAgentCallback
	AfterAgentCallbacks  []AfterAgentCallback
	BeforeModelCallbacks []BeforeModelCallback
	AfterModelCallbacks  []AfterModelCallback
	BeforeToolCallbacks  []BeforeToolCallback
	AfterToolCallbacks   []AfterToolCallback

	// Plugins is the runner-wide plugin pipeline; the same pipeline is
	// normally shared by every agent under one runner.
	Plugins *plugin.Pipeline

	// DisallowTransferToParent prevents transfers to the parent agent.
	DisallowTransferToParent bool

	// DisallowTransferToPeers prevents transfers to sibling agents.
	DisallowTransferToPeers bool

	// IncludeContents controls history inclusion.
	IncludeContents IncludeContents

	// OutputKey saves the agent's final text (or parsed structured
	// output) to session state under this key.
	OutputKey string

	// OutputSchema enforces structured JSON output. The final response is
	// parsed and validated against it; tools cannot be combined with
	// structured output.
	OutputSchema map[string]any

	// MaxIterations caps reasoning loop iterations. Safety limit, not the
	// normal termination condition. Default 100.
	MaxIterations int

	// ToolTimeout bounds each tool call. Zero means no per-call timeout;
	// the invocation context still applies.
	ToolTimeout time.Duration

	// Streaming enables token-level streaming from the model.
	Streaming bool
}

// llmAgent implements agent.Agent with LLM capabilities.
type llmAgent struct {
	agent.Agent

	model               model.LLM
	instruction         string
	instructionProvider InstructionProvider
	globalInstruction   string
	generateConfig      *model.GenerateConfig
	tools               []tool.Tool
	toolsets            []tool.Toolset
	plugins             *plugin.Pipeline

	beforeAgentCallbacks []BeforeAgentCallback
	afterAgentCallbacks  []AfterAgentCallback
	beforeModelCallbacks []BeforeModelCallback
	afterModelCallbacks  []AfterModelCallback
	beforeToolCallbacks  []BeforeToolCallback
	afterToolCallbacks   []AfterToolCallback

	disallowTransferToParent bool
	disallowTransferToPeers  bool
	includeContents          IncludeContents
	outputKey                string
	outputSchema             map[string]any
	maxIterations            int
	toolTimeout              time.Duration
	streaming                bool
}

// New creates an LLM agent.
func New(cfg Config) (agent.Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.OutputSchema != nil && (len(cfg.Tools) > 0 || len(cfg.Toolsets) > 0) {
		return nil, fmt.Errorf("structured output cannot be combined with tools")
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 100
	}

	a := &llmAgent{
		model:                    cfg.Model,
		instruction:              cfg.Instruction,
		instructionProvider:      cfg.InstructionProvider,
		globalInstruction:        cfg.GlobalInstruction,
		generateConfig:           cfg.GenerateConfig,
		tools:                    cfg.Tools,
		toolsets:                 cfg.Toolsets,
		plugins:                  cfg.Plugins,
		beforeAgentCallbacks:     cfg.BeforeAgentCallbacks,
		afterAgentCallbacks:      cfg.AfterAgentCallbacks,
		beforeModelCallbacks:     cfg.BeforeModelCallbacks,
		afterModelCallbacks:      cfg.AfterModelCallbacks,
		beforeToolCallbacks:      cfg.BeforeToolCallbacks,
		afterToolCallbacks:       cfg.AfterToolCallbacks,
		disallowTransferToParent: cfg.DisallowTransferToParent,
		disallowTransferToPeers:  cfg.DisallowTransferToPeers,
		includeContents:          cfg.IncludeContents,
		outputKey:                cfg.OutputKey,
		outputSchema:             cfg.OutputSchema,
		maxIterations:            cfg.MaxIterations,
		toolTimeout:              cfg.ToolTimeout,
		streaming:                cfg.Streaming,
	}

	baseAgent, err := agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		SubAgents:   cfg.SubAgents,
		Run:         a.run,
	})
	if err != nil {
		return nil, err
	}
	a.Agent = baseAgent
	return a, nil
}

func (a *llmAgent) run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return newFlow(a).Run(ctx)
}

// DisallowTransferToParent implements agent.TransferRestrictable.
func (a *llmAgent) DisallowTransferToParent() bool { return a.disallowTransferToParent }

// DisallowTransferToPeers implements agent.TransferRestrictable.
func (a *llmAgent) DisallowTransferToPeers() bool { return a.disallowTransferToPeers }

// OutputSchema returns the JSON schema enforced on the final response,
// or nil when the agent produces free text.
func (a *llmAgent) OutputSchema() map[string]any { return a.outputSchema }

// controlTools returns the implicit control tools: transfer_to_agent when
// this agent has sub-agents to transfer to.
func (a *llmAgent) controlTools() []tool.Tool {
	if len(a.SubAgents()) == 0 {
		return nil
	}
	return []tool.Tool{controltool.TransferToAgent()}
}

// collectTools gathers control tools, static tools and toolset tools.
func (a *llmAgent) collectTools(ctx agent.ReadonlyContext) []tool.Tool {
	tools := a.controlTools()
	tools = append(tools, a.tools...)
	for _, ts := range a.toolsets {
		resolved, err := ts.Tools(ctx)
		if err != nil {
			slog.Warn("toolset failed to provide tools",
				"toolset", ts.Name(),
				"agent", a.Name(),
				"error", err)
			continue
		}
		tools = append(tools, resolved...)
	}
	return tools
}

func (a *llmAgent) findTool(ctx agent.ReadonlyContext, name string) tool.Tool {
	for _, t := range a.collectTools(ctx) {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func (a *llmAgent) collectToolDefinitions(ctx agent.ReadonlyContext) []tool.Definition {
	var defs []tool.Definition
	for _, t := range a.collectTools(ctx) {
		if _, ok := t.(tool.CallableTool); ok {
			defs = append(defs, tool.ToDefinition(t))
			continue
		}
		if _, ok := t.(tool.StreamingTool); ok {
			defs = append(defs, tool.ToDefinition(t))
		}
	}
	return defs
}

// buildSystemInstruction resolves the instruction, interpolates state
// placeholders, and appends transfer guidance.
func (a *llmAgent) buildSystemInstruction(ctx agent.ReadonlyContext) (string, error) {
	var parts []string

	if a.globalInstruction != "" {
		parts = append(parts, a.globalInstruction)
	}

	instruction := a.instruction
	if a.instructionProvider != nil {
		generated, err := a.instructionProvider(ctx)
		if err != nil {
			return "", fmt.Errorf("instruction provider failed: %w", err)
		}
		instruction = generated
	}
	if instruction != "" {
		parts = append(parts, interpolateState(instruction, ctx.ReadonlyState()))
	}

	if subs := a.SubAgents(); len(subs) > 0 {
		var sb strings.Builder
		sb.WriteString("You can transfer the conversation to one of these agents using the transfer_to_agent tool:\n")
		for _, sub := range subs {
			sb.WriteString("- ")
			sb.WriteString(sub.Name())
			if desc := sub.Description(); desc != "" {
				sb.WriteString(": ")
				sb.WriteString(desc)
			}
			sb.WriteString("\n")
		}
		parts = append(parts, sb.String())
	}

	return strings.Join(parts, "\n\n"), nil
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_:.-]+)(\?)?\}`)

// interpolateState replaces {key} placeholders with state values.
// Missing keys render as empty strings; the {key?} form is accepted and
// behaves the same.
func interpolateState(instruction string, state agent.ReadonlyState) string {
	return placeholderRe.ReplaceAllStringFunc(instruction, func(match string) string {
		if state == nil {
			return ""
		}
		groups := placeholderRe.FindStringSubmatch(match)
		val, err := state.Get(groups[1])
		if err != nil {
			return ""
		}
		return fmt.Sprintf("%v", val)
	})
}

// buildMessages constructs the model's conversation view from session
// history: branch filtering, compaction substitution, foreign-agent
// conversion.
func (a *llmAgent) buildMessages(ctx agent.InvocationContext) []*agent.Content {
	sess := ctx.Session()
	if sess == nil {
		if uc := ctx.UserContent(); uc != nil {
			return []*agent.Content{uc}
		}
		return nil
	}

	var events []*agent.Event
	for event := range sess.Events().All() {
		events = append(events, event)
	}

	if a.includeContents == IncludeContentsNone {
		return currentTurnMessages(events)
	}

	// Latest compaction wins where windows overlap.
	compactions := map[int]*agent.Compaction{}
	for _, event := range events {
		if c := event.Actions.Compaction; c != nil {
			for i := c.StartIndex; i <= c.EndIndex && i < len(events); i++ {
				existing := compactions[i]
				if existing == nil || c.EndIndex > existing.EndIndex {
					compactions[i] = c
				}
			}
		}
	}

	currentBranch := ctx.Branch()
	var messages []*agent.Content
	emittedSummaries := map[*agent.Compaction]bool{}

	for i, event := range events {
		if event.Partial {
			continue
		}
		if event.Actions.Compaction != nil {
			continue
		}
		if c := compactions[i]; c != nil {
			if !emittedSummaries[c] {
				emittedSummaries[c] = true
				messages = append(messages,
					agent.NewTextContent("Summary of earlier conversation:\n"+c.Summary, agent.RoleUser))
			}
			continue
		}
		if !eventBelongsToBranch(currentBranch, event.Branch) {
			continue
		}
		if event.Content == nil || len(event.Content.Parts) == 0 {
			continue
		}
		messages = append(messages, a.convertForeignContent(event))
	}
	return messages
}

// currentTurnMessages returns only the events from the latest user
// message onward.
func currentTurnMessages(events []*agent.Event) []*agent.Content {
	startIdx := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Author == agent.AuthorUser {
			startIdx = i
			break
		}
	}
	var messages []*agent.Content
	for _, event := range events[startIdx:] {
		if event.Partial || event.Content == nil || len(event.Content.Parts) == 0 {
			continue
		}
		messages = append(messages, event.Content)
	}
	return messages
}

// convertForeignContent rewrites another agent's model output as user
// context so this agent's model does not confuse it with its own turns.
// Function calls and responses pass through untouched to keep pairing.
func (a *llmAgent) convertForeignContent(event *agent.Event) *agent.Content {
	content := event.Content
	if event.Author == agent.AuthorUser || event.Author == a.Name() {
		return content
	}
	if content.Role != agent.RoleModel {
		return content
	}
	if len(content.FunctionCalls()) > 0 {
		return content
	}
	text := content.Text()
	if text == "" {
		return content
	}
	return agent.NewTextContent(
		fmt.Sprintf("For context: [%s] said: %s", event.Author, text),
		agent.RoleUser)
}

// eventBelongsToBranch reports whether an event is visible from the
// given branch. Branch paths are dot-delimited agent names; an event is
// visible from its own branch and all descendant branches.
func eventBelongsToBranch(invocationBranch, eventBranch string) bool {
	if invocationBranch == "" || eventBranch == "" {
		return true
	}
	if eventBranch == invocationBranch {
		return true
	}
	return strings.HasPrefix(invocationBranch, eventBranch+".")
}

// effectiveGenerateConfig layers structured output onto the configured
// generation parameters.
func (a *llmAgent) effectiveGenerateConfig() *model.GenerateConfig {
	cfg := a.generateConfig.Clone()
	if a.outputSchema != nil {
		if cfg == nil {
			cfg = &model.GenerateConfig{}
		}
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = a.outputSchema
	}
	return cfg
}

var (
	_ agent.Agent                = (*llmAgent)(nil)
	_ agent.TransferRestrictable = (*llmAgent)(nil)
)
