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
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/model"
	"github.com/nestor-ai/nestor/pkg/observability"
	"github.com/nestor-ai/nestor/pkg/schema"
	"github.com/nestor-ai/nestor/pkg/tool"
)

// clientFunctionCallIDPrefix marks function call IDs generated on our
// side when the provider returned none. Needed to pair calls with
// responses in history.
const clientFunctionCallIDPrefix = "nestor-"

// flow drives the reasoning loop:
//  1. The outer loop continues until a final response (no function calls).
//  2. Each step: build request, call model, execute tools.
//  3. Events are yielded immediately; the session is the source of truth,
//     so each step rebuilds its request from session history.
type flow struct {
	agent *llmAgent
}

func newFlow(a *llmAgent) *flow {
	return &flow{agent: a}
}

// Run executes the loop until a final response or the safety limit.
func (f *flow) Run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		skipped, done := f.runBeforeAgent(ctx, yield)
		if done {
			return
		}
		if !skipped {
			for iteration := 0; iteration < f.agent.maxIterations; iteration++ {
				if ctx.Err() != nil {
					yield(nil, agent.WrapError(agent.ErrorKindCancelled, ctx.Err(), "invocation cancelled"))
					return
				}

				var lastEvent *agent.Event
				sawFinal := false
				for ev, err := range f.runOneStep(ctx) {
					if err != nil {
						if !f.runOnAgentError(ctx, err, yield) {
							yield(nil, err)
						}
						return
					}
					if !yield(ev, nil) {
						return
					}
					lastEvent = ev
					// A final model event (long-running call pending) ends
					// the step even when a function response follows it.
					if !ev.Partial && ev.IsFinalResponse() {
						sawFinal = true
					}
				}

				if ctx.Ended() {
					break
				}
				if lastEvent == nil || sawFinal {
					break
				}
				if iteration == f.agent.maxIterations-1 {
					yield(nil, agent.NewError(agent.ErrorKindInternal,
						fmt.Sprintf("reasoning loop exceeded %d iterations", f.agent.maxIterations)))
					return
				}
			}
		}

		f.runAfterAgent(ctx, yield)
	}
}

// runBeforeAgent runs the before-agent pipeline. skipped means a hook
// supplied the response; done means the consumer stopped.
func (f *flow) runBeforeAgent(ctx agent.InvocationContext, yield func(*agent.Event, error) bool) (skipped, done bool) {
	cc, actions := agent.NewCallbackContext(ctx)

	content, err := f.agent.plugins.RunBeforeAgent(cc)
	if err != nil {
		yield(nil, err)
		return false, true
	}
	if content == nil {
		for _, cb := range f.agent.beforeAgentCallbacks {
			content, err = cb(cc)
			if err != nil {
				yield(nil, fmt.Errorf("before-agent callback failed: %w", err))
				return false, true
			}
			if content != nil {
				break
			}
		}
	}
	if content == nil {
		return false, false
	}

	event := agent.NewEvent(ctx.InvocationID())
	event.Author = f.agent.Name()
	event.Branch = ctx.Branch()
	event.Content = content
	event.Actions = *actions
	event.TurnComplete = true
	return true, !yield(event, nil)
}

func (f *flow) runAfterAgent(ctx agent.InvocationContext, yield func(*agent.Event, error) bool) {
	cc, actions := agent.NewCallbackContext(ctx)

	content, err := f.agent.plugins.RunAfterAgent(cc)
	if err != nil {
		yield(nil, err)
		return
	}
	if content == nil {
		for _, cb := range f.agent.afterAgentCallbacks {
			content, err = cb(cc)
			if err != nil {
				yield(nil, fmt.Errorf("after-agent callback failed: %w", err))
				return
			}
			if content != nil {
				break
			}
		}
	}
	if content == nil {
		return
	}

	event := agent.NewEvent(ctx.InvocationID())
	event.Author = f.agent.Name()
	event.Branch = ctx.Branch()
	event.Content = content
	event.Actions = *actions
	event.TurnComplete = true
	yield(event, nil)
}

// runOnAgentError gives plugins a chance to turn a failure into a
// response event. Returns true when the error was recovered.
func (f *flow) runOnAgentError(ctx agent.InvocationContext, runErr error, yield func(*agent.Event, error) bool) bool {
	cc, actions := agent.NewCallbackContext(ctx)
	content, err := f.agent.plugins.RunOnAgentError(cc, runErr)
	if err != nil || content == nil {
		return false
	}
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = f.agent.Name()
	event.Branch = ctx.Branch()
	event.Content = content
	event.Actions = *actions
	event.TurnComplete = true
	yield(event, nil)
	return true
}

// runOneStep executes one iteration: build request, call model, handle
// function calls.
func (f *flow) runOneStep(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		req, err := f.buildRequest(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		if err := f.toolPreprocess(ctx, req); err != nil {
			yield(nil, err)
			return
		}
		if ctx.Ended() {
			return
		}

		cc, ccActions := agent.NewCallbackContext(ctx)
		resp, err := f.callModel(ctx, cc, req, yield)
		if err != nil {
			yield(nil, err)
			return
		}
		if resp == nil {
			return
		}

		calls := resp.FunctionCalls()
		if resp.Content == nil && resp.ErrorCode == "" && len(calls) == 0 {
			return
		}

		modelEvent, err := f.buildModelEvent(ctx, resp, ccActions)
		if err != nil {
			yield(nil, err)
			return
		}
		if !yield(modelEvent, nil) {
			return
		}

		if len(calls) > 0 {
			responseEvent, err := f.handleFunctionCalls(ctx, modelEvent.Content.FunctionCalls(), yield)
			if err != nil {
				yield(nil, err)
				return
			}
			if responseEvent != nil {
				if !yield(responseEvent, nil) {
					return
				}
			}
		}
	}
}

func (f *flow) buildRequest(ctx agent.InvocationContext) (*model.Request, error) {
	systemInstruction, err := f.agent.buildSystemInstruction(ctx)
	if err != nil {
		return nil, err
	}
	return &model.Request{
		Messages:          f.agent.buildMessages(ctx),
		SystemInstruction: systemInstruction,
		Tools:             f.agent.collectToolDefinitions(ctx),
		Config:            f.agent.effectiveGenerateConfig(),
	}, nil
}

// toolPreprocess lets tools implementing RequestProcessor modify the
// request before the model call (memory preloading and the like).
func (f *flow) toolPreprocess(ctx agent.InvocationContext, req *model.Request) error {
	toolReq := &tool.Request{
		SystemInstruction: req.SystemInstruction,
		Messages:          req.Messages,
		Config:            req.Config,
		Metadata:          make(map[string]any),
	}
	for _, t := range f.agent.collectTools(ctx) {
		processor, ok := t.(tool.RequestProcessor)
		if !ok {
			continue
		}
		toolCtx := newToolContext(ctx, "", nil)
		if err := processor.ProcessRequest(toolCtx, toolReq); err != nil {
			return fmt.Errorf("tool %q preprocessing failed: %w", t.Name(), err)
		}
	}
	req.SystemInstruction = toolReq.SystemInstruction
	if msgs, ok := toolReq.Messages.([]*agent.Content); ok {
		req.Messages = msgs
	}
	if cfg, ok := toolReq.Config.(*model.GenerateConfig); ok && cfg != nil {
		req.Config = cfg
	}
	return nil
}

// callModel runs before/after-model hooks around the LLM call and
// forwards streaming partials.
func (f *flow) callModel(
	ctx agent.InvocationContext,
	cc agent.CallbackContext,
	req *model.Request,
	yield func(*agent.Event, error) bool,
) (*model.Response, error) {
	resp, err := f.agent.plugins.RunBeforeModel(cc, req)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}
	for _, cb := range f.agent.beforeModelCallbacks {
		resp, err = cb(cc, req)
		if err != nil {
			return nil, fmt.Errorf("before-model callback failed: %w", err)
		}
		if resp != nil {
			return resp, nil
		}
	}

	streaming := f.agent.streaming
	if rc := ctx.RunConfig(); rc != nil && rc.StreamingMode != agent.StreamingModeNone && rc.StreamingMode != "" {
		streaming = true
	}

	finalResp, err := f.generate(ctx, cc, req, streaming, yield)
	if err != nil {
		return nil, err
	}
	if finalResp == nil {
		return nil, nil
	}

	replaced, err := f.agent.plugins.RunAfterModel(cc, req, finalResp)
	if err != nil {
		return nil, err
	}
	if replaced != nil {
		finalResp = replaced
	}
	for _, cb := range f.agent.afterModelCallbacks {
		replaced, err = cb(cc, finalResp, nil)
		if err != nil {
			return nil, fmt.Errorf("after-model callback failed: %w", err)
		}
		if replaced != nil {
			finalResp = replaced
			break
		}
	}
	return finalResp, nil
}

// generate runs the model call inside an llm.chat span, forwarding
// streaming partials and letting plugins recover model errors.
func (f *flow) generate(
	ctx agent.InvocationContext,
	cc agent.CallbackContext,
	req *model.Request,
	streaming bool,
	yield func(*agent.Event, error) bool,
) (finalResp *model.Response, genErr error) {
	llmCtx, span := observability.Tracer("llmagent").Start(ctx, observability.SpanLLMChat,
		trace.WithAttributes(
			observability.AttrGenAISystem.String(string(f.agent.model.Provider())),
			observability.AttrGenAIRequestModel.String(f.agent.model.Name()),
			observability.AttrAgentName.String(f.agent.Name()),
			observability.AttrSessionID.String(ctx.SessionID()),
		))
	started := time.Now()
	defer func() {
		var inputTokens, outputTokens int64
		if finalResp != nil && finalResp.Usage != nil {
			inputTokens = int64(finalResp.Usage.InputTokens)
			outputTokens = int64(finalResp.Usage.OutputTokens)
			span.SetAttributes(
				observability.AttrGenAIInputTokens.Int64(inputTokens),
				observability.AttrGenAIOutputTokens.Int64(outputTokens),
			)
		}
		if genErr != nil {
			span.SetStatus(codes.Error, genErr.Error())
		}
		span.End()
		observability.GlobalMetrics().RecordLLMCall(ctx,
			f.agent.model.Name(), inputTokens, outputTokens, time.Since(started), genErr)
	}()

	for modelResp, modelErr := range f.agent.model.GenerateContent(llmCtx, req, streaming) {
		if modelErr != nil {
			recovered, hookErr := f.agent.plugins.RunOnModelError(cc, req, modelErr)
			if hookErr != nil {
				return nil, hookErr
			}
			if recovered != nil {
				return recovered, nil
			}
			return nil, modelErr
		}
		if modelResp == nil {
			continue
		}
		if modelResp.Partial {
			event := f.buildPartialEvent(ctx, modelResp)
			if !yield(event, nil) {
				return nil, agent.NewError(agent.ErrorKindCancelled, "streaming interrupted")
			}
			continue
		}
		finalResp = modelResp
	}
	return finalResp, nil
}

func (f *flow) buildPartialEvent(ctx agent.InvocationContext, resp *model.Response) *agent.Event {
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = f.agent.Name()
	event.Branch = ctx.Branch()
	event.Partial = true
	event.Content = resp.Content
	return event
}

// buildModelEvent turns the final model response into an event, handling
// output keys and structured output.
func (f *flow) buildModelEvent(ctx agent.InvocationContext, resp *model.Response, actions *agent.EventActions) (*agent.Event, error) {
	populateFunctionCallIDs(resp)

	event := agent.NewEvent(ctx.InvocationID())
	event.Author = f.agent.Name()
	event.Branch = ctx.Branch()
	event.Content = resp.Content
	event.Actions = *actions
	if event.Actions.StateDelta == nil {
		event.Actions.StateDelta = make(map[string]any)
	}
	if resp.ErrorCode != "" {
		event.ErrorCode = resp.ErrorCode
		event.ErrorMessage = resp.ErrorMessage
	}

	calls := resp.FunctionCalls()
	for _, fc := range calls {
		if t := f.agent.findTool(ctx, fc.Name); t != nil && t.IsLongRunning() {
			event.LongRunningToolIDs = append(event.LongRunningToolIDs, fc.ID)
		}
	}

	// Final text response: resolve structured output and the output key.
	if len(calls) == 0 {
		event.TurnComplete = true
		text := resp.Text()

		if f.agent.outputSchema != nil && text != "" {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(text), &parsed); err != nil {
				return nil, agent.WrapError(agent.ErrorKindValidation, err,
					"model output is not valid JSON")
			}
			if err := schema.Validate(parsed, f.agent.outputSchema); err != nil {
				return nil, agent.WrapError(agent.ErrorKindValidation, err,
					"model output does not match the output schema")
			}
			if f.agent.outputKey != "" {
				event.Actions.StateDelta[f.agent.outputKey] = parsed
			}
		} else if f.agent.outputKey != "" && text != "" {
			event.Actions.StateDelta[f.agent.outputKey] = text
		}
	}

	return event, nil
}

// populateFunctionCallIDs assigns client IDs to calls the provider left
// unidentified.
func populateFunctionCallIDs(resp *model.Response) {
	for _, fc := range resp.FunctionCalls() {
		if fc.ID == "" {
			fc.ID = clientFunctionCallIDPrefix + uuid.NewString()
		}
	}
}

// handleFunctionCalls executes each call and merges the results into one
// function response event. Every call gets a response part, error or not.
func (f *flow) handleFunctionCalls(ctx agent.InvocationContext, calls []*agent.FunctionCall, yield func(*agent.Event, error) bool) (*agent.Event, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	content := &agent.Content{Role: agent.RoleFunction}
	mergedActions := agent.EventActions{StateDelta: make(map[string]any)}

	for _, fc := range calls {
		interrupted := false
		emit := func(progress string) {
			event := agent.NewEvent(ctx.InvocationID())
			event.Author = f.agent.Name()
			event.Branch = ctx.Branch()
			event.Partial = true
			event.Content = agent.NewTextContent(progress, agent.RoleModel)
			if !yield(event, nil) {
				interrupted = true
			}
		}
		toolCtx := newToolContext(ctx, fc.ID, emit)

		result := f.executeCall(ctx, toolCtx, fc)
		if interrupted {
			return nil, agent.NewError(agent.ErrorKindCancelled, "streaming interrupted")
		}

		content.AddPart(agent.Part{FunctionResponse: &agent.FunctionResponse{
			ID:       fc.ID,
			Name:     fc.Name,
			Response: result,
		}})
		mergeEventActions(&mergedActions, toolCtx.Actions())
	}

	event := agent.NewEvent(ctx.InvocationID())
	event.Author = f.agent.Name()
	event.Branch = ctx.Branch()
	event.Content = content
	event.Actions = mergedActions
	return event, nil
}

// errorResult shapes a tool failure into the function response payload.
func errorResult(msg string) map[string]any {
	return map[string]any{"status": "error", "error_message": msg}
}

// executeCall runs one tool call through the hook chain. Failures become
// error payloads in the function response rather than invocation errors.
func (f *flow) executeCall(ctx agent.InvocationContext, toolCtx *toolContext, fc *agent.FunctionCall) map[string]any {
	t := f.agent.findTool(ctx, fc.Name)
	if t == nil {
		return errorResult(fmt.Sprintf("tool '%s' not found", fc.Name))
	}

	_, span := observability.Tracer("llmagent").Start(ctx, observability.SpanTool(fc.Name),
		trace.WithAttributes(
			observability.AttrGenAIToolName.String(fc.Name),
			observability.AttrAgentName.String(f.agent.Name()),
			observability.AttrSessionID.String(ctx.SessionID()),
		))
	started := time.Now()
	var callErr error
	defer func() {
		if callErr != nil {
			span.SetStatus(codes.Error, callErr.Error())
		}
		span.End()
		observability.GlobalMetrics().RecordToolCall(ctx, fc.Name, time.Since(started), callErr)
	}()

	result, err := f.agent.plugins.RunBeforeTool(toolCtx, t, fc.Args)
	if err != nil {
		callErr = err
		return errorResult(err.Error())
	}
	if result == nil {
		for _, cb := range f.agent.beforeToolCallbacks {
			result, err = cb(toolCtx, t, fc.Args)
			if err != nil {
				return errorResult(fmt.Sprintf("before-tool callback failed: %v", err))
			}
			if result != nil {
				break
			}
		}
	}

	var toolErr error
	if result == nil {
		result, toolErr = f.invokeTool(ctx, toolCtx, t, fc)
	}

	if toolErr != nil {
		recovered, hookErr := f.agent.plugins.RunOnToolError(toolCtx, t, fc.Args, toolErr)
		if hookErr == nil && recovered != nil {
			result, toolErr = recovered, nil
		}
	}
	if toolErr != nil {
		callErr = toolErr
		slog.Warn("tool execution failed",
			"tool", fc.Name,
			"agent", f.agent.Name(),
			"call_id", fc.ID,
			"error", toolErr)
		if agent.KindOf(toolErr) == agent.ErrorKindTimeout {
			return errorResult("timeout")
		}
		return errorResult(toolErr.Error())
	}

	replaced, err := f.agent.plugins.RunAfterTool(toolCtx, t, fc.Args, result)
	if err == nil && replaced != nil {
		result = replaced
	}
	for _, cb := range f.agent.afterToolCallbacks {
		replaced, err = cb(toolCtx, t, fc.Args, result, nil)
		if err == nil && replaced != nil {
			result = replaced
			break
		}
	}
	if result == nil {
		result = map[string]any{}
	}
	return result
}

// invokeTool validates the arguments and runs the tool, bounded by the
// configured per-call timeout.
func (f *flow) invokeTool(ctx agent.InvocationContext, toolCtx *toolContext, t tool.Tool, fc *agent.FunctionCall) (map[string]any, error) {
	callable, isCallable := t.(tool.CallableTool)
	streaming, isStreaming := t.(tool.StreamingTool)
	if !isCallable && !isStreaming {
		return nil, fmt.Errorf("tool '%s' is not callable", t.Name())
	}

	var argSchema map[string]any
	if isCallable {
		argSchema = callable.Schema()
	} else {
		argSchema = streaming.Schema()
	}
	if argSchema != nil {
		if err := schema.Validate(fc.Args, argSchema); err != nil {
			return nil, agent.WrapError(agent.ErrorKindValidation, err,
				fmt.Sprintf("invalid arguments for tool '%s'", t.Name()))
		}
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		if isCallable {
			result, err := callable.Call(toolCtx, fc.Args)
			done <- outcome{result, err}
			return
		}
		var finalResult *tool.Result
		var streamErr error
		for res, err := range streaming.CallStreaming(toolCtx, fc.Args) {
			if err != nil {
				streamErr = err
				break
			}
			if res == nil {
				continue
			}
			if res.Streaming {
				toolCtx.EmitProgress(fmt.Sprintf("%v", res.Content))
				continue
			}
			finalResult = res
		}
		if streamErr != nil {
			done <- outcome{nil, streamErr}
			return
		}
		result := map[string]any{}
		if finalResult != nil {
			result["result"] = finalResult.Content
			if finalResult.Error != "" {
				result["error"] = finalResult.Error
			}
		}
		done <- outcome{result, nil}
	}()

	var timeout <-chan time.Time
	if f.agent.toolTimeout > 0 {
		timer := time.NewTimer(f.agent.toolTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, agent.WrapError(agent.ErrorKindCancelled, ctx.Err(),
			fmt.Sprintf("tool '%s' cancelled", t.Name()))
	case <-timeout:
		return nil, agent.NewError(agent.ErrorKindTimeout,
			fmt.Sprintf("tool '%s' timed out after %v", t.Name(), f.agent.toolTimeout))
	}
}

// mergeEventActions folds one tool call's actions into the merged set.
func mergeEventActions(base, other *agent.EventActions) {
	if other == nil {
		return
	}
	if other.SkipSummarization {
		base.SkipSummarization = true
	}
	if other.Escalate {
		base.Escalate = true
	}
	if other.TransferToAgent != "" {
		base.TransferToAgent = other.TransferToAgent
	}
	for k, v := range other.StateDelta {
		base.StateDelta[k] = v
	}
	for k, v := range other.ArtifactDelta {
		if base.ArtifactDelta == nil {
			base.ArtifactDelta = make(map[string]int64)
		}
		base.ArtifactDelta[k] = v
	}
}
