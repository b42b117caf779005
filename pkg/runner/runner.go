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

// Package runner orchestrates invocations: it receives user messages,
// dispatches agents, persists their events and streams them to the
// caller.
//
// One invocation runs at a time per session; concurrent Run calls on the
// same session id queue behind a per-session lock.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/artifact"
	"github.com/nestor-ai/nestor/pkg/observability"
	"github.com/nestor-ai/nestor/pkg/plugin"
	"github.com/nestor-ai/nestor/pkg/session"
)

// Config configures a Runner.
type Config struct {
	// AppName scopes sessions, artifacts and memory.
	AppName string

	// Agent is the root of the agent tree.
	Agent agent.Agent

	// SessionService persists sessions (required).
	SessionService session.Service

	// ArtifactService stores artifacts. Optional; artifact operations
	// fail when absent.
	ArtifactService artifact.Service

	// MemoryFactory binds cross-session memory for one (app, user) pair.
	// Optional; memory operations return empty results when absent.
	MemoryFactory func(appName, userID string) agent.Memory

	// Plugins run across every agent under this runner.
	Plugins *plugin.Pipeline
}

// Runner executes invocations against an agent tree.
type Runner struct {
	appName   string
	root      agent.Agent
	sessions  session.Service
	artifacts artifact.Service
	memory    func(appName, userID string) agent.Memory
	plugins   *plugin.Pipeline

	// parents maps agent name to its parent for transfer resolution.
	parents map[string]agent.Agent

	sessionLocks sync.Map // session id -> *sync.Mutex
	cancels      sync.Map // invocation id -> context.CancelFunc
}

// New creates a Runner. Agent names must be unique across the tree.
func New(cfg Config) (*Runner, error) {
	if cfg.AppName == "" {
		return nil, fmt.Errorf("app name is required")
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("root agent is required")
	}
	if cfg.SessionService == nil {
		return nil, fmt.Errorf("session service is required")
	}

	parents := make(map[string]agent.Agent)
	seen := make(map[string]bool)
	var walk func(a agent.Agent) error
	walk = func(a agent.Agent) error {
		if seen[a.Name()] {
			return fmt.Errorf("duplicate agent name '%s' in tree", a.Name())
		}
		seen[a.Name()] = true
		for _, sub := range a.SubAgents() {
			parents[sub.Name()] = a
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(cfg.Agent); err != nil {
		return nil, err
	}

	return &Runner{
		appName:   cfg.AppName,
		root:      cfg.Agent,
		sessions:  cfg.SessionService,
		artifacts: cfg.ArtifactService,
		memory:    cfg.MemoryFactory,
		plugins:   cfg.Plugins,
		parents:   parents,
	}, nil
}

// RunRequest starts one invocation.
type RunRequest struct {
	UserID    string
	SessionID string

	// Content is the user message.
	Content *agent.Content

	// RunConfig holds runtime options; nil uses defaults.
	RunConfig *agent.RunConfig
}

// Run executes one invocation and streams its events. Partial events are
// forwarded but never persisted; everything else is appended to the
// session before it is yielded.
func (r *Runner) Run(ctx context.Context, req *RunRequest) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		sess, err := r.loadSession(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}

		lock := r.lockSession(req.SessionID)
		defer lock.Unlock()

		invocationID := uuid.NewString()
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		runCtx, span := observability.Tracer("runner").Start(runCtx, observability.SpanInvocation,
			trace.WithAttributes(
				observability.AttrAppName.String(r.appName),
				observability.AttrUserID.String(req.UserID),
				observability.AttrSessionID.String(req.SessionID),
				observability.AttrInvocationID.String(invocationID),
			))
		started := time.Now()
		var runErr error
		defer func() {
			if runErr != nil {
				span.SetStatus(codes.Error, runErr.Error())
			}
			span.End()
			observability.GlobalMetrics().RecordInvocation(ctx, r.root.Name(), time.Since(started), runErr)
		}()

		innerYield := yield
		yield = func(event *agent.Event, err error) bool {
			if err != nil {
				runErr = err
			}
			return innerYield(event, err)
		}

		r.cancels.Store(invocationID, cancel)
		defer r.cancels.Delete(invocationID)

		defer r.clearTempState(sess)

		runConfig := req.RunConfig
		if runConfig == nil {
			runConfig = &agent.RunConfig{}
		}

		current := r.findAgentToRun(sess)
		ic := r.newInvocationContext(runCtx, sess, current, invocationID, req.Content, runConfig)

		userContent, err := r.plugins.RunOnUserMessage(ic, req.Content)
		if err != nil {
			yield(nil, err)
			return
		}

		if err := r.appendUserEvent(runCtx, ic, sess, invocationID, userContent, runConfig); err != nil {
			yield(nil, err)
			return
		}

		// Transfer chain: each agent runs to completion, then control may
		// move to the resolved target. An agent revisited within one
		// invocation is a loop.
		visited := map[string]bool{current.Name(): true}
		for {
			agentCtx, agentSpan := observability.Tracer("runner").Start(runCtx,
				observability.SpanAgent(current.Name()),
				trace.WithAttributes(
					observability.AttrAgentName.String(current.Name()),
					observability.AttrSessionID.String(req.SessionID),
				))
			ic = r.newInvocationContext(agentCtx, sess, current, invocationID, userContent, runConfig)
			transferTarget, ok := r.runAgent(ic, sess, current, yield)
			agentSpan.End()
			if !ok {
				return
			}
			if transferTarget == "" {
				return
			}

			next, err := r.resolveTransfer(current, transferTarget)
			if err != nil {
				r.yieldError(ic, sess, current.Name(), err, yield)
				return
			}
			if visited[next.Name()] {
				err := agent.NewError(agent.ErrorKindTransferLoop,
					fmt.Sprintf("transfer cycle: agent '%s' already ran in this invocation", next.Name()))
				r.yieldError(ic, sess, current.Name(), err, yield)
				return
			}
			visited[next.Name()] = true
			current = next
		}
	}
}

// runAgent streams one agent's events. Returns the requested transfer
// target ("" for none) and whether to keep going.
func (r *Runner) runAgent(ic agent.InvocationContext, sess session.Session, a agent.Agent, yield func(*agent.Event, error) bool) (string, bool) {
	transferTarget := ""
	for event, err := range a.Run(ic) {
		if err != nil {
			r.yieldError(ic, sess, a.Name(), err, yield)
			return "", false
		}
		if event == nil {
			continue
		}

		event, err = r.plugins.RunOnEvent(ic, event)
		if err != nil {
			r.yieldError(ic, sess, a.Name(), err, yield)
			return "", false
		}

		if !event.Partial {
			persisted, err := r.sessions.AppendEvent(ic, &session.AppendEventRequest{
				Session: sess,
				Event:   event,
			})
			if err != nil {
				r.yieldError(ic, sess, a.Name(),
					agent.WrapError(agent.ErrorKindStorageUnavailable, err, "failed to persist event"), yield)
				return "", false
			}
			event = persisted.Event
			if event.OnPersisted != nil {
				event.OnPersisted()
			}
			if event.Actions.TransferToAgent != "" {
				transferTarget = event.Actions.TransferToAgent
			}
		}

		if !yield(event, nil) {
			return "", false
		}
	}
	return transferTarget, true
}

// resolveTransfer finds the transfer target and checks it is reachable
// from the current agent: its sub-agents, its parent, or its peers,
// subject to the agent's transfer restrictions.
func (r *Runner) resolveTransfer(from agent.Agent, targetName string) (agent.Agent, error) {
	target := agent.FindAgent(r.root, targetName)
	if target == nil {
		return nil, agent.NewError(agent.ErrorKindNotFound,
			fmt.Sprintf("transfer target agent '%s' not found", targetName))
	}

	if agent.FindAgent(from, targetName) != nil {
		return target, nil
	}

	var disallowParent, disallowPeers bool
	if tr, ok := from.(agent.TransferRestrictable); ok {
		disallowParent = tr.DisallowTransferToParent()
		disallowPeers = tr.DisallowTransferToPeers()
	}

	parent := r.parents[from.Name()]
	if parent != nil {
		if parent.Name() == targetName {
			if disallowParent {
				return nil, agent.NewError(agent.ErrorKindValidation,
					fmt.Sprintf("agent '%s' may not transfer to its parent", from.Name()))
			}
			return target, nil
		}
		for _, peer := range parent.SubAgents() {
			if peer.Name() != targetName {
				continue
			}
			if disallowPeers {
				return nil, agent.NewError(agent.ErrorKindValidation,
					fmt.Sprintf("agent '%s' may not transfer to its peers", from.Name()))
			}
			return target, nil
		}
	}

	return nil, agent.NewError(agent.ErrorKindValidation,
		fmt.Sprintf("agent '%s' is not reachable from '%s'", targetName, from.Name()))
}

// findAgentToRun resumes the conversation with the agent that spoke last,
// so multi-turn exchanges after a transfer stay with the transferred-to
// agent. Falls back to the root.
func (r *Runner) findAgentToRun(sess session.Session) agent.Agent {
	events := sess.Events()
	for i := events.Len() - 1; i >= 0; i-- {
		event := events.At(i)
		if event.Author == agent.AuthorUser || event.Author == agent.AuthorSystem {
			continue
		}
		if found := agent.FindAgent(r.root, event.Author); found != nil {
			return found
		}
	}
	return r.root
}

func (r *Runner) loadSession(ctx context.Context, req *RunRequest) (session.Session, error) {
	resp, err := r.sessions.Get(ctx, &session.GetRequest{
		AppName:   r.appName,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	if err != nil {
		return nil, agent.WrapError(agent.ErrorKindNotFound, err,
			fmt.Sprintf("session '%s' not found", req.SessionID))
	}
	return resp.Session, nil
}

func (r *Runner) lockSession(sessionID string) *sync.Mutex {
	lock, _ := r.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	return mu
}

func (r *Runner) newInvocationContext(
	ctx context.Context,
	sess session.Session,
	a agent.Agent,
	invocationID string,
	userContent *agent.Content,
	runConfig *agent.RunConfig,
) agent.InvocationContext {
	var artifacts agent.Artifacts
	if r.artifacts != nil {
		artifacts = artifact.Bound(r.artifacts, r.appName, sess.UserID(), sess.ID())
	}
	var memory agent.Memory
	if r.memory != nil {
		memory = r.memory(r.appName, sess.UserID())
	}
	return agent.NewInvocationContext(ctx, agent.InvocationContextParams{
		Agent:        a,
		Session:      sess,
		Artifacts:    artifacts,
		Memory:       memory,
		UserContent:  userContent,
		RunConfig:    runConfig,
		InvocationID: invocationID,
	})
}

// appendUserEvent persists the user message, saving inline blobs as
// artifacts when requested.
func (r *Runner) appendUserEvent(
	ctx context.Context,
	ic agent.InvocationContext,
	sess session.Session,
	invocationID string,
	content *agent.Content,
	runConfig *agent.RunConfig,
) error {
	if content == nil {
		return nil
	}

	event := agent.NewEvent(invocationID)
	event.Author = agent.AuthorUser
	event.Content = content

	if runConfig.SaveInputBlobsAsArtifacts && ic.Artifacts() != nil {
		for i, part := range content.Parts {
			if part.InlineData == nil {
				continue
			}
			name := fmt.Sprintf("input_%s_%d", invocationID, i)
			saved, err := ic.Artifacts().Save(ctx, name, part)
			if err != nil {
				slog.Warn("failed to save input blob as artifact",
					"session_id", sess.ID(), "name", name, "error", err)
				continue
			}
			if event.Actions.ArtifactDelta == nil {
				event.Actions.ArtifactDelta = make(map[string]int64)
			}
			event.Actions.ArtifactDelta[saved.Name] = saved.Version
		}
	}

	_, err := r.sessions.AppendEvent(ctx, &session.AppendEventRequest{
		Session: sess,
		Event:   event,
	})
	if err != nil {
		return agent.WrapError(agent.ErrorKindStorageUnavailable, err, "failed to persist user message")
	}
	return nil
}

// yieldError persists a terminal error event, then surfaces the error.
// The event keeps the failure visible in the history even when the
// caller only sees the stream.
func (r *Runner) yieldError(ic agent.InvocationContext, sess session.Session, author string, runErr error, yield func(*agent.Event, error) bool) {
	event := agent.NewEvent(ic.InvocationID())
	event.Author = author
	event.ErrorCode = string(agent.KindOf(runErr))
	event.ErrorMessage = runErr.Error()
	event.TurnComplete = true

	if _, err := r.sessions.AppendEvent(ic, &session.AppendEventRequest{
		Session: sess,
		Event:   event,
	}); err != nil {
		slog.Error("failed to persist terminal error event",
			"session_id", sess.ID(), "invocation_id", ic.InvocationID(), "error", err)
	}

	if typed, ok := runErr.(*agent.Error); ok && typed.InvocationID == "" {
		typed.InvocationID = ic.InvocationID()
	}
	yield(nil, runErr)
}

func (r *Runner) clearTempState(sess session.Session) {
	if tc, ok := sess.State().(agent.TempClearable); ok {
		tc.ClearTempKeys()
	}
}

// Cancel aborts a running invocation. Returns false when the invocation
// id is unknown or already finished.
func (r *Runner) Cancel(invocationID string) bool {
	cancel, ok := r.cancels.Load(invocationID)
	if !ok {
		return false
	}
	cancel.(context.CancelFunc)()
	return true
}

// Rewind truncates the session before the given invocation and replays
// the surviving state deltas. Fails while an invocation is running on
// the session.
func (r *Runner) Rewind(ctx context.Context, userID, sessionID, beforeInvocationID string) error {
	lock := r.lockSession(sessionID)
	defer lock.Unlock()

	return r.sessions.Rewind(ctx, &session.RewindRequest{
		AppName:            r.appName,
		UserID:             userID,
		SessionID:          sessionID,
		BeforeInvocationID: beforeInvocationID,
	})
}

// Ask is a convenience wrapper: it runs one invocation with a text
// message and returns the final response text.
func (r *Runner) Ask(ctx context.Context, userID, sessionID, message string) (string, error) {
	var finalText string
	for event, err := range r.Run(ctx, &RunRequest{
		UserID:    userID,
		SessionID: sessionID,
		Content:   agent.NewTextContent(message, agent.RoleUser),
	}) {
		if err != nil {
			return "", err
		}
		if event.Partial {
			continue
		}
		if event.IsFinalResponse() && event.Content != nil {
			if text := event.Content.Text(); text != "" {
				finalText = text
			}
		}
	}
	return finalText, nil
}

// structuredAgent is implemented by agents that enforce a JSON schema on
// their final response.
type structuredAgent interface {
	OutputSchema() map[string]any
}

// AskStructured runs one invocation like Ask, but when the root agent
// declares an output schema the final response is returned parsed
// (typically a map[string]any). Without a schema the raw text is
// returned.
func (r *Runner) AskStructured(ctx context.Context, userID, sessionID, message string) (any, error) {
	text, err := r.Ask(ctx, userID, sessionID, message)
	if err != nil {
		return nil, err
	}
	sa, ok := r.root.(structuredAgent)
	if !ok || sa.OutputSchema() == nil {
		return text, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("structured response is not valid JSON: %w", err)
	}
	return parsed, nil
}
