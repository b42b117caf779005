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

package agent

import (
	"time"

	"github.com/google/uuid"
)

// Event author constants.
const (
	// AuthorUser marks events authored by the user (human input).
	AuthorUser = "user"

	// AuthorSystem marks system-generated events like errors or
	// compaction summaries.
	AuthorSystem = "system"
)

// Event is one immutable step in a session's history. Events are yielded
// by Agent.Run() and persisted by the runner unless Partial.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// InvocationID links this event to its invocation.
	InvocationID string `json:"invocationId"`

	// Branch isolates conversation history for parallel agents.
	// Format: "agent_1.agent_2.agent_3" (parent chain).
	Branch string `json:"branch,omitempty"`

	// Author is the name of the agent that produced this event, or
	// AuthorUser / AuthorSystem.
	Author string `json:"author"`

	// Content is the conversation payload (text, function calls, data).
	Content *Content `json:"content,omitempty"`

	// Actions captures side effects (state deltas, transfers, compaction).
	Actions EventActions `json:"actions,omitempty"`

	// LongRunningToolIDs identifies tools awaiting external completion.
	LongRunningToolIDs []string `json:"longRunningToolIds,omitempty"`

	// Partial indicates a streaming chunk, never persisted.
	Partial bool `json:"partial,omitempty"`

	// TurnComplete indicates the final event of a turn.
	TurnComplete bool `json:"turnComplete,omitempty"`

	// Interrupted indicates the event was cut off by cancellation or
	// timeout, so its content may be incomplete.
	Interrupted bool `json:"interrupted,omitempty"`

	// ErrorCode is a machine-readable error identifier.
	ErrorCode string `json:"errorCode,omitempty"`

	// ErrorMessage is a human-readable error description.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// CustomMetadata for application-specific data.
	CustomMetadata map[string]any `json:"customMetadata,omitempty"`

	// OnPersisted is invoked after the event is persisted to the session.
	// Used by concurrent agents to synchronize with the persistence layer.
	// Not serialized.
	OnPersisted func() `json:"-"`
}

// NewEvent creates an event with a generated ID and current timestamp.
func NewEvent(invocationID string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Actions:      EventActions{StateDelta: make(map[string]any)},
	}
}

// EventActions represents side effects attached to an event.
type EventActions struct {
	// StateDelta contains key-value changes to session state. A nil value
	// records a deletion.
	StateDelta map[string]any `json:"stateDelta,omitempty"`

	// ArtifactDelta tracks artifact writes (filename -> version).
	ArtifactDelta map[string]int64 `json:"artifactDelta,omitempty"`

	// SkipSummarization prevents LLM summarization of tool responses.
	SkipSummarization bool `json:"skipSummarization,omitempty"`

	// TransferToAgent requests control transfer to another agent.
	TransferToAgent string `json:"transferToAgent,omitempty"`

	// Escalate requests escalation to a higher-level agent.
	Escalate bool `json:"escalate,omitempty"`

	// Compaction marks this event as a summary replacing an event range.
	Compaction *Compaction `json:"compaction,omitempty"`
}

// Compaction describes a summarized event window. Request building
// substitutes events in [StartIndex, EndIndex] with Summary.
type Compaction struct {
	Summary    string `json:"summary"`
	StartIndex int    `json:"startIndex"`
	EndIndex   int    `json:"endIndex"`
}

// IsFinalResponse reports whether this event is a final response. Multiple
// events can be final when several agents participate in one invocation.
//
// An event is not final if it carries function calls (awaiting execution),
// function responses (awaiting summarization by the model), or is partial.
func (e *Event) IsFinalResponse() bool {
	if e.Actions.SkipSummarization || len(e.LongRunningToolIDs) > 0 {
		return true
	}
	if e.Partial {
		return false
	}
	if e.HasFunctionCalls() || e.HasFunctionResponses() {
		return false
	}
	return true
}

// HasFunctionCalls reports whether this event requests tool execution.
func (e *Event) HasFunctionCalls() bool {
	return e.Content != nil && len(e.Content.FunctionCalls()) > 0
}

// HasFunctionResponses reports whether this event carries tool results.
func (e *Event) HasFunctionResponses() bool {
	return e.Content != nil && len(e.Content.FunctionResponses()) > 0
}

// TextContent extracts the concatenated text parts of the event.
func (e *Event) TextContent() string {
	return e.Content.Text()
}
