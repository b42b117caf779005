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

// Package session persists conversation sessions and their event streams.
//
// A session is an append-only ordered event log plus scoped key-value
// state for one (app, user, session) triple. State scopes are picked by
// key prefix: "app:" is shared across all of an app's sessions, "user:"
// across one user's sessions, "temp:" lives for a single invocation and
// is never persisted, and unprefixed keys are session-local.
//
// State deltas attached to events are applied atomically with the event
// append; replaying every delta from the initial state always yields the
// current state, which is what makes rewind possible.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/nestor-ai/nestor/pkg/agent"
)

// State key prefixes selecting the scope a key lives in.
const (
	KeyPrefixApp  = "app:"
	KeyPrefixUser = "user:"
	KeyPrefixTemp = "temp:"
)

var (
	// ErrSessionNotFound is returned when a session id does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionEnded is returned when appending to an ended session.
	ErrSessionEnded = errors.New("session has ended")

	// ErrStateKeyNotExist is returned when a state key is absent.
	ErrStateKeyNotExist = errors.New("state key does not exist")
)

// Lifecycle is the session lifecycle state.
type Lifecycle string

const (
	LifecycleActive Lifecycle = "active"
	LifecycleEnded  Lifecycle = "ended"
)

// Session is a stored conversation session.
type Session interface {
	agent.Session

	// LastUpdateTime returns the time of the last append.
	LastUpdateTime() time.Time

	// Lifecycle returns the session lifecycle state.
	Lifecycle() Lifecycle
}

// EndHook runs when a session is ended. The memory subsystem registers
// one to capture the session into long-term memory.
type EndHook func(ctx context.Context, sess Session)

// AppendHook runs after each non-partial event append. Used for
// message-count memory triggers and compaction checks.
type AppendHook func(ctx context.Context, sess Session, event *agent.Event)

// Service is the session store contract.
type Service interface {
	// Create allocates a new session, optionally seeding state.
	Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)

	// Get fetches a session. Event filters in the request cap what is
	// loaded; state always reflects the full history.
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)

	// List returns session summaries without event arrays.
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)

	// Delete removes a session and its events.
	Delete(ctx context.Context, req *DeleteRequest) error

	// End flips the session lifecycle to ended and fires end hooks.
	End(ctx context.Context, req *EndRequest) error

	// AppendEvent applies the event's state delta (minus temp keys),
	// persists the event and bumps LastUpdateTime. Partial events are
	// returned unchanged without persistence.
	AppendEvent(ctx context.Context, req *AppendEventRequest) (*AppendEventResponse, error)

	// Rewind drops every event from the first event of the given
	// invocation onward and recomputes session state by replaying the
	// surviving deltas.
	Rewind(ctx context.Context, req *RewindRequest) error

	// RegisterEndHook adds a hook fired by End.
	RegisterEndHook(hook EndHook)

	// RegisterAppendHook adds a hook fired after each persisted append.
	RegisterAppendHook(hook AppendHook)
}

// CreateRequest creates a session. ID is optional; one is generated when
// empty.
type CreateRequest struct {
	AppName      string
	UserID       string
	SessionID    string
	InitialState map[string]any
}

type CreateResponse struct {
	Session Session
}

// GetRequest fetches a session. MaxEvents keeps only the most recent N
// events; After drops events at or before the given time.
type GetRequest struct {
	AppName   string
	UserID    string
	SessionID string
	MaxEvents int
	After     time.Time
}

type GetResponse struct {
	Session Session
}

type ListRequest struct {
	AppName string
	UserID  string
}

type ListResponse struct {
	Sessions []Session
}

type DeleteRequest struct {
	AppName   string
	UserID    string
	SessionID string
}

type EndRequest struct {
	AppName   string
	UserID    string
	SessionID string
}

type AppendEventRequest struct {
	Session Session
	Event   *agent.Event
}

type AppendEventResponse struct {
	Event *agent.Event
}

// RewindRequest truncates a session before the given invocation.
type RewindRequest struct {
	AppName            string
	UserID             string
	SessionID          string
	BeforeInvocationID string
}

// ScopeOf returns the scope prefix of a state key ("app:", "user:",
// "temp:" or "" for session scope).
func ScopeOf(key string) string {
	for _, prefix := range []string{KeyPrefixApp, KeyPrefixUser, KeyPrefixTemp} {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return prefix
		}
	}
	return ""
}
