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

package session

import (
	"context"
	"iter"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/agent"
)

// memoryService is the in-memory Service. App and user scoped state is
// shared across the sessions it owns, exactly like the SQL service.
type memoryService struct {
	mu sync.RWMutex

	sessions  map[string]*sessionRecord
	appState  map[string]map[string]any
	userState map[string]map[string]any

	endHooks    []EndHook
	appendHooks []AppendHook
}

// sessionRecord is the stored form of one session.
type sessionRecord struct {
	id           string
	appName      string
	userID       string
	initialState map[string]any
	state        map[string]any
	temp         map[string]any
	events       []*agent.Event
	lastUpdate   time.Time
	lifecycle    Lifecycle
}

// InMemoryService creates an in-memory session service.
func InMemoryService() Service {
	return &memoryService{
		sessions:  make(map[string]*sessionRecord),
		appState:  make(map[string]map[string]any),
		userState: make(map[string]map[string]any),
	}
}

func sessionKey(appName, userID, sessionID string) string {
	return appName + ":" + userID + ":" + sessionID
}

func userKey(appName, userID string) string {
	return appName + ":" + userID
}

func (s *memoryService) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	rec := &sessionRecord{
		id:           id,
		appName:      req.AppName,
		userID:       req.UserID,
		initialState: make(map[string]any),
		state:        make(map[string]any),
		temp:         make(map[string]any),
		lastUpdate:   time.Now(),
		lifecycle:    LifecycleActive,
	}

	for key, val := range req.InitialState {
		switch ScopeOf(key) {
		case KeyPrefixApp:
			s.appStateFor(req.AppName)[key] = val
		case KeyPrefixUser:
			s.userStateFor(req.AppName, req.UserID)[key] = val
		case KeyPrefixTemp:
			// temp keys are request-scoped, never seeded
		default:
			rec.initialState[key] = val
			rec.state[key] = val
		}
	}

	s.sessions[sessionKey(req.AppName, req.UserID, id)] = rec
	return &CreateResponse{Session: s.sessionView(rec, 0, time.Time{})}, nil
}

func (s *memoryService) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionKey(req.AppName, req.UserID, req.SessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &GetResponse{Session: s.sessionView(rec, req.MaxEvents, req.After)}, nil
}

func (s *memoryService) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []Session
	for _, rec := range s.sessions {
		if rec.appName == req.AppName && rec.userID == req.UserID {
			// Summaries carry no events.
			view := s.sessionView(rec, 0, time.Time{})
			view.noEvents = true
			sessions = append(sessions, view)
		}
	}
	return &ListResponse{Sessions: sessions}, nil
}

func (s *memoryService) Delete(ctx context.Context, req *DeleteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(req.AppName, req.UserID, req.SessionID)
	if _, ok := s.sessions[key]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, key)
	return nil
}

func (s *memoryService) End(ctx context.Context, req *EndRequest) error {
	s.mu.Lock()
	rec, ok := s.sessions[sessionKey(req.AppName, req.UserID, req.SessionID)]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	rec.lifecycle = LifecycleEnded
	view := s.sessionView(rec, 0, time.Time{})
	hooks := make([]EndHook, len(s.endHooks))
	copy(hooks, s.endHooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx, view)
	}
	return nil
}

func (s *memoryService) AppendEvent(ctx context.Context, req *AppendEventRequest) (*AppendEventResponse, error) {
	event := req.Event
	if event.Partial {
		return &AppendEventResponse{Event: event}, nil
	}

	s.mu.Lock()
	sess := req.Session
	rec, ok := s.sessions[sessionKey(sess.AppName(), sess.UserID(), sess.ID())]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if rec.lifecycle == LifecycleEnded {
		s.mu.Unlock()
		return nil, ErrSessionEnded
	}

	s.applyDelta(rec, event.Actions.StateDelta)
	rec.events = append(rec.events, event)
	rec.lastUpdate = event.Timestamp
	view := s.sessionView(rec, 0, time.Time{})
	hooks := make([]AppendHook, len(s.appendHooks))
	copy(hooks, s.appendHooks)
	s.mu.Unlock()

	if event.OnPersisted != nil {
		event.OnPersisted()
	}
	for _, hook := range hooks {
		hook(ctx, view, event)
	}
	return &AppendEventResponse{Event: event}, nil
}

func (s *memoryService) Rewind(ctx context.Context, req *RewindRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionKey(req.AppName, req.UserID, req.SessionID)]
	if !ok {
		return ErrSessionNotFound
	}

	cut := len(rec.events)
	for i, event := range rec.events {
		if event.InvocationID == req.BeforeInvocationID {
			cut = i
			break
		}
	}
	rec.events = rec.events[:cut]

	// Session-local state is rebuilt from the initial state plus the
	// surviving deltas. App and user scopes are shared across sessions
	// and are left as they are.
	rec.state = maps.Clone(rec.initialState)
	if rec.state == nil {
		rec.state = make(map[string]any)
	}
	for _, event := range rec.events {
		for key, val := range event.Actions.StateDelta {
			if ScopeOf(key) != "" {
				continue
			}
			if val == nil {
				delete(rec.state, key)
			} else {
				rec.state[key] = val
			}
		}
	}
	rec.temp = make(map[string]any)
	rec.lastUpdate = time.Now()
	return nil
}

func (s *memoryService) RegisterEndHook(hook EndHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endHooks = append(s.endHooks, hook)
}

func (s *memoryService) RegisterAppendHook(hook AppendHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendHooks = append(s.appendHooks, hook)
}

// applyDelta routes delta keys to their scopes, dropping temp keys.
// Callers hold the service lock.
func (s *memoryService) applyDelta(rec *sessionRecord, delta map[string]any) {
	for key, val := range delta {
		var target map[string]any
		switch ScopeOf(key) {
		case KeyPrefixTemp:
			continue
		case KeyPrefixApp:
			target = s.appStateFor(rec.appName)
		case KeyPrefixUser:
			target = s.userStateFor(rec.appName, rec.userID)
		default:
			target = rec.state
		}
		if val == nil {
			delete(target, key)
		} else {
			target[key] = val
		}
	}
}

func (s *memoryService) appStateFor(appName string) map[string]any {
	if s.appState[appName] == nil {
		s.appState[appName] = make(map[string]any)
	}
	return s.appState[appName]
}

func (s *memoryService) userStateFor(appName, userID string) map[string]any {
	key := userKey(appName, userID)
	if s.userState[key] == nil {
		s.userState[key] = make(map[string]any)
	}
	return s.userState[key]
}

// sessionView builds a Session over the live record.
func (s *memoryService) sessionView(rec *sessionRecord, maxEvents int, after time.Time) *memorySession {
	return &memorySession{
		service:   s,
		rec:       rec,
		maxEvents: maxEvents,
		after:     after,
	}
}

// memorySession adapts a sessionRecord to the Session interface. Events
// and state read the live record, so appends made during an invocation
// are visible to views loaded before them.
type memorySession struct {
	service   *memoryService
	rec       *sessionRecord
	maxEvents int
	after     time.Time
	noEvents  bool
}

func (m *memorySession) ID() string      { return m.rec.id }
func (m *memorySession) AppName() string { return m.rec.appName }
func (m *memorySession) UserID() string  { return m.rec.userID }

func (m *memorySession) State() agent.State {
	return &memoryState{service: m.service, rec: m.rec}
}

func (m *memorySession) Events() agent.Events {
	if m.noEvents {
		return &memoryEvents{}
	}

	m.service.mu.RLock()
	events := m.rec.events
	if !m.after.IsZero() {
		idx := 0
		for idx < len(events) && !events[idx].Timestamp.After(m.after) {
			idx++
		}
		events = events[idx:]
	}
	if m.maxEvents > 0 && len(events) > m.maxEvents {
		events = events[len(events)-m.maxEvents:]
	}
	snapshot := make([]*agent.Event, len(events))
	copy(snapshot, events)
	m.service.mu.RUnlock()

	return &memoryEvents{events: snapshot}
}

func (m *memorySession) LastUpdateTime() time.Time {
	m.service.mu.RLock()
	defer m.service.mu.RUnlock()
	return m.rec.lastUpdate
}

func (m *memorySession) Lifecycle() Lifecycle {
	m.service.mu.RLock()
	defer m.service.mu.RUnlock()
	return m.rec.lifecycle
}

// memoryState is the scoped state view over a record.
type memoryState struct {
	service *memoryService
	rec     *sessionRecord
}

func (st *memoryState) Get(key string) (any, error) {
	st.service.mu.RLock()
	defer st.service.mu.RUnlock()

	val, ok := st.scopeMap(key)[key]
	if !ok {
		return nil, ErrStateKeyNotExist
	}
	return val, nil
}

func (st *memoryState) Set(key string, value any) error {
	st.service.mu.Lock()
	defer st.service.mu.Unlock()

	st.scopeMap(key)[key] = value
	return nil
}

func (st *memoryState) Delete(key string) error {
	st.service.mu.Lock()
	defer st.service.mu.Unlock()

	delete(st.scopeMap(key), key)
	return nil
}

func (st *memoryState) All() iter.Seq2[string, any] {
	st.service.mu.RLock()
	merged := make(map[string]any)
	maps.Copy(merged, st.service.appStateFor(st.rec.appName))
	maps.Copy(merged, st.service.userStateFor(st.rec.appName, st.rec.userID))
	maps.Copy(merged, st.rec.state)
	maps.Copy(merged, st.rec.temp)
	st.service.mu.RUnlock()

	return func(yield func(string, any) bool) {
		for key, val := range merged {
			if !yield(key, val) {
				return
			}
		}
	}
}

// ClearTempKeys implements agent.TempClearable.
func (st *memoryState) ClearTempKeys() {
	st.service.mu.Lock()
	defer st.service.mu.Unlock()
	st.rec.temp = make(map[string]any)
}

// scopeMap picks the backing map for a key. Callers hold the lock.
func (st *memoryState) scopeMap(key string) map[string]any {
	switch ScopeOf(key) {
	case KeyPrefixApp:
		return st.service.appStateFor(st.rec.appName)
	case KeyPrefixUser:
		return st.service.userStateFor(st.rec.appName, st.rec.userID)
	case KeyPrefixTemp:
		return st.rec.temp
	default:
		return st.rec.state
	}
}

// memoryEvents is an immutable event snapshot.
type memoryEvents struct {
	events []*agent.Event
}

func (e *memoryEvents) All() iter.Seq[*agent.Event] {
	return func(yield func(*agent.Event) bool) {
		for _, event := range e.events {
			if !yield(event) {
				return
			}
		}
	}
}

func (e *memoryEvents) Len() int { return len(e.events) }

func (e *memoryEvents) At(i int) *agent.Event {
	if i < 0 || i >= len(e.events) {
		return nil
	}
	return e.events[i]
}

var (
	_ Service             = (*memoryService)(nil)
	_ Session             = (*memorySession)(nil)
	_ agent.State         = (*memoryState)(nil)
	_ agent.TempClearable = (*memoryState)(nil)
	_ agent.Events        = (*memoryEvents)(nil)
)
