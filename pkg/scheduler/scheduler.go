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

// Package scheduler runs recurring agent invocations.
//
// Each job ticks on its own interval and sends a fixed input message to
// a session through the runner. A tick that arrives while the previous
// run is still in flight is skipped, never queued.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nestor-ai/nestor/pkg/runner"
)

// EventType is a job lifecycle event type.
type EventType string

const (
	EventScheduled EventType = "scheduled"
	EventTriggered EventType = "triggered"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventExhausted EventType = "exhausted"
	EventStopped   EventType = "stopped"
)

// Event is one job lifecycle notification.
type Event struct {
	Type      EventType
	JobID     string
	Timestamp time.Time

	// Output is the final response text on EventCompleted.
	Output string

	// Err is set on EventFailed.
	Err error
}

// JobConfig describes a recurring invocation.
type JobConfig struct {
	// ID must be unique within the scheduler.
	ID string

	// Interval between runs (required).
	Interval time.Duration

	// UserID and SessionID locate the target session.
	UserID    string
	SessionID string

	// Input is the message sent on every run.
	Input string

	// MaxExecutions stops the job after N runs. Zero means unlimited.
	MaxExecutions int

	// Enabled jobs start ticking immediately; disabled jobs only run
	// via TriggerNow.
	Enabled bool
}

type job struct {
	cfg        JobConfig
	executions int
	running    bool
	stop       chan struct{}
	stopped    bool
}

// Scheduler owns a set of jobs and their tickers.
type Scheduler struct {
	runner *runner.Runner

	mu   sync.Mutex
	jobs map[string]*job

	subMu       sync.Mutex
	subscribers []chan Event

	wg       sync.WaitGroup
	shutdown bool
}

// New creates a scheduler against a runner.
func New(r *runner.Runner) *Scheduler {
	return &Scheduler{
		runner: r,
		jobs:   make(map[string]*job),
	}
}

// Subscribe returns a channel of lifecycle events. Slow subscribers drop
// events rather than blocking job execution.
func (s *Scheduler) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Scheduler) publish(event Event) {
	event.Timestamp = time.Now()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Schedule registers a job and starts its ticker when enabled.
func (s *Scheduler) Schedule(cfg JobConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("scheduler: job id is required")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("scheduler: job '%s': interval must be positive", cfg.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return fmt.Errorf("scheduler: stopped")
	}
	if _, exists := s.jobs[cfg.ID]; exists {
		return fmt.Errorf("scheduler: job '%s' already scheduled", cfg.ID)
	}

	j := &job{cfg: cfg, stop: make(chan struct{})}
	s.jobs[cfg.ID] = j

	if cfg.Enabled {
		s.wg.Add(1)
		go s.tickLoop(j)
	}
	s.publish(Event{Type: EventScheduled, JobID: cfg.ID})
	return nil
}

// Unschedule stops and removes a job.
func (s *Scheduler) Unschedule(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
		if !j.stopped {
			j.stopped = true
			close(j.stop)
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("scheduler: job '%s' not found", id)
	}
	s.publish(Event{Type: EventStopped, JobID: id})
	return nil
}

// TriggerNow runs a job immediately, subject to the same non-overlap
// rule as ticks.
func (s *Scheduler) TriggerNow(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: job '%s' not found", id)
	}
	s.runJob(j)
	return nil
}

func (s *Scheduler) tickLoop(j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			s.runJob(j)
		}
	}
}

// runJob executes one run. Overlapping invocations are skipped and
// exhausted jobs are stopped.
func (s *Scheduler) runJob(j *job) {
	s.mu.Lock()
	if j.running {
		s.mu.Unlock()
		slog.Debug("skipping tick, previous run still in flight", "job_id", j.cfg.ID)
		return
	}
	if j.cfg.MaxExecutions > 0 && j.executions >= j.cfg.MaxExecutions {
		s.mu.Unlock()
		return
	}
	j.running = true
	j.executions++
	execution := j.executions
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		j.running = false
		exhausted := j.cfg.MaxExecutions > 0 && j.executions >= j.cfg.MaxExecutions
		if exhausted && !j.stopped {
			j.stopped = true
			close(j.stop)
		}
		s.mu.Unlock()
		if exhausted {
			s.publish(Event{Type: EventExhausted, JobID: j.cfg.ID})
		}
	}()

	s.publish(Event{Type: EventTriggered, JobID: j.cfg.ID})

	output, err := s.runner.Ask(context.Background(), j.cfg.UserID, j.cfg.SessionID, j.cfg.Input)
	if err != nil {
		slog.Warn("scheduled job failed",
			"job_id", j.cfg.ID,
			"execution", execution,
			"error", err)
		s.publish(Event{Type: EventFailed, JobID: j.cfg.ID, Err: err})
		return
	}
	s.publish(Event{Type: EventCompleted, JobID: j.cfg.ID, Output: output})
}

// Stop halts every ticker, marks the halted jobs stopped and waits for
// in-flight runs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	var halted []string
	for _, j := range s.jobs {
		if !j.stopped {
			j.stopped = true
			close(j.stop)
			halted = append(halted, j.cfg.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range halted {
		s.publish(Event{Type: EventStopped, JobID: id})
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: drain interrupted: %w", ctx.Err())
	}
}
