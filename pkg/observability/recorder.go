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
	"context"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// defaultRecorderCapacity bounds retained spans; the oldest are evicted.
const defaultRecorderCapacity = 4096

// SpanRecord is one finished span as retained by the Recorder.
type SpanRecord struct {
	Name         string
	TraceID      string
	SpanID       string
	ParentSpanID string
	StartTime    time.Time
	EndTime      time.Time
	Attributes   map[string]any
}

// Duration is the span's wall-clock duration.
func (r SpanRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Recorder is a span processor that keeps finished spans in memory,
// queryable by session id. It backs trace inspection in tests and debug
// endpoints without an external collector.
type Recorder struct {
	mu       sync.RWMutex
	capacity int
	spans    []SpanRecord
}

var _ sdktrace.SpanProcessor = (*Recorder)(nil)

// NewRecorder creates a recorder. capacity <= 0 uses the default.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = defaultRecorderCapacity
	}
	return &Recorder{capacity: capacity}
}

// OnStart implements sdktrace.SpanProcessor.
func (r *Recorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

// OnEnd retains the finished span, evicting the oldest at capacity.
func (r *Recorder) OnEnd(s sdktrace.ReadOnlySpan) {
	sc := s.SpanContext()
	record := SpanRecord{
		Name:       s.Name(),
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		StartTime:  s.StartTime(),
		EndTime:    s.EndTime(),
		Attributes: make(map[string]any, len(s.Attributes())),
	}
	if parent := s.Parent(); parent.HasSpanID() {
		record.ParentSpanID = parent.SpanID().String()
	}
	for _, kv := range s.Attributes() {
		record.Attributes[string(kv.Key)] = kv.Value.AsInterface()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, record)
	if len(r.spans) > r.capacity {
		r.spans = r.spans[len(r.spans)-r.capacity:]
	}
}

// Shutdown implements sdktrace.SpanProcessor.
func (r *Recorder) Shutdown(context.Context) error { return nil }

// ForceFlush implements sdktrace.SpanProcessor.
func (r *Recorder) ForceFlush(context.Context) error { return nil }

// TracesForSession returns every retained span whose trace touched the
// session, in finish order. A trace belongs to the session when any of
// its spans carries the session id attribute.
func (r *Recorder) TracesForSession(sessionID string) []SpanRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	traceIDs := make(map[string]bool)
	for _, span := range r.spans {
		if sid, _ := span.Attributes[string(AttrSessionID)].(string); sid == sessionID {
			traceIDs[span.TraceID] = true
		}
	}
	if len(traceIDs) == 0 {
		return nil
	}

	var out []SpanRecord
	for _, span := range r.spans {
		if traceIDs[span.TraceID] {
			out = append(out, span)
		}
	}
	return out
}

// Reset discards all retained spans.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = nil
}
