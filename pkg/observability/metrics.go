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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the Prometheus metrics pipeline.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Port for the /metrics endpoint when served standalone.
	Port int `yaml:"port"`
}

// Metrics records runtime counters and latencies. The zero value is a
// no-op, so callers never guard recording.
type Metrics struct {
	invocationCount   metric.Int64Counter
	invocationErrors  metric.Int64Counter
	invocationLatency metric.Float64Histogram

	llmLatency      metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	toolCalls   metric.Int64Counter
	toolErrors  metric.Int64Counter
	toolLatency metric.Float64Histogram
}

// InitMetrics creates the metrics pipeline backed by the OTel Prometheus
// exporter. Disabled config yields no-op metrics.
func InitMetrics(_ context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("observability: create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("nestor")

	m := &Metrics{}
	if m.invocationCount, err = meter.Int64Counter(
		"nestor_invocations_total",
		metric.WithDescription("Total runner invocations"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.invocationErrors, err = meter.Int64Counter(
		"nestor_invocation_errors_total",
		metric.WithDescription("Total failed runner invocations"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.invocationLatency, err = meter.Float64Histogram(
		"nestor_invocation_duration_seconds",
		metric.WithDescription("Runner invocation duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.llmLatency, err = meter.Float64Histogram(
		"nestor_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"nestor_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"nestor_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.llmErrors, err = meter.Int64Counter(
		"nestor_llm_errors_total",
		metric.WithDescription("Total LLM request errors"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"nestor_tool_calls_total",
		metric.WithDescription("Total tool executions"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.toolErrors, err = meter.Int64Counter(
		"nestor_tool_errors_total",
		metric.WithDescription("Total failed tool executions"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	if m.toolLatency, err = meter.Float64Histogram(
		"nestor_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("observability: create instrument: %w", err)
	}
	return m, nil
}

// Handler returns the HTTP handler serving /metrics for the default
// Prometheus registry, which the OTel exporter registers into.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordInvocation records one runner invocation.
func (m *Metrics) RecordInvocation(ctx context.Context, agentName string, duration time.Duration, err error) {
	if m == nil || m.invocationCount == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent", agentName))
	m.invocationCount.Add(ctx, 1, attrs)
	m.invocationLatency.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.invocationErrors.Add(ctx, 1, attrs)
	}
}

// RecordLLMCall records one model request with its token usage.
func (m *Metrics) RecordLLMCall(ctx context.Context, modelName string, inputTokens, outputTokens int64, duration time.Duration, err error) {
	if m == nil || m.llmLatency == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", modelName))
	m.llmLatency.Record(ctx, duration.Seconds(), attrs)
	if inputTokens > 0 {
		m.llmInputTokens.Add(ctx, inputTokens, attrs)
	}
	if outputTokens > 0 {
		m.llmOutputTokens.Add(ctx, outputTokens, attrs)
	}
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(ctx context.Context, toolName string, duration time.Duration, err error) {
	if m == nil || m.toolCalls == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", toolName))
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolLatency.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

var (
	globalMu      sync.RWMutex
	globalMetrics = &Metrics{}
)

// SetGlobalMetrics installs the process-wide metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if m == nil {
		m = &Metrics{}
	}
	globalMetrics = m
}

// GlobalMetrics returns the process-wide metrics instance, never nil.
func GlobalMetrics() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}
