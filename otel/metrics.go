package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jradfs/cpaagent/audit"
	"github.com/jradfs/cpaagent/health"
	"github.com/jradfs/cpaagent/registry"
)

// Metrics records platform-level counters and histograms: tool calls against
// registered servers, health transitions, and document throughput.
type Metrics struct {
	toolCalls          metric.Int64Counter
	toolFailures       metric.Int64Counter
	toolDuration       metric.Float64Histogram
	healthTransitions  metric.Int64Counter
	documentsProcessed metric.Int64Counter
	runDuration        metric.Float64Histogram
}

// NewMetrics creates the platform instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	toolCalls, err := meter.Int64Counter("cpaagent.tool.calls",
		metric.WithDescription("Number of MCP tool calls"),
	)
	if err != nil {
		return nil, err
	}

	toolFailures, err := meter.Int64Counter("cpaagent.tool.failures",
		metric.WithDescription("Number of failed MCP tool calls"),
	)
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("cpaagent.tool.duration",
		metric.WithDescription("Duration of MCP tool calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	healthTransitions, err := meter.Int64Counter("cpaagent.health.transitions",
		metric.WithDescription("Number of server health status transitions"),
	)
	if err != nil {
		return nil, err
	}

	documentsProcessed, err := meter.Int64Counter("cpaagent.documents.processed",
		metric.WithDescription("Number of documents run through the processor"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("cpaagent.workflow.run.duration",
		metric.WithDescription("Duration of workflow runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		toolCalls:          toolCalls,
		toolFailures:       toolFailures,
		toolDuration:       toolDuration,
		healthTransitions:  healthTransitions,
		documentsProcessed: documentsProcessed,
		runDuration:        runDuration,
	}, nil
}

// HandleRegistryEvent records tool call metrics from registry manager events.
// It satisfies registry.EventHandler.
func (m *Metrics) HandleRegistryEvent(e registry.Event) {
	if e.Kind != registry.EventToolCalled {
		return
	}

	ctx := context.Background()
	tool, _ := e.Detail["tool"].(string)
	attrs := metric.WithAttributes(
		attribute.String("server", e.Server),
		attribute.String("tool", tool),
	)

	m.toolCalls.Add(ctx, 1, attrs)
	if _, failed := e.Detail["error"]; failed {
		m.toolFailures.Add(ctx, 1, attrs)
	}
	if ms, ok := e.Detail["duration_ms"].(int64); ok {
		m.toolDuration.Record(ctx, float64(ms)/1000, attrs)
	}
}

// HandleHealthEvent records a health status transition. It satisfies
// health.EventHandler.
func (m *Metrics) HandleHealthEvent(e health.Event) {
	m.healthTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", e.Server),
		attribute.String("from", string(e.PreviousStatus)),
		attribute.String("to", string(e.Status)),
	))
}

// RecordDocument counts one processed document.
func (m *Metrics) RecordDocument(ctx context.Context, docType, status string) {
	m.documentsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", docType),
		attribute.String("status", status),
	))
}

// RecordRun records a finished workflow run.
func (m *Metrics) RecordRun(ctx context.Context, workflow, status string, elapsed time.Duration) {
	m.runDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	))
}

// HandleAuditEvent turns audit trail entries into metrics. Document
// processing and finished workflow runs are counted here so every producer
// that writes the trail also feeds the instruments.
func (m *Metrics) HandleAuditEvent(e audit.Event) {
	ctx := context.Background()
	switch e.Kind {
	case audit.KindDocumentProcessed:
		docType, _ := e.Detail["type"].(string)
		status, _ := e.Detail["status"].(string)
		m.RecordDocument(ctx, docType, status)
	case audit.KindRunFinished:
		status, _ := e.Detail["status"].(string)
		var elapsed time.Duration
		if ms, ok := e.Detail["duration_ms"].(int64); ok {
			elapsed = time.Duration(ms) * time.Millisecond
		}
		m.RecordRun(ctx, e.Subject, status, elapsed)
	}
}
