// Package health runs periodic MCP server health checks and maintains the
// registry status of each registered server.
package health

import (
	"context"
	"time"

	"github.com/jradfs/cpaagent/registry"
)

// State indicates the outcome of a single probe.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// Report is a normalized health snapshot for a single server.
type Report struct {
	ServerName   string    `json:"server_name"`
	State        State     `json:"state"`
	CheckedAt    time.Time `json:"checked_at"`
	LatencyMS    int64     `json:"latency_ms,omitempty"`
	FailureCount int       `json:"failure_count,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Prober checks the health of a registered server.
type Prober interface {
	Probe(ctx context.Context, reg registry.ServerRegistration) (Report, error)
}

// Monitor manages periodic health checks.
type Monitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
