// Package registry manages MCP server registrations for a CPA practice:
// registering servers, discovering their tools, tracking health status, and
// removing them individually or in bulk — including purging registrations out
// of a host AI CLI's settings file.
package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// Sentinel errors shared by all store implementations.
var (
	ErrServerExists   = errors.New("server already registered")
	ErrServerNotFound = errors.New("server not found")
)

// Status indicates registry-level availability of a server.
type Status string

const (
	StatusReady      Status = "ready"
	StatusUnhealthy  Status = "unhealthy"
	StatusDisabled   Status = "disabled"
	StatusUnverified Status = "unverified"
)

// Category groups servers by the practice function they serve.
type Category string

const (
	CategoryAccounting    Category = "accounting"
	CategoryDocuments     Category = "documents"
	CategoryCommunication Category = "communication"
	CategoryDevTools      Category = "devtools"
	CategoryOther         Category = "other"
)

// KnownCategories lists every accepted category value.
var KnownCategories = []Category{
	CategoryAccounting,
	CategoryDocuments,
	CategoryCommunication,
	CategoryDevTools,
	CategoryOther,
}

// TransportKind selects how a server is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
)

// TransportSpec describes how to connect to a registered server.
type TransportSpec struct {
	Kind      TransportKind     `json:"kind"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty"`
}

// ToolInfo is a discovered tool on a registered server.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HealthPolicy holds optional per-server health-check settings.
type HealthPolicy struct {
	IntervalSeconds    int `json:"interval_seconds,omitempty"`
	TimeoutMS          int `json:"timeout_ms,omitempty"`
	UnhealthyThreshold int `json:"unhealthy_threshold,omitempty"`
}

// ServerRegistration is the persisted record for one MCP server.
type ServerRegistration struct {
	Name            string        `json:"name"`
	Category        Category      `json:"category,omitempty"`
	Transport       TransportSpec `json:"transport"`
	Status          Status        `json:"status"`
	Enabled         bool          `json:"enabled,omitempty"`
	Tools           []ToolInfo    `json:"tools,omitempty"`
	ServerName      string        `json:"server_name,omitempty"`
	ServerVersion   string        `json:"server_version,omitempty"`
	Health          *HealthPolicy `json:"health,omitempty"`
	RegisteredAt    time.Time     `json:"registered_at,omitempty"`
	LastHealthCheck time.Time     `json:"last_health_check,omitempty"`
	HealthFailures  int           `json:"health_failures,omitempty"`
}

// ToolNames returns discovered tool names in deterministic order.
func (r ServerRegistration) ToolNames() []string {
	names := make([]string, 0, len(r.Tools))
	for _, tool := range r.Tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	return names
}

// Store abstracts persistence for CLI (file) and daemon (SQLite) modes.
type Store interface {
	List(ctx context.Context) ([]ServerRegistration, error)
	Get(ctx context.Context, name string) (ServerRegistration, bool, error)
	Upsert(ctx context.Context, reg ServerRegistration) error
	Delete(ctx context.Context, name string) error
}

func sortRegistrations(regs []ServerRegistration) {
	slices.SortFunc(regs, func(a, b ServerRegistration) int {
		return strings.Compare(a.Name, b.Name)
	})
}

func cloneRegistrations(in []ServerRegistration) []ServerRegistration {
	out := make([]ServerRegistration, len(in))
	for i := range in {
		out[i] = cloneRegistration(in[i])
	}
	return out
}

func cloneRegistration(in ServerRegistration) ServerRegistration {
	out := in
	out.Transport = cloneTransportSpec(in.Transport)
	if in.Tools != nil {
		out.Tools = slices.Clone(in.Tools)
	}
	if in.Health != nil {
		health := *in.Health
		out.Health = &health
	}
	return out
}

func cloneTransportSpec(in TransportSpec) TransportSpec {
	out := in
	if in.Args != nil {
		out.Args = slices.Clone(in.Args)
	}
	out.Env = cloneStringMap(in.Env)
	out.Headers = cloneStringMap(in.Headers)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
