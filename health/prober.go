package health

import (
	"context"
	"errors"
	"time"

	"github.com/jradfs/cpaagent/registry"
)

const defaultProbeTimeout = 10 * time.Second

// MCPProberConfig configures the MCP prober.
type MCPProberConfig struct {
	Dialer  registry.Dialer
	Timeout time.Duration
	Now     func() time.Time
}

// MCPProber dials a server, completes the initialize handshake, and pings it.
// A server that answers the ping within the timeout is healthy.
type MCPProber struct {
	dialer  registry.Dialer
	timeout time.Duration
	now     func() time.Time
}

// NewMCPProber creates an MCP prober.
func NewMCPProber(cfg MCPProberConfig) (*MCPProber, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = registry.DefaultDialer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &MCPProber{
		dialer:  cfg.Dialer,
		timeout: cfg.Timeout,
		now:     cfg.Now,
	}, nil
}

// Probe connects to the server and pings it. The returned report carries the
// handshake-plus-ping latency. Probe errors are recorded in the report, not
// returned; the error return is reserved for invalid input.
func (p *MCPProber) Probe(ctx context.Context, reg registry.ServerRegistration) (Report, error) {
	if p == nil {
		return Report{}, errors.New("health: prober is nil")
	}

	timeout := p.timeout
	if reg.Health != nil && reg.Health.TimeoutMS > 0 {
		timeout = time.Duration(reg.Health.TimeoutMS) * time.Millisecond
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report := Report{
		ServerName: reg.Name,
		CheckedAt:  p.now(),
	}

	started := time.Now()
	session, err := p.dialer(probeCtx, reg.Transport)
	if err != nil {
		report.State = StateUnhealthy
		report.ErrorMessage = err.Error()
		return report, nil
	}
	defer func() {
		_ = session.Close(ctx)
	}()

	if _, err := session.Initialize(probeCtx); err != nil {
		report.State = StateUnhealthy
		report.ErrorMessage = err.Error()
		return report, nil
	}
	if err := session.Ping(probeCtx); err != nil {
		report.State = StateUnhealthy
		report.ErrorMessage = err.Error()
		return report, nil
	}

	report.State = StateHealthy
	report.LatencyMS = time.Since(started).Milliseconds()
	return report, nil
}

var _ Prober = (*MCPProber)(nil)
