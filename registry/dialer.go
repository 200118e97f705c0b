package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jradfs/cpaagent/mcp"
)

const defaultTransportTimeout = 30 * time.Second

// DefaultDialer opens an MCP session for a transport spec using the stock
// transports. Stdio servers get a reconnecting wrapper so a crashed subprocess
// is redialed transparently. The registration's timeout bounds both the
// transport waits and each client round-trip.
func DefaultDialer(ctx context.Context, spec TransportSpec) (Session, error) {
	transport, err := buildTransport(ctx, spec)
	if err != nil {
		return nil, err
	}
	return mcp.NewClient(transport, mcp.Options{
		RequestTimeout: transportTimeout(spec),
	}), nil
}

func buildTransport(ctx context.Context, spec TransportSpec) (mcp.Transport, error) {
	switch spec.Kind {
	case TransportStdio:
		dialer := func(ctx context.Context) (mcp.Transport, error) {
			return mcp.NewStdioTransport(ctx, mcp.StdioTransportConfig{
				Command: spec.Command,
				Args:    spec.Args,
				Env:     spec.Env,
				Timeout: transportTimeout(spec),
			})
		}
		return mcp.NewReconnectingTransport(ctx, dialer, mcp.ReconnectConfig{})
	case TransportSSE:
		return mcp.NewSSETransport(mcp.SSETransportConfig{
			Endpoint: spec.Endpoint,
			Headers:  spec.Headers,
			Timeout:  transportTimeout(spec),
		})
	default:
		return nil, fmt.Errorf("registry: unknown transport kind %q", spec.Kind)
	}
}

func transportTimeout(spec TransportSpec) time.Duration {
	if spec.TimeoutMS > 0 {
		return time.Duration(spec.TimeoutMS) * time.Millisecond
	}
	return defaultTransportTimeout
}
