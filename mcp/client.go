// Package mcp is a JSON-RPC 2.0 client for the Model Context Protocol.
// Registered accounting servers are reached over a stdio subprocess or an
// HTTP/SSE endpoint; a reconnecting wrapper redials servers that drop.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultClientName    = "cpaagent"
	defaultClientVersion = "dev"
)

// Options configures client identity, capabilities, and request deadlines.
type Options struct {
	ProtocolVersion string
	ClientInfo      ClientInfo
	Capabilities    map[string]any

	// RequestTimeout bounds each request round-trip. Zero leaves the
	// caller's context as the only limit.
	RequestTimeout time.Duration
}

// Client is an MCP client bound to a single transport.
type Client struct {
	transport Transport
	options   Options
	lastID    atomic.Int64

	mu      sync.Mutex
	session *InitializeResult
}

// NewClient returns a new MCP client for a given transport.
func NewClient(transport Transport, options Options) *Client {
	if options.ProtocolVersion == "" {
		options.ProtocolVersion = ProtocolVersion
	}
	if options.ClientInfo.Name == "" {
		options.ClientInfo.Name = defaultClientName
	}
	if options.ClientInfo.Version == "" {
		options.ClientInfo.Version = defaultClientVersion
	}
	return &Client{transport: transport, options: options}
}

// Initialize negotiates the MCP session and sends the initialized
// notification. An already initialized client returns the cached result.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	if c == nil {
		return InitializeResult{}, errors.New("mcp: client is nil")
	}

	c.mu.Lock()
	if c.session != nil {
		cached := *c.session
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var result InitializeResult
	err := c.roundTrip(ctx, methodInitialize, InitializeParams{
		ProtocolVersion: c.options.ProtocolVersion,
		Capabilities:    maps.Clone(c.options.Capabilities),
		ClientInfo:      c.options.ClientInfo,
	}, &result)
	if err != nil {
		return InitializeResult{}, err
	}

	ready, err := newNotification(methodInitialized, map[string]any{})
	if err != nil {
		return InitializeResult{}, &RequestError{Method: methodInitialized, Err: err}
	}
	if err := c.transport.Send(ctx, ready); err != nil {
		return InitializeResult{}, &RequestError{Method: methodInitialized, Err: err}
	}

	c.mu.Lock()
	c.session = &result
	c.mu.Unlock()
	return result, nil
}

// ServerInfo returns the server identity captured during Initialize.
// The zero value is returned before initialization.
func (c *Client) ServerInfo() ServerInfo {
	if c == nil {
		return ServerInfo{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ServerInfo{}
	}
	return c.session.ServerInfo
}

// Ping issues an MCP ping request. Health probing uses this as the cheapest
// round-trip the protocol offers.
func (c *Client) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, methodPing, map[string]any{}, nil)
}

// ListTools returns server tools from tools/list.
func (c *Client) ListTools(ctx context.Context) (ToolsListResult, error) {
	var result ToolsListResult
	if err := c.roundTrip(ctx, methodToolsList, map[string]any{}, &result); err != nil {
		return ToolsListResult{}, err
	}
	return result, nil
}

// CallTool executes an MCP tool by name with arguments.
func (c *Client) CallTool(ctx context.Context, params ToolsCallParams) (ToolsCallResult, error) {
	var result ToolsCallResult
	if err := c.roundTrip(ctx, methodToolsCall, params, &result); err != nil {
		return ToolsCallResult{}, err
	}
	return result, nil
}

// Close closes the underlying transport. It is safe to call on a nil client.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.transport == nil {
		return nil
	}
	return c.transport.Close(ctx)
}

// roundTrip sends one request and reads until its response arrives. Server
// notifications and replies to other requests are skipped, not buffered;
// this client keeps one request in flight at a time.
func (c *Client) roundTrip(ctx context.Context, method string, params, out any) error {
	if c == nil || c.transport == nil {
		return &RequestError{Method: method, Err: errors.New("transport is nil")}
	}
	if c.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
	}

	id := c.lastID.Add(1)
	request, err := newRequest(id, method, params)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}
	if err := c.transport.Send(ctx, request); err != nil {
		return &RequestError{Method: method, Err: err}
	}

	for {
		reply, err := c.transport.Receive(ctx)
		if err != nil {
			return &RequestError{Method: method, Err: err}
		}
		if reply.JSONRPC != "" && reply.JSONRPC != jsonRPCVersion {
			return &RequestError{Method: method, Err: fmt.Errorf("unsupported jsonrpc version %q", reply.JSONRPC)}
		}
		if !reply.answers(id) {
			continue
		}
		if err := reply.decodeResult(out); err != nil {
			return &RequestError{Method: method, Err: err}
		}
		return nil
	}
}
