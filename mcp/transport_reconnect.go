package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TransportDialer creates a new MCP transport connection.
type TransportDialer func(ctx context.Context) (Transport, error)

// ReconnectConfig bounds redial behavior. Backoff doubles per attempt from
// BaseBackoff, capped at MaxBackoff.
type ReconnectConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// ReconnectingTransport wraps a dialed transport and redials it when an
// operation fails, so a crashed stdio server is replaced transparently.
type ReconnectingTransport struct {
	dialer TransportDialer
	cfg    ReconnectConfig

	mu     sync.Mutex
	active Transport
	closed bool
}

// NewReconnectingTransport dials the initial connection and returns the
// redialing wrapper.
func NewReconnectingTransport(ctx context.Context, dialer TransportDialer, cfg ReconnectConfig) (*ReconnectingTransport, error) {
	if dialer == nil {
		return nil, errors.New("mcp: reconnect dialer is nil")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}

	initial, err := dialer(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: dial: %w", err)
	}
	return &ReconnectingTransport{dialer: dialer, cfg: cfg, active: initial}, nil
}

// Send forwards the message, redialing between failed attempts.
func (t *ReconnectingTransport) Send(ctx context.Context, message Message) error {
	return t.withRedial(ctx, "send", func(conn Transport) error {
		return conn.Send(ctx, message)
	})
}

// Receive waits for a message, redialing between failed attempts.
func (t *ReconnectingTransport) Receive(ctx context.Context) (Message, error) {
	var reply Message
	err := t.withRedial(ctx, "receive", func(conn Transport) error {
		var opErr error
		reply, opErr = conn.Receive(ctx)
		return opErr
	})
	if err != nil {
		return Message{}, err
	}
	return reply, nil
}

// Close closes the active connection and disables redialing. Idempotent.
func (t *ReconnectingTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	active := t.active
	t.active = nil
	t.mu.Unlock()

	if active != nil {
		return active.Close(ctx)
	}
	return nil
}

func (t *ReconnectingTransport) withRedial(ctx context.Context, op string, fn func(Transport) error) error {
	var lastErr error
	for attempt := 0; attempt < t.cfg.MaxAttempts; attempt++ {
		conn, err := t.conn()
		if err != nil {
			return err
		}
		if lastErr = fn(conn); lastErr == nil {
			return nil
		}
		if err := t.redial(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("mcp: %s failed after %d attempts: %w", op, t.cfg.MaxAttempts, lastErr)
}

func (t *ReconnectingTransport) conn() (Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.active == nil {
		return nil, errors.New("mcp: no active connection")
	}
	return t.active, nil
}

// redial tears down the active connection, backs off, and installs a fresh
// one unless Close won the race.
func (t *ReconnectingTransport) redial(ctx context.Context, attempt int) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	stale := t.active
	t.active = nil
	t.mu.Unlock()

	if stale != nil {
		_ = stale.Close(ctx)
	}

	backoff := min(t.cfg.BaseBackoff<<attempt, t.cfg.MaxBackoff)
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	fresh, err := t.dialer(ctx)
	if err != nil {
		return fmt.Errorf("mcp: redial attempt %d: %w", attempt+1, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = fresh.Close(ctx)
		return ErrClosed
	}
	t.active = fresh
	t.mu.Unlock()
	return nil
}

var _ Transport = (*ReconnectingTransport)(nil)
