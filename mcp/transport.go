package mcp

import (
	"context"
	"errors"
	"sync"
)

// Transport moves JSON-RPC messages between the client and one MCP server.
type Transport interface {
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

var (
	// ErrClosed reports use of a transport after Close.
	ErrClosed = errors.New("mcp: transport is closed")

	// ErrQueueFull reports that the server produced messages faster than the
	// client drained them.
	ErrQueueFull = errors.New("mcp: receive queue overflow")
)

const (
	defaultQueueLimit = 128
	maxFrameBytes     = 4 << 20
)

// inbox buffers messages a transport has read but the client has not yet
// consumed. Buffered messages drain before a recorded fault or shutdown
// surfaces, so replies that raced a crash are not lost.
type inbox struct {
	limit int

	mu    sync.Mutex
	queue []Message
	fault error
	done  bool
	wake  chan struct{}
}

func newInbox(limit int) *inbox {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &inbox{limit: limit, wake: make(chan struct{}, 1)}
}

func (b *inbox) put(message Message) error {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return ErrClosed
	}
	if len(b.queue) >= b.limit {
		if b.fault == nil {
			b.fault = ErrQueueFull
		}
		b.mu.Unlock()
		b.signal()
		return ErrQueueFull
	}
	b.queue = append(b.queue, message)
	b.mu.Unlock()
	b.signal()
	return nil
}

// fail records the first fault; later calls keep the original.
func (b *inbox) fail(err error) {
	b.mu.Lock()
	if b.fault == nil && !b.done {
		b.fault = err
	}
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) shutdown() {
	b.mu.Lock()
	b.done = true
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) get(ctx context.Context) (Message, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			message := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return message, nil
		}
		fault, done := b.fault, b.done
		b.mu.Unlock()

		if fault != nil {
			return Message{}, fault
		}
		if done {
			return Message{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-b.wake:
		}
	}
}

func (b *inbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
