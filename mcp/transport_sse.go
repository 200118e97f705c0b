package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SSETransportConfig configures an HTTP endpoint transport. Timeout bounds
// each POST when no HTTPClient is supplied.
type SSETransportConfig struct {
	Endpoint   string
	Headers    map[string]string
	Timeout    time.Duration
	HTTPClient *http.Client
	QueueLimit int
}

// SSETransport posts JSON-RPC messages to an HTTP endpoint. Replies arrive
// either as a plain JSON body or as a text/event-stream carrying JSON-RPC
// messages in data fields; both are queued for Receive.
type SSETransport struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
	inbox    *inbox

	mu     sync.Mutex
	closed bool
}

// NewSSETransport creates an endpoint-backed MCP transport.
func NewSSETransport(cfg SSETransportConfig) (*SSETransport, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("mcp: sse endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("mcp: sse endpoint %q must be http(s)", endpoint)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &SSETransport{
		endpoint: endpoint,
		headers:  cfg.Headers,
		client:   client,
		inbox:    newInbox(cfg.QueueLimit),
	}, nil
}

// Send posts one JSON-RPC message and queues whatever replies come back.
func (t *SSETransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mcp: sse build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for name, value := range t.headers {
		req.Header.Set(name, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: sse post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mcp: sse endpoint returned %s", resp.Status)
	}

	replies, err := decodeReplies(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		return err
	}
	for _, reply := range replies {
		if err := t.inbox.put(reply); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the next queued server message.
func (t *SSETransport) Receive(ctx context.Context) (Message, error) {
	return t.inbox.get(ctx)
}

// Close marks the transport closed. Idempotent.
func (t *SSETransport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.inbox.shutdown()
	return nil
}

// decodeReplies parses a POST response body: an SSE event stream, a single
// JSON-RPC message, or an empty acknowledgement.
func decodeReplies(contentType string, body io.Reader) ([]Message, error) {
	if strings.HasPrefix(contentType, "text/event-stream") {
		return decodeEventStream(body)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("mcp: sse read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return nil, fmt.Errorf("mcp: sse decode response: %w", err)
	}
	return []Message{message}, nil
}

// decodeEventStream extracts JSON-RPC messages from SSE data fields. Events
// are delimited by blank lines; event, id, retry, and comment lines are
// ignored.
func decodeEventStream(body io.Reader) ([]Message, error) {
	var (
		replies []Message
		data    strings.Builder
	)
	flush := func() error {
		payload := strings.TrimSpace(data.String())
		data.Reset()
		if payload == "" {
			return nil
		}
		var message Message
		if err := json.Unmarshal([]byte(payload), &message); err != nil {
			return fmt.Errorf("mcp: sse decode event: %w", err)
		}
		replies = append(replies, message)
		return nil
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			data.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mcp: sse read stream: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return replies, nil
}

var _ Transport = (*SSETransport)(nil)
