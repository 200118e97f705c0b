package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockTransport struct {
	mu            sync.Mutex
	closed        bool
	sendErr       error
	receiveErr    error
	responses     []Message
	notifications []Message
	lastRequests  []Message
	handler       func(req Message) Message
}

func (m *mockTransport) Send(ctx context.Context, message Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	if message.Method != "" && message.ID == 0 {
		m.notifications = append(m.notifications, message)
		return nil
	}

	m.lastRequests = append(m.lastRequests, message)
	if m.handler != nil {
		m.responses = append(m.responses, m.handler(message))
	}
	return nil
}

func (m *mockTransport) Receive(ctx context.Context) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.receiveErr != nil {
		return Message{}, m.receiveErr
	}
	if len(m.responses) == 0 {
		return Message{}, errors.New("mock transport: no queued responses")
	}
	response := m.responses[0]
	m.responses = m.responses[1:]
	return response, nil
}

func (m *mockTransport) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func decodeParams(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	params := map[string]any{}
	if len(raw) == 0 {
		return params
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	return params
}

func okHandler(t *testing.T) func(req Message) Message {
	t.Helper()
	return func(req Message) Message {
		switch req.Method {
		case "initialize":
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Result: mustJSON(t, InitializeResult{
					ProtocolVersion: ProtocolVersion,
					ServerInfo:      ServerInfo{Name: "mock-quickbooks", Version: "1.0.0"},
				}),
			}
		case "ping":
			return Message{JSONRPC: jsonRPCVersion, ID: req.ID, Result: mustJSON(t, map[string]any{})}
		case "tools/list":
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Result: mustJSON(t, ToolsListResult{Tools: []Tool{
					{Name: "query_transactions", Description: "Query ledger transactions"},
					{Name: "create_journal_entry"},
				}}),
			}
		case "tools/call":
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Result: mustJSON(t, ToolsCallResult{
					Content: []ContentBlock{{Type: "text", Text: `{"ok":true}`}},
				}),
			}
		default:
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Error:   &RPCError{Code: -32601, Message: "method not found"},
			}
		}
	}
}

func TestClientInitializeCachesResult(t *testing.T) {
	transport := &mockTransport{handler: okHandler(t)}
	client := NewClient(transport, Options{})

	result, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if result.ServerInfo.Name != "mock-quickbooks" {
		t.Fatalf("ServerInfo.Name = %q, want mock-quickbooks", result.ServerInfo.Name)
	}
	if len(transport.notifications) != 1 || transport.notifications[0].Method != "notifications/initialized" {
		t.Fatalf("notifications = %+v, want one notifications/initialized", transport.notifications)
	}

	// Second call must not re-negotiate.
	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if got := len(transport.lastRequests); got != 1 {
		t.Fatalf("requests sent = %d, want 1", got)
	}
	if client.ServerInfo().Name != "mock-quickbooks" {
		t.Fatalf("ServerInfo() = %+v, want cached server identity", client.ServerInfo())
	}
}

func TestClientDefaultsIdentity(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) Message {
			params := decodeParams(t, req.Params)
			clientInfo, _ := params["clientInfo"].(map[string]any)
			if clientInfo["name"] != defaultClientName {
				t.Fatalf("clientInfo.name = %v, want %q", clientInfo["name"], defaultClientName)
			}
			if params["protocolVersion"] != ProtocolVersion {
				t.Fatalf("protocolVersion = %v, want %q", params["protocolVersion"], ProtocolVersion)
			}
			return okHandler(t)(req)
		},
	}

	if _, err := NewClient(transport, Options{}).Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
}

func TestClientPing(t *testing.T) {
	transport := &mockTransport{handler: okHandler(t)}
	client := NewClient(transport, Options{})

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestClientListTools(t *testing.T) {
	transport := &mockTransport{handler: okHandler(t)}
	client := NewClient(transport, Options{})

	result, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(result.Tools) != 2 {
		t.Fatalf("len(Tools) = %d, want 2", len(result.Tools))
	}
	if result.Tools[0].Name != "query_transactions" {
		t.Fatalf("Tools[0].Name = %q, want query_transactions", result.Tools[0].Name)
	}
}

func TestClientCallToolSurfacesRPCError(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) Message {
			return Message{
				JSONRPC: jsonRPCVersion,
				ID:      req.ID,
				Error:   &RPCError{Code: -32000, Message: "realm unavailable"},
			}
		},
	}
	client := NewClient(transport, Options{})

	_, err := client.CallTool(context.Background(), ToolsCallParams{Name: "query_transactions"})
	if err == nil {
		t.Fatal("CallTool() error = nil, want rpc error")
	}

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error type = %T, want *RequestError", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("unwrapped error = %v, want rpc code -32000", err)
	}
}

func TestClientSkipsUnrelatedMessages(t *testing.T) {
	transport := &mockTransport{}
	// Queue a server notification and a stale response ahead of the real one.
	transport.responses = []Message{
		{JSONRPC: jsonRPCVersion, Method: "notifications/progress"},
		{JSONRPC: jsonRPCVersion, ID: 99, Result: mustJSON(t, map[string]any{})},
		{JSONRPC: jsonRPCVersion, ID: 1, Result: mustJSON(t, ToolsListResult{Tools: []Tool{{Name: "ok"}}})},
	}
	client := NewClient(transport, Options{})

	result, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "ok" {
		t.Fatalf("Tools = %+v, want single tool \"ok\"", result.Tools)
	}
}

func TestClientRejectsWrongJSONRPCVersion(t *testing.T) {
	transport := &mockTransport{}
	transport.responses = []Message{{JSONRPC: "1.0", ID: 1}}
	client := NewClient(transport, Options{})

	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("Ping() error = nil, want version error")
	}
}

type silentTransport struct{}

func (silentTransport) Send(ctx context.Context, message Message) error { return nil }

func (silentTransport) Receive(ctx context.Context) (Message, error) {
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (silentTransport) Close(ctx context.Context) error { return nil }

func TestClientRequestTimeout(t *testing.T) {
	client := NewClient(silentTransport{}, Options{RequestTimeout: 30 * time.Millisecond})

	err := client.Ping(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ping() error = %v, want deadline exceeded", err)
	}
}

func TestClientCloseIsNilSafe(t *testing.T) {
	var client *Client
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close() on nil client error = %v", err)
	}

	transport := &mockTransport{}
	if err := NewClient(transport, Options{}).Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !transport.closed {
		t.Fatal("transport not closed")
	}
}
