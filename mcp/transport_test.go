package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const stdioServerEnv = "MCP_STDIO_SERVER"

// TestMain doubles as a scripted MCP stdio server when the transport tests
// re-execute the test binary.
func TestMain(m *testing.M) {
	switch os.Getenv(stdioServerEnv) {
	case "serve":
		runScriptedServer()
	case "exit":
		fmt.Fprintln(os.Stderr, "refusing to start: missing realm credentials")
		os.Exit(3)
	default:
		os.Exit(m.Run())
	}
}

// runScriptedServer answers initialize, ping, and tools/list well enough to
// complete a real session over the stdio pipes.
func runScriptedServer() {
	decoder := json.NewDecoder(os.Stdin)
	encoder := json.NewEncoder(os.Stdout)
	for {
		var request Message
		if err := decoder.Decode(&request); err != nil {
			os.Exit(0)
		}
		if request.ID == 0 {
			continue
		}

		reply := Message{JSONRPC: jsonRPCVersion, ID: request.ID}
		switch request.Method {
		case methodInitialize:
			reply.Result, _ = json.Marshal(InitializeResult{
				ProtocolVersion: ProtocolVersion,
				ServerInfo:      ServerInfo{Name: "scripted-ledger", Version: "0.1.0"},
			})
		case methodPing:
			reply.Result = json.RawMessage(`{}`)
		case methodToolsList:
			// Stray notification ahead of the reply; clients must skip it.
			_ = encoder.Encode(Message{JSONRPC: jsonRPCVersion, Method: "notifications/progress"})
			reply.Result, _ = json.Marshal(ToolsListResult{
				Tools: []Tool{{Name: "query_transactions", Description: "Query ledger transactions"}},
			})
		default:
			reply.Error = &RPCError{Code: -32601, Message: "method not found"}
		}
		if err := encoder.Encode(reply); err != nil {
			os.Exit(2)
		}
	}
}

func newScriptedTransport(t *testing.T, mode string, cfg StdioTransportConfig) *StdioTransport {
	t.Helper()
	cfg.Command = os.Args[0]
	cfg.Env = map[string]string{stdioServerEnv: mode}
	transport, err := NewStdioTransport(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewStdioTransport() error = %v", err)
	}
	t.Cleanup(func() { _ = transport.Close(context.Background()) })
	return transport
}

func TestStdioTransportFullSession(t *testing.T) {
	transport := newScriptedTransport(t, "serve", StdioTransportConfig{})
	client := NewClient(transport, Options{})

	ctx := context.Background()
	result, err := client.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if result.ServerInfo.Name != "scripted-ledger" {
		t.Errorf("ServerInfo.Name = %q, want scripted-ledger", result.ServerInfo.Name)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "query_transactions" {
		t.Errorf("Tools = %+v, want query_transactions", tools.Tools)
	}

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestStdioTransportServerExitSurfacesStderr(t *testing.T) {
	transport := newScriptedTransport(t, "exit", StdioTransportConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := transport.Receive(ctx)
	if err == nil {
		t.Fatal("Receive() error = nil, want process exit error")
	}
	if !strings.Contains(err.Error(), "exited") {
		t.Errorf("error = %v, want exit reported", err)
	}
	if !strings.Contains(err.Error(), "missing realm credentials") {
		t.Errorf("error = %v, want stderr tail included", err)
	}
}

func TestStdioTransportReceiveTimeout(t *testing.T) {
	transport := newScriptedTransport(t, "serve", StdioTransportConfig{
		Timeout: 50 * time.Millisecond,
	})

	// The scripted server never speaks unprompted.
	_, err := transport.Receive(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive() error = %v, want deadline exceeded", err)
	}
}

func TestStdioTransportRequiresCommand(t *testing.T) {
	if _, err := NewStdioTransport(context.Background(), StdioTransportConfig{Command: "  "}); err == nil {
		t.Fatal("NewStdioTransport() error = nil, want command required")
	}
}

func TestStdioTransportSendAfterClose(t *testing.T) {
	transport := newScriptedTransport(t, "serve", StdioTransportConfig{})
	if err := transport.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := transport.Send(context.Background(), Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() after Close error = %v, want ErrClosed", err)
	}
}

func TestInboxOverflow(t *testing.T) {
	box := newInbox(1)
	if err := box.put(Message{ID: 1}); err != nil {
		t.Fatalf("put() error = %v", err)
	}
	if err := box.put(Message{ID: 2}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("put() over limit error = %v, want ErrQueueFull", err)
	}

	ctx := context.Background()
	message, err := box.get(ctx)
	if err != nil || message.ID != 1 {
		t.Fatalf("get() = %+v, %v, want buffered message first", message, err)
	}
	if _, err := box.get(ctx); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("get() after overflow error = %v, want ErrQueueFull", err)
	}
}

func TestSSETransportJSONReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Realm"); got != "12345" {
			http.Error(w, "missing realm header", http.StatusForbidden)
			return
		}
		var request Message
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Message{
			JSONRPC: jsonRPCVersion,
			ID:      request.ID,
			Result:  json.RawMessage(`{"pong":true}`),
		})
	}))
	defer server.Close()

	transport, err := NewSSETransport(SSETransportConfig{
		Endpoint: server.URL,
		Headers:  map[string]string{"X-Realm": "12345"},
	})
	if err != nil {
		t.Fatalf("NewSSETransport() error = %v", err)
	}
	defer transport.Close(context.Background())

	ctx := context.Background()
	if err := transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: 7, Method: methodPing}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if reply.ID != 7 {
		t.Fatalf("reply id = %d, want 7", reply.ID)
	}
}

func TestSSETransportEventStreamReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request Message
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		payload, _ := json.Marshal(Message{
			JSONRPC: jsonRPCVersion,
			ID:      request.ID,
			Result:  json.RawMessage(`{"ok":true}`),
		})
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, ": keepalive\nevent: message\ndata: %s\n\n", payload)
	}))
	defer server.Close()

	transport, err := NewSSETransport(SSETransportConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("NewSSETransport() error = %v", err)
	}
	defer transport.Close(context.Background())

	ctx := context.Background()
	if err := transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: 3, Method: methodToolsList}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if reply.ID != 3 {
		t.Fatalf("reply id = %d, want 3", reply.ID)
	}
}

func TestSSETransportRejectsBadEndpoint(t *testing.T) {
	cases := []string{"", "   ", "ftp://mcp.local", "quickbooks-mcp.local"}
	for _, endpoint := range cases {
		if _, err := NewSSETransport(SSETransportConfig{Endpoint: endpoint}); err == nil {
			t.Errorf("NewSSETransport(%q) error = nil, want endpoint error", endpoint)
		}
	}
}

func TestSSETransportErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	transport, err := NewSSETransport(SSETransportConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("NewSSETransport() error = %v", err)
	}
	defer transport.Close(context.Background())

	err = transport.Send(context.Background(), Message{JSONRPC: jsonRPCVersion, ID: 1, Method: methodPing})
	if err == nil {
		t.Fatal("Send() error = nil, want status error")
	}
}

func TestSSETransportClosedRejectsSend(t *testing.T) {
	transport, err := NewSSETransport(SSETransportConfig{Endpoint: "http://quickbooks-mcp.local/rpc"})
	if err != nil {
		t.Fatalf("NewSSETransport() error = %v", err)
	}
	if err := transport.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := transport.Send(context.Background(), Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() after Close error = %v, want ErrClosed", err)
	}
}

type stubTransport struct {
	failFirstSend bool
	sent          bool
	response      Message
}

func (s *stubTransport) Send(ctx context.Context, message Message) error {
	if s.failFirstSend && !s.sent {
		s.sent = true
		return errors.New("send failed")
	}
	s.sent = true
	return nil
}

func (s *stubTransport) Receive(ctx context.Context) (Message, error) {
	if !s.sent {
		return Message{}, errors.New("nothing sent")
	}
	return s.response, nil
}

func (s *stubTransport) Close(ctx context.Context) error { return nil }

func TestReconnectingTransportRedialsAfterError(t *testing.T) {
	var dials int32
	dialer := func(ctx context.Context) (Transport, error) {
		attempt := atomic.AddInt32(&dials, 1)
		return &stubTransport{
			failFirstSend: attempt == 1,
			response: Message{
				JSONRPC: jsonRPCVersion,
				ID:      9,
				Result:  json.RawMessage(`{"ok":true}`),
			},
		}, nil
	}

	transport, err := NewReconnectingTransport(context.Background(), dialer, ReconnectConfig{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewReconnectingTransport() error = %v", err)
	}
	defer transport.Close(context.Background())

	ctx := context.Background()
	if err := transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: 9, Method: methodToolsList}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if reply.ID != 9 {
		t.Fatalf("reply id = %d, want 9", reply.ID)
	}
	if atomic.LoadInt32(&dials) < 2 {
		t.Fatalf("dial attempts = %d, want >= 2", dials)
	}
}

func TestReconnectingTransportClosedRejectsSend(t *testing.T) {
	dialer := func(ctx context.Context) (Transport, error) {
		return &stubTransport{}, nil
	}
	transport, err := NewReconnectingTransport(context.Background(), dialer, ReconnectConfig{})
	if err != nil {
		t.Fatalf("NewReconnectingTransport() error = %v", err)
	}
	if err := transport.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := transport.Send(context.Background(), Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() after Close error = %v, want ErrClosed", err)
	}
}
