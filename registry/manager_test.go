package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jradfs/cpaagent/mcp"
)

type fakeSession struct {
	mu        sync.Mutex
	initErr   error
	toolsErr  error
	callErr   error
	tools     []mcp.Tool
	callCount int
	closed    bool
}

func (s *fakeSession) Initialize(ctx context.Context) (mcp.InitializeResult, error) {
	if s.initErr != nil {
		return mcp.InitializeResult{}, s.initErr
	}
	return mcp.InitializeResult{
		ServerInfo: mcp.ServerInfo{Name: "fake-server", Version: "2.3.0"},
	}, nil
}

func (s *fakeSession) Ping(ctx context.Context) error { return nil }

func (s *fakeSession) ListTools(ctx context.Context) (mcp.ToolsListResult, error) {
	if s.toolsErr != nil {
		return mcp.ToolsListResult{}, s.toolsErr
	}
	return mcp.ToolsListResult{Tools: s.tools}, nil
}

func (s *fakeSession) CallTool(ctx context.Context, params mcp.ToolsCallParams) (mcp.ToolsCallResult, error) {
	s.mu.Lock()
	s.callCount++
	s.mu.Unlock()
	if s.callErr != nil {
		return mcp.ToolsCallResult{}, s.callErr
	}
	return mcp.ToolsCallResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}},
	}, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type fakeDialer struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeSession
	template fakeSession
}

func (d *fakeDialer) dial(ctx context.Context, spec TransportSpec) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	session := &fakeSession{
		initErr:  d.template.initErr,
		toolsErr: d.template.toolsErr,
		callErr:  d.template.callErr,
		tools:    d.template.tools,
	}
	d.sessions = append(d.sessions, session)
	return session, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func newTestManager(t *testing.T, dialer *fakeDialer) (*Manager, *[]Event) {
	t.Helper()
	var events []Event
	mgr, err := NewManager(ManagerConfig{
		Store:  NewFileStore(filepath.Join(t.TempDir(), "servers.json")),
		Dialer: dialer.dial,
		Now:    func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		OnEvent: func(e Event) {
			events = append(events, e)
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr, &events
}

func stdioRegistration(name string) ServerRegistration {
	return ServerRegistration{
		Name:     name,
		Category: CategoryAccounting,
		Transport: TransportSpec{
			Kind:    TransportStdio,
			Command: "npx",
			Args:    []string{"-y", "@example/" + name},
		},
	}
}

func TestManagerRegisterDiscoversTools(t *testing.T) {
	dialer := &fakeDialer{template: fakeSession{
		tools: []mcp.Tool{
			{Name: "create_invoice", Description: "create an invoice"},
			{Name: "find_account"},
		},
	}}
	mgr, events := newTestManager(t, dialer)

	reg, err := mgr.Register(context.Background(), stdioRegistration("quickbooks"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if reg.Status != StatusReady {
		t.Errorf("Status = %q, want %q", reg.Status, StatusReady)
	}
	if reg.ServerName != "fake-server" || reg.ServerVersion != "2.3.0" {
		t.Errorf("server identity = %q/%q, want fake-server/2.3.0", reg.ServerName, reg.ServerVersion)
	}
	if len(reg.Tools) != 2 {
		t.Fatalf("Tools = %d, want 2", len(reg.Tools))
	}
	if !reg.Enabled {
		t.Error("Enabled = false, want true")
	}
	if len(*events) != 1 || (*events)[0].Kind != EventServerRegistered {
		t.Fatalf("events = %+v, want single %s", *events, EventServerRegistered)
	}
}

func TestManagerRegisterDuplicateRejected(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})
	ctx := context.Background()

	if _, err := mgr.Register(ctx, stdioRegistration("quickbooks")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err := mgr.Register(ctx, stdioRegistration("quickbooks"))
	if !errors.Is(err, ErrServerExists) {
		t.Fatalf("Register() error = %v, want ErrServerExists", err)
	}
}

func TestManagerRegisterUnreachableIsUnverified(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	mgr, _ := newTestManager(t, dialer)

	reg, err := mgr.Register(context.Background(), stdioRegistration("quickbooks"))
	if err != nil {
		t.Fatalf("Register() error = %v, want unverified registration", err)
	}
	if reg.Status != StatusUnverified {
		t.Errorf("Status = %q, want %q", reg.Status, StatusUnverified)
	}

	stored, ok, err := mgr.Get(context.Background(), "quickbooks")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, want stored registration", ok, err)
	}
	if stored.Status != StatusUnverified {
		t.Errorf("stored Status = %q, want %q", stored.Status, StatusUnverified)
	}
}

func TestManagerRegisterInvalidRejected(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})

	_, err := mgr.Register(context.Background(), ServerRegistration{
		Name:      "Bad Name",
		Transport: TransportSpec{Kind: TransportStdio, Command: "npx"},
	})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Register() error = %v, want *ValidationError", err)
	}
}

func TestManagerRemove(t *testing.T) {
	mgr, events := newTestManager(t, &fakeDialer{})
	ctx := context.Background()

	if _, err := mgr.Register(ctx, stdioRegistration("quickbooks")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := mgr.Remove(ctx, "quickbooks"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	_, ok, err := mgr.Get(ctx, "quickbooks")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("Get() ok = true after remove, want false")
	}

	last := (*events)[len(*events)-1]
	if last.Kind != EventServerRemoved || last.Server != "quickbooks" {
		t.Errorf("last event = %+v, want %s for quickbooks", last, EventServerRemoved)
	}
}

func TestManagerRemoveMissing(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})
	err := mgr.Remove(context.Background(), "ghost")
	if !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("Remove() error = %v, want ErrServerNotFound", err)
	}
}

func TestManagerRemoveAll(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})
	ctx := context.Background()

	names := []string{"quickbooks", "slack", "azure-docs"}
	for _, name := range names {
		if _, err := mgr.Register(ctx, stdioRegistration(name)); err != nil {
			t.Fatalf("Register(%q) error = %v", name, err)
		}
	}
	if _, err := mgr.SetEnabled(ctx, "slack", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	result, err := mgr.RemoveAll(ctx)
	if err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if len(result.Removed) != 3 {
		t.Fatalf("Removed = %v, want 3 names", result.Removed)
	}
	if len(result.Remaining) != 0 {
		t.Fatalf("Remaining = %v, want empty", result.Remaining)
	}

	regs, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(regs) != 0 {
		t.Fatalf("List() returned %d registrations after RemoveAll, want 0", len(regs))
	}
}

func TestManagerRemoveAllEmpty(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})
	result, err := mgr.RemoveAll(context.Background())
	if err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if len(result.Removed) != 0 || len(result.Remaining) != 0 {
		t.Fatalf("result = %+v, want empty", result)
	}
}

func TestManagerInvokeReusesSession(t *testing.T) {
	dialer := &fakeDialer{}
	mgr, _ := newTestManager(t, dialer)
	ctx := context.Background()

	if _, err := mgr.Register(ctx, stdioRegistration("quickbooks")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	dialsAfterRegister := dialer.dialCount()

	for i := 0; i < 3; i++ {
		if _, err := mgr.Invoke(ctx, "quickbooks", "find_account", map[string]any{"name": "Checking"}); err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
	}

	if got := dialer.dialCount() - dialsAfterRegister; got != 1 {
		t.Errorf("dials for 3 invokes = %d, want 1 cached session", got)
	}
}

func TestManagerInvokeDisabledRejected(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})
	ctx := context.Background()

	if _, err := mgr.Register(ctx, stdioRegistration("quickbooks")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := mgr.SetEnabled(ctx, "quickbooks", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	if _, err := mgr.Invoke(ctx, "quickbooks", "find_account", nil); err == nil {
		t.Fatal("Invoke() error = nil, want disabled error")
	}
}

func TestManagerInvokeDropsSessionOnError(t *testing.T) {
	dialer := &fakeDialer{template: fakeSession{callErr: errors.New("broken pipe")}}
	mgr, _ := newTestManager(t, dialer)
	ctx := context.Background()

	if _, err := mgr.Register(ctx, stdioRegistration("quickbooks")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	dialsAfterRegister := dialer.dialCount()

	if _, err := mgr.Invoke(ctx, "quickbooks", "find_account", nil); err == nil {
		t.Fatal("Invoke() error = nil, want call error")
	}
	if _, err := mgr.Invoke(ctx, "quickbooks", "find_account", nil); err == nil {
		t.Fatal("Invoke() error = nil, want call error")
	}

	if got := dialer.dialCount() - dialsAfterRegister; got != 2 {
		t.Errorf("dials after 2 failed invokes = %d, want 2 fresh sessions", got)
	}
}

func TestManagerRefreshPreservesRegisteredAt(t *testing.T) {
	dialer := &fakeDialer{template: fakeSession{
		tools: []mcp.Tool{{Name: "query"}},
	}}
	mgr, _ := newTestManager(t, dialer)
	ctx := context.Background()

	reg, err := mgr.Register(ctx, stdioRegistration("quickbooks"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	refreshed, err := mgr.Refresh(ctx, "quickbooks")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !refreshed.RegisteredAt.Equal(reg.RegisteredAt) {
		t.Errorf("RegisteredAt = %v, want preserved %v", refreshed.RegisteredAt, reg.RegisteredAt)
	}
	if refreshed.Status != StatusReady {
		t.Errorf("Status = %q, want %q", refreshed.Status, StatusReady)
	}
}

func TestManagerRefreshMissing(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})
	_, err := mgr.Refresh(context.Background(), "ghost")
	if !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("Refresh() error = %v, want ErrServerNotFound", err)
	}
}

func TestManagerCloseClosesSessions(t *testing.T) {
	dialer := &fakeDialer{}
	mgr, _ := newTestManager(t, dialer)
	ctx := context.Background()

	if _, err := mgr.Register(ctx, stdioRegistration("quickbooks")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := mgr.Invoke(ctx, "quickbooks", "find_account", nil); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if err := mgr.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	last := dialer.sessions[len(dialer.sessions)-1]
	last.mu.Lock()
	closed := last.closed
	last.mu.Unlock()
	if !closed {
		t.Error("cached session not closed by manager Close")
	}
}
