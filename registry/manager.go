package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jradfs/cpaagent/mcp"
)

// Event kinds emitted by the manager.
const (
	EventServerRegistered = "server.registered"
	EventServerRemoved    = "server.removed"
	EventServerRefreshed  = "server.refreshed"
	EventToolCalled       = "tool.call"
)

// Event captures a manager-level state change for audit handlers.
type Event struct {
	Kind   string
	Server string
	Time   time.Time
	Detail map[string]any
}

// EventHandler receives manager events.
type EventHandler func(Event)

// Session is the subset of the MCP client the manager needs.
type Session interface {
	Initialize(ctx context.Context) (mcp.InitializeResult, error)
	Ping(ctx context.Context) error
	ListTools(ctx context.Context) (mcp.ToolsListResult, error)
	CallTool(ctx context.Context, params mcp.ToolsCallParams) (mcp.ToolsCallResult, error)
	Close(ctx context.Context) error
}

// Dialer opens an MCP session for a transport spec.
type Dialer func(ctx context.Context, spec TransportSpec) (Session, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store   Store
	Dialer  Dialer
	Now     func() time.Time
	OnEvent EventHandler
	Logger  *slog.Logger
}

// Manager coordinates registration lifecycle: discovery on register, tool
// invocation over cached sessions, and removal (single or bulk).
type Manager struct {
	store   Store
	dialer  Dialer
	now     func() time.Time
	onEvent EventHandler
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]Session
}

// NewManager creates a Manager. Store and Dialer are required.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("registry: manager store is nil")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultDialer
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		store:    cfg.Store,
		dialer:   cfg.Dialer,
		now:      cfg.Now,
		onEvent:  cfg.OnEvent,
		logger:   cfg.Logger,
		sessions: make(map[string]Session),
	}, nil
}

// Register validates the registration, connects to the server, discovers its
// tools, and persists the record. An existing name is rejected; use Refresh
// to re-discover a registered server.
func (m *Manager) Register(ctx context.Context, reg ServerRegistration) (ServerRegistration, error) {
	if m == nil {
		return ServerRegistration{}, errors.New("registry: manager is nil")
	}
	if err := ValidateRegistration(reg); err != nil {
		return ServerRegistration{}, err
	}

	if _, exists, err := m.store.Get(ctx, reg.Name); err != nil {
		return ServerRegistration{}, err
	} else if exists {
		return ServerRegistration{}, fmt.Errorf("registry: register %q: %w", reg.Name, ErrServerExists)
	}

	reg.Enabled = true
	reg.RegisteredAt = m.now()
	discovered, err := m.discover(ctx, reg)
	if err != nil {
		// Persist the registration as unverified so the health scheduler can
		// pick it up once the server comes back.
		reg.Status = StatusUnverified
		m.logger.Warn("mcp discovery failed at registration",
			"server", reg.Name, "error", err)
		if storeErr := m.store.Upsert(ctx, reg); storeErr != nil {
			return ServerRegistration{}, storeErr
		}
		m.emit(EventServerRegistered, reg.Name, map[string]any{"status": string(reg.Status)})
		return reg, nil
	}

	if err := m.store.Upsert(ctx, discovered); err != nil {
		return ServerRegistration{}, err
	}
	m.emit(EventServerRegistered, discovered.Name, map[string]any{
		"status": string(discovered.Status),
		"tools":  len(discovered.Tools),
	})
	return discovered, nil
}

// Refresh re-runs discovery for a registered server, preserving its
// registration time and enabled flag.
func (m *Manager) Refresh(ctx context.Context, name string) (ServerRegistration, error) {
	existing, exists, err := m.store.Get(ctx, name)
	if err != nil {
		return ServerRegistration{}, err
	}
	if !exists {
		return ServerRegistration{}, fmt.Errorf("registry: refresh %q: %w", name, ErrServerNotFound)
	}

	m.dropSession(ctx, name)

	updated, err := m.discover(ctx, existing)
	if err != nil {
		return ServerRegistration{}, fmt.Errorf("registry: refresh %q: %w", name, err)
	}
	updated.RegisteredAt = existing.RegisteredAt
	updated.Enabled = existing.Enabled
	if !updated.Enabled {
		updated.Status = StatusDisabled
	}

	if err := m.store.Upsert(ctx, updated); err != nil {
		return ServerRegistration{}, err
	}
	m.emit(EventServerRefreshed, name, map[string]any{"tools": len(updated.Tools)})
	return updated, nil
}

// List returns all registrations in name-sorted order.
func (m *Manager) List(ctx context.Context) ([]ServerRegistration, error) {
	return m.store.List(ctx)
}

// Get returns a registration by name.
func (m *Manager) Get(ctx context.Context, name string) (ServerRegistration, bool, error) {
	return m.store.Get(ctx, name)
}

// Remove deletes a registration and closes any cached session.
func (m *Manager) Remove(ctx context.Context, name string) error {
	_, exists, err := m.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("registry: remove %q: %w", name, ErrServerNotFound)
	}

	m.dropSession(ctx, name)
	if err := m.store.Delete(ctx, name); err != nil {
		return err
	}
	m.emit(EventServerRemoved, name, nil)
	return nil
}

// RemoveAllResult reports the outcome of a bulk removal.
type RemoveAllResult struct {
	Removed   []string `json:"removed"`
	Remaining []string `json:"remaining"`
}

// RemoveAll deletes every registration, disabled ones included. Individual
// failures do not stop the sweep; they are joined into the returned error and
// the affected names show up in Remaining.
func (m *Manager) RemoveAll(ctx context.Context) (RemoveAllResult, error) {
	regs, err := m.store.List(ctx)
	if err != nil {
		return RemoveAllResult{}, err
	}

	var result RemoveAllResult
	var errs []error
	for _, reg := range regs {
		m.dropSession(ctx, reg.Name)
		if err := m.store.Delete(ctx, reg.Name); err != nil {
			errs = append(errs, fmt.Errorf("remove %q: %w", reg.Name, err))
			continue
		}
		result.Removed = append(result.Removed, reg.Name)
		m.emit(EventServerRemoved, reg.Name, map[string]any{"bulk": true})
	}

	remaining, err := m.store.List(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, reg := range remaining {
		result.Remaining = append(result.Remaining, reg.Name)
	}

	return result, errors.Join(errs...)
}

// SetEnabled flips the enabled flag. Disabling marks the server disabled and
// closes its session; enabling returns it to unverified until the next probe.
func (m *Manager) SetEnabled(ctx context.Context, name string, enabled bool) (ServerRegistration, error) {
	reg, exists, err := m.store.Get(ctx, name)
	if err != nil {
		return ServerRegistration{}, err
	}
	if !exists {
		return ServerRegistration{}, fmt.Errorf("registry: enable %q: %w", name, ErrServerNotFound)
	}

	reg.Enabled = enabled
	if enabled {
		reg.Status = StatusUnverified
	} else {
		reg.Status = StatusDisabled
		m.dropSession(ctx, name)
	}

	if err := m.store.Upsert(ctx, reg); err != nil {
		return ServerRegistration{}, err
	}
	return reg, nil
}

// Invoke calls a tool on a registered server, reusing a cached session.
func (m *Manager) Invoke(ctx context.Context, server, tool string, args map[string]any) (mcp.ToolsCallResult, error) {
	reg, exists, err := m.store.Get(ctx, server)
	if err != nil {
		return mcp.ToolsCallResult{}, err
	}
	if !exists {
		return mcp.ToolsCallResult{}, fmt.Errorf("registry: invoke on %q: %w", server, ErrServerNotFound)
	}
	if !reg.Enabled || reg.Status == StatusDisabled {
		return mcp.ToolsCallResult{}, fmt.Errorf("registry: server %q is disabled", server)
	}

	session, err := m.session(ctx, reg)
	if err != nil {
		return mcp.ToolsCallResult{}, err
	}

	started := m.now()
	result, err := session.CallTool(ctx, mcp.ToolsCallParams{Name: tool, Arguments: args})
	detail := map[string]any{
		"tool":        tool,
		"duration_ms": m.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		detail["error"] = err.Error()
		m.dropSession(ctx, server)
	}
	m.emit(EventToolCalled, server, detail)
	if err != nil {
		return mcp.ToolsCallResult{}, err
	}
	return result, nil
}

// Close closes all cached sessions.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]Session)
	m.mu.Unlock()

	var errs []error
	for name, session := range sessions {
		if err := session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) discover(ctx context.Context, reg ServerRegistration) (ServerRegistration, error) {
	session, err := m.dialer(ctx, reg.Transport)
	if err != nil {
		return ServerRegistration{}, err
	}
	defer func() {
		_ = session.Close(ctx)
	}()

	initResult, err := session.Initialize(ctx)
	if err != nil {
		return ServerRegistration{}, err
	}
	toolsResult, err := session.ListTools(ctx)
	if err != nil {
		return ServerRegistration{}, err
	}

	reg.ServerName = initResult.ServerInfo.Name
	reg.ServerVersion = initResult.ServerInfo.Version
	reg.Tools = make([]ToolInfo, 0, len(toolsResult.Tools))
	for _, tool := range toolsResult.Tools {
		reg.Tools = append(reg.Tools, ToolInfo{Name: tool.Name, Description: tool.Description})
	}
	reg.Status = StatusReady
	reg.HealthFailures = 0
	reg.LastHealthCheck = m.now()
	return reg, nil
}

func (m *Manager) session(ctx context.Context, reg ServerRegistration) (Session, error) {
	m.mu.Lock()
	cached, ok := m.sessions[reg.Name]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}

	session, err := m.dialer(ctx, reg.Transport)
	if err != nil {
		return nil, fmt.Errorf("registry: dial %q: %w", reg.Name, err)
	}
	if _, err := session.Initialize(ctx); err != nil {
		_ = session.Close(ctx)
		return nil, fmt.Errorf("registry: initialize %q: %w", reg.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, exists := m.sessions[reg.Name]; exists {
		_ = session.Close(ctx)
		return current, nil
	}
	m.sessions[reg.Name] = session
	return session, nil
}

func (m *Manager) dropSession(ctx context.Context, name string) {
	m.mu.Lock()
	session, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	if ok {
		_ = session.Close(ctx)
	}
}

func (m *Manager) emit(kind, server string, detail map[string]any) {
	m.onEvent(Event{
		Kind:   kind,
		Server: server,
		Time:   m.now(),
		Detail: detail,
	})
}
