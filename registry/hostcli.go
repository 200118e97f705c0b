package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LegacyServerNames lists the MCP servers a stock host CLI setup tends to
// accumulate. PurgeHostServers with this list clears them all in one sweep.
var LegacyServerNames = []string{
	"filesystem",
	"github",
	"memory",
	"puppeteer",
	"brave-search",
	"fetch",
	"sequential-thinking",
	"everything",
	"sqlite",
	"postgres",
	"gdrive",
	"slack",
	"sentry",
	"time",
	"git",
	"context7",
	"firecrawl",
}

const hostServersKey = "mcpServers"

// HostServerEntry is one server entry in a host CLI settings file. Stdio
// entries carry a command; remote entries carry a URL.
type HostServerEntry struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// HostSettingsFile reads and rewrites the mcpServers block of a host AI CLI
// settings file, leaving every other setting in the file untouched.
type HostSettingsFile struct {
	path string
}

// NewHostSettingsFile wraps the settings file at path.
func NewHostSettingsFile(path string) (*HostSettingsFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry: host settings path is empty")
	}
	return &HostSettingsFile{path: path}, nil
}

// Path returns the settings file path.
func (h *HostSettingsFile) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Servers returns the mcpServers entries keyed by name. A missing file or a
// file without an mcpServers block yields an empty map.
func (h *HostSettingsFile) Servers() (map[string]HostServerEntry, error) {
	doc, err := h.load()
	if err != nil {
		return nil, err
	}

	raw, ok := doc[hostServersKey]
	if !ok {
		return map[string]HostServerEntry{}, nil
	}

	var servers map[string]HostServerEntry
	if err := json.Unmarshal(raw, &servers); err != nil {
		return nil, fmt.Errorf("registry: decode host mcpServers: %w", err)
	}
	if servers == nil {
		servers = map[string]HostServerEntry{}
	}
	return servers, nil
}

// PurgeResult reports which names a purge removed, which were already absent,
// and which entries remain afterwards.
type PurgeResult struct {
	Removed   []string `json:"removed"`
	Missing   []string `json:"missing,omitempty"`
	Remaining []string `json:"remaining,omitempty"`
}

// Purge removes the named servers from the settings file. Names not present
// are reported as missing, not errors. Passing no names purges every entry.
func (h *HostSettingsFile) Purge(names ...string) (PurgeResult, error) {
	doc, err := h.load()
	if err != nil {
		return PurgeResult{}, err
	}

	servers := map[string]HostServerEntry{}
	if raw, ok := doc[hostServersKey]; ok {
		if err := json.Unmarshal(raw, &servers); err != nil {
			return PurgeResult{}, fmt.Errorf("registry: decode host mcpServers: %w", err)
		}
	}

	if len(names) == 0 {
		names = make([]string, 0, len(servers))
		for name := range servers {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	var result PurgeResult
	for _, name := range names {
		if _, ok := servers[name]; !ok {
			result.Missing = append(result.Missing, name)
			continue
		}
		delete(servers, name)
		result.Removed = append(result.Removed, name)
	}

	for name := range servers {
		result.Remaining = append(result.Remaining, name)
	}
	sort.Strings(result.Remaining)

	if len(result.Removed) == 0 {
		return result, nil
	}

	raw, err := json.Marshal(servers)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("registry: encode host mcpServers: %w", err)
	}
	doc[hostServersKey] = raw

	if err := h.save(doc); err != nil {
		return PurgeResult{}, err
	}
	return result, nil
}

// PurgeLegacy removes the stock legacy server set from the settings file.
func (h *HostSettingsFile) PurgeLegacy() (PurgeResult, error) {
	return h.Purge(LegacyServerNames...)
}

// Import registers every host CLI server entry with the given store, skipping
// names that are already registered. It returns the imported names.
func (h *HostSettingsFile) Import(ctx context.Context, store Store, category Category) ([]string, error) {
	if store == nil {
		return nil, errors.New("registry: import store is nil")
	}

	servers, err := h.Servers()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var imported []string
	for _, name := range names {
		if _, exists, err := store.Get(ctx, name); err != nil {
			return imported, err
		} else if exists {
			continue
		}

		reg := ServerRegistration{
			Name:      name,
			Category:  category,
			Transport: hostEntryTransport(servers[name]),
			Status:    StatusUnverified,
			Enabled:   true,
		}
		if err := ValidateRegistration(reg); err != nil {
			return imported, fmt.Errorf("registry: import %q: %w", name, err)
		}
		if err := store.Upsert(ctx, reg); err != nil {
			return imported, err
		}
		imported = append(imported, name)
	}
	return imported, nil
}

func hostEntryTransport(entry HostServerEntry) TransportSpec {
	if strings.TrimSpace(entry.URL) != "" {
		return TransportSpec{
			Kind:     TransportSSE,
			Endpoint: entry.URL,
			Headers:  cloneStringMap(entry.Headers),
		}
	}
	return TransportSpec{
		Kind:    TransportStdio,
		Command: entry.Command,
		Args:    append([]string(nil), entry.Args...),
		Env:     cloneStringMap(entry.Env),
	}
}

func (h *HostSettingsFile) load() (map[string]json.RawMessage, error) {
	if h == nil {
		return nil, errors.New("registry: host settings file is nil")
	}

	// #nosec G304 -- path is configured by caller and constrained to local filesystem usage.
	data, err := os.ReadFile(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("registry: read host settings: %w", err)
	}
	if len(data) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: decode host settings: %w", err)
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	return doc, nil
}

func (h *HostSettingsFile) save(doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode host settings: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(h.path), 0o750); err != nil {
		return fmt.Errorf("registry: create host settings dir: %w", err)
	}

	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: write temp host settings: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		return fmt.Errorf("registry: replace host settings: %w", err)
	}
	return nil
}
