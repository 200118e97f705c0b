package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writeHostSettings(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatalf("marshal settings: %v", err)
	}
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestHostSettingsPurgeNamed(t *testing.T) {
	path := writeHostSettings(t, map[string]any{
		"theme": "dark",
		"mcpServers": map[string]any{
			"filesystem": map[string]any{"command": "npx", "args": []string{"-y", "@modelcontextprotocol/server-filesystem"}},
			"github":     map[string]any{"command": "npx"},
			"quickbooks": map[string]any{"command": "npx"},
		},
	})

	settings, err := NewHostSettingsFile(path)
	if err != nil {
		t.Fatalf("NewHostSettingsFile() error = %v", err)
	}

	result, err := settings.Purge("filesystem", "github", "ghost")
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if !slices.Equal(result.Removed, []string{"filesystem", "github"}) {
		t.Errorf("Removed = %v, want [filesystem github]", result.Removed)
	}
	if !slices.Equal(result.Missing, []string{"ghost"}) {
		t.Errorf("Missing = %v, want [ghost]", result.Missing)
	}
	if !slices.Equal(result.Remaining, []string{"quickbooks"}) {
		t.Errorf("Remaining = %v, want [quickbooks]", result.Remaining)
	}

	servers, err := settings.Servers()
	if err != nil {
		t.Fatalf("Servers() error = %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("Servers() returned %d entries, want 1", len(servers))
	}
	if _, ok := servers["quickbooks"]; !ok {
		t.Error("quickbooks entry missing after purge")
	}
}

func TestHostSettingsPurgePreservesOtherSettings(t *testing.T) {
	path := writeHostSettings(t, map[string]any{
		"theme":       "dark",
		"editorMode":  "vim",
		"permissions": map[string]any{"allow": []string{"Bash(ls:*)"}},
		"mcpServers": map[string]any{
			"filesystem": map[string]any{"command": "npx"},
		},
	})

	settings, err := NewHostSettingsFile(path)
	if err != nil {
		t.Fatalf("NewHostSettingsFile() error = %v", err)
	}
	if _, err := settings.Purge("filesystem"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"theme", "editorMode", "permissions"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("setting %q dropped by purge", key)
		}
	}
	var theme string
	if err := json.Unmarshal(doc["theme"], &theme); err != nil || theme != "dark" {
		t.Errorf("theme = %q (err %v), want dark", theme, err)
	}
}

func TestHostSettingsPurgeLegacy(t *testing.T) {
	entries := map[string]any{}
	for _, name := range LegacyServerNames {
		entries[name] = map[string]any{"command": "npx"}
	}
	entries["quickbooks"] = map[string]any{"command": "npx"}
	path := writeHostSettings(t, map[string]any{"mcpServers": entries})

	settings, err := NewHostSettingsFile(path)
	if err != nil {
		t.Fatalf("NewHostSettingsFile() error = %v", err)
	}

	result, err := settings.PurgeLegacy()
	if err != nil {
		t.Fatalf("PurgeLegacy() error = %v", err)
	}
	if len(result.Removed) != len(LegacyServerNames) {
		t.Errorf("Removed %d entries, want %d", len(result.Removed), len(LegacyServerNames))
	}
	if !slices.Equal(result.Remaining, []string{"quickbooks"}) {
		t.Errorf("Remaining = %v, want [quickbooks]", result.Remaining)
	}
}

func TestHostSettingsPurgeAllWhenNoNames(t *testing.T) {
	path := writeHostSettings(t, map[string]any{
		"mcpServers": map[string]any{
			"filesystem": map[string]any{"command": "npx"},
			"github":     map[string]any{"command": "npx"},
		},
	})

	settings, err := NewHostSettingsFile(path)
	if err != nil {
		t.Fatalf("NewHostSettingsFile() error = %v", err)
	}

	result, err := settings.Purge()
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if !slices.Equal(result.Removed, []string{"filesystem", "github"}) {
		t.Errorf("Removed = %v, want all entries", result.Removed)
	}
	if len(result.Remaining) != 0 {
		t.Errorf("Remaining = %v, want empty", result.Remaining)
	}
}

func TestHostSettingsMissingFile(t *testing.T) {
	settings, err := NewHostSettingsFile(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("NewHostSettingsFile() error = %v", err)
	}

	servers, err := settings.Servers()
	if err != nil {
		t.Fatalf("Servers() error = %v", err)
	}
	if len(servers) != 0 {
		t.Errorf("Servers() returned %d entries, want 0", len(servers))
	}

	result, err := settings.Purge("filesystem")
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if !slices.Equal(result.Missing, []string{"filesystem"}) {
		t.Errorf("Missing = %v, want [filesystem]", result.Missing)
	}
}

func TestHostSettingsImport(t *testing.T) {
	path := writeHostSettings(t, map[string]any{
		"mcpServers": map[string]any{
			"quickbooks": map[string]any{
				"command": "npx",
				"args":    []string{"-y", "@example/quickbooks-mcp"},
				"env":     map[string]string{"QB_REALM": "12345"},
			},
			"azure-docs": map[string]any{
				"url": "https://docs.example.com/mcp",
			},
		},
	})

	settings, err := NewHostSettingsFile(path)
	if err != nil {
		t.Fatalf("NewHostSettingsFile() error = %v", err)
	}

	store := NewFileStore(filepath.Join(t.TempDir(), "servers.json"))
	ctx := context.Background()

	// Pre-register one name so the import skips it.
	if err := store.Upsert(ctx, testRegistration("quickbooks")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	imported, err := settings.Import(ctx, store, CategoryOther)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if !slices.Equal(imported, []string{"azure-docs"}) {
		t.Errorf("imported = %v, want [azure-docs]", imported)
	}

	reg, ok, err := store.Get(ctx, "azure-docs")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, want imported registration", ok, err)
	}
	if reg.Transport.Kind != TransportSSE {
		t.Errorf("Transport.Kind = %q, want %q", reg.Transport.Kind, TransportSSE)
	}
	if reg.Transport.Endpoint != "https://docs.example.com/mcp" {
		t.Errorf("Transport.Endpoint = %q, want host URL", reg.Transport.Endpoint)
	}
	if reg.Status != StatusUnverified {
		t.Errorf("Status = %q, want %q", reg.Status, StatusUnverified)
	}
}
