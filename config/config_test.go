package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jradfs/cpaagent/registry"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDiscoverPathExplicit(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "custom.yaml", "listen_addr: :9000\n")

	found, ok, err := DiscoverPathFrom(path, dir, dir)
	if err != nil {
		t.Fatalf("DiscoverPathFrom() error = %v", err)
	}
	if !ok || found != path {
		t.Errorf("found = %q ok = %v, want explicit path", found, ok)
	}
}

func TestDiscoverPathExplicitMissing(t *testing.T) {
	dir := t.TempDir()
	_, _, err := DiscoverPathFrom(filepath.Join(dir, "nope.yaml"), dir, dir)
	if err == nil {
		t.Fatal("DiscoverPathFrom() error = nil, want missing explicit path error")
	}
}

func TestDiscoverPathProjectBeforeHome(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()
	homeConfig := filepath.Join(home, ".cpaagent")
	if err := os.MkdirAll(homeConfig, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeConfig(t, homeConfig, "config.yaml", "listen_addr: :1\n")
	projectPath := writeConfig(t, cwd, "cpaagent.yaml", "listen_addr: :2\n")

	found, ok, err := DiscoverPathFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverPathFrom() error = %v", err)
	}
	if !ok || found != projectPath {
		t.Errorf("found = %q, want project config preferred", found)
	}
}

func TestDiscoverPathFallsBackToHome(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()
	homeConfig := filepath.Join(home, ".cpaagent")
	if err := os.MkdirAll(homeConfig, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	homePath := writeConfig(t, homeConfig, "config.yaml", "listen_addr: :1\n")

	found, ok, err := DiscoverPathFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverPathFrom() error = %v", err)
	}
	if !ok || found != homePath {
		t.Errorf("found = %q, want home config", found)
	}
}

func TestDiscoverPathNoneFound(t *testing.T) {
	_, ok, err := DiscoverPathFrom("", t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("DiscoverPathFrom() error = %v", err)
	}
	if ok {
		t.Error("ok = true, want no config found")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "cpaagent.yaml", "cors_origin: https://ops.example.com\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr == "" {
		t.Error("ListenAddr default not applied")
	}
	if cfg.SQLitePath == "" || cfg.RegistryPath == "" {
		t.Error("storage path defaults not applied")
	}
	if cfg.CORSOrigin != "https://ops.example.com" {
		t.Errorf("CORSOrigin = %q, want file value kept", cfg.CORSOrigin)
	}
}

func TestLoadFull(t *testing.T) {
	content := `
listen_addr: 127.0.0.1:9100
sqlite_path: /var/lib/cpaagent/cpaagent.db
host_settings_path: /home/cpa/.host/settings.json
rate_limit:
  rate_per_second: 4
  burst: 8
  servers:
    quickbooks:
      rate_per_second: 1
      burst: 2
provider:
  name: anthropic
  model: claude-sonnet-4-20250514
  api_key_env: CPAAGENT_LLM_KEY
health:
  poll_seconds: 10
  interval_seconds: 120
  unhealthy_threshold: 5
servers:
  quickbooks:
    category: accounting
    command: npx
    args: ["-y", "@example/quickbooks-mcp"]
  payroll:
    category: accounting
    endpoint: https://payroll.example.com/mcp
`
	path := writeConfig(t, t.TempDir(), "cpaagent.yaml", content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimit.RatePerSecond != 4 || cfg.RateLimit.Servers["quickbooks"].Burst != 2 {
		t.Errorf("rate limit = %+v, want defaults and overrides parsed", cfg.RateLimit)
	}
	if cfg.Provider.APIKeyEnv != "CPAAGENT_LLM_KEY" {
		t.Errorf("APIKeyEnv = %q", cfg.Provider.APIKeyEnv)
	}
	if cfg.Health.UnhealthyThreshold != 5 {
		t.Errorf("UnhealthyThreshold = %d, want 5", cfg.Health.UnhealthyThreshold)
	}

	regs, err := cfg.ServerRegistrations()
	if err != nil {
		t.Fatalf("ServerRegistrations() error = %v", err)
	}
	if len(regs) != 2 {
		t.Fatalf("registrations = %d, want 2", len(regs))
	}
	// Name-sorted: payroll before quickbooks.
	if regs[0].Name != "payroll" || regs[0].Transport.Kind != registry.TransportSSE {
		t.Errorf("regs[0] = %+v, want payroll over sse", regs[0])
	}
	if regs[1].Name != "quickbooks" || regs[1].Transport.Command != "npx" {
		t.Errorf("regs[1] = %+v, want quickbooks stdio", regs[1])
	}
	if !regs[1].Enabled || regs[1].Status != registry.StatusUnverified {
		t.Errorf("regs[1] = %+v, want enabled unverified", regs[1])
	}
}

func TestServerRegistrationsExpandEnv(t *testing.T) {
	t.Setenv("QB_MCP_TOKEN", "tok-123")
	cfg := Config{Servers: map[string]ServerDeclaration{
		"quickbooks": {
			Endpoint: "https://qb.example.com/mcp",
			Headers:  map[string]string{"Authorization": "Bearer ${QB_MCP_TOKEN}"},
		},
	}}

	regs, err := cfg.ServerRegistrations()
	if err != nil {
		t.Fatalf("ServerRegistrations() error = %v", err)
	}
	if got := regs[0].Transport.Headers["Authorization"]; got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want env expanded", got)
	}
}

func TestServerRegistrationsRejectsEmptyTransport(t *testing.T) {
	cfg := Config{Servers: map[string]ServerDeclaration{
		"broken": {Category: "accounting"},
	}}
	_, err := cfg.ServerRegistrations()
	if err == nil || !strings.Contains(err.Error(), "command or an endpoint") {
		t.Fatalf("ServerRegistrations() error = %v, want transport error", err)
	}
}

func TestProviderAPIKey(t *testing.T) {
	t.Setenv("CPAAGENT_TEST_KEY", "sk-test")
	p := ProviderConfig{APIKeyEnv: "CPAAGENT_TEST_KEY"}
	if p.APIKey() != "sk-test" {
		t.Errorf("APIKey() = %q, want env value", p.APIKey())
	}
	if (ProviderConfig{}).APIKey() != "" {
		t.Error("APIKey() with no env name should be empty")
	}
}
