// Package config loads the cpaagent application config: storage locations,
// host CLI settings path, rate limits, LLM provider indirection, and startup
// server declarations.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jradfs/cpaagent/registry"
)

const (
	projectConfigName = "cpaagent.yaml"
	homeConfigName    = "config.yaml"
)

// Config is the application configuration file shape.
type Config struct {
	// ListenAddr is the HTTP API bind address in serve mode.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// SQLitePath is the daemon-mode database location.
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	// RegistryPath is the CLI-mode server registry file.
	RegistryPath string `yaml:"registry_path,omitempty"`

	// HostSettingsPath points at the host AI CLI settings file whose
	// mcpServers block can be imported and purged.
	HostSettingsPath string `yaml:"host_settings_path,omitempty"`

	CORSOrigin string `yaml:"cors_origin,omitempty"`
	MaxBody    int64  `yaml:"max_body,omitempty"`

	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	Provider  ProviderConfig  `yaml:"provider,omitempty"`
	Health    HealthConfig    `yaml:"health,omitempty"`
	Otel      OtelConfig      `yaml:"otel,omitempty"`

	// Servers declares registrations applied at serve time.
	Servers map[string]ServerDeclaration `yaml:"servers,omitempty"`
}

// RateLimitConfig sets the default token bucket and per-server overrides.
type RateLimitConfig struct {
	RatePerSecond float64                      `yaml:"rate_per_second,omitempty"`
	Burst         int                          `yaml:"burst,omitempty"`
	Servers       map[string]RateLimitOverride `yaml:"servers,omitempty"`
}

// RateLimitOverride tunes one server's bucket.
type RateLimitOverride struct {
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
	Burst         int     `yaml:"burst,omitempty"`
}

// ProviderConfig names the LLM provider for document extraction. The API key
// is read from the named environment variable, never stored in the file.
type ProviderConfig struct {
	Name      string `yaml:"name,omitempty"`
	Model     string `yaml:"model,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// APIKey resolves the provider key from the environment.
func (p ProviderConfig) APIKey() string {
	if strings.TrimSpace(p.APIKeyEnv) == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// HealthConfig tunes the health scheduler.
type HealthConfig struct {
	PollSeconds        int `yaml:"poll_seconds,omitempty"`
	IntervalSeconds    int `yaml:"interval_seconds,omitempty"`
	UnhealthyThreshold int `yaml:"unhealthy_threshold,omitempty"`
}

// OtelConfig configures the OTLP trace exporter.
type OtelConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// ServerDeclaration defines one startup server registration in cpaagent.yaml.
type ServerDeclaration struct {
	Category string            `yaml:"category,omitempty"`
	Command  string            `yaml:"command,omitempty"`
	Args     []string          `yaml:"args,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Endpoint string            `yaml:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// DiscoverPath resolves the config location with first-match semantics:
// explicit path, then ./cpaagent.yaml, then ~/.cpaagent/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("config: resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("config: resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".cpaagent", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// An explicit path that does not exist is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config: file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("config: checking path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and parses the config file at path.
func Load(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = "127.0.0.1:8817"
	}
	if strings.TrimSpace(c.SQLitePath) == "" {
		c.SQLitePath = defaultHomePath("cpaagent.db")
	}
	if strings.TrimSpace(c.RegistryPath) == "" {
		c.RegistryPath = defaultHomePath("servers.json")
	}
}

func defaultHomePath(name string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(homeDir, ".cpaagent", name)
}

// ServerRegistrations converts the startup declarations into registry
// records, name-sorted, with environment expansion applied to values.
func (c *Config) ServerRegistrations() ([]registry.ServerRegistration, error) {
	if len(c.Servers) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	regs := make([]registry.ServerRegistration, 0, len(names))
	for _, name := range names {
		reg, err := declarationToRegistration(name, c.Servers[name])
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func declarationToRegistration(name string, decl ServerDeclaration) (registry.ServerRegistration, error) {
	category := registry.Category(strings.ToLower(strings.TrimSpace(decl.Category)))
	if category == "" {
		category = registry.CategoryOther
	}

	endpoint := strings.TrimSpace(os.ExpandEnv(decl.Endpoint))
	command := strings.TrimSpace(os.ExpandEnv(decl.Command))

	var transport registry.TransportSpec
	switch {
	case endpoint != "":
		transport = registry.TransportSpec{
			Kind:     registry.TransportSSE,
			Endpoint: endpoint,
			Headers:  expandStringMap(decl.Headers),
		}
	case command != "":
		args := make([]string, 0, len(decl.Args))
		for _, arg := range decl.Args {
			args = append(args, os.ExpandEnv(arg))
		}
		transport = registry.TransportSpec{
			Kind:    registry.TransportStdio,
			Command: command,
			Args:    args,
			Env:     expandStringMap(decl.Env),
		}
	default:
		return registry.ServerRegistration{}, fmt.Errorf("config: server %q needs a command or an endpoint", name)
	}

	reg := registry.ServerRegistration{
		Name:      name,
		Category:  category,
		Transport: transport,
		Status:    registry.StatusUnverified,
		Enabled:   true,
	}
	if err := registry.ValidateRegistration(reg); err != nil {
		return registry.ServerRegistration{}, fmt.Errorf("config: server %q: %w", name, err)
	}
	return reg, nil
}

func expandStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = os.ExpandEnv(value)
	}
	return out
}
