// Package cli implements the cpaagent command tree: MCP server management,
// the client roster, document processing, workflows, and serve mode.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jradfs/cpaagent/config"
	"github.com/jradfs/cpaagent/registry"
)

// loadConfig resolves and loads the app config for a command. A missing config
// file is not an error; defaults apply.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.DiscoverPath(explicit)
	if err != nil {
		return config.Config{}, err
	}
	if !found {
		return config.Default(), nil
	}
	return config.Load(path)
}

// addConfigFlag registers the shared --config flag.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to cpaagent.yaml (default: ./cpaagent.yaml, ~/.cpaagent/config.yaml)")
}

// newManager builds a file-backed registry manager for CLI commands.
func newManager(cfg config.Config) (*registry.Manager, error) {
	store := registry.NewFileStore(cfg.RegistryPath)
	return registry.NewManager(registry.ManagerConfig{Store: store})
}

// hostSettings resolves the host CLI settings adapter, preferring the flag
// over the config file.
func hostSettings(cmd *cobra.Command, cfg config.Config) (*registry.HostSettingsFile, error) {
	path, _ := cmd.Flags().GetString("settings")
	if strings.TrimSpace(path) == "" {
		path = cfg.HostSettingsPath
	}
	if strings.TrimSpace(path) == "" {
		return nil, exitError(exitValidation, "no host settings path: pass --settings or set host_settings_path in cpaagent.yaml")
	}
	return registry.NewHostSettingsFile(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseKeyValues splits repeated KEY=VALUE flags into a map.
func parseKeyValues(pairs []string, flag string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --%s %q, want KEY=VALUE", flag, pair)
		}
		out[key] = value
	}
	return out, nil
}

func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
