package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jradfs/cpaagent/health"
	"github.com/jradfs/cpaagent/registry"
)

// NewMCPCmd creates the "mcp" command group for managing server registrations.
func NewMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage MCP server registrations",
	}

	cmd.AddCommand(newMCPAddCmd())
	cmd.AddCommand(newMCPListCmd())
	cmd.AddCommand(newMCPRemoveCmd())
	cmd.AddCommand(newMCPRemoveAllCmd())
	cmd.AddCommand(newMCPRefreshCmd())
	cmd.AddCommand(newMCPHealthCmd())
	cmd.AddCommand(newMCPPurgeHostCmd())
	cmd.AddCommand(newMCPImportHostCmd())

	return cmd
}

func newMCPAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register an MCP server and discover its tools",
		Args:  cobra.ExactArgs(1),
		RunE:  runMCPAdd,
	}

	addConfigFlag(cmd)
	cmd.Flags().String("command", "", "Stdio transport command")
	cmd.Flags().StringArray("arg", nil, "Stdio command argument (repeatable)")
	cmd.Flags().StringArray("env", nil, "Stdio environment KEY=VALUE (repeatable)")
	cmd.Flags().String("endpoint", "", "SSE transport endpoint URL")
	cmd.Flags().StringArray("header", nil, "SSE header KEY=VALUE (repeatable)")
	cmd.Flags().String("category", "other", "Server category: accounting | documents | communication | devtools | other")
	cmd.Flags().Bool("json", false, "Output JSON")

	return cmd
}

func runMCPAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = mgr.Close(cmd.Context())
	}()

	command, _ := cmd.Flags().GetString("command")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	category, _ := cmd.Flags().GetString("category")
	cmdArgs, _ := cmd.Flags().GetStringArray("arg")
	envPairs, _ := cmd.Flags().GetStringArray("env")
	headerPairs, _ := cmd.Flags().GetStringArray("header")

	env, err := parseKeyValues(envPairs, "env")
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	headers, err := parseKeyValues(headerPairs, "header")
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	var transport registry.TransportSpec
	switch {
	case strings.TrimSpace(endpoint) != "":
		transport = registry.TransportSpec{
			Kind:     registry.TransportSSE,
			Endpoint: endpoint,
			Headers:  headers,
		}
	default:
		transport = registry.TransportSpec{
			Kind:    registry.TransportStdio,
			Command: command,
			Args:    cmdArgs,
			Env:     env,
		}
	}

	reg, err := mgr.Register(cmd.Context(), registry.ServerRegistration{
		Name:      args[0],
		Category:  registry.Category(strings.ToLower(category)),
		Transport: transport,
	})
	if err != nil {
		var validationErr *registry.ValidationError
		if errors.As(err, &validationErr) {
			return exitError(exitValidation, "%v", err)
		}
		if errors.Is(err, registry.ErrServerExists) {
			return exitError(exitValidation, "server %q is already registered", args[0])
		}
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(out, reg)
	}
	fmt.Fprintf(out, "Registered %s (%s)\n", reg.Name, reg.Status)
	if len(reg.Tools) > 0 {
		fmt.Fprintf(out, "Discovered %d %s:\n", len(reg.Tools), pluralize("tool", len(reg.Tools)))
		for _, name := range reg.ToolNames() {
			fmt.Fprintf(out, "  %s\n", name)
		}
	}
	return nil
}

func newMCPListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered MCP servers",
		RunE:  runMCPList,
	}
	addConfigFlag(cmd)
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

func runMCPList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}

	regs, err := mgr.List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(out, regs)
	}
	if len(regs) == 0 {
		fmt.Fprintln(out, "No servers registered.")
		return nil
	}
	for _, reg := range regs {
		category := reg.Category
		if category == "" {
			category = registry.CategoryOther
		}
		fmt.Fprintf(out, "%-24s %-12s %-14s %d %s\n",
			reg.Name, reg.Status, category, len(reg.Tools), pluralize("tool", len(reg.Tools)))
	}
	return nil
}

func newMCPRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove one registered MCP server",
		Args:  cobra.ExactArgs(1),
		RunE:  runMCPRemove,
	}
	addConfigFlag(cmd)
	return cmd
}

func runMCPRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}

	if err := mgr.Remove(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, registry.ErrServerNotFound) {
			return exitError(exitNotFound, "server %q is not registered", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

func newMCPRemoveAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-all",
		Short: "Remove every registered MCP server",
		RunE:  runMCPRemoveAll,
	}
	addConfigFlag(cmd)
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

func runMCPRemoveAll(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}

	result, err := mgr.RemoveAll(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "remove-all: %v", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(out, result)
	}
	for _, name := range result.Removed {
		fmt.Fprintf(out, "Removed %s\n", name)
	}
	fmt.Fprintf(out, "%d removed, %d remaining\n", len(result.Removed), len(result.Remaining))
	return nil
}

func newMCPRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh <name>",
		Short: "Re-discover a server's tools",
		Args:  cobra.ExactArgs(1),
		RunE:  runMCPRefresh,
	}
	addConfigFlag(cmd)
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

func runMCPRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = mgr.Close(cmd.Context())
	}()

	reg, err := mgr.Refresh(cmd.Context(), args[0])
	if err != nil {
		if errors.Is(err, registry.ErrServerNotFound) {
			return exitError(exitNotFound, "server %q is not registered", args[0])
		}
		return exitError(exitRuntime, "refresh: %v", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(out, reg)
	}
	fmt.Fprintf(out, "Refreshed %s: %d %s\n", reg.Name, len(reg.Tools), pluralize("tool", len(reg.Tools)))
	return nil
}

func newMCPHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health <name>",
		Short: "Probe a registered server once",
		Args:  cobra.ExactArgs(1),
		RunE:  runMCPHealth,
	}
	addConfigFlag(cmd)
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

func runMCPHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}

	reg, ok, err := mgr.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !ok {
		return exitError(exitNotFound, "server %q is not registered", args[0])
	}

	prober, err := health.NewMCPProber(health.MCPProberConfig{})
	if err != nil {
		return err
	}
	report, err := prober.Probe(cmd.Context(), reg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else if report.State == health.StateHealthy {
		fmt.Fprintf(out, "%s: healthy (%dms)\n", reg.Name, report.LatencyMS)
	} else {
		fmt.Fprintf(out, "%s: %s: %s\n", reg.Name, report.State, report.ErrorMessage)
	}

	if report.State != health.StateHealthy {
		return exitError(exitRuntime, "server %q is not healthy", args[0])
	}
	return nil
}

func newMCPPurgeHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge-host",
		Short: "Remove MCP servers from the host CLI settings file",
		Long: "Removes MCP server entries from the host AI CLI's settings file.\n" +
			"By default the stock legacy server set is purged; pass --name to pick\n" +
			"specific entries or --all to clear every entry.",
		RunE: runMCPPurgeHost,
	}

	addConfigFlag(cmd)
	cmd.Flags().String("settings", "", "Host settings file path (default: host_settings_path from config)")
	cmd.Flags().StringArray("name", nil, "Purge a specific server (repeatable)")
	cmd.Flags().Bool("all", false, "Purge every entry")
	cmd.Flags().Bool("json", false, "Output JSON")

	return cmd
}

func runMCPPurgeHost(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	host, err := hostSettings(cmd, cfg)
	if err != nil {
		return err
	}

	names, _ := cmd.Flags().GetStringArray("name")
	all, _ := cmd.Flags().GetBool("all")

	var result registry.PurgeResult
	switch {
	case all:
		result, err = host.Purge()
	case len(names) > 0:
		result, err = host.Purge(names...)
	default:
		result, err = host.PurgeLegacy()
	}
	if err != nil {
		return exitError(exitRuntime, "purge: %v", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(out, result)
	}
	for _, name := range result.Removed {
		fmt.Fprintf(out, "Removed %s\n", name)
	}
	for _, name := range result.Missing {
		fmt.Fprintf(out, "Not present: %s\n", name)
	}
	if len(result.Remaining) > 0 {
		fmt.Fprintf(out, "Remaining: %s\n", strings.Join(result.Remaining, ", "))
	} else {
		fmt.Fprintln(out, "No MCP servers remain in the host settings.")
	}
	return nil
}

func newMCPImportHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-host",
		Short: "Import host CLI server entries into the registry",
		RunE:  runMCPImportHost,
	}
	addConfigFlag(cmd)
	cmd.Flags().String("settings", "", "Host settings file path (default: host_settings_path from config)")
	cmd.Flags().String("category", "other", "Category assigned to imported servers")
	return cmd
}

func runMCPImportHost(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	host, err := hostSettings(cmd, cfg)
	if err != nil {
		return err
	}

	category, _ := cmd.Flags().GetString("category")
	store := registry.NewFileStore(cfg.RegistryPath)
	imported, err := host.Import(cmd.Context(), store, registry.Category(strings.ToLower(category)))
	if err != nil {
		return exitError(exitRuntime, "import: %v", err)
	}

	out := cmd.OutOrStdout()
	for _, name := range imported {
		fmt.Fprintf(out, "Imported %s\n", name)
	}
	fmt.Fprintf(out, "%d imported\n", len(imported))
	return nil
}
