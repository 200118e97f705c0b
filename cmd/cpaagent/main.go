package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jradfs/cpaagent/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cpaagent",
	Short: "CPA practice automation over MCP servers",
	Long: "cpaagent manages MCP server registrations, the client roster, document\n" +
		"extraction, and accounting workflows for a CPA practice.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "", false, "Suppress all output except errors")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("cpaagent version %s\n", version))

	rootCmd.AddCommand(cli.NewMCPCmd())
	rootCmd.AddCommand(cli.NewClientCmd())
	rootCmd.AddCommand(cli.NewDocCmd())
	rootCmd.AddCommand(cli.NewWorkflowCmd())
	rootCmd.AddCommand(cli.NewServeCmd())
}
