package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jradfs/cpaagent/workflow"
)

// NewWorkflowCmd creates the "workflow" command group.
func NewWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Validate and run workflow definitions",
	}

	cmd.AddCommand(newWorkflowValidateCmd())
	cmd.AddCommand(newWorkflowRunCmd())

	return cmd
}

func newWorkflowValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowValidate,
	}
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

func loadDefinition(path string) (workflow.Definition, error) {
	// #nosec G304 -- path given explicitly on the command line.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return workflow.Definition{}, exitError(exitFileNotFound, "file not found: %s", path)
		}
		return workflow.Definition{}, exitError(exitRuntime, "read %s: %v", path, err)
	}

	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return workflow.Definition{}, exitError(exitValidation, "%v", err)
	}
	return def, nil
}

func runWorkflowValidate(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(out, def)
	}
	fmt.Fprintf(out, "%s is valid: %d %s\n", def.Name, len(def.Steps), pluralize("step", len(def.Steps)))
	return nil
}

func newWorkflowRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow definition against registered servers",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowRun,
	}

	addConfigFlag(cmd)
	cmd.Flags().String("input", "", "Initial workflow input as a JSON object")
	cmd.Flags().Bool("json", false, "Output JSON")

	return cmd
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var input map[string]any
	if raw, _ := cmd.Flags().GetString("input"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return exitError(exitValidation, "parse --input: %v", err)
		}
	}

	mgr, err := newManager(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = mgr.Close(cmd.Context())
	}()

	engine, err := workflow.NewEngine(workflow.EngineConfig{Invoker: mgr})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	run, err := engine.Execute(cmd.Context(), def, input)
	if err != nil {
		return exitError(exitRuntime, "run %s: %v", def.Name, err)
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		if err := printJSON(out, run); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Run %s: %s\n", run.ID, run.Status)
		for _, step := range run.Steps {
			line := fmt.Sprintf("  %-24s %s", step.StepID, step.Status)
			if step.Error != "" {
				line += ": " + step.Error
			}
			fmt.Fprintln(out, line)
		}
	}

	if run.Status != workflow.RunSucceeded {
		return exitError(exitRuntime, "workflow %s finished %s", def.Name, run.Status)
	}
	return nil
}
