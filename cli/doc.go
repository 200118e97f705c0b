package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jradfs/cpaagent/document"
)

// NewDocCmd creates the "doc" command group for document processing.
func NewDocCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Process and inspect accounting documents",
	}

	cmd.AddCommand(newDocProcessCmd())
	cmd.AddCommand(newDocListCmd())

	return cmd
}

func newDocProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process <file>",
		Short: "Run a document through the extraction pipeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runDocProcess,
	}

	addConfigFlag(cmd)
	cmd.Flags().String("client", "", "Client ID the document belongs to")
	cmd.Flags().Bool("json", false, "Output JSON")

	return cmd
}

func runDocProcess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	path := args[0]
	// #nosec G304 -- path given explicitly on the command line.
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return exitError(exitFileNotFound, "file not found: %s", path)
		}
		return exitError(exitRuntime, "read %s: %v", path, err)
	}

	if strings.TrimSpace(cfg.Provider.Name) == "" {
		return exitError(exitValidation, "no LLM provider configured: set provider.name in cpaagent.yaml")
	}
	extractor, err := document.NewLLMExtractor(document.LLMExtractorConfig{
		Provider: cfg.Provider.Name,
		Model:    cfg.Provider.Model,
		APIKey:   cfg.Provider.APIKey(),
	})
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	store, err := document.NewSQLiteStore(document.SQLiteStoreConfig{DSN: cfg.SQLitePath})
	if err != nil {
		return exitError(exitRuntime, "open document store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	processor, err := document.NewProcessor(document.ProcessorConfig{
		Store:     store,
		Extractor: extractor,
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	clientID, _ := cmd.Flags().GetString("client")
	doc, err := processor.Process(cmd.Context(), filepath.Base(path), clientID, string(content))
	if err != nil {
		return exitError(exitRuntime, "process: %v", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(out, doc)
	}
	fmt.Fprintf(out, "Processed %s: type=%s category=%s status=%s\n", doc.Name, doc.Type, doc.Category, doc.Status)
	if doc.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", doc.Error)
	}
	for key, value := range doc.Fields {
		fmt.Fprintf(out, "  %s: %v\n", key, value)
	}
	return nil
}

func newDocListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processed documents",
		RunE:  runDocList,
	}
	addConfigFlag(cmd)
	cmd.Flags().String("client", "", "Filter by client ID")
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

func runDocList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := document.NewSQLiteStore(document.SQLiteStoreConfig{DSN: cfg.SQLitePath})
	if err != nil {
		return exitError(exitRuntime, "open document store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	clientID, _ := cmd.Flags().GetString("client")
	var docs []document.Document
	if clientID != "" {
		docs, err = store.ListByClient(cmd.Context(), clientID)
	} else {
		docs, err = store.List(cmd.Context())
	}
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(out, docs)
	}
	if len(docs) == 0 {
		fmt.Fprintln(out, "No documents.")
		return nil
	}
	for _, doc := range docs {
		fmt.Fprintf(out, "%-36s %-32s %-14s %-12s %s\n", doc.ID, doc.Name, doc.Type, doc.Status, doc.Category)
	}
	return nil
}
