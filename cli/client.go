package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jradfs/cpaagent/clients"
	"github.com/jradfs/cpaagent/config"
)

// NewClientCmd creates the "client" command group for the client roster.
func NewClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage the client roster",
	}

	cmd.AddCommand(newClientAddCmd())
	cmd.AddCommand(newClientListCmd())
	cmd.AddCommand(newClientRemoveCmd())

	return cmd
}

func openClientStore(cfg config.Config) (*clients.SQLiteStore, error) {
	store, err := clients.NewSQLiteStore(clients.SQLiteStoreConfig{DSN: cfg.SQLitePath})
	if err != nil {
		return nil, exitError(exitRuntime, "open client store: %v", err)
	}
	return store, nil
}

func newClientAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a client to the roster",
		Args:  cobra.ExactArgs(1),
		RunE:  runClientAdd,
	}

	addConfigFlag(cmd)
	cmd.Flags().String("entity", string(clients.EntityLLC), "Entity type: sole_proprietor | partnership | s_corp | c_corp | llc | non_profit")
	cmd.Flags().String("ein", "", "Employer identification number (NN-NNNNNNN)")
	cmd.Flags().String("email", "", "Contact email")
	cmd.Flags().String("realm", "", "QuickBooks realm ID")
	cmd.Flags().String("notes", "", "Free-form notes")
	cmd.Flags().Bool("json", false, "Output JSON")

	return cmd
}

func runClientAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openClientStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	entity, _ := cmd.Flags().GetString("entity")
	ein, _ := cmd.Flags().GetString("ein")
	email, _ := cmd.Flags().GetString("email")
	realm, _ := cmd.Flags().GetString("realm")
	notes, _ := cmd.Flags().GetString("notes")

	client := clients.NewClient(args[0], clients.EntityType(entity))
	client.EIN = ein
	client.ContactEmail = email
	client.QuickBooksRealm = realm
	client.Notes = notes

	if err := client.Validate(); err != nil {
		return exitError(exitValidation, "%v", err)
	}
	if err := store.Create(cmd.Context(), client); err != nil {
		if errors.Is(err, clients.ErrDuplicateEIN) || errors.Is(err, clients.ErrDuplicateClient) {
			return exitError(exitValidation, "%v", err)
		}
		return exitError(exitRuntime, "%v", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(out, client)
	}
	fmt.Fprintf(out, "Added %s (%s)\n", client.Name, client.ID)
	return nil
}

func newClientListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE:  runClientList,
	}
	addConfigFlag(cmd)
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

func runClientList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openClientStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	roster, err := store.List(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(out, roster)
	}
	if len(roster) == 0 {
		fmt.Fprintln(out, "No clients on the roster.")
		return nil
	}
	for _, client := range roster {
		ein := client.EIN
		if ein == "" {
			ein = "-"
		}
		fmt.Fprintf(out, "%-36s %-28s %-16s %s\n", client.ID, client.Name, client.EntityType, ein)
	}
	return nil
}

func newClientRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a client from the roster",
		Args:  cobra.ExactArgs(1),
		RunE:  runClientRemove,
	}
	addConfigFlag(cmd)
	return cmd
}

func runClientRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openClientStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, clients.ErrClientNotFound) {
			return exitError(exitNotFound, "client %q not found", args[0])
		}
		return exitError(exitRuntime, "%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}
