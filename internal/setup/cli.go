package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// NewCommand returns the "setup" command tree of the MCP server.
func NewCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the signal MCP server with a desktop MCP client",
	}
	cmd.PersistentFlags().StringVar(&configPath, "client-config", "", "client configuration file (default: platform location)")

	resolve := func() (string, error) {
		if configPath != "" {
			return configPath, nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return ClientConfigPath(runtime.GOOS, home, os.Getenv)
	}

	var opts Options
	register := &cobra.Command{
		Use:   "register",
		Short: "Add or update the server entry in the client configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			entry, err := Register(path, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s in %s\n  command: %s\n", ServerName, path, entry.Command)
			fmt.Fprintln(cmd.OutOrStdout(), "Restart the client to load the server.")
			return nil
		},
	}
	register.Flags().StringVar(&opts.BinaryPath, "binary", "", "server binary (default: search PATH)")
	register.Flags().StringVar(&opts.DataDir, "data-dir", "", "data directory for reviews and exports")
	register.Flags().StringVar(&opts.ArchiveDir, "archive-dir", "", "case archive loaded at startup")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current registration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			st, err := GetStatus(path)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				return err
			}
			if !st.OK() {
				return fmt.Errorf("registration has %d issue(s)", len(st.Issues))
			}
			return nil
		},
	}

	cmd.AddCommand(register, status)
	return cmd
}
