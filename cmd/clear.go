package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oauth-debug/internal/agent"
	"github.com/giantswarm/mcp-oauth-debug/internal/store"
)

var clearAll bool

// newClearCmd creates the command that forgets stored credentials
func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove stored credentials for an MCP server",
		Long: `Removes the client registration, tokens and code verifier stored for
--endpoint in the --store file. With --all the pre-registered client, the
discovered server metadata and the saved flow state are removed as well.`,
		RunE: runClear,
	}
	cmd.Flags().BoolVar(&clearAll, "all", false, "Also remove server metadata and the saved flow state")
	return cmd
}

func runClear(cmd *cobra.Command, args []string) error {
	path := storePath
	serverURL := endpoint
	if configFile != "" {
		config, err := agent.LoadOAuthConfigFile(configFile)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("store") && config.StorePath != "" {
			path = config.StorePath
		}
		if !cmd.Flags().Changed("endpoint") && config.ServerURL != "" {
			serverURL = config.ServerURL
		}
	}
	if path == "" {
		return fmt.Errorf("no credential store configured, use --store")
	}

	st, err := store.NewFileStore(path)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	provider, err := agent.NewDebugProvider(st, agent.DebugProviderConfig{ServerURL: serverURL})
	if err != nil {
		return err
	}
	if err := provider.Clear(clearAll); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}

	fmt.Printf("Cleared stored credentials for %s in %s\n", serverURL, st.Path())
	return nil
}
