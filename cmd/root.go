package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oauth-debug/internal/agent"
	"github.com/giantswarm/mcp-oauth-debug/internal/store"
)

const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"

	envClientSecret = "OAUTH_CLIENT_SECRET"
)

var (
	version         string
	endpoint        string
	configFile      string
	storePath       string
	timeout         time.Duration
	httpTimeout     time.Duration
	verbose         bool
	noColor         bool
	jsonRPC         bool
	repl            bool
	mcpServer       bool
	serverTransport string
	listenAddr      string
	resume          bool

	// OAuth flags
	oauthClientID          string
	oauthClientSecret      string
	oauthAuthMethod        string
	oauthScopes            []string
	oauthAuthServer        string
	oauthRedirectURL       string
	oauthRegistrationToken string
	oauthClientName        string
	codeMode               string
	validateToken          bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-oauth-debug",
	Short: "Step through the OAuth flow of an MCP server",
	Long: `mcp-oauth-debug walks through the OAuth 2.1 authorization flow an MCP
client performs against a protected MCP server, one observable step at a time:

  metadata_discovery -> client_registration -> authorization_redirect ->
  authorization_code -> token_request -> [validate_token] -> complete

Each step reports what it discovered, registered or received, so that broken
metadata, registration or token endpoints can be spotted quickly.

The tool supports multiple modes:
- Normal mode (default): Run the whole flow and print the final state
- REPL mode (--repl): Execute the flow step by step interactively
- MCP Server mode (--mcp-server): Expose the debugger as MCP tools for AI assistants

The authorization code is obtained according to --code-mode:
- manual (default): Print the authorization URL and read the code or callback URL
- auto: Follow the authorization redirect without a browser, fall back to manual
- callback: Open the browser and wait for the redirect on --oauth-redirect-url

Credentials are kept in memory unless --store points at a JSON file.
The client secret can be provided through the OAUTH_CLIENT_SECRET environment variable.`,
	RunE: runOAuthDebug,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	// Flags shared with subcommands
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "http://localhost:8090/mcp", "MCP server URL to authorize against")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file (flags override its values)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "JSON file for persisting credentials and flow state (in-memory if empty)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.Flags().StringVar(&serverTransport, "server-transport", transportStdio, "Transport protocol for the MCP server itself (stdio, streamable-http)")
	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", ":8899", "Listen address for streamable-http server (path is fixed to /mcp)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Maximum time for running the whole flow in normal mode")
	rootCmd.Flags().DurationVar(&httpTimeout, "http-timeout", 30*time.Second, "Timeout for each HTTP request")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.Flags().BoolVar(&jsonRPC, "json-rpc", false, "Log full HTTP and JSON-RPC payloads")
	rootCmd.Flags().BoolVar(&repl, "repl", false, "Start interactive REPL mode")
	rootCmd.Flags().BoolVar(&mcpServer, "mcp-server", false, "Run as MCP server")
	rootCmd.Flags().BoolVar(&resume, "resume", false, "Continue the flow saved in --store instead of starting over")

	// OAuth flags
	rootCmd.Flags().StringVar(&oauthClientID, "oauth-client-id", "", "Pre-registered OAuth client ID (optional - will use Dynamic Client Registration if not provided)")
	rootCmd.Flags().StringVar(&oauthClientSecret, "oauth-client-secret", "", "OAuth client secret (optional, prefer the OAUTH_CLIENT_SECRET environment variable)")
	rootCmd.Flags().StringVar(&oauthAuthMethod, "oauth-token-auth-method", "", "Token endpoint auth method of the pre-registered client (none, client_secret_basic, client_secret_post)")
	rootCmd.Flags().StringSliceVar(&oauthScopes, "oauth-scopes", []string{}, "OAuth scopes to request (overrides scopes discovered from metadata)")
	rootCmd.Flags().StringVar(&oauthAuthServer, "oauth-authorization-server", "", "Authorization server to use when the protected resource metadata lists several (default: the first)")
	rootCmd.Flags().StringVar(&oauthRedirectURL, "oauth-redirect-url", agent.DefaultRedirectURL, "OAuth redirect URL for callback")
	rootCmd.Flags().StringVar(&oauthRegistrationToken, "oauth-registration-token", "", "Initial access token for Dynamic Client Registration (required if the server protects DCR)")
	rootCmd.Flags().StringVar(&oauthClientName, "oauth-client-name", agent.DefaultClientName, "Client name sent during Dynamic Client Registration")
	rootCmd.Flags().StringVar(&codeMode, "code-mode", string(agent.CodeModeManual), "How to obtain the authorization code (manual, auto, callback)")
	rootCmd.Flags().BoolVar(&validateToken, "validate-token", false, "Validate the access token against the MCP server before completing")

	// Add subcommands
	rootCmd.AddCommand(newClearCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())

	// Mark flags as mutually exclusive
	rootCmd.MarkFlagsMutuallyExclusive("repl", "mcp-server")
}

// validateServerTransport validates the transport of the MCP server mode
func validateServerTransport() error {
	switch serverTransport {
	case transportStdio, transportStreamableHTTP:
		return nil
	default:
		return fmt.Errorf("unsupported server transport '%s' (expected stdio or streamable-http)", serverTransport)
	}
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		if !mcpServer {
			fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		}
		cancel()
	}()
}

// buildOAuthConfig creates an OAuth configuration from the config file and
// CLI flags. Flags set explicitly win over file values.
func buildOAuthConfig(cmd *cobra.Command, logger *agent.Logger) (*agent.OAuthConfig, error) {
	config := agent.DefaultOAuthConfig()
	if configFile != "" {
		loaded, err := agent.LoadOAuthConfigFile(configFile)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	flags := cmd.Flags()
	override := func(name string) bool {
		return configFile == "" || flags.Changed(name)
	}

	if override("endpoint") || config.ServerURL == "" {
		config.ServerURL = endpoint
	}
	if override("oauth-client-id") {
		config.ClientID = oauthClientID
	}
	if override("oauth-client-secret") {
		config.ClientSecret = oauthClientSecret
	}
	if override("oauth-token-auth-method") {
		config.TokenEndpointAuthMethod = oauthAuthMethod
	}
	if override("oauth-scopes") {
		config.Scopes = oauthScopes
	}
	if override("oauth-authorization-server") {
		config.AuthorizationServer = oauthAuthServer
	}
	if override("oauth-redirect-url") {
		config.RedirectURL = oauthRedirectURL
	}
	if override("oauth-registration-token") {
		config.RegistrationToken = oauthRegistrationToken
	}
	if override("oauth-client-name") {
		config.ClientName = oauthClientName
	}
	if override("code-mode") {
		config.CodeMode = agent.CodeMode(codeMode)
	}
	if override("validate-token") {
		config.ValidateToken = validateToken
	}
	if override("store") {
		config.StorePath = storePath
	}
	if override("http-timeout") {
		config.HTTPTimeout = httpTimeout
	}
	if override("resume") {
		config.Resume = resume
	}

	// Security warning: Check if client secret was passed via CLI flag
	if oauthClientSecret != "" && flags.Changed("oauth-client-secret") {
		logger.Warning("Security Warning: Client secret passed via CLI flag is visible in process listings")
		logger.Info("Consider using environment variables instead: export %s=\"...\"", envClientSecret)
	}
	if config.ClientSecret == "" {
		config.ClientSecret = os.Getenv(envClientSecret)
	}

	config = config.WithDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OAuth configuration: %w", err)
	}

	if config.ClientID == "" {
		logger.Info("No client ID configured - will attempt Dynamic Client Registration")
	} else {
		logger.Info("Using client ID: %s", config.ClientID)
	}

	return config, nil
}

// openStore opens the credential store at path, or an in-memory store
func openStore(path string) (store.Store, error) {
	if path == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewFileStore(path)
}

// runMCPServer runs the debugger in MCP server mode
func runMCPServer(ctx context.Context, debugger *agent.Debugger, logger *agent.Logger) error {
	server, err := agent.NewMCPServer(debugger, serverTransport, logger)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	logger.Info("Starting mcp-oauth-debug MCP server (transport: %s)...", serverTransport)
	if serverTransport == transportStreamableHTTP {
		addr := listenAddr
		if !strings.Contains(addr, ":") {
			addr = ":" + addr
		}
		logger.Info("Listening on %s%s", addr, "/mcp")
	}

	if err := server.Start(ctx, listenAddr); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// runNormalMode runs the whole flow once and prints the final state
func runNormalMode(ctx context.Context, debugger *agent.Debugger, logger *agent.Logger) error {
	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	state, err := debugger.Run(timeoutCtx)
	fmt.Println()
	agent.RenderState(os.Stdout, state)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timeout reached after %v at step %s", timeout, state.OAuthStep)
		}
		return fmt.Errorf("OAuth flow failed at step %s: %w", state.OAuthStep, err)
	}
	logger.Success("OAuth flow complete")
	return nil
}

func runOAuthDebug(cmd *cobra.Command, args []string) error {
	if err := validateServerTransport(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel)

	if noColor {
		text.DisableColors()
	}
	logger := agent.NewLogger(verbose, !noColor, jsonRPC)
	if mcpServer && serverTransport == transportStdio {
		// stdout carries the MCP protocol
		logger.SetWriter(os.Stderr)
	}

	oauthConfig, err := buildOAuthConfig(cmd, logger)
	if err != nil {
		return err
	}

	st, err := openStore(oauthConfig.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	var replHandler *agent.REPL
	var manual agent.CodeSource
	switch {
	case mcpServer:
		// Codes arrive through the oauth_set_code tool.
	case repl:
		manual = agent.NewPromptCodeSource(func(prompt string) (string, error) {
			return replHandler.Prompt(prompt)
		}, os.Stdout)
	default:
		manual = agent.NewManualCodeSource(os.Stdin, os.Stdout)
	}

	debugger, _, err := agent.NewDebuggerFromConfig(oauthConfig, st, manual, logger)
	if err != nil {
		return err
	}
	logger.Info("Flow variant: %s", debugger.Variant())

	if mcpServer {
		return runMCPServer(ctx, debugger, logger)
	}

	if repl {
		replHandler = agent.NewREPL(debugger, logger)
		if err := replHandler.Run(ctx); err != nil {
			return fmt.Errorf("REPL error: %w", err)
		}
		return nil
	}

	return runNormalMode(ctx, debugger, logger)
}
