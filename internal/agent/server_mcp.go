package agent

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes a Debugger as MCP tools so an AI assistant can step
// through the OAuth flow
type MCPServer struct {
	debugger        *Debugger
	logger          *Logger
	mcpServer       *server.MCPServer
	serverTransport string
}

// NewMCPServer creates a new MCP server around debugger
func NewMCPServer(debugger *Debugger, serverTransport string, logger *Logger) (*MCPServer, error) {
	if debugger == nil {
		return nil, fmt.Errorf("debugger is required")
	}

	mcpServer := server.NewMCPServer(
		"mcp-oauth-debug",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	ms := &MCPServer{
		debugger:        debugger,
		logger:          logger,
		mcpServer:       mcpServer,
		serverTransport: serverTransport,
	}

	ms.registerTools()

	return ms, nil
}

// Start starts the MCP server using stdio or streamable-http transport
func (m *MCPServer) Start(ctx context.Context, listenAddr string) error {
	switch m.serverTransport {
	case "stdio":
		return server.ServeStdio(m.mcpServer)
	case "streamable-http":
		httpServer := server.NewStreamableHTTPServer(
			m.mcpServer,
			server.WithEndpointPath("/mcp"),
		)
		return httpServer.Start(listenAddr)
	default:
		return fmt.Errorf("unsupported server transport: %s", m.serverTransport)
	}
}

// registerTools registers all MCP tools
func (m *MCPServer) registerTools() {
	stateTool := mcp.NewTool("oauth_state",
		mcp.WithDescription("Show the current OAuth flow state"),
	)
	m.mcpServer.AddTool(stateTool, m.handleState)

	nextTool := mcp.NewTool("oauth_next_step",
		mcp.WithDescription("Execute the current OAuth flow step and return the new state"),
	)
	m.mcpServer.AddTool(nextTool, m.handleNextStep)

	setCodeTool := mcp.NewTool("oauth_set_code",
		mcp.WithDescription("Provide the authorization code obtained from the authorization URL"),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Authorization code returned to the redirect URL"),
		),
	)
	m.mcpServer.AddTool(setCodeTool, m.handleSetCode)

	runTool := mcp.NewTool("oauth_run",
		mcp.WithDescription("Execute steps until the flow completes, fails or needs an authorization code"),
	)
	m.mcpServer.AddTool(runTool, m.handleRun)

	resetTool := mcp.NewTool("oauth_reset",
		mcp.WithDescription("Start a new OAuth flow"),
		mcp.WithBoolean("all",
			mcp.Description("Also forget the stored client registration and tokens"),
		),
	)
	m.mcpServer.AddTool(resetTool, m.handleReset)
}
