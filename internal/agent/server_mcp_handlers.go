package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// handleState handles the oauth_state tool request
func (m *MCPServer) handleState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return stateResult(m.debugger.State(), nil), nil
}

// handleNextStep handles the oauth_next_step tool request
func (m *MCPServer) handleNextStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := m.debugger.Step(ctx)
	return stateResult(state, err), nil
}

// handleSetCode handles the oauth_set_code tool request
func (m *MCPServer) handleSetCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("invalid arguments type"), nil
	}

	code, ok := args["code"].(string)
	if !ok {
		return mcp.NewToolResultError("missing or invalid 'code' argument"), nil
	}

	state, err := m.debugger.SetAuthorizationCode(code)
	return stateResult(state, err), nil
}

// handleRun handles the oauth_run tool request. Without an interactive code
// source the run stops at authorization_code; the caller then uses
// oauth_set_code and runs again.
func (m *MCPServer) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := m.debugger.Run(ctx)
	if errors.Is(err, ErrAuthorizationCodeRequired) {
		return stateResult(state, nil), nil
	}
	return stateResult(state, err), nil
}

// handleReset handles the oauth_reset tool request
func (m *MCPServer) handleReset(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	all := false
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		all, _ = args["all"].(bool)
	}

	state, err := m.debugger.Reset(all)
	return stateResult(state, err), nil
}

// stateResult renders state as JSON. A step error turns the result into a
// tool error that still carries the state.
func stateResult(state AuthDebuggerState, err error) *mcp.CallToolResult {
	data, marshalErr := json.MarshalIndent(state, "", "  ")
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal state: %v", marshalErr))
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%v\n%s", err, data))
	}
	return mcp.NewToolResultText(string(data))
}
