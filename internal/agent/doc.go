// Package agent implements an interactive OAuth 2.0 authorization flow
// debugger for MCP servers.
//
// The flow is modelled as a state machine that advances one step at a time:
//
//	metadata_discovery -> client_registration -> authorization_redirect ->
//	authorization_code -> token_request -> [validate_token] -> complete
//
// Each step reads the current AuthDebuggerState, performs at most one
// network exchange and returns a partial update that is merged back into
// the state. Shells (the CLI runner, the REPL and the MCP server) drive the
// machine through a Debugger.
//
// # Standards
//
//   - RFC 9728: Protected Resource Metadata discovery
//   - RFC 8414: Authorization Server Metadata discovery (OAuth and OIDC endpoints)
//   - RFC 7591: Dynamic Client Registration
//   - RFC 7636: PKCE with the S256 method
//   - RFC 8707: Resource Indicators, including the Azure AD exception
//
// # Key Components
//
//   - StateMachine: guarded, re-entrant step transitions
//   - DebugProvider: namespaced persistence of client information, tokens,
//     PKCE verifier and discovered metadata on top of a store.Store
//   - CodeSource: acquisition of the authorization code (manual, automatic
//     single-hop redirect or local callback listener)
//   - Debugger: serialised access to the machine for the driving shells
//   - REPL and MCPServer: the interactive and MCP-tool shells
//   - Logger: formatted logging with color support and protocol tracing
package agent
