package agent

import "time"

// URL scheme and host constants for validation.
const (
	schemeHTTPS  = "https"
	schemeHTTP   = "http"
	hostLocal    = "localhost"
	hostLoopback = "127.0.0.1"
)

// PKCE code challenge method constant.
const pkceMethodS256 = "S256"

// userAgent is sent on every discovery, registration and redirect probe.
const userAgent = "mcp-oauth-debug/1.0"

// MCP protocol methods used by the token validation step.
const (
	methodInitialize = "initialize"
	methodToolsList  = "tools/list"
)

const (
	// Maximum size for metadata and registration documents (1MB)
	maxMetadataSize = 1024 * 1024

	// Default timeout for a single outgoing HTTP request
	defaultHTTPTimeout = 30 * time.Second
)
