package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource Metadata
// as defined in RFC 9728.
type ProtectedResourceMetadata struct {
	// Resource is the protected resource identifier
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers for this resource
	AuthorizationServers []string `json:"authorization_servers,omitempty"`

	// ScopesSupported lists the OAuth scopes supported by this resource
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// BearerMethodsSupported indicates how bearer tokens can be presented
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`

	// ResourceDocumentation provides human-readable documentation URL
	ResourceDocumentation string `json:"resource_documentation,omitempty"`

	// ResourceName is a human-readable name of the protected resource
	ResourceName string `json:"resource_name,omitempty"`
}

// WWWAuthenticateChallenge represents parsed WWW-Authenticate header information
type WWWAuthenticateChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer")
	Scheme string

	// ResourceMetadataURL is the URL to fetch protected resource metadata
	ResourceMetadataURL string

	// Scopes are the required scopes for this resource/operation
	Scopes []string

	// Error indicates the error type (e.g., "insufficient_scope")
	Error string

	// ErrorDescription provides human-readable error details
	ErrorDescription string
}

// parseWWWAuthenticate parses a WWW-Authenticate header value and extracts
// OAuth challenge parameters per RFC 6750 and RFC 9728.
//
// Example header:
//
//	WWW-Authenticate: Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource",
//	                         scope="files:read",
//	                         error="insufficient_scope"
func parseWWWAuthenticate(header string) (*WWWAuthenticateChallenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	// Split scheme and parameters
	// SplitN always returns at least one element, so no need to check len(parts) < 1
	parts := strings.SplitN(header, " ", 2)

	challenge := &WWWAuthenticateChallenge{
		Scheme: parts[0],
	}

	// Parse parameters if present
	if len(parts) == 2 {
		params := parseAuthParams(parts[1])
		challenge.ResourceMetadataURL = params["resource_metadata"]
		challenge.Error = params["error"]
		challenge.ErrorDescription = params["error_description"]

		// Parse scope parameter (space-separated list)
		if scopeParam := params["scope"]; scopeParam != "" {
			challenge.Scopes = strings.Fields(scopeParam)
		}
	}

	return challenge, nil
}

// parseAuthParams parses OAuth authentication parameters from the challenge.
// Handles both quoted and unquoted values.
// Format: key1="value1", key2="value2", key3=value3
func parseAuthParams(params string) map[string]string {
	result := make(map[string]string)

	// Split by comma, but respect quotes
	parts := splitPreservingQuotes(params, ',')

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// Split by equals sign
		eqIdx := strings.Index(part, "=")
		if eqIdx == -1 {
			continue
		}

		key := strings.TrimSpace(part[:eqIdx])
		value := strings.TrimSpace(part[eqIdx+1:])

		// Remove surrounding quotes from value if present
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}

		if key != "" {
			result[key] = value
		}
	}

	return result
}

// splitPreservingQuotes splits a string by delimiter but preserves quoted sections
func splitPreservingQuotes(s string, delimiter byte) []string {
	var result []string
	var current strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if ch == '"' {
			inQuotes = !inQuotes
			current.WriteByte(ch)
		} else if ch == delimiter && !inQuotes {
			result = append(result, current.String())
			current.Reset()
		} else {
			current.WriteByte(ch)
		}
	}

	// Add last segment
	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}

// discoverProtectedResourceMetadata discovers protected resource metadata
// for the given MCP server endpoint per RFC 9728.
//
// Discovery order:
//  1. Probe the endpoint without credentials; if it answers 401 with a
//     WWW-Authenticate resource_metadata URL, use it
//  2. Try well-known URI with path: /.well-known/oauth-protected-resource/mcp
//  3. Try well-known URI at root: /.well-known/oauth-protected-resource
func discoverProtectedResourceMetadata(ctx context.Context, httpClient *http.Client, endpoint string, logger *Logger) (*ProtectedResourceMetadata, error) {
	wellKnownURIs, err := buildWellKnownURIs(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build well-known URIs: %w", err)
	}

	if challenge := probeResourceChallenge(ctx, httpClient, endpoint, logger); challenge != nil && challenge.ResourceMetadataURL != "" {
		logger.InfoVerbose("Using resource_metadata URL from WWW-Authenticate: %s", challenge.ResourceMetadataURL)
		metadata, err := fetchProtectedResourceMetadata(ctx, httpClient, challenge.ResourceMetadataURL, logger)
		if err == nil {
			return metadata, nil
		}
		logger.WarningVerbose("Failed to fetch hinted resource metadata: %v", err)
	}

	var lastErr error
	for i, uri := range wellKnownURIs {
		logger.InfoVerbose("Trying well-known URI (%d/%d): %s", i+1, len(wellKnownURIs), uri)

		metadata, err := fetchProtectedResourceMetadata(ctx, httpClient, uri, logger)
		if err != nil {
			logger.WarningVerbose("Failed to fetch from %s: %v", uri, err)
			lastErr = err
			continue
		}

		logger.Info("Discovered protected resource metadata at %s", uri)
		return metadata, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no protected resource metadata found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no protected resource metadata found at well-known URIs")
}

// probeResourceChallenge sends one unauthenticated request to the MCP
// endpoint and returns the parsed Bearer challenge of a 401 answer, or nil.
func probeResourceChallenge(ctx context.Context, httpClient *http.Client, endpoint string, logger *Logger) *WWWAuthenticateChallenge {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		logger.WarningVerbose("Unauthenticated probe of %s failed: %v", endpoint, err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetadataSize))

	if resp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	challenge, err := parseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		logger.WarningVerbose("Server answered 401 without a usable challenge: %v", err)
		return nil
	}
	return challenge
}

// buildWellKnownURIs constructs the well-known URIs for protected resource metadata
// per RFC 9728 Section 3.
func buildWellKnownURIs(endpoint string) ([]string, error) {
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("endpoint URL must include scheme and host")
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	var uris []string

	// Path-based: /.well-known/oauth-protected-resource/<path>
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		path := strings.TrimPrefix(parsedURL.Path, "/")
		uris = append(uris, fmt.Sprintf("%s/.well-known/oauth-protected-resource/%s", baseURL, path))
	}

	uris = append(uris, fmt.Sprintf("%s/.well-known/oauth-protected-resource", baseURL))

	return uris, nil
}

// fetchProtectedResourceMetadata fetches and parses protected resource metadata
// from the specified URL.
func fetchProtectedResourceMetadata(ctx context.Context, httpClient *http.Client, metadataURL string, logger *Logger) (*ProtectedResourceMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	logger.Request("GET "+metadataURL, nil)
	bodyBytes, err := readJSONResponse(httpClient, req)
	if err != nil {
		return nil, err
	}
	logger.Response("GET "+metadataURL, json.RawMessage(bodyBytes))

	var metadata ProtectedResourceMetadata
	if err := json.Unmarshal(bodyBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata JSON: %w", err)
	}

	if err := validateProtectedResourceMetadata(&metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	return &metadata, nil
}

// readJSONResponse executes req and returns the body of a 200 application/json
// response, bounded by maxMetadataSize.
func readJSONResponse(httpClient *http.Client, req *http.Request) ([]byte, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		return nil, fmt.Errorf("unexpected Content-Type: %s (expected application/json)", contentType)
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(bodyBytes)) >= maxMetadataSize {
		return nil, fmt.Errorf("response exceeds maximum size of %d bytes", maxMetadataSize)
	}
	return bodyBytes, nil
}

// validateProtectedResourceMetadata validates that required fields are present
// and that any listed authorization server URLs are absolute HTTP(S) URLs.
// An empty authorization_servers list is accepted; the flow then falls back
// to the MCP server's own origin.
func validateProtectedResourceMetadata(metadata *ProtectedResourceMetadata) error {
	if metadata.Resource == "" {
		return fmt.Errorf("missing required field: resource")
	}

	for i, asURL := range metadata.AuthorizationServers {
		parsed, err := url.Parse(asURL)
		if err != nil {
			return fmt.Errorf("invalid authorization server URL at index %d: %w", i, err)
		}

		if !parsed.IsAbs() {
			return fmt.Errorf("authorization server URL at index %d must be absolute: %s", i, asURL)
		}

		if parsed.Scheme != schemeHTTPS && parsed.Scheme != schemeHTTP {
			return fmt.Errorf("authorization server URL at index %d must use http or https scheme: %s", i, asURL)
		}

		if parsed.Host == "" {
			return fmt.Errorf("authorization server URL at index %d missing host: %s", i, asURL)
		}
	}

	return nil
}

// selectAuthorizationServer selects an authorization server from the metadata.
//
// If preferredServer is specified and found in metadata.AuthorizationServers,
// it is returned. Otherwise, the first server in the list is returned per
// RFC 9728 Section 3 recommendation.
func selectAuthorizationServer(metadata *ProtectedResourceMetadata, preferredServer string) (string, error) {
	if metadata == nil || len(metadata.AuthorizationServers) == 0 {
		return "", fmt.Errorf("no authorization servers available")
	}

	if preferredServer != "" {
		for _, server := range metadata.AuthorizationServers {
			if server == preferredServer {
				return server, nil
			}
		}
		return "", fmt.Errorf("preferred authorization server not found: %s", preferredServer)
	}

	return metadata.AuthorizationServers[0], nil
}

// serverOrigin returns scheme://host of an MCP server URL, the default
// authorization server when no resource metadata names one.
func serverOrigin(serverURL string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("server URL must include scheme and host: %s", serverURL)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
