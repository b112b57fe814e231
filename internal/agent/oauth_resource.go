package agent

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrResourceMismatch is returned when protected resource metadata names a
// resource that does not cover the MCP server URL.
var ErrResourceMismatch = errors.New("protected resource does not match server URL")

// deriveResourceURI derives a canonical resource URI from an endpoint URL
// per RFC 8707 (Resource Indicators for OAuth 2.0).
//
// Canonicalization rules:
//   - Lowercase scheme and host
//   - Include port if non-standard (not 80/443)
//   - Include path if necessary to identify the MCP server
//   - No trailing slash (unless semantically significant)
//   - No fragment identifiers
//   - No query parameters
//
// Examples:
//   - https://MCP.Example.Com:443/mcp -> https://mcp.example.com/mcp
//   - https://example.com:8443/mcp -> https://example.com:8443/mcp
//   - http://localhost:8090/mcp -> http://localhost:8090/mcp
func deriveResourceURI(endpoint string) (string, error) {
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	// Validate required components
	if parsedURL.Scheme == "" {
		return "", fmt.Errorf("endpoint URL missing scheme: %s", endpoint)
	}
	if parsedURL.Host == "" {
		return "", fmt.Errorf("endpoint URL missing host: %s", endpoint)
	}

	// Normalize scheme and host to lowercase
	scheme := strings.ToLower(parsedURL.Scheme)
	host := strings.ToLower(parsedURL.Host)

	// Extract hostname and port using standard library
	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		// No port specified, use the whole host
		hostname = host
		port = ""
	}

	// Standard ports that should be omitted
	omitPort := (scheme == "https" && port == "443") || (scheme == "http" && port == "80")

	// Reconstruct host with normalized hostname and conditional port
	// net.SplitHostPort strips brackets from IPv6 addresses, so we need to add them back
	if strings.Contains(hostname, ":") {
		// IPv6 address - add brackets
		if omitPort || port == "" {
			host = "[" + hostname + "]"
		} else {
			host = "[" + hostname + "]:" + port
		}
	} else {
		// IPv4 or hostname
		if omitPort || port == "" {
			host = hostname
		} else {
			host = hostname + ":" + port
		}
	}

	// Build canonical URI
	// Include path but remove trailing slash unless it's just "/"
	path := parsedURL.Path
	if path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	resourceURI := scheme + "://" + host + path

	return resourceURI, nil
}

// resourceURLFromServerURL returns the server URL without its fragment, the
// default resource indicator for an MCP server.
func resourceURLFromServerURL(serverURL string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse server URL: %w", err)
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String(), nil
}

// checkResourceAllowed reports whether requested is covered by configured:
// both share an origin and configured's path is a segment-wise prefix of
// requested's path.
func checkResourceAllowed(requested, configured string) (bool, error) {
	reqOrigin, reqPath, err := splitResource(requested)
	if err != nil {
		return false, err
	}
	cfgOrigin, cfgPath, err := splitResource(configured)
	if err != nil {
		return false, err
	}

	if reqOrigin != cfgOrigin {
		return false, nil
	}
	if len(reqPath) < len(cfgPath) {
		return false, nil
	}
	return strings.HasPrefix(withTrailingSlash(reqPath), withTrailingSlash(cfgPath)), nil
}

func splitResource(resource string) (origin, path string, err error) {
	canonical, err := deriveResourceURI(resource)
	if err != nil {
		return "", "", err
	}
	parsed, err := url.Parse(canonical)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse resource URL: %w", err)
	}
	return parsed.Scheme + "://" + parsed.Host, parsed.EscapedPath(), nil
}

func withTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// selectResourceURL chooses the RFC 8707 resource indicator for a flow.
//
// A provider implementing ResourceURLValidator decides on its own. Otherwise
// no resource is sent without protected resource metadata, and the metadata's
// resource is used only when it covers the server URL.
func selectResourceURL(serverURL string, provider OAuthClientProvider, resourceMetadata *ProtectedResourceMetadata) (string, error) {
	defaultResource, err := resourceURLFromServerURL(serverURL)
	if err != nil {
		return "", err
	}

	if validator, ok := provider.(ResourceURLValidator); ok {
		metadataResource := ""
		if resourceMetadata != nil {
			metadataResource = resourceMetadata.Resource
		}
		return validator.ValidateResourceURL(defaultResource, metadataResource)
	}

	if resourceMetadata == nil {
		return "", nil
	}

	allowed, err := checkResourceAllowed(defaultResource, resourceMetadata.Resource)
	if err != nil {
		return "", fmt.Errorf("invalid protected resource %q: %w", resourceMetadata.Resource, err)
	}
	if !allowed {
		return "", fmt.Errorf("%w: %s does not match expected %s (or origin)", ErrResourceMismatch, resourceMetadata.Resource, defaultResource)
	}
	return resourceMetadata.Resource, nil
}
