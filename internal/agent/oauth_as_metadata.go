package agent

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrASMetadataNotFound is returned when no discovery endpoint yields valid
// authorization server metadata.
var ErrASMetadataNotFound = errors.New("authorization server metadata not found")

//go:embed schemas/authorization_server_metadata.json
var asMetadataSchemaJSON []byte

var loadASMetadataSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(asMetadataSchemaJSON))
})

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata
// as defined in RFC 8414 and OpenID Connect Discovery 1.0.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL for the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL for the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL for Dynamic Client Registration (optional)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// CodeChallengeMethods lists supported PKCE code challenge methods
	// MCP authorization requires this field to be present and include "S256"
	CodeChallengeMethods []string `json:"code_challenge_methods_supported,omitempty"`

	// ScopesSupported lists supported OAuth scopes (optional)
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists supported OAuth response types
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`

	// GrantTypesSupported lists supported OAuth grant types
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists supported token endpoint auth methods
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// RevocationEndpoint is the RFC 7009 token revocation endpoint (optional)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`
}

// DiscoverAuthorizationServerMetadata discovers authorization server metadata
// for the given issuer URL per RFC 8414 and OIDC Discovery 1.0.
//
// Discovery probes endpoints in this priority order:
//
// For issuer URLs with path components (e.g., https://auth.example.com/tenant1):
//  1. OAuth 2.0 with path insertion: https://auth.example.com/.well-known/oauth-authorization-server/tenant1
//  2. OIDC with path insertion: https://auth.example.com/.well-known/openid-configuration/tenant1
//  3. OIDC path appending: https://auth.example.com/tenant1/.well-known/openid-configuration
//
// For issuer URLs without path components (e.g., https://auth.example.com):
//  1. OAuth 2.0: https://auth.example.com/.well-known/oauth-authorization-server
//  2. OIDC: https://auth.example.com/.well-known/openid-configuration
//
// Returns the first successfully retrieved metadata document.
func DiscoverAuthorizationServerMetadata(ctx context.Context, httpClient *http.Client, issuerURL string, logger *Logger) (*AuthorizationServerMetadata, error) {
	endpoints, err := buildASMetadataEndpoints(issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to build AS metadata endpoints: %w", err)
	}

	logger.InfoVerbose("Probing %d AS metadata endpoints for issuer: %s", len(endpoints), issuerURL)

	var lastErr error
	for i, endpoint := range endpoints {
		logger.InfoVerbose("Trying AS metadata endpoint (%d/%d): %s", i+1, len(endpoints), endpoint)

		metadata, err := fetchASMetadata(ctx, httpClient, endpoint, logger)
		if err != nil {
			logger.WarningVerbose("Failed to fetch from %s: %v", endpoint, err)
			lastErr = err
			continue
		}

		if err := validateASMetadata(metadata); err != nil {
			logger.WarningVerbose("Invalid metadata from %s: %v", endpoint, err)
			lastErr = err
			continue
		}

		logger.Info("Discovered AS metadata at %s", endpoint)
		return metadata, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w for %s (last error: %w)", ErrASMetadataNotFound, issuerURL, lastErr)
	}

	return nil, fmt.Errorf("%w for %s", ErrASMetadataNotFound, issuerURL)
}

// normalizePath removes leading and trailing slashes from a URL path.
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	return strings.TrimSuffix(p, "/")
}

// isLocalhost checks if the given host is localhost or 127.0.0.1
func isLocalhost(host string) bool {
	return host == "localhost" ||
		strings.HasPrefix(host, "localhost:") ||
		host == "127.0.0.1" ||
		strings.HasPrefix(host, "127.0.0.1:") ||
		host == "[::1]" ||
		strings.HasPrefix(host, "[::1]:")
}

// buildASMetadataEndpoints constructs AS metadata discovery endpoints
// based on the issuer URL format per RFC 8414 Section 3 and OIDC Discovery Section 4.
func buildASMetadataEndpoints(issuerURL string) ([]string, error) {
	parsed, err := url.Parse(issuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}

	if !parsed.IsAbs() {
		return nil, fmt.Errorf("issuer URL must be absolute")
	}

	// Validate scheme: HTTPS required, HTTP only allowed for localhost
	if parsed.Scheme == schemeHTTP {
		if !isLocalhost(parsed.Host) {
			return nil, fmt.Errorf("issuer URL must use https scheme (http only allowed for localhost, got: %s)", parsed.Host)
		}
	} else if parsed.Scheme != schemeHTTPS {
		return nil, fmt.Errorf("issuer URL must use http or https scheme")
	}

	if parsed.Host == "" {
		return nil, fmt.Errorf("issuer URL missing host")
	}

	var endpoints []string
	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	path := normalizePath(parsed.Path)

	// Issuer URL has path components
	if path != "" {
		// Priority 1: OAuth 2.0 with path insertion
		// Format: https://host/.well-known/oauth-authorization-server/path
		endpoints = append(endpoints, fmt.Sprintf("%s/.well-known/oauth-authorization-server/%s", baseURL, path))

		// Priority 2: OIDC with path insertion
		// Format: https://host/.well-known/openid-configuration/path
		endpoints = append(endpoints, fmt.Sprintf("%s/.well-known/openid-configuration/%s", baseURL, path))

		// Priority 3: OIDC path appending
		// Format: https://host/path/.well-known/openid-configuration
		endpoints = append(endpoints, fmt.Sprintf("%s/%s/.well-known/openid-configuration", baseURL, path))
	} else {
		// Issuer URL without path components
		// Priority 1: OAuth 2.0
		endpoints = append(endpoints, fmt.Sprintf("%s/.well-known/oauth-authorization-server", baseURL))

		// Priority 2: OIDC
		endpoints = append(endpoints, fmt.Sprintf("%s/.well-known/openid-configuration", baseURL))
	}

	return endpoints, nil
}

// fetchASMetadata fetches authorization server metadata from the specified
// URL and checks it against the RFC 8414 JSON schema.
func fetchASMetadata(ctx context.Context, httpClient *http.Client, metadataURL string, logger *Logger) (*AuthorizationServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	logger.Request("GET "+metadataURL, nil)
	bodyBytes, err := readJSONResponse(httpClient, req)
	if err != nil {
		return nil, err
	}
	logger.Response("GET "+metadataURL, json.RawMessage(bodyBytes))

	if err := validateASMetadataSchema(bodyBytes); err != nil {
		return nil, err
	}

	var metadata AuthorizationServerMetadata
	if err := json.Unmarshal(bodyBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &metadata, nil
}

// validateASMetadataSchema validates a raw metadata document against the
// embedded JSON schema.
func validateASMetadataSchema(document []byte) error {
	schema, err := loadASMetadataSchema()
	if err != nil {
		return fmt.Errorf("failed to load AS metadata schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("metadata does not match RFC 8414 schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// validateASMetadata validates authorization server metadata structure
// and checks for required fields per RFC 8414 Section 3.
func validateASMetadata(metadata *AuthorizationServerMetadata) error {
	if metadata.Issuer == "" {
		return fmt.Errorf("missing required field: issuer")
	}

	if metadata.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing required field: authorization_endpoint")
	}

	if metadata.TokenEndpoint == "" {
		return fmt.Errorf("missing required field: token_endpoint")
	}

	// Validate endpoint URLs are absolute HTTP(S) URLs
	endpoints := map[string]string{
		"issuer":                 metadata.Issuer,
		"authorization_endpoint": metadata.AuthorizationEndpoint,
		"token_endpoint":         metadata.TokenEndpoint,
	}

	if metadata.RegistrationEndpoint != "" {
		endpoints["registration_endpoint"] = metadata.RegistrationEndpoint
	}

	for name, endpoint := range endpoints {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid %s URL: %w", name, err)
		}

		if !parsed.IsAbs() {
			return fmt.Errorf("%s must be absolute URL: %s", name, endpoint)
		}

		// Validate scheme: HTTPS required, HTTP only allowed for localhost
		if parsed.Scheme == schemeHTTP {
			if !isLocalhost(parsed.Host) {
				return fmt.Errorf("%s must use https scheme (http only allowed for localhost): %s", name, endpoint)
			}
		} else if parsed.Scheme != schemeHTTPS {
			return fmt.Errorf("%s must use http or https scheme: %s", name, endpoint)
		}

		if parsed.Host == "" {
			return fmt.Errorf("%s missing host: %s", name, endpoint)
		}
	}

	return nil
}

// ValidatePKCESupport checks if the authorization server advertises S256
// PKCE support in code_challenge_methods_supported.
//
// The state machine logs a failure as a warning and continues with S256.
func ValidatePKCESupport(metadata *AuthorizationServerMetadata) error {
	if len(metadata.CodeChallengeMethods) == 0 {
		return fmt.Errorf("authorization server does not advertise PKCE support (code_challenge_methods_supported missing or empty)")
	}

	for _, method := range metadata.CodeChallengeMethods {
		if method == pkceMethodS256 {
			return nil
		}
	}

	return fmt.Errorf("authorization server does not support S256 PKCE method (only: %v)", metadata.CodeChallengeMethods)
}
