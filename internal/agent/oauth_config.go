package agent

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRedirectURL is the debug callback registered for the debugger.
const DefaultRedirectURL = "http://localhost:8765/oauth/callback/debug"

// CodeMode selects how the authorization code is obtained.
type CodeMode string

const (
	// CodeModeManual prompts for the code (or the full callback URL).
	CodeModeManual CodeMode = "manual"
	// CodeModeAuto follows a single redirect hop from the authorization URL
	// and falls back to the prompt when no code comes back.
	CodeModeAuto CodeMode = "auto"
	// CodeModeCallback opens the browser and waits on the local redirect URL.
	CodeModeCallback CodeMode = "callback"
)

// OAuthConfig contains the settings of one debugging session
type OAuthConfig struct {
	// ServerURL is the MCP server to authorize against
	ServerURL string `yaml:"server_url"`

	// ClientID is a pre-registered OAuth client identifier (optional - DCR is used otherwise)
	ClientID string `yaml:"client_id"`

	// ClientSecret is the secret of the pre-registered client (optional for public clients)
	ClientSecret string `yaml:"client_secret"`

	// TokenEndpointAuthMethod of the pre-registered client (default: client_secret_basic with a secret, none without)
	TokenEndpointAuthMethod string `yaml:"token_endpoint_auth_method"`

	// Scopes overrides the scopes discovered from metadata
	Scopes []string `yaml:"scopes"`

	// AuthorizationServer picks one of the servers listed in protected
	// resource metadata instead of the first
	AuthorizationServer string `yaml:"authorization_server"`

	// RedirectURL is the callback URL registered for the flow
	RedirectURL string `yaml:"redirect_url"`

	// ClientName and ClientURI are sent during dynamic client registration
	ClientName string `yaml:"client_name"`
	ClientURI  string `yaml:"client_uri"`

	// RegistrationToken is an RFC 7591 initial access token for DCR
	RegistrationToken string `yaml:"registration_token"`

	// CodeMode selects how the authorization code is obtained
	CodeMode CodeMode `yaml:"code_mode"`

	// ValidateToken adds the validate_token step to the flow
	ValidateToken bool `yaml:"validate_token"`

	// StorePath is the credential file; empty keeps credentials in memory
	StorePath string `yaml:"store_path"`

	// HTTPTimeout bounds each outgoing HTTP request
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Resume continues a previously saved flow instead of starting over
	Resume bool `yaml:"resume"`
}

// DefaultOAuthConfig returns a default configuration
func DefaultOAuthConfig() *OAuthConfig {
	return &OAuthConfig{
		RedirectURL: DefaultRedirectURL,
		ClientName:  DefaultClientName,
		ClientURI:   DefaultClientURI,
		CodeMode:    CodeModeManual,
		HTTPTimeout: defaultHTTPTimeout,
	}
}

// LoadOAuthConfigFile reads a YAML configuration file on top of the defaults.
func LoadOAuthConfigFile(path string) (*OAuthConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultOAuthConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults returns a copy with empty fields set to their defaults
func (c *OAuthConfig) WithDefaults() *OAuthConfig {
	out := *c
	defaults := DefaultOAuthConfig()
	if out.RedirectURL == "" {
		out.RedirectURL = defaults.RedirectURL
	}
	if out.ClientName == "" {
		out.ClientName = defaults.ClientName
	}
	if out.ClientURI == "" {
		out.ClientURI = defaults.ClientURI
	}
	if out.CodeMode == "" {
		out.CodeMode = defaults.CodeMode
	}
	if out.HTTPTimeout == 0 {
		out.HTTPTimeout = defaults.HTTPTimeout
	}
	return &out
}

// Variant returns the flow variant the configuration asks for
func (c *OAuthConfig) Variant() FlowVariant {
	if c.ValidateToken {
		return ValidatedFlow
	}
	return BasicFlow
}

// Validate checks if the configuration is valid
func (c *OAuthConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("MCP server URL is required")
	}
	serverURL, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid MCP server URL: %w", err)
	}
	if (serverURL.Scheme != schemeHTTP && serverURL.Scheme != schemeHTTPS) || serverURL.Host == "" {
		return fmt.Errorf("MCP server URL must be an absolute http or https URL: %s", c.ServerURL)
	}

	if c.AuthorizationServer != "" {
		as, err := url.Parse(c.AuthorizationServer)
		if err != nil || (as.Scheme != schemeHTTP && as.Scheme != schemeHTTPS) || as.Host == "" {
			return fmt.Errorf("authorization server must be an absolute http or https URL: %s", c.AuthorizationServer)
		}
	}

	if c.RedirectURL == "" {
		return fmt.Errorf("OAuth redirect URL is required")
	}

	parsedURL, err := url.Parse(c.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid OAuth redirect URL: %w", err)
	}

	// Only allow HTTP for localhost/loopback addresses
	if parsedURL.Scheme == schemeHTTP {
		// Hostname() strips brackets from IPv6 addresses, so [::1] becomes ::1
		hostname := parsedURL.Hostname()
		if hostname != hostLocal && hostname != hostLoopback && hostname != "::1" {
			return fmt.Errorf("HTTP redirect URIs are only allowed for localhost/127.0.0.1/[::1], use HTTPS for other hosts")
		}
	} else if parsedURL.Scheme != schemeHTTPS {
		return fmt.Errorf("redirect URI scheme must be http (localhost only) or https, got: %s", parsedURL.Scheme)
	}

	if c.ClientSecret != "" && c.ClientID == "" {
		return fmt.Errorf("OAuth client secret requires a client ID")
	}

	switch c.TokenEndpointAuthMethod {
	case "", authMethodNone, authMethodBasic, authMethodPost:
	default:
		return fmt.Errorf("unsupported token endpoint auth method: %s", c.TokenEndpointAuthMethod)
	}

	switch c.CodeMode {
	case CodeModeManual, CodeModeAuto, CodeModeCallback:
	default:
		return fmt.Errorf("unsupported code mode %q (expected manual, auto or callback)", c.CodeMode)
	}

	if c.HTTPTimeout < 0 {
		return fmt.Errorf("HTTP timeout must not be negative")
	}

	return nil
}

// StaticClientInformation returns the pre-registered client, or nil when no
// client ID is configured.
func (c *OAuthConfig) StaticClientInformation() *ClientInformation {
	if c.ClientID == "" {
		return nil
	}
	method := c.TokenEndpointAuthMethod
	if method == "" {
		method = authMethodNone
		if c.ClientSecret != "" {
			method = authMethodBasic
		}
	}
	return &ClientInformation{
		ClientID:                c.ClientID,
		ClientSecret:            c.ClientSecret,
		TokenEndpointAuthMethod: method,
		RedirectURIs:            []string{c.RedirectURL},
	}
}

// NewHTTPClient returns an HTTP client with a request timeout and TLS 1.2 as
// the minimum protocol version.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
