package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/giantswarm/mcp-oauth-debug/internal/store"
)

// Storage keys. All but keyServerURL are namespaced per MCP server.
const (
	keyCodeVerifier                   = "mcp_code_verifier"
	keyServerURL                      = "mcp_server_url"
	keyTokens                         = "mcp_tokens"
	keyClientInformation              = "mcp_client_information"
	keyPreregisteredClientInformation = "mcp_preregistered_client_information"
	keyServerMetadata                 = "mcp_server_metadata"
	keyDebuggerState                  = "mcp_auth_debugger_state"
)

// Client metadata defaults used for dynamic registration.
const (
	DefaultClientName   = "MCP OAuth Debugger"
	DefaultClientURI    = "https://github.com/giantswarm/mcp-oauth-debug"
	grantAuthCode       = "authorization_code"
	grantRefreshToken   = "refresh_token"
	responseTypeCode    = "code"
	authMethodNone      = "none"
	authMethodBasic     = "client_secret_basic"
	authMethodPost      = "client_secret_post"
	debugCallbackSuffix = "/debug"
)

// ErrMissingCodeVerifier is returned when the PKCE verifier is requested
// before authorization_redirect stored one.
var ErrMissingCodeVerifier = errors.New("no code verifier saved")

// ClientMetadata is the RFC 7591 registration request descriptor.
type ClientMetadata struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientInformation is what the authorization server knows the client by:
// either a registration response or a pre-registered static client.
type ClientInformation struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at,omitempty"`

	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`

	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string  `json:"grant_types,omitempty"`
	ResponseTypes           []string  `json:"response_types,omitempty"`
	Scope                   ScopeList `json:"scope,omitempty"`
}

// Tokens is an RFC 6749 token response.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// OAuthClientProvider is the capability set the flow engine needs from
// whatever holds the client's identity and credentials.
type OAuthClientProvider interface {
	RedirectURL() string
	ClientMetadata() ClientMetadata
	ClientInformation() (*ClientInformation, error)
	SaveClientInformation(info *ClientInformation) error
	Tokens() (*Tokens, error)
	SaveTokens(tokens *Tokens) error
	CodeVerifier() (string, error)
	SaveCodeVerifier(verifier string) error
	ServerMetadata() (*AuthorizationServerMetadata, error)
	SaveServerMetadata(metadata *AuthorizationServerMetadata) error
}

// ResourceURLValidator is an optional provider capability that replaces the
// default RFC 8707 resource selection. An empty result means no resource.
type ResourceURLValidator interface {
	ValidateResourceURL(serverURL, metadataResource string) (string, error)
}

// codeVerifierClearer is implemented by providers that can drop a verifier
// once it has been exchanged.
type codeVerifierClearer interface {
	ClearCodeVerifier() error
}

// DebugProviderConfig configures a DebugProvider.
type DebugProviderConfig struct {
	ServerURL   string
	RedirectURL string
	ClientName  string
	ClientURI   string
	Scope       string
}

// DebugProvider is the debugger's OAuthClientProvider. It persists every
// record in a store.Store under keys namespaced by the MCP server URL.
type DebugProvider struct {
	store       store.Store
	serverURL   string
	redirectURL string
	clientName  string
	clientURI   string
	scope       string
}

// NewDebugProvider creates a provider for cfg.ServerURL and records the
// server URL in the store.
func NewDebugProvider(st store.Store, cfg DebugProviderConfig) (*DebugProvider, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = DefaultRedirectURL
	}
	if cfg.ClientName == "" {
		cfg.ClientName = DefaultClientName
	}
	if cfg.ClientURI == "" {
		cfg.ClientURI = DefaultClientURI
	}

	if err := st.SetItem(keyServerURL, cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("failed to record server URL: %w", err)
	}

	return &DebugProvider{
		store:       st,
		serverURL:   cfg.ServerURL,
		redirectURL: cfg.RedirectURL,
		clientName:  cfg.ClientName,
		clientURI:   cfg.ClientURI,
		scope:       cfg.Scope,
	}, nil
}

// ServerURL returns the MCP server this provider is bound to.
func (p *DebugProvider) ServerURL() string {
	return p.serverURL
}

func (p *DebugProvider) key(name string) string {
	return "[" + p.serverURL + "] " + name
}

// RedirectURL returns the debug callback the authorization server redirects to.
func (p *DebugProvider) RedirectURL() string {
	return p.redirectURL
}

// NormalRedirectURL returns the regular (non-debug) callback.
func (p *DebugProvider) NormalRedirectURL() string {
	return strings.TrimSuffix(p.redirectURL, debugCallbackSuffix)
}

// ClientMetadata returns a fresh registration descriptor on every call.
func (p *DebugProvider) ClientMetadata() ClientMetadata {
	redirectURIs := []string{p.redirectURL}
	if normal := p.NormalRedirectURL(); normal != p.redirectURL {
		redirectURIs = []string{normal, p.redirectURL}
	}
	return ClientMetadata{
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: authMethodNone,
		GrantTypes:              []string{grantAuthCode, grantRefreshToken},
		ResponseTypes:           []string{responseTypeCode},
		ClientName:              p.clientName,
		ClientURI:               p.clientURI,
		Scope:                   p.scope,
	}
}

// ClientInformation prefers a pre-registered client over a dynamically
// registered one. It returns nil, nil when neither exists.
func (p *DebugProvider) ClientInformation() (*ClientInformation, error) {
	var info ClientInformation
	found, err := p.load(keyPreregisteredClientInformation, &info)
	if err != nil || found {
		return nilIfNotFound(&info, found), err
	}
	found, err = p.load(keyClientInformation, &info)
	return nilIfNotFound(&info, found), err
}

// SaveClientInformation stores a dynamically registered client.
func (p *DebugProvider) SaveClientInformation(info *ClientInformation) error {
	return p.save(keyClientInformation, info)
}

// SavePreregisteredClientInformation stores a static client configured by the user.
func (p *DebugProvider) SavePreregisteredClientInformation(info *ClientInformation) error {
	return p.save(keyPreregisteredClientInformation, info)
}

// Tokens returns the stored tokens, or nil when none were saved.
func (p *DebugProvider) Tokens() (*Tokens, error) {
	var tokens Tokens
	found, err := p.load(keyTokens, &tokens)
	return nilIfNotFound(&tokens, found), err
}

// SaveTokens stores tokens from a successful exchange.
func (p *DebugProvider) SaveTokens(tokens *Tokens) error {
	return p.save(keyTokens, tokens)
}

// CodeVerifier returns the stored PKCE verifier.
func (p *DebugProvider) CodeVerifier() (string, error) {
	v, ok, err := p.store.GetItem(p.key(keyCodeVerifier))
	if err != nil {
		return "", fmt.Errorf("failed to read code verifier: %w", err)
	}
	if !ok || v == "" {
		return "", ErrMissingCodeVerifier
	}
	return v, nil
}

// SaveCodeVerifier stores the PKCE verifier for the pending authorization.
func (p *DebugProvider) SaveCodeVerifier(verifier string) error {
	return p.store.SetItem(p.key(keyCodeVerifier), verifier)
}

// ClearCodeVerifier removes a consumed verifier.
func (p *DebugProvider) ClearCodeVerifier() error {
	return p.store.RemoveItem(p.key(keyCodeVerifier))
}

// ServerMetadata returns the stored authorization server metadata.
func (p *DebugProvider) ServerMetadata() (*AuthorizationServerMetadata, error) {
	var metadata AuthorizationServerMetadata
	found, err := p.load(keyServerMetadata, &metadata)
	return nilIfNotFound(&metadata, found), err
}

// SaveServerMetadata stores discovered authorization server metadata.
func (p *DebugProvider) SaveServerMetadata(metadata *AuthorizationServerMetadata) error {
	return p.save(keyServerMetadata, metadata)
}

// LoadDebuggerState returns a previously saved flow state, if any.
func (p *DebugProvider) LoadDebuggerState() (*AuthDebuggerState, error) {
	var state AuthDebuggerState
	found, err := p.load(keyDebuggerState, &state)
	return nilIfNotFound(&state, found), err
}

// SaveDebuggerState stores the flow state so it can be resumed later.
func (p *DebugProvider) SaveDebuggerState(state AuthDebuggerState) error {
	return p.save(keyDebuggerState, state)
}

// Clear removes client information, tokens and the verifier together.
// Pre-registered clients and the saved flow state are removed as well when all is true.
func (p *DebugProvider) Clear(all bool) error {
	keys := []string{keyClientInformation, keyTokens, keyCodeVerifier}
	if all {
		keys = append(keys, keyPreregisteredClientInformation, keyServerMetadata, keyDebuggerState)
	}
	var errs []error
	for _, k := range keys {
		if err := p.store.RemoveItem(p.key(k)); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

func (p *DebugProvider) load(name string, v interface{}) (bool, error) {
	raw, ok, err := p.store.GetItem(p.key(name))
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return true, nil
}

func (p *DebugProvider) save(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := p.store.SetItem(p.key(name), string(data)); err != nil {
		return fmt.Errorf("failed to store %s: %w", name, err)
	}
	return nil
}

func nilIfNotFound[T any](v *T, found bool) *T {
	if !found {
		return nil
	}
	return v
}
