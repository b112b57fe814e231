package agent

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-oauth-debug/internal/store"
)

// issuedCode is what the mock authorization server remembers about a code.
type issuedCode struct {
	clientID    string
	challenge   string
	redirectURI string
	resource    string
	scope       string
}

// MockAuthServer provides a mock OAuth 2.1 authorization server for testing.
//
// The token endpoint verifies S256(code_verifier) against the stored
// code_challenge and answers failures with RFC 6749 JSON errors.
type MockAuthServer struct {
	*httptest.Server
	t *testing.T

	// Configuration, fixed before the server starts
	supportsClientRegistration bool
	registrationToken          string
	scopesSupported            []string
	codeChallengeMethods       []string
	authorizationEndpoint      string
	serveMCPEndpoint           bool

	// State tracking
	mu                   sync.Mutex
	codes                map[string]issuedCode
	authRequests         []url.Values
	tokenRequests        []url.Values
	registrationRequests []map[string]interface{}
	requestCount         int
	issued               int
}

type mockASOption func(*MockAuthServer)

func withoutRegistration() mockASOption {
	return func(m *MockAuthServer) { m.supportsClientRegistration = false }
}

func withRegistrationToken(token string) mockASOption {
	return func(m *MockAuthServer) { m.registrationToken = token }
}

func withASScopes(scopes ...string) mockASOption {
	return func(m *MockAuthServer) { m.scopesSupported = scopes }
}

func withChallengeMethods(methods ...string) mockASOption {
	return func(m *MockAuthServer) { m.codeChallengeMethods = methods }
}

// withAuthorizationEndpoint advertises an external authorization endpoint,
// e.g. an Azure AD host. Codes are then minted with IssueCode.
func withAuthorizationEndpoint(endpoint string) mockASOption {
	return func(m *MockAuthServer) { m.authorizationEndpoint = endpoint }
}

// withMCPEndpoint also serves an MCP endpoint at /mcp that answers 401
// without resource metadata, so the server is its own authorization server.
func withMCPEndpoint() mockASOption {
	return func(m *MockAuthServer) { m.serveMCPEndpoint = true }
}

// NewMockAuthServer creates a new mock authorization server
func NewMockAuthServer(t *testing.T, opts ...mockASOption) *MockAuthServer {
	t.Helper()

	mas := &MockAuthServer{
		t:                          t,
		supportsClientRegistration: true,
		scopesSupported:            []string{"mcp:read", "mcp:write"},
		codeChallengeMethods:       []string{"S256"},
		codes:                      make(map[string]issuedCode),
	}
	for _, opt := range opts {
		opt(mas)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", mas.handleASMetadata)
	mux.HandleFunc("/authorize", mas.handleAuthorize)
	mux.HandleFunc("/token", mas.handleToken)
	mux.HandleFunc("/register", mas.handleRegister)
	if mas.serveMCPEndpoint {
		mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
			w.WriteHeader(http.StatusUnauthorized)
		})
	}

	mas.Server = httptest.NewServer(mux)
	t.Cleanup(mas.Close)
	return mas
}

// Metadata returns the metadata document the server advertises.
func (mas *MockAuthServer) Metadata() *AuthorizationServerMetadata {
	authEndpoint := mas.URL + "/authorize"
	if mas.authorizationEndpoint != "" {
		authEndpoint = mas.authorizationEndpoint
	}
	metadata := &AuthorizationServerMetadata{
		Issuer:                 mas.URL,
		AuthorizationEndpoint:  authEndpoint,
		TokenEndpoint:          mas.URL + "/token",
		ScopesSupported:        mas.scopesSupported,
		ResponseTypesSupported: []string{responseTypeCode},
		GrantTypesSupported:    []string{grantAuthCode, grantRefreshToken},
		CodeChallengeMethods:   mas.codeChallengeMethods,
	}
	if mas.supportsClientRegistration {
		metadata.RegistrationEndpoint = mas.URL + "/register"
	}
	return metadata
}

func (mas *MockAuthServer) handleASMetadata(w http.ResponseWriter, r *http.Request) {
	mas.mu.Lock()
	mas.requestCount++
	mas.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mas.Metadata())
}

// handleAuthorize approves every valid request and redirects with a code
func (mas *MockAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	mas.mu.Lock()
	mas.requestCount++
	mas.authRequests = append(mas.authRequests, query)
	mas.mu.Unlock()

	if query.Get("client_id") == "" || query.Get("redirect_uri") == "" || query.Get("response_type") != responseTypeCode {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	if query.Get("code_challenge") == "" || query.Get("code_challenge_method") != pkceMethodS256 {
		http.Error(w, "invalid_request: S256 code_challenge required", http.StatusBadRequest)
		return
	}

	redirectURL, err := url.Parse(query.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "invalid_redirect_uri", http.StatusBadRequest)
		return
	}

	params := url.Values{}
	params.Set("code", mas.mintCode(query))
	if state := query.Get("state"); state != "" {
		params.Set("state", state)
	}
	redirectURL.RawQuery = params.Encode()

	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

// IssueCode mints a code for an authorization URL without visiting it.
func (mas *MockAuthServer) IssueCode(authorizationURL string) string {
	mas.t.Helper()
	parsed, err := url.Parse(authorizationURL)
	if err != nil {
		mas.t.Fatalf("invalid authorization URL %q: %v", authorizationURL, err)
	}
	mas.mu.Lock()
	mas.authRequests = append(mas.authRequests, parsed.Query())
	mas.mu.Unlock()
	return mas.mintCode(parsed.Query())
}

func (mas *MockAuthServer) mintCode(query url.Values) string {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	mas.issued++
	code := fmt.Sprintf("AUTH_CODE_%d", mas.issued)
	mas.codes[code] = issuedCode{
		clientID:    query.Get("client_id"),
		challenge:   query.Get("code_challenge"),
		redirectURI: query.Get("redirect_uri"),
		resource:    query.Get("resource"),
		scope:       query.Get("scope"),
	}
	return code
}

// handleToken redeems codes issued by the authorize endpoint
func (mas *MockAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, "invalid_request", "malformed form body")
		return
	}

	form := url.Values{}
	for k, v := range r.PostForm {
		form[k] = append([]string(nil), v...)
	}
	clientID := form.Get("client_id")
	if user, _, ok := r.BasicAuth(); ok {
		clientID = user
		form.Set("basic_auth_client_id", user)
	}

	mas.mu.Lock()
	mas.requestCount++
	mas.tokenRequests = append(mas.tokenRequests, form)
	issued, found := mas.codes[form.Get("code")]
	delete(mas.codes, form.Get("code"))
	mas.mu.Unlock()

	if form.Get("grant_type") != grantAuthCode {
		writeOAuthError(w, "unsupported_grant_type", "only authorization_code is supported")
		return
	}
	if !found {
		writeOAuthError(w, "invalid_grant", "unknown or already used authorization code")
		return
	}
	if issued.clientID != clientID {
		writeOAuthError(w, "invalid_grant", "code was issued to another client")
		return
	}
	if issued.redirectURI != form.Get("redirect_uri") {
		writeOAuthError(w, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if s256(form.Get("code_verifier")) != issued.challenge {
		writeOAuthError(w, "invalid_grant", "PKCE verification failed")
		return
	}

	mas.mu.Lock()
	n := len(mas.tokenRequests)
	mas.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  fmt.Sprintf("ACCESS_TOKEN_%d", n),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": fmt.Sprintf("REFRESH_TOKEN_%d", n),
		"scope":         issued.scope,
	})
}

// handleRegister handles dynamic client registration
func (mas *MockAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !mas.supportsClientRegistration {
		http.Error(w, "not_supported", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method_not_allowed", http.StatusMethodNotAllowed)
		return
	}
	if mas.registrationToken != "" && r.Header.Get("Authorization") != "Bearer "+mas.registrationToken {
		http.Error(w, "invalid_token", http.StatusUnauthorized)
		return
	}

	var req map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid_client_metadata", http.StatusBadRequest)
		return
	}

	mas.mu.Lock()
	mas.requestCount++
	mas.registrationRequests = append(mas.registrationRequests, req)
	clientID := fmt.Sprintf("registered_client_%d", len(mas.registrationRequests))
	mas.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"client_id":                  clientID,
		"client_id_issued_at":        1700000000,
		"redirect_uris":              req["redirect_uris"],
		"grant_types":                req["grant_types"],
		"response_types":             req["response_types"],
		"token_endpoint_auth_method": authMethodNone,
		"scope":                      req["scope"],
	})
}

// AuthRequests returns the query of every authorization request seen
func (mas *MockAuthServer) AuthRequests() []url.Values {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return append([]url.Values{}, mas.authRequests...)
}

// TokenRequests returns the form of every token request seen
func (mas *MockAuthServer) TokenRequests() []url.Values {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return append([]url.Values{}, mas.tokenRequests...)
}

// RegistrationRequests returns all registration requests received
func (mas *MockAuthServer) RegistrationRequests() []map[string]interface{} {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return append([]map[string]interface{}{}, mas.registrationRequests...)
}

// GetRequestCount returns the total number of requests received
func (mas *MockAuthServer) GetRequestCount() int {
	mas.mu.Lock()
	defer mas.mu.Unlock()
	return mas.requestCount
}

func writeOAuthError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// MockMCPServer provides a mock MCP server publishing protected resource
// metadata and challenging unauthenticated requests.
type MockMCPServer struct {
	*httptest.Server
	t *testing.T

	// Configuration, fixed before the server starts
	authorizationServers []string
	scopesSupported      []string
	resourcePath         string
	prmDisabled          bool

	mu           sync.Mutex
	requestCount int
}

type mockMCPOption func(*MockMCPServer)

func withoutResourceMetadata() mockMCPOption {
	return func(m *MockMCPServer) { m.prmDisabled = true }
}

func withResourcePath(path string) mockMCPOption {
	return func(m *MockMCPServer) { m.resourcePath = path }
}

func withAuthorizationServers(servers ...string) mockMCPOption {
	return func(m *MockMCPServer) { m.authorizationServers = servers }
}

func withResourceScopes(scopes ...string) mockMCPOption {
	return func(m *MockMCPServer) { m.scopesSupported = scopes }
}

// NewMockMCPServer creates a new mock MCP server protected by authServerURL
func NewMockMCPServer(t *testing.T, authServerURL string, opts ...mockMCPOption) *MockMCPServer {
	t.Helper()

	mms := &MockMCPServer{
		t:               t,
		scopesSupported: []string{"mcp:read"},
		resourcePath:    "/mcp",
	}
	if authServerURL != "" {
		mms.authorizationServers = []string{authServerURL}
	}
	for _, opt := range opts {
		opt(mms)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", mms.handleResourceMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", mms.handleResourceMetadata)
	mux.HandleFunc("/mcp", mms.handleMCP)

	mms.Server = httptest.NewServer(mux)
	t.Cleanup(mms.Close)
	return mms
}

// ServerURL is the MCP endpoint clients connect to.
func (mms *MockMCPServer) ServerURL() string {
	return mms.URL + "/mcp"
}

func (mms *MockMCPServer) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	mms.mu.Lock()
	mms.requestCount++
	mms.mu.Unlock()

	if mms.prmDisabled {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&ProtectedResourceMetadata{
		Resource:               mms.URL + mms.resourcePath,
		AuthorizationServers:   mms.authorizationServers,
		ScopesSupported:        mms.scopesSupported,
		BearerMethodsSupported: []string{"header"},
	})
}

func (mms *MockMCPServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	mms.mu.Lock()
	mms.requestCount++
	mms.mu.Unlock()

	challenge := `Bearer realm="mcp"`
	if !mms.prmDisabled {
		challenge = fmt.Sprintf(`Bearer resource_metadata="%s/.well-known/oauth-protected-resource", scope="%s"`,
			mms.URL, strings.Join(mms.scopesSupported, " "))
	}
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// GetRequestCount returns the total number of requests received
func (mms *MockMCPServer) GetRequestCount() int {
	mms.mu.Lock()
	defer mms.mu.Unlock()
	return mms.requestCount
}

// newTestProvider returns a DebugProvider over a fresh in-memory store.
func newTestProvider(t *testing.T, serverURL string) *DebugProvider {
	t.Helper()
	provider, err := NewDebugProvider(store.NewMemoryStore(), DebugProviderConfig{ServerURL: serverURL})
	if err != nil {
		t.Fatalf("NewDebugProvider() error = %v", err)
	}
	return provider
}

// fakeSession is an MCPSession answering from fixed results.
type fakeSession struct {
	headers  map[string]string
	tools    int
	initErr  error
	closed   bool
	started  bool
	toolsErr error
}

func (f *fakeSession) Start(context.Context) error { f.started = true; return nil }

func (f *fakeSession) Initialize(context.Context, mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.InitializeResult{ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION}, nil
}

func (f *fakeSession) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.toolsErr != nil {
		return nil, f.toolsErr
	}
	tools := make([]mcp.Tool, f.tools)
	for i := range tools {
		tools[i] = mcp.NewTool(fmt.Sprintf("tool_%d", i))
	}
	return &mcp.ListToolsResult{Tools: tools}, nil
}

func (f *fakeSession) Close() error { f.closed = true; return nil }

// fakeSessionFactory returns a factory handing out session and recording
// the headers it was created with.
func fakeSessionFactory(session *fakeSession) MCPClientFactory {
	return func(serverURL string, httpClient *http.Client, headers map[string]string) (MCPSession, error) {
		session.headers = headers
		return session, nil
	}
}
