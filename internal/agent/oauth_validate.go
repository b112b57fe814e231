package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPSession is the subset of an MCP client used to check that an access
// token is accepted by the MCP server.
type MCPSession interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	Close() error
}

// MCPClientFactory creates an MCP session that sends the given headers on
// every request.
type MCPClientFactory func(serverURL string, httpClient *http.Client, headers map[string]string) (MCPSession, error)

// NewStreamableHTTPSession is the default MCPClientFactory.
func NewStreamableHTTPSession(serverURL string, httpClient *http.Client, headers map[string]string) (MCPSession, error) {
	opts := []transport.StreamableHTTPCOption{transport.WithHTTPHeaders(headers)}
	if httpClient != nil {
		opts = append(opts, transport.WithHTTPBasicClient(httpClient))
	}

	mcpClient, err := client.NewStreamableHttpClient(serverURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP client: %w", err)
	}
	return mcpClient, nil
}

// validateAccessToken opens an MCP session with the bearer token, performs
// the initialize handshake and lists tools. It returns the number of tools.
func validateAccessToken(ctx context.Context, factory MCPClientFactory, httpClient *http.Client, serverURL string, tokens *Tokens, logger *Logger) (int, error) {
	if tokens == nil || tokens.AccessToken == "" {
		return 0, fmt.Errorf("no access token to validate")
	}
	if factory == nil {
		factory = NewStreamableHTTPSession
	}

	recorder := newChallengeRecorder(httpClient)
	session, err := factory(serverURL, recorder.client(), map[string]string{
		"Authorization": "Bearer " + tokens.AccessToken,
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = session.Close() }()

	if err := session.Start(ctx); err != nil {
		return 0, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "mcp-oauth-debug",
		Version: "1.0.0",
	}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	logger.Request(methodInitialize, initReq.Params)
	initResult, err := session.Initialize(ctx, initReq)
	if err != nil {
		return 0, recorder.explain(fmt.Errorf("MCP initialize with access token failed: %w", err))
	}
	logger.Response(methodInitialize, initResult)

	toolsReq := mcp.ListToolsRequest{}
	logger.Request(methodToolsList, toolsReq.Params)
	toolsResult, err := session.ListTools(ctx, toolsReq)
	if err != nil {
		return 0, recorder.explain(fmt.Errorf("MCP tools/list with access token failed: %w", err))
	}
	logger.Response(methodToolsList, toolsResult)

	return len(toolsResult.Tools), nil
}

// challengeRecorder keeps the last bearer challenge the MCP server answered
// with, so a rejected token can be explained.
type challengeRecorder struct {
	base    http.RoundTripper
	timeout time.Duration

	mu        sync.Mutex
	status    int
	challenge *WWWAuthenticateChallenge
}

func newChallengeRecorder(httpClient *http.Client) *challengeRecorder {
	r := &challengeRecorder{base: http.DefaultTransport}
	if httpClient != nil {
		if httpClient.Transport != nil {
			r.base = httpClient.Transport
		}
		r.timeout = httpClient.Timeout
	}
	return r
}

// client returns an HTTP client that records challenges through r and keeps
// the timeout of the configured client.
func (r *challengeRecorder) client() *http.Client {
	return &http.Client{Transport: r, Timeout: r.timeout}
}

func (r *challengeRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if header := resp.Header.Get("WWW-Authenticate"); header != "" {
			if challenge, parseErr := parseWWWAuthenticate(header); parseErr == nil {
				r.mu.Lock()
				r.status = resp.StatusCode
				r.challenge = challenge
				r.mu.Unlock()
			}
		}
	}
	return resp, nil
}

// explain adds the recorded challenge to err.
func (r *challengeRecorder) explain(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.challenge == nil {
		return err
	}
	return fmt.Errorf("%w (%s)", err, describeChallenge(r.status, r.challenge))
}

// describeChallenge summarizes a 401/403 bearer challenge, e.g.
// "403 insufficient_scope: needs admin, requires scope admin write".
func describeChallenge(status int, challenge *WWWAuthenticateChallenge) string {
	msg := fmt.Sprintf("%d", status)
	if challenge.Error != "" {
		msg += " " + challenge.Error
	}
	if challenge.ErrorDescription != "" {
		msg += ": " + challenge.ErrorDescription
	}
	if len(challenge.Scopes) > 0 {
		msg += ", requires scope " + strings.Join(challenge.Scopes, " ")
	}
	return msg
}
