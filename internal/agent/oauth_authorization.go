package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"golang.org/x/oauth2"
)

// Azure AD / Entra ID login hosts. Azure rejects the RFC 8707 resource
// parameter on both the authorization and the token endpoint.
var azureADHosts = []string{
	"login.microsoftonline.com",
	"login.microsoft.com",
	"login.live.com",
}

const azureB2CHostSuffix = ".b2clogin.com"

// pkcePair is an RFC 7636 verifier and its S256 challenge.
type pkcePair struct {
	Verifier  string
	Challenge string
}

func generatePKCE() (pkcePair, error) {
	verifier, err := client.GenerateCodeVerifier()
	if err != nil {
		return pkcePair{}, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return pkcePair{
		Verifier:  verifier,
		Challenge: client.GenerateCodeChallenge(verifier),
	}, nil
}

func generateOAuthState() (string, error) {
	state, err := client.GenerateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return state, nil
}

// authorizationRequest is the result of building an authorization URL.
type authorizationRequest struct {
	AuthorizationURL string
	CodeVerifier     string
	State            string
}

// startAuthorization builds the authorization URL for the code grant with a
// fresh PKCE pair and anti-CSRF state. An empty scope or resource is omitted.
func startAuthorization(asMetadata *AuthorizationServerMetadata, clientInfo *ClientInformation, redirectURL, scope, resource string) (*authorizationRequest, error) {
	if asMetadata == nil {
		return nil, fmt.Errorf("authorization server metadata is required")
	}
	if clientInfo == nil || clientInfo.ClientID == "" {
		return nil, fmt.Errorf("client information is required")
	}
	if len(asMetadata.ResponseTypesSupported) > 0 && !slices.Contains(asMetadata.ResponseTypesSupported, responseTypeCode) {
		return nil, fmt.Errorf("authorization server does not support response type %q (supported: %v)", responseTypeCode, asMetadata.ResponseTypesSupported)
	}

	pkce, err := generatePKCE()
	if err != nil {
		return nil, err
	}
	state, err := generateOAuthState()
	if err != nil {
		return nil, err
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkceMethodS256),
	}
	if resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", resource))
	}

	cfg := newOAuth2Config(asMetadata, clientInfo, redirectURL, scope)
	return &authorizationRequest{
		AuthorizationURL: cfg.AuthCodeURL(state, opts...),
		CodeVerifier:     pkce.Verifier,
		State:            state,
	}, nil
}

// exchangeAuthorization redeems an authorization code at the token endpoint,
// proving possession of the PKCE verifier.
func exchangeAuthorization(ctx context.Context, httpClient *http.Client, asMetadata *AuthorizationServerMetadata, clientInfo *ClientInformation, code, verifier, redirectURL, resource string) (*Tokens, error) {
	if asMetadata == nil {
		return nil, fmt.Errorf("authorization server metadata is required")
	}
	if clientInfo == nil || clientInfo.ClientID == "" {
		return nil, fmt.Errorf("client information is required")
	}
	if verifier == "" {
		return nil, ErrMissingCodeVerifier
	}

	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(verifier)}
	if resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", resource))
	}

	cfg := newOAuth2Config(asMetadata, clientInfo, redirectURL, "")
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	token, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return tokensFromOAuth2(token), nil
}

// newOAuth2Config maps discovered metadata and client information onto an
// oauth2.Config. The token endpoint auth method picks the auth style; "none"
// never sends a secret.
func newOAuth2Config(asMetadata *AuthorizationServerMetadata, clientInfo *ClientInformation, redirectURL, scope string) *oauth2.Config {
	secret := clientInfo.ClientSecret
	style := oauth2.AuthStyleInParams

	switch clientInfo.TokenEndpointAuthMethod {
	case authMethodNone:
		secret = ""
	case authMethodBasic:
		style = oauth2.AuthStyleInHeader
	case authMethodPost:
	default:
		if secret != "" {
			style = oauth2.AuthStyleInHeader
		}
	}

	cfg := &oauth2.Config{
		ClientID:     clientInfo.ClientID,
		ClientSecret: secret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   asMetadata.AuthorizationEndpoint,
			TokenURL:  asMetadata.TokenEndpoint,
			AuthStyle: style,
		},
	}
	if scope != "" {
		cfg.Scopes = strings.Fields(scope)
	}
	return cfg
}

func tokensFromOAuth2(token *oauth2.Token) *Tokens {
	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		TokenType:    token.Type(),
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: token.RefreshToken,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	return tokens
}

// isOAuthErrorCode reports whether err carries the given RFC 6749 error code
// from a token endpoint response.
func isOAuthErrorCode(err error, code string) bool {
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == code
}

// isAzureADEndpoint reports whether endpoint is hosted by Azure AD / Entra ID.
func isAzureADEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false
	}
	return slices.Contains(azureADHosts, host) || strings.HasSuffix(host, azureB2CHostSuffix)
}

// resourceParameter returns the resource to send to the authorization server,
// or an empty string when none was selected or the server is Azure AD.
func resourceParameter(asMetadata *AuthorizationServerMetadata, resource string) string {
	if resource == "" || asMetadata == nil {
		return resource
	}
	if isAzureADEndpoint(asMetadata.AuthorizationEndpoint) {
		return ""
	}
	return resource
}
