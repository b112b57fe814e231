package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrRegistrationNotSupported is returned when the authorization server has
// no registration_endpoint and no client is configured.
var ErrRegistrationNotSupported = errors.New("authorization server does not support dynamic client registration")

// ScopeList decodes an RFC 7591 scope value given either as a space
// separated string or as a JSON array.
type ScopeList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *ScopeList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		str = strings.TrimSpace(str)
		if str == "" {
			*s = nil
			return nil
		}
		*s = strings.Fields(str)
		return nil
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = make([]string, 0, len(arr))
		for _, v := range arr {
			if v = strings.TrimSpace(v); v != "" {
				*s = append(*s, v)
			}
		}
		return nil
	}

	return fmt.Errorf("invalid scope format: %s", string(data))
}

// String joins the scopes with spaces.
func (s ScopeList) String() string {
	return strings.Join(s, " ")
}

// registerClient performs RFC 7591 dynamic client registration against the
// authorization server's registration endpoint.
func registerClient(ctx context.Context, httpClient *http.Client, asMetadata *AuthorizationServerMetadata, metadata ClientMetadata, logger *Logger) (*ClientInformation, error) {
	if asMetadata == nil || asMetadata.RegistrationEndpoint == "" {
		return nil, ErrRegistrationNotSupported
	}
	if err := validateRegistrationEndpoint(asMetadata.RegistrationEndpoint); err != nil {
		return nil, err
	}
	if len(metadata.RedirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect URI is required")
	}

	body, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, asMetadata.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	logger.Request("POST "+asMetadata.RegistrationEndpoint, metadata)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform dynamic client registration: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info, err := decodeRegistrationResponse(resp)
	if err != nil {
		return nil, err
	}

	logger.Response("POST "+asMetadata.RegistrationEndpoint, registrationSummary(info))
	return info, nil
}

// validateRegistrationEndpoint requires HTTPS except for loopback hosts.
func validateRegistrationEndpoint(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid registration endpoint URL: %w", err)
	}
	if parsed.Scheme != schemeHTTPS && !(parsed.Scheme == schemeHTTP && isLocalhost(parsed.Host)) {
		return fmt.Errorf("registration endpoint must use HTTPS: %s", endpoint)
	}
	return nil
}

func decodeRegistrationResponse(resp *http.Response) (*ClientInformation, error) {
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("dynamic client registration failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(errorBody)))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		return nil, fmt.Errorf("unexpected content type: %s", contentType)
	}

	var info ClientInformation
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode registration response: %w", err)
	}
	if info.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}
	return &info, nil
}

// registrationSummary is the loggable view of a registration response.
func registrationSummary(info *ClientInformation) map[string]interface{} {
	summary := map[string]interface{}{
		"client_id": info.ClientID,
	}
	if info.ClientSecret != "" {
		summary["client_secret"] = redactSecret(info.ClientSecret)
	}
	if info.TokenEndpointAuthMethod != "" {
		summary["token_endpoint_auth_method"] = info.TokenEndpointAuthMethod
	}
	if len(info.Scope) > 0 {
		summary["scope"] = info.Scope.String()
	}
	return summary
}
