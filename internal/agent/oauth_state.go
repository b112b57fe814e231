package agent

import (
	"encoding/json"
	"errors"
)

// OAuthStep names a position in the authorization flow.
type OAuthStep string

// Flow steps, in the order the state machine visits them.
const (
	StepMetadataDiscovery     OAuthStep = "metadata_discovery"
	StepClientRegistration    OAuthStep = "client_registration"
	StepAuthorizationRedirect OAuthStep = "authorization_redirect"
	StepAuthorizationCode     OAuthStep = "authorization_code"
	StepTokenRequest          OAuthStep = "token_request"
	StepValidateToken         OAuthStep = "validate_token"
	StepComplete              OAuthStep = "complete"
)

// AuthorizationCodeRequiredMessage is set as ValidationError when the
// authorization_code step runs without a usable code.
const AuthorizationCodeRequiredMessage = "You need to provide an authorization code"

// AuthDebuggerState is the full observable state of one authorization flow.
//
// ResourceMetadata and ResourceMetadataError are mutually exclusive.
type AuthDebuggerState struct {
	FlowID                string
	OAuthStep             OAuthStep
	AuthServerURL         string
	ResourceMetadata      *ProtectedResourceMetadata
	ResourceMetadataError error
	Resource              string
	OAuthMetadata         *AuthorizationServerMetadata
	OAuthClientInfo       *ClientInformation
	AuthorizationURL      string
	AuthorizationCode     string
	OAuthTokens           *Tokens
	LatestError           error
	ValidationError       string
	StatusMessage         string
}

// NewAuthDebuggerState returns the initial state of a flow.
func NewAuthDebuggerState(flowID string) AuthDebuggerState {
	return AuthDebuggerState{
		FlowID:    flowID,
		OAuthStep: StepMetadataDiscovery,
	}
}

// StateUpdate is a partial AuthDebuggerState. Nil fields leave the target
// unchanged; error fields can only be removed through the Clear flags.
type StateUpdate struct {
	OAuthStep             *OAuthStep
	AuthServerURL         *string
	ResourceMetadata      *ProtectedResourceMetadata
	ResourceMetadataError error
	Resource              *string
	OAuthMetadata         *AuthorizationServerMetadata
	OAuthClientInfo       *ClientInformation
	AuthorizationURL      *string
	AuthorizationCode     *string
	OAuthTokens           *Tokens
	LatestError           error
	ValidationError       *string
	StatusMessage         *string

	ClearLatestError bool
}

// Apply merges u into s and returns the result. The receiver is not modified.
func (s AuthDebuggerState) Apply(u StateUpdate) AuthDebuggerState {
	if u.OAuthStep != nil {
		s.OAuthStep = *u.OAuthStep
	}
	if u.AuthServerURL != nil {
		s.AuthServerURL = *u.AuthServerURL
	}
	if u.ResourceMetadata != nil {
		s.ResourceMetadata = u.ResourceMetadata
		s.ResourceMetadataError = nil
	}
	if u.ResourceMetadataError != nil {
		s.ResourceMetadataError = u.ResourceMetadataError
		s.ResourceMetadata = nil
	}
	if u.Resource != nil {
		s.Resource = *u.Resource
	}
	if u.OAuthMetadata != nil {
		s.OAuthMetadata = u.OAuthMetadata
	}
	if u.OAuthClientInfo != nil {
		s.OAuthClientInfo = u.OAuthClientInfo
	}
	if u.AuthorizationURL != nil {
		s.AuthorizationURL = *u.AuthorizationURL
	}
	if u.AuthorizationCode != nil {
		s.AuthorizationCode = *u.AuthorizationCode
	}
	if u.OAuthTokens != nil {
		s.OAuthTokens = u.OAuthTokens
	}
	if u.ClearLatestError {
		s.LatestError = nil
	}
	if u.LatestError != nil {
		s.LatestError = u.LatestError
	}
	if u.ValidationError != nil {
		s.ValidationError = *u.ValidationError
	}
	if u.StatusMessage != nil {
		s.StatusMessage = *u.StatusMessage
	}
	return s
}

// ptrTo returns a pointer to v, for building StateUpdate literals.
func ptrTo[T any](v T) *T {
	return &v
}

// authDebuggerStateJSON is the persisted form of AuthDebuggerState.
type authDebuggerStateJSON struct {
	FlowID                string                       `json:"flowId,omitempty"`
	OAuthStep             OAuthStep                    `json:"oauthStep"`
	AuthServerURL         string                       `json:"authServerUrl,omitempty"`
	ResourceMetadata      *ProtectedResourceMetadata   `json:"resourceMetadata,omitempty"`
	ResourceMetadataError string                       `json:"resourceMetadataError,omitempty"`
	Resource              string                       `json:"resource,omitempty"`
	OAuthMetadata         *AuthorizationServerMetadata `json:"oauthMetadata,omitempty"`
	OAuthClientInfo       *ClientInformation           `json:"oauthClientInfo,omitempty"`
	AuthorizationURL      string                       `json:"authorizationUrl,omitempty"`
	AuthorizationCode     string                       `json:"authorizationCode,omitempty"`
	OAuthTokens           *Tokens                      `json:"oauthTokens,omitempty"`
	LatestError           string                       `json:"latestError,omitempty"`
	ValidationError       string                       `json:"validationError,omitempty"`
	StatusMessage         string                       `json:"statusMessage,omitempty"`
}

// MarshalJSON renders error fields as their messages.
func (s AuthDebuggerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(authDebuggerStateJSON{
		FlowID:                s.FlowID,
		OAuthStep:             s.OAuthStep,
		AuthServerURL:         s.AuthServerURL,
		ResourceMetadata:      s.ResourceMetadata,
		ResourceMetadataError: errorMessage(s.ResourceMetadataError),
		Resource:              s.Resource,
		OAuthMetadata:         s.OAuthMetadata,
		OAuthClientInfo:       s.OAuthClientInfo,
		AuthorizationURL:      s.AuthorizationURL,
		AuthorizationCode:     s.AuthorizationCode,
		OAuthTokens:           s.OAuthTokens,
		LatestError:           errorMessage(s.LatestError),
		ValidationError:       s.ValidationError,
		StatusMessage:         s.StatusMessage,
	})
}

// UnmarshalJSON restores error fields as plain errors carrying the stored message.
func (s *AuthDebuggerState) UnmarshalJSON(data []byte) error {
	var raw authDebuggerStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = AuthDebuggerState{
		FlowID:                raw.FlowID,
		OAuthStep:             raw.OAuthStep,
		AuthServerURL:         raw.AuthServerURL,
		ResourceMetadata:      raw.ResourceMetadata,
		ResourceMetadataError: messageError(raw.ResourceMetadataError),
		Resource:              raw.Resource,
		OAuthMetadata:         raw.OAuthMetadata,
		OAuthClientInfo:       raw.OAuthClientInfo,
		AuthorizationURL:      raw.AuthorizationURL,
		AuthorizationCode:     raw.AuthorizationCode,
		OAuthTokens:           raw.OAuthTokens,
		LatestError:           messageError(raw.LatestError),
		ValidationError:       raw.ValidationError,
		StatusMessage:         raw.StatusMessage,
	}
	if s.OAuthStep == "" {
		s.OAuthStep = StepMetadataDiscovery
	}
	if s.ResourceMetadata != nil {
		s.ResourceMetadataError = nil
	}
	return nil
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func messageError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
