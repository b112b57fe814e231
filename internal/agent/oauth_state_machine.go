package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrCannotTransition is matched by every *TransitionError.
	ErrCannotTransition = errors.New("cannot transition")

	// ErrAuthorizationCodeRequired is returned by the authorization_code step
	// when no code has been supplied. No network call is made.
	ErrAuthorizationCodeRequired = errors.New("authorization code required")
)

// TransitionError reports that the guard of the current step rejected the state.
type TransitionError struct {
	Step OAuthStep
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from step %s", e.Step)
}

// Is makes errors.Is(err, ErrCannotTransition) hold.
func (e *TransitionError) Is(target error) bool {
	return target == ErrCannotTransition
}

// FlowVariant selects the steps that follow token_request.
type FlowVariant int

const (
	// BasicFlow goes from token_request straight to complete.
	BasicFlow FlowVariant = iota
	// ValidatedFlow checks the access token against the MCP server in
	// validate_token before completing.
	ValidatedFlow
)

func (v FlowVariant) String() string {
	switch v {
	case ValidatedFlow:
		return "validated"
	default:
		return "basic"
	}
}

// StateMachineConfig configures a StateMachine.
type StateMachineConfig struct {
	// ServerURL is the MCP server being authorized against.
	ServerURL string
	// Provider holds client identity and credentials. Required.
	Provider OAuthClientProvider
	// OnUpdate receives every partial update, including failures.
	OnUpdate func(StateUpdate)
	Variant  FlowVariant

	// HTTPClient is used for discovery and token requests.
	HTTPClient *http.Client
	// RegistrationHTTPClient is used for dynamic client registration.
	// Defaults to HTTPClient.
	RegistrationHTTPClient *http.Client
	// MCPClientFactory opens the MCP session for validate_token.
	MCPClientFactory MCPClientFactory

	// Scopes overrides discovered scopes when set.
	Scopes []string
	// AuthorizationServer selects one of the authorization servers listed in
	// protected resource metadata. Empty means the first one.
	AuthorizationServer string
	Logger              *Logger
}

// StateMachine executes one flow step at a time. It holds no flow state of
// its own; every call receives the current AuthDebuggerState.
type StateMachine struct {
	serverURL          string
	provider           OAuthClientProvider
	onUpdate           func(StateUpdate)
	variant            FlowVariant
	httpClient         *http.Client
	registrationClient *http.Client
	mcpClientFactory   MCPClientFactory
	scopes             []string
	authServer         string
	logger             *Logger
}

// NewStateMachine creates a state machine from cfg.
func NewStateMachine(cfg StateMachineConfig) (*StateMachine, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if _, err := serverOrigin(cfg.ServerURL); err != nil {
		return nil, err
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("OAuth client provider is required")
	}

	sm := &StateMachine{
		serverURL:          cfg.ServerURL,
		provider:           cfg.Provider,
		onUpdate:           cfg.OnUpdate,
		variant:            cfg.Variant,
		httpClient:         cfg.HTTPClient,
		registrationClient: cfg.RegistrationHTTPClient,
		mcpClientFactory:   cfg.MCPClientFactory,
		scopes:             cfg.Scopes,
		authServer:         cfg.AuthorizationServer,
		logger:             cfg.Logger,
	}
	if sm.onUpdate == nil {
		sm.onUpdate = func(StateUpdate) {}
	}
	if sm.httpClient == nil {
		sm.httpClient = NewHTTPClient(defaultHTTPTimeout)
	}
	if sm.registrationClient == nil {
		sm.registrationClient = sm.httpClient
	}
	if sm.mcpClientFactory == nil {
		sm.mcpClientFactory = NewStreamableHTTPSession
	}
	return sm, nil
}

// Variant returns the configured flow variant.
func (sm *StateMachine) Variant() FlowVariant {
	return sm.variant
}

// CanTransition evaluates the guard of the current step without side effects.
func (sm *StateMachine) CanTransition(ctx context.Context, state AuthDebuggerState) (bool, error) {
	t, err := transitionFor(state.OAuthStep)
	if err != nil {
		return false, err
	}
	return t.canTransition(&transitionContext{ctx: ctx, state: state, sm: sm})
}

// ExecuteStep runs the current step and returns the merged state.
//
// A rejected guard yields a *TransitionError. An action failure is returned
// as is. In both cases the step does not advance and LatestError records the
// failure. OnUpdate is called with the partial update before returning.
func (sm *StateMachine) ExecuteStep(ctx context.Context, state AuthDebuggerState) (AuthDebuggerState, error) {
	t, err := transitionFor(state.OAuthStep)
	if err != nil {
		return sm.fail(state, StateUpdate{}, err)
	}

	tc := &transitionContext{ctx: ctx, state: state, sm: sm}
	ok, err := t.canTransition(tc)
	if err != nil {
		return sm.fail(state, StateUpdate{}, err)
	}
	if !ok {
		return sm.fail(state, StateUpdate{}, &TransitionError{Step: state.OAuthStep})
	}

	sm.logger.Info("%sExecuting step %s", flowPrefix(state.FlowID), state.OAuthStep)

	update, err := t.execute(tc)
	if err != nil {
		sm.logger.Error("%sStep %s failed: %v", flowPrefix(state.FlowID), state.OAuthStep, err)
		return sm.fail(state, update, err)
	}

	update.ClearLatestError = true
	sm.onUpdate(update)
	next := state.Apply(update)
	sm.logger.Success("%sAdvanced from %s to %s", flowPrefix(state.FlowID), state.OAuthStep, next.OAuthStep)
	return next, nil
}

func (sm *StateMachine) fail(state AuthDebuggerState, update StateUpdate, err error) (AuthDebuggerState, error) {
	update.OAuthStep = nil
	update.LatestError = err
	sm.onUpdate(update)
	return state.Apply(update), err
}

// stepAfterToken returns the step that follows a successful token exchange.
func (sm *StateMachine) stepAfterToken() OAuthStep {
	if sm.variant == ValidatedFlow {
		return StepValidateToken
	}
	return StepComplete
}

func flowPrefix(flowID string) string {
	if flowID == "" {
		return ""
	}
	if len(flowID) > 8 {
		flowID = flowID[:8]
	}
	return "[" + flowID + "] "
}

// transitionContext is what a step sees while running.
type transitionContext struct {
	ctx   context.Context
	state AuthDebuggerState
	sm    *StateMachine
}

// transition is implemented by one unexported type per step.
type transition interface {
	canTransition(tc *transitionContext) (bool, error)
	execute(tc *transitionContext) (StateUpdate, error)
}

func transitionFor(step OAuthStep) (transition, error) {
	switch step {
	case StepMetadataDiscovery:
		return metadataDiscoveryStep{}, nil
	case StepClientRegistration:
		return clientRegistrationStep{}, nil
	case StepAuthorizationRedirect:
		return authorizationRedirectStep{}, nil
	case StepAuthorizationCode:
		return authorizationCodeStep{}, nil
	case StepTokenRequest:
		return tokenRequestStep{}, nil
	case StepValidateToken:
		return validateTokenStep{}, nil
	case StepComplete:
		return completeStep{}, nil
	default:
		return nil, fmt.Errorf("unknown OAuth step %q", step)
	}
}

// metadata_discovery

type metadataDiscoveryStep struct{}

func (metadataDiscoveryStep) canTransition(*transitionContext) (bool, error) {
	return true, nil
}

func (metadataDiscoveryStep) execute(tc *transitionContext) (StateUpdate, error) {
	sm := tc.sm
	var update StateUpdate

	authServerURL, err := serverOrigin(sm.serverURL)
	if err != nil {
		return update, err
	}

	resourceMetadata, err := discoverProtectedResourceMetadata(tc.ctx, sm.httpClient, sm.serverURL, sm.logger)
	if err != nil {
		sm.logger.Warning("Protected resource metadata unavailable, falling back to %s: %v", authServerURL, err)
		update.ResourceMetadataError = err
		resourceMetadata = nil
	} else {
		update.ResourceMetadata = resourceMetadata
		as, err := selectAuthorizationServer(resourceMetadata, sm.authServer)
		switch {
		case err == nil:
			authServerURL = as
		case sm.authServer != "":
			return update, err
		}
	}
	update.AuthServerURL = ptrTo(authServerURL)

	resource, err := selectResourceURL(sm.serverURL, sm.provider, resourceMetadata)
	if err != nil {
		return update, err
	}
	update.Resource = ptrTo(resource)

	asMetadata, err := DiscoverAuthorizationServerMetadata(tc.ctx, sm.httpClient, authServerURL, sm.logger)
	if err != nil {
		return update, err
	}
	if err := ValidatePKCESupport(asMetadata); err != nil {
		sm.logger.Warning("%v", err)
	}

	if err := sm.provider.SaveServerMetadata(asMetadata); err != nil {
		return update, fmt.Errorf("failed to save authorization server metadata: %w", err)
	}

	update.OAuthMetadata = asMetadata
	update.StatusMessage = ptrTo(fmt.Sprintf("Discovered authorization server %s", asMetadata.Issuer))
	update.OAuthStep = ptrTo(StepClientRegistration)
	return update, nil
}

// client_registration

type clientRegistrationStep struct{}

func (clientRegistrationStep) canTransition(tc *transitionContext) (bool, error) {
	return tc.state.OAuthMetadata != nil, nil
}

func (clientRegistrationStep) execute(tc *transitionContext) (StateUpdate, error) {
	sm := tc.sm
	state := tc.state

	metadata := sm.provider.ClientMetadata()
	if scope := selectScopes(sm.scopes, state.ResourceMetadata, state.OAuthMetadata); scope != "" {
		metadata.Scope = scope
	}

	info, err := sm.provider.ClientInformation()
	if err != nil {
		return StateUpdate{}, fmt.Errorf("failed to load client information: %w", err)
	}

	status := ""
	if info != nil {
		sm.logger.Info("Using stored client registration %s", info.ClientID)
		status = fmt.Sprintf("Using existing client %s", info.ClientID)
	} else {
		sm.logger.Info("No client registration stored, registering dynamically")
		info, err = registerClient(tc.ctx, sm.registrationClient, state.OAuthMetadata, metadata, sm.logger)
		if err != nil {
			return StateUpdate{}, err
		}
		if err := sm.provider.SaveClientInformation(info); err != nil {
			return StateUpdate{}, fmt.Errorf("failed to save client information: %w", err)
		}
		sm.logger.Success("Registered client %s", info.ClientID)
		status = fmt.Sprintf("Registered client %s", info.ClientID)
	}

	return StateUpdate{
		OAuthClientInfo: info,
		StatusMessage:   ptrTo(status),
		OAuthStep:       ptrTo(StepAuthorizationRedirect),
	}, nil
}

// authorization_redirect

type authorizationRedirectStep struct{}

func (authorizationRedirectStep) canTransition(tc *transitionContext) (bool, error) {
	return tc.state.OAuthMetadata != nil && tc.state.OAuthClientInfo != nil, nil
}

func (authorizationRedirectStep) execute(tc *transitionContext) (StateUpdate, error) {
	sm := tc.sm
	state := tc.state

	scope := selectScopes(sm.scopes, state.ResourceMetadata, state.OAuthMetadata)
	if scope == "" {
		scope = sm.provider.ClientMetadata().Scope
	}

	resource := resourceParameter(state.OAuthMetadata, state.Resource)
	if state.Resource != "" && resource == "" {
		sm.logger.Info("Azure AD authorization endpoint detected, omitting resource parameter")
	}

	req, err := startAuthorization(state.OAuthMetadata, state.OAuthClientInfo, sm.provider.RedirectURL(), scope, resource)
	if err != nil {
		return StateUpdate{}, err
	}
	if err := sm.provider.SaveCodeVerifier(req.CodeVerifier); err != nil {
		return StateUpdate{}, fmt.Errorf("failed to save code verifier: %w", err)
	}

	sm.logger.Info("Authorization URL: %s", req.AuthorizationURL)

	return StateUpdate{
		AuthorizationURL:  ptrTo(req.AuthorizationURL),
		AuthorizationCode: ptrTo(""),
		StatusMessage:     ptrTo("Open the authorization URL and supply the returned code"),
		OAuthStep:         ptrTo(StepAuthorizationCode),
	}, nil
}

// authorization_code

type authorizationCodeStep struct{}

func (authorizationCodeStep) canTransition(*transitionContext) (bool, error) {
	return true, nil
}

func (authorizationCodeStep) execute(tc *transitionContext) (StateUpdate, error) {
	code := strings.TrimSpace(tc.state.AuthorizationCode)
	if code == "" {
		return StateUpdate{
			ValidationError: ptrTo(AuthorizationCodeRequiredMessage),
		}, ErrAuthorizationCodeRequired
	}

	return StateUpdate{
		AuthorizationCode: ptrTo(code),
		ValidationError:   ptrTo(""),
		OAuthStep:         ptrTo(StepTokenRequest),
	}, nil
}

// token_request

type tokenRequestStep struct{}

func (tokenRequestStep) canTransition(tc *transitionContext) (bool, error) {
	if strings.TrimSpace(tc.state.AuthorizationCode) == "" {
		return false, nil
	}
	metadata, err := tc.sm.provider.ServerMetadata()
	if err != nil {
		return false, err
	}
	info, err := tc.sm.provider.ClientInformation()
	if err != nil {
		return false, err
	}
	return metadata != nil && info != nil, nil
}

func (tokenRequestStep) execute(tc *transitionContext) (StateUpdate, error) {
	sm := tc.sm
	state := tc.state

	verifier, err := sm.provider.CodeVerifier()
	if err != nil {
		return StateUpdate{}, err
	}
	metadata, err := sm.provider.ServerMetadata()
	if err != nil {
		return StateUpdate{}, err
	}
	info, err := sm.provider.ClientInformation()
	if err != nil {
		return StateUpdate{}, err
	}

	resource := resourceParameter(metadata, state.Resource)
	tokens, err := exchangeAuthorization(tc.ctx, sm.httpClient, metadata, info,
		strings.TrimSpace(state.AuthorizationCode), verifier, sm.provider.RedirectURL(), resource)
	if err != nil {
		if isOAuthErrorCode(err, "invalid_grant") {
			sm.logger.Warning("The authorization server rejected the code or PKCE verifier (invalid_grant)")
		}
		return StateUpdate{}, err
	}

	if err := sm.provider.SaveTokens(tokens); err != nil {
		return StateUpdate{}, fmt.Errorf("failed to save tokens: %w", err)
	}
	if clearer, ok := sm.provider.(codeVerifierClearer); ok {
		if err := clearer.ClearCodeVerifier(); err != nil {
			sm.logger.Warning("Failed to clear code verifier: %v", err)
		}
	}

	sm.logger.Success("Obtained %s access token %s", tokens.TokenType, redactSecret(tokens.AccessToken))

	return StateUpdate{
		OAuthTokens:   tokens,
		StatusMessage: ptrTo("Access token obtained"),
		OAuthStep:     ptrTo(sm.stepAfterToken()),
	}, nil
}

// validate_token

type validateTokenStep struct{}

func (validateTokenStep) canTransition(tc *transitionContext) (bool, error) {
	return tc.state.OAuthTokens != nil && tc.state.OAuthTokens.AccessToken != "", nil
}

func (validateTokenStep) execute(tc *transitionContext) (StateUpdate, error) {
	sm := tc.sm
	count, err := validateAccessToken(tc.ctx, sm.mcpClientFactory, sm.httpClient, sm.serverURL, tc.state.OAuthTokens, sm.logger)
	if err != nil {
		return StateUpdate{}, err
	}

	return StateUpdate{
		StatusMessage: ptrTo(fmt.Sprintf("Token accepted by MCP server (%d tools available)", count)),
		OAuthStep:     ptrTo(StepComplete),
	}, nil
}

// complete

type completeStep struct{}

func (completeStep) canTransition(*transitionContext) (bool, error) {
	return false, nil
}

func (completeStep) execute(*transitionContext) (StateUpdate, error) {
	return StateUpdate{}, &TransitionError{Step: StepComplete}
}
