package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/giantswarm/mcp-oauth-debug/internal/store"
)

// stateSaver is implemented by providers that can persist the flow state.
type stateSaver interface {
	SaveDebuggerState(state AuthDebuggerState) error
	LoadDebuggerState() (*AuthDebuggerState, error)
}

// credentialClearer is implemented by providers that can forget credentials.
type credentialClearer interface {
	Clear(all bool) error
}

// DebuggerConfig configures a Debugger.
type DebuggerConfig struct {
	ServerURL  string
	Provider   OAuthClientProvider
	CodeSource CodeSource
	Variant    FlowVariant

	HTTPClient             *http.Client
	RegistrationHTTPClient *http.Client
	MCPClientFactory       MCPClientFactory

	Scopes              []string
	AuthorizationServer string
	// Resume restores a flow saved by a previous run, if the provider has one.
	Resume bool
	// OnUpdate observes every partial update.
	OnUpdate func(StateUpdate)
	Logger   *Logger
}

// Debugger drives a StateMachine on behalf of the shells. It owns the
// current flow state and serialises all access to it.
type Debugger struct {
	mu         sync.Mutex
	machine    *StateMachine
	provider   OAuthClientProvider
	codeSource CodeSource
	logger     *Logger
	state      AuthDebuggerState
}

// NewDebugger creates a Debugger and its state machine.
func NewDebugger(cfg DebuggerConfig) (*Debugger, error) {
	machine, err := NewStateMachine(StateMachineConfig{
		ServerURL:              cfg.ServerURL,
		Provider:               cfg.Provider,
		OnUpdate:               cfg.OnUpdate,
		Variant:                cfg.Variant,
		HTTPClient:             cfg.HTTPClient,
		RegistrationHTTPClient: cfg.RegistrationHTTPClient,
		MCPClientFactory:       cfg.MCPClientFactory,
		Scopes:                 cfg.Scopes,
		AuthorizationServer:    cfg.AuthorizationServer,
		Logger:                 cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	d := &Debugger{
		machine:    machine,
		provider:   cfg.Provider,
		codeSource: cfg.CodeSource,
		logger:     cfg.Logger,
		state:      NewAuthDebuggerState(uuid.NewString()),
	}

	if cfg.Resume {
		if saver, ok := cfg.Provider.(stateSaver); ok {
			saved, err := saver.LoadDebuggerState()
			if err != nil {
				return nil, fmt.Errorf("failed to load saved flow: %w", err)
			}
			if saved != nil {
				if saved.FlowID == "" {
					saved.FlowID = uuid.NewString()
				}
				d.state = *saved
				d.logger.Info("Resuming flow %s at step %s", saved.FlowID, saved.OAuthStep)
			}
		}
	}

	return d, nil
}

// NewDebuggerFromConfig wires a Debugger for cfg on top of st: the debug
// provider, the static client (if configured), HTTP clients and the code
// source selected by cfg.CodeMode. A nil manual source disables prompting.
func NewDebuggerFromConfig(cfg *OAuthConfig, st store.Store, manual CodeSource, logger *Logger) (*Debugger, *DebugProvider, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	provider, err := NewDebugProvider(st, DebugProviderConfig{
		ServerURL:   cfg.ServerURL,
		RedirectURL: cfg.RedirectURL,
		ClientName:  cfg.ClientName,
		ClientURI:   cfg.ClientURI,
		Scope:       strings.Join(cfg.Scopes, " "),
	})
	if err != nil {
		return nil, nil, err
	}

	if static := cfg.StaticClientInformation(); static != nil {
		if err := provider.SavePreregisteredClientInformation(static); err != nil {
			return nil, nil, err
		}
		logger.Info("Using pre-registered client %s", static.ClientID)
	}

	httpClient := NewHTTPClient(cfg.HTTPTimeout)

	var codeSource CodeSource
	switch cfg.CodeMode {
	case CodeModeAuto:
		auto := NewAutoRedirectCodeSource(httpClient, logger)
		codeSource = auto
		if manual != nil {
			codeSource = &FallbackCodeSource{Primary: auto, Fallback: manual, Logger: logger}
		}
	case CodeModeCallback:
		codeSource = NewCallbackCodeSource(cfg.RedirectURL, logger)
	default:
		codeSource = manual
	}

	d, err := NewDebugger(DebuggerConfig{
		ServerURL:              cfg.ServerURL,
		Provider:               provider,
		CodeSource:             codeSource,
		Variant:                cfg.Variant(),
		HTTPClient:             httpClient,
		RegistrationHTTPClient: newRegistrationHTTPClient(httpClient, cfg.RegistrationToken),
		Scopes:                 cfg.Scopes,
		AuthorizationServer:    cfg.AuthorizationServer,
		Resume:                 cfg.Resume,
		Logger:                 logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return d, provider, nil
}

// State returns a snapshot of the current flow state.
func (d *Debugger) State() AuthDebuggerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ServerURL returns the MCP server the flow authorizes against.
func (d *Debugger) ServerURL() string {
	return d.machine.serverURL
}

// Variant returns the flow variant of the underlying state machine.
func (d *Debugger) Variant() FlowVariant {
	return d.machine.Variant()
}

// Step executes the current step once.
func (d *Debugger) Step(ctx context.Context) (AuthDebuggerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stepLocked(ctx)
}

func (d *Debugger) stepLocked(ctx context.Context) (AuthDebuggerState, error) {
	next, err := d.machine.ExecuteStep(ctx, d.state)
	d.state = next
	d.persistLocked()
	return next, err
}

// SetAuthorizationCode supplies the code for the authorization_code step.
func (d *Debugger) SetAuthorizationCode(code string) (AuthDebuggerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.OAuthStep != StepAuthorizationCode {
		return d.state, fmt.Errorf("flow is at step %s, not %s", d.state.OAuthStep, StepAuthorizationCode)
	}
	d.state.AuthorizationCode = code
	d.persistLocked()
	return d.state, nil
}

// Run executes steps until the flow completes or a step fails. At
// authorization_code without a code the CodeSource is asked for one; without
// a CodeSource Run stops there with ErrAuthorizationCodeRequired.
func (d *Debugger) Run(ctx context.Context) (AuthDebuggerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.state.OAuthStep != StepComplete {
		if err := ctx.Err(); err != nil {
			return d.state, err
		}

		if d.state.OAuthStep == StepAuthorizationCode && strings.TrimSpace(d.state.AuthorizationCode) == "" && d.codeSource != nil {
			code, err := d.codeSource.AuthorizationCode(ctx, d.state.AuthorizationURL)
			if err != nil {
				d.state = d.state.Apply(StateUpdate{LatestError: err})
				d.persistLocked()
				return d.state, err
			}
			d.state.AuthorizationCode = code
		}

		if _, err := d.stepLocked(ctx); err != nil {
			return d.state, err
		}
	}
	return d.state, nil
}

// Reset starts a new flow. With clearCredentials the stored client
// registration, tokens and verifier are removed as well.
func (d *Debugger) Reset(clearCredentials bool) (AuthDebuggerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if clearCredentials {
		if clearer, ok := d.provider.(credentialClearer); ok {
			if err := clearer.Clear(false); err != nil {
				return d.state, fmt.Errorf("failed to clear credentials: %w", err)
			}
		}
	}

	d.state = NewAuthDebuggerState(uuid.NewString())
	d.persistLocked()
	d.logger.Info("Started new flow %s", d.state.FlowID)
	return d.state, nil
}

func (d *Debugger) persistLocked() {
	saver, ok := d.provider.(stateSaver)
	if !ok {
		return
	}
	if err := saver.SaveDebuggerState(d.state); err != nil {
		d.logger.Warning("Failed to save flow state: %v", err)
	}
}

// RenderState writes state as a table. Credentials are redacted.
func RenderState(w io.Writer, state AuthDebuggerState) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("FIELD"),
		text.FgHiCyan.Sprint("VALUE"),
	})

	row := func(field, value string) {
		if value == "" {
			return
		}
		t.AppendRow(table.Row{text.FgHiCyan.Sprint(field), value})
	}

	row("Flow", state.FlowID)
	row("Step", stepColor(state.OAuthStep).Sprint(string(state.OAuthStep)))
	row("Authorization server", state.AuthServerURL)
	if state.ResourceMetadata != nil {
		row("Resource metadata", state.ResourceMetadata.Resource)
	}
	if state.ResourceMetadataError != nil {
		row("Resource metadata error", text.FgYellow.Sprint(state.ResourceMetadataError.Error()))
	}
	row("Resource", state.Resource)
	if m := state.OAuthMetadata; m != nil {
		row("Issuer", m.Issuer)
		row("Authorization endpoint", m.AuthorizationEndpoint)
		row("Token endpoint", m.TokenEndpoint)
		row("Registration endpoint", m.RegistrationEndpoint)
		row("PKCE methods", strings.Join(m.CodeChallengeMethods, ", "))
	}
	if c := state.OAuthClientInfo; c != nil {
		row("Client ID", c.ClientID)
		row("Client secret", redactSecret(c.ClientSecret))
		row("Token auth method", c.TokenEndpointAuthMethod)
	}
	row("Authorization URL", state.AuthorizationURL)
	row("Authorization code", redactSecret(state.AuthorizationCode))
	if tok := state.OAuthTokens; tok != nil {
		row("Token type", tok.TokenType)
		row("Access token", redactSecret(tok.AccessToken))
		row("Refresh token", redactSecret(tok.RefreshToken))
		row("Granted scope", tok.Scope)
		if tok.ExpiresIn > 0 {
			row("Expires in", fmt.Sprintf("%ds", tok.ExpiresIn))
		}
	}
	row("Status", state.StatusMessage)
	if state.ValidationError != "" {
		row("Validation error", text.FgYellow.Sprint(state.ValidationError))
	}
	if state.LatestError != nil {
		row("Latest error", text.FgRed.Sprint(state.LatestError.Error()))
	}

	t.Render()
}

func stepColor(step OAuthStep) text.Colors {
	switch step {
	case StepComplete:
		return text.Colors{text.FgGreen}
	case StepAuthorizationCode:
		return text.Colors{text.FgYellow}
	default:
		return text.Colors{text.FgHiWhite}
	}
}
