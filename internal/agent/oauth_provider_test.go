package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-debug/internal/store"
)

func TestNewDebugProvider(t *testing.T) {
	_, err := NewDebugProvider(nil, DebugProviderConfig{ServerURL: "https://mcp.example.com"})
	assert.Error(t, err)

	_, err = NewDebugProvider(store.NewMemoryStore(), DebugProviderConfig{})
	assert.Error(t, err)

	st := store.NewMemoryStore()
	p, err := NewDebugProvider(st, DebugProviderConfig{ServerURL: "https://mcp.example.com"})
	require.NoError(t, err)
	assert.Equal(t, DefaultRedirectURL, p.RedirectURL())
	assert.Equal(t, "https://mcp.example.com", p.ServerURL())

	recorded, ok, err := st.GetItem(keyServerURL)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://mcp.example.com", recorded)
}

func TestDebugProvider_ClientMetadata(t *testing.T) {
	p, err := NewDebugProvider(store.NewMemoryStore(), DebugProviderConfig{
		ServerURL:   "https://mcp.example.com",
		RedirectURL: "http://localhost:9000/oauth/callback/debug",
		Scope:       "mcp:read",
	})
	require.NoError(t, err)

	md := p.ClientMetadata()
	assert.Equal(t, []string{"http://localhost:9000/oauth/callback", "http://localhost:9000/oauth/callback/debug"}, md.RedirectURIs)
	assert.Equal(t, authMethodNone, md.TokenEndpointAuthMethod)
	assert.Equal(t, []string{grantAuthCode, grantRefreshToken}, md.GrantTypes)
	assert.Equal(t, []string{responseTypeCode}, md.ResponseTypes)
	assert.Equal(t, DefaultClientName, md.ClientName)
	assert.Equal(t, "mcp:read", md.Scope)

	// Each call returns an independent descriptor.
	md.RedirectURIs[0] = "mutated"
	assert.NotEqual(t, "mutated", p.ClientMetadata().RedirectURIs[0])

	plain, err := NewDebugProvider(store.NewMemoryStore(), DebugProviderConfig{
		ServerURL:   "https://mcp.example.com",
		RedirectURL: "https://app.example.com/cb",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com/cb"}, plain.ClientMetadata().RedirectURIs)
}

func TestDebugProvider_NotFound(t *testing.T) {
	p := newTestProvider(t, "https://mcp.example.com")

	info, err := p.ClientInformation()
	require.NoError(t, err)
	assert.Nil(t, info)

	tokens, err := p.Tokens()
	require.NoError(t, err)
	assert.Nil(t, tokens)

	md, err := p.ServerMetadata()
	require.NoError(t, err)
	assert.Nil(t, md)

	state, err := p.LoadDebuggerState()
	require.NoError(t, err)
	assert.Nil(t, state)

	_, err = p.CodeVerifier()
	assert.ErrorIs(t, err, ErrMissingCodeVerifier)
}

func TestDebugProvider_RoundTrip(t *testing.T) {
	p := newTestProvider(t, "https://mcp.example.com")

	require.NoError(t, p.SaveCodeVerifier("verifier-1"))
	verifier, err := p.CodeVerifier()
	require.NoError(t, err)
	assert.Equal(t, "verifier-1", verifier)

	require.NoError(t, p.ClearCodeVerifier())
	_, err = p.CodeVerifier()
	assert.ErrorIs(t, err, ErrMissingCodeVerifier)

	tokens := &Tokens{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 60, RefreshToken: "rt"}
	require.NoError(t, p.SaveTokens(tokens))
	got, err := p.Tokens()
	require.NoError(t, err)
	assert.Equal(t, tokens, got)

	require.NoError(t, p.SaveServerMetadata(testASMetadata()))
	md, err := p.ServerMetadata()
	require.NoError(t, err)
	assert.Equal(t, testASMetadata(), md)
}

func TestDebugProvider_PreregisteredClientWins(t *testing.T) {
	p := newTestProvider(t, "https://mcp.example.com")

	require.NoError(t, p.SaveClientInformation(&ClientInformation{ClientID: "dynamic"}))
	info, err := p.ClientInformation()
	require.NoError(t, err)
	assert.Equal(t, "dynamic", info.ClientID)

	require.NoError(t, p.SavePreregisteredClientInformation(&ClientInformation{ClientID: "static"}))
	info, err = p.ClientInformation()
	require.NoError(t, err)
	assert.Equal(t, "static", info.ClientID)
}

func TestDebugProvider_KeysAreNamespacedByServer(t *testing.T) {
	st := store.NewMemoryStore()
	a, err := NewDebugProvider(st, DebugProviderConfig{ServerURL: "https://a.example.com"})
	require.NoError(t, err)
	b, err := NewDebugProvider(st, DebugProviderConfig{ServerURL: "https://b.example.com"})
	require.NoError(t, err)

	require.NoError(t, a.SaveTokens(&Tokens{AccessToken: "token-a"}))
	require.NoError(t, a.SaveCodeVerifier("verifier-a"))

	tokens, err := b.Tokens()
	require.NoError(t, err)
	assert.Nil(t, tokens)
	_, err = b.CodeVerifier()
	assert.ErrorIs(t, err, ErrMissingCodeVerifier)

	raw, ok, err := st.GetItem("[https://a.example.com] " + keyTokens)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, raw, "token-a")
}

func TestDebugProvider_Clear(t *testing.T) {
	populate := func(t *testing.T) *DebugProvider {
		p := newTestProvider(t, "https://mcp.example.com")
		require.NoError(t, p.SaveClientInformation(&ClientInformation{ClientID: "dynamic"}))
		require.NoError(t, p.SavePreregisteredClientInformation(&ClientInformation{ClientID: "static"}))
		require.NoError(t, p.SaveTokens(&Tokens{AccessToken: "at"}))
		require.NoError(t, p.SaveCodeVerifier("v"))
		require.NoError(t, p.SaveServerMetadata(testASMetadata()))
		require.NoError(t, p.SaveDebuggerState(NewAuthDebuggerState("flow-1")))
		return p
	}

	t.Run("credentials only", func(t *testing.T) {
		p := populate(t)
		require.NoError(t, p.Clear(false))

		tokens, err := p.Tokens()
		require.NoError(t, err)
		assert.Nil(t, tokens)
		_, err = p.CodeVerifier()
		assert.ErrorIs(t, err, ErrMissingCodeVerifier)

		info, err := p.ClientInformation()
		require.NoError(t, err)
		assert.Equal(t, "static", info.ClientID)
		state, err := p.LoadDebuggerState()
		require.NoError(t, err)
		assert.NotNil(t, state)
	})

	t.Run("all", func(t *testing.T) {
		p := populate(t)
		require.NoError(t, p.Clear(true))

		info, err := p.ClientInformation()
		require.NoError(t, err)
		assert.Nil(t, info)
		md, err := p.ServerMetadata()
		require.NoError(t, err)
		assert.Nil(t, md)
		state, err := p.LoadDebuggerState()
		require.NoError(t, err)
		assert.Nil(t, state)
	})
}

func TestDebugProvider_CorruptRecord(t *testing.T) {
	st := store.NewMemoryStore()
	p, err := NewDebugProvider(st, DebugProviderConfig{ServerURL: "https://mcp.example.com"})
	require.NoError(t, err)
	require.NoError(t, st.SetItem("[https://mcp.example.com] "+keyTokens, "{not json"))

	_, err = p.Tokens()
	assert.ErrorContains(t, err, "failed to decode")
}
