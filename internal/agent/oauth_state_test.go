package agent

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthDebuggerState(t *testing.T) {
	state := NewAuthDebuggerState("flow-1")
	assert.Equal(t, "flow-1", state.FlowID)
	assert.Equal(t, StepMetadataDiscovery, state.OAuthStep)
	assert.Nil(t, state.LatestError)
}

func TestApply(t *testing.T) {
	t.Run("nil fields leave state unchanged", func(t *testing.T) {
		state := AuthDebuggerState{OAuthStep: StepTokenRequest, Resource: "https://r", StatusMessage: "ok"}
		assert.Equal(t, state, state.Apply(StateUpdate{}))
	})

	t.Run("receiver is not modified", func(t *testing.T) {
		state := NewAuthDebuggerState("flow-1")
		next := state.Apply(StateUpdate{OAuthStep: ptrTo(StepComplete)})
		assert.Equal(t, StepMetadataDiscovery, state.OAuthStep)
		assert.Equal(t, StepComplete, next.OAuthStep)
	})

	t.Run("resource metadata and its error are exclusive", func(t *testing.T) {
		prm := &ProtectedResourceMetadata{Resource: "https://r"}
		state := AuthDebuggerState{}.Apply(StateUpdate{ResourceMetadataError: errors.New("404")})
		require.Error(t, state.ResourceMetadataError)

		state = state.Apply(StateUpdate{ResourceMetadata: prm})
		assert.Same(t, prm, state.ResourceMetadata)
		assert.NoError(t, state.ResourceMetadataError)

		state = state.Apply(StateUpdate{ResourceMetadataError: errors.New("gone")})
		assert.Nil(t, state.ResourceMetadata)
		assert.EqualError(t, state.ResourceMetadataError, "gone")
	})

	t.Run("latest error is only removed by the clear flag", func(t *testing.T) {
		state := AuthDebuggerState{LatestError: errors.New("boom")}
		assert.Error(t, state.Apply(StateUpdate{StatusMessage: ptrTo("x")}).LatestError)
		assert.NoError(t, state.Apply(StateUpdate{ClearLatestError: true}).LatestError)

		replaced := state.Apply(StateUpdate{ClearLatestError: true, LatestError: errors.New("new")})
		assert.EqualError(t, replaced.LatestError, "new")
	})

	t.Run("empty strings are applied", func(t *testing.T) {
		state := AuthDebuggerState{ValidationError: "missing code", AuthorizationCode: "abc"}
		state = state.Apply(StateUpdate{ValidationError: ptrTo(""), AuthorizationCode: ptrTo("")})
		assert.Empty(t, state.ValidationError)
		assert.Empty(t, state.AuthorizationCode)
	})
}

func TestAuthDebuggerStateJSON(t *testing.T) {
	state := AuthDebuggerState{
		FlowID:                "flow-1",
		OAuthStep:             StepAuthorizationCode,
		AuthServerURL:         "https://auth.example.com",
		ResourceMetadataError: errors.New("no metadata"),
		Resource:              "https://mcp.example.com/mcp",
		OAuthMetadata:         testASMetadata(),
		OAuthClientInfo:       &ClientInformation{ClientID: "client-1"},
		AuthorizationURL:      "https://auth.example.com/authorize?x=1",
		LatestError:           ErrAuthorizationCodeRequired,
		ValidationError:       AuthorizationCodeRequiredMessage,
	}

	data, err := json.Marshal(state)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "authorization code required", raw["latestError"])
	assert.Equal(t, "no metadata", raw["resourceMetadataError"])
	assert.NotContains(t, raw, "oauthTokens")

	var restored AuthDebuggerState
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, state.FlowID, restored.FlowID)
	assert.Equal(t, state.OAuthStep, restored.OAuthStep)
	assert.Equal(t, state.AuthorizationURL, restored.AuthorizationURL)
	assert.Equal(t, state.OAuthMetadata, restored.OAuthMetadata)
	assert.Equal(t, "client-1", restored.OAuthClientInfo.ClientID)
	assert.EqualError(t, restored.LatestError, "authorization code required")
	assert.EqualError(t, restored.ResourceMetadataError, "no metadata")
}

func TestAuthDebuggerStateUnmarshalDefaults(t *testing.T) {
	var state AuthDebuggerState
	require.NoError(t, json.Unmarshal([]byte(`{"flowId":"f"}`), &state))
	assert.Equal(t, StepMetadataDiscovery, state.OAuthStep)
	assert.Nil(t, state.LatestError)
	assert.Nil(t, state.ResourceMetadataError)

	err := json.Unmarshal([]byte(`{"oauthStep":`), &state)
	assert.Error(t, err)
}
