package agent

import (
	"net/http"
)

// registrationTokenRoundTripper adds an RFC 7591 initial access token to
// registration requests.
type registrationTokenRoundTripper struct {
	transport         http.RoundTripper
	registrationToken string
}

// newRegistrationTokenRoundTripper creates a RoundTripper that injects the
// registration token into every POST it carries. It is only installed on the
// HTTP client used for dynamic client registration.
func newRegistrationTokenRoundTripper(registrationToken string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &registrationTokenRoundTripper{
		transport:         base,
		registrationToken: registrationToken,
	}
}

// RoundTrip implements the http.RoundTripper interface
func (rt *registrationTokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || rt.registrationToken == "" {
		return rt.transport.RoundTrip(req)
	}

	clonedReq := req.Clone(req.Context())
	clonedReq.Header.Set("Authorization", "Bearer "+rt.registrationToken)
	return rt.transport.RoundTrip(clonedReq)
}

// newRegistrationHTTPClient returns a copy of base whose transport carries
// the registration token. With an empty token base is returned unchanged.
func newRegistrationHTTPClient(base *http.Client, registrationToken string) *http.Client {
	if registrationToken == "" {
		return base
	}
	client := *base
	client.Transport = newRegistrationTokenRoundTripper(registrationToken, base.Transport)
	return &client
}
