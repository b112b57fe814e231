package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrNoAuthorizationCode is returned when a redirect did not carry a code.
var ErrNoAuthorizationCode = errors.New("no authorization code in redirect")

// CodeSource obtains the authorization code for an authorization URL. It is
// the point where the flow waits for a human or a redirect.
type CodeSource interface {
	AuthorizationCode(ctx context.Context, authorizationURL string) (string, error)
}

// ManualCodeSource asks the user to open the authorization URL and paste
// either the code or the full callback URL.
type ManualCodeSource struct {
	prompt func(prompt string) (string, error)
	out    io.Writer
}

// NewManualCodeSource reads answers line by line from in and writes
// instructions to out.
func NewManualCodeSource(in io.Reader, out io.Writer) *ManualCodeSource {
	reader := bufio.NewReader(in)
	return &ManualCodeSource{
		out: out,
		prompt: func(prompt string) (string, error) {
			fmt.Fprint(out, prompt)
			line, err := reader.ReadString('\n')
			if err != nil && !(errors.Is(err, io.EOF) && line != "") {
				return "", err
			}
			return line, nil
		},
	}
}

// NewPromptCodeSource uses prompt to read an answer, e.g. a readline instance.
func NewPromptCodeSource(prompt func(prompt string) (string, error), out io.Writer) *ManualCodeSource {
	return &ManualCodeSource{prompt: prompt, out: out}
}

// AuthorizationCode implements CodeSource. An empty answer yields an empty
// code so the authorization_code step can report it.
func (m *ManualCodeSource) AuthorizationCode(ctx context.Context, authorizationURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "Open this URL in your browser to authorize:")
	fmt.Fprintf(m.out, "  %s\n\n", authorizationURL)

	answer, err := m.prompt("Authorization code or callback URL: ")
	if err != nil {
		return "", fmt.Errorf("failed to read authorization code: %w", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", nil
	}

	if callback, err := url.Parse(answer); err == nil && callback.IsAbs() && callback.RawQuery != "" {
		return codeFromCallback(callback, expectedState(authorizationURL))
	}
	return answer, nil
}

// AutoRedirectCodeSource fetches the authorization URL once without
// following redirects and reads the code from the Location header. It works
// against authorization servers that approve without user interaction.
type AutoRedirectCodeSource struct {
	client *http.Client
	logger *Logger
}

// NewAutoRedirectCodeSource derives a non-following client from base.
func NewAutoRedirectCodeSource(base *http.Client, logger *Logger) *AutoRedirectCodeSource {
	client := &http.Client{Timeout: defaultHTTPTimeout}
	if base != nil {
		copied := *base
		client = &copied
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &AutoRedirectCodeSource{client: client, logger: logger}
}

// AuthorizationCode implements CodeSource.
func (a *AutoRedirectCodeSource) AuthorizationCode(ctx context.Context, authorizationURL string) (string, error) {
	base, err := url.Parse(authorizationURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorizationURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create authorization request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	a.logger.Request("GET "+base.Scheme+"://"+base.Host+base.Path, nil)
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorization request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetadataSize))

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: authorization endpoint answered %d instead of a redirect", ErrNoAuthorizationCode, resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("%w: redirect without Location header", ErrNoAuthorizationCode)
	}

	target, err := base.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid redirect location %q: %w", location, err)
	}
	a.logger.Response("GET "+base.Scheme+"://"+base.Host+base.Path, map[string]interface{}{
		"status":   resp.StatusCode,
		"location": target.Scheme + "://" + target.Host + target.Path,
	})

	return codeFromCallback(target, expectedState(authorizationURL))
}

// FallbackCodeSource tries Primary and asks Fallback when it fails.
type FallbackCodeSource struct {
	Primary  CodeSource
	Fallback CodeSource
	Logger   *Logger
}

// AuthorizationCode implements CodeSource.
func (f *FallbackCodeSource) AuthorizationCode(ctx context.Context, authorizationURL string) (string, error) {
	code, err := f.Primary.AuthorizationCode(ctx, authorizationURL)
	if err == nil {
		return code, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	f.Logger.Warning("Automatic authorization failed, falling back: %v", err)
	return f.Fallback.AuthorizationCode(ctx, authorizationURL)
}

// codeFromCallback extracts the code from a redirect to the callback URL.
// An OAuth error in the redirect and a missing or mismatching state are
// reported as errors.
func codeFromCallback(callback *url.URL, wantState string) (string, error) {
	query := callback.Query()

	if oauthErr := query.Get("error"); oauthErr != "" {
		if desc := query.Get("error_description"); desc != "" {
			return "", fmt.Errorf("authorization error: %s - %s", oauthErr, desc)
		}
		return "", fmt.Errorf("authorization error: %s", oauthErr)
	}

	code := query.Get("code")
	if code == "" {
		return "", ErrNoAuthorizationCode
	}

	// A callback without state is rejected like a forged one.
	if wantState != "" && query.Get("state") != wantState {
		return "", fmt.Errorf("state mismatch (CSRF protection)")
	}
	return code, nil
}

// expectedState returns the state parameter of an authorization URL.
func expectedState(authorizationURL string) string {
	parsed, err := url.Parse(authorizationURL)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("state")
}
