package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"
)

const defaultCallbackTimeout = 5 * time.Minute

// callbackResult is what the local callback handler received.
type callbackResult struct {
	params map[string]string
	err    error
}

type callbackServerConfig struct {
	redirectURL string
	logger      *Logger
}

// CallbackCodeSource opens the authorization URL in the browser and waits
// for the authorization server to redirect to the local redirect URL.
type CallbackCodeSource struct {
	redirectURL string
	timeout     time.Duration
	logger      *Logger
	openBrowser func(string) error
}

// NewCallbackCodeSource listens on the host and path of redirectURL, which
// must point at this machine.
func NewCallbackCodeSource(redirectURL string, logger *Logger) *CallbackCodeSource {
	return &CallbackCodeSource{
		redirectURL: redirectURL,
		timeout:     defaultCallbackTimeout,
		logger:      logger,
		openBrowser: openBrowser,
	}
}

// AuthorizationCode implements CodeSource.
func (c *CallbackCodeSource) AuthorizationCode(ctx context.Context, authorizationURL string) (string, error) {
	server, resultChan, err := startCallbackServer(&callbackServerConfig{
		redirectURL: c.redirectURL,
		logger:      c.logger,
	})
	if err != nil {
		return "", err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("Opening browser for authorization...")
	if err := c.openBrowser(authorizationURL); err != nil {
		c.logger.Warning("Could not open browser automatically: %v", err)
		c.logger.Info("Please open this URL in your browser:")
		c.logger.Info("%s", authorizationURL)
	}

	c.logger.Info("Waiting for authorization callback on %s", c.redirectURL)
	var result callbackResult
	select {
	case result = <-resultChan:
	case <-time.After(c.timeout):
		return "", fmt.Errorf("authorization timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if result.err != nil {
		return "", result.err
	}

	query := url.Values{}
	for k, v := range result.params {
		query.Set(k, v)
	}
	code, err := codeFromCallback(&url.URL{RawQuery: query.Encode()}, expectedState(authorizationURL))
	if err != nil {
		return "", err
	}
	c.logger.Success("Authorization code received")
	return code, nil
}

// startCallbackServer starts an HTTP server on the redirect URL's host that
// delivers the first callback on the returned channel.
func startCallbackServer(config *callbackServerConfig) (*http.Server, <-chan callbackResult, error) {
	parsedURL, err := url.Parse(config.redirectURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	if parsedURL.Host == "" {
		return nil, nil, fmt.Errorf("invalid redirect URI: missing host")
	}

	path := parsedURL.Path
	if path == "" {
		path = "/"
	}

	resultChan := make(chan callbackResult, 1)

	// Isolated ServeMux to avoid conflicts with http.DefaultServeMux
	mux := http.NewServeMux()
	mux.HandleFunc(path, createCallbackHandler(config.logger, resultChan))

	listener, err := net.Listen("tcp", parsedURL.Host)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", parsedURL.Host, err)
	}

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case resultChan <- callbackResult{err: fmt.Errorf("callback server error: %w", err)}:
			default:
			}
		}
	}()

	return server, resultChan, nil
}

// createCallbackHandler returns the handler for the OAuth redirect. Only the
// first callback is delivered; later ones are answered but dropped.
func createCallbackHandler(logger *Logger, resultChan chan<- callbackResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Only accept GET requests (standard for OAuth callbacks)
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		params := make(map[string]string)
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		if params["error"] != "" {
			logger.Error("Authorization server returned error: %s", params["error"])
			deliver(resultChan, callbackResult{
				err: fmt.Errorf("authorization error: %s - %s", params["error"], params["error_description"]),
			})
			http.Error(w, "Authorization failed", http.StatusBadRequest)
			return
		}

		deliver(resultChan, callbackResult{params: params})
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><h1>Authorization complete</h1><p>You can close this window and return to mcp-oauth-debug.</p></body></html>`))
	}
}

func deliver(resultChan chan<- callbackResult, result callbackResult) {
	select {
	case resultChan <- result:
	default:
	}
}

// openBrowser opens the specified URL in the default browser
func openBrowser(urlStr string) error {
	// Validate URL scheme before handing it to the OS
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsedURL.Scheme != schemeHTTP && parsedURL.Scheme != schemeHTTPS {
		return fmt.Errorf("invalid URL scheme for browser: %s (only http/https allowed)", parsedURL.Scheme)
	}

	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", urlStr)
	case "darwin":
		cmd = exec.Command("open", urlStr)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", urlStr)
	default:
		return fmt.Errorf("unsupported platform")
	}

	return cmd.Start()
}
