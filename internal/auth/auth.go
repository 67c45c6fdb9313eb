// Package auth provides the OAuth2 authorization flows and token storage
// for the Gmail account.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scope is the single scope required: read plus label modification.
// Full access is never requested; messages are not deleted remotely.
const Scope = "https://www.googleapis.com/auth/gmail.modify"

// Installed-application credentials. These identify the application, not
// the user; the account grant lives in the stored token.
const (
	clientID     = "504761708784-b77ce00710hrdho8iba9emq6dkqfbvgo.apps.googleusercontent.com"
	clientSecret = "6WjLoK_qUn7mQNZjz6LVI5JT"
)

// ErrNoToken means the account has not been authorized yet.
var ErrNoToken = errors.New("account not authorized, run the auth command first")

// Provider handles token acquisition, storage and refresh for one account.
type Provider struct {
	config    *oauth2.Config
	tokenPath string
	logger    *slog.Logger
}

// New creates a Provider storing its token at tokenPath.
func New(tokenPath string) *Provider {
	return &Provider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{Scope},
		},
		tokenPath: tokenPath,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger.
func (p *Provider) WithLogger(logger *slog.Logger) *Provider {
	p.logger = logger
	return p
}

// HasToken reports whether a stored token exists.
func (p *Provider) HasToken() bool {
	_, err := p.loadToken()
	return err == nil
}

// TokenSource returns an auto-refreshing token source backed by the stored
// token. Refreshed tokens are written back so the grant survives restarts.
func (p *Provider) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	token, err := p.loadToken()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	return &savingSource{
		provider: p,
		source:   p.config.TokenSource(ctx, token),
		last:     token.AccessToken,
	}, nil
}

// savingSource persists tokens whenever the refresh machinery rotates the
// access token.
type savingSource struct {
	provider *Provider
	source   oauth2.TokenSource
	last     string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	token, err := s.source.Token()
	if err != nil {
		return nil, err
	}
	if token.AccessToken != s.last {
		s.last = token.AccessToken
		if err := s.provider.saveToken(token); err != nil {
			s.provider.logger.Warn("failed to save refreshed token", "error", err)
		}
	}
	return token, nil
}

// Authorize runs an authorization flow and stores the resulting token.
// noBrowser selects the device code flow for machines without a display.
func (p *Provider) Authorize(ctx context.Context, noBrowser bool) error {
	var token *oauth2.Token
	var err error
	if noBrowser {
		token, err = p.deviceFlow(ctx)
	} else {
		token, err = p.browserFlow(ctx)
	}
	if err != nil {
		return err
	}
	return p.saveToken(token)
}

const (
	redirectPort = "8089"
	callbackPath = "/callback"
)

// newCallbackHandler returns an HTTP handler that processes the OAuth callback.
func newCallbackHandler(expectedState string, codeChan chan<- string, errChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != expectedState {
			errChan <- fmt.Errorf("state mismatch: possible CSRF attack")
			fmt.Fprintf(w, "Error: state mismatch")
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			errChan <- fmt.Errorf("no code in callback")
			fmt.Fprintf(w, "Error: no authorization code received")
			return
		}
		codeChan <- code
		fmt.Fprintf(w, "Authorization successful! You can close this window.")
	}
}

// browserFlow opens a browser and waits for the authorization callback on
// a local listener.
func (p *Provider) browserFlow(ctx context.Context) (*oauth2.Token, error) {
	// Random state for CSRF protection
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.Handle(callbackPath, newCallbackHandler(state, codeChan, errChan))
	server := &http.Server{Addr: "localhost:" + redirectPort, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	defer func() { _ = server.Shutdown(ctx) }()

	p.config.RedirectURL = "http://localhost:" + redirectPort + callbackPath
	authURL := p.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Printf("Opening browser for authorization...\n")
	fmt.Printf("If the browser doesn't open, visit:\n%s\n\n", authURL)

	if err := openBrowser(authURL); err != nil {
		p.logger.Warn("failed to open browser", "error", err)
	}

	select {
	case code := <-codeChan:
		return p.config.Exchange(ctx, code)
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deviceFlow uses the device authorization grant for headless environments.
func (p *Provider) deviceFlow(ctx context.Context) (*oauth2.Token, error) {
	resp, err := http.PostForm("https://oauth2.googleapis.com/device/code", map[string][]string{
		"client_id": {p.config.ClientID},
		"scope":     {strings.Join(p.config.Scopes, " ")},
	})
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	defer resp.Body.Close()

	var deviceResp struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURL string `json:"verification_url"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int    `json:"interval"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&deviceResp); err != nil {
		return nil, fmt.Errorf("parse device response: %w", err)
	}

	fmt.Printf("\n")
	fmt.Printf("To authorize, visit:\n")
	fmt.Printf("  %s\n\n", deviceResp.VerificationURL)
	fmt.Printf("And enter code: %s\n\n", deviceResp.UserCode)
	fmt.Printf("Waiting for authorization...\n")

	interval := time.Duration(deviceResp.Interval) * time.Second
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(deviceResp.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		token, err := p.pollForToken(deviceResp.DeviceCode)
		if err == nil {
			fmt.Printf("Authorization successful!\n")
			return token, nil
		}

		var oe *oauthError
		if errors.As(err, &oe) && oe.retryable() {
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("authorization timed out")
}

// oauthError is a non-success reply from the token endpoint, carrying the
// protocol error code.
type oauthError struct {
	Code string
}

func (e *oauthError) Error() string {
	return "oauth error: " + e.Code
}

// retryable reports whether device-flow polling should continue.
func (e *oauthError) retryable() bool {
	return e.Code == "authorization_pending" || e.Code == "slow_down"
}

// pollForToken polls the token endpoint during device flow.
func (p *Provider) pollForToken(deviceCode string) (*oauth2.Token, error) {
	resp, err := http.PostForm("https://oauth2.googleapis.com/token", map[string][]string{
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"device_code":   {deviceCode},
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		TokenType    string `json:"token_type"`
		Error        string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, err
	}
	if tokenResp.Error != "" {
		return nil, &oauthError{Code: tokenResp.Error}
	}

	return &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		Expiry:       time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}

func (p *Provider) loadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(p.tokenPath)
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// saveToken writes the token, readable by the owner only.
func (p *Provider) saveToken(token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(p.tokenPath), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.tokenPath, data, 0600)
}

// DeleteToken removes the stored token. Missing is not an error.
func (p *Provider) DeleteToken() error {
	err := os.Remove(p.tokenPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// openBrowser opens the default browser to the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
