// Package auth manages the ISMR API bearer token: acquisition from the
// token endpoint, on-disk caching between runs, and lock-guarded renewal
// shared by concurrent download workers.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AuthError indicates rejected credentials or a malformed token response.
// It is fatal: the run cannot proceed without a valid token.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Token is the credential state issued by the API. A token is valid when it
// is present and either carries no expiry or has not yet expired.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the token can still be attached to requests.
func (t Token) Valid() bool {
	if t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().UTC().Before(t.ExpiresAt)
}

// tokenResponse is the wire shape returned by the token endpoint.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

// Authenticator owns the shared token state. Refresh is mutually exclusive
// across workers; readers observe either the pre- or post-refresh token as a
// consistent snapshot.
type Authenticator struct {
	config *Config
	client *http.Client
	logger *logrus.Logger

	mu    sync.Mutex
	token Token
}

// NewAuthenticator creates an Authenticator from a validated config.
func NewAuthenticator(config *Config) (*Authenticator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Authenticator{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: config.Logger,
	}, nil
}

// IsValid reports whether the current token can be used as-is.
func (a *Authenticator) IsValid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token.Valid()
}

// Token returns the current access token. It may be empty or expired; callers
// should check IsValid or Refresh first.
func (a *Authenticator) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token.AccessToken
}

// Refresh ensures a valid token, requesting a new one from the API when the
// current one is missing or expired. With force set the cached token is
// discarded unconditionally. Refresh is idempotent: concurrent callers are
// serialized and a still-valid token is a no-op unless forced.
func (a *Authenticator) Refresh(ctx context.Context, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !force && a.token.Valid() {
		return nil
	}

	if !force && a.loadTokenFile() {
		return nil
	}

	a.logger.Info("Requesting new token from API")

	body, err := json.Marshal(map[string]string{
		"email":    a.config.Email,
		"password": a.config.Password,
	})
	if err != nil {
		return &AuthError{Message: "failed to encode credentials", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.LoginURL, bytes.NewReader(body))
	if err != nil {
		return &AuthError{Message: "failed to create login request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return &AuthError{Message: "login request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &AuthError{Message: fmt.Sprintf("credentials rejected: status=%d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return &AuthError{Message: "malformed token response", Err: err}
	}
	if tr.AccessToken == "" {
		return &AuthError{Message: "token response missing access_token"}
	}

	token := Token{AccessToken: tr.AccessToken}
	if tr.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, tr.ExpiresAt)
		if err != nil {
			return &AuthError{Message: fmt.Sprintf("malformed expires_at %q", tr.ExpiresAt), Err: err}
		}
		token.ExpiresAt = expiresAt.UTC()
	} else {
		token.ExpiresAt = time.Now().UTC().Add(a.config.TokenTTL)
	}

	a.token = token
	a.saveTokenFile()

	a.logger.WithField("expires_at", token.ExpiresAt.Format(time.RFC3339)).Info("New token acquired")
	return nil
}

// loadTokenFile restores a previously cached token. Returns true only when
// the cached token is still valid. Caller must hold a.mu.
func (a *Authenticator) loadTokenFile() bool {
	if a.config.TokenFile == "" {
		return false
	}

	data, err := os.ReadFile(a.config.TokenFile)
	if err != nil {
		return false
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		a.logger.WithError(err).Warn("Failed to parse cached token file")
		return false
	}

	if !token.Valid() {
		a.logger.Warn("Cached token expired")
		return false
	}

	a.token = token
	a.logger.WithField("expires_at", token.ExpiresAt.Format(time.RFC3339)).Info("Using cached token from file")
	return true
}

// saveTokenFile persists the current token for reuse by later runs. Failures
// are logged and otherwise ignored. Caller must hold a.mu.
func (a *Authenticator) saveTokenFile() {
	if a.config.TokenFile == "" || a.token.AccessToken == "" {
		return
	}

	data, err := json.Marshal(a.token)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to encode token for caching")
		return
	}

	if err := os.WriteFile(a.config.TokenFile, data, 0600); err != nil {
		a.logger.WithError(err).Warn("Failed to write token cache file")
	}
}
