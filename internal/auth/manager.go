package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"stravasync/internal/store"
	"stravasync/internal/strava"
)

// DefaultRefreshMargin refreshes tokens this long before Strava expires them.
// A request signed just before the fetcher waits out a rate limit window is
// sent up to strava.RateLimitWindow+strava.BackoffMargin later, so the margin
// has to be longer than that.
const DefaultRefreshMargin = 20 * time.Minute

// CredentialStore persists one credential per account
type CredentialStore interface {
	GetCredential(ctx context.Context, account string) (*store.Credential, error)
	SaveCredential(ctx context.Context, account string, c *store.Credential) error
}

// Manager owns the OAuth lifecycle of every account. All token requests go
// through the Strava fetcher so they share its rate limit handling.
type Manager struct {
	oauth  *oauth2.Config
	creds  CredentialStore
	client *http.Client
	logger *slog.Logger
	margin time.Duration
	now    func() time.Time
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithRefreshMargin sets how early tokens are refreshed
func WithRefreshMargin(d time.Duration) ManagerOption {
	return func(m *Manager) { m.margin = d }
}

// WithManagerLogger sets the logger
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithNow replaces time.Now, for tests
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token manager
func NewManager(cfg *oauth2.Config, creds CredentialStore, fetcher *strava.Fetcher, opts ...ManagerOption) *Manager {
	m := &Manager{
		oauth:  cfg,
		creds:  creds,
		client: fetcher.HTTPClient(),
		logger: slog.Default(),
		margin: DefaultRefreshMargin,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OAuthConfig returns the oauth2 configuration, used for the authorization URL
func (m *Manager) OAuthConfig() *oauth2.Config {
	return m.oauth
}

// HasCredential reports whether a credential is stored for account
func (m *Manager) HasCredential(ctx context.Context, account string) (bool, error) {
	_, err := m.creds.GetCredential(ctx, account)
	if errors.Is(err, store.ErrNoCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Exchange performs the authorization code grant, stores the resulting
// credential and returns it with the athlete Strava reported.
func (m *Manager) Exchange(ctx context.Context, account, code string) (*store.Credential, *TokenAthlete, error) {
	if code == "" {
		return nil, nil, fmt.Errorf("%w: no authorization code for account %q - run `stravasync authorize`", strava.ErrAuthInvalid, account)
	}

	token, err := m.oauth.Exchange(m.httpContext(ctx), code)
	if err != nil {
		return nil, nil, fmt.Errorf("exchanging code for token: %w", tokenError(err))
	}

	cred := m.credentialFromToken(token)
	if err := m.creds.SaveCredential(ctx, account, cred); err != nil {
		return nil, nil, fmt.Errorf("saving credential: %w", err)
	}

	athlete := ExtractAthlete(token)
	m.logger.Info("Exchanged authorization code", "account", account, "expires_at", cred.ExpiresAt)
	return cred, athlete, nil
}

// EnsureFresh returns the stored credential, first replacing it with a
// refreshed one when it expires within the refresh margin.
func (m *Manager) EnsureFresh(ctx context.Context, account string) (*store.Credential, error) {
	cred, err := m.creds.GetCredential(ctx, account)
	if err != nil {
		return nil, err
	}

	if m.now().Before(cred.ExpiresAt.Add(-m.margin)) {
		return cred, nil
	}

	// A token without an access token is never valid, so the source issues
	// exactly one refresh grant.
	src := m.oauth.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", tokenError(err))
	}

	fresh := m.credentialFromToken(token)
	if err := m.creds.SaveCredential(ctx, account, fresh); err != nil {
		return nil, fmt.Errorf("saving refreshed credential: %w", err)
	}

	m.logger.Info("Refreshed access token", "account", account, "expires_at", fresh.ExpiresAt)
	return fresh, nil
}

// TokenSource returns a source that calls EnsureFresh for every token
func (m *Manager) TokenSource(ctx context.Context, account string) oauth2.TokenSource {
	return &accountTokenSource{ctx: ctx, manager: m, account: account}
}

func (m *Manager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func (m *Manager) credentialFromToken(token *oauth2.Token) *store.Credential {
	expiresAt := token.Expiry
	// expires_at is authoritative, Expiry is derived from expires_in
	if v, ok := token.Extra("expires_at").(float64); ok && v > 0 {
		expiresAt = time.Unix(int64(v), 0)
	}
	if expiresAt.IsZero() {
		expiresAt = m.now()
	}
	return &store.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt.UTC(),
	}
}

// tokenError maps an oauth2 token endpoint failure onto the Strava error classes
func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		path := "/oauth/token"
		if re.Response.Request != nil {
			path = re.Response.Request.URL.Path
		}
		return strava.NewAPIError(re.Response.StatusCode, path, re.Body)
	}
	return err
}
