package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stravasync/internal/store"
	"stravasync/internal/strava"
)

type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newTokenServer(t *testing.T, status int, body string) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(t *testing.T, tokenURL string, now time.Time) (*Manager, *store.DB) {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := NewOAuthConfig(Config{ClientID: "client", ClientSecret: "secret", TokenURL: tokenURL})
	m := NewManager(cfg, db, strava.NewFetcher(), WithNow(func() time.Time { return now }))
	return m, db
}

func TestEnsureFreshRefreshesExpiredToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK,
		`{"token_type":"Bearer","access_token":"a2","refresh_token":"r2","expires_at":9000,"expires_in":21600}`)
	m, db := newTestManager(t, ts.URL+"/oauth/token", time.Unix(5000, 0))
	ctx := context.Background()

	require.NoError(t, db.SaveCredential(ctx, "main", &store.Credential{
		AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Unix(4000, 0),
	}))

	got, err := m.EnsureFresh(ctx, "main")
	require.NoError(t, err)

	if n := ts.calls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	want := &store.Credential{AccessToken: "a2", RefreshToken: "r2", ExpiresAt: time.Unix(9000, 0).UTC()}
	assert.Equal(t, want, got)

	stored, err := db.GetCredential(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, want, stored)
}

func TestEnsureFreshKeepsValidToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{}`)
	m, db := newTestManager(t, ts.URL+"/oauth/token", time.Unix(1000, 0))
	ctx := context.Background()

	cred := &store.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Unix(5000, 0).UTC()}
	require.NoError(t, db.SaveCredential(ctx, "main", cred))

	got, err := m.EnsureFresh(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, cred, got)
	assert.Zero(t, ts.calls.Load())
}

func TestEnsureFreshRefreshesInsideMargin(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK,
		`{"token_type":"Bearer","access_token":"a2","refresh_token":"r2","expires_at":9000}`)
	m, db := newTestManager(t, ts.URL+"/oauth/token", time.Unix(4970, 0))
	ctx := context.Background()

	require.NoError(t, db.SaveCredential(ctx, "main", &store.Credential{
		AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Unix(5000, 0),
	}))

	_, err := m.EnsureFresh(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestEnsureFreshRevoked(t *testing.T) {
	ts := newTokenServer(t, http.StatusBadRequest,
		`{"message":"Bad Request","errors":[{"resource":"RefreshToken","field":"refresh_token","code":"invalid"}]}`)
	m, db := newTestManager(t, ts.URL+"/oauth/token", time.Unix(5000, 0))
	ctx := context.Background()

	old := &store.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Unix(4000, 0).UTC()}
	require.NoError(t, db.SaveCredential(ctx, "main", old))

	_, err := m.EnsureFresh(ctx, "main")
	if !errors.Is(err, strava.ErrAuthInvalid) {
		t.Fatalf("EnsureFresh() error = %v, want ErrAuthInvalid", err)
	}

	stored, err := db.GetCredential(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, old, stored)
}

func TestEnsureFreshNoCredential(t *testing.T) {
	m, _ := newTestManager(t, "http://127.0.0.1:0/oauth/token", time.Unix(0, 0))

	_, err := m.EnsureFresh(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNoCredential)

	ok, err := m.HasCredential(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExchange(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{
		"token_type":"Bearer","access_token":"a1","refresh_token":"r1","expires_at":9000,
		"athlete":{"id":1234,"firstname":"Jane","lastname":"Doe"}
	}`)
	m, db := newTestManager(t, ts.URL+"/oauth/token", time.Unix(5000, 0))
	ctx := context.Background()

	cred, athlete, err := m.Exchange(ctx, "main", "code123")
	require.NoError(t, err)
	assert.Equal(t, "a1", cred.AccessToken)
	require.NotNil(t, athlete)
	assert.Equal(t, int64(1234), athlete.ID)
	assert.Equal(t, "Jane Doe", athlete.DisplayName())

	ok, err := m.HasCredential(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := db.GetCredential(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, cred, stored)
}

func TestExchangeInvalidCode(t *testing.T) {
	ts := newTokenServer(t, http.StatusUnauthorized, `{"message":"Authorization Error"}`)
	m, _ := newTestManager(t, ts.URL+"/oauth/token", time.Unix(5000, 0))

	_, _, err := m.Exchange(context.Background(), "main", "bad")
	assert.ErrorIs(t, err, strava.ErrAuthInvalid)

	_, _, err = m.Exchange(context.Background(), "main", "")
	assert.ErrorIs(t, err, strava.ErrAuthInvalid)
}

func TestTokenSourceUsesStoredCredential(t *testing.T) {
	m, db := newTestManager(t, "http://127.0.0.1:0/oauth/token", time.Unix(1000, 0))
	ctx := context.Background()
	require.NoError(t, db.SaveCredential(ctx, "main", &store.Credential{
		AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Unix(5000, 0),
	}))

	tok, err := m.TokenSource(ctx, "main").Token()
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
}

func TestDefaultRefreshMarginOutlastsBackoff(t *testing.T) {
	assert.Greater(t, DefaultRefreshMargin, strava.RateLimitWindow+strava.BackoffMargin)
}
