package auth

import (
	"context"

	"golang.org/x/oauth2"
)

// accountTokenSource adapts the Manager to oauth2.TokenSource. Every Token
// call goes through EnsureFresh so refreshed tokens are persisted before use.
type accountTokenSource struct {
	ctx     context.Context
	manager *Manager
	account string
}

// Token returns a valid token, refreshing if necessary
func (ts *accountTokenSource) Token() (*oauth2.Token, error) {
	cred, err := ts.manager.EnsureFresh(ts.ctx, ts.account)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       cred.ExpiresAt,
	}, nil
}
