package account

import (
	"context"
	"time"

	"github.com/router-for-me/codexmux/internal/auth/codex"
)

// refreshTimeout bounds one token-endpoint round trip regardless of how long
// the waiting requests are willing to block.
const refreshTimeout = 30 * time.Second

// Refresher exchanges refresh tokens at the identity provider. It carries no
// retry logic; the router rotates accounts when a refresh fails.
type Refresher struct {
	auth *codex.CodexAuth
}

// NewRefresher returns a refresher using the given OAuth client id. An empty
// id falls back to the codex CLI one.
func NewRefresher(clientID, proxyURL string) *Refresher {
	return &Refresher{auth: codex.NewCodexAuth(clientID, proxyURL)}
}

// SetTokenURL overrides the token endpoint. Used by tests.
func (r *Refresher) SetTokenURL(tokenURL string) {
	r.auth.SetTokenURL(tokenURL)
}

// Refresh performs one refresh-token exchange and returns the new token set.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (codex.TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	data, err := r.auth.RefreshTokens(ctx, refreshToken)
	if err != nil {
		return codex.TokenSet{}, err
	}
	return codex.TokenSet{
		IDToken:      data.IDToken,
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		AccountID:    data.AccountID,
	}, nil
}
