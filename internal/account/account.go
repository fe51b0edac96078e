// Package account owns the mutable pool of upstream accounts: selection
// order, sticky sessions, cooldowns, and token freshness. The router talks
// to this package for every selection decision and state transition.
package account

import (
	"time"

	"github.com/router-for-me/codexmux/internal/auth/codex"
)

// TokenPair couples the raw token strings with the claims derived from them.
// Derived fields are a pure function of the token text and are recomputed
// whenever the tokens change.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	AccountID    string
	Details      codex.TokenDetails
}

// NewTokenPair derives claim details from the given token set.
func NewTokenPair(set codex.TokenSet) TokenPair {
	return TokenPair{
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		IDToken:      set.IDToken,
		AccountID:    set.AccountID,
		Details:      codex.DeriveTokenDetails(set.AccessToken, set.IDToken),
	}
}

// TokenSet converts the pair back to its persistable form.
func (p TokenPair) TokenSet() codex.TokenSet {
	return codex.TokenSet{
		IDToken:      p.IDToken,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		AccountID:    p.AccountID,
	}
}

// Complete reports whether the pair can serve requests: both the access and
// refresh token must be present.
func (p TokenPair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Account is an immutable snapshot of one account's state, taken under the
// pool lock. Callers keep the snapshot for the duration of one attempt.
type Account struct {
	Name          string
	Dir           string
	Default       bool
	Tokens        TokenPair
	CooldownUntil time.Time
	Failures      int
	LastError     string
}

// CoolingDown reports whether the account is in its penalty window at now.
func (a Account) CoolingDown(now time.Time) bool {
	return now.Before(a.CooldownUntil)
}
