package codex

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JWTClaims represents the claims section of a JSON Web Token (JWT).
// It includes standard claims like issuer, subject, and expiration time, as well as
// custom claims specific to OpenAI's authentication.
type JWTClaims struct {
	AtHash        string        `json:"at_hash"`
	Aud           []string      `json:"aud"`
	AuthProvider  string        `json:"auth_provider"`
	AuthTime      int           `json:"auth_time"`
	Email         string        `json:"email"`
	EmailVerified bool          `json:"email_verified"`
	Exp           int           `json:"exp"`
	CodexAuthInfo CodexAuthInfo `json:"https://api.openai.com/auth"`
	Iat           int           `json:"iat"`
	Iss           string        `json:"iss"`
	Jti           string        `json:"jti"`
	SessionID     string        `json:"session_id"`
	Sid           string        `json:"sid"`
	Sub           string        `json:"sub"`
}

// Organizations defines the structure for organization details within the JWT claims.
// It holds information about the user's organization, such as ID, role, and title.
type Organizations struct {
	ID        string `json:"id"`
	IsDefault bool   `json:"is_default"`
	Role      string `json:"role"`
	Title     string `json:"title"`
}

// CodexAuthInfo contains authentication-related details specific to Codex.
// This includes ChatGPT account information and user/organization IDs.
type CodexAuthInfo struct {
	ChatgptAccountID string          `json:"chatgpt_account_id"`
	ChatgptPlanType  string          `json:"chatgpt_plan_type"`
	ChatgptUserID    string          `json:"chatgpt_user_id"`
	Organizations    []Organizations `json:"organizations"`
	UserID           string          `json:"user_id"`
}

// TokenDetails carries the identity claims the gateway derives from raw token
// text. Fields stay at their zero value whenever the corresponding claim is
// absent or the token cannot be decoded.
type TokenDetails struct {
	// ExpiresAt is the access token expiry; zero when unknown.
	ExpiresAt time.Time

	// SessionID is the upstream session identifier claim.
	SessionID string

	// ChatgptAccountID identifies the ChatGPT account.
	ChatgptAccountID string

	// ChatgptUserID identifies the ChatGPT user.
	ChatgptUserID string

	// UserID is the OpenAI platform user id.
	UserID string

	// OrganizationID is the preferred organization for the account.
	OrganizationID string
}

// ParseJWTToken parses a JWT token string and extracts its claims without performing
// cryptographic signature verification. This is useful for introspecting the token's
// contents to retrieve user information from an ID token after it has been validated
// by the authentication server.
func ParseJWTToken(token string) (*JWTClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT token format: expected 3 parts, got %d", len(parts))
	}

	// Decode the claims (payload) part
	claimsData, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT claims: %w", err)
	}

	var claims JWTClaims
	if err = json.Unmarshal(claimsData, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JWT claims: %w", err)
	}

	return &claims, nil
}

// base64URLDecode decodes a Base64 URL-encoded string, adding padding if necessary.
// JWTs use a URL-safe Base64 alphabet and omit padding, so this function ensures
// correct decoding by re-adding the padding before decoding.
func base64URLDecode(data string) ([]byte, error) {
	// Add padding if necessary
	switch len(data) % 4 {
	case 2:
		data += "=="
	case 3:
		data += "="
	}

	return base64.URLEncoding.DecodeString(data)
}

// DeriveTokenDetails extracts routing identity from the access token and fills
// remaining gaps from the optional id token. Decoding failures are silent so a
// malformed token yields empty details rather than an error.
func DeriveTokenDetails(accessToken, idToken string) TokenDetails {
	var details TokenDetails
	if claims, err := ParseJWTToken(accessToken); err == nil {
		details.merge(claims)
	}
	if idToken != "" {
		if claims, err := ParseJWTToken(idToken); err == nil {
			details.merge(claims)
		}
	}
	return details
}

// merge fills unset detail fields from the given claims. Earlier sources win,
// so access-token claims take precedence over id-token claims.
func (d *TokenDetails) merge(claims *JWTClaims) {
	if d.ExpiresAt.IsZero() && claims.Exp > 0 {
		d.ExpiresAt = time.Unix(int64(claims.Exp), 0)
	}
	if d.SessionID == "" {
		d.SessionID = claims.sessionID()
	}
	if d.ChatgptAccountID == "" {
		d.ChatgptAccountID = claims.CodexAuthInfo.ChatgptAccountID
	}
	if d.ChatgptUserID == "" {
		d.ChatgptUserID = claims.CodexAuthInfo.ChatgptUserID
	}
	if d.UserID == "" {
		d.UserID = claims.CodexAuthInfo.UserID
	}
	if d.OrganizationID == "" {
		d.OrganizationID = claims.DefaultOrganizationID()
	}
}

// sessionID returns the session identifier claim, preferring session_id over
// the shorter sid variant.
func (c *JWTClaims) sessionID() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return c.Sid
}

// DefaultOrganizationID returns the id of the default organization from the
// auth claims, falling back to the first listed organization.
func (c *JWTClaims) DefaultOrganizationID() string {
	for _, org := range c.CodexAuthInfo.Organizations {
		if org.IsDefault {
			return org.ID
		}
	}
	if len(c.CodexAuthInfo.Organizations) > 0 {
		return c.CodexAuthInfo.Organizations[0].ID
	}
	return ""
}

// TokenExpiry returns the expiry instant encoded in the token's exp claim.
// The second return value is false when the token carries no usable expiry.
func TokenExpiry(token string) (time.Time, bool) {
	claims, err := ParseJWTToken(token)
	if err != nil || claims.Exp <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(claims.Exp), 0), true
}

// TokenSessionID returns the session identifier claim of the token, or empty
// when the token cannot be decoded.
func TokenSessionID(token string) string {
	claims, err := ParseJWTToken(token)
	if err != nil {
		return ""
	}
	return claims.sessionID()
}

// IsFresh reports whether a token expiring at expiresAt is still usable at
// now while keeping buffer of slack. Unknown expiries count as fresh.
func IsFresh(expiresAt time.Time, buffer time.Duration, now time.Time) bool {
	if expiresAt.IsZero() {
		return true
	}
	return expiresAt.Sub(now) > buffer
}

// GetUserEmail extracts the user's email address from the JWT claims.
func (c *JWTClaims) GetUserEmail() string {
	return c.Email
}

// GetAccountID extracts the user's account ID from the JWT claims.
// It retrieves the unique identifier for the user's ChatGPT account.
func (c *JWTClaims) GetAccountID() string {
	return c.CodexAuthInfo.ChatgptAccountID
}
