// Package token issues and verifies signed session tokens, and manages
// refresh, revocation, and session teardown.
package token

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/aegisgate/aegisgate/internal/domain/identity"
)

// Token use values carried in the token_use claim.
const (
	// UseAccess marks short-lived access tokens.
	UseAccess = "access"
	// UseRefresh marks long-lived refresh tokens.
	UseRefresh = "refresh"
)

// Claims is the full claim set embedded in AegisGate tokens: the JWT
// registered claims plus an identity block and a session reference.
type Claims struct {
	jwt.RegisteredClaims

	// TokenUse is "access" or "refresh".
	TokenUse string `json:"token_use"`
	// Role of the identity at issuance.
	Role identity.Role `json:"role,omitempty"`
	// Scopes granted to the identity at issuance.
	Scopes []string `json:"scopes,omitempty"`
	// Tier of the identity at issuance.
	Tier identity.Tier `json:"tier,omitempty"`
	// SessionID references the owning session.
	SessionID string `json:"sid"`
}

// Identity reconstructs an identity value from the token claims.
func (c *Claims) Identity() *identity.Identity {
	return &identity.Identity{
		ID:     c.Subject,
		Kind:   identity.KindUser,
		Role:   c.Role,
		Scopes: c.Scopes,
		Tier:   c.Tier,
	}
}

// metadata is the persisted per-jti record at token:<jti>.
type metadata struct {
	IdentityID string `json:"identity_id"`
	SessionID  string `json:"session_id"`
	TokenUse   string `json:"token_use"`
	ExpiresAt  int64  `json:"expires_at"`
}

// blacklistEntry is the persisted record at blacklist:<jti>.
type blacklistEntry struct {
	Reason string `json:"reason"`
	At     int64  `json:"at"`
}

// tokenKey returns the store key for per-jti metadata.
func tokenKey(jti string) string {
	return "token:" + jti
}

// blacklistKey returns the store key for a revoked jti.
func blacklistKey(jti string) string {
	return "blacklist:" + jti
}

// sessionTokensKey returns the store key for a session's live jti set.
func sessionTokensKey(sessionID string) string {
	return "session:" + sessionID + ":tokens"
}
