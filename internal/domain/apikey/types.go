// Package apikey issues and verifies scoped, hashed API-key secrets for
// machine identities.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/catalog"
)

// SecretPrefix is the product prefix on every API-key secret.
const SecretPrefix = "ag"

// secretBytes is the entropy of the random portion (256 bits).
const secretBytes = 32

// Metadata is the persisted record for one API key. The raw secret is
// never stored, only its SHA-256 hash.
type Metadata struct {
	// KeyID is the stable identifier for management operations.
	KeyID string `json:"key_id"`
	// SecretHash is the SHA-256 hex hash of the secret.
	SecretHash string `json:"secret_hash"`
	// OwnerID is the identity that issued the key.
	OwnerID string `json:"owner_id"`
	// AgentType selects catalog defaults.
	AgentType string `json:"agent_type"`
	// Scopes granted to the key.
	Scopes []string `json:"scopes"`
	// RateLimitProfile names the rate limit profile, "" for tier default.
	RateLimitProfile string `json:"rate_limit_profile,omitempty"`
	// Restrictions constrain use of the key.
	Restrictions catalog.Restrictions `json:"restrictions"`
	// UsageCount is incremented on every successful verification.
	UsageCount int64 `json:"usage_count"`
	// LastUsedAt is the time of the last successful verification (UTC).
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
	// Active is false once the key is revoked or detected expired.
	Active bool `json:"active"`
	// RevokedReason records why the key was deactivated.
	RevokedReason string `json:"revoked_reason,omitempty"`
	// CreatedAt is when the key was issued (UTC).
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is when the key expires; zero means never.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// IsExpired returns true if the key is past its expiry at the given time.
// A key with a zero ExpiresAt never expires.
func (m *Metadata) IsExpired(now time.Time) bool {
	if m.ExpiresAt.IsZero() {
		return false
	}
	return now.After(m.ExpiresAt)
}

// hashIndexKey returns the store key mapping a secret hash to its key ID.
func hashIndexKey(hash string) string {
	return "apikey_hash:" + hash
}

// metaKey returns the store key for a key's metadata record.
func metaKey(keyID string) string {
	return "apikey_meta:" + keyID
}

// GenerateSecret builds a new plaintext secret of the form
// ag_<agent_type>_<random>, where the random portion is 32 bytes of
// crypto/rand encoded as unpadded base64url (43 characters).
func GenerateSecret(agentType string) (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate key secret: %w", err)
	}
	random := base64.RawURLEncoding.EncodeToString(b)
	return SecretPrefix + "_" + agentType + "_" + random, nil
}

// HashSecret returns the SHA-256 hex hash of a secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// IsAPIKey reports whether a credential string looks like an API-key
// secret rather than a bearer token.
func IsAPIKey(credential string) bool {
	return strings.HasPrefix(credential, SecretPrefix+"_")
}
