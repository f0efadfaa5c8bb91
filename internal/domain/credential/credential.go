// Package credential stores and verifies password credentials for user
// identities. Only Argon2id hashes are persisted, never plaintext.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/kv"
)

// argon2idParams uses OWASP minimum parameters.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// record is the persisted credential at credential:<identity_id>.
type record struct {
	IdentityID   string `json:"identity_id"`
	PasswordHash string `json:"password_hash"`
	UpdatedAt    int64  `json:"updated_at"`
}

// credentialKey returns the store key for an identity's credential record.
func credentialKey(identityID string) string {
	return "credential:" + identityID
}

// Store persists password credentials in the shared store.
type Store struct {
	store kv.Store
}

// NewStore creates a credential store.
func NewStore(store kv.Store) *Store {
	return &Store{store: store}
}

// SetPassword hashes and persists a password for an identity, replacing
// any previous credential. Credential records do not expire.
func (s *Store) SetPassword(ctx context.Context, identityID, password string) error {
	hash, err := argon2id.CreateHash(password, argon2idParams)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	rec := record{
		IdentityID:   identityID,
		PasswordHash: hash,
		UpdatedAt:    time.Now().Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := s.store.Set(ctx, credentialKey(identityID), data, kv.NoExpiry); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// VerifyPassword checks a password against the stored hash. Returns
// ErrInvalidCredential for an unknown identity or a wrong password, so
// callers cannot distinguish the two.
func (s *Store) VerifyPassword(ctx context.Context, identityID, password string) error {
	data, err := s.store.Get(ctx, credentialKey(identityID))
	if errors.Is(err, kv.ErrNotFound) {
		// Burn comparable time so unknown identities are not detectable
		// by response latency.
		_, _ = argon2id.ComparePasswordAndHash(password, dummyHash)
		return autherr.ErrInvalidCredential
	}
	if err != nil {
		return fmt.Errorf("credential lookup: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode credential: %w", err)
	}

	match, err := comparePassword(password, rec.PasswordHash)
	if err != nil {
		return fmt.Errorf("failed to verify password: %w", err)
	}
	if !match {
		return autherr.ErrInvalidCredential
	}
	return nil
}

// Delete removes an identity's credential record.
func (s *Store) Delete(ctx context.Context, identityID string) error {
	return s.store.Delete(ctx, credentialKey(identityID))
}

// dummyHash is a valid Argon2id hash of an unguessable value, used to
// equalize timing for unknown identities.
const dummyHash = "$argon2id$v=19$m=48128,t=1,p=1$WjRkTm9QcVJzVHV2d3h5eg$L9pOMWnuvbTXPUnTQ1R2T5sOwZBCuS5MO0BsyUQ7wGs"

// comparePassword wraps argon2id comparison with panic recovery; the
// underlying library panics on malformed stored hashes.
func comparePassword(password, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid stored hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(password, storedHash)
}
