package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/domain/catalog"
	"github.com/aegisgate/aegisgate/internal/domain/identity"
	"github.com/aegisgate/aegisgate/internal/kv"
)

// ConditionInput carries the variables a restriction condition may reference.
type ConditionInput struct {
	// Scope being exercised.
	Scope string
	// AgentType of the key.
	AgentType string
	// Target identity of the operation, "" when none.
	Target string
	// Tier of the key's owner.
	Tier string
	// Hour of day (0-23, UTC) at evaluation time.
	Hour int
}

// ConditionEvaluator evaluates a restriction condition expression.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, expression string, input ConditionInput) (bool, error)
}

// Service issues, verifies, and revokes scoped API keys. The hash index
// at apikey_hash:<hex> is the sole path from secret to key, so deleting
// it revokes the key instantly across all instances.
type Service struct {
	store      kv.Store
	catalog    *catalog.Catalog
	identities *identity.Directory
	conditions ConditionEvaluator
	logger     *slog.Logger

	now func() time.Time
}

// NewService creates an API key service. conditions may be nil; keys whose
// restrictions carry a condition are then denied at authorize time.
func NewService(store kv.Store, cat *catalog.Catalog, identities *identity.Directory, conditions ConditionEvaluator, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		catalog:    cat,
		identities: identities,
		conditions: conditions,
		logger:     logger,
		now:        time.Now,
	}
}

// IssueParams are the inputs for issuing a new key.
type IssueParams struct {
	// OwnerID is the identity the key acts for.
	OwnerID string
	// AgentType selects catalog defaults and appears in the secret prefix.
	AgentType string
	// CustomScopes are granted in addition to the agent type's defaults.
	CustomScopes []string
	// TTLDays is the key lifetime in days; 0 means no expiry.
	TTLDays int
	// RateLimitProfile overrides the catalog/tier default when non-empty.
	RateLimitProfile string
}

// Issue creates a new key and returns the plaintext secret exactly once.
// The secret is never persisted or retrievable again.
func (s *Service) Issue(ctx context.Context, p IssueParams) (string, *Metadata, error) {
	profile, err := s.catalog.Profile(p.AgentType)
	if err != nil {
		return "", nil, err
	}
	for _, scope := range p.CustomScopes {
		if err := s.catalog.ValidateScope(scope); err != nil {
			return "", nil, err
		}
	}

	scopes := slices.Clone(profile.DefaultScopes)
	for _, scope := range p.CustomScopes {
		if !slices.Contains(scopes, scope) {
			scopes = append(scopes, scope)
		}
	}

	rateProfile := p.RateLimitProfile
	if rateProfile == "" {
		rateProfile = profile.RateLimitProfile
	}

	secret, err := GenerateSecret(p.AgentType)
	if err != nil {
		return "", nil, err
	}

	now := s.now().UTC()
	meta := &Metadata{
		KeyID:            uuid.NewString(),
		SecretHash:       HashSecret(secret),
		OwnerID:          p.OwnerID,
		AgentType:        p.AgentType,
		Scopes:           scopes,
		RateLimitProfile: rateProfile,
		Restrictions:     profile.Restrictions,
		Active:           true,
		CreatedAt:        now,
	}
	if p.TTLDays > 0 {
		meta.ExpiresAt = now.Add(time.Duration(p.TTLDays) * 24 * time.Hour)
	}

	if err := s.put(ctx, meta); err != nil {
		return "", nil, err
	}
	if err := s.store.Set(ctx, hashIndexKey(meta.SecretHash), []byte(meta.KeyID), s.recordTTL(meta)); err != nil {
		return "", nil, fmt.Errorf("failed to store key index: %w", err)
	}

	s.logger.Info("api key issued",
		"key_id", meta.KeyID,
		"owner_id", meta.OwnerID,
		"agent_type", meta.AgentType,
		"scopes", meta.Scopes)
	return secret, meta, nil
}

// Verify resolves a secret to its key, checks liveness, records usage, and
// returns the scoped agent identity plus the key metadata.
func (s *Service) Verify(ctx context.Context, secret string) (*identity.Identity, *Metadata, error) {
	keyID, err := s.store.Get(ctx, hashIndexKey(HashSecret(secret)))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, autherr.ErrInvalidCredential
	}
	if err != nil {
		return nil, nil, fmt.Errorf("key index lookup: %w", err)
	}

	meta, err := s.getMeta(ctx, string(keyID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, autherr.ErrInvalidCredential
	}
	if err != nil {
		return nil, nil, err
	}

	if !meta.Active {
		return nil, nil, autherr.ErrRevoked
	}
	if meta.IsExpired(s.now().UTC()) {
		s.deactivate(ctx, meta, "expired")
		return nil, nil, autherr.ErrExpired
	}

	meta.UsageCount++
	meta.LastUsedAt = s.now().UTC()
	if err := s.put(ctx, meta); err != nil {
		s.logger.Warn("failed to record key usage", "key_id", meta.KeyID, "error", err)
	}

	owner, err := s.identities.Get(ctx, meta.OwnerID)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityNotFound) {
			return nil, nil, fmt.Errorf("%w: key owner missing", autherr.ErrInvalidCredential)
		}
		return nil, nil, fmt.Errorf("owner lookup: %w", err)
	}

	return &identity.Identity{
		ID:        meta.OwnerID,
		Kind:      identity.KindAgent,
		Role:      identity.RoleService,
		AgentType: meta.AgentType,
		Scopes:    meta.Scopes,
		Tier:      owner.Tier,
	}, meta, nil
}

// Authorize checks a verified key identity against a required scope and
// optional target. Every denial is ErrForbidden.
func (s *Service) Authorize(ctx context.Context, ident *identity.Identity, meta *Metadata, requiredScope, target string) error {
	if !ident.HasScope(requiredScope) {
		return fmt.Errorf("%w: missing scope %q", autherr.ErrForbidden, requiredScope)
	}
	if slices.Contains(meta.Restrictions.ForbiddenOperations, requiredScope) {
		return fmt.Errorf("%w: operation %q forbidden for this key", autherr.ErrForbidden, requiredScope)
	}
	if len(meta.Restrictions.AllowedAgents) > 0 && target != "" &&
		!slices.Contains(meta.Restrictions.AllowedAgents, target) {
		return fmt.Errorf("%w: target %q not in allow-list", autherr.ErrForbidden, target)
	}

	if cond := meta.Restrictions.Condition; cond != "" {
		if s.conditions == nil {
			return fmt.Errorf("%w: restriction condition present but no evaluator configured", autherr.ErrForbidden)
		}
		ok, err := s.conditions.Evaluate(ctx, cond, ConditionInput{
			Scope:     requiredScope,
			AgentType: meta.AgentType,
			Target:    target,
			Tier:      string(ident.Tier),
			Hour:      s.now().UTC().Hour(),
		})
		if err != nil {
			s.logger.Warn("restriction condition failed to evaluate",
				"key_id", meta.KeyID, "error", err)
			return fmt.Errorf("%w: restriction condition error", autherr.ErrForbidden)
		}
		if !ok {
			return fmt.Errorf("%w: restriction condition not satisfied", autherr.ErrForbidden)
		}
	}

	return nil
}

// Revoke deletes the hash index entry, which makes the secret unresolvable
// immediately, and tombstones the metadata for audit.
func (s *Service) Revoke(ctx context.Context, keyID, reason string) error {
	meta, err := s.getMeta(ctx, keyID)
	if errors.Is(err, kv.ErrNotFound) {
		return autherr.ErrInvalidCredential
	}
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, hashIndexKey(meta.SecretHash)); err != nil {
		return fmt.Errorf("failed to delete key index: %w", err)
	}
	s.deactivate(ctx, meta, reason)

	s.logger.Info("api key revoked", "key_id", keyID, "reason", reason)
	return nil
}

// Rotate issues a new key with the old key's scopes, restrictions, and
// remaining lifetime, then revokes the old one. Returns the new plaintext.
func (s *Service) Rotate(ctx context.Context, keyID string) (string, *Metadata, error) {
	old, err := s.getMeta(ctx, keyID)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil, autherr.ErrInvalidCredential
	}
	if err != nil {
		return "", nil, err
	}

	secret, err := GenerateSecret(old.AgentType)
	if err != nil {
		return "", nil, err
	}

	meta := &Metadata{
		KeyID:            uuid.NewString(),
		SecretHash:       HashSecret(secret),
		OwnerID:          old.OwnerID,
		AgentType:        old.AgentType,
		Scopes:           slices.Clone(old.Scopes),
		RateLimitProfile: old.RateLimitProfile,
		Restrictions:     old.Restrictions,
		Active:           true,
		CreatedAt:        s.now().UTC(),
		ExpiresAt:        old.ExpiresAt,
	}

	if err := s.put(ctx, meta); err != nil {
		return "", nil, err
	}
	if err := s.store.Set(ctx, hashIndexKey(meta.SecretHash), []byte(meta.KeyID), s.recordTTL(meta)); err != nil {
		return "", nil, fmt.Errorf("failed to store key index: %w", err)
	}

	if err := s.Revoke(ctx, keyID, "rotated"); err != nil {
		return "", nil, err
	}

	s.logger.Info("api key rotated", "old_key_id", keyID, "new_key_id", meta.KeyID)
	return secret, meta, nil
}

// deactivate tombstones the metadata. Best-effort: a failed tombstone write
// does not undo the index deletion that actually revokes the key.
func (s *Service) deactivate(ctx context.Context, meta *Metadata, reason string) {
	_ = s.store.Delete(ctx, hashIndexKey(meta.SecretHash))
	meta.Active = false
	meta.RevokedReason = reason
	if err := s.put(ctx, meta); err != nil {
		s.logger.Warn("failed to tombstone key metadata", "key_id", meta.KeyID, "error", err)
	}
}

// getMeta loads and decodes a metadata record. Returns kv.ErrNotFound
// unwrapped so callers can map it.
func (s *Service) getMeta(ctx context.Context, keyID string) (*Metadata, error) {
	data, err := s.store.Get(ctx, metaKey(keyID))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode key metadata: %w", err)
	}
	return &meta, nil
}

// put serializes and writes a metadata record with its semantic TTL.
func (s *Service) put(ctx context.Context, meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal key metadata: %w", err)
	}
	if err := s.store.Set(ctx, metaKey(meta.KeyID), data, s.recordTTL(meta)); err != nil {
		return fmt.Errorf("failed to store key metadata: %w", err)
	}
	return nil
}

// recordTTL returns the store TTL for a key's records: the time until
// expiry, or no expiry for non-expiring keys. Tombstones keep a day so
// audits can still resolve recently revoked key IDs.
func (s *Service) recordTTL(meta *Metadata) time.Duration {
	if meta.ExpiresAt.IsZero() {
		return kv.NoExpiry
	}
	ttl := time.Until(meta.ExpiresAt)
	if ttl <= 0 {
		return 24 * time.Hour
	}
	return ttl
}
