package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/domain/identity"
	"github.com/aegisgate/aegisgate/internal/domain/session"
	"github.com/aegisgate/aegisgate/internal/kv"
)

// Defaults for token lifetimes and validation.
const (
	// DefaultAccessTTL is the default access token lifetime.
	DefaultAccessTTL = 30 * time.Minute
	// DefaultRefreshTTL is the default refresh token lifetime.
	DefaultRefreshTTL = 30 * 24 * time.Hour
	// DefaultLeeway is the default clock-skew tolerance for exp/nbf.
	DefaultLeeway = 30 * time.Second
	// logoutBlacklistTTL covers refresh tokens whose exact expiry is
	// unknown during session teardown.
	logoutBlacklistTTL = 24 * time.Hour
)

// Config holds token service configuration.
type Config struct {
	// Secret is the HMAC-SHA-256 signing secret. Required.
	Secret []byte
	// Issuer is the expected iss claim.
	Issuer string
	// Audience is the expected aud claim.
	Audience string
	// AccessTTL is the access token lifetime. Default: 30 minutes.
	AccessTTL time.Duration
	// RefreshTTL is the refresh token lifetime. Default: 30 days.
	RefreshTTL time.Duration
	// Leeway is the clock-skew tolerance for exp/nbf. Default: 30 seconds.
	Leeway time.Duration
}

// TokenService issues and verifies HMAC-signed session tokens.
//
// Per-jti metadata and the revocation blacklist live in the shared store,
// so revocation is visible to every service instance immediately.
type TokenService struct {
	store      kv.Store
	sessions   *session.SessionService
	identities *identity.Directory
	cfg        Config
	logger     *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewTokenService creates a TokenService. Zero config fields get defaults.
func NewTokenService(store kv.Store, sessions *session.SessionService, identities *identity.Directory, cfg Config, logger *slog.Logger) *TokenService {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}
	return &TokenService{
		store:      store,
		sessions:   sessions,
		identities: identities,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateAccessToken issues a signed access token for the identity bound to
// the given session, persists its jti metadata with TTL = exp-now, and adds
// the jti to the session's token set.
func (s *TokenService) CreateAccessToken(ctx context.Context, ident *identity.Identity, sess *session.Session) (string, *Claims, error) {
	return s.create(ctx, ident, sess.ID, UseAccess, s.cfg.AccessTTL)
}

// CreateRefreshToken issues a longer-lived refresh token for the session.
func (s *TokenService) CreateRefreshToken(ctx context.Context, ident *identity.Identity, sessionID string) (string, *Claims, error) {
	return s.create(ctx, ident, sessionID, UseRefresh, s.cfg.RefreshTTL)
}

// create builds, signs, and persists a token of the given use.
func (s *TokenService) create(ctx context.Context, ident *identity.Identity, sessionID, use string, ttl time.Duration) (string, *Claims, error) {
	now := s.now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   ident.ID,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		TokenUse:  use,
		Role:      ident.Role,
		Scopes:    ident.Scopes,
		Tier:      ident.Tier,
		SessionID: sessionID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	meta := metadata{
		IdentityID: ident.ID,
		SessionID:  sessionID,
		TokenUse:   use,
		ExpiresAt:  claims.ExpiresAt.Unix(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal token metadata: %w", err)
	}
	if err := s.store.Set(ctx, tokenKey(claims.ID), data, ttl); err != nil {
		return "", nil, fmt.Errorf("failed to persist token metadata: %w", err)
	}
	if err := s.store.SAdd(ctx, sessionTokensKey(sessionID), s.cfg.RefreshTTL, claims.ID); err != nil {
		return "", nil, fmt.Errorf("failed to record token in session set: %w", err)
	}

	return signed, claims, nil
}

// parse verifies the signature and, unless skipValidation is set, the
// registered claims (iss, aud, exp, nbf with leeway).
func (s *TokenService) parse(raw string, skipValidation bool) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.cfg.Leeway),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithIssuedAt(),
	}
	if skipValidation {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.cfg.Secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", autherr.ErrInvalidCredential, err)
	}
	if claims.ID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing jti or sid", autherr.ErrInvalidCredential)
	}
	return claims, nil
}

// Decode verifies the signature but not the validity window. Used for
// teardown paths where an expired token still names its session.
func (s *TokenService) Decode(raw string) (*Claims, error) {
	return s.parse(raw, true)
}

// VerifyToken verifies signature, issuer, audience, and validity window,
// consults the blacklist, and checks the jti metadata is still live.
// On success it updates the session's last-activity and returns the claims.
func (s *TokenService) VerifyToken(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parse(raw, false)
	if err != nil {
		return nil, err
	}

	// Blacklist check. Store errors propagate so the caller can apply its
	// fail-closed policy.
	if _, err := s.store.Get(ctx, blacklistKey(claims.ID)); err == nil {
		return nil, autherr.ErrRevoked
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("blacklist lookup: %w", err)
	}

	// Metadata absent means the token's server-side record lapsed.
	if _, err := s.store.Get(ctx, tokenKey(claims.ID)); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, autherr.ErrExpired
		}
		return nil, fmt.Errorf("token metadata lookup: %w", err)
	}

	// Last-activity update is best-effort; a missing session does not
	// invalidate an otherwise valid access token mid-request.
	if err := s.sessions.Touch(ctx, claims.SessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		s.logger.Debug("failed to touch session on verify",
			"session_id", claims.SessionID, "error", err)
	}

	return claims, nil
}

// RefreshAccessToken verifies a refresh token and re-issues an access token
// with the referenced session's current identity claims.
func (s *TokenService) RefreshAccessToken(ctx context.Context, rawRefresh string) (string, *Claims, error) {
	claims, err := s.VerifyToken(ctx, rawRefresh)
	if err != nil {
		return "", nil, err
	}
	if claims.TokenUse != UseRefresh {
		return "", nil, fmt.Errorf("%w: not a refresh token", autherr.ErrInvalidCredential)
	}

	sess, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return "", nil, fmt.Errorf("%w: session gone", autherr.ErrInvalidCredential)
		}
		return "", nil, fmt.Errorf("session lookup: %w", err)
	}

	// Current identity claims, not the ones frozen into the refresh token.
	ident, err := s.identities.Get(ctx, sess.IdentityID)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityNotFound) {
			return "", nil, fmt.Errorf("%w: identity gone", autherr.ErrInvalidCredential)
		}
		return "", nil, fmt.Errorf("identity lookup: %w", err)
	}

	return s.CreateAccessToken(ctx, ident, sess)
}

// BlacklistToken revokes a single token. The blacklist entry's TTL equals
// the token's remaining lifetime, so the entry disappears no later than the
// token would have expired naturally. Repeated calls are no-ops.
func (s *TokenService) BlacklistToken(ctx context.Context, raw, reason string) error {
	// Decode ignoring expiry: revoking an already-expired token is a no-op,
	// not an error.
	claims, err := s.parse(raw, true)
	if err != nil {
		return err
	}
	return s.blacklistJTI(ctx, claims.ID, claims.ExpiresAt.Time, reason)
}

// blacklistJTI writes a blacklist entry for jti with TTL capped at its expiry.
func (s *TokenService) blacklistJTI(ctx context.Context, jti string, expiresAt time.Time, reason string) error {
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return nil
	}
	entry, err := json.Marshal(blacklistEntry{Reason: reason, At: s.now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal blacklist entry: %w", err)
	}
	if _, err := s.store.SetNX(ctx, blacklistKey(jti), entry, remaining); err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// LogoutSession blacklists every jti owned by the session and deletes the
// session and its token set. Idempotent: repeated calls are no-ops.
func (s *TokenService) LogoutSession(ctx context.Context, sessionID string) error {
	jtis, err := s.store.SMembers(ctx, sessionTokensKey(sessionID))
	if err != nil {
		return fmt.Errorf("failed to list session tokens: %w", err)
	}

	for _, jti := range jtis {
		ttl := logoutBlacklistTTL
		if data, err := s.store.Get(ctx, tokenKey(jti)); err == nil {
			var meta metadata
			if err := json.Unmarshal(data, &meta); err == nil {
				if rem := time.Until(time.Unix(meta.ExpiresAt, 0)); rem > 0 {
					ttl = rem
				}
			}
		}
		entry, err := json.Marshal(blacklistEntry{Reason: "logout", At: s.now().Unix()})
		if err != nil {
			return fmt.Errorf("failed to marshal blacklist entry: %w", err)
		}
		if _, err := s.store.SetNX(ctx, blacklistKey(jti), entry, ttl); err != nil {
			return fmt.Errorf("failed to blacklist token %s: %w", jti, err)
		}
		_ = s.store.Delete(ctx, tokenKey(jti))
	}

	if err := s.store.Delete(ctx, sessionTokensKey(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session token set: %w", err)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Info("session logged out",
		"session_id", sessionID,
		"tokens_revoked", len(jtis))
	return nil
}
