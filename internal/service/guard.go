// Package service composes the security engine into the guard pipeline
// consumed by the request path: block gate, credential verification,
// authorization, and rate limiting, plus the login/logout/refresh flows.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/apikey"
	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/domain/credential"
	"github.com/aegisgate/aegisgate/internal/domain/identity"
	"github.com/aegisgate/aegisgate/internal/domain/ratelimit"
	"github.com/aegisgate/aegisgate/internal/domain/session"
	"github.com/aegisgate/aegisgate/internal/domain/threat"
	"github.com/aegisgate/aegisgate/internal/domain/token"
)

// Retry policy for idempotent store reads on the request path.
const (
	maxStoreRetries = 3
	retryBackoff    = 50 * time.Millisecond
)

// FailurePolicy is the guard's side of the asymmetric store-outage policy.
// The rate limiting half (fail open by default) is configured on the
// Limiter itself.
type FailurePolicy struct {
	// AuthFailOpen skips the block gate when its store reads keep
	// failing. Default false: deny.
	AuthFailOpen bool
}

// Request is one admission check from the inbound pipeline.
type Request struct {
	// Authorization is the raw credential: a bearer token or an API key.
	Authorization string
	// IP is the source address.
	IP string
	// UserAgent is the raw user agent header.
	UserAgent string
	// RequiredScope must be held by the caller; "" skips the scope check.
	RequiredScope string
	// TargetIdentity is the identity the operation acts on, if any.
	TargetIdentity string
	// Cost is the quota units this request spends. 0 means 1.
	Cost int64
}

// CallerContext is the admitted caller handed back to the pipeline.
type CallerContext struct {
	// Identity of the caller.
	Identity *identity.Identity
	// SessionID is set for token callers.
	SessionID string
	// Key is the verified key metadata for API key callers.
	Key *apikey.Metadata
	// Subject is the rate limit subject this caller was counted under.
	Subject string
	// Limits applied to the caller.
	Limits ratelimit.Limits
}

// GuardService wires the four security components into one admission path.
type GuardService struct {
	tokens      *token.TokenService
	keys        *apikey.Service
	limiter     *ratelimit.Limiter
	analyzer    *threat.Analyzer
	sessions    *session.SessionService
	identities  *identity.Directory
	credentials *credential.Store
	policy      FailurePolicy
	logger      *slog.Logger
}

// NewGuardService creates the guard pipeline.
func NewGuardService(
	tokens *token.TokenService,
	keys *apikey.Service,
	limiter *ratelimit.Limiter,
	analyzer *threat.Analyzer,
	sessions *session.SessionService,
	identities *identity.Directory,
	credentials *credential.Store,
	policy FailurePolicy,
	logger *slog.Logger,
) *GuardService {
	return &GuardService{
		tokens:      tokens,
		keys:        keys,
		limiter:     limiter,
		analyzer:    analyzer,
		sessions:    sessions,
		identities:  identities,
		credentials: credentials,
		policy:      policy,
		logger:      logger,
	}
}

// Admit runs the full gate order: block check, credential verification,
// authorization, then rate limiting. Every denial is a typed error from
// the autherr taxonomy. On success a concurrency slot is held; the caller
// must Release it when the request finishes.
func (g *GuardService) Admit(ctx context.Context, req Request) (*CallerContext, error) {
	// Source block gate before any credential work.
	if err := g.blockGate(ctx, "", req.IP); err != nil {
		return nil, err
	}

	caller, err := g.verify(ctx, req)
	if err != nil {
		return nil, err
	}

	// Identity block gate once the caller is known.
	if err := g.blockGate(ctx, caller.Identity.ID, ""); err != nil {
		return nil, err
	}

	if err := g.authorize(ctx, caller, req); err != nil {
		return nil, err
	}

	if err := g.limiter.Allow(ctx, caller.Subject, caller.Limits, req.Cost); err != nil {
		return nil, err
	}
	if err := g.limiter.BeginConcurrent(ctx, caller.Subject, caller.Limits.Concurrent); err != nil {
		return nil, err
	}

	return caller, nil
}

// Release returns the caller's concurrency slot. Safe to call once per
// successful Admit.
func (g *GuardService) Release(ctx context.Context, caller *CallerContext) {
	g.limiter.EndConcurrent(ctx, caller.Subject)
}

// verify dispatches on credential shape: API key secrets carry the product
// prefix, anything else is treated as a bearer token.
func (g *GuardService) verify(ctx context.Context, req Request) (*CallerContext, error) {
	cred := strings.TrimSpace(strings.TrimPrefix(req.Authorization, "Bearer "))
	if cred == "" {
		return nil, fmt.Errorf("%w: missing credential", autherr.ErrInvalidCredential)
	}

	if apikey.IsAPIKey(cred) {
		ident, meta, err := g.keys.Verify(ctx, cred)
		if err != nil {
			return nil, g.authFailure(err)
		}
		return &CallerContext{
			Identity: ident,
			Key:      meta,
			Subject:  "key:" + meta.KeyID,
			Limits:   ratelimit.Resolve(meta.RateLimitProfile, ident.Tier),
		}, nil
	}

	claims, err := g.tokens.VerifyToken(ctx, cred)
	if err != nil {
		return nil, g.authFailure(err)
	}
	ident := claims.Identity()
	return &CallerContext{
		Identity:  ident,
		SessionID: claims.SessionID,
		Subject:   "user:" + ident.ID,
		Limits:    ratelimit.ProfileForTier(ident.Tier),
	}, nil
}

// authorize checks the required scope. API key callers additionally go
// through restriction checks; token callers only need the scope.
func (g *GuardService) authorize(ctx context.Context, caller *CallerContext, req Request) error {
	if req.RequiredScope == "" {
		return nil
	}
	if caller.Key != nil {
		return g.keys.Authorize(ctx, caller.Identity, caller.Key, req.RequiredScope, req.TargetIdentity)
	}
	if !caller.Identity.HasScope(req.RequiredScope) {
		return fmt.Errorf("%w: missing scope %q", autherr.ErrForbidden, req.RequiredScope)
	}
	return nil
}

// blockGate consults the analyzer's block state with bounded retries.
// Store exhaustion applies the auth fail policy.
func (g *GuardService) blockGate(ctx context.Context, identityID, ip string) error {
	var err error
	for attempt := 0; attempt < maxStoreRetries; attempt++ {
		err = g.analyzer.IsBlocked(ctx, identityID, ip)
		if err == nil || errors.Is(err, autherr.ErrBlocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	if g.policy.AuthFailOpen {
		g.logger.Error("block gate store failure, skipping gate by configuration", "error", err)
		return nil
	}
	g.logger.Error("block gate store failure, denying", "error", err)
	return fmt.Errorf("%w: block gate: %v", autherr.ErrUnavailable, err)
}

// authFailure maps store-exhaustion errors during credential verification
// to ErrUnavailable and passes taxonomy errors through unchanged. There is
// no fail-open here: without a readable credential record no identity can
// be established.
func (g *GuardService) authFailure(err error) error {
	if isTaxonomy(err) {
		return err
	}
	g.logger.Error("auth store failure, denying", "error", err)
	return fmt.Errorf("%w: %v", autherr.ErrUnavailable, err)
}

// isTaxonomy reports whether err is a deliberate decision rather than an
// infrastructure failure.
func isTaxonomy(err error) bool {
	return errors.Is(err, autherr.ErrInvalidCredential) ||
		errors.Is(err, autherr.ErrExpired) ||
		errors.Is(err, autherr.ErrRevoked) ||
		errors.Is(err, autherr.ErrForbidden) ||
		errors.Is(err, autherr.ErrBlocked) ||
		errors.Is(err, autherr.ErrRateLimited) ||
		errors.Is(err, autherr.ErrUnavailable)
}
