package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/domain/identity"
	"github.com/aegisgate/aegisgate/internal/domain/session"
	"github.com/aegisgate/aegisgate/internal/domain/threat"
	"github.com/aegisgate/aegisgate/internal/domain/token"
)

// LoginParams are the inputs for a password login.
type LoginParams struct {
	IdentityID string
	Password   string
	IP         string
	UserAgent  string
	MFAPassed  bool
}

// LoginResult carries the issued token pair and session.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	Session      *session.Session
	Identity     *identity.Identity
}

// Login verifies a password credential with the full threat path: block
// gate first, then credential check, then threat analysis of the attempt.
// A failed attempt still feeds the analyzer so brute force escalates.
func (g *GuardService) Login(ctx context.Context, p LoginParams) (*LoginResult, error) {
	if err := g.blockGate(ctx, p.IdentityID, p.IP); err != nil {
		return nil, err
	}

	verifyErr := g.credentials.VerifyPassword(ctx, p.IdentityID, p.Password)
	success := verifyErr == nil
	if verifyErr != nil && !errors.Is(verifyErr, autherr.ErrInvalidCredential) {
		return nil, g.authFailure(verifyErr)
	}

	assessment, err := g.analyzer.Analyze(ctx, threat.Attempt{
		IdentityID: p.IdentityID,
		IP:         p.IP,
		UserAgent:  p.UserAgent,
		Success:    success,
	})
	if err != nil {
		g.logger.Warn("threat analysis failed", "identity_id", p.IdentityID, "error", err)
	}

	if !success {
		return nil, autherr.ErrInvalidCredential
	}

	// The analysis may have just blocked this source: a valid password
	// does not override an active mitigation.
	if assessment != nil &&
		(assessment.Severity == threat.SeverityHigh || assessment.Severity == threat.SeverityCritical) {
		return nil, fmt.Errorf("%w: login flagged %s risk", autherr.ErrBlocked, assessment.Severity)
	}

	ident, err := g.identities.Get(ctx, p.IdentityID)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityNotFound) {
			return nil, autherr.ErrInvalidCredential
		}
		return nil, g.authFailure(err)
	}

	risk := session.RiskLow
	if assessment != nil {
		risk = session.RiskLevel(assessment.Severity)
	}
	sess, err := g.sessions.Create(ctx, session.Params{
		IdentityID:    ident.ID,
		IP:            p.IP,
		UserAgentHash: threat.UserAgentSignature(p.UserAgent),
		MFAVerified:   p.MFAPassed,
		RiskLevel:     risk,
	})
	if err != nil {
		return nil, g.authFailure(err)
	}

	access, _, err := g.tokens.CreateAccessToken(ctx, ident, sess)
	if err != nil {
		return nil, g.authFailure(err)
	}
	refresh, _, err := g.tokens.CreateRefreshToken(ctx, ident, sess.ID)
	if err != nil {
		return nil, g.authFailure(err)
	}

	g.logger.Info("login succeeded",
		"identity_id", ident.ID,
		"session_id", sess.ID,
		"risk_level", string(risk))

	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		Session:      sess,
		Identity:     ident,
	}, nil
}

// Logout verifies the presented token and tears down its session,
// blacklisting every token the session owns. Idempotent.
func (g *GuardService) Logout(ctx context.Context, rawToken string) error {
	claims, err := g.tokens.VerifyToken(ctx, rawToken)
	if err != nil {
		// Logging out with an expired access token is still a valid
		// teardown request; the session reference survives in the claims.
		var parsed *token.Claims
		if errors.Is(err, autherr.ErrExpired) {
			if parsed, err = g.tokens.Decode(rawToken); err != nil {
				return g.authFailure(err)
			}
			claims = parsed
		} else {
			return g.authFailure(err)
		}
	}
	return g.tokens.LogoutSession(ctx, claims.SessionID)
}

// Refresh exchanges a valid refresh token for a new access token.
func (g *GuardService) Refresh(ctx context.Context, rawRefresh string) (string, error) {
	access, _, err := g.tokens.RefreshAccessToken(ctx, rawRefresh)
	if err != nil {
		return "", g.authFailure(err)
	}
	return access, nil
}
