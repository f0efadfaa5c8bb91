package token

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/domain/identity"
	"github.com/aegisgate/aegisgate/internal/domain/session"
	"github.com/aegisgate/aegisgate/internal/kv/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*TokenService, *session.SessionService, *identity.Directory) {
	t.Helper()

	store := memory.NewStore()
	sessions := session.NewSessionService(store, session.Config{})
	directory := identity.NewDirectory(store)
	svc := NewTokenService(store, sessions, directory, Config{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Issuer:   "aegisgate-test",
		Audience: "aegisgate-test",
	}, testLogger())
	return svc, sessions, directory
}

func testIdentity() *identity.Identity {
	return &identity.Identity{
		ID:     "user-1",
		Kind:   identity.KindUser,
		Role:   identity.RoleUser,
		Scopes: []string{"content.read", "content.create"},
		Tier:   identity.TierPro,
	}
}

func createSession(t *testing.T, sessions *session.SessionService, identityID string) *session.Session {
	t.Helper()

	sess, err := sessions.Create(context.Background(), session.Params{IdentityID: identityID, IP: "198.51.100.7"})
	if err != nil {
		t.Fatalf("Create() session error: %v", err)
	}
	return sess
}

func TestTokenService_IssueAndVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, sessions, _ := newTestService(t)
	ident := testIdentity()
	sess := createSession(t, sessions, ident.ID)

	raw, issued, err := svc.CreateAccessToken(ctx, ident, sess)
	if err != nil {
		t.Fatalf("CreateAccessToken() error: %v", err)
	}

	claims, err := svc.VerifyToken(ctx, raw)
	if err != nil {
		t.Fatalf("VerifyToken() error: %v", err)
	}
	if claims.ID != issued.ID {
		t.Errorf("jti = %q, want %q", claims.ID, issued.ID)
	}
	if claims.Subject != ident.ID {
		t.Errorf("sub = %q, want %q", claims.Subject, ident.ID)
	}
	if claims.TokenUse != UseAccess {
		t.Errorf("token_use = %q, want %q", claims.TokenUse, UseAccess)
	}
	if claims.SessionID != sess.ID {
		t.Errorf("sid = %q, want %q", claims.SessionID, sess.ID)
	}
	if claims.Tier != identity.TierPro {
		t.Errorf("tier = %q, want %q", claims.Tier, identity.TierPro)
	}
	if len(claims.Scopes) != 2 {
		t.Errorf("scopes = %v, want 2 entries", claims.Scopes)
	}
}

func TestTokenService_VerifyRejectsTampered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, sessions, _ := newTestService(t)
	ident := testIdentity()
	sess := createSession(t, sessions, ident.ID)

	raw, _, err := svc.CreateAccessToken(ctx, ident, sess)
	if err != nil {
		t.Fatalf("CreateAccessToken() error: %v", err)
	}

	tampered := raw[:len(raw)-2] + "xx"
	if _, err := svc.VerifyToken(ctx, tampered); !errors.Is(err, autherr.ErrInvalidCredential) {
		t.Errorf("VerifyToken(tampered) error = %v, want ErrInvalidCredential", err)
	}

	if _, err := svc.VerifyToken(ctx, "not-a-token"); !errors.Is(err, autherr.ErrInvalidCredential) {
		t.Errorf("VerifyToken(garbage) error = %v, want ErrInvalidCredential", err)
	}
}

func TestTokenService_VerifyExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, sessions, _ := newTestService(t)
	ident := testIdentity()
	sess := createSession(t, sessions, ident.ID)

	// Issue from two hours in the past so exp is well behind now even with
	// leeway.
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	raw, _, err := svc.CreateAccessToken(ctx, ident, sess)
	if err != nil {
		t.Fatalf("CreateAccessToken() error: %v", err)
	}
	svc.now = time.Now

	if _, err := svc.VerifyToken(ctx, raw); !errors.Is(err, autherr.ErrExpired) {
		t.Errorf("VerifyToken(expired) error = %v, want ErrExpired", err)
	}

	// Decode still recovers the claims for teardown.
	claims, err := svc.Decode(raw)
	if err != nil {
		t.Fatalf("Decode(expired) error: %v", err)
	}
	if claims.SessionID != sess.ID {
		t.Errorf("Decode() sid = %q, want %q", claims.SessionID, sess.ID)
	}
}

func TestTokenService_BlacklistRevokesImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, sessions, _ := newTestService(t)
	ident := testIdentity()
	sess := createSession(t, sessions, ident.ID)

	raw, _, err := svc.CreateAccessToken(ctx, ident, sess)
	if err != nil {
		t.Fatalf("CreateAccessToken() error: %v", err)
	}
	if _, err := svc.VerifyToken(ctx, raw); err != nil {
		t.Fatalf("VerifyToken() before revoke error: %v", err)
	}

	if err := svc.BlacklistToken(ctx, raw, "compromised"); err != nil {
		t.Fatalf("BlacklistToken() error: %v", err)
	}
	if _, err := svc.VerifyToken(ctx, raw); !errors.Is(err, autherr.ErrRevoked) {
		t.Errorf("VerifyToken(revoked) error = %v, want ErrRevoked", err)
	}

	// Revoking again is a no-op.
	if err := svc.BlacklistToken(ctx, raw, "again"); err != nil {
		t.Errorf("BlacklistToken() repeat error: %v", err)
	}
}

func TestTokenService_RefreshReissuesCurrentIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, sessions, directory := newTestService(t)
	ident := testIdentity()
	if err := directory.Put(ctx, ident); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	sess := createSession(t, sessions, ident.ID)

	rawRefresh, _, err := svc.CreateRefreshToken(ctx, ident, sess.ID)
	if err != nil {
		t.Fatalf("CreateRefreshToken() error: %v", err)
	}

	// Identity changes between issuance and refresh; the new access token
	// must carry the current claims, not the frozen ones.
	ident.Scopes = []string{"content.read"}
	ident.Tier = identity.TierEnterprise
	if err := directory.Put(ctx, ident); err != nil {
		t.Fatalf("Put() update error: %v", err)
	}

	rawAccess, claims, err := svc.RefreshAccessToken(ctx, rawRefresh)
	if err != nil {
		t.Fatalf("RefreshAccessToken() error: %v", err)
	}
	if claims.TokenUse != UseAccess {
		t.Errorf("token_use = %q, want %q", claims.TokenUse, UseAccess)
	}
	if claims.Tier != identity.TierEnterprise {
		t.Errorf("tier = %q, want %q", claims.Tier, identity.TierEnterprise)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != "content.read" {
		t.Errorf("scopes = %v, want [content.read]", claims.Scopes)
	}
	if _, err := svc.VerifyToken(ctx, rawAccess); err != nil {
		t.Errorf("VerifyToken(refreshed) error: %v", err)
	}
}

func TestTokenService_RefreshRejectsAccessToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, sessions, directory := newTestService(t)
	ident := testIdentity()
	if err := directory.Put(ctx, ident); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	sess := createSession(t, sessions, ident.ID)

	rawAccess, _, err := svc.CreateAccessToken(ctx, ident, sess)
	if err != nil {
		t.Fatalf("CreateAccessToken() error: %v", err)
	}

	if _, _, err := svc.RefreshAccessToken(ctx, rawAccess); !errors.Is(err, autherr.ErrInvalidCredential) {
		t.Errorf("RefreshAccessToken(access token) error = %v, want ErrInvalidCredential", err)
	}
}

func TestTokenService_LogoutRevokesSessionTokens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, sessions, _ := newTestService(t)
	ident := testIdentity()
	sess := createSession(t, sessions, ident.ID)

	rawAccess, _, err := svc.CreateAccessToken(ctx, ident, sess)
	if err != nil {
		t.Fatalf("CreateAccessToken() error: %v", err)
	}
	rawRefresh, _, err := svc.CreateRefreshToken(ctx, ident, sess.ID)
	if err != nil {
		t.Fatalf("CreateRefreshToken() error: %v", err)
	}

	if err := svc.LogoutSession(ctx, sess.ID); err != nil {
		t.Fatalf("LogoutSession() error: %v", err)
	}

	if _, err := svc.VerifyToken(ctx, rawAccess); !errors.Is(err, autherr.ErrRevoked) {
		t.Errorf("VerifyToken(access) after logout error = %v, want ErrRevoked", err)
	}
	if _, err := svc.VerifyToken(ctx, rawRefresh); !errors.Is(err, autherr.ErrRevoked) {
		t.Errorf("VerifyToken(refresh) after logout error = %v, want ErrRevoked", err)
	}
	if _, err := sessions.Get(ctx, sess.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("session Get() after logout error = %v, want ErrSessionNotFound", err)
	}

	// Logging out twice is a no-op.
	if err := svc.LogoutSession(ctx, sess.ID); err != nil {
		t.Errorf("LogoutSession() repeat error: %v", err)
	}
}
