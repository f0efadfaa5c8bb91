package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/kv/memory"
)

func TestSessionService_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewSessionService(memory.NewStore(), Config{})

	sess, err := svc.Create(ctx, Params{
		IdentityID:    "user-1",
		IP:            "198.51.100.7",
		UserAgentHash: "abc123",
		MFAVerified:   true,
		RiskLevel:     RiskLow,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if len(sess.ID) != 64 {
		t.Errorf("session ID length = %d, want 64 hex chars", len(sess.ID))
	}
	if !sess.ExpiresAt.After(sess.CreatedAt) {
		t.Error("ExpiresAt not after CreatedAt")
	}

	got, err := svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.IdentityID != "user-1" || !got.MFAVerified || got.RiskLevel != RiskLow {
		t.Errorf("Get() = %+v, want stored attributes", got)
	}
}

func TestSessionService_GetUnknown(t *testing.T) {
	t.Parallel()

	svc := NewSessionService(memory.NewStore(), Config{})

	if _, err := svc.Get(context.Background(), "nonesuch"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionService_TouchExtendsExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewSessionService(memory.NewStore(), Config{Timeout: time.Hour})

	sess, err := svc.Create(ctx, Params{IdentityID: "user-1"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := svc.Touch(ctx, sess.ID); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	got, err := svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !got.ExpiresAt.After(sess.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want later than %v after touch", got.ExpiresAt, sess.ExpiresAt)
	}
	if !got.LastAccess.After(sess.LastAccess) {
		t.Errorf("LastAccess = %v, want later than %v after touch", got.LastAccess, sess.LastAccess)
	}
}

func TestSessionService_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewSessionService(memory.NewStore(), Config{})

	sess, err := svc.Create(ctx, Params{IdentityID: "user-1"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := svc.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := svc.Get(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrSessionNotFound", err)
	}

	// Deleting again is a no-op.
	if err := svc.Delete(ctx, sess.ID); err != nil {
		t.Errorf("Delete() repeat error: %v", err)
	}
}

func TestSessionService_GetHonorsServiceClock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewSessionService(memory.NewStore(), Config{Timeout: time.Hour})

	sess, err := svc.Create(ctx, Params{IdentityID: "user-1"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.Get(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() past timeout error = %v, want ErrSessionNotFound", err)
	}
}

func TestGenerateSessionID_Unique(t *testing.T) {
	t.Parallel()

	a, err := GenerateSessionID()
	if err != nil {
		t.Fatalf("GenerateSessionID() error: %v", err)
	}
	b, err := GenerateSessionID()
	if err != nil {
		t.Fatalf("GenerateSessionID() error: %v", err)
	}
	if a == b {
		t.Error("GenerateSessionID() returned duplicate IDs")
	}
}
