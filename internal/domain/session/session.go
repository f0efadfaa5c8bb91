package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aegisgate/aegisgate/internal/kv"
)

// DefaultTimeout is the default session timeout.
const DefaultTimeout = 30 * time.Minute

// Config holds session service configuration.
type Config struct {
	// Timeout is the session expiration duration. Default: 30 minutes.
	Timeout time.Duration
}

// SessionService manages session lifecycle in the shared store.
// Stateless in-process: the store is the single source of truth, so any
// instance can serve any session.
type SessionService struct {
	store   kv.Store
	timeout time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// NewSessionService creates a new SessionService with the given store and config.
func NewSessionService(store kv.Store, cfg Config) *SessionService {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &SessionService{
		store:   store,
		timeout: timeout,
		now:     time.Now,
	}
}

// Params carries the request attributes recorded on a new session.
type Params struct {
	IdentityID    string
	IP            string
	UserAgentHash string
	MFAVerified   bool
	RiskLevel     RiskLevel
}

// Create generates a new session record with a random ID.
// The store entry carries a TTL equal to the session timeout, so an
// abandoned session disappears without a sweep.
func (s *SessionService) Create(ctx context.Context, p Params) (*Session, error) {
	id, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sess := &Session{
		ID:            id,
		IdentityID:    p.IdentityID,
		IP:            p.IP,
		UserAgentHash: p.UserAgentHash,
		MFAVerified:   p.MFAVerified,
		RiskLevel:     p.RiskLevel,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.timeout),
		LastAccess:    now,
	}

	if err := s.put(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return sess, nil
}

// Get retrieves a session by ID.
// Returns ErrSessionNotFound if the session doesn't exist or has expired.
func (s *SessionService) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.store.Get(ctx, Key(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	// Double-check expiration (the store TTL might lag the record expiry)
	if sess.IsExpired(s.now().UTC()) {
		_ = s.store.Delete(ctx, Key(id))
		return nil, ErrSessionNotFound
	}

	return &sess, nil
}

// Touch updates last-access time and extends the session expiry.
func (s *SessionService) Touch(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	sess.LastAccess = now
	sess.ExpiresAt = now.Add(s.timeout)

	if err := s.put(ctx, sess); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Delete terminates a session. Deleting an unknown session is a no-op.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, Key(id))
}

// put serializes the session and writes it with a TTL matching its expiry.
func (s *SessionService) put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.store.Set(ctx, Key(sess.ID), data, ttl)
}

// GenerateSessionID creates a cryptographically random session ID.
// Returns 64 hex characters (32 bytes) from crypto/rand.
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
