// Package event contains the security event model and sink port.
// Events are append-only and best-effort: a sink failure never changes
// an auth, rate limit, or threat decision.
package event

import (
	"context"
	"time"
)

// ThreatType values emitted by the analyzer and the auth paths.
const (
	ThreatTypeBruteForce      = "brute_force"
	ThreatTypeSuspiciousLogin = "suspicious_login"
	ThreatTypeBlockedAccess   = "blocked_access"
	ThreatTypeKeyRevoked      = "key_revoked"
)

// Action values recorded in ActionTaken.
const (
	ActionLogged          = "logged"
	ActionFlagged         = "flagged"
	ActionIPBlocked       = "ip_blocked"
	ActionIdentityBlocked = "identity_blocked"
)

// SecurityEvent is one append-only audit record. Never mutated after
// creation.
type SecurityEvent struct {
	// ID is a unique event identifier.
	ID string `json:"id"`
	// IdentityID the event concerns, "" when unknown.
	IdentityID string `json:"identity_id,omitempty"`
	// ThreatType categorizes the event.
	ThreatType string `json:"threat_type"`
	// Severity is the risk band at emission (low, medium, high, critical).
	Severity string `json:"severity"`
	// IP is the source address.
	IP string `json:"ip,omitempty"`
	// UserAgent of the request. Raw secrets are never included.
	UserAgent string `json:"user_agent,omitempty"`
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Evidence holds the per-signal scores and counters behind the decision.
	Evidence map[string]any `json:"evidence,omitempty"`
	// ActionTaken records the mitigation applied.
	ActionTaken string `json:"action_taken"`
}

// Store is the append-only sink for security events.
type Store interface {
	// Append persists events. Implementations must not block the caller
	// beyond a local write.
	Append(ctx context.Context, events ...SecurityEvent) error

	// Recent returns up to n recent events, newest first. Meant for
	// dashboards and tests, not as a query API.
	Recent(n int) []SecurityEvent

	// Close flushes and releases sink resources.
	Close() error
}
