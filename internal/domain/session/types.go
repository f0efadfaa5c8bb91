// Package session manages login session records in the shared store.
package session

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session does not exist or has expired.
var ErrSessionNotFound = errors.New("session not found")

// RiskLevel mirrors the threat analyzer's severity band at login time.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Session represents an authenticated login session.
// Created on login, mutated on activity, deleted on logout or expiry.
type Session struct {
	// ID is the cryptographically random session identifier.
	ID string `json:"id"`
	// IdentityID of the session owner.
	IdentityID string `json:"identity_id"`
	// IP the session was created from.
	IP string `json:"ip"`
	// UserAgentHash is the signature of the login user agent.
	UserAgentHash string `json:"user_agent_hash"`
	// MFAVerified records whether multi-factor auth completed.
	MFAVerified bool `json:"mfa_verified"`
	// RiskLevel is the threat severity band observed at login.
	RiskLevel RiskLevel `json:"risk_level"`
	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is when the session expires (UTC).
	ExpiresAt time.Time `json:"expires_at"`
	// LastAccess is updated on every verified request.
	LastAccess time.Time `json:"last_access"`
}

// IsExpired returns true if the session is past its expiry at the given time.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Key returns the store key for a session record.
func Key(id string) string {
	return "session:" + id
}
