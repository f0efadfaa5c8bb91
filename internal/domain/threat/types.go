// Package threat scores authentication attempts from behavioral signals
// and drives escalating blocking actions.
package threat

import "time"

// Severity bands over the aggregate risk score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityFor maps a clipped risk score onto its band.
func severityFor(score float64) Severity {
	switch {
	case score >= 0.8:
		return SeverityCritical
	case score >= 0.6:
		return SeverityHigh
	case score >= 0.3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Attempt describes one authentication attempt to analyze.
type Attempt struct {
	// IdentityID the attempt was made for.
	IdentityID string
	// IP is the source address.
	IP string
	// UserAgent is the raw user agent header.
	UserAgent string
	// Success reports whether the credential check passed.
	Success bool
	// Context carries extra evidence recorded on emitted events.
	Context map[string]any
}

// Signals holds the four normalized component scores in [0,1].
type Signals struct {
	IPReputation    float64 `json:"ip_reputation"`
	BruteForce      float64 `json:"brute_force"`
	LocationNovelty float64 `json:"location_novelty"`
	UANovelty       float64 `json:"ua_novelty"`
}

// Assessment is the outcome of analyzing one attempt.
type Assessment struct {
	// Score is the weighted aggregate risk in [0,1].
	Score float64
	// Severity is the band the score falls into.
	Severity Severity
	// Signals are the component scores behind the aggregate.
	Signals Signals
	// Actions lists the mitigations applied for this attempt.
	Actions []string
	// FailureCount is the trailing failure count for (identity, ip).
	FailureCount int64
}

// Weights for the four signals. Must sum to 1 for the score to stay in [0,1].
type Weights struct {
	IPReputation    float64
	BruteForce      float64
	LocationNovelty float64
	UANovelty       float64
}

// Config holds analyzer tuning. Zero fields get defaults.
type Config struct {
	// Weights over the four signals. Default (0.3, 0.3, 0.2, 0.2).
	Weights Weights
	// BruteForceWindow is the trailing failure-counter TTL. Default 15m.
	BruteForceWindow time.Duration
	// NoveltyTTL is the rolling expiry of known-location and known-UA
	// sets. Default 30 days.
	NoveltyTTL time.Duration
	// HighIPBlock is the IP cool-down at High severity. Default 60m.
	HighIPBlock time.Duration
	// CriticalIPBlock is the IP cool-down at Critical severity. Default 240m.
	CriticalIPBlock time.Duration
	// CriticalIdentityBlock is the identity cool-down at Critical
	// severity. Default 60m.
	CriticalIdentityBlock time.Duration
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	zero := Weights{}
	if c.Weights == zero {
		c.Weights = Weights{
			IPReputation:    0.3,
			BruteForce:      0.3,
			LocationNovelty: 0.2,
			UANovelty:       0.2,
		}
	}
	if c.BruteForceWindow == 0 {
		c.BruteForceWindow = 15 * time.Minute
	}
	if c.NoveltyTTL == 0 {
		c.NoveltyTTL = 30 * 24 * time.Hour
	}
	if c.HighIPBlock == 0 {
		c.HighIPBlock = 60 * time.Minute
	}
	if c.CriticalIPBlock == 0 {
		c.CriticalIPBlock = 240 * time.Minute
	}
	if c.CriticalIdentityBlock == 0 {
		c.CriticalIdentityBlock = 60 * time.Minute
	}
	return c
}

// Store keys under the security: prefix.

func failuresKey(identityID, ip string) string {
	return "security:metrics:" + identityID + ":failures:" + ip
}

func monitorKey(identityID string) string {
	return "security:metrics:" + identityID + ":monitor"
}

func locationsKey(identityID string) string {
	return "security:metrics:" + identityID + ":locations"
}

func userAgentsKey(identityID string) string {
	return "security:metrics:" + identityID + ":ua"
}

func flaggedIPKey(ip string) string {
	return "security:flagged_ip:" + ip
}

func blockedIPKey(ip string) string {
	return "security:blocked_ip:" + ip
}

func blockedIdentityKey(identityID string) string {
	return "security:blocked_identity:" + identityID
}
