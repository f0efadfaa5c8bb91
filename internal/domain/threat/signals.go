package threat

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/aegisgate/aegisgate/internal/kv"
)

// suspiciousUAKeywords mark automated clients. Comparison is
// case-insensitive on the raw user agent.
var suspiciousUAKeywords = []string{"bot", "crawler", "spider", "scan", "scrape"}

// UserAgentSignature returns the stable signature recorded in the
// known-UA set: the xxhash of the raw header, hex encoded.
func UserAgentSignature(userAgent string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(userAgent))
}

// ipReputation scores the source address: elevated for private/reserved
// ranges and previously flagged addresses, low baseline otherwise.
func (a *Analyzer) ipReputation(ctx context.Context, ip string) float64 {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return 0.6
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsMulticast() || addr.IsUnspecified() {
		return 0.6
	}

	_, err = a.store.Get(ctx, flaggedIPKey(ip))
	if err == nil {
		return 0.6
	}
	if !errors.Is(err, kv.ErrNotFound) {
		a.logger.Warn("flagged ip lookup failed", "ip", ip, "error", err)
	}
	return 0.1
}

// bruteForce maintains the trailing failure counter for (identity, ip).
// Success resets the counter. Returns the signal score and the count.
func (a *Analyzer) bruteForce(ctx context.Context, identityID, ip string, success bool) (float64, int64) {
	key := failuresKey(identityID, ip)

	if success {
		if err := a.store.Delete(ctx, key); err != nil {
			a.logger.Warn("failed to reset failure counter", "identity_id", identityID, "error", err)
		}
		return 0, 0
	}

	count, err := a.store.Incr(ctx, key, 1, a.cfg.BruteForceWindow)
	if err != nil {
		a.logger.Warn("failed to count failure", "identity_id", identityID, "error", err)
		return 0.2, 1
	}

	switch {
	case count >= 10:
		return 1.0, count
	case count >= 5:
		return 0.7, count
	case count >= 3:
		return 0.4, count
	case count >= 1:
		return 0.2, count
	default:
		return 0, count
	}
}

// locationPrefix reduces an address to the granularity tracked in the
// known-location set: /24 for IPv4, /64 for IPv6.
func locationPrefix(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	bits := 24
	if addr.Is6() {
		bits = 64
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ip
	}
	return prefix.String()
}

// locationNovelty scores how unusual the source network is for the
// identity and records it as known for the rolling novelty window.
func (a *Analyzer) locationNovelty(ctx context.Context, identityID, ip string) float64 {
	key := locationsKey(identityID)
	prefix := locationPrefix(ip)

	seen, err := a.store.SIsMember(ctx, key, prefix)
	if err != nil {
		a.logger.Warn("location set lookup failed", "identity_id", identityID, "error", err)
		return 0
	}
	if seen {
		// SAdd refreshes the set TTL so an active location stays known.
		_ = a.store.SAdd(ctx, key, a.cfg.NoveltyTTL, prefix)
		return 0
	}

	known, err := a.store.SMembers(ctx, key)
	if err != nil {
		a.logger.Warn("location set read failed", "identity_id", identityID, "error", err)
		return 0
	}
	if err := a.store.SAdd(ctx, key, a.cfg.NoveltyTTL, prefix); err != nil {
		a.logger.Warn("failed to record location", "identity_id", identityID, "error", err)
	}

	if len(known) == 0 {
		return 0.1
	}
	return 0.5
}

// uaNovelty scores the user agent signature against the identity's known
// set. Automated-client keywords dominate regardless of history.
func (a *Analyzer) uaNovelty(ctx context.Context, identityID, userAgent string) float64 {
	lower := strings.ToLower(userAgent)
	for _, kw := range suspiciousUAKeywords {
		if strings.Contains(lower, kw) {
			return 0.8
		}
	}

	key := userAgentsKey(identityID)
	sig := UserAgentSignature(userAgent)

	seen, err := a.store.SIsMember(ctx, key, sig)
	if err != nil {
		a.logger.Warn("ua set lookup failed", "identity_id", identityID, "error", err)
		return 0
	}
	if seen {
		_ = a.store.SAdd(ctx, key, a.cfg.NoveltyTTL, sig)
		return 0
	}

	known, err := a.store.SMembers(ctx, key)
	if err != nil {
		a.logger.Warn("ua set read failed", "identity_id", identityID, "error", err)
		return 0
	}
	if err := a.store.SAdd(ctx, key, a.cfg.NoveltyTTL, sig); err != nil {
		a.logger.Warn("failed to record user agent", "identity_id", identityID, "error", err)
	}

	if len(known) == 0 {
		return 0.1
	}
	return 0.3
}
