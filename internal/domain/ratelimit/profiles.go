package ratelimit

import "github.com/aegisgate/aegisgate/internal/domain/identity"

// Limits is the quota tuple for one subject.
type Limits struct {
	PerMinute  int64 `json:"per_minute" yaml:"per_minute"`
	PerHour    int64 `json:"per_hour" yaml:"per_hour"`
	PerDay     int64 `json:"per_day" yaml:"per_day"`
	Concurrent int64 `json:"concurrent" yaml:"concurrent"`
}

// Named profiles. A profile name on an API key or a catalog agent type
// overrides the owner tier's default.
var profiles = map[string]Limits{
	"free":       {PerMinute: 60, PerHour: 1000, PerDay: 5000, Concurrent: 5},
	"pro":        {PerMinute: 300, PerHour: 10000, PerDay: 100000, Concurrent: 20},
	"enterprise": {PerMinute: 1000, PerHour: 50000, PerDay: 500000, Concurrent: 100},
}

// ProfileByName resolves a named profile.
func ProfileByName(name string) (Limits, bool) {
	l, ok := profiles[name]
	return l, ok
}

// ProfileForTier maps a subscription tier to its quota tuple. Unknown
// tiers get the free profile.
func ProfileForTier(tier identity.Tier) Limits {
	if l, ok := profiles[string(tier)]; ok {
		return l
	}
	return profiles[string(identity.TierFree)]
}

// Resolve picks the limits for a caller: an explicit profile name wins,
// then the tier default.
func Resolve(profileName string, tier identity.Tier) Limits {
	if profileName != "" {
		if l, ok := ProfileByName(profileName); ok {
			return l
		}
	}
	return ProfileForTier(tier)
}
