// Package identity contains the domain types for authenticated callers.
package identity

import "slices"

// Kind distinguishes the two caller classes.
type Kind string

const (
	// KindUser is a human caller authenticated by session tokens.
	KindUser Kind = "user"
	// KindAgent is an autonomous agent authenticated by a scoped API key.
	KindAgent Kind = "agent"
)

// Role represents a caller role for authorization purposes.
type Role string

const (
	// RoleAdmin has full access to all operations.
	RoleAdmin Role = "admin"
	// RoleUser has standard access to most operations.
	RoleUser Role = "user"
	// RoleService is assigned to machine identities.
	RoleService Role = "service"
)

// IsValid returns true if the role is a known valid role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleService:
		return true
	default:
		return false
	}
}

// Tier is the subscription/priority tier driving rate limit profiles.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// IsValid returns true if the tier is a known valid tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	default:
		return false
	}
}

// Identity represents an authenticated user or agent.
type Identity struct {
	// ID is the stable unique identifier for this identity.
	ID string `json:"id"`
	// Kind is user or agent.
	Kind Kind `json:"kind"`
	// Role is the caller's role.
	Role Role `json:"role"`
	// AgentType is set for agent identities (e.g. "scout", "writer").
	AgentType string `json:"agent_type,omitempty"`
	// Scopes are the capability strings granted to this identity.
	Scopes []string `json:"scopes"`
	// Tier selects the rate limit profile.
	Tier Tier `json:"tier"`
}

// HasScope returns true if the identity holds the given scope.
func (i *Identity) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

// IsAgent returns true for machine identities.
func (i *Identity) IsAgent() bool {
	return i.Kind == KindAgent
}
