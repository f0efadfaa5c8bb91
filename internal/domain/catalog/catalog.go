// Package catalog holds the static permission catalog: the scope
// vocabulary, per-agent-type defaults, and optional restriction
// conditions. The catalog is configuration data, not policy logic.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ErrUnknownScope is returned when a scope is not in the catalog vocabulary.
var ErrUnknownScope = errors.New("unknown scope")

// ErrUnknownAgentType is returned for agent types the catalog does not define.
var ErrUnknownAgentType = errors.New("unknown agent type")

// Restrictions constrain how an API key may be used.
type Restrictions struct {
	// AllowedAgents is an allow-list of target identities. Empty means
	// no target restriction.
	AllowedAgents []string `yaml:"allowed_agents" json:"allowed_agents,omitempty"`
	// ForbiddenOperations lists scopes the key may never exercise even
	// when granted.
	ForbiddenOperations []string `yaml:"forbidden_operations" json:"forbidden_operations,omitempty"`
	// MaxRetentionDays caps how long data fetched with this key may be kept.
	MaxRetentionDays int `yaml:"max_retention_days" json:"max_retention_days,omitempty"`
	// Condition is an optional CEL expression evaluated at authorize time.
	Condition string `yaml:"condition" json:"condition,omitempty"`
}

// AgentProfile is the catalog entry for one agent type.
type AgentProfile struct {
	// DefaultScopes granted to every key issued for this agent type.
	DefaultScopes []string `yaml:"default_scopes"`
	// Restrictions applied to every key of this agent type.
	Restrictions Restrictions `yaml:"restrictions"`
	// RateLimitProfile overrides the tier default when non-empty.
	RateLimitProfile string `yaml:"rate_limit_profile"`
}

// Catalog is the loaded scope vocabulary and agent-type table.
type Catalog struct {
	Scopes     []string                `yaml:"scopes"`
	AgentTypes map[string]AgentProfile `yaml:"agent_types"`
}

// Default returns the compiled-in catalog used when no file overrides it.
func Default() *Catalog {
	return &Catalog{
		Scopes: []string{
			"content.create",
			"content.read",
			"content.update",
			"content.delete",
			"analytics.read",
			"identity.read",
			"identity.manage",
			"keys.manage",
		},
		AgentTypes: map[string]AgentProfile{
			"writer": {
				DefaultScopes: []string{"content.create", "content.read"},
				Restrictions:  Restrictions{MaxRetentionDays: 30},
			},
			"reader": {
				DefaultScopes: []string{"content.read", "analytics.read"},
				Restrictions: Restrictions{
					ForbiddenOperations: []string{"content.delete"},
					MaxRetentionDays:    7,
				},
			},
			"admin": {
				DefaultScopes: []string{
					"content.create", "content.read", "content.update",
					"content.delete", "identity.read", "keys.manage",
				},
				Restrictions:     Restrictions{MaxRetentionDays: 90},
				RateLimitProfile: "enterprise",
			},
		},
	}
}

// Load reads a catalog file and merges it over the built-in defaults.
// Scopes are unioned; agent-type entries from the file replace the
// built-in entry of the same name.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var overlay Catalog
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	c := Default()
	for _, scope := range overlay.Scopes {
		if !slices.Contains(c.Scopes, scope) {
			c.Scopes = append(c.Scopes, scope)
		}
	}
	for name, profile := range overlay.AgentTypes {
		c.AgentTypes[name] = profile
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate checks that every agent-type default scope and forbidden
// operation is in the scope vocabulary.
func (c *Catalog) validate() error {
	for name, profile := range c.AgentTypes {
		for _, scope := range profile.DefaultScopes {
			if !slices.Contains(c.Scopes, scope) {
				return fmt.Errorf("agent type %q: default scope %q: %w", name, scope, ErrUnknownScope)
			}
		}
		for _, scope := range profile.Restrictions.ForbiddenOperations {
			if !slices.Contains(c.Scopes, scope) {
				return fmt.Errorf("agent type %q: forbidden operation %q: %w", name, scope, ErrUnknownScope)
			}
		}
	}
	return nil
}

// CompileConditions validates every restriction condition with the given
// compile function. Called once at startup so a bad expression fails fast
// instead of at authorize time.
func (c *Catalog) CompileConditions(compile func(string) error) error {
	for name, profile := range c.AgentTypes {
		if profile.Restrictions.Condition == "" {
			continue
		}
		if err := compile(profile.Restrictions.Condition); err != nil {
			return fmt.Errorf("agent type %q: condition: %w", name, err)
		}
	}
	return nil
}

// ValidateScope returns ErrUnknownScope if the scope is not in the vocabulary.
func (c *Catalog) ValidateScope(scope string) error {
	if !slices.Contains(c.Scopes, scope) {
		return fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	return nil
}

// Profile returns the catalog entry for an agent type.
func (c *Catalog) Profile(agentType string) (AgentProfile, error) {
	profile, ok := c.AgentTypes[agentType]
	if !ok {
		return AgentProfile{}, fmt.Errorf("%w: %q", ErrUnknownAgentType, agentType)
	}
	return profile, nil
}
