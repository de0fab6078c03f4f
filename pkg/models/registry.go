package models

import (
	"slices"
	"time"
)

// ── Registry ─────────────────────────────────────────────────

// AgentRegistration is the registry-side snapshot of a live agent. It is
// distinct from the agent itself and never keeps the agent alive.
type AgentRegistration struct {
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name"`
	AgentClass   string         `json:"agent_class"`
	Config       AgentConfig    `json:"config"`
	Status       AgentStatus    `json:"status"`
	RegisteredAt time.Time      `json:"registered_at"`
	LastActivity time.Time      `json:"last_activity"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata"`
}

// HasAllTags reports whether the registration carries every tag in tags.
func (r *AgentRegistration) HasAllTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(r.Tags, t) {
			return false
		}
	}
	return true
}

// HasAllCapabilities reports whether the config lists every capability in caps.
func (r *AgentRegistration) HasAllCapabilities(caps []Capability) bool {
	for _, c := range caps {
		if !r.Config.HasCapability(c) {
			return false
		}
	}
	return true
}

// RegistryStats aggregates the registry contents.
type RegistryStats struct {
	TotalAgents       int                 `json:"total_agents"`
	LiveAgents        int                 `json:"live_agents"`
	RegisteredClasses []string            `json:"registered_classes"`
	ByStatus          map[AgentStatus]int `json:"by_status"`
	ByCapability      map[Capability]int  `json:"by_capability"`
	ByTag             map[string]int      `json:"by_tag"`
}
