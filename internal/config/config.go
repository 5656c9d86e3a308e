// Package config implements ConfigStore: a single settings document read
// hot on every dispatch tick and mutated only by external admin paths via
// write-to-temp + rename (spec.md §5).
package config

import (
	"sync"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// Config is the root settings document. It embeds its own mutex so a
// *Config can be swapped wholesale under lock (ReplaceFrom) and read
// concurrently by the dispatcher without racing a concurrent reload.
type Config struct {
	mu sync.RWMutex

	Workspace    WorkspaceConfig                 `json:"workspace"`
	Agents       map[string]protocol.AgentConfig `json:"agents"`
	Teams        map[string]protocol.TeamConfig  `json:"teams"`
	Security     SecurityConfig                  `json:"security"`
	Memory       MemoryConfig                    `json:"memory"`
	Plugins      PluginsConfig                   `json:"plugins"`
	OpenViking   OpenVikingConfig                `json:"openviking"`
	Cron         []CronEntry                     `json:"cron"`
	Gateway      GatewayConfig                   `json:"gateway"`
	Conversation ConversationConfig              `json:"conversation"`
}

// WorkspaceConfig locates the daemon's on-disk working area.
type WorkspaceConfig struct {
	Path string `json:"path"`
}

// SecurityConfig gates admission (spec.md §7 admission errors).
type SecurityConfig struct {
	RequireSenderAllowlist bool                `json:"require_sender_allowlist"`
	AllowedSenders         map[string][]string `json:"allowed_senders"`
	// AllowOutboundFilePathsOutsideFilesDir resolves the Open Question in
	// spec.md §9: default deny unless explicitly enabled.
	AllowOutboundFilePathsOutsideFilesDir bool `json:"allow_outbound_file_paths_outside_files_dir"`
	// PerSenderRatePerSecond/PerSenderBurst bound how fast one admitted
	// sender can push messages through admission, so a single noisy channel
	// adapter can't starve the scheduler's other agent chains.
	PerSenderRatePerSecond float64 `json:"per_sender_rate_per_second"`
	PerSenderBurst         int     `json:"per_sender_burst"`
}

// Allowed reports whether senderID may admit messages on channel, per
// spec.md §8's Security property.
func (s SecurityConfig) Allowed(channel, senderID string) bool {
	if !s.RequireSenderAllowlist {
		return true
	}
	list, ok := s.AllowedSenders[channel]
	if !ok {
		return false
	}
	for _, entry := range list {
		if entry == "*" || entry == senderID {
			return true
		}
	}
	return false
}

// MemoryConfig configures MemoryPrefetch (spec.md §4.5).
type MemoryConfig struct {
	Enabled          bool     `json:"enabled"`
	GateMode         string   `json:"gate_mode"` // never|always|rule|rule_then_llm
	ForcePatterns    []string `json:"force_patterns"`
	SkipPatterns     []string `json:"skip_patterns"`
	AmbiguityLow     float64  `json:"ambiguity_low"`
	AmbiguityHigh    float64  `json:"ambiguity_high"`
	PrefetchMaxChars int      `json:"prefetch_max_chars"`
	StorePath        string   `json:"store_path"`
	// GateAgentID names the agent rule_then_llm routes its one-shot
	// "do we need memory" question through. Left empty, rule_then_llm has
	// no LLM to escalate to and behaves like rule.
	GateAgentID string `json:"gate_agent_id"`
}

// PluginsConfig lists ordered plugin manifest entries for PluginPipeline.
type PluginsConfig struct {
	HookTimeoutMS int            `json:"hook_timeout_ms"`
	Entries       []PluginEntry  `json:"entries"`
}

// PluginEntry names one MCP-backed hook plugin.
type PluginEntry struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Hooks   []string `json:"hooks"`
}

// OpenVikingConfig holds the prefetch/gate tunables referenced by
// TINYCLAW_OPENVIKING_* env vars.
type OpenVikingConfig struct {
	GlobalHookBudgetMS int `json:"global_hook_budget_ms"`
	SafetyMarginMS     int `json:"safety_margin_ms"`
}

// CronEntry is one gronx-evaluated schedule that synthesizes an
// IncomingMessage into incoming/ (spec.md §1 cron collaborator contract).
type CronEntry struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Channel    string `json:"channel"`
	Agent      string `json:"agent"`
	Message    string `json:"message"`
}

// GatewayConfig carries the ambient HTTP/SSE console surface (port, event
// retention) used by internal/events.
type GatewayConfig struct {
	APIPort           int `json:"api_port"`
	EventRetentionMS  int `json:"event_retention_ms"`
}

// ConversationConfig tunes team conversation bookkeeping (spec.md §4.4).
type ConversationConfig struct {
	// MessageBudget caps how many turns a team conversation may run before
	// it is force-finalized, so a mention loop between agents can't run
	// forever.
	MessageBudget int `json:"message_budget"`
}

// Snapshot returns a read-only copy safe to hand to a dispatch iteration
// without holding the lock for its duration, per spec.md §5's "keep a
// single Settings snapshot value per dispatch iteration".
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return &cp
}

// ReplaceFrom atomically swaps every field from src into c under lock,
// the hot-reload pattern grounded on the teacher's Config.ReplaceFrom.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Workspace = src.Workspace
	c.Agents = src.Agents
	c.Teams = src.Teams
	c.Security = src.Security
	c.Memory = src.Memory
	c.Plugins = src.Plugins
	c.OpenViking = src.OpenViking
	c.Cron = src.Cron
	c.Gateway = src.Gateway
	c.Conversation = src.Conversation
}

// ResolveDefaultAgentID returns the "default" agent if configured, else
// the first agent found (spec.md §4.2 point 3, map iteration is
// non-deterministic so callers needing stability should prefer explicit
// "default").
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.Agents["default"]; ok {
		return "default"
	}
	for id := range c.Agents {
		return id
	}
	return ""
}

// Agent looks up an agent by ID under the read lock.
func (c *Config) Agent(id string) (protocol.AgentConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.Agents[id]
	return a, ok
}

// Team looks up a team by ID under the read lock.
func (c *Config) Team(id string) (protocol.TeamConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.Teams[id]
	return t, ok
}
