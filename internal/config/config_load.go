package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// Default returns a settings document with TinyClaw's baked-in defaults,
// the starting point for both Load (file-not-found) and the onboarding
// wizard.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Workspace: WorkspaceConfig{Path: filepath.Join(home, "tinyclaw-workspace")},
		Agents:    map[string]protocol.AgentConfig{},
		Teams:     map[string]protocol.TeamConfig{},
		Security: SecurityConfig{
			RequireSenderAllowlist: true,
			AllowedSenders:         map[string][]string{},
			PerSenderRatePerSecond: 5,
			PerSenderBurst:         10,
		},
		Memory: MemoryConfig{
			Enabled:          true,
			GateMode:         "rule",
			AmbiguityLow:     0.35,
			AmbiguityHigh:    0.65,
			PrefetchMaxChars: 1200,
			StorePath:        filepath.Join(home, "tinyclaw-workspace", "memory.sqlite"),
		},
		Plugins: PluginsConfig{HookTimeoutMS: 8000},
		OpenViking: OpenVikingConfig{
			GlobalHookBudgetMS: 8000,
			SafetyMarginMS:     500,
		},
		Gateway: GatewayConfig{
			APIPort:          8089,
			EventRetentionMS: 24 * 60 * 60 * 1000,
		},
		Conversation: ConversationConfig{MessageBudget: 50},
	}
}

// Load reads the settings document at path. A missing file is not an
// error: Load falls back to Default() plus env overrides, matching the
// teacher's config_load.go first-run behaviour.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays TINYCLAW_* environment variables onto the
// document, mirroring the teacher's applyEnvOverrides closures-over-dst
// idiom. Secrets never round-trip back into the file.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	envInt("TINYCLAW_API_PORT", &c.Gateway.APIPort)
	envInt("TINYCLAW_PLUGIN_HOOK_TIMEOUT_MS", &c.Plugins.HookTimeoutMS)
	envInt("TINYCLAW_EVENT_RETENTION_MS", &c.Gateway.EventRetentionMS)
	envInt("TINYCLAW_OPENVIKING_HOOK_BUDGET_MS", &c.OpenViking.GlobalHookBudgetMS)
	envInt("TINYCLAW_OPENVIKING_SAFETY_MARGIN_MS", &c.OpenViking.SafetyMarginMS)
	envBool("TINYCLAW_SECURITY_REQUIRE_ALLOWLIST", &c.Security.RequireSenderAllowlist)
	envStr("TINYCLAW_WORKSPACE_PATH", &c.Workspace.Path)
	envInt("TINYCLAW_CONVERSATION_MESSAGE_BUDGET", &c.Conversation.MessageBudget)

	if v := os.Getenv("TINYCLAW_ALLOWED_SENDERS"); v != "" {
		// "channel:sender1,sender2;channel2:*"
		for _, group := range strings.Split(v, ";") {
			parts := strings.SplitN(group, ":", 2)
			if len(parts) != 2 {
				continue
			}
			channel := strings.TrimSpace(parts[0])
			senders := strings.Split(parts[1], ",")
			for i := range senders {
				senders[i] = strings.TrimSpace(senders[i])
			}
			if c.Security.AllowedSenders == nil {
				c.Security.AllowedSenders = map[string][]string{}
			}
			c.Security.AllowedSenders[channel] = senders
		}
	}
}

// Save writes cfg to path via write-to-temp + rename, never exposing a
// partially written settings document (spec.md §5, §9).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "settings-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	cleanup = false
	return nil
}

// Hash returns a SHA-256 digest of the marshaled document, used for
// optimistic-concurrency checks by admin writers.
func (c *Config) Hash() string {
	c.mu.RLock()
	data, _ := json.Marshal(c)
	c.mu.RUnlock()
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Watch installs an fsnotify watch on path's directory and calls reload
// whenever the settings file changes, returning a stop function. This
// enriches the teacher's design (which reloads on a read-on-every-tick
// basis) with push-based invalidation, grounded on fsnotify's presence in
// the teacher's own dependency set.
func Watch(ctx context.Context, path string, reload func()) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					slog.Info("settings file changed, reloading", "path", path, "op", ev.Op.String())
					reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return watcher.Close, nil
}
