// Package plugin implements PluginPipeline (spec.md §4.6): an ordered
// chain of hooks invoked sequentially, one plugin at a time per hook, with
// a per-hook timeout that degrades to a skipped, logged error rather than
// poisoning the pipeline.
//
// Grounded on the teacher's internal/mcp client manager for the external-
// process hook transport (see mcp_client.go), and on internal/agent/
// loop.go's sequential before/after-tool-call bracketing for the hook
// ordering and state hand-off shape.
package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// Hook names, matching spec.md §4.6's declared set exactly.
const (
	HookOnStartup         = "onStartup"
	HookOnHealth          = "onHealth"
	HookBeforeModel       = "beforeModel"
	HookAfterModel        = "afterModel"
	HookOnSessionReset    = "onSessionReset"
	HookOnSessionEnd      = "onSessionEnd"
	HookTransformIncoming = "transformIncoming"
	HookTransformOutgoing = "transformOutgoing"
)

// HookClient is one plugin's hook-call transport. The MCP-backed
// implementation (mcp_client.go) calls hooks as MCP tool invocations; tests
// use a fake satisfying the same interface.
type HookClient interface {
	Name() string
	CallHook(ctx context.Context, hook string, payload map[string]any) (map[string]any, error)
	Close() error
}

// HookResult records one plugin's outcome for one hook call, surfaced for
// logging/observability; a timed-out or errored hook never aborts the
// pipeline.
type HookResult struct {
	Plugin string
	Hook   string
	Output map[string]any
	Err    error
}

// Pipeline runs the declared hooks across every configured plugin, in
// declaration order, one plugin at a time within a hook.
type Pipeline struct {
	clients     []HookClient
	hookTimeout time.Duration
}

// New builds a Pipeline over clients, in the order they should run.
func New(clients []HookClient, hookTimeout time.Duration) *Pipeline {
	return &Pipeline{clients: clients, hookTimeout: hookTimeout}
}

// Close shuts down every plugin's transport.
func (p *Pipeline) Close() {
	for _, c := range p.clients {
		if err := c.Close(); err != nil {
			slog.Warn("plugin: close failed", "plugin", c.Name(), "error", err)
		}
	}
}

// call invokes hook on every client sequentially, bounding each call by
// hookTimeout. A timeout or error is logged and recorded in the returned
// results but never stops the remaining plugins from running.
func (p *Pipeline) call(ctx context.Context, hook string, payload map[string]any) []HookResult {
	results := make([]HookResult, 0, len(p.clients))
	for _, c := range p.clients {
		hctx, cancel := context.WithTimeout(ctx, p.hookTimeout)
		out, err := c.CallHook(hctx, hook, payload)
		cancel()
		if err != nil {
			slog.Warn("plugin: hook failed, skipping", "plugin", c.Name(), "hook", hook, "error", err)
		}
		results = append(results, HookResult{Plugin: c.Name(), Hook: hook, Output: out, Err: err})
	}
	return results
}

// OnStartup runs the startup hook across all plugins; failures are
// logged, not fatal (a plugin misbehaving at startup shouldn't prevent the
// daemon from serving other agents).
func (p *Pipeline) OnStartup(ctx context.Context) []HookResult {
	return p.call(ctx, HookOnStartup, nil)
}

// OnHealth runs the health hook across all plugins.
func (p *Pipeline) OnHealth(ctx context.Context) []HookResult {
	return p.call(ctx, HookOnHealth, nil)
}

// BeforeModel runs beforeModel across all plugins in order; each plugin
// sees the latest message version (spec.md §4.6: "subsequent plugins see
// the latest version"). Opaque per-plugin state is collected keyed by
// plugin name, to be echoed back to AfterModel.
func (p *Pipeline) BeforeModel(ctx context.Context, message string) (string, protocol.PluginState, []HookResult) {
	state := make(protocol.PluginState)
	results := make([]HookResult, 0, len(p.clients))
	current := message

	for _, c := range p.clients {
		hctx, cancel := context.WithTimeout(ctx, p.hookTimeout)
		out, err := c.CallHook(hctx, HookBeforeModel, map[string]any{"message": current})
		cancel()
		if err != nil {
			slog.Warn("plugin: beforeModel failed, skipping", "plugin", c.Name(), "error", err)
			results = append(results, HookResult{Plugin: c.Name(), Hook: HookBeforeModel, Err: err})
			continue
		}
		if replacement, ok := out["message"].(string); ok && replacement != "" {
			current = replacement
		}
		if s, ok := out["state"]; ok {
			state[c.Name()] = s
		}
		results = append(results, HookResult{Plugin: c.Name(), Hook: HookBeforeModel, Output: out})
	}
	return current, state, results
}

// AfterModel runs afterModel across all plugins, handing each one back the
// state it produced in BeforeModel. It is best-effort: a timeout or error
// never blocks response emission (spec.md §4.6).
func (p *Pipeline) AfterModel(ctx context.Context, responseText string, state protocol.PluginState) []HookResult {
	results := make([]HookResult, 0, len(p.clients))
	for _, c := range p.clients {
		hctx, cancel := context.WithTimeout(ctx, p.hookTimeout)
		out, err := c.CallHook(hctx, HookAfterModel, map[string]any{
			"response": responseText,
			"state":    state[c.Name()],
		})
		cancel()
		if err != nil {
			slog.Warn("plugin: afterModel failed, skipping", "plugin", c.Name(), "error", err)
		}
		results = append(results, HookResult{Plugin: c.Name(), Hook: HookAfterModel, Output: out, Err: err})
	}
	return results
}

// OnSessionReset runs the session-reset hook across all plugins.
func (p *Pipeline) OnSessionReset(ctx context.Context) []HookResult {
	return p.call(ctx, HookOnSessionReset, nil)
}

// OnSessionEnd runs the session-end hook across all plugins, carrying a
// reason string. No daemon code path calls it; the scheduler's Shutdown
// does not run or wait on it.
func (p *Pipeline) OnSessionEnd(ctx context.Context, reason string) []HookResult {
	return p.call(ctx, HookOnSessionEnd, map[string]any{"reason": reason})
}

// TransformIncoming runs transformIncoming across all plugins, letting
// each rewrite the message body before routing.
func (p *Pipeline) TransformIncoming(ctx context.Context, msg protocol.IncomingMessage) (protocol.IncomingMessage, []HookResult) {
	results := make([]HookResult, 0, len(p.clients))
	for _, c := range p.clients {
		hctx, cancel := context.WithTimeout(ctx, p.hookTimeout)
		out, err := c.CallHook(hctx, HookTransformIncoming, map[string]any{"message": msg.Message})
		cancel()
		if err != nil {
			slog.Warn("plugin: transformIncoming failed, skipping", "plugin", c.Name(), "error", err)
			results = append(results, HookResult{Plugin: c.Name(), Hook: HookTransformIncoming, Err: err})
			continue
		}
		if replacement, ok := out["message"].(string); ok && replacement != "" {
			msg.Message = replacement
		}
		results = append(results, HookResult{Plugin: c.Name(), Hook: HookTransformIncoming, Output: out})
	}
	return msg, results
}

// TransformOutgoing runs transformOutgoing across all plugins, letting
// each rewrite the response text before it's committed to FileQueue.
func (p *Pipeline) TransformOutgoing(ctx context.Context, resp protocol.OutgoingResponse) (protocol.OutgoingResponse, []HookResult) {
	results := make([]HookResult, 0, len(p.clients))
	for _, c := range p.clients {
		hctx, cancel := context.WithTimeout(ctx, p.hookTimeout)
		out, err := c.CallHook(hctx, HookTransformOutgoing, map[string]any{"message": resp.Message})
		cancel()
		if err != nil {
			slog.Warn("plugin: transformOutgoing failed, skipping", "plugin", c.Name(), "error", err)
			results = append(results, HookResult{Plugin: c.Name(), Hook: HookTransformOutgoing, Err: err})
			continue
		}
		if replacement, ok := out["message"].(string); ok && replacement != "" {
			resp.Message = replacement
		}
		results = append(results, HookResult{Plugin: c.Name(), Hook: HookTransformOutgoing, Output: out})
	}
	return resp, results
}
