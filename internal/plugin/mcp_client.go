package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// mcpHookClient calls a plugin's hooks as MCP tool invocations over stdio,
// one tool per hook name. This is a much smaller surface than the
// teacher's internal/mcp manager (no multi-server pooling or tool-catalog
// caching): a plugin manifest entry names exactly one command, and every
// hook call is a single CallTool round-trip.
type mcpHookClient struct {
	name string
	cli  *client.Client
}

// NewMCPHookClient spawns entry.Command as an MCP stdio server and
// completes the MCP initialize handshake. The returned client attempts
// every hook it is asked to call; entry.Hooks is not consulted here or by
// BuildFromConfig.
func NewMCPHookClient(ctx context.Context, entry config.PluginEntry) (HookClient, error) {
	c, err := client.NewStdioMCPClient(entry.Command, nil, entry.Args...)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: spawn mcp client: %w", entry.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "tinyclawd", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("plugin %s: initialize: %w", entry.Name, err)
	}

	return &mcpHookClient{name: entry.Name, cli: c}, nil
}

func (m *mcpHookClient) Name() string { return m.name }

func (m *mcpHookClient) CallHook(ctx context.Context, hook string, payload map[string]any) (map[string]any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = hook
	req.Params.Arguments = payload

	res, err := m.cli.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: call %s: %w", m.name, hook, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("plugin %s: hook %s returned an error result", m.name, hook)
	}

	out := make(map[string]any)
	for _, content := range res.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			out["text"] = tc.Text
		}
	}
	return out, nil
}

func (m *mcpHookClient) Close() error {
	return m.cli.Close()
}

// BuildFromConfig spawns one mcpHookClient per configured plugin entry,
// whatever its Hooks list declares. Entries that fail to spawn are logged
// and omitted, never fatal to
// daemon startup (spec.md §4.6 treats plugin failures as non-poisoning).
func BuildFromConfig(ctx context.Context, entries []config.PluginEntry, hookTimeoutMS int) *Pipeline {
	var clients []HookClient
	for _, e := range entries {
		c, err := NewMCPHookClient(ctx, e)
		if err != nil {
			slog.Warn("plugin: failed to spawn, omitting from pipeline", "plugin", e.Name, "error", err)
			continue
		}
		clients = append(clients, c)
	}
	return New(clients, time.Duration(hookTimeoutMS)*time.Millisecond)
}
