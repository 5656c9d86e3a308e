package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jlia0/tinyclaw/internal/assembler"
	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/conversation"
	"github.com/jlia0/tinyclaw/internal/cron"
	"github.com/jlia0/tinyclaw/internal/dispatcher"
	"github.com/jlia0/tinyclaw/internal/events"
	"github.com/jlia0/tinyclaw/internal/invoker"
	"github.com/jlia0/tinyclaw/internal/memory"
	"github.com/jlia0/tinyclaw/internal/plugin"
	"github.com/jlia0/tinyclaw/internal/queue"
	"github.com/jlia0/tinyclaw/internal/scheduler"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func runServe() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load settings", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	q, err := queue.New(cfg.Workspace.Path)
	if err != nil {
		slog.Error("failed to open queue", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop, err := config.Watch(ctx, cfgPath, func() {
		if fresh, err := config.Load(cfgPath); err == nil {
			cfg.ReplaceFrom(fresh)
		} else {
			slog.Warn("settings reload failed, keeping previous settings", "error", err)
		}
	})
	if err != nil {
		slog.Warn("settings hot-reload unavailable", "error", err)
	} else {
		defer stop()
	}

	var memStore *memory.Store
	if cfg.Memory.Enabled {
		memStore, err = memory.Open(cfg.Memory.StorePath)
		if err != nil {
			slog.Warn("memory store unavailable, disabling MemoryPrefetch", "error", err)
			memStore = nil
		} else {
			defer memStore.Close()
		}
	}

	plugins := plugin.BuildFromConfig(ctx, cfg.Plugins.Entries, cfg.Plugins.HookTimeoutMS)
	defer plugins.Close()

	bus := events.New(q.EventsDir())
	go bus.RunCleanupLoop(ctx.Done(), time.Hour, time.Duration(cfg.Gateway.EventRetentionMS)*time.Millisecond)

	tp, shutdownTracer, err := events.NewTracerProvider(ctx, os.Getenv("TINYCLAW_OTEL_ENDPOINT"))
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	agentInvoker := invoker.New(invoker.DefaultBuilders(), 2*time.Minute)

	d := &dispatcher.Dispatcher{
		Queue:         q,
		ConfigSource:  func() *config.Config { return cfg },
		Scheduler:     scheduler.New(),
		Conversations: conversation.New(),
		Plugins:       plugins,
		MemoryStore:   memStore,
		MemoryGate:    gateConfigFromSettings,
		LLMGate:       llmGateFromInvoker(agentInvoker, func() *config.Config { return cfg }),
		Invoker:       agentInvoker,
		Assembler:     assembler.New(q.FilesDir(), cfg.Security.AllowOutboundFilePathsOutsideFilesDir),
		Events:        bus,
		Tracer:        tp,
		TickInterval:  time.Second,
	}

	cronProducer := cron.New(q)
	go cronProducer.Run(ctx, func() []config.CronEntry { return cfg.Cron }, time.Minute)

	mux := http.NewServeMux()
	mux.Handle("/events", bus.Handler())
	mux.Handle("/events/ws", bus.WebSocketHandler())
	httpSrv := &http.Server{Addr: formatAddr(cfg.Gateway.APIPort), Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("event stream server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		httpSrv.Shutdown(context.Background())
		cancel()
	}()

	slog.Info("tinyclawd starting", "version", Version, "workspace", cfg.Workspace.Path, "api_port", cfg.Gateway.APIPort)
	return d.Run(ctx, 30*time.Second)
}

// gateConfigFromSettings adapts the settings document's memory section to
// MemoryPrefetch's gate configuration on every dispatch tick.
func gateConfigFromSettings(cfg *config.Config) memory.GateConfig {
	return memory.GateConfig{
		Mode:          memory.GateMode(cfg.Memory.GateMode),
		ForcePatterns: cfg.Memory.ForcePatterns,
		SkipPatterns:  cfg.Memory.SkipPatterns,
		AmbiguityLow:  cfg.Memory.AmbiguityLow,
		AmbiguityHigh: cfg.Memory.AmbiguityHigh,
	}
}

// llmGateFromInvoker wires memory.LLMGate to a one-shot call through the
// same Invoker used for regular agent turns, routed to the agent named by
// memory.gate_agent_id (spec.md §4.5's rule_then_llm escalation). The
// agent is expected to answer with a single line of JSON matching
// ParseLLMVerdict's contract; any subprocess failure or missing agent
// binding is returned as an error, which DecideGate treats as "no" rather
// than fatal.
func llmGateFromInvoker(inv *invoker.Invoker, cfgSource func() *config.Config) memory.LLMGate {
	return func(ctx context.Context, message string) (bool, string, error) {
		cfg := cfgSource()
		agentID := cfg.Memory.GateAgentID
		if agentID == "" {
			return false, "", fmt.Errorf("llm gate: memory.gate_agent_id is not configured")
		}
		agentCfg, ok := cfg.Agents[agentID]
		if !ok {
			return false, "", fmt.Errorf("llm gate: no agent %q configured for memory.gate_agent_id", agentID)
		}

		prompt := "Decide whether answering the message below requires retrieving prior " +
			"conversation memory. Reply with exactly one line of JSON and nothing else: " +
			`{"needMemory": true|false, "reason": "<short reason>"}` +
			"\n\nMessage:\n" + message

		result, err := inv.Invoke(ctx, invoker.Request{
			Agent:   agentCfg,
			Prompt:  prompt,
			Reset:   true,
			Timeout: 15 * time.Second,
		})
		if err != nil {
			return false, "", err
		}
		need, reason := memory.ParseLLMVerdict(result.Text)
		return need, reason, nil
	}
}

func formatAddr(port int) string {
	if port <= 0 {
		port = 8089
	}
	return ":" + strconv.Itoa(port)
}
