// Package dispatcher wires every other component into the control flow
// spec.md §2 describes: FileQueue.claim → Router.resolve →
// AgentScheduler.enqueueFor(agent) → PluginPipeline.beforeModel →
// MemoryPrefetch → AgentInvoker.invoke → PluginPipeline.afterModel →
// mention extraction → either enqueue internal messages or
// ResponseAssembler.finalize → FileQueue.emit.
//
// Grounded on the teacher's cmd/gateway_consumer.go consumeInboundMessages
// loop: the same claim→route→schedule→invoke→respond shape, restructured
// from an in-process message-bus consumer into a fixed-interval directory
// poll per spec.md §5's scheduling model.
package dispatcher

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jlia0/tinyclaw/internal/assembler"
	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/conversation"
	"github.com/jlia0/tinyclaw/internal/events"
	"github.com/jlia0/tinyclaw/internal/invoker"
	"github.com/jlia0/tinyclaw/internal/memory"
	"github.com/jlia0/tinyclaw/internal/plugin"
	"github.com/jlia0/tinyclaw/internal/queue"
	"github.com/jlia0/tinyclaw/internal/router"
	"github.com/jlia0/tinyclaw/internal/scheduler"
	"github.com/jlia0/tinyclaw/pkg/protocol"
)

const (
	cannedDenied    = "Sorry, I can't process messages from this sender."
	cannedAmbiguous = "I'm not sure who that message was for — please address a single agent or team at a time."
	cannedApology   = "Sorry, I encountered an error processing your request."
)

// Dispatcher owns one fixed-interval poll-and-dispatch loop over a single
// FileQueue.
type Dispatcher struct {
	Queue         *queue.FileQueue
	ConfigSource  func() *config.Config
	Scheduler     *scheduler.Scheduler
	Conversations *conversation.Registry
	Plugins       *plugin.Pipeline
	MemoryStore   *memory.Store // nil disables MemoryPrefetch entirely
	MemoryGate    func(*config.Config) memory.GateConfig
	LLMGate       memory.LLMGate
	Invoker       *invoker.Invoker
	Assembler     *assembler.Assembler
	Events        *events.Bus // nil disables event emission
	Tracer        trace.TracerProvider

	TickInterval time.Duration

	limiters senderLimiters
}

// senderLimiters hands out a token-bucket limiter per channel+sender pair,
// bounding how fast one admitted sender can push messages through
// admission so a single noisy channel adapter can't starve the scheduler's
// other agent chains. The zero value is ready to use.
type senderLimiters struct {
	mu        sync.Mutex
	perSender map[string]*rate.Limiter
}

func (s *senderLimiters) allow(key string, perSecond float64, burst int) bool {
	if perSecond <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perSender == nil {
		s.perSender = make(map[string]*rate.Limiter)
	}
	lim, ok := s.perSender[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		s.perSender[key] = lim
	}
	return lim.Allow()
}

// Run polls the queue on TickInterval until ctx is cancelled, then drains
// outstanding work via the scheduler's bounded shutdown (spec.md §5).
func (d *Dispatcher) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	interval := d.TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	if n, err := d.Queue.Recover(); err != nil {
		slog.Warn("dispatcher: recover failed", "error", err)
	} else if n > 0 {
		slog.Info("dispatcher: recovered in-flight messages", "count", n)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.Scheduler.Shutdown(shutdownTimeout)
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	cfg := d.ConfigSource().Snapshot()

	names, err := d.Queue.ListIncoming()
	if err != nil {
		slog.Warn("dispatcher: list incoming failed", "error", err)
		return
	}

	for _, name := range names {
		name := name
		if !d.Scheduler.MarkEnqueued(name) {
			continue
		}

		claimed, err := d.Queue.Claim(name)
		if err != nil {
			slog.Warn("dispatcher: claim failed", "file", name, "error", err)
			d.Scheduler.UnmarkEnqueued(name)
			continue
		}
		if !claimed {
			d.Scheduler.UnmarkEnqueued(name)
			continue
		}

		msg, err := d.Queue.ReadProcessing(name)
		if err != nil {
			slog.Warn("dispatcher: malformed queue file, discarding", "file", name, "error", err)
			d.Queue.Delete(name)
			d.Scheduler.UnmarkEnqueued(name)
			continue
		}

		decision, agentID, ok := d.routeAndAdmit(cfg, msg)
		if !ok {
			d.emitCanned(msg, cannedDenied)
			d.Queue.Delete(name)
			d.Scheduler.UnmarkEnqueued(name)
			continue
		}
		if decision.Ambiguous {
			d.emitCanned(msg, cannedAmbiguous)
			d.Queue.Delete(name)
			d.Scheduler.UnmarkEnqueued(name)
			continue
		}

		err = d.Scheduler.Submit(agentID, func(taskCtx context.Context) {
			defer d.Scheduler.UnmarkEnqueued(name)
			defer d.Queue.Delete(name)
			d.process(taskCtx, cfg, name, msg, decision)
		})
		if err != nil {
			slog.Warn("dispatcher: submit rejected, releasing for retry", "file", name, "error", err)
			d.Queue.Release(name)
			d.Scheduler.UnmarkEnqueued(name)
		}
	}
}

// routeAndAdmit applies the admission policy, then resolves routing.
// Internal (conversation-carrying) messages bypass both the sender
// allowlist and the Router entirely: their Agent field already names the
// intended recipient (spec.md §3, §9 Open Questions).
func (d *Dispatcher) routeAndAdmit(cfg *config.Config, msg protocol.IncomingMessage) (protocol.RoutingDecision, string, bool) {
	if msg.IsInternal() {
		return protocol.RoutingDecision{AgentID: msg.Agent}, msg.Agent, true
	}

	if cfg.Security.RequireSenderAllowlist && !cfg.Security.Allowed(msg.Channel, msg.SenderID) {
		return protocol.RoutingDecision{}, "", false
	}
	if !d.limiters.allow(msg.Channel+":"+msg.SenderID, cfg.Security.PerSenderRatePerSecond, cfg.Security.PerSenderBurst) {
		return protocol.RoutingDecision{}, "", false
	}

	snap := router.Snapshot{Agents: cfg.Agents, Teams: cfg.Teams}
	decision := router.Resolve(msg, snap)
	return decision, decision.AgentID, true
}

func (d *Dispatcher) process(ctx context.Context, cfg *config.Config, name string, msg protocol.IncomingMessage, decision protocol.RoutingDecision) {
	start := time.Now()
	if d.Tracer != nil {
		var span trace.Span
		ctx, span = events.InvocationSpan(ctx, d.Tracer, decision.AgentID)
		defer span.End()
	}

	agentCfg, ok := cfg.Agent(decision.AgentID)
	if !ok {
		slog.Warn("dispatcher: resolved agent no longer exists, dropping", "agent", decision.AgentID)
		return
	}

	// transformIncoming/transformOutgoing are channel-adapter-side hooks
	// (spec.md §4.6); the core dispatch flow (§2) only calls beforeModel/
	// afterModel directly, so the routed body (prefix/mention already
	// stripped by Router.resolve) is what beforeModel sees.
	body, pluginState, _ := d.Plugins.BeforeModel(ctx, decision.Body)

	if d.MemoryStore != nil && !msg.IsInternal() {
		globalBudget := time.Duration(cfg.OpenViking.GlobalHookBudgetMS) * time.Millisecond
		remaining := globalBudget - time.Since(start)
		gateCfg := d.MemoryGate(cfg)
		res := memory.Prefetch(ctx, d.MemoryStore, gateCfg, d.LLMGate, msg.Channel, msg.SenderID, agentCfg.ID, body, remaining, cfg.Memory.PrefetchMaxChars)
		if res.Enriched {
			body = res.Message
			d.publish(protocol.EventPrefetchHit, map[string]any{"agent": agentCfg.ID})
		} else {
			d.publish(protocol.EventPrefetchSkipped, map[string]any{"agent": agentCfg.ID, "reason": res.Reason})
		}
	}

	responseText := cannedApology
	result, err := d.Invoker.Invoke(ctx, invoker.Request{Agent: agentCfg, Prompt: body, Reset: false})
	if err != nil {
		slog.Warn("dispatcher: invocation failed", "agent", agentCfg.ID, "error", err)
		d.publish(protocol.EventInvocationFailed, map[string]any{"agent": agentCfg.ID, "error": err.Error()})
	} else {
		responseText = result.Text
		if len(result.Activities) > 0 {
			// Invoke has no streaming-callback parameter, so every call is
			// the no-callback case spec.md §4.7 requires an activity
			// prologue for.
			responseText = strings.Join(result.Activities, "\n") + "\n\n" + result.Text
		}
		d.publish(protocol.EventInvocationFinished, map[string]any{"agent": agentCfg.ID})
	}

	d.Plugins.AfterModel(ctx, responseText, pluginState)

	if err := d.appendTurn(ctx, cfg, msg, agentCfg.ID, body, responseText); err != nil {
		slog.Warn("dispatcher: memory append failed", "error", err)
	}

	d.routeConversation(ctx, cfg, msg, decision, agentCfg.ID, responseText)
}

// appendTurn persists both sides of this turn for future
// retrieval, stripping any previously injected OpenViking block first so
// retrieval never feeds on its own output (spec.md §4.5).
func (d *Dispatcher) appendTurn(ctx context.Context, cfg *config.Config, msg protocol.IncomingMessage, agentID, prompt, response string) error {
	if d.MemoryStore == nil {
		return nil
	}
	clean := memory.StripInjectedContext(prompt)
	if err := d.MemoryStore.Append(ctx, memory.Turn{Channel: msg.Channel, SenderID: msg.SenderID, AgentID: agentID, Role: "user", Text: clean}); err != nil {
		return err
	}
	return d.MemoryStore.Append(ctx, memory.Turn{Channel: msg.Channel, SenderID: msg.SenderID, AgentID: agentID, Role: "assistant", Text: response})
}

// routeConversation continues an existing team conversation, starts a new
// one for a team-routed message, or finalizes a plain single-agent reply.
func (d *Dispatcher) routeConversation(ctx context.Context, cfg *config.Config, msg protocol.IncomingMessage, decision protocol.RoutingDecision, speakerID, responseText string) {
	switch {
	case msg.ConversationID != "":
		conv, ok := d.Conversations.Get(msg.ConversationID)
		if !ok {
			slog.Warn("dispatcher: conversation already gone, dropping branch result", "conversation", msg.ConversationID)
			return
		}
		team, _ := cfg.Team(conv.TeamID)
		d.stepConversation(ctx, conv, team, speakerID, responseText)

	case decision.IsTeamLeaderRoute && decision.TeamID != "":
		team, ok := cfg.Team(decision.TeamID)
		if !ok {
			d.finalize(msg, speakerID, responseText, nil)
			return
		}
		budget := cfg.Conversation.MessageBudget
		if budget <= 0 {
			budget = 50
		}
		conv := d.Conversations.Create(uuid.NewString(), decision, msg, budget)
		d.stepConversation(ctx, conv, team, speakerID, responseText)

	default:
		d.finalize(msg, speakerID, responseText, nil)
	}
}

func (d *Dispatcher) stepConversation(ctx context.Context, conv *conversation.Conversation, team protocol.TeamConfig, speakerID, responseText string) {
	edges := assembler.ExtractMentions(speakerID, responseText)
	sendFiles := assembler.ExtractSendFiles(responseText)

	outcome := conv.ProcessStep(speakerID, responseText, edges, sendFiles, team)
	if outcome.BudgetExhausted {
		d.publish(protocol.EventConversationBudget, map[string]any{"conversation": conv.ID})
	}

	if outcome.Completed {
		aggregate, fileRefs := d.Conversations.Complete(conv, outcome)
		d.publish(protocol.EventConversationDone, map[string]any{"conversation": conv.ID})
		d.finalizeConversation(conv, aggregate, fileRefs)
		return
	}

	for _, item := range outcome.FanOut {
		handoff := protocol.IncomingMessage{
			Channel:        conv.Channel,
			Sender:         conv.Sender,
			SenderID:       conv.SenderID,
			Message:        conversation.BuildHandoffMessage(item),
			MessageID:      uuid.NewString(),
			Agent:          item.Edge.TargetID,
			ConversationID: conv.ID,
			FromAgent:      item.Edge.SpeakerID,
		}
		if err := d.Queue.EnqueueIncoming(handoff); err != nil {
			slog.Warn("dispatcher: failed to enqueue fan-out handoff", "conversation", conv.ID, "target", item.Edge.TargetID, "error", err)
		}
	}
}

func (d *Dispatcher) finalizeConversation(conv *conversation.Conversation, aggregateText string, fileRefs []string) {
	original := protocol.IncomingMessage{
		Channel: conv.Channel, Sender: conv.Sender, SenderID: conv.SenderID,
		Message: conv.OriginalMessage, MessageID: conv.OriginatingMessageID,
	}
	d.finalize(original, "", aggregateText, fileRefs)
}

func (d *Dispatcher) finalize(original protocol.IncomingMessage, agentID, text string, fileRefs []string) {
	out, err := d.Assembler.Finalize(original, agentID, text, fileRefs, time.Now)
	if err != nil {
		slog.Warn("dispatcher: assembler finalize failed", "error", err)
		out = protocol.OutgoingResponse{Channel: original.Channel, Sender: original.Sender, Message: cannedApology, OriginalMessage: original.Message, MessageID: original.MessageID}
	}
	if err := d.Queue.CommitOut(out); err != nil {
		slog.Warn("dispatcher: commitOut failed", "error", err)
		return
	}
	d.publish(protocol.EventResponseEmitted, map[string]any{"channel": out.Channel, "messageId": out.MessageID})
}

func (d *Dispatcher) emitCanned(original protocol.IncomingMessage, text string) {
	d.finalize(original, "", text, nil)
	d.publish(protocol.EventAdmissionDenied, map[string]any{"channel": original.Channel, "sender": original.SenderID})
}

func (d *Dispatcher) publish(name string, payload map[string]any) {
	if d.Events == nil {
		return
	}
	d.Events.Publish(protocol.Event{Name: name, Payload: payload})
}
