// Package protocol defines the wire shapes exchanged between TinyClaw's
// queue-processor core and its external collaborators: channel adapters,
// the agent invoker subprocess, and administrative settings writers.
package protocol

import "time"

// IncomingMessage is one user or internal utterance admitted from
// incoming/. Every field beyond Channel/Message/MessageID/Timestamp is
// optional and must be treated as absent rather than zero-valued.
type IncomingMessage struct {
	Channel        string   `json:"channel"`
	Sender         string   `json:"sender"`
	SenderID       string   `json:"senderId,omitempty"`
	Message        string   `json:"message"`
	Timestamp      int64    `json:"timestamp"`
	MessageID      string   `json:"messageId"`
	Agent          string   `json:"agent,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	FromAgent      string   `json:"fromAgent,omitempty"`
	Files          []string `json:"files,omitempty"`
}

// IsInternal reports whether this message was synthesized by the core
// (a team mention fan-out) rather than received from an external channel.
// Per spec.md's Open Question resolution: conversationId implies routing
// is already resolved and the Router is bypassed.
func (m IncomingMessage) IsInternal() bool {
	return m.ConversationID != ""
}

// OutgoingResponse is the final user-facing payload committed to
// outgoing/ by ResponseAssembler.
type OutgoingResponse struct {
	Channel         string   `json:"channel"`
	Sender          string   `json:"sender"`
	Message         string   `json:"message"`
	OriginalMessage string   `json:"originalMessage"`
	Timestamp       int64    `json:"timestamp"`
	MessageID       string   `json:"messageId"`
	Agent           string   `json:"agent,omitempty"`
	Files           []string `json:"files,omitempty"`
}

// Now returns the current time in the epoch-millisecond unit used
// throughout the wire formats.
func Now() int64 {
	return time.Now().UnixMilli()
}

// AgentConfig is the settings-document binding for one worker identity.
type AgentConfig struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	WorkingDir      string            `json:"working_directory"`
	SystemPrompt    string            `json:"system_prompt,omitempty"`
	PromptFile      string            `json:"prompt_file,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
}

// TeamConfig is a named collaboration group: the only unit in which
// mentions propagate.
type TeamConfig struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Agents       []string `json:"agents"`
	LeaderAgent  string   `json:"leader_agent"`
}

// HasMember reports whether agentID is a declared member of the team.
func (t TeamConfig) HasMember(agentID string) bool {
	for _, a := range t.Agents {
		if a == agentID {
			return true
		}
	}
	return false
}

// RoutingDecision is the outcome of parsing one message's addressing.
type RoutingDecision struct {
	AgentID           string
	Body              string
	IsTeamLeaderRoute bool
	TeamID            string
	// Ambiguous is set when the router detects multiple top-level
	// @mentions it refuses to route (spec.md §4.2 point 4).
	Ambiguous bool
}

// MentionEdge is a single [@teammate: body] directive extracted from an
// agent's response.
type MentionEdge struct {
	SpeakerID    string
	TargetID     string
	DirectedBody string
}

// ConversationResponse is one agent's contribution to a team conversation,
// ordered by completion time.
type ConversationResponse struct {
	AgentID string
	Text    string
}

// PluginState is an opaque per-plugin value carried from beforeModel to
// afterModel. Never shared across plugins, never persisted.
type PluginState map[string]any

// Event is one structured record written to events/ and fanned out to
// SSE subscribers.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event names emitted by the dispatcher and its components.
const (
	EventDispatchTick       = "dispatch.tick"
	EventMessageClaimed     = "message.claimed"
	EventMessageRouted      = "message.routed"
	EventInvocationStarted  = "invocation.started"
	EventInvocationFinished = "invocation.finished"
	EventInvocationFailed   = "invocation.failed"
	EventConversationStart  = "conversation.started"
	EventConversationDone   = "conversation.completed"
	EventConversationBudget = "conversation.budget_exhausted"
	EventPluginHookTimeout  = "plugin.hook_timeout"
	EventPrefetchSkipped    = "memory.prefetch_skipped"
	EventPrefetchHit        = "memory.prefetch_hit"
	EventResponseEmitted    = "response.emitted"
	EventAdmissionDenied    = "admission.denied"
)
