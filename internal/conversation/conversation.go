// Package conversation implements ConversationRegistry and the team
// conversation state machine (spec.md §4.4).
//
// Grounded on the teacher's internal/tools/delegate.go: its DelegationTask
// active-tracking (sync.Map of in-flight delegations) and its async
// announce-via-bus pattern (a completed delegation publishes a system
// message carrying origin metadata back to the caller) are the direct
// structural parallel to a mention's fan-out-then-drain lifecycle here.
package conversation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// Conversation is one in-flight team task. All mutation happens inside
// ProcessStep's single coarse critical section (spec.md §4.4 concurrency
// safety: "a single coarse critical section per update").
type Conversation struct {
	ID                   string
	TeamID               string
	Channel              string
	Sender               string
	SenderID             string
	OriginalMessage      string
	OriginatingMessageID string
	MessageBudget        int

	mu              sync.Mutex
	pendingBranches int
	totalMessages   int
	responses       []protocol.ConversationResponse
	fileRefs        map[string]struct{}
}

// FanOutItem pairs a validated mention edge with the pendingBranches
// count observed immediately after incrementing for that edge, so the
// caller can synthesize the "N teammates still processing" note in the
// same order the increments happened.
type FanOutItem struct {
	Edge                  protocol.MentionEdge
	PendingBranchesAfterIncrement int
}

// StepOutcome is the result of processing one agent's reply within a
// conversation.
type StepOutcome struct {
	// FanOut lists the validated, deduplicated mention edges to enqueue
	// as new internal messages; pendingBranches has already been
	// incremented once per edge.
	FanOut []FanOutItem
	// BudgetExhausted is true when totalMessages, counting this step, has
	// reached MessageBudget: this step's mentions are dropped silently.
	BudgetExhausted bool
	// Completed is true when this step's branch-completion decrement
	// brought pendingBranches to zero.
	Completed bool
	// Aggregate holds the ordered responses, populated only when
	// Completed is true.
	Aggregate []protocol.ConversationResponse
	// FileRefs holds the accumulated send_file references, populated
	// only when Completed is true.
	FileRefs []string
}

// Registry owns every Conversation; each conversation exists in exactly
// one pending set (spec.md §3 ownership model).
type Registry struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{conversations: make(map[string]*Conversation)}
}

// Create starts a new Conversation with pendingBranches=1, the state a
// team-routed external message establishes (spec.md §4.4 "Creation").
func (r *Registry) Create(id string, decision protocol.RoutingDecision, original protocol.IncomingMessage, budget int) *Conversation {
	if budget <= 0 {
		budget = 50
	}
	c := &Conversation{
		ID:                   id,
		TeamID:               decision.TeamID,
		Channel:              original.Channel,
		Sender:               original.Sender,
		SenderID:             original.SenderID,
		OriginalMessage:      original.Message,
		OriginatingMessageID: original.MessageID,
		MessageBudget:        budget,
		pendingBranches:      1,
		fileRefs:             make(map[string]struct{}),
	}
	r.mu.Lock()
	r.conversations[id] = c
	r.mu.Unlock()
	return c
}

// Get returns the conversation by ID, if still pending.
func (r *Registry) Get(id string) (*Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	return c, ok
}

// remove deletes a completed conversation from the pending set.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.conversations, id)
	r.mu.Unlock()
}

// ProcessStep records one agent's completed invocation, decrements
// pendingBranches for the branch that just finished, then validates and
// fans out its mention edges (unless the budget is exhausted).
// edges is the raw, unvalidated mention list extracted from rawText by
// assembler.ExtractMentions; sendFiles is the raw send_file path list
// from assembler.ExtractSendFiles.
func (c *Conversation) ProcessStep(speakerID, rawText string, edges []protocol.MentionEdge, sendFiles []string, team protocol.TeamConfig) StepOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalMessages++
	c.responses = append(c.responses, protocol.ConversationResponse{AgentID: speakerID, Text: rawText})
	for _, f := range sendFiles {
		c.fileRefs[f] = struct{}{}
	}

	outcome := StepOutcome{}

	budgetExhausted := c.totalMessages >= c.MessageBudget
	outcome.BudgetExhausted = budgetExhausted

	// Branch completion happens before fan-out: the branch that just
	// finished is removed from the pending count, then each valid
	// mention opens a new one. This is what makes spec.md §8 scenario
	// 3's "pendingBranches peaks at 2" exact for a single step emitting
	// two mentions (1 - 1 + 2 = 2), and lets each enqueued handoff
	// message's "N other teammates still processing" note see the
	// count left by sibling mentions already fanned out in this step.
	c.pendingBranches--

	if !budgetExhausted {
		validated := validateEdges(speakerID, edges, team)
		outcome.FanOut = make([]FanOutItem, 0, len(validated))
		for _, e := range validated {
			c.pendingBranches++
			outcome.FanOut = append(outcome.FanOut, FanOutItem{Edge: e, PendingBranchesAfterIncrement: c.pendingBranches})
		}
	}

	if c.pendingBranches <= 0 {
		outcome.Completed = true
		outcome.Aggregate = append([]protocol.ConversationResponse{}, c.responses...)
		outcome.FileRefs = c.sortedFileRefsLocked()
	}

	return outcome
}

func (c *Conversation) sortedFileRefsLocked() []string {
	refs := make([]string, 0, len(c.fileRefs))
	for f := range c.fileRefs {
		refs = append(refs, f)
	}
	sort.Strings(refs)
	return refs
}

// validateEdges drops invalid or duplicate targets with a warning,
// without failing the step (spec.md §4.4 "Mention extraction").
func validateEdges(speakerID string, edges []protocol.MentionEdge, team protocol.TeamConfig) []protocol.MentionEdge {
	seen := map[string]bool{}
	var out []protocol.MentionEdge
	for _, e := range edges {
		if e.TargetID == speakerID {
			continue
		}
		if !team.HasMember(e.TargetID) {
			continue
		}
		if seen[e.TargetID] {
			continue
		}
		seen[e.TargetID] = true
		out = append(out, e)
	}
	return out
}

// Complete finalizes a completed conversation, joining responses in
// completion order and removing it from the registry. Per spec.md §4.4:
// separator "\n\n------\n\n", each response prefixed "@agentId:" unless
// there is exactly one response.
func (r *Registry) Complete(c *Conversation, outcome StepOutcome) (aggregateText string, fileRefs []string) {
	r.remove(c.ID)

	if len(outcome.Aggregate) == 1 {
		return outcome.Aggregate[0].Text, outcome.FileRefs
	}

	parts := make([]string, len(outcome.Aggregate))
	for i, resp := range outcome.Aggregate {
		parts[i] = fmt.Sprintf("@%s: %s", resp.AgentID, resp.Text)
	}
	return strings.Join(parts, "\n\n------\n\n"), outcome.FileRefs
}

// BuildHandoffMessage synthesizes the body of the internal message
// enqueued for a fan-out edge, per spec.md §4.4's "Fan-out" paragraph.
func BuildHandoffMessage(item FanOutItem) string {
	body := fmt.Sprintf("[Message from teammate @%s]: %s", item.Edge.SpeakerID, item.Edge.DirectedBody)
	if item.PendingBranchesAfterIncrement-1 > 0 {
		body += fmt.Sprintf("\n\n(Note: %d other teammate(s) are still processing; do not re-mention them.)", item.PendingBranchesAfterIncrement-1)
	}
	return body
}
