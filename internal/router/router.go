// Package router resolves one IncomingMessage to an agent, implementing
// spec.md §4.2.
package router

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

// prefixPattern strips an optional bracketed channel prefix, e.g.
// "[telegram/alice]: hello" → "hello".
var prefixPattern = regexp.MustCompile(`^\[[^\]]*\]:\s*`)

// mentionPattern matches a single leading @token mention; resolveMention
// applies it again to the remainder to detect the "multiple top-level
// @mentions" malformed case (spec.md §4.2 point 4).
var mentionPattern = regexp.MustCompile(`^@([A-Za-z0-9_\-]+)\b`)

// Snapshot is the read-only view of agents/teams the router resolves
// against, taken once per dispatch iteration (spec.md §3 ownership
// model: "Agents and teams are read-only snapshots").
type Snapshot struct {
	Agents map[string]protocol.AgentConfig
	Teams  map[string]protocol.TeamConfig
}

// Resolve implements spec.md §4.2's four-step resolution order.
func Resolve(msg protocol.IncomingMessage, snap Snapshot) protocol.RoutingDecision {
	// Step 1: a pre-routed agent ID from the source (internal handoff or
	// channel-side routing) wins outright when it names a known agent.
	if msg.Agent != "" {
		if _, ok := snap.Agents[msg.Agent]; ok {
			return protocol.RoutingDecision{AgentID: msg.Agent, Body: msg.Message}
		}
	}

	body := prefixPattern.ReplaceAllString(msg.Message, "")

	if decision, matched := resolveMention(body, snap); matched {
		return decision
	}

	// Step 3: fall back to "default", else the first configured agent.
	if _, ok := snap.Agents["default"]; ok {
		return protocol.RoutingDecision{AgentID: "default", Body: body}
	}
	if ids := sortedAgentIDs(snap.Agents); len(ids) > 0 {
		return protocol.RoutingDecision{AgentID: ids[0], Body: body}
	}
	return protocol.RoutingDecision{}
}

// resolveMention extracts and resolves a single leading @token, applying
// tie-breaks: agent-ID match wins over team-ID match; ID match wins over
// name match; first hit wins on name collisions (spec.md §4.2).
func resolveMention(body string, snap Snapshot) (protocol.RoutingDecision, bool) {
	trimmed := strings.TrimLeft(body, " \t")
	if !strings.HasPrefix(trimmed, "@") {
		return protocol.RoutingDecision{}, false
	}

	m := mentionPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return protocol.RoutingDecision{}, false
	}
	token := m[1]
	rest := strings.TrimLeft(trimmed[len(m[0]):], " \t")

	// Detect a second top-level @mention immediately following — the
	// "multi-agent routing not supported" malformed case.
	if mentionPattern.MatchString(rest) {
		return protocol.RoutingDecision{Ambiguous: true}, true
	}

	lowerToken := strings.ToLower(token)

	agentIDs := sortedAgentIDs(snap.Agents)
	teamIDs := sortedTeamIDs(snap.Teams)

	// Exact agent ID (case-insensitive).
	for _, id := range agentIDs {
		if strings.ToLower(id) == lowerToken {
			return protocol.RoutingDecision{AgentID: id, Body: rest}, true
		}
	}
	// Exact team ID → leader.
	for _, id := range teamIDs {
		if strings.ToLower(id) == lowerToken {
			team := snap.Teams[id]
			return protocol.RoutingDecision{
				AgentID: team.LeaderAgent, Body: rest,
				IsTeamLeaderRoute: true, TeamID: id,
			}, true
		}
	}
	// Agent display name (case-insensitive), first hit wins — "first" is
	// defined over a stable, sorted-by-ID iteration so the tie-break is
	// deterministic rather than dependent on Go's randomized map order.
	for _, id := range agentIDs {
		if strings.ToLower(snap.Agents[id].Name) == lowerToken {
			return protocol.RoutingDecision{AgentID: id, Body: rest}, true
		}
	}
	// Team display name (case-insensitive), first hit wins.
	for _, id := range teamIDs {
		team := snap.Teams[id]
		if strings.ToLower(team.Name) == lowerToken {
			return protocol.RoutingDecision{
				AgentID: team.LeaderAgent, Body: rest,
				IsTeamLeaderRoute: true, TeamID: id,
			}, true
		}
	}

	return protocol.RoutingDecision{}, false
}

func sortedAgentIDs(agents map[string]protocol.AgentConfig) []string {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedTeamIDs(teams map[string]protocol.TeamConfig) []string {
	ids := make([]string, 0, len(teams))
	for id := range teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
