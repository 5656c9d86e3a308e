package router

import (
	"testing"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

func snapshotFixture() Snapshot {
	return Snapshot{
		Agents: map[string]protocol.AgentConfig{
			"default": {ID: "default", Name: "Default"},
			"a":       {ID: "a", Name: "Alice"},
			"b":       {ID: "b", Name: "Bob"},
		},
		Teams: map[string]protocol.TeamConfig{
			"teamA": {ID: "teamA", Name: "Team A", Agents: []string{"a", "b"}, LeaderAgent: "a"},
		},
	}
}

func TestResolvePreRoutedAgentWins(t *testing.T) {
	msg := protocol.IncomingMessage{Agent: "b", Message: "@a hello"}
	d := Resolve(msg, snapshotFixture())
	if d.AgentID != "b" {
		t.Fatalf("expected pre-routed agent b to win, got %q", d.AgentID)
	}
	if d.Body != "@a hello" {
		t.Fatalf("expected body unchanged when pre-routed, got %q", d.Body)
	}
}

func TestResolveMentionByAgentID(t *testing.T) {
	d := Resolve(protocol.IncomingMessage{Message: "@a do the thing"}, snapshotFixture())
	if d.AgentID != "a" || d.Body != "do the thing" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestResolveMentionByTeamIDRoutesToLeader(t *testing.T) {
	d := Resolve(protocol.IncomingMessage{Message: "@teamA do X"}, snapshotFixture())
	if d.AgentID != "a" || !d.IsTeamLeaderRoute || d.TeamID != "teamA" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.Body != "do X" {
		t.Fatalf("expected prefix stripped, got %q", d.Body)
	}
}

func TestResolveMentionByDisplayNameCaseInsensitive(t *testing.T) {
	d := Resolve(protocol.IncomingMessage{Message: "@ALICE hi"}, snapshotFixture())
	if d.AgentID != "a" {
		t.Fatalf("expected display name match to resolve to agent a, got %+v", d)
	}
}

func TestResolveStripsChannelPrefix(t *testing.T) {
	d := Resolve(protocol.IncomingMessage{Message: "[telegram/alice]: @b hello"}, snapshotFixture())
	if d.AgentID != "b" || d.Body != "hello" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	d := Resolve(protocol.IncomingMessage{Message: "hi there"}, snapshotFixture())
	if d.AgentID != "default" {
		t.Fatalf("expected fallback to default, got %+v", d)
	}
}

func TestResolveMultiMentionIsAmbiguous(t *testing.T) {
	d := Resolve(protocol.IncomingMessage{Message: "@a @b hello"}, snapshotFixture())
	if !d.Ambiguous {
		t.Fatalf("expected multi-mention to be flagged ambiguous, got %+v", d)
	}
}

func TestResolveRoundTripsWithPreRoutedAgentField(t *testing.T) {
	// spec.md §8 round-trip law: routing "@a hi" via body prefix produces
	// the same (id, stripped) pair as routing via messageData.agent = "a".
	byPrefix := Resolve(protocol.IncomingMessage{Message: "@a hi"}, snapshotFixture())
	byField := Resolve(protocol.IncomingMessage{Agent: "a", Message: "hi"}, snapshotFixture())
	if byPrefix.AgentID != byField.AgentID || byPrefix.Body != byField.Body {
		t.Fatalf("expected matching routes, got %+v vs %+v", byPrefix, byField)
	}
}
