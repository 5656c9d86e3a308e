package conversation

import (
	"testing"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

func teamFixture() protocol.TeamConfig {
	return protocol.TeamConfig{ID: "teamA", Name: "Team A", Agents: []string{"a", "b", "c"}, LeaderAgent: "a"}
}

func TestSingleAgentNoMentionsCompletesImmediately(t *testing.T) {
	r := New()
	original := protocol.IncomingMessage{Channel: "cli", MessageID: "m1", Message: "hi"}
	c := r.Create("conv1", protocol.RoutingDecision{TeamID: "teamA"}, original, 50)

	outcome := c.ProcessStep("a", "done", nil, nil, teamFixture())
	if !outcome.Completed {
		t.Fatalf("expected single-step conversation to complete immediately")
	}
	text, _ := r.Complete(c, outcome)
	if text != "done" {
		t.Fatalf("expected single response text unprefixed, got %q", text)
	}
	if _, ok := r.Get("conv1"); ok {
		t.Fatalf("expected conversation removed from registry after completion")
	}
}

func TestLeaderMentionsTeammateFanOutThenDrains(t *testing.T) {
	// Scenario 2: @teamA do X; a replies [@b: continue].
	r := New()
	original := protocol.IncomingMessage{Channel: "cli", MessageID: "m1", Message: "@teamA do X"}
	c := r.Create("conv1", protocol.RoutingDecision{TeamID: "teamA"}, original, 50)

	edges := []protocol.MentionEdge{{SpeakerID: "a", TargetID: "b", DirectedBody: "continue"}}
	outcome := c.ProcessStep("a", "[@b: continue]", edges, nil, teamFixture())
	if outcome.Completed {
		t.Fatalf("expected conversation still pending after fan-out")
	}
	if len(outcome.FanOut) != 1 || outcome.FanOut[0].Edge.TargetID != "b" {
		t.Fatalf("expected fan-out to b, got %+v", outcome.FanOut)
	}

	outcome2 := c.ProcessStep("b", "handled", nil, nil, teamFixture())
	if !outcome2.Completed {
		t.Fatalf("expected conversation complete once b's branch drains")
	}
	text, _ := r.Complete(c, outcome2)
	if text != "@a: [@b: continue]\n\n------\n\n@b: handled" {
		t.Fatalf("unexpected aggregate: %q", text)
	}
}

func TestFanOutToTwoTeammatesPeaksThenDrains(t *testing.T) {
	// Scenario 3: a emits [@b:...] and [@c:...] in the same reply.
	r := New()
	original := protocol.IncomingMessage{Channel: "cli", MessageID: "m1", Message: "@teamA go"}
	c := r.Create("conv1", protocol.RoutingDecision{TeamID: "teamA"}, original, 50)

	edges := []protocol.MentionEdge{
		{SpeakerID: "a", TargetID: "b", DirectedBody: "help 1"},
		{SpeakerID: "a", TargetID: "c", DirectedBody: "help 2"},
	}
	outcome := c.ProcessStep("a", "[@b: help 1][@c: help 2]", edges, nil, teamFixture())
	if outcome.Completed {
		t.Fatalf("expected pending after 2-way fan-out")
	}
	if len(outcome.FanOut) != 2 {
		t.Fatalf("expected 2 fan-out edges, got %d", len(outcome.FanOut))
	}
	// pendingBranches should have peaked at 2 (1 - 1 + 2 = 2).
	if outcome.FanOut[1].PendingBranchesAfterIncrement != 2 {
		t.Fatalf("expected pendingBranches to peak at 2, got %d", outcome.FanOut[1].PendingBranchesAfterIncrement)
	}

	o1 := c.ProcessStep("b", "done b", nil, nil, teamFixture())
	if o1.Completed {
		t.Fatalf("expected still pending after only one of two branches drains")
	}
	o2 := c.ProcessStep("c", "done c", nil, nil, teamFixture())
	if !o2.Completed {
		t.Fatalf("expected completion once both branches drain")
	}
	if len(o2.Aggregate) != 3 {
		t.Fatalf("expected 3 responses (a,b,c), got %d", len(o2.Aggregate))
	}
}

func TestBudgetExhaustionDropsMentionsAndStillDrains(t *testing.T) {
	// Scenario 4: a<->b cycle with messageBudget=5 must terminate.
	r := New()
	original := protocol.IncomingMessage{Channel: "cli", MessageID: "m1", Message: "@teamA cycle"}
	c := r.Create("conv1", protocol.RoutingDecision{TeamID: "teamA"}, original, 5)

	team := teamFixture()
	speaker, target := "a", "b"
	var last StepOutcome
	for i := 0; i < 10; i++ { // far more than the budget allows
		edges := []protocol.MentionEdge{{SpeakerID: speaker, TargetID: target, DirectedBody: "again"}}
		last = c.ProcessStep(speaker, "[@"+target+": again]", edges, nil, team)
		if last.Completed {
			break
		}
		// Enqueue the single fanned-out edge, if any, as the next branch.
		if len(last.FanOut) == 1 {
			speaker, target = target, speaker
		} else {
			t.Fatalf("iteration %d: expected fan-out unless budget exhausted, got %+v", i, last)
		}
	}
	if !last.Completed {
		t.Fatalf("expected conversation to terminate within the budget")
	}
	if len(last.Aggregate) > 5 {
		t.Fatalf("expected at most messageBudget invocations, got %d", len(last.Aggregate))
	}
}

func TestValidateEdgesRejectsSelfNonMemberAndDuplicate(t *testing.T) {
	r := New()
	original := protocol.IncomingMessage{Channel: "cli", MessageID: "m1", Message: "@teamA go"}
	c := r.Create("conv1", protocol.RoutingDecision{TeamID: "teamA"}, original, 50)

	edges := []protocol.MentionEdge{
		{SpeakerID: "a", TargetID: "a", DirectedBody: "self"},       // rejected: self-mention
		{SpeakerID: "a", TargetID: "zzz", DirectedBody: "stranger"}, // rejected: not a team member
		{SpeakerID: "a", TargetID: "b", DirectedBody: "dup1"},
		{SpeakerID: "a", TargetID: "b", DirectedBody: "dup2"}, // rejected: duplicate target
	}
	outcome := c.ProcessStep("a", "...", edges, nil, teamFixture())
	if len(outcome.FanOut) != 1 || outcome.FanOut[0].Edge.TargetID != "b" {
		t.Fatalf("expected only the first valid b edge to survive, got %+v", outcome.FanOut)
	}
}

func TestSendFilesAccumulateIntoFileRefs(t *testing.T) {
	r := New()
	original := protocol.IncomingMessage{Channel: "cli", MessageID: "m1", Message: "hi"}
	c := r.Create("conv1", protocol.RoutingDecision{}, original, 50)
	outcome := c.ProcessStep("a", "here [send_file: /a.txt]", nil, []string{"/a.txt"}, protocol.TeamConfig{})
	if !outcome.Completed {
		t.Fatalf("expected completion")
	}
	if len(outcome.FileRefs) != 1 || outcome.FileRefs[0] != "/a.txt" {
		t.Fatalf("unexpected file refs: %v", outcome.FileRefs)
	}
}
