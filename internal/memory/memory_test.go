package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndScopedSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Append(ctx, Turn{Channel: "cli", SenderID: "u1", AgentID: "a", Role: "user", Text: "hello there"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, Turn{Channel: "cli", SenderID: "u2", AgentID: "a", Role: "user", Text: "unrelated"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	results, err := s.Search(ctx, "cli", "u1", "a", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].SenderID != "u1" {
		t.Fatalf("expected scoped search to return only u1's turn, got %+v", results)
	}
}

func TestSearchGlobalRetryWidensScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Append(ctx, Turn{Channel: "cli", SenderID: "other", AgentID: "b", Role: "assistant", Text: "some fact"})

	scoped, _ := s.Search(ctx, "cli", "u1", "a", "", 10)
	if len(scoped) != 0 {
		t.Fatalf("expected scoped search to be empty, got %+v", scoped)
	}
	global, err := s.SearchGlobal(ctx, "cli", "", 10)
	if err != nil {
		t.Fatalf("SearchGlobal: %v", err)
	}
	if len(global) != 1 {
		t.Fatalf("expected global retry to find the other sender's turn, got %+v", global)
	}
}

func TestDecideGateNever(t *testing.T) {
	v := DecideGate(context.Background(), GateConfig{Mode: GateNever}, "anything", nil)
	if v.Prefetch {
		t.Fatalf("expected never gate to skip")
	}
}

func TestDecideGateAlways(t *testing.T) {
	v := DecideGate(context.Background(), GateConfig{Mode: GateAlways}, "anything", nil)
	if !v.Prefetch {
		t.Fatalf("expected always gate to prefetch")
	}
}

func TestDecideGateRuleForceMatch(t *testing.T) {
	cfg := GateConfig{Mode: GateRule, ForcePatterns: []string{"remember"}, AmbiguityLow: 0.35, AmbiguityHigh: 0.65}
	v := DecideGate(context.Background(), cfg, "do you remember our last chat?", nil)
	if !v.Prefetch || v.Reason != "rule_force" {
		t.Fatalf("expected a force-pattern match to prefetch, got %+v", v)
	}
}

func TestDecideGateRuleForceMatchNotDilutedByUnrelatedSkipPatterns(t *testing.T) {
	cfg := GateConfig{
		Mode:          GateRule,
		ForcePatterns: []string{"urgent"},
		SkipPatterns:  []string{"weather", "sports", "joke"},
		AmbiguityLow:  0.35,
		AmbiguityHigh: 0.65,
	}
	v := DecideGate(context.Background(), cfg, "this is urgent", nil)
	if !v.Prefetch || v.Reason != "rule_force" {
		t.Fatalf("expected a force-pattern match to prefetch regardless of unmatched skip patterns, got %+v", v)
	}
}

func TestDecideGateRuleSkipMatch(t *testing.T) {
	cfg := GateConfig{Mode: GateRule, SkipPatterns: []string{"weather"}, AmbiguityLow: 0.35, AmbiguityHigh: 0.65}
	v := DecideGate(context.Background(), cfg, "what's the weather like", nil)
	if v.Prefetch {
		t.Fatalf("expected a skip-pattern match to skip prefetch, got %+v", v)
	}
}

func TestDecideGateAmbiguousEscalatesToLLMOnlyInRuleThenLLM(t *testing.T) {
	cfg := GateConfig{Mode: GateRule, AmbiguityLow: 0.35, AmbiguityHigh: 0.65}
	v := DecideGate(context.Background(), cfg, "no patterns configured at all", nil)
	if v.Prefetch {
		t.Fatalf("expected ambiguous rule-only gate with no LLM to skip, got %+v", v)
	}

	called := false
	llm := func(ctx context.Context, message string) (bool, string, error) {
		called = true
		return true, "needs context", nil
	}
	cfg.Mode = GateRuleThenLLM
	v2 := DecideGate(context.Background(), cfg, "no patterns configured at all", llm)
	if !called || !v2.Prefetch || v2.Reason != "needs context" {
		t.Fatalf("expected rule_then_llm to escalate and honor the LLM verdict, got %+v", v2)
	}
}

func TestDecideGateLLMErrorDefaultsToNoPrefetch(t *testing.T) {
	cfg := GateConfig{Mode: GateRuleThenLLM, AmbiguityLow: 0.35, AmbiguityHigh: 0.65}
	llm := func(ctx context.Context, message string) (bool, string, error) {
		return true, "", context.DeadlineExceeded
	}
	v := DecideGate(context.Background(), cfg, "ambiguous text", llm)
	if v.Prefetch || v.Reason != "llm_gate_error" {
		t.Fatalf("expected LLM gate error to default to no-prefetch, got %+v", v)
	}
}

func TestParseLLMVerdictMalformedDefaultsToNo(t *testing.T) {
	need, reason := ParseLLMVerdict("not json")
	if need || reason != "malformed_gate_response" {
		t.Fatalf("expected malformed verdict to default to no-prefetch, got need=%v reason=%q", need, reason)
	}
}

func TestAllocateBudgetInsufficientRemaining(t *testing.T) {
	if _, ok := AllocateBudget(400 * time.Millisecond); ok {
		t.Fatalf("expected a tiny remaining budget to be insufficient")
	}
	allowance, ok := AllocateBudget(2 * time.Second)
	if !ok || allowance != 2*time.Second-SafetyMargin {
		t.Fatalf("unexpected allowance: %v ok=%v", allowance, ok)
	}
}

func TestPrefetchSkippedOnInsufficientBudget(t *testing.T) {
	s := newTestStore(t)
	res := Prefetch(context.Background(), s, GateConfig{Mode: GateAlways}, nil, "cli", "u1", "a", "hi", 200*time.Millisecond, 0)
	if res.Enriched || res.Reason != "hook_budget_insufficient" {
		t.Fatalf("expected budget-insufficient skip, got %+v", res)
	}
}

func TestPrefetchHitEnrichesWithFramedBlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Append(ctx, Turn{Channel: "cli", SenderID: "u1", AgentID: "a", Role: "assistant", Text: "your api key is stored in config.go"})

	res := Prefetch(ctx, s, GateConfig{Mode: GateAlways}, nil, "cli", "u1", "a", "where's my key?", 5*time.Second, PrefetchMaxChars)
	if !res.Enriched {
		t.Fatalf("expected a hit, got %+v", res)
	}
	if !strings.Contains(res.Message, openTag) || !strings.Contains(res.Message, closeTag) {
		t.Fatalf("expected framed block tags in result: %q", res.Message)
	}
}

func TestPrefetchNoResultsLeavesMessageUnchanged(t *testing.T) {
	s := newTestStore(t)
	res := Prefetch(context.Background(), s, GateConfig{Mode: GateAlways}, nil, "cli", "u1", "a", "hi", 5*time.Second, PrefetchMaxChars)
	if res.Enriched || res.Reason != "no_results" {
		t.Fatalf("expected no_results skip, got %+v", res)
	}
}

func TestRerankDiscardsLowConfidenceSnippets(t *testing.T) {
	turns := []Turn{
		{Role: "assistant", Text: "I think maybe this is right, not sure"},
		{Role: "assistant", Text: "confirmed: the answer is 42"},
	}
	out := rerank(turns)
	if len(out) != 1 || out[0].Text != "confirmed: the answer is 42" {
		t.Fatalf("expected low-confidence snippet discarded, got %+v", out)
	}
}

func TestStripInjectedContextRemovesFramedBlock(t *testing.T) {
	text := "do the thing\n\n" + openTag + "\n- (user) hi\n" + closeTag
	stripped := StripInjectedContext(text)
	if stripped != "do the thing" {
		t.Fatalf("expected injected block stripped, got %q", stripped)
	}
}

func TestStripInjectedContextNoOpWhenAbsent(t *testing.T) {
	if got := StripInjectedContext("plain text"); got != "plain text" {
		t.Fatalf("expected no-op, got %q", got)
	}
}

func TestFrameRespectsMaxChars(t *testing.T) {
	turns := []Turn{{Role: "user", Text: strings.Repeat("x", 2000)}}
	block := frame(turns, 100)
	if len(block) > 100+1 {
		t.Fatalf("expected frame to respect the character bound, got len=%d", len(block))
	}
	if !strings.Contains(block, openTag) || !strings.Contains(block, closeTag) {
		t.Fatalf("expected frame to always include both tags even when content is dropped")
	}
}
