package memory

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// PrefetchMaxChars is the default bound on injected context text
	// (spec.md §4.5).
	PrefetchMaxChars = 1200
	// SafetyMargin is subtracted from the remaining hook budget before
	// computing prefetch's own time allowance.
	SafetyMargin = 500 * time.Millisecond
	// MinBudget below which prefetch is skipped outright.
	MinBudget = 500 * time.Millisecond

	openTag  = "[OpenViking Retrieved Context]"
	closeTag = "[End OpenViking Context]"
)

var (
	codeLikePattern   = regexp.MustCompile("(?i)```|\\bfunc\\b|\\bclass\\b|;\\s*$")
	affirmativePattern = regexp.MustCompile(`(?i)\b(yes|confirmed|correct|agreed)\b`)
	lowConfidencePattern = regexp.MustCompile(`(?i)\b(not sure|maybe|i think|unclear)\b`)
)

// Result is what MemoryPrefetch hands back to the dispatcher: either an
// enriched message or a skip reason for observability.
type Result struct {
	Enriched bool
	Message  string
	Reason   string
}

// AllocateBudget applies spec.md §4.5's safety-margin rule: if fewer than
// MinBudget remains after subtracting SafetyMargin from the remaining hook
// budget, prefetch must be skipped.
func AllocateBudget(remainingHookBudget time.Duration) (allowance time.Duration, ok bool) {
	allowance = remainingHookBudget - SafetyMargin
	if allowance < MinBudget {
		return 0, false
	}
	return allowance, true
}

// Prefetch ties the gate, retrieval, and reranking together, producing the
// bounded enrichment block spec.md §4.5 describes. It never returns an
// error: any internal failure degrades to Result{Enriched: false}.
func Prefetch(ctx context.Context, store *Store, cfg GateConfig, llm LLMGate, channel, senderID, agentID, message string, remainingHookBudget time.Duration, maxChars int) Result {
	if maxChars <= 0 {
		maxChars = PrefetchMaxChars
	}

	allowance, ok := AllocateBudget(remainingHookBudget)
	if !ok {
		return Result{Reason: "hook_budget_insufficient"}
	}

	verdict := DecideGate(ctx, cfg, message, llm)
	if !verdict.Prefetch {
		return Result{Reason: verdict.Reason}
	}

	pctx, cancel := context.WithTimeout(ctx, allowance)
	defer cancel()

	turns, err := store.Search(pctx, channel, senderID, agentID, "", 10)
	if err != nil {
		slog.Warn("memory: scoped search failed", "error", err)
		return Result{Reason: "retrieval_error"}
	}
	if len(turns) == 0 {
		turns, err = store.SearchGlobal(pctx, channel, "", 10)
		if err != nil {
			slog.Warn("memory: global retry search failed", "error", err)
			return Result{Reason: "retrieval_error"}
		}
	}
	if len(turns) == 0 {
		return Result{Reason: "no_results"}
	}

	snippets := rerank(turns)
	if len(snippets) == 0 {
		return Result{Reason: "low_confidence_discarded"}
	}

	block := frame(snippets, maxChars)
	return Result{Enriched: true, Message: message + "\n\n" + block, Reason: "hit"}
}

type scored struct {
	turn  Turn
	score float64
}

// rerank applies domain bonuses/penalties on top of recency, discarding
// low-confidence snippets (spec.md §4.5).
func rerank(turns []Turn) []Turn {
	scores := make([]scored, 0, len(turns))
	for i, t := range turns {
		if lowConfidencePattern.MatchString(t.Text) {
			continue
		}
		s := float64(len(turns) - i) // recency baseline: earlier in DESC order scores higher
		if codeLikePattern.MatchString(t.Text) {
			s += 2
		}
		if affirmativePattern.MatchString(t.Text) {
			s += 1
		}
		scores = append(scores, scored{turn: t, score: s})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	out := make([]Turn, len(scores))
	for i, s := range scores {
		out[i] = s.turn
	}
	return out
}

// frame renders ranked snippets into the bounded, tagged block, stopping
// before exceeding maxChars.
func frame(turns []Turn, maxChars int) string {
	var b strings.Builder
	b.WriteString(openTag)
	b.WriteString("\n")
	budget := maxChars - len(openTag) - len(closeTag) - 2
	for _, t := range turns {
		line := "- (" + t.Role + ") " + t.Text + "\n"
		if len(line) > budget {
			break
		}
		b.WriteString(line)
		budget -= len(line)
	}
	b.WriteString(closeTag)
	return b.String()
}

// StripInjectedContext removes a previously injected OpenViking block so
// the persisted turn doesn't feed retrieval on its own output (spec.md
// §4.5's anti-feedback guarantee).
func StripInjectedContext(text string) string {
	start := strings.Index(text, openTag)
	if start == -1 {
		return text
	}
	end := strings.Index(text, closeTag)
	if end == -1 || end < start {
		return text
	}
	end += len(closeTag)
	return strings.TrimSpace(text[:start] + text[end:])
}
