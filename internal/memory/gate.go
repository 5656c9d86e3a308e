package memory

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// GateMode selects how MemoryPrefetch decides whether to retrieve at all
// (spec.md §4.5).
type GateMode string

const (
	GateNever       GateMode = "never"
	GateAlways      GateMode = "always"
	GateRule        GateMode = "rule"
	GateRuleThenLLM GateMode = "rule_then_llm"
)

// GateConfig holds the rule-gate pattern lists and ambiguity band.
type GateConfig struct {
	Mode          GateMode
	ForcePatterns []string
	SkipPatterns  []string
	AmbiguityLow  float64
	AmbiguityHigh float64
}

// LLMGate asks a model whether memory is needed, returning the same
// structured contract spec.md §4.5 describes. Implementations should
// default to false on any failure or timeout; the caller doesn't treat an
// LLMGate error as fatal.
type LLMGate func(ctx context.Context, message string) (needMemory bool, reason string, err error)

type llmVerdict struct {
	NeedMemory bool   `json:"needMemory"`
	Reason     string `json:"reason"`
}

// ParseLLMVerdict decodes the structured JSON contract an LLM gate prompt
// is expected to return; a malformed payload is treated as "no."
func ParseLLMVerdict(raw string) (bool, string) {
	var v llmVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return false, "malformed_gate_response"
	}
	return v.NeedMemory, v.Reason
}

// ruleScore scores message against pattern lists on a [0, 1] scale: 1 when
// only force patterns match, 0 when only skip patterns match, and 0.5 when
// nothing matches (the neutral, ambiguous case). The signed force/skip
// difference is normalized by the number of patterns that actually
// matched — not the number configured. Patterns that never match (e.g. an
// unrelated skip list)
// must not dilute a genuine force match toward "ambiguous" (spec.md
// §4.5's force match ⇒ prefetch rule is unconditional).
func ruleScore(message string, force, skip []string) float64 {
	var forceHits, skipHits int
	for _, p := range force {
		if matchPattern(p, message) {
			forceHits++
		}
	}
	for _, p := range skip {
		if matchPattern(p, message) {
			skipHits++
		}
	}
	matched := forceHits + skipHits
	if matched == 0 {
		return 0.5
	}
	score := 0.5 + 0.5*float64(forceHits-skipHits)/float64(matched)
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func matchPattern(pattern, text string) bool {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return strings.Contains(strings.ToLower(text), strings.ToLower(pattern))
	}
	return re.MatchString(text)
}

// Verdict describes the gate's decision and the reason code attached to
// a skipped prefetch for observability (an EventBus payload field).
type Verdict struct {
	Prefetch bool
	Reason   string
}

// DecideGate runs the configured gate mode against message, invoking llm
// only when mode is rule_then_llm and the rule score lands in the
// ambiguous band. llm may be nil when no LLM gate is wired; an ambiguous
// verdict with no LLM gate falls back to no-prefetch.
func DecideGate(ctx context.Context, cfg GateConfig, message string, llm LLMGate) Verdict {
	switch cfg.Mode {
	case GateNever:
		return Verdict{Prefetch: false, Reason: "gate_never"}
	case GateAlways:
		return Verdict{Prefetch: true, Reason: "gate_always"}
	case GateRule, GateRuleThenLLM:
		score := ruleScore(message, cfg.ForcePatterns, cfg.SkipPatterns)
		switch {
		case score > cfg.AmbiguityHigh:
			return Verdict{Prefetch: true, Reason: "rule_force"}
		case score < cfg.AmbiguityLow:
			return Verdict{Prefetch: false, Reason: "rule_skip"}
		default:
			if cfg.Mode != GateRuleThenLLM || llm == nil {
				return Verdict{Prefetch: false, Reason: "rule_ambiguous_no_llm"}
			}
			need, reason, err := llm(ctx, message)
			if err != nil {
				return Verdict{Prefetch: false, Reason: "llm_gate_error"}
			}
			if reason == "" {
				reason = "llm_gate"
			}
			return Verdict{Prefetch: need, Reason: reason}
		}
	default:
		return Verdict{Prefetch: false, Reason: "unknown_gate_mode"}
	}
}
