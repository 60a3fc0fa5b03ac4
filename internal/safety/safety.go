// Package safety implements the rule-based admissibility gate run over every
// generated reply before it is committed. The gate is a pure function so
// stricter implementations can be substituted behind the Gate interface.
package safety

import (
	"strings"
	"unicode"
)

// Reason codes returned by the default gate.
const (
	ReasonEmptyText       = "SAFETY_EMPTY_TEXT"
	ReasonTooLong         = "SAFETY_TEXT_TOO_LONG"
	ReasonRepeatedChars   = "SAFETY_REPEATED_CHARS"
	ReasonSimilarToRecent = "SAFETY_SIMILAR_TO_RECENT_REPLY"
)

// Runs of the same character at or beyond this length are treated as spam.
const repeatedRunLimit = 11

// Context carries the per-check inputs the gate needs beyond the text.
type Context struct {
	PersonaID           string
	RecentReplies       []string
	MaxLength           int
	SimilarityThreshold float64
}

// Result reports the gate's verdict. ReasonCode is empty when allowed.
type Result struct {
	Allowed    bool
	ReasonCode string
	Reason     string
}

// Gate checks whether text is admissible in the given context.
type Gate interface {
	Check(text string, gctx Context) Result
}

// RuleGate is the default rule-based gate.
type RuleGate struct{}

func NewRuleGate() *RuleGate {
	return &RuleGate{}
}

func allow() Result {
	return Result{Allowed: true}
}

func block(code, reason string) Result {
	return Result{Allowed: false, ReasonCode: code, Reason: reason}
}

// Check applies the rules in a fixed order: empty, length, repeated run,
// similarity to recent replies. The first violated rule wins.
func (g *RuleGate) Check(text string, gctx Context) Result {
	if strings.TrimSpace(text) == "" {
		return block(ReasonEmptyText, "reply text is empty")
	}
	if gctx.MaxLength > 0 && len([]rune(text)) > gctx.MaxLength {
		return block(ReasonTooLong, "reply text exceeds the maximum length")
	}
	if hasRepeatedRun(text, repeatedRunLimit) {
		return block(ReasonRepeatedChars, "reply text contains a long repeated character run")
	}

	threshold := gctx.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.9
	}
	candidate := tokenSet(text)
	for _, recent := range gctx.RecentReplies {
		if jaccard(candidate, tokenSet(recent)) >= threshold {
			return block(ReasonSimilarToRecent, "reply text is too similar to a recent reply by this persona")
		}
	}
	return allow()
}

func hasRepeatedRun(text string, limit int) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if r == prev {
			run++
			if run >= limit {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

// tokenSet normalizes text into a lower-cased, punctuation-stripped token
// set with whitespace collapsed.
func tokenSet(text string) map[string]struct{} {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		default:
			return ' '
		}
	}, text)

	set := make(map[string]struct{})
	for _, token := range strings.Fields(cleaned) {
		set[token] = struct{}{}
	}
	return set
}

// jaccard computes token-set similarity. Two empty sets compare equal; an
// empty set against a non-empty one compares to 0.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	intersection := 0
	for token := range small {
		if _, ok := large[token]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// Similarity exposes the gate's token-Jaccard metric for callers that need
// the raw score (e.g. dispatch prechecks).
func Similarity(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}
