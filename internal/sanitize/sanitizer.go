// Package sanitize strips instruction-like text from retrieved chunks before
// they cross the trust boundary. The rule set is versioned and independently
// testable so it can be extended without touching the context assembler.
package sanitize

import (
	"regexp"
	"strings"
)

// Match records one removed occurrence of a rule.
type Match struct {
	Rule         string // rule name
	RemovedChars int    // length of the removed text
}

// Sanitizer removes instruction-like content from untrusted text.
// Implementations must be idempotent: sanitizing already-sanitized text is a
// no-op.
type Sanitizer interface {
	// Version identifies the rule set for audit records.
	Version() string
	// Sanitize returns the cleaned text and the list of removals.
	Sanitize(text string) (string, []Match)
}

type rule struct {
	name string
	re   *regexp.Regexp
}

// RuleSet is a regexp-backed Sanitizer.
type RuleSet struct {
	version string
	rules   []rule
}

// Default returns the built-in rule set covering directive phrases, role
// markers, and out-of-band control tokens.
func Default() *RuleSet {
	return &RuleSet{
		version: "v1",
		rules: []rule{
			{name: "ignore_instructions", re: regexp.MustCompile(`(?i)(?:ignore|disregard|forget)\s+(?:all\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|context)`)},
			{name: "role_marker", re: regexp.MustCompile(`(?im)^\s*(?:system|assistant|user)\s*:`)},
			{name: "inline_role_marker", re: regexp.MustCompile(`(?i)\b(?:system|assistant)\s*:\s`)},
			{name: "persona_override", re: regexp.MustCompile(`(?i)you\s+are\s+(?:an?\s+)?(?:ai|llm|language\s+model|helpful\s+assistant)`)},
			{name: "reveal_prompt", re: regexp.MustCompile(`(?i)(?:print|reveal|repeat|show)\s+(?:the\s+|your\s+)?system\s+prompt`)},
			{name: "control_token", re: regexp.MustCompile(`<\|[a-zA-Z_]+\|>|\[INST\]|\[/INST\]|<<SYS>>|<</SYS>>`)},
		},
	}
}

// Version identifies the rule set.
func (r *RuleSet) Version() string {
	return r.version
}

// Sanitize removes every rule match, re-scanning until a fixpoint so that
// removals cannot splice fragments into new matches ("sys" + "tem:", or a
// control token nested inside another). Every pass that matches strictly
// shrinks the text, so the loop terminates within len(text) passes and the
// result matches no rule. The returned matches carry the total characters
// removed per occurrence.
func (r *RuleSet) Sanitize(text string) (string, []Match) {
	var matches []Match
	current := text
	for {
		changed := false
		for _, rl := range r.rules {
			locs := rl.re.FindAllStringIndex(current, -1)
			if len(locs) == 0 {
				continue
			}
			changed = true
			for _, loc := range locs {
				matches = append(matches, Match{Rule: rl.name, RemovedChars: loc[1] - loc[0]})
			}
			current = rl.re.ReplaceAllString(current, "")
		}
		if !changed {
			break
		}
	}
	return collapseWhitespace(current), matches
}

// RemovedChars sums the characters stripped across all matches.
func RemovedChars(matches []Match) int {
	total := 0
	for _, m := range matches {
		total += m.RemovedChars
	}
	return total
}

// collapseWhitespace trims stray runs left behind by removals without
// reflowing untouched text.
func collapseWhitespace(s string) string {
	s = doubleSpace.ReplaceAllString(s, " ")
	s = tripleNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

var (
	doubleSpace   = regexp.MustCompile(`[ \t]{2,}`)
	tripleNewline = regexp.MustCompile(`\n{3,}`)
)
