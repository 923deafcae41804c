package guardrail

import (
	"regexp"
	"strings"
)

// citationPattern matches the inline citation syntax the prompt contract
// requires the model to produce: [doc:<chunk_id>].
var citationPattern = regexp.MustCompile(`\[doc:([A-Za-z0-9\-]+)\]`)

// Citation resolves an answer reference to a chunk included in the context.
type Citation struct {
	ChunkID string
}

// ExtractCitations returns the chunk IDs cited in the answer, de-duplicated
// in order of first appearance.
func ExtractCitations(answer string) []string {
	matches := citationPattern.FindAllStringSubmatch(answer, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var ids []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}

// ResolveCitations converts cited IDs into Citation values. Caller must have
// validated membership via PostGenerate first.
func ResolveCitations(ids []string) []Citation {
	citations := make([]Citation, len(ids))
	for i, id := range ids {
		citations[i] = Citation{ChunkID: id}
	}
	return citations
}

// everyClaimCited implements the "all" citation policy: every sentence that
// states something must carry at least one citation marker. Sentences are
// split naively on terminal punctuation; short connective fragments are
// ignored.
func everyClaimCited(answer string) bool {
	for _, sentence := range splitSentences(answer) {
		if len(sentence) < 20 {
			// Too short to be a standalone claim.
			continue
		}
		if !citationPattern.MatchString(sentence) {
			return false
		}
	}
	return true
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
