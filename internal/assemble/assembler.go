// Package assemble turns score-filtered chunks into the trusted context that
// crosses over to the model: structurally ordered, sanitized, framed with
// system-generated provenance headers, and capped in size.
package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pharris0330/onprem-rag/internal/retrieval"
	"github.com/pharris0330/onprem-rag/internal/sanitize"
)

// ErrOverflow reports that the assembled context would exceed the size cap
// in strict mode, where truncation is not allowed.
var ErrOverflow = errors.New("assembled context exceeds size cap")

// Excerpt is one sanitized chunk with its provenance frame. The header is
// generated by the system, never copied from untrusted text, and is exempt
// from sanitization.
type Excerpt struct {
	ChunkID    string
	DocumentID string
	Source     string
	Section    string
	PageStart  int
	PageEnd    int
	Header     string
	Text       string // sanitized chunk text
}

// Context is the assembled, trusted evidence. Invariants: TotalChars <=
// the configured cap, no excerpt matches a sanitization rule, and excerpt
// order is deterministic for identical inputs.
type Context struct {
	Excerpts         []Excerpt
	TotalChars       int
	Hash             string // SHA-256 of the rendered text, for audit
	Truncated        bool   // non-strict mode dropped tail chunks
	DroppedChunks    int    // chunks dropped by truncation or emptied by sanitization
	Matches          []sanitize.Match
	InjectionDensity float64 // stripped chars / original chars, across all inputs
}

// Assembler builds Contexts with a fixed sanitizer and size cap.
type Assembler struct {
	sanitizer sanitize.Sanitizer
	maxChars  int
}

// New creates an Assembler enforcing maxChars as the context size cap.
// Size is measured in characters of the rendered context string.
func New(sanitizer sanitize.Sanitizer, maxChars int) *Assembler {
	return &Assembler{sanitizer: sanitizer, maxChars: maxChars}
}

// Assemble produces the trusted context from chunks that passed pre-gen
// guardrails. In strict mode exceeding the cap returns ErrOverflow; otherwise
// chunks are dropped from the tail of the structural ordering until the cap
// holds. Sanitization always runs before size accounting, so stripped
// content never counts toward the cap.
func (a *Assembler) Assemble(chunks []retrieval.ScoredChunk, strict bool) (Context, error) {
	ordered := make([]retrieval.ScoredChunk, len(chunks))
	copy(ordered, chunks)

	// Structural order, not similarity order: the evidence should read as the
	// document does. Similarity already had its say at inclusion time.
	// ChunkIndex is monotonic across a document, so it orders excerpts the
	// way the source reads; section labels are display text ("Page 10" sorts
	// before "Page 2") and must not drive the order.
	sort.SliceStable(ordered, func(i, j int) bool {
		x, y := ordered[i], ordered[j]
		if x.DocumentID != y.DocumentID {
			return x.DocumentID < y.DocumentID
		}
		return x.ChunkIndex < y.ChunkIndex
	})

	var (
		ctx           Context
		originalChars int
		strippedChars int
	)

	type framed struct {
		excerpt Excerpt
		size    int
	}
	var blocks []framed

	for _, c := range ordered {
		originalChars += len(c.Text)
		clean, matches := a.sanitizer.Sanitize(c.Text)
		strippedChars += sanitize.RemovedChars(matches)
		ctx.Matches = append(ctx.Matches, matches...)

		if clean == "" {
			// Nothing left after stripping; the chunk carried only
			// instruction-like content.
			ctx.DroppedChunks++
			continue
		}

		header := provenanceHeader(c)
		blocks = append(blocks, framed{
			excerpt: Excerpt{
				ChunkID:    c.ChunkID,
				DocumentID: c.DocumentID,
				Source:     c.Source,
				Section:    c.Section,
				PageStart:  c.PageStart,
				PageEnd:    c.PageEnd,
				Header:     header,
				Text:       clean,
			},
			size: len(header) + len(clean) + blockFramingChars,
		})
	}

	if originalChars > 0 {
		ctx.InjectionDensity = float64(strippedChars) / float64(originalChars)
	}

	total := 0
	for i, b := range blocks {
		if total+b.size > a.maxChars {
			if strict {
				need := 0
				for _, fb := range blocks {
					need += fb.size
				}
				return Context{}, fmt.Errorf("%w: need %d chars, cap %d", ErrOverflow, need, a.maxChars)
			}
			// Drop this block and everything after it (tail of the
			// structural ordering).
			ctx.Truncated = true
			ctx.DroppedChunks += len(blocks) - i
			break
		}
		total += b.size
		ctx.Excerpts = append(ctx.Excerpts, b.excerpt)
	}
	ctx.TotalChars = total

	sum := sha256.Sum256([]byte(ctx.Render()))
	ctx.Hash = hex.EncodeToString(sum[:])

	return ctx, nil
}

// blockFramingChars is the per-excerpt rendering overhead: the newline after
// the header and the blank line after the text.
const blockFramingChars = 3

// Render returns the context exactly as it is sent to the model.
func (c Context) Render() string {
	var sb strings.Builder
	for _, e := range c.Excerpts {
		sb.WriteString(e.Header)
		sb.WriteByte('\n')
		sb.WriteString(e.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// ChunkIDs returns the set of chunk identifiers included in the context.
func (c Context) ChunkIDs() map[string]bool {
	ids := make(map[string]bool, len(c.Excerpts))
	for _, e := range c.Excerpts {
		ids[e.ChunkID] = true
	}
	return ids
}

// provenanceHeader frames an excerpt with its origin and the identifier the
// model must use to cite it.
func provenanceHeader(c retrieval.ScoredChunk) string {
	pages := fmt.Sprintf("p%d", c.PageStart)
	if c.PageEnd > c.PageStart {
		pages = fmt.Sprintf("p%d-%d", c.PageStart, c.PageEnd)
	}
	section := c.Section
	if section == "" {
		section = "unknown section"
	}
	return fmt.Sprintf("[%s | %s | %s | doc:%s]", c.Source, section, pages, c.ChunkID)
}
