// Package ingest loads manuals into the storage collaborator: PDF or plain
// text in, versioned documents with embedded chunks out. The query pipeline
// never touches this path; it consumes storage only through the hybrid query
// contract.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/pharris0330/onprem-rag/internal/storage"
)

const (
	defaultChunkChars   = 1800
	defaultChunkOverlap = 200

	// maxPageChars guards against scanned-garbage pages polluting the corpus.
	maxPageChars = 20000
)

// Embedder generates embeddings for chunk batches.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// DocStore is the storage surface ingestion writes to.
type DocStore interface {
	SaveDocument(doc storage.Document) error
	SaveChunks(chunks []storage.Chunk, embeddings [][]float32) error
}

// Summary reports what one ingestion run produced.
type Summary struct {
	DocumentID string
	Pages      int
	Chunks     int
	Skipped    int // duplicate chunks dropped by the text-hash guard
}

// Ingestor extracts, chunks, embeds, and stores documents.
type Ingestor struct {
	store    DocStore
	embedder Embedder
	splitter textsplitter.RecursiveCharacter
	logger   zerolog.Logger
}

// New creates an Ingestor. chunkChars/chunkOverlap <= 0 fall back to the
// defaults (1800/200 characters).
func New(store DocStore, embedder Embedder, chunkChars, chunkOverlap int, logger zerolog.Logger) *Ingestor {
	if chunkChars <= 0 {
		chunkChars = defaultChunkChars
	}
	if chunkOverlap <= 0 {
		chunkOverlap = defaultChunkOverlap
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkChars),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)
	return &Ingestor{store: store, embedder: embedder, splitter: splitter, logger: logger}
}

// page is one extracted page of source text.
type page struct {
	number int
	text   string
}

// IngestFile extracts text from a PDF or plain-text file, chunks it, embeds
// every chunk, and stores the document under the given version label.
func (in *Ingestor) IngestFile(ctx context.Context, path, source, version string) (Summary, error) {
	var (
		pages []page
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		pages, err = extractPDF(path)
	case ".txt", ".md":
		pages, err = extractText(path)
	default:
		return Summary{}, fmt.Errorf("unsupported file format: %s", filepath.Ext(path))
	}
	if err != nil {
		return Summary{}, fmt.Errorf("extracting %s: %w", path, err)
	}
	if len(pages) == 0 {
		return Summary{}, fmt.Errorf("no extractable text in %s (scanned PDFs need OCR, which is not supported)", path)
	}

	doc := storage.Document{
		ID:        uuid.New().String(),
		Source:    source,
		Version:   version,
		CreatedAt: time.Now().UTC(),
	}

	var (
		chunks  []storage.Chunk
		texts   []string
		seen    = make(map[string]bool)
		skipped int
		index   int
	)
	for _, p := range pages {
		parts, err := in.splitter.SplitText(p.text)
		if err != nil {
			return Summary{}, fmt.Errorf("splitting page %d: %w", p.number, err)
		}
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			sum := sha256.Sum256([]byte(part))
			hash := hex.EncodeToString(sum[:])
			if seen[hash] {
				skipped++
				continue
			}
			seen[hash] = true

			chunks = append(chunks, storage.Chunk{
				ID:         uuid.New().String(),
				DocumentID: doc.ID,
				ChunkIndex: index,
				PageStart:  p.number,
				PageEnd:    p.number,
				Section:    fmt.Sprintf("Page %d", p.number),
				Text:       part,
				TextHash:   hash,
			})
			texts = append(texts, part)
			index++
		}
	}

	if len(chunks) == 0 {
		return Summary{}, fmt.Errorf("no usable chunks in %s", path)
	}

	embeddings, err := in.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return Summary{}, fmt.Errorf("embedding chunks: %w", err)
	}

	if err := in.store.SaveDocument(doc); err != nil {
		return Summary{}, fmt.Errorf("saving document: %w", err)
	}
	if err := in.store.SaveChunks(chunks, embeddings); err != nil {
		return Summary{}, fmt.Errorf("saving chunks: %w", err)
	}

	in.logger.Info().
		Str("document_id", doc.ID).
		Str("source", source).
		Str("version", version).
		Int("pages", len(pages)).
		Int("chunks", len(chunks)).
		Int("skipped", skipped).
		Msg("document ingested")

	return Summary{DocumentID: doc.ID, Pages: len(pages), Chunks: len(chunks), Skipped: skipped}, nil
}

// extractPDF pulls plain text per page.
func extractPDF(path string) ([]page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	var pages []page
	for i := 1; i <= reader.NumPage(); i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			continue
		}
		raw, err := p.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the whole manual.
			continue
		}
		text := cleanPage(raw)
		if text == "" {
			continue
		}
		pages = append(pages, page{number: i, text: text})
	}
	return pages, nil
}

// extractText treats the whole file as a single page.
func extractText(path string) ([]page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := cleanPage(string(data))
	if text == "" {
		return nil, nil
	}
	return []page{{number: 1, text: text}}, nil
}

var (
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
	bareNumber  = regexp.MustCompile(`^\d+$`)
)

// cleanPage normalizes whitespace, drops bare page-number lines and trivial
// header/footer fragments, and caps runaway pages.
func cleanPage(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = spaceRuns.ReplaceAllString(text, " ")
	text = newlineRuns.ReplaceAllString(text, "\n\n")

	var lines []string
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(ln)
		if bareNumber.MatchString(ln) || len(ln) <= 2 {
			continue
		}
		lines = append(lines, ln)
	}
	cleaned := strings.TrimSpace(strings.Join(lines, "\n"))
	if len(cleaned) > maxPageChars {
		// Back up to a rune boundary so the stored text stays valid UTF-8.
		cut := maxPageChars
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned
}
