package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is an ingested manual registered under an explicit version label.
type Document struct {
	ID        string
	Source    string
	Version   string
	CreatedAt time.Time
}

// Chunk is one retrievable fragment of a document. Text and TextHash are
// produced at ingest time; the embedding lives in the vec_chunks virtual
// table keyed by the same ID.
type Chunk struct {
	ID         string
	DocumentID string
	ChunkIndex int
	PageStart  int
	PageEnd    int
	Section    string
	Text       string
	TextHash   string
}

// SearchHit is one row of the hybrid query: a chunk joined with its owning
// document and annotated with a cosine similarity score in [0, 1].
type SearchHit struct {
	Chunk
	DocumentSource  string
	DocumentVersion string
	Score           float64
}
