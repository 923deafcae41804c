// Package storage is the retrieval collaborator: a SQLite database holding
// ingested documents, their chunks, chunk embeddings (sqlite-vec), and the
// append-only audit log.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for documents, chunks,
// embeddings, and audit records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "onprem-rag.db")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for collaborators that need raw SQL.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Documents and chunks ---

// SaveDocument registers an ingested document.
func (s *Store) SaveDocument(doc Document) error {
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, source, version, created_at)
		VALUES (?, ?, ?, ?)`,
		doc.ID, doc.Source, doc.Version, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetDocument returns a document by ID.
func (s *Store) GetDocument(id string) (Document, error) {
	var d Document
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, source, version, created_at FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Source, &d.Version, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	return d, nil
}

// ListDocuments returns registered documents, newest first.
func (s *Store) ListDocuments(limit int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, source, version, created_at
		FROM documents ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Source, &d.Version, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SaveChunks inserts chunks and their embeddings in one transaction.
// Each embedding must have the same dimension; the vec_chunks virtual table
// is created on first insert once the dimension is known.
func (s *Store) SaveChunks(chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := s.ensureVecTable(len(embeddings[0])); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	chunkStmt, err := tx.Prepare(`
		INSERT INTO chunks (id, document_id, chunk_index, page_start, page_end, section, text, text_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer chunkStmt.Close()

	vecStmt, err := tx.Prepare(`INSERT INTO vec_chunks (id, embedding) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing vector insert: %w", err)
	}
	defer vecStmt.Close()

	for i, c := range chunks {
		if _, err := chunkStmt.Exec(c.ID, c.DocumentID, c.ChunkIndex, c.PageStart, c.PageEnd, c.Section, c.Text, c.TextHash); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
		if _, err := vecStmt.Exec(c.ID, encodeFloat32s(embeddings[i])); err != nil {
			return fmt.Errorf("inserting vector for chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// ensureVecTable creates the vec_chunks virtual table once the embedding
// dimension is known. Idempotent.
func (s *Store) ensureVecTable(dim int) error {
	var exists int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='vec_chunks'",
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking vec_chunks existence: %w", err)
	}
	if exists > 0 {
		return nil
	}

	query := fmt.Sprintf(`CREATE VIRTUAL TABLE vec_chunks USING vec0(
		id TEXT PRIMARY KEY,
		embedding FLOAT[%d] distance_metric=cosine
	)`, dim)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("creating vec_chunks table: %w", err)
	}
	return nil
}

// CountChunks returns the number of stored chunks.
func (s *Store) CountChunks() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&count)
	return count, err
}

// CountDocuments returns the number of stored documents.
func (s *Store) CountDocuments() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&count)
	return count, err
}

// --- Hybrid search ---

// HybridSearch runs KNN vector search joined with the relational metadata in
// a single query. When version is non-empty only chunks of matching
// documents are considered; sqlite-vec distances are converted to cosine
// similarity scores (1 - distance) and rows come back ordered best first.
func (s *Store) HybridSearch(ctx context.Context, embedding []float32, version string, maxCandidates int) ([]SearchHit, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='vec_chunks'",
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking vec_chunks existence: %w", err)
	}
	if exists == 0 {
		return nil, nil
	}

	query := `
		SELECT c.id, c.document_id, c.chunk_index, c.page_start, c.page_end,
		       c.section, c.text, c.text_hash, d.source, d.version, v.distance
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ?`
	args := []interface{}{encodeFloat32s(embedding), maxCandidates}
	if version != "" {
		query += ` AND d.version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY v.distance`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var distance float64
		if err := rows.Scan(&h.ID, &h.DocumentID, &h.ChunkIndex, &h.PageStart, &h.PageEnd,
			&h.Section, &h.Text, &h.TextHash, &h.DocumentSource, &h.DocumentVersion, &distance); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		h.Score = 1 - distance
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// --- Audit log ---

// AppendAudit durably appends one audit record. Each append is a single
// atomic INSERT, safe under concurrent pipeline executions.
func (s *Store) AppendAudit(requestID, stage string, recordedAt time.Time, fieldsJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (request_id, stage, recorded_at, fields_json)
		VALUES (?, ?, ?, ?)`,
		requestID, stage, recordedAt.UTC().Format(time.RFC3339Nano), fieldsJSON,
	)
	return err
}

// AuditRow is one persisted audit record.
type AuditRow struct {
	Seq        int64
	RequestID  string
	Stage      string
	RecordedAt time.Time
	FieldsJSON string
}

// AuditTrail returns all audit records for a request in append order.
func (s *Store) AuditTrail(requestID string) ([]AuditRow, error) {
	rows, err := s.db.Query(`
		SELECT seq, request_id, stage, recorded_at, fields_json
		FROM audit_log WHERE request_id = ? ORDER BY seq ASC`, requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trail []AuditRow
	for rows.Next() {
		var r AuditRow
		var recordedAt string
		if err := rows.Scan(&r.Seq, &r.RequestID, &r.Stage, &recordedAt, &r.FieldsJSON); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		r.RecordedAt = t
		trail = append(trail, r)
	}
	return trail, rows.Err()
}

// encodeFloat32s serializes a float32 slice to the little-endian byte format
// sqlite-vec expects.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
