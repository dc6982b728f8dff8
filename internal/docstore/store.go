package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrDocumentNotFound is returned when a document id resolves to nothing.
	ErrDocumentNotFound = errors.New("docstore: document not found")
	// ErrSpanOutOfRange is returned when a requested span falls outside the
	// stored text. A span that no longer resolves usually means the document
	// was re-ingested after the citation was minted.
	ErrSpanOutOfRange = errors.New("docstore: span out of range")
)

// Config for the canonical document store.
type Config struct {
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime"`
}

// Document is a row of the canonical document table.
type Document struct {
	ID           string    `db:"id"`
	CaseID       string    `db:"case_id"`
	Title        string    `db:"title"`
	DocumentDate time.Time `db:"document_date"`
	IngestedAt   time.Time `db:"ingested_at"`
	Text         string    `db:"text"`
	Modality     string    `db:"modality"`
}

// Chunk is an ingested slice of a document, the retrieval unit shared by the
// semantic and keyword indexes.
type Chunk struct {
	ID           string    `db:"id"`
	CaseID       string    `db:"case_id"`
	DocumentID   string    `db:"document_id"`
	DocumentDate time.Time `db:"document_date"`
	Page         int       `db:"page"`
	Paragraph    int       `db:"paragraph"`
	SpanStart    int       `db:"span_start"`
	SpanEnd      int       `db:"span_end"`
	Modality     string    `db:"modality"`
	Text         string    `db:"text"`
}

// Store reads canonical document text from Postgres. It implements
// citations.SpanFetcher.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to the document database.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("docstore: connect: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FetchSpan returns the exact character span of a document's canonical text.
// Spans are rune offsets so that citations survive multibyte content.
func (s *Store) FetchSpan(ctx context.Context, documentID string, start, end int) (string, error) {
	var text string
	err := s.db.GetContext(ctx, &text, "SELECT text FROM documents WHERE id = $1", documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return "", fmt.Errorf("docstore: fetch span for %s: %w", documentID, err)
	}

	runes := []rune(text)
	if start < 0 || end > len(runes) || start >= end {
		return "", fmt.Errorf("%w: %s [%d:%d) of %d", ErrSpanOutOfRange, documentID, start, end, len(runes))
	}
	return string(runes[start:end]), nil
}

// GetDocument fetches document metadata without the full text body.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	var doc Document
	err := s.db.GetContext(ctx, &doc,
		"SELECT id, case_id, title, document_date, ingested_at, modality FROM documents WHERE id = $1", documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get document %s: %w", documentID, err)
	}
	return &doc, nil
}

// ListChunks returns every ingested chunk for a case, ordered by document and
// position. The keyword index rebuilds its corpus from this.
func (s *Store) ListChunks(ctx context.Context, caseID string) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.SelectContext(ctx, &chunks,
		`SELECT id, case_id, document_id, document_date, page, paragraph, span_start, span_end, modality, text
		 FROM chunks WHERE case_id = $1 ORDER BY document_id, span_start`, caseID)
	if err != nil {
		return nil, fmt.Errorf("docstore: list chunks for case %s: %w", caseID, err)
	}
	return chunks, nil
}

// StaleSince reports whether a document was re-ingested after the given
// moment, which invalidates citations minted before the re-ingest.
func (s *Store) StaleSince(ctx context.Context, documentID string, mintedAt time.Time) (bool, error) {
	var ingestedAt time.Time
	err := s.db.GetContext(ctx, &ingestedAt,
		"SELECT ingested_at FROM documents WHERE id = $1", documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return false, fmt.Errorf("docstore: staleness check for %s: %w", documentID, err)
	}
	stale := ingestedAt.After(mintedAt)
	if stale {
		s.logger.Warn("document re-ingested after citation minting",
			zap.String("document_id", documentID),
			zap.Time("ingested_at", ingestedAt),
			zap.Time("minted_at", mintedAt))
	}
	return stale, nil
}
