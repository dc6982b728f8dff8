package citations

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/models"
)

// ErrUnknownCitation is returned when a citation id was never registered.
// A lookup miss here means the caller tried to cite evidence it never
// retrieved, which the assembler treats as an integrity violation.
var ErrUnknownCitation = errors.New("citations: unknown citation id")

// SpanFetcher resolves a document span to its raw content. Implemented by the
// document store; kept as an interface so the registry stays a leaf.
type SpanFetcher interface {
	FetchSpan(ctx context.Context, documentID string, start, end int) (string, error)
}

// Registry is the canonical map from citation handle to document locator.
// Append-only for the lifetime of a query: handles are minted by Register and
// never removed or rewritten, so every component can share it read-only.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]models.Citation
	fetcher SpanFetcher
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. fetcher may be nil in unit tests;
// Resolve then validates structure only.
func NewRegistry(fetcher SpanFetcher, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]models.Citation),
		fetcher: fetcher,
		logger:  logger,
	}
}

// Register mints a citation handle for a document span. This is the only way
// a citation comes into existence.
func (r *Registry) Register(documentID string, page, paragraph, spanStart, spanEnd int, modality models.Modality) (models.Citation, error) {
	if documentID == "" {
		return models.Citation{}, fmt.Errorf("citations: empty document id")
	}
	if spanEnd <= spanStart || spanStart < 0 {
		return models.Citation{}, fmt.Errorf("citations: invalid span [%d,%d)", spanStart, spanEnd)
	}
	c := models.Citation{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		Page:       page,
		Paragraph:  paragraph,
		SpanStart:  spanStart,
		SpanEnd:    spanEnd,
		Modality:   modality,
	}
	r.mu.Lock()
	r.entries[c.ID] = c
	r.mu.Unlock()
	return c, nil
}

// Adopt inserts an already-minted citation under its existing handle.
// Used when an activity lands on a worker that did not mint the handle: the
// fragment carries the full locator, so the handle can be rehydrated without
// breaking append-only semantics. An existing entry is never overwritten.
func (r *Registry) Adopt(c models.Citation) error {
	if c.ID == "" || c.DocumentID == "" {
		return fmt.Errorf("citations: adopt requires id and document id")
	}
	if c.SpanEnd <= c.SpanStart || c.SpanStart < 0 {
		return fmt.Errorf("citations: invalid span [%d,%d)", c.SpanStart, c.SpanEnd)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c.ID]; !ok {
		r.entries[c.ID] = c
	}
	return nil
}

// Narrow mints a citation for a sub-span of an existing citation. Used by the
// locator when it reduces a fragment to its minimal supporting span. The
// offsets are absolute within the document, and must fall inside the parent.
func (r *Registry) Narrow(parentID string, spanStart, spanEnd int) (models.Citation, error) {
	parent, ok := r.Get(parentID)
	if !ok {
		return models.Citation{}, ErrUnknownCitation
	}
	if spanStart < parent.SpanStart || spanEnd > parent.SpanEnd || spanEnd <= spanStart {
		return models.Citation{}, fmt.Errorf("citations: span [%d,%d) outside parent [%d,%d)",
			spanStart, spanEnd, parent.SpanStart, parent.SpanEnd)
	}
	return r.Register(parent.DocumentID, parent.Page, parent.Paragraph, spanStart, spanEnd, parent.Modality)
}

// Get returns the citation for a handle.
func (r *Registry) Get(id string) (models.Citation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[id]
	return c, ok
}

// Has reports whether every given handle is registered.
func (r *Registry) Has(ids ...string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		if _, ok := r.entries[id]; !ok {
			return false
		}
	}
	return true
}

// Len returns the number of registered citations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy of all entries, for embedding into a dossier.
func (r *Registry) Snapshot() map[string]models.Citation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.Citation, len(r.entries))
	for id, c := range r.entries {
		out[id] = c
	}
	return out
}

// Resolve verifies that a citation points at a retrievable span and returns
// the raw content. A citation that cannot be resolved is a dangling citation
// and must not survive into a dossier.
func (r *Registry) Resolve(ctx context.Context, id string) (string, error) {
	c, ok := r.Get(id)
	if !ok {
		return "", ErrUnknownCitation
	}
	if r.fetcher == nil {
		return "", nil
	}
	content, err := r.fetcher.FetchSpan(ctx, c.DocumentID, c.SpanStart, c.SpanEnd)
	if err != nil {
		r.logger.Warn("citation span fetch failed",
			zap.String("citation_id", id),
			zap.String("document_id", c.DocumentID),
			zap.Error(err),
		)
		return "", fmt.Errorf("citations: resolve %s: %w", id, err)
	}
	return content, nil
}
