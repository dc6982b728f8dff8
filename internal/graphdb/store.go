package graphdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	ometrics "github.com/verity-labs/dossier/internal/metrics"
)

// Store is the graph/relational index adapter. The ingestion pipeline writes
// extracted entities and relations here; the core only reads. SQLite keeps
// the adapter embeddable, but anything answering Traverse/Query is
// interchangeable.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Config for the graph index.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Path     string `mapstructure:"path"`
	MaxDepth int    `mapstructure:"max_depth"`
}

// TraversalHit is one relation edge reached from the seed entity, with the
// document locator that evidences the relation.
type TraversalHit struct {
	EntityPath   []string
	Relation     string
	DocumentID   string
	DocumentDate time.Time
	Page         int
	Paragraph    int
	SpanStart    int
	SpanEnd      int
	Modality     string
	Snippet      string
}

// Filters scopes traversal to a case and optional date window.
type Filters struct {
	CaseID string
	From   *time.Time
	To     *time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS edges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id TEXT NOT NULL,
	src TEXT NOT NULL,
	relation TEXT NOT NULL,
	dst TEXT NOT NULL,
	document_id TEXT NOT NULL,
	document_date TIMESTAMP,
	page INTEGER NOT NULL DEFAULT 0,
	paragraph INTEGER NOT NULL DEFAULT 0,
	span_start INTEGER NOT NULL DEFAULT 0,
	span_end INTEGER NOT NULL DEFAULT 0,
	modality TEXT NOT NULL DEFAULT 'text',
	snippet TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_edges_case_src ON edges(case_id, src);
CREATE INDEX IF NOT EXISTS idx_edges_case_dst ON edges(case_id, dst);
`

// Open opens (or creates) the index database.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.Path
	if path == "" {
		path = "graph_index.db"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("graphdb: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("graphdb: init schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports reachability for health checks and degradation decisions.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AddEdge inserts a relation edge. Used by ingestion and by tests.
func (s *Store) AddEdge(ctx context.Context, caseID, src, relation, dst, documentID string, documentDate time.Time, page, paragraph, spanStart, spanEnd int, modality, snippet string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO edges (case_id, src, relation, dst, document_id, document_date, page, paragraph, span_start, span_end, modality, snippet)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		caseID, src, relation, dst, documentID, documentDate, page, paragraph, spanStart, spanEnd, modality, snippet)
	return err
}

// Traverse walks relation edges outward from entity, breadth-first, up to
// maxDepth hops. relationPattern is a SQL LIKE pattern over relation names
// ("%" matches every relation). Results carry the full entity path from the
// seed so the caller can reconstruct how the evidence connects.
func (s *Store) Traverse(ctx context.Context, entity, relationPattern string, filters Filters, maxDepth int) ([]TraversalHit, error) {
	start := time.Now()
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if relationPattern == "" {
		relationPattern = "%"
	}

	type frontierNode struct {
		name string
		path []string
	}
	frontier := []frontierNode{{name: entity, path: []string{entity}}}
	visited := map[string]bool{entity: true}
	var hits []TraversalHit

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []frontierNode
		for _, node := range frontier {
			rows, err := s.queryEdges(ctx, node.name, relationPattern, filters)
			if err != nil {
				ometrics.RecordIndexQuery("graph", "error", time.Since(start).Seconds())
				return nil, fmt.Errorf("graphdb: traverse %q: %w", entity, err)
			}
			for _, e := range rows {
				other := e.dst
				if strings.EqualFold(other, node.name) {
					other = e.src
				}
				path := append(append([]string{}, node.path...), other)
				hits = append(hits, TraversalHit{
					EntityPath:   path,
					Relation:     e.relation,
					DocumentID:   e.documentID,
					DocumentDate: e.documentDate,
					Page:         e.page,
					Paragraph:    e.paragraph,
					SpanStart:    e.spanStart,
					SpanEnd:      e.spanEnd,
					Modality:     e.modality,
					Snippet:      e.snippet,
				})
				if !visited[other] {
					visited[other] = true
					next = append(next, frontierNode{name: other, path: path})
				}
			}
		}
		frontier = next
	}

	ometrics.RecordIndexQuery("graph", "ok", time.Since(start).Seconds())
	return hits, nil
}

type edgeRow struct {
	src, relation, dst, documentID, modality, snippet string
	documentDate                                      time.Time
	page, paragraph, spanStart, spanEnd               int
}

func (s *Store) queryEdges(ctx context.Context, entity, relationPattern string, filters Filters) ([]edgeRow, error) {
	q := `SELECT src, relation, dst, document_id, document_date, page, paragraph, span_start, span_end, modality, snippet
		  FROM edges
		  WHERE case_id = ? AND (src = ? COLLATE NOCASE OR dst = ? COLLATE NOCASE) AND relation LIKE ?`
	args := []interface{}{filters.CaseID, entity, entity, relationPattern}
	if filters.From != nil {
		q += " AND document_date >= ?"
		args = append(args, *filters.From)
	}
	if filters.To != nil {
		q += " AND document_date <= ?"
		args = append(args, *filters.To)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []edgeRow
	for rows.Next() {
		var e edgeRow
		var ts sql.NullTime
		if err := rows.Scan(&e.src, &e.relation, &e.dst, &e.documentID, &ts,
			&e.page, &e.paragraph, &e.spanStart, &e.spanEnd, &e.modality, &e.snippet); err != nil {
			return nil, err
		}
		if ts.Valid {
			e.documentDate = ts.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Query runs a read-only relational predicate and returns the rows. The
// predicate is parameterized SQL owned by the caller; the adapter only
// guarantees read access.
func (s *Store) Query(ctx context.Context, predicate string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, predicate, args...)
	if err != nil {
		ometrics.RecordIndexQuery("graph", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("graphdb: query: %w", err)
	}
	ometrics.RecordIndexQuery("graph", "ok", time.Since(start).Seconds())
	return rows, nil
}
