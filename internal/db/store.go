package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/models"
)

// ErrNotFound is returned when no record exists for a query handle.
var ErrNotFound = errors.New("db: not found")

// Config for the audit store.
type Config struct {
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime"`
}

// Store persists task graphs and dossiers keyed by query handle, for audit
// and replay. The engine only writes serialized snapshots here; it never
// reads them back on the hot path.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnLifetime)
	}
	return &Store{db: conn, logger: logger}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(conn *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: conn, logger: logger}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// SaveTaskGraph upserts the current task graph snapshot for a query.
func (s *Store) SaveTaskGraph(ctx context.Context, caseID string, graph *models.TaskGraph) error {
	payload, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("db: marshal task graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_graphs (query_handle, case_id, graph, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (query_handle) DO UPDATE SET graph = EXCLUDED.graph, updated_at = NOW()`,
		graph.QueryHandle, caseID, payload)
	if err != nil {
		return fmt.Errorf("db: save task graph %s: %w", graph.QueryHandle, err)
	}
	return nil
}

// GetTaskGraph loads the last persisted graph snapshot.
func (s *Store) GetTaskGraph(ctx context.Context, queryHandle string) (*models.TaskGraph, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload,
		"SELECT graph FROM task_graphs WHERE query_handle = $1", queryHandle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task graph %s", ErrNotFound, queryHandle)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get task graph %s: %w", queryHandle, err)
	}
	var graph models.TaskGraph
	if err := json.Unmarshal(payload, &graph); err != nil {
		return nil, fmt.Errorf("db: decode task graph %s: %w", queryHandle, err)
	}
	return &graph, nil
}

// SaveDossier upserts the finished dossier. A re-run of the same query
// supersedes the previous dossier.
func (s *Store) SaveDossier(ctx context.Context, d *models.Dossier) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("db: marshal dossier: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dossiers (query_handle, case_id, status, dossier, generated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (query_handle) DO UPDATE
		 SET status = EXCLUDED.status, dossier = EXCLUDED.dossier, generated_at = EXCLUDED.generated_at`,
		d.QueryHandle, d.CaseID, string(d.Status), payload, d.GeneratedAt)
	if err != nil {
		return fmt.Errorf("db: save dossier %s: %w", d.QueryHandle, err)
	}
	return nil
}

// GetDossier loads a finished dossier.
func (s *Store) GetDossier(ctx context.Context, queryHandle string) (*models.Dossier, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload,
		"SELECT dossier FROM dossiers WHERE query_handle = $1", queryHandle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dossier %s", ErrNotFound, queryHandle)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get dossier %s: %w", queryHandle, err)
	}
	var d models.Dossier
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("db: decode dossier %s: %w", queryHandle, err)
	}
	return &d, nil
}
