package semantic

import "time"

// Config for the semantic (vector) index client.
type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Collection string        `mapstructure:"collection"`
	TopK       int           `mapstructure:"top_k"`
	Threshold  float64       `mapstructure:"threshold"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Hit is one semantic search result: a chunk reference with its score and the
// locator payload written by the ingestion pipeline.
type Hit struct {
	ChunkID      string
	DocumentID   string
	DocumentDate time.Time
	Page         int
	Paragraph    int
	SpanStart    int
	SpanEnd      int
	Modality     string
	Text         string
	Score        float64
	Distance     float64
}

// SearchFilters scopes a search to a case and optional constraints.
type SearchFilters struct {
	CaseID   string
	From     *time.Time
	To       *time.Time
	Entities []string
}
