package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/circuitbreaker"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
	"github.com/verity-labs/dossier/internal/tracing"
)

// Client is a minimal Qdrant HTTP client for the case-chunk collection.
// The core treats the semantic index as a capability: anything that answers
// /points/query with the payload schema below is interchangeable.
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.TopK == 0 {
		cfg.TopK = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "case_chunks"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "semantic-index", logger),
		log:   logger,
	}
}

// BaseURL is exposed for health checks.
func (c *Client) BaseURL() string { return c.base }

// Enabled reports whether the index is configured for use.
func (c *Client) Enabled() bool { return c != nil && c.cfg.Enabled }

type queryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type point struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type queryResponse struct {
	Result struct {
		Points []point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search runs a vector query scoped to a case and converts payloads into
// hits. Payload fields are written by the ingestion pipeline; hits with no
// document reference are skipped rather than surfaced as citable evidence.
func (c *Client) Search(ctx context.Context, embedding []float32, topK int, filters SearchFilters) ([]Hit, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, fmt.Errorf("semantic: search called while disabled")
	}
	start := time.Now()

	url := fmt.Sprintf("%s/collections/%s/points/query", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	if topK <= 0 {
		topK = c.cfg.TopK
	}
	var thr *float64
	if c.cfg.Threshold > 0 {
		t := c.cfg.Threshold
		thr = &t
	}
	body := queryRequest{
		Query:          embedding,
		Limit:          topK,
		ScoreThreshold: thr,
		WithPayload:    true,
		Filter:         buildFilter(filters),
	}
	buf, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		ometrics.RecordIndexQuery("semantic", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("semantic: query failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		ometrics.RecordIndexQuery("semantic", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("semantic: status %d", resp.StatusCode)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		ometrics.RecordIndexQuery("semantic", "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordIndexQuery("semantic", "ok", time.Since(start).Seconds())

	hits := make([]Hit, 0, len(qr.Result.Points))
	for _, p := range qr.Result.Points {
		h, ok := hitFromPayload(p)
		if !ok {
			c.log.Warn("semantic hit without document reference skipped",
				zap.Any("point_id", p.ID))
			continue
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func buildFilter(filters SearchFilters) map[string]interface{} {
	must := []map[string]interface{}{
		{
			"key":   "case_id",
			"match": map[string]interface{}{"value": filters.CaseID},
		},
	}
	if filters.From != nil || filters.To != nil {
		rng := map[string]interface{}{}
		if filters.From != nil {
			rng["gte"] = filters.From.Format(time.RFC3339)
		}
		if filters.To != nil {
			rng["lte"] = filters.To.Format(time.RFC3339)
		}
		must = append(must, map[string]interface{}{
			"key":   "document_date",
			"range": rng,
		})
	}
	if len(filters.Entities) > 0 {
		must = append(must, map[string]interface{}{
			"key":   "entities",
			"match": map[string]interface{}{"any": filters.Entities},
		})
	}
	return map[string]interface{}{"must": must}
}

func hitFromPayload(p point) (Hit, bool) {
	h := Hit{
		ChunkID: fmt.Sprintf("%v", p.ID),
		Score:   p.Score,
	}
	doc, _ := p.Payload["document_id"].(string)
	if doc == "" {
		return Hit{}, false
	}
	h.DocumentID = doc
	h.Text, _ = p.Payload["text"].(string)
	h.Modality, _ = p.Payload["modality"].(string)
	if v, ok := p.Payload["page"].(float64); ok {
		h.Page = int(v)
	}
	if v, ok := p.Payload["paragraph"].(float64); ok {
		h.Paragraph = int(v)
	}
	if v, ok := p.Payload["span_start"].(float64); ok {
		h.SpanStart = int(v)
	}
	if v, ok := p.Payload["span_end"].(float64); ok {
		h.SpanEnd = int(v)
	}
	if s, ok := p.Payload["document_date"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			h.DocumentDate = ts
		}
	}
	// Qdrant cosine scores are similarities; keep the distance too for the
	// fast-path/deep-dive decision.
	h.Distance = 1 - p.Score
	return h, true
}
