package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	ometrics "github.com/verity-labs/dossier/internal/metrics"
	"github.com/verity-labs/dossier/internal/tracing"
)

// Config for the embedding service client.
type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	DefaultModel string        `mapstructure:"default_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	MaxLRU       int           `mapstructure:"max_lru"`
}

// Service provides embedding generation with two-tier caching.
type Service struct {
	cfg   Config
	http  *http.Client
	cache Cache
	lru   *LocalLRU
}

func NewService(cfg Config, cache Cache) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "text-embedding-3-small"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	return &Service{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: cache,
		lru:   NewLocalLRU(cfg.MaxLRU),
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(s.cfg.DefaultModel, text)

	// LRU first
	if v, ok := s.lru.Get(ctx, key); ok {
		ometrics.EmbeddingCacheHits.Inc()
		return v, nil
	}
	// Redis next
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			ometrics.EmbeddingCacheHits.Inc()
			return v, nil
		}
	}
	ometrics.EmbeddingCacheMisses.Inc()

	vecs, err := s.call(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	out := vecs[0]
	s.lru.Set(ctx, key, out, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
	}
	return out, nil
}

// EmbedBatch embeds several texts in one request, filling cached entries
// without a network call.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var uncached []string
	var uncachedIdx []int

	for i, text := range texts {
		key := MakeKey(s.cfg.DefaultModel, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			ometrics.EmbeddingCacheHits.Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, 30*time.Minute)
				ometrics.EmbeddingCacheHits.Inc()
				continue
			}
		}
		ometrics.EmbeddingCacheMisses.Inc()
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}

	if len(uncached) == 0 {
		return results, nil
	}

	vecs, err := s.call(ctx, uncached)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(uncached) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d texts", len(vecs), len(uncached))
	}
	for i, v := range vecs {
		idx := uncachedIdx[i]
		results[idx] = v
		key := MakeKey(s.cfg.DefaultModel, uncached[i])
		s.lru.Set(ctx, key, v, 30*time.Minute)
		if s.cache != nil {
			s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
		}
	}
	return results, nil
}

func (s *Service) call(ctx context.Context, texts []string) ([][]float32, error) {
	url := fmt.Sprintf("%s/embeddings/", s.cfg.BaseURL)

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	payload := embedRequest{Texts: texts, Model: s.cfg.DefaultModel}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("embeddings: decode response: %w", err)
	}
	if len(er.Embeddings) == 0 {
		return nil, fmt.Errorf("embeddings: no vectors returned")
	}

	out := make([][]float32, len(er.Embeddings))
	for i, emb := range er.Embeddings {
		v := make([]float32, len(emb))
		for j, f := range emb {
			v[j] = float32(f)
		}
		out[i] = v
	}
	return out, nil
}
