package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/circuitbreaker"
	"github.com/verity-labs/dossier/internal/docstore"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// keywordCacheTTL bounds how long a case's tokenized corpus is served from
// Redis before it is rebuilt from the document store.
const keywordCacheTTL = time.Hour

// ChunkLister provides the keyword corpus.
type ChunkLister interface {
	ListChunks(ctx context.Context, caseID string) ([]docstore.Chunk, error)
}

// KeywordHit is one BM25-scored chunk.
type KeywordHit struct {
	Chunk docstore.Chunk
	Score float64
}

// KeywordIndex ranks case chunks by BM25 over whitespace/punctuation tokens.
// The tokenized corpus is cached per case in Redis so repeated queries within
// a session do not rebuild it.
type KeywordIndex struct {
	chunks ChunkLister
	cache  *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

type keywordCorpus struct {
	Chunks []docstore.Chunk `json:"chunks"`
	Tokens [][]string       `json:"tokens"`
}

func NewKeywordIndex(chunks ChunkLister, cache *circuitbreaker.RedisWrapper, logger *zap.Logger) *KeywordIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeywordIndex{chunks: chunks, cache: cache, logger: logger}
}

// Search returns the topK chunks ranked by BM25 relevance to the query.
func (k *KeywordIndex) Search(ctx context.Context, caseID, query string, topK int) ([]KeywordHit, error) {
	start := time.Now()
	corpus, err := k.loadCorpus(ctx, caseID)
	if err != nil {
		ometrics.RecordIndexQuery("keyword", "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(corpus.Chunks) == 0 {
		ometrics.RecordIndexQuery("keyword", "empty", time.Since(start).Seconds())
		return nil, nil
	}

	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	// document frequency per query term
	df := make(map[string]int, len(queryTokens))
	for _, docTokens := range corpus.Tokens {
		seen := make(map[string]bool, len(docTokens))
		for _, t := range docTokens {
			seen[t] = true
		}
		for _, qt := range queryTokens {
			if seen[qt] {
				df[qt]++
			}
		}
	}

	n := len(corpus.Chunks)
	var totalLen float64
	for _, docTokens := range corpus.Tokens {
		totalLen += float64(len(docTokens))
	}
	avgLen := totalLen / float64(n)

	var hits []KeywordHit
	for i, docTokens := range corpus.Tokens {
		tf := make(map[string]int, len(docTokens))
		for _, t := range docTokens {
			tf[t]++
		}
		var score float64
		docLen := float64(len(docTokens))
		for _, qt := range queryTokens {
			freq := float64(tf[qt])
			if freq == 0 {
				continue
			}
			idf := math.Log(1 + (float64(n)-float64(df[qt])+0.5)/(float64(df[qt])+0.5))
			score += idf * (freq * (bm25K1 + 1)) / (freq + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
		}
		if score > 0 {
			hits = append(hits, KeywordHit{Chunk: corpus.Chunks[i], Score: score})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].Chunk.ID < hits[b].Chunk.ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	ometrics.RecordIndexQuery("keyword", "ok", time.Since(start).Seconds())
	return hits, nil
}

func (k *KeywordIndex) loadCorpus(ctx context.Context, caseID string) (*keywordCorpus, error) {
	cacheKey := "kwidx:" + caseID

	if k.cache != nil {
		if raw, err := k.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var corpus keywordCorpus
			if err := json.Unmarshal(raw, &corpus); err == nil {
				ometrics.KeywordCacheHits.WithLabelValues("hit").Inc()
				return &corpus, nil
			}
			k.logger.Warn("discarding undecodable keyword corpus cache", zap.String("case_id", caseID))
		}
		ometrics.KeywordCacheHits.WithLabelValues("miss").Inc()
	}

	chunks, err := k.chunks.ListChunks(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: build keyword corpus: %w", err)
	}
	corpus := &keywordCorpus{Chunks: chunks, Tokens: make([][]string, len(chunks))}
	for i, c := range chunks {
		corpus.Tokens[i] = Tokenize(c.Text)
	}

	if k.cache != nil {
		if raw, err := json.Marshal(corpus); err == nil {
			if err := k.cache.Set(ctx, cacheKey, raw, keywordCacheTTL).Err(); err != nil {
				k.logger.Debug("keyword corpus cache write failed", zap.Error(err))
			}
		}
	}
	return corpus, nil
}

// Tokenize lowercases and splits on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
