package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/graphdb"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
	"github.com/verity-labs/dossier/internal/models"
	"github.com/verity-labs/dossier/internal/semantic"
)

// ErrRetrievalUnavailable is returned when every index is unreachable.
var ErrRetrievalUnavailable = errors.New("retrieval: no index reachable")

const (
	// shortQueryWordCount marks queries terse enough to benefit from
	// expansion terms before embedding.
	shortQueryWordCount = 5
	// slamDunkDistance is the semantic distance at or below which the top
	// hit alone answers the subquery and fusion with the other indexes is
	// skipped.
	slamDunkDistance = 0.6
	// missDistance is the semantic distance above which hits are treated as
	// noise rather than evidence.
	missDistance = 1.0
)

// Embedder turns a subquery into a vector for the semantic index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticSearcher is the semantic index capability.
type SemanticSearcher interface {
	Search(ctx context.Context, vector []float32, topK int, filters semantic.SearchFilters) ([]semantic.Hit, error)
	Enabled() bool
}

// GraphTraverser is the graph index capability.
type GraphTraverser interface {
	Traverse(ctx context.Context, entity, relationPattern string, filters graphdb.Filters, maxDepth int) ([]graphdb.TraversalHit, error)
}

// Config bounds retrieval cost.
type Config struct {
	TopK          int `mapstructure:"top_k"`
	FragmentCap   int `mapstructure:"fragment_cap"`
	GraphMaxDepth int `mapstructure:"graph_max_depth"`
}

// Request is one retrieve task's input.
type Request struct {
	CaseID     string
	Subquery   string
	Filters    models.QueryFilters
	Expansions []string // optional rewrite terms for short queries
}

// Result is the fused fragment set plus degradation accounting.
type Result struct {
	Fragments []models.EvidenceFragment
	Degraded  bool
	Available []string // indexes that answered
}

// Retriever fans a subquery out to the semantic, graph and keyword indexes
// and fuses the results.
type Retriever struct {
	embedder Embedder
	semantic SemanticSearcher
	graph    GraphTraverser
	keyword  *KeywordIndex
	logger   *zap.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewRetriever(embedder Embedder, sem SemanticSearcher, graph GraphTraverser, keyword *KeywordIndex, cfg Config, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.FragmentCap <= 0 {
		cfg.FragmentCap = 20
	}
	if cfg.GraphMaxDepth <= 0 {
		cfg.GraphMaxDepth = 2
	}
	return &Retriever{embedder: embedder, semantic: sem, graph: graph, keyword: keyword, cfg: cfg, logger: logger}
}

// SetConfig swaps the cost bounds at runtime. Wired to the config manager's
// reload listener so the fragment cap follows the yaml without a restart.
func (r *Retriever) SetConfig(cfg Config) {
	if cfg.TopK <= 0 || cfg.FragmentCap <= 0 || cfg.GraphMaxDepth <= 0 {
		r.logger.Warn("ignoring retrieval config with non-positive bounds")
		return
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Retriever) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Retrieve queries each reachable index and fuses the results. It degrades to
// whatever subset of indexes answered; only when none did does it fail.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Result, error) {
	cfg := r.config()
	searchText := req.Subquery
	if len(Tokenize(req.Subquery)) < shortQueryWordCount && len(req.Expansions) > 0 {
		searchText = req.Subquery + " " + strings.Join(req.Expansions, " ")
	}

	var lists []RankedList
	var available []string
	var failures int
	attempted := 0

	semFrags, slamDunk, err := r.searchSemantic(ctx, req, searchText)
	if r.semantic != nil && r.semantic.Enabled() {
		attempted++
		if err != nil {
			failures++
			r.logger.Warn("semantic index unavailable", zap.String("subquery", req.Subquery), zap.Error(err))
		} else {
			available = append(available, "semantic")
			if len(semFrags) > 0 {
				lists = append(lists, RankedList{Source: "semantic", Fragments: semFrags})
			}
		}
	}

	// A decisive top hit answers the subquery on its own; skip the wider
	// sweep and keep latency down.
	if slamDunk {
		frags := semFrags
		if len(frags) > cfg.FragmentCap {
			frags = frags[:cfg.FragmentCap]
		}
		ometrics.FragmentsRetrieved.Observe(float64(len(frags)))
		return &Result{Fragments: frags, Available: available}, nil
	}

	if r.graph != nil {
		attempted++
		graphFrags, err := r.searchGraph(ctx, req)
		if err != nil {
			failures++
			r.logger.Warn("graph index unavailable", zap.String("subquery", req.Subquery), zap.Error(err))
		} else {
			available = append(available, "graph")
			if len(graphFrags) > 0 {
				lists = append(lists, RankedList{Source: "graph", Fragments: graphFrags})
			}
		}
	}

	if r.keyword != nil {
		attempted++
		kwFrags, err := r.searchKeyword(ctx, req, searchText)
		if err != nil {
			failures++
			r.logger.Warn("keyword index unavailable", zap.String("subquery", req.Subquery), zap.Error(err))
		} else {
			available = append(available, "keyword")
			if len(kwFrags) > 0 {
				lists = append(lists, RankedList{Source: "keyword", Fragments: kwFrags})
			}
		}
	}

	if attempted > 0 && failures == attempted {
		ometrics.RetrievalUnavailable.Inc()
		return nil, ErrRetrievalUnavailable
	}

	degraded := failures > 0
	if degraded {
		for _, idx := range available {
			ometrics.RetrievalDegraded.WithLabelValues(idx).Inc()
		}
	}

	fragments := Fuse(lists, req.Subquery, cfg.FragmentCap)
	ometrics.FragmentsRetrieved.Observe(float64(len(fragments)))
	return &Result{Fragments: fragments, Degraded: degraded, Available: available}, nil
}

func (r *Retriever) searchSemantic(ctx context.Context, req Request, searchText string) ([]models.EvidenceFragment, bool, error) {
	if r.semantic == nil || !r.semantic.Enabled() || r.embedder == nil {
		return nil, false, nil
	}
	vector, err := r.embedder.Embed(ctx, searchText)
	if err != nil {
		return nil, false, err
	}
	hits, err := r.semantic.Search(ctx, vector, r.config().TopK, semantic.SearchFilters{
		CaseID:   req.CaseID,
		From:     req.Filters.From,
		To:       req.Filters.To,
		Entities: req.Filters.Entities,
	})
	if err != nil {
		return nil, false, err
	}

	var frags []models.EvidenceFragment
	slamDunk := false
	for i, h := range hits {
		if h.Distance > missDistance {
			continue
		}
		if i == 0 && h.Distance <= slamDunkDistance {
			slamDunk = true
		}
		frags = append(frags, models.EvidenceFragment{
			ID:           h.ChunkID,
			CaseID:       req.CaseID,
			DocumentID:   h.DocumentID,
			DocumentDate: h.DocumentDate,
			Page:         h.Page,
			Paragraph:    h.Paragraph,
			SpanStart:    h.SpanStart,
			SpanEnd:      h.SpanEnd,
			Modality:     models.Modality(h.Modality),
			Text:         h.Text,
			Score:        h.Score,
			Sources:      []string{"semantic"},
		})
	}
	return frags, slamDunk, nil
}

func (r *Retriever) searchGraph(ctx context.Context, req Request) ([]models.EvidenceFragment, error) {
	entities := req.Filters.Entities
	if len(entities) == 0 {
		return nil, nil
	}
	filters := graphdb.Filters{CaseID: req.CaseID, From: req.Filters.From, To: req.Filters.To}

	var frags []models.EvidenceFragment
	seen := make(map[string]bool)
	for _, entity := range entities {
		hits, err := r.graph.Traverse(ctx, entity, "%", filters, r.config().GraphMaxDepth)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			key := h.DocumentID + ":" + strings.Join(h.EntityPath, ">")
			if seen[key] {
				continue
			}
			seen[key] = true
			text := h.Snippet
			if text == "" {
				text = strings.Join(h.EntityPath, " "+h.Relation+" ")
			}
			frags = append(frags, models.EvidenceFragment{
				ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String(),
				CaseID:       req.CaseID,
				DocumentID:   h.DocumentID,
				DocumentDate: h.DocumentDate,
				Page:         h.Page,
				Paragraph:    h.Paragraph,
				SpanStart:    h.SpanStart,
				SpanEnd:      h.SpanEnd,
				Modality:     models.Modality(h.Modality),
				Text:         text,
				Sources:      []string{"graph"},
			})
		}
	}
	return frags, nil
}

func (r *Retriever) searchKeyword(ctx context.Context, req Request, searchText string) ([]models.EvidenceFragment, error) {
	hits, err := r.keyword.Search(ctx, req.CaseID, searchText, r.config().TopK)
	if err != nil {
		return nil, err
	}
	var frags []models.EvidenceFragment
	for _, h := range hits {
		c := h.Chunk
		if outsideWindow(c.DocumentDate, req.Filters.From, req.Filters.To) {
			continue
		}
		frags = append(frags, models.EvidenceFragment{
			ID:           c.ID,
			CaseID:       c.CaseID,
			DocumentID:   c.DocumentID,
			DocumentDate: c.DocumentDate,
			Page:         c.Page,
			Paragraph:    c.Paragraph,
			SpanStart:    c.SpanStart,
			SpanEnd:      c.SpanEnd,
			Modality:     models.Modality(c.Modality),
			Text:         c.Text,
			Score:        h.Score,
			Sources:      []string{"keyword"},
		})
	}
	return frags, nil
}

func outsideWindow(d time.Time, from, to *time.Time) bool {
	if from != nil && d.Before(*from) {
		return true
	}
	if to != nil && d.After(*to) {
		return true
	}
	return false
}
