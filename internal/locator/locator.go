package locator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/citations"
	"github.com/verity-labs/dossier/internal/llm"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
	"github.com/verity-labs/dossier/internal/models"
)

// Completer is the extraction-model capability.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Config for fact extraction.
type Config struct {
	ConfidenceFloor float64 `mapstructure:"confidence_floor"`
	MaxFragmentText int     `mapstructure:"max_fragment_text"`
}

// Locator narrows fragments to their minimal supporting spans and normalizes
// the claims found there. Every emitted fact carries exactly one citation
// pointing at that span; facts that cannot satisfy this are dropped before
// hand-off, never emitted uncited.
type Locator struct {
	model    Completer
	registry *citations.Registry
	cfg      Config
	logger   *zap.Logger
}

func New(model Completer, registry *citations.Registry, cfg Config, logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.3
	}
	if cfg.MaxFragmentText <= 0 {
		cfg.MaxFragmentText = 2000
	}
	return &Locator{model: model, registry: registry, cfg: cfg, logger: logger}
}

type extractedFact struct {
	Fragment   int     `json:"fragment"`
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Value      string  `json:"value"`
	Date       string  `json:"date,omitempty"`
	Quote      string  `json:"quote,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Locate extracts normalized facts answering the subquery from the fragments.
func (l *Locator) Locate(ctx context.Context, subquery string, fragments []models.EvidenceFragment) ([]models.NormalizedFact, error) {
	if len(fragments) == 0 {
		return nil, nil
	}

	resp, err := l.model.Complete(ctx, llm.CompletionRequest{
		Operation:   "extract",
		System:      extractionSystemPrompt,
		User:        l.buildPrompt(subquery, fragments),
		Temperature: 0.1,
		Tier:        "small",
	})
	if err != nil {
		return nil, fmt.Errorf("locator: extraction call: %w", err)
	}

	var parsed struct {
		Facts []extractedFact `json:"facts"`
	}
	if err := llm.UnmarshalResponse(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("locator: parse extraction output: %w", err)
	}

	var facts []models.NormalizedFact
	for _, ef := range parsed.Facts {
		if ef.Confidence < l.cfg.ConfidenceFloor {
			ometrics.FactsDroppedLowConfidence.Inc()
			continue
		}
		if ef.Fragment < 0 || ef.Fragment >= len(fragments) {
			l.logger.Warn("extraction referenced unknown fragment", zap.Int("fragment", ef.Fragment))
			continue
		}
		frag := fragments[ef.Fragment]

		citationID, ok := l.mintCitation(frag, ef.Quote)
		if !ok {
			l.logger.Warn("dropping fact without resolvable citation",
				zap.String("subject", ef.Subject),
				zap.String("fragment_id", frag.ID))
			continue
		}

		fact := models.NormalizedFact{
			ID:              uuid.New().String(),
			Subject:         strings.TrimSpace(ef.Subject),
			Predicate:       strings.ToLower(strings.TrimSpace(ef.Predicate)),
			Value:           strings.TrimSpace(ef.Value),
			NormalizedValue: NormalizeValue(ef.Value),
			CitationID:      citationID,
			DocumentDate:    frag.DocumentDate,
			Confidence:      ef.Confidence,
		}
		if ef.Date != "" {
			if t, g, ok := NormalizeDate(ef.Date); ok {
				fact.Timestamp = &t
				fact.Granularity = g
			}
		}
		facts = append(facts, fact)
		ometrics.FactsExtracted.Inc()
	}
	return facts, nil
}

// mintCitation narrows the fragment's citation to the quoted span when the
// quote is found verbatim, otherwise cites the whole fragment span.
func (l *Locator) mintCitation(frag models.EvidenceFragment, quote string) (string, bool) {
	if frag.CitationID == "" {
		return "", false
	}
	if quote != "" {
		if idx := strings.Index(frag.Text, quote); idx >= 0 {
			relStart := len([]rune(frag.Text[:idx]))
			relLen := len([]rune(quote))
			absStart := frag.SpanStart + relStart
			absEnd := absStart + relLen
			if c, err := l.registry.Narrow(frag.CitationID, absStart, absEnd); err == nil {
				return c.ID, true
			}
		}
	}
	return frag.CitationID, true
}

const extractionSystemPrompt = `You extract factual claims from evidence fragments.

Return a JSON object:
{
  "facts": [
    {
      "fragment": 0,
      "subject": "who or what the claim is about",
      "predicate": "short verb phrase, e.g. reported_failure, payment_date",
      "value": "the claimed value, verbatim where possible",
      "date": "the date the claim refers to, if any",
      "quote": "the exact minimal substring of the fragment supporting the claim",
      "confidence": 0.0
    }
  ]
}

Rules:
- Only extract claims directly supported by the fragment text.
- "quote" must be copied verbatim from the fragment, as short as possible.
- "fragment" is the zero-based index of the source fragment.
- Confidence reflects how directly the text supports the claim.
- Do not speculate or combine fragments.`

func (l *Locator) buildPrompt(subquery string, fragments []models.EvidenceFragment) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(subquery)
	sb.WriteString("\n\nFragments:\n")
	for i, f := range fragments {
		text := f.Text
		if len(text) > l.cfg.MaxFragmentText {
			text = text[:l.cfg.MaxFragmentText]
		}
		fmt.Fprintf(&sb, "[%d] (document %s, dated %s) %s\n", i, f.DocumentID, f.DocumentDate.Format("2006-01-02"), text)
	}
	return sb.String()
}
