package locator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/citations"
	"github.com/verity-labs/dossier/internal/llm"
	"github.com/verity-labs/dossier/internal/models"
)

type cannedModel struct {
	text string
	err  error
}

func (c *cannedModel) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &llm.CompletionResponse{Text: c.text}, nil
}

func registryWithFragment(t *testing.T, text string) (*citations.Registry, models.EvidenceFragment) {
	t.Helper()
	reg := citations.NewRegistry(nil, zap.NewNop())
	c, err := reg.Register("doc-1", 3, 2, 100, 100+len([]rune(text)), models.ModalityText)
	require.NoError(t, err)
	return reg, models.EvidenceFragment{
		ID:           "frag-1",
		DocumentID:   "doc-1",
		DocumentDate: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		SpanStart:    100,
		SpanEnd:      100 + len([]rune(text)),
		Text:         text,
		CitationID:   c.ID,
	}
}

func TestLocateNarrowsCitationToQuote(t *testing.T) {
	text := "The inspection report states the failure was reported on January 5th, 2024 by the site manager."
	reg, frag := registryWithFragment(t, text)

	model := &cannedModel{text: `{"facts": [{
		"fragment": 0,
		"subject": "site failure",
		"predicate": "reported_date",
		"value": "January 5th, 2024",
		"date": "January 5th, 2024",
		"quote": "the failure was reported on January 5th, 2024",
		"confidence": 0.9
	}]}`}

	loc := New(model, reg, Config{}, zap.NewNop())
	facts, err := loc.Locate(context.Background(), "when was the failure reported", []models.EvidenceFragment{frag})
	require.NoError(t, err)
	require.Len(t, facts, 1)

	f := facts[0]
	assert.Equal(t, "2024-01-05", f.NormalizedValue)
	require.NotNil(t, f.Timestamp)
	assert.Equal(t, models.GranularityDay, f.Granularity)
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), *f.Timestamp)

	require.NotEmpty(t, f.CitationID)
	c, ok := reg.Get(f.CitationID)
	require.True(t, ok, "fact must cite a registered handle")
	assert.NotEqual(t, frag.CitationID, f.CitationID, "quote narrows to a sub-span")
	assert.Greater(t, c.SpanStart, frag.SpanStart)
	assert.Less(t, c.SpanEnd-c.SpanStart, frag.SpanEnd-frag.SpanStart)
}

func TestLocateDropsBelowConfidenceFloor(t *testing.T) {
	reg, frag := registryWithFragment(t, "Some text mentioning a vague possibility of delay.")

	model := &cannedModel{text: `{"facts": [
		{"fragment": 0, "subject": "delay", "predicate": "occurred", "value": "maybe", "confidence": 0.1},
		{"fragment": 0, "subject": "delay", "predicate": "mentioned", "value": "possibility of delay", "quote": "possibility of delay", "confidence": 0.8}
	]}`}

	loc := New(model, reg, Config{ConfidenceFloor: 0.3}, zap.NewNop())
	facts, err := loc.Locate(context.Background(), "was there a delay", []models.EvidenceFragment{frag})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "mentioned", facts[0].Predicate)
}

func TestLocateDropsFactWithoutCitation(t *testing.T) {
	reg := citations.NewRegistry(nil, zap.NewNop())
	frag := models.EvidenceFragment{ID: "frag-x", DocumentID: "doc-1", Text: "uncited fragment"}

	model := &cannedModel{text: `{"facts": [{"fragment": 0, "subject": "s", "predicate": "p", "value": "v", "confidence": 0.9}]}`}

	loc := New(model, reg, Config{}, zap.NewNop())
	facts, err := loc.Locate(context.Background(), "q", []models.EvidenceFragment{frag})
	require.NoError(t, err)
	assert.Empty(t, facts, "a fact that cannot cite its span must not be emitted")
}

func TestLocateUnknownFragmentIndex(t *testing.T) {
	reg, frag := registryWithFragment(t, "text")
	model := &cannedModel{text: `{"facts": [{"fragment": 7, "subject": "s", "predicate": "p", "value": "v", "confidence": 0.9}]}`}

	loc := New(model, reg, Config{}, zap.NewNop())
	facts, err := loc.Locate(context.Background(), "q", []models.EvidenceFragment{frag})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestLocateEmptyFragments(t *testing.T) {
	loc := New(&cannedModel{}, citations.NewRegistry(nil, zap.NewNop()), Config{}, zap.NewNop())
	facts, err := loc.Locate(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Nil(t, facts)
}
