package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verity-labs/dossier/internal/models"
)

func frag(id, doc string, start, end int, date time.Time) models.EvidenceFragment {
	return models.EvidenceFragment{
		ID:           id,
		DocumentID:   doc,
		SpanStart:    start,
		SpanEnd:      end,
		DocumentDate: date,
		Text:         "fragment " + id,
	}
}

func TestFuseOrderIndependent(t *testing.T) {
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	semList := RankedList{Source: "semantic", Fragments: []models.EvidenceFragment{
		frag("a", "doc-1", 0, 100, d),
		frag("b", "doc-2", 0, 100, d),
	}}
	graphList := RankedList{Source: "graph", Fragments: []models.EvidenceFragment{
		frag("b", "doc-2", 0, 100, d),
		frag("c", "doc-3", 0, 100, d),
	}}

	ab := Fuse([]RankedList{semList, graphList}, "query", 10)
	ba := Fuse([]RankedList{graphList, semList}, "query", 10)

	require.Equal(t, len(ab), len(ba))
	for i := range ab {
		assert.Equal(t, ab[i].ID, ba[i].ID)
		assert.InDelta(t, ab[i].Score, ba[i].Score, 1e-12)
		assert.Equal(t, ab[i].Sources, ba[i].Sources)
	}
}

func TestFuseBoostsDoubleSourced(t *testing.T) {
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	semList := RankedList{Source: "semantic", Fragments: []models.EvidenceFragment{
		frag("solo", "doc-1", 0, 100, d),
		frag("both", "doc-2", 0, 100, d),
	}}
	kwList := RankedList{Source: "keyword", Fragments: []models.EvidenceFragment{
		frag("both", "doc-2", 0, 100, d),
	}}

	out := Fuse([]RankedList{semList, kwList}, "query", 10)
	require.NotEmpty(t, out)
	assert.Equal(t, "both", out[0].ID, "fragment in both indexes must rank first")
	assert.Equal(t, []string{"keyword", "semantic"}, out[0].Sources)
}

func TestFuseRecencyTieBreak(t *testing.T) {
	older := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	// same rank in disjoint lists gives identical fused scores
	listA := RankedList{Source: "semantic", Fragments: []models.EvidenceFragment{frag("old", "doc-1", 0, 100, older)}}
	listB := RankedList{Source: "graph", Fragments: []models.EvidenceFragment{frag("new", "doc-2", 0, 100, newer)}}

	out := Fuse([]RankedList{listA, listB}, "query", 10)
	require.Len(t, out, 2)
	assert.Equal(t, "new", out[0].ID, "recency breaks the tie")
}

func TestFuseDedupOverlappingSpans(t *testing.T) {
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	list := RankedList{Source: "semantic", Fragments: []models.EvidenceFragment{
		frag("wide", "doc-1", 0, 200, d),
		frag("inside", "doc-1", 50, 150, d), // 100 of 100 overlapping
		frag("adjacent", "doc-1", 200, 300, d),
	}}

	out := Fuse([]RankedList{list}, "query", 10)
	ids := make([]string, 0, len(out))
	for _, f := range out {
		ids = append(ids, f.ID)
	}
	assert.Contains(t, ids, "wide")
	assert.Contains(t, ids, "adjacent")
	assert.NotContains(t, ids, "inside", "span fully inside an accepted fragment is a duplicate")
}

func TestFuseCapKeepsHighestScored(t *testing.T) {
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	list := RankedList{Source: "semantic", Fragments: []models.EvidenceFragment{
		frag("first", "doc-1", 0, 10, d),
		frag("second", "doc-2", 0, 10, d),
		frag("third", "doc-3", 0, 10, d),
	}}

	out := Fuse([]RankedList{list}, "query", 2)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].ID)
	assert.Equal(t, "second", out[1].ID)
}

func TestFuseLexicalOverlapTieBreak(t *testing.T) {
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fa := frag("onpoint", "doc-1", 0, 10, d)
	fa.Text = "the delivery failure was reported in March"
	fb := frag("offpoint", "doc-2", 0, 10, d)
	fb.Text = "unrelated correspondence about invoices"

	listA := RankedList{Source: "semantic", Fragments: []models.EvidenceFragment{fb}}
	listB := RankedList{Source: "graph", Fragments: []models.EvidenceFragment{fa}}

	out := Fuse([]RankedList{listA, listB}, "delivery failure March", 10)
	require.Len(t, out, 2)
	assert.Equal(t, "onpoint", out[0].ID)
}
