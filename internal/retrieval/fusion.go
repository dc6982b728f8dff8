package retrieval

import (
	"fmt"
	"sort"

	"github.com/verity-labs/dossier/internal/models"
)

// rrfK is the reciprocal-rank-fusion constant. Larger values flatten the
// advantage of top ranks.
const rrfK = 60

// RankedList is one index's ordered results, best first.
type RankedList struct {
	Source    string
	Fragments []models.EvidenceFragment
}

// Fuse merges ranked lists from independent indexes with reciprocal rank
// fusion: each appearance contributes 1/(rrfK+rank+1), so fragments surfaced
// by several indexes outscore single-index fragments. The output is
// deterministic and independent of the order the lists are passed in.
//
// Ties are broken by number of contributing sources, then source-document
// recency, then lexical overlap with the subquery, then fragment key.
// Fragments from the same document whose spans overlap by more than half of
// the smaller span are deduplicated, keeping the higher fused score. limit
// bounds the result size, keeping the highest-scored fragments.
func Fuse(lists []RankedList, subquery string, limit int) []models.EvidenceFragment {
	// canonical list order makes fusion insensitive to caller ordering
	sorted := make([]RankedList, len(lists))
	copy(sorted, lists)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Source < sorted[j].Source })

	type fused struct {
		frag    models.EvidenceFragment
		score   float64
		sources map[string]bool
	}
	merged := make(map[string]*fused)

	for _, list := range sorted {
		for rank, frag := range list.Fragments {
			key := fragmentKey(frag)
			contribution := 1.0 / float64(rrfK+rank+1)
			if f, ok := merged[key]; ok {
				f.score += contribution
				if !f.sources[list.Source] {
					f.sources[list.Source] = true
					f.frag.Sources = append(f.frag.Sources, list.Source)
					sort.Strings(f.frag.Sources)
				}
			} else {
				fcopy := frag
				fcopy.Sources = []string{list.Source}
				merged[key] = &fused{frag: fcopy, score: contribution, sources: map[string]bool{list.Source: true}}
			}
		}
	}

	queryTokens := Tokenize(subquery)
	out := make([]*fused, 0, len(merged))
	for _, f := range merged {
		f.frag.Score = f.score
		out = append(out, f)
	}

	sort.SliceStable(out, func(a, b int) bool {
		fa, fb := out[a], out[b]
		if fa.score != fb.score {
			return fa.score > fb.score
		}
		if len(fa.sources) != len(fb.sources) {
			return len(fa.sources) > len(fb.sources)
		}
		if !fa.frag.DocumentDate.Equal(fb.frag.DocumentDate) {
			return fa.frag.DocumentDate.After(fb.frag.DocumentDate)
		}
		oa, ob := lexicalOverlap(queryTokens, fa.frag.Text), lexicalOverlap(queryTokens, fb.frag.Text)
		if oa != ob {
			return oa > ob
		}
		return fragmentKey(fa.frag) < fragmentKey(fb.frag)
	})

	result := make([]models.EvidenceFragment, 0, len(out))
	for _, f := range out {
		if overlapsExisting(result, f.frag) {
			continue
		}
		result = append(result, f.frag)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

func fragmentKey(f models.EvidenceFragment) string {
	if f.ID != "" {
		return f.ID
	}
	return fmt.Sprintf("%s:%d:%d", f.DocumentID, f.SpanStart, f.SpanEnd)
}

// overlapsExisting reports whether frag's span overlaps an already accepted
// fragment from the same document by more than 50% of the smaller span.
func overlapsExisting(accepted []models.EvidenceFragment, frag models.EvidenceFragment) bool {
	for _, a := range accepted {
		if a.DocumentID != frag.DocumentID {
			continue
		}
		overlap := min(a.SpanEnd, frag.SpanEnd) - max(a.SpanStart, frag.SpanStart)
		if overlap <= 0 {
			continue
		}
		smaller := min(a.SpanEnd-a.SpanStart, frag.SpanEnd-frag.SpanStart)
		if smaller > 0 && float64(overlap) > 0.5*float64(smaller) {
			return true
		}
	}
	return false
}

func lexicalOverlap(queryTokens []string, text string) int {
	if len(queryTokens) == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, t := range Tokenize(text) {
		present[t] = true
	}
	var n int
	for _, qt := range queryTokens {
		if present[qt] {
			n++
		}
	}
	return n
}
