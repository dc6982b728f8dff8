package assembler

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/citations"
	"github.com/verity-labs/dossier/internal/locator"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
	"github.com/verity-labs/dossier/internal/models"
)

// markerPattern matches [1]-style citation markers in synthesized text.
var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// Input carries everything the terminal task produced.
type Input struct {
	QueryHandle     string
	CaseID          string
	Status          models.DossierStatus
	SynthesizedText string
	// CitationIndex maps marker number n (1-based) to a citation handle; the
	// synthesis prompt presented evidence in this order.
	CitationIndex  []string
	Facts          []models.NormalizedFact
	Contradictions []models.ContradictionFinding
	Facets         []models.FacetOutcome
	Degraded       bool
	Warnings       []string
}

// Assembler renders the final dossier. Every asserted statement is
// cross-referenced against the citation registry; statements that cannot be
// backed fail closed and are dropped with a warning, never surfaced.
type Assembler struct {
	registry *citations.Registry
	logger   *zap.Logger
}

func New(registry *citations.Registry, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{registry: registry, logger: logger}
}

// Assemble builds the dossier from the synthesized answer.
func (a *Assembler) Assemble(ctx context.Context, in Input) models.Dossier {
	d := models.Dossier{
		QueryHandle:    in.QueryHandle,
		CaseID:         in.CaseID,
		Status:         in.Status,
		Contradictions: in.Contradictions,
		Facets:         in.Facets,
		Degraded:       in.Degraded,
		Warnings:       in.Warnings,
		GeneratedAt:    time.Now().UTC(),
	}

	d.Statements = a.verifyStatements(in, &d)
	d.Timeline = BuildTimeline(in.Facts)
	d.Citations = a.usedCitations(&d)
	return d
}

// verifyStatements splits the synthesized text into statements and keeps only
// those whose every citation marker resolves to a registered handle.
func (a *Assembler) verifyStatements(in Input, d *models.Dossier) []models.Statement {
	var statements []models.Statement
	for _, raw := range SplitStatements(in.SynthesizedText) {
		ids, ok := a.resolveMarkers(raw, in.CitationIndex)
		if !ok || len(ids) == 0 {
			ometrics.UncitedClaimsDropped.Inc()
			warning := fmt.Sprintf("UncitedClaimDropped: %q", truncate(raw, 120))
			d.Warnings = append(d.Warnings, warning)
			a.logger.Warn("dropping uncited statement",
				zap.String("query_handle", in.QueryHandle),
				zap.String("statement", truncate(raw, 200)))
			continue
		}
		statements = append(statements, models.Statement{
			Text:        markerPattern.ReplaceAllString(raw, ""),
			CitationIDs: ids,
		})
	}
	return statements
}

// resolveMarkers maps [n] markers to citation handles. A marker outside the
// index, or a handle the registry never minted, invalidates the statement.
func (a *Assembler) resolveMarkers(text string, index []string) ([]string, bool) {
	matches := markerPattern.FindAllStringSubmatch(text, -1)
	var ids []string
	seen := make(map[string]bool)
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(index) {
			return nil, false
		}
		id := index[n-1]
		if !a.registry.Has(id) {
			ometrics.DanglingCitations.Inc()
			return nil, false
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, true
}

// usedCitations embeds only the citations the dossier actually references.
func (a *Assembler) usedCitations(d *models.Dossier) map[string]models.Citation {
	out := make(map[string]models.Citation)
	add := func(id string) {
		if id == "" {
			return
		}
		if c, ok := a.registry.Get(id); ok {
			out[id] = c
		}
	}
	for _, s := range d.Statements {
		for _, id := range s.CitationIDs {
			add(id)
		}
	}
	for _, f := range d.Contradictions {
		add(f.FactA.CitationID)
		add(f.FactB.CitationID)
	}
	for _, ev := range d.Timeline {
		for _, f := range ev.Facts {
			add(f.CitationID)
		}
	}
	return out
}

// BuildTimeline orders timestamped facts chronologically and groups them at
// the granularity each fact states, day-grouped where possible.
func BuildTimeline(facts []models.NormalizedFact) []models.TimelineEvent {
	grouped := make(map[string][]models.NormalizedFact)
	when := make(map[string]time.Time)
	for _, f := range facts {
		if f.Timestamp == nil {
			continue
		}
		key := locator.CanonicalDate(*f.Timestamp, f.Granularity)
		grouped[key] = append(grouped[key], f)
		when[key] = *f.Timestamp
	}

	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !when[keys[i]].Equal(when[keys[j]]) {
			return when[keys[i]].Before(when[keys[j]])
		}
		return keys[i] < keys[j]
	})

	events := make([]models.TimelineEvent, 0, len(keys))
	for _, k := range keys {
		facts := grouped[k]
		sort.SliceStable(facts, func(i, j int) bool { return facts[i].Subject < facts[j].Subject })
		events = append(events, models.TimelineEvent{Date: k, Facts: facts})
	}
	return events
}

// SplitStatements breaks synthesized prose into individual statements on
// newlines and sentence boundaries, preserving trailing citation markers.
func SplitStatements(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
