package contradict

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/locator"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
	"github.com/verity-labs/dossier/internal/models"
)

// value type classes; only same-class values are comparable
type valueClass int

const (
	classText valueClass = iota
	classNumber
	classDate
)

// incompatibility weights per value class. Dates and numbers either match or
// they don't; prose disagreement is weighted lower because normalization is
// coarser there.
const (
	incompatHard = 1.0
	incompatSoft = 0.5
)

// Detector flags pairs of normalized facts that cannot both hold under the
// same ground truth. It never decides which side is true; the output is the
// pair plus both citations, ordered deterministically.
type Detector struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{logger: logger}
}

// Detect groups facts by (subject, predicate) and compares same-class values
// within each group. Findings come back ordered by severity descending;
// equal severities order by the earliest cited document timestamp.
func (d *Detector) Detect(facts []models.NormalizedFact) []models.ContradictionFinding {
	groups := make(map[string][]models.NormalizedFact)
	var order []string
	for _, f := range facts {
		key := groupKey(f)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], f)
	}
	sort.Strings(order)

	var findings []models.ContradictionFinding
	for _, key := range order {
		group := groups[key]
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if finding, ok := compare(group[i], group[j]); ok {
					findings = append(findings, finding)
					ometrics.ContradictionsFound.Inc()
				}
			}
		}
	}

	sort.SliceStable(findings, func(a, b int) bool {
		if findings[a].Severity != findings[b].Severity {
			return findings[a].Severity > findings[b].Severity
		}
		return findings[a].FactA.DocumentDate.Before(findings[b].FactA.DocumentDate)
	})

	if len(findings) > 0 {
		d.logger.Info("contradictions detected", zap.Int("count", len(findings)))
	}
	return findings
}

func groupKey(f models.NormalizedFact) string {
	return strings.ToLower(strings.TrimSpace(f.Subject)) + "\x00" + f.Predicate
}

// compare decides whether two facts of one group are mutually incompatible.
// The earlier-dated document becomes FactA so finding order is deterministic.
func compare(a, b models.NormalizedFact) (models.ContradictionFinding, bool) {
	ca, cb := classify(a.NormalizedValue), classify(b.NormalizedValue)
	if ca != cb {
		return models.ContradictionFinding{}, false
	}
	// identical normalized values are restatements, not conflicts
	if a.NormalizedValue == b.NormalizedValue {
		return models.ContradictionFinding{}, false
	}
	if ca == classDate && !datesComparable(a, b) {
		return models.ContradictionFinding{}, false
	}
	if ca == classText && (strings.Contains(a.NormalizedValue, b.NormalizedValue) || strings.Contains(b.NormalizedValue, a.NormalizedValue)) {
		return models.ContradictionFinding{}, false
	}

	incompat := incompatSoft
	if ca == classDate || ca == classNumber {
		incompat = incompatHard
	}
	severity := incompat * a.Confidence * b.Confidence

	first, second := a, b
	if b.DocumentDate.Before(a.DocumentDate) {
		first, second = b, a
	}
	return models.ContradictionFinding{
		FactA: first,
		FactB: second,
		Explanation: fmt.Sprintf("conflicting %s for %s: %q vs %q",
			describeClass(ca), first.Subject, first.Value, second.Value),
		Severity: severity,
	}, true
}

// datesComparable requires both timestamps at the same stated precision; a
// month-granular claim cannot contradict a specific day inside that month.
func datesComparable(a, b models.NormalizedFact) bool {
	if a.Timestamp == nil || b.Timestamp == nil {
		return true // fall back to normalized string comparison
	}
	if a.Granularity != b.Granularity {
		coarse, fine := a, b
		if granRank(b.Granularity) < granRank(a.Granularity) {
			coarse, fine = b, a
		}
		// the finer claim restated at coarse granularity: if equal, no conflict
		return locator.CanonicalDate(*fine.Timestamp, coarse.Granularity) != locator.CanonicalDate(*coarse.Timestamp, coarse.Granularity)
	}
	return true
}

func granRank(g models.TimeGranularity) int {
	switch g {
	case models.GranularityDay:
		return 2
	case models.GranularityMonth:
		return 1
	default:
		return 0
	}
}

func classify(v string) valueClass {
	if _, _, ok := locator.NormalizeDate(v); ok {
		return classDate
	}
	numeric := true
	dots := 0
	for i, r := range v {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && dots == 0 && i > 0:
			dots++
		case r == '-' && i == 0:
		default:
			numeric = false
		}
	}
	if numeric && v != "" && v != "-" {
		return classNumber
	}
	return classText
}

func describeClass(c valueClass) string {
	switch c {
	case classDate:
		return "dates"
	case classNumber:
		return "values"
	default:
		return "accounts"
	}
}
