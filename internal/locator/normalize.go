package locator

import (
	"regexp"
	"strings"
	"time"

	"github.com/verity-labs/dossier/internal/models"
)

var ordinalSuffix = regexp.MustCompile(`(\d+)(st|nd|rd|th)\b`)

var dayLayouts = []string{
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"01/02/2006",
	"2006/01/02",
}

var monthLayouts = []string{
	"2006-01",
	"January 2006",
	"Jan 2006",
}

// NormalizeDate parses a free-form date string into a timestamp plus the
// granularity the source actually states. "January 5th, 2024" and
// "2024-01-05" normalize to the same instant at day granularity; "March 2024"
// only pins the month. Unparseable input returns ok=false.
func NormalizeDate(s string) (time.Time, models.TimeGranularity, bool) {
	cleaned := strings.TrimSpace(ordinalSuffix.ReplaceAllString(s, "$1"))
	if cleaned == "" {
		return time.Time{}, models.GranularityNone, false
	}

	for _, layout := range dayLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t, models.GranularityDay, true
		}
	}
	for _, layout := range monthLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t, models.GranularityMonth, true
		}
	}
	if t, err := time.Parse("2006", cleaned); err == nil {
		return t, models.GranularityYear, true
	}
	return time.Time{}, models.GranularityNone, false
}

// CanonicalDate renders a timestamp at its granularity, so two facts stating
// the same date in different formats compare equal.
func CanonicalDate(t time.Time, g models.TimeGranularity) string {
	switch g {
	case models.GranularityDay:
		return t.Format("2006-01-02")
	case models.GranularityMonth:
		return t.Format("2006-01")
	case models.GranularityYear:
		return t.Format("2006")
	default:
		return t.Format(time.RFC3339)
	}
}

var (
	currencyRunes  = strings.NewReplacer("$", "", "€", "", "£", "", ",", "")
	numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	spaceRuns      = regexp.MustCompile(`\s+`)
)

// NormalizeValue reduces a claim value to a canonical comparison form: parsed
// dates render at their granularity, bare amounts lose currency dressing, and
// everything else is case- and whitespace-folded.
func NormalizeValue(s string) string {
	if t, g, ok := NormalizeDate(s); ok {
		return CanonicalDate(t, g)
	}
	trimmed := strings.TrimSpace(s)
	if stripped := strings.TrimSpace(currencyRunes.Replace(trimmed)); numericPattern.MatchString(stripped) {
		return stripped
	}
	return spaceRuns.ReplaceAllString(strings.ToLower(trimmed), " ")
}
