package activities

import (
	"time"

	"github.com/verity-labs/dossier/internal/models"
	"github.com/verity-labs/dossier/internal/planner"
	"github.com/verity-labs/dossier/internal/streaming"
)

// PlanQueryInput asks the planner to decompose a submitted query.
type PlanQueryInput struct {
	Query models.Query `json:"query"`
}

// PlanQueryResult carries the validated plan.
type PlanQueryResult struct {
	Plan planner.Plan `json:"plan"`
}

// RetrieveEvidenceInput is one retrieve task.
type RetrieveEvidenceInput struct {
	QueryHandle string              `json:"query_handle"`
	CaseID      string              `json:"case_id"`
	Facet       planner.Facet       `json:"facet"`
	Filters     models.QueryFilters `json:"filters"`
}

// RetrieveEvidenceResult carries fused fragments, each holding a minted
// citation handle.
type RetrieveEvidenceResult struct {
	Fragments []models.EvidenceFragment `json:"fragments"`
	Degraded  bool                      `json:"degraded"`
	Available []string                  `json:"available"`
}

// LocateFactsInput is one locate task.
type LocateFactsInput struct {
	QueryHandle string                    `json:"query_handle"`
	Subquery    string                    `json:"subquery"`
	Fragments   []models.EvidenceFragment `json:"fragments"`
}

// LocateFactsResult carries the normalized facts.
type LocateFactsResult struct {
	Facts []models.NormalizedFact `json:"facts"`
}

// DetectContradictionsInput is the contradict task.
type DetectContradictionsInput struct {
	QueryHandle string                  `json:"query_handle"`
	Facts       []models.NormalizedFact `json:"facts"`
}

// DetectContradictionsResult carries the ordered findings.
type DetectContradictionsResult struct {
	Findings []models.ContradictionFinding `json:"findings"`
}

// SynthesizeAnswerInput is the terminal synthesis task.
type SynthesizeAnswerInput struct {
	QueryHandle string                    `json:"query_handle"`
	QueryText   string                    `json:"query_text"`
	Facts       []models.NormalizedFact   `json:"facts"`
	Fragments   []models.EvidenceFragment `json:"fragments"`
}

// SynthesizeAnswerResult carries the answer text with [n] markers plus the
// marker-to-citation index the markers refer to.
type SynthesizeAnswerResult struct {
	Text          string   `json:"text"`
	CitationIndex []string `json:"citation_index"`
	TokensUsed    int      `json:"tokens_used"`
}

// AssembleDossierInput is everything the assembler needs for the final
// citation-verified dossier.
type AssembleDossierInput struct {
	QueryHandle     string                        `json:"query_handle"`
	CaseID          string                        `json:"case_id"`
	Status          models.DossierStatus          `json:"status"`
	SubmittedAt     time.Time                     `json:"submitted_at"`
	SynthesizedText string                        `json:"synthesized_text"`
	CitationIndex   []string                      `json:"citation_index"`
	Facts           []models.NormalizedFact       `json:"facts"`
	Contradictions  []models.ContradictionFinding `json:"contradictions"`
	Facets          []models.FacetOutcome         `json:"facets"`
	Degraded        bool                          `json:"degraded"`
	Warnings        []string                      `json:"warnings,omitempty"`
}

// AssembleDossierResult carries the finished dossier.
type AssembleDossierResult struct {
	Dossier models.Dossier `json:"dossier"`
}

// PersistDossierInput writes the terminal snapshot for audit and replay.
type PersistDossierInput struct {
	CaseID  string           `json:"case_id"`
	Graph   models.TaskGraph `json:"graph"`
	Dossier models.Dossier   `json:"dossier"`
}

// EmitTaskUpdateInput is one progress event.
type EmitTaskUpdateInput struct {
	QueryHandle string    `json:"query_handle"`
	EventType   string    `json:"event_type"`
	TaskID      string    `json:"task_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (in EmitTaskUpdateInput) event() streaming.Event {
	return streaming.Event{
		QueryHandle: in.QueryHandle,
		Type:        in.EventType,
		TaskID:      in.TaskID,
		Status:      in.Status,
		Message:     in.Message,
		Timestamp:   in.Timestamp,
	}
}
