package models

import (
	"time"
)

// Modality identifies how the cited content entered the corpus.
type Modality string

const (
	ModalityText            Modality = "text"
	ModalityOCR             Modality = "ocr"
	ModalityAudioTranscript Modality = "audio_transcript"
)

// Citation pins a claim to an exact location in the document store.
// Citations are minted only by the citation registry; every citation must
// resolve to a retrievable span.
type Citation struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"document_id"`
	Page       int      `json:"page"`
	Paragraph  int      `json:"paragraph"`
	SpanStart  int      `json:"span_start"`
	SpanEnd    int      `json:"span_end"`
	Modality   Modality `json:"modality"`
}

// QueryFilters narrows retrieval to a date window and/or named entities.
type QueryFilters struct {
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Entities []string   `json:"entities,omitempty"`
}

// Query is an investigative question scoped to a case. Immutable once
// submitted.
type Query struct {
	Handle      string       `json:"handle"`
	CaseID      string       `json:"case_id"`
	Text        string       `json:"text"`
	Filters     QueryFilters `json:"filters"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// TaskKind routes a task node to its specialist.
type TaskKind string

const (
	TaskRetrieve   TaskKind = "retrieve"
	TaskLocate     TaskKind = "locate"
	TaskContradict TaskKind = "contradict"
	TaskSynthesize TaskKind = "synthesize"
)

// TaskStatus is the per-node state machine:
// pending -> running -> {done, failed}; failed -> pending under retry,
// or -> abandoned once retries are exhausted or the query is cancelled.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskAbandoned TaskStatus = "abandoned"
)

// TaskNode is one unit of planner decomposition. The scheduler owns the node
// for the lifetime of its query; nothing else mutates it.
type TaskNode struct {
	ID        string     `json:"id"`
	Kind      TaskKind   `json:"kind"`
	Facet     string     `json:"facet,omitempty"`   // sub-query for retrieve/locate
	Subject   string     `json:"subject,omitempty"` // grouping key for contradict
	DependsOn []string   `json:"depends_on,omitempty"`
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"` // scheduler starts; retries inside an activity are not counted
	Error     string     `json:"error,omitempty"`
	ResultRef string     `json:"result_ref,omitempty"`
}

// TaskGraph is the DAG produced by query decomposition.
type TaskGraph struct {
	QueryHandle string     `json:"query_handle"`
	Nodes       []TaskNode `json:"nodes"`
}

// Node returns the node with the given id, or nil.
func (g *TaskGraph) Node(id string) *TaskNode {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// EvidenceFragment is a retrieved unit of text with relevance score and
// citation handle. Immutable once created; freely shared between task nodes.
type EvidenceFragment struct {
	ID           string    `json:"id"`
	CaseID       string    `json:"case_id"`
	DocumentID   string    `json:"document_id"`
	DocumentDate time.Time `json:"document_date"`
	Page         int       `json:"page"`
	Paragraph    int       `json:"paragraph"`
	SpanStart    int       `json:"span_start"`
	SpanEnd      int       `json:"span_end"`
	Modality     Modality  `json:"modality"`
	Text         string    `json:"text"`
	Score        float64   `json:"score"`
	Sources      []string  `json:"sources"` // indexes that surfaced it: semantic, graph, keyword
	CitationID   string    `json:"citation_id"`
}

// TimeGranularity qualifies how precise a fact's timestamp is.
type TimeGranularity string

const (
	GranularityDay   TimeGranularity = "day"
	GranularityMonth TimeGranularity = "month"
	GranularityYear  TimeGranularity = "year"
	GranularityNone  TimeGranularity = ""
)

// NormalizedFact is a structured claim extracted from a fragment. Exactly one
// citation per fact, pointing at the originating span.
type NormalizedFact struct {
	ID              string          `json:"id"`
	Subject         string          `json:"subject"`
	Predicate       string          `json:"predicate"`
	Value           string          `json:"value"`
	NormalizedValue string          `json:"normalized_value"` // canonical form used for comparison
	Timestamp       *time.Time      `json:"timestamp,omitempty"`
	Granularity     TimeGranularity `json:"granularity,omitempty"`
	CitationID      string          `json:"citation_id"`
	DocumentDate    time.Time       `json:"document_date"`
	Confidence      float64         `json:"confidence"`
}

// ContradictionFinding pairs two mutually inconsistent facts. Never mutated
// after creation; the dossier carries it verbatim. The detector does not
// decide which side is true.
type ContradictionFinding struct {
	FactA       NormalizedFact `json:"fact_a"`
	FactB       NormalizedFact `json:"fact_b"`
	Explanation string         `json:"explanation"`
	Severity    float64        `json:"severity"`
}

// Statement is one sentence of the final answer plus the citations backing it.
type Statement struct {
	Text        string   `json:"text"`
	CitationIDs []string `json:"citation_ids"`
}

// DossierStatus is the query-level terminal state.
type DossierStatus string

const (
	DossierComplete DossierStatus = "complete"
	DossierPartial  DossierStatus = "partial"
	DossierFailed   DossierStatus = "failed"
)

// FacetOutcome records whether one facet of the query could be answered and,
// if not, why (index unavailable, no evidence, analysis skipped).
type FacetOutcome struct {
	Facet    string `json:"facet"`
	Answered bool   `json:"answered"`
	Reason   string `json:"reason,omitempty"`
}

// TimelineEvent groups dated facts at day granularity.
type TimelineEvent struct {
	Date  string           `json:"date"` // YYYY-MM-DD
	Facts []NormalizedFact `json:"facts"`
}

// Dossier is the final cited answer. Created once per query and immutable
// after delivery; a re-run supersedes it with a new dossier.
type Dossier struct {
	QueryHandle    string                 `json:"query_handle"`
	CaseID         string                 `json:"case_id"`
	Status         DossierStatus          `json:"status"`
	Statements     []Statement            `json:"statements"`
	Contradictions []ContradictionFinding `json:"contradictions"`
	Timeline       []TimelineEvent        `json:"timeline"`
	Citations      map[string]Citation    `json:"citations"`
	Facets         []FacetOutcome         `json:"facets"`
	Degraded       bool                   `json:"degraded"`
	Warnings       []string               `json:"warnings,omitempty"`
	GeneratedAt    time.Time              `json:"generated_at"`
}
