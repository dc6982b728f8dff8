package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/llm"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
	"github.com/verity-labs/dossier/internal/models"
)

// PlanningError marks a query that cannot be decomposed into a valid task
// graph. It is terminal: the scheduler does not retry planning failures of
// this kind.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string { return "planner: " + e.Reason }

// Completer is the decomposition-model capability.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Config bounds decomposition size.
type Config struct {
	MaxFacets int `mapstructure:"max_facets"`
}

// Facet is one retrievable angle of the query, with the entities and
// expansion terms the model identified for it.
type Facet struct {
	Query      string   `json:"query"`
	Subject    string   `json:"subject"`
	Entities   []string `json:"entities,omitempty"`
	Expansions []string `json:"expansions,omitempty"`
}

// Plan is a validated task graph plus the facet metadata its retrieve nodes
// refer to, aligned by index.
type Plan struct {
	Graph  models.TaskGraph `json:"graph"`
	Facets []Facet          `json:"facets"`
}

// Planner decomposes queries into task graphs. Facet identification uses the
// model; graph construction and validation are deterministic, so identical
// facet sets always produce structurally identical graphs.
type Planner struct {
	model  Completer
	cfg    Config
	logger *zap.Logger
}

func New(model Completer, cfg Config, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFacets <= 0 {
		cfg.MaxFacets = 6
	}
	return &Planner{model: model, cfg: cfg, logger: logger}
}

// Plan decomposes the query into facets and builds the task graph:
// one retrieve per facet, a locate behind each retrieve, one contradict
// behind all locates, and a terminal synthesize behind everything.
func (p *Planner) Plan(ctx context.Context, query models.Query) (*Plan, error) {
	facets := p.identifyFacets(ctx, query)
	if len(facets) == 0 {
		ometrics.PlanningErrors.Inc()
		return nil, &PlanningError{Reason: "empty plan: no facets identified"}
	}
	if len(facets) > p.cfg.MaxFacets {
		facets = facets[:p.cfg.MaxFacets]
	}
	ometrics.PlanFacets.Observe(float64(len(facets)))

	graph := BuildGraph(query.Handle, facets)
	if err := ValidateDAG(&graph); err != nil {
		ometrics.PlanningErrors.Inc()
		return nil, err
	}
	return &Plan{Graph: graph, Facets: facets}, nil
}

// BuildGraph lays the fixed four-stage topology over the facet list. Node ids
// are positional so re-planning the same facets reproduces the same graph.
func BuildGraph(queryHandle string, facets []Facet) models.TaskGraph {
	var nodes []models.TaskNode
	var locateIDs []string

	for i, f := range facets {
		retrieveID := fmt.Sprintf("retrieve-%d", i)
		locateID := fmt.Sprintf("locate-%d", i)
		nodes = append(nodes, models.TaskNode{
			ID:     retrieveID,
			Kind:   models.TaskRetrieve,
			Facet:  f.Query,
			Status: models.TaskPending,
		})
		nodes = append(nodes, models.TaskNode{
			ID:        locateID,
			Kind:      models.TaskLocate,
			Facet:     f.Query,
			Subject:   f.Subject,
			DependsOn: []string{retrieveID},
			Status:    models.TaskPending,
		})
		locateIDs = append(locateIDs, locateID)
	}

	nodes = append(nodes, models.TaskNode{
		ID:        "contradict-0",
		Kind:      models.TaskContradict,
		DependsOn: locateIDs,
		Status:    models.TaskPending,
	})

	var allButSynth []string
	for _, n := range nodes {
		allButSynth = append(allButSynth, n.ID)
	}
	nodes = append(nodes, models.TaskNode{
		ID:        "synthesize-0",
		Kind:      models.TaskSynthesize,
		DependsOn: allButSynth,
		Status:    models.TaskPending,
	})

	return models.TaskGraph{QueryHandle: queryHandle, Nodes: nodes}
}

// ValidateDAG rejects graphs with unknown dependencies or cycles, using
// Kahn's algorithm.
func ValidateDAG(g *models.TaskGraph) error {
	if len(g.Nodes) == 0 {
		return &PlanningError{Reason: "empty plan: no task nodes"}
	}
	indegree := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string)
	for _, n := range g.Nodes {
		if _, dup := indegree[n.ID]; dup {
			return &PlanningError{Reason: "duplicate task id " + n.ID}
		}
		indegree[n.ID] = 0
	}
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := indegree[dep]; !ok {
				return &PlanningError{Reason: fmt.Sprintf("task %s depends on unknown task %s", n.ID, dep)}
			}
			indegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	var processed int
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if processed != len(g.Nodes) {
		return &PlanningError{Reason: "task graph contains a cycle"}
	}
	return nil
}

// identifyFacets asks the model to decompose the query and falls back to a
// single-facet heuristic plan when the model is unavailable or unparseable.
func (p *Planner) identifyFacets(ctx context.Context, query models.Query) []Facet {
	if p.model != nil {
		resp, err := p.model.Complete(ctx, llm.CompletionRequest{
			Operation:   "plan",
			System:      decompositionSystemPrompt,
			User:        buildDecompositionPrompt(query),
			Temperature: 0.2,
			Tier:        "small",
		})
		if err == nil {
			var parsed struct {
				Facets []Facet `json:"facets"`
			}
			if perr := llm.UnmarshalResponse(resp.Text, &parsed); perr == nil {
				var facets []Facet
				for _, f := range parsed.Facets {
					if strings.TrimSpace(f.Query) == "" {
						continue
					}
					if f.Subject == "" {
						f.Subject = f.Query
					}
					facets = append(facets, f)
				}
				if len(facets) > 0 {
					return facets
				}
			}
			p.logger.Warn("decomposition output unparseable, falling back to heuristic plan")
		} else {
			p.logger.Warn("decomposition call failed, falling back to heuristic plan", zap.Error(err))
		}
	}
	return heuristicFacets(query)
}

var properNoun = regexp.MustCompile(`\b[A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*\b`)

// heuristicFacets degrades to a single facet covering the whole query, with
// capitalized token runs taken as entity candidates.
func heuristicFacets(query models.Query) []Facet {
	text := strings.TrimSpace(query.Text)
	if text == "" {
		return nil
	}
	entities := query.Filters.Entities
	if len(entities) == 0 {
		seen := make(map[string]bool)
		for _, m := range properNoun.FindAllString(text, -1) {
			if !seen[m] {
				seen[m] = true
				entities = append(entities, m)
			}
		}
	}
	return []Facet{{Query: text, Subject: text, Entities: entities}}
}

const decompositionSystemPrompt = `You decompose an investigative question about a document corpus
into independent retrieval facets.

Return a JSON object:
{
  "facets": [
    {
      "query": "self-contained sub-question",
      "subject": "the entity or event this facet is about",
      "entities": ["named entities to traverse in the relation index"],
      "expansions": ["synonyms or rephrasings, only when the sub-question is under five words"]
    }
  ]
}

Rules:
- Each facet must be answerable from documents alone.
- Split on distinct entities, time windows, and topics; do not invent angles
  the question does not ask about.
- Three facets or fewer for simple questions.`

func buildDecompositionPrompt(query models.Query) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(query.Text)
	sb.WriteString("\n")
	if query.Filters.From != nil || query.Filters.To != nil {
		sb.WriteString("Date window:")
		if query.Filters.From != nil {
			sb.WriteString(" from " + query.Filters.From.Format("2006-01-02"))
		}
		if query.Filters.To != nil {
			sb.WriteString(" to " + query.Filters.To.Format("2006-01-02"))
		}
		sb.WriteString("\n")
	}
	if len(query.Filters.Entities) > 0 {
		sb.WriteString("Known entities: " + strings.Join(query.Filters.Entities, ", ") + "\n")
	}
	return sb.String()
}
