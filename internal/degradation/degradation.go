package degradation

import (
	"github.com/verity-labs/dossier/internal/models"
)

// ComputeStatus derives the query-terminal status from the settled task
// graph: complete when every task ran clean, failed when no answer could be
// synthesized, partial for everything in between (degraded retrieval, a
// failed contradiction pass, abandoned facets).
func ComputeStatus(graph *models.TaskGraph, degraded bool) models.DossierStatus {
	synthDone := false
	allDone := true
	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		if n.Kind == models.TaskSynthesize && n.Status == models.TaskDone {
			synthDone = true
		}
		if n.Status != models.TaskDone {
			allDone = false
		}
	}
	switch {
	case !synthDone:
		return models.DossierFailed
	case allDone && !degraded:
		return models.DossierComplete
	default:
		return models.DossierPartial
	}
}

// FacetOutcome annotates one facet of the answer with whether it could be
// answered and why not. locateRan distinguishes "the analysis ran and found
// nothing" from "the analysis never completed".
func FacetOutcome(facet string, facts int, locateRan bool) models.FacetOutcome {
	out := models.FacetOutcome{Facet: facet, Answered: facts > 0}
	if !out.Answered {
		if locateRan {
			out.Reason = "no facts located"
		} else {
			out.Reason = "analysis did not complete"
		}
	}
	return out
}
