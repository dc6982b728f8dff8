package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/verity-labs/dossier/internal/locator"
	"github.com/verity-labs/dossier/internal/models"
	"github.com/verity-labs/dossier/internal/ratecontrol"
)

// LocateFacts narrows fragments to minimal supporting spans and emits
// normalized facts. The locator binds to the query's citation registry so
// narrowed handles stay inside the same provenance chain as retrieval.
func (a *Activities) LocateFacts(ctx context.Context, in LocateFactsInput) (_ LocateFactsResult, err error) {
	defer func() { recordTask(ctx, string(models.TaskLocate), err) }()
	logger := activity.GetLogger(ctx)

	if len(in.Fragments) == 0 {
		return LocateFactsResult{}, nil
	}
	if a.Limits != nil {
		if err := a.Limits.Wait(ctx, ratecontrol.BackendModel); err != nil {
			return LocateFactsResult{}, err
		}
	}

	registry := a.Registries.ForQuery(in.QueryHandle)
	for _, f := range in.Fragments {
		if f.CitationID == "" {
			continue
		}
		// Rehydrates the handle when this worker did not run the retrieve.
		if err := registry.Adopt(models.Citation{
			ID:         f.CitationID,
			DocumentID: f.DocumentID,
			Page:       f.Page,
			Paragraph:  f.Paragraph,
			SpanStart:  f.SpanStart,
			SpanEnd:    f.SpanEnd,
			Modality:   f.Modality,
		}); err != nil {
			logger.Warn("fragment citation not adoptable", "fragment_id", f.ID, "error", err)
		}
	}

	loc := locator.New(a.Model, registry, a.LocatorCfg, a.Logger)
	facts, err := loc.Locate(ctx, in.Subquery, in.Fragments)
	if err != nil {
		return LocateFactsResult{}, err
	}

	logger.Info("facts located",
		"query_handle", in.QueryHandle,
		"fragments", len(in.Fragments),
		"facts", len(facts),
	)
	return LocateFactsResult{Facts: facts}, nil
}
