package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/verity-labs/dossier/internal/models"
	"github.com/verity-labs/dossier/internal/ratecontrol"
	"github.com/verity-labs/dossier/internal/retrieval"
)

// RetrieveEvidence runs one retrieve task: fan out to the indexes, fuse, and
// mint a citation handle for every surviving fragment. Fragments without a
// resolvable document span never get a handle and are dropped here.
func (a *Activities) RetrieveEvidence(ctx context.Context, in RetrieveEvidenceInput) (_ RetrieveEvidenceResult, err error) {
	defer func() { recordTask(ctx, string(models.TaskRetrieve), err) }()
	logger := activity.GetLogger(ctx)
	logger.Info("retrieving evidence",
		"query_handle", in.QueryHandle,
		"facet", in.Facet.Query,
	)

	if a.Limits != nil {
		if err := a.Limits.Wait(ctx, ratecontrol.BackendSemantic); err != nil {
			return RetrieveEvidenceResult{}, err
		}
	}

	filters := in.Filters
	if len(filters.Entities) == 0 {
		filters.Entities = in.Facet.Entities
	}

	res, err := a.Retriever.Retrieve(ctx, retrieval.Request{
		CaseID:     in.CaseID,
		Subquery:   in.Facet.Query,
		Filters:    filters,
		Expansions: in.Facet.Expansions,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrRetrievalUnavailable) {
			// both indexes down; retrying later may succeed, but the
			// scheduler decides that, so keep the type visible
			return RetrieveEvidenceResult{}, temporal.NewApplicationError(err.Error(), "RetrievalUnavailable")
		}
		return RetrieveEvidenceResult{}, err
	}

	registry := a.Registries.ForQuery(in.QueryHandle)
	fragments := make([]models.EvidenceFragment, 0, len(res.Fragments))
	for _, frag := range res.Fragments {
		c, err := registry.Register(frag.DocumentID, frag.Page, frag.Paragraph, frag.SpanStart, frag.SpanEnd, frag.Modality)
		if err != nil {
			logger.Warn("dropping fragment without registrable span",
				"fragment_id", frag.ID,
				"document_id", frag.DocumentID,
				"error", err,
			)
			continue
		}
		frag.CitationID = c.ID
		fragments = append(fragments, frag)
	}

	logger.Info("evidence retrieved",
		"query_handle", in.QueryHandle,
		"fragments", len(fragments),
		"degraded", res.Degraded,
		"available", res.Available,
	)
	return RetrieveEvidenceResult{
		Fragments: fragments,
		Degraded:  res.Degraded,
		Available: res.Available,
	}, nil
}
