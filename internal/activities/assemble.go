package activities

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/assembler"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
)

// AssembleDossier verifies the synthesized answer against the query's
// citation registry and renders the final dossier. Documents re-ingested
// after the query was submitted get a staleness warning: their citations were
// minted against an older revision.
func (a *Activities) AssembleDossier(ctx context.Context, in AssembleDossierInput) (AssembleDossierResult, error) {
	logger := activity.GetLogger(ctx)

	registry := a.Registries.ForQuery(in.QueryHandle)
	asm := assembler.New(registry, a.Logger)

	warnings := in.Warnings
	warnings = append(warnings, a.stalenessWarnings(ctx, in)...)

	dossier := asm.Assemble(ctx, assembler.Input{
		QueryHandle:     in.QueryHandle,
		CaseID:          in.CaseID,
		Status:          in.Status,
		SynthesizedText: in.SynthesizedText,
		CitationIndex:   in.CitationIndex,
		Facts:           in.Facts,
		Contradictions:  in.Contradictions,
		Facets:          in.Facets,
		Degraded:        in.Degraded,
		Warnings:        warnings,
	})

	logger.Info("dossier assembled",
		"query_handle", in.QueryHandle,
		"status", dossier.Status,
		"statements", len(dossier.Statements),
		"citations", len(dossier.Citations),
		"warnings", len(dossier.Warnings),
	)
	if !in.SubmittedAt.IsZero() {
		ometrics.QueryDuration.Observe(time.Since(in.SubmittedAt).Seconds())
	}
	return AssembleDossierResult{Dossier: dossier}, nil
}

// stalenessWarnings flags documents whose stored revision is newer than the
// query. Best effort; a docstore miss is not worth failing assembly over.
func (a *Activities) stalenessWarnings(ctx context.Context, in AssembleDossierInput) []string {
	if a.DocStore == nil || in.SubmittedAt.IsZero() {
		return nil
	}

	docs := make(map[string]bool)
	for _, f := range in.Facts {
		if c, ok := a.Registries.ForQuery(in.QueryHandle).Get(f.CitationID); ok {
			docs[c.DocumentID] = true
		}
	}

	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var warnings []string
	for _, id := range ids {
		stale, err := a.DocStore.StaleSince(ctx, id, in.SubmittedAt)
		if err != nil {
			a.Logger.Warn("staleness check failed", zap.String("document_id", id), zap.Error(err))
			continue
		}
		if stale {
			warnings = append(warnings, fmt.Sprintf("StaleCitation: document %s was re-ingested after this query started", id))
		}
	}
	return warnings
}
