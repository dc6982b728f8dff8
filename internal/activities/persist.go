package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	ometrics "github.com/verity-labs/dossier/internal/metrics"
)

// PersistDossier writes the final task graph and dossier to the audit store,
// then releases the query's citation registry. Runs on a disconnected context
// so cancellation still leaves an audit trail.
func (a *Activities) PersistDossier(ctx context.Context, in PersistDossierInput) error {
	logger := activity.GetLogger(ctx)

	if a.AuditStore != nil {
		if err := a.AuditStore.SaveTaskGraph(ctx, in.CaseID, &in.Graph); err != nil {
			return err
		}
		if err := a.AuditStore.SaveDossier(ctx, &in.Dossier); err != nil {
			return err
		}
	}

	a.Registries.Drop(in.Dossier.QueryHandle)
	ometrics.QueriesCompleted.WithLabelValues(string(in.Dossier.Status)).Inc()

	logger.Info("dossier persisted",
		"query_handle", in.Dossier.QueryHandle,
		"case_id", in.CaseID,
		"status", in.Dossier.Status,
	)
	return nil
}
