package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/verity-labs/dossier/internal/planner"
	"github.com/verity-labs/dossier/internal/ratecontrol"
)

// PlanQuery decomposes the query into a validated task graph. A
// PlanningError is terminal: retrying decomposition of the same malformed
// query cannot succeed, so it surfaces as non-retryable.
func (a *Activities) PlanQuery(ctx context.Context, in PlanQueryInput) (PlanQueryResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("planning query",
		"query_handle", in.Query.Handle,
		"case_id", in.Query.CaseID,
	)

	if a.Limits != nil {
		if err := a.Limits.Wait(ctx, ratecontrol.BackendModel); err != nil {
			return PlanQueryResult{}, err
		}
	}

	plan, err := a.Planner.Plan(ctx, in.Query)
	if err != nil {
		var perr *planner.PlanningError
		if errors.As(err, &perr) {
			return PlanQueryResult{}, temporal.NewNonRetryableApplicationError(perr.Reason, "PlanningError", err)
		}
		return PlanQueryResult{}, err
	}

	logger.Info("plan ready",
		"query_handle", in.Query.Handle,
		"facets", len(plan.Facets),
		"nodes", len(plan.Graph.Nodes),
	)
	return PlanQueryResult{Plan: *plan}, nil
}
