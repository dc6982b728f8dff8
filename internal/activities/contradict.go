package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/verity-labs/dossier/internal/models"
)

// DetectContradictions runs the rule-based detector over the full fact set.
// Pure CPU work; no backend waits.
func (a *Activities) DetectContradictions(ctx context.Context, in DetectContradictionsInput) (_ DetectContradictionsResult, err error) {
	defer func() { recordTask(ctx, string(models.TaskContradict), err) }()
	logger := activity.GetLogger(ctx)

	findings := a.Detector.Detect(in.Facts)

	logger.Info("contradiction pass complete",
		"query_handle", in.QueryHandle,
		"facts", len(in.Facts),
		"findings", len(findings),
	)
	return DetectContradictionsResult{Findings: findings}, nil
}
