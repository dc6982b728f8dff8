package activities

import (
	"context"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/citations"
	"github.com/verity-labs/dossier/internal/contradict"
	"github.com/verity-labs/dossier/internal/db"
	"github.com/verity-labs/dossier/internal/docstore"
	"github.com/verity-labs/dossier/internal/llm"
	"github.com/verity-labs/dossier/internal/locator"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
	"github.com/verity-labs/dossier/internal/planner"
	"github.com/verity-labs/dossier/internal/ratecontrol"
	"github.com/verity-labs/dossier/internal/retrieval"
	"github.com/verity-labs/dossier/internal/streaming"
)

// Completer is the synthesis/extraction model capability. *llm.Client
// satisfies it; tests substitute fakes.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Activities bundles the specialists behind Temporal activity methods. All
// fields are optional in tests; production wiring fills them all. Locators
// and assemblers are built per query because each binds to that query's
// citation registry.
type Activities struct {
	Planner    *planner.Planner
	Retriever  *retrieval.Retriever
	LocatorCfg locator.Config
	Detector   *contradict.Detector
	Registries *citations.Manager
	Model      Completer
	DocStore   *docstore.Store
	AuditStore *db.Store
	Limits     *ratecontrol.Controller
	Events     *streaming.Manager
	Mirror     *streaming.RedisMirror
	Logger     *zap.Logger
}

// Deps carries the constructor arguments for Activities.
type Deps struct {
	Planner    *planner.Planner
	Retriever  *retrieval.Retriever
	LocatorCfg locator.Config
	Detector   *contradict.Detector
	Registries *citations.Manager
	Model      Completer
	DocStore   *docstore.Store
	AuditStore *db.Store
	Limits     *ratecontrol.Controller
	Events     *streaming.Manager
	Mirror     *streaming.RedisMirror
	Logger     *zap.Logger
}

// recordTask tracks task node executions and retry attempts for the
// dashboard. Called from inside activity context.
func recordTask(ctx context.Context, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ometrics.TasksExecuted.WithLabelValues(kind, status).Inc()
	if activity.IsActivity(ctx) && activity.GetInfo(ctx).Attempt > 1 {
		ometrics.TaskRetries.WithLabelValues(kind).Inc()
	}
}

func New(d Deps) *Activities {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{
		Planner:    d.Planner,
		Retriever:  d.Retriever,
		LocatorCfg: d.LocatorCfg,
		Detector:   d.Detector,
		Registries: d.Registries,
		Model:      d.Model,
		DocStore:   d.DocStore,
		AuditStore: d.AuditStore,
		Limits:     d.Limits,
		Events:     d.Events,
		Mirror:     d.Mirror,
		Logger:     logger,
	}
}
