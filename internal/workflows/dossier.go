package workflows

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/verity-labs/dossier/internal/activities"
	"github.com/verity-labs/dossier/internal/degradation"
	"github.com/verity-labs/dossier/internal/models"
	"github.com/verity-labs/dossier/internal/planner"
	"github.com/verity-labs/dossier/internal/streaming"
)

const (
	// TaskGraphQueryName exposes the live task graph to pollers.
	TaskGraphQueryName = "task_graph"

	// defaultConcurrency bounds simultaneously running tasks per query.
	defaultConcurrency = 3

	taskTimeout     = 2 * time.Minute
	taskMaxAttempts = 3

	// queryTimeout is the backstop for the whole task graph. When it fires
	// the query settles with whatever finished; remaining nodes are
	// abandoned.
	queryTimeout = 10 * time.Minute
)

// DossierWorkflow schedules one query end to end: plan, run the task graph
// under a concurrency bound, then assemble and persist the dossier. The graph
// is the single source of truth for task state; goroutines here mutate it
// without locks because workflow code is single-threaded.
func DossierWorkflow(ctx workflow.Context, query models.Query) (models.Dossier, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("dossier workflow started",
		"query_handle", query.Handle,
		"case_id", query.CaseID,
	)
	if query.SubmittedAt.IsZero() {
		query.SubmittedAt = workflow.Now(ctx).UTC()
	}

	var graph models.TaskGraph
	if err := workflow.SetQueryHandler(ctx, TaskGraphQueryName, func() (models.TaskGraph, error) {
		return graph, nil
	}); err != nil {
		return models.Dossier{}, err
	}

	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: taskTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        taskMaxAttempts,
			NonRetryableErrorTypes: []string{"PlanningError"},
		},
	})

	emitEvent(actx, activities.EmitTaskUpdateInput{
		QueryHandle: query.Handle,
		EventType:   streaming.EventQueryStarted,
		Timestamp:   workflow.Now(ctx).UTC(),
	})

	var planRes activities.PlanQueryResult
	if err := workflow.ExecuteActivity(actx, "PlanQuery", activities.PlanQueryInput{Query: query}).Get(actx, &planRes); err != nil {
		logger.Error("planning failed", "query_handle", query.Handle, "error", err)
		return finalize(ctx, query, &graph, assembleInput(query, models.DossierFailed, runState{
			warnings: []string{fmt.Sprintf("planning failed: %v", err)},
		}))
	}
	graph = planRes.Plan.Graph

	state := newRunState(planRes.Plan.Facets)
	runGraph(ctx, actx, query, &graph, state)

	status := degradation.ComputeStatus(&graph, state.degraded)
	return finalize(ctx, query, &graph, assembleInput(query, status, *state))
}

// runState accumulates task outputs. Written only from workflow goroutines,
// so it needs no synchronization.
type runState struct {
	facets    []planner.Facet
	fragments map[string][]models.EvidenceFragment // by retrieve node id
	facts     map[string][]models.NormalizedFact   // by locate node id
	findings  []models.ContradictionFinding
	synthesis activities.SynthesizeAnswerResult
	degraded  bool
	warnings  []string
}

func newRunState(facets []planner.Facet) *runState {
	return &runState{
		facets:    facets,
		fragments: make(map[string][]models.EvidenceFragment),
		facts:     make(map[string][]models.NormalizedFact),
	}
}

// allFacts concatenates located facts in facet order so downstream prompts
// and citation indexes are deterministic across replays.
func (s *runState) allFacts() []models.NormalizedFact {
	var out []models.NormalizedFact
	for i := range s.facets {
		out = append(out, s.facts[fmt.Sprintf("locate-%d", i)]...)
	}
	return out
}

func (s *runState) allFragments() []models.EvidenceFragment {
	var out []models.EvidenceFragment
	for i := range s.facets {
		out = append(out, s.fragments[fmt.Sprintf("retrieve-%d", i)]...)
	}
	return out
}

// runGraph launches one goroutine per node. Each waits for its dependencies
// to settle, takes a semaphore slot, and runs its activity. Cancellation
// abandons whatever has not finished.
func runGraph(ctx workflow.Context, actx workflow.Context, query models.Query, graph *models.TaskGraph, state *runState) {
	sem := workflow.NewSemaphore(ctx, defaultConcurrency)
	settledCount := 0

	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		workflow.Go(ctx, func(gctx workflow.Context) {
			defer func() { settledCount++ }()
			runNode(gctx, actx, query, graph, node, state, sem)
		})
	}

	ok, err := workflow.AwaitWithTimeout(ctx, queryTimeout, func() bool { return settledCount == len(graph.Nodes) })
	switch {
	case err != nil:
		abandonUnfinished(graph, "query cancelled")
		state.warnings = append(state.warnings, "query cancelled before all tasks finished")
	case !ok:
		abandonUnfinished(graph, "query deadline exceeded")
		state.degraded = true
		state.warnings = append(state.warnings, "query deadline exceeded before all tasks finished")
	}
}

func abandonUnfinished(graph *models.TaskGraph, reason string) {
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		if node.Status == models.TaskPending || node.Status == models.TaskRunning {
			node.Status = models.TaskAbandoned
			node.Error = reason
		}
	}
}

func runNode(gctx workflow.Context, actx workflow.Context, query models.Query, graph *models.TaskGraph, node *models.TaskNode, state *runState, sem workflow.Semaphore) {
	if err := workflow.Await(gctx, func() bool { return depsSettled(graph, node) }); err != nil {
		abandon(actx, query.Handle, node, "query cancelled")
		return
	}

	if reason, ok := depsSatisfied(graph, node, state); !ok {
		abandon(actx, query.Handle, node, reason)
		return
	}

	if err := sem.Acquire(gctx, 1); err != nil {
		abandon(actx, query.Handle, node, "query cancelled")
		return
	}
	defer sem.Release(1)

	node.Status = models.TaskRunning
	node.Attempts++
	emitEvent(actx, activities.EmitTaskUpdateInput{
		QueryHandle: query.Handle,
		EventType:   streaming.EventTaskStarted,
		TaskID:      node.ID,
		Status:      string(node.Status),
		Timestamp:   workflow.Now(gctx).UTC(),
	})

	if err := executeNode(gctx, actx, query, node, state); err != nil {
		node.Status = models.TaskFailed
		node.Error = err.Error()
		emitEvent(actx, activities.EmitTaskUpdateInput{
			QueryHandle: query.Handle,
			EventType:   streaming.EventTaskFailed,
			TaskID:      node.ID,
			Status:      string(node.Status),
			Message:     node.Error,
			Timestamp:   workflow.Now(gctx).UTC(),
		})
		// retries already happened inside the activity retry policy
		node.Status = models.TaskAbandoned
		emitEvent(actx, activities.EmitTaskUpdateInput{
			QueryHandle: query.Handle,
			EventType:   streaming.EventTaskAbandoned,
			TaskID:      node.ID,
			Status:      string(node.Status),
			Timestamp:   workflow.Now(gctx).UTC(),
		})
		return
	}

	node.Status = models.TaskDone
	emitEvent(actx, activities.EmitTaskUpdateInput{
		QueryHandle: query.Handle,
		EventType:   streaming.EventTaskCompleted,
		TaskID:      node.ID,
		Status:      string(node.Status),
		Timestamp:   workflow.Now(gctx).UTC(),
	})
}

// executeNode dispatches the node to its specialist activity and records the
// output on the shared state.
func executeNode(gctx workflow.Context, actx workflow.Context, query models.Query, node *models.TaskNode, state *runState) error {
	switch node.Kind {
	case models.TaskRetrieve:
		idx := nodeIndex(node.ID)
		facet := planner.Facet{Query: node.Facet}
		if idx >= 0 && idx < len(state.facets) {
			facet = state.facets[idx]
		}
		var res activities.RetrieveEvidenceResult
		if err := workflow.ExecuteActivity(actx, "RetrieveEvidence", activities.RetrieveEvidenceInput{
			QueryHandle: query.Handle,
			CaseID:      query.CaseID,
			Facet:       facet,
			Filters:     query.Filters,
		}).Get(gctx, &res); err != nil {
			return err
		}
		state.fragments[node.ID] = res.Fragments
		if res.Degraded {
			state.degraded = true
			state.warnings = append(state.warnings, fmt.Sprintf("retrieval degraded for %q", node.Facet))
		}
		return nil

	case models.TaskLocate:
		retrieveID := singleDep(node)
		var res activities.LocateFactsResult
		if err := workflow.ExecuteActivity(actx, "LocateFacts", activities.LocateFactsInput{
			QueryHandle: query.Handle,
			Subquery:    node.Facet,
			Fragments:   state.fragments[retrieveID],
		}).Get(gctx, &res); err != nil {
			return err
		}
		state.facts[node.ID] = res.Facts
		return nil

	case models.TaskContradict:
		var res activities.DetectContradictionsResult
		if err := workflow.ExecuteActivity(actx, "DetectContradictions", activities.DetectContradictionsInput{
			QueryHandle: query.Handle,
			Facts:       state.allFacts(),
		}).Get(gctx, &res); err != nil {
			return err
		}
		state.findings = res.Findings
		return nil

	case models.TaskSynthesize:
		var res activities.SynthesizeAnswerResult
		if err := workflow.ExecuteActivity(actx, "SynthesizeAnswer", activities.SynthesizeAnswerInput{
			QueryHandle: query.Handle,
			QueryText:   query.Text,
			Facts:       state.allFacts(),
			Fragments:   state.allFragments(),
		}).Get(gctx, &res); err != nil {
			return err
		}
		state.synthesis = res
		return nil

	default:
		return fmt.Errorf("unknown task kind %q", node.Kind)
	}
}

// depsSettled reports whether every dependency reached a terminal state.
func depsSettled(graph *models.TaskGraph, node *models.TaskNode) bool {
	for _, dep := range node.DependsOn {
		d := graph.Node(dep)
		if d == nil {
			return true // validated at planning; treat as settled
		}
		switch d.Status {
		case models.TaskDone, models.TaskFailed, models.TaskAbandoned:
		default:
			return false
		}
	}
	return true
}

// depsSatisfied decides whether the node can still produce useful work given
// how its dependencies ended. Locates need their retrieve; contradict and
// synthesize tolerate partial upstream failure, but synthesis needs at least
// one locate that produced facts.
func depsSatisfied(graph *models.TaskGraph, node *models.TaskNode, state *runState) (string, bool) {
	switch node.Kind {
	case models.TaskLocate:
		dep := graph.Node(singleDep(node))
		if dep != nil && dep.Status != models.TaskDone {
			return "evidence retrieval did not complete", false
		}
		return "", true
	case models.TaskSynthesize:
		if len(state.allFacts()) == 0 {
			return "no facts located for any facet", false
		}
		return "", true
	default:
		return "", true
	}
}

func abandon(actx workflow.Context, queryHandle string, node *models.TaskNode, reason string) {
	node.Status = models.TaskAbandoned
	node.Error = reason
	emitEvent(actx, activities.EmitTaskUpdateInput{
		QueryHandle: queryHandle,
		EventType:   streaming.EventTaskAbandoned,
		TaskID:      node.ID,
		Status:      string(node.Status),
		Message:     reason,
	})
}

// assembleInput gathers the terminal snapshot, including per-facet outcomes.
func assembleInput(query models.Query, status models.DossierStatus, state runState) activities.AssembleDossierInput {
	outcomes := make([]models.FacetOutcome, 0, len(state.facets))
	for i, f := range state.facets {
		facts, locateRan := state.facts[fmt.Sprintf("locate-%d", i)]
		outcomes = append(outcomes, degradation.FacetOutcome(f.Query, len(facts), locateRan))
	}

	return activities.AssembleDossierInput{
		QueryHandle:     query.Handle,
		CaseID:          query.CaseID,
		Status:          status,
		SubmittedAt:     query.SubmittedAt,
		SynthesizedText: state.synthesis.Text,
		CitationIndex:   state.synthesis.CitationIndex,
		Facts:           state.allFacts(),
		Contradictions:  state.findings,
		Facets:          outcomes,
		Degraded:        state.degraded,
		Warnings:        state.warnings,
	}
}

// finalize assembles and persists on a disconnected context so cancellation
// still produces an auditable dossier.
func finalize(ctx workflow.Context, query models.Query, graph *models.TaskGraph, in activities.AssembleDossierInput) (models.Dossier, error) {
	dctx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	dctx = workflow.WithActivityOptions(dctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: taskMaxAttempts},
	})

	var res activities.AssembleDossierResult
	if err := workflow.ExecuteActivity(dctx, "AssembleDossier", in).Get(dctx, &res); err != nil {
		return models.Dossier{}, err
	}

	if err := workflow.ExecuteActivity(dctx, "PersistDossier", activities.PersistDossierInput{
		CaseID:  query.CaseID,
		Graph:   *graph,
		Dossier: res.Dossier,
	}).Get(dctx, nil); err != nil {
		workflow.GetLogger(dctx).Error("persist failed", "query_handle", query.Handle, "error", err)
	}

	emitEvent(dctx, activities.EmitTaskUpdateInput{
		QueryHandle: query.Handle,
		EventType:   streaming.EventQueryCompleted,
		Status:      string(res.Dossier.Status),
		Timestamp:   workflow.Now(dctx).UTC(),
	})
	return res.Dossier, nil
}

// emitEvent publishes a progress event, best effort.
func emitEvent(actx workflow.Context, in activities.EmitTaskUpdateInput) {
	if in.Timestamp.IsZero() {
		in.Timestamp = workflow.Now(actx).UTC()
	}
	if err := workflow.ExecuteActivity(actx, "EmitTaskUpdate", in).Get(actx, nil); err != nil {
		workflow.GetLogger(actx).Debug("event emit failed", "event_type", in.EventType, "error", err)
	}
}

// nodeIndex extracts the positional index from ids like "retrieve-2".
func nodeIndex(id string) int {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return -1
	}
	return idx
}

func singleDep(node *models.TaskNode) string {
	if len(node.DependsOn) == 0 {
		return ""
	}
	return node.DependsOn[0]
}
