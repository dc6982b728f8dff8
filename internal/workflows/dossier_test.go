package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/verity-labs/dossier/internal/activities"
	"github.com/verity-labs/dossier/internal/models"
	"github.com/verity-labs/dossier/internal/planner"
)

// workflowFixture registers well-behaved fakes for every activity; tests set
// the override funcs to inject failures.
type workflowFixture struct {
	env       *testsuite.TestWorkflowEnvironment
	events    []activities.EmitTaskUpdateInput
	persisted *activities.PersistDossierInput

	planFn       func(in activities.PlanQueryInput) (activities.PlanQueryResult, error)
	retrieveFn   func(ctx context.Context, in activities.RetrieveEvidenceInput) (activities.RetrieveEvidenceResult, error)
	locateFn     func(in activities.LocateFactsInput) (activities.LocateFactsResult, error)
	contradictFn func(in activities.DetectContradictionsInput) (activities.DetectContradictionsResult, error)
	synthesizeFn func(in activities.SynthesizeAnswerInput) (activities.SynthesizeAnswerResult, error)
}

func newFixture(t *testing.T) *workflowFixture {
	t.Helper()
	ts := &testsuite.WorkflowTestSuite{}
	f := &workflowFixture{env: ts.NewTestWorkflowEnvironment()}
	f.env.RegisterWorkflow(DossierWorkflow)

	f.env.RegisterActivityWithOptions(func(ctx context.Context, in activities.PlanQueryInput) (activities.PlanQueryResult, error) {
		if f.planFn != nil {
			return f.planFn(in)
		}
		facets := []planner.Facet{{Query: in.Query.Text, Subject: in.Query.Text}}
		return activities.PlanQueryResult{Plan: planner.Plan{
			Graph:  planner.BuildGraph(in.Query.Handle, facets),
			Facets: facets,
		}}, nil
	}, activity.RegisterOptions{Name: "PlanQuery"})

	f.env.RegisterActivityWithOptions(func(ctx context.Context, in activities.RetrieveEvidenceInput) (activities.RetrieveEvidenceResult, error) {
		if f.retrieveFn != nil {
			return f.retrieveFn(ctx, in)
		}
		return activities.RetrieveEvidenceResult{Fragments: []models.EvidenceFragment{{
			ID: "frag-1", DocumentID: "doc-1", SpanStart: 0, SpanEnd: 50, Text: "payment cleared May 4", CitationID: "cit-1",
		}}, Available: []string{"semantic"}}, nil
	}, activity.RegisterOptions{Name: "RetrieveEvidence"})

	f.env.RegisterActivityWithOptions(func(ctx context.Context, in activities.LocateFactsInput) (activities.LocateFactsResult, error) {
		if f.locateFn != nil {
			return f.locateFn(in)
		}
		return activities.LocateFactsResult{Facts: []models.NormalizedFact{{
			ID: "fact-1", Subject: "Acme Corp", Predicate: "payment_date", Value: "May 4, 2024", CitationID: "cit-1", Confidence: 0.9,
		}}}, nil
	}, activity.RegisterOptions{Name: "LocateFacts"})

	f.env.RegisterActivityWithOptions(func(ctx context.Context, in activities.DetectContradictionsInput) (activities.DetectContradictionsResult, error) {
		if f.contradictFn != nil {
			return f.contradictFn(in)
		}
		return activities.DetectContradictionsResult{}, nil
	}, activity.RegisterOptions{Name: "DetectContradictions"})

	f.env.RegisterActivityWithOptions(func(ctx context.Context, in activities.SynthesizeAnswerInput) (activities.SynthesizeAnswerResult, error) {
		if f.synthesizeFn != nil {
			return f.synthesizeFn(in)
		}
		return activities.SynthesizeAnswerResult{Text: "The payment cleared on May 4 [1].", CitationIndex: []string{"cit-1"}}, nil
	}, activity.RegisterOptions{Name: "SynthesizeAnswer"})

	f.env.RegisterActivityWithOptions(func(ctx context.Context, in activities.AssembleDossierInput) (activities.AssembleDossierResult, error) {
		return activities.AssembleDossierResult{Dossier: models.Dossier{
			QueryHandle: in.QueryHandle,
			CaseID:      in.CaseID,
			Status:      in.Status,
			Degraded:    in.Degraded,
			Warnings:    in.Warnings,
			Facets:      in.Facets,
		}}, nil
	}, activity.RegisterOptions{Name: "AssembleDossier"})

	f.env.RegisterActivityWithOptions(func(ctx context.Context, in activities.PersistDossierInput) error {
		f.persisted = &in
		return nil
	}, activity.RegisterOptions{Name: "PersistDossier"})

	f.env.RegisterActivityWithOptions(func(ctx context.Context, in activities.EmitTaskUpdateInput) error {
		f.events = append(f.events, in)
		return nil
	}, activity.RegisterOptions{Name: "EmitTaskUpdate"})

	return f
}

func testQuery() models.Query {
	return models.Query{
		Handle:      "q-1",
		CaseID:      "case-1",
		Text:        "when did the Acme payment clear",
		SubmittedAt: time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *workflowFixture) eventTypes() []string {
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

func TestDossierWorkflow_HappyPathCompletes(t *testing.T) {
	f := newFixture(t)

	f.env.ExecuteWorkflow(DossierWorkflow, testQuery())
	require.True(t, f.env.IsWorkflowCompleted())
	require.NoError(t, f.env.GetWorkflowError())

	var dossier models.Dossier
	require.NoError(t, f.env.GetWorkflowResult(&dossier))
	assert.Equal(t, models.DossierComplete, dossier.Status)
	assert.False(t, dossier.Degraded)

	require.NotNil(t, f.persisted)
	for _, n := range f.persisted.Graph.Nodes {
		assert.Equal(t, models.TaskDone, n.Status, "node %s", n.ID)
	}

	types := f.eventTypes()
	assert.Contains(t, types, "QUERY_STARTED")
	assert.Contains(t, types, "QUERY_COMPLETED")
	assert.Contains(t, types, "TASK_COMPLETED")
}

func TestDossierWorkflow_ContradictFailureDegradesToPartial(t *testing.T) {
	f := newFixture(t)
	f.contradictFn = func(in activities.DetectContradictionsInput) (activities.DetectContradictionsResult, error) {
		return activities.DetectContradictionsResult{}, errors.New("detector crashed")
	}

	f.env.ExecuteWorkflow(DossierWorkflow, testQuery())
	require.True(t, f.env.IsWorkflowCompleted())
	require.NoError(t, f.env.GetWorkflowError())

	var dossier models.Dossier
	require.NoError(t, f.env.GetWorkflowResult(&dossier))
	assert.Equal(t, models.DossierPartial, dossier.Status)

	require.NotNil(t, f.persisted)
	contradict := f.persisted.Graph.Node("contradict-0")
	require.NotNil(t, contradict)
	assert.Equal(t, models.TaskAbandoned, contradict.Status)
	// One scheduler start; the retry policy's attempts stay inside the
	// activity and must not be reported as scheduler starts.
	assert.Equal(t, 1, contradict.Attempts)
	synth := f.persisted.Graph.Node("synthesize-0")
	require.NotNil(t, synth)
	assert.Equal(t, models.TaskDone, synth.Status)
}

func TestDossierWorkflow_PlanningErrorFailsQuery(t *testing.T) {
	f := newFixture(t)
	f.planFn = func(in activities.PlanQueryInput) (activities.PlanQueryResult, error) {
		return activities.PlanQueryResult{}, temporal.NewNonRetryableApplicationError("empty plan: no facets identified", "PlanningError", nil)
	}

	f.env.ExecuteWorkflow(DossierWorkflow, testQuery())
	require.True(t, f.env.IsWorkflowCompleted())
	require.NoError(t, f.env.GetWorkflowError())

	var dossier models.Dossier
	require.NoError(t, f.env.GetWorkflowResult(&dossier))
	assert.Equal(t, models.DossierFailed, dossier.Status)
	require.NotEmpty(t, dossier.Warnings)
	assert.Contains(t, dossier.Warnings[0], "planning failed")

	require.NotNil(t, f.persisted)
	assert.Empty(t, f.persisted.Graph.Nodes)
}

func TestDossierWorkflow_RetrieveFailureAbandonsDownstream(t *testing.T) {
	f := newFixture(t)
	f.retrieveFn = func(ctx context.Context, in activities.RetrieveEvidenceInput) (activities.RetrieveEvidenceResult, error) {
		return activities.RetrieveEvidenceResult{}, errors.New("no index reachable")
	}

	f.env.ExecuteWorkflow(DossierWorkflow, testQuery())
	require.True(t, f.env.IsWorkflowCompleted())
	require.NoError(t, f.env.GetWorkflowError())

	var dossier models.Dossier
	require.NoError(t, f.env.GetWorkflowResult(&dossier))
	assert.Equal(t, models.DossierFailed, dossier.Status)

	require.NotNil(t, f.persisted)
	assert.Equal(t, models.TaskAbandoned, f.persisted.Graph.Node("retrieve-0").Status)
	assert.Equal(t, models.TaskAbandoned, f.persisted.Graph.Node("locate-0").Status)
	assert.Equal(t, models.TaskAbandoned, f.persisted.Graph.Node("synthesize-0").Status)

	require.Len(t, dossier.Facets, 1)
	assert.False(t, dossier.Facets[0].Answered)
}

func TestDossierWorkflow_CancellationAbandonsInFlightTasks(t *testing.T) {
	f := newFixture(t)
	f.retrieveFn = func(ctx context.Context, in activities.RetrieveEvidenceInput) (activities.RetrieveEvidenceResult, error) {
		select {
		case <-ctx.Done():
			return activities.RetrieveEvidenceResult{}, ctx.Err()
		case <-time.After(10 * time.Second):
			return activities.RetrieveEvidenceResult{}, nil
		}
	}
	f.env.RegisterDelayedCallback(func() { f.env.CancelWorkflow() }, time.Second)

	f.env.ExecuteWorkflow(DossierWorkflow, testQuery())
	require.True(t, f.env.IsWorkflowCompleted())
	require.NoError(t, f.env.GetWorkflowError())

	var dossier models.Dossier
	require.NoError(t, f.env.GetWorkflowResult(&dossier))
	assert.Equal(t, models.DossierFailed, dossier.Status)
	require.NotEmpty(t, dossier.Warnings)

	require.NotNil(t, f.persisted)
	for _, id := range []string{"retrieve-0", "locate-0", "contradict-0", "synthesize-0"} {
		assert.Equal(t, models.TaskAbandoned, f.persisted.Graph.Node(id).Status, "node %s", id)
	}
}
