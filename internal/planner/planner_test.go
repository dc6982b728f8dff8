package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/llm"
	"github.com/verity-labs/dossier/internal/models"
)

type cannedModel struct {
	text string
	err  error
}

func (c *cannedModel) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &llm.CompletionResponse{Text: c.text}, nil
}

const twoFacetResponse = `{"facets": [
	{"query": "when was the equipment failure first reported", "subject": "equipment failure", "entities": ["Acme Corp"]},
	{"query": "who signed the maintenance contract", "subject": "maintenance contract", "entities": ["Acme Corp", "J. Doe"]}
]}`

func TestPlanBuildsFourStageGraph(t *testing.T) {
	p := New(&cannedModel{text: twoFacetResponse}, Config{}, zap.NewNop())
	plan, err := p.Plan(context.Background(), models.Query{Handle: "q-1", Text: "what happened with the Acme contract"})
	require.NoError(t, err)

	g := plan.Graph
	assert.Equal(t, "q-1", g.QueryHandle)
	require.Len(t, plan.Facets, 2)
	require.Len(t, g.Nodes, 6) // 2 retrieve + 2 locate + contradict + synthesize

	r0 := g.Node("retrieve-0")
	require.NotNil(t, r0)
	assert.Equal(t, models.TaskRetrieve, r0.Kind)
	assert.Empty(t, r0.DependsOn)
	assert.Equal(t, models.TaskPending, r0.Status)

	l1 := g.Node("locate-1")
	require.NotNil(t, l1)
	assert.Equal(t, []string{"retrieve-1"}, l1.DependsOn)
	assert.Equal(t, "maintenance contract", l1.Subject)

	c := g.Node("contradict-0")
	require.NotNil(t, c)
	assert.ElementsMatch(t, []string{"locate-0", "locate-1"}, c.DependsOn)

	s := g.Node("synthesize-0")
	require.NotNil(t, s)
	assert.Len(t, s.DependsOn, 5, "synthesize depends on every other node")
}

func TestPlanIdempotentForIdenticalFacets(t *testing.T) {
	p := New(&cannedModel{text: twoFacetResponse}, Config{}, zap.NewNop())
	q := models.Query{Handle: "q-1", Text: "what happened"}

	p1, err := p.Plan(context.Background(), q)
	require.NoError(t, err)
	p2, err := p.Plan(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, p1.Graph, p2.Graph, "same facets must yield a structurally identical graph")
}

func TestPlanFallsBackToHeuristic(t *testing.T) {
	p := New(&cannedModel{err: errors.New("model down")}, Config{}, zap.NewNop())
	plan, err := p.Plan(context.Background(), models.Query{Handle: "q-2", Text: "did Acme Corp pay Meridian Bank"})
	require.NoError(t, err)

	require.Len(t, plan.Facets, 1)
	assert.Contains(t, plan.Facets[0].Entities, "Acme Corp")
	assert.Contains(t, plan.Facets[0].Entities, "Meridian Bank")
	require.Len(t, plan.Graph.Nodes, 4)
}

func TestPlanEmptyQueryFails(t *testing.T) {
	p := New(&cannedModel{err: errors.New("model down")}, Config{}, zap.NewNop())
	_, err := p.Plan(context.Background(), models.Query{Handle: "q-3", Text: "   "})
	var perr *PlanningError
	require.ErrorAs(t, err, &perr)
}

func TestPlanCapsFacets(t *testing.T) {
	p := New(&cannedModel{text: `{"facets": [
		{"query": "a"}, {"query": "b"}, {"query": "c"}, {"query": "d"}
	]}`}, Config{MaxFacets: 2}, zap.NewNop())
	plan, err := p.Plan(context.Background(), models.Query{Handle: "q", Text: "broad question"})
	require.NoError(t, err)
	assert.Len(t, plan.Facets, 2)
}

func TestValidateDAGDetectsCycle(t *testing.T) {
	g := models.TaskGraph{Nodes: []models.TaskNode{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}}
	var perr *PlanningError
	require.ErrorAs(t, ValidateDAG(&g), &perr)
	assert.Contains(t, perr.Reason, "cycle")
}

func TestValidateDAGDetectsUnknownDependency(t *testing.T) {
	g := models.TaskGraph{Nodes: []models.TaskNode{
		{ID: "a", DependsOn: []string{"ghost"}},
	}}
	assert.Error(t, ValidateDAG(&g))
}
