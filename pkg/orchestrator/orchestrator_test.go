package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/provider"
	"github.com/crewforge/crewforge/pkg/scoring"
	"github.com/crewforge/crewforge/pkg/store"
	"github.com/crewforge/crewforge/pkg/workflow"
)

func workflowOptions(teamID string) workflow.ExecuteOptions {
	return workflow.ExecuteOptions{GlobalContext: map[string]any{"team_id": teamID}}
}

var lead = access.Actor{AgentID: "lead-1", RoleID: "tech_lead"}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg, err := config.Initialize(t.TempDir() + "/crewforge.yaml")
	require.NoError(t, err)
	cfg.Artifacts.RootDir = t.TempDir()
	cfg.Providers = map[string]config.ProviderConfig{
		"default": {Type: "scripted"},
	}

	o, err := New(Options{Config: cfg, PodID: "test-pod"})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { o.Close(context.Background()) })
	return o
}

func deliveryRequest(spec string) DeliveryRequest {
	return DeliveryRequest{
		Requirement: scoring.Requirement{
			Name:              "billing-service",
			Complexity:        scoring.LevelMedium,
			Parallelizability: scoring.LevelMedium,
			RequiredExpertise: []string{"backend"},
		},
		Blueprints: []scoring.Blueprint{
			{Name: "solo", Roles: []string{"backend_dev"}, ParallelStreams: 1, Complexity: scoring.LevelLow},
			{Name: "squad", Roles: []string{"tech_lead", "backend_dev", "qa_lead"}, ParallelStreams: 2,
				Complexity: scoring.LevelMedium, Expertise: []string{"backend"}},
		},
		WorkflowSpec: []byte(spec),
	}
}

const simpleSpec = `
name: delivery
nodes:
  - id: plan
    type: phase
    name: planning
    phase: planning
  - id: build
    type: action
    name: implement billing
    depends_on: [plan]
    inputs:
      persona: backend_dev
      prompt: implement the billing service
  - id: checkpoint
    type: checkpoint
    name: snapshot
    depends_on: [build]
`

func TestSubmitRequirementMaterializesTeamAndRuns(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	p, ok := o.Providers.Provider("default")
	require.True(t, ok)
	p.(*provider.ScriptedProvider).QueueText("billing service implemented")

	d, err := o.SubmitRequirement(ctx, lead, deliveryRequest(simpleSpec))
	require.NoError(t, err)

	assert.Equal(t, "squad", d.Blueprint.BlueprintName)
	assert.Len(t, d.Ranked, 2)
	require.NotNil(t, d.Team)
	assert.Len(t, d.Members, 3)

	// Blueprint roles bind to the seeded standard roles.
	roles, err := o.Store().Roles().ListByTeam(ctx, d.Team.ID)
	require.NoError(t, err)
	bound := 0
	for _, r := range roles {
		if r.CurrentAgentID != "" {
			bound++
		}
	}
	assert.Equal(t, 3, bound)

	require.NotNil(t, d.Result)
	assert.Equal(t, models.WorkflowStatusCompleted, d.Result.Status)
	assert.Equal(t, 3, d.Result.NodesRun)

	// The run leaves a success record the blueprint scorer reads next time.
	m, err := o.History.Metrics(ctx, "blueprint:squad", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Total)
	assert.InDelta(t, 1.0, m.SuccessRate, 1e-9)

	// The scripted provider saw the action prompt.
	reqs := p.(*provider.ScriptedProvider).Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "implement the billing service", reqs[0].Messages[len(reqs[0].Messages)-1].Content)
}

func TestSubmitRequirementIdempotency(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	req := deliveryRequest("")
	req.WorkflowSpec = nil
	req.IdempotencyKey = "intake-1"

	first, err := o.SubmitRequirement(ctx, lead, req)
	require.NoError(t, err)
	second, err := o.SubmitRequirement(ctx, lead, req)
	require.NoError(t, err)
	assert.Same(t, first, second)

	teams, err := o.Store().Teams().List(ctx)
	require.NoError(t, err)
	assert.Len(t, teams, 1)
}

func TestSubmitRequirementValidation(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.SubmitRequirement(context.Background(), lead, DeliveryRequest{})
	assert.True(t, store.IsValidationError(err))

	_, err = o.SubmitRequirement(context.Background(), lead, DeliveryRequest{
		Requirement: scoring.Requirement{Name: "x"},
	})
	assert.True(t, store.IsValidationError(err))
}

func TestSubmitRequirementDeniedForUnknownRole(t *testing.T) {
	o := newTestOrchestrator(t)

	req := deliveryRequest("")
	req.WorkflowSpec = nil
	_, err := o.SubmitRequirement(context.Background(), access.Actor{AgentID: "x", RoleID: "intern"}, req)
	assert.ErrorIs(t, err, access.ErrForbidden)
}

func TestRunWorkflowParsesAndExecutes(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	tm, err := o.Teams.CreateTeam(ctx, lead, "adhoc", "software_delivery")
	require.NoError(t, err)

	wf, result, err := o.RunWorkflow(ctx, tm.ID, []byte(simpleSpec), workflowOptions(tm.ID))
	require.NoError(t, err)
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, models.WorkflowStatusCompleted, result.Status)

	_, _, err = o.RunWorkflow(ctx, tm.ID, []byte("nodes: ["), workflowOptions(tm.ID))
	assert.Error(t, err)
}
