package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/artifacts"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/scoring"
	"github.com/crewforge/crewforge/pkg/store"
	"github.com/crewforge/crewforge/pkg/team"
	"github.com/crewforge/crewforge/pkg/workflow"
)

// DeliveryRequest is one requirement intake: the requirement itself, the
// candidate blueprints to compose from, and optionally a workflow spec to
// run on the materialized team.
type DeliveryRequest struct {
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	ProjectType    string              `json:"project_type"`
	Requirement    scoring.Requirement `json:"requirement"`
	Blueprints     []scoring.Blueprint `json:"blueprints"`
	WorkflowSpec   []byte              `json:"workflow_spec,omitempty"`
}

// Delivery is the outcome of a requirement intake.
type Delivery struct {
	Team      *models.Team              `json:"team"`
	Blueprint *scoring.BlueprintScore   `json:"blueprint"`
	Ranked    []*scoring.BlueprintScore `json:"ranked"`
	Members   []*models.TeamMember      `json:"members"`
	Workflow  *models.WorkflowDAG       `json:"workflow,omitempty"`
	Result    *workflow.ExecutionResult `json:"result,omitempty"`
}

// SubmitRequirement runs the intake flow: rank the candidate blueprints,
// materialize a team from the winner (standard roles plus one member per
// blueprint role), then build and execute the workflow spec when one is
// provided. Repeated calls with the same idempotency key replay the first
// outcome.
func (o *Orchestrator) SubmitRequirement(ctx context.Context, actor access.Actor, req DeliveryRequest) (*Delivery, error) {
	if req.Requirement.Name == "" {
		return nil, store.NewValidationError("requirement.name", "required")
	}
	if len(req.Blueprints) == 0 {
		return nil, store.NewValidationError("blueprints", "at least one candidate required")
	}

	v, err := o.Idem.Do(req.IdempotencyKey, func() (any, error) {
		return o.deliver(ctx, actor, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Delivery), nil
}

func (o *Orchestrator) deliver(ctx context.Context, actor access.Actor, req DeliveryRequest) (*Delivery, error) {
	ranked, err := o.Scores.RankBlueprints(ctx, req.Requirement, req.Blueprints)
	if err != nil {
		return nil, fmt.Errorf("rank blueprints: %w", err)
	}
	best := ranked[0]
	var chosen scoring.Blueprint
	for _, bp := range req.Blueprints {
		if bp.Name == best.BlueprintName {
			chosen = bp
			break
		}
	}

	projectType := req.ProjectType
	if projectType == "" {
		projectType = "software_delivery"
	}
	tm, err := o.Teams.CreateTeam(ctx, actor, req.Requirement.Name, projectType)
	if err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}
	if err := o.Teams.InitializeStandardRoles(ctx, tm.ID); err != nil {
		return nil, fmt.Errorf("seed standard roles: %w", err)
	}

	standard := make(map[string]bool)
	for _, sr := range team.StandardRoles() {
		standard[sr.ID] = true
	}

	delivery := &Delivery{Team: tm, Blueprint: best, Ranked: ranked}
	for _, role := range chosen.Roles {
		roleID := ""
		if standard[role] {
			roleID = role
		}
		member, _, err := o.Teams.AddMemberWithBriefing(ctx, actor, tm.ID, role, roleID, "planning")
		if err != nil {
			return nil, fmt.Errorf("staff role %s: %w", role, err)
		}
		delivery.Members = append(delivery.Members, member)
	}

	slog.Info("Requirement accepted",
		"requirement", req.Requirement.Name,
		"team_id", tm.ID,
		"blueprint", best.BlueprintName,
		"score", best.Score,
		"members", len(delivery.Members))

	if len(req.WorkflowSpec) > 0 {
		wf, result, err := o.RunWorkflow(ctx, tm.ID, req.WorkflowSpec, workflow.ExecuteOptions{
			GlobalContext: map[string]any{
				"team_id":     tm.ID,
				"requirement": req.Requirement.Name,
			},
		})
		if err != nil {
			return nil, err
		}
		delivery.Workflow = wf
		delivery.Result = result
		o.recordBlueprintOutcome(ctx, best.BlueprintName, result)
	}

	if _, err := o.Artifacts.Save(artifacts.KindHistory, "delivery-"+tm.ID, delivery); err != nil {
		slog.Warn("Delivery artifact not written", "team_id", tm.ID, "error", err)
	}
	return delivery, nil
}

// RunWorkflow parses a spec, persists the DAG, and executes it.
func (o *Orchestrator) RunWorkflow(ctx context.Context, teamID string, specData []byte, opts workflow.ExecuteOptions) (*models.WorkflowDAG, *workflow.ExecutionResult, error) {
	spec, err := workflow.ParseSpec(specData)
	if err != nil {
		return nil, nil, fmt.Errorf("parse workflow spec: %w", err)
	}
	wf, err := o.Engine.CreateWorkflow(ctx, teamID, spec)
	if err != nil {
		return nil, nil, fmt.Errorf("create workflow: %w", err)
	}
	if opts.GlobalContext == nil {
		opts.GlobalContext = map[string]any{"team_id": teamID}
	}
	result, err := o.Engine.Execute(ctx, wf.ID, opts)
	if err != nil {
		return wf, nil, fmt.Errorf("execute workflow %s: %w", wf.ID, err)
	}
	return wf, result, nil
}

// ResumeWorkflow continues a halted run over its completed nodes.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, workflowID string, opts workflow.ExecuteOptions) (*workflow.ExecutionResult, error) {
	result, err := o.Engine.Resume(ctx, workflowID, opts)
	if err != nil {
		return nil, fmt.Errorf("resume workflow %s: %w", workflowID, err)
	}
	return result, nil
}

// recordBlueprintOutcome feeds the execution history the blueprint scorer
// reads its historical-success dimension from.
func (o *Orchestrator) recordBlueprintOutcome(ctx context.Context, blueprintName string, result *workflow.ExecutionResult) {
	status := models.HistoryStatusSuccess
	if result.Status != models.WorkflowStatusCompleted {
		status = models.HistoryStatusFailed
	}
	rec := &models.ExecutionHistoryRecord{
		TaskName:  "blueprint:" + blueprintName,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.History.Record(ctx, rec); err != nil {
		slog.Warn("Blueprint outcome not recorded", "blueprint", blueprintName, "error", err)
	}
}
