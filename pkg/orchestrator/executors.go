package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crewforge/crewforge/pkg/artifacts"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/provider"
	"github.com/crewforge/crewforge/pkg/workflow"
)

// registerExecutors binds the built-in node executors. Validator nodes are
// registered by the workflow package itself.
func (o *Orchestrator) registerExecutors(r *workflow.Registry) {
	r.Register(models.NodeTypePhase, workflow.ExecutorFunc(runPhase))
	r.Register(models.NodeTypeAction, workflow.ExecutorFunc(o.runAgentAction))
	r.Register(models.NodeTypeCheckpoint, workflow.ExecutorFunc(o.runCheckpoint))
	r.Register(models.NodeTypeNotification, workflow.ExecutorFunc(o.runNotification))
}

// runPhase marks the phase boundary; the engine publishes the transition
// event itself.
func runPhase(_ context.Context, node *models.WorkflowNode, _ *workflow.ExecContext) (*workflow.Result, error) {
	return &workflow.Result{Outputs: map[string]any{"phase": node.Name}}, nil
}

// runAgentAction dispatches an action node to the agent provider routed for
// its persona and collects the streamed response.
func (o *Orchestrator) runAgentAction(ctx context.Context, node *models.WorkflowNode, ec *workflow.ExecContext) (*workflow.Result, error) {
	persona := stringInput(node, ec, "persona")
	prompt := stringInput(node, ec, "prompt")
	if prompt == "" {
		prompt = node.Name
	}

	p, err := o.Providers.ForPersona(persona)
	if err != nil {
		return nil, fmt.Errorf("route action %s: %w", node.Name, err)
	}

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: "You are acting as " + personaOrDefault(persona) + " on a software delivery team."},
	}
	for dep, outputs := range ec.Upstream(node) {
		if text, ok := outputs["text"].(string); ok && text != "" {
			messages = append(messages, provider.Message{
				Role:    provider.RoleUser,
				Content: fmt.Sprintf("Output of %s:\n%s", dep, text),
			})
		}
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: prompt})

	text, usage, err := provider.Collect(p.Chat(ctx, provider.ChatRequest{Messages: messages}))
	if err != nil {
		return nil, fmt.Errorf("agent action %s: %w", node.Name, err)
	}
	outputs := map[string]any{"text": text}
	if usage != nil {
		outputs["output_tokens"] = usage.OutputTokens
	}
	return &workflow.Result{Outputs: outputs}, nil
}

// runCheckpoint snapshots the upstream outputs as a history artifact so a
// halted run leaves an inspectable trail on disk.
func (o *Orchestrator) runCheckpoint(_ context.Context, node *models.WorkflowNode, ec *workflow.ExecContext) (*workflow.Result, error) {
	snapshot := map[string]any{
		"node":     node.Name,
		"upstream": ec.Upstream(node),
	}
	path, err := o.Artifacts.Save(artifacts.KindHistory, "checkpoint-"+node.ID, snapshot)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", node.Name, err)
	}
	return &workflow.Result{Outputs: map[string]any{"artifact_path": path}}, nil
}

// runNotification publishes a transient event; notification nodes carry no
// durable state.
func (o *Orchestrator) runNotification(ctx context.Context, node *models.WorkflowNode, ec *workflow.ExecContext) (*workflow.Result, error) {
	teamID, _ := ec.Global["team_id"].(string)
	message := stringInput(node, ec, "message")
	if message == "" {
		message = node.Name
	}
	if teamID != "" {
		err := o.pub.PublishTransient(ctx, teamID, events.CategoryWorkflow, "notified", map[string]string{
			"node":    node.ID,
			"message": message,
		})
		if err != nil {
			return nil, fmt.Errorf("notify %s: %w", node.Name, err)
		}
	} else {
		slog.Info("Workflow notification", "node", node.Name, "message", message)
	}
	return &workflow.Result{Outputs: map[string]any{"message": message}}, nil
}

// stringInput reads a string from the node inputs, falling back to the
// global execution context.
func stringInput(node *models.WorkflowNode, ec *workflow.ExecContext, key string) string {
	if v, ok := node.Inputs[key].(string); ok && v != "" {
		return v
	}
	if v, ok := ec.Global[key].(string); ok {
		return v
	}
	return ""
}

func personaOrDefault(persona string) string {
	if persona == "" {
		return "a team member"
	}
	return persona
}
