package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/api"
	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/database"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/orchestrator"
	"github.com/crewforge/crewforge/pkg/store"
	"github.com/crewforge/crewforge/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func (o *cliOptions) actor() access.Actor {
	return access.Actor{AgentID: o.agentID, RoleID: o.roleID}
}

// orchestrator composes the system for one command invocation. PostgreSQL
// is used when DB_HOST is set; otherwise the in-memory store backs the run.
func (o *cliOptions) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, func(), error) {
	cfg, err := config.Initialize(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize configuration: %w", err)
	}

	opts := orchestrator.Options{Config: cfg, PodID: resolvePodID()}

	var dbClient *database.Client
	if os.Getenv("DB_HOST") != "" {
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("load database config: %w", err)
		}
		dbClient, err = database.NewClient(ctx, dbCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		opts.DB = dbClient.DB()
		opts.DatabaseURL = dbCfg.DSN()
		slog.Info("Connected to PostgreSQL database", "host", dbCfg.Host, "database", dbCfg.Database)
	}

	orch, err := orchestrator.New(opts)
	if err != nil {
		if dbClient != nil {
			_ = dbClient.Close()
		}
		return nil, nil, err
	}
	if err := orch.Start(ctx); err != nil {
		if dbClient != nil {
			_ = dbClient.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		orch.Close(context.Background())
		if dbClient != nil {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}
	}
	return orch, cleanup, nil
}

func serveCmd(opts *cliOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background loops until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			orch, cleanup, err := opts.orchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			slog.Info("CrewForge started", "pod_id", resolvePodID(), "addr", addr)
			return api.NewServer(orch).Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":"+getEnv("HTTP_PORT", "8080"), "HTTP listen address")
	return cmd
}

func teamCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Manage teams",
	}

	var name, projectType string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a team with the standard role set and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, cleanup, err := opts.orchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			tm, err := orch.Teams.CreateTeam(ctx, opts.actor(), name, projectType)
			if err != nil {
				return err
			}
			if err := orch.Teams.InitializeStandardRoles(ctx, tm.ID); err != nil {
				return err
			}
			fmt.Println(tm.ID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Team name")
	create.Flags().StringVar(&projectType, "project-type", "software_delivery", "Project type")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(create)
	return cmd
}

func workflowCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run workflows",
	}

	var teamID, specPath, resumeID string
	var failOnValidation bool
	run := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow spec and stream node transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			orch, cleanup, err := opts.orchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			unsub, err := orch.Bus().Subscribe(events.Topic(teamID, events.CategoryNode, events.ActionTransition),
				func(_ context.Context, ev events.Event) {
					var p events.NodeStatePayload
					if err := json.Unmarshal(ev.Payload, &p); err != nil {
						return
					}
					fmt.Printf("node %s: %s\n", p.NodeID, p.To)
				})
			if err != nil {
				return err
			}
			defer unsub()

			execOpts := workflow.ExecuteOptions{
				GlobalContext:         map[string]any{"team_id": teamID},
				FailOnValidationError: failOnValidation,
			}

			var result *workflow.ExecutionResult
			if resumeID != "" {
				result, err = orch.ResumeWorkflow(ctx, resumeID, execOpts)
			} else {
				data, readErr := os.ReadFile(specPath)
				if readErr != nil {
					return fmt.Errorf("read workflow spec: %w", readErr)
				}
				_, result, err = orch.RunWorkflow(ctx, teamID, data, execOpts)
			}
			if err != nil {
				if ctx.Err() != nil {
					return &exitError{code: 130, msg: "workflow cancelled"}
				}
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return workflowExit(ctx, orch.Store(), result)
		},
	}
	run.Flags().StringVar(&teamID, "team", "", "Owning team id")
	run.Flags().StringVar(&specPath, "spec", "", "Path to the workflow spec (YAML)")
	run.Flags().StringVar(&resumeID, "resume", "", "Resume an existing workflow by id instead of starting a new one")
	run.Flags().BoolVar(&failOnValidation, "fail-on-validation", false, "Halt on the first node failure instead of finishing reachable nodes")
	_ = run.MarkFlagRequired("team")

	cmd.AddCommand(run)
	return cmd
}

// workflowExit maps a finished run onto the documented exit codes:
// 0 success, 1 validation failed, 2 runtime error, 3 blocked by gate,
// 130 cancelled.
func workflowExit(ctx context.Context, st store.Store, result *workflow.ExecutionResult) error {
	switch {
	case result.Status == models.WorkflowStatusCompleted:
		return nil
	case result.Status == models.WorkflowStatusCancelled:
		return &exitError{code: 130, msg: "workflow cancelled"}
	case result.GateBlocked:
		return &exitError{code: 3, msg: "workflow blocked by validation gate"}
	}

	for _, nodeID := range result.Failed {
		attempts, err := st.Attempts().ListByNode(ctx, result.WorkflowID, nodeID)
		if err != nil {
			continue
		}
		for _, a := range attempts {
			if a.ErrorClassification == "validation" {
				return &exitError{code: 1, msg: "workflow validation failed"}
			}
		}
	}
	return &exitError{code: 2, msg: "workflow failed"}
}

func roleCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage role assignments",
	}

	var teamID, roleID, agentID, reason string
	bind := func(c *cobra.Command, needsAgent bool) {
		c.Flags().StringVar(&teamID, "team", "", "Team id")
		c.Flags().StringVar(&roleID, "role", "", "Role id")
		c.Flags().StringVar(&reason, "reason", "", "Reason recorded on the assignment")
		_ = c.MarkFlagRequired("team")
		_ = c.MarkFlagRequired("role")
		if needsAgent {
			c.Flags().StringVar(&agentID, "agent-id", "", "Agent to bind to the role")
			_ = c.MarkFlagRequired("agent-id")
		}
	}

	mutate := func(ctx context.Context, action string) error {
		orch, cleanup, err := opts.orchestrator(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		switch action {
		case "assign":
			err = orch.Teams.AssignAgentToRole(ctx, opts.actor(), teamID, roleID, agentID, reason)
		case "reassign":
			err = orch.Teams.ReassignRole(ctx, opts.actor(), teamID, roleID, agentID, reason)
		case "unassign":
			err = orch.Teams.UnassignRole(ctx, opts.actor(), teamID, roleID, reason)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%sed %s\n", action, roleID)
		return nil
	}

	assign := &cobra.Command{
		Use:   "assign",
		Short: "Bind an agent to a team role",
		RunE:  func(cmd *cobra.Command, args []string) error { return mutate(cmd.Context(), "assign") },
	}
	bind(assign, true)

	reassign := &cobra.Command{
		Use:   "reassign",
		Short: "Move a role to a different agent",
		RunE:  func(cmd *cobra.Command, args []string) error { return mutate(cmd.Context(), "reassign") },
	}
	bind(reassign, true)

	unassign := &cobra.Command{
		Use:   "unassign",
		Short: "Release a role binding",
		RunE:  func(cmd *cobra.Command, args []string) error { return mutate(cmd.Context(), "unassign") },
	}
	bind(unassign, false)

	cmd.AddCommand(assign, reassign, unassign)
	return cmd
}

func historyCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the execution history",
	}

	var task string
	var days int
	metrics := &cobra.Command{
		Use:   "metrics",
		Short: "Print aggregated task metrics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, cleanup, err := opts.orchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			m, err := orch.History.Metrics(ctx, task, days)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	metrics.Flags().StringVar(&task, "task", "", "Task name to aggregate")
	metrics.Flags().IntVar(&days, "days", 0, "Look-back window in days (0 means all)")
	_ = metrics.MarkFlagRequired("task")

	cmd.AddCommand(metrics)
	return cmd
}
