// Package team manages team composition: membership lifecycle, role
// bindings with full assignment history, phase-driven scaling, and
// role-based task routing. Every mutation is transactional and emits the
// matching event through the durable publisher.
package team

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

// ErrRoleUnfilled is returned when a role has no current agent and no
// suitable member exists to fill it.
var ErrRoleUnfilled = errors.New("role unfilled")

// Manager owns team composition. Mutations on one team serialize behind a
// per-team lock; operations spanning teams take the locks in lexicographic
// team-id order.
type Manager struct {
	store   store.Store
	pub     *events.Publisher
	guard   *access.Controller
	scaling map[string]config.PhasePlan
	locks   *keyedLocks
}

// NewManager wires the manager. scaling maps a phase name to the roles that
// phase needs; phases without a plan scale as no-ops.
func NewManager(st store.Store, pub *events.Publisher, guard *access.Controller, scaling map[string]config.PhasePlan) *Manager {
	return &Manager{
		store:   st,
		pub:     pub,
		guard:   guard,
		scaling: scaling,
		locks:   newKeyedLocks(),
	}
}

// CreateTeam creates a team, seeds the standard role set, and activates it.
func (m *Manager) CreateTeam(ctx context.Context, actor access.Actor, name, projectType string) (*models.Team, error) {
	if err := m.guard.Authorize(actor, access.ActionAddMember); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, store.NewValidationError("name", "required")
	}

	now := time.Now().UTC()
	team := &models.Team{
		ID:          uuid.New().String(),
		Name:        name,
		ProjectType: projectType,
		Status:      models.TeamStatusForming,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Teams().Create(ctx, team); err != nil {
			return err
		}
		if err := seedStandardRoles(ctx, tx, team.ID); err != nil {
			return err
		}
		return tx.Teams().UpdateStatus(ctx, team.ID, models.TeamStatusActive)
	})
	if err != nil {
		return nil, err
	}
	team.Status = models.TeamStatusActive

	slog.Info("Team created", "team_id", team.ID, "name", name, "project_type", projectType)
	return team, nil
}

// AddMemberWithBriefing registers an agent on the team, optionally binds it
// to a role, and returns the onboarding briefing: the current phase, the
// team's active tasks and the contracts currently in force. The membership
// and the role binding commit in one transaction.
func (m *Manager) AddMemberWithBriefing(ctx context.Context, actor access.Actor, teamID, personaID, roleID, currentPhase string) (*models.TeamMember, *models.Briefing, error) {
	if err := m.guard.Authorize(actor, access.ActionAddMember); err != nil {
		return nil, nil, err
	}
	if personaID == "" {
		return nil, nil, store.NewValidationError("persona_id", "required")
	}

	unlock := m.locks.lockWrite(teamID)
	defer unlock()

	now := time.Now().UTC()
	member := &models.TeamMember{
		AgentID:   uuid.New().String(),
		PersonaID: personaID,
		TeamID:    teamID,
		State:     models.MemberStatePending,
		JoinedAt:  now,
		UpdatedAt: now,
	}

	staged := m.pub.Stage()
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		team, err := tx.Teams().Get(ctx, teamID)
		if err != nil {
			return err
		}
		if team.Status == models.TeamStatusClosed || team.Status == models.TeamStatusWindingDown {
			return fmt.Errorf("%w: team %s is %s", store.ErrConflictingState, teamID, team.Status)
		}

		if err := tx.Members().Create(ctx, member); err != nil {
			return err
		}
		if err := tx.Members().UpdateState(ctx, teamID, member.AgentID, models.MemberStateActive, nil); err != nil {
			return err
		}
		member.State = models.MemberStateActive

		if roleID != "" {
			if err := m.bindRole(ctx, tx, staged, teamID, roleID, member.AgentID, "onboarding", "assigned"); err != nil {
				return err
			}
		}
		return staged.Add(ctx, tx, teamID, events.CategoryMember, "added", events.MemberAddedPayload{
			AgentID:   member.AgentID,
			PersonaID: personaID,
			Role:      roleID,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	staged.Flush(ctx)

	briefing, err := m.briefing(ctx, teamID, member.AgentID, currentPhase, roleID)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Member added", "team_id", teamID, "agent_id", member.AgentID, "persona_id", personaID, "role_id", roleID)
	return member, briefing, nil
}

func (m *Manager) briefing(ctx context.Context, teamID, agentID, currentPhase, roleID string) (*models.Briefing, error) {
	b := &models.Briefing{
		AgentID:      agentID,
		TeamID:       teamID,
		CurrentPhase: currentPhase,
		RoleID:       roleID,
	}

	for _, status := range []models.TaskStatus{models.TaskStatusReady, models.TaskStatusRunning} {
		tasks, err := m.store.Tasks().ListByTeamAndStatus(ctx, teamID, status)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			b.ActiveTasks = append(b.ActiveTasks, t.ID)
		}
	}

	contracts, err := m.store.Contracts().ListByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for _, c := range contracts {
		if c.Status == models.ContractStatusActive {
			b.OpenContracts = append(b.OpenContracts, c.ID)
		}
	}
	return b, nil
}

// RetireMemberWithHandoff retires a member and produces the handoff
// artifact. Roles it held are reassigned to the successor when one is given,
// released otherwise; open tasks move to the successor or stay listed for
// the team to triage. Everything commits in one transaction.
func (m *Manager) RetireMemberWithHandoff(ctx context.Context, actor access.Actor, teamID, agentID, successorID string) (*models.Handoff, error) {
	if err := m.guard.Authorize(actor, access.ActionRetireMember); err != nil {
		return nil, err
	}

	unlock := m.locks.lockWrite(teamID)
	defer unlock()

	now := time.Now().UTC()
	handoff := &models.Handoff{
		AgentID:          agentID,
		SuccessorAgentID: successorID,
		TeamID:           teamID,
		GeneratedAt:      now,
	}

	staged := m.pub.Stage()
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		member, err := tx.Members().Get(ctx, teamID, agentID)
		if err != nil {
			return err
		}
		if member.State == models.MemberStateRetired {
			return fmt.Errorf("%w: member %s already retired", store.ErrConflictingState, agentID)
		}

		if successorID != "" {
			succ, err := tx.Members().Get(ctx, teamID, successorID)
			if err != nil {
				return fmt.Errorf("successor: %w", err)
			}
			if succ.State != models.MemberStateActive {
				return fmt.Errorf("%w: successor %s is %s", store.ErrConflictingState, successorID, succ.State)
			}
		}

		roles, err := tx.Roles().ListByTeam(ctx, teamID)
		if err != nil {
			return err
		}
		for _, r := range roles {
			if r.CurrentAgentID != agentID {
				continue
			}
			if successorID != "" {
				if err := m.bindRole(ctx, tx, staged, teamID, r.RoleID, successorID, "handoff", "reassigned"); err != nil {
					return err
				}
				handoff.RolesReassigned = append(handoff.RolesReassigned, r.RoleID)
			} else {
				if err := m.bindRole(ctx, tx, staged, teamID, r.RoleID, "", "retirement", "unassigned"); err != nil {
					return err
				}
				handoff.RolesReleased = append(handoff.RolesReleased, r.RoleID)
			}
		}

		openTasks, err := tx.Tasks().ListOpenByAgent(ctx, teamID, agentID)
		if err != nil {
			return err
		}
		for _, t := range openTasks {
			handoff.OpenTaskIDs = append(handoff.OpenTaskIDs, t.ID)
			if successorID != "" {
				if err := tx.Tasks().SetAssignee(ctx, t.ID, successorID); err != nil {
					return err
				}
			}
		}

		assumptions, err := tx.Assumptions().ListByAgent(ctx, teamID, agentID)
		if err != nil {
			return err
		}
		for _, a := range assumptions {
			if a.Status != models.AssumptionStatusInvalidated {
				handoff.AssumptionIDs = append(handoff.AssumptionIDs, a.ID)
			}
		}

		contracts, err := tx.Contracts().ListByOwner(ctx, teamID, agentID)
		if err != nil {
			return err
		}
		for _, c := range contracts {
			if c.Status == models.ContractStatusDraft || c.Status == models.ContractStatusActive {
				handoff.InProgressContracts = append(handoff.InProgressContracts, c.ID)
			}
		}

		if err := tx.Members().UpdateState(ctx, teamID, agentID, models.MemberStateRetired, &now); err != nil {
			return err
		}
		return staged.Add(ctx, tx, teamID, events.CategoryMember, "retired", events.MemberRetiredPayload{
			AgentID:       agentID,
			OpenTaskCount: len(handoff.OpenTaskIDs),
			RolesReleased: handoff.RolesReleased,
		})
	})
	if err != nil {
		return nil, err
	}
	staged.Flush(ctx)

	slog.Info("Member retired",
		"team_id", teamID,
		"agent_id", agentID,
		"successor", successorID,
		"roles_released", len(handoff.RolesReleased),
		"roles_reassigned", len(handoff.RolesReassigned),
		"open_tasks", len(handoff.OpenTaskIDs))
	return handoff, nil
}

// AssignAgentToRole binds an agent to a currently unassigned role.
func (m *Manager) AssignAgentToRole(ctx context.Context, actor access.Actor, teamID, roleID, agentID, reason string) error {
	if err := m.guard.Authorize(actor, access.ActionAssignRole); err != nil {
		return err
	}
	unlock := m.locks.lockWrite(teamID)
	defer unlock()
	return m.mutateRole(ctx, teamID, roleID, agentID, reason, "assigned")
}

// ReassignRole moves a role from its current agent to another.
func (m *Manager) ReassignRole(ctx context.Context, actor access.Actor, teamID, roleID, toAgent, reason string) error {
	if err := m.guard.Authorize(actor, access.ActionAssignRole); err != nil {
		return err
	}
	unlock := m.locks.lockWrite(teamID)
	defer unlock()
	return m.mutateRole(ctx, teamID, roleID, toAgent, reason, "reassigned")
}

// UnassignRole releases a role, leaving it unfilled.
func (m *Manager) UnassignRole(ctx context.Context, actor access.Actor, teamID, roleID, reason string) error {
	if err := m.guard.Authorize(actor, access.ActionAssignRole); err != nil {
		return err
	}
	unlock := m.locks.lockWrite(teamID)
	defer unlock()
	return m.mutateRole(ctx, teamID, roleID, "", reason, "unassigned")
}

func (m *Manager) mutateRole(ctx context.Context, teamID, roleID, toAgent, reason, action string) error {
	staged := m.pub.Stage()
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		return m.bindRole(ctx, tx, staged, teamID, roleID, toAgent, reason, action)
	})
	if err != nil {
		return err
	}
	staged.Flush(ctx)
	return nil
}

// bindRole performs one role binding change inside a transaction: it
// validates the target, updates the current agent, appends the assignment
// history entry, and stages the matching role event.
func (m *Manager) bindRole(ctx context.Context, tx store.Store, staged *events.Staged, teamID, roleID, toAgent, reason, action string) error {
	role, err := tx.Roles().Get(ctx, teamID, roleID)
	if err != nil {
		return err
	}
	if !role.IsActive {
		return fmt.Errorf("%w: role %s is inactive", store.ErrConflictingState, roleID)
	}

	switch action {
	case "assigned":
		if role.CurrentAgentID != "" {
			return fmt.Errorf("%w: role %s already held by %s", store.ErrConflictingState, roleID, role.CurrentAgentID)
		}
	case "reassigned", "unassigned":
		if role.CurrentAgentID == "" {
			return fmt.Errorf("%w: role %s is unassigned", store.ErrConflictingState, roleID)
		}
	}
	if toAgent == role.CurrentAgentID && action == "reassigned" {
		return fmt.Errorf("%w: role %s already held by %s", store.ErrConflictingState, roleID, toAgent)
	}

	if toAgent != "" {
		member, err := tx.Members().Get(ctx, teamID, toAgent)
		if err != nil {
			return err
		}
		if member.State != models.MemberStateActive {
			return fmt.Errorf("%w: member %s is %s", store.ErrConflictingState, toAgent, member.State)
		}
	}

	if err := tx.Roles().SetCurrentAgent(ctx, teamID, roleID, toAgent); err != nil {
		return err
	}
	if err := tx.Roles().AppendAssignment(ctx, &models.AssignmentEntry{
		TeamID:     teamID,
		RoleID:     roleID,
		FromAgent:  role.CurrentAgentID,
		ToAgent:    toAgent,
		Reason:     reason,
		AssignedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return staged.Add(ctx, tx, teamID, events.CategoryRole, action, events.RoleAssignedPayload{
		RoleID:    roleID,
		FromAgent: role.CurrentAgentID,
		ToAgent:   toAgent,
		Reason:    reason,
	})
}

// ResolveTaskAgent resolves a required role to the agent currently holding
// it. Resolution happens at dispatch time, so a task created before a
// reassignment routes to whoever holds the role when the task actually runs.
func (m *Manager) ResolveTaskAgent(ctx context.Context, teamID, requiredRole string) (string, error) {
	unlock := m.locks.lockRead(teamID)
	defer unlock()

	role, err := m.store.Roles().Get(ctx, teamID, requiredRole)
	if err != nil {
		return "", err
	}
	if role.CurrentAgentID == "" {
		return "", fmt.Errorf("%w: %s in team %s", ErrRoleUnfilled, requiredRole, teamID)
	}
	return role.CurrentAgentID, nil
}

// CreateTask registers a task. A task whose dependencies have all completed
// (or that has none) starts ready; otherwise it starts blocked and is
// promoted to ready when its last dependency completes.
func (m *Manager) CreateTask(ctx context.Context, actor access.Actor, task *models.Task) (*models.Task, error) {
	if err := m.guard.Authorize(actor, access.ActionCreateTask); err != nil {
		return nil, err
	}
	if task.TeamID == "" {
		return nil, store.NewValidationError("team_id", "required")
	}
	if task.Title == "" {
		return nil, store.NewValidationError("title", "required")
	}

	now := time.Now().UTC()
	task.ID = uuid.New().String()
	task.Status = models.TaskStatusReady
	task.CreatedBy = actor.AgentID
	task.CreatedAt = now
	task.UpdatedAt = now

	for _, dep := range task.Dependencies {
		depTask, err := m.store.Tasks().Get(ctx, dep)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, store.NewValidationError("dependencies", "unknown task "+dep)
			}
			return nil, err
		}
		if depTask.Status != models.TaskStatusCompleted {
			task.Status = models.TaskStatusBlocked
			break
		}
	}

	staged := m.pub.Stage()
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Tasks().Create(ctx, task); err != nil {
			return err
		}
		return staged.Add(ctx, tx, task.TeamID, events.CategoryTask, string(task.Status), events.TaskStatusPayload{
			TaskID: task.ID,
			Status: task.Status,
		})
	})
	if err != nil {
		return nil, err
	}
	staged.Flush(ctx)
	return task, nil
}

// DispatchTask routes a ready task to the agent currently holding its
// required role and marks it running. Tasks without a required role must
// already carry an assignee.
func (m *Manager) DispatchTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := m.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusReady {
		return nil, fmt.Errorf("%w: task %s is %s", store.ErrConflictingState, taskID, task.Status)
	}

	assignee := task.AssignedTo
	if task.RequiredRole != "" {
		assignee, err = m.ResolveTaskAgent(ctx, task.TeamID, task.RequiredRole)
		if err != nil {
			return nil, err
		}
	}
	if assignee == "" {
		return nil, fmt.Errorf("%w: task %s has no required role and no assignee", ErrRoleUnfilled, taskID)
	}

	staged := m.pub.Stage()
	err = m.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Tasks().SetAssignee(ctx, taskID, assignee); err != nil {
			return err
		}
		if err := tx.Tasks().UpdateStatus(ctx, taskID, models.TaskStatusRunning); err != nil {
			return err
		}
		return staged.Add(ctx, tx, task.TeamID, events.CategoryTask, string(models.TaskStatusRunning), events.TaskStatusPayload{
			TaskID:     taskID,
			Status:     models.TaskStatusRunning,
			AssignedTo: assignee,
		})
	})
	if err != nil {
		return nil, err
	}
	staged.Flush(ctx)

	task.AssignedTo = assignee
	task.Status = models.TaskStatusRunning
	return task, nil
}

// CompleteTask records a terminal task outcome.
func (m *Manager) CompleteTask(ctx context.Context, taskID string, status models.TaskStatus) error {
	if status != models.TaskStatusCompleted && status != models.TaskStatusFailed {
		return store.NewValidationError("status", "must be completed or failed")
	}
	task, err := m.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return err
	}

	staged := m.pub.Stage()
	err = m.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Tasks().UpdateStatus(ctx, taskID, status); err != nil {
			return err
		}
		if err := staged.Add(ctx, tx, task.TeamID, events.CategoryTask, string(status), events.TaskStatusPayload{
			TaskID:     taskID,
			Status:     status,
			AssignedTo: task.AssignedTo,
		}); err != nil {
			return err
		}
		if status == models.TaskStatusCompleted {
			return m.promoteUnblocked(ctx, tx, staged, task.TeamID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	staged.Flush(ctx)
	return nil
}

// promoteUnblocked moves the team's blocked dependency-bearing tasks to
// ready once every task they depend on has completed. Runs inside the
// completing task's transaction so the completion and the promotions commit
// together.
func (m *Manager) promoteUnblocked(ctx context.Context, tx store.Store, staged *events.Staged, teamID string) error {
	blocked, err := tx.Tasks().ListByTeamAndStatus(ctx, teamID, models.TaskStatusBlocked)
	if err != nil {
		return err
	}
	for _, t := range blocked {
		if len(t.Dependencies) == 0 {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			depTask, err := tx.Tasks().Get(ctx, dep)
			if err != nil {
				return err
			}
			if depTask.Status != models.TaskStatusCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if err := tx.Tasks().UpdateStatus(ctx, t.ID, models.TaskStatusReady); err != nil {
			return err
		}
		if err := staged.Add(ctx, tx, teamID, events.CategoryTask, string(models.TaskStatusReady), events.TaskStatusPayload{
			TaskID: t.ID,
			Status: models.TaskStatusReady,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ScalingReport summarizes one phase-transition scaling pass.
type ScalingReport struct {
	TeamID      string            `json:"team_id"`
	FromPhase   string            `json:"from_phase,omitempty"`
	ToPhase     string            `json:"to_phase"`
	Filled      map[string]string `json:"filled,omitempty"`       // role -> agent
	Added       []string          `json:"added,omitempty"`        // new agent IDs
	Reactivated []string          `json:"reactivated,omitempty"`  // standby agents brought back
	StoodDown   []string          `json:"stood_down,omitempty"`   // agents moved to standby
	Unfilled    []string          `json:"unfilled,omitempty"`     // roles left without an agent
}

// ScaleForPhaseTransition reshapes the team for the target phase. Required
// roles are filled, preferring standby members over new ones; members whose
// roles are all outside the new phase's plan go on standby rather than
// retiring, so the next transition can bring them back. The whole pass is
// one transaction: a failure leaves membership untouched.
func (m *Manager) ScaleForPhaseTransition(ctx context.Context, teamID, fromPhase, toPhase string) (*ScalingReport, error) {
	plan, ok := m.scaling[toPhase]
	if !ok {
		slog.Debug("No scaling plan for phase", "team_id", teamID, "to_phase", toPhase)
		return &ScalingReport{TeamID: teamID, FromPhase: fromPhase, ToPhase: toPhase}, nil
	}

	unlock := m.locks.lockWrite(teamID)
	defer unlock()

	report := &ScalingReport{
		TeamID:    teamID,
		FromPhase: fromPhase,
		ToPhase:   toPhase,
		Filled:    make(map[string]string),
	}

	wanted := make(map[string]bool, len(plan.RequiredRoles)+len(plan.OptionalRoles))
	for _, r := range plan.RequiredRoles {
		wanted[r] = true
	}
	for _, r := range plan.OptionalRoles {
		wanted[r] = true
	}

	staged := m.pub.Stage()
	err := m.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Teams().UpdateStatus(ctx, teamID, models.TeamStatusScaling); err != nil {
			return err
		}

		roles, err := tx.Roles().ListByTeam(ctx, teamID)
		if err != nil {
			return err
		}
		byID := make(map[string]*models.Role, len(roles))
		for _, r := range roles {
			byID[r.RoleID] = r
		}

		members, err := tx.Members().ListByTeam(ctx, teamID)
		if err != nil {
			return err
		}
		standby := make([]*models.TeamMember, 0)
		holding := make(map[string][]string) // agent -> roles held
		for _, r := range roles {
			if r.CurrentAgentID != "" {
				holding[r.CurrentAgentID] = append(holding[r.CurrentAgentID], r.RoleID)
			}
		}
		for _, mem := range members {
			if mem.State == models.MemberStateOnStandby {
				standby = append(standby, mem)
			}
		}

		for _, roleID := range plan.RequiredRoles {
			role, ok := byID[roleID]
			if !ok {
				return fmt.Errorf("%w: role %s", store.ErrNotFound, roleID)
			}
			if role.CurrentAgentID != "" {
				report.Filled[roleID] = role.CurrentAgentID
				continue
			}

			var agentID string
			if len(standby) > 0 {
				mem := standby[0]
				standby = standby[1:]
				if err := tx.Members().UpdateState(ctx, teamID, mem.AgentID, models.MemberStateActive, nil); err != nil {
					return err
				}
				agentID = mem.AgentID
				report.Reactivated = append(report.Reactivated, agentID)
			} else {
				now := time.Now().UTC()
				mem := &models.TeamMember{
					AgentID:   uuid.New().String(),
					PersonaID: "persona:" + roleID,
					TeamID:    teamID,
					State:     models.MemberStatePending,
					JoinedAt:  now,
					UpdatedAt: now,
				}
				if err := tx.Members().Create(ctx, mem); err != nil {
					return err
				}
				if err := tx.Members().UpdateState(ctx, teamID, mem.AgentID, models.MemberStateActive, nil); err != nil {
					return err
				}
				agentID = mem.AgentID
				report.Added = append(report.Added, agentID)
				if err := staged.Add(ctx, tx, teamID, events.CategoryMember, "added", events.MemberAddedPayload{
					AgentID:   agentID,
					PersonaID: mem.PersonaID,
					Role:      roleID,
				}); err != nil {
					return err
				}
			}

			if err := m.bindRole(ctx, tx, staged, teamID, roleID, agentID, "phase scaling to "+toPhase, "assigned"); err != nil {
				return err
			}
			report.Filled[roleID] = agentID
			holding[agentID] = append(holding[agentID], roleID)
		}

		// Members whose every held role falls outside the plan stand down.
		for _, mem := range members {
			if mem.State != models.MemberStateActive {
				continue
			}
			held := holding[mem.AgentID]
			if len(held) == 0 {
				continue
			}
			needed := false
			for _, roleID := range held {
				if wanted[roleID] {
					needed = true
					break
				}
			}
			if needed {
				continue
			}
			for _, roleID := range held {
				if err := m.bindRole(ctx, tx, staged, teamID, roleID, "", "phase scaling to "+toPhase, "unassigned"); err != nil {
					return err
				}
			}
			if err := tx.Members().UpdateState(ctx, teamID, mem.AgentID, models.MemberStateOnStandby, nil); err != nil {
				return err
			}
			report.StoodDown = append(report.StoodDown, mem.AgentID)
		}

		for _, roleID := range plan.OptionalRoles {
			role, ok := byID[roleID]
			if !ok || role.CurrentAgentID == "" {
				report.Unfilled = append(report.Unfilled, roleID)
			} else {
				report.Filled[roleID] = role.CurrentAgentID
			}
		}

		return tx.Teams().UpdateStatus(ctx, teamID, models.TeamStatusActive)
	})
	if err != nil {
		return nil, err
	}
	staged.Flush(ctx)

	slog.Info("Team scaled for phase",
		"team_id", teamID,
		"from_phase", fromPhase,
		"to_phase", toPhase,
		"added", len(report.Added),
		"reactivated", len(report.Reactivated),
		"stood_down", len(report.StoodDown),
		"unfilled", len(report.Unfilled))
	return report, nil
}

// SubscribeScaling wires the manager to phase transition events so teams
// reshape automatically as workflows cross phase boundaries.
func (m *Manager) SubscribeScaling(bus events.Bus) (func(), error) {
	return bus.Subscribe("team:*:events:phase.transition", func(ctx context.Context, ev events.Event) {
		var p events.PhaseTransitionPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			slog.Warn("Malformed phase transition payload", "topic", ev.Topic, "error", err)
			return
		}
		if _, err := m.ScaleForPhaseTransition(ctx, ev.TeamID, p.FromPhase, p.ToPhase); err != nil {
			slog.Error("Phase scaling failed",
				"team_id", ev.TeamID,
				"to_phase", p.ToPhase,
				"error", err)
		}
	})
}
