package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/crewforge/crewforge/pkg/models"
)

// ── Teams ──

type pgTeams struct{ s *PostgresStore }

func (t *pgTeams) Create(ctx context.Context, team *models.Team) error {
	if team.ID == "" {
		return NewValidationError("id", "required")
	}
	_, err := t.s.q.ExecContext(ctx,
		`INSERT INTO teams (id, name, project_type, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		team.ID, team.Name, team.ProjectType, team.Status, team.CreatedAt)
	return mapPGError(err)
}

func (t *pgTeams) Get(ctx context.Context, id string) (*models.Team, error) {
	row := t.s.q.QueryRowContext(ctx,
		`SELECT id, name, project_type, status, created_at, updated_at FROM teams WHERE id = $1`, id)
	var team models.Team
	err := row.Scan(&team.ID, &team.Name, &team.ProjectType, &team.Status, &team.CreatedAt, &team.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	return &team, nil
}

func (t *pgTeams) List(ctx context.Context) ([]*models.Team, error) {
	rows, err := t.s.q.QueryContext(ctx,
		`SELECT id, name, project_type, status, created_at, updated_at FROM teams ORDER BY created_at`)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.Team
	for rows.Next() {
		var team models.Team
		if err := rows.Scan(&team.ID, &team.Name, &team.ProjectType, &team.Status, &team.CreatedAt, &team.UpdatedAt); err != nil {
			return nil, mapPGError(err)
		}
		out = append(out, &team)
	}
	return out, mapPGError(rows.Err())
}

func (t *pgTeams) UpdateStatus(ctx context.Context, id string, status models.TeamStatus) error {
	return execExpectingRow(ctx, t.s.q,
		`UPDATE teams SET status = $2, updated_at = now() WHERE id = $1`, id, status)
}

// ── Members ──

type pgMembers struct{ s *PostgresStore }

func (m *pgMembers) Create(ctx context.Context, tm *models.TeamMember) error {
	if tm.TeamID == "" {
		return NewValidationError("team_id", "required")
	}
	if tm.AgentID == "" {
		return NewValidationError("agent_id", "required")
	}
	perf, err := marshalJSON(tm.PerformanceSummary)
	if err != nil {
		return err
	}
	_, err = m.s.q.ExecContext(ctx,
		`INSERT INTO team_members (team_id, agent_id, persona_id, state, joined_at, performance_summary)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		tm.TeamID, tm.AgentID, tm.PersonaID, tm.State, tm.JoinedAt, perf)
	return mapPGError(err)
}

func scanMember(row interface{ Scan(...any) error }) (*models.TeamMember, error) {
	var tm models.TeamMember
	var retiredAt sql.NullTime
	var perf []byte
	err := row.Scan(&tm.TeamID, &tm.AgentID, &tm.PersonaID, &tm.State, &tm.JoinedAt, &retiredAt, &perf, &tm.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	if retiredAt.Valid {
		tm.RetiredAt = &retiredAt.Time
	}
	if len(perf) > 0 && string(perf) != "null" && string(perf) != "[]" {
		var p models.PerformanceSummary
		if err := unmarshalJSON(perf, &p); err != nil {
			return nil, err
		}
		tm.PerformanceSummary = &p
	}
	return &tm, nil
}

const memberColumns = `team_id, agent_id, persona_id, state, joined_at, retired_at, performance_summary, updated_at`

func (m *pgMembers) Get(ctx context.Context, teamID, agentID string) (*models.TeamMember, error) {
	row := m.s.q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM team_members WHERE team_id = $1 AND agent_id = $2`, teamID, agentID)
	return scanMember(row)
}

func (m *pgMembers) listWhere(ctx context.Context, where string, args ...any) ([]*models.TeamMember, error) {
	rows, err := m.s.q.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM team_members WHERE `+where+` ORDER BY joined_at`, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.TeamMember
	for rows.Next() {
		tm, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tm)
	}
	return out, mapPGError(rows.Err())
}

func (m *pgMembers) ListByTeam(ctx context.Context, teamID string) ([]*models.TeamMember, error) {
	return m.listWhere(ctx, `team_id = $1`, teamID)
}

func (m *pgMembers) ListByTeamAndState(ctx context.Context, teamID string, state models.MemberState) ([]*models.TeamMember, error) {
	return m.listWhere(ctx, `team_id = $1 AND state = $2`, teamID, state)
}

func (m *pgMembers) UpdateState(ctx context.Context, teamID, agentID string, state models.MemberState, retiredAt *time.Time) error {
	var retired sql.NullTime
	if retiredAt != nil {
		retired = sql.NullTime{Time: *retiredAt, Valid: true}
	}
	return execExpectingRow(ctx, m.s.q,
		`UPDATE team_members SET state = $3, retired_at = COALESCE($4, retired_at), updated_at = now()
		 WHERE team_id = $1 AND agent_id = $2`,
		teamID, agentID, state, retired)
}

func (m *pgMembers) UpdatePerformance(ctx context.Context, teamID, agentID string, summary models.PerformanceSummary) error {
	perf, err := marshalJSON(&summary)
	if err != nil {
		return err
	}
	return execExpectingRow(ctx, m.s.q,
		`UPDATE team_members SET performance_summary = $3, updated_at = now()
		 WHERE team_id = $1 AND agent_id = $2`,
		teamID, agentID, perf)
}

func (m *pgMembers) FindTeams(ctx context.Context, agentID string) ([]string, error) {
	rows, err := m.s.q.QueryContext(ctx,
		`SELECT team_id FROM team_members WHERE agent_id = $1 AND state = 'active' ORDER BY team_id`, agentID)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPGError(err)
		}
		out = append(out, id)
	}
	return out, mapPGError(rows.Err())
}

// ── Roles ──

type pgRoles struct{ s *PostgresStore }

func (r *pgRoles) Create(ctx context.Context, role *models.Role) error {
	if role.RoleID == "" {
		return NewValidationError("role_id", "required")
	}
	_, err := r.s.q.ExecContext(ctx,
		`INSERT INTO roles (team_id, role_id, description, is_required, priority, is_active, current_agent_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		role.TeamID, role.RoleID, role.Description, role.IsRequired, role.Priority,
		role.IsActive, nullString(role.CurrentAgentID), role.CreatedAt)
	return mapPGError(err)
}

const roleColumns = `team_id, role_id, description, is_required, priority, is_active, current_agent_id, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (*models.Role, error) {
	var role models.Role
	var agent sql.NullString
	err := row.Scan(&role.TeamID, &role.RoleID, &role.Description, &role.IsRequired,
		&role.Priority, &role.IsActive, &agent, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	role.CurrentAgentID = fromNull(agent)
	return &role, nil
}

func (r *pgRoles) Get(ctx context.Context, teamID, roleID string) (*models.Role, error) {
	row := r.s.q.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE team_id = $1 AND role_id = $2`, teamID, roleID)
	return scanRole(row)
}

func (r *pgRoles) ListByTeam(ctx context.Context, teamID string) ([]*models.Role, error) {
	rows, err := r.s.q.QueryContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE team_id = $1 ORDER BY priority, role_id`, teamID)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, mapPGError(rows.Err())
}

func (r *pgRoles) SetCurrentAgent(ctx context.Context, teamID, roleID, agentID string) error {
	return execExpectingRow(ctx, r.s.q,
		`UPDATE roles SET current_agent_id = $3, updated_at = now() WHERE team_id = $1 AND role_id = $2`,
		teamID, roleID, nullString(agentID))
}

func (r *pgRoles) AppendAssignment(ctx context.Context, entry *models.AssignmentEntry) error {
	at := entry.AssignedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err := r.s.q.QueryRowContext(ctx,
		`INSERT INTO assignment_history (team_id, role_id, from_agent, to_agent, reason, assigned_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		entry.TeamID, entry.RoleID, nullString(entry.FromAgent), nullString(entry.ToAgent),
		nullString(entry.Reason), at).Scan(&entry.ID)
	return mapPGError(err)
}

func (r *pgRoles) AssignmentHistory(ctx context.Context, teamID, roleID string) ([]*models.AssignmentEntry, error) {
	rows, err := r.s.q.QueryContext(ctx,
		`SELECT id, team_id, role_id, from_agent, to_agent, reason, assigned_at
		 FROM assignment_history WHERE team_id = $1 AND role_id = $2 ORDER BY id`, teamID, roleID)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.AssignmentEntry
	for rows.Next() {
		var e models.AssignmentEntry
		var from, to, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.TeamID, &e.RoleID, &from, &to, &reason, &e.AssignedAt); err != nil {
			return nil, mapPGError(err)
		}
		e.FromAgent, e.ToAgent, e.Reason = fromNull(from), fromNull(to), fromNull(reason)
		out = append(out, &e)
	}
	return out, mapPGError(rows.Err())
}

// ── Tasks ──

type pgTasks struct{ s *PostgresStore }

func (t *pgTasks) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		return NewValidationError("id", "required")
	}
	if task.TeamID == "" {
		return NewValidationError("team_id", "required")
	}
	deps, err := marshalJSON(task.Dependencies)
	if err != nil {
		return err
	}
	_, err = t.s.q.ExecContext(ctx,
		`INSERT INTO tasks (id, team_id, title, description, status, required_role, priority, dependencies, created_by, assigned_to, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.TeamID, task.Title, task.Description, task.Status,
		nullString(task.RequiredRole), task.Priority, deps, task.CreatedBy,
		nullString(task.AssignedTo), task.CreatedAt)
	return mapPGError(err)
}

const taskColumns = `id, team_id, title, description, status, required_role, priority, dependencies, created_by, assigned_to, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var task models.Task
	var requiredRole, assignedTo sql.NullString
	var deps []byte
	err := row.Scan(&task.ID, &task.TeamID, &task.Title, &task.Description, &task.Status,
		&requiredRole, &task.Priority, &deps, &task.CreatedBy, &assignedTo,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	task.RequiredRole = fromNull(requiredRole)
	task.AssignedTo = fromNull(assignedTo)
	if err := unmarshalJSON(deps, &task.Dependencies); err != nil {
		return nil, err
	}
	return &task, nil
}

func (t *pgTasks) Get(ctx context.Context, id string) (*models.Task, error) {
	row := t.s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (t *pgTasks) listWhere(ctx context.Context, where string, args ...any) ([]*models.Task, error) {
	rows, err := t.s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, mapPGError(rows.Err())
}

func (t *pgTasks) ListByTeam(ctx context.Context, teamID string) ([]*models.Task, error) {
	return t.listWhere(ctx, `team_id = $1`, teamID)
}

func (t *pgTasks) ListByTeamAndStatus(ctx context.Context, teamID string, status models.TaskStatus) ([]*models.Task, error) {
	return t.listWhere(ctx, `team_id = $1 AND status = $2`, teamID, status)
}

func (t *pgTasks) ListOpenByAgent(ctx context.Context, teamID, agentID string) ([]*models.Task, error) {
	return t.listWhere(ctx,
		`team_id = $1 AND assigned_to = $2 AND status IN ('ready', 'running', 'blocked')`,
		teamID, agentID)
}

func (t *pgTasks) UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error {
	return execExpectingRow(ctx, t.s.q,
		`UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, id, status)
}

func (t *pgTasks) SetAssignee(ctx context.Context, id, agentID string) error {
	return execExpectingRow(ctx, t.s.q,
		`UPDATE tasks SET assigned_to = $2, updated_at = now() WHERE id = $1`, id, nullString(agentID))
}

// execExpectingRow runs an UPDATE/DELETE and translates zero affected rows
// into ErrNotFound.
func execExpectingRow(ctx context.Context, q querier, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapPGError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapPGError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
