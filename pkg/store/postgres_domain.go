package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/crewforge/crewforge/pkg/models"
)

// ── Contracts ──

type pgContracts struct{ s *PostgresStore }

func (c *pgContracts) Create(ctx context.Context, ct *models.Contract) error {
	if ct.ID == "" {
		return NewValidationError("id", "required")
	}
	if ct.Name == "" {
		return NewValidationError("name", "required")
	}
	spec, err := marshalJSON(ct.Specification)
	if err != nil {
		return err
	}
	consumers, err := marshalJSON(ct.Consumers)
	if err != nil {
		return err
	}
	_, err = c.s.q.ExecContext(ctx,
		`INSERT INTO contracts (id, team_id, name, version, type, status, specification, owner_role, owner_agent, consumers, previous_version_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ct.ID, ct.TeamID, ct.Name, ct.Version, ct.Type, ct.Status, spec,
		ct.OwnerRole, ct.OwnerAgent, consumers, nullString(ct.PreviousVersionID), ct.CreatedAt)
	return mapPGError(err)
}

const contractColumns = `id, team_id, name, version, type, status, specification, owner_role, owner_agent, consumers, previous_version_id, created_at, updated_at`

func scanContract(row interface{ Scan(...any) error }) (*models.Contract, error) {
	var ct models.Contract
	var spec, consumers []byte
	var prev sql.NullString
	err := row.Scan(&ct.ID, &ct.TeamID, &ct.Name, &ct.Version, &ct.Type, &ct.Status,
		&spec, &ct.OwnerRole, &ct.OwnerAgent, &consumers, &prev, &ct.CreatedAt, &ct.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	ct.PreviousVersionID = fromNull(prev)
	if err := unmarshalJSON(spec, &ct.Specification); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(consumers, &ct.Consumers); err != nil {
		return nil, err
	}
	return &ct, nil
}

func (c *pgContracts) Get(ctx context.Context, id string) (*models.Contract, error) {
	row := c.s.q.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	return scanContract(row)
}

func (c *pgContracts) GetActiveByName(ctx context.Context, teamID, name string) (*models.Contract, error) {
	row := c.s.q.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE team_id = $1 AND name = $2 AND status = 'active'`,
		teamID, name)
	return scanContract(row)
}

func (c *pgContracts) listWhere(ctx context.Context, where string, args ...any) ([]*models.Contract, error) {
	rows, err := c.s.q.QueryContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.Contract
	for rows.Next() {
		ct, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, mapPGError(rows.Err())
}

func (c *pgContracts) ListByTeam(ctx context.Context, teamID string) ([]*models.Contract, error) {
	return c.listWhere(ctx, `team_id = $1`, teamID)
}

func (c *pgContracts) ListByOwner(ctx context.Context, teamID, ownerAgent string) ([]*models.Contract, error) {
	return c.listWhere(ctx, `team_id = $1 AND owner_agent = $2`, teamID, ownerAgent)
}

func (c *pgContracts) UpdateStatus(ctx context.Context, id string, status models.ContractStatus) error {
	return execExpectingRow(ctx, c.s.q,
		`UPDATE contracts SET status = $2, updated_at = now() WHERE id = $1`, id, status)
}

// ── Assumptions ──

type pgAssumptions struct{ s *PostgresStore }

func (a *pgAssumptions) Create(ctx context.Context, as *models.Assumption) error {
	if as.ID == "" {
		return NewValidationError("id", "required")
	}
	related, err := marshalJSON(as.RelatedArtifact)
	if err != nil {
		return err
	}
	dependents, err := marshalJSON(as.DependentArtifacts)
	if err != nil {
		return err
	}
	_, err = a.s.q.ExecContext(ctx,
		`INSERT INTO assumptions (id, team_id, made_by_agent, made_by_role, text, category, status, related_artifact, dependent_artifacts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		as.ID, as.TeamID, as.MadeByAgent, as.MadeByRole, as.Text, as.Category,
		as.Status, related, dependents, as.CreatedAt)
	return mapPGError(err)
}

const assumptionColumns = `id, team_id, made_by_agent, made_by_role, text, category, status, related_artifact, dependent_artifacts, validated_at, validated_by, invalidated_at, invalidated_by, invalidation_notes, created_at, updated_at`

func scanAssumption(row interface{ Scan(...any) error }) (*models.Assumption, error) {
	var as models.Assumption
	var related, dependents []byte
	var validatedAt, invalidatedAt sql.NullTime
	var validatedBy, invalidatedBy, notes sql.NullString
	err := row.Scan(&as.ID, &as.TeamID, &as.MadeByAgent, &as.MadeByRole, &as.Text,
		&as.Category, &as.Status, &related, &dependents, &validatedAt, &validatedBy,
		&invalidatedAt, &invalidatedBy, &notes, &as.CreatedAt, &as.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	if validatedAt.Valid {
		as.ValidatedAt = &validatedAt.Time
	}
	if invalidatedAt.Valid {
		as.InvalidatedAt = &invalidatedAt.Time
	}
	as.ValidatedBy = fromNull(validatedBy)
	as.InvalidatedBy = fromNull(invalidatedBy)
	as.InvalidationNotes = fromNull(notes)
	if err := unmarshalJSON(related, &as.RelatedArtifact); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(dependents, &as.DependentArtifacts); err != nil {
		return nil, err
	}
	return &as, nil
}

func (a *pgAssumptions) Get(ctx context.Context, id string) (*models.Assumption, error) {
	row := a.s.q.QueryRowContext(ctx, `SELECT `+assumptionColumns+` FROM assumptions WHERE id = $1`, id)
	return scanAssumption(row)
}

func (a *pgAssumptions) listWhere(ctx context.Context, where string, args ...any) ([]*models.Assumption, error) {
	rows, err := a.s.q.QueryContext(ctx,
		`SELECT `+assumptionColumns+` FROM assumptions WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.Assumption
	for rows.Next() {
		as, err := scanAssumption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, as)
	}
	return out, mapPGError(rows.Err())
}

func (a *pgAssumptions) ListByTeam(ctx context.Context, teamID string) ([]*models.Assumption, error) {
	return a.listWhere(ctx, `team_id = $1`, teamID)
}

func (a *pgAssumptions) ListByAgent(ctx context.Context, teamID, agentID string) ([]*models.Assumption, error) {
	return a.listWhere(ctx, `team_id = $1 AND made_by_agent = $2`, teamID, agentID)
}

func (a *pgAssumptions) Update(ctx context.Context, as *models.Assumption) error {
	dependents, err := marshalJSON(as.DependentArtifacts)
	if err != nil {
		return err
	}
	var validatedAt, invalidatedAt sql.NullTime
	if as.ValidatedAt != nil {
		validatedAt = sql.NullTime{Time: *as.ValidatedAt, Valid: true}
	}
	if as.InvalidatedAt != nil {
		invalidatedAt = sql.NullTime{Time: *as.InvalidatedAt, Valid: true}
	}
	return execExpectingRow(ctx, a.s.q,
		`UPDATE assumptions SET status = $2, dependent_artifacts = $3,
			validated_at = $4, validated_by = $5,
			invalidated_at = $6, invalidated_by = $7, invalidation_notes = $8,
			updated_at = now()
		 WHERE id = $1`,
		as.ID, as.Status, dependents, validatedAt, nullString(as.ValidatedBy),
		invalidatedAt, nullString(as.InvalidatedBy), nullString(as.InvalidationNotes))
}

// ── Conflicts ──

type pgConflicts struct{ s *PostgresStore }

func (c *pgConflicts) Create(ctx context.Context, cf *models.Conflict) error {
	if cf.ID == "" {
		return NewValidationError("id", "required")
	}
	agents, err := marshalJSON(cf.AffectedAgents)
	if err != nil {
		return err
	}
	refs, err := marshalJSON(cf.SourceRefs)
	if err != nil {
		return err
	}
	_, err = c.s.q.ExecContext(ctx,
		`INSERT INTO conflicts (id, team_id, type, severity, description, affected_agents, source_refs, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cf.ID, cf.TeamID, cf.Type, cf.Severity, cf.Description, agents, refs, cf.Status, cf.CreatedAt)
	return mapPGError(err)
}

const conflictColumns = `id, team_id, type, severity, description, affected_agents, source_refs, status, resolved_at, created_at, updated_at`

func scanConflict(row interface{ Scan(...any) error }) (*models.Conflict, error) {
	var cf models.Conflict
	var agents, refs []byte
	var resolvedAt sql.NullTime
	err := row.Scan(&cf.ID, &cf.TeamID, &cf.Type, &cf.Severity, &cf.Description,
		&agents, &refs, &cf.Status, &resolvedAt, &cf.CreatedAt, &cf.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	if resolvedAt.Valid {
		cf.ResolvedAt = &resolvedAt.Time
	}
	if err := unmarshalJSON(agents, &cf.AffectedAgents); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(refs, &cf.SourceRefs); err != nil {
		return nil, err
	}
	return &cf, nil
}

func (c *pgConflicts) Get(ctx context.Context, id string) (*models.Conflict, error) {
	row := c.s.q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = $1`, id)
	return scanConflict(row)
}

func (c *pgConflicts) listWhere(ctx context.Context, where string, args ...any) ([]*models.Conflict, error) {
	rows, err := c.s.q.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.Conflict
	for rows.Next() {
		cf, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cf)
	}
	return out, mapPGError(rows.Err())
}

func (c *pgConflicts) ListByTeam(ctx context.Context, teamID string) ([]*models.Conflict, error) {
	return c.listWhere(ctx, `team_id = $1`, teamID)
}

func (c *pgConflicts) ListByTeamAndStatus(ctx context.Context, teamID string, status models.ConflictStatus) ([]*models.Conflict, error) {
	return c.listWhere(ctx, `team_id = $1 AND status = $2`, teamID, status)
}

func (c *pgConflicts) UpdateStatus(ctx context.Context, id string, status models.ConflictStatus, resolvedAt *time.Time) error {
	var resolved sql.NullTime
	if resolvedAt != nil {
		resolved = sql.NullTime{Time: *resolvedAt, Valid: true}
	}
	return execExpectingRow(ctx, c.s.q,
		`UPDATE conflicts SET status = $2, resolved_at = COALESCE($3, resolved_at), updated_at = now() WHERE id = $1`,
		id, status, resolved)
}

// ── Convergence sessions ──

type pgConvergences struct{ s *PostgresStore }

func (c *pgConvergences) Create(ctx context.Context, cs *models.ConvergenceSession) error {
	if cs.ID == "" {
		return NewValidationError("id", "required")
	}
	participants, err := marshalJSON(cs.Participants)
	if err != nil {
		return err
	}
	conflictIDs, err := marshalJSON(cs.ConflictIDs)
	if err != nil {
		return err
	}
	decisions, err := marshalJSON(cs.Decisions)
	if err != nil {
		return err
	}
	artifacts, err := marshalJSON(cs.ArtifactsUpdated)
	if err != nil {
		return err
	}
	_, err = c.s.q.ExecContext(ctx,
		`INSERT INTO convergence_sessions (id, team_id, trigger_type, description, participants, conflict_ids, decisions, artifacts_updated, rework_hours_actual, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cs.ID, cs.TeamID, cs.TriggerType, cs.Description, participants, conflictIDs,
		decisions, artifacts, cs.ReworkHours, cs.Status, cs.StartedAt)
	return mapPGError(err)
}

const convergenceColumns = `id, team_id, trigger_type, description, participants, conflict_ids, decisions, artifacts_updated, rework_hours_actual, status, started_at, ended_at, updated_at`

func scanConvergence(row interface{ Scan(...any) error }) (*models.ConvergenceSession, error) {
	var cs models.ConvergenceSession
	var participants, conflictIDs, decisions, artifacts []byte
	var endedAt sql.NullTime
	err := row.Scan(&cs.ID, &cs.TeamID, &cs.TriggerType, &cs.Description, &participants,
		&conflictIDs, &decisions, &artifacts, &cs.ReworkHours, &cs.Status,
		&cs.StartedAt, &endedAt, &cs.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	if endedAt.Valid {
		cs.EndedAt = &endedAt.Time
	}
	for _, pair := range []struct {
		data []byte
		dst  any
	}{
		{participants, &cs.Participants},
		{conflictIDs, &cs.ConflictIDs},
		{decisions, &cs.Decisions},
		{artifacts, &cs.ArtifactsUpdated},
	} {
		if err := unmarshalJSON(pair.data, pair.dst); err != nil {
			return nil, err
		}
	}
	return &cs, nil
}

func (c *pgConvergences) Get(ctx context.Context, id string) (*models.ConvergenceSession, error) {
	row := c.s.q.QueryRowContext(ctx, `SELECT `+convergenceColumns+` FROM convergence_sessions WHERE id = $1`, id)
	return scanConvergence(row)
}

func (c *pgConvergences) ListByTeam(ctx context.Context, teamID string) ([]*models.ConvergenceSession, error) {
	rows, err := c.s.q.QueryContext(ctx,
		`SELECT `+convergenceColumns+` FROM convergence_sessions WHERE team_id = $1 ORDER BY started_at`, teamID)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.ConvergenceSession
	for rows.Next() {
		cs, err := scanConvergence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, mapPGError(rows.Err())
}

func (c *pgConvergences) GetOpenByTeam(ctx context.Context, teamID string) (*models.ConvergenceSession, error) {
	row := c.s.q.QueryRowContext(ctx,
		`SELECT `+convergenceColumns+` FROM convergence_sessions WHERE team_id = $1 AND status = 'open'`, teamID)
	return scanConvergence(row)
}

func (c *pgConvergences) Update(ctx context.Context, cs *models.ConvergenceSession) error {
	decisions, err := marshalJSON(cs.Decisions)
	if err != nil {
		return err
	}
	artifacts, err := marshalJSON(cs.ArtifactsUpdated)
	if err != nil {
		return err
	}
	var endedAt sql.NullTime
	if cs.EndedAt != nil {
		endedAt = sql.NullTime{Time: *cs.EndedAt, Valid: true}
	}
	return execExpectingRow(ctx, c.s.q,
		`UPDATE convergence_sessions SET decisions = $2, artifacts_updated = $3,
			rework_hours_actual = $4, status = $5, ended_at = $6, updated_at = now()
		 WHERE id = $1`,
		cs.ID, decisions, artifacts, cs.ReworkHours, cs.Status, endedAt)
}

// ── Streams ──

type pgStreams struct{ s *PostgresStore }

func (st *pgStreams) CreateSession(ctx context.Context, ss *models.StreamSession) error {
	if ss.ID == "" {
		return NewValidationError("id", "required")
	}
	_, err := st.s.q.ExecContext(ctx,
		`INSERT INTO stream_sessions (id, team_id, mvd_ref, created_at) VALUES ($1, $2, $3, $4)`,
		ss.ID, ss.TeamID, ss.MVDRef, ss.CreatedAt)
	return mapPGError(err)
}

func (st *pgStreams) GetSession(ctx context.Context, id string) (*models.StreamSession, error) {
	row := st.s.q.QueryRowContext(ctx,
		`SELECT id, team_id, mvd_ref, created_at, updated_at FROM stream_sessions WHERE id = $1`, id)
	var ss models.StreamSession
	if err := row.Scan(&ss.ID, &ss.TeamID, &ss.MVDRef, &ss.CreatedAt, &ss.UpdatedAt); err != nil {
		return nil, mapPGError(err)
	}
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT id FROM work_streams WHERE session_id = $1 ORDER BY started_at`, id)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, mapPGError(err)
		}
		ss.StreamIDs = append(ss.StreamIDs, sid)
	}
	return &ss, mapPGError(rows.Err())
}

func (st *pgStreams) CreateStream(ctx context.Context, w *models.WorkStream) error {
	if w.ID == "" {
		return NewValidationError("id", "required")
	}
	contracts, err := marshalJSON(w.ContractVersionIDs)
	if err != nil {
		return err
	}
	refs, err := marshalJSON(w.ArtifactRefs)
	if err != nil {
		return err
	}
	_, err = st.s.q.ExecContext(ctx,
		`INSERT INTO work_streams (id, session_id, team_id, role, agent_id, stream_type, initial_task, status, contract_version_ids, artifact_refs, productive_hours, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		w.ID, w.SessionID, w.TeamID, w.Role, w.AgentID, w.StreamType, w.InitialTask,
		w.Status, contracts, refs, w.ProductiveHours, w.StartedAt)
	return mapPGError(err)
}

const streamColumns = `id, session_id, team_id, role, agent_id, stream_type, initial_task, status, contract_version_ids, artifact_refs, productive_hours, started_at, updated_at`

func scanStream(row interface{ Scan(...any) error }) (*models.WorkStream, error) {
	var w models.WorkStream
	var contracts, refs []byte
	err := row.Scan(&w.ID, &w.SessionID, &w.TeamID, &w.Role, &w.AgentID, &w.StreamType,
		&w.InitialTask, &w.Status, &contracts, &refs, &w.ProductiveHours, &w.StartedAt, &w.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	if err := unmarshalJSON(contracts, &w.ContractVersionIDs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(refs, &w.ArtifactRefs); err != nil {
		return nil, err
	}
	return &w, nil
}

func (st *pgStreams) GetStream(ctx context.Context, id string) (*models.WorkStream, error) {
	row := st.s.q.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM work_streams WHERE id = $1`, id)
	return scanStream(row)
}

func (st *pgStreams) listWhere(ctx context.Context, where string, args ...any) ([]*models.WorkStream, error) {
	rows, err := st.s.q.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM work_streams WHERE `+where+` ORDER BY started_at`, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.WorkStream
	for rows.Next() {
		w, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, mapPGError(rows.Err())
}

func (st *pgStreams) ListBySession(ctx context.Context, sessionID string) ([]*models.WorkStream, error) {
	return st.listWhere(ctx, `session_id = $1`, sessionID)
}

func (st *pgStreams) ListByTeam(ctx context.Context, teamID string) ([]*models.WorkStream, error) {
	return st.listWhere(ctx, `team_id = $1`, teamID)
}

func (st *pgStreams) ListActiveByTeam(ctx context.Context, teamID string) ([]*models.WorkStream, error) {
	return st.listWhere(ctx, `team_id = $1 AND status = 'active'`, teamID)
}

func (st *pgStreams) UpdateStreamStatus(ctx context.Context, id string, status models.StreamStatus) error {
	return execExpectingRow(ctx, st.s.q,
		`UPDATE work_streams SET status = $2, updated_at = now() WHERE id = $1`, id, status)
}

func (st *pgStreams) AddStreamArtifacts(ctx context.Context, id string, refs []models.ArtifactRef) error {
	data, err := marshalJSON(refs)
	if err != nil {
		return err
	}
	return execExpectingRow(ctx, st.s.q,
		`UPDATE work_streams SET artifact_refs = artifact_refs || $2::jsonb, updated_at = now() WHERE id = $1`,
		id, data)
}

func (st *pgStreams) AddProductiveHours(ctx context.Context, id string, hours float64) error {
	return execExpectingRow(ctx, st.s.q,
		`UPDATE work_streams SET productive_hours = productive_hours + $2, updated_at = now() WHERE id = $1`,
		id, hours)
}
