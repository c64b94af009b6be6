package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/crewforge/crewforge/pkg/models"
)

// ── Workflows ──

type pgWorkflows struct{ s *PostgresStore }

func (w *pgWorkflows) CreateWorkflow(ctx context.Context, wf *models.WorkflowDAG, nodes []*models.WorkflowNode) error {
	if wf.ID == "" {
		return NewValidationError("id", "required")
	}
	return w.s.WithinTx(ctx, func(tx Store) error {
		pg := tx.(*PostgresStore)
		_, err := pg.q.ExecContext(ctx,
			`INSERT INTO workflows (id, team_id, name, status, pod_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			wf.ID, wf.TeamID, wf.Name, wf.Status, nullString(wf.PodID), wf.CreatedAt)
		if err != nil {
			return mapPGError(err)
		}
		for _, n := range nodes {
			if err := insertNode(ctx, pg.q, wf.ID, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertNode(ctx context.Context, q querier, workflowID string, n *models.WorkflowNode) error {
	deps, err := marshalJSON(n.DependsOn)
	if err != nil {
		return err
	}
	inputs, err := marshalJSON(n.Inputs)
	if err != nil {
		return err
	}
	outputs, err := marshalJSON(n.Outputs)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO workflow_nodes (workflow_id, id, type, name, phase, depends_on, inputs, outputs, state, assigned_agent, required_role, max_duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		workflowID, n.ID, n.Type, n.Name, n.Phase, deps, inputs, outputs, n.State,
		nullString(n.AssignedAgent), nullString(n.RequiredRole), n.MaxDuration.Milliseconds())
	return mapPGError(err)
}

func (w *pgWorkflows) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDAG, error) {
	row := w.s.q.QueryRowContext(ctx,
		`SELECT id, team_id, name, status, pod_id, started_at, completed_at, created_at, updated_at
		 FROM workflows WHERE id = $1`, id)
	var wf models.WorkflowDAG
	var podID sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&wf.ID, &wf.TeamID, &wf.Name, &wf.Status, &podID, &startedAt,
		&completedAt, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	wf.PodID = fromNull(podID)
	if startedAt.Valid {
		wf.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return &wf, nil
}

func (w *pgWorkflows) UpdateWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus, podID string) error {
	return execExpectingRow(ctx, w.s.q,
		`UPDATE workflows SET status = $2, pod_id = $3,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN now() ELSE completed_at END,
			updated_at = now()
		 WHERE id = $1`,
		id, status, nullString(podID))
}

const nodeColumns = `workflow_id, id, type, name, phase, depends_on, inputs, outputs, state, assigned_agent, required_role, max_duration_ms, started_at, completed_at, last_heartbeat_at, attempt_count, last_error, updated_at`

func scanNode(row interface{ Scan(...any) error }) (*models.WorkflowNode, error) {
	var n models.WorkflowNode
	var deps, inputs, outputs []byte
	var assignedAgent, requiredRole, lastError sql.NullString
	var startedAt, completedAt, heartbeatAt sql.NullTime
	var maxDurationMS int64
	err := row.Scan(&n.WorkflowID, &n.ID, &n.Type, &n.Name, &n.Phase, &deps, &inputs,
		&outputs, &n.State, &assignedAgent, &requiredRole, &maxDurationMS,
		&startedAt, &completedAt, &heartbeatAt, &n.AttemptCount, &lastError, &n.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	n.AssignedAgent = fromNull(assignedAgent)
	n.RequiredRole = fromNull(requiredRole)
	n.LastError = fromNull(lastError)
	n.MaxDuration = time.Duration(maxDurationMS) * time.Millisecond
	if startedAt.Valid {
		n.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		n.CompletedAt = &completedAt.Time
	}
	if heartbeatAt.Valid {
		n.LastHeartbeatAt = &heartbeatAt.Time
	}
	if err := unmarshalJSON(deps, &n.DependsOn); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(inputs, &n.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(outputs, &n.Outputs); err != nil {
		return nil, err
	}
	return &n, nil
}

func (w *pgWorkflows) GetNode(ctx context.Context, workflowID, nodeID string) (*models.WorkflowNode, error) {
	row := w.s.q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM workflow_nodes WHERE workflow_id = $1 AND id = $2`,
		workflowID, nodeID)
	return scanNode(row)
}

func (w *pgWorkflows) ListNodes(ctx context.Context, workflowID string) ([]*models.WorkflowNode, error) {
	return w.listNodesWhere(ctx, `workflow_id = $1`, workflowID)
}

func (w *pgWorkflows) listNodesWhere(ctx context.Context, where string, args ...any) ([]*models.WorkflowNode, error) {
	rows, err := w.s.q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM workflow_nodes WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.WorkflowNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, mapPGError(rows.Err())
}

func (w *pgWorkflows) TransitionNode(ctx context.Context, workflowID, nodeID string, from, to models.NodeState) error {
	res, err := w.s.q.ExecContext(ctx,
		`UPDATE workflow_nodes SET state = $4,
			attempt_count = attempt_count + CASE WHEN $4 = 'running' THEN 1 ELSE 0 END,
			started_at = CASE WHEN $4 = 'running' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $4 IN ('completed', 'failed', 'skipped', 'cancelled') THEN now() ELSE completed_at END,
			updated_at = now()
		 WHERE workflow_id = $1 AND id = $2 AND state = $3`,
		workflowID, nodeID, from, to)
	if err != nil {
		return mapPGError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapPGError(err)
	}
	if n == 0 {
		// Distinguish a missing node from a lost state race.
		cur, err := w.GetNode(ctx, workflowID, nodeID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: node %s is %s, expected %s", ErrConflictingState, nodeID, cur.State, from)
	}
	return nil
}

func (w *pgWorkflows) UpdateNode(ctx context.Context, n *models.WorkflowNode) error {
	outputs, err := marshalJSON(n.Outputs)
	if err != nil {
		return err
	}
	return execExpectingRow(ctx, w.s.q,
		`UPDATE workflow_nodes SET outputs = $3, assigned_agent = $4, last_error = $5,
			attempt_count = $6, updated_at = now()
		 WHERE workflow_id = $1 AND id = $2`,
		n.WorkflowID, n.ID, outputs, nullString(n.AssignedAgent), nullString(n.LastError), n.AttemptCount)
}

func (w *pgWorkflows) HeartbeatNode(ctx context.Context, workflowID, nodeID string, at time.Time) error {
	return execExpectingRow(ctx, w.s.q,
		`UPDATE workflow_nodes SET last_heartbeat_at = $3, updated_at = now()
		 WHERE workflow_id = $1 AND id = $2`,
		workflowID, nodeID, at)
}

func (w *pgWorkflows) ListRunningByPod(ctx context.Context, podID string) ([]*models.WorkflowNode, error) {
	return w.listNodesWhere(ctx,
		`state = 'running' AND workflow_id IN (SELECT id FROM workflows WHERE pod_id = $1)`, podID)
}

// ── Attempts ──

type pgAttempts struct{ s *PostgresStore }

func (a *pgAttempts) Create(ctx context.Context, at *models.ExecutionAttempt) error {
	if at.ID == "" {
		return NewValidationError("id", "required")
	}
	refs, err := marshalJSON(at.EvidenceRefs)
	if err != nil {
		return err
	}
	_, err = a.s.q.ExecContext(ctx,
		`INSERT INTO execution_attempts (id, workflow_id, node_id, attempt_number, started_at, evidence_refs)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		at.ID, at.WorkflowID, at.NodeID, at.AttemptNumber, at.StartedAt, refs)
	return mapPGError(err)
}

func (a *pgAttempts) Finish(ctx context.Context, id string, outcome models.AttemptOutcome, classification, errMsg string, endedAt time.Time) error {
	return execExpectingRow(ctx, a.s.q,
		`UPDATE execution_attempts SET outcome = $2, error_classification = $3, error_message = $4, ended_at = $5
		 WHERE id = $1`,
		id, outcome, nullString(classification), nullString(errMsg), endedAt)
}

func (a *pgAttempts) ListByNode(ctx context.Context, workflowID, nodeID string) ([]*models.ExecutionAttempt, error) {
	rows, err := a.s.q.QueryContext(ctx,
		`SELECT id, workflow_id, node_id, attempt_number, started_at, ended_at, outcome, error_classification, error_message, evidence_refs
		 FROM execution_attempts WHERE workflow_id = $1 AND node_id = $2 ORDER BY attempt_number`,
		workflowID, nodeID)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.ExecutionAttempt
	for rows.Next() {
		var at models.ExecutionAttempt
		var refs []byte
		var endedAt sql.NullTime
		var outcome, classification, errMsg sql.NullString
		err := rows.Scan(&at.ID, &at.WorkflowID, &at.NodeID, &at.AttemptNumber,
			&at.StartedAt, &endedAt, &outcome, &classification, &errMsg, &refs)
		if err != nil {
			return nil, mapPGError(err)
		}
		if endedAt.Valid {
			at.EndedAt = &endedAt.Time
		}
		at.Outcome = models.AttemptOutcome(fromNull(outcome))
		at.ErrorClassification = fromNull(classification)
		at.ErrorMessage = fromNull(errMsg)
		if err := unmarshalJSON(refs, &at.EvidenceRefs); err != nil {
			return nil, err
		}
		out = append(out, &at)
	}
	return out, mapPGError(rows.Err())
}

// ── Execution history ──

type pgHistory struct{ s *PostgresStore }

func (h *pgHistory) Append(ctx context.Context, r *models.ExecutionHistoryRecord) error {
	if r.ExecutionID == "" {
		return NewValidationError("execution_id", "required")
	}
	if r.TaskName == "" {
		return NewValidationError("task_name", "required")
	}
	meta, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	_, err = h.s.q.ExecContext(ctx,
		`INSERT INTO execution_history (execution_id, task_name, team_id, status, attempt_count, duration_seconds, error_type, error_message, recovery_applied, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ExecutionID, r.TaskName, nullString(r.TeamID), r.Status, r.AttemptCount,
		r.DurationSeconds, nullString(r.ErrorType), nullString(r.ErrorMessage),
		r.RecoveryApplied, meta, r.CreatedAt)
	return mapPGError(err)
}

func (h *pgHistory) Query(ctx context.Context, q HistoryQuery) ([]*models.ExecutionHistoryRecord, error) {
	where := `TRUE`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(` AND %s $%d`, cond, len(args))
	}
	if q.TaskName != "" {
		add(`task_name =`, q.TaskName)
	}
	if q.TeamID != "" {
		add(`team_id =`, q.TeamID)
	}
	if q.Status != "" {
		add(`status =`, q.Status)
	}
	if !q.Since.IsZero() {
		add(`created_at >=`, q.Since)
	}

	rows, err := h.s.q.QueryContext(ctx,
		`SELECT execution_id, task_name, team_id, status, attempt_count, duration_seconds, error_type, error_message, recovery_applied, metadata, created_at
		 FROM execution_history WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*models.ExecutionHistoryRecord
	for rows.Next() {
		var r models.ExecutionHistoryRecord
		var teamID, errType, errMsg sql.NullString
		var meta []byte
		err := rows.Scan(&r.ExecutionID, &r.TaskName, &teamID, &r.Status,
			&r.AttemptCount, &r.DurationSeconds, &errType, &errMsg,
			&r.RecoveryApplied, &meta, &r.CreatedAt)
		if err != nil {
			return nil, mapPGError(err)
		}
		r.TeamID = fromNull(teamID)
		r.ErrorType = fromNull(errType)
		r.ErrorMessage = fromNull(errMsg)
		if err := unmarshalJSON(meta, &r.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, mapPGError(rows.Err())
}

func (h *pgHistory) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := h.s.q.ExecContext(ctx,
		`DELETE FROM execution_history WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, mapPGError(err)
	}
	n, err := res.RowsAffected()
	return int(n), mapPGError(err)
}

// ── Events outbox ──

type pgOutbox struct{ s *PostgresStore }

func (o *pgOutbox) Append(ctx context.Context, teamID, topic string, payload []byte) (int64, error) {
	if topic == "" {
		return 0, NewValidationError("topic", "required")
	}
	var id int64
	err := o.s.q.QueryRowContext(ctx,
		`INSERT INTO events_outbox (team_id, topic, payload) VALUES ($1, $2, $3) RETURNING id`,
		teamID, topic, payload).Scan(&id)
	return id, mapPGError(err)
}

func (o *pgOutbox) ListSince(ctx context.Context, sinceID int64, limit int) ([]*OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.s.q.QueryContext(ctx,
		`SELECT id, team_id, topic, payload, created_at FROM events_outbox
		 WHERE id > $1 ORDER BY id LIMIT $2`, sinceID, limit)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var out []*OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.TeamID, &ev.Topic, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, mapPGError(err)
		}
		out = append(out, &ev)
	}
	return out, mapPGError(rows.Err())
}

func (o *pgOutbox) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := o.s.q.ExecContext(ctx,
		`DELETE FROM events_outbox WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, mapPGError(err)
	}
	n, err := res.RowsAffected()
	return int(n), mapPGError(err)
}
