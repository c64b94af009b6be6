package parallel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

// breachedTeam seeds a team with two active streams and one open conflict
// affecting the backend agent.
func breachedTeam(t *testing.T, c *Coordinator, st store.Store) (streamB, streamF *models.WorkStream, conflict *models.Conflict) {
	t.Helper()
	ctx := context.Background()
	ct := seedContract(t, st, "t1", "orders-api", "1.0.0", models.ContractStatusActive)

	_, streams, err := c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
		{Role: "backend_dev", AgentID: "agent-b", InitialTask: "build API", ContractVersionIDs: []string{ct.ID}},
		{Role: "frontend_dev", AgentID: "agent-f", InitialTask: "build UI", ContractVersionIDs: []string{ct.ID}},
	})
	require.NoError(t, err)

	conflict, err = c.openConflict(ctx, "t1", models.ConflictTypeContractBreach,
		models.SeverityHigh, "breaking change", []string{"agent-b"},
		[]models.ArtifactRef{{Type: "contract", ID: ct.ID}})
	require.NoError(t, err)
	return streams[0], streams[1], conflict
}

func TestTriggerConvergenceHaltsAffectedStreams(t *testing.T) {
	c, st, _, rec := newTestCoordinator(t)
	ctx := context.Background()
	streamB, streamF, conflict := breachedTeam(t, c, st)

	session, err := c.TriggerConvergence(ctx, lead, "t1", "contract_breach", "reconcile orders-api",
		[]string{conflict.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ConvergenceStatusOpen, session.Status)
	assert.Equal(t, []string{"agent-b"}, session.Participants)

	got, err := st.Conflicts().Get(ctx, conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusUnderConvergence, got.Status)

	b, err := st.Streams().GetStream(ctx, streamB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStatusHalted, b.Status)

	f, err := st.Streams().GetStream(ctx, streamF.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStatusActive, f.Status)

	// 2 stream.active from setup, conflict.detected, then the halt and the
	// session opening.
	topics := rec.topics(t, 5)
	assert.Equal(t, "team:t1:events:stream.halted", topics[3])
	assert.Equal(t, "team:t1:events:convergence.triggered", topics[4])
}

func TestTriggerConvergenceRejectsNestedSession(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	_, _, conflict := breachedTeam(t, c, st)

	_, err := c.TriggerConvergence(ctx, lead, "t1", "contract_breach", "", []string{conflict.ID}, nil)
	require.NoError(t, err)

	second, err := c.openConflict(ctx, "t1", models.ConflictTypeConcurrentEdit,
		models.SeverityMedium, "edit collision", []string{"agent-f"}, nil)
	require.NoError(t, err)

	_, err = c.TriggerConvergence(ctx, lead, "t1", "concurrent_edit", "", []string{second.ID}, nil)
	assert.ErrorIs(t, err, store.ErrConflictingState)
}

func TestTriggerConvergenceRequiresOpenConflicts(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	_, _, conflict := breachedTeam(t, c, st)

	now := time.Now().UTC()
	require.NoError(t, st.Conflicts().UpdateStatus(ctx, conflict.ID, models.ConflictStatusResolved, &now))

	_, err := c.TriggerConvergence(ctx, lead, "t1", "contract_breach", "", []string{conflict.ID}, nil)
	assert.ErrorIs(t, err, store.ErrConflictingState)

	_, err = c.TriggerConvergence(ctx, lead, "t1", "contract_breach", "", []string{"missing"}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteConvergence(t *testing.T) {
	c, st, _, rec := newTestCoordinator(t)
	ctx := context.Background()
	streamB, _, conflict := breachedTeam(t, c, st)

	session, err := c.TriggerConvergence(ctx, lead, "t1", "contract_breach", "reconcile",
		[]string{conflict.ID}, nil)
	require.NoError(t, err)

	decisions := []models.ConvergenceDecision{
		{Topic: "pagination", Decision: "cursor based", MadeBy: "agent-b"},
	}
	updated := []models.ArtifactRef{{Type: "contract", ID: "ct-2"}}
	done, err := c.CompleteConvergence(ctx, lead, session.ID, decisions, updated, 2.5)
	require.NoError(t, err)
	assert.Equal(t, models.ConvergenceStatusCompleted, done.Status)
	assert.Equal(t, 2.5, done.ReworkHours)
	require.NotNil(t, done.EndedAt)
	assert.Equal(t, decisions, done.Decisions)

	got, err := st.Conflicts().Get(ctx, conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, got.Status)
	assert.NotNil(t, got.ResolvedAt)

	b, err := st.Streams().GetStream(ctx, streamB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStatusActive, b.Status)

	// Completing twice fails.
	_, err = c.CompleteConvergence(ctx, lead, session.ID, nil, nil, 0)
	assert.ErrorIs(t, err, store.ErrConflictingState)

	topics := rec.topics(t, 7)
	assert.Equal(t, "team:t1:events:stream.active", topics[5])
	assert.Equal(t, "team:t1:events:convergence.completed", topics[6])
}

func TestAbandonConvergenceReopensConflicts(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	streamB, _, conflict := breachedTeam(t, c, st)

	session, err := c.TriggerConvergence(ctx, lead, "t1", "contract_breach", "reconcile",
		[]string{conflict.ID}, nil)
	require.NoError(t, err)

	abandoned, err := c.AbandonConvergence(ctx, lead, session.ID, "participants unavailable")
	require.NoError(t, err)
	assert.Equal(t, models.ConvergenceStatusAbandoned, abandoned.Status)
	assert.Contains(t, abandoned.Description, "participants unavailable")

	got, err := st.Conflicts().Get(ctx, conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusOpen, got.Status)

	b, err := st.Streams().GetStream(ctx, streamB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStatusActive, b.Status)

	// The reopened conflict can converge again.
	_, err = c.TriggerConvergence(ctx, lead, "t1", "contract_breach", "second try",
		[]string{conflict.ID}, nil)
	require.NoError(t, err)
}

func TestMetricsReport(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	streamB, streamF, conflict := breachedTeam(t, c, st)

	require.NoError(t, c.RecordStreamOutput(ctx, streamB.ID, nil, nil, 4))
	require.NoError(t, c.RecordStreamOutput(ctx, streamF.ID, nil, nil, 2))

	session, err := c.TriggerConvergence(ctx, lead, "t1", "contract_breach", "reconcile",
		[]string{conflict.ID}, nil)
	require.NoError(t, err)
	_, err = c.CompleteConvergence(ctx, lead, session.ID, nil, nil, 2)
	require.NoError(t, err)

	report, err := c.Metrics(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalConflicts)
	assert.Equal(t, 1, report.ResolvedConflicts)
	assert.Equal(t, 1, report.TotalConvergences)
	assert.GreaterOrEqual(t, report.AvgConvergenceMinutes, 0.0)

	// 2 rework hours against 6 productive: 1 - 2/8.
	assert.InDelta(t, 0.75, report.ReworkEfficiency, 1e-9)
}

func TestMetricsEmptyTeam(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	report, err := c.Metrics(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, report.TotalConflicts)
	assert.Equal(t, 1.0, report.ReworkEfficiency)
}
