package scoring

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

func newTestScorer(t *testing.T) (*Scorer, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewScorer(st, config.DefaultScoringConfig(), config.DefaultBlueprintWeights(), nil), st
}

func seedMember(t *testing.T, st store.Store, teamID, agentID string, summary *models.PerformanceSummary) {
	t.Helper()
	require.NoError(t, st.Members().Create(context.Background(), &models.TeamMember{
		TeamID:             teamID,
		AgentID:            agentID,
		PersonaID:          "backend_developer",
		State:              models.MemberStateActive,
		JoinedAt:           time.Now().UTC(),
		PerformanceSummary: summary,
	}))
}

var taskSeq atomic.Int64

func seedTask(t *testing.T, st store.Store, teamID, agentID string, status models.TaskStatus, duration time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.Tasks().Create(context.Background(), &models.Task{
		ID:         fmt.Sprintf("task-%d", taskSeq.Add(1)),
		TeamID:     teamID,
		Title:      "work",
		Status:     status,
		CreatedBy:  "lead-1",
		AssignedTo: agentID,
		CreatedAt:  now.Add(-duration),
		UpdatedAt:  now,
	}))
}

func TestScoreMemberComputesComponents(t *testing.T) {
	s, st := newTestScorer(t)
	ctx := context.Background()

	seedMember(t, st, "t1", "agent-a", &models.PerformanceSummary{AvgDurationSec: 70, LastScore: 0.6})
	for i := 0; i < 3; i++ {
		seedTask(t, st, "t1", "agent-a", models.TaskStatusCompleted, 100*time.Second)
	}
	seedTask(t, st, "t1", "agent-a", models.TaskStatusFailed, 100*time.Second)

	// Two completed sessions, agent-a in one of them.
	for i, participants := range [][]string{{"agent-a", "agent-b"}, {"agent-b"}} {
		require.NoError(t, st.Convergences().Create(ctx, &models.ConvergenceSession{
			ID:           fmt.Sprintf("cs-%d", i),
			TeamID:       "t1",
			Participants: participants,
			Status:       models.ConvergenceStatusCompleted,
			StartedAt:    time.Now().UTC(),
		}))
	}

	got, err := s.ScoreMember(ctx, "t1", "agent-a")
	require.NoError(t, err)

	// 3 of 4 assigned completed, 1 of 4 finished failed, duration ratio
	// 70/100 lands in the fastest tier, 1 of 2 sessions joined.
	assert.InDelta(t, 0.75, got.Components[ComponentCompletion], 1e-9)
	assert.InDelta(t, 1.0, got.Components[ComponentSpeed], 1e-9)
	assert.InDelta(t, 0.75, got.Components[ComponentQuality], 1e-9)
	assert.InDelta(t, 0.5, got.Components[ComponentCollaboration], 1e-9)
	assert.InDelta(t, 0.80, got.Score, 1e-9)
	assert.Equal(t, "B", got.Grade)
	assert.Equal(t, TrendImproving, got.Trend)
	assert.Contains(t, got.Strengths, ComponentSpeed)

	member, err := st.Members().Get(ctx, "t1", "agent-a")
	require.NoError(t, err)
	require.NotNil(t, member.PerformanceSummary)
	assert.InDelta(t, 0.80, member.PerformanceSummary.LastScore, 1e-9)
	assert.Equal(t, 3, member.PerformanceSummary.TasksCompleted)
	assert.Equal(t, 1, member.PerformanceSummary.TasksFailed)
	assert.InDelta(t, 70, member.PerformanceSummary.AvgDurationSec, 1e-9)
}

func TestScoreMemberNeutralWithoutData(t *testing.T) {
	s, st := newTestScorer(t)

	seedMember(t, st, "t1", "agent-a", nil)
	got, err := s.ScoreMember(context.Background(), "t1", "agent-a")
	require.NoError(t, err)

	for _, name := range []string{ComponentCompletion, ComponentSpeed, ComponentQuality, ComponentCollaboration} {
		assert.InDelta(t, 0.5, got.Components[name], 1e-9, name)
	}
	assert.InDelta(t, 0.5, got.Score, 1e-9)
	assert.Equal(t, TrendStable, got.Trend)
	assert.Empty(t, got.Strengths)
	assert.Empty(t, got.Improvements)
}

func TestScoreMemberFlagsWeakComponents(t *testing.T) {
	s, st := newTestScorer(t)

	seedMember(t, st, "t1", "agent-a", nil)
	seedTask(t, st, "t1", "agent-a", models.TaskStatusCompleted, 100*time.Second)
	for i := 0; i < 3; i++ {
		seedTask(t, st, "t1", "agent-a", models.TaskStatusFailed, 100*time.Second)
	}

	got, err := s.ScoreMember(context.Background(), "t1", "agent-a")
	require.NoError(t, err)
	assert.Contains(t, got.Improvements, ComponentCompletion)
	assert.Contains(t, got.Improvements, ComponentQuality)
	assert.Len(t, got.Recommendations, len(got.Improvements))
}

func TestScoreMemberUnknownMember(t *testing.T) {
	s, _ := newTestScorer(t)
	_, err := s.ScoreMember(context.Background(), "t1", "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSpeedCurve(t *testing.T) {
	s, st := newTestScorer(t)

	// Team average is 100 seconds.
	seedTask(t, st, "t1", "agent-b", models.TaskStatusCompleted, 100*time.Second)
	tasks, err := st.Tasks().ListByTeam(context.Background(), "t1")
	require.NoError(t, err)

	tests := []struct {
		avgSec float64
		want   float64
	}{
		{70, 1.0},
		{90, 0.8},
		{110, 0.6},
		{140, 0.4},
		{200, 0.2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.0fs", tt.avgSec), func(t *testing.T) {
			m := &models.TeamMember{PerformanceSummary: &models.PerformanceSummary{AvgDurationSec: tt.avgSec}}
			assert.InDelta(t, tt.want, s.speedScore(m, tasks), 0.01)
		})
	}
}
