package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/models"
)

func TestAnalyzeTeamHealthMaintain(t *testing.T) {
	s, st := newTestScorer(t)

	seedMember(t, st, "t1", "agent-a", &models.PerformanceSummary{LastScore: 0.8})
	seedMember(t, st, "t1", "agent-b", &models.PerformanceSummary{LastScore: 0.9})
	seedTask(t, st, "t1", "agent-a", models.TaskStatusRunning, time.Second)

	h, err := s.AnalyzeTeamHealth(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, Maintain, h.ScalingRecommendation)
	assert.Equal(t, 2, h.ActiveMembers)
	assert.InDelta(t, 0.85, h.AvgMemberScore, 1e-9)
	assert.InDelta(t, 0.5, h.Utilization, 1e-9)
	assert.Zero(t, h.UnderperformerRate)
	assert.Empty(t, h.Issues)
	assert.InDelta(t, 0.925, h.HealthScore, 1e-9)
}

func TestAnalyzeTeamHealthScaleUpOnBacklog(t *testing.T) {
	s, st := newTestScorer(t)

	seedMember(t, st, "t1", "agent-a", &models.PerformanceSummary{LastScore: 0.8})
	for i := 0; i < 12; i++ {
		seedTask(t, st, "t1", "", models.TaskStatusReady, time.Second)
	}

	h, err := s.AnalyzeTeamHealth(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, ScaleUp, h.ScalingRecommendation)
	assert.Equal(t, 12, h.Backlog)
	assert.NotEmpty(t, h.Issues)
	assert.NotEmpty(t, h.Actions)
	// One capacity breach halves the capacity component.
	assert.InDelta(t, 0.80, h.HealthScore, 1e-9)
}

func TestAnalyzeTeamHealthScaleUpOnOverload(t *testing.T) {
	s, st := newTestScorer(t)

	seedMember(t, st, "t1", "agent-a", &models.PerformanceSummary{LastScore: 0.8})
	seedTask(t, st, "t1", "agent-a", models.TaskStatusRunning, time.Second)
	seedTask(t, st, "t1", "agent-a", models.TaskStatusRunning, time.Second)

	h, err := s.AnalyzeTeamHealth(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, ScaleUp, h.ScalingRecommendation)
	assert.InDelta(t, 2.0, h.Utilization, 1e-9)
}

func TestAnalyzeTeamHealthScaleDownWhenIdle(t *testing.T) {
	s, st := newTestScorer(t)

	seedMember(t, st, "t1", "agent-a", &models.PerformanceSummary{LastScore: 0.8})
	seedMember(t, st, "t1", "agent-b", &models.PerformanceSummary{LastScore: 0.8})

	h, err := s.AnalyzeTeamHealth(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, ScaleDown, h.ScalingRecommendation)
	assert.Zero(t, h.Utilization)
	assert.Zero(t, h.Backlog)
}

func TestAnalyzeTeamHealthCountsUnderperformers(t *testing.T) {
	s, st := newTestScorer(t)

	seedMember(t, st, "t1", "agent-a", &models.PerformanceSummary{LastScore: 0.9})
	seedMember(t, st, "t1", "agent-b", &models.PerformanceSummary{LastScore: 0.3})
	seedTask(t, st, "t1", "agent-a", models.TaskStatusRunning, time.Second)

	h, err := s.AnalyzeTeamHealth(context.Background(), "t1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, h.UnderperformerRate, 1e-9)
	assert.InDelta(t, 0.6, h.AvgMemberScore, 1e-9)
	assert.InDelta(t, 0.65, h.HealthScore, 1e-9)
	assert.Equal(t, Maintain, h.ScalingRecommendation)
	assert.NotEmpty(t, h.Issues)
}

func TestAnalyzeTeamHealthEmptyTeam(t *testing.T) {
	s, _ := newTestScorer(t)

	h, err := s.AnalyzeTeamHealth(context.Background(), "t-empty")
	require.NoError(t, err)
	assert.Zero(t, h.ActiveMembers)
	assert.InDelta(t, 0.5, h.AvgMemberScore, 1e-9)
	assert.Equal(t, Maintain, h.ScalingRecommendation)
	assert.Contains(t, h.Issues, "no active members")
}

func TestAnalyzeTeamHealthIgnoresRetiredMembers(t *testing.T) {
	s, st := newTestScorer(t)
	ctx := context.Background()

	seedMember(t, st, "t1", "agent-a", &models.PerformanceSummary{LastScore: 0.9})
	seedMember(t, st, "t1", "agent-b", &models.PerformanceSummary{LastScore: 0.1})
	retiredAt := time.Now().UTC()
	require.NoError(t, st.Members().UpdateState(ctx, "t1", "agent-b", models.MemberStateRetired, &retiredAt))
	seedTask(t, st, "t1", "agent-a", models.TaskStatusRunning, time.Second)

	h, err := s.AnalyzeTeamHealth(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.ActiveMembers)
	assert.InDelta(t, 0.9, h.AvgMemberScore, 1e-9)
	assert.Zero(t, h.UnderperformerRate)
}
