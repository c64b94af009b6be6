package scoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/healing"
	"github.com/crewforge/crewforge/pkg/store"
)

type fakeHistory struct {
	metrics *healing.TaskMetrics
	err     error
}

func (f *fakeHistory) Metrics(context.Context, string, int) (*healing.TaskMetrics, error) {
	return f.metrics, f.err
}

func TestScoreBlueprintFullMatch(t *testing.T) {
	s, _ := newTestScorer(t)

	req := Requirement{
		Name:              "payments-api",
		Complexity:        LevelHigh,
		Parallelizability: LevelHigh,
		RequiredExpertise: []string{"go", "sql"},
	}
	bp := Blueprint{
		Name:            "parallel-squad",
		ParallelStreams: 4,
		Complexity:      LevelHigh,
		Expertise:       []string{"Go", "SQL", "kubernetes"},
	}

	got, err := s.ScoreBlueprint(context.Background(), req, bp)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Dimensions[DimensionParallelizability], 1e-9)
	assert.InDelta(t, 1.0, got.Dimensions[DimensionExpertiseCoverage], 1e-9)
	assert.InDelta(t, 1.0, got.Dimensions[DimensionComplexityAlignment], 1e-9)
	// No history wired: neutral.
	assert.InDelta(t, 0.5, got.Dimensions[DimensionHistoricalSuccess], 1e-9)
	assert.InDelta(t, 0.90, got.Score, 1e-9)
}

func TestScoreBlueprintValidation(t *testing.T) {
	s, _ := newTestScorer(t)
	_, err := s.ScoreBlueprint(context.Background(), Requirement{}, Blueprint{})
	assert.True(t, store.IsValidationError(err))
}

func TestLevelAlignment(t *testing.T) {
	tests := []struct {
		a, b Level
		want float64
	}{
		{LevelLow, LevelLow, 1.0},
		{LevelMedium, LevelMedium, 1.0},
		{LevelLow, LevelMedium, 0.6},
		{LevelHigh, LevelMedium, 0.6},
		{LevelLow, LevelHigh, 0.2},
		{LevelHigh, LevelLow, 0.2},
	}
	for _, tt := range tests {
		t.Run(string(tt.a)+"/"+string(tt.b), func(t *testing.T) {
			assert.InDelta(t, tt.want, levelAlignment(tt.a, tt.b), 1e-9)
		})
	}
}

func TestStreamLevel(t *testing.T) {
	assert.Equal(t, LevelLow, streamLevel(0))
	assert.Equal(t, LevelLow, streamLevel(1))
	assert.Equal(t, LevelMedium, streamLevel(2))
	assert.Equal(t, LevelMedium, streamLevel(3))
	assert.Equal(t, LevelHigh, streamLevel(4))
}

func TestExpertiseCoverage(t *testing.T) {
	assert.InDelta(t, 1.0, expertiseCoverage(nil, nil), 1e-9)
	assert.InDelta(t, 0.5, expertiseCoverage([]string{"go", "rust"}, []string{"GO"}), 1e-9)
	assert.InDelta(t, 0.0, expertiseCoverage([]string{"go"}, nil), 1e-9)
}

func TestScoreBlueprintUsesHistory(t *testing.T) {
	st := store.NewMemoryStore()
	req := Requirement{Complexity: LevelMedium, Parallelizability: LevelMedium}
	bp := Blueprint{Name: "squad", ParallelStreams: 2, Complexity: LevelMedium}

	t.Run("success rate from history", func(t *testing.T) {
		s := NewScorer(st, nil, nil, &fakeHistory{metrics: &healing.TaskMetrics{Total: 5, SuccessRate: 0.8}})
		got, err := s.ScoreBlueprint(context.Background(), req, bp)
		require.NoError(t, err)
		assert.InDelta(t, 0.8, got.Dimensions[DimensionHistoricalSuccess], 1e-9)
	})

	t.Run("no runs scores neutral", func(t *testing.T) {
		s := NewScorer(st, nil, nil, &fakeHistory{metrics: &healing.TaskMetrics{}})
		got, err := s.ScoreBlueprint(context.Background(), req, bp)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, got.Dimensions[DimensionHistoricalSuccess], 1e-9)
	})

	t.Run("lookup failure scores neutral", func(t *testing.T) {
		s := NewScorer(st, nil, nil, &fakeHistory{err: errors.New("store offline")})
		got, err := s.ScoreBlueprint(context.Background(), req, bp)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, got.Dimensions[DimensionHistoricalSuccess], 1e-9)
	})
}

func TestRankBlueprints(t *testing.T) {
	s, _ := newTestScorer(t)

	req := Requirement{
		Complexity:        LevelMedium,
		Parallelizability: LevelMedium,
		RequiredExpertise: []string{"go", "sql"},
	}
	candidates := []Blueprint{
		{Name: "solo", ParallelStreams: 1, Complexity: LevelLow, Expertise: []string{"go"}},
		{Name: "squad", ParallelStreams: 2, Complexity: LevelMedium, Expertise: []string{"go", "sql"}},
	}

	ranked, err := s.RankBlueprints(context.Background(), req, candidates)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "squad", ranked[0].BlueprintName)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}
