package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/store"
)

func fullInput(structural, behavioral, quality float64) Input {
	return Input{
		Structural: &StructuralResult{IsCompliant: true, ConformanceScore: structural},
		Behavioral: &BehavioralResult{TotalContracts: 5, ContractsFulfilled: 5, OverallPassRate: behavioral},
		Quality:    &QualityResult{AvgQualityScore: quality, ContractFulfillmentRate: quality, ErrorRate: 1 - quality},
	}
}

func TestEvaluateApproved(t *testing.T) {
	a := NewAggregator(config.DefaultGateConfig(), nil)

	v, err := a.Evaluate(context.Background(), "t1", "release-1", fullInput(0.96, 0.97, 0.95))
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, v.Decision)
	assert.Equal(t, "A+", v.Grade)
	assert.True(t, v.Approved())
	assert.Empty(t, v.MissingValidators)
	assert.False(t, v.InsufficientData)

	// Full inputs apply the configured weights unchanged.
	assert.InDelta(t, 0.33, v.WeightsApplied[ValidatorStructural], 1e-9)
	assert.InDelta(t, 0.34, v.WeightsApplied[ValidatorBehavioral], 1e-9)
	assert.InDelta(t, 0.33, v.WeightsApplied[ValidatorQuality], 1e-9)
}

func TestEvaluateGrades(t *testing.T) {
	a := NewAggregator(config.DefaultGateConfig(), nil)

	tests := []struct {
		score float64
		grade string
	}{
		{0.97, "A+"},
		{0.92, "A"},
		{0.85, "B"},
		{0.75, "C"},
		{0.65, "D"},
		{0.40, "F"},
	}
	for _, tt := range tests {
		t.Run(tt.grade, func(t *testing.T) {
			v, err := a.Evaluate(context.Background(), "t1", "target", Input{
				Structural: &StructuralResult{ConformanceScore: tt.score},
			})
			require.NoError(t, err)
			assert.InDelta(t, tt.score, v.OverallScore, 1e-9)
			assert.Equal(t, tt.grade, v.Grade)
		})
	}
}

func TestEvaluateBlockedOnBlockingViolations(t *testing.T) {
	a := NewAggregator(config.DefaultGateConfig(), nil)

	in := fullInput(0.95, 0.95, 0.95)
	in.Structural.BlockingViolations = 2

	v, err := a.Evaluate(context.Background(), "t1", "release-1", in)
	require.NoError(t, err)
	assert.Equal(t, DecisionBlocked, v.Decision)
	assert.False(t, v.Approved())
	assert.Equal(t, 2, v.BlockingViolations)

	// High grade, still blocked: the grade reflects score, not the gate.
	assert.Equal(t, "A+", v.Grade)
}

func TestEvaluateBlockedOnLowScore(t *testing.T) {
	a := NewAggregator(config.DefaultGateConfig(), nil)
	v, err := a.Evaluate(context.Background(), "t1", "release-1", fullInput(0.4, 0.5, 0.5))
	require.NoError(t, err)
	assert.Equal(t, DecisionBlocked, v.Decision)
	assert.Equal(t, "F", v.Grade)
}

func TestEvaluateConditional(t *testing.T) {
	a := NewAggregator(config.DefaultGateConfig(), nil)

	t.Run("mid band score", func(t *testing.T) {
		v, err := a.Evaluate(context.Background(), "t1", "release-1", fullInput(0.7, 0.85, 0.7))
		require.NoError(t, err)
		assert.Equal(t, DecisionConditional, v.Decision)
		assert.True(t, v.Approved())
	})

	t.Run("low behavioral pass rate", func(t *testing.T) {
		in := fullInput(0.95, 0.75, 0.95)
		v, err := a.Evaluate(context.Background(), "t1", "release-1", in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v.OverallScore, 0.80)
		assert.Equal(t, DecisionConditional, v.Decision)
	})
}

func TestEvaluateRedistributesMissingWeights(t *testing.T) {
	a := NewAggregator(config.DefaultGateConfig(), nil)

	v, err := a.Evaluate(context.Background(), "t1", "release-1", Input{
		Structural: &StructuralResult{ConformanceScore: 0.9},
		Quality:    &QualityResult{AvgQualityScore: 0.9, ContractFulfillmentRate: 0.9, ErrorRate: 0.1},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ValidatorBehavioral}, v.MissingValidators)

	// 0.33 and 0.33 renormalize to 0.5 each.
	assert.InDelta(t, 0.5, v.WeightsApplied[ValidatorStructural], 1e-9)
	assert.InDelta(t, 0.5, v.WeightsApplied[ValidatorQuality], 1e-9)
	assert.InDelta(t, 0.9, v.OverallScore, 1e-9)
}

func TestEvaluateZeroContractsIsInsufficientData(t *testing.T) {
	a := NewAggregator(config.DefaultGateConfig(), nil)

	v, err := a.Evaluate(context.Background(), "t1", "release-1", Input{
		Behavioral: &BehavioralResult{TotalContracts: 0, OverallPassRate: 0},
	})
	require.NoError(t, err)
	assert.True(t, v.InsufficientData)
	assert.InDelta(t, 1.0, v.SubScores[ValidatorBehavioral], 1e-9)
	assert.Equal(t, DecisionApproved, v.Decision)
}

func TestEvaluateValidation(t *testing.T) {
	a := NewAggregator(config.DefaultGateConfig(), nil)

	_, err := a.Evaluate(context.Background(), "t1", "", fullInput(1, 1, 1))
	assert.True(t, store.IsValidationError(err))

	_, err = a.Evaluate(context.Background(), "t1", "release-1", Input{})
	assert.True(t, store.IsValidationError(err))
}

func TestBlockingViolationsCanBeWaived(t *testing.T) {
	cfg := config.DefaultGateConfig()
	waive := false
	cfg.BlockOnBlockingViolations = &waive
	a := NewAggregator(cfg, nil)

	in := fullInput(0.95, 0.95, 0.95)
	in.Structural.BlockingViolations = 1
	v, err := a.Evaluate(context.Background(), "t1", "release-1", in)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, v.Decision)
}
