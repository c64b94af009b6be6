package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	_ = applyDefaults(cfg)
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateAutonormalizesWeights(t *testing.T) {
	cfg := validConfig()
	cfg.Gate.Weights = ValidationWeights{Structural: 1, Behavioral: 2, Quality: 1}

	require.NoError(t, Validate(cfg))
	assert.InDelta(t, 0.25, cfg.Gate.Weights.Structural, 1e-9)
	assert.InDelta(t, 0.50, cfg.Gate.Weights.Behavioral, 1e-9)
	assert.InDelta(t, 0.25, cfg.Gate.Weights.Quality, 1e-9)
}

func TestValidateRejectsNegativeWeight(t *testing.T) {
	cfg := validConfig()
	cfg.Blueprint.HistoricalSuccess = -0.2

	err := Validate(cfg)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "blueprint_weights", verr.Section)
}

func TestValidateRejectsAllZeroWeights(t *testing.T) {
	cfg := validConfig()
	cfg.Scoring.MemberWeights = MemberWeights{}
	assert.Error(t, Validate(cfg))
}

func TestValidateSchedulerBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.MaxConcurrentNodesPerWorkflow = 0
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Scheduler.RetryBackoffCap = cfg.Scheduler.RetryBackoffBase / 2
	assert.Error(t, Validate(cfg))
}

func TestValidateGateRanges(t *testing.T) {
	cfg := validConfig()
	cfg.Gate.MinOverallScore = 1.5
	assert.Error(t, Validate(cfg))
}

func TestValidateScalingNeedsRequiredRoles(t *testing.T) {
	cfg := validConfig()
	cfg.Scaling["limbo"] = PhasePlan{OptionalRoles: []string{"qa_lead"}}
	assert.Error(t, Validate(cfg))
}

func TestValidateProviderTypes(t *testing.T) {
	cfg := validConfig()
	cfg.Providers = map[string]ProviderConfig{
		"weird": {Type: "carrier_pigeon"},
	}
	assert.Error(t, Validate(cfg))

	cfg.Providers = map[string]ProviderConfig{
		"main": {Type: "http", BaseURL: "http://localhost:9000"},
	}
	assert.NoError(t, Validate(cfg))
}
