package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// weightTolerance is how far a weight sum may drift from 1 before the
// autonormalization warning fires.
const weightTolerance = 1e-9

// Validate checks ranges and cross-references and autonormalizes weight
// vectors in place. It returns the first hard failure; normalization is
// never a failure, only a warning.
func Validate(cfg *Config) error {
	if err := validateScheduler(cfg.Scheduler); err != nil {
		return err
	}
	if err := validateGate(cfg.Gate); err != nil {
		return err
	}
	if err := validateBlueprint(cfg.Blueprint); err != nil {
		return err
	}
	if err := validateHistory(cfg.History); err != nil {
		return err
	}
	if err := validateHealing(cfg.Healing); err != nil {
		return err
	}
	if err := validateScoring(cfg.Scoring); err != nil {
		return err
	}
	if err := validateProviders(cfg); err != nil {
		return err
	}
	return validateScaling(cfg.Scaling)
}

func validateScheduler(s *SchedulerConfig) error {
	if s.MaxConcurrentNodesPerWorkflow < 1 {
		return NewValidationError("scheduler", "max_concurrent_nodes_per_workflow", errors.New("must be at least 1"))
	}
	if s.MaxConcurrentStreamsPerMVD < 1 {
		return NewValidationError("scheduler", "max_concurrent_streams_per_mvd", errors.New("must be at least 1"))
	}
	if s.NodeDefaultTimeout <= 0 {
		return NewValidationError("scheduler", "node_default_timeout", errors.New("must be positive"))
	}
	if s.RetryBackoffBase <= 0 || s.RetryBackoffCap < s.RetryBackoffBase {
		return NewValidationError("scheduler", "retry_backoff", errors.New("base must be positive and cap >= base"))
	}
	return nil
}

func validateGate(g *GateConfig) error {
	if g.MinOverallScore < 0 || g.MinOverallScore > 1 {
		return NewValidationError("validation_gate", "min_overall_score", errors.New("must be in [0,1]"))
	}
	if g.MinBehavioralPassRate < 0 || g.MinBehavioralPassRate > 1 {
		return NewValidationError("validation_gate", "min_behavioral_pass_rate", errors.New("must be in [0,1]"))
	}
	_, err := normalizeWeights("validation_gate.weights", map[string]*float64{
		"structural": &g.Weights.Structural,
		"behavioral": &g.Weights.Behavioral,
		"quality":    &g.Weights.Quality,
	})
	return err
}

func validateBlueprint(b *BlueprintWeights) error {
	_, err := normalizeWeights("blueprint_weights", map[string]*float64{
		"parallelizability":    &b.Parallelizability,
		"expertise_coverage":   &b.ExpertiseCoverage,
		"complexity_alignment": &b.ComplexityAlignment,
		"historical_success":   &b.HistoricalSuccess,
	})
	return err
}

func validateHistory(h *HistoryConfig) error {
	if h.RetentionDays < 1 {
		return NewValidationError("history", "retention_days", errors.New("must be at least 1"))
	}
	if h.CleanupInterval <= 0 {
		return NewValidationError("history", "cleanup_interval", errors.New("must be positive"))
	}
	return nil
}

func validateHealing(h *HealingConfig) error {
	if h.MinPassRate < 0 || h.MinPassRate > 1 {
		return NewValidationError("healing", "min_pass_rate", errors.New("must be in [0,1]"))
	}
	if h.MaxParallelTests < 1 {
		return NewValidationError("healing", "max_parallel_tests", errors.New("must be at least 1"))
	}
	if h.MaxRetries < 0 {
		return NewValidationError("healing", "max_retries", errors.New("must not be negative"))
	}
	return nil
}

func validateScoring(s *ScoringConfig) error {
	_, err := normalizeWeights("scoring.member_weights", map[string]*float64{
		"completion":    &s.MemberWeights.Completion,
		"speed":         &s.MemberWeights.Speed,
		"quality":       &s.MemberWeights.Quality,
		"collaboration": &s.MemberWeights.Collaboration,
	})
	if err != nil {
		return err
	}
	if s.UtilizationLow < 0 || s.UtilizationHigh > 1 || s.UtilizationLow >= s.UtilizationHigh {
		return NewValidationError("scoring", "utilization", errors.New("need 0 <= low < high <= 1"))
	}
	return nil
}

func validateProviders(cfg *Config) error {
	for name, p := range cfg.Providers {
		switch p.Type {
		case "http":
			if p.BaseURL == "" {
				return NewValidationError("providers", name, errors.New("http provider needs base_url"))
			}
		case "scripted":
		default:
			return NewValidationError("providers", name, fmt.Errorf("unknown provider type %q", p.Type))
		}
	}
	for persona, provider := range cfg.Routing {
		if _, ok := cfg.Providers[provider]; !ok {
			return NewValidationError("persona_routing", persona, fmt.Errorf("references unknown provider %q", provider))
		}
	}
	return nil
}

func validateScaling(scaling map[string]PhasePlan) error {
	for phase, plan := range scaling {
		if len(plan.RequiredRoles) == 0 {
			return NewValidationError("phase_scaling", phase, errors.New("required_roles must not be empty"))
		}
	}
	return nil
}

// normalizeWeights checks a weight vector. Negative weights and an all-zero
// vector are hard failures; any other sum != 1 is scaled to 1 with a warning.
func normalizeWeights(section string, weights map[string]*float64) (float64, error) {
	var sum float64
	for field, w := range weights {
		if *w < 0 {
			return 0, NewValidationError(section, field, errors.New("must not be negative"))
		}
		sum += *w
	}
	if sum == 0 {
		return 0, NewValidationError(section, "", errors.New("weights must not all be zero"))
	}
	if math.Abs(sum-1) > weightTolerance {
		slog.Warn("Weights do not sum to 1, autonormalizing", "section", section, "sum", sum)
		for _, w := range weights {
			*w /= sum
		}
	}
	return sum, nil
}
