// Package validation combines the three independent validator results
// (structural conformance, behavioral contract scenarios, deliverable
// quality) into one verdict: a weighted overall score, a letter grade, and
// a deployment decision the workflow gate consults.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/store"
)

// Validator names used in weights, verdicts, and redistribution records.
const (
	ValidatorStructural = "structural"
	ValidatorBehavioral = "behavioral"
	ValidatorQuality    = "quality"
)

// Decision is the deployment decision attached to a verdict.
type Decision string

// Deployment decisions.
const (
	DecisionApproved    Decision = "APPROVED"
	DecisionConditional Decision = "CONDITIONAL"
	DecisionBlocked     Decision = "BLOCKED"
)

// StructuralResult is the code-graph conformance validator's output.
type StructuralResult struct {
	IsCompliant        bool    `json:"is_compliant"`
	ConformanceScore   float64 `json:"conformance_score"`
	TotalViolations    int     `json:"total_violations"`
	BlockingViolations int     `json:"blocking_violations"`
	WarningViolations  int     `json:"warning_violations"`
}

// BehavioralResult is the contract scenario validator's output.
type BehavioralResult struct {
	TotalContracts     int     `json:"total_contracts"`
	ContractsFulfilled int     `json:"contracts_fulfilled"`
	OverallPassRate    float64 `json:"overall_pass_rate"`
	ScenariosPassed    int     `json:"scenarios_passed"`
	ScenariosFailed    int     `json:"scenarios_failed"`
}

// QualityResult is the deliverable quality validator's output.
type QualityResult struct {
	AvgQualityScore         float64 `json:"avg_quality_score"`
	ContractFulfillmentRate float64 `json:"contract_fulfillment_rate"`
	ErrorRate               float64 `json:"error_rate"`
}

// Input carries whichever validator results ran. A nil validator is
// missing: its weight redistributes proportionally over the present ones.
type Input struct {
	Structural *StructuralResult
	Behavioral *BehavioralResult
	Quality    *QualityResult
}

// Verdict is the aggregated validation outcome.
type Verdict struct {
	TargetID     string    `json:"target_id"`
	TeamID       string    `json:"team_id"`
	OverallScore float64   `json:"overall_score"`
	Grade        string    `json:"grade"`
	Decision     Decision  `json:"decision"`
	CreatedAt    time.Time `json:"created_at"`

	// SubScores and WeightsApplied record the per-validator inputs to the
	// overall score, after any missing-validator redistribution.
	SubScores         map[string]float64 `json:"sub_scores"`
	WeightsApplied    map[string]float64 `json:"weights_applied"`
	MissingValidators []string           `json:"missing_validators,omitempty"`

	// InsufficientData marks a behavioral result with zero contracts: the
	// pass rate defaults to 1.0 but proves nothing.
	InsufficientData bool `json:"insufficient_data,omitempty"`

	BlockingViolations int `json:"blocking_violations"`
}

// Aggregator computes verdicts under the configured gate.
type Aggregator struct {
	cfg *config.GateConfig
	pub *events.Publisher
}

// NewAggregator creates an aggregator. pub may be nil; the
// validation.completed event is then skipped.
func NewAggregator(cfg *config.GateConfig, pub *events.Publisher) *Aggregator {
	if cfg == nil {
		cfg = config.DefaultGateConfig()
	}
	return &Aggregator{cfg: cfg, pub: pub}
}

// Evaluate aggregates the validator results for one target and publishes
// validation.completed. At least one validator must be present.
func (a *Aggregator) Evaluate(ctx context.Context, teamID, targetID string, in Input) (*Verdict, error) {
	if targetID == "" {
		return nil, store.NewValidationError("target_id", "required")
	}
	if in.Structural == nil && in.Behavioral == nil && in.Quality == nil {
		return nil, store.NewValidationError("input", "at least one validator result required")
	}

	v := &Verdict{
		TargetID:       targetID,
		TeamID:         teamID,
		CreatedAt:      time.Now().UTC(),
		SubScores:      make(map[string]float64),
		WeightsApplied: make(map[string]float64),
	}

	weights := map[string]float64{
		ValidatorStructural: a.cfg.Weights.Structural,
		ValidatorBehavioral: a.cfg.Weights.Behavioral,
		ValidatorQuality:    a.cfg.Weights.Quality,
	}

	if in.Structural != nil {
		v.SubScores[ValidatorStructural] = clamp01(in.Structural.ConformanceScore)
		v.BlockingViolations = in.Structural.BlockingViolations
	}
	if in.Behavioral != nil {
		rate := in.Behavioral.OverallPassRate
		if in.Behavioral.TotalContracts == 0 {
			rate = 1.0
			v.InsufficientData = true
		}
		v.SubScores[ValidatorBehavioral] = clamp01(rate)
	}
	if in.Quality != nil {
		q := 0.5*in.Quality.AvgQualityScore +
			0.3*in.Quality.ContractFulfillmentRate +
			0.2*(1-in.Quality.ErrorRate)
		v.SubScores[ValidatorQuality] = clamp01(q)
	}

	// Redistribute absent validators' weights proportionally and record
	// what was applied.
	var presentWeight float64
	for name := range weights {
		if _, ok := v.SubScores[name]; ok {
			presentWeight += weights[name]
		} else {
			v.MissingValidators = append(v.MissingValidators, name)
		}
	}
	sort.Strings(v.MissingValidators)

	for name, score := range v.SubScores {
		w := weights[name] / presentWeight
		v.WeightsApplied[name] = w
		v.OverallScore += w * score
	}

	v.Grade = grade(v.OverallScore)
	v.Decision = a.decide(v, in)

	if a.pub != nil && teamID != "" {
		err := a.pub.Publish(ctx, teamID, events.CategoryValidation, events.ActionCompleted,
			events.ValidationCompletedPayload{
				TargetID: targetID,
				Score:    v.OverallScore,
				Grade:    v.Grade,
				Decision: string(v.Decision),
			})
		if err != nil {
			return nil, fmt.Errorf("publish validation verdict: %w", err)
		}
	}

	slog.Info("Validation verdict",
		"team_id", teamID,
		"target_id", targetID,
		"score", v.OverallScore,
		"grade", v.Grade,
		"decision", v.Decision,
		"missing", v.MissingValidators)
	return v, nil
}

func (a *Aggregator) decide(v *Verdict, in Input) Decision {
	blockOnViolations := a.cfg.BlockOnBlockingViolations == nil || *a.cfg.BlockOnBlockingViolations
	if blockOnViolations && v.BlockingViolations > 0 {
		return DecisionBlocked
	}
	if v.OverallScore < a.cfg.MinOverallScore {
		return DecisionBlocked
	}
	if v.OverallScore < conditionalFloor {
		return DecisionConditional
	}
	if in.Behavioral != nil && in.Behavioral.TotalContracts > 0 &&
		in.Behavioral.OverallPassRate < a.cfg.MinBehavioralPassRate {
		return DecisionConditional
	}
	return DecisionApproved
}

// conditionalFloor is the overall score below which an otherwise passing
// verdict ships only conditionally.
const conditionalFloor = 0.80

// grade maps an overall score to its letter grade.
func grade(score float64) string {
	switch {
	case score >= 0.95:
		return "A+"
	case score >= 0.90:
		return "A"
	case score >= 0.80:
		return "B"
	case score >= 0.70:
		return "C"
	case score >= 0.60:
		return "D"
	default:
		return "F"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Approved reports whether the verdict clears the gate for deployment-class
// workflow nodes. Conditional verdicts pass the gate; blocked ones do not.
func (v *Verdict) Approved() bool {
	return v.Decision != DecisionBlocked
}
