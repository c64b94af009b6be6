package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/crewforge/crewforge/pkg/models"
)

// Built-in validator variants, selected by the node's "validator" input.
const (
	ValidatorPhase        = "phase_validator"
	ValidatorGapDetector  = "gap_detector"
	ValidatorCompleteness = "completeness_checker"
)

// runValidator dispatches a validator node to its variant. The outcome is
// returned as a Result; a failed validation is not an executor error, the
// engine decides blocking from the outcome severity.
func runValidator(_ context.Context, node *models.WorkflowNode, ec *ExecContext) (*Result, error) {
	variant, _ := node.Inputs["validator"].(string)
	var outcome models.ValidationOutcome
	switch variant {
	case ValidatorPhase, "":
		outcome = validatePhase(node, ec)
	case ValidatorGapDetector:
		outcome = detectGaps(node, ec)
	case ValidatorCompleteness:
		outcome = checkCompleteness(node, ec)
	default:
		return nil, fmt.Errorf("%w: unknown validator variant %q", ErrInvalidNode, variant)
	}

	return &Result{
		Outputs: map[string]any{
			"validation_passed": outcome.ValidationPassed,
			"severity":          string(outcome.Severity),
			"critical_failures": outcome.CriticalFailures,
			"warnings":          outcome.Warnings,
		},
		Validation: &outcome,
	}, nil
}

// validatePhase checks that every key listed in the node's "requires" input
// is present in some upstream output.
func validatePhase(node *models.WorkflowNode, ec *ExecContext) models.ValidationOutcome {
	required := toStrings(node.Inputs["requires"])
	available := upstreamKeys(node, ec)

	var missing []string
	for _, key := range required {
		if !available[key] {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)

	outcome := models.ValidationOutcome{
		ValidationPassed: len(missing) == 0,
		Severity:         severityInput(node, models.SeverityHigh),
	}
	for _, key := range missing {
		outcome.CriticalFailures = append(outcome.CriticalFailures,
			fmt.Sprintf("phase %q missing required output %q", node.Phase, key))
	}
	return outcome
}

// detectGaps aggregates "gaps" reported by upstream nodes and generates the
// recovery context a halted workflow resumes from.
func detectGaps(node *models.WorkflowNode, ec *ExecContext) models.ValidationOutcome {
	var gaps []string
	for dep, out := range ec.Upstream(node) {
		for _, g := range toStrings(out["gaps"]) {
			gaps = append(gaps, dep+": "+g)
		}
	}
	sort.Strings(gaps)

	outcome := models.ValidationOutcome{
		ValidationPassed: len(gaps) == 0,
		Severity:         severityInput(node, models.SeverityHigh),
		CriticalFailures: gaps,
	}
	if len(gaps) > 0 {
		instructions := make([]string, 0, len(gaps))
		for _, g := range gaps {
			instructions = append(instructions, "close gap: "+g)
		}
		outcome.Recovery = &models.RecoveryContext{
			ResumeFromPhase:      node.Phase,
			FailedNodeID:         node.ID,
			GapsSummary:          strings.Join(gaps, "; "),
			RecoveryInstructions: instructions,
			RecommendedApproach:  "resolve the listed gaps, then resume from this phase",
		}
	}
	return outcome
}

// checkCompleteness measures artifact coverage against the node's
// "expected_artifacts" input. Coverage below "min_coverage" (default 1.0)
// fails with the missing artifacts as blockers.
func checkCompleteness(node *models.WorkflowNode, ec *ExecContext) models.ValidationOutcome {
	expected := toStrings(node.Inputs["expected_artifacts"])
	minCoverage := 1.0
	if v, ok := node.Inputs["min_coverage"].(float64); ok {
		minCoverage = v
	}

	produced := make(map[string]bool)
	for _, out := range ec.Upstream(node) {
		for _, a := range toStrings(out["artifacts"]) {
			produced[a] = true
		}
	}

	var blockers []string
	covered := 0
	for _, a := range expected {
		if produced[a] {
			covered++
		} else {
			blockers = append(blockers, "missing artifact "+a)
		}
	}
	sort.Strings(blockers)

	coverage := 1.0
	if len(expected) > 0 {
		coverage = float64(covered) / float64(len(expected))
	}

	outcome := models.ValidationOutcome{
		ValidationPassed: coverage >= minCoverage,
		Severity:         severityInput(node, models.SeverityMedium),
	}
	if !outcome.ValidationPassed {
		outcome.CriticalFailures = blockers
		outcome.Warnings = []string{fmt.Sprintf("coverage %.2f below %.2f", coverage, minCoverage)}
	}
	return outcome
}

func severityInput(node *models.WorkflowNode, fallback models.Severity) models.Severity {
	if s, ok := node.Inputs["severity"].(string); ok && models.Severity(s).IsValid() {
		return models.Severity(s)
	}
	return fallback
}

// upstreamKeys collects every output key of the node's direct dependencies.
func upstreamKeys(node *models.WorkflowNode, ec *ExecContext) map[string]bool {
	keys := make(map[string]bool)
	for _, out := range ec.Upstream(node) {
		for k := range out {
			keys[k] = true
		}
	}
	return keys
}

// toStrings converts a YAML-decoded list input into strings.
func toStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
