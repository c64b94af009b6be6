package healing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/store"
)

// TestResult is the outcome of one test run.
type TestResult string

// Test outcomes.
const (
	TestPassed  TestResult = "passed"
	TestFailed  TestResult = "failed"
	TestSkipped TestResult = "skipped"
)

// VerificationStatus classifies a fix verification run.
type VerificationStatus string

// Verification verdicts.
const (
	VerificationPassed  VerificationStatus = "passed"
	VerificationPartial VerificationStatus = "partial"
	VerificationFailed  VerificationStatus = "failed"
)

// TestRunner executes one named test. Implementations decide what a test
// name means (a suite target, a contract scenario, a smoke probe).
type TestRunner interface {
	Run(ctx context.Context, testName string) (TestResult, error)
}

// TestRunnerFunc adapts a function to the TestRunner interface.
type TestRunnerFunc func(ctx context.Context, testName string) (TestResult, error)

func (f TestRunnerFunc) Run(ctx context.Context, testName string) (TestResult, error) {
	return f(ctx, testName)
}

// FixRequest describes a fix to verify.
type FixRequest struct {
	FixID           string   `json:"fix_id"`
	FixDescription  string   `json:"fix_description"`
	AffectedModules []string `json:"affected_modules,omitempty"`
	SpecificTests   []string `json:"specific_tests,omitempty"`
}

// VerificationReport aggregates one verification run.
type VerificationReport struct {
	FixID       string                `json:"fix_id"`
	Status      VerificationStatus    `json:"status"`
	Passed      int                   `json:"passed"`
	Failed      int                   `json:"failed"`
	Skipped     int                   `json:"skipped"`
	PassRate    float64               `json:"pass_rate"`
	Regressions []string              `json:"regressions_detected,omitempty"`
	Results     map[string]TestResult `json:"results"`
	Duration    time.Duration         `json:"duration"`
}

// Verifier runs target, regression, and smoke tests for a fix and classifies
// the outcome against a baseline. Test execution is bounded by the
// configured semaphore; each test is bounded by a per-test timeout.
type Verifier struct {
	runner  TestRunner
	cfg     *config.HealingConfig
	timeout time.Duration

	mu       sync.Mutex
	baseline map[string]TestResult
}

// NewVerifier creates a verifier. perTestTimeout bounds each individual
// test; zero disables the bound.
func NewVerifier(runner TestRunner, cfg *config.HealingConfig, perTestTimeout time.Duration) *Verifier {
	if cfg == nil {
		cfg = config.DefaultHealingConfig()
	}
	return &Verifier{
		runner:   runner,
		cfg:      cfg,
		timeout:  perTestTimeout,
		baseline: make(map[string]TestResult),
	}
}

// SetBaseline replaces the prior-result map regressions are detected
// against.
func (v *Verifier) SetBaseline(results map[string]TestResult) {
	v.mu.Lock()
	v.baseline = make(map[string]TestResult, len(results))
	for name, r := range results {
		v.baseline[name] = r
	}
	v.mu.Unlock()
}

// AcceptBaseline merges a passed report's results into the baseline, so the
// next verification regresses against the post-fix state.
func (v *Verifier) AcceptBaseline(report *VerificationReport) {
	v.mu.Lock()
	for name, r := range report.Results {
		v.baseline[name] = r
	}
	v.mu.Unlock()
}

// Verify runs the fix's target tests plus the regression and smoke suites
// and classifies: passed needs zero failures, zero regressions, and a pass
// rate at or above the configured floor. Regressions are tests that passed
// in the baseline and fail now.
func (v *Verifier) Verify(ctx context.Context, req FixRequest, regressionSuite, smokeTests []string) (*VerificationReport, error) {
	if req.FixID == "" {
		return nil, store.NewValidationError("fix_id", "required")
	}

	tests := dedupTests(req.SpecificTests, regressionSuite, smokeTests)
	report := &VerificationReport{
		FixID:   req.FixID,
		Results: make(map[string]TestResult, len(tests)),
	}

	limit := int64(v.cfg.MaxParallelTests)
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	start := time.Now()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, name := range tests {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire test slot: %w", err)
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)
			result := v.runOne(ctx, name)
			mu.Lock()
			report.Results[name] = result
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	report.Duration = time.Since(start)

	v.mu.Lock()
	baseline := v.baseline
	for name, result := range report.Results {
		switch result {
		case TestPassed:
			report.Passed++
		case TestFailed:
			report.Failed++
			if baseline[name] == TestPassed {
				report.Regressions = append(report.Regressions, name)
			}
		case TestSkipped:
			report.Skipped++
		}
	}
	v.mu.Unlock()
	sort.Strings(report.Regressions)

	if ran := report.Passed + report.Failed; ran > 0 {
		report.PassRate = float64(report.Passed) / float64(ran)
	} else {
		report.PassRate = 1.0
	}

	switch {
	case report.Failed == 0 && len(report.Regressions) == 0 && report.PassRate >= v.cfg.MinPassRate:
		report.Status = VerificationPassed
	case len(report.Regressions) > 0 || report.Passed == 0:
		report.Status = VerificationFailed
	default:
		report.Status = VerificationPartial
	}

	slog.Info("Fix verification finished",
		"fix_id", req.FixID,
		"status", report.Status,
		"passed", report.Passed,
		"failed", report.Failed,
		"regressions", len(report.Regressions),
		"pass_rate", report.PassRate)
	return report, nil
}

// runOne executes a single test under the per-test timeout. A runner error
// or timeout counts as a failure.
func (v *Verifier) runOne(ctx context.Context, name string) TestResult {
	runCtx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	result, err := v.runner.Run(runCtx, name)
	if err != nil {
		slog.Warn("Test run errored", "test", name, "error", err)
		return TestFailed
	}
	return result
}

func dedupTests(groups ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range groups {
		for _, name := range group {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
