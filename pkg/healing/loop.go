package healing

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/metrics"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/workflow"
)

// Loop is the production retry policy around node executors: classify the
// failure, retry transient categories under exponential backoff, escalate
// the rest. Every finalized run lands in the execution history.
type Loop struct {
	analyzer *Analyzer
	logger   *Logger
	cfg      *config.HealingConfig
	sched    *config.SchedulerConfig
	metrics  *metrics.Registry
}

var _ workflow.Healer = (*Loop)(nil)

// NewLoop creates the retry loop. logger and reg may be nil; history and
// counters are then skipped.
func NewLoop(analyzer *Analyzer, logger *Logger, healing *config.HealingConfig, sched *config.SchedulerConfig, reg *metrics.Registry) *Loop {
	if analyzer == nil {
		analyzer = NewAnalyzer()
	}
	if healing == nil {
		healing = config.DefaultHealingConfig()
	}
	if sched == nil {
		sched = config.DefaultSchedulerConfig()
	}
	return &Loop{
		analyzer: analyzer,
		logger:   logger,
		cfg:      healing,
		sched:    sched,
		metrics:  reg,
	}
}

// Run executes op, retrying transient failures with exponential backoff up
// to the smaller of the pattern's recommendation and the configured ceiling.
// Non-transient failures escalate immediately.
func (l *Loop) Run(ctx context.Context, taskName string, op func(context.Context) error) (int, bool, error) {
	start := time.Now()
	attempts := 1
	err := op(ctx)
	if err == nil {
		l.record(ctx, taskName, models.HistoryStatusSuccess, attempts, start, Classification{}, nil)
		return attempts, false, nil
	}

	cls := l.analyzer.Classify(err.Error())
	retries := cls.RecommendedRetries
	if retries > l.cfg.MaxRetries {
		retries = l.cfg.MaxRetries
	}
	if !cls.Transient || retries <= 0 {
		l.escalate(ctx, taskName, attempts, start, cls, err)
		return attempts, false, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.sched.RetryBackoffBase
	bo.MaxInterval = l.sched.RetryBackoffCap
	bo.MaxElapsedTime = 0

	for i := 0; i < retries; i++ {
		if sleepErr := sleepCtx(ctx, bo.NextBackOff()); sleepErr != nil {
			l.escalate(ctx, taskName, attempts, start, cls, err)
			return attempts, false, err
		}

		attempts++
		if l.metrics != nil {
			l.metrics.HealingRetries.Inc()
		}
		slog.Info("Retrying after transient failure",
			"task", taskName,
			"attempt", attempts,
			"category", cls.Category,
			"error", err)

		if err = op(ctx); err == nil {
			l.record(ctx, taskName, models.HistoryStatusRecovered, attempts, start, cls, nil)
			return attempts, true, nil
		}

		// A retry may surface a different failure; a non-transient one ends
		// the loop early.
		if next := l.analyzer.Classify(err.Error()); !next.Transient {
			cls = next
			break
		}
	}

	l.escalate(ctx, taskName, attempts, start, cls, err)
	return attempts, false, err
}

func (l *Loop) escalate(ctx context.Context, taskName string, attempts int, start time.Time, cls Classification, err error) {
	if l.metrics != nil {
		l.metrics.HealingEscalated.Inc()
	}
	slog.Warn("Escalating failed task",
		"task", taskName,
		"attempts", attempts,
		"category", cls.Category,
		"severity", cls.Severity,
		"suggestions", cls.Suggestions,
		"error", err)
	l.record(ctx, taskName, models.HistoryStatusFailed, attempts, start, cls, err)
}

func (l *Loop) record(ctx context.Context, taskName, status string, attempts int, start time.Time, cls Classification, err error) {
	if l.logger == nil {
		return
	}
	rec := &models.ExecutionHistoryRecord{
		TaskName:        taskName,
		Status:          status,
		AttemptCount:    attempts,
		DurationSeconds: time.Since(start).Seconds(),
		RecoveryApplied: status == models.HistoryStatusRecovered,
	}
	if err != nil {
		rec.ErrorType = string(cls.Category)
		rec.ErrorMessage = err.Error()
	}
	if recErr := l.logger.Record(ctx, rec); recErr != nil {
		slog.Error("History record failed", "task", taskName, "error", recErr)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
