package healing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

// Logger is the append-only execution history: one record per finalized
// execution, queryable into metrics and insights, trimmed by a retention
// sweep.
type Logger struct {
	store store.Store
	cfg   *config.HistoryConfig
	now   func() time.Time
}

// NewLogger creates a history logger.
func NewLogger(st store.Store, cfg *config.HistoryConfig) *Logger {
	if cfg == nil {
		cfg = config.DefaultHistoryConfig()
	}
	return &Logger{
		store: st,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one finalized execution. Missing execution IDs and
// timestamps are filled in.
func (l *Logger) Record(ctx context.Context, rec *models.ExecutionHistoryRecord) error {
	if rec.TaskName == "" {
		return store.NewValidationError("task_name", "required")
	}
	switch rec.Status {
	case models.HistoryStatusSuccess, models.HistoryStatusFailed, models.HistoryStatusRecovered:
	default:
		return store.NewValidationError("status", "unknown status "+rec.Status)
	}
	if rec.ExecutionID == "" {
		rec.ExecutionID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	if err := l.store.History().Append(ctx, rec); err != nil {
		return fmt.Errorf("append history record: %w", err)
	}
	return nil
}

// TaskMetrics aggregates a window of execution history.
type TaskMetrics struct {
	Total              int            `json:"total"`
	Successful         int            `json:"successful"`
	Failed             int            `json:"failed"`
	Recovered          int            `json:"recovered"`
	TotalRetries       int            `json:"total_retries"`
	AvgDurationSeconds float64        `json:"avg_duration_seconds"`
	ErrorTypes         map[string]int `json:"error_types_histogram"`

	// SuccessRate counts recovered executions as successes; RecoveryRate is
	// how often a failing execution was saved by a retry.
	SuccessRate  float64 `json:"success_rate"`
	RecoveryRate float64 `json:"recovery_rate"`
}

// Metrics computes the window metrics. taskName narrows to one task; empty
// covers everything.
func (l *Logger) Metrics(ctx context.Context, taskName string, days int) (*TaskMetrics, error) {
	records, err := l.window(ctx, taskName, days)
	if err != nil {
		return nil, err
	}
	return computeMetrics(records), nil
}

func computeMetrics(records []*models.ExecutionHistoryRecord) *TaskMetrics {
	m := &TaskMetrics{ErrorTypes: make(map[string]int)}
	var totalDuration float64
	for _, r := range records {
		m.Total++
		totalDuration += r.DurationSeconds
		if r.AttemptCount > 1 {
			m.TotalRetries += r.AttemptCount - 1
		}
		switch r.Status {
		case models.HistoryStatusSuccess:
			m.Successful++
		case models.HistoryStatusFailed:
			m.Failed++
		case models.HistoryStatusRecovered:
			m.Recovered++
		}
		if r.ErrorType != "" {
			m.ErrorTypes[r.ErrorType]++
		}
	}
	if m.Total > 0 {
		m.AvgDurationSeconds = totalDuration / float64(m.Total)
		m.SuccessRate = float64(m.Successful+m.Recovered) / float64(m.Total)
	}
	if saved := m.Recovered + m.Failed; saved > 0 {
		m.RecoveryRate = float64(m.Recovered) / float64(saved)
	}
	return m
}

// Trend directions reported by insights.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDegrading = "degrading"
)

// Insight is one generated observation over the history window.
type Insight struct {
	InsightType     string   `json:"insight_type"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	MetricValue     float64  `json:"metric_value"`
	Trend           string   `json:"trend"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Insights derives textual observations from the window: overall
// reliability, retry pressure, and the dominant error type. The trend
// compares the success rate of the window's two halves.
func (l *Logger) Insights(ctx context.Context, days int) ([]Insight, error) {
	if l.cfg.EnableInsights != nil && !*l.cfg.EnableInsights {
		return nil, nil
	}
	records, err := l.window(ctx, "", days)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	m := computeMetrics(records)
	trend := successTrend(records)

	insights := []Insight{{
		InsightType: "reliability",
		Title:       fmt.Sprintf("Success rate %.0f%% over %d executions", m.SuccessRate*100, m.Total),
		Description: fmt.Sprintf("%d succeeded, %d recovered, %d failed in the last %d days.", m.Successful, m.Recovered, m.Failed, days),
		MetricValue: m.SuccessRate,
		Trend:       trend,
	}}
	if m.SuccessRate < 0.8 {
		insights[0].Recommendations = []string{
			"review the dominant error types below",
			"consider raising retry budgets for transient categories",
		}
	}

	if m.Total > 0 {
		avgRetries := float64(m.TotalRetries) / float64(m.Total)
		if avgRetries > 1 {
			insights = append(insights, Insight{
				InsightType:     "retry_pressure",
				Title:           fmt.Sprintf("High retry pressure: %.1f retries per execution", avgRetries),
				Description:     "Executions routinely need more than one retry before finishing.",
				MetricValue:     avgRetries,
				Trend:           trend,
				Recommendations: []string{"investigate the most frequent error hashes", "verify upstream service capacity"},
			})
		}
	}

	if name, count := dominantError(m.ErrorTypes); name != "" && m.Failed > 0 {
		share := float64(count) / float64(m.Failed+m.Recovered)
		if share >= 0.3 {
			insights = append(insights, Insight{
				InsightType:     "error_pattern",
				Title:           fmt.Sprintf("Dominant error type: %s", name),
				Description:     fmt.Sprintf("%s accounts for %.0f%% of failing executions.", name, share*100),
				MetricValue:     share,
				Trend:           trend,
				Recommendations: []string{"add a targeted recovery pattern for " + name},
			})
		}
	}
	return insights, nil
}

// Sweep deletes records past retention and returns how many were removed.
func (l *Logger) Sweep(ctx context.Context) (int, error) {
	cutoff := l.now().AddDate(0, 0, -l.cfg.RetentionDays)
	removed, err := l.store.History().DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history retention sweep: %w", err)
	}
	if removed > 0 {
		slog.Info("History retention sweep", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// RunSweeper sweeps on the configured interval until the context ends.
func (l *Logger) RunSweeper(ctx context.Context) {
	interval := l.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Sweep(ctx); err != nil {
				slog.Error("History sweep failed", "error", err)
			}
		}
	}
}

func (l *Logger) window(ctx context.Context, taskName string, days int) ([]*models.ExecutionHistoryRecord, error) {
	if days <= 0 {
		days = l.cfg.RetentionDays
	}
	records, err := l.store.History().Query(ctx, store.HistoryQuery{
		TaskName: taskName,
		Since:    l.now().AddDate(0, 0, -days),
	})
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return records, nil
}

// successTrend splits the records into an older and a newer half by
// creation time and compares success rates. A five-point swing either way
// counts as a trend.
func successTrend(records []*models.ExecutionHistoryRecord) string {
	if len(records) < 4 {
		return TrendStable
	}
	sorted := append([]*models.ExecutionHistoryRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	half := len(sorted) / 2
	older := computeMetrics(sorted[:half])
	newer := computeMetrics(sorted[half:])

	switch delta := newer.SuccessRate - older.SuccessRate; {
	case delta > 0.05:
		return TrendImproving
	case delta < -0.05:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func dominantError(histogram map[string]int) (string, int) {
	var name string
	var count int
	for n, c := range histogram {
		if c > count || (c == count && n < name) {
			name, count = n, c
		}
	}
	return name, count
}
