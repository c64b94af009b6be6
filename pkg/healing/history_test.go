package healing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

func newTestLogger(t *testing.T) (*Logger, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewLogger(st, config.DefaultHistoryConfig()), st
}

func record(task, status, errType string, attempts int, age time.Duration) *models.ExecutionHistoryRecord {
	return &models.ExecutionHistoryRecord{
		TaskName:        task,
		Status:          status,
		AttemptCount:    attempts,
		DurationSeconds: 2,
		ErrorType:       errType,
		RecoveryApplied: status == models.HistoryStatusRecovered,
		CreatedAt:       time.Now().UTC().Add(-age),
	}
}

func TestRecordFillsDefaults(t *testing.T) {
	l, st := newTestLogger(t)
	ctx := context.Background()

	rec := &models.ExecutionHistoryRecord{TaskName: "deploy", Status: models.HistoryStatusSuccess}
	require.NoError(t, l.Record(ctx, rec))
	assert.NotEmpty(t, rec.ExecutionID)
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := st.History().Query(ctx, store.HistoryQuery{TaskName: "deploy"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecordValidation(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	err := l.Record(ctx, &models.ExecutionHistoryRecord{Status: models.HistoryStatusSuccess})
	assert.True(t, store.IsValidationError(err))

	err = l.Record(ctx, &models.ExecutionHistoryRecord{TaskName: "deploy", Status: "sideways"})
	assert.True(t, store.IsValidationError(err))
}

func TestMetrics(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	seed := []*models.ExecutionHistoryRecord{
		record("deploy", models.HistoryStatusSuccess, "", 1, time.Hour),
		record("deploy", models.HistoryStatusSuccess, "", 1, 2*time.Hour),
		record("deploy", models.HistoryStatusRecovered, "network", 3, 3*time.Hour),
		record("deploy", models.HistoryStatusFailed, "network", 2, 4*time.Hour),
		record("deploy", models.HistoryStatusFailed, "timeout", 1, 5*time.Hour),
		record("other", models.HistoryStatusFailed, "timeout", 1, time.Hour),
	}
	for _, r := range seed {
		require.NoError(t, l.Record(ctx, r))
	}

	m, err := l.Metrics(ctx, "deploy", 7)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Total)
	assert.Equal(t, 2, m.Successful)
	assert.Equal(t, 1, m.Recovered)
	assert.Equal(t, 2, m.Failed)
	assert.Equal(t, 3, m.TotalRetries)
	assert.Equal(t, map[string]int{"network": 2, "timeout": 1}, m.ErrorTypes)
	assert.InDelta(t, 0.6, m.SuccessRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, m.RecoveryRate, 1e-9)
	assert.InDelta(t, 2.0, m.AvgDurationSeconds, 1e-9)

	all, err := l.Metrics(ctx, "", 7)
	require.NoError(t, err)
	assert.Equal(t, 6, all.Total)
}

func TestMetricsWindowExcludesOldRecords(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, record("deploy", models.HistoryStatusSuccess, "", 1, time.Hour)))
	require.NoError(t, l.Record(ctx, record("deploy", models.HistoryStatusFailed, "timeout", 1, 10*24*time.Hour)))

	m, err := l.Metrics(ctx, "deploy", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Total)
	assert.Zero(t, m.Failed)
}

func TestInsightsDegradingTrend(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	// Older half succeeds, newer half fails on the same error type.
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Record(ctx,
			record(fmt.Sprintf("task-%d", i), models.HistoryStatusSuccess, "", 1, time.Duration(40+i)*time.Hour)))
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Record(ctx,
			record(fmt.Sprintf("task-%d", i), models.HistoryStatusFailed, "network", 2, time.Duration(1+i)*time.Hour)))
	}

	insights, err := l.Insights(ctx, 7)
	require.NoError(t, err)
	require.NotEmpty(t, insights)

	assert.Equal(t, "reliability", insights[0].InsightType)
	assert.Equal(t, TrendDegrading, insights[0].Trend)
	assert.InDelta(t, 0.5, insights[0].MetricValue, 1e-9)
	assert.NotEmpty(t, insights[0].Recommendations)

	var sawDominant bool
	for _, in := range insights {
		if in.InsightType == "error_pattern" {
			sawDominant = true
			assert.Contains(t, in.Title, "network")
		}
	}
	assert.True(t, sawDominant, "expected a dominant error insight")
}

func TestInsightsDisabled(t *testing.T) {
	st := store.NewMemoryStore()
	off := false
	cfg := config.DefaultHistoryConfig()
	cfg.EnableInsights = &off
	l := NewLogger(st, cfg)

	require.NoError(t, l.Record(context.Background(),
		record("deploy", models.HistoryStatusFailed, "network", 1, time.Hour)))
	insights, err := l.Insights(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, insights)
}

func TestSweepRemovesExpiredRecords(t *testing.T) {
	l, st := newTestLogger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, record("deploy", models.HistoryStatusSuccess, "", 1, time.Hour)))
	require.NoError(t, l.Record(ctx, record("deploy", models.HistoryStatusSuccess, "", 1, 40*24*time.Hour)))

	removed, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	left, err := st.History().Query(ctx, store.HistoryQuery{TaskName: "deploy"})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
