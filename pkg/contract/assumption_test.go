package contract

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

func tracked(t *testing.T, svc *Service) *models.Assumption {
	t.Helper()
	a, err := svc.TrackAssumption(context.Background(), &models.Assumption{
		TeamID:      "t1",
		MadeByAgent: "agent-dev",
		MadeByRole:  "backend_dev",
		Text:        "orders always fit in one shard",
		Category:    "data",
		RelatedArtifact: models.ArtifactRef{
			Type: "contract", ID: "con-1",
		},
		DependentArtifacts: []models.ArtifactRef{
			{Type: "stream", ID: "stream-9"},
		},
	})
	require.NoError(t, err)
	return a
}

func TestTrackAssumption(t *testing.T) {
	svc, st, _ := newTestService(t)

	a := tracked(t, svc)
	assert.Equal(t, models.AssumptionStatusTentative, a.Status)
	assert.NotEmpty(t, a.ID)

	stored, err := st.Assumptions().Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders always fit in one shard", stored.Text)
}

func TestTrackAssumptionValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.TrackAssumption(context.Background(), &models.Assumption{TeamID: "t1"})
	assert.True(t, store.IsValidationError(err))
}

func TestValidateThenInvalidate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	a := tracked(t, svc)

	validated, err := svc.ValidateAssumption(ctx, a.ID, "agent-qa")
	require.NoError(t, err)
	assert.Equal(t, models.AssumptionStatusValidated, validated.Status)
	assert.Equal(t, "agent-qa", validated.ValidatedBy)
	require.NotNil(t, validated.ValidatedAt)

	invalidated, err := svc.InvalidateAssumption(ctx, a.ID, "agent-lead", "shard limit hit in load test")
	require.NoError(t, err)
	assert.Equal(t, models.AssumptionStatusInvalidated, invalidated.Status)
	require.NotNil(t, invalidated.InvalidatedAt)
	assert.Equal(t, "shard limit hit in load test", invalidated.InvalidationNotes)
}

func TestInvalidatedIsTerminal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	a := tracked(t, svc)

	_, err := svc.InvalidateAssumption(ctx, a.ID, "agent-lead", "")
	require.NoError(t, err)

	_, err = svc.ValidateAssumption(ctx, a.ID, "agent-qa")
	assert.ErrorIs(t, err, store.ErrConflictingState)

	_, err = svc.InvalidateAssumption(ctx, a.ID, "agent-lead", "")
	assert.ErrorIs(t, err, store.ErrConflictingState)
}

func TestInvalidationEmitsDependents(t *testing.T) {
	svc, _, rec := newTestService(t)
	a := tracked(t, svc)

	_, err := svc.InvalidateAssumption(context.Background(), a.ID, "agent-lead", "stale")
	require.NoError(t, err)

	rec.topics(t, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 1)
	assert.Equal(t, events.Topic("t1", events.CategoryAssumption, "invalidated"), rec.events[0].Topic)

	var payload events.AssumptionInvalidatedPayload
	require.NoError(t, json.Unmarshal(rec.events[0].Payload, &payload))
	assert.Equal(t, a.ID, payload.AssumptionID)
	require.Len(t, payload.DependentArtifacts, 1)
	assert.Equal(t, "stream-9", payload.DependentArtifacts[0].ID)
}
