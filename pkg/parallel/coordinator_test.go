package parallel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

var lead = access.Actor{AgentID: "lead-1", RoleID: "tech_lead"}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) topics(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Topic
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store, *events.Publisher, *recorder) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewInProcessBus(64)
	t.Cleanup(bus.Close)

	rec := &recorder{}
	_, err := bus.Subscribe("team:*:events:*", rec.handle)
	require.NoError(t, err)

	pub := events.NewPublisher(st, bus, nil, "test-pod")
	guard := access.NewController(access.BuildMatrix(config.DefaultAccessMatrix()), nil)
	c := NewCoordinator(st, pub, guard, nil)

	unsub, err := c.Subscribe(bus)
	require.NoError(t, err)
	t.Cleanup(unsub)
	return c, st, pub, rec
}

func seedContract(t *testing.T, st store.Store, teamID, name, version string, status models.ContractStatus) *models.Contract {
	t.Helper()
	now := time.Now().UTC()
	ct := &models.Contract{
		ID:      uuid.New().String(),
		TeamID:  teamID,
		Name:    name,
		Version: version,
		Type:    "api",
		Status:  status,
		Specification: models.Specification{Fields: []models.SpecField{
			{Name: "id", Type: "string", Required: true},
			{Name: "amount", Type: "int"},
		}},
		OwnerRole: "tech_lead",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.Contracts().Create(context.Background(), ct))
	return ct
}

func TestStartParallelWorkStreams(t *testing.T) {
	c, st, _, rec := newTestCoordinator(t)
	ctx := context.Background()
	ct := seedContract(t, st, "t1", "orders-api", "1.0.0", models.ContractStatusActive)

	session, streams, err := c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
		{Role: "backend_dev", AgentID: "agent-b", StreamType: "implementation", InitialTask: "build API", ContractVersionIDs: []string{ct.ID}},
		{Role: "frontend_dev", AgentID: "agent-f", StreamType: "implementation", InitialTask: "build UI", ContractVersionIDs: []string{ct.ID}},
	})
	require.NoError(t, err)
	assert.Equal(t, "mvd-1", session.MVDRef)
	require.Len(t, streams, 2)
	assert.Len(t, session.StreamIDs, 2)

	for _, w := range streams {
		got, err := st.Streams().GetStream(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StreamStatusActive, got.Status)
		assert.Equal(t, session.ID, got.SessionID)
	}

	topics := rec.topics(t, 2)
	assert.Equal(t, []string{
		"team:t1:events:stream.active",
		"team:t1:events:stream.active",
	}, topics)
}

func TestStartStreamsRejectsArchivedContract(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	ct := seedContract(t, st, "t1", "orders-api", "1.0.0", models.ContractStatusDeprecated)

	_, _, err := c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
		{Role: "backend_dev", AgentID: "agent-b", InitialTask: "build", ContractVersionIDs: []string{ct.ID}},
	})
	assert.ErrorIs(t, err, ErrStaleContractReference)

	streams, err := st.Streams().ListByTeam(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestStartStreamsValidation(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, _, err := c.StartParallelWorkStreams(ctx, lead, "t1", "", []StreamSpec{
		{Role: "backend_dev", AgentID: "a", InitialTask: "x"},
	})
	assert.True(t, store.IsValidationError(err))

	_, _, err = c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", nil)
	assert.True(t, store.IsValidationError(err))

	_, _, err = c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
		{Role: "backend_dev", AgentID: "", InitialTask: "x"},
	})
	assert.True(t, store.IsValidationError(err))
}

func TestRecordStreamOutput(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	ct := seedContract(t, st, "t1", "orders-api", "1.0.0", models.ContractStatusActive)

	_, streams, err := c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
		{Role: "backend_dev", AgentID: "agent-b", InitialTask: "build", ContractVersionIDs: []string{ct.ID}},
	})
	require.NoError(t, err)

	refs := []models.ArtifactRef{{Type: "code", ID: "artifact-1"}}
	require.NoError(t, c.RecordStreamOutput(ctx, streams[0].ID, refs, nil, 3.5))

	got, err := st.Streams().GetStream(ctx, streams[0].ID)
	require.NoError(t, err)
	assert.Equal(t, refs, got.ArtifactRefs)
	assert.Equal(t, 3.5, got.ProductiveHours)
}

func TestRecordStreamOutputStaleContractRaisesConflict(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	ct := seedContract(t, st, "t1", "orders-api", "1.0.0", models.ContractStatusActive)

	_, streams, err := c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
		{Role: "backend_dev", AgentID: "agent-b", InitialTask: "build", ContractVersionIDs: []string{ct.ID}},
	})
	require.NoError(t, err)

	// The contract archives while the stream is mid flight.
	require.NoError(t, st.Contracts().UpdateStatus(ctx, ct.ID, models.ContractStatusDeprecated))

	err = c.RecordStreamOutput(ctx, streams[0].ID, []models.ArtifactRef{{Type: "code", ID: "a1"}}, nil, 1)
	assert.ErrorIs(t, err, ErrStaleContractReference)

	conflicts, err := st.Conflicts().ListByTeam(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictTypeContractBreach, conflicts[0].Type)
	assert.Equal(t, models.SeverityHigh, conflicts[0].Severity)
	assert.Equal(t, []string{"agent-b"}, conflicts[0].AffectedAgents)

	// The stale write never landed.
	got, err := st.Streams().GetStream(ctx, streams[0].ID)
	require.NoError(t, err)
	assert.Empty(t, got.ArtifactRefs)
	assert.Zero(t, got.ProductiveHours)
}

func TestDetectContractBreach(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	oldC := seedContract(t, st, "t1", "orders-api", "1.0.0", models.ContractStatusDeprecated)

	newC := &models.Contract{
		ID:      uuid.New().String(),
		TeamID:  "t1",
		Name:    "orders-api",
		Version: "2.0.0",
		Type:    "api",
		Status:  models.ContractStatusActive,
		Specification: models.Specification{Fields: []models.SpecField{
			{Name: "id", Type: "string", Required: true},
		}},
		PreviousVersionID: oldC.ID,
	}
	require.NoError(t, st.Contracts().Create(ctx, newC))

	t.Run("no dependent stream detects nothing", func(t *testing.T) {
		conflict, err := c.DetectContractBreach(ctx, oldC, newC)
		require.NoError(t, err)
		assert.Nil(t, conflict)
	})

	t.Run("dependent active stream raises high severity conflict", func(t *testing.T) {
		_, _, err := c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
			{Role: "backend_dev", AgentID: "agent-b", InitialTask: "build", ContractVersionIDs: []string{newC.ID}},
		})
		require.NoError(t, err)

		// Fake a stream still pinned to the superseded version.
		stale := &models.WorkStream{
			ID:                 uuid.New().String(),
			SessionID:          "s-old",
			TeamID:             "t1",
			Role:               "frontend_dev",
			AgentID:            "agent-f",
			InitialTask:        "build UI",
			Status:             models.StreamStatusActive,
			ContractVersionIDs: []string{oldC.ID},
			StartedAt:          time.Now().UTC(),
		}
		require.NoError(t, st.Streams().CreateStream(ctx, stale))

		conflict, err := c.DetectContractBreach(ctx, oldC, newC)
		require.NoError(t, err)
		require.NotNil(t, conflict)
		assert.Equal(t, models.ConflictTypeContractBreach, conflict.Type)
		assert.Equal(t, models.SeverityHigh, conflict.Severity)
		assert.Equal(t, []string{"agent-f"}, conflict.AffectedAgents)
	})

	t.Run("non breaking change detects nothing", func(t *testing.T) {
		widened := *newC
		widened.ID = uuid.New().String()
		widened.Specification = models.Specification{Fields: []models.SpecField{
			{Name: "id", Type: "string", Required: true},
			{Name: "note", Type: "string"},
		}}
		conflict, err := c.DetectContractBreach(ctx, newC, &widened)
		require.NoError(t, err)
		assert.Nil(t, conflict)
	})
}

func waitForConflicts(t *testing.T, st store.Store, teamID string, n int) []*models.Conflict {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conflicts, err := st.Conflicts().ListByTeam(context.Background(), teamID)
		require.NoError(t, err)
		if len(conflicts) >= n {
			return conflicts
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d conflicts, got %d", n, len(conflicts))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBreachConflictOnEvolvedContractEvent(t *testing.T) {
	c, st, pub, _ := newTestCoordinator(t)
	ctx := context.Background()
	oldC := seedContract(t, st, "t1", "orders-api", "1.0.0", models.ContractStatusActive)

	_, _, err := c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
		{Role: "backend_dev", AgentID: "agent-b", InitialTask: "build", ContractVersionIDs: []string{oldC.ID}},
	})
	require.NoError(t, err)

	newC := &models.Contract{
		ID:                uuid.New().String(),
		TeamID:            "t1",
		Name:              "orders-api",
		Version:           "2.0.0",
		Status:            models.ContractStatusActive,
		PreviousVersionID: oldC.ID,
	}
	require.NoError(t, st.Contracts().Create(ctx, newC))

	require.NoError(t, pub.Publish(ctx, "t1", events.CategoryContract, "evolved",
		events.ContractEvolvedPayload{
			ContractID:  newC.ID,
			Name:        "orders-api",
			FromVersion: "1.0.0",
			ToVersion:   "2.0.0",
			Breaking:    true,
		}))

	conflicts := waitForConflicts(t, st, "t1", 1)
	assert.Equal(t, models.ConflictTypeContractBreach, conflicts[0].Type)
	assert.Equal(t, []string{"agent-b"}, conflicts[0].AffectedAgents)
}

func TestAssumptionInvalidationRaisesConflict(t *testing.T) {
	c, st, pub, _ := newTestCoordinator(t)
	ctx := context.Background()
	ct := seedContract(t, st, "t1", "orders-api", "1.0.0", models.ContractStatusActive)

	_, streams, err := c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
		{Role: "backend_dev", AgentID: "agent-b", InitialTask: "build", ContractVersionIDs: []string{ct.ID}},
		{Role: "frontend_dev", AgentID: "agent-f", InitialTask: "build UI", ContractVersionIDs: []string{ct.ID}},
	})
	require.NoError(t, err)

	refs := []models.ArtifactRef{{Type: "code", ID: "artifact-b"}}
	require.NoError(t, c.RecordStreamOutput(ctx, streams[0].ID, refs, nil, 1))

	require.NoError(t, pub.Publish(ctx, "t1", events.CategoryAssumption, "invalidated",
		events.AssumptionInvalidatedPayload{
			AssumptionID:       "as-1",
			MadeByAgent:        "agent-b",
			InvalidatedBy:      "agent-f",
			DependentArtifacts: []models.ArtifactRef{{Type: "code", ID: "artifact-b"}},
		}))

	conflicts := waitForConflicts(t, st, "t1", 1)
	assert.Equal(t, models.ConflictTypeAssumptionInvalidated, conflicts[0].Type)
	assert.Equal(t, models.SeverityMedium, conflicts[0].Severity)
	assert.Equal(t, []string{"agent-b"}, conflicts[0].AffectedAgents)
}

func TestAssumptionInvalidationIgnoresUnrelatedArtifacts(t *testing.T) {
	c, st, pub, _ := newTestCoordinator(t)
	ctx := context.Background()
	ct := seedContract(t, st, "t1", "orders-api", "1.0.0", models.ContractStatusActive)

	_, _, err := c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
		{Role: "backend_dev", AgentID: "agent-b", InitialTask: "build", ContractVersionIDs: []string{ct.ID}},
	})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, "t1", events.CategoryAssumption, "invalidated",
		events.AssumptionInvalidatedPayload{
			AssumptionID:       "as-1",
			DependentArtifacts: []models.ArtifactRef{{Type: "doc", ID: "elsewhere"}},
		}))

	// The handler runs async; give it time to (not) act.
	time.Sleep(50 * time.Millisecond)
	conflicts, err := st.Conflicts().ListByTeam(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestCompleteStream(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	ct := seedContract(t, st, "t1", "orders-api", "1.0.0", models.ContractStatusActive)

	_, streams, err := c.StartParallelWorkStreams(ctx, lead, "t1", "mvd-1", []StreamSpec{
		{Role: "backend_dev", AgentID: "agent-b", InitialTask: "build", ContractVersionIDs: []string{ct.ID}},
	})
	require.NoError(t, err)

	require.NoError(t, c.CompleteStream(ctx, streams[0].ID))
	got, err := st.Streams().GetStream(ctx, streams[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStatusCompleted, got.Status)

	// Completion is terminal.
	err = c.CompleteStream(ctx, streams[0].ID)
	assert.ErrorIs(t, err, store.ErrConflictingState)

	err = c.RecordStreamOutput(ctx, streams[0].ID, nil, nil, 1)
	assert.ErrorIs(t, err, store.ErrConflictingState)
}
