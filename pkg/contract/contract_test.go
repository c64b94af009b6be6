package contract

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

var (
	devops = access.Actor{AgentID: "agent-ops", RoleID: "devops_lead"}
	dev    = access.Actor{AgentID: "agent-dev", RoleID: "backend_dev"}
)

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

func newTestService(t *testing.T) (*Service, store.Store, *recorder) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewInProcessBus(64)
	t.Cleanup(bus.Close)

	rec := &recorder{}
	_, err := bus.Subscribe("team:*:events:*", rec.handle)
	require.NoError(t, err)

	pub := events.NewPublisher(st, bus, nil, "test-pod")
	guard := access.NewController(access.BuildMatrix(config.DefaultAccessMatrix()), nil)
	return NewService(st, pub, guard), st, rec
}

func draft(teamID, name, version string, fields ...models.SpecField) *models.Contract {
	return &models.Contract{
		TeamID:        teamID,
		Name:          name,
		Version:       version,
		Type:          "api",
		Specification: models.Specification{Fields: fields},
		Consumers:     []string{"frontend_dev"},
	}
}

func TestCreateContractValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateContract(ctx, dev, draft("", "api", "1.0.0"))
	assert.True(t, store.IsValidationError(err))

	_, err = svc.CreateContract(ctx, dev, draft("t1", "api", "one"))
	assert.True(t, store.IsValidationError(err))

	_, err = svc.CreateContract(ctx, access.Actor{AgentID: "x", RoleID: "security_auditor"}, draft("t1", "api", "1.0.0"))
	assert.ErrorIs(t, err, access.ErrForbidden)
}

func TestActivateArchivesPriorVersion(t *testing.T) {
	svc, st, rec := newTestService(t)
	ctx := context.Background()

	v1, err := svc.CreateContract(ctx, dev, draft("t1", "payments-api", "1.0.0",
		models.SpecField{Name: "amount", Type: "int", Required: true}))
	require.NoError(t, err)

	activated, err := svc.ActivateContract(ctx, devops, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContractStatusActive, activated.Status)

	// Second draft of the same name; activating it must archive v1.
	v2, err := svc.CreateContract(ctx, dev, draft("t1", "payments-api", "1.1.0",
		models.SpecField{Name: "amount", Type: "int", Required: true},
		models.SpecField{Name: "currency", Type: "string"}))
	require.NoError(t, err)
	_, err = svc.ActivateContract(ctx, devops, v2.ID)
	require.NoError(t, err)

	old, err := st.Contracts().Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContractStatusDeprecated, old.Status)

	current, err := svc.ActiveVersion(ctx, "t1", "payments-api")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID)

	topics := rec.topics(t, 2)
	assert.Contains(t, topics, events.Topic("t1", events.CategoryContract, "activated"))
}

func TestActivateRejectsNonDraft(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	v1, err := svc.CreateContract(ctx, dev, draft("t1", "api", "1.0.0"))
	require.NoError(t, err)
	_, err = svc.ActivateContract(ctx, devops, v1.ID)
	require.NoError(t, err)

	_, err = svc.ActivateContract(ctx, devops, v1.ID)
	assert.ErrorIs(t, err, store.ErrConflictingState)

	_, err = svc.ActivateContract(ctx, devops, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvolveContract(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	v1, err := svc.CreateContract(ctx, dev, draft("t1", "payments-api", "1.0.0",
		models.SpecField{Name: "amount", Type: "int", Required: true}))
	require.NoError(t, err)
	_, err = svc.ActivateContract(ctx, devops, v1.ID)
	require.NoError(t, err)

	next, changes, err := svc.EvolveContract(ctx, dev, "t1", "payments-api", "2.0.0",
		models.Specification{Fields: []models.SpecField{
			{Name: "amount", Type: "decimal", Required: true},
		}})
	require.NoError(t, err)

	assert.Equal(t, models.ContractStatusActive, next.Status)
	assert.Equal(t, v1.ID, next.PreviousVersionID)
	assert.Equal(t, []string{"amount"}, changes.TypeChangedFields)
	assert.True(t, changes.IsBreaking())

	old, err := st.Contracts().Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContractStatusDeprecated, old.Status)

	// Consumers carry over to the new version.
	assert.Equal(t, []string{"frontend_dev"}, next.Consumers)
}

func TestEvolveRejectsEmptyChangeSet(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	fields := []models.SpecField{{Name: "amount", Type: "int"}}
	v1, err := svc.CreateContract(ctx, dev, draft("t1", "api", "1.0.0", fields...))
	require.NoError(t, err)
	_, err = svc.ActivateContract(ctx, devops, v1.ID)
	require.NoError(t, err)

	_, _, err = svc.EvolveContract(ctx, dev, "t1", "api", "1.0.1",
		models.Specification{Fields: fields})
	assert.True(t, store.IsValidationError(err))

	// A rejected evolution must not leave a new version behind.
	all, err := st.Contracts().ListByTeam(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEvolveRequiresActiveBase(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.EvolveContract(context.Background(), dev, "t1", "ghost", "1.0.0",
		models.Specification{Fields: []models.SpecField{{Name: "x", Type: "int"}}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvolveEmitsBreakingFlag(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	v1, err := svc.CreateContract(ctx, dev, draft("t1", "api", "1.0.0",
		models.SpecField{Name: "amount", Type: "int"}))
	require.NoError(t, err)
	_, err = svc.ActivateContract(ctx, devops, v1.ID)
	require.NoError(t, err)

	_, _, err = svc.EvolveContract(ctx, dev, "t1", "api", "2.0.0",
		models.Specification{Fields: []models.SpecField{{Name: "total", Type: "int"}}})
	require.NoError(t, err)

	// activated (v1), activated (v2), evolved.
	topics := rec.topics(t, 3)
	assert.Contains(t, topics, events.Topic("t1", events.CategoryContract, "evolved"))
}
