package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(teamID, category, action string) Event {
	return Event{
		TeamID:    teamID,
		Topic:     Topic(teamID, category, action),
		Payload:   json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
	}
}

// collector accumulates delivered events and signals on each arrival.
type collector struct {
	mu     sync.Mutex
	events []Event
	ch     chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 64)}
}

func (c *collector) handler(_ context.Context, ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestInProcessBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewInProcessBus(16)
	defer bus.Close()

	roleEvents := newCollector()
	allEvents := newCollector()
	otherTeam := newCollector()

	_, err := bus.Subscribe("team:T1:events:role.*", roleEvents.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("team:*:events:*", allEvents.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("team:T2:events:*", otherTeam.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testEvent("T1", "role", "assigned")))
	require.NoError(t, bus.Publish(ctx, testEvent("T1", "node", "transition")))

	assert.Len(t, roleEvents.wait(t, 1), 1)
	assert.Len(t, allEvents.wait(t, 2), 2)

	// T2 subscriber saw nothing.
	time.Sleep(50 * time.Millisecond)
	otherTeam.mu.Lock()
	assert.Empty(t, otherTeam.events)
	otherTeam.mu.Unlock()
}

func TestInProcessBusPreservesPublishOrder(t *testing.T) {
	bus := NewInProcessBus(64)
	defer bus.Close()

	got := newCollector()
	_, err := bus.Subscribe("team:T1:events:*", got.handler)
	require.NoError(t, err)

	ctx := context.Background()
	actions := []string{"a", "b", "c", "d", "e"}
	for _, action := range actions {
		require.NoError(t, bus.Publish(ctx, testEvent("T1", "task", action)))
	}

	events := got.wait(t, len(actions))
	for i, action := range actions {
		assert.Equal(t, Topic("T1", "task", action), events[i].Topic)
	}
}

func TestInProcessBusIsolatesHandlerPanics(t *testing.T) {
	bus := NewInProcessBus(16)
	defer bus.Close()

	_, err := bus.Subscribe("team:T1:events:*", func(context.Context, Event) {
		panic("handler blew up")
	})
	require.NoError(t, err)

	survivor := newCollector()
	_, err = bus.Subscribe("team:T1:events:*", survivor.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testEvent("T1", "role", "assigned")))
	require.NoError(t, bus.Publish(ctx, testEvent("T1", "role", "unassigned")))

	// Both events still reach the healthy subscriber.
	assert.Len(t, survivor.wait(t, 2), 2)
}

func TestInProcessBusUnsubscribe(t *testing.T) {
	bus := NewInProcessBus(16)
	defer bus.Close()

	got := newCollector()
	unsubscribe, err := bus.Subscribe("team:T1:events:*", got.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testEvent("T1", "role", "assigned")))
	got.wait(t, 1)

	unsubscribe()
	require.NoError(t, bus.Publish(ctx, testEvent("T1", "role", "unassigned")))

	time.Sleep(50 * time.Millisecond)
	got.mu.Lock()
	assert.Len(t, got.events, 1)
	got.mu.Unlock()
}

func TestInProcessBusRejectsBadPattern(t *testing.T) {
	bus := NewInProcessBus(16)
	defer bus.Close()

	_, err := bus.Subscribe("role.assigned", func(context.Context, Event) {})
	assert.ErrorIs(t, err, ErrBadPattern)
}

func TestInProcessBusPublishAfterClose(t *testing.T) {
	bus := NewInProcessBus(16)
	bus.Close()

	err := bus.Publish(context.Background(), testEvent("T1", "role", "assigned"))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestNoopBus(t *testing.T) {
	var bus NoopBus
	require.NoError(t, bus.Publish(context.Background(), testEvent("T1", "role", "assigned")))

	unsubscribe, err := bus.Subscribe("team:*:events:*", func(context.Context, Event) {})
	require.NoError(t, err)
	unsubscribe()

	_, err = bus.Subscribe("nope", func(context.Context, Event) {})
	assert.ErrorIs(t, err, ErrBadPattern)
}
