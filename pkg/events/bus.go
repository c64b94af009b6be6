package events

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus closed")

// Handler consumes one event. Handlers must be idempotent: delivery is
// at-least-once and duplicates are possible across process boundaries.
type Handler func(ctx context.Context, ev Event)

// Bus is the in-process pub/sub surface.
type Bus interface {
	// Publish enqueues the event for delivery to matching subscribers and
	// returns without waiting for handlers. Delivery order follows publish
	// order.
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers a handler for a topic pattern and returns its
	// unsubscribe function.
	Subscribe(pattern string, h Handler) (func(), error)
}

// ErrBadPattern is returned by Subscribe for malformed topic patterns.
var ErrBadPattern = errors.New("malformed topic pattern")

type subscription struct {
	id      int
	pattern string
	handler Handler
}

// InProcessBus delivers events through a single dispatch goroutine. The
// FIFO queue keeps publish order, and one dispatcher means one publisher's
// events reach every subscriber in that order. A panicking handler is
// recovered and logged; it never reaches the publisher.
type InProcessBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int

	queue  chan Event
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewInProcessBus creates and starts a bus with the given queue depth.
// Publish blocks when the queue is full, applying back-pressure instead of
// dropping events.
func NewInProcessBus(queueDepth int) *InProcessBus {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	b := &InProcessBus{
		subs:   make(map[int]*subscription),
		queue:  make(chan Event, queueDepth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *InProcessBus) Publish(ctx context.Context, ev Event) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	default:
	}
	select {
	case b.queue <- ev:
		return nil
	case <-b.closed:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InProcessBus) Subscribe(pattern string, h Handler) (func(), error) {
	if !ValidPattern(pattern) {
		return nil, ErrBadPattern
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{id: id, pattern: pattern, handler: h}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// Close stops accepting publishes, drains queued events, and waits for the
// dispatcher to finish.
func (b *InProcessBus) Close() {
	b.once.Do(func() {
		close(b.closed)
		close(b.queue)
	})
	<-b.done
}

// Depth returns the number of queued, undelivered events.
func (b *InProcessBus) Depth() int {
	return len(b.queue)
}

func (b *InProcessBus) dispatch() {
	defer close(b.done)
	for ev := range b.queue {
		b.deliver(ev)
	}
}

func (b *InProcessBus) deliver(ev Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if MatchTopic(s.pattern, ev.Topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		b.invoke(s, ev)
	}
}

func (b *InProcessBus) invoke(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked",
				"topic", ev.Topic,
				"pattern", s.pattern,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	s.handler(context.Background(), ev)
}

// NoopBus discards every publish and subscription. Test harnesses and
// disposable orchestrator instances use it where event fan-out is irrelevant.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, Event) error { return nil }

func (NoopBus) Subscribe(pattern string, _ Handler) (func(), error) {
	if !ValidPattern(pattern) {
		return nil, ErrBadPattern
	}
	return func() {}, nil
}
