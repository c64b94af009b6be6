package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewforge/crewforge/pkg/store"
)

// notifyLimit keeps NOTIFY payloads under PostgreSQL's 8000-byte cap.
// Oversized events are delivered as a truncation envelope; remote listeners
// re-read the full payload from the outbox by row ID.
const notifyLimit = 7900

// Publisher is the durable publishing pipeline. Every event is appended to
// the outbox first, so it commits together with the mutation that produced
// it, then fans out to the local bus and (when a DB handle is configured)
// to other pods via NOTIFY.
//
// Multi-write transactions use Stage: staged events go into the outbox
// inside the caller's transaction and fan out only after commit.
type Publisher struct {
	store  store.Store
	bus    Bus
	db     *sql.DB // nil disables cross-pod NOTIFY
	origin string  // pod identity stamped on events, for echo suppression
}

// NewPublisher creates a publisher. db may be nil for single-process
// deployments and tests.
func NewPublisher(st store.Store, bus Bus, db *sql.DB, origin string) *Publisher {
	return &Publisher{store: st, bus: bus, db: db, origin: origin}
}

// Origin returns the pod identity this publisher stamps on events.
func (p *Publisher) Origin() string { return p.origin }

// Publish appends the event to the outbox and fans it out. The append is
// its own transaction; callers mutating state alongside the event should
// use Stage inside store.WithinTx instead.
func (p *Publisher) Publish(ctx context.Context, teamID, category, action string, payload any) error {
	ev, err := p.buildEvent(teamID, category, action, payload)
	if err != nil {
		return err
	}
	id, err := p.store.Outbox().Append(ctx, teamID, ev.Topic, ev.Payload)
	if err != nil {
		return fmt.Errorf("append event to outbox: %w", err)
	}
	ev.ID = id
	p.fanOut(ctx, ev)
	return nil
}

// PublishTransient fans out an event without persisting it. Used for
// high-frequency progress signals that are worthless after the fact.
func (p *Publisher) PublishTransient(ctx context.Context, teamID, category, action string, payload any) error {
	ev, err := p.buildEvent(teamID, category, action, payload)
	if err != nil {
		return err
	}
	p.fanOut(ctx, ev)
	return nil
}

// Stage starts a staged batch for use inside a store transaction.
func (p *Publisher) Stage() *Staged {
	return &Staged{p: p}
}

func (p *Publisher) buildEvent(teamID, category, action string, payload any) (Event, error) {
	if teamID == "" {
		return Event{}, store.NewValidationError("team_id", "required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Event{
		TeamID:    teamID,
		Topic:     Topic(teamID, category, action),
		Origin:    p.origin,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// fanOut delivers a committed event locally and to other pods. Both legs
// are best-effort: the mutation already committed, and at-least-once
// delivery is recovered through the outbox.
func (p *Publisher) fanOut(ctx context.Context, ev Event) {
	if err := p.bus.Publish(ctx, ev); err != nil {
		slog.Warn("Local event delivery failed", "topic", ev.Topic, "error", err)
	}
	if p.db == nil {
		return
	}
	if err := p.notify(ctx, ev); err != nil {
		slog.Warn("NOTIFY delivery failed", "topic", ev.Topic, "error", err)
	}
}

func (p *Publisher) notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal NOTIFY payload: %w", err)
	}
	if len(data) > notifyLimit {
		envelope := ev
		envelope.Payload = nil
		envelope.Truncated = true
		if data, err = json.Marshal(envelope); err != nil {
			return fmt.Errorf("marshal truncation envelope: %w", err)
		}
	}
	_, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(data))
	if err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Staged collects events appended inside one store transaction. Add writes
// to the transaction's outbox; Flush fans out after the transaction commits.
// A rolled-back transaction is abandoned by simply not calling Flush.
type Staged struct {
	p      *Publisher
	mu     sync.Mutex
	events []Event
}

// Add appends the event to the transaction's outbox and records it for the
// post-commit fan-out.
func (s *Staged) Add(ctx context.Context, tx store.Store, teamID, category, action string, payload any) error {
	ev, err := s.p.buildEvent(teamID, category, action, payload)
	if err != nil {
		return err
	}
	id, err := tx.Outbox().Append(ctx, teamID, ev.Topic, ev.Payload)
	if err != nil {
		return fmt.Errorf("append event to outbox: %w", err)
	}
	ev.ID = id

	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// Flush fans out every staged event in Add order. Call it only after the
// enclosing transaction committed.
func (s *Staged) Flush(ctx context.Context) {
	s.mu.Lock()
	events := s.events
	s.events = nil
	s.mu.Unlock()

	for _, ev := range events {
		s.p.fanOut(ctx, ev)
	}
}
