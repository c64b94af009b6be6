package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crewforge/crewforge/pkg/store"
)

// NotifyListener receives cross-pod events from PostgreSQL NOTIFY and
// republishes them on the local bus. It holds one dedicated pgx connection;
// the receive loop is the sole goroutine touching it.
type NotifyListener struct {
	connString string
	bus        Bus
	outbox     store.OutboxStore // resolves truncated payloads
	origin     string            // this pod; its own events are skipped

	conn   *pgx.Conn
	connMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a listener. outbox may be nil; truncated events
// are then dropped with a warning.
func NewNotifyListener(connString string, bus Bus, outbox store.OutboxStore, origin string) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		bus:        bus,
		outbox:     outbox,
		origin:     origin,
	}
}

// Start establishes the LISTEN connection and begins receiving.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s: %w", NotifyChannel, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("NotifyListener started", "channel", NotifyChannel)
	return nil
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handleNotification(ctx, []byte(notification.Payload))
	}
}

func (l *NotifyListener) handleNotification(ctx context.Context, payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Warn("Malformed NOTIFY payload", "error", err)
		return
	}
	if ev.Origin != "" && ev.Origin == l.origin {
		// Our own event; the publisher already delivered it locally.
		return
	}
	if ev.Truncated {
		full, err := l.resolveTruncated(ctx, ev)
		if err != nil {
			slog.Warn("Dropping truncated event", "topic", ev.Topic, "db_event_id", ev.ID, "error", err)
			return
		}
		ev = full
	}
	if err := l.bus.Publish(ctx, ev); err != nil {
		slog.Warn("Relay of remote event failed", "topic", ev.Topic, "error", err)
	}
}

// resolveTruncated re-reads an oversized event's payload from the outbox.
func (l *NotifyListener) resolveTruncated(ctx context.Context, ev Event) (Event, error) {
	if l.outbox == nil || ev.ID == 0 {
		return Event{}, fmt.Errorf("no outbox to resolve event %d", ev.ID)
	}
	rows, err := l.outbox.ListSince(ctx, ev.ID-1, 1)
	if err != nil {
		return Event{}, err
	}
	if len(rows) == 0 || rows[0].ID != ev.ID {
		return Event{}, store.ErrNotFound
	}
	ev.Payload = rows[0].Payload
	ev.Truncated = false
	return ev, nil
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
			slog.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn
		slog.Info("NotifyListener reconnected")
		return
	}
}
