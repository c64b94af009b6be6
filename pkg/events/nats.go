package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSBridge mirrors local bus traffic onto NATS subjects for downstream
// consumers outside the process. Topics map one-to-one to subjects
// ("team:T:events:role.assigned" becomes "team.T.events.role.assigned"),
// so external subscribers can use NATS wildcards the same way bus patterns
// work internally.
//
// The bridge is export-only: remote pods exchange events over the
// PostgreSQL NOTIFY channel, not over NATS, to keep one source of truth
// for cross-pod delivery.
type NATSBridge struct {
	nc          *nats.Conn
	unsubscribe func()
}

// StartNATSBridge connects the bus to a NATS server. pattern selects which
// events to export; "team:*:events:*" exports everything.
func StartNATSBridge(bus Bus, nc *nats.Conn, pattern string) (*NATSBridge, error) {
	b := &NATSBridge{nc: nc}
	unsub, err := bus.Subscribe(pattern, b.forward)
	if err != nil {
		return nil, fmt.Errorf("subscribe NATS bridge: %w", err)
	}
	b.unsubscribe = unsub
	return b, nil
}

func (b *NATSBridge) forward(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("NATS bridge marshal failed", "topic", ev.Topic, "error", err)
		return
	}
	if err := b.nc.Publish(Subject(ev.Topic), data); err != nil {
		slog.Warn("NATS publish failed", "subject", Subject(ev.Topic), "error", err)
	}
}

// Stop detaches the bridge from the bus and flushes pending publishes.
func (b *NATSBridge) Stop() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	if err := b.nc.Flush(); err != nil {
		slog.Warn("NATS flush failed", "error", err)
	}
}
