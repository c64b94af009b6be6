// Package events provides the team-scoped pub/sub bus plus the durable
// publishing pipeline: events commit to the outbox with the mutation that
// produced them, fan out to in-process subscribers, and cross process
// boundaries via PostgreSQL NOTIFY/LISTEN or the optional NATS bridge.
//
// Delivery is at-least-once. Per-topic ordering is preserved for a single
// publisher; subscribers must be idempotent.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is one published occurrence on a team topic.
type Event struct {
	// ID is the outbox row ID once the event is persisted; zero for
	// transient events.
	ID        int64           `json:"db_event_id,omitempty"`
	TeamID    string          `json:"team_id"`
	Topic     string          `json:"topic"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event categories.
const (
	CategoryMember      = "member"
	CategoryRole        = "role"
	CategoryTask        = "task"
	CategoryContract    = "contract"
	CategoryAssumption  = "assumption"
	CategoryConflict    = "conflict"
	CategoryConvergence = "convergence"
	CategoryWorkflow    = "workflow"
	CategoryNode        = "node"
	CategoryPhase       = "phase"
	CategoryStream      = "stream"
	CategoryValidation  = "validation"
)

// Common actions. Categories also use ad-hoc actions ("assigned",
// "invalidated", ...) where only one producer exists.
const (
	ActionCreated    = "created"
	ActionCompleted  = "completed"
	ActionFailed     = "failed"
	ActionTransition = "transition"
)

// Topic builds the canonical topic name for a team event:
// "team:<team_id>:events:<category>.<action>".
func Topic(teamID, category, action string) string {
	return "team:" + teamID + ":events:" + category + "." + action
}

// ParseTopic splits a canonical topic into its parts.
func ParseTopic(topic string) (teamID, category, action string, err error) {
	parts := strings.Split(topic, ":")
	if len(parts) != 4 || parts[0] != "team" || parts[2] != "events" {
		return "", "", "", fmt.Errorf("malformed topic %q", topic)
	}
	kind := strings.SplitN(parts[3], ".", 2)
	if len(kind) != 2 || kind[0] == "" || kind[1] == "" {
		return "", "", "", fmt.Errorf("malformed topic %q", topic)
	}
	return parts[1], kind[0], kind[1], nil
}

// MatchTopic reports whether a topic matches a subscription pattern.
// Patterns have the same shape as topics; "*" matches a whole segment:
//
//	team:*:events:role.*       any team, any role action
//	team:T1:events:*.*         everything for team T1
//	team:T1:events:node.failed one exact topic
func MatchTopic(pattern, topic string) bool {
	ps := strings.Split(pattern, ":")
	ts := strings.Split(topic, ":")
	if len(ps) != 4 || len(ts) != 4 {
		return false
	}
	for i := 0; i < 3; i++ {
		if ps[i] != "*" && ps[i] != ts[i] {
			return false
		}
	}
	if ps[3] == "*" {
		return true
	}
	pk := strings.SplitN(ps[3], ".", 2)
	tk := strings.SplitN(ts[3], ".", 2)
	if len(pk) != 2 || len(tk) != 2 {
		return false
	}
	return (pk[0] == "*" || pk[0] == tk[0]) && (pk[1] == "*" || pk[1] == tk[1])
}

// ValidPattern reports whether a subscription pattern is well formed.
func ValidPattern(pattern string) bool {
	ps := strings.Split(pattern, ":")
	if len(ps) != 4 {
		return false
	}
	if ps[0] != "team" && ps[0] != "*" {
		return false
	}
	if ps[2] != "events" && ps[2] != "*" {
		return false
	}
	if ps[1] == "" || ps[3] == "" {
		return false
	}
	return true
}

// NotifyChannel is the single PostgreSQL NOTIFY channel all pods share.
// Routing happens on the event topic, not on per-team PG channels, so the
// LISTEN connection never needs dynamic re-subscription.
const NotifyChannel = "crewforge_events"

// Subject converts a topic into a NATS subject for the external bridge:
// "team:T:events:role.assigned" becomes "team.T.events.role.assigned".
func Subject(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}
