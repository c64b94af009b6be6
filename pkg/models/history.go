package models

import "time"

// ExecutionHistoryRecord is the denormalized, append-only record written once
// per finalized node or workflow outcome. It feeds metrics and insight
// generation in the self-healing loop.
type ExecutionHistoryRecord struct {
	ExecutionID     string            `json:"execution_id"`
	TaskName        string            `json:"task_name"`
	TeamID          string            `json:"team_id,omitempty"`
	Status          string            `json:"status"`
	AttemptCount    int               `json:"attempt_count"`
	DurationSeconds float64           `json:"duration_seconds"`
	ErrorType       string            `json:"error_type,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	RecoveryApplied bool              `json:"recovery_applied"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// History record status values.
const (
	HistoryStatusSuccess   = "success"
	HistoryStatusFailed    = "failed"
	HistoryStatusRecovered = "recovered"
)
