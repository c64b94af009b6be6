package models

import "time"

// Conflict records a detected contradiction between parallel work streams:
// a contract breach, an invalidated assumption, or a concurrent edit.
type Conflict struct {
	ID             string         `json:"id"`
	TeamID         string         `json:"team_id"`
	Type           ConflictType   `json:"type"`
	Severity       Severity       `json:"severity"`
	Description    string         `json:"description"`
	AffectedAgents []string       `json:"affected_agents,omitempty"`
	SourceRefs     []ArtifactRef  `json:"source_refs,omitempty"`
	Status         ConflictStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ConvergenceDecision is one decision made during a convergence session.
type ConvergenceDecision struct {
	Topic    string `json:"topic"`
	Decision string `json:"decision"`
	MadeBy   string `json:"made_by,omitempty"`
}

// ConvergenceSession is a time-boxed reconciliation in which affected agents
// agree on rework to resolve conflicts. Sessions never nest: at most one is
// open per team at a time.
type ConvergenceSession struct {
	ID               string                `json:"id"`
	TeamID           string                `json:"team_id"`
	TriggerType      string                `json:"trigger_type"`
	Description      string                `json:"description,omitempty"`
	Participants     []string              `json:"participants,omitempty"`
	ConflictIDs      []string              `json:"conflict_ids,omitempty"`
	Decisions        []ConvergenceDecision `json:"decisions,omitempty"`
	ArtifactsUpdated []ArtifactRef         `json:"artifacts_updated,omitempty"`
	ReworkHours      float64               `json:"rework_hours_actual"`
	Status           ConvergenceStatus     `json:"status"`
	StartedAt        time.Time             `json:"started_at"`
	EndedAt          *time.Time            `json:"ended_at,omitempty"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// WorkStream is one speculative parallel work stream proceeding against a
// shared MVD under one or more active contract versions.
type WorkStream struct {
	ID                 string       `json:"id"`
	SessionID          string       `json:"session_id"`
	TeamID             string       `json:"team_id"`
	Role               string       `json:"role"`
	AgentID            string       `json:"agent_id"`
	StreamType         string       `json:"stream_type"`
	InitialTask        string       `json:"initial_task"`
	Status             StreamStatus `json:"status"`
	ContractVersionIDs []string     `json:"contract_version_ids,omitempty"`
	ArtifactRefs       []ArtifactRef `json:"artifact_refs,omitempty"`
	ProductiveHours    float64      `json:"productive_hours"`
	StartedAt          time.Time    `json:"started_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// StreamSession groups the parallel work streams seeded from one MVD.
type StreamSession struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	MVDRef    string    `json:"mvd_ref"`
	StreamIDs []string  `json:"stream_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
