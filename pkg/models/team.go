package models

import "time"

// Team is the aggregate root owning members, roles, tasks, contracts,
// assumptions, conflicts, convergence sessions, and workflows. All ownership
// is by opaque identifier; loading a team never forces loading its children.
type Team struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ProjectType string     `json:"project_type"`
	Status      TeamStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TeamMember is a membership of an agent in a team.
//
// Invariant: at most one active membership per (team_id, agent_id). Members
// are never deleted while referenced by execution history.
type TeamMember struct {
	AgentID            string              `json:"agent_id"`
	PersonaID          string              `json:"persona_id"`
	TeamID             string              `json:"team_id"`
	State              MemberState         `json:"state"`
	JoinedAt           time.Time           `json:"joined_at"`
	RetiredAt          *time.Time          `json:"retired_at,omitempty"`
	PerformanceSummary *PerformanceSummary `json:"performance_summary,omitempty"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// PerformanceSummary is the rolled-up performance snapshot kept on a member.
type PerformanceSummary struct {
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	AvgDurationSec float64 `json:"avg_duration_seconds"`
	LastScore      float64 `json:"last_score"`
}

// Role is a named responsibility slot within a team (e.g. "Security Auditor").
//
// Invariant: CurrentAgentID, when set, references an active member of the
// same team. Every reassignment appends to the assignment history atomically.
type Role struct {
	RoleID         string    `json:"role_id"`
	TeamID         string    `json:"team_id"`
	Description    string    `json:"description"`
	IsRequired     bool      `json:"is_required"`
	Priority       int       `json:"priority"`
	IsActive       bool      `json:"is_active"`
	CurrentAgentID string    `json:"current_agent_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AssignmentEntry is one row of a role's assignment history, totally ordered
// by commit time.
type AssignmentEntry struct {
	ID         int64     `json:"id"`
	TeamID     string    `json:"team_id"`
	RoleID     string    `json:"role_id"`
	FromAgent  string    `json:"from_agent,omitempty"`
	ToAgent    string    `json:"to_agent,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Handoff is the artifact produced when a member retires: a summary of
// everything the successor (or the team) must pick up.
type Handoff struct {
	AgentID             string    `json:"agent_id"`
	SuccessorAgentID    string    `json:"successor_agent_id,omitempty"`
	TeamID              string    `json:"team_id"`
	RolesReleased       []string  `json:"roles_released"`
	RolesReassigned     []string  `json:"roles_reassigned"`
	OpenTaskIDs         []string  `json:"open_task_ids"`
	AssumptionIDs       []string  `json:"assumption_ids"`
	InProgressContracts []string  `json:"in_progress_contracts"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// Briefing is the onboarding context handed to a newly added member.
type Briefing struct {
	AgentID       string   `json:"agent_id"`
	TeamID        string   `json:"team_id"`
	CurrentPhase  string   `json:"current_phase"`
	RoleID        string   `json:"role_id,omitempty"`
	ActiveTasks   []string `json:"active_tasks"`
	OpenContracts []string `json:"open_contracts"`
}
