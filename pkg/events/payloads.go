package events

import "github.com/crewforge/crewforge/pkg/models"

// Typed payloads for the well-known topics. Producers marshal these through
// Publisher; consumers unmarshal by topic. Keeping them in one place makes
// the wire contract reviewable.

// MemberAddedPayload is sent on team:<id>:events:member.added
type MemberAddedPayload struct {
	AgentID   string `json:"agent_id"`
	PersonaID string `json:"persona_id"`
	Role      string `json:"role,omitempty"`
}

// MemberRetiredPayload is sent on team:<id>:events:member.retired
type MemberRetiredPayload struct {
	AgentID       string   `json:"agent_id"`
	OpenTaskCount int      `json:"open_task_count"`
	RolesReleased []string `json:"roles_released,omitempty"`
}

// RoleAssignedPayload is sent on team:<id>:events:role.assigned (also role.reassigned,
// role.unassigned).
type RoleAssignedPayload struct {
	RoleID    string `json:"role_id"`
	FromAgent string `json:"from_agent,omitempty"`
	ToAgent   string `json:"to_agent,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TaskStatusPayload is sent on team:<id>:events:task.<status>
type TaskStatusPayload struct {
	TaskID     string            `json:"task_id"`
	Status     models.TaskStatus `json:"status"`
	AssignedTo string            `json:"assigned_to,omitempty"`
}

// ContractActivatedPayload is sent on team:<id>:events:contract.activated
type ContractActivatedPayload struct {
	ContractID        string `json:"contract_id"`
	Name              string `json:"name"`
	Version           string `json:"version"`
	PreviousVersionID string `json:"previous_version_id,omitempty"`
}

// ContractEvolvedPayload is sent on team:<id>:events:contract.evolved
type ContractEvolvedPayload struct {
	ContractID  string           `json:"contract_id"`
	Name        string           `json:"name"`
	FromVersion string           `json:"from_version"`
	ToVersion   string           `json:"to_version"`
	Breaking    bool             `json:"breaking"`
	Changes     models.ChangeSet `json:"changes"`
	Consumers   []string         `json:"consumers,omitempty"`
}

// AssumptionInvalidatedPayload is sent on team:<id>:events:assumption.invalidated
type AssumptionInvalidatedPayload struct {
	AssumptionID       string               `json:"assumption_id"`
	MadeByAgent        string               `json:"made_by_agent"`
	InvalidatedBy      string               `json:"invalidated_by"`
	Notes              string               `json:"notes,omitempty"`
	DependentArtifacts []models.ArtifactRef `json:"dependent_artifacts,omitempty"`
}

// ConflictDetectedPayload is sent on team:<id>:events:conflict.detected
type ConflictDetectedPayload struct {
	ConflictID     string              `json:"conflict_id"`
	Type           models.ConflictType `json:"type"`
	Severity       models.Severity     `json:"severity"`
	AffectedAgents []string            `json:"affected_agents,omitempty"`
}

// ConvergenceTriggeredPayload is sent on team:<id>:events:convergence.triggered
type ConvergenceTriggeredPayload struct {
	SessionID    string   `json:"session_id"`
	TriggerType  string   `json:"trigger_type"`
	Participants []string `json:"participants,omitempty"`
	ConflictIDs  []string `json:"conflict_ids,omitempty"`
}

// ConvergenceCompletedPayload is sent on team:<id>:events:convergence.completed
type ConvergenceCompletedPayload struct {
	SessionID     string  `json:"session_id"`
	DecisionCount int     `json:"decision_count"`
	ReworkHours   float64 `json:"rework_hours"`
}

// WorkflowStatusPayload is sent on team:<id>:events:workflow.<status>
type WorkflowStatusPayload struct {
	WorkflowID string                `json:"workflow_id"`
	Status     models.WorkflowStatus `json:"status"`
}

// NodeStatePayload is sent on team:<id>:events:node.transition
type NodeStatePayload struct {
	WorkflowID string           `json:"workflow_id"`
	NodeID     string           `json:"node_id"`
	From       models.NodeState `json:"from"`
	To         models.NodeState `json:"to"`
	Attempt    int              `json:"attempt,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// PhaseTransitionPayload is sent on team:<id>:events:phase.transition. The team
// manager subscribes to this to apply phase-keyed scaling plans.
type PhaseTransitionPayload struct {
	WorkflowID string `json:"workflow_id"`
	FromPhase  string `json:"from_phase,omitempty"`
	ToPhase    string `json:"to_phase"`
}

// StreamStatusPayload is sent on team:<id>:events:stream.<status>
type StreamStatusPayload struct {
	SessionID string              `json:"session_id"`
	StreamID  string              `json:"stream_id"`
	Status    models.StreamStatus `json:"status"`
}

// ValidationCompletedPayload is sent on team:<id>:events:validation.completed
type ValidationCompletedPayload struct {
	TargetID string  `json:"target_id"`
	Score    float64 `json:"score"`
	Grade    string  `json:"grade"`
	Decision string  `json:"decision"`
}
