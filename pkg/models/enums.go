// Package models defines the persisted entities and closed enumerations
// shared by every component of the orchestrator.
package models

// TeamStatus is the lifecycle state of a team.
type TeamStatus string

// Team lifecycle states.
const (
	TeamStatusForming     TeamStatus = "forming"
	TeamStatusActive      TeamStatus = "active"
	TeamStatusScaling     TeamStatus = "scaling"
	TeamStatusWindingDown TeamStatus = "winding_down"
	TeamStatusClosed      TeamStatus = "closed"
)

// IsValid checks if the team status is a known value.
func (s TeamStatus) IsValid() bool {
	switch s {
	case TeamStatusForming, TeamStatusActive, TeamStatusScaling,
		TeamStatusWindingDown, TeamStatusClosed:
		return true
	default:
		return false
	}
}

// MemberState is the lifecycle state of a team membership.
type MemberState string

// Membership lifecycle states.
const (
	MemberStatePending   MemberState = "pending"
	MemberStateActive    MemberState = "active"
	MemberStateOnStandby MemberState = "on_standby"
	MemberStateRetired   MemberState = "retired"
)

// IsValid checks if the member state is a known value.
func (s MemberState) IsValid() bool {
	switch s {
	case MemberStatePending, MemberStateActive, MemberStateOnStandby, MemberStateRetired:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsValid checks if the task status is a known value.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusReady, TaskStatusRunning, TaskStatusBlocked,
		TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// ContractStatus is the lifecycle state of a contract version.
type ContractStatus string

// Contract lifecycle states.
const (
	ContractStatusDraft      ContractStatus = "draft"
	ContractStatusActive     ContractStatus = "active"
	ContractStatusDeprecated ContractStatus = "deprecated"
)

// IsValid checks if the contract status is a known value.
func (s ContractStatus) IsValid() bool {
	return s == ContractStatusDraft || s == ContractStatusActive || s == ContractStatusDeprecated
}

// AssumptionStatus is the state of a tracked assumption.
//
// Transitions are monotone: tentative → validated, tentative → invalidated,
// validated → invalidated. invalidated is terminal.
type AssumptionStatus string

// Assumption states.
const (
	AssumptionStatusTentative   AssumptionStatus = "tentative"
	AssumptionStatusValidated   AssumptionStatus = "validated"
	AssumptionStatusInvalidated AssumptionStatus = "invalidated"
)

// IsValid checks if the assumption status is a known value.
func (s AssumptionStatus) IsValid() bool {
	return s == AssumptionStatusTentative || s == AssumptionStatusValidated || s == AssumptionStatusInvalidated
}

// CanTransitionTo reports whether the monotone status progression permits
// moving from s to next.
func (s AssumptionStatus) CanTransitionTo(next AssumptionStatus) bool {
	switch s {
	case AssumptionStatusTentative:
		return next == AssumptionStatusValidated || next == AssumptionStatusInvalidated
	case AssumptionStatusValidated:
		return next == AssumptionStatusInvalidated
	default:
		return false
	}
}

// ConflictType classifies a detected conflict between work streams.
type ConflictType string

// Conflict types.
const (
	ConflictTypeContractBreach        ConflictType = "contract_breach"
	ConflictTypeAssumptionInvalidated ConflictType = "assumption_invalidation"
	ConflictTypeConcurrentEdit        ConflictType = "concurrent_edit"
)

// IsValid checks if the conflict type is a known value.
func (t ConflictType) IsValid() bool {
	return t == ConflictTypeContractBreach || t == ConflictTypeAssumptionInvalidated || t == ConflictTypeConcurrentEdit
}

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

// Conflict states.
const (
	ConflictStatusOpen             ConflictStatus = "open"
	ConflictStatusUnderConvergence ConflictStatus = "under_convergence"
	ConflictStatusResolved         ConflictStatus = "resolved"
)

// IsValid checks if the conflict status is a known value.
func (s ConflictStatus) IsValid() bool {
	return s == ConflictStatusOpen || s == ConflictStatusUnderConvergence || s == ConflictStatusResolved
}

// Severity is an ordered severity scale used by conflict filtering and
// validation gate thresholds.
type Severity string

// Severity levels, ordered low < medium < high < critical.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank maps severities onto a total order for threshold comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is at or above the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return severityRank[s] >= severityRank[threshold]
}

// ConvergenceStatus is the lifecycle state of a convergence session.
type ConvergenceStatus string

// Convergence session states.
const (
	ConvergenceStatusOpen      ConvergenceStatus = "open"
	ConvergenceStatusCompleted ConvergenceStatus = "completed"
	ConvergenceStatusAbandoned ConvergenceStatus = "abandoned"
)

// IsValid checks if the convergence status is a known value.
func (s ConvergenceStatus) IsValid() bool {
	return s == ConvergenceStatusOpen || s == ConvergenceStatusCompleted || s == ConvergenceStatusAbandoned
}

// WorkflowStatus is the lifecycle state of a workflow DAG execution.
type WorkflowStatus string

// Workflow states.
const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsValid checks if the workflow status is a known value.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning, WorkflowStatusCompleted,
		WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeType distinguishes the behavior of a workflow node.
type NodeType string

// Workflow node types.
const (
	NodeTypePhase        NodeType = "phase"
	NodeTypeAction       NodeType = "action"
	NodeTypeCheckpoint   NodeType = "checkpoint"
	NodeTypeValidator    NodeType = "validator"
	NodeTypeNotification NodeType = "notification"
)

// IsValid checks if the node type is a known value.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeTypePhase, NodeTypeAction, NodeTypeCheckpoint, NodeTypeValidator, NodeTypeNotification:
		return true
	default:
		return false
	}
}

// NodeState is the execution state of a workflow node.
type NodeState string

// Workflow node states. blocked is entered when an upstream validation gate
// fails at or above the configured severity threshold; cancelled is the
// terminal state for cooperative cancellation (including timeouts).
const (
	NodeStatePending   NodeState = "pending"
	NodeStateReady     NodeState = "ready"
	NodeStateRunning   NodeState = "running"
	NodeStateCompleted NodeState = "completed"
	NodeStateFailed    NodeState = "failed"
	NodeStateSkipped   NodeState = "skipped"
	NodeStateBlocked   NodeState = "blocked"
	NodeStateCancelled NodeState = "cancelled"
)

// IsValid checks if the node state is a known value.
func (s NodeState) IsValid() bool {
	switch s {
	case NodeStatePending, NodeStateReady, NodeStateRunning, NodeStateCompleted,
		NodeStateFailed, NodeStateSkipped, NodeStateBlocked, NodeStateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the node state is final.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeStateCompleted, NodeStateFailed, NodeStateSkipped, NodeStateBlocked, NodeStateCancelled:
		return true
	default:
		return false
	}
}

// AttemptOutcome is the result of a single node execution attempt.
type AttemptOutcome string

// Attempt outcomes.
const (
	AttemptOutcomeSuccess   AttemptOutcome = "success"
	AttemptOutcomeFailure   AttemptOutcome = "failure"
	AttemptOutcomeRecovered AttemptOutcome = "recovered"
)

// IsValid checks if the attempt outcome is a known value.
func (o AttemptOutcome) IsValid() bool {
	return o == AttemptOutcomeSuccess || o == AttemptOutcomeFailure || o == AttemptOutcomeRecovered
}

// StreamStatus is the lifecycle state of a parallel work stream.
type StreamStatus string

// Parallel work stream states.
const (
	StreamStatusActive    StreamStatus = "active"
	StreamStatusHalted    StreamStatus = "halted"
	StreamStatusCompleted StreamStatus = "completed"
	StreamStatusAbandoned StreamStatus = "abandoned"
)

// IsValid checks if the stream status is a known value.
func (s StreamStatus) IsValid() bool {
	return s == StreamStatusActive || s == StreamStatusHalted ||
		s == StreamStatusCompleted || s == StreamStatusAbandoned
}
