package models

import "time"

// WorkflowDAG is a compiled, acyclic workflow graph owned by a team. It owns
// its nodes and their execution attempts.
type WorkflowDAG struct {
	ID          string         `json:"id"`
	TeamID      string         `json:"team_id"`
	Name        string         `json:"name"`
	Status      WorkflowStatus `json:"status"`
	PodID       string         `json:"pod_id,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// WorkflowNode is one node of a workflow DAG.
//
// Invariant: the graph is acyclic, and a node is ready iff it is pending and
// every dependency is completed.
type WorkflowNode struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflow_id"`
	Type            NodeType          `json:"type"`
	Name            string            `json:"name"`
	Phase           string            `json:"phase,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`
	Inputs          map[string]any    `json:"inputs,omitempty"`
	Outputs         map[string]any    `json:"outputs,omitempty"`
	State           NodeState         `json:"state"`
	AssignedAgent   string            `json:"assigned_agent,omitempty"`
	RequiredRole    string            `json:"required_role,omitempty"`
	MaxDuration     time.Duration     `json:"max_duration,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time        `json:"last_heartbeat_at,omitempty"`
	AttemptCount    int               `json:"attempt_count"`
	LastError       string            `json:"last_error,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ExecutionAttempt is one attempt at executing a node.
type ExecutionAttempt struct {
	ID                  string         `json:"id"`
	NodeID              string         `json:"node_id"`
	WorkflowID          string         `json:"workflow_id"`
	AttemptNumber       int            `json:"attempt_number"`
	StartedAt           time.Time      `json:"started_at"`
	EndedAt             *time.Time     `json:"ended_at,omitempty"`
	Outcome             AttemptOutcome `json:"outcome,omitempty"`
	ErrorClassification string         `json:"error_classification,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	EvidenceRefs        []ArtifactRef  `json:"evidence_refs,omitempty"`
}

// ValidationOutcome is the result emitted by a validator node. Downstream
// nodes are blocked when a failed validator's severity meets the gate
// threshold.
type ValidationOutcome struct {
	ValidationPassed bool             `json:"validation_passed"`
	Severity         Severity         `json:"severity"`
	CriticalFailures []string         `json:"critical_failures,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
	Recovery         *RecoveryContext `json:"recovery_context,omitempty"`
}

// RecoveryContext identifies where to resume a halted workflow, what gaps
// remain, and the recommended next actions.
type RecoveryContext struct {
	ResumeFromPhase      string   `json:"resume_from_phase"`
	FailedNodeID         string   `json:"failed_node_id"`
	GapsSummary          string   `json:"gaps_summary,omitempty"`
	RecoveryInstructions []string `json:"recovery_instructions,omitempty"`
	RecommendedApproach  string   `json:"recommended_approach,omitempty"`
}
