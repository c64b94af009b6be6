// Package store is the durable persistence layer. It exposes one narrow
// interface per entity plus a transactional WithinTx API; two implementations
// exist: Postgres (production) and in-memory (tests and disposable
// orchestrator instances).
package store

import (
	"context"
	"time"

	"github.com/crewforge/crewforge/pkg/models"
)

// Store aggregates the per-entity stores and the transactional API.
//
// WithinTx runs fn against a Store view bound to a single transaction;
// multi-entity transitions (e.g. reassign role = append history + update
// current agent) must go through it. Writes outside WithinTx are atomic per
// call.
type Store interface {
	Teams() TeamStore
	Members() MemberStore
	Roles() RoleStore
	Tasks() TaskStore
	Contracts() ContractStore
	Assumptions() AssumptionStore
	Conflicts() ConflictStore
	Convergences() ConvergenceStore
	Streams() StreamStore
	Workflows() WorkflowStore
	Attempts() AttemptStore
	History() HistoryStore
	Outbox() OutboxStore

	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// TeamStore persists teams.
type TeamStore interface {
	Create(ctx context.Context, team *models.Team) error
	Get(ctx context.Context, id string) (*models.Team, error)
	List(ctx context.Context) ([]*models.Team, error)
	UpdateStatus(ctx context.Context, id string, status models.TeamStatus) error
}

// MemberStore persists team memberships.
type MemberStore interface {
	Create(ctx context.Context, m *models.TeamMember) error
	Get(ctx context.Context, teamID, agentID string) (*models.TeamMember, error)
	ListByTeam(ctx context.Context, teamID string) ([]*models.TeamMember, error)
	ListByTeamAndState(ctx context.Context, teamID string, state models.MemberState) ([]*models.TeamMember, error)
	// UpdateState transitions a membership; retiredAt is recorded when the
	// target state is retired.
	UpdateState(ctx context.Context, teamID, agentID string, state models.MemberState, retiredAt *time.Time) error
	UpdatePerformance(ctx context.Context, teamID, agentID string, summary models.PerformanceSummary) error
	// FindTeams returns the team IDs in which the agent has an active
	// membership.
	FindTeams(ctx context.Context, agentID string) ([]string, error)
}

// RoleStore persists roles and their assignment history.
type RoleStore interface {
	Create(ctx context.Context, r *models.Role) error
	Get(ctx context.Context, teamID, roleID string) (*models.Role, error)
	ListByTeam(ctx context.Context, teamID string) ([]*models.Role, error)
	// SetCurrentAgent updates the role binding and appends the matching
	// history entry. Must be called inside WithinTx by the team manager.
	SetCurrentAgent(ctx context.Context, teamID, roleID, agentID string) error
	AppendAssignment(ctx context.Context, entry *models.AssignmentEntry) error
	AssignmentHistory(ctx context.Context, teamID, roleID string) ([]*models.AssignmentEntry, error)
}

// TaskStore persists tasks.
type TaskStore interface {
	Create(ctx context.Context, t *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	ListByTeam(ctx context.Context, teamID string) ([]*models.Task, error)
	ListByTeamAndStatus(ctx context.Context, teamID string, status models.TaskStatus) ([]*models.Task, error)
	// ListOpenByAgent returns ready/running/blocked tasks assigned to the agent.
	ListOpenByAgent(ctx context.Context, teamID, agentID string) ([]*models.Task, error)
	UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error
	SetAssignee(ctx context.Context, id, agentID string) error
}

// ContractStore persists contract versions.
type ContractStore interface {
	Create(ctx context.Context, c *models.Contract) error
	Get(ctx context.Context, id string) (*models.Contract, error)
	// GetActiveByName returns the single active version for (team, name), or
	// ErrNotFound.
	GetActiveByName(ctx context.Context, teamID, name string) (*models.Contract, error)
	ListByTeam(ctx context.Context, teamID string) ([]*models.Contract, error)
	ListByOwner(ctx context.Context, teamID, ownerAgent string) ([]*models.Contract, error)
	UpdateStatus(ctx context.Context, id string, status models.ContractStatus) error
}

// AssumptionStore persists tracked assumptions.
type AssumptionStore interface {
	Create(ctx context.Context, a *models.Assumption) error
	Get(ctx context.Context, id string) (*models.Assumption, error)
	ListByTeam(ctx context.Context, teamID string) ([]*models.Assumption, error)
	ListByAgent(ctx context.Context, teamID, agentID string) ([]*models.Assumption, error)
	Update(ctx context.Context, a *models.Assumption) error
}

// ConflictStore persists conflicts.
type ConflictStore interface {
	Create(ctx context.Context, c *models.Conflict) error
	Get(ctx context.Context, id string) (*models.Conflict, error)
	ListByTeam(ctx context.Context, teamID string) ([]*models.Conflict, error)
	ListByTeamAndStatus(ctx context.Context, teamID string, status models.ConflictStatus) ([]*models.Conflict, error)
	UpdateStatus(ctx context.Context, id string, status models.ConflictStatus, resolvedAt *time.Time) error
}

// ConvergenceStore persists convergence sessions.
type ConvergenceStore interface {
	Create(ctx context.Context, s *models.ConvergenceSession) error
	Get(ctx context.Context, id string) (*models.ConvergenceSession, error)
	ListByTeam(ctx context.Context, teamID string) ([]*models.ConvergenceSession, error)
	// GetOpenByTeam returns the open session for the team, or ErrNotFound.
	// Sessions serialize per team; at most one may be open.
	GetOpenByTeam(ctx context.Context, teamID string) (*models.ConvergenceSession, error)
	Update(ctx context.Context, s *models.ConvergenceSession) error
}

// StreamStore persists parallel work stream sessions and streams.
type StreamStore interface {
	CreateSession(ctx context.Context, s *models.StreamSession) error
	GetSession(ctx context.Context, id string) (*models.StreamSession, error)
	CreateStream(ctx context.Context, w *models.WorkStream) error
	GetStream(ctx context.Context, id string) (*models.WorkStream, error)
	ListBySession(ctx context.Context, sessionID string) ([]*models.WorkStream, error)
	ListByTeam(ctx context.Context, teamID string) ([]*models.WorkStream, error)
	ListActiveByTeam(ctx context.Context, teamID string) ([]*models.WorkStream, error)
	UpdateStreamStatus(ctx context.Context, id string, status models.StreamStatus) error
	AddStreamArtifacts(ctx context.Context, id string, refs []models.ArtifactRef) error
	AddProductiveHours(ctx context.Context, id string, hours float64) error
}

// WorkflowStore persists workflow DAGs and their nodes.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *models.WorkflowDAG, nodes []*models.WorkflowNode) error
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowDAG, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus, podID string) error
	GetNode(ctx context.Context, workflowID, nodeID string) (*models.WorkflowNode, error)
	ListNodes(ctx context.Context, workflowID string) ([]*models.WorkflowNode, error)
	// TransitionNode moves a node from one state to another atomically,
	// failing with ErrConflictingState when the current state differs.
	TransitionNode(ctx context.Context, workflowID, nodeID string, from, to models.NodeState) error
	UpdateNode(ctx context.Context, n *models.WorkflowNode) error
	HeartbeatNode(ctx context.Context, workflowID, nodeID string, at time.Time) error
	// ListRunningByPod finds nodes claimed by a pod, for orphan recovery.
	ListRunningByPod(ctx context.Context, podID string) ([]*models.WorkflowNode, error)
}

// AttemptStore persists node execution attempts.
type AttemptStore interface {
	Create(ctx context.Context, a *models.ExecutionAttempt) error
	Finish(ctx context.Context, id string, outcome models.AttemptOutcome, classification, errMsg string, endedAt time.Time) error
	ListByNode(ctx context.Context, workflowID, nodeID string) ([]*models.ExecutionAttempt, error)
}

// HistoryQuery filters execution history reads.
type HistoryQuery struct {
	TaskName string
	TeamID   string
	Since    time.Time
	Status   string
}

// HistoryStore is the append-only execution history log.
type HistoryStore interface {
	Append(ctx context.Context, r *models.ExecutionHistoryRecord) error
	Query(ctx context.Context, q HistoryQuery) ([]*models.ExecutionHistoryRecord, error)
	// DeleteOlderThan removes records past retention; returns rows removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// OutboxEvent is one committed event awaiting (or already) published.
type OutboxEvent struct {
	ID        int64
	TeamID    string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// OutboxStore persists the events outbox so an event commits with the state
// change that produced it.
type OutboxStore interface {
	Append(ctx context.Context, teamID, topic string, payload []byte) (int64, error)
	ListSince(ctx context.Context, sinceID int64, limit int) ([]*OutboxEvent, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
