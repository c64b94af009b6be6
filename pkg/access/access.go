// Package access is the capability gate in front of every mutating
// operation. A configuration-driven matrix maps (role, action) to allow or
// deny; the matrix is swappable at runtime without restarting.
package access

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/crewforge/crewforge/pkg/metrics"
)

// ErrForbidden is returned when the matrix denies an action.
var ErrForbidden = errors.New("forbidden")

// Actions gated by default. Components may register additional ones through
// configuration; unknown actions are denied.
const (
	ActionPostMessage      = "post_message"
	ActionShareKnowledge   = "share_knowledge"
	ActionCreateTask       = "create_task"
	ActionAssignTask       = "assign_task"
	ActionProposeDecision  = "propose_decision"
	ActionActivateContract = "activate_contract"
	ActionEvolveContract   = "evolve_contract"
	ActionAddMember        = "add_member"
	ActionRetireMember     = "retire_member"
	ActionAssignRole       = "assign_role"
	ActionEscalateApproval = "escalate_approval"
)

// DefaultActions returns the built-in action set, sorted.
func DefaultActions() []string {
	actions := []string{
		ActionPostMessage,
		ActionShareKnowledge,
		ActionCreateTask,
		ActionAssignTask,
		ActionProposeDecision,
		ActionActivateContract,
		ActionEvolveContract,
		ActionAddMember,
		ActionRetireMember,
		ActionAssignRole,
		ActionEscalateApproval,
	}
	sort.Strings(actions)
	return actions
}

// Actor identifies who performs a gated operation: the agent and the role
// it is acting in.
type Actor struct {
	AgentID string
	RoleID  string
}

// System is the internal actor used by orchestrator-initiated operations
// (scaling, recovery, retention). Grant it "*" in the matrix.
var System = Actor{AgentID: "system", RoleID: "system"}

// Matrix maps role_id to the set of allowed actions. Deny is the default:
// a role or action absent from the matrix is denied.
type Matrix map[string]map[string]bool

// BuildMatrix compiles the config form (role -> action list) into a Matrix.
// The action "*" grants a role every action, including ones registered later.
func BuildMatrix(grants map[string][]string) Matrix {
	m := make(Matrix, len(grants))
	for role, actions := range grants {
		set := make(map[string]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		m[role] = set
	}
	return m
}

// Allows reports whether the matrix grants the action to the role.
func (m Matrix) Allows(roleID, action string) bool {
	set, ok := m[roleID]
	if !ok {
		return false
	}
	return set[action] || set["*"]
}

// Controller evaluates capability checks against the current matrix.
// Check reads only in-memory state and never blocks.
type Controller struct {
	mu      sync.RWMutex
	matrix  Matrix
	metrics *metrics.Registry
}

// NewController creates a controller over an initial matrix. reg may be nil
// when denial counters are not wanted (tests).
func NewController(m Matrix, reg *metrics.Registry) *Controller {
	return &Controller{matrix: m, metrics: reg}
}

// Check verifies that the agent, acting in the given role, may perform the
// action. Denials are audit-logged and counted before ErrForbidden is
// returned.
func (c *Controller) Check(agentID, roleID, action string) error {
	c.mu.RLock()
	allowed := c.matrix.Allows(roleID, action)
	c.mu.RUnlock()

	if allowed {
		return nil
	}

	slog.Warn("Access denied",
		"agent_id", agentID,
		"role_id", roleID,
		"action", action)
	if c.metrics != nil {
		c.metrics.AccessDenials.WithLabelValues(roleID, action).Inc()
	}
	return fmt.Errorf("%w: role %q may not %q", ErrForbidden, roleID, action)
}

// Authorize is Check for an Actor.
func (c *Controller) Authorize(actor Actor, action string) error {
	return c.Check(actor.AgentID, actor.RoleID, action)
}

// Reload atomically replaces the matrix. In-flight checks finish against
// the matrix they started with.
func (c *Controller) Reload(m Matrix) {
	c.mu.Lock()
	c.matrix = m
	c.mu.Unlock()
	slog.Info("Access matrix reloaded", "roles", len(m))
}

// Snapshot returns a copy of the current matrix, for the admin API.
func (c *Controller) Snapshot() Matrix {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(Matrix, len(c.matrix))
	for role, set := range c.matrix {
		cp := make(map[string]bool, len(set))
		for a, v := range set {
			cp[a] = v
		}
		out[role] = cp
	}
	return out
}
