package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/crewforge/crewforge/pkg/models"
)

var (
	// ErrCycleDetected is returned when the dependency graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in workflow graph")

	// ErrUnknownDependency is returned when a node depends on an undeclared
	// node ID.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrInvalidNode is returned for malformed node declarations.
	ErrInvalidNode = errors.New("invalid node")

	// ErrGateBlocked is returned when a validation gate blocks progression
	// to deployment-class nodes.
	ErrGateBlocked = errors.New("blocked by validation gate")
)

// Build compiles a spec into a persistable DAG plus its nodes. The graph is
// fully validated: unique non-empty IDs, known node types, declared
// dependencies, and acyclicity (proven by computing the execution order).
func Build(teamID string, spec *Spec) (*models.WorkflowDAG, []*models.WorkflowNode, error) {
	if len(spec.Nodes) == 0 {
		// An empty workflow is legal; it completes immediately.
		now := time.Now().UTC()
		return &models.WorkflowDAG{
			ID:        uuid.New().String(),
			TeamID:    teamID,
			Name:      spec.Name,
			Status:    models.WorkflowStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil, nil
	}

	seen := make(map[string]bool, len(spec.Nodes))
	for _, n := range spec.Nodes {
		if n.ID == "" {
			return nil, nil, fmt.Errorf("%w: node with empty id", ErrInvalidNode)
		}
		if seen[n.ID] {
			return nil, nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidNode, n.ID)
		}
		seen[n.ID] = true
		if !models.NodeType(n.Type).IsValid() {
			return nil, nil, fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidNode, n.ID, n.Type)
		}
	}
	for _, n := range spec.Nodes {
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				return nil, nil, fmt.Errorf("%w: node %q depends on %q", ErrUnknownDependency, n.ID, dep)
			}
		}
	}

	now := time.Now().UTC()
	dag := &models.WorkflowDAG{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		Name:      spec.Name,
		Status:    models.WorkflowStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	nodes := make([]*models.WorkflowNode, 0, len(spec.Nodes))
	for _, n := range spec.Nodes {
		name := n.Name
		if name == "" {
			name = n.ID
		}
		nodes = append(nodes, &models.WorkflowNode{
			ID:           n.ID,
			WorkflowID:   dag.ID,
			Type:         models.NodeType(n.Type),
			Name:         name,
			Phase:        n.Phase,
			DependsOn:    n.DependsOn,
			Inputs:       n.Inputs,
			State:        models.NodeStatePending,
			RequiredRole: n.RequiredRole,
			MaxDuration:  n.MaxDuration,
			UpdatedAt:    now,
		})
	}

	// Computing the order proves acyclicity before anything persists.
	if _, err := ExecutionOrder(nodes); err != nil {
		return nil, nil, err
	}
	return dag, nodes, nil
}

// ExecutionOrder partitions the nodes into parallel groups: each group
// contains every node whose dependencies are all satisfied by earlier
// groups. Groups are sorted by node ID so the order is deterministic.
func ExecutionOrder(nodes []*models.WorkflowNode) ([][]string, error) {
	remaining := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		remaining[n.ID] = n.DependsOn
	}

	executed := make(map[string]bool, len(nodes))
	var groups [][]string
	for len(remaining) > 0 {
		var group []string
		for id, deps := range remaining {
			ready := true
			for _, dep := range deps {
				if !executed[dep] {
					ready = false
					break
				}
			}
			if ready {
				group = append(group, id)
			}
		}
		if len(group) == 0 {
			stuck := make([]string, 0, len(remaining))
			for id := range remaining {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("%w: unresolvable nodes %v", ErrCycleDetected, stuck)
		}
		sort.Strings(group)
		for _, id := range group {
			executed[id] = true
			delete(remaining, id)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// downstreamOf returns the transitive dependents of the given node IDs.
func downstreamOf(nodes []*models.WorkflowNode, roots map[string]bool) map[string]bool {
	dependents := make(map[string][]string)
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	out := make(map[string]bool)
	queue := make([]string, 0, len(roots))
	for id := range roots {
		queue = append(queue, id)
	}
	sort.Strings(queue)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			if !out[next] {
				out[next] = true
				queue = append(queue, next)
			}
		}
	}
	return out
}
