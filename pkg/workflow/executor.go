package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/crewforge/crewforge/pkg/models"
)

// ExecContext is the data visible to a node executor: the global execution
// context handed to Execute, plus the outputs of every completed node.
// Upstream gives direct dependencies only; Outputs spans the whole run.
type ExecContext struct {
	Global map[string]any

	mu      sync.RWMutex
	outputs map[string]map[string]any
}

func newExecContext(global map[string]any) *ExecContext {
	return &ExecContext{
		Global:  global,
		outputs: make(map[string]map[string]any),
	}
}

// Output returns the outputs of a completed node.
func (ec *ExecContext) Output(nodeID string) (map[string]any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.outputs[nodeID]
	return out, ok
}

// Upstream collects the outputs of the node's direct dependencies.
func (ec *ExecContext) Upstream(node *models.WorkflowNode) map[string]map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]map[string]any, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		if o, ok := ec.outputs[dep]; ok {
			out[dep] = o
		}
	}
	return out
}

func (ec *ExecContext) setOutput(nodeID string, outputs map[string]any) {
	ec.mu.Lock()
	ec.outputs[nodeID] = outputs
	ec.mu.Unlock()
}

// Result is what a node executor produces. Validation is set by validator
// nodes only.
type Result struct {
	Outputs    map[string]any
	Validation *models.ValidationOutcome
}

// Executor runs one node. Executors must be idempotent: a node restarted
// after a crash re-runs from the beginning.
type Executor interface {
	Execute(ctx context.Context, node *models.WorkflowNode, ec *ExecContext) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, node *models.WorkflowNode, ec *ExecContext) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, node *models.WorkflowNode, ec *ExecContext) (*Result, error) {
	return f(ctx, node, ec)
}

// Registry maps node types to their executors. Validator nodes are further
// dispatched on the "validator" input (phase_validator, gap_detector,
// completeness_checker).
type Registry struct {
	mu        sync.RWMutex
	executors map[models.NodeType]Executor
}

// NewRegistry creates a registry with the built-in validator executor
// pre-registered.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[models.NodeType]Executor)}
	r.Register(models.NodeTypeValidator, ExecutorFunc(runValidator))
	return r
}

// Register binds an executor to a node type, replacing any previous binding.
func (r *Registry) Register(t models.NodeType, e Executor) {
	r.mu.Lock()
	r.executors[t] = e
	r.mu.Unlock()
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(t models.NodeType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w: no executor registered for node type %q", ErrInvalidNode, t)
	}
	return e, nil
}
