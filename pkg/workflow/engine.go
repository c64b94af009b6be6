package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/metrics"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

// Healer decides retry versus escalate for a failing node attempt. The
// workflow engine calls it around every executor invocation; the self-healing
// loop provides the production implementation.
type Healer interface {
	// Run executes op, retrying per its own policy. It reports the number
	// of attempts made, whether a retry recovered the operation, and the
	// final error.
	Run(ctx context.Context, taskName string, op func(context.Context) error) (attempts int, recovered bool, err error)
}

// singleAttempt is the default healer: one attempt, no retries.
type singleAttempt struct{}

func (singleAttempt) Run(ctx context.Context, _ string, op func(context.Context) error) (int, bool, error) {
	return 1, false, op(ctx)
}

// ExecuteOptions tunes one workflow execution.
type ExecuteOptions struct {
	// GlobalContext is visible to every node executor.
	GlobalContext map[string]any
	// FailOnValidationError halts the workflow on the first node failure
	// and produces a recovery context. When false, execution continues and
	// nodes downstream of a failure are skipped.
	FailOnValidationError bool
}

// ExecutionResult summarizes a finished (or halted) workflow run.
type ExecutionResult struct {
	WorkflowID  string                  `json:"workflow_id"`
	Status      models.WorkflowStatus   `json:"status"`
	NodesRun    int                     `json:"nodes_run"`
	Completed   []string                `json:"completed,omitempty"`
	Failed      []string                `json:"failed,omitempty"`
	Skipped     []string                `json:"skipped,omitempty"`
	Blocked     []string                `json:"blocked,omitempty"`
	GateBlocked bool                    `json:"gate_blocked,omitempty"`
	Recovery    *models.RecoveryContext `json:"recovery_context,omitempty"`
}

// Engine schedules compiled workflows level by level, bounded by the
// configured per-workflow parallelism, persisting every node transition so
// a crashed run resumes from durable state.
type Engine struct {
	store    store.Store
	pub      *events.Publisher
	registry *Registry
	cfg      *config.SchedulerConfig
	metrics  *metrics.Registry
	healer   Healer
	podID    string

	// gate is the severity at or above which a failed validator blocks
	// its downstream nodes.
	gate models.Severity
}

// NewEngine wires an engine. reg may be nil when only gauges are wanted in
// tests; the healer defaults to a single attempt until SetHealer is called.
func NewEngine(st store.Store, pub *events.Publisher, registry *Registry, cfg *config.SchedulerConfig, reg *metrics.Registry, podID string) *Engine {
	return &Engine{
		store:    st,
		pub:      pub,
		registry: registry,
		cfg:      cfg,
		metrics:  reg,
		healer:   singleAttempt{},
		podID:    podID,
		gate:     models.SeverityHigh,
	}
}

// SetHealer installs the retry policy used around node executors.
func (e *Engine) SetHealer(h Healer) {
	if h != nil {
		e.healer = h
	}
}

// SetGateSeverity changes the blocking threshold for failed validators.
func (e *Engine) SetGateSeverity(s models.Severity) {
	if s.IsValid() {
		e.gate = s
	}
}

// CreateWorkflow compiles and persists a workflow from its spec.
func (e *Engine) CreateWorkflow(ctx context.Context, teamID string, spec *Spec) (*models.WorkflowDAG, error) {
	dag, nodes, err := Build(teamID, spec)
	if err != nil {
		return nil, err
	}
	if err := e.store.Workflows().CreateWorkflow(ctx, dag, nodes); err != nil {
		return nil, err
	}
	if err := e.pub.Publish(ctx, teamID, events.CategoryWorkflow, events.ActionCreated, events.WorkflowStatusPayload{
		WorkflowID: dag.ID,
		Status:     dag.Status,
	}); err != nil {
		slog.Warn("Workflow created event failed", "workflow_id", dag.ID, "error", err)
	}
	slog.Info("Workflow created", "workflow_id", dag.ID, "team_id", teamID, "nodes", len(nodes))
	return dag, nil
}

// Execute runs a workflow to a terminal state. Nodes already completed are
// skipped with their outputs restored, which makes Execute after Resume a
// pure continuation.
func (e *Engine) Execute(ctx context.Context, workflowID string, opts ExecuteOptions) (*ExecutionResult, error) {
	wf, err := e.store.Workflows().GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status == models.WorkflowStatusRunning {
		return nil, fmt.Errorf("%w: workflow %s already running on pod %s", store.ErrConflictingState, workflowID, wf.PodID)
	}
	if wf.Status == models.WorkflowStatusCompleted {
		return nil, fmt.Errorf("%w: workflow %s already completed", store.ErrConflictingState, workflowID)
	}

	if err := e.store.Workflows().UpdateWorkflowStatus(ctx, workflowID, models.WorkflowStatusRunning, e.podID); err != nil {
		return nil, err
	}
	e.publishWorkflowStatus(ctx, wf.TeamID, workflowID, models.WorkflowStatusRunning)

	result, runErr := e.run(ctx, wf, opts)
	if runErr != nil {
		// Infrastructure failure: the run itself could not proceed.
		_ = e.store.Workflows().UpdateWorkflowStatus(ctx, workflowID, models.WorkflowStatusFailed, e.podID)
		e.publishWorkflowStatus(ctx, wf.TeamID, workflowID, models.WorkflowStatusFailed)
		return nil, runErr
	}

	if err := e.store.Workflows().UpdateWorkflowStatus(ctx, workflowID, result.Status, e.podID); err != nil {
		return nil, err
	}
	e.publishWorkflowStatus(ctx, wf.TeamID, workflowID, result.Status)
	return result, nil
}

// Resume restarts a halted workflow: nodes left running are reset to
// pending (executors are idempotent), completed nodes keep their outputs,
// and execution continues from there.
func (e *Engine) Resume(ctx context.Context, workflowID string, opts ExecuteOptions) (*ExecutionResult, error) {
	nodes, err := e.store.Workflows().ListNodes(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		switch n.State {
		case models.NodeStateRunning:
			if err := e.store.Workflows().TransitionNode(ctx, workflowID, n.ID, models.NodeStateRunning, models.NodeStatePending); err != nil {
				return nil, err
			}
		case models.NodeStateFailed, models.NodeStateBlocked, models.NodeStateCancelled:
			if err := e.store.Workflows().TransitionNode(ctx, workflowID, n.ID, n.State, models.NodeStatePending); err != nil {
				return nil, err
			}
		}
	}
	return e.Execute(ctx, workflowID, opts)
}

// RecoverOrphans resets nodes left running by this pod's previous life so
// the next Execute restarts them. Called once on startup.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := e.store.Workflows().ListRunningByPod(ctx, e.podID)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, n := range orphans {
		if err := e.store.Workflows().TransitionNode(ctx, n.WorkflowID, n.ID, models.NodeStateRunning, models.NodeStatePending); err != nil {
			slog.Warn("Orphan reset failed", "workflow_id", n.WorkflowID, "node_id", n.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("Orphaned nodes recovered", "pod_id", e.podID, "count", recovered)
	}
	return recovered, nil
}

// nodeFailure is one failed node with what the engine knows about why.
type nodeFailure struct {
	node     *models.WorkflowNode
	err      error
	outcome  *models.ValidationOutcome
	terminal models.NodeState
}

func (e *Engine) run(ctx context.Context, wf *models.WorkflowDAG, opts ExecuteOptions) (*ExecutionResult, error) {
	nodes, err := e.store.Workflows().ListNodes(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	order, err := ExecutionOrder(nodes)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.WorkflowNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	ec := newExecContext(opts.GlobalContext)
	result := &ExecutionResult{WorkflowID: wf.ID, Status: models.WorkflowStatusCompleted}
	for _, n := range nodes {
		if n.State == models.NodeStateCompleted {
			ec.setOutput(n.ID, n.Outputs)
			result.Completed = append(result.Completed, n.ID)
		}
	}

	blocked := make(map[string]bool)
	skipped := make(map[string]bool)
	currentPhase := ""
	var failures []nodeFailure
	halted := false

	limit := e.cfg.MaxConcurrentNodesPerWorkflow
	if limit <= 0 {
		limit = 1
	}

	for _, group := range order {
		if halted {
			break
		}
		if err := ctx.Err(); err != nil {
			return e.finishCancelled(ctx, wf, result), nil
		}

		runnable := make([]*models.WorkflowNode, 0, len(group))
		for _, id := range group {
			n := byID[id]
			switch {
			case n.State == models.NodeStateCompleted, n.State == models.NodeStateSkipped:
				continue
			case blocked[id]:
				if err := e.transition(ctx, wf.TeamID, n, models.NodeStatePending, models.NodeStateBlocked, 0, ""); err != nil {
					return nil, err
				}
				result.Blocked = append(result.Blocked, id)
			case skipped[id]:
				if err := e.transition(ctx, wf.TeamID, n, models.NodeStatePending, models.NodeStateSkipped, 0, ""); err != nil {
					return nil, err
				}
				result.Skipped = append(result.Skipped, id)
			default:
				runnable = append(runnable, n)
			}
		}
		if len(runnable) == 0 {
			continue
		}

		currentPhase = e.announcePhases(ctx, wf, runnable, currentPhase)

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, n := range runnable {
			n := n
			g.Go(func() error {
				failure := e.runNode(gctx, wf, n, ec)
				mu.Lock()
				defer mu.Unlock()
				result.NodesRun++
				if failure != nil {
					failures = append(failures, *failure)
					result.Failed = append(result.Failed, n.ID)
				} else {
					result.Completed = append(result.Completed, n.ID)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		groupFailures := failuresIn(failures, group)
		if len(groupFailures) == 0 {
			continue
		}

		// Failed validators at or above the gate severity block their
		// downstream; other failures make downstream unreachable.
		blockRoots := make(map[string]bool)
		skipRoots := make(map[string]bool)
		for _, f := range groupFailures {
			if f.outcome != nil && f.outcome.Severity.AtLeast(e.gate) {
				blockRoots[f.node.ID] = true
			} else {
				skipRoots[f.node.ID] = true
			}
		}
		for id := range downstreamOf(nodes, blockRoots) {
			blocked[id] = true
		}
		for id := range downstreamOf(nodes, skipRoots) {
			if !blocked[id] {
				skipped[id] = true
			}
		}

		if opts.FailOnValidationError {
			result.Recovery = e.recoveryContext(groupFailures, group)
			halted = true
		}
	}

	if len(failures) > 0 {
		result.Status = models.WorkflowStatusFailed
		// GateBlocked mirrors the blocking decision above: only a failed
		// validator at or above the gate severity counts.
		for _, f := range failures {
			if f.outcome != nil && f.outcome.Severity.AtLeast(e.gate) {
				result.GateBlocked = true
				break
			}
		}
		if result.Recovery == nil {
			result.Recovery = e.recoveryContext(failures, nil)
		}
	}
	sort.Strings(result.Completed)
	sort.Strings(result.Failed)
	sort.Strings(result.Skipped)
	sort.Strings(result.Blocked)
	return result, nil
}

// runNode executes one node through its full lifecycle. A nil return means
// the node completed.
func (e *Engine) runNode(ctx context.Context, wf *models.WorkflowDAG, node *models.WorkflowNode, ec *ExecContext) *nodeFailure {
	log := slog.With("workflow_id", wf.ID, "node_id", node.ID, "type", node.Type)

	if node.State == models.NodeStatePending {
		if err := e.transition(ctx, wf.TeamID, node, models.NodeStatePending, models.NodeStateReady, 0, ""); err != nil {
			return &nodeFailure{node: node, err: err, terminal: models.NodeStateFailed}
		}
	}
	if err := e.transition(ctx, wf.TeamID, node, models.NodeStateReady, models.NodeStateRunning, 0, ""); err != nil {
		return &nodeFailure{node: node, err: err, terminal: models.NodeStateFailed}
	}

	// Re-read so later full-node updates carry the store's view of
	// attempt_count and started_at, not this goroutine's stale copy.
	fresh, err := e.store.Workflows().GetNode(ctx, wf.ID, node.ID)
	if err != nil {
		return e.failNode(ctx, wf, node, err, nil, models.NodeStateFailed, "")
	}
	node = fresh

	prior, err := e.store.Attempts().ListByNode(ctx, wf.ID, node.ID)
	if err != nil {
		return e.failNode(ctx, wf, node, err, nil, models.NodeStateFailed, "")
	}
	attempt := &models.ExecutionAttempt{
		ID:            uuid.New().String(),
		NodeID:        node.ID,
		WorkflowID:    wf.ID,
		AttemptNumber: len(prior) + 1,
		StartedAt:     time.Now().UTC(),
	}
	if err := e.store.Attempts().Create(ctx, attempt); err != nil {
		return e.failNode(ctx, wf, node, err, nil, models.NodeStateFailed, "")
	}

	timeout := node.MaxDuration
	if timeout <= 0 {
		timeout = e.cfg.NodeDefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopHeartbeat := e.heartbeat(runCtx, wf.ID, node.ID)
	defer stopHeartbeat()

	executor, err := e.registry.Lookup(node.Type)
	if err != nil {
		return e.failNode(ctx, wf, node, err, nil, models.NodeStateFailed, "invalid_node")
	}

	started := time.Now()
	var res *Result
	_, recovered, execErr := e.healer.Run(runCtx, node.Name, func(opCtx context.Context) error {
		var opErr error
		res, opErr = executor.Execute(opCtx, node, ec)
		return opErr
	})
	duration := time.Since(started)
	if e.metrics != nil {
		e.metrics.NodeDuration.Observe(duration.Seconds())
	}

	switch {
	case execErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Warn("Node timed out", "timeout", timeout)
		return e.failNode(ctx, wf, node, fmt.Errorf("node timed out after %s: %w", timeout, execErr), attempt, models.NodeStateCancelled, "timeout")
	case execErr != nil && errors.Is(execErr, context.Canceled):
		return e.failNode(ctx, wf, node, execErr, attempt, models.NodeStateCancelled, "cancelled")
	case execErr != nil:
		log.Warn("Node failed", "error", execErr)
		return e.failNode(ctx, wf, node, execErr, attempt, models.NodeStateFailed, "")
	}

	if res != nil && res.Validation != nil && !res.Validation.ValidationPassed {
		// The validator ran fine but its verdict failed. The node is
		// failed; blocking of downstream is decided by the engine from
		// the outcome severity.
		msg := "validation failed"
		if len(res.Validation.CriticalFailures) > 0 {
			msg = res.Validation.CriticalFailures[0]
		}
		f := e.failNode(ctx, wf, node, fmt.Errorf("%w: %s", ErrGateBlocked, msg), attempt, models.NodeStateFailed, "validation")
		if f != nil {
			f.outcome = res.Validation
		}
		return f
	}

	if res != nil && res.Outputs != nil {
		ec.setOutput(node.ID, res.Outputs)
		node.Outputs = res.Outputs
		if err := e.store.Workflows().UpdateNode(ctx, node); err != nil {
			return e.failNode(ctx, wf, node, err, attempt, models.NodeStateFailed, "")
		}
	}

	outcome := models.AttemptOutcomeSuccess
	if recovered {
		outcome = models.AttemptOutcomeRecovered
	}
	ended := time.Now().UTC()
	if err := e.store.Attempts().Finish(ctx, attempt.ID, outcome, "", "", ended); err != nil {
		log.Warn("Attempt finalize failed", "error", err)
	}
	if err := e.transition(ctx, wf.TeamID, node, models.NodeStateRunning, models.NodeStateCompleted, attempt.AttemptNumber, ""); err != nil {
		return &nodeFailure{node: node, err: err, terminal: models.NodeStateFailed}
	}
	if e.metrics != nil {
		e.metrics.NodeExecutions.WithLabelValues(string(outcome)).Inc()
	}
	log.Info("Node completed", "duration", duration, "recovered", recovered)
	return nil
}

func (e *Engine) failNode(ctx context.Context, wf *models.WorkflowDAG, node *models.WorkflowNode, cause error, attempt *models.ExecutionAttempt, terminal models.NodeState, classification string) *nodeFailure {
	if attempt != nil {
		ended := time.Now().UTC()
		if err := e.store.Attempts().Finish(ctx, attempt.ID, models.AttemptOutcomeFailure, classification, cause.Error(), ended); err != nil {
			slog.Warn("Attempt finalize failed", "node_id", node.ID, "error", err)
		}
	}
	if err := e.transition(ctx, wf.TeamID, node, models.NodeStateRunning, terminal, node.AttemptCount, cause.Error()); err != nil {
		slog.Warn("Failed-node transition lost", "node_id", node.ID, "error", err)
	}
	node.LastError = cause.Error()
	if err := e.store.Workflows().UpdateNode(ctx, node); err != nil {
		slog.Warn("Failed-node error persist lost", "node_id", node.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.NodeExecutions.WithLabelValues(string(models.AttemptOutcomeFailure)).Inc()
	}
	return &nodeFailure{node: node, err: cause, terminal: terminal}
}

// transition persists one node state change and publishes it.
func (e *Engine) transition(ctx context.Context, teamID string, node *models.WorkflowNode, from, to models.NodeState, attemptNo int, errMsg string) error {
	if err := e.store.Workflows().TransitionNode(ctx, node.WorkflowID, node.ID, from, to); err != nil {
		return err
	}
	node.State = to
	if err := e.pub.Publish(ctx, teamID, events.CategoryNode, events.ActionTransition, events.NodeStatePayload{
		WorkflowID: node.WorkflowID,
		NodeID:     node.ID,
		From:       from,
		To:         to,
		Attempt:    attemptNo,
		Error:      errMsg,
	}); err != nil {
		slog.Warn("Node transition event failed", "node_id", node.ID, "error", err)
	}
	return nil
}

// announcePhases emits phase.transition when a group enters a phase the
// workflow was not in before. The team manager reshapes the team on it.
func (e *Engine) announcePhases(ctx context.Context, wf *models.WorkflowDAG, group []*models.WorkflowNode, currentPhase string) string {
	phases := make([]string, 0, 1)
	seen := make(map[string]bool)
	for _, n := range group {
		if n.Phase != "" && n.Phase != currentPhase && !seen[n.Phase] {
			seen[n.Phase] = true
			phases = append(phases, n.Phase)
		}
	}
	sort.Strings(phases)
	last := currentPhase
	for _, phase := range phases {
		if err := e.pub.Publish(ctx, wf.TeamID, events.CategoryPhase, events.ActionTransition, events.PhaseTransitionPayload{
			WorkflowID: wf.ID,
			FromPhase:  last,
			ToPhase:    phase,
		}); err != nil {
			slog.Warn("Phase transition event failed", "workflow_id", wf.ID, "phase", phase, "error", err)
		}
		slog.Info("Phase transition", "workflow_id", wf.ID, "from", last, "to", phase)
		last = phase
	}
	return last
}

// recoveryContext picks the failure to resume from: the first failed
// validator in group order, falling back to the first failure.
func (e *Engine) recoveryContext(failures []nodeFailure, group []string) *models.RecoveryContext {
	if len(failures) == 0 {
		return nil
	}
	ordered := append([]nodeFailure(nil), failures...)
	if group != nil {
		pos := make(map[string]int, len(group))
		for i, id := range group {
			pos[id] = i
		}
		sort.SliceStable(ordered, func(i, j int) bool {
			return pos[ordered[i].node.ID] < pos[ordered[j].node.ID]
		})
	}

	chosen := ordered[0]
	for _, f := range ordered {
		if f.outcome != nil {
			chosen = f
			break
		}
	}
	if chosen.outcome != nil && chosen.outcome.Recovery != nil {
		return chosen.outcome.Recovery
	}

	rc := &models.RecoveryContext{
		ResumeFromPhase:     chosen.node.Phase,
		FailedNodeID:        chosen.node.ID,
		RecommendedApproach: "fix the failure, then resume this workflow",
	}
	if chosen.err != nil {
		rc.GapsSummary = chosen.err.Error()
		rc.RecoveryInstructions = []string{"inspect node " + chosen.node.ID + ": " + chosen.err.Error()}
	}
	if chosen.outcome != nil {
		rc.RecoveryInstructions = append(rc.RecoveryInstructions, chosen.outcome.CriticalFailures...)
	}
	return rc
}

func (e *Engine) finishCancelled(ctx context.Context, wf *models.WorkflowDAG, result *ExecutionResult) *ExecutionResult {
	// Use a detached context: the caller's is already cancelled.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	result.Status = models.WorkflowStatusCancelled
	if err := e.store.Workflows().UpdateWorkflowStatus(flushCtx, wf.ID, models.WorkflowStatusCancelled, e.podID); err != nil {
		slog.Warn("Cancelled status persist failed", "workflow_id", wf.ID, "error", err)
	}
	e.publishWorkflowStatus(flushCtx, wf.TeamID, wf.ID, models.WorkflowStatusCancelled)
	return result
}

func (e *Engine) heartbeat(ctx context.Context, workflowID, nodeID string) func() {
	interval := e.cfg.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case at := <-ticker.C:
				if err := e.store.Workflows().HeartbeatNode(ctx, workflowID, nodeID, at.UTC()); err != nil {
					slog.Debug("Heartbeat failed", "node_id", nodeID, "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (e *Engine) publishWorkflowStatus(ctx context.Context, teamID, workflowID string, status models.WorkflowStatus) {
	if err := e.pub.Publish(ctx, teamID, events.CategoryWorkflow, string(status), events.WorkflowStatusPayload{
		WorkflowID: workflowID,
		Status:     status,
	}); err != nil {
		slog.Warn("Workflow status event failed", "workflow_id", workflowID, "status", status, "error", err)
	}
}

func failuresIn(failures []nodeFailure, group []string) []nodeFailure {
	in := make(map[string]bool, len(group))
	for _, id := range group {
		in[id] = true
	}
	var out []nodeFailure
	for _, f := range failures {
		if in[f.node.ID] {
			out = append(out, f)
		}
	}
	return out
}
