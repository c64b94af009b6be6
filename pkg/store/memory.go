package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewforge/crewforge/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and disposable
// orchestrator instances. All methods return copies so callers see
// consistent snapshots. WithinTx serializes writers and restores a snapshot
// on error, giving the same all-or-nothing semantics as the Postgres store.
type MemoryStore struct {
	mu sync.RWMutex
	// txMu serializes transactions; the inner mu still guards individual ops.
	txMu sync.Mutex

	teams        map[string]*models.Team
	members      map[string]*models.TeamMember // key: teamID+"/"+agentID
	roles        map[string]*models.Role       // key: teamID+"/"+roleID
	assignments  []*models.AssignmentEntry
	tasks        map[string]*models.Task
	contracts    map[string]*models.Contract
	assumptions  map[string]*models.Assumption
	conflicts    map[string]*models.Conflict
	convergences map[string]*models.ConvergenceSession
	sessions     map[string]*models.StreamSession
	streams      map[string]*models.WorkStream
	workflows    map[string]*models.WorkflowDAG
	nodes        map[string]*models.WorkflowNode // key: workflowID+"/"+nodeID
	attempts     map[string]*models.ExecutionAttempt
	history      []*models.ExecutionHistoryRecord
	outbox       []*OutboxEvent

	assignmentSeq int64
	outboxSeq     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:        make(map[string]*models.Team),
		members:      make(map[string]*models.TeamMember),
		roles:        make(map[string]*models.Role),
		tasks:        make(map[string]*models.Task),
		contracts:    make(map[string]*models.Contract),
		assumptions:  make(map[string]*models.Assumption),
		conflicts:    make(map[string]*models.Conflict),
		convergences: make(map[string]*models.ConvergenceSession),
		sessions:     make(map[string]*models.StreamSession),
		streams:      make(map[string]*models.WorkStream),
		workflows:    make(map[string]*models.WorkflowDAG),
		nodes:        make(map[string]*models.WorkflowNode),
		attempts:     make(map[string]*models.ExecutionAttempt),
	}
}

func memberKey(teamID, agentID string) string { return teamID + "/" + agentID }
func roleKey(teamID, roleID string) string    { return teamID + "/" + roleID }
func nodeKey(workflowID, nodeID string) string {
	return workflowID + "/" + nodeID
}

// Accessors. The memory store implements every sub-store itself.

func (s *MemoryStore) Teams() TeamStore               { return (*memTeams)(s) }
func (s *MemoryStore) Members() MemberStore           { return (*memMembers)(s) }
func (s *MemoryStore) Roles() RoleStore               { return (*memRoles)(s) }
func (s *MemoryStore) Tasks() TaskStore               { return (*memTasks)(s) }
func (s *MemoryStore) Contracts() ContractStore       { return (*memContracts)(s) }
func (s *MemoryStore) Assumptions() AssumptionStore   { return (*memAssumptions)(s) }
func (s *MemoryStore) Conflicts() ConflictStore       { return (*memConflicts)(s) }
func (s *MemoryStore) Convergences() ConvergenceStore { return (*memConvergences)(s) }
func (s *MemoryStore) Streams() StreamStore           { return (*memStreams)(s) }
func (s *MemoryStore) Workflows() WorkflowStore       { return (*memWorkflows)(s) }
func (s *MemoryStore) Attempts() AttemptStore         { return (*memAttempts)(s) }
func (s *MemoryStore) History() HistoryStore          { return (*memHistory)(s) }
func (s *MemoryStore) Outbox() OutboxStore            { return (*memOutbox)(s) }

// WithinTx serializes the transaction, snapshots state, and restores the
// snapshot if fn fails.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return ctx.Err()
}

type memSnapshot struct {
	teams        map[string]*models.Team
	members      map[string]*models.TeamMember
	roles        map[string]*models.Role
	assignments  []*models.AssignmentEntry
	tasks        map[string]*models.Task
	contracts    map[string]*models.Contract
	assumptions  map[string]*models.Assumption
	conflicts    map[string]*models.Conflict
	convergences map[string]*models.ConvergenceSession
	sessions     map[string]*models.StreamSession
	streams      map[string]*models.WorkStream
	workflows    map[string]*models.WorkflowDAG
	nodes        map[string]*models.WorkflowNode
	attempts     map[string]*models.ExecutionAttempt
	history      []*models.ExecutionHistoryRecord
	outbox       []*OutboxEvent

	assignmentSeq int64
	outboxSeq     int64
}

func cloneMap[V any](in map[string]*V, clone func(*V) *V) map[string]*V {
	out := make(map[string]*V, len(in))
	for k, v := range in {
		out[k] = clone(v)
	}
	return out
}

func (s *MemoryStore) snapshot() *memSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &memSnapshot{
		teams:         cloneMap(s.teams, cloneTeam),
		members:       cloneMap(s.members, cloneMember),
		roles:         cloneMap(s.roles, cloneRole),
		tasks:         cloneMap(s.tasks, cloneTask),
		contracts:     cloneMap(s.contracts, cloneContract),
		assumptions:   cloneMap(s.assumptions, cloneAssumption),
		conflicts:     cloneMap(s.conflicts, cloneConflict),
		convergences:  cloneMap(s.convergences, cloneConvergence),
		sessions:      cloneMap(s.sessions, cloneSession),
		streams:       cloneMap(s.streams, cloneStream),
		workflows:     cloneMap(s.workflows, cloneWorkflow),
		nodes:         cloneMap(s.nodes, cloneNode),
		attempts:      cloneMap(s.attempts, cloneAttempt),
		assignmentSeq: s.assignmentSeq,
		outboxSeq:     s.outboxSeq,
	}
	snap.assignments = make([]*models.AssignmentEntry, len(s.assignments))
	for i, a := range s.assignments {
		snap.assignments[i] = cloneAssignment(a)
	}
	snap.history = make([]*models.ExecutionHistoryRecord, len(s.history))
	for i, h := range s.history {
		snap.history[i] = cloneHistory(h)
	}
	snap.outbox = make([]*OutboxEvent, len(s.outbox))
	for i, o := range s.outbox {
		snap.outbox[i] = cloneOutbox(o)
	}
	return snap
}

func (s *MemoryStore) restore(snap *memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams = snap.teams
	s.members = snap.members
	s.roles = snap.roles
	s.assignments = snap.assignments
	s.tasks = snap.tasks
	s.contracts = snap.contracts
	s.assumptions = snap.assumptions
	s.conflicts = snap.conflicts
	s.convergences = snap.convergences
	s.sessions = snap.sessions
	s.streams = snap.streams
	s.workflows = snap.workflows
	s.nodes = snap.nodes
	s.attempts = snap.attempts
	s.history = snap.history
	s.outbox = snap.outbox
	s.assignmentSeq = snap.assignmentSeq
	s.outboxSeq = snap.outboxSeq
}

// ── Clone helpers ──

func cloneTeam(t *models.Team) *models.Team { c := *t; return &c }

func cloneMember(m *models.TeamMember) *models.TeamMember {
	c := *m
	if m.RetiredAt != nil {
		t := *m.RetiredAt
		c.RetiredAt = &t
	}
	if m.PerformanceSummary != nil {
		p := *m.PerformanceSummary
		c.PerformanceSummary = &p
	}
	return &c
}

func cloneRole(r *models.Role) *models.Role { c := *r; return &c }

func cloneAssignment(a *models.AssignmentEntry) *models.AssignmentEntry { c := *a; return &c }

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	return &c
}

func cloneContract(ct *models.Contract) *models.Contract {
	c := *ct
	c.Consumers = append([]string(nil), ct.Consumers...)
	c.Specification = cloneSpec(ct.Specification)
	return &c
}

func cloneSpec(sp models.Specification) models.Specification {
	out := models.Specification{
		Fields: append([]models.SpecField(nil), sp.Fields...),
		Models: make([]models.SpecModel, len(sp.Models)),
	}
	out.Endpoints = make([]models.SpecEndpoint, len(sp.Endpoints))
	for i, e := range sp.Endpoints {
		e.Params = append([]string(nil), e.Params...)
		out.Endpoints[i] = e
	}
	for i, m := range sp.Models {
		m.Fields = append([]models.SpecField(nil), m.Fields...)
		out.Models[i] = m
	}
	return out
}

func cloneAssumption(a *models.Assumption) *models.Assumption {
	c := *a
	c.DependentArtifacts = append([]models.ArtifactRef(nil), a.DependentArtifacts...)
	if a.ValidatedAt != nil {
		t := *a.ValidatedAt
		c.ValidatedAt = &t
	}
	if a.InvalidatedAt != nil {
		t := *a.InvalidatedAt
		c.InvalidatedAt = &t
	}
	return &c
}

func cloneConflict(cf *models.Conflict) *models.Conflict {
	c := *cf
	c.AffectedAgents = append([]string(nil), cf.AffectedAgents...)
	c.SourceRefs = append([]models.ArtifactRef(nil), cf.SourceRefs...)
	if cf.ResolvedAt != nil {
		t := *cf.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func cloneConvergence(cs *models.ConvergenceSession) *models.ConvergenceSession {
	c := *cs
	c.Participants = append([]string(nil), cs.Participants...)
	c.ConflictIDs = append([]string(nil), cs.ConflictIDs...)
	c.Decisions = append([]models.ConvergenceDecision(nil), cs.Decisions...)
	c.ArtifactsUpdated = append([]models.ArtifactRef(nil), cs.ArtifactsUpdated...)
	if cs.EndedAt != nil {
		t := *cs.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func cloneSession(ss *models.StreamSession) *models.StreamSession {
	c := *ss
	c.StreamIDs = append([]string(nil), ss.StreamIDs...)
	return &c
}

func cloneStream(w *models.WorkStream) *models.WorkStream {
	c := *w
	c.ContractVersionIDs = append([]string(nil), w.ContractVersionIDs...)
	c.ArtifactRefs = append([]models.ArtifactRef(nil), w.ArtifactRefs...)
	return &c
}

func cloneWorkflow(w *models.WorkflowDAG) *models.WorkflowDAG {
	c := *w
	if w.StartedAt != nil {
		t := *w.StartedAt
		c.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneNode(n *models.WorkflowNode) *models.WorkflowNode {
	c := *n
	c.DependsOn = append([]string(nil), n.DependsOn...)
	if n.Inputs != nil {
		c.Inputs = make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			c.Inputs[k] = v
		}
	}
	if n.Outputs != nil {
		c.Outputs = make(map[string]any, len(n.Outputs))
		for k, v := range n.Outputs {
			c.Outputs[k] = v
		}
	}
	if n.StartedAt != nil {
		t := *n.StartedAt
		c.StartedAt = &t
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		c.CompletedAt = &t
	}
	if n.LastHeartbeatAt != nil {
		t := *n.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	return &c
}

func cloneAttempt(a *models.ExecutionAttempt) *models.ExecutionAttempt {
	c := *a
	c.EvidenceRefs = append([]models.ArtifactRef(nil), a.EvidenceRefs...)
	if a.EndedAt != nil {
		t := *a.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func cloneHistory(h *models.ExecutionHistoryRecord) *models.ExecutionHistoryRecord {
	c := *h
	if h.Metadata != nil {
		c.Metadata = make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneOutbox(o *OutboxEvent) *OutboxEvent {
	c := *o
	c.Payload = append([]byte(nil), o.Payload...)
	return &c
}

// ── Teams ──

type memTeams MemoryStore

func (s *memTeams) Create(_ context.Context, team *models.Team) error {
	if team.ID == "" {
		return NewValidationError("id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[team.ID]; ok {
		return ErrConflictingState
	}
	s.teams[team.ID] = cloneTeam(team)
	return nil
}

func (s *memTeams) Get(_ context.Context, id string) (*models.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTeam(t), nil
}

func (s *memTeams) List(_ context.Context) ([]*models.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Team, 0, len(s.teams))
	for _, t := range s.teams {
		out = append(out, cloneTeam(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memTeams) UpdateStatus(_ context.Context, id string, status models.TeamStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Members ──

type memMembers MemoryStore

func (s *memMembers) Create(_ context.Context, m *models.TeamMember) error {
	if m.TeamID == "" {
		return NewValidationError("team_id", "required")
	}
	if m.AgentID == "" {
		return NewValidationError("agent_id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey(m.TeamID, m.AgentID)
	if existing, ok := s.members[key]; ok && existing.State != models.MemberStateRetired {
		return ErrConflictingState
	}
	s.members[key] = cloneMember(m)
	return nil
}

func (s *memMembers) Get(_ context.Context, teamID, agentID string) (*models.TeamMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey(teamID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMember(m), nil
}

func (s *memMembers) ListByTeam(_ context.Context, teamID string) ([]*models.TeamMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TeamMember
	for _, m := range s.members {
		if m.TeamID == teamID {
			out = append(out, cloneMember(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *memMembers) ListByTeamAndState(ctx context.Context, teamID string, state models.MemberState) ([]*models.TeamMember, error) {
	all, err := s.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.State == state {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMembers) UpdateState(_ context.Context, teamID, agentID string, state models.MemberState, retiredAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey(teamID, agentID)]
	if !ok {
		return ErrNotFound
	}
	m.State = state
	if retiredAt != nil {
		t := *retiredAt
		m.RetiredAt = &t
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memMembers) UpdatePerformance(_ context.Context, teamID, agentID string, summary models.PerformanceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey(teamID, agentID)]
	if !ok {
		return ErrNotFound
	}
	p := summary
	m.PerformanceSummary = &p
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memMembers) FindTeams(_ context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, m := range s.members {
		if m.AgentID == agentID && m.State == models.MemberStateActive {
			out = append(out, m.TeamID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ── Roles ──

type memRoles MemoryStore

func (s *memRoles) Create(_ context.Context, r *models.Role) error {
	if r.RoleID == "" {
		return NewValidationError("role_id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := roleKey(r.TeamID, r.RoleID)
	if _, ok := s.roles[key]; ok {
		return ErrConflictingState
	}
	s.roles[key] = cloneRole(r)
	return nil
}

func (s *memRoles) Get(_ context.Context, teamID, roleID string) (*models.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[roleKey(teamID, roleID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRole(r), nil
}

func (s *memRoles) ListByTeam(_ context.Context, teamID string) ([]*models.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Role
	for _, r := range s.roles {
		if r.TeamID == teamID {
			out = append(out, cloneRole(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RoleID < out[j].RoleID
	})
	return out, nil
}

func (s *memRoles) SetCurrentAgent(_ context.Context, teamID, roleID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleKey(teamID, roleID)]
	if !ok {
		return ErrNotFound
	}
	r.CurrentAgentID = agentID
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memRoles) AppendAssignment(_ context.Context, entry *models.AssignmentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignmentSeq++
	e := cloneAssignment(entry)
	e.ID = s.assignmentSeq
	if e.AssignedAt.IsZero() {
		e.AssignedAt = time.Now().UTC()
	}
	s.assignments = append(s.assignments, e)
	entry.ID = e.ID
	return nil
}

func (s *memRoles) AssignmentHistory(_ context.Context, teamID, roleID string) ([]*models.AssignmentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AssignmentEntry
	for _, a := range s.assignments {
		if a.TeamID == teamID && a.RoleID == roleID {
			out = append(out, cloneAssignment(a))
		}
	}
	return out, nil
}

// ── Tasks ──

type memTasks MemoryStore

func (s *memTasks) Create(_ context.Context, t *models.Task) error {
	if t.ID == "" {
		return NewValidationError("id", "required")
	}
	if t.TeamID == "" {
		return NewValidationError("team_id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrConflictingState
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *memTasks) Get(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *memTasks) ListByTeam(_ context.Context, teamID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.TeamID == teamID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memTasks) ListByTeamAndStatus(ctx context.Context, teamID string, status models.TaskStatus) ([]*models.Task, error) {
	all, err := s.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memTasks) ListOpenByAgent(_ context.Context, teamID, agentID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.TeamID != teamID || t.AssignedTo != agentID {
			continue
		}
		switch t.Status {
		case models.TaskStatusReady, models.TaskStatusRunning, models.TaskStatusBlocked:
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memTasks) UpdateStatus(_ context.Context, id string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memTasks) SetAssignee(_ context.Context, id, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.AssignedTo = agentID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Contracts ──

type memContracts MemoryStore

func (s *memContracts) Create(_ context.Context, c *models.Contract) error {
	if c.ID == "" {
		return NewValidationError("id", "required")
	}
	if c.Name == "" {
		return NewValidationError("name", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[c.ID]; ok {
		return ErrConflictingState
	}
	// One active version per (team, name).
	if c.Status == models.ContractStatusActive {
		for _, other := range s.contracts {
			if other.TeamID == c.TeamID && other.Name == c.Name && other.Status == models.ContractStatusActive {
				return ErrConflictingState
			}
		}
	}
	s.contracts[c.ID] = cloneContract(c)
	return nil
}

func (s *memContracts) Get(_ context.Context, id string) (*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneContract(c), nil
}

func (s *memContracts) GetActiveByName(_ context.Context, teamID, name string) (*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contracts {
		if c.TeamID == teamID && c.Name == name && c.Status == models.ContractStatusActive {
			return cloneContract(c), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memContracts) ListByTeam(_ context.Context, teamID string) ([]*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Contract
	for _, c := range s.contracts {
		if c.TeamID == teamID {
			out = append(out, cloneContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memContracts) ListByOwner(ctx context.Context, teamID, ownerAgent string) ([]*models.Contract, error) {
	all, err := s.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if c.OwnerAgent == ownerAgent {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memContracts) UpdateStatus(_ context.Context, id string, status models.ContractStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return ErrNotFound
	}
	if status == models.ContractStatusActive {
		for _, other := range s.contracts {
			if other.ID != id && other.TeamID == c.TeamID && other.Name == c.Name && other.Status == models.ContractStatusActive {
				return ErrConflictingState
			}
		}
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Assumptions ──

type memAssumptions MemoryStore

func (s *memAssumptions) Create(_ context.Context, a *models.Assumption) error {
	if a.ID == "" {
		return NewValidationError("id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assumptions[a.ID]; ok {
		return ErrConflictingState
	}
	s.assumptions[a.ID] = cloneAssumption(a)
	return nil
}

func (s *memAssumptions) Get(_ context.Context, id string) (*models.Assumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assumptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAssumption(a), nil
}

func (s *memAssumptions) ListByTeam(_ context.Context, teamID string) ([]*models.Assumption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Assumption
	for _, a := range s.assumptions {
		if a.TeamID == teamID {
			out = append(out, cloneAssumption(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memAssumptions) ListByAgent(ctx context.Context, teamID, agentID string) ([]*models.Assumption, error) {
	all, err := s.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.MadeByAgent == agentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memAssumptions) Update(_ context.Context, a *models.Assumption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assumptions[a.ID]; !ok {
		return ErrNotFound
	}
	s.assumptions[a.ID] = cloneAssumption(a)
	return nil
}

// ── Conflicts ──

type memConflicts MemoryStore

func (s *memConflicts) Create(_ context.Context, c *models.Conflict) error {
	if c.ID == "" {
		return NewValidationError("id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[c.ID]; ok {
		return ErrConflictingState
	}
	s.conflicts[c.ID] = cloneConflict(c)
	return nil
}

func (s *memConflicts) Get(_ context.Context, id string) (*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConflict(c), nil
}

func (s *memConflicts) ListByTeam(_ context.Context, teamID string) ([]*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Conflict
	for _, c := range s.conflicts {
		if c.TeamID == teamID {
			out = append(out, cloneConflict(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memConflicts) ListByTeamAndStatus(ctx context.Context, teamID string, status models.ConflictStatus) ([]*models.Conflict, error) {
	all, err := s.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memConflicts) UpdateStatus(_ context.Context, id string, status models.ConflictStatus, resolvedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	if resolvedAt != nil {
		t := *resolvedAt
		c.ResolvedAt = &t
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Convergences ──

type memConvergences MemoryStore

func (s *memConvergences) Create(_ context.Context, cs *models.ConvergenceSession) error {
	if cs.ID == "" {
		return NewValidationError("id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convergences[cs.ID]; ok {
		return ErrConflictingState
	}
	// Sessions serialize per team.
	if cs.Status == models.ConvergenceStatusOpen {
		for _, other := range s.convergences {
			if other.TeamID == cs.TeamID && other.Status == models.ConvergenceStatusOpen {
				return ErrConflictingState
			}
		}
	}
	s.convergences[cs.ID] = cloneConvergence(cs)
	return nil
}

func (s *memConvergences) Get(_ context.Context, id string) (*models.ConvergenceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convergences[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConvergence(cs), nil
}

func (s *memConvergences) ListByTeam(_ context.Context, teamID string) ([]*models.ConvergenceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ConvergenceSession
	for _, cs := range s.convergences {
		if cs.TeamID == teamID {
			out = append(out, cloneConvergence(cs))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *memConvergences) GetOpenByTeam(_ context.Context, teamID string) (*models.ConvergenceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cs := range s.convergences {
		if cs.TeamID == teamID && cs.Status == models.ConvergenceStatusOpen {
			return cloneConvergence(cs), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memConvergences) Update(_ context.Context, cs *models.ConvergenceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convergences[cs.ID]; !ok {
		return ErrNotFound
	}
	s.convergences[cs.ID] = cloneConvergence(cs)
	return nil
}

// ── Streams ──

type memStreams MemoryStore

func (s *memStreams) CreateSession(_ context.Context, ss *models.StreamSession) error {
	if ss.ID == "" {
		return NewValidationError("id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[ss.ID]; ok {
		return ErrConflictingState
	}
	s.sessions[ss.ID] = cloneSession(ss)
	return nil
}

func (s *memStreams) GetSession(_ context.Context, id string) (*models.StreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(ss), nil
}

func (s *memStreams) CreateStream(_ context.Context, w *models.WorkStream) error {
	if w.ID == "" {
		return NewValidationError("id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[w.ID]; ok {
		return ErrConflictingState
	}
	s.streams[w.ID] = cloneStream(w)
	if sess, ok := s.sessions[w.SessionID]; ok {
		sess.StreamIDs = append(sess.StreamIDs, w.ID)
		sess.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *memStreams) GetStream(_ context.Context, id string) (*models.WorkStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.streams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneStream(w), nil
}

func (s *memStreams) ListBySession(_ context.Context, sessionID string) ([]*models.WorkStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkStream
	for _, w := range s.streams {
		if w.SessionID == sessionID {
			out = append(out, cloneStream(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *memStreams) ListByTeam(_ context.Context, teamID string) ([]*models.WorkStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkStream
	for _, w := range s.streams {
		if w.TeamID == teamID {
			out = append(out, cloneStream(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *memStreams) ListActiveByTeam(_ context.Context, teamID string) ([]*models.WorkStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkStream
	for _, w := range s.streams {
		if w.TeamID == teamID && w.Status == models.StreamStatusActive {
			out = append(out, cloneStream(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *memStreams) UpdateStreamStatus(_ context.Context, id string, status models.StreamStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.streams[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStreams) AddStreamArtifacts(_ context.Context, id string, refs []models.ArtifactRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.streams[id]
	if !ok {
		return ErrNotFound
	}
	w.ArtifactRefs = append(w.ArtifactRefs, refs...)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStreams) AddProductiveHours(_ context.Context, id string, hours float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.streams[id]
	if !ok {
		return ErrNotFound
	}
	w.ProductiveHours += hours
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Workflows ──

type memWorkflows MemoryStore

func (s *memWorkflows) CreateWorkflow(_ context.Context, w *models.WorkflowDAG, nodes []*models.WorkflowNode) error {
	if w.ID == "" {
		return NewValidationError("id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; ok {
		return ErrConflictingState
	}
	s.workflows[w.ID] = cloneWorkflow(w)
	for _, n := range nodes {
		s.nodes[nodeKey(w.ID, n.ID)] = cloneNode(n)
	}
	return nil
}

func (s *memWorkflows) GetWorkflow(_ context.Context, id string) (*models.WorkflowDAG, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(w), nil
}

func (s *memWorkflows) UpdateWorkflowStatus(_ context.Context, id string, status models.WorkflowStatus, podID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	if status == models.WorkflowStatusRunning && w.StartedAt == nil {
		w.StartedAt = &now
	}
	if status == models.WorkflowStatusCompleted || status == models.WorkflowStatusFailed || status == models.WorkflowStatusCancelled {
		w.CompletedAt = &now
	}
	w.Status = status
	if podID != "" {
		w.PodID = podID
	}
	w.UpdatedAt = now
	return nil
}

func (s *memWorkflows) GetNode(_ context.Context, workflowID, nodeID string) (*models.WorkflowNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeKey(workflowID, nodeID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNode(n), nil
}

func (s *memWorkflows) ListNodes(_ context.Context, workflowID string) ([]*models.WorkflowNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowNode
	for key, n := range s.nodes {
		if strings.HasPrefix(key, workflowID+"/") {
			out = append(out, cloneNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memWorkflows) TransitionNode(_ context.Context, workflowID, nodeID string, from, to models.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeKey(workflowID, nodeID)]
	if !ok {
		return ErrNotFound
	}
	if n.State != from {
		return ErrConflictingState
	}
	now := time.Now().UTC()
	n.State = to
	if to == models.NodeStateRunning {
		n.StartedAt = &now
		n.AttemptCount++
	}
	if to.IsTerminal() {
		n.CompletedAt = &now
	}
	n.UpdatedAt = now
	return nil
}

func (s *memWorkflows) UpdateNode(_ context.Context, n *models.WorkflowNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := nodeKey(n.WorkflowID, n.ID)
	if _, ok := s.nodes[key]; !ok {
		return ErrNotFound
	}
	c := cloneNode(n)
	c.UpdatedAt = time.Now().UTC()
	s.nodes[key] = c
	return nil
}

func (s *memWorkflows) HeartbeatNode(_ context.Context, workflowID, nodeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeKey(workflowID, nodeID)]
	if !ok {
		return ErrNotFound
	}
	t := at
	n.LastHeartbeatAt = &t
	return nil
}

func (s *memWorkflows) ListRunningByPod(_ context.Context, podID string) ([]*models.WorkflowNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowNode
	for _, n := range s.nodes {
		if n.State != models.NodeStateRunning {
			continue
		}
		w, ok := s.workflows[n.WorkflowID]
		if ok && w.PodID == podID {
			out = append(out, cloneNode(n))
		}
	}
	return out, nil
}

// ── Attempts ──

type memAttempts MemoryStore

func (s *memAttempts) Create(_ context.Context, a *models.ExecutionAttempt) error {
	if a.ID == "" {
		return NewValidationError("id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.ID]; ok {
		return ErrConflictingState
	}
	s.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func (s *memAttempts) Finish(_ context.Context, id string, outcome models.AttemptOutcome, classification, errMsg string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrNotFound
	}
	t := endedAt
	a.EndedAt = &t
	a.Outcome = outcome
	a.ErrorClassification = classification
	a.ErrorMessage = errMsg
	return nil
}

func (s *memAttempts) ListByNode(_ context.Context, workflowID, nodeID string) ([]*models.ExecutionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ExecutionAttempt
	for _, a := range s.attempts {
		if a.WorkflowID == workflowID && a.NodeID == nodeID {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

// ── History ──

type memHistory MemoryStore

func (s *memHistory) Append(_ context.Context, r *models.ExecutionHistoryRecord) error {
	if r.ExecutionID == "" {
		return NewValidationError("execution_id", "required")
	}
	if r.TaskName == "" {
		return NewValidationError("task_name", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneHistory(r)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.history = append(s.history, c)
	return nil
}

func (s *memHistory) Query(_ context.Context, q HistoryQuery) ([]*models.ExecutionHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ExecutionHistoryRecord
	for _, r := range s.history {
		if q.TaskName != "" && r.TaskName != q.TaskName {
			continue
		}
		if q.TeamID != "" && r.TeamID != q.TeamID {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if !q.Since.IsZero() && r.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, cloneHistory(r))
	}
	return out, nil
}

func (s *memHistory) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.history[:0]
	removed := 0
	for _, r := range s.history {
		if r.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.history = kept
	return removed, nil
}

// ── Outbox ──

type memOutbox MemoryStore

func (s *memOutbox) Append(_ context.Context, teamID, topic string, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxSeq++
	s.outbox = append(s.outbox, &OutboxEvent{
		ID:        s.outboxSeq,
		TeamID:    teamID,
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	})
	return s.outboxSeq, nil
}

func (s *memOutbox) ListSince(_ context.Context, sinceID int64, limit int) ([]*OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OutboxEvent
	for _, o := range s.outbox {
		if o.ID > sinceID {
			out = append(out, cloneOutbox(o))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memOutbox) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outbox[:0]
	removed := 0
	for _, o := range s.outbox {
		if o.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, o)
	}
	s.outbox = kept
	return removed, nil
}
