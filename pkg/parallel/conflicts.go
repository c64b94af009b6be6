package parallel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/crewforge/crewforge/pkg/contract"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

// DetectContractBreach diffs two versions of a contract and, when the
// changes are breaking and at least one active stream depends on the old
// version, opens a high severity contract breach conflict listing every
// affected agent. A non-breaking change, or a breaking one no active stream
// depends on, detects nothing.
func (c *Coordinator) DetectContractBreach(ctx context.Context, oldC, newC *models.Contract) (*models.Conflict, error) {
	if oldC.TeamID != newC.TeamID || oldC.Name != newC.Name {
		return nil, store.NewValidationError("contract", "versions must belong to the same contract")
	}
	cs := contract.DiffSpecifications(oldC.Specification, newC.Specification)
	if !cs.IsBreaking() {
		return nil, nil
	}

	unlock := c.locks.lock(oldC.TeamID)
	defer unlock()

	return c.breachAgainstVersion(ctx, oldC.TeamID, oldC.ID, newC.ID,
		fmt.Sprintf("contract %s %s -> %s introduces breaking changes", oldC.Name, oldC.Version, newC.Version))
}

// breachAgainstVersion opens a contract breach conflict if any active
// stream depends on the superseded version. Callers hold the team lock.
func (c *Coordinator) breachAgainstVersion(ctx context.Context, teamID, oldID, newID, description string) (*models.Conflict, error) {
	streams, err := c.store.Streams().ListActiveByTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("list active streams: %w", err)
	}
	var affected []string
	for _, w := range streams {
		for _, cvID := range w.ContractVersionIDs {
			if cvID == oldID {
				affected = append(affected, w.AgentID)
				break
			}
		}
	}
	if len(affected) == 0 {
		return nil, nil
	}

	refs := []models.ArtifactRef{
		{Type: "contract", ID: oldID},
		{Type: "contract", ID: newID},
	}
	return c.openConflict(ctx, teamID, models.ConflictTypeContractBreach,
		models.SeverityHigh, description, affected, refs)
}

// openConflict persists a conflict and publishes conflict.detected. Callers
// hold the team lock.
func (c *Coordinator) openConflict(ctx context.Context, teamID string, typ models.ConflictType, sev models.Severity, description string, affectedAgents []string, refs []models.ArtifactRef) (*models.Conflict, error) {
	agents := dedupSorted(affectedAgents)
	now := time.Now().UTC()
	conflict := &models.Conflict{
		ID:             uuid.New().String(),
		TeamID:         teamID,
		Type:           typ,
		Severity:       sev,
		Description:    description,
		AffectedAgents: agents,
		SourceRefs:     refs,
		Status:         models.ConflictStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	staged := c.pub.Stage()
	err := c.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Conflicts().Create(ctx, conflict); err != nil {
			return fmt.Errorf("create conflict: %w", err)
		}
		return staged.Add(ctx, tx, teamID, events.CategoryConflict, "detected",
			events.ConflictDetectedPayload{
				ConflictID:     conflict.ID,
				Type:           typ,
				Severity:       sev,
				AffectedAgents: agents,
			})
	})
	if err != nil {
		return nil, err
	}
	staged.Flush(ctx)

	if c.metrics != nil {
		c.metrics.ConflictsTotal.WithLabelValues(string(sev)).Inc()
	}
	slog.Warn("Conflict detected",
		"team_id", teamID,
		"conflict_id", conflict.ID,
		"type", typ,
		"severity", sev,
		"affected_agents", len(agents))
	return conflict, nil
}

// raiseStaleReferenceConflict records that a stream tried to publish output
// against an archived contract version. Best effort: the stale write was
// already rejected.
func (c *Coordinator) raiseStaleReferenceConflict(ctx context.Context, w *models.WorkStream, contractID string) {
	refs := []models.ArtifactRef{
		{Type: "stream", ID: w.ID},
		{Type: "contract", ID: contractID},
	}
	_, err := c.openConflict(ctx, w.TeamID, models.ConflictTypeContractBreach, models.SeverityHigh,
		fmt.Sprintf("stream %s produced output against archived contract version %s", w.ID, contractID),
		[]string{w.AgentID}, refs)
	if err != nil {
		slog.Error("Stale reference conflict not recorded",
			"stream_id", w.ID,
			"contract_id", contractID,
			"error", err)
	}
}

// Subscribe wires the coordinator to contract evolution and assumption
// invalidation events so conflicts open as soon as the triggering mutation
// commits. It returns the combined unsubscribe.
func (c *Coordinator) Subscribe(bus events.Bus) (func(), error) {
	unsubEvolved, err := bus.Subscribe("team:*:events:contract.evolved", c.onContractEvolved)
	if err != nil {
		return nil, err
	}
	unsubInvalidated, err := bus.Subscribe("team:*:events:assumption.invalidated", c.onAssumptionInvalidated)
	if err != nil {
		unsubEvolved()
		return nil, err
	}
	return func() {
		unsubEvolved()
		unsubInvalidated()
	}, nil
}

func (c *Coordinator) onContractEvolved(ctx context.Context, ev events.Event) {
	var p events.ContractEvolvedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		slog.Warn("Malformed contract evolved payload", "topic", ev.Topic, "error", err)
		return
	}
	if !p.Breaking {
		return
	}
	newC, err := c.store.Contracts().Get(ctx, p.ContractID)
	if err != nil {
		slog.Error("Evolved contract not found", "contract_id", p.ContractID, "error", err)
		return
	}
	if newC.PreviousVersionID == "" {
		return
	}

	unlock := c.locks.lock(ev.TeamID)
	defer unlock()

	_, err = c.breachAgainstVersion(ctx, ev.TeamID, newC.PreviousVersionID, newC.ID,
		fmt.Sprintf("contract %s %s -> %s introduces breaking changes", p.Name, p.FromVersion, p.ToVersion))
	if err != nil {
		slog.Error("Contract breach detection failed",
			"team_id", ev.TeamID,
			"contract_id", p.ContractID,
			"error", err)
	}
}

func (c *Coordinator) onAssumptionInvalidated(ctx context.Context, ev events.Event) {
	var p events.AssumptionInvalidatedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		slog.Warn("Malformed assumption invalidated payload", "topic", ev.Topic, "error", err)
		return
	}
	if len(p.DependentArtifacts) == 0 {
		return
	}

	unlock := c.locks.lock(ev.TeamID)
	defer unlock()

	streams, err := c.store.Streams().ListActiveByTeam(ctx, ev.TeamID)
	if err != nil {
		slog.Error("Active stream lookup failed", "team_id", ev.TeamID, "error", err)
		return
	}

	var affected []string
	var staleRefs []models.ArtifactRef
	for _, w := range streams {
		if dependsOnAny(w, p.DependentArtifacts) {
			affected = append(affected, w.AgentID)
			staleRefs = append(staleRefs, models.ArtifactRef{Type: "stream", ID: w.ID})
		}
	}
	if len(affected) == 0 {
		return
	}

	staleRefs = append(staleRefs, models.ArtifactRef{Type: "assumption", ID: p.AssumptionID})
	_, err = c.openConflict(ctx, ev.TeamID, models.ConflictTypeAssumptionInvalidated, models.SeverityMedium,
		fmt.Sprintf("assumption %s invalidated by %s; dependent artifacts belong to active streams", p.AssumptionID, p.InvalidatedBy),
		affected, staleRefs)
	if err != nil {
		slog.Error("Assumption invalidation conflict failed",
			"team_id", ev.TeamID,
			"assumption_id", p.AssumptionID,
			"error", err)
	}
}

// dependsOnAny reports whether the stream, or one of its recorded artifacts,
// is among the invalidated assumption's dependents.
func dependsOnAny(w *models.WorkStream, dependents []models.ArtifactRef) bool {
	for _, dep := range dependents {
		if dep.ID == w.ID {
			return true
		}
		for _, ref := range w.ArtifactRefs {
			if ref.ID == dep.ID {
				return true
			}
		}
	}
	return false
}

func dedupSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
