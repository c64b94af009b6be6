package contract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

// TrackAssumption records a tentative assumption made by an agent, linked to
// the artifact it was made about and the artifacts that depend on it.
func (s *Service) TrackAssumption(ctx context.Context, a *models.Assumption) (*models.Assumption, error) {
	if a.TeamID == "" {
		return nil, store.NewValidationError("team_id", "required")
	}
	if a.MadeByAgent == "" {
		return nil, store.NewValidationError("made_by_agent", "required")
	}
	if a.Text == "" {
		return nil, store.NewValidationError("text", "required")
	}

	now := time.Now().UTC()
	a.ID = uuid.New().String()
	a.Status = models.AssumptionStatusTentative
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := s.store.Assumptions().Create(ctx, a); err != nil {
		return nil, err
	}
	slog.Info("Assumption tracked",
		"team_id", a.TeamID,
		"assumption_id", a.ID,
		"made_by", a.MadeByAgent,
		"dependents", len(a.DependentArtifacts))
	return a, nil
}

// ValidateAssumption confirms a tentative assumption.
func (s *Service) ValidateAssumption(ctx context.Context, id, validatedBy string) (*models.Assumption, error) {
	var out *models.Assumption
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		a, err := tx.Assumptions().Get(ctx, id)
		if err != nil {
			return err
		}
		if !a.Status.CanTransitionTo(models.AssumptionStatusValidated) {
			return fmt.Errorf("%w: assumption %s is %s", store.ErrConflictingState, id, a.Status)
		}
		now := time.Now().UTC()
		a.Status = models.AssumptionStatusValidated
		a.ValidatedAt = &now
		a.ValidatedBy = validatedBy
		a.UpdatedAt = now
		if err := tx.Assumptions().Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// InvalidateAssumption moves an assumption to its terminal invalidated state
// and emits assumption.invalidated so the parallel-execution engine can
// raise conflicts for dependent artifacts. Invalidation is irreversible.
func (s *Service) InvalidateAssumption(ctx context.Context, id, invalidatedBy, notes string) (*models.Assumption, error) {
	var out *models.Assumption
	staged := s.pub.Stage()
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		a, err := tx.Assumptions().Get(ctx, id)
		if err != nil {
			return err
		}
		if !a.Status.CanTransitionTo(models.AssumptionStatusInvalidated) {
			return fmt.Errorf("%w: assumption %s is %s", store.ErrConflictingState, id, a.Status)
		}
		now := time.Now().UTC()
		a.Status = models.AssumptionStatusInvalidated
		a.InvalidatedAt = &now
		a.InvalidatedBy = invalidatedBy
		a.InvalidationNotes = notes
		a.UpdatedAt = now
		if err := tx.Assumptions().Update(ctx, a); err != nil {
			return err
		}
		out = a
		return staged.Add(ctx, tx, a.TeamID, events.CategoryAssumption, "invalidated", events.AssumptionInvalidatedPayload{
			AssumptionID:       a.ID,
			MadeByAgent:        a.MadeByAgent,
			InvalidatedBy:      invalidatedBy,
			Notes:              notes,
			DependentArtifacts: a.DependentArtifacts,
		})
	})
	if err != nil {
		return nil, err
	}
	staged.Flush(ctx)

	slog.Info("Assumption invalidated",
		"team_id", out.TeamID,
		"assumption_id", id,
		"invalidated_by", invalidatedBy,
		"dependents", len(out.DependentArtifacts))
	return out, nil
}
