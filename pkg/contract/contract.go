// Package contract manages versioned team contracts and tracked
// assumptions. Contracts evolve through immutable versions; exactly one
// version per (team, name) is active, and activation archives its
// predecessor in the same transaction.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Service owns contract versioning and assumption lifecycle.
type Service struct {
	store store.Store
	pub   *events.Publisher
	guard *access.Controller
}

// NewService wires the contract service.
func NewService(st store.Store, pub *events.Publisher, guard *access.Controller) *Service {
	return &Service{store: st, pub: pub, guard: guard}
}

// CreateContract stores a new contract version as draft. The caller
// activates it separately, or uses EvolveContract for the one-step path.
func (s *Service) CreateContract(ctx context.Context, actor access.Actor, c *models.Contract) (*models.Contract, error) {
	if err := s.guard.Authorize(actor, access.ActionEvolveContract); err != nil {
		return nil, err
	}
	if err := validateContract(c); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c.ID = uuid.New().String()
	c.Status = models.ContractStatusDraft
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.OwnerAgent == "" {
		c.OwnerAgent = actor.AgentID
	}
	if c.OwnerRole == "" {
		c.OwnerRole = actor.RoleID
	}

	if err := s.store.Contracts().Create(ctx, c); err != nil {
		return nil, err
	}
	slog.Info("Contract drafted", "team_id", c.TeamID, "name", c.Name, "version", c.Version, "contract_id", c.ID)
	return c, nil
}

// ActivateContract promotes a draft to active, archiving the previously
// active version of the same (team, name) in the same transaction.
func (s *Service) ActivateContract(ctx context.Context, actor access.Actor, id string) (*models.Contract, error) {
	if err := s.guard.Authorize(actor, access.ActionActivateContract); err != nil {
		return nil, err
	}

	var activated *models.Contract
	staged := s.pub.Stage()
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		activated, err = s.activateTx(ctx, tx, staged, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	staged.Flush(ctx)
	return activated, nil
}

func (s *Service) activateTx(ctx context.Context, tx store.Store, staged *events.Staged, id string) (*models.Contract, error) {
	c, err := tx.Contracts().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ContractStatusDraft {
		return nil, fmt.Errorf("%w: contract %s is %s, only drafts activate", store.ErrConflictingState, id, c.Status)
	}

	prevID := ""
	prev, err := tx.Contracts().GetActiveByName(ctx, c.TeamID, c.Name)
	switch {
	case err == nil:
		prevID = prev.ID
		if err := tx.Contracts().UpdateStatus(ctx, prev.ID, models.ContractStatusDeprecated); err != nil {
			return nil, err
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if err := tx.Contracts().UpdateStatus(ctx, id, models.ContractStatusActive); err != nil {
		return nil, err
	}
	c.Status = models.ContractStatusActive

	if err := staged.Add(ctx, tx, c.TeamID, events.CategoryContract, "activated", events.ContractActivatedPayload{
		ContractID:        c.ID,
		Name:              c.Name,
		Version:           c.Version,
		PreviousVersionID: prevID,
	}); err != nil {
		return nil, err
	}

	slog.Info("Contract activated",
		"team_id", c.TeamID,
		"name", c.Name,
		"version", c.Version,
		"archived_version_id", prevID)
	return c, nil
}

// EvolveContract creates the next version of an existing contract and
// activates it in one transaction. The change set against the currently
// active version is computed here; an empty change set is rejected, and a
// breaking one is flagged on the emitted contract.evolved event for the
// parallel-execution engine to inspect.
func (s *Service) EvolveContract(ctx context.Context, actor access.Actor, teamID, name, newVersion string, spec models.Specification) (*models.Contract, models.ChangeSet, error) {
	if err := s.guard.Authorize(actor, access.ActionEvolveContract); err != nil {
		return nil, models.ChangeSet{}, err
	}
	if !semverRe.MatchString(newVersion) {
		return nil, models.ChangeSet{}, store.NewValidationError("version", "must be semver (MAJOR.MINOR.PATCH)")
	}

	var (
		next    *models.Contract
		changes models.ChangeSet
	)
	staged := s.pub.Stage()
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		prev, err := tx.Contracts().GetActiveByName(ctx, teamID, name)
		if err != nil {
			return fmt.Errorf("active version of %q: %w", name, err)
		}

		changes = DiffSpecifications(prev.Specification, spec)
		if changes.IsEmpty() {
			return store.NewValidationError("changes_from_previous", "empty change set")
		}

		now := time.Now().UTC()
		next = &models.Contract{
			ID:                uuid.New().String(),
			TeamID:            teamID,
			Name:              name,
			Version:           newVersion,
			Type:              prev.Type,
			Status:            models.ContractStatusDraft,
			Specification:     spec,
			OwnerRole:         actor.RoleID,
			OwnerAgent:        actor.AgentID,
			Consumers:         prev.Consumers,
			PreviousVersionID: prev.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Contracts().Create(ctx, next); err != nil {
			return err
		}
		if _, err := s.activateTx(ctx, tx, staged, next.ID); err != nil {
			return err
		}

		return staged.Add(ctx, tx, teamID, events.CategoryContract, "evolved", events.ContractEvolvedPayload{
			ContractID:  next.ID,
			Name:        name,
			FromVersion: prev.Version,
			ToVersion:   newVersion,
			Breaking:    changes.IsBreaking(),
			Changes:     changes,
			Consumers:   prev.Consumers,
		})
	})
	if err != nil {
		return nil, models.ChangeSet{}, err
	}
	staged.Flush(ctx)

	slog.Info("Contract evolved",
		"team_id", teamID,
		"name", name,
		"to_version", newVersion,
		"breaking", changes.IsBreaking())
	return next, changes, nil
}

// ActiveVersion returns the active version for (team, name).
func (s *Service) ActiveVersion(ctx context.Context, teamID, name string) (*models.Contract, error) {
	return s.store.Contracts().GetActiveByName(ctx, teamID, name)
}

func validateContract(c *models.Contract) error {
	if c.TeamID == "" {
		return store.NewValidationError("team_id", "required")
	}
	if c.Name == "" {
		return store.NewValidationError("name", "required")
	}
	if !semverRe.MatchString(c.Version) {
		return store.NewValidationError("version", "must be semver (MAJOR.MINOR.PATCH)")
	}
	return nil
}
