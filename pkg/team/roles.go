package team

import (
	"context"
	"errors"
	"time"

	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

// StandardRole is one entry of the built-in role template applied to every
// new team.
type StandardRole struct {
	ID          string
	Description string
	Required    bool
	Priority    int
}

// StandardRoles returns the default role set for a software delivery team.
// Priority 1 roles are staffed first when scaling.
func StandardRoles() []StandardRole {
	return []StandardRole{
		{ID: "product_owner", Description: "Owns requirements and acceptance", Required: true, Priority: 1},
		{ID: "tech_lead", Description: "Owns architecture and technical decisions", Required: true, Priority: 1},
		{ID: "security_auditor", Description: "Reviews designs and changes for security risk", Required: false, Priority: 2},
		{ID: "backend_dev", Description: "Implements services and data layers", Required: true, Priority: 2},
		{ID: "frontend_dev", Description: "Implements user-facing surfaces", Required: true, Priority: 2},
		{ID: "qa_lead", Description: "Owns test strategy and validation sign-off", Required: true, Priority: 2},
		{ID: "devops_lead", Description: "Owns build, deployment and runtime operations", Required: false, Priority: 3},
	}
}

// InitializeStandardRoles seeds the standard role set for a team. Roles that
// already exist are left untouched, so the call is safe to repeat.
func (m *Manager) InitializeStandardRoles(ctx context.Context, teamID string) error {
	return m.store.WithinTx(ctx, func(tx store.Store) error {
		return seedStandardRoles(ctx, tx, teamID)
	})
}

func seedStandardRoles(ctx context.Context, tx store.Store, teamID string) error {
	existing, err := tx.Roles().ListByTeam(ctx, teamID)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(existing))
	for _, r := range existing {
		present[r.RoleID] = true
	}

	now := time.Now().UTC()
	for _, sr := range StandardRoles() {
		if present[sr.ID] {
			continue
		}
		role := &models.Role{
			RoleID:      sr.ID,
			TeamID:      teamID,
			Description: sr.Description,
			IsRequired:  sr.Required,
			Priority:    sr.Priority,
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Roles().Create(ctx, role); err != nil {
			if errors.Is(err, store.ErrConflictingState) {
				continue
			}
			return err
		}
	}
	return nil
}
