// Package parallel coordinates speculative work streams that proceed
// concurrently against a shared minimum viable definition (MVD). It detects
// contract breaches and invalidated assumptions across active streams and
// runs the convergence sessions that reconcile the resulting rework.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/metrics"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

// ErrStaleContractReference is returned when a stream output references a
// contract version that is no longer active. The attempt also raises a
// conflict so the stale stream converges instead of silently drifting.
var ErrStaleContractReference = errors.New("stale contract reference")

// StreamSpec describes one work stream to seed from an MVD.
type StreamSpec struct {
	Role               string   `json:"role"`
	AgentID            string   `json:"agent_id"`
	StreamType         string   `json:"stream_type"`
	InitialTask        string   `json:"initial_task"`
	ContractVersionIDs []string `json:"contract_version_ids,omitempty"`
}

// Coordinator owns parallel stream sessions, conflict detection, and
// convergence for a deployment. All mutations for one team serialize on a
// per-team lock; at most one convergence session is open per team.
type Coordinator struct {
	store   store.Store
	pub     *events.Publisher
	guard   *access.Controller
	metrics *metrics.Registry
	locks   *keyedLocks
}

// NewCoordinator creates a coordinator. reg may be nil when gauges are not
// wanted (tests).
func NewCoordinator(st store.Store, pub *events.Publisher, guard *access.Controller, reg *metrics.Registry) *Coordinator {
	return &Coordinator{
		store:   st,
		pub:     pub,
		guard:   guard,
		metrics: reg,
		locks:   newKeyedLocks(),
	}
}

// StartParallelWorkStreams records a stream session seeded from the MVD and
// opens one active stream per spec. Every contract version a stream declares
// a dependency on must be active at start time.
func (c *Coordinator) StartParallelWorkStreams(ctx context.Context, actor access.Actor, teamID, mvdRef string, specs []StreamSpec) (*models.StreamSession, []*models.WorkStream, error) {
	if err := c.guard.Authorize(actor, access.ActionCreateTask); err != nil {
		return nil, nil, err
	}
	if mvdRef == "" {
		return nil, nil, store.NewValidationError("mvd_ref", "required")
	}
	if len(specs) == 0 {
		return nil, nil, store.NewValidationError("streams", "at least one stream required")
	}
	for i, spec := range specs {
		if spec.Role == "" || spec.AgentID == "" || spec.InitialTask == "" {
			return nil, nil, store.NewValidationError(
				fmt.Sprintf("streams[%d]", i), "role, agent_id and initial_task are required")
		}
	}

	unlock := c.locks.lock(teamID)
	defer unlock()

	for _, spec := range specs {
		for _, cvID := range spec.ContractVersionIDs {
			if err := c.requireActiveContract(ctx, cvID); err != nil {
				return nil, nil, err
			}
		}
	}

	now := time.Now().UTC()
	session := &models.StreamSession{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		MVDRef:    mvdRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	streams := make([]*models.WorkStream, 0, len(specs))
	for _, spec := range specs {
		w := &models.WorkStream{
			ID:                 uuid.New().String(),
			SessionID:          session.ID,
			TeamID:             teamID,
			Role:               spec.Role,
			AgentID:            spec.AgentID,
			StreamType:         spec.StreamType,
			InitialTask:        spec.InitialTask,
			Status:             models.StreamStatusActive,
			ContractVersionIDs: spec.ContractVersionIDs,
			StartedAt:          now,
			UpdatedAt:          now,
		}
		session.StreamIDs = append(session.StreamIDs, w.ID)
		streams = append(streams, w)
	}

	staged := c.pub.Stage()
	err := c.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Streams().CreateSession(ctx, session); err != nil {
			return fmt.Errorf("create stream session: %w", err)
		}
		for _, w := range streams {
			if err := tx.Streams().CreateStream(ctx, w); err != nil {
				return fmt.Errorf("create stream %s: %w", w.ID, err)
			}
			if err := staged.Add(ctx, tx, teamID, events.CategoryStream, string(models.StreamStatusActive),
				events.StreamStatusPayload{SessionID: session.ID, StreamID: w.ID, Status: models.StreamStatusActive}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	staged.Flush(ctx)

	if c.metrics != nil {
		c.metrics.ActiveStreams.Add(float64(len(streams)))
	}
	slog.Info("Parallel work streams started",
		"team_id", teamID,
		"session_id", session.ID,
		"mvd_ref", mvdRef,
		"streams", len(streams))
	return session, streams, nil
}

// RecordStreamOutput attaches produced artifacts and productive hours to an
// active stream. Outputs that reference an archived contract version fail
// with ErrStaleContractReference and raise a contract breach conflict for
// the stream's agent.
func (c *Coordinator) RecordStreamOutput(ctx context.Context, streamID string, refs []models.ArtifactRef, contractVersionIDs []string, productiveHours float64) error {
	if productiveHours < 0 {
		return store.NewValidationError("productive_hours", "must not be negative")
	}
	w, err := c.store.Streams().GetStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	unlock := c.locks.lock(w.TeamID)
	defer unlock()

	if w.Status != models.StreamStatusActive {
		return fmt.Errorf("%w: stream %s is %s", store.ErrConflictingState, streamID, w.Status)
	}

	versions := contractVersionIDs
	if len(versions) == 0 {
		versions = w.ContractVersionIDs
	}
	for _, cvID := range versions {
		if err := c.requireActiveContract(ctx, cvID); err != nil {
			if errors.Is(err, ErrStaleContractReference) {
				c.raiseStaleReferenceConflict(ctx, w, cvID)
			}
			return err
		}
	}

	return c.store.WithinTx(ctx, func(tx store.Store) error {
		if len(refs) > 0 {
			if err := tx.Streams().AddStreamArtifacts(ctx, streamID, refs); err != nil {
				return fmt.Errorf("add stream artifacts: %w", err)
			}
		}
		if productiveHours > 0 {
			if err := tx.Streams().AddProductiveHours(ctx, streamID, productiveHours); err != nil {
				return fmt.Errorf("add productive hours: %w", err)
			}
		}
		return nil
	})
}

// CompleteStream marks a stream completed. Halted streams complete too; the
// convergence that halted them may conclude some streams need no rework.
func (c *Coordinator) CompleteStream(ctx context.Context, streamID string) error {
	w, err := c.store.Streams().GetStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	unlock := c.locks.lock(w.TeamID)
	defer unlock()

	switch w.Status {
	case models.StreamStatusActive, models.StreamStatusHalted:
	default:
		return fmt.Errorf("%w: stream %s is %s", store.ErrConflictingState, streamID, w.Status)
	}

	staged := c.pub.Stage()
	err = c.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.Streams().UpdateStreamStatus(ctx, streamID, models.StreamStatusCompleted); err != nil {
			return fmt.Errorf("complete stream: %w", err)
		}
		return staged.Add(ctx, tx, w.TeamID, events.CategoryStream, string(models.StreamStatusCompleted),
			events.StreamStatusPayload{SessionID: w.SessionID, StreamID: w.ID, Status: models.StreamStatusCompleted})
	})
	if err != nil {
		return err
	}
	staged.Flush(ctx)

	if c.metrics != nil && w.Status == models.StreamStatusActive {
		c.metrics.ActiveStreams.Dec()
	}
	return nil
}

// requireActiveContract resolves a contract version and checks it is still
// the active one.
func (c *Coordinator) requireActiveContract(ctx context.Context, contractID string) error {
	ct, err := c.store.Contracts().Get(ctx, contractID)
	if err != nil {
		return fmt.Errorf("get contract %s: %w", contractID, err)
	}
	if ct.Status != models.ContractStatusActive {
		return fmt.Errorf("%w: contract %s (%s %s) is %s",
			ErrStaleContractReference, ct.ID, ct.Name, ct.Version, ct.Status)
	}
	return nil
}
