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
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

// TriggerConvergence opens a convergence session over a set of open
// conflicts, halts every active stream owned by a participant, and emits
// convergence.triggered. Sessions never nest: a second trigger while one is
// open fails with ErrConflictingState.
//
// participants defaults to the union of the conflicts' affected agents.
func (c *Coordinator) TriggerConvergence(ctx context.Context, actor access.Actor, teamID, triggerType, description string, conflictIDs, participants []string) (*models.ConvergenceSession, error) {
	if err := c.guard.Authorize(actor, access.ActionProposeDecision); err != nil {
		return nil, err
	}
	if triggerType == "" {
		return nil, store.NewValidationError("trigger_type", "required")
	}
	if len(conflictIDs) == 0 {
		return nil, store.NewValidationError("conflict_ids", "at least one conflict required")
	}

	unlock := c.locks.lock(teamID)
	defer unlock()

	if open, err := c.store.Convergences().GetOpenByTeam(ctx, teamID); err == nil {
		return nil, fmt.Errorf("%w: convergence session %s is already open", store.ErrConflictingState, open.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check open convergence: %w", err)
	}

	now := time.Now().UTC()
	session := &models.ConvergenceSession{
		ID:          uuid.New().String(),
		TeamID:      teamID,
		TriggerType: triggerType,
		Description: description,
		ConflictIDs: conflictIDs,
		Status:      models.ConvergenceStatusOpen,
		StartedAt:   now,
		UpdatedAt:   now,
	}

	var halted int
	staged := c.pub.Stage()
	err := c.store.WithinTx(ctx, func(tx store.Store) error {
		var fromConflicts []string
		for _, id := range conflictIDs {
			conflict, err := tx.Conflicts().Get(ctx, id)
			if err != nil {
				return fmt.Errorf("get conflict %s: %w", id, err)
			}
			if conflict.TeamID != teamID {
				return store.NewValidationError("conflict_ids", "conflict "+id+" belongs to another team")
			}
			if conflict.Status != models.ConflictStatusOpen {
				return fmt.Errorf("%w: conflict %s is %s", store.ErrConflictingState, id, conflict.Status)
			}
			if err := tx.Conflicts().UpdateStatus(ctx, id, models.ConflictStatusUnderConvergence, nil); err != nil {
				return fmt.Errorf("mark conflict %s: %w", id, err)
			}
			fromConflicts = append(fromConflicts, conflict.AffectedAgents...)
		}

		session.Participants = dedupSorted(participants)
		if len(session.Participants) == 0 {
			session.Participants = dedupSorted(fromConflicts)
		}

		n, err := c.haltParticipantStreams(ctx, tx, staged, teamID, session.Participants)
		if err != nil {
			return err
		}
		halted = n

		if err := tx.Convergences().Create(ctx, session); err != nil {
			return fmt.Errorf("create convergence session: %w", err)
		}
		return staged.Add(ctx, tx, teamID, events.CategoryConvergence, "triggered",
			events.ConvergenceTriggeredPayload{
				SessionID:    session.ID,
				TriggerType:  triggerType,
				Participants: session.Participants,
				ConflictIDs:  conflictIDs,
			})
	})
	if err != nil {
		return nil, err
	}
	staged.Flush(ctx)

	if c.metrics != nil {
		c.metrics.Convergences.Inc()
		c.metrics.ActiveStreams.Sub(float64(halted))
	}
	slog.Info("Convergence session opened",
		"team_id", teamID,
		"session_id", session.ID,
		"trigger_type", triggerType,
		"conflicts", len(conflictIDs),
		"streams_halted", halted)
	return session, nil
}

// CompleteConvergence closes an open session: the referenced conflicts
// resolve, the recorded decisions and updated artifacts attach to the
// session, rework hours are booked, and the halted participant streams
// resume.
func (c *Coordinator) CompleteConvergence(ctx context.Context, actor access.Actor, sessionID string, decisions []models.ConvergenceDecision, artifactsUpdated []models.ArtifactRef, reworkHours float64) (*models.ConvergenceSession, error) {
	if err := c.guard.Authorize(actor, access.ActionProposeDecision); err != nil {
		return nil, err
	}
	if reworkHours < 0 {
		return nil, store.NewValidationError("rework_hours_actual", "must not be negative")
	}

	session, err := c.store.Convergences().Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get convergence session: %w", err)
	}

	unlock := c.locks.lock(session.TeamID)
	defer unlock()

	// Re-read under the lock: the session may have closed meanwhile.
	session, err = c.store.Convergences().Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get convergence session: %w", err)
	}
	if session.Status != models.ConvergenceStatusOpen {
		return nil, fmt.Errorf("%w: convergence session %s is %s", store.ErrConflictingState, sessionID, session.Status)
	}

	now := time.Now().UTC()
	session.Decisions = append(session.Decisions, decisions...)
	session.ArtifactsUpdated = append(session.ArtifactsUpdated, artifactsUpdated...)
	session.ReworkHours = reworkHours
	session.Status = models.ConvergenceStatusCompleted
	session.EndedAt = &now
	session.UpdatedAt = now

	var resumed int
	staged := c.pub.Stage()
	err = c.store.WithinTx(ctx, func(tx store.Store) error {
		for _, id := range session.ConflictIDs {
			if err := tx.Conflicts().UpdateStatus(ctx, id, models.ConflictStatusResolved, &now); err != nil {
				return fmt.Errorf("resolve conflict %s: %w", id, err)
			}
		}
		n, err := c.resumeParticipantStreams(ctx, tx, staged, session.TeamID, session.Participants)
		if err != nil {
			return err
		}
		resumed = n

		if err := tx.Convergences().Update(ctx, session); err != nil {
			return fmt.Errorf("update convergence session: %w", err)
		}
		return staged.Add(ctx, tx, session.TeamID, events.CategoryConvergence, "completed",
			events.ConvergenceCompletedPayload{
				SessionID:     session.ID,
				DecisionCount: len(session.Decisions),
				ReworkHours:   reworkHours,
			})
	})
	if err != nil {
		return nil, err
	}
	staged.Flush(ctx)

	if c.metrics != nil {
		c.metrics.ActiveStreams.Add(float64(resumed))
	}
	slog.Info("Convergence session completed",
		"team_id", session.TeamID,
		"session_id", session.ID,
		"decisions", len(session.Decisions),
		"rework_hours", reworkHours,
		"streams_resumed", resumed)
	return session, nil
}

// AbandonConvergence closes an open session without resolving anything: the
// conflicts reopen and the halted streams resume.
func (c *Coordinator) AbandonConvergence(ctx context.Context, actor access.Actor, sessionID, reason string) (*models.ConvergenceSession, error) {
	if err := c.guard.Authorize(actor, access.ActionProposeDecision); err != nil {
		return nil, err
	}

	session, err := c.store.Convergences().Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get convergence session: %w", err)
	}

	unlock := c.locks.lock(session.TeamID)
	defer unlock()

	session, err = c.store.Convergences().Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get convergence session: %w", err)
	}
	if session.Status != models.ConvergenceStatusOpen {
		return nil, fmt.Errorf("%w: convergence session %s is %s", store.ErrConflictingState, sessionID, session.Status)
	}

	now := time.Now().UTC()
	if reason != "" {
		session.Description = session.Description + " (abandoned: " + reason + ")"
	}
	session.Status = models.ConvergenceStatusAbandoned
	session.EndedAt = &now
	session.UpdatedAt = now

	var resumed int
	staged := c.pub.Stage()
	err = c.store.WithinTx(ctx, func(tx store.Store) error {
		for _, id := range session.ConflictIDs {
			if err := tx.Conflicts().UpdateStatus(ctx, id, models.ConflictStatusOpen, nil); err != nil {
				return fmt.Errorf("reopen conflict %s: %w", id, err)
			}
		}
		n, err := c.resumeParticipantStreams(ctx, tx, staged, session.TeamID, session.Participants)
		if err != nil {
			return err
		}
		resumed = n

		if err := tx.Convergences().Update(ctx, session); err != nil {
			return fmt.Errorf("update convergence session: %w", err)
		}
		return staged.Add(ctx, tx, session.TeamID, events.CategoryConvergence, "abandoned",
			events.ConvergenceCompletedPayload{
				SessionID:     session.ID,
				DecisionCount: len(session.Decisions),
				ReworkHours:   session.ReworkHours,
			})
	})
	if err != nil {
		return nil, err
	}
	staged.Flush(ctx)

	if c.metrics != nil {
		c.metrics.ActiveStreams.Add(float64(resumed))
	}
	return session, nil
}

// haltParticipantStreams moves every active stream owned by a participant to
// halted and stages the stream.halted events.
func (c *Coordinator) haltParticipantStreams(ctx context.Context, tx store.Store, staged *events.Staged, teamID string, participants []string) (int, error) {
	if len(participants) == 0 {
		return 0, nil
	}
	members := make(map[string]bool, len(participants))
	for _, p := range participants {
		members[p] = true
	}
	streams, err := tx.Streams().ListActiveByTeam(ctx, teamID)
	if err != nil {
		return 0, fmt.Errorf("list active streams: %w", err)
	}
	halted := 0
	for _, w := range streams {
		if !members[w.AgentID] {
			continue
		}
		if err := tx.Streams().UpdateStreamStatus(ctx, w.ID, models.StreamStatusHalted); err != nil {
			return 0, fmt.Errorf("halt stream %s: %w", w.ID, err)
		}
		if err := staged.Add(ctx, tx, teamID, events.CategoryStream, string(models.StreamStatusHalted),
			events.StreamStatusPayload{SessionID: w.SessionID, StreamID: w.ID, Status: models.StreamStatusHalted}); err != nil {
			return 0, err
		}
		halted++
	}
	return halted, nil
}

// resumeParticipantStreams moves the participants' halted streams back to
// active and stages the stream.active events.
func (c *Coordinator) resumeParticipantStreams(ctx context.Context, tx store.Store, staged *events.Staged, teamID string, participants []string) (int, error) {
	if len(participants) == 0 {
		return 0, nil
	}
	members := make(map[string]bool, len(participants))
	for _, p := range participants {
		members[p] = true
	}
	streams, err := tx.Streams().ListByTeam(ctx, teamID)
	if err != nil {
		return 0, fmt.Errorf("list streams: %w", err)
	}
	resumed := 0
	for _, w := range streams {
		if w.Status != models.StreamStatusHalted || !members[w.AgentID] {
			continue
		}
		if err := tx.Streams().UpdateStreamStatus(ctx, w.ID, models.StreamStatusActive); err != nil {
			return 0, fmt.Errorf("resume stream %s: %w", w.ID, err)
		}
		if err := staged.Add(ctx, tx, teamID, events.CategoryStream, string(models.StreamStatusActive),
			events.StreamStatusPayload{SessionID: w.SessionID, StreamID: w.ID, Status: models.StreamStatusActive}); err != nil {
			return 0, err
		}
		resumed++
	}
	return resumed, nil
}
