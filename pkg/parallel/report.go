package parallel

import (
	"context"
	"fmt"

	"github.com/crewforge/crewforge/pkg/models"
)

// Report aggregates a team's conflict and convergence history. Scoring
// consumes ReworkEfficiency as the cost signal for parallelization.
type Report struct {
	TotalConflicts        int     `json:"total_conflicts"`
	ResolvedConflicts     int     `json:"resolved_conflicts"`
	TotalConvergences     int     `json:"total_convergences"`
	AvgConvergenceMinutes float64 `json:"average_convergence_minutes"`

	// ReworkEfficiency is 1 - rework / (rework + productive), computed over
	// booked rework hours and stream productive hours. No hours at all
	// reports 1.0: nothing was wasted.
	ReworkEfficiency float64 `json:"rework_efficiency"`
}

// Metrics computes the report for one team.
func (c *Coordinator) Metrics(ctx context.Context, teamID string) (*Report, error) {
	conflicts, err := c.store.Conflicts().ListByTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	sessions, err := c.store.Convergences().ListByTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("list convergence sessions: %w", err)
	}
	streams, err := c.store.Streams().ListByTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}

	r := &Report{TotalConflicts: len(conflicts), TotalConvergences: len(sessions)}
	for _, conflict := range conflicts {
		if conflict.Status == models.ConflictStatusResolved {
			r.ResolvedConflicts++
		}
	}

	var reworkHours, totalMinutes float64
	completed := 0
	for _, s := range sessions {
		reworkHours += s.ReworkHours
		if s.Status == models.ConvergenceStatusCompleted && s.EndedAt != nil {
			totalMinutes += s.EndedAt.Sub(s.StartedAt).Minutes()
			completed++
		}
	}
	if completed > 0 {
		r.AvgConvergenceMinutes = totalMinutes / float64(completed)
	}

	var productiveHours float64
	for _, w := range streams {
		productiveHours += w.ProductiveHours
	}
	if total := reworkHours + productiveHours; total > 0 {
		r.ReworkEfficiency = 1 - reworkHours/total
	} else {
		r.ReworkEfficiency = 1
	}
	return r, nil
}
