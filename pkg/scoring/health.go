package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crewforge/crewforge/pkg/models"
)

// Scaling recommendations.
const (
	ScaleUp   = "scale_up"
	ScaleDown = "scale_down"
	Maintain  = "maintain"
)

// TeamHealth is the team-level health snapshot.
type TeamHealth struct {
	TeamID                string    `json:"team_id"`
	HealthScore           float64   `json:"health_score"`
	ActiveMembers         int       `json:"active_members"`
	AvgMemberScore        float64   `json:"avg_member_score"`
	UnderperformerRate    float64   `json:"underperformer_rate"`
	Utilization           float64   `json:"utilization"`
	Backlog               int       `json:"backlog"`
	ScalingRecommendation string    `json:"scaling_recommendation"`
	Actions               []string  `json:"actions,omitempty"`
	Issues                []string  `json:"issues,omitempty"`
	AnalyzedAt            time.Time `json:"analyzed_at"`
}

// AnalyzeTeamHealth combines stored member scores, capacity utilization, and
// the ready-task backlog into a health score and a scaling recommendation.
func (s *Scorer) AnalyzeTeamHealth(ctx context.Context, teamID string) (*TeamHealth, error) {
	members, err := s.store.Members().ListByTeamAndState(ctx, teamID, models.MemberStateActive)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	running, err := s.store.Tasks().ListByTeamAndStatus(ctx, teamID, models.TaskStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	ready, err := s.store.Tasks().ListByTeamAndStatus(ctx, teamID, models.TaskStatusReady)
	if err != nil {
		return nil, fmt.Errorf("list ready tasks: %w", err)
	}

	h := &TeamHealth{
		TeamID:        teamID,
		ActiveMembers: len(members),
		Backlog:       len(ready),
		AnalyzedAt:    time.Now().UTC(),
	}

	// Average the stored scores of members that have been scored at least
	// once. An unscored team starts from the neutral 0.5.
	var scoreSum float64
	var scored, under int
	for _, m := range members {
		if m.PerformanceSummary == nil || m.PerformanceSummary.LastScore == 0 {
			continue
		}
		scored++
		scoreSum += m.PerformanceSummary.LastScore
		if m.PerformanceSummary.LastScore < s.cfg.UnderperformerScore {
			under++
		}
	}
	h.AvgMemberScore = 0.5
	if scored > 0 {
		h.AvgMemberScore = scoreSum / float64(scored)
		h.UnderperformerRate = float64(under) / float64(scored)
	}

	if len(members) > 0 {
		h.Utilization = float64(len(running)) / float64(len(members))
	}

	overloaded := h.Utilization > s.cfg.UtilizationHigh
	idle := h.Utilization < s.cfg.UtilizationLow
	backlogged := h.Backlog > s.cfg.BacklogScaleUpThreshold

	if len(members) == 0 {
		h.Issues = append(h.Issues, "no active members")
		h.Actions = append(h.Actions, "add members before dispatching tasks")
	}
	if h.UnderperformerRate > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d of %d scored members below %.2f", under, scored, s.cfg.UnderperformerScore))
		h.Actions = append(h.Actions, "review underperforming members' recommendations")
	}
	if overloaded {
		h.Issues = append(h.Issues, fmt.Sprintf("utilization %.2f above %.2f", h.Utilization, s.cfg.UtilizationHigh))
		h.Actions = append(h.Actions, "add capacity or pause intake")
	}
	if backlogged {
		h.Issues = append(h.Issues, fmt.Sprintf("ready backlog %d above %d", h.Backlog, s.cfg.BacklogScaleUpThreshold))
		h.Actions = append(h.Actions, "scale up to drain the ready backlog")
	}
	if idle && h.Backlog == 0 && len(members) > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("utilization %.2f below %.2f with empty backlog", h.Utilization, s.cfg.UtilizationLow))
		h.Actions = append(h.Actions, "retire standby members or pull in work")
	}

	h.HealthScore = clampUnit(0.5*h.AvgMemberScore +
		0.3*(1-h.UnderperformerRate) +
		0.2*capacityScore(overloaded, backlogged))

	switch {
	case backlogged || overloaded:
		h.ScalingRecommendation = ScaleUp
	case idle && h.Backlog == 0 && len(members) > 0:
		h.ScalingRecommendation = ScaleDown
	default:
		h.ScalingRecommendation = Maintain
	}

	slog.Info("Team health analyzed",
		"team_id", teamID,
		"health_score", h.HealthScore,
		"utilization", h.Utilization,
		"backlog", h.Backlog,
		"recommendation", h.ScalingRecommendation)
	return h, nil
}

// capacityScore grades the capacity picture: full marks when neither the
// utilization band nor the backlog threshold is breached, half for one
// breach, a quarter for both.
func capacityScore(overloaded, backlogged bool) float64 {
	switch {
	case overloaded && backlogged:
		return 0.25
	case overloaded || backlogged:
		return 0.5
	default:
		return 1.0
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
