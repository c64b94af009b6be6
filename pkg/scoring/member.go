// Package scoring turns execution data into performance signals: member
// scores over a trailing window, team health with a scaling recommendation,
// and blueprint scores used when composing a team for a requirement.
package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/healing"
	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/store"
)

// Scoring component names.
const (
	ComponentCompletion    = "completion"
	ComponentSpeed         = "speed"
	ComponentQuality       = "quality"
	ComponentCollaboration = "collaboration"
)

// Trend directions.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDegrading = "degrading"
)

// MemberScore is the scored snapshot for one (team, agent).
type MemberScore struct {
	TeamID          string             `json:"team_id"`
	AgentID         string             `json:"agent_id"`
	Score           float64            `json:"score"`
	Grade           string             `json:"grade"`
	Components      map[string]float64 `json:"components"`
	Strengths       []string           `json:"strengths,omitempty"`
	Improvements    []string           `json:"improvements,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Trend           string             `json:"trend"`
	ScoredAt        time.Time          `json:"scored_at"`
}

// Scorer computes member, team, and blueprint scores.
type Scorer struct {
	store     store.Store
	cfg       *config.ScoringConfig
	blueprint *config.BlueprintWeights
	history   HistoryMetrics
}

// HistoryMetrics is the slice of the execution history logger that
// blueprint scoring needs. healing.Logger satisfies it.
type HistoryMetrics interface {
	Metrics(ctx context.Context, taskName string, days int) (*healing.TaskMetrics, error)
}

// NewScorer creates a scorer. history may be nil; blueprint historical
// success then falls back to the neutral 0.5.
func NewScorer(st store.Store, cfg *config.ScoringConfig, blueprint *config.BlueprintWeights, history HistoryMetrics) *Scorer {
	if cfg == nil {
		cfg = config.DefaultScoringConfig()
	}
	if blueprint == nil {
		blueprint = config.DefaultBlueprintWeights()
	}
	return &Scorer{store: st, cfg: cfg, blueprint: blueprint, history: history}
}

// ScoreMember scores one member from their task record and persists the
// summary on the membership row. The trend compares against the previously
// stored score.
func (s *Scorer) ScoreMember(ctx context.Context, teamID, agentID string) (*MemberScore, error) {
	member, err := s.store.Members().Get(ctx, teamID, agentID)
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	tasks, err := s.store.Tasks().ListByTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var assigned, completed, failed int
	for _, task := range tasks {
		if task.AssignedTo != agentID {
			continue
		}
		assigned++
		switch task.Status {
		case models.TaskStatusCompleted:
			completed++
		case models.TaskStatusFailed:
			failed++
		}
	}

	components := map[string]float64{
		ComponentCompletion:    completionRate(completed, assigned),
		ComponentSpeed:         s.speedScore(member, tasks),
		ComponentQuality:       qualityScore(completed, failed),
		ComponentCollaboration: s.collaborationScore(ctx, teamID, agentID),
	}

	w := s.cfg.MemberWeights
	score := w.Completion*components[ComponentCompletion] +
		w.Speed*components[ComponentSpeed] +
		w.Quality*components[ComponentQuality] +
		w.Collaboration*components[ComponentCollaboration]

	out := &MemberScore{
		TeamID:     teamID,
		AgentID:    agentID,
		Score:      score,
		Grade:      grade(score),
		Components: components,
		Trend:      trendAgainst(member.PerformanceSummary, score),
		ScoredAt:   time.Now().UTC(),
	}
	annotate(out)

	summary := models.PerformanceSummary{
		TasksCompleted: completed,
		TasksFailed:    failed,
		LastScore:      score,
	}
	if member.PerformanceSummary != nil {
		summary.AvgDurationSec = member.PerformanceSummary.AvgDurationSec
	}
	if err := s.store.Members().UpdatePerformance(ctx, teamID, agentID, summary); err != nil {
		return nil, fmt.Errorf("store performance summary: %w", err)
	}
	return out, nil
}

func completionRate(completed, assigned int) float64 {
	if assigned == 0 {
		return 0.5
	}
	return float64(completed) / float64(assigned)
}

// qualityScore is one minus the failure rate over finished tasks.
func qualityScore(completed, failed int) float64 {
	finished := completed + failed
	if finished == 0 {
		return 0.5
	}
	return 1 - float64(failed)/float64(finished)
}

// speedScore compares the member's average task duration against the team
// average through a step curve. Members without duration data score the
// neutral 0.5.
func (s *Scorer) speedScore(member *models.TeamMember, tasks []*models.Task) float64 {
	if member.PerformanceSummary == nil || member.PerformanceSummary.AvgDurationSec <= 0 {
		return 0.5
	}
	teamAvg := teamAvgDuration(tasks)
	if teamAvg <= 0 {
		return 0.5
	}
	ratio := member.PerformanceSummary.AvgDurationSec / teamAvg
	switch {
	case ratio <= 0.75:
		return 1.0
	case ratio <= 1.0:
		return 0.8
	case ratio <= 1.25:
		return 0.6
	case ratio <= 1.5:
		return 0.4
	default:
		return 0.2
	}
}

// teamAvgDuration approximates the team's rolling average task duration
// from completed task timestamps.
func teamAvgDuration(tasks []*models.Task) float64 {
	var total float64
	var n int
	for _, task := range tasks {
		if task.Status != models.TaskStatusCompleted {
			continue
		}
		d := task.UpdatedAt.Sub(task.CreatedAt).Seconds()
		if d <= 0 {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// collaborationScore is the member's participation rate in the team's
// convergence sessions. Teams with no sessions yet score the neutral 0.5.
func (s *Scorer) collaborationScore(ctx context.Context, teamID, agentID string) float64 {
	sessions, err := s.store.Convergences().ListByTeam(ctx, teamID)
	if err != nil || len(sessions) == 0 {
		return 0.5
	}
	participated := 0
	for _, session := range sessions {
		for _, p := range session.Participants {
			if p == agentID {
				participated++
				break
			}
		}
	}
	return float64(participated) / float64(len(sessions))
}

func trendAgainst(prev *models.PerformanceSummary, score float64) string {
	if prev == nil || prev.LastScore == 0 {
		return TrendStable
	}
	switch delta := score - prev.LastScore; {
	case delta > 0.05:
		return TrendImproving
	case delta < -0.05:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// annotate derives strengths, improvements, and recommendations from the
// component scores.
func annotate(score *MemberScore) {
	names := make([]string, 0, len(score.Components))
	for name := range score.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := score.Components[name]
		switch {
		case v >= 0.8:
			score.Strengths = append(score.Strengths, name)
		case v < 0.5:
			score.Improvements = append(score.Improvements, name)
			score.Recommendations = append(score.Recommendations, recommendationFor(name))
		}
	}
}

func recommendationFor(component string) string {
	switch component {
	case ComponentCompletion:
		return "close out assigned tasks before taking new ones"
	case ComponentSpeed:
		return "break tasks down; long-running tasks drag the average"
	case ComponentQuality:
		return "add verification before marking tasks complete"
	case ComponentCollaboration:
		return "join convergence sessions affecting your streams"
	default:
		return "review recent task outcomes for " + component
	}
}

// grade maps a score in [0,1] to a letter grade.
func grade(score float64) string {
	switch {
	case score >= 0.95:
		return "A+"
	case score >= 0.90:
		return "A"
	case score >= 0.80:
		return "B"
	case score >= 0.70:
		return "C"
	case score >= 0.60:
		return "D"
	default:
		return "F"
	}
}
