package scoring

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/crewforge/crewforge/pkg/store"
)

// Level buckets requirements and blueprints for the alignment matrices.
type Level string

// Alignment levels.
const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Blueprint-scoring dimension names.
const (
	DimensionParallelizability   = "parallelizability"
	DimensionExpertiseCoverage   = "expertise_coverage"
	DimensionComplexityAlignment = "complexity_alignment"
	DimensionHistoricalSuccess   = "historical_success"
)

// Requirement describes the work a team is being composed for.
type Requirement struct {
	Name              string   `json:"name"`
	Complexity        Level    `json:"complexity"`
	Parallelizability Level    `json:"parallelizability"`
	RequiredExpertise []string `json:"required_expertise"`
}

// Blueprint is a candidate team template.
type Blueprint struct {
	Name            string   `json:"name"`
	Roles           []string `json:"roles"`
	ParallelStreams int      `json:"parallel_streams"`
	Complexity      Level    `json:"complexity"`
	Expertise       []string `json:"expertise"`
}

// BlueprintScore is one candidate's weighted score with its per-dimension
// breakdown.
type BlueprintScore struct {
	BlueprintName string             `json:"blueprint_name"`
	Score         float64            `json:"score"`
	Dimensions    map[string]float64 `json:"dimensions"`
	ScoredAt      time.Time          `json:"scored_at"`
}

// ScoreBlueprint scores one blueprint against a requirement. Historical
// success comes from the execution history logger when one is wired;
// blueprints without history score the neutral 0.5 there.
func (s *Scorer) ScoreBlueprint(ctx context.Context, req Requirement, bp Blueprint) (*BlueprintScore, error) {
	if bp.Name == "" {
		return nil, store.NewValidationError("blueprint_name", "required")
	}

	dims := map[string]float64{
		DimensionParallelizability:   levelAlignment(req.Parallelizability, streamLevel(bp.ParallelStreams)),
		DimensionExpertiseCoverage:   expertiseCoverage(req.RequiredExpertise, bp.Expertise),
		DimensionComplexityAlignment: levelAlignment(req.Complexity, bp.Complexity),
		DimensionHistoricalSuccess:   s.historicalSuccess(ctx, bp.Name),
	}

	w := s.blueprint
	score := w.Parallelizability*dims[DimensionParallelizability] +
		w.ExpertiseCoverage*dims[DimensionExpertiseCoverage] +
		w.ComplexityAlignment*dims[DimensionComplexityAlignment] +
		w.HistoricalSuccess*dims[DimensionHistoricalSuccess]

	return &BlueprintScore{
		BlueprintName: bp.Name,
		Score:         score,
		Dimensions:    dims,
		ScoredAt:      time.Now().UTC(),
	}, nil
}

// RankBlueprints scores every candidate and returns them best first. Ties
// break on name for a stable order.
func (s *Scorer) RankBlueprints(ctx context.Context, req Requirement, candidates []Blueprint) ([]*BlueprintScore, error) {
	scores := make([]*BlueprintScore, 0, len(candidates))
	for _, bp := range candidates {
		sc, err := s.ScoreBlueprint(ctx, req, bp)
		if err != nil {
			return nil, err
		}
		scores = append(scores, sc)
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].BlueprintName < scores[j].BlueprintName
	})
	return scores, nil
}

// levelAlignment is the low/medium/high lookup matrix: exact match 1.0, one
// level apart 0.6, two apart 0.2.
func levelAlignment(a, b Level) float64 {
	switch diff := levelIndex(a) - levelIndex(b); {
	case diff == 0:
		return 1.0
	case diff == 1 || diff == -1:
		return 0.6
	default:
		return 0.2
	}
}

func levelIndex(l Level) int {
	switch l {
	case LevelLow:
		return 0
	case LevelHigh:
		return 2
	default:
		return 1
	}
}

// streamLevel buckets a blueprint's stream count into an alignment level.
func streamLevel(streams int) Level {
	switch {
	case streams <= 1:
		return LevelLow
	case streams <= 3:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// expertiseCoverage is the fraction of required expertise the blueprint
// covers. A requirement with no expertise listed is fully covered.
func expertiseCoverage(required, offered []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	have := make(map[string]bool, len(offered))
	for _, e := range offered {
		have[strings.ToLower(strings.TrimSpace(e))] = true
	}
	covered := 0
	for _, e := range required {
		if have[strings.ToLower(strings.TrimSpace(e))] {
			covered++
		}
	}
	return float64(covered) / float64(len(required))
}

func (s *Scorer) historicalSuccess(ctx context.Context, blueprintName string) float64 {
	if s.history == nil {
		return 0.5
	}
	m, err := s.history.Metrics(ctx, "blueprint:"+blueprintName, 0)
	if err != nil {
		slog.Warn("Blueprint history unavailable, scoring neutral",
			"blueprint", blueprintName, "error", err)
		return 0.5
	}
	if m == nil || m.Total == 0 {
		return 0.5
	}
	return m.SuccessRate
}
