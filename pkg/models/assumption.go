package models

import "time"

// Assumption is a tracked working assumption made by an agent. Invalidating
// it marks every dependent artifact as potentially stale and raises a
// conflict for any artifact owned by an active parallel stream.
type Assumption struct {
	ID                 string           `json:"id"`
	TeamID             string           `json:"team_id"`
	MadeByAgent        string           `json:"made_by_agent"`
	MadeByRole         string           `json:"made_by_role"`
	Text               string           `json:"text"`
	Category           string           `json:"category"`
	Status             AssumptionStatus `json:"status"`
	RelatedArtifact    ArtifactRef      `json:"related_artifact_ref"`
	DependentArtifacts []ArtifactRef    `json:"dependent_artifacts,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	ValidatedAt        *time.Time       `json:"validated_at,omitempty"`
	ValidatedBy        string           `json:"validated_by,omitempty"`
	InvalidatedAt      *time.Time       `json:"invalidated_at,omitempty"`
	InvalidatedBy      string           `json:"invalidated_by,omitempty"`
	InvalidationNotes  string           `json:"invalidation_notes,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
}
