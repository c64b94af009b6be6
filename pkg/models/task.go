package models

import "time"

// Task is a unit of work routed to the agent currently filling RequiredRole.
// Routing happens at dispatch time, never earlier, so a role reassignment
// needs no task rewrite.
type Task struct {
	ID           string     `json:"id"`
	TeamID       string     `json:"team_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	RequiredRole string     `json:"required_role,omitempty"`
	Priority     int        `json:"priority"`
	Dependencies []string   `json:"dependencies,omitempty"`
	CreatedBy    string     `json:"created_by"`
	AssignedTo   string     `json:"assigned_to,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ArtifactRef is an opaque reference to an artifact owned elsewhere.
// Callers never parse IDs.
type ArtifactRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}
