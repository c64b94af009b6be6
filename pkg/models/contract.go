package models

import "time"

// Specification is the structured body of a contract version: named fields,
// endpoints, and models. It is the input to breaking-change detection.
type Specification struct {
	Fields    []SpecField    `json:"fields,omitempty"`
	Endpoints []SpecEndpoint `json:"endpoints,omitempty"`
	Models    []SpecModel    `json:"models,omitempty"`
}

// SpecField is one field of a contract specification.
type SpecField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// SpecEndpoint is one endpoint signature of a contract specification.
type SpecEndpoint struct {
	Name      string   `json:"name"`
	Method    string   `json:"method"`
	Path      string   `json:"path"`
	Params    []string `json:"params,omitempty"`
	ReturnTyp string   `json:"return_type,omitempty"`
}

// SpecModel is one named data model of a contract specification.
type SpecModel struct {
	Name   string      `json:"name"`
	Fields []SpecField `json:"fields,omitempty"`
}

// Contract is one version of a versioned API-like specification shared by a
// team. At most one version per (team_id, name) is active at a time;
// activation archives the previously active version.
type Contract struct {
	ID                string         `json:"id"`
	TeamID            string         `json:"team_id"`
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	Type              string         `json:"type"`
	Status            ContractStatus `json:"status"`
	Specification     Specification  `json:"specification"`
	OwnerRole         string         `json:"owner_role"`
	OwnerAgent        string         `json:"owner_agent"`
	Consumers         []string       `json:"consumers,omitempty"`
	PreviousVersionID string         `json:"previous_version_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ChangeSet is the deterministic diff between two specifications of the same
// contract. BreakingChanges is derived, never set by callers.
type ChangeSet struct {
	AddedFields              []string `json:"added_fields,omitempty"`
	RemovedFields            []string `json:"removed_fields,omitempty"`
	TypeChangedFields        []string `json:"typechanged_fields,omitempty"`
	EndpointSignatureChanges []string `json:"endpoint_signature_changes,omitempty"`
	NewRequiredParams        []string `json:"new_required_params,omitempty"`
	ModelRestructurings      []string `json:"model_restructurings,omitempty"`
}

// IsBreaking reports whether the change set contains any breaking change:
// removed fields, type changes on existing fields, new required parameters,
// or endpoint signature changes.
func (c ChangeSet) IsBreaking() bool {
	return len(c.RemovedFields) > 0 ||
		len(c.TypeChangedFields) > 0 ||
		len(c.NewRequiredParams) > 0 ||
		len(c.EndpointSignatureChanges) > 0
}

// IsEmpty reports whether the change set records no changes at all.
func (c ChangeSet) IsEmpty() bool {
	return len(c.AddedFields) == 0 &&
		len(c.RemovedFields) == 0 &&
		len(c.TypeChangedFields) == 0 &&
		len(c.EndpointSignatureChanges) == 0 &&
		len(c.NewRequiredParams) == 0 &&
		len(c.ModelRestructurings) == 0
}
