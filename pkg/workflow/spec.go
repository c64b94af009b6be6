// Package workflow compiles workflow specifications into acyclic node
// graphs, schedules them level by level with bounded parallelism, persists
// every node transition for resumability, and gates progression through
// validator nodes.
package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec is the on-disk workflow definition, unmarshalled from YAML.
type Spec struct {
	Name  string     `yaml:"name"`
	Nodes []NodeSpec `yaml:"nodes"`
}

// NodeSpec declares one node of a workflow.
type NodeSpec struct {
	ID           string         `yaml:"id"`
	Type         string         `yaml:"type"`
	Name         string         `yaml:"name,omitempty"`
	Phase        string         `yaml:"phase,omitempty"`
	DependsOn    []string       `yaml:"depends_on,omitempty"`
	RequiredRole string         `yaml:"required_role,omitempty"`
	MaxDuration  time.Duration  `yaml:"max_duration,omitempty"`
	Inputs       map[string]any `yaml:"inputs,omitempty"`
}

// ParseSpec unmarshals a workflow spec document.
func ParseSpec(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse workflow spec: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("%w: workflow name is required", ErrInvalidNode)
	}
	return &s, nil
}
