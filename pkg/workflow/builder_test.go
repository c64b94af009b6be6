package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/models"
)

func TestParseSpec(t *testing.T) {
	data := []byte(`
name: delivery
nodes:
  - id: design
    type: phase
    phase: design
    required_role: tech_lead
    max_duration: 5s
  - id: review
    type: validator
    depends_on: [design]
    inputs:
      validator: phase_validator
      requires: [design_doc]
`)
	spec, err := ParseSpec(data)
	require.NoError(t, err)
	assert.Equal(t, "delivery", spec.Name)
	require.Len(t, spec.Nodes, 2)
	assert.Equal(t, 5*time.Second, spec.Nodes[0].MaxDuration)
	assert.Equal(t, []string{"design"}, spec.Nodes[1].DependsOn)
	assert.Equal(t, "phase_validator", spec.Nodes[1].Inputs["validator"])
}

func TestParseSpecRejectsMissingName(t *testing.T) {
	_, err := ParseSpec([]byte("nodes: []"))
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{
			name: "empty id",
			spec: Spec{Name: "w", Nodes: []NodeSpec{{Type: "action"}}},
			want: ErrInvalidNode,
		},
		{
			name: "duplicate id",
			spec: Spec{Name: "w", Nodes: []NodeSpec{
				{ID: "a", Type: "action"},
				{ID: "a", Type: "action"},
			}},
			want: ErrInvalidNode,
		},
		{
			name: "unknown type",
			spec: Spec{Name: "w", Nodes: []NodeSpec{{ID: "a", Type: "teleport"}}},
			want: ErrInvalidNode,
		},
		{
			name: "unknown dependency",
			spec: Spec{Name: "w", Nodes: []NodeSpec{
				{ID: "a", Type: "action", DependsOn: []string{"ghost"}},
			}},
			want: ErrUnknownDependency,
		},
		{
			name: "self dependency",
			spec: Spec{Name: "w", Nodes: []NodeSpec{
				{ID: "a", Type: "action", DependsOn: []string{"a"}},
			}},
			want: ErrCycleDetected,
		},
		{
			name: "two node cycle",
			spec: Spec{Name: "w", Nodes: []NodeSpec{
				{ID: "a", Type: "action", DependsOn: []string{"b"}},
				{ID: "b", Type: "action", DependsOn: []string{"a"}},
			}},
			want: ErrCycleDetected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Build("t1", &tt.spec)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBuildEmptySpec(t *testing.T) {
	dag, nodes, err := Build("t1", &Spec{Name: "noop"})
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Equal(t, models.WorkflowStatusPending, dag.Status)
}

func TestExecutionOrderDiamond(t *testing.T) {
	nodes := []*models.WorkflowNode{
		{ID: "d", DependsOn: []string{"b", "c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "a"},
	}
	order, err := ExecutionOrder(nodes)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, order)

	// The groups partition the node set.
	seen := map[string]bool{}
	for _, group := range order {
		for _, id := range group {
			assert.False(t, seen[id], "node %s appears twice", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, len(nodes))
}

func TestExecutionOrderIsDeterministic(t *testing.T) {
	nodes := []*models.WorkflowNode{
		{ID: "z"}, {ID: "m"}, {ID: "a"},
	}
	for i := 0; i < 20; i++ {
		order, err := ExecutionOrder(nodes)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"a", "m", "z"}}, order)
	}
}
