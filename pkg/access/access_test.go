package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewforge/crewforge/pkg/metrics"
)

func testMatrix() Matrix {
	return BuildMatrix(map[string][]string{
		"tech_lead":   {"*"},
		"backend_dev": {ActionPostMessage, ActionShareKnowledge, ActionCreateTask, ActionEvolveContract},
		"qa_lead":     {ActionPostMessage, ActionCreateTask, ActionEscalateApproval},
	})
}

func TestControllerCheck(t *testing.T) {
	c := NewController(testMatrix(), metrics.New())

	tests := []struct {
		name    string
		roleID  string
		action  string
		allowed bool
	}{
		{"wildcard role does anything", "tech_lead", ActionRetireMember, true},
		{"explicit grant", "backend_dev", ActionEvolveContract, true},
		{"missing grant", "backend_dev", ActionActivateContract, false},
		{"unknown role", "intern", ActionPostMessage, false},
		{"unknown action", "qa_lead", "reboot_datacenter", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Check("agent-1", tt.roleID, tt.action)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestControllerReload(t *testing.T) {
	c := NewController(testMatrix(), nil)
	require.Error(t, c.Check("agent-1", "backend_dev", ActionActivateContract))

	c.Reload(BuildMatrix(map[string][]string{
		"backend_dev": {ActionActivateContract},
	}))

	assert.NoError(t, c.Check("agent-1", "backend_dev", ActionActivateContract))
	// Previous grants are gone after the swap.
	assert.ErrorIs(t, c.Check("agent-1", "backend_dev", ActionPostMessage), ErrForbidden)
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewController(testMatrix(), nil)
	snap := c.Snapshot()
	snap["backend_dev"][ActionActivateContract] = true

	assert.ErrorIs(t, c.Check("agent-1", "backend_dev", ActionActivateContract), ErrForbidden)
}

func TestDefaultActions(t *testing.T) {
	actions := DefaultActions()
	assert.Len(t, actions, 11)
	assert.Contains(t, actions, ActionProposeDecision)
	assert.IsNonDecreasing(t, actions)
}
