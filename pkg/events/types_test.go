package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "team:T1:events:role.assigned", Topic("T1", "role", "assigned"))
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		teamID   string
		category string
		action   string
		wantErr  bool
	}{
		{
			name:     "well formed",
			topic:    "team:T1:events:contract.evolved",
			teamID:   "T1",
			category: "contract",
			action:   "evolved",
		},
		{
			name:    "missing events segment",
			topic:   "team:T1:contract.evolved",
			wantErr: true,
		},
		{
			name:    "no dot in kind",
			topic:   "team:T1:events:contract",
			wantErr: true,
		},
		{
			name:    "empty action",
			topic:   "team:T1:events:contract.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			teamID, category, action, err := ParseTopic(tt.topic)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.teamID, teamID)
			assert.Equal(t, tt.category, category)
			assert.Equal(t, tt.action, action)
		})
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"team:T1:events:role.assigned", "team:T1:events:role.assigned", true},
		{"team:T1:events:role.assigned", "team:T1:events:role.unassigned", false},
		{"team:*:events:role.*", "team:T2:events:role.assigned", true},
		{"team:*:events:role.*", "team:T2:events:node.transition", false},
		{"team:T1:events:*", "team:T1:events:anything.at_all", true},
		{"team:T1:events:*", "team:T2:events:anything.at_all", false},
		{"team:T1:events:*.failed", "team:T1:events:node.failed", true},
		{"team:T1:events:*.failed", "team:T1:events:node.completed", false},
		{"team:T1:events:role.*", "not-a-topic", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestValidPattern(t *testing.T) {
	assert.True(t, ValidPattern("team:*:events:*"))
	assert.True(t, ValidPattern("team:T1:events:role.assigned"))
	assert.False(t, ValidPattern("role.assigned"))
	assert.False(t, ValidPattern("team::events:"))
	assert.False(t, ValidPattern("session:T1:events:role.assigned"))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "team.T1.events.role.assigned", Subject("team:T1:events:role.assigned"))
}
