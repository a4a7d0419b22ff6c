package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidComponentID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"bridge", true},
		{"doctor", true},
		{"igor", true},
		{"frankenstein", true},
		{"meta", true},
		{"igor-1", true},
		{"igor-pool_2", true},
		{"frank-a2f9", true},
		{"doctor-shadow", true},
		{"mcp-client-7", true},
		{"broadcast", false},
		{"", false},
		{"igor-", false},
		{"Igor-1", false},
		{"frank-UPPER", false},
		{"stranger-1", false},
		{"frankenstein-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidComponentID(tt.id))
		})
	}
}

func TestComponentAlive(t *testing.T) {
	now := time.Now()
	info := &ComponentInfo{RegisteredAt: now, LastHeartbeat: now}
	assert.True(t, info.Alive(now))
	assert.True(t, info.Alive(now.Add(2*time.Second)))
	// Dead after 3 missed 1s heartbeats.
	assert.False(t, info.Alive(now.Add(3*time.Second)))
}

func TestComponentAliveBeforeFirstHeartbeat(t *testing.T) {
	now := time.Now()
	info := &ComponentInfo{RegisteredAt: now}
	assert.True(t, info.Alive(now.Add(1*time.Second)))
	assert.False(t, info.Alive(now.Add(4*time.Second)))
}

func TestNewInstanceID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		id := NewInstanceID("igor")
		assert.True(t, ValidComponentID(id), "generated id %q must be valid", id)
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}
