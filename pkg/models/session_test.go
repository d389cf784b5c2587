package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStateIsValid(t *testing.T) {
	valid := []SessionState{SessionStateWorking, SessionStateBroken, SessionStateCoordinating, SessionStateCompleted}
	for _, s := range valid {
		assert.True(t, s.IsValid(), "state %q", s)
	}
	assert.False(t, SessionState("paused").IsValid())
	assert.False(t, SessionState("").IsValid())
	assert.False(t, SessionState("WORKING").IsValid())
}

func TestEventTypeIsValid(t *testing.T) {
	valid := []EventType{EventTypeStart, EventTypeModified, EventTypeBroke, EventTypeTestPass, EventTypeCheckpoint, EventTypeHandoff}
	for _, et := range valid {
		assert.True(t, et.IsValid(), "type %q", et)
	}
	assert.False(t, EventType("stop").IsValid())
	assert.False(t, EventType("testpass").IsValid())
}

func TestSessionHasAgent(t *testing.T) {
	sess := &Session{
		ID:       "sess-1",
		AgentIDs: []string{"agent-a", "agent-b"},
	}
	assert.True(t, sess.HasAgent("agent-a"))
	assert.True(t, sess.HasAgent("agent-b"))
	assert.False(t, sess.HasAgent("agent-c"))
	assert.False(t, sess.HasAgent(""))

	empty := &Session{ID: "sess-2"}
	assert.False(t, empty.HasAgent("agent-a"))
}
