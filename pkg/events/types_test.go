package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
)

func testChannels() Channels {
	return NewChannels(config.DefaultSessionConfig())
}

func TestChannels_ForSession(t *testing.T) {
	names := testChannels()
	assert.Equal(t, "session:sess-abc", names.ForSession("sess-abc"))
}

func TestChannels_SessionID(t *testing.T) {
	names := testChannels()

	tests := []struct {
		name    string
		channel string
		wantID  string
		wantOK  bool
	}{
		{"session channel", "session:sess-abc", "sess-abc", true},
		{"global channel", "global:sessions", "", false},
		{"wrong prefix", "agent:a1", "", false},
		{"bare prefix", "session:", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := names.SessionID(tt.channel)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestChannels_Valid(t *testing.T) {
	names := testChannels()

	assert.True(t, names.Valid("session:sess-abc"))
	assert.True(t, names.Valid("global:sessions"))
	assert.False(t, names.Valid("tasks:queue"))
	assert.False(t, names.Valid("session:"))
	assert.False(t, names.Valid(""))
}

func TestClientMessage_Decode(t *testing.T) {
	raw := `{"action":"catchup","channel":"session:sess-1","lastSeq":42}`

	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, "catchup", msg.Action)
	assert.Equal(t, "session:sess-1", msg.Channel)
	require.NotNil(t, msg.LastSeq)
	assert.Equal(t, int64(42), *msg.LastSeq)
}

func TestClientMessage_DecodeWithoutLastSeq(t *testing.T) {
	raw := `{"action":"subscribe","channel":"global:sessions"}`

	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, "subscribe", msg.Action)
	assert.Nil(t, msg.LastSeq)
}
