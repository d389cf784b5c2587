// Package events relays session envelopes to WebSocket clients.
//
// Envelopes are published to Redis pub/sub by the session store: one
// channel per session plus a global lifecycle channel. A single Listener
// per process holds one subscriber connection, adds per-session channels
// on demand, and fans every delivery out to the local ConnectionManager,
// which tracks which WebSocket client wants which channel.
//
// Live deliveries are the raw envelope JSON from the wire (see
// models.Envelope). Pub/sub is fire-and-forget, so a client that
// subscribes late or reconnects has missed envelopes; the manager closes
// that gap by replaying recent events from the session event log on
// subscribe, and by serving explicit catchup requests from a known
// sequence number. Catchup messages wrap the stored event rather than the
// envelope:
//
//	{"type": "catchup.event", "channel": "session:<id>", "event": {...}}
//
// where event.seq is the client's position marker. When more events were
// missed than one catchup response carries, a catchup.overflow message
// tells the client to reload the session over REST instead of paginating.
package events

import (
	"strings"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
)

// Channels maps between session ids and pub/sub channel names. The zero
// value is unusable; build one from the session config so the relay and
// the store agree on naming.
type Channels struct {
	// Prefix is the per-session channel prefix, e.g. "session:".
	Prefix string
	// Global is the all-sessions lifecycle channel.
	Global string
}

// NewChannels derives the channel scheme from the session config.
func NewChannels(cfg *config.SessionConfig) Channels {
	return Channels{Prefix: cfg.ChannelPrefix, Global: cfg.GlobalChannel}
}

// ForSession returns the channel carrying one session's envelopes.
func (c Channels) ForSession(sessionID string) string {
	return c.Prefix + sessionID
}

// SessionID extracts the session id from a per-session channel name.
// Returns false for the global channel and anything else outside the
// scheme.
func (c Channels) SessionID(channel string) (string, bool) {
	if channel == c.Global {
		return "", false
	}
	id := strings.TrimPrefix(channel, c.Prefix)
	if id == channel || id == "" {
		return "", false
	}
	return id, true
}

// Valid reports whether clients may subscribe to this channel name.
func (c Channels) Valid(channel string) bool {
	if channel == c.Global {
		return true
	}
	_, ok := c.SessionID(channel)
	return ok
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "catchup", "ping"
	Channel string `json:"channel,omitempty"` // e.g. "session:sess-abc" or the global channel
	LastSeq *int64 `json:"lastSeq,omitempty"` // for catchup: highest seq the client has
}
