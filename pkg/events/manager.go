package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// catchupLimit is the maximum number of events returned for an explicit
// catchup request. If more events were missed, a catchup.overflow message
// tells the client to do a full REST reload.
const catchupLimit = 200

// subscribeTailLimit is how many trailing events a fresh subscription
// replays before live deliveries take over.
const subscribeTailLimit = 50

// subscribeTimeout bounds how long adding a Redis channel may block when a
// channel gains its first subscriber. Without this, a stalled subscriber
// connection would block the client's read loop indefinitely.
const subscribeTimeout = 10 * time.Second

// CatchupSource reads stored events for catchup. Implemented by the
// session store.
type CatchupSource interface {
	Tail(ctx context.Context, sessionID string, n int) ([]models.SessionEvent, error)
	Events(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error)
}

// ConnectionManager manages WebSocket connections and channel
// subscriptions. Each process has one ConnectionManager instance.
type ConnectionManager struct {
	// Active connections: connection id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// catchup closes the gap between the event log and live pub/sub.
	catchup CatchupSource

	// names validates channel subscriptions and recovers session ids.
	names Channels

	// listener is the shared Redis subscriber (set after construction).
	listener   *Listener
	listenerMu sync.RWMutex

	// Write timeout for WebSocket sends.
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all reads
// and writes (subscribe, unsubscribe, unregisterConnection) happen on the
// single goroutine that owns this connection (HandleConnection's read loop
// and its deferred cleanup). If a Connection is ever mutated from a
// different goroutine, subscriptions must be protected by a mutex.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool // channels this connection is subscribed to
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(catchup CatchupSource, names Channels, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		catchup:      catchup,
		names:        names,
		writeTimeout: writeTimeout,
	}
}

// SetListener sets the Listener for dynamic channel subscription. Called
// once during startup after both ConnectionManager and Listener exist.
func (m *ConnectionManager) SetListener(l *Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":         "connection.established",
		"connectionId": connID,
	})

	// Read loop: process client messages until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast sends a payload to all connections subscribed to the channel.
// Called from the Listener's single dispatch goroutine, so deliveries stay
// ordered per connection.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	// Copy ids to avoid holding the lock during sends.
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Snapshot connection pointers under the lock, then release before
	// sending. Holding mu.RLock during writes (up to writeTimeout per
	// connection) would stall register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported; used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

// CloseAll disconnects every client. Used by graceful shutdown after the
// drain notice has gone out.
func (m *ConnectionManager) CloseAll(reason string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		_ = c.Conn.Close(websocket.StatusGoingAway, reason)
		c.cancel()
	}
}

// handleClientMessage dispatches a client message to the appropriate
// handler.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if !m.names.Valid(msg.Channel) {
			m.sendJSON(c, map[string]string{
				"type":    "error",
				"message": fmt.Sprintf("unknown channel %q", msg.Channel),
			})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Replay the recent tail so late subscribers see where the
		// session stands before live envelopes arrive.
		m.sendTail(ctx, c, msg.Channel)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		if msg.LastSeq != nil {
			m.handleCatchup(ctx, c, msg.Channel, *msg.LastSeq)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers a connection for a channel and adds the Redis
// subscription if this is the first subscriber. The add is synchronous so
// it completes before subscribe returns, which guarantees the subsequent
// tail replay runs with the channel already live, closing the gap where
// envelopes published between replay and subscription would be lost.
//
// Returns an error if the add fails so the caller can inform the client
// instead of sending a false subscription.confirmed.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			subCtx, subCancel := context.WithTimeout(context.Background(), subscribeTimeout)
			defer subCancel()
			if err := l.Subscribe(subCtx, channel); err != nil {
				slog.Error("Failed to subscribe relay channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("subscribe channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes ALL subscribers from a channel after a
// failed Redis subscription and notifies every affected connection (except
// the triggering one, which is notified by the caller via the returned
// error).
//
// Between unlocking channelMu (after creating the channel entry) and the
// listener add completing, other goroutines may have subscribed to the
// same channel. Because they saw the channel already existed they skipped
// the add and returned success. Those connections are now orphaned: they
// received subscription.confirmed but the Redis subscription was never
// established. This helper cleans them up.
//
// Client-side contract: an orphaned connection may observe the sequence
// subscription.confirmed → tail events → subscription.error. Clients MUST
// treat subscription.error as authoritative: discard previously received
// events for that channel and either re-subscribe (with back-off) or fall
// back to REST polling.
//
// Note: affected connections may retain a stale c.subscriptions[channel]
// entry. This is harmless: Broadcast uses m.channels (now deleted), and
// unsubscribe / unregisterConnection handle missing channel entries
// gracefully.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after failed channel add",
			"connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel subscription failed; subscription removed",
		})
	}
}

// unsubscribe removes a connection from a channel and drops the Redis
// subscription if this was the last subscriber.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			// Last subscriber left, drop the Redis channel.
			// The goroutine re-checks m.channels before removing to
			// prevent a race where a rapid unsubscribe/resubscribe cycle
			// would drop a live subscription:
			//   subscribe → channel active
			//   unsubscribe → goroutine: remove (deferred)
			//   resubscribe → channel re-added to m.channels
			//   goroutine → sees resubscribed → skips removal
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to unsubscribe relay channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// sendTail replays the newest stored events after a fresh subscription.
// The global channel has no event log, so it replays nothing.
func (m *ConnectionManager) sendTail(ctx context.Context, c *Connection, channel string) {
	sessionID, ok := m.names.SessionID(channel)
	if !ok || m.catchup == nil {
		return
	}

	events, err := m.catchup.Tail(ctx, sessionID, subscribeTailLimit)
	if err != nil {
		slog.Error("Tail replay failed", "channel", channel, "error", err)
		return
	}
	m.sendEvents(c, channel, events)
}

// handleCatchup sends events missed since lastSeq to the client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, lastSeq int64) {
	sessionID, ok := m.names.SessionID(channel)
	if !ok || m.catchup == nil {
		return
	}

	events, err := m.catchup.Events(ctx, sessionID, lastSeq+1, 0)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	// Check if more events exist beyond the limit.
	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	if !m.sendEvents(c, channel, events) {
		return
	}

	// If more events were missed than the catchup limit, tell the client
	// to do a full REST reload instead of paginating catchup requests.
	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":    "catchup.overflow",
			"channel": channel,
			"hasMore": true,
		})
	}
}

// sendEvents delivers stored events in seq order, each wrapped in a
// catchup.event message. Returns false when a send failed mid-stream.
func (m *ConnectionManager) sendEvents(c *Connection, channel string, events []models.SessionEvent) bool {
	for i := range events {
		payload, err := json.Marshal(map[string]any{
			"type":    "catchup.event",
			"channel": channel,
			"event":   &events[i],
		})
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return false
		}
	}
	return true
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and all its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
