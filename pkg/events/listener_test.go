package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
	"github.com/Amicidal/sigmachad-sub002/pkg/session"
)

func newTestPool(t *testing.T) *kv.Pool {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := kv.DefaultConfig()
	cfg.URL = "redis://" + mr.Addr()
	cfg.MinConnections = 1
	cfg.MaxConnections = 4
	cfg.HealthCheckInterval = time.Hour
	pool, err := kv.NewPool(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

// setupRelay wires a pool-backed listener to a manager served over httptest.
func setupRelay(t *testing.T, catchup CatchupSource) (*Listener, *ConnectionManager, *kv.Pool, *websocket.Conn) {
	t.Helper()
	pool := newTestPool(t)

	manager := NewConnectionManager(catchup, testChannels(), 5*time.Second)
	listener := NewListener(pool, manager, testChannels())
	manager.SetListener(listener)
	require.NoError(t, listener.Start(context.Background()))
	t.Cleanup(listener.Stop)

	server := serveManager(t, manager)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established
	return listener, manager, pool, conn
}

func publishEnvelope(t *testing.T, pool *kv.Pool, channel string, env models.Envelope) {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, pool.Execute(context.Background(), kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		return f.Publish(ctx, channel, string(payload))
	}))
}

func TestListener_GlobalChannelDelivery(t *testing.T) {
	_, _, pool, conn := setupRelay(t, &mockCatchupSource{})

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "global:sessions"})
	msg := readJSON(t, conn)
	require.Equal(t, "subscription.confirmed", msg["type"])

	time.Sleep(50 * time.Millisecond)

	publishEnvelope(t, pool, "global:sessions", models.Envelope{
		Type:      models.EnvelopeTypeNew,
		SessionID: "sess-global",
	})

	msg = readJSON(t, conn)
	assert.Equal(t, "new", msg["type"])
	assert.Equal(t, "sess-global", msg["sessionId"])
}

func TestListener_DynamicSessionChannel(t *testing.T) {
	listener, _, pool, conn := setupRelay(t, &mockCatchupSource{})

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "session:sess-live"})
	msg := readJSON(t, conn)
	require.Equal(t, "subscription.confirmed", msg["type"])

	require.Eventually(t, func() bool {
		return listener.trackedChannels() == 1
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	publishEnvelope(t, pool, "session:sess-live", models.Envelope{
		Type:      models.EnvelopeTypeModified,
		SessionID: "sess-live",
		Seq:       3,
		Actor:     "agent-1",
	})

	msg = readJSON(t, conn)
	assert.Equal(t, "modified", msg["type"])
	assert.Equal(t, "sess-live", msg["sessionId"])
	assert.Equal(t, float64(3), msg["seq"])
	assert.Equal(t, "agent-1", msg["actor"])
}

func TestListener_UnsubscribeStopsDelivery(t *testing.T) {
	listener, _, pool, conn := setupRelay(t, &mockCatchupSource{})

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "session:sess-bye"})
	readJSON(t, conn) // subscription.confirmed

	require.Eventually(t, func() bool {
		return listener.trackedChannels() == 1
	}, 2*time.Second, 20*time.Millisecond)

	writeClientMessage(t, conn, ClientMessage{Action: "unsubscribe", Channel: "session:sess-bye"})

	// The channel drop runs on its own goroutine after the last
	// subscriber leaves.
	require.Eventually(t, func() bool {
		return listener.trackedChannels() == 0
	}, 2*time.Second, 20*time.Millisecond)

	publishEnvelope(t, pool, "session:sess-bye", models.Envelope{
		Type:      models.EnvelopeTypeModified,
		SessionID: "sess-bye",
	})

	readCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "should not receive after unsubscribe")
}

func TestListener_SubscribeBeforeStart(t *testing.T) {
	pool := newTestPool(t)

	manager := NewConnectionManager(&mockCatchupSource{}, testChannels(), 5*time.Second)
	listener := NewListener(pool, manager, testChannels())
	manager.SetListener(listener)
	// Listener deliberately not started.

	server := serveManager(t, manager)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "session:sess-early"})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.error", msg["type"])
	assert.Equal(t, "session:sess-early", msg["channel"])
}

func TestListener_StopIsIdempotent(t *testing.T) {
	pool := newTestPool(t)
	manager := NewConnectionManager(&mockCatchupSource{}, testChannels(), 5*time.Second)
	listener := NewListener(pool, manager, testChannels())

	require.NoError(t, listener.Start(context.Background()))
	listener.Stop()
	assert.NotPanics(t, listener.Stop)
}

func TestRelayEndToEnd(t *testing.T) {
	// Full path: events appended to the store replay on subscribe, then
	// live publishes arrive through the relay.
	pool := newTestPool(t)
	store := session.NewStore(pool, config.DefaultSessionConfig())
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "sess-e2e", "agent-1", models.CreateSessionOptions{}))
	for i := 1; i <= 2; i++ {
		require.NoError(t, store.AppendEvent(ctx, "sess-e2e", &models.SessionEvent{
			Seq:       int64(i),
			Timestamp: time.Now().UTC(),
			Type:      models.EventTypeModified,
			Actor:     "agent-1",
		}))
	}

	manager := NewConnectionManager(store, testChannels(), 5*time.Second)
	listener := NewListener(pool, manager, testChannels())
	manager.SetListener(listener)
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(listener.Stop)

	server := serveManager(t, manager)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "session:sess-e2e"})
	msg := readJSON(t, conn)
	require.Equal(t, "subscription.confirmed", msg["type"])

	// Tail replay of the two stored events.
	for i := 1; i <= 2; i++ {
		msg = readJSON(t, conn)
		assert.Equal(t, "catchup.event", msg["type"])
		event, ok := msg["event"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(i), event["seq"])
	}

	// Live envelope via the store's publish path.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, store.Publish(ctx, "sess-e2e", models.Envelope{
		Type:      models.EnvelopeTypeModified,
		SessionID: "sess-e2e",
		Seq:       3,
	}))

	msg = readJSON(t, conn)
	assert.Equal(t, "modified", msg["type"])
	assert.Equal(t, float64(3), msg["seq"])
}
