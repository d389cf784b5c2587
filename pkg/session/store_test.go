package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

func newTestPool(t *testing.T) (*kv.Pool, *miniredis.Miniredis) {
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
	return pool, mr
}

func newTestStore(t *testing.T, mutate func(*config.SessionConfig)) (*Store, *kv.Pool) {
	t.Helper()
	pool, _ := newTestPool(t)
	cfg := config.DefaultSessionConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store := NewStore(pool, cfg)
	t.Cleanup(func() { _ = store.Close() })
	return store, pool
}

// seedKV runs raw facade operations, bypassing the store
func seedKV(t *testing.T, pool *kv.Pool, fn func(ctx context.Context, f *kv.Facade) error) {
	t.Helper()
	require.NoError(t, pool.Execute(context.Background(), kv.ConnTypeWrite, fn))
}

func keyTTL(t *testing.T, pool *kv.Pool, key string) time.Duration {
	t.Helper()
	var ttl time.Duration
	require.NoError(t, pool.Execute(context.Background(), kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		ttl, err = f.TTL(ctx, key)
		return err
	}))
	return ttl
}

func appendEvents(t *testing.T, store *Store, sessionID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		event := &models.SessionEvent{
			Seq:       int64(i),
			Timestamp: time.Now().UTC(),
			Type:      models.EventTypeModified,
			Actor:     "agent-1",
		}
		require.NoError(t, store.AppendEvent(context.Background(), sessionID, event))
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	store, pool := newTestStore(t, nil)
	ctx := context.Background()

	opts := models.CreateSessionOptions{
		Metadata:         map[string]any{"task": "refactor"},
		InitialEntityIDs: []string{"entity:parser"},
	}
	require.NoError(t, store.Create(ctx, "s1", "agent-1", opts))

	doc, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.ID)
	assert.Equal(t, []string{"agent-1"}, doc.AgentIDs)
	assert.Equal(t, models.SessionStateWorking, doc.State)
	assert.Equal(t, int64(1), doc.Events)
	assert.Equal(t, "refactor", doc.Metadata["task"])

	require.Len(t, doc.RecentEvents, 1)
	start := doc.RecentEvents[0]
	assert.Equal(t, models.EventTypeStart, start.Type)
	assert.Equal(t, int64(1), start.Seq)
	assert.Equal(t, []string{"entity:parser"}, start.Changes.EntityIDs)

	t.Run("both keys carry the default ttl", func(t *testing.T) {
		assert.Equal(t, time.Hour, keyTTL(t, pool, "session:s1"))
		assert.Equal(t, time.Hour, keyTTL(t, pool, "events:s1"))
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		err := store.Create(ctx, "s1", "agent-2", models.CreateSessionOptions{})
		require.Error(t, err)
		assert.True(t, IsExists(err))
	})
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t, nil)

	_, err := store.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, CodeSessionNotFound, CodeOf(err))
}

func TestStoreUpdate(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	state := models.SessionStateCoordinating
	require.NoError(t, store.Update(ctx, "s1", Patch{
		State:    &state,
		Metadata: map[string]any{"phase": "negotiation"},
	}))

	doc, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateCoordinating, doc.State)
	assert.Equal(t, "negotiation", doc.Metadata["phase"])

	t.Run("missing session", func(t *testing.T) {
		err := store.Update(ctx, "ghost", Patch{State: &state})
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("empty patch is a no-op", func(t *testing.T) {
		assert.NoError(t, store.Update(ctx, "ghost", Patch{}))
	})
}

func TestStoreAgentMembership(t *testing.T) {
	store, pool := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	require.NoError(t, store.AddAgent(ctx, "s1", "agent-2"))
	require.NoError(t, store.AddAgent(ctx, "s1", "agent-2")) // idempotent

	doc, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1", "agent-2"}, doc.AgentIDs)

	require.NoError(t, store.RemoveAgent(ctx, "s1", "agent-1"))
	doc, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-2"}, doc.AgentIDs)
	assert.Equal(t, time.Hour, keyTTL(t, pool, "session:s1"))

	t.Run("last leaver puts the session on the grace ttl", func(t *testing.T) {
		require.NoError(t, store.RemoveAgent(ctx, "s1", "agent-2"))
		doc, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, doc.AgentIDs)
		assert.Equal(t, 5*time.Minute, keyTTL(t, pool, "session:s1"))
		assert.Equal(t, 5*time.Minute, keyTTL(t, pool, "events:s1"))
	})

	t.Run("missing session", func(t *testing.T) {
		err := store.AddAgent(ctx, "ghost", "agent-1")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}

func TestStoreSetTTLAndDelete(t *testing.T) {
	store, pool := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	require.NoError(t, store.SetTTL(ctx, "s1", 2*time.Minute))
	assert.Equal(t, 2*time.Minute, keyTTL(t, pool, "session:s1"))
	assert.Equal(t, 2*time.Minute, keyTTL(t, pool, "events:s1"))

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err := store.Get(ctx, "s1")
	assert.True(t, IsNotFound(err))

	t.Run("delete is idempotent", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, "s1"))
	})
}

func TestStorePublishSubscribe(t *testing.T) {
	store, pool := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	msgs, cancel, err := store.Subscribe(ctx, "s1")
	require.NoError(t, err)

	// garbage on the channel is dropped, not delivered
	seedKV(t, pool, func(ctx context.Context, f *kv.Facade) error {
		return f.Publish(ctx, "session:s1", "not json")
	})

	env := models.Envelope{
		Type:      models.EnvelopeTypeModified,
		SessionID: "s1",
		Seq:       4,
		Actor:     "agent-1",
	}
	require.NoError(t, store.Publish(ctx, "s1", env))

	select {
	case got := <-msgs:
		assert.Equal(t, env, got)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an envelope delivery")
	}

	t.Run("cancel closes the stream", func(t *testing.T) {
		cancel()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("stream did not close after cancel")
			}
		}
	})
}

func TestStoreListActiveSkipsBookkeepingKeys(t *testing.T) {
	store, pool := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))
	require.NoError(t, store.Create(ctx, "s2", "agent-2", models.CreateSessionOptions{}))
	seedKV(t, pool, func(ctx context.Context, f *kv.Facade) error {
		return f.Set(ctx, recoveryDataKey, `{"sessions":[]}`, time.Hour)
	})

	ids, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}

func TestStoreStats(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))
	require.NoError(t, store.Create(ctx, "s2", "agent-2", models.CreateSessionOptions{}))
	require.NoError(t, store.AddAgent(ctx, "s2", "agent-1"))
	appendEvents(t, store, "s1", 3)
	appendEvents(t, store, "s2", 2)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 2, stats.SampledSessions)
	assert.Equal(t, int64(5), stats.TotalEvents)
	assert.Equal(t, 2, stats.UniqueAgents)
	assert.Positive(t, stats.ApproxMemoryBytes)
}

func TestStoreCleanupExpired(t *testing.T) {
	store, pool := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))
	// a document with no TTL is abandoned: nothing will ever expire it
	seedKV(t, pool, func(ctx context.Context, f *kv.Facade) error {
		return f.HSet(ctx, "session:orphan", map[string]any{
			"agentIds": `["agent-9"]`,
			"state":    "working",
			"events":   0,
		})
	})

	removed, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ids, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestStoreCleanupLoop(t *testing.T) {
	store, pool := newTestStore(t, func(c *config.SessionConfig) {
		c.CleanupInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	seedKV(t, pool, func(ctx context.Context, f *kv.Facade) error {
		return f.HSet(ctx, "session:orphan", map[string]any{
			"agentIds": `["agent-9"]`,
			"state":    "working",
			"events":   0,
		})
	})

	store.StartCleanup(ctx)
	require.Eventually(t, func() bool {
		ids, err := store.ListActive(ctx)
		return err == nil && len(ids) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Close())
}
