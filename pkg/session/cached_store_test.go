package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

func newTestCachedStore(t *testing.T, mutate func(*config.SessionConfig)) (*CachedStore, *Store, *kv.Pool) {
	t.Helper()
	pool, _ := newTestPool(t)
	cfg := config.DefaultSessionConfig()
	cfg.Cache.PipelineTimeout = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	inner := NewStore(pool, cfg)
	cached := NewCachedStore(inner, pool, cfg.Cache)
	t.Cleanup(func() { _ = cached.Close() })
	return cached, inner, pool
}

func TestCachedGetServesFromCache(t *testing.T) {
	cached, _, pool := newTestCachedStore(t, func(c *config.SessionConfig) {
		c.Cache.TTL = 40 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, cached.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{
		InitialEntityIDs: []string{"entity:parser"},
	}))

	// mutate the document behind the cache's back
	seedKV(t, pool, func(ctx context.Context, f *kv.Facade) error {
		return f.HSet(ctx, "session:s1", map[string]any{"state": "broken"})
	})

	doc, err := cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateWorking, doc.State, "cache hit ignores the store")
	assert.Equal(t, int64(1), doc.Events)
	assert.Empty(t, doc.RecentEvents, "cached documents carry no events")

	t.Run("returned documents are copies", func(t *testing.T) {
		doc.AgentIDs[0] = "mutated"
		again, err := cached.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"agent-1"}, again.AgentIDs)
	})

	t.Run("expired entries fall back to the store", func(t *testing.T) {
		time.Sleep(60 * time.Millisecond)
		doc, err := cached.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStateBroken, doc.State)
		require.Len(t, doc.RecentEvents, 1, "store reads hydrate recent events")
	})
}

func TestCachedUpdate(t *testing.T) {
	cached, inner, _ := newTestCachedStore(t, nil)
	ctx := context.Background()
	require.NoError(t, cached.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	state := models.SessionStateCoordinating
	require.NoError(t, cached.Update(ctx, "s1", Patch{State: &state}))

	doc, err := cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateCoordinating, doc.State)

	// the batched write has already flushed: Update blocks on its result
	stored, err := inner.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateCoordinating, stored.State)

	t.Run("uncached sessions take the checked path", func(t *testing.T) {
		err := cached.Update(ctx, "ghost", Patch{State: &state})
		require.Error(t, err)
		assert.True(t, IsNotFound(err))

		require.NoError(t, inner.Create(ctx, "s2", "agent-1", models.CreateSessionOptions{}))
		require.NoError(t, cached.Update(ctx, "s2", Patch{State: &state}))
		stored, err := inner.Get(ctx, "s2")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStateCoordinating, stored.State)
	})
}

func TestCachedAppendEvent(t *testing.T) {
	cached, inner, _ := newTestCachedStore(t, nil)
	ctx := context.Background()
	require.NoError(t, cached.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	for i := 1; i <= 3; i++ {
		event := &models.SessionEvent{
			Seq:       int64(i),
			Timestamp: time.Now().UTC(),
			Type:      models.EventTypeModified,
			Actor:     "agent-1",
		}
		require.NoError(t, cached.AppendEvent(ctx, "s1", event))
	}

	events, err := inner.Events(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, eventSeqs(events))

	doc, err := cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Events, "the cached document tracks the latest seq")

	t.Run("transitions update both stores", func(t *testing.T) {
		event := &models.SessionEvent{
			Seq:   4,
			Type:  models.EventTypeBroke,
			Actor: "agent-1",
			StateTransition: &models.StateTransition{
				From: models.SessionStateWorking,
				To:   models.SessionStateBroken,
			},
		}
		require.NoError(t, cached.AppendEvent(ctx, "s1", event))

		doc, err := cached.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStateBroken, doc.State)

		stored, err := inner.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStateBroken, stored.State)
	})
}

func TestCachedAppendEventRejectsCompleted(t *testing.T) {
	cached, inner, _ := newTestCachedStore(t, nil)
	ctx := context.Background()
	require.NoError(t, cached.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	state := models.SessionStateCompleted
	require.NoError(t, cached.Update(ctx, "s1", Patch{State: &state}))

	event := &models.SessionEvent{Seq: 1, Type: models.EventTypeModified, Actor: "agent-1"}
	err := cached.AppendEvent(ctx, "s1", event)
	require.Error(t, err)
	assert.Equal(t, CodeEventAddFailed, CodeOf(err))

	t.Run("uncached sessions hit the checked path", func(t *testing.T) {
		require.NoError(t, inner.Create(ctx, "s2", "agent-1", models.CreateSessionOptions{}))
		require.NoError(t, inner.Update(ctx, "s2", Patch{State: &state}))

		err := cached.AppendEvent(ctx, "s2", event)
		require.Error(t, err)
		assert.Equal(t, CodeEventAddFailed, CodeOf(err))
	})
}

func TestCachedDelete(t *testing.T) {
	cached, inner, _ := newTestCachedStore(t, nil)
	ctx := context.Background()
	require.NoError(t, cached.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	require.NoError(t, cached.Delete(ctx, "s1"))

	_, err := inner.Get(ctx, "s1")
	assert.True(t, IsNotFound(err))
	_, err = cached.Get(ctx, "s1")
	assert.True(t, IsNotFound(err), "the cache entry is dropped with the keys")
}

func TestCachedBatchFlushesAtBatchSize(t *testing.T) {
	cached, inner, _ := newTestCachedStore(t, func(c *config.SessionConfig) {
		c.Cache.BatchSize = 2
		c.Cache.PipelineTimeout = time.Hour // only size can trigger the flush
	})
	ctx := context.Background()
	require.NoError(t, cached.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := &models.SessionEvent{
				Seq:   int64(i + 1),
				Type:  models.EventTypeModified,
				Actor: "agent-1",
			}
			errs[i] = cached.AppendEvent(ctx, "s1", event)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("the batch never flushed at batch size")
	}
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	events, err := inner.Events(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, eventSeqs(events))
}

func TestCachedCloseFlushesQueuedWrites(t *testing.T) {
	cached, inner, _ := newTestCachedStore(t, func(c *config.SessionConfig) {
		c.Cache.BatchSize = 50
		c.Cache.PipelineTimeout = time.Hour // nothing flushes until close
	})
	ctx := context.Background()
	require.NoError(t, cached.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	done := make(chan error, 1)
	go func() {
		event := &models.SessionEvent{Seq: 1, Type: models.EventTypeModified, Actor: "agent-1"}
		done <- cached.AppendEvent(ctx, "s1", event)
	}()
	time.Sleep(20 * time.Millisecond) // let the op reach the batcher

	require.NoError(t, cached.Close())
	require.NoError(t, <-done)

	events, err := inner.Events(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, eventSeqs(events))

	t.Run("writes after close are refused", func(t *testing.T) {
		event := &models.SessionEvent{Seq: 2, Type: models.EventTypeModified, Actor: "agent-1"}
		err := cached.AppendEvent(ctx, "s1", event)
		require.Error(t, err)
		assert.Equal(t, CodeStoreFailed, CodeOf(err))
	})
}

func TestCachedEvictsOverSize(t *testing.T) {
	cached, _, _ := newTestCachedStore(t, func(c *config.SessionConfig) {
		c.Cache.Size = 2
	})
	ctx := context.Background()

	require.NoError(t, cached.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))
	require.NoError(t, cached.Create(ctx, "s2", "agent-1", models.CreateSessionOptions{}))
	require.NoError(t, cached.Create(ctx, "s3", "agent-1", models.CreateSessionOptions{}))

	assert.Equal(t, 2, cached.CacheLen())

	// the oldest entry was evicted; reading it warms the cache again
	doc, err := cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.ID)
	assert.Equal(t, 2, cached.CacheLen())
}
