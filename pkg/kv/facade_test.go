package kv

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFacade(t *testing.T) (*Facade, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultConfig()
	cfg.URL = "redis://" + mr.Addr()
	client, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewFacade(client), mr
}

func TestFacadeHashOperations(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	err := f.HSet(ctx, "session:abc", map[string]any{
		"state":  "working",
		"events": 3,
	})
	require.NoError(t, err)

	state, err := f.HGet(ctx, "session:abc", "state")
	require.NoError(t, err)
	assert.Equal(t, "working", state)

	fields, err := f.HGetAll(ctx, "session:abc")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"state": "working", "events": "3"}, fields)

	t.Run("missing field is not-found", func(t *testing.T) {
		_, err := f.HGet(ctx, "session:abc", "nope")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("missing hash reads empty", func(t *testing.T) {
		fields, err := f.HGetAll(ctx, "session:missing")
		require.NoError(t, err)
		assert.Empty(t, fields)
	})
}

func TestFacadeSortedSets(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.ZAdd(ctx, "events:s1", 0, "INIT"))
	require.NoError(t, f.ZAdd(ctx, "events:s1", 1, `{"seq":1}`))
	require.NoError(t, f.ZAdd(ctx, "events:s1", 2, `{"seq":2}`))
	require.NoError(t, f.ZAdd(ctx, "events:s1", 3, `{"seq":3}`))

	count, err := f.ZCard(ctx, "events:s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	t.Run("range by rank", func(t *testing.T) {
		members, err := f.ZRange(ctx, "events:s1", -2, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{`{"seq":2}`, `{"seq":3}`}, members)
	})

	t.Run("range by score with bounds", func(t *testing.T) {
		members, err := f.ZRangeByScore(ctx, "events:s1", 2, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{`{"seq":2}`, `{"seq":3}`}, members)
	})

	t.Run("range by score unbounded", func(t *testing.T) {
		members, err := f.ZRangeByScore(ctx, "events:s1", math.Inf(-1), math.Inf(1))
		require.NoError(t, err)
		assert.Len(t, members, 4)
	})

	t.Run("range with scores", func(t *testing.T) {
		members, err := f.ZRangeWithScores(ctx, "events:s1", -1, -1)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, float64(3), members[0].Score)
	})

	t.Run("remove member", func(t *testing.T) {
		require.NoError(t, f.ZRem(ctx, "events:s1", "INIT"))
		count, err := f.ZCard(ctx, "events:s1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})
}

func TestFacadeKeysAndTTL(t *testing.T) {
	f, mr := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.HSet(ctx, "session:one", map[string]any{"state": "working"}))
	require.NoError(t, f.HSet(ctx, "session:two", map[string]any{"state": "broken"}))
	require.NoError(t, f.Set(ctx, "other:key", "x", 0))

	keys, err := f.Keys(ctx, "session:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session:one", "session:two"}, keys)

	n, err := f.Exists(ctx, "session:one", "session:missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	t.Run("expire and ttl", func(t *testing.T) {
		require.NoError(t, f.Expire(ctx, "session:one", time.Minute))
		ttl, err := f.TTL(ctx, "session:one")
		require.NoError(t, err)
		assert.Greater(t, ttl, 50*time.Second)

		// no expiry set
		ttl, err = f.TTL(ctx, "session:two")
		require.NoError(t, err)
		assert.Equal(t, time.Duration(-1), ttl)

		mr.FastForward(2 * time.Minute)
		n, err := f.Exists(ctx, "session:one")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, f.Del(ctx, "session:two", "other:key"))
		n, err := f.Exists(ctx, "session:two", "other:key")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestFacadePubSub(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, "session:s1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.Publish(ctx, "session:s1", `{"type":"modified","sessionId":"s1"}`))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "session:s1", msg.Channel)
		assert.Contains(t, msg.Payload, `"modified"`)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a pub/sub delivery")
	}

	t.Run("add channel on same connection", func(t *testing.T) {
		require.NoError(t, sub.Add(ctx, "global:sessions"))
		require.NoError(t, f.Publish(ctx, "global:sessions", `{"type":"new","sessionId":"s2"}`))
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, "global:sessions", msg.Channel)
		case <-time.After(2 * time.Second):
			t.Fatal("expected a delivery on the added channel")
		}
	})

	t.Run("close stops delivery", func(t *testing.T) {
		require.NoError(t, sub.Close())
		_, ok := <-sub.Messages()
		assert.False(t, ok)
	})
}

func TestFacadeStringKeys(t *testing.T) {
	f, mr := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "session:recovery:data", `{"sessions":[]}`, 24*time.Hour))
	val, err := f.Get(ctx, "session:recovery:data")
	require.NoError(t, err)
	assert.Equal(t, `{"sessions":[]}`, val)

	mr.FastForward(25 * time.Hour)
	_, err = f.Get(ctx, "session:recovery:data")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
