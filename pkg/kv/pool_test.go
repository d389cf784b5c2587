package kv

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, mutate func(*Config)) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultConfig()
	cfg.URL = "redis://" + mr.Addr()
	cfg.MinConnections = 1
	cfg.MaxConnections = 2
	cfg.AcquireTimeout = 200 * time.Millisecond
	cfg.HealthCheckInterval = time.Hour // keep the probe loop out of timing tests
	if mutate != nil {
		mutate(&cfg)
	}

	pool, err := NewPool(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool, mr
}

func TestPoolAcquireRelease(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	ctx := context.Background()

	c1, err := pool.Acquire(ctx, ConnTypeAny)
	require.NoError(t, err)
	c2, err := pool.Acquire(ctx, ConnTypeWrite)
	require.NoError(t, err)

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.InUse)

	pool.Release(c1)
	pool.Release(c2)
	stats = pool.Stats()
	assert.Equal(t, 2, stats.Idle)
	assert.Zero(t, stats.InUse)
}

func TestPoolBlocksAndServesWaiterOnRelease(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	ctx := context.Background()

	c1, err := pool.Acquire(ctx, ConnTypeAny)
	require.NoError(t, err)
	c2, err := pool.Acquire(ctx, ConnTypeAny)
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := pool.Acquire(ctx, ConnTypeAny)
		if err == nil {
			got <- c
		}
	}()

	// The third acquire has to queue behind the two in-use connections.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("acquire should block while the pool is saturated")
	default:
	}

	pool.Release(c1)
	select {
	case c := <-got:
		pool.Release(c)
	case <-time.After(time.Second):
		t.Fatal("waiter was not served after a release")
	}
	pool.Release(c2)
}

func TestPoolAcquireTimeout(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	ctx := context.Background()

	c1, err := pool.Acquire(ctx, ConnTypeAny)
	require.NoError(t, err)
	c2, err := pool.Acquire(ctx, ConnTypeAny)
	require.NoError(t, err)
	defer pool.Release(c1)
	defer pool.Release(c2)

	_, err = pool.Acquire(ctx, ConnTypeAny)
	require.Error(t, err)
	var kvErr *Error
	require.ErrorAs(t, err, &kvErr)
	assert.Equal(t, ErrKindTimeout, kvErr.Kind)
	assert.Equal(t, int64(1), pool.Stats().AcquireTimeouts)
}

func TestPoolExecuteRetriesTransient(t *testing.T) {
	pool, _ := newTestPool(t, func(cfg *Config) {
		cfg.MaxRetries = 3
		cfg.RetryBackoff = time.Millisecond
	})

	calls := 0
	err := pool.Execute(context.Background(), ConnTypeAny, func(ctx context.Context, f *Facade) error {
		calls++
		if calls < 3 {
			return &Error{Kind: ErrKindTransient, Op: "test", Err: errors.New("flaky")}
		}
		return f.Ping(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPoolExecuteDoesNotRetryProtocolErrors(t *testing.T) {
	pool, _ := newTestPool(t, nil)

	calls := 0
	err := pool.Execute(context.Background(), ConnTypeAny, func(ctx context.Context, f *Facade) error {
		calls++
		return &Error{Kind: ErrKindProtocol, Op: "test", Err: errors.New("bad command")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPoolPipelineRunsOnOneConnection(t *testing.T) {
	pool, mr := newTestPool(t, nil)
	ctx := context.Background()

	err := pool.Pipeline(ctx, ConnTypeWrite, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, "events:s1", redis.Z{Score: 1, Member: `{"seq":1}`})
		pipe.HSet(ctx, "session:s1", "state", "working")
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("events:s1"))
	assert.True(t, mr.Exists("session:s1"))
}

func TestPoolShutdown(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	ctx := context.Background()

	c, err := pool.Acquire(ctx, ConnTypeAny)
	require.NoError(t, err)
	pool.Release(c)

	require.NoError(t, pool.Shutdown(ctx))

	_, err = pool.Acquire(ctx, ConnTypeAny)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Zero(t, pool.Stats().Total)
}

func TestPoolHealthLoopRetiresUnhealthy(t *testing.T) {
	pool, mr := newTestPool(t, func(cfg *Config) {
		cfg.MinConnections = 1
		cfg.MaxConnections = 3
		cfg.HealthCheckInterval = 30 * time.Millisecond
	})
	ctx := context.Background()

	// Grow the pool beyond the minimum.
	c1, err := pool.Acquire(ctx, ConnTypeAny)
	require.NoError(t, err)
	c2, err := pool.Acquire(ctx, ConnTypeAny)
	require.NoError(t, err)
	pool.Release(c1)
	pool.Release(c2)
	require.Equal(t, 2, pool.Stats().Total)

	// Kill the backing server; probes start failing and the loop retires
	// connections down to the minimum.
	mr.Close()
	assert.Eventually(t, func() bool {
		return pool.Stats().Total <= 1
	}, 2*time.Second, 20*time.Millisecond)
}
