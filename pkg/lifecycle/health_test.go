package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub002/pkg/migration"
	"github.com/Amicidal/sigmachad-sub002/pkg/replay"
	"github.com/Amicidal/sigmachad-sub002/pkg/session"
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

func newTestChecker(t *testing.T, hub *metrics.Hub) *HealthChecker {
	t.Helper()
	return NewHealthChecker(config.DefaultLifecycleConfig(), hub, slog.Default())
}

func TestGetHealthAllComponentsHealthy(t *testing.T) {
	pool, _ := newTestPool(t)
	target, _ := newTestPool(t)
	scfg := config.DefaultSessionConfig()
	store := session.NewStore(pool, scfg)
	manager := session.NewManager(store, scfg)
	replaySvc := replay.NewService(pool, store, slog.Default())
	migrator := migration.NewMigrator(pool, target, nil, slog.Default())

	checker := newTestChecker(t, nil)
	checker.Register(ComponentRedis, PoolProbe(pool))
	checker.Register(ComponentSessionStore, StoreProbe(store))
	checker.Register(ComponentSessionManager, ManagerProbe(manager))
	checker.Register(ComponentSessionReplay, ReplayProbe(replaySvc))
	checker.Register(ComponentSessionMigration, MigrationProbe(migrator))

	health := checker.GetHealth(context.Background())

	assert.Equal(t, StatusHealthy, health.Overall)
	require.Len(t, health.Components, 5)
	for name, ch := range health.Components {
		assert.Equal(t, StatusHealthy, ch.Status, name)
		assert.False(t, ch.LastCheck.IsZero(), name)
		assert.GreaterOrEqual(t, ch.Latency, 0.0, name)
		assert.Zero(t, ch.ErrorRate, name)
		assert.NotEmpty(t, ch.Details, name)
	}
	assert.Contains(t, health.Components[ComponentSessionStore].Details, "active sessions")
	assert.Contains(t, health.Components[ComponentSessionManager].Details, "sequence counters")
}

func TestGetHealthWorstComponentWins(t *testing.T) {
	checker := newTestChecker(t, nil)
	checker.Register("good", func(ctx context.Context) (string, error) {
		return "fine", nil
	})
	checker.Register("bad", func(ctx context.Context) (string, error) {
		return "", errors.New("backend unreachable")
	})

	health := checker.GetHealth(context.Background())

	assert.Equal(t, StatusDown, health.Overall)
	assert.Equal(t, StatusHealthy, health.Components["good"].Status)
	assert.Equal(t, StatusDown, health.Components["bad"].Status)
	assert.Equal(t, "backend unreachable", health.Components["bad"].Details)
}

func TestGetHealthErrorRateRecovery(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	checker := newTestChecker(t, nil)
	checker.Register("flaky", func(ctx context.Context) (string, error) {
		if fail.Load() {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	ctx := context.Background()

	health := checker.GetHealth(ctx)
	assert.Equal(t, StatusDown, health.Components["flaky"].Status)

	// One failure in a window of two keeps the component critical even
	// though the probe itself now succeeds.
	fail.Store(false)
	health = checker.GetHealth(ctx)
	assert.Equal(t, StatusCritical, health.Components["flaky"].Status)
	assert.InDelta(t, 0.5, health.Components["flaky"].ErrorRate, 0.001)

	for i := 0; i < probeWindow; i++ {
		health = checker.GetHealth(ctx)
	}
	assert.Equal(t, StatusHealthy, health.Components["flaky"].Status)
	assert.Zero(t, health.Components["flaky"].ErrorRate)
}

func TestGetHealthIncludesMetricsAndAlerts(t *testing.T) {
	hub := metrics.NewHub(config.DefaultMetricsConfig())
	checker := newTestChecker(t, hub)
	checker.Register("noop", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	ctx := context.Background()

	health := checker.GetHealth(ctx)
	assert.Nil(t, health.Metrics)
	assert.Empty(t, health.Alerts)

	hub.TakeSnapshot()
	health = checker.GetHealth(ctx)
	require.NotNil(t, health.Metrics)
	assert.False(t, health.Metrics.Timestamp.IsZero())
	assert.Empty(t, health.Alerts)
}

func TestHealthCheckerStartStop(t *testing.T) {
	cfg := config.DefaultLifecycleConfig()
	cfg.HealthInterval = 20 * time.Millisecond

	checker := NewHealthChecker(cfg, nil, slog.Default())
	var calls atomic.Int32
	checker.Register("counter", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	})

	checker.Start(context.Background())
	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	checker.Stop()
	n := calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, calls.Load())

	checker.Stop()
}

func TestPoolProbeReportsFailure(t *testing.T) {
	pool, mr := newTestPool(t)
	probe := PoolProbe(pool)

	details, err := probe(context.Background())
	require.NoError(t, err)
	assert.Contains(t, details, "connections in use")

	mr.Close()
	_, err = probe(context.Background())
	require.Error(t, err)
}
