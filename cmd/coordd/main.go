// Coordd session coordination server. Serves the HTTP API, relays
// session events to WebSocket clients, and runs agent scheduling,
// rollback, replay, and migration over a shared Redis deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Amicidal/sigmachad-sub002/pkg/api"
	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/coordinator"
	"github.com/Amicidal/sigmachad-sub002/pkg/events"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/lifecycle"
	"github.com/Amicidal/sigmachad-sub002/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub002/pkg/migration"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
	"github.com/Amicidal/sigmachad-sub002/pkg/replay"
	"github.com/Amicidal/sigmachad-sub002/pkg/rollback"
	"github.com/Amicidal/sigmachad-sub002/pkg/session"
	"github.com/Amicidal/sigmachad-sub002/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	slog.Info("Starting coordd",
		"version", version.Full(),
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()
	logger := slog.Default()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to Redis
	pool, err := kv.NewPool(cfg.Redis, logger)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis")

	// 3. Metrics hub; components register their samples as they come up
	hub := metrics.NewHub(cfg.Metrics)
	hub.RegisterPoolStatsProbe(func() metrics.PoolStats {
		ps := pool.Stats()
		return metrics.PoolStats{
			Total:   ps.Total,
			InUse:   ps.InUse,
			Healthy: ps.Total - ps.Unhealthy,
			Waiters: ps.WaitingAcquires,
		}
	})
	hub.Start(ctx)

	// 4. Session store and manager
	baseStore := session.NewStore(pool, cfg.Session)
	var store session.API = baseStore
	if cfg.Session.Cache != nil {
		store = session.NewCachedStore(baseStore, pool, cfg.Session.Cache)
	}
	baseStore.StartCleanup(ctx)

	manager := session.NewManager(store, cfg.Session)
	manager.AttachMetrics(hub)
	bridge := session.NewBridge(store, nil)
	slog.Info("Session manager initialized",
		"default_ttl", cfg.Session.DefaultTTL,
		"cached", cfg.Session.Cache != nil)

	// 5. Agent coordinator
	coord, err := coordinator.NewCoordinator(pool, cfg.Coordinator)
	if err != nil {
		slog.Error("Failed to initialize coordinator", "error", err)
		os.Exit(1)
	}
	coord.Start(ctx)
	hub.RegisterAgentStatsProbe(coord.AgentStats)
	slog.Info("Agent coordinator started", "strategy", cfg.Coordinator.Strategy)

	// 6. Rollback manager
	rb := rollback.NewManager(cfg.Rollback)
	rb.AttachMetrics(hub)
	rb.SetReadyCheck(pool.Ping)
	rb.Start(ctx)
	if cfg.Session.EnableFailureSnapshots {
		// A checkpoint that aggregates to a broken outcome captures the
		// session state so the damage can be rolled back later.
		manager.SetFailureSnapshotFunc(func(ctx context.Context, sessionID string, cp *models.Checkpoint) error {
			rb.RegisterSource(rollback.NewSessionStateSource(store, sessionID))
			_, err := rb.CreateRollbackPoint(ctx,
				"failure-"+cp.ID,
				"automatic snapshot of a degraded checkpoint",
				map[string]any{"sessionId": sessionID, "checkpointId": cp.ID})
			return err
		})
	}

	// 7. Event relay: Redis pub/sub fanned out to WebSocket clients
	channels := events.NewChannels(cfg.Session)
	conns := events.NewConnectionManager(store, channels, 10*time.Second)
	listener := events.NewListener(pool, conns, channels)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start event listener", "error", err)
		os.Exit(1)
	}

	// Wire listener and manager bidirectional link
	conns.SetListener(listener)
	slog.Info("Event relay started", "global_channel", cfg.Session.GlobalChannel)

	// 8. Replay service
	replaySvc := replay.NewService(pool, store, logger)

	// 9. Cross-instance migration, only when a target is configured
	var migrator *migration.Migrator
	pools := []*kv.Pool{pool}
	if cfg.Migration.TargetURL != "" {
		targetCfg := kv.DefaultConfig()
		targetCfg.URL = cfg.Migration.TargetURL
		targetPool, err := kv.NewPool(targetCfg, logger)
		if err != nil {
			slog.Error("Failed to connect to migration target", "error", err)
			os.Exit(1)
		}
		migrator = migration.NewMigrator(pool, targetPool, cfg.Migration, logger)
		pools = append(pools, targetPool)
		slog.Info("Migration target connected", "batch_size", cfg.Migration.BatchSize)
	}

	// 10. Health aggregation
	health := lifecycle.NewHealthChecker(cfg.Lifecycle, hub, logger)
	health.Register("redis", lifecycle.PoolProbe(pool))
	health.Register("sessionStore", lifecycle.StoreProbe(store))
	health.Register("sessionManager", lifecycle.ManagerProbe(manager))
	health.Register("sessionReplay", lifecycle.ReplayProbe(replaySvc))
	if migrator != nil {
		health.Register("sessionMigration", lifecycle.MigrationProbe(migrator))
	}
	health.Start(ctx)

	// 11. Graceful shutdown coordinator
	components := lifecycle.Components{
		Health:  health,
		Store:   store,
		Manager: manager,
		Replay:  replaySvc,
		Hub:     hub,
		Pools:   pools,
		ConfigSnapshot: map[string]any{
			"podId":      podID,
			"strategy":   string(cfg.Coordinator.Strategy),
			"sessionTtl": cfg.Session.DefaultTTL.String(),
		},
	}
	if migrator != nil {
		components.Migration = migrator
	}
	graceful := lifecycle.NewGracefulShutdown(cfg.Lifecycle, components, logger)

	// 12. Create HTTP server
	httpServer := api.NewServer(cfg, manager, bridge, coord, rb, conns, hub, logger)
	httpServer.SetHealthChecker(health)

	// 13. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Coordd started successfully",
		"pod_id", podID,
		"port", cfg.Server.Port)

	// 14. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 15. Stop intake first: close client connections and background loops
	conns.CloseAll("server shutting down")
	listener.Stop()
	if err := coord.Close(); err != nil {
		slog.Error("Error closing coordinator", "error", err)
	}
	rb.Close()

	// 16. Drain, checkpoint, persist recovery data, close components
	result, err := graceful.Shutdown(ctx)
	if err != nil {
		slog.Error("Graceful shutdown error", "error", err)
	} else {
		slog.Info("Session drain finished",
			"phase", string(result.Phase),
			"active_sessions", result.ActiveSessions,
			"checkpointed", result.Checkpointed,
			"recovery_written", result.RecoveryWritten,
			"duration", result.Duration)
	}

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
