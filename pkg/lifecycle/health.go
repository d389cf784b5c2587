// Package lifecycle aggregates component health and drives the graceful
// shutdown sequence: drain active sessions, checkpoint them, persist
// recovery data, then close components in dependency order.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub002/pkg/migration"
	"github.com/Amicidal/sigmachad-sub002/pkg/replay"
	"github.com/Amicidal/sigmachad-sub002/pkg/session"
)

// Component names as they appear in health reports.
const (
	ComponentSessionManager   = "sessionManager"
	ComponentRedis            = "redis"
	ComponentSessionStore     = "sessionStore"
	ComponentSessionReplay    = "sessionReplay"
	ComponentSessionMigration = "sessionMigration"
)

// probeTimeout bounds a single component check.
const probeTimeout = 5 * time.Second

// probeWindow is how many recent checks feed a component's error rate.
const probeWindow = 20

// Grading thresholds. These track the default alert rules so the health
// endpoint and the alert engine agree on what degraded means.
const (
	latencyWarnThreshold   = time.Second
	errorRateCritThreshold = 0.05
)

// Status grades one component or the whole process.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusDown     Status = "down"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	default:
		return 3
	}
}

// worse returns the more severe of two statuses.
func worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ComponentHealth is one dependency's latest probe outcome. Latency is in
// milliseconds; ErrorRate is the failure fraction over the recent window.
type ComponentHealth struct {
	Status    Status    `json:"status"`
	Latency   float64   `json:"latency"`
	ErrorRate float64   `json:"errorRate"`
	LastCheck time.Time `json:"lastCheck"`
	Details   string    `json:"details,omitempty"`
}

// Health is the aggregated process view. Overall is the worst component
// status; Metrics carries the latest snapshot when one has been taken.
type Health struct {
	Overall    Status                     `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
	Metrics    *metrics.Snapshot          `json:"metrics,omitempty"`
	Alerts     []metrics.Alert            `json:"alerts"`
}

// Probe checks one dependency. The returned details string describes the
// healthy state; a non-nil error marks the component down and its message
// replaces the details.
type Probe func(ctx context.Context) (details string, err error)

// healthProbeID is a session id reserved for probing. It never exists, so
// reads against it are cheap but still cross the full store path.
const healthProbeID = "health-probe"

// PoolProbe reports Redis connectivity and pool occupancy.
func PoolProbe(pool *kv.Pool) Probe {
	return func(ctx context.Context) (string, error) {
		if err := pool.Ping(ctx); err != nil {
			return "", err
		}
		st := pool.Stats()
		return fmt.Sprintf("%d/%d connections in use, %d waiters", st.InUse, st.Total, st.WaitingAcquires), nil
	}
}

// StoreProbe reports the active session population through the store.
func StoreProbe(store session.API) Probe {
	return func(ctx context.Context) (string, error) {
		ids, err := store.ListActive(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d active sessions", len(ids)), nil
	}
}

// ManagerProbe verifies the manager's store path answers and reports how
// much in-memory state the manager is tracking.
func ManagerProbe(m *session.Manager) Probe {
	return func(ctx context.Context) (string, error) {
		if _, err := m.Store().LastSeq(ctx, healthProbeID); err != nil {
			return "", err
		}
		counters, deletions := m.Tracked()
		return fmt.Sprintf("%d sequence counters, %d scheduled deletions", counters, deletions), nil
	}
}

// ReplayProbe reports the replay index size.
func ReplayProbe(svc *replay.Service) Probe {
	return func(ctx context.Context) (string, error) {
		n, err := svc.Count(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d recordings", n), nil
	}
}

// MigrationProbe verifies both migration endpoints answer.
func MigrationProbe(m *migration.Migrator) Probe {
	return func(ctx context.Context) (string, error) {
		if err := m.Ping(ctx); err != nil {
			return "", err
		}
		return "source and target reachable", nil
	}
}

// probeHistory is a fixed window of recent probe outcomes.
type probeHistory struct {
	results [probeWindow]bool
	next    int
	filled  int
}

func (h *probeHistory) record(ok bool) {
	h.results[h.next] = ok
	h.next = (h.next + 1) % probeWindow
	if h.filled < probeWindow {
		h.filled++
	}
}

func (h *probeHistory) errorRate() float64 {
	if h.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < h.filled; i++ {
		if !h.results[i] {
			failures++
		}
	}
	return float64(failures) / float64(h.filled)
}

type namedProbe struct {
	name  string
	probe Probe
}

// HealthChecker runs registered component probes on demand and on a timer.
type HealthChecker struct {
	cfg    *config.LifecycleConfig
	hub    *metrics.Hub
	logger *slog.Logger

	mu      sync.Mutex
	probes  []namedProbe
	history map[string]*probeHistory

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthChecker builds a checker with no probes registered. The hub may
// be nil; when present, per-component status is exported as a gauge.
func NewHealthChecker(cfg *config.LifecycleConfig, hub *metrics.Hub, logger *slog.Logger) *HealthChecker {
	if cfg == nil {
		cfg = config.DefaultLifecycleConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	hub.Declare("component_health_status",
		"Component health by severity (0 healthy, 1 warning, 2 critical, 3 down)",
		metrics.KindGauge, "component")
	return &HealthChecker{
		cfg:     cfg,
		hub:     hub,
		logger:  logger,
		history: make(map[string]*probeHistory),
	}
}

// Register adds a named component probe. Registration order is the order
// components are checked.
func (c *HealthChecker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, namedProbe{name: name, probe: probe})
	c.history[name] = &probeHistory{}
}

// GetHealth probes every registered component now and aggregates the worst
// status into the overall verdict.
func (c *HealthChecker) GetHealth(ctx context.Context) Health {
	c.mu.Lock()
	probes := make([]namedProbe, len(c.probes))
	copy(probes, c.probes)
	c.mu.Unlock()

	health := Health{
		Overall:    StatusHealthy,
		Components: make(map[string]ComponentHealth, len(probes)),
		Alerts:     []metrics.Alert{},
	}
	for _, p := range probes {
		ch := c.check(ctx, p)
		health.Components[p.name] = ch
		health.Overall = worse(health.Overall, ch.Status)
		c.hub.SetGauge("component_health_status",
			metrics.Labels{"component": p.name}, float64(ch.Status.rank()))
	}
	if snap, ok := c.hub.LatestSnapshot(); ok {
		health.Metrics = &snap
	}
	if alerts := c.hub.ActiveAlerts(); len(alerts) > 0 {
		health.Alerts = alerts
	}
	return health
}

func (c *HealthChecker) check(ctx context.Context, p namedProbe) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	details, err := p.probe(ctx)
	latency := time.Since(start)

	c.mu.Lock()
	hist := c.history[p.name]
	hist.record(err == nil)
	rate := hist.errorRate()
	c.mu.Unlock()

	status := StatusHealthy
	switch {
	case err != nil:
		status = StatusDown
		details = err.Error()
	case rate > errorRateCritThreshold:
		status = StatusCritical
	case latency > latencyWarnThreshold:
		status = StatusWarning
	}
	if err != nil {
		c.logger.Warn("Component probe failed", "component", p.name, "error", err)
	}
	return ComponentHealth{
		Status:    status,
		Latency:   float64(latency.Microseconds()) / 1000,
		ErrorRate: rate,
		LastCheck: time.Now().UTC(),
		Details:   details,
	}
}

// Start launches the periodic health loop. Degraded overall status is
// logged; callers wanting the full report use GetHealth.
func (c *HealthChecker) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				health := c.GetHealth(ctx)
				if health.Overall != StatusHealthy {
					c.logger.Warn("Process health degraded", "overall", string(health.Overall))
				}
			}
		}
	}()
	c.logger.Info("Health checker started", "interval", c.cfg.HealthInterval)
}

// Stop halts the periodic loop. GetHealth keeps working after Stop.
func (c *HealthChecker) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.logger.Info("Health checker stopped")
}
