package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
	"github.com/Amicidal/sigmachad-sub002/pkg/session"
)

// recoveryDataKey holds the shutdown blob the next process reads on
// startup to resume interrupted sessions.
const recoveryDataKey = "session:recovery:data"

// forceCloseGrace is the hard deadline the forced path races component
// closing against.
const forceCloseGrace = 5 * time.Second

// ErrShutdownStarted rejects a second Shutdown call.
var ErrShutdownStarted = errors.New("shutdown already started")

// Phase is where the shutdown sequence currently is. Before Shutdown is
// called the phase is empty.
type Phase string

const (
	PhaseInitiated     Phase = "initiated"
	PhaseDraining      Phase = "draining"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseCleanup       Phase = "cleanup"
	PhaseComplete      Phase = "complete"
	PhaseForced        Phase = "forced"
)

// Checkpointer is the slice of the session manager shutdown depends on.
type Checkpointer interface {
	Checkpoint(ctx context.Context, sessionID string, opts models.CheckpointOptions) (*models.Checkpoint, error)
	Close() error
}

// Components is everything shutdown drains and closes. Nil members are
// skipped, so a deployment without replay or migration wires fewer fields.
type Components struct {
	Health    *HealthChecker
	Store     session.API
	Manager   Checkpointer
	Replay    io.Closer
	Migration io.Closer
	Hub       *metrics.Hub

	// Pools close last; the first one also receives the recovery blob.
	Pools []*kv.Pool

	// ConfigSnapshot is embedded verbatim in the recovery blob.
	ConfigSnapshot map[string]any
}

// Result summarizes a completed shutdown.
type Result struct {
	Phase           Phase         `json:"phase"`
	ActiveSessions  int           `json:"activeSessions"`
	Checkpointed    int           `json:"checkpointed"`
	RecoveryWritten bool          `json:"recoveryWritten"`
	Errors          []string      `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// GracefulShutdown drives the drain, checkpoint, recovery-data and close
// sequence. Each phase gets ForceCloseAfter to finish; a phase that
// overruns flips the run to the forced path, which races the component
// closes against a short deadline instead of waiting them out.
type GracefulShutdown struct {
	cfg    *config.LifecycleConfig
	comps  Components
	logger *slog.Logger

	started   atomic.Bool
	closeOnce sync.Once

	mu              sync.Mutex
	phase           Phase
	errs            []string
	activeSessions  int
	checkpointed    int
	recoveryWritten bool
}

// NewGracefulShutdown wires the shutdown coordinator. Nil cfg or logger
// fall back to defaults.
func NewGracefulShutdown(cfg *config.LifecycleConfig, comps Components, logger *slog.Logger) *GracefulShutdown {
	if cfg == nil {
		cfg = config.DefaultLifecycleConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GracefulShutdown{cfg: cfg, comps: comps, logger: logger}
}

// Phase reports where the sequence currently is.
func (g *GracefulShutdown) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

func (g *GracefulShutdown) setPhase(p Phase) {
	g.mu.Lock()
	g.phase = p
	g.mu.Unlock()
	g.logger.Info("Shutdown phase", "phase", string(p))
}

func (g *GracefulShutdown) addErr(msg string) {
	g.mu.Lock()
	g.errs = append(g.errs, msg)
	g.mu.Unlock()
}

// Shutdown runs the whole sequence and reports what happened. Only the
// first caller runs it; later calls fail with ErrShutdownStarted.
func (g *GracefulShutdown) Shutdown(ctx context.Context) (*Result, error) {
	if g.started.Swap(true) {
		return nil, ErrShutdownStarted
	}
	start := time.Now()

	g.setPhase(PhaseInitiated)
	if g.comps.Health != nil {
		g.comps.Health.Stop()
	}

	forced := false
	var ids []string
	if !g.runPhase(ctx, PhaseDraining, func(ctx context.Context) {
		ids = g.drain(ctx)
	}) {
		forced = true
	}

	var sessions []models.RecoverySession
	if !forced && !g.runPhase(ctx, PhaseCheckpointing, func(ctx context.Context) {
		sessions = g.checkpoint(ctx, ids)
	}) {
		forced = true
	}

	if !forced && !g.runPhase(ctx, PhaseCleanup, func(ctx context.Context) {
		g.writeRecovery(ctx, sessions)
		g.closeComponents(ctx)
	}) {
		forced = true
	}

	if forced {
		g.forceClose()
		g.setPhase(PhaseForced)
	} else {
		g.setPhase(PhaseComplete)
	}

	g.mu.Lock()
	res := &Result{
		Phase:           g.phase,
		ActiveSessions:  g.activeSessions,
		Checkpointed:    g.checkpointed,
		RecoveryWritten: g.recoveryWritten,
		Errors:          append([]string(nil), g.errs...),
		Duration:        time.Since(start),
	}
	g.mu.Unlock()

	g.logger.Info("Shutdown finished",
		"phase", string(res.Phase),
		"active_sessions", res.ActiveSessions,
		"checkpointed", res.Checkpointed,
		"recovery_written", res.RecoveryWritten,
		"errors", len(res.Errors),
		"duration", res.Duration)
	return res, nil
}

// runPhase runs fn under the phase budget. False means the budget was
// exceeded and the caller must switch to the forced path; the overrunning
// goroutine is abandoned.
func (g *GracefulShutdown) runPhase(ctx context.Context, phase Phase, fn func(context.Context)) bool {
	g.setPhase(phase)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	select {
	case <-done:
		return true
	case <-time.After(g.cfg.ForceCloseAfter):
		g.logger.Error("Shutdown phase exceeded budget",
			"phase", string(phase), "budget", g.cfg.ForceCloseAfter)
		g.addErr(fmt.Sprintf("phase %s exceeded %s", phase, g.cfg.ForceCloseAfter))
		return false
	}
}

// drain lists the active population and puts every session on the short
// drain TTL so sessions abandoned mid-shutdown expire quickly.
func (g *GracefulShutdown) drain(ctx context.Context) []string {
	if g.comps.Store == nil {
		return nil
	}
	ids, err := g.comps.Store.ListActive(ctx)
	if err != nil {
		g.addErr("list active sessions: " + err.Error())
		return nil
	}
	g.mu.Lock()
	g.activeSessions = len(ids)
	g.mu.Unlock()

	for _, id := range ids {
		if err := g.comps.Store.SetTTL(ctx, id, g.cfg.DrainTTL); err != nil {
			g.addErr(fmt.Sprintf("drain %s: %v", id, err))
		}
	}
	g.logger.Info("Active sessions draining", "count", len(ids), "drain_ttl", g.cfg.DrainTTL)
	return ids
}

// checkpoint captures a recovery row for every draining session and runs a
// final checkpoint on each. The document is read before checkpointing
// because the checkpoint mutates TTLs and may move state.
func (g *GracefulShutdown) checkpoint(ctx context.Context, ids []string) []models.RecoverySession {
	sessions := make([]models.RecoverySession, 0, len(ids))
	for _, id := range ids {
		doc, err := g.comps.Store.Get(ctx, id)
		if err != nil {
			g.addErr(fmt.Sprintf("read %s: %v", id, err))
			continue
		}
		last := time.Now().UTC()
		if n := len(doc.RecentEvents); n > 0 {
			last = doc.RecentEvents[n-1].Timestamp
		}
		sessions = append(sessions, models.RecoverySession{
			SessionID:    id,
			State:        doc.State,
			AgentIDs:     doc.AgentIDs,
			Events:       doc.Events,
			LastActivity: last,
		})

		if g.comps.Manager == nil {
			continue
		}
		// GraceTTL keeps the drain deadline; without it the checkpoint
		// would stretch the session's life past the shutdown window.
		opts := models.CheckpointOptions{FailureSnapshot: true, GraceTTL: g.cfg.DrainTTL}
		if _, err := g.comps.Manager.Checkpoint(ctx, id, opts); err != nil {
			g.addErr(fmt.Sprintf("checkpoint %s: %v", id, err))
			continue
		}
		g.mu.Lock()
		g.checkpointed++
		g.mu.Unlock()
	}
	g.logger.Info("Sessions checkpointed", "count", len(sessions))
	return sessions
}

// writeRecovery persists the blob a restarted process reads to resume.
func (g *GracefulShutdown) writeRecovery(ctx context.Context, sessions []models.RecoverySession) {
	if !g.cfg.PreserveData {
		g.logger.Info("Recovery data disabled, skipping persist")
		return
	}
	if len(g.comps.Pools) == 0 {
		g.addErr("recovery data: no pool available")
		return
	}

	g.mu.Lock()
	errs := append([]string(nil), g.errs...)
	g.mu.Unlock()

	data := models.RecoveryData{
		Timestamp:      time.Now().UTC(),
		ActiveSessions: sessions,
		Configuration:  g.comps.ConfigSnapshot,
		Statistics:     g.statistics(ctx),
		Errors:         errs,
	}
	raw, err := json.Marshal(&data)
	if err != nil {
		g.addErr("recovery data: " + err.Error())
		return
	}

	err = g.comps.Pools[0].Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		return f.Set(ctx, recoveryDataKey, string(raw), g.cfg.RecoveryDataTTL)
	})
	if err != nil {
		g.addErr("recovery data: " + err.Error())
		return
	}
	g.mu.Lock()
	g.recoveryWritten = true
	g.mu.Unlock()
	g.logger.Info("Recovery data persisted",
		"sessions", len(sessions), "ttl", g.cfg.RecoveryDataTTL)
}

// statistics samples the final population numbers for the recovery blob.
func (g *GracefulShutdown) statistics(ctx context.Context) map[string]any {
	if g.comps.Store == nil {
		return nil
	}
	stats, err := g.comps.Store.Stats(ctx)
	if err != nil {
		g.addErr("final statistics: " + err.Error())
		return nil
	}
	return map[string]any{
		"activeSessions":    stats.ActiveSessions,
		"totalEvents":       stats.TotalEvents,
		"uniqueAgents":      stats.UniqueAgents,
		"approxMemoryBytes": stats.ApproxMemoryBytes,
		"sampledSessions":   stats.SampledSessions,
	}
}

// closeComponents closes everything in dependency order: consumers before
// the store, the store before the pools it runs on. Runs at most once; the
// forced path shares it with the orderly cleanup phase.
func (g *GracefulShutdown) closeComponents(ctx context.Context) {
	g.closeOnce.Do(func() {
		g.closeOne("replay", g.comps.Replay)
		g.closeOne("migration", g.comps.Migration)
		if g.comps.Manager != nil {
			if err := g.comps.Manager.Close(); err != nil {
				g.addErr("close manager: " + err.Error())
			}
		}
		if g.comps.Store != nil {
			if err := g.comps.Store.Close(); err != nil {
				g.addErr("close store: " + err.Error())
			}
		}
		g.comps.Hub.Stop()
		for _, p := range g.comps.Pools {
			if err := p.Shutdown(ctx); err != nil {
				g.addErr("pool shutdown: " + err.Error())
			}
		}
	})
}

func (g *GracefulShutdown) closeOne(name string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		g.addErr(fmt.Sprintf("close %s: %v", name, err))
	}
}

// forceClose abandons phase order and races the close sequence against a
// hard deadline.
func (g *GracefulShutdown) forceClose() {
	g.logger.Warn("Forcing component close", "deadline", forceCloseGrace)
	ctx, cancel := context.WithTimeout(context.Background(), forceCloseGrace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.closeComponents(ctx)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.addErr("forced close exceeded deadline")
		g.logger.Error("Forced close exceeded deadline", "deadline", forceCloseGrace)
	}
}
