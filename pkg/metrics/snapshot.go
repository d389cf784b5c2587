package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// PoolStats mirrors the connection pool's public counters so the hub does
// not depend on the kv package.
type PoolStats struct {
	Total   int `json:"total"`
	InUse   int `json:"inUse"`
	Healthy int `json:"healthy"`
	Waiters int `json:"waiters"`
}

// AgentStats is the coordinator's population summary
type AgentStats struct {
	Total       int     `json:"total"`
	Active      int     `json:"active"`
	Busy        int     `json:"busy"`
	Dead        int     `json:"dead"`
	AverageLoad float64 `json:"averageLoad"`
}

// SystemStats samples the Go runtime
type SystemStats struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	NumGC          uint32 `json:"numGC"`
}

// ErrorStats summarizes observed failures
type ErrorStats struct {
	Total float64 `json:"total"`
	// Rate is errors per operation since the previous snapshot, 0..1.
	Rate float64 `json:"rate"`
}

// Snapshot is one periodic sample of the whole system
type Snapshot struct {
	Timestamp           time.Time   `json:"timestamp"`
	ActiveSessions      float64     `json:"activeSessions"`
	TotalEvents         float64     `json:"totalEvents"`
	EventRate           float64     `json:"eventRate"`
	SessionCreationRate float64     `json:"sessionCreationRate"`
	AverageOpDuration   float64     `json:"averageOperationDurationSeconds"`
	Pool                PoolStats   `json:"connectionPool"`
	Agents              AgentStats  `json:"agents"`
	System              SystemStats `json:"system"`
	Errors              ErrorStats  `json:"errors"`

	// cumulative samples carried for rate computation against the next
	// snapshot
	createdCum float64
	opCountCum float64
}

// probe feeds external state into snapshots and gauges
type probe struct {
	name string
	fn   func(ctx context.Context)
}

// snapshotRing keeps snapshots no older than the retention window
type snapshotRing struct {
	retention time.Duration
	entries   []Snapshot
}

func newSnapshotRing(retentionDays int) *snapshotRing {
	if retentionDays <= 0 {
		retentionDays = 1
	}
	return &snapshotRing{retention: time.Duration(retentionDays) * 24 * time.Hour}
}

func (r *snapshotRing) add(s Snapshot) {
	cutoff := s.Timestamp.Add(-r.retention)
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	r.entries = append(kept, s)
}

func (r *snapshotRing) latest() (Snapshot, bool) {
	if len(r.entries) == 0 {
		return Snapshot{}, false
	}
	return r.entries[len(r.entries)-1], true
}

// RegisterProbe adds a callback the collection loop invokes before every
// snapshot. Probes typically read a component and SetGauge the result.
func (h *Hub) RegisterProbe(name string, fn func(ctx context.Context)) {
	if h == nil {
		return
	}
	h.spanMu.Lock()
	h.probes = append(h.probes, probe{name: name, fn: fn})
	h.spanMu.Unlock()
}

// RegisterPoolStatsProbe wires the connection pool sample into snapshots
// and the kv_pool_* gauges.
func (h *Hub) RegisterPoolStatsProbe(fn func() PoolStats) {
	h.RegisterProbe("kv_pool", func(ctx context.Context) {
		ps := fn()
		h.SetGauge("kv_pool_connections", Labels{"state": "total"}, float64(ps.Total))
		h.SetGauge("kv_pool_connections", Labels{"state": "in_use"}, float64(ps.InUse))
		h.SetGauge("kv_pool_connections", Labels{"state": "healthy"}, float64(ps.Healthy))
		h.SetGauge("kv_pool_waiters", nil, float64(ps.Waiters))
		h.setPoolStats(ps)
	})
}

// RegisterAgentStatsProbe wires the coordinator's agent sample into
// snapshots and the agent gauges.
func (h *Hub) RegisterAgentStatsProbe(fn func(ctx context.Context) AgentStats) {
	h.RegisterProbe("agents", func(ctx context.Context) {
		as := fn(ctx)
		h.SetGauge("agents_registered", Labels{"status": "active"}, float64(as.Active))
		h.SetGauge("agents_registered", Labels{"status": "busy"}, float64(as.Busy))
		h.SetGauge("dead_agents", nil, float64(as.Dead))
		h.setAgentStats(as)
	})
}

func (h *Hub) setPoolStats(ps PoolStats) {
	h.spanMu.Lock()
	h.lastPool = ps
	h.spanMu.Unlock()
}

func (h *Hub) setAgentStats(as AgentStats) {
	h.spanMu.Lock()
	h.lastAgents = as
	h.spanMu.Unlock()
}

// Start launches the collection and alerting loop. Stop with Stop.
func (h *Hub) Start(ctx context.Context) {
	if h == nil || h.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.loopCancel = cancel
	h.loopDone = make(chan struct{})

	go func() {
		defer close(h.loopDone)
		collect := time.NewTicker(h.cfg.CollectionInterval)
		defer collect.Stop()
		alert := time.NewTicker(h.cfg.AlertInterval)
		defer alert.Stop()

		h.collect(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-collect.C:
				h.collect(ctx)
			case <-alert.C:
				h.EvaluateRules()
			}
		}
	}()

	slog.Info("Metrics collection started",
		"collection_interval", h.cfg.CollectionInterval,
		"alert_interval", h.cfg.AlertInterval)
}

// Stop halts the collection loop
func (h *Hub) Stop() {
	if h == nil || h.loopCancel == nil {
		return
	}
	h.loopCancel()
	<-h.loopDone
	h.loopCancel = nil
}

// collect runs all probes and appends one snapshot to the ring
func (h *Hub) collect(ctx context.Context) {
	h.spanMu.Lock()
	probes := make([]probe, len(h.probes))
	copy(probes, h.probes)
	h.spanMu.Unlock()

	for _, p := range probes {
		p.fn(ctx)
	}
	h.TakeSnapshot()
}

// TakeSnapshot samples the current state into the ring and returns it
func (h *Hub) TakeSnapshot() Snapshot {
	if h == nil {
		return Snapshot{}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	opSum, opCount := h.HistogramStats("session_operation_duration_seconds")
	snap := Snapshot{
		Timestamp:      time.Now().UTC(),
		ActiveSessions: h.GaugeValue("sessions_active"),
		TotalEvents:    h.CounterValue("session_events_total"),
		System: SystemStats{
			Goroutines:     runtime.NumGoroutine(),
			HeapAllocBytes: mem.HeapAlloc,
			NumGC:          mem.NumGC,
		},
		Errors:     ErrorStats{Total: h.CounterValue("errors_total")},
		createdCum: h.CounterValue("sessions_created_total"),
		opCountCum: float64(opCount),
	}
	if opCount > 0 {
		snap.AverageOpDuration = opSum / float64(opCount)
	}

	h.spanMu.Lock()
	snap.Pool = h.lastPool
	snap.Agents = h.lastAgents

	if prev, ok := h.snapshots.latest(); ok {
		elapsed := snap.Timestamp.Sub(prev.Timestamp).Seconds()
		if elapsed > 0 {
			snap.EventRate = (snap.TotalEvents - prev.TotalEvents) / elapsed
			snap.SessionCreationRate = (snap.createdCum - prev.createdCum) / elapsed
		}
		ops := snap.opCountCum - prev.opCountCum
		errs := snap.Errors.Total - prev.Errors.Total
		if ops > 0 && errs >= 0 {
			snap.Errors.Rate = errs / ops
		}
	}
	h.snapshots.add(snap)
	h.spanMu.Unlock()
	return snap
}

// Snapshots returns the retained ring, oldest first
func (h *Hub) Snapshots() []Snapshot {
	if h == nil {
		return nil
	}
	h.spanMu.Lock()
	defer h.spanMu.Unlock()
	out := make([]Snapshot, len(h.snapshots.entries))
	copy(out, h.snapshots.entries)
	return out
}

// LatestSnapshot returns the newest snapshot, if any has been taken
func (h *Hub) LatestSnapshot() (Snapshot, bool) {
	if h == nil {
		return Snapshot{}, false
	}
	h.spanMu.Lock()
	defer h.spanMu.Unlock()
	return h.snapshots.latest()
}
