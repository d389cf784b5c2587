package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kg"
	"github.com/Amicidal/sigmachad-sub002/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// deleteTimeout bounds the background delete that fires when a
// checkpointed session's grace period ends.
const deleteTimeout = 10 * time.Second

// FailureSnapshotFunc captures a recovery snapshot for a session that is
// being checkpointed in a degraded state. The rollback manager registers
// one at wiring time.
type FailureSnapshotFunc func(ctx context.Context, sessionID string, checkpoint *models.Checkpoint) error

// Manager owns the correctness-critical session path: it is the only
// allocator of event sequence numbers, so concurrent emitters within one
// session serialize here instead of colliding in the sorted set.
type Manager struct {
	store API
	cfg   *config.SessionConfig

	kg         kg.Querier
	hub        *metrics.Hub
	snapshotFn FailureSnapshotFunc

	mu       sync.Mutex
	counters map[string]*seqCounter

	timerMu sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
}

// seqCounter is the per-session allocation state. next == 0 means the
// counter has not been hydrated from the log yet.
type seqCounter struct {
	mu   sync.Mutex
	next int64
}

// NewManager creates a session manager over the given store
func NewManager(store API, cfg *config.SessionConfig) *Manager {
	return &Manager{
		store:    store,
		cfg:      cfg,
		counters: make(map[string]*seqCounter),
		timers:   make(map[string]*time.Timer),
	}
}

// AttachKG enables knowledge-graph anchoring on checkpoints
func (m *Manager) AttachKG(q kg.Querier) {
	m.kg = q
}

// AttachMetrics enables operation instrumentation
func (m *Manager) AttachMetrics(h *metrics.Hub) {
	m.hub = h
}

// SetFailureSnapshotFunc registers the hook invoked when a checkpoint
// requests a failure snapshot
func (m *Manager) SetFailureSnapshotFunc(fn FailureSnapshotFunc) {
	m.snapshotFn = fn
}

// Store exposes the underlying store for read-side consumers
func (m *Manager) Store() API {
	return m.store
}

// Tracked reports how many sequence counters and scheduled deletions the
// manager currently holds. Used by health reporting.
func (m *Manager) Tracked() (counters, deletions int) {
	m.mu.Lock()
	counters = len(m.counters)
	m.mu.Unlock()
	m.timerMu.Lock()
	deletions = len(m.timers)
	m.timerMu.Unlock()
	return counters, deletions
}

// CreateSession provisions a new session owned by agentID and announces it
// on the global channel. Returns the generated session id.
func (m *Manager) CreateSession(ctx context.Context, agentID string, opts models.CreateSessionOptions) (string, error) {
	if agentID == "" {
		return "", NewValidationError("agent id is required")
	}

	span := m.hub.StartSpan("create_session")
	defer span.End()

	sessionID := "sess-" + uuid.New().String()
	if err := m.store.Create(ctx, sessionID, agentID, opts); err != nil {
		return "", err
	}

	c := m.counterFor(sessionID)
	c.mu.Lock()
	if len(opts.InitialEntityIDs) > 0 {
		c.next = 2 // Create wrote the seq=1 start event
	} else {
		c.next = 1
	}
	c.mu.Unlock()

	env := models.Envelope{
		Type:      models.EnvelopeTypeNew,
		SessionID: sessionID,
		Actor:     agentID,
	}
	if err := m.store.PublishGlobal(ctx, env); err != nil {
		slog.Warn("Failed to announce new session", "session_id", sessionID, "error", err)
	}

	m.hub.IncCounter("sessions_created_total", nil)
	slog.Info("Session created", "session_id", sessionID, "agent_id", agentID)
	return sessionID, nil
}

// Join adds agentID to an existing session, records the handoff in the
// log, and subscribes the caller to the session's channel. The returned
// cancel function tears down the subscription.
func (m *Manager) Join(ctx context.Context, sessionID, agentID string) (*models.Session, <-chan models.Envelope, func(), error) {
	if agentID == "" {
		return nil, nil, nil, NewValidationError("agent id is required")
	}

	doc, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := m.store.AddAgent(ctx, sessionID, agentID); err != nil {
		return nil, nil, nil, err
	}
	m.cancelDeletion(sessionID)

	event := models.SessionEvent{
		Type:    models.EventTypeHandoff,
		Changes: &models.ChangeInfo{Operation: "joined"},
	}
	if _, err := m.EmitEvent(ctx, sessionID, event, agentID, models.EmitOptions{}); err != nil {
		return nil, nil, nil, err
	}

	msgs, cancel, err := m.store.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}

	if !doc.HasAgent(agentID) {
		doc.AgentIDs = append(doc.AgentIDs, agentID)
	}
	slog.Info("Agent joined session", "session_id", sessionID, "agent_id", agentID)
	return doc, msgs, cancel, nil
}

// Leave removes agentID from the session and records the handoff. The TTL
// is deliberately not refreshed so that a last-leaver grace TTL set by the
// store survives the departure event.
func (m *Manager) Leave(ctx context.Context, sessionID, agentID string) error {
	if err := m.store.RemoveAgent(ctx, sessionID, agentID); err != nil {
		return err
	}

	event := models.SessionEvent{
		Type:    models.EventTypeHandoff,
		Changes: &models.ChangeInfo{Operation: "left"},
	}
	_, err := m.EmitEvent(ctx, sessionID, event, agentID, models.EmitOptions{SkipTTLRefresh: true})
	if err != nil {
		return err
	}
	slog.Info("Agent left session", "session_id", sessionID, "agent_id", agentID)
	return nil
}

// EmitEvent allocates the next sequence number, stamps and persists the
// event, then applies the side effects the options ask for: TTL refresh,
// publish, and auto-checkpoint every checkpointInterval events.
func (m *Manager) EmitEvent(ctx context.Context, sessionID string, event models.SessionEvent, actor string, opts models.EmitOptions) (*models.SessionEvent, error) {
	if sessionID == "" {
		return nil, NewValidationError("session id is required")
	}
	if actor == "" {
		return nil, NewValidationError("actor is required")
	}
	if !event.Type.IsValid() {
		return nil, NewValidationError("invalid event type %q", event.Type)
	}

	span := m.hub.StartSpan("emit_event")
	defer span.End()

	persisted, err := m.append(ctx, sessionID, event, actor)
	if err != nil {
		return nil, err
	}
	m.cancelDeletion(sessionID)
	m.hub.IncCounter("session_events_total", metrics.Labels{"type": string(persisted.Type)})

	if !opts.SkipTTLRefresh {
		if err := m.store.SetTTL(ctx, sessionID, m.cfg.DefaultTTL); err != nil {
			slog.Warn("Failed to refresh session ttl", "session_id", sessionID, "error", err)
		}
	}
	if !opts.SkipPublish {
		env := models.Envelope{
			Type:      models.EnvelopeTypeModified,
			SessionID: sessionID,
			Seq:       persisted.Seq,
			Actor:     actor,
		}
		if err := m.store.Publish(ctx, sessionID, env); err != nil {
			slog.Warn("Failed to publish session event", "session_id", sessionID, "error", err)
		}
	}
	if !opts.SkipCheckpoint && m.checkpointDue(persisted) {
		if _, err := m.Checkpoint(ctx, sessionID, models.CheckpointOptions{}); err != nil {
			slog.Warn("Auto-checkpoint failed", "session_id", sessionID, "seq", persisted.Seq, "error", err)
		}
	}
	return persisted, nil
}

// append serializes sequence allocation and the log write for a session.
// Holding the counter lock across the append guarantees contiguity: seq N
// is durable before N+1 can be handed out.
func (m *Manager) append(ctx context.Context, sessionID string, event models.SessionEvent, actor string) (*models.SessionEvent, error) {
	c := m.counterFor(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	tracked := c.next > 0
	if !tracked {
		last, err := m.store.LastSeq(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		c.next = last + 1
	}

	event.Seq = c.next
	event.Timestamp = time.Now().UTC()
	event.Actor = actor

	if err := m.store.AppendEvent(ctx, sessionID, &event); err != nil {
		if tracked && CodeOf(err) == CodeSessionNotFound {
			// We were tracking a live session and it vanished underneath
			// us, which means its TTL ran out.
			m.forgetCounter(sessionID)
			return nil, newError(CodeSessionExpired, sessionID, "session expired while being tracked", err)
		}
		return nil, err
	}
	c.next++
	return &event, nil
}

func (m *Manager) checkpointDue(event *models.SessionEvent) bool {
	if event.Type == models.EventTypeCheckpoint {
		return true
	}
	return m.cfg.CheckpointInterval > 0 && event.Seq%int64(m.cfg.CheckpointInterval) == 0
}

// Checkpoint aggregates the session's recent window into a durable
// summary, anchors it onto affected KG entities, and puts the session on
// a grace TTL with deletion scheduled behind it. New activity cancels the
// scheduled deletion.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string, opts models.CheckpointOptions) (*models.Checkpoint, error) {
	span := m.hub.StartSpan("checkpoint")
	defer span.End()

	doc, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	window, err := m.store.Tail(ctx, sessionID, m.cfg.CheckpointWindow)
	if err != nil {
		return nil, newError(CodeCheckpointFailed, sessionID, "failed to read checkpoint window", err)
	}

	checkpoint := aggregateWindow(sessionID, doc, window)
	checkpoint.ID = "cp-" + uuid.New().String()
	checkpoint.CreatedAt = time.Now().UTC()

	// Persist the summary onto the document so a rejoining agent sees it
	// without replaying the log.
	meta := doc.Metadata
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["lastCheckpoint"] = checkpoint
	if err := m.store.Update(ctx, sessionID, Patch{Metadata: meta}); err != nil {
		return nil, newError(CodeCheckpointFailed, sessionID, "failed to persist checkpoint", err)
	}

	if m.kg != nil {
		anchor := models.SessionAnchor{
			SessionID:    sessionID,
			Outcome:      checkpoint.Outcome,
			CheckpointID: checkpoint.ID,
			PerfDelta:    checkpoint.PerfDelta,
			Actors:       checkpoint.Actors,
			Timestamp:    checkpoint.CreatedAt,
		}
		for _, entityID := range checkpoint.KeyImpacts {
			if err := kg.AppendAnchor(ctx, m.kg, entityID, anchor); err != nil {
				return nil, newError(CodeCheckpointFailed, sessionID,
					fmt.Sprintf("failed to anchor entity %s", entityID), err)
			}
		}
	}

	if opts.FailureSnapshot && m.snapshotFn != nil {
		if err := m.snapshotFn(ctx, sessionID, checkpoint); err != nil {
			slog.Warn("Failure snapshot capture failed",
				"session_id", sessionID, "checkpoint_id", checkpoint.ID, "error", err)
		}
	}

	grace := opts.GraceTTL
	if grace <= 0 {
		grace = m.cfg.GraceTTL
	}
	if err := m.store.SetTTL(ctx, sessionID, grace); err != nil {
		return nil, newError(CodeCheckpointFailed, sessionID, "failed to set grace ttl", err)
	}
	m.scheduleDeletion(sessionID, grace)

	env := models.Envelope{
		Type:         models.EnvelopeTypeCheckpointComplete,
		SessionID:    sessionID,
		CheckpointID: checkpoint.ID,
		Outcome:      string(checkpoint.Outcome),
		Summary:      fmt.Sprintf("%d impacted entities, perf delta %.2f", len(checkpoint.KeyImpacts), checkpoint.PerfDelta),
	}
	if err := m.store.Publish(ctx, sessionID, env); err != nil {
		slog.Warn("Failed to publish checkpoint", "session_id", sessionID, "error", err)
	}

	m.hub.IncCounter("session_checkpoints_total", metrics.Labels{"outcome": string(checkpoint.Outcome)})
	slog.Info("Session checkpointed",
		"session_id", sessionID,
		"checkpoint_id", checkpoint.ID,
		"outcome", checkpoint.Outcome,
		"key_impacts", len(checkpoint.KeyImpacts))
	return checkpoint, nil
}

// aggregateWindow reduces the event window to a checkpoint verdict.
// Outcome precedence: broken beats completed beats coordinated beats
// working.
func aggregateWindow(sessionID string, doc *models.Session, window []models.SessionEvent) *models.Checkpoint {
	outcome := models.CheckpointOutcomeWorking
	if doc.State == models.SessionStateCompleted {
		outcome = models.CheckpointOutcomeCompleted
	}

	var (
		perfDelta float64
		impacts   []string
		actors    []string
		seenImp   = make(map[string]struct{})
		seenActor = make(map[string]struct{})
	)
	rank := func(o models.CheckpointOutcome) int {
		switch o {
		case models.CheckpointOutcomeBroken:
			return 3
		case models.CheckpointOutcomeCompleted:
			return 2
		case models.CheckpointOutcomeCoordinated:
			return 1
		default:
			return 0
		}
	}
	raise := func(o models.CheckpointOutcome) {
		if rank(o) > rank(outcome) {
			outcome = o
		}
	}

	for _, ev := range window {
		if ev.StateTransition != nil {
			switch ev.StateTransition.To {
			case models.SessionStateBroken:
				raise(models.CheckpointOutcomeBroken)
			case models.SessionStateCompleted:
				raise(models.CheckpointOutcomeCompleted)
			case models.SessionStateCoordinating:
				raise(models.CheckpointOutcomeCoordinated)
			}
		}
		if ev.Type == models.EventTypeHandoff {
			raise(models.CheckpointOutcomeCoordinated)
		}
		if ev.Impact != nil {
			perfDelta += ev.Impact.PerfDelta
			if ev.Impact.Severity == models.SeverityHigh || ev.Impact.Severity == models.SeverityCritical {
				if ev.Changes != nil {
					for _, id := range ev.Changes.EntityIDs {
						if _, ok := seenImp[id]; !ok {
							seenImp[id] = struct{}{}
							impacts = append(impacts, id)
						}
					}
				}
			}
		}
		if ev.Actor != "" {
			if _, ok := seenActor[ev.Actor]; !ok {
				seenActor[ev.Actor] = struct{}{}
				actors = append(actors, ev.Actor)
			}
		}
	}

	return &models.Checkpoint{
		SessionID:  sessionID,
		Outcome:    outcome,
		KeyImpacts: impacts,
		PerfDelta:  perfDelta,
		Actors:     actors,
	}
}

func (m *Manager) counterFor(sessionID string) *seqCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[sessionID]
	if !ok {
		c = &seqCounter{}
		m.counters[sessionID] = c
	}
	return c
}

func (m *Manager) forgetCounter(sessionID string) {
	m.mu.Lock()
	delete(m.counters, sessionID)
	m.mu.Unlock()
}

// scheduleDeletion arms (or re-arms) the post-grace delete for a session
func (m *Manager) scheduleDeletion(sessionID string, after time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(after, func() {
		m.timerMu.Lock()
		delete(m.timers, sessionID)
		m.timerMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		if err := m.store.Delete(ctx, sessionID); err != nil {
			slog.Warn("Failed to delete session after grace period",
				"session_id", sessionID, "error", err)
			return
		}
		m.forgetCounter(sessionID)
		slog.Info("Session deleted after checkpoint grace period", "session_id", sessionID)
	})
}

func (m *Manager) cancelDeletion(sessionID string) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

// Close stops all scheduled deletions. The store is owned by the caller.
func (m *Manager) Close() error {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	return nil
}
