package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// EventKind names a manager lifecycle notification
type EventKind string

const (
	EventPointCreated      EventKind = "point_created"
	EventPointDeleted      EventKind = "point_deleted"
	EventOperationStarted  EventKind = "operation_started"
	EventOperationFinished EventKind = "operation_finished"
)

// Event is one manager notification delivered to subscribers
type Event struct {
	Kind        EventKind
	PointID     string
	OperationID string
	Status      models.OperationStatus
	Timestamp   time.Time
}

// RollbackRequest parameterizes one rollback operation. Strategy may only
// be set for full rollbacks; the other types bind their own strategy.
// Empty fields fall back to configuration or recommendation.
type RollbackRequest struct {
	Type           models.RollbackType
	Strategy       models.RollbackStrategyKind
	ConflictPolicy config.ConflictPolicy
	DryRun         bool
	Selections     []models.PartialSelection
	TimeFilter     *models.TimebasedFilter
}

// Manager owns rollback points, their snapshots, and the operations run
// against them. Operations execute asynchronously; callers poll
// GetOperation or subscribe to events. Operations against the same point
// serialize.
type Manager struct {
	cfg      *config.RollbackConfig
	store    *SnapshotStore
	engine   *DiffEngine
	resolver *ConflictResolver
	hub      *metrics.Hub

	askUser    AskUserFunc
	readyCheck func(ctx context.Context) error

	mu          sync.RWMutex
	points      map[string]*models.RollbackPoint
	ops         map[string]*models.RollbackOperation
	previews    map[string]*Preview
	cancels     map[string]context.CancelFunc
	sources     []Source
	tempRefs    map[string]struct{}
	subscribers map[EventKind][]func(Event)

	pointMu   sync.Mutex
	pointBusy map[string]*sync.Mutex

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager with its own diff engine, resolver, and
// snapshot store.
func NewManager(cfg *config.RollbackConfig) *Manager {
	if cfg == nil {
		cfg = config.DefaultRollbackConfig()
	}
	engine := NewDiffEngine(cfg)
	return &Manager{
		cfg:         cfg,
		store:       NewSnapshotStore(cfg),
		engine:      engine,
		resolver:    NewConflictResolver(cfg, engine),
		points:      make(map[string]*models.RollbackPoint),
		ops:         make(map[string]*models.RollbackOperation),
		previews:    make(map[string]*Preview),
		cancels:     make(map[string]context.CancelFunc),
		tempRefs:    make(map[string]struct{}),
		subscribers: make(map[EventKind][]func(Event)),
		pointBusy:   make(map[string]*sync.Mutex),
	}
}

// AttachMetrics wires the metrics hub in
func (m *Manager) AttachMetrics(hub *metrics.Hub) {
	m.hub = hub
	m.store.AttachMetrics(hub)
}

// Engine exposes the diff engine for comparator registration
func (m *Manager) Engine() *DiffEngine {
	return m.engine
}

// Resolver exposes the conflict resolver for direct merges and
// visualization.
func (m *Manager) Resolver() *ConflictResolver {
	return m.resolver
}

// Snapshots exposes the snapshot store to read-only callers
func (m *Manager) Snapshots() *SnapshotStore {
	return m.store
}

// RegisterSource adds a capture source. Registering a second source for
// the same snapshot type replaces the first.
func (m *Manager) RegisterSource(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sources {
		if s.Type() == src.Type() {
			m.sources[i] = src
			return
		}
	}
	m.sources = append(m.sources, src)
}

// SetReadyCheck installs a probe run before every capture; a failing probe
// blocks rollback point creation.
func (m *Manager) SetReadyCheck(fn func(ctx context.Context) error) {
	m.readyCheck = fn
}

// SetAskUser installs the callback the ask_user conflict policy delegates
// to. Without it that policy fails.
func (m *Manager) SetAskUser(fn AskUserFunc) {
	m.askUser = fn
}

// Subscribe registers a callback for one event kind. Callbacks run
// synchronously on the emitting goroutine and must not block.
func (m *Manager) Subscribe(kind EventKind, fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[kind] = append(m.subscribers[kind], fn)
}

func (m *Manager) emit(ev Event) {
	m.mu.RLock()
	subs := append(([]func(Event))(nil), m.subscribers[ev.Kind]...)
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Start launches the expiry sweeper. Callers stop it with Close.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
	slog.Info("Rollback manager started",
		"sweep_interval", m.cfg.SweepInterval,
		"point_ttl", m.cfg.DefaultPointTTL)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// Close cancels running operations, stops the sweeper, and waits for
// operation goroutines to settle. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	m.wg.Wait()
	slog.Info("Rollback manager stopped")
}

// sweepExpired deletes expired points and any snapshots no longer
// referenced by a live point, an in-flight backup, or a diff in progress.
func (m *Manager) sweepExpired() {
	now := time.Now()

	m.mu.Lock()
	var expired []*models.RollbackPoint
	live := make(map[string]struct{}, len(m.points))
	for id, p := range m.points {
		if now.After(p.ExpiresAt) {
			expired = append(expired, p)
			delete(m.points, id)
			continue
		}
		live[id] = struct{}{}
	}
	for id, op := range m.ops {
		if !op.Status.IsTerminal() {
			live["backup-"+id] = struct{}{}
		}
	}
	for ref := range m.tempRefs {
		live[ref] = struct{}{}
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.store.DeletePoint(p.ID)
		slog.Info("Rollback point expired", "point_id", p.ID, "name", p.Name)
		m.emit(Event{Kind: EventPointDeleted, PointID: p.ID, Timestamp: now})
	}
	if removed := m.store.Cleanup(live); removed > 0 {
		slog.Info("Swept unreferenced snapshots", "count", removed)
	}
}

// CreateRollbackPoint captures every registered source under a new named
// point. A failing ready check or capture aborts the whole point; nothing
// partial survives.
func (m *Manager) CreateRollbackPoint(ctx context.Context, name, description string, metadata map[string]any) (*models.RollbackPoint, error) {
	if strings.TrimSpace(name) == "" {
		return nil, NewValidationError("rollback point name is required")
	}
	if m.readyCheck != nil {
		if err := m.readyCheck(ctx); err != nil {
			return nil, newError(CodeCaptureFailed, name, "system not ready for capture", err)
		}
	}

	now := time.Now()
	point := &models.RollbackPoint{
		ID:          "rp-" + uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.DefaultPointTTL),
		Metadata:    metadata,
	}
	if sid, ok := metadata["sessionId"].(string); ok {
		point.SessionID = sid
	}

	for _, src := range m.sourcesSnapshot() {
		data, err := src.Capture(ctx)
		if err != nil {
			m.store.DeletePoint(point.ID)
			return nil, newError(CodeCaptureFailed, point.ID, fmt.Sprintf("capturing %s", src.Type()), err)
		}
		snap, err := m.store.Create(point.ID, src.Type(), data)
		if err != nil {
			m.store.DeletePoint(point.ID)
			return nil, err
		}
		point.SnapshotIDs = append(point.SnapshotIDs, snap.ID)
	}

	m.mu.Lock()
	m.points[point.ID] = point
	m.mu.Unlock()

	slog.Info("Rollback point created",
		"point_id", point.ID,
		"name", name,
		"snapshots", len(point.SnapshotIDs),
		"expires_at", point.ExpiresAt)
	m.emit(Event{Kind: EventPointCreated, PointID: point.ID, Timestamp: now})
	return clonePoint(point), nil
}

// GetRollbackPoint returns a point by id. An expired point is deleted on
// read, snapshots included, and reported as expired.
func (m *Manager) GetRollbackPoint(pointID string) (*models.RollbackPoint, error) {
	now := time.Now()

	m.mu.Lock()
	p, ok := m.points[pointID]
	if ok && now.After(p.ExpiresAt) {
		delete(m.points, pointID)
		m.mu.Unlock()
		m.store.DeletePoint(pointID)
		slog.Info("Rollback point expired on read", "point_id", pointID)
		m.emit(Event{Kind: EventPointDeleted, PointID: pointID, Timestamp: now})
		return nil, newError(CodePointExpired, pointID, "", nil)
	}
	m.mu.Unlock()

	if !ok {
		return nil, newError(CodePointNotFound, pointID, "", nil)
	}
	return clonePoint(p), nil
}

// ListRollbackPoints returns live points, newest first. A non-empty
// sessionID filters to points created for that session.
func (m *Manager) ListRollbackPoints(sessionID string) []*models.RollbackPoint {
	now := time.Now()
	m.mu.RLock()
	out := make([]*models.RollbackPoint, 0, len(m.points))
	for _, p := range m.points {
		if now.After(p.ExpiresAt) {
			continue
		}
		if sessionID != "" && p.SessionID != sessionID {
			continue
		}
		out = append(out, clonePoint(p))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteRollbackPoint removes a point and its snapshots
func (m *Manager) DeleteRollbackPoint(pointID string) error {
	m.mu.Lock()
	_, ok := m.points[pointID]
	delete(m.points, pointID)
	m.mu.Unlock()
	if !ok {
		return newError(CodePointNotFound, pointID, "", nil)
	}
	m.store.DeletePoint(pointID)
	slog.Info("Rollback point deleted", "point_id", pointID)
	m.emit(Event{Kind: EventPointDeleted, PointID: pointID, Timestamp: time.Now()})
	return nil
}

// GenerateDiff computes the changes that would turn current live state
// into the point's snapshots. The live capture passes through the snapshot
// store so it is normalized and size-checked exactly like the stored side.
func (m *Manager) GenerateDiff(ctx context.Context, pointID string) ([]Change, error) {
	point, err := m.GetRollbackPoint(pointID)
	if err != nil {
		return nil, err
	}

	tempRef := "rp-temp-" + uuid.New().String()
	m.mu.Lock()
	m.tempRefs[tempRef] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.store.DeletePoint(tempRef)
		m.mu.Lock()
		delete(m.tempRefs, tempRef)
		m.mu.Unlock()
	}()

	var changes []Change
	for _, snapID := range point.SnapshotIDs {
		snap, err := m.store.Get(snapID)
		if err != nil {
			return nil, err
		}
		src := m.sourceFor(snap.Type)
		if src == nil {
			slog.Warn("No source for snapshot type, diff skipped", "type", snap.Type, "point_id", pointID)
			continue
		}
		liveData, err := src.Capture(ctx)
		if err != nil {
			return nil, newError(CodeCaptureFailed, pointID, fmt.Sprintf("capturing %s", snap.Type), err)
		}
		tempSnap, err := m.store.Create(tempRef, snap.Type, liveData)
		if err != nil {
			return nil, err
		}
		live := m.store.RestoreData(tempSnap)
		target := m.store.RestoreData(snap)
		for _, ch := range m.engine.Diff(live, target) {
			ch.Path = prefixTyped(snap.Type, ch.Path)
			if ch.FromPath != "" {
				ch.FromPath = prefixTyped(snap.Type, ch.FromPath)
			}
			changes = append(changes, ch)
		}
	}
	return changes, nil
}

// prefixTyped scopes a diff path to its snapshot type
func prefixTyped(typ models.SnapshotType, inner string) string {
	if inner == "" {
		return string(typ)
	}
	return string(typ) + ":" + inner
}

// Rollback starts an operation against a point and returns it in pending
// state. Execution is asynchronous; poll GetOperation or subscribe to
// operation events. The request context only gates admission, not the
// operation itself.
func (m *Manager) Rollback(ctx context.Context, pointID string, req RollbackRequest) (*models.RollbackOperation, error) {
	point, err := m.GetRollbackPoint(pointID)
	if err != nil {
		return nil, err
	}

	typ := req.Type
	if typ == "" {
		typ = models.RollbackTypeFull
	}
	if !typ.IsValid() {
		return nil, NewValidationError("unknown rollback type %q", typ)
	}
	if req.DryRun {
		typ = models.RollbackTypeDryRun
	}
	if req.Strategy != "" {
		if typ != models.RollbackTypeFull {
			return nil, NewValidationError("%s operations bind their own strategy", typ)
		}
		if !req.Strategy.IsValid() || !req.Strategy.IsCallerSelectable() {
			return nil, NewValidationError("strategy %q is not caller-selectable", req.Strategy)
		}
	}
	policy := req.ConflictPolicy
	if policy == "" {
		policy = m.cfg.ConflictPolicy
	}
	if !policy.IsValid() {
		return nil, NewValidationError("unknown conflict policy %q", policy)
	}

	op := &models.RollbackOperation{
		ID:                    "op-" + uuid.New().String(),
		Type:                  typ,
		TargetRollbackPointID: point.ID,
		Status:                models.OperationStatusPending,
		StartedAt:             time.Now(),
	}

	// the operation outlives the request; cancellation comes from
	// CancelOperation, Close, or the watchdog
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.ops[op.ID] = op
	m.cancels[op.ID] = cancel
	m.mu.Unlock()

	m.appendLog(op.ID, "info", "Operation accepted", map[string]any{
		"point_id": point.ID,
		"type":     string(typ),
		"policy":   string(policy),
	})

	m.wg.Add(1)
	go m.runOperation(opCtx, op.ID, point, req, typ, policy)
	return cloneOperation(op), nil
}

// runOperation drives one operation to a terminal status. Operations
// against the same point run one at a time.
func (m *Manager) runOperation(ctx context.Context, opID string, point *models.RollbackPoint, req RollbackRequest, typ models.RollbackType, policy config.ConflictPolicy) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, opID)
		m.mu.Unlock()
	}()

	lock := m.pointLock(point.ID)
	lock.Lock()
	defer lock.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.MaxOperationDuration)
	defer cancel()

	m.updateOperation(opID, func(op *models.RollbackOperation) {
		op.Status = models.OperationStatusInProgress
	})
	m.emit(Event{Kind: EventOperationStarted, PointID: point.ID, OperationID: opID, Status: models.OperationStatusInProgress, Timestamp: time.Now()})

	err := m.executeOperation(opCtx, opID, point, req, typ, policy)

	now := time.Now()
	final := models.OperationStatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || IsCancelled(err):
		final = models.OperationStatusCancelled
		m.appendLog(opID, "warn", "Operation cancelled", nil)
	case errors.Is(err, context.DeadlineExceeded):
		final = models.OperationStatusFailed
		err = fmt.Errorf("operation exceeded the configured max duration %s: %w", m.cfg.MaxOperationDuration, err)
	default:
		final = models.OperationStatusFailed
	}

	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		paths := make([]string, 0, len(conflictErr.Conflicts))
		for _, c := range conflictErr.Conflicts {
			paths = append(paths, c.Path)
		}
		m.appendLog(opID, "error", "Operation aborted on conflicts", map[string]any{
			"conflicts": len(conflictErr.Conflicts),
			"paths":     paths,
		})
	}

	m.updateOperation(opID, func(op *models.RollbackOperation) {
		op.Status = final
		op.CompletedAt = &now
		if err != nil && final != models.OperationStatusCancelled {
			op.Error = err.Error()
		}
		if final == models.OperationStatusCompleted {
			op.Progress = 100
		}
	})
	m.hub.IncCounter("rollback_operations_total", metrics.Labels{
		"type":   string(typ),
		"status": string(final),
	})
	m.emit(Event{Kind: EventOperationFinished, PointID: point.ID, OperationID: opID, Status: final, Timestamp: now})

	switch final {
	case models.OperationStatusCompleted:
		slog.Info("Rollback operation completed", "operation_id", opID, "point_id", point.ID, "type", typ)
	case models.OperationStatusCancelled:
		slog.Warn("Rollback operation cancelled", "operation_id", opID, "point_id", point.ID)
	default:
		slog.Error("Rollback operation failed", "operation_id", opID, "point_id", point.ID, "error", err)
	}
}

// executeOperation captures live state, diffs it against the point, and
// hands the changes to the bound strategy. Strategies re-capture before
// applying, so anything that moved since this diff surfaces as a conflict.
func (m *Manager) executeOperation(ctx context.Context, opID string, point *models.RollbackPoint, req RollbackRequest, typ models.RollbackType, policy config.ConflictPolicy) error {
	state := make(map[models.SnapshotType]any)
	srcMap := make(map[models.SnapshotType]Source)
	for _, src := range m.sourcesSnapshot() {
		data, err := src.Capture(ctx)
		if err != nil {
			return newError(CodeCaptureFailed, point.ID, fmt.Sprintf("capturing %s", src.Type()), err)
		}
		srcMap[src.Type()] = src
		state[src.Type()] = data
	}

	var changes []Change
	for _, snapID := range point.SnapshotIDs {
		snap, err := m.store.Get(snapID)
		if err != nil {
			return err
		}
		live, ok := state[snap.Type]
		if !ok {
			m.appendLog(opID, "warn", "No source for snapshot type, slice skipped", map[string]any{
				"type": string(snap.Type),
			})
			continue
		}
		target := m.store.RestoreData(snap)
		for _, ch := range m.engine.Diff(live, target) {
			ch.Path = prefixTyped(snap.Type, ch.Path)
			if ch.FromPath != "" {
				ch.FromPath = prefixTyped(snap.Type, ch.FromPath)
			}
			changes = append(changes, ch)
		}
	}

	kind := m.strategyKindFor(typ, req, changes, point)
	m.updateOperation(opID, func(op *models.RollbackOperation) {
		op.Strategy = kind
	})
	strategy, err := newStrategy(kind, m.cfg)
	if err != nil {
		return err
	}

	sc := &StrategyContext{
		Operation:  m.operationSnapshot(opID),
		Point:      point,
		Changes:    changes,
		Policy:     policy,
		Selections: req.Selections,
		TimeFilter: req.TimeFilter,
		DryRun:     typ == models.RollbackTypeDryRun,
		state:      state,
		sources:    srcMap,
		store:      m.store,
		engine:     m.engine,
		resolver:   m.resolver,
		askUser:    m.askUser,
		hub:        m.hub,
		progress: func(p int) {
			m.updateOperation(opID, func(op *models.RollbackOperation) {
				op.Progress = p
			})
		},
		logf: func(level, msg string, data map[string]any) {
			m.appendLog(opID, level, msg, data)
		},
	}

	if err := strategy.Validate(ctx, sc); err != nil {
		return err
	}
	m.appendLog(opID, "info", "Strategy selected", map[string]any{
		"strategy": string(kind),
		"changes":  len(changes),
		"estimate": strategy.EstimateTime(sc).String(),
	})

	if err := strategy.Execute(ctx, sc); err != nil {
		return err
	}
	if sc.Preview != nil {
		m.mu.Lock()
		m.previews[opID] = sc.Preview
		m.mu.Unlock()
	}
	return nil
}

// strategyKindFor binds partial, selective, and dry-run operations to
// their strategies; full rollbacks take the requested strategy or a
// recommendation.
func (m *Manager) strategyKindFor(typ models.RollbackType, req RollbackRequest, changes []Change, point *models.RollbackPoint) models.RollbackStrategyKind {
	switch typ {
	case models.RollbackTypeDryRun:
		return models.RollbackStrategyDryRun
	case models.RollbackTypePartial:
		return models.RollbackStrategyPartial
	case models.RollbackTypeSelective:
		return models.RollbackStrategyTimeBased
	}
	if req.Strategy != "" {
		return req.Strategy
	}
	return m.Recommend(changes, point)
}

// Recommend picks a strategy for a full rollback: tiny diffs apply
// immediately, points older than a day get the safe treatment, large
// diffs trickle in gradually.
func (m *Manager) Recommend(changes []Change, point *models.RollbackPoint) models.RollbackStrategyKind {
	switch {
	case len(changes) <= 5:
		return models.RollbackStrategyImmediate
	case time.Since(point.CreatedAt) > 24*time.Hour:
		return models.RollbackStrategySafe
	case len(changes) > 50:
		return models.RollbackStrategyGradual
	default:
		return models.RollbackStrategyImmediate
	}
}

// GetOperation returns one operation by id
func (m *Manager) GetOperation(opID string) (*models.RollbackOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[opID]
	if !ok {
		return nil, newError(CodeOperationNotFound, opID, "", nil)
	}
	return cloneOperation(op), nil
}

// ListOperations returns every known operation, newest first
func (m *Manager) ListOperations() []*models.RollbackOperation {
	m.mu.RLock()
	out := make([]*models.RollbackOperation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, cloneOperation(op))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Preview returns the preview a dry-run operation produced, if any
func (m *Manager) Preview(opID string) (*Preview, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.previews[opID]
	return p, ok
}

// CancelOperation requests cancellation of a running operation. Cancelling
// a terminal operation is a no-op; an unknown id is an error.
func (m *Manager) CancelOperation(opID string) error {
	m.mu.Lock()
	op, ok := m.ops[opID]
	if !ok {
		m.mu.Unlock()
		return newError(CodeOperationNotFound, opID, "", nil)
	}
	if op.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancels[opID]
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.appendLog(opID, "warn", "Cancellation requested", nil)
	slog.Info("Rollback operation cancellation requested", "operation_id", opID)
	return nil
}

func (m *Manager) sourcesSnapshot() []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Source(nil), m.sources...)
}

func (m *Manager) sourceFor(typ models.SnapshotType) Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, src := range m.sources {
		if src.Type() == typ {
			return src
		}
	}
	return nil
}

func (m *Manager) pointLock(pointID string) *sync.Mutex {
	m.pointMu.Lock()
	defer m.pointMu.Unlock()
	l, ok := m.pointBusy[pointID]
	if !ok {
		l = &sync.Mutex{}
		m.pointBusy[pointID] = l
	}
	return l
}

func (m *Manager) updateOperation(opID string, fn func(*models.RollbackOperation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.ops[opID]; ok {
		fn(op)
	}
}

func (m *Manager) operationSnapshot(opID string) *models.RollbackOperation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if op, ok := m.ops[opID]; ok {
		return cloneOperation(op)
	}
	return &models.RollbackOperation{ID: opID}
}

func (m *Manager) appendLog(opID, level, msg string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[opID]
	if !ok {
		return
	}
	op.Log = append(op.Log, models.OperationLogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Data:      data,
	})
}

func clonePoint(p *models.RollbackPoint) *models.RollbackPoint {
	out := *p
	out.SnapshotIDs = append([]string(nil), p.SnapshotIDs...)
	if p.Metadata != nil {
		md, _ := deepClone(p.Metadata).(map[string]any)
		out.Metadata = md
	}
	return &out
}

func cloneOperation(op *models.RollbackOperation) *models.RollbackOperation {
	out := *op
	out.Log = append([]models.OperationLogEntry(nil), op.Log...)
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
