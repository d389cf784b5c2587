package rollback

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// Strategy executes one kind of rollback operation. Validate runs before
// any state is touched and rejects operations the strategy cannot honor;
// Execute applies the prepared changes and reports progress as it goes.
type Strategy interface {
	Kind() models.RollbackStrategyKind
	Validate(ctx context.Context, sc *StrategyContext) error
	EstimateTime(sc *StrategyContext) time.Duration
	Execute(ctx context.Context, sc *StrategyContext) error
}

// AskUserFunc answers one conflict under the ask_user policy. The returned
// value replaces the conflicting change's target value.
type AskUserFunc func(ctx context.Context, conflict models.Conflict) (any, error)

// newStrategy maps a strategy kind to its implementation
func newStrategy(kind models.RollbackStrategyKind, cfg *config.RollbackConfig) (Strategy, error) {
	switch kind {
	case models.RollbackStrategyImmediate:
		return &immediateStrategy{}, nil
	case models.RollbackStrategyGradual:
		return &gradualStrategy{batchSize: cfg.GradualBatchSize, delay: cfg.GradualDelay}, nil
	case models.RollbackStrategySafe:
		return &safeStrategy{maxAge: cfg.SafeMaxAge}, nil
	case models.RollbackStrategyForce:
		return &forceStrategy{}, nil
	case models.RollbackStrategyPartial:
		return &partialStrategy{}, nil
	case models.RollbackStrategyTimeBased:
		return &timeBasedStrategy{}, nil
	case models.RollbackStrategyDryRun:
		return &dryRunStrategy{}, nil
	default:
		return nil, NewValidationError("unknown rollback strategy %q", kind)
	}
}

// StrategyContext carries one operation's inputs and plumbing. The manager
// loads live state for every snapshot type before execution; strategies
// mutate it through ApplyChanges so verification reads see their own
// writes.
type StrategyContext struct {
	Operation  *models.RollbackOperation
	Point      *models.RollbackPoint
	Changes    []Change
	Policy     config.ConflictPolicy
	Selections []models.PartialSelection
	TimeFilter *models.TimebasedFilter
	DryRun     bool

	// Preview is populated by the dry-run strategy instead of mutating
	// anything.
	Preview *Preview

	state    map[models.SnapshotType]any
	sources  map[models.SnapshotType]Source
	store    *SnapshotStore
	engine   *DiffEngine
	resolver *ConflictResolver
	askUser  AskUserFunc
	hub      *metrics.Hub
	progress func(int)
	logf     func(level, msg string, data map[string]any)
}

// Progress reports completion 0..100; the manager persists it on the
// operation.
func (sc *StrategyContext) Progress(p int) {
	if sc.progress != nil {
		sc.progress(p)
	}
}

// Log appends one entry to the operation log
func (sc *StrategyContext) Log(level, msg string, data map[string]any) {
	if sc.logf != nil {
		sc.logf(level, msg, data)
	}
}

// RefreshState re-captures every source. Strategies call it before
// conflict detection so divergence is judged against the state about to be
// overwritten, not the admission-time capture the diff was computed from.
func (sc *StrategyContext) RefreshState(ctx context.Context) error {
	for _, typ := range sortedSourceTypes(sc.sources) {
		data, err := sc.sources[typ].Capture(ctx)
		if err != nil {
			return newError(CodeCaptureFailed, string(typ), "refreshing live state", err)
		}
		sc.state[typ] = data
	}
	return nil
}

// splitTypedPath separates the snapshot-type prefix from the inner path.
// "entity:auth.name" yields (entity, "auth.name"); a bare type names the
// whole slice.
func splitTypedPath(path string) (models.SnapshotType, string) {
	if cut := strings.IndexByte(path, ':'); cut >= 0 {
		return models.SnapshotType(path[:cut]), path[cut+1:]
	}
	return models.SnapshotType(path), ""
}

// DetectConflicts compares every change against live state. Updates and
// deletes conflict when the live value no longer matches the snapshot's
// old value or is gone entirely; creates conflict when something different
// already occupies the path.
func (sc *StrategyContext) DetectConflicts() []models.Conflict {
	return sc.detectConflictsIn(sc.Changes)
}

func (sc *StrategyContext) detectConflictsIn(changes []Change) []models.Conflict {
	var conflicts []models.Conflict
	for _, ch := range changes {
		typ, inner := splitTypedPath(ch.Path)
		live, loaded := sc.state[typ]
		if !loaded {
			continue
		}

		switch ch.Op {
		case ChangeUpdate, ChangeDelete, ChangeMove:
			checkPath := inner
			if ch.Op == ChangeMove && ch.FromPath != "" {
				_, checkPath = splitTypedPath(ch.FromPath)
			}
			cur, exists := getPath(live, checkPath)
			if !exists {
				conflicts = append(conflicts, models.Conflict{
					Path:          ch.Path,
					Type:          models.ConflictTypeMissingTarget,
					RollbackValue: ch.NewValue,
					Context:       map[string]any{"op": string(ch.Op)},
				})
				continue
			}
			if ch.Op == ChangeMove {
				continue
			}
			if !sc.engine.DeepEquals(cur, ch.OldValue) {
				conflicts = append(conflicts, models.Conflict{
					Path:          ch.Path,
					Type:          conflictKind(cur, ch.OldValue),
					CurrentValue:  deepClone(cur),
					RollbackValue: ch.NewValue,
					Context:       map[string]any{"op": string(ch.Op), "expected": ch.OldValue},
				})
			}
		case ChangeCreate:
			cur, exists := getPath(live, inner)
			if exists && !sc.engine.DeepEquals(cur, ch.NewValue) {
				conflicts = append(conflicts, models.Conflict{
					Path:          ch.Path,
					Type:          conflictKind(cur, ch.NewValue),
					CurrentValue:  deepClone(cur),
					RollbackValue: ch.NewValue,
					Context:       map[string]any{"op": string(ch.Op)},
				})
			}
		}
	}
	return conflicts
}

// conflictKind classifies a divergence. Structurally comparable shapes
// (two objects, two arrays, two numbers) are value mismatches; only
// genuinely different types escalate.
func conflictKind(cur, expected any) models.ConflictType {
	if cur == nil || expected == nil {
		return models.ConflictTypeValueMismatch
	}
	if _, ok := asObject(cur); ok {
		if _, ok := asObject(expected); ok {
			return models.ConflictTypeValueMismatch
		}
	}
	if _, ok := asArray(cur); ok {
		if _, ok := asArray(expected); ok {
			return models.ConflictTypeValueMismatch
		}
	}
	if _, ok := toFloat(cur); ok {
		if _, ok := toFloat(expected); ok {
			return models.ConflictTypeValueMismatch
		}
	}
	if typeName(cur) != typeName(expected) {
		return models.ConflictTypeTypeMismatch
	}
	return models.ConflictTypeValueMismatch
}

// ResolveConflicts settles detected conflicts under the operation's
// policy. It returns the paths to skip and the per-path value overrides to
// apply instead of the snapshot values.
func (sc *StrategyContext) ResolveConflicts(ctx context.Context, conflicts []models.Conflict) (map[string]struct{}, map[string]any, error) {
	if len(conflicts) == 0 {
		return nil, nil, nil
	}
	skip := make(map[string]struct{})
	overrides := make(map[string]any)

	switch sc.Policy {
	case config.ConflictPolicyAbort, "":
		sc.countConflicts("aborted", len(conflicts))
		return nil, nil, &ConflictError{OperationID: sc.Operation.ID, Conflicts: conflicts}

	case config.ConflictPolicySkip:
		for _, c := range conflicts {
			skip[c.Path] = struct{}{}
			sc.Log("warn", "Skipping conflicting change", map[string]any{"path": c.Path, "conflict": string(c.Type)})
		}
		sc.countConflicts("skipped", len(conflicts))

	case config.ConflictPolicyOverwrite:
		// rollback values win unconditionally
		sc.countConflicts("overwritten", len(conflicts))

	case config.ConflictPolicyMerge:
		opts := sc.resolver.DefaultOptions(config.ConflictPolicyMerge)
		var unresolved []models.Conflict
		for _, c := range conflicts {
			res := sc.resolver.Resolve(c, opts)
			if !res.Success {
				unresolved = append(unresolved, c)
				continue
			}
			overrides[c.Path] = res.Merged
			sc.countConflicts("merged", 1)
			sc.Log("info", "Merged conflicting change", map[string]any{
				"path":       c.Path,
				"confidence": res.Confidence,
				"discarded":  len(res.Discarded),
			})
		}
		if len(unresolved) > 0 {
			sc.countConflicts("aborted", len(unresolved))
			return nil, nil, &ConflictError{OperationID: sc.Operation.ID, Conflicts: unresolved}
		}

	case config.ConflictPolicyAskUser:
		if sc.askUser == nil {
			return nil, nil, newError(CodeRollbackConflict, sc.Operation.ID,
				"conflict policy ask_user requires a registered callback", nil)
		}
		for _, c := range conflicts {
			v, err := sc.askUser(ctx, c)
			if err != nil {
				return nil, nil, fmt.Errorf("resolving conflict at %q: %w", c.Path, err)
			}
			overrides[c.Path] = v
			sc.countConflicts("user_resolved", 1)
		}

	default:
		return nil, nil, NewValidationError("unknown conflict policy %q", sc.Policy)
	}
	return skip, overrides, nil
}

func (sc *StrategyContext) countConflicts(resolution string, n int) {
	if n <= 0 {
		return
	}
	sc.hub.AddCounter("rollback_conflicts_total", metrics.Labels{"resolution": resolution}, float64(n))
}

// filterResolved drops skipped changes and swaps in override values.
// An override on a delete turns it into an update carrying the resolved
// value.
func filterResolved(changes []Change, skip map[string]struct{}, overrides map[string]any) []Change {
	if len(skip) == 0 && len(overrides) == 0 {
		return changes
	}
	out := make([]Change, 0, len(changes))
	for _, ch := range changes {
		if _, drop := skip[ch.Path]; drop {
			continue
		}
		if v, ok := overrides[ch.Path]; ok {
			if ch.Op == ChangeDelete {
				ch.Op = ChangeUpdate
			}
			ch.NewValue = v
		}
		out = append(out, ch)
	}
	return out
}

// ApplyChanges groups changes by snapshot type, applies each group to the
// in-memory state, and writes the result back through the type's source.
// Cancellation is honored between groups, before any write.
func (sc *StrategyContext) ApplyChanges(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}

	grouped := make(map[models.SnapshotType][]Change)
	var order []models.SnapshotType
	for _, ch := range changes {
		typ, inner := splitTypedPath(ch.Path)
		ch.Path = inner
		if ch.FromPath != "" {
			_, ch.FromPath = splitTypedPath(ch.FromPath)
		}
		if _, ok := grouped[typ]; !ok {
			order = append(order, typ)
		}
		grouped[typ] = append(grouped[typ], ch)
	}

	for _, typ := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, ok := sc.sources[typ]
		if !ok {
			sc.Log("warn", "No source for snapshot type, changes skipped", map[string]any{
				"type":    string(typ),
				"changes": len(grouped[typ]),
			})
			continue
		}
		next, err := sc.engine.Apply(sc.state[typ], grouped[typ])
		if err != nil {
			return err
		}
		if err := src.Restore(ctx, next); err != nil {
			return newError(CodeRestoreFailed, string(typ), "writing restored state", err)
		}
		sc.state[typ] = next
	}
	return nil
}

// backupRef names the snapshot-store point holding a safety backup for one
// operation.
func (sc *StrategyContext) backupRef() string {
	return "backup-" + sc.Operation.ID
}

// MakeBackup snapshots the current live state of every loaded type so a
// failed rollback can be undone. Snapshots live under a backup ref tied to
// the operation.
func (sc *StrategyContext) MakeBackup() error {
	ref := sc.backupRef()
	for _, typ := range sortedTypes(sc.state) {
		if _, err := sc.store.Create(ref, typ, sc.state[typ]); err != nil {
			sc.store.DeletePoint(ref)
			return newError(CodeCaptureFailed, ref, "backing up live state", err)
		}
	}
	return nil
}

// RestoreBackup puts every backed-up slice back through its source
func (sc *StrategyContext) RestoreBackup(ctx context.Context) error {
	ref := sc.backupRef()
	for _, snap := range sc.store.ByPoint(ref) {
		src, ok := sc.sources[snap.Type]
		if !ok {
			continue
		}
		data := sc.store.RestoreData(snap)
		if err := src.Restore(ctx, data); err != nil {
			return newError(CodeRestoreFailed, string(snap.Type), "restoring backup", err)
		}
		sc.state[snap.Type] = data
	}
	return nil
}

// DropBackup discards the operation's safety snapshots after success
func (sc *StrategyContext) DropBackup() {
	sc.store.DeletePoint(sc.backupRef())
}

// liveValue reads the current value at a typed path
func (sc *StrategyContext) liveValue(path string) (any, bool) {
	typ, inner := splitTypedPath(path)
	live, ok := sc.state[typ]
	if !ok {
		return nil, false
	}
	return getPath(live, inner)
}

func sortedTypes(state map[models.SnapshotType]any) []models.SnapshotType {
	types := make([]models.SnapshotType, 0, len(state))
	for typ := range state {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func sortedSourceTypes(sources map[models.SnapshotType]Source) []models.SnapshotType {
	types := make([]models.SnapshotType, 0, len(sources))
	for typ := range sources {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// perChangeEstimate is the planning figure for applying one change
const perChangeEstimate = 50 * time.Millisecond
