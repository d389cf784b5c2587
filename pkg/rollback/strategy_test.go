package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

func newStrategyContext(changes []Change) *StrategyContext {
	cfg := config.DefaultRollbackConfig()
	engine := NewDiffEngine(cfg)
	return &StrategyContext{
		Operation: &models.RollbackOperation{ID: "op-under-test"},
		Point:     &models.RollbackPoint{ID: "rp-under-test", CreatedAt: time.Now()},
		Changes:   changes,
		Policy:    cfg.ConflictPolicy,
		state:     make(map[models.SnapshotType]any),
		sources:   make(map[models.SnapshotType]Source),
		store:     NewSnapshotStore(cfg),
		engine:    engine,
		resolver:  NewConflictResolver(cfg, engine),
	}
}

func TestDetectConflictsClassifiesDivergence(t *testing.T) {
	sc := newStrategyContext([]Change{
		{Op: ChangeUpdate, Path: "session_state:mode", OldValue: "expected", NewValue: "target"},
		{Op: ChangeDelete, Path: "session_state:gone", OldValue: "x"},
		{Op: ChangeUpdate, Path: "session_state:stable", OldValue: "same", NewValue: "next"},
		{Op: ChangeCreate, Path: "session_state:occupied", NewValue: "target"},
	})
	sc.state[models.SnapshotTypeSessionState] = map[string]any{
		"mode":     "drifted",
		"stable":   "same",
		"occupied": "squatter",
	}

	conflicts := sc.DetectConflicts()
	require.Len(t, conflicts, 3)

	byPath := make(map[string]models.Conflict, len(conflicts))
	for _, c := range conflicts {
		byPath[c.Path] = c
	}

	mode := byPath["session_state:mode"]
	assert.Equal(t, models.ConflictTypeValueMismatch, mode.Type)
	assert.Equal(t, "drifted", mode.CurrentValue)
	assert.Equal(t, "target", mode.RollbackValue)

	assert.Equal(t, models.ConflictTypeMissingTarget, byPath["session_state:gone"].Type)
	assert.Equal(t, "squatter", byPath["session_state:occupied"].CurrentValue)
}

func TestDetectConflictsTypeMismatch(t *testing.T) {
	sc := newStrategyContext([]Change{
		{Op: ChangeUpdate, Path: "entity:svc.port", OldValue: 8080, NewValue: 9090},
	})
	sc.state[models.SnapshotTypeEntity] = map[string]any{"svc": map[string]any{"port": "8080"}}

	conflicts := sc.DetectConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictTypeTypeMismatch, conflicts[0].Type)
}

func TestResolveConflictsAbortReturnsAll(t *testing.T) {
	sc := newStrategyContext(nil)
	sc.Policy = config.ConflictPolicyAbort

	conflicts := []models.Conflict{
		{Path: "entity:a", Type: models.ConflictTypeValueMismatch},
		{Path: "entity:b", Type: models.ConflictTypeMissingTarget},
	}
	_, _, err := sc.ResolveConflicts(context.Background(), conflicts)
	require.Error(t, err)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Conflicts, 2)
	assert.Equal(t, CodeRollbackConflict, CodeOf(err))
}

func TestResolveConflictsSkipCollectsPaths(t *testing.T) {
	sc := newStrategyContext(nil)
	sc.Policy = config.ConflictPolicySkip

	skip, overrides, err := sc.ResolveConflicts(context.Background(), []models.Conflict{
		{Path: "entity:a", Type: models.ConflictTypeValueMismatch},
	})
	require.NoError(t, err)
	assert.Empty(t, overrides)
	_, skipped := skip["entity:a"]
	assert.True(t, skipped)
}

func TestResolveConflictsAskUserRequiresCallback(t *testing.T) {
	sc := newStrategyContext(nil)
	sc.Policy = config.ConflictPolicyAskUser

	conflicts := []models.Conflict{{Path: "entity:a", Type: models.ConflictTypeValueMismatch}}
	_, _, err := sc.ResolveConflicts(context.Background(), conflicts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a registered callback")

	sc.askUser = func(ctx context.Context, c models.Conflict) (any, error) {
		return "picked", nil
	}
	_, overrides, err := sc.ResolveConflicts(context.Background(), conflicts)
	require.NoError(t, err)
	assert.Equal(t, "picked", overrides["entity:a"])
}

func TestResolveConflictsAskUserErrorPropagates(t *testing.T) {
	sc := newStrategyContext(nil)
	sc.Policy = config.ConflictPolicyAskUser
	cause := errors.New("operator offline")
	sc.askUser = func(ctx context.Context, c models.Conflict) (any, error) {
		return nil, cause
	}

	_, _, err := sc.ResolveConflicts(context.Background(), []models.Conflict{
		{Path: "entity:a", Type: models.ConflictTypeValueMismatch},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestFilterResolvedRewritesChanges(t *testing.T) {
	changes := []Change{
		{Op: ChangeDelete, Path: "entity:a", OldValue: "old"},
		{Op: ChangeUpdate, Path: "entity:b", NewValue: "snapshot"},
		{Op: ChangeUpdate, Path: "entity:c", NewValue: "kept"},
	}
	out := filterResolved(changes,
		map[string]struct{}{"entity:c": {}},
		map[string]any{"entity:a": "resolved", "entity:b": "merged"},
	)
	require.Len(t, out, 2)

	// an override on a delete becomes an update carrying the resolved value
	assert.Equal(t, ChangeUpdate, out[0].Op)
	assert.Equal(t, "entity:a", out[0].Path)
	assert.Equal(t, "resolved", out[0].NewValue)

	assert.Equal(t, "merged", out[1].NewValue)
}

func TestApplyChangesWritesThroughSources(t *testing.T) {
	sc := newStrategyContext(nil)
	src := newMemSource(models.SnapshotTypeSessionState, Map{"mode": "live", "count": 2})
	sc.sources[models.SnapshotTypeSessionState] = src
	sc.state[models.SnapshotTypeSessionState] = Map{"mode": "live", "count": 2}

	err := sc.ApplyChanges(context.Background(), []Change{
		{Op: ChangeUpdate, Path: "session_state:mode", OldValue: "live", NewValue: "restored"},
		{Op: ChangeDelete, Path: "session_state:count", OldValue: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, "restored", src.get("mode"))
	assert.Nil(t, src.get("count"))

	// the in-memory slice tracks the write so later reads see it
	live, ok := sc.liveValue("session_state:mode")
	require.True(t, ok)
	assert.Equal(t, "restored", live)
}

func TestApplyChangesSkipsUnsourcedTypes(t *testing.T) {
	sc := newStrategyContext(nil)
	sc.state[models.SnapshotTypeEntity] = map[string]any{"svc": "x"}

	err := sc.ApplyChanges(context.Background(), []Change{
		{Op: ChangeUpdate, Path: "entity:svc", OldValue: "x", NewValue: "y"},
	})
	assert.NoError(t, err)
}

func TestBackupRoundTrip(t *testing.T) {
	sc := newStrategyContext(nil)
	src := newMemSource(models.SnapshotTypeSessionState, Map{"mode": "pristine"})
	sc.sources[models.SnapshotTypeSessionState] = src
	sc.state[models.SnapshotTypeSessionState] = Map{"mode": "pristine"}

	require.NoError(t, sc.MakeBackup())
	assert.NotEmpty(t, sc.store.ByPoint(sc.backupRef()))

	src.set("mode", "broken")
	require.NoError(t, sc.RestoreBackup(context.Background()))
	assert.Equal(t, "pristine", src.get("mode"))

	sc.DropBackup()
	assert.Empty(t, sc.store.ByPoint(sc.backupRef()))
}
