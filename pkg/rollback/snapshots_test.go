package rollback

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

func newTestStore() *SnapshotStore {
	return NewSnapshotStore(config.DefaultRollbackConfig())
}

func TestSnapshotCreateAndRestore(t *testing.T) {
	store := newTestStore()
	since := time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC)

	payload := Map{
		"mode":  "initial",
		"since": since,
		"tags":  Set{"a", "b"},
	}
	snap, err := store.Create("rp-1", models.SnapshotTypeSessionState, payload)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(snap.ID, "snapshot-"))
	assert.Equal(t, "rp-1", snap.RollbackPointID)
	assert.Equal(t, models.SnapshotTypeSessionState, snap.Type)
	assert.NotEmpty(t, snap.Checksum)
	assert.Positive(t, snap.Size)

	restored, err := store.Restore(snap.ID)
	require.NoError(t, err)
	m, ok := restored.(Map)
	require.True(t, ok, "payload should come back as a Map, got %T", restored)
	assert.Equal(t, "initial", m["mode"])
	ts, ok := m["since"].(time.Time)
	require.True(t, ok)
	assert.True(t, since.Equal(ts))
	assert.Equal(t, Set{"a", "b"}, m["tags"])
}

func TestSnapshotCreateValidation(t *testing.T) {
	store := newTestStore()

	_, err := store.Create("", models.SnapshotTypeEntity, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = store.Create("rp-1", "blob", nil)
	require.ErrorAs(t, err, &ve)
}

func TestSnapshotRejectsOversizedPayload(t *testing.T) {
	cfg := config.DefaultRollbackConfig()
	cfg.MaxSnapshotSize = 16
	store := NewSnapshotStore(cfg)

	_, err := store.Create("rp-1", models.SnapshotTypeEntity, map[string]any{
		"blob": strings.Repeat("x", 64),
	})
	require.Error(t, err)
	assert.Equal(t, CodeSnapshotTooLarge, CodeOf(err))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, int64(0), store.TotalSize())
}

func TestSnapshotChecksumVerifiedOnGet(t *testing.T) {
	store := newTestStore()

	snap, err := store.Create("rp-1", models.SnapshotTypeEntity, map[string]any{"name": "svc"})
	require.NoError(t, err)

	store.mu.Lock()
	store.snapshots[snap.ID].Data = map[string]any{"name": "tampered"}
	store.mu.Unlock()

	_, err = store.Get(snap.ID)
	require.Error(t, err)
	assert.Equal(t, CodeSnapshotCorrupted, CodeOf(err))

	// corrupted snapshots are quarantined, not deleted
	assert.Equal(t, 1, store.Len())
}

func TestSnapshotGetUnknown(t *testing.T) {
	store := newTestStore()

	_, err := store.Get("snapshot-missing")
	assert.Equal(t, CodeSnapshotNotFound, CodeOf(err))
}

func TestSnapshotsByPointOldestFirst(t *testing.T) {
	store := newTestStore()

	first, err := store.Create("rp-1", models.SnapshotTypeEntity, map[string]any{"n": 1})
	require.NoError(t, err)
	second, err := store.Create("rp-1", models.SnapshotTypeSessionState, map[string]any{"n": 2})
	require.NoError(t, err)

	store.mu.Lock()
	store.snapshots[second.ID].CreatedAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	got := store.ByPoint("rp-1")
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)
	assert.Empty(t, store.ByPoint("rp-other"))
}

func TestDeletePointDropsOwnedSnapshots(t *testing.T) {
	store := newTestStore()

	a, err := store.Create("rp-1", models.SnapshotTypeEntity, map[string]any{"n": 1})
	require.NoError(t, err)
	b, err := store.Create("rp-1", models.SnapshotTypeSessionState, map[string]any{"n": 2})
	require.NoError(t, err)
	keep, err := store.Create("rp-2", models.SnapshotTypeEntity, map[string]any{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, a.Size+b.Size+keep.Size, store.TotalSize())

	assert.Equal(t, 2, store.DeletePoint("rp-1"))
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, keep.Size, store.TotalSize())

	_, err = store.Get(a.ID)
	assert.Equal(t, CodeSnapshotNotFound, CodeOf(err))
	_, err = store.Get(keep.ID)
	assert.NoError(t, err)

	assert.Equal(t, 0, store.DeletePoint("rp-1"))
}

func TestCleanupKeepsLiveRefs(t *testing.T) {
	store := newTestStore()

	kept, err := store.Create("rp-live", models.SnapshotTypeEntity, map[string]any{"n": 1})
	require.NoError(t, err)
	dead, err := store.Create("rp-dead", models.SnapshotTypeEntity, map[string]any{"n": 2})
	require.NoError(t, err)

	removed := store.Cleanup(map[string]struct{}{"rp-live": {}})
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())

	_, err = store.Get(kept.ID)
	assert.NoError(t, err)
	_, err = store.Get(dead.ID)
	assert.Equal(t, CodeSnapshotNotFound, CodeOf(err))
}

func TestSnapshotCloneIsolation(t *testing.T) {
	store := newTestStore()

	payload := map[string]any{"nested": map[string]any{"v": 1}}
	snap, err := store.Create("rp-1", models.SnapshotTypeEntity, payload)
	require.NoError(t, err)

	// mutating the caller's payload or a returned copy must not reach the store
	payload["nested"].(map[string]any)["v"] = 99
	restored, err := store.Restore(snap.ID)
	require.NoError(t, err)
	m, ok := asObject(restored)
	require.True(t, ok)
	inner, ok := asObject(m["nested"])
	require.True(t, ok)
	assert.Equal(t, 1, inner["v"])
}
