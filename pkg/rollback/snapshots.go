package rollback

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// SnapshotStore holds snapshots in memory, indexed by rollback point, with
// a running size total. Data is canonicalized on the way in and checksums
// are re-verified on the way out, so a corrupted entry can never be
// restored silently.
type SnapshotStore struct {
	maxSnapshotSize int64
	hub             *metrics.Hub

	mu        sync.RWMutex
	snapshots map[string]*models.Snapshot
	byPoint   map[string]map[string]struct{}
	totalSize int64
}

// NewSnapshotStore creates an empty store bounded by cfg.MaxSnapshotSize
func NewSnapshotStore(cfg *config.RollbackConfig) *SnapshotStore {
	return &SnapshotStore{
		maxSnapshotSize: cfg.MaxSnapshotSize,
		snapshots:       make(map[string]*models.Snapshot),
		byPoint:         make(map[string]map[string]struct{}),
	}
}

// AttachMetrics wires the snapshots_stored gauge; nil is allowed
func (s *SnapshotStore) AttachMetrics(hub *metrics.Hub) {
	s.hub = hub
}

// Create canonicalizes data, checksums it, and stores it under a new
// snapshot id owned by rollbackPointID. Payloads whose canonical
// serialization exceeds the size bound are rejected.
func (s *SnapshotStore) Create(rollbackPointID string, typ models.SnapshotType, data any) (*models.Snapshot, error) {
	if rollbackPointID == "" {
		return nil, NewValidationError("rollback point id is required")
	}
	if !typ.IsValid() {
		return nil, NewValidationError("invalid snapshot type %q", typ)
	}

	canonical := canonicalize(deepClone(data))
	encoded, err := canonicalJSON(canonical)
	if err != nil {
		return nil, newError(CodeCaptureFailed, rollbackPointID, "data is not serializable", err)
	}
	size := int64(len(encoded))
	if s.maxSnapshotSize > 0 && size > s.maxSnapshotSize {
		return nil, newError(CodeSnapshotTooLarge, rollbackPointID, "", nil)
	}

	snap := &models.Snapshot{
		ID:              "snapshot-" + uuid.New().String(),
		RollbackPointID: rollbackPointID,
		Type:            typ,
		Data:            canonical,
		Size:            size,
		CreatedAt:       time.Now().UTC(),
		Checksum:        checksumOf(encoded),
	}

	s.mu.Lock()
	s.snapshots[snap.ID] = snap
	owned, ok := s.byPoint[rollbackPointID]
	if !ok {
		owned = make(map[string]struct{})
		s.byPoint[rollbackPointID] = owned
	}
	owned[snap.ID] = struct{}{}
	s.totalSize += size
	s.mu.Unlock()

	s.refreshGauge()
	return cloneSnapshot(snap), nil
}

// Get returns a snapshot copy after re-verifying its checksum. A mismatch
// reports the snapshot corrupted and leaves it in place for inspection.
func (s *SnapshotStore) Get(snapshotID string) (*models.Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[snapshotID]
	s.mu.RUnlock()
	if !ok {
		return nil, newError(CodeSnapshotNotFound, snapshotID, "", nil)
	}

	if snap.Checksum != "" {
		encoded, err := canonicalJSON(snap.Data)
		if err != nil {
			return nil, newError(CodeSnapshotCorrupted, snapshotID, "data no longer serializes", err)
		}
		if checksumOf(encoded) != snap.Checksum {
			return nil, newError(CodeSnapshotCorrupted, snapshotID, "checksum mismatch", nil)
		}
	}
	return cloneSnapshot(snap), nil
}

// Restore returns the snapshot's payload with the canonicalization
// reversed: tagged documents become Map, Set, and time values again.
func (s *SnapshotStore) Restore(snapshotID string) (any, error) {
	snap, err := s.Get(snapshotID)
	if err != nil {
		return nil, err
	}
	return decanonicalize(snap.Data), nil
}

// RestoreData reverses canonicalization on an already-fetched snapshot
func (s *SnapshotStore) RestoreData(snap *models.Snapshot) any {
	return decanonicalize(deepClone(snap.Data))
}

// ByPoint lists the snapshots owned by one rollback point, oldest first
func (s *SnapshotStore) ByPoint(rollbackPointID string) []*models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.byPoint[rollbackPointID]
	out := make([]*models.Snapshot, 0, len(owned))
	for id := range owned {
		if snap, ok := s.snapshots[id]; ok {
			out = append(out, cloneSnapshot(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes one snapshot; unknown ids are a no-op
func (s *SnapshotStore) Delete(snapshotID string) {
	s.mu.Lock()
	if snap, ok := s.snapshots[snapshotID]; ok {
		delete(s.snapshots, snapshotID)
		s.totalSize -= snap.Size
		if owned, ok := s.byPoint[snap.RollbackPointID]; ok {
			delete(owned, snapshotID)
			if len(owned) == 0 {
				delete(s.byPoint, snap.RollbackPointID)
			}
		}
	}
	s.mu.Unlock()
	s.refreshGauge()
}

// DeletePoint removes every snapshot owned by a rollback point and
// reports how many were dropped.
func (s *SnapshotStore) DeletePoint(rollbackPointID string) int {
	s.mu.Lock()
	owned := s.byPoint[rollbackPointID]
	for id := range owned {
		if snap, ok := s.snapshots[id]; ok {
			delete(s.snapshots, id)
			s.totalSize -= snap.Size
		}
	}
	n := len(owned)
	delete(s.byPoint, rollbackPointID)
	s.mu.Unlock()

	s.refreshGauge()
	return n
}

// Cleanup deletes every snapshot whose rollback point is not in live and
// returns the number removed.
func (s *SnapshotStore) Cleanup(live map[string]struct{}) int {
	s.mu.Lock()
	removed := 0
	for pointID, owned := range s.byPoint {
		if _, ok := live[pointID]; ok {
			continue
		}
		for id := range owned {
			if snap, ok := s.snapshots[id]; ok {
				delete(s.snapshots, id)
				s.totalSize -= snap.Size
				removed++
			}
		}
		delete(s.byPoint, pointID)
	}
	s.mu.Unlock()

	if removed > 0 {
		s.refreshGauge()
	}
	return removed
}

// Len is the number of stored snapshots
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// TotalSize is the canonical byte total across all stored snapshots
func (s *SnapshotStore) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalSize
}

func (s *SnapshotStore) refreshGauge() {
	if s.hub == nil {
		return
	}
	s.hub.SetGauge("snapshots_stored", nil, float64(s.Len()))
}

func cloneSnapshot(snap *models.Snapshot) *models.Snapshot {
	out := *snap
	out.Data = deepClone(snap.Data)
	return &out
}
