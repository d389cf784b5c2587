package rollback

import (
	"context"
	"fmt"
	"sort"

	"github.com/Amicidal/sigmachad-sub002/pkg/kg"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
	"github.com/Amicidal/sigmachad-sub002/pkg/session"
)

// Source captures and restores one typed slice of live state. The manager
// captures every registered source when a rollback point is created and
// restores through the same source when an operation applies changes.
type Source interface {
	Type() models.SnapshotType
	Capture(ctx context.Context) (any, error)
	Restore(ctx context.Context, data any) error
}

// FuncSource adapts plain functions into a Source. A nil RestoreFunc makes
// the slice read-only: captures participate in diffs but restores are
// silently skipped.
type FuncSource struct {
	Kind        models.SnapshotType
	CaptureFunc func(ctx context.Context) (any, error)
	RestoreFunc func(ctx context.Context, data any) error
}

func (f *FuncSource) Type() models.SnapshotType { return f.Kind }

func (f *FuncSource) Capture(ctx context.Context) (any, error) {
	if f.CaptureFunc == nil {
		return nil, fmt.Errorf("source %s has no capture function", f.Kind)
	}
	return f.CaptureFunc(ctx)
}

func (f *FuncSource) Restore(ctx context.Context, data any) error {
	if f.RestoreFunc == nil {
		return nil
	}
	return f.RestoreFunc(ctx, data)
}

// SessionAccess is the narrow session-store surface the session source
// needs.
type SessionAccess interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Update(ctx context.Context, sessionID string, patch session.Patch) error
}

// SessionStateSource snapshots one session document. Restores patch only
// the state and metadata; the event log and agent membership belong to the
// store and are never rewritten from a snapshot.
type SessionStateSource struct {
	access    SessionAccess
	sessionID string
}

// NewSessionStateSource builds a source over one session
func NewSessionStateSource(access SessionAccess, sessionID string) *SessionStateSource {
	return &SessionStateSource{access: access, sessionID: sessionID}
}

func (s *SessionStateSource) Type() models.SnapshotType { return models.SnapshotTypeSessionState }

func (s *SessionStateSource) Capture(ctx context.Context) (any, error) {
	sess, err := s.access.Get(ctx, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("capturing session %s: %w", s.sessionID, err)
	}
	agentIDs := make([]any, len(sess.AgentIDs))
	for i, id := range sess.AgentIDs {
		agentIDs[i] = id
	}
	return map[string]any{
		"sessionId": sess.ID,
		"state":     string(sess.State),
		"agentIds":  agentIDs,
		"events":    sess.Events,
		"metadata":  deepClone(sess.Metadata),
	}, nil
}

func (s *SessionStateSource) Restore(ctx context.Context, data any) error {
	m, ok := asObject(data)
	if !ok {
		return NewValidationError("session snapshot for %s is not an object", s.sessionID)
	}
	var patch session.Patch
	if raw, ok := m["state"].(string); ok && raw != "" {
		state := models.SessionState(raw)
		patch.State = &state
	}
	if md, ok := m["metadata"]; ok {
		if mm, ok := asObject(md); ok {
			patch.Metadata = mm
		}
	}
	if patch.State == nil && patch.Metadata == nil {
		return nil
	}
	if err := s.access.Update(ctx, s.sessionID, patch); err != nil {
		return fmt.Errorf("restoring session %s: %w", s.sessionID, err)
	}
	return nil
}

const (
	captureEntitiesQuery = `MATCH (e:Entity) RETURN e.id AS id, properties(e) AS props`
	restoreEntityQuery   = `MATCH (e:Entity {id: $id}) SET e += $props RETURN e.id AS id`

	captureRelationshipsQuery = `MATCH ()-[r]->() WHERE r.id IS NOT NULL
RETURN r.id AS id, properties(r) AS props`
	restoreRelationshipQuery = `MATCH ()-[r {id: $id}]->() SET r += $props RETURN r.id AS id`
)

// KGEntitySource snapshots entity properties from the knowledge graph,
// keyed by entity id. Restores merge properties back per entity; entities
// created after the snapshot are left alone.
type KGEntitySource struct {
	q kg.Querier
}

// NewKGEntitySource builds an entity source over the given graph
func NewKGEntitySource(q kg.Querier) *KGEntitySource {
	return &KGEntitySource{q: q}
}

func (s *KGEntitySource) Type() models.SnapshotType { return models.SnapshotTypeEntity }

func (s *KGEntitySource) Capture(ctx context.Context) (any, error) {
	rows, err := s.q.Query(ctx, captureEntitiesQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("capturing entities: %w", err)
	}
	return rowsByID(rows), nil
}

func (s *KGEntitySource) Restore(ctx context.Context, data any) error {
	return restoreByID(ctx, s.q, restoreEntityQuery, "entity", data)
}

// KGRelationshipSource snapshots relationship properties, keyed by the
// relationship's id property.
type KGRelationshipSource struct {
	q kg.Querier
}

// NewKGRelationshipSource builds a relationship source over the given
// graph.
func NewKGRelationshipSource(q kg.Querier) *KGRelationshipSource {
	return &KGRelationshipSource{q: q}
}

func (s *KGRelationshipSource) Type() models.SnapshotType { return models.SnapshotTypeRelationship }

func (s *KGRelationshipSource) Capture(ctx context.Context) (any, error) {
	rows, err := s.q.Query(ctx, captureRelationshipsQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("capturing relationships: %w", err)
	}
	return rowsByID(rows), nil
}

func (s *KGRelationshipSource) Restore(ctx context.Context, data any) error {
	return restoreByID(ctx, s.q, restoreRelationshipQuery, "relationship", data)
}

// rowsByID folds id/props rows into a map keyed by id
func rowsByID(rows []map[string]any) map[string]any {
	out := make(map[string]any, len(rows))
	for _, row := range rows {
		id, ok := row["id"].(string)
		if !ok || id == "" {
			continue
		}
		props := row["props"]
		if props == nil {
			props = map[string]any{}
		}
		out[id] = props
	}
	return out
}

// restoreByID writes each captured property set back, in id order so
// failures are reproducible.
func restoreByID(ctx context.Context, q kg.Querier, query, what string, data any) error {
	m, ok := asObject(data)
	if !ok {
		return NewValidationError("%s snapshot is not an object keyed by id", what)
	}
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		props := m[id]
		if props == nil {
			props = map[string]any{}
		}
		if _, err := q.Query(ctx, query, map[string]any{"id": id, "props": props}); err != nil {
			return fmt.Errorf("restoring %s %s: %w", what, id, err)
		}
	}
	return nil
}
