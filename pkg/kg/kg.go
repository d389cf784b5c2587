// Package kg defines the knowledge-graph contract the coordination core
// consumes. The graph itself lives elsewhere; the core only issues
// parameterized queries and reads rows by field name.
package kg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// Querier is the opaque query surface of the knowledge graph. Rows are
// maps keyed by the return-clause names; the core never inspects them
// beyond field lookup.
type Querier interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// maxAnchorsPerEntity bounds how many session anchors one entity keeps.
// Older anchors fall off so entity metadata stays small.
const maxAnchorsPerEntity = 5

const (
	readAnchorsQuery = `MATCH (e {id: $entityId}) RETURN e.metadata_sessions AS sessions`

	writeAnchorsQuery = `MATCH (e {id: $entityId}) SET e.metadata_sessions = $sessions RETURN e.id AS id`

	entityContextQuery = `MATCH (e) WHERE e.id IN $entityIds
RETURN e.id AS id, e.type AS type, e.name AS name, e.metadata_sessions AS sessions`
)

// Anchors reads the session anchors recorded on an entity. Missing
// entities and empty metadata both yield an empty slice.
func Anchors(ctx context.Context, q Querier, entityID string) ([]models.SessionAnchor, error) {
	rows, err := q.Query(ctx, readAnchorsQuery, map[string]any{"entityId": entityID})
	if err != nil {
		return nil, fmt.Errorf("failed to read anchors for %s: %w", entityID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return decodeAnchors(rows[0]["sessions"]), nil
}

// AppendAnchor records that a session touched an entity, keeping only the
// newest anchors up to the per-entity cap.
func AppendAnchor(ctx context.Context, q Querier, entityID string, anchor models.SessionAnchor) error {
	existing, err := Anchors(ctx, q, entityID)
	if err != nil {
		return err
	}

	// Replace a previous anchor for the same session rather than stacking.
	anchors := make([]models.SessionAnchor, 0, len(existing)+1)
	for _, a := range existing {
		if a.SessionID != anchor.SessionID {
			anchors = append(anchors, a)
		}
	}
	anchors = append(anchors, anchor)
	if len(anchors) > maxAnchorsPerEntity {
		anchors = anchors[len(anchors)-maxAnchorsPerEntity:]
	}

	encoded, err := json.Marshal(anchors)
	if err != nil {
		return fmt.Errorf("failed to encode anchors for %s: %w", entityID, err)
	}
	_, err = q.Query(ctx, writeAnchorsQuery, map[string]any{
		"entityId": entityID,
		"sessions": string(encoded),
	})
	if err != nil {
		return fmt.Errorf("failed to write anchors for %s: %w", entityID, err)
	}
	return nil
}

// EntityContext fetches the rows for a set of entities in one query. Rows
// are returned as-is for callers that only relay them.
func EntityContext(ctx context.Context, q Querier, entityIDs []string) ([]map[string]any, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx, entityContextQuery, map[string]any{"entityIds": entityIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to query entity context: %w", err)
	}
	return rows, nil
}

// AnchorsFromRow extracts session anchors from a context row previously
// returned by EntityContext.
func AnchorsFromRow(row map[string]any) []models.SessionAnchor {
	return decodeAnchors(row["sessions"])
}

// decodeAnchors tolerates the two shapes stores hand back: a JSON string
// (how AppendAnchor writes it) or an already-decoded list of maps.
func decodeAnchors(raw any) []models.SessionAnchor {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		var anchors []models.SessionAnchor
		if err := json.Unmarshal([]byte(v), &anchors); err != nil {
			return nil
		}
		return anchors
	case []any:
		anchors := make([]models.SessionAnchor, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			anchors = append(anchors, anchorFromMap(m))
		}
		return anchors
	default:
		return nil
	}
}

func anchorFromMap(m map[string]any) models.SessionAnchor {
	a := models.SessionAnchor{}
	if s, ok := m["sessionId"].(string); ok {
		a.SessionID = s
	}
	if s, ok := m["outcome"].(string); ok {
		a.Outcome = models.CheckpointOutcome(s)
	}
	if s, ok := m["checkpointId"].(string); ok {
		a.CheckpointID = s
	}
	if f, ok := m["perfDelta"].(float64); ok {
		a.PerfDelta = f
	}
	if actors, ok := m["actors"].([]any); ok {
		for _, actor := range actors {
			if s, ok := actor.(string); ok {
				a.Actors = append(a.Actors, s)
			}
		}
	}
	if s, ok := m["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			a.Timestamp = t
		}
	}
	return a
}
