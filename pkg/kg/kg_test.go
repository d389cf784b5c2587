package kg

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// fakeQuerier records anchor writes per entity and replays them on reads.
type fakeQuerier struct {
	sessions map[string]string // entityId -> encoded anchors
	queries  []string
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{sessions: make(map[string]string)}
}

func (f *fakeQuerier) Query(_ context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	f.queries = append(f.queries, cypher)
	switch cypher {
	case readAnchorsQuery:
		id := params["entityId"].(string)
		return []map[string]any{{"sessions": f.sessions[id]}}, nil
	case writeAnchorsQuery:
		id := params["entityId"].(string)
		f.sessions[id] = params["sessions"].(string)
		return []map[string]any{{"id": id}}, nil
	case entityContextQuery:
		ids := params["entityIds"].([]string)
		rows := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, map[string]any{"id": id, "sessions": f.sessions[id]})
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("unexpected query: %s", cypher)
	}
}

func anchor(sessionID string, outcome models.CheckpointOutcome) models.SessionAnchor {
	return models.SessionAnchor{
		SessionID: sessionID,
		Outcome:   outcome,
		Actors:    []string{"agent-1"},
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
}

func TestAppendAnchorRoundTrip(t *testing.T) {
	q := newFakeQuerier()
	ctx := context.Background()

	require.NoError(t, AppendAnchor(ctx, q, "entity:user", anchor("sess-1", models.CheckpointOutcomeWorking)))
	require.NoError(t, AppendAnchor(ctx, q, "entity:user", anchor("sess-2", models.CheckpointOutcomeBroken)))

	anchors, err := Anchors(ctx, q, "entity:user")
	require.NoError(t, err)
	require.Len(t, anchors, 2)
	assert.Equal(t, "sess-1", anchors[0].SessionID)
	assert.Equal(t, models.CheckpointOutcomeBroken, anchors[1].Outcome)
	assert.Equal(t, []string{"agent-1"}, anchors[1].Actors)
}

func TestAppendAnchorKeepsNewestFive(t *testing.T) {
	q := newFakeQuerier()
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		a := anchor(fmt.Sprintf("sess-%d", i), models.CheckpointOutcomeWorking)
		require.NoError(t, AppendAnchor(ctx, q, "entity:auth", a))
	}

	anchors, err := Anchors(ctx, q, "entity:auth")
	require.NoError(t, err)
	require.Len(t, anchors, maxAnchorsPerEntity)
	assert.Equal(t, "sess-3", anchors[0].SessionID)
	assert.Equal(t, "sess-7", anchors[4].SessionID)
}

func TestAppendAnchorReplacesSameSession(t *testing.T) {
	q := newFakeQuerier()
	ctx := context.Background()

	require.NoError(t, AppendAnchor(ctx, q, "entity:user", anchor("sess-1", models.CheckpointOutcomeWorking)))
	require.NoError(t, AppendAnchor(ctx, q, "entity:user", anchor("sess-1", models.CheckpointOutcomeCompleted)))

	anchors, err := Anchors(ctx, q, "entity:user")
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, models.CheckpointOutcomeCompleted, anchors[0].Outcome)
}

func TestAnchorsEmptyEntity(t *testing.T) {
	q := newFakeQuerier()

	anchors, err := Anchors(context.Background(), q, "entity:missing")
	require.NoError(t, err)
	assert.Empty(t, anchors)
}

func TestEntityContext(t *testing.T) {
	q := newFakeQuerier()
	ctx := context.Background()
	require.NoError(t, AppendAnchor(ctx, q, "entity:user", anchor("sess-9", models.CheckpointOutcomeWorking)))

	rows, err := EntityContext(ctx, q, []string{"entity:user", "entity:auth"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	anchors := AnchorsFromRow(rows[0])
	require.Len(t, anchors, 1)
	assert.Equal(t, "sess-9", anchors[0].SessionID)

	t.Run("no entities, no query", func(t *testing.T) {
		before := len(q.queries)
		rows, err := EntityContext(ctx, q, nil)
		require.NoError(t, err)
		assert.Nil(t, rows)
		assert.Equal(t, before, len(q.queries))
	})
}

func TestDecodeAnchorsFromDecodedRows(t *testing.T) {
	// Some graph drivers return metadata already decoded instead of the
	// JSON string AppendAnchor wrote.
	encoded, err := json.Marshal([]models.SessionAnchor{anchor("sess-3", models.CheckpointOutcomeCoordinated)})
	require.NoError(t, err)
	var decoded []any
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	anchors := decodeAnchors(decoded)
	require.Len(t, anchors, 1)
	assert.Equal(t, "sess-3", anchors[0].SessionID)
	assert.Equal(t, models.CheckpointOutcomeCoordinated, anchors[0].Outcome)
}
