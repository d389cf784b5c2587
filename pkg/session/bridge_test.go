package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/kg"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// fakeGraph satisfies kg.Querier by storing encoded anchors per entity.
// It tells the three queries apart by their parameters.
type fakeGraph struct {
	mu       sync.Mutex
	sessions map[string]string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{sessions: make(map[string]string)}
}

func (g *fakeGraph) Query(_ context.Context, _ string, params map[string]any) ([]map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ids, ok := params["entityIds"].([]string); ok {
		rows := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, map[string]any{"id": id, "name": id, "sessions": g.sessions[id]})
		}
		return rows, nil
	}
	id, _ := params["entityId"].(string)
	if encoded, ok := params["sessions"].(string); ok {
		g.sessions[id] = encoded
		return []map[string]any{{"id": id}}, nil
	}
	return []map[string]any{{"sessions": g.sessions[id]}}, nil
}

func newTestBridge(t *testing.T) (*Bridge, *Store, *fakeGraph) {
	t.Helper()
	store, _ := newTestStore(t, nil)
	g := newFakeGraph()
	return NewBridge(store, g), store, g
}

// seedSession creates a session owned by agent-1 and appends the given
// events, filling in sequence numbers and actors that are left zero.
func seedSession(t *testing.T, store *Store, sessionID string, events ...models.SessionEvent) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sessionID, "agent-1", models.CreateSessionOptions{}))
	for i := range events {
		event := events[i]
		if event.Seq == 0 {
			event.Seq = int64(i + 1)
		}
		if event.Actor == "" {
			event.Actor = "agent-1"
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		require.NoError(t, store.AppendEvent(ctx, sessionID, &event))
	}
}

func testAnchor(sessionID string, outcome models.CheckpointOutcome, perfDelta float64, actors ...string) models.SessionAnchor {
	return models.SessionAnchor{
		SessionID: sessionID,
		Outcome:   outcome,
		PerfDelta: perfDelta,
		Actors:    actors,
		Timestamp: time.Now().UTC(),
	}
}

func TestTransitionsDetectsStateRegression(t *testing.T) {
	b, store, _ := newTestBridge(t)
	ctx := context.Background()

	seedSession(t, store, "s1",
		models.SessionEvent{
			Type:            models.EventTypeTestPass,
			StateTransition: &models.StateTransition{From: models.SessionStateBroken, To: models.SessionStateWorking},
		},
		models.SessionEvent{
			Type:            models.EventTypeBroke,
			StateTransition: &models.StateTransition{From: models.SessionStateWorking, To: models.SessionStateBroken},
			Changes:         &models.ChangeInfo{EntityIDs: []string{"entity:auth"}},
		},
	)

	results, err := b.Transitions(ctx, "s1", "")
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, models.TransitionReasonStateRegression, r.Reason)
	assert.Equal(t, int64(1), r.FromSeq)
	assert.Equal(t, int64(2), r.ToSeq)
	assert.Equal(t, "agent-1", r.Actor)
	assert.Equal(t, []string{"entity:auth"}, r.EntityIDs)

	require.Len(t, r.Context, 1, "graph context is attached per entity")
	assert.Equal(t, "entity:auth", r.Context[0]["id"])

	t.Run("entity filter", func(t *testing.T) {
		none, err := b.Transitions(ctx, "s1", "entity:other")
		require.NoError(t, err)
		assert.Empty(t, none)

		hits, err := b.Transitions(ctx, "s1", "entity:auth")
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	})

	t.Run("no graph attached", func(t *testing.T) {
		plain := NewBridge(store, nil)
		results, err := plain.Transitions(ctx, "s1", "")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Empty(t, results[0].Context)
	})
}

func TestTransitionsDetectsTestBreak(t *testing.T) {
	b, store, _ := newTestBridge(t)

	seedSession(t, store, "s1",
		models.SessionEvent{Type: models.EventTypeTestPass},
		models.SessionEvent{Type: models.EventTypeBroke},
	)

	results, err := b.Transitions(context.Background(), "s1", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.TransitionReasonTestBreak, results[0].Reason)
}

func TestTransitionsDetectsImpactRules(t *testing.T) {
	b, store, _ := newTestBridge(t)

	seedSession(t, store, "s1",
		models.SessionEvent{Type: models.EventTypeModified},
		models.SessionEvent{
			Type:    models.EventTypeModified,
			Changes: &models.ChangeInfo{EntityIDs: []string{"entity:x"}},
			Impact:  &models.Impact{Severity: models.SeverityHigh},
		},
		models.SessionEvent{Type: models.EventTypeModified},
		models.SessionEvent{
			Type:   models.EventTypeModified,
			Impact: &models.Impact{Severity: models.SeverityLow, PerfDelta: -9.5},
		},
	)

	results, err := b.Transitions(context.Background(), "s1", "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.TransitionReasonHighImpact, results[0].Reason)
	assert.Equal(t, int64(2), results[0].ToSeq)
	assert.Equal(t, models.TransitionReasonPerfRegression, results[1].Reason)
	assert.Equal(t, int64(4), results[1].ToSeq)

	t.Run("small deltas are not regressions", func(t *testing.T) {
		seedSession(t, store, "s2",
			models.SessionEvent{Type: models.EventTypeModified},
			models.SessionEvent{Type: models.EventTypeModified, Impact: &models.Impact{PerfDelta: -2}},
		)
		results, err := b.Transitions(context.Background(), "s2", "")
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestIsolateSession(t *testing.T) {
	b, store, g := newTestBridge(t)
	ctx := context.Background()

	seedSession(t, store, "s1",
		models.SessionEvent{
			Type:    models.EventTypeModified,
			Actor:   "agent-1",
			Changes: &models.ChangeInfo{EntityIDs: []string{"entity:a"}},
			Impact:  &models.Impact{PerfDelta: -3},
		},
		models.SessionEvent{
			Type:    models.EventTypeModified,
			Actor:   "agent-2",
			Changes: &models.ChangeInfo{EntityIDs: []string{"entity:b"}},
			Impact:  &models.Impact{PerfDelta: -7},
		},
		models.SessionEvent{
			Type:    models.EventTypeTestPass,
			Actor:   "agent-1",
			Changes: &models.ChangeInfo{EntityIDs: []string{"entity:a"}},
			Impact:  &models.Impact{PerfDelta: 1},
		},
	)
	require.NoError(t, kg.AppendAnchor(ctx, g, "entity:a", testAnchor("s1", models.CheckpointOutcomeWorking, -2, "agent-1")))
	require.NoError(t, kg.AppendAnchor(ctx, g, "entity:a", testAnchor("other", models.CheckpointOutcomeBroken, -9, "agent-1")))

	res, err := b.IsolateSession(ctx, "s1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, "agent-1", res.AgentID)
	assert.Equal(t, []int64{1, 3}, eventSeqs(res.Events))
	assert.InDelta(t, -2.0, res.PerfDelta, 0.001)

	require.Len(t, res.Anchors, 1, "only this session's anchors count")
	assert.Equal(t, "s1", res.Anchors[0].SessionID)

	t.Run("agent id required", func(t *testing.T) {
		_, err := b.IsolateSession(ctx, "s1", "")
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("uninvolved agent isolates to nothing", func(t *testing.T) {
		res, err := b.IsolateSession(ctx, "s1", "agent-9")
		require.NoError(t, err)
		assert.Empty(t, res.Events)
		assert.Empty(t, res.Anchors)
		assert.Zero(t, res.PerfDelta)
	})
}

func TestHandoffContext(t *testing.T) {
	b, store, _ := newTestBridge(t)
	ctx := context.Background()

	seedSession(t, store, "s1",
		models.SessionEvent{Type: models.EventTypeModified},
		models.SessionEvent{
			Type:            models.EventTypeBroke,
			StateTransition: &models.StateTransition{From: models.SessionStateWorking, To: models.SessionStateBroken},
			Changes:         &models.ChangeInfo{EntityIDs: []string{"entity:a"}},
			Impact:          &models.Impact{Severity: models.SeverityHigh, PerfDelta: -8},
		},
	)

	res, err := b.HandoffContext(ctx, "s1", "agent-9")
	require.NoError(t, err)
	assert.Equal(t, "agent-9", res.JoiningAgent)
	assert.Len(t, res.RecentEvents, 2)
	assert.Equal(t, []string{"agent-1"}, res.ActiveAgents)

	require.Len(t, res.Warnings, 3)
	assert.Contains(t, res.Warnings[0], "breaking change")
	assert.Contains(t, res.Warnings[1], "high-impact change")
	assert.Contains(t, res.Warnings[2], "currently broken")

	require.Len(t, res.EntityRows, 1)
	assert.Equal(t, "entity:a", res.EntityRows[0]["id"])

	assert.Contains(t, res.Advisory, "agent-1")
	assert.Contains(t, res.Advisory, "Warnings")

	t.Run("missing session", func(t *testing.T) {
		_, err := b.HandoffContext(ctx, "ghost", "agent-9")
		assert.True(t, IsNotFound(err))
	})
}

func TestQuerySessionsByEntity(t *testing.T) {
	b, store, g := newTestBridge(t)
	ctx := context.Background()

	// a historical session known only to the graph
	require.NoError(t, kg.AppendAnchor(ctx, g, "entity:a",
		testAnchor("sess-old", models.CheckpointOutcomeBroken, -4, "agent-1")))

	// live sessions, one touching the entity and one not
	seedSession(t, store, "live1", models.SessionEvent{
		Type:    models.EventTypeModified,
		Changes: &models.ChangeInfo{EntityIDs: []string{"entity:a"}},
	})
	seedSession(t, store, "live2", models.SessionEvent{
		Type:    models.EventTypeModified,
		Changes: &models.ChangeInfo{EntityIDs: []string{"entity:z"}},
	})

	t.Run("graph only", func(t *testing.T) {
		hits, err := b.QuerySessionsByEntity(ctx, "entity:a", models.SessionsByEntityOptions{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "sess-old", hits[0].SessionID)
		assert.Equal(t, models.EntitySessionSourceKG, hits[0].Source)
		assert.Equal(t, models.CheckpointOutcomeBroken, hits[0].Outcome)
	})

	t.Run("with active sessions", func(t *testing.T) {
		hits, err := b.QuerySessionsByEntity(ctx, "entity:a", models.SessionsByEntityOptions{IncludeActive: true})
		require.NoError(t, err)
		require.Len(t, hits, 2)

		bySession := make(map[string]models.EntitySession, len(hits))
		for _, h := range hits {
			bySession[h.SessionID] = h
		}
		assert.Equal(t, models.EntitySessionSourceKG, bySession["sess-old"].Source)
		live := bySession["live1"]
		assert.Equal(t, models.EntitySessionSourceActive, live.Source)
		assert.Equal(t, models.SessionStateWorking, live.State)
		assert.Equal(t, []string{"agent-1"}, live.Agents)
	})

	t.Run("agent filter", func(t *testing.T) {
		hits, err := b.QuerySessionsByEntity(ctx, "entity:a", models.SessionsByEntityOptions{
			IncludeActive: true,
			AgentID:       "agent-9",
		})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("state filter excludes graph-only entries", func(t *testing.T) {
		hits, err := b.QuerySessionsByEntity(ctx, "entity:a", models.SessionsByEntityOptions{
			IncludeActive: true,
			State:         models.SessionStateWorking,
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "live1", hits[0].SessionID)
	})

	t.Run("anchored live sessions dedup to the graph entry", func(t *testing.T) {
		require.NoError(t, kg.AppendAnchor(ctx, g, "entity:a",
			testAnchor("live1", models.CheckpointOutcomeWorking, 0, "agent-1")))

		hits, err := b.QuerySessionsByEntity(ctx, "entity:a", models.SessionsByEntityOptions{IncludeActive: true})
		require.NoError(t, err)
		require.Len(t, hits, 2)

		var live models.EntitySession
		for _, h := range hits {
			if h.SessionID == "live1" {
				live = h
			}
		}
		assert.Equal(t, models.EntitySessionSourceKG, live.Source)
		assert.Equal(t, models.SessionStateWorking, live.State, "live state backfills the graph entry")
	})

	t.Run("entity id required", func(t *testing.T) {
		_, err := b.QuerySessionsByEntity(ctx, "", models.SessionsByEntityOptions{})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	})
}

func TestAggregates(t *testing.T) {
	b, _, g := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, kg.AppendAnchor(ctx, g, "entity:a",
		testAnchor("sess-1", models.CheckpointOutcomeBroken, -10, "dev-a")))
	require.NoError(t, kg.AppendAnchor(ctx, g, "entity:a",
		testAnchor("sess-2", models.CheckpointOutcomeWorking, 2, "dev-b")))
	require.NoError(t, kg.AppendAnchor(ctx, g, "entity:b",
		testAnchor("sess-2", models.CheckpointOutcomeWorking, 2, "dev-b")))

	agg, err := b.Aggregates(ctx, []string{"entity:a", "entity:b"}, models.SessionsByEntityOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, agg.Sessions, "sessions are counted once across entities")
	assert.Equal(t, 2, agg.ActiveAgents)
	assert.Equal(t, map[string]int{"broken": 1, "working": 2}, agg.Outcomes)
	assert.InDelta(t, -6.0, agg.PerfImpact.Total, 0.001)
	assert.InDelta(t, -2.0, agg.PerfImpact.Avg, 0.001)
	assert.InDelta(t, -10.0, agg.PerfImpact.Worst, 0.001)

	require.Contains(t, agg.PerEntity, "entity:a")
	require.Contains(t, agg.PerEntity, "entity:b")
	assert.Equal(t, 2, agg.PerEntity["entity:a"].Sessions)
	assert.Equal(t, 1, agg.PerEntity["entity:b"].Sessions)
	assert.InDelta(t, -10.0, agg.PerEntity["entity:a"].PerfImpact.Worst, 0.001)

	t.Run("entities required", func(t *testing.T) {
		_, err := b.Aggregates(ctx, nil, models.SessionsByEntityOptions{})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	})
}
