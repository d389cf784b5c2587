package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

func eventSeqs(events []models.SessionEvent) []int64 {
	seqs := make([]int64, 0, len(events))
	for _, ev := range events {
		seqs = append(seqs, ev.Seq)
	}
	return seqs
}

func TestLogAppendRequiresSession(t *testing.T) {
	store, _ := newTestStore(t, nil)

	event := &models.SessionEvent{Seq: 1, Type: models.EventTypeModified, Actor: "agent-1"}
	err := store.AppendEvent(context.Background(), "missing", event)
	require.Error(t, err)
	assert.Equal(t, CodeSessionNotFound, CodeOf(err))
}

func TestLogAppendRejectsCompletedSession(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	state := models.SessionStateCompleted
	require.NoError(t, store.Update(ctx, "s1", Patch{State: &state}))

	event := &models.SessionEvent{Seq: 1, Type: models.EventTypeModified, Actor: "agent-1"}
	err := store.AppendEvent(ctx, "s1", event)
	require.Error(t, err)
	assert.Equal(t, CodeEventAddFailed, CodeOf(err))
}

func TestLogAppendAppliesVerifiedTransition(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	event := &models.SessionEvent{
		Seq:   1,
		Type:  models.EventTypeBroke,
		Actor: "agent-1",
		StateTransition: &models.StateTransition{
			From:       models.SessionStateWorking,
			To:         models.SessionStateBroken,
			VerifiedBy: "test-run",
		},
	}
	require.NoError(t, store.AppendEvent(ctx, "s1", event))

	doc, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateBroken, doc.State)
	assert.Equal(t, int64(1), doc.Events)

	t.Run("invalid transition target is ignored", func(t *testing.T) {
		event := &models.SessionEvent{
			Seq:             2,
			Type:            models.EventTypeModified,
			Actor:           "agent-1",
			StateTransition: &models.StateTransition{To: "exploded"},
		}
		require.NoError(t, store.AppendEvent(ctx, "s1", event))

		doc, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStateBroken, doc.State)
		assert.Equal(t, int64(2), doc.Events)
	})
}

func TestLogRangeBounds(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))
	appendEvents(t, store, "s1", 5)

	all, err := store.Events(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, eventSeqs(all))

	mid, err := store.Events(ctx, "s1", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, eventSeqs(mid))

	from, err := store.Events(ctx, "s1", 4, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, eventSeqs(from))

	to, err := store.Events(ctx, "s1", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, eventSeqs(to))
}

func TestLogRangeCapsAtMaxEvents(t *testing.T) {
	store, _ := newTestStore(t, func(c *config.SessionConfig) {
		c.MaxEvents = 3
	})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))
	appendEvents(t, store, "s1", 5)

	events, err := store.Events(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, eventSeqs(events), "cap keeps the newest events")
}

func TestLogTail(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))
	appendEvents(t, store, "s1", 5)

	tail, err := store.Tail(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, eventSeqs(tail))

	t.Run("asking for more than exists returns everything", func(t *testing.T) {
		tail, err := store.Tail(ctx, "s1", 50)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, eventSeqs(tail))
	})

	t.Run("zero is empty", func(t *testing.T) {
		tail, err := store.Tail(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Empty(t, tail)
	})
}

func TestLogCorruptedEventQuarantinesRead(t *testing.T) {
	store, pool := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))
	appendEvents(t, store, "s1", 1)

	seedKV(t, pool, func(ctx context.Context, f *kv.Facade) error {
		return f.ZAdd(ctx, "events:s1", 2, "{{not json")
	})

	_, err := store.Events(ctx, "s1", 0, 0)
	require.Error(t, err)
	assert.Equal(t, CodeEventCorrupted, CodeOf(err))

	_, err = store.Tail(ctx, "s1", 5)
	require.Error(t, err)
	assert.Equal(t, CodeEventCorrupted, CodeOf(err))
}

func TestLogLastSeq(t *testing.T) {
	store, _ := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "s1", "agent-1", models.CreateSessionOptions{}))

	last, err := store.LastSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, last, "a fresh log holds only the sentinel")

	appendEvents(t, store, "s1", 3)
	last, err = store.LastSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	t.Run("missing session reads zero", func(t *testing.T) {
		last, err := store.LastSeq(ctx, "ghost")
		require.NoError(t, err)
		assert.Zero(t, last)
	})
}
