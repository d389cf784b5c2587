package replay

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
	"github.com/Amicidal/sigmachad-sub002/pkg/session"
)

func newTestPool(t *testing.T) *kv.Pool {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := kv.DefaultConfig()
	cfg.URL = "redis://" + mr.Addr()
	cfg.MinConnections = 1
	cfg.MaxConnections = 4
	cfg.HealthCheckInterval = time.Hour
	pool, err := kv.NewPool(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

func newTestService(t *testing.T) (*Service, *session.Store, *kv.Pool) {
	t.Helper()
	pool := newTestPool(t)
	store := session.NewStore(pool, config.DefaultSessionConfig())
	t.Cleanup(func() { _ = store.Close() })
	svc := NewService(pool, store, slog.Default())
	return svc, store, pool
}

// seedSession creates a session with three events; the second carries a
// verified transition to broken.
func seedSession(t *testing.T, store *session.Store, sessionID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sessionID, "agent-1", models.CreateSessionOptions{}))

	events := []*models.SessionEvent{
		{Seq: 1, Timestamp: time.Now().UTC(), Type: models.EventTypeModified, Actor: "agent-1"},
		{Seq: 2, Timestamp: time.Now().UTC().Add(10 * time.Millisecond), Type: models.EventTypeBroke, Actor: "agent-1",
			StateTransition: &models.StateTransition{From: models.SessionStateWorking, To: models.SessionStateBroken, VerifiedBy: "test", Confidence: 0.95}},
		{Seq: 3, Timestamp: time.Now().UTC().Add(20 * time.Millisecond), Type: models.EventTypeModified, Actor: "agent-2"},
	}
	for _, event := range events {
		require.NoError(t, store.AppendEvent(ctx, sessionID, event))
	}
}

func TestRecordAndGet(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedSession(t, store, "sess-rec")
	ctx := context.Background()

	meta, err := svc.Record(ctx, "sess-rec")
	require.NoError(t, err)
	assert.Equal(t, "sess-rec", meta.OriginalSessionID)
	assert.Equal(t, int64(3), meta.TotalFrames)
	assert.Equal(t, StatusReady, meta.Status)
	assert.NotNil(t, meta.EndTime)
	assert.False(t, meta.ValidationPassed)
	assert.Greater(t, meta.CompressionRatio, 0.0)
	assert.LessOrEqual(t, meta.CompressionRatio, 1.0)
	assert.GreaterOrEqual(t, meta.Duration, int64(0))

	got, err := svc.Get(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.OriginalSessionID, got.OriginalSessionID)
	assert.Equal(t, meta.TotalFrames, got.TotalFrames)
	assert.Equal(t, meta.Status, got.Status)
}

func TestRecordMissingSession(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Record(context.Background(), "sess-missing")
	require.Error(t, err)
	assert.Equal(t, CodeSessionNotFound, CodeOf(err))
}

func TestRecordEmptySession(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "sess-empty", "agent-1", models.CreateSessionOptions{}))

	meta, err := svc.Record(ctx, "sess-empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), meta.TotalFrames)
	assert.Equal(t, int64(0), meta.Duration)
	assert.Equal(t, 1.0, meta.CompressionRatio)

	report, err := svc.Validate(ctx, meta.ID)
	require.NoError(t, err)
	assert.True(t, report.Passed)
}

func TestGetMissingReplay(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "replay-nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestFramesCarryStateChain(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedSession(t, store, "sess-chain")
	ctx := context.Background()

	meta, err := svc.Record(ctx, "sess-chain")
	require.NoError(t, err)

	playback, err := svc.Start(ctx, meta.ID)
	require.NoError(t, err)

	wantStates := []models.SessionState{
		models.SessionStateWorking,
		models.SessionStateBroken,
		models.SessionStateBroken,
	}
	for i, want := range wantStates {
		frame, ok := playback.NextFrame()
		require.True(t, ok, "frame %d", i+1)
		assert.Equal(t, int64(i+1), frame.Seq)
		assert.Equal(t, want, frame.State)
	}
	_, ok := playback.NextFrame()
	assert.False(t, ok)

	require.NoError(t, playback.Stop(ctx))
}

func TestValidatePasses(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedSession(t, store, "sess-valid")
	ctx := context.Background()

	meta, err := svc.Record(ctx, "sess-valid")
	require.NoError(t, err)

	report, err := svc.Validate(ctx, meta.ID)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, int64(3), report.FrameCount)
	assert.Equal(t, int64(3), report.SourceEvents)
	assert.Empty(t, report.Problems)

	got, err := svc.Get(ctx, meta.ID)
	require.NoError(t, err)
	assert.True(t, got.ValidationPassed)
}

func TestValidateDetectsSourceDrift(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedSession(t, store, "sess-drift")
	ctx := context.Background()

	meta, err := svc.Record(ctx, "sess-drift")
	require.NoError(t, err)

	// The source session keeps moving after the recording.
	require.NoError(t, store.AppendEvent(ctx, "sess-drift", &models.SessionEvent{
		Seq: 4, Timestamp: time.Now().UTC(), Type: models.EventTypeModified, Actor: "agent-1",
	}))

	report, err := svc.Validate(ctx, meta.ID)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, int64(4), report.SourceEvents)
	require.NotEmpty(t, report.Problems)
	assert.Contains(t, report.Problems[0], "source has 4 events")

	got, err := svc.Get(ctx, meta.ID)
	require.NoError(t, err)
	assert.False(t, got.ValidationPassed)
}

func TestValidateDetectsMissingFrame(t *testing.T) {
	svc, store, pool := newTestService(t)
	seedSession(t, store, "sess-tamper")
	ctx := context.Background()

	meta, err := svc.Record(ctx, "sess-tamper")
	require.NoError(t, err)

	// Drop the first frame behind the service's back.
	require.NoError(t, pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		members, err := f.ZRange(ctx, "replay:frames:"+meta.ID, 0, 0)
		if err != nil {
			return err
		}
		return f.ZRem(ctx, "replay:frames:"+meta.ID, members[0])
	}))

	report, err := svc.Validate(ctx, meta.ID)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, int64(2), report.FrameCount)
	assert.NotEmpty(t, report.Problems)
}

func TestPlaybackSeekAndStop(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedSession(t, store, "sess-play")
	ctx := context.Background()

	meta, err := svc.Record(ctx, "sess-play")
	require.NoError(t, err)

	playback, err := svc.Start(ctx, meta.ID)
	require.NoError(t, err)

	// Started playbacks are visible as playing.
	got, err := svc.Get(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPlaying, got.Status)

	playback.Seek(2)
	assert.Equal(t, 2, playback.Remaining())
	frame, ok := playback.NextFrame()
	require.True(t, ok)
	assert.Equal(t, int64(2), frame.Seq)

	playback.Seek(99)
	_, ok = playback.NextFrame()
	assert.False(t, ok)

	require.NoError(t, playback.Stop(ctx))
	got, err = svc.Get(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
}

func TestStartRejectsUnfinishedRecording(t *testing.T) {
	svc, _, pool := newTestService(t)
	ctx := context.Background()

	// A crash mid-record leaves status "recording" behind.
	require.NoError(t, pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		return f.HSet(ctx, "replay:meta:replay-stuck", map[string]any{
			"originalSessionId": "sess-x",
			"startTime":         time.Now().UTC().Format(time.RFC3339Nano),
			"status":            string(StatusRecording),
		})
	}))

	_, err := svc.Start(ctx, "replay-stuck")
	require.Error(t, err)
	assert.Equal(t, CodeNotReady, CodeOf(err))
}

func TestListAndCount(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedSession(t, store, "sess-a")
	seedSession(t, store, "sess-b")
	ctx := context.Background()

	metaA, err := svc.Record(ctx, "sess-a")
	require.NoError(t, err)
	metaB, err := svc.Record(ctx, "sess-b")
	require.NoError(t, err)

	ids, err := svc.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, metaA.ID)
	assert.Contains(t, ids, metaB.ID)

	ids, err = svc.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDelete(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedSession(t, store, "sess-del")
	ctx := context.Background()

	meta, err := svc.Record(ctx, "sess-del")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, meta.ID))

	_, err = svc.Get(ctx, meta.ID)
	assert.True(t, IsNotFound(err))

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestClosedServiceRejectsWork(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedSession(t, store, "sess-closed")

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close()) // idempotent

	_, err := svc.Record(context.Background(), "sess-closed")
	require.Error(t, err)
	assert.Equal(t, CodeClosed, CodeOf(err))

	_, err = svc.Count(context.Background())
	assert.Equal(t, CodeClosed, CodeOf(err))
}
