// Package replay captures a session's event stream into a frame-by-frame
// recording that can be validated against the source and played back.
//
// Recordings are stored in three keys: a meta hash per replay, a zset of
// frames scored by event seq, and a global index zset scored by creation
// time. A frame pairs one event with the session state in force after it,
// so playback can show the state machine advancing without re-deriving
// transitions.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

const indexKey = "replay:index"

func metaKey(id string) string   { return "replay:meta:" + id }
func framesKey(id string) string { return "replay:frames:" + id }

// Status is the lifecycle state of a recording
type Status string

const (
	// StatusRecording means the capture has begun but not finalized
	StatusRecording Status = "recording"
	// StatusReady means the capture is complete and playable
	StatusReady Status = "ready"
	// StatusPlaying means a playback is active
	StatusPlaying Status = "playing"
)

// Meta is the per-replay bookkeeping record
type Meta struct {
	ID                string     `json:"replayId"`
	OriginalSessionID string     `json:"originalSessionId"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	Duration          int64      `json:"duration"` // milliseconds spanned by the source events
	TotalFrames       int64      `json:"totalFrames"`
	ValidationPassed  bool       `json:"validationPassed"`
	CompressionRatio  float64    `json:"compressionRatio"`
	Status            Status     `json:"status"`
}

// Frame is one event paired with the session state in force after it
type Frame struct {
	Seq       int64               `json:"seq"`
	Timestamp time.Time           `json:"timestamp"`
	Event     models.SessionEvent `json:"event"`
	State     models.SessionState `json:"state"`
}

// ValidationReport is the outcome of checking a recording against its
// source and its own internal consistency.
type ValidationReport struct {
	ReplayID     string   `json:"replayId"`
	FrameCount   int64    `json:"frameCount"`
	SourceEvents int64    `json:"sourceEvents"` // -1 when the source session is gone
	Passed       bool     `json:"passed"`
	Problems     []string `json:"problems,omitempty"`
}

// Source is what the recorder needs from the session side. Implemented by
// the session store.
type Source interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Events(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error)
	LastSeq(ctx context.Context, sessionID string) (int64, error)
}

// Service records, validates, and plays back session replays.
type Service struct {
	pool   *kv.Pool
	source Source
	logger *slog.Logger
	closed atomic.Bool
}

// NewService creates a replay service over the given pool and source.
func NewService(pool *kv.Pool, source Source, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: pool, source: source, logger: logger}
}

// Record captures the session's full event stream into a new replay.
// The meta record is written with status "recording" alongside the frames,
// then finalized to "ready"; a crash in between leaves the recording
// status visible rather than a silently incomplete replay.
func (s *Service) Record(ctx context.Context, sessionID string) (*Meta, error) {
	if s.closed.Load() {
		return nil, newError(CodeClosed, "", "service is shut down", nil)
	}

	if _, err := s.source.Get(ctx, sessionID); err != nil {
		return nil, newError(CodeSessionNotFound, "", fmt.Sprintf("session %s", sessionID), err)
	}
	events, err := s.source.Events(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, newError(CodeStoreFailed, "", "failed to read source events", err)
	}

	meta := &Meta{
		ID:                "replay-" + uuid.New().String(),
		OriginalSessionID: sessionID,
		StartTime:         time.Now().UTC(),
		Status:            StatusRecording,
	}
	frames, eventBytes, frameBytes := buildFrames(events)

	err = s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		pipe := f.Client().Pipeline()
		pipe.HSet(ctx, metaKey(meta.ID), metaFields(meta))
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(meta.StartTime.UnixMilli()), Member: meta.ID})
		for i := range frames {
			encoded, err := json.Marshal(&frames[i])
			if err != nil {
				return err
			}
			pipe.ZAdd(ctx, framesKey(meta.ID), redis.Z{Score: float64(frames[i].Seq), Member: string(encoded)})
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, newError(CodeStoreFailed, meta.ID, "failed to write frames", err)
	}

	now := time.Now().UTC()
	meta.EndTime = &now
	meta.TotalFrames = int64(len(frames))
	meta.Status = StatusReady
	if len(events) > 1 {
		meta.Duration = events[len(events)-1].Timestamp.Sub(events[0].Timestamp).Milliseconds()
	}
	// Bookkeeping only: the stored frames are not compressed, so this is
	// the size of the raw events relative to the frames carrying them.
	meta.CompressionRatio = 1.0
	if frameBytes > 0 {
		meta.CompressionRatio = float64(eventBytes) / float64(frameBytes)
	}

	if err := s.writeMeta(ctx, meta); err != nil {
		return nil, err
	}
	s.logger.Info("Recorded session replay",
		"replay_id", meta.ID,
		"session_id", sessionID,
		"frames", meta.TotalFrames)
	return meta, nil
}

// buildFrames pairs each event with the state in force after it, walking
// the transition chain from the initial working state.
func buildFrames(events []models.SessionEvent) (frames []Frame, eventBytes, frameBytes int64) {
	state := models.SessionStateWorking
	frames = make([]Frame, 0, len(events))
	for i := range events {
		if t := events[i].StateTransition; t != nil && t.To.IsValid() {
			state = t.To
		}
		frame := Frame{
			Seq:       events[i].Seq,
			Timestamp: events[i].Timestamp,
			Event:     events[i],
			State:     state,
		}
		frames = append(frames, frame)

		if raw, err := json.Marshal(&events[i]); err == nil {
			eventBytes += int64(len(raw))
		}
		if raw, err := json.Marshal(&frame); err == nil {
			frameBytes += int64(len(raw))
		}
	}
	return frames, eventBytes, frameBytes
}

// Get loads one replay's meta record.
func (s *Service) Get(ctx context.Context, replayID string) (*Meta, error) {
	var fields map[string]string
	err := s.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		fields, err = f.HGetAll(ctx, metaKey(replayID))
		return err
	})
	if err != nil {
		return nil, newError(CodeStoreFailed, replayID, "failed to read meta", err)
	}
	if len(fields) == 0 {
		return nil, newError(CodeReplayNotFound, replayID, "", nil)
	}
	return parseMeta(replayID, fields)
}

// List returns replay ids, newest first, up to limit (0 means all).
func (s *Service) List(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		ids, err = f.ZRange(ctx, indexKey, 0, -1)
		return err
	})
	if err != nil {
		return nil, newError(CodeStoreFailed, "", "failed to read index", err)
	}
	// Index is scored by creation time ascending; newest first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Count reports how many replays the index holds. Cheap enough to serve
// as the health probe for this component.
func (s *Service) Count(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, newError(CodeClosed, "", "service is shut down", nil)
	}
	var n int64
	err := s.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		n, err = f.ZCard(ctx, indexKey)
		return err
	})
	if err != nil {
		return 0, newError(CodeStoreFailed, "", "failed to count replays", err)
	}
	return n, nil
}

// Delete removes a replay's meta, frames, and index entry.
func (s *Service) Delete(ctx context.Context, replayID string) error {
	err := s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		if err := f.ZRem(ctx, indexKey, replayID); err != nil {
			return err
		}
		return f.Del(ctx, metaKey(replayID), framesKey(replayID))
	})
	if err != nil {
		return newError(CodeStoreFailed, replayID, "failed to delete replay", err)
	}
	return nil
}

// Validate checks a recording's internal consistency and, when the source
// session still exists, that the recording still matches it. The verdict
// is persisted on the meta record.
func (s *Service) Validate(ctx context.Context, replayID string) (*ValidationReport, error) {
	if s.closed.Load() {
		return nil, newError(CodeClosed, replayID, "service is shut down", nil)
	}

	meta, err := s.Get(ctx, replayID)
	if err != nil {
		return nil, err
	}
	frames, err := s.readFrames(ctx, replayID)
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{
		ReplayID:     replayID,
		FrameCount:   int64(len(frames)),
		SourceEvents: -1,
	}

	if int64(len(frames)) != meta.TotalFrames {
		report.Problems = append(report.Problems,
			fmt.Sprintf("meta records %d frames, store holds %d", meta.TotalFrames, len(frames)))
	}

	// Frames must be contiguous from 1 with a consistent state chain.
	state := models.SessionStateWorking
	for i := range frames {
		if frames[i].Seq != int64(i+1) {
			report.Problems = append(report.Problems,
				fmt.Sprintf("frame %d has seq %d", i+1, frames[i].Seq))
			break
		}
		if t := frames[i].Event.StateTransition; t != nil && t.To.IsValid() {
			state = t.To
		}
		if frames[i].State != state {
			report.Problems = append(report.Problems,
				fmt.Sprintf("frame %d records state %s, transition chain gives %s", frames[i].Seq, frames[i].State, state))
		}
	}

	// Source comparison, when the session is still alive.
	lastSeq, err := s.source.LastSeq(ctx, meta.OriginalSessionID)
	if err == nil {
		report.SourceEvents = lastSeq
		if lastSeq != int64(len(frames)) {
			report.Problems = append(report.Problems,
				fmt.Sprintf("source has %d events, replay has %d frames", lastSeq, len(frames)))
		}
	}

	report.Passed = len(report.Problems) == 0

	meta.ValidationPassed = report.Passed
	if err := s.writeMeta(ctx, meta); err != nil {
		return nil, err
	}
	return report, nil
}

// Playback iterates a loaded recording frame by frame. Not safe for
// concurrent use; each consumer starts its own playback.
type Playback struct {
	svc    *Service
	meta   Meta
	frames []Frame
	pos    int
}

// Start loads a replay for playback and marks it playing. Only ready
// replays (or ones already playing) can start.
func (s *Service) Start(ctx context.Context, replayID string) (*Playback, error) {
	if s.closed.Load() {
		return nil, newError(CodeClosed, replayID, "service is shut down", nil)
	}

	meta, err := s.Get(ctx, replayID)
	if err != nil {
		return nil, err
	}
	if meta.Status == StatusRecording {
		return nil, newError(CodeNotReady, replayID, "replay is still recording", nil)
	}
	frames, err := s.readFrames(ctx, replayID)
	if err != nil {
		return nil, err
	}

	meta.Status = StatusPlaying
	if err := s.writeMeta(ctx, meta); err != nil {
		return nil, err
	}
	return &Playback{svc: s, meta: *meta, frames: frames}, nil
}

// Meta returns the replay's bookkeeping record as of Start.
func (p *Playback) Meta() Meta {
	return p.meta
}

// NextFrame returns the next frame in seq order, or false when exhausted.
func (p *Playback) NextFrame() (*Frame, bool) {
	if p.pos >= len(p.frames) {
		return nil, false
	}
	frame := &p.frames[p.pos]
	p.pos++
	return frame, true
}

// Seek positions playback so NextFrame returns the first frame with
// seq >= target. Seeking past the end exhausts the playback.
func (p *Playback) Seek(seq int64) {
	p.pos = sort.Search(len(p.frames), func(i int) bool {
		return p.frames[i].Seq >= seq
	})
}

// Remaining reports how many frames NextFrame has yet to return.
func (p *Playback) Remaining() int {
	return len(p.frames) - p.pos
}

// Stop marks the replay ready again.
func (p *Playback) Stop(ctx context.Context) error {
	p.pos = len(p.frames)
	p.meta.Status = StatusReady
	return p.svc.writeMeta(ctx, &p.meta)
}

// Close stops accepting work. Idempotent.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("Replay service closed")
	return nil
}

// readFrames loads and decodes all frames in seq order. A single
// corrupted frame fails the whole read; the replay is quarantined for
// inspection rather than silently truncated.
func (s *Service) readFrames(ctx context.Context, replayID string) ([]Frame, error) {
	var members []string
	err := s.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		members, err = f.ZRange(ctx, framesKey(replayID), 0, -1)
		return err
	})
	if err != nil {
		return nil, newError(CodeStoreFailed, replayID, "failed to read frames", err)
	}

	frames := make([]Frame, 0, len(members))
	for _, member := range members {
		var frame Frame
		if err := json.Unmarshal([]byte(member), &frame); err != nil {
			return nil, newError(CodeFrameCorrupted, replayID,
				fmt.Sprintf("frame payload %.40q does not decode", member), err)
		}
		frames = append(frames, frame)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Seq < frames[j].Seq })
	return frames, nil
}

func (s *Service) writeMeta(ctx context.Context, meta *Meta) error {
	err := s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		return f.HSet(ctx, metaKey(meta.ID), metaFields(meta))
	})
	if err != nil {
		return newError(CodeStoreFailed, meta.ID, "failed to write meta", err)
	}
	return nil
}

// metaFields flattens a meta record into its hash representation
func metaFields(m *Meta) map[string]any {
	fields := map[string]any{
		"originalSessionId": m.OriginalSessionID,
		"startTime":         m.StartTime.UTC().Format(time.RFC3339Nano),
		"duration":          m.Duration,
		"totalFrames":       m.TotalFrames,
		"validationPassed":  strconv.FormatBool(m.ValidationPassed),
		"compressionRatio":  m.CompressionRatio,
		"status":            string(m.Status),
	}
	if m.EndTime != nil {
		fields["endTime"] = m.EndTime.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

// parseMeta inflates a meta record from its hash fields
func parseMeta(replayID string, fields map[string]string) (*Meta, error) {
	meta := &Meta{
		ID:                replayID,
		OriginalSessionID: fields["originalSessionId"],
		Status:            Status(fields["status"]),
	}

	fail := func(field string, err error) error {
		return newError(CodeStoreFailed, replayID, "meta field "+field+" does not decode", err)
	}

	if raw := fields["startTime"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fail("startTime", err)
		}
		meta.StartTime = ts
	}
	if raw := fields["endTime"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fail("endTime", err)
		}
		meta.EndTime = &ts
	}

	var err error
	if meta.Duration, err = int64Field(fields, "duration"); err != nil {
		return nil, fail("duration", err)
	}
	if meta.TotalFrames, err = int64Field(fields, "totalFrames"); err != nil {
		return nil, fail("totalFrames", err)
	}
	if meta.CompressionRatio, err = floatField(fields, "compressionRatio"); err != nil {
		return nil, fail("compressionRatio", err)
	}
	if raw := fields["validationPassed"]; raw != "" {
		if meta.ValidationPassed, err = strconv.ParseBool(raw); err != nil {
			return nil, fail("validationPassed", err)
		}
	}
	return meta, nil
}

func int64Field(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func floatField(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}
