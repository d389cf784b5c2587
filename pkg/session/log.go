package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// initSentinel is the zero-score member inserted at creation so the event
// zset exists even before the first event.
const initSentinel = "INIT"

func sessionKey(id string) string { return "session:" + id }
func eventsKey(id string) string  { return "events:" + id }

// encodeEvent marshals an event into its stored JSON form
func encodeEvent(event *models.SessionEvent) (string, error) {
	encoded, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// validTransitionTarget returns the state this event transitions the
// session to, or "" when it carries no valid transition.
func validTransitionTarget(event *models.SessionEvent) models.SessionState {
	if t := event.StateTransition; t != nil && t.To.IsValid() {
		return t.To
	}
	return ""
}

// Log is the per-session ordered event stream. Ordering is by seq, which
// callers (the manager) allocate; the log never invents sequence numbers.
type Log struct {
	pool *kv.Pool
}

// NewLog creates an event log over the given pool
func NewLog(pool *kv.Pool) *Log {
	return &Log{pool: pool}
}

// Append persists one event. The existence check, the zset insert, and the
// conditional state update all run on a single connection so concurrent
// appenders cannot interleave a delete between them.
func (l *Log) Append(ctx context.Context, sessionID string, event *models.SessionEvent) error {
	encoded, err := encodeEvent(event)
	if err != nil {
		return newError(CodeEventAddFailed, sessionID, "failed to encode event", err)
	}
	transitionsTo := validTransitionTarget(event)

	err = l.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		state, err := f.HGet(ctx, sessionKey(sessionID), "state")
		if err != nil {
			if kv.IsNotFound(err) {
				return newError(CodeSessionNotFound, sessionID, "", nil)
			}
			return err
		}
		if models.SessionState(state) == models.SessionStateCompleted {
			return newError(CodeEventAddFailed, sessionID, "session is completed", nil)
		}

		pipe := f.Client().Pipeline()
		pipe.ZAdd(ctx, eventsKey(sessionID), redis.Z{Score: float64(event.Seq), Member: encoded})
		// events mirrors the latest seq; idempotent under retry, unlike an
		// increment.
		fields := map[string]any{"events": event.Seq}
		if transitionsTo != "" {
			fields["state"] = string(transitionsTo)
		}
		pipe.HSet(ctx, sessionKey(sessionID), fields)
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		var se *SessionError
		if errors.As(err, &se) {
			return se
		}
		return newError(CodeEventAddFailed, sessionID, "failed to persist event", err)
	}
	return nil
}

// Range reads events with seq in [fromSeq, toSeq]; zero bounds mean
// unbounded. Results are sorted by seq even if store ordering drifts.
func (l *Log) Range(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error) {
	min, max := math.Inf(-1), math.Inf(1)
	if fromSeq > 0 {
		min = float64(fromSeq)
	}
	if toSeq > 0 {
		max = float64(toSeq)
	}

	var members []string
	err := l.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		members, err = f.ZRangeByScore(ctx, eventsKey(sessionID), min, max)
		return err
	})
	if err != nil {
		return nil, newError(CodeStoreFailed, sessionID, "failed to read events", err)
	}
	return l.decode(sessionID, members)
}

// Tail reads the newest n events in ascending seq order
func (l *Log) Tail(ctx context.Context, sessionID string, n int) ([]models.SessionEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	var members []string
	err := l.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		// One extra slot in case the sentinel lands in the window.
		members, err = f.ZRange(ctx, eventsKey(sessionID), int64(-(n + 1)), -1)
		return err
	})
	if err != nil {
		return nil, newError(CodeStoreFailed, sessionID, "failed to read event tail", err)
	}

	events, err := l.decode(sessionID, members)
	if err != nil {
		return nil, err
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// Count returns the highest seq in the log, which equals the event count
// because sequences are contiguous from 1.
func (l *Log) Count(ctx context.Context, sessionID string) (int64, error) {
	var members []kv.ScoredMember
	err := l.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		members, err = f.ZRangeWithScores(ctx, eventsKey(sessionID), -1, -1)
		return err
	})
	if err != nil {
		return 0, newError(CodeStoreFailed, sessionID, "failed to read max seq", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	return int64(members[0].Score), nil
}

// decode filters the sentinel and deserializes events, sorting by seq.
// A single corrupted member fails the whole read: the session is
// quarantined for inspection rather than silently truncated.
func (l *Log) decode(sessionID string, members []string) ([]models.SessionEvent, error) {
	events := make([]models.SessionEvent, 0, len(members))
	for _, member := range members {
		if member == initSentinel {
			continue
		}
		var event models.SessionEvent
		if err := json.Unmarshal([]byte(member), &event); err != nil {
			return nil, newError(CodeEventCorrupted, sessionID,
				fmt.Sprintf("event payload %.40q does not decode", member), err)
		}
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}
