package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// statsSampleLimit bounds how many session documents Stats inspects. The
// numbers it returns are estimates, not an exact census.
const statsSampleLimit = 100

// recoveryDataKey holds the shutdown recovery blob. It matches the
// session:* glob, so session enumeration must skip it.
const recoveryDataKey = "session:recovery:data"

// Patch is a partial session document update. Nil fields are left alone.
type Patch struct {
	State    *models.SessionState
	Metadata map[string]any
}

// API is the store contract the manager and lifecycle depend on. Store
// implements it directly; CachedStore layers acceleration over it.
type API interface {
	Create(ctx context.Context, sessionID, agentID string, opts models.CreateSessionOptions) error
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Update(ctx context.Context, sessionID string, patch Patch) error
	AddAgent(ctx context.Context, sessionID, agentID string) error
	RemoveAgent(ctx context.Context, sessionID, agentID string) error
	SetTTL(ctx context.Context, sessionID string, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error

	AppendEvent(ctx context.Context, sessionID string, event *models.SessionEvent) error
	Events(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error)
	Tail(ctx context.Context, sessionID string, n int) ([]models.SessionEvent, error)
	LastSeq(ctx context.Context, sessionID string) (int64, error)

	Publish(ctx context.Context, sessionID string, env models.Envelope) error
	PublishGlobal(ctx context.Context, env models.Envelope) error
	Subscribe(ctx context.Context, sessionID string) (<-chan models.Envelope, func(), error)

	ListActive(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (*models.SessionStats, error)
	CleanupExpired(ctx context.Context) (int, error)
	Close() error
}

// Store persists session documents and their event logs in the KV store
// and fans out lifecycle messages over pub/sub.
type Store struct {
	pool *kv.Pool
	log  *Log
	cfg  *config.SessionConfig

	cancel context.CancelFunc
	done   chan struct{}
}

var _ API = (*Store)(nil)

// NewStore creates a session store over the given pool
func NewStore(pool *kv.Pool, cfg *config.SessionConfig) *Store {
	return &Store{
		pool: pool,
		log:  NewLog(pool),
		cfg:  cfg,
	}
}

// Create writes a new session document and its event zset, both under the
// requested TTL. Fails with SESSION_EXISTS when the id is taken.
func (s *Store) Create(ctx context.Context, sessionID, agentID string, opts models.CreateSessionOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	fields := map[string]any{
		"agentIds": mustJSON([]string{agentID}),
		"state":    string(models.SessionStateWorking),
		"events":   0,
	}
	if opts.Metadata != nil {
		fields["metadata"] = mustJSON(opts.Metadata)
	}

	err := s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		n, err := f.Exists(ctx, sessionKey(sessionID))
		if err != nil {
			return err
		}
		if n > 0 {
			return newError(CodeSessionExists, sessionID, "", nil)
		}
		pipe := f.Client().Pipeline()
		pipe.HSet(ctx, sessionKey(sessionID), fields)
		pipe.ZAdd(ctx, eventsKey(sessionID), redis.Z{Score: 0, Member: initSentinel})
		pipe.Expire(ctx, sessionKey(sessionID), ttl)
		pipe.Expire(ctx, eventsKey(sessionID), ttl)
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		var se *SessionError
		if errors.As(err, &se) {
			return se
		}
		return newError(CodeStoreFailed, sessionID, "failed to create session", err)
	}

	if len(opts.InitialEntityIDs) > 0 {
		event := &models.SessionEvent{
			Seq:       1,
			Timestamp: time.Now().UTC(),
			Type:      models.EventTypeStart,
			Actor:     agentID,
			Changes: &models.ChangeInfo{
				EntityIDs: opts.InitialEntityIDs,
				Operation: "created",
			},
		}
		if err := s.log.Append(ctx, sessionID, event); err != nil {
			return err
		}
	}
	return nil
}

// Get loads the session document plus its most recent events. Missing
// sessions fail with SESSION_NOT_FOUND.
func (s *Store) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var fields map[string]string
	err := s.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		fields, err = f.HGetAll(ctx, sessionKey(sessionID))
		return err
	})
	if err != nil {
		return nil, newError(CodeStoreFailed, sessionID, "failed to read session", err)
	}
	if len(fields) == 0 {
		return nil, newError(CodeSessionNotFound, sessionID, "", nil)
	}

	doc, err := parseDoc(sessionID, fields)
	if err != nil {
		return nil, err
	}
	recent, err := s.log.Tail(ctx, sessionID, s.cfg.RecentEvents)
	if err != nil {
		return nil, err
	}
	doc.RecentEvents = recent
	return doc, nil
}

// Update applies a partial document change; missing sessions fail with
// SESSION_NOT_FOUND.
func (s *Store) Update(ctx context.Context, sessionID string, patch Patch) error {
	fields := map[string]any{}
	if patch.State != nil {
		fields["state"] = string(*patch.State)
	}
	if patch.Metadata != nil {
		fields["metadata"] = mustJSON(patch.Metadata)
	}
	if len(fields) == 0 {
		return nil
	}

	err := s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		n, err := f.Exists(ctx, sessionKey(sessionID))
		if err != nil {
			return err
		}
		if n == 0 {
			return newError(CodeSessionNotFound, sessionID, "", nil)
		}
		return f.HSet(ctx, sessionKey(sessionID), fields)
	})
	if err != nil {
		var se *SessionError
		if errors.As(err, &se) {
			return se
		}
		return newError(CodeStoreFailed, sessionID, "failed to update session", err)
	}
	return nil
}

// AddAgent inserts agentID into the session's agent set. The read and
// write run on one connection so concurrent membership changes cannot
// lose each other's updates across connections.
func (s *Store) AddAgent(ctx context.Context, sessionID, agentID string) error {
	return s.mutateAgents(ctx, sessionID, func(agents []string) []string {
		for _, id := range agents {
			if id == agentID {
				return agents
			}
		}
		return append(agents, agentID)
	})
}

// RemoveAgent drops agentID from the session's agent set. When the last
// agent leaves, both keys get the grace TTL instead of deletion so the
// agent can rejoin shortly after.
func (s *Store) RemoveAgent(ctx context.Context, sessionID, agentID string) error {
	return s.mutateAgents(ctx, sessionID, func(agents []string) []string {
		kept := agents[:0]
		for _, id := range agents {
			if id != agentID {
				kept = append(kept, id)
			}
		}
		return kept
	})
}

func (s *Store) mutateAgents(ctx context.Context, sessionID string, mutate func([]string) []string) error {
	err := s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		raw, err := f.HGet(ctx, sessionKey(sessionID), "agentIds")
		if err != nil {
			if kv.IsNotFound(err) {
				return newError(CodeSessionNotFound, sessionID, "", nil)
			}
			return err
		}
		var agents []string
		if err := json.Unmarshal([]byte(raw), &agents); err != nil {
			return newError(CodeStoreFailed, sessionID, "agentIds field does not decode", err)
		}

		agents = mutate(agents)
		if err := f.HSet(ctx, sessionKey(sessionID), map[string]any{"agentIds": mustJSON(agents)}); err != nil {
			return err
		}
		if len(agents) == 0 {
			if err := f.Expire(ctx, sessionKey(sessionID), s.cfg.GraceTTL); err != nil {
				return err
			}
			return f.Expire(ctx, eventsKey(sessionID), s.cfg.GraceTTL)
		}
		return nil
	})
	if err != nil {
		var se *SessionError
		if errors.As(err, &se) {
			return se
		}
		return newError(CodeStoreFailed, sessionID, "failed to modify agents", err)
	}
	return nil
}

// SetTTL applies a TTL to the session document and its event log
func (s *Store) SetTTL(ctx context.Context, sessionID string, ttl time.Duration) error {
	err := s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		if err := f.Expire(ctx, sessionKey(sessionID), ttl); err != nil {
			return err
		}
		return f.Expire(ctx, eventsKey(sessionID), ttl)
	})
	if err != nil {
		return newError(CodeStoreFailed, sessionID, "failed to set ttl", err)
	}
	return nil
}

// Delete removes the session document and event log
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	err := s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		return f.Del(ctx, sessionKey(sessionID), eventsKey(sessionID))
	})
	if err != nil {
		return newError(CodeStoreFailed, sessionID, "failed to delete session", err)
	}
	return nil
}

// AppendEvent persists one event to the session's log
func (s *Store) AppendEvent(ctx context.Context, sessionID string, event *models.SessionEvent) error {
	return s.log.Append(ctx, sessionID, event)
}

// Events reads events with seq in [fromSeq, toSeq]; zero means unbounded.
// Reads are capped at the configured MaxEvents.
func (s *Store) Events(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error) {
	events, err := s.log.Range(ctx, sessionID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	if len(events) > s.cfg.MaxEvents {
		events = events[len(events)-s.cfg.MaxEvents:]
	}
	return events, nil
}

// Tail reads the newest n events
func (s *Store) Tail(ctx context.Context, sessionID string, n int) ([]models.SessionEvent, error) {
	return s.log.Tail(ctx, sessionID, n)
}

// LastSeq reports the highest allocated sequence number
func (s *Store) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	return s.log.Count(ctx, sessionID)
}

// Publish sends an envelope on the session's channel
func (s *Store) Publish(ctx context.Context, sessionID string, env models.Envelope) error {
	return s.publish(ctx, s.cfg.ChannelPrefix+sessionID, env)
}

// PublishGlobal sends an envelope on the global lifecycle channel
func (s *Store) PublishGlobal(ctx context.Context, env models.Envelope) error {
	return s.publish(ctx, s.cfg.GlobalChannel, env)
}

func (s *Store) publish(ctx context.Context, channel string, env models.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return newError(CodeStoreFailed, env.SessionID, "failed to encode envelope", err)
	}
	err = s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		return f.Publish(ctx, channel, string(payload))
	})
	if err != nil {
		return newError(CodeStoreFailed, env.SessionID, "failed to publish", err)
	}
	return nil
}

// Subscribe delivers decoded envelopes for one session until the returned
// cancel function is called. Messages that do not decode are dropped with
// a warning; consumers tolerate a missed update by re-reading the store.
func (s *Store) Subscribe(ctx context.Context, sessionID string) (<-chan models.Envelope, func(), error) {
	conn, err := s.pool.Acquire(ctx, kv.ConnTypeRead)
	if err != nil {
		return nil, nil, newError(CodeStoreFailed, sessionID, "failed to acquire connection", err)
	}
	sub, err := conn.Facade().Subscribe(ctx, s.cfg.ChannelPrefix+sessionID)
	// The pub/sub stream runs on its own connection inside the client;
	// the pooled connection is free again as soon as Subscribe returns.
	s.pool.Release(conn)
	if err != nil {
		return nil, nil, newError(CodeStoreFailed, sessionID, "failed to subscribe", err)
	}

	out := make(chan models.Envelope, 16)
	go func() {
		defer close(out)
		for msg := range sub.Messages() {
			var env models.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("Dropping undecodable session message",
					"session_id", sessionID, "error", err)
				continue
			}
			out <- env
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

// ListActive enumerates the ids of all live session documents
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		keys, err = f.Keys(ctx, "session:*")
		return err
	})
	if err != nil {
		return nil, newError(CodeStoreFailed, "", "failed to list sessions", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, "session:")
		// Session ids never contain a colon; this skips bookkeeping keys
		// like session:recovery:data.
		if id == "" || strings.Contains(id, ":") {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Stats aggregates a sampled view of the session population. Event and
// memory numbers are estimates from at most statsSampleLimit sessions.
func (s *Store) Stats(ctx context.Context) (*models.SessionStats, error) {
	ids, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.SessionStats{ActiveSessions: len(ids)}
	sample := ids
	if len(sample) > statsSampleLimit {
		sample = sample[:statsSampleLimit]
	}
	stats.SampledSessions = len(sample)

	agents := make(map[string]struct{})
	err = s.pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		for _, id := range sample {
			fields, err := f.HGetAll(ctx, sessionKey(id))
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				continue // expired between KEYS and read
			}
			if n, err := strconv.ParseInt(fields["events"], 10, 64); err == nil {
				stats.TotalEvents += n
			}
			var ids []string
			if err := json.Unmarshal([]byte(fields["agentIds"]), &ids); err == nil {
				for _, a := range ids {
					agents[a] = struct{}{}
				}
			}
			for k, v := range fields {
				stats.ApproxMemoryBytes += int64(len(k) + len(v))
			}
		}
		return nil
	})
	if err != nil {
		return nil, newError(CodeStoreFailed, "", "failed to sample sessions", err)
	}
	stats.UniqueAgents = len(agents)
	return stats, nil
}

// CleanupExpired deletes abandoned sessions: documents that lost their TTL
// (TTL == -1) are unreachable by the normal lifecycle and are collected.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := s.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	err = s.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		for _, id := range ids {
			ttl, err := f.TTL(ctx, sessionKey(id))
			if err != nil {
				return err
			}
			if ttl != -1 {
				continue
			}
			if err := f.Del(ctx, sessionKey(id), eventsKey(id)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, newError(CodeStoreFailed, "", "cleanup sweep failed", err)
	}
	return removed, nil
}

// StartCleanup launches the periodic abandoned-session sweep
func (s *Store) StartCleanup(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := s.CleanupExpired(ctx)
				if err != nil {
					slog.Error("Session cleanup sweep failed", "error", err)
					continue
				}
				if count > 0 {
					slog.Info("Removed abandoned sessions", "count", count)
				}
			}
		}
	}()

	slog.Info("Session cleanup started", "interval", s.cfg.CleanupInterval)
}

// Close stops the cleanup loop. The pool is owned by the caller.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	return nil
}

// parseDoc decodes the stored hash fields into a session document
func parseDoc(sessionID string, fields map[string]string) (*models.Session, error) {
	doc := &models.Session{
		ID:    sessionID,
		State: models.SessionState(fields["state"]),
	}
	if raw := fields["agentIds"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc.AgentIDs); err != nil {
			return nil, newError(CodeStoreFailed, sessionID, "agentIds field does not decode", err)
		}
	}
	if raw := fields["events"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, newError(CodeStoreFailed, sessionID, "events field does not decode", err)
		}
		doc.Events = n
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc.Metadata); err != nil {
			return nil, newError(CodeStoreFailed, sessionID, "metadata field does not decode", err)
		}
	}
	return doc, nil
}

// mustJSON encodes values that cannot fail (slices and maps of JSON-safe
// values); a marshal failure here is a programming error.
func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
