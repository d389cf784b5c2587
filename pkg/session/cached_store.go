package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// flushTimeout bounds one batched pipeline round trip. Flushes run on a
// background context so a caller cancelling does not abort commands that
// other callers are waiting on.
const flushTimeout = 5 * time.Second

// batchOp is one write staged into the group-commit pipeline. stage must
// be idempotent: the pool retries transient failures by re-staging the
// whole batch on a fresh pipeline.
type batchOp struct {
	stage func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder
	done  chan error
}

// cacheEntry is one LRU slot
type cacheEntry struct {
	id      string
	doc     *models.Session
	addedAt time.Time
}

// CachedStore layers a per-process LRU document cache and a write-path
// batcher over a base Store. The contract matches Store with two
// deliberate differences: Get served from cache returns the document
// without RecentEvents (hydrate with Tail or Events on demand), and
// batched writes reach the KV store up to PipelineTimeout later, grouped
// into one pipeline. Per-session ordering is preserved because every
// batched operation for a session is enqueued, and therefore executed, in
// call order.
type CachedStore struct {
	inner *Store
	pool  *kv.Pool
	cfg   *config.CacheConfig

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	ops      chan batchOp
	stopOnce sync.Once
	done     chan struct{}
	closed   bool
}

var _ API = (*CachedStore)(nil)

// NewCachedStore wraps the store and starts the write batcher
func NewCachedStore(inner *Store, pool *kv.Pool, cfg *config.CacheConfig) *CachedStore {
	if cfg == nil {
		cfg = config.DefaultSessionConfig().Cache
	}
	c := &CachedStore{
		inner:   inner,
		pool:    pool,
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		ops:     make(chan batchOp, cfg.BatchSize*2),
		done:    make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// flushLoop groups queued writes into pipelines: a batch flushes when it
// reaches BatchSize or when PipelineTimeout elapses after its first op.
func (c *CachedStore) flushLoop() {
	defer close(c.done)

	var batch []batchOp
	var deadline <-chan time.Time

	for {
		select {
		case op, ok := <-c.ops:
			if !ok {
				c.flush(batch)
				return
			}
			batch = append(batch, op)
			if len(batch) == 1 {
				deadline = time.After(c.cfg.PipelineTimeout)
			}
			if len(batch) >= c.cfg.BatchSize {
				c.flush(batch)
				batch, deadline = nil, nil
			}
		case <-deadline:
			c.flush(batch)
			batch, deadline = nil, nil
		}
	}
}

// flush executes one batch on a single pipeline and distributes each
// op's error to its waiter.
func (c *CachedStore) flush(batch []batchOp) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	var staged [][]redis.Cmder
	execErr := c.pool.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		pipe := f.Client().Pipeline()
		staged = staged[:0]
		for _, op := range batch {
			staged = append(staged, op.stage(ctx, pipe))
		}
		_, err := pipe.Exec(ctx)
		return err
	})

	for i, op := range batch {
		var opErr error
		if i < len(staged) {
			for _, cmd := range staged[i] {
				if err := cmd.Err(); err != nil && err != redis.Nil {
					opErr = err
					break
				}
			}
		} else {
			opErr = execErr
		}
		if opErr == nil && execErr != nil && len(staged) < len(batch) {
			opErr = execErr
		}
		op.done <- opErr
	}
}

// submit queues one batched write and waits for its flush
func (c *CachedStore) submit(ctx context.Context, sessionID string, stage func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newError(CodeStoreFailed, sessionID, "store is closed", nil)
	}
	op := batchOp{stage: stage, done: make(chan error, 1)}
	c.ops <- op
	c.mu.Unlock()

	select {
	case err := <-op.done:
		if err != nil {
			return newError(CodeStoreFailed, sessionID, "batched write failed", err)
		}
		return nil
	case <-ctx.Done():
		// the op still executes; the caller just stops waiting
		return newError(CodeStoreFailed, sessionID, "cancelled waiting for batched write", ctx.Err())
	}
}

// --- cache internals ---

func (c *CachedStore) cacheGet(sessionID string) *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[sessionID]
	if !ok {
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.addedAt) > c.cfg.TTL {
		c.lru.Remove(el)
		delete(c.entries, sessionID)
		return nil
	}
	c.lru.MoveToFront(el)
	return copyDoc(entry.doc)
}

func (c *CachedStore) cachePut(doc *models.Session) {
	stored := copyDoc(doc)
	stored.RecentEvents = nil

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[stored.ID]; ok {
		el.Value.(*cacheEntry).doc = stored
		el.Value.(*cacheEntry).addedAt = time.Now()
		c.lru.MoveToFront(el)
		return
	}
	c.entries[stored.ID] = c.lru.PushFront(&cacheEntry{
		id:      stored.ID,
		doc:     stored,
		addedAt: time.Now(),
	})
	for c.lru.Len() > c.cfg.Size {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
}

// cacheMutate applies fn to the cached document, if present, in place
func (c *CachedStore) cacheMutate(sessionID string, fn func(*models.Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[sessionID]; ok {
		fn(el.Value.(*cacheEntry).doc)
	}
}

func (c *CachedStore) invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[sessionID]; ok {
		c.lru.Remove(el)
		delete(c.entries, sessionID)
	}
}

func copyDoc(doc *models.Session) *models.Session {
	out := *doc
	out.AgentIDs = append([]string(nil), doc.AgentIDs...)
	if doc.Metadata != nil {
		meta := make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		out.Metadata = meta
	}
	out.RecentEvents = append([]models.SessionEvent(nil), doc.RecentEvents...)
	return &out
}

// --- API ---

// Create stays synchronous: the uniqueness check cannot be pipelined. The
// fresh document is cached immediately.
func (c *CachedStore) Create(ctx context.Context, sessionID, agentID string, opts models.CreateSessionOptions) error {
	if err := c.inner.Create(ctx, sessionID, agentID, opts); err != nil {
		return err
	}
	doc := &models.Session{
		ID:       sessionID,
		AgentIDs: []string{agentID},
		State:    models.SessionStateWorking,
		Metadata: opts.Metadata,
	}
	if len(opts.InitialEntityIDs) > 0 {
		doc.Events = 1
	}
	c.cachePut(doc)
	return nil
}

// Get serves cached documents without RecentEvents; misses hit the store
// and warm the cache.
func (c *CachedStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if doc := c.cacheGet(sessionID); doc != nil {
		return doc, nil
	}
	doc, err := c.inner.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.cachePut(doc)
	return doc, nil
}

// Update batches the HSET when the session is cached (and therefore known
// to exist); otherwise it falls through to the checked synchronous path.
func (c *CachedStore) Update(ctx context.Context, sessionID string, patch Patch) error {
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

	if c.cacheGet(sessionID) == nil {
		if err := c.inner.Update(ctx, sessionID, patch); err != nil {
			return err
		}
		return nil
	}

	err := c.submit(ctx, sessionID, func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder {
		return []redis.Cmder{pipe.HSet(ctx, sessionKey(sessionID), fields)}
	})
	if err != nil {
		c.invalidate(sessionID)
		return err
	}
	c.cacheMutate(sessionID, func(doc *models.Session) {
		if patch.State != nil {
			doc.State = *patch.State
		}
		if patch.Metadata != nil {
			doc.Metadata = patch.Metadata
		}
	})
	return nil
}

// AddAgent needs the read-modify-write on one connection; not batched
func (c *CachedStore) AddAgent(ctx context.Context, sessionID, agentID string) error {
	if err := c.inner.AddAgent(ctx, sessionID, agentID); err != nil {
		return err
	}
	c.invalidate(sessionID)
	return nil
}

// RemoveAgent needs the read-modify-write on one connection; not batched
func (c *CachedStore) RemoveAgent(ctx context.Context, sessionID, agentID string) error {
	if err := c.inner.RemoveAgent(ctx, sessionID, agentID); err != nil {
		return err
	}
	c.invalidate(sessionID)
	return nil
}

// SetTTL passes through; expiry is not cached
func (c *CachedStore) SetTTL(ctx context.Context, sessionID string, ttl time.Duration) error {
	return c.inner.SetTTL(ctx, sessionID, ttl)
}

// Delete batches the key removals and drops the cache entry immediately
func (c *CachedStore) Delete(ctx context.Context, sessionID string) error {
	c.invalidate(sessionID)
	return c.submit(ctx, sessionID, func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder {
		return []redis.Cmder{pipe.Del(ctx, sessionKey(sessionID), eventsKey(sessionID))}
	})
}

// AppendEvent batches the log write for cached sessions. The
// completed-session guard runs against the cached state; uncached
// sessions take the fully checked synchronous path.
func (c *CachedStore) AppendEvent(ctx context.Context, sessionID string, event *models.SessionEvent) error {
	cached := c.cacheGet(sessionID)
	if cached == nil {
		return c.inner.AppendEvent(ctx, sessionID, event)
	}
	if cached.State == models.SessionStateCompleted {
		return newError(CodeEventAddFailed, sessionID, "session is completed", nil)
	}

	payload, err := encodeEvent(event)
	if err != nil {
		return newError(CodeEventAddFailed, sessionID, "failed to encode event", err)
	}
	transitionsTo := validTransitionTarget(event)

	err = c.submit(ctx, sessionID, func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder {
		cmds := []redis.Cmder{
			pipe.ZAdd(ctx, eventsKey(sessionID), redis.Z{Score: float64(event.Seq), Member: payload}),
		}
		fields := map[string]any{"events": event.Seq}
		if transitionsTo != "" {
			fields["state"] = string(transitionsTo)
		}
		cmds = append(cmds, pipe.HSet(ctx, sessionKey(sessionID), fields))
		return cmds
	})
	if err != nil {
		c.invalidate(sessionID)
		return err
	}

	c.cacheMutate(sessionID, func(doc *models.Session) {
		doc.Events = event.Seq
		if transitionsTo != "" {
			doc.State = transitionsTo
		}
	})
	return nil
}

// Events passes through; event lists are hydrated on demand
func (c *CachedStore) Events(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error) {
	return c.inner.Events(ctx, sessionID, fromSeq, toSeq)
}

// Tail passes through
func (c *CachedStore) Tail(ctx context.Context, sessionID string, n int) ([]models.SessionEvent, error) {
	return c.inner.Tail(ctx, sessionID, n)
}

// LastSeq passes through; the manager's counter is authoritative after
// first touch anyway.
func (c *CachedStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	return c.inner.LastSeq(ctx, sessionID)
}

// Publish passes through
func (c *CachedStore) Publish(ctx context.Context, sessionID string, env models.Envelope) error {
	return c.inner.Publish(ctx, sessionID, env)
}

// PublishGlobal passes through
func (c *CachedStore) PublishGlobal(ctx context.Context, env models.Envelope) error {
	return c.inner.PublishGlobal(ctx, env)
}

// Subscribe passes through
func (c *CachedStore) Subscribe(ctx context.Context, sessionID string) (<-chan models.Envelope, func(), error) {
	return c.inner.Subscribe(ctx, sessionID)
}

// ListActive passes through
func (c *CachedStore) ListActive(ctx context.Context) ([]string, error) {
	return c.inner.ListActive(ctx)
}

// Stats passes through
func (c *CachedStore) Stats(ctx context.Context) (*models.SessionStats, error) {
	return c.inner.Stats(ctx)
}

// CleanupExpired passes through
func (c *CachedStore) CleanupExpired(ctx context.Context) (int, error) {
	return c.inner.CleanupExpired(ctx)
}

// Close drains the batcher, flushing everything already queued, then
// closes the inner store.
func (c *CachedStore) Close() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.ops)
		<-c.done
	})
	return c.inner.Close()
}

// CacheLen reports the number of cached documents
func (c *CachedStore) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
