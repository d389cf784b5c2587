package kv

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnType is the declared usage of a pooled connection. Single-node Redis
// serves reads and writes alike; the typing exists so deployments with
// replicas can route read traffic separately.
type ConnType string

const (
	ConnTypeRead  ConnType = "read"
	ConnTypeWrite ConnType = "write"
	ConnTypeAny   ConnType = "any"
)

// Conn is one pooled connection. Bookkeeping fields are owned by the pool
// and guarded by its mutex.
type Conn struct {
	id         int64
	facade     *Facade
	typ        ConnType
	inUse      bool
	lastUsed   time.Time
	usageCount int64
	healthy    bool
	createdAt  time.Time
}

// Facade returns the typed operation surface of this connection
func (c *Conn) Facade() *Facade {
	return c.facade
}

// Type returns the connection's declared usage
func (c *Conn) Type() ConnType {
	return c.typ
}

// PoolStats is a point-in-time snapshot for health checks and metrics
type PoolStats struct {
	Total           int   `json:"total"`
	InUse           int   `json:"inUse"`
	Idle            int   `json:"idle"`
	Unhealthy       int   `json:"unhealthy"`
	WaitingAcquires int   `json:"waitingAcquires"`
	Created         int64 `json:"created"`
	Destroyed       int64 `json:"destroyed"`
	AcquireTimeouts int64 `json:"acquireTimeouts"`
}

type waiter struct {
	pref ConnType
	ch   chan *Conn // buffered; the pool sends at most one conn
}

// Pool multiplexes callers onto a bounded set of connections with
// health-aware selection and FIFO acquisition queueing.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[int64]*Conn
	nextID   int64
	pending  int // dials in flight, reserved against MaxConnections
	waiters  []*waiter
	closed   bool
	created  int64
	redialed int64
	dropped  int64
	timeouts int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates the pool and eagerly dials MinConnections so startup
// fails fast when the store is unreachable.
func NewPool(cfg Config, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:    cfg,
		logger: logger.With("component", "kv_pool"),
		conns:  make(map[int64]*Conn),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.MinConnections; i++ {
		if _, err := p.addConn(ConnTypeAny); err != nil {
			_ = p.Shutdown(context.Background())
			return nil, err
		}
	}
	p.wg.Add(1)
	go p.healthLoop()
	return p, nil
}

// addConn dials a new connection and registers it idle
func (p *Pool) addConn(typ ConnType) (*Conn, error) {
	client, err := NewClient(p.cfg)
	if err != nil {
		return nil, classify("connect", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = client.Close()
		return nil, ErrPoolClosed
	}
	p.nextID++
	c := &Conn{
		id:        p.nextID,
		facade:    NewFacade(client),
		typ:       typ,
		healthy:   true,
		lastUsed:  time.Now(),
		createdAt: time.Now(),
	}
	p.conns[c.id] = c
	p.created++
	return c, nil
}

func matches(connType, pref ConnType) bool {
	return pref == ConnTypeAny || connType == pref || connType == ConnTypeAny
}

// pickIdleLocked returns the least-used healthy idle connection matching
// the preference, or nil.
func (p *Pool) pickIdleLocked(pref ConnType) *Conn {
	var best *Conn
	for _, c := range p.conns {
		if c.inUse || !c.healthy || !matches(c.typ, pref) {
			continue
		}
		if best == nil || c.usageCount < best.usageCount {
			best = c
		}
	}
	return best
}

func markBusy(c *Conn) {
	c.inUse = true
	c.usageCount++
	c.lastUsed = time.Now()
}

// Acquire returns a connection, blocking up to AcquireTimeout when the pool
// is saturated. Callers must Release.
func (p *Pool) Acquire(ctx context.Context, pref ConnType) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if c := p.pickIdleLocked(pref); c != nil {
		markBusy(c)
		p.mu.Unlock()
		return c, nil
	}
	if len(p.conns)+p.pending < p.cfg.MaxConnections {
		p.pending++
		p.mu.Unlock()
		c, err := p.addConn(pref)
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		markBusy(c)
		p.mu.Unlock()
		return c, nil
	}

	w := &waiter{pref: pref, ch: make(chan *Conn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-w.ch:
		if !ok || c == nil {
			return nil, ErrPoolClosed
		}
		return c, nil
	case <-timer.C:
		p.abandonWaiter(w, true)
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		p.abandonWaiter(w, false)
		return nil, classify("acquire", ctx.Err())
	case <-p.stopCh:
		p.abandonWaiter(w, false)
		return nil, ErrPoolClosed
	}
}

// abandonWaiter removes w from the queue; if a connection was handed over
// concurrently it is put back.
func (p *Pool) abandonWaiter(w *waiter, timedOut bool) {
	p.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	if timedOut {
		p.timeouts++
	}
	p.mu.Unlock()
	select {
	case c := <-w.ch:
		if c != nil {
			p.Release(c)
		}
	default:
	}
}

// Release returns a connection to the pool and wakes the oldest waiter it
// can serve.
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.conns[c.id]
	if !ok {
		return // destroyed while in use
	}
	cur.inUse = false
	cur.lastUsed = time.Now()
	if p.closed {
		p.destroyLocked(cur)
		return
	}
	if !cur.healthy && len(p.conns) > p.cfg.MinConnections {
		p.destroyLocked(cur)
	}
	p.wakeWaiterLocked()
}

// wakeWaiterLocked serves queued acquires oldest-first with whatever idle
// connections fit.
func (p *Pool) wakeWaiterLocked() {
	for len(p.waiters) > 0 {
		served := false
		for i, w := range p.waiters {
			c := p.pickIdleLocked(w.pref)
			if c == nil {
				continue
			}
			markBusy(c)
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			w.ch <- c
			served = true
			break
		}
		if !served {
			return
		}
	}
}

// MarkUnhealthy flags a connection after a command failure so the health
// loop (or Release) retires it. Sibling requests are unaffected.
func (p *Pool) MarkUnhealthy(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[c.id]; ok {
		cur.healthy = false
	}
}

func (p *Pool) destroyLocked(c *Conn) {
	delete(p.conns, c.id)
	p.dropped++
	go func() { _ = c.facade.Close() }()
}

// healthLoop pings idle connections and reaps stale ones
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkConnections()
		case <-p.stopCh:
			return
		}
	}
}

// checkConnections borrows each idle connection for a ping, retiring
// unhealthy and idle-expired ones while keeping MinConnections alive.
func (p *Pool) checkConnections() {
	p.mu.Lock()
	borrowed := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		if c.inUse {
			continue
		}
		c.inUse = true // borrow for the probe
		borrowed = append(borrowed, c)
	}
	p.mu.Unlock()

	for _, c := range borrowed {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := c.facade.Ping(ctx)
		cancel()

		p.mu.Lock()
		cur, ok := p.conns[c.id]
		if !ok {
			p.mu.Unlock()
			continue
		}
		cur.inUse = false
		switch {
		case err != nil:
			cur.healthy = false
			if len(p.conns) > p.cfg.MinConnections {
				p.logger.Warn("retiring unhealthy connection", "conn_id", cur.id, "error", err)
				p.destroyLocked(cur)
			}
		case time.Since(cur.lastUsed) > p.cfg.IdleTimeout && len(p.conns) > p.cfg.MinConnections:
			p.destroyLocked(cur)
		default:
			cur.healthy = true
		}
		p.wakeWaiterLocked()
		p.mu.Unlock()
	}
}

// Execute acquires a connection, runs fn, and retries transient failures
// with exponential backoff up to MaxRetries.
func (p *Pool) Execute(ctx context.Context, pref ConnType, fn func(context.Context, *Facade) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, p.cfg.RetryBackoff, attempt); err != nil {
				return lastErr
			}
		}
		c, err := p.Acquire(ctx, pref)
		if err != nil {
			return err
		}
		err = fn(ctx, c.facade)
		if err != nil && IsTransient(err) {
			p.MarkUnhealthy(c)
			p.Release(c)
			lastErr = err
			p.logger.Warn("transient kv failure, retrying", "attempt", attempt+1, "error", err)
			continue
		}
		p.Release(c)
		return err
	}
	return lastErr
}

// Pipeline runs fn against a pipeliner and executes the batch on a single
// connection.
func (p *Pool) Pipeline(ctx context.Context, pref ConnType, fn func(redis.Pipeliner)) error {
	c, err := p.Acquire(ctx, pref)
	if err != nil {
		return err
	}
	defer p.Release(c)
	pipe := c.facade.Client().Pipeline()
	fn(pipe)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		if transient := classify("pipeline", err); IsTransient(transient) {
			p.MarkUnhealthy(c)
			return transient
		}
		return classify("pipeline", err)
	}
	return nil
}

// Transaction runs fn as a MULTI/EXEC batch on a write connection
func (p *Pool) Transaction(ctx context.Context, fn func(redis.Pipeliner)) error {
	c, err := p.Acquire(ctx, ConnTypeWrite)
	if err != nil {
		return err
	}
	defer p.Release(c)
	pipe := c.facade.Client().TxPipeline()
	fn(pipe)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return classify("transaction", err)
	}
	return nil
}

// Stats snapshots pool state
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PoolStats{
		Total:           len(p.conns),
		WaitingAcquires: len(p.waiters),
		Created:         p.created,
		Destroyed:       p.dropped,
		AcquireTimeouts: p.timeouts,
	}
	for _, c := range p.conns {
		if c.inUse {
			stats.InUse++
		} else {
			stats.Idle++
		}
		if !c.healthy {
			stats.Unhealthy++
		}
	}
	return stats
}

// Ping verifies connectivity using a pooled connection
func (p *Pool) Ping(ctx context.Context) error {
	return p.Execute(ctx, ConnTypeAny, func(ctx context.Context, f *Facade) error {
		return f.Ping(ctx)
	})
}

// Shutdown drains waiters with a terminal error and closes every
// connection, bounded by the context deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	p.closed = true
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	for _, c := range p.conns {
		if !c.inUse {
			p.destroyLocked(c)
		}
	}
	p.mu.Unlock()

	// Wait for in-use connections to be released, then force-close leftovers.
	deadline := time.NewTicker(20 * time.Millisecond)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		remaining := len(p.conns)
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			p.mu.Lock()
			for _, c := range p.conns {
				p.destroyLocked(c)
			}
			p.mu.Unlock()
			p.wg.Wait()
			return ctx.Err()
		case <-deadline.C:
		}
	}
	p.wg.Wait()
	return nil
}
