package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
)

// Listener holds the process-wide subscriber connection to Redis pub/sub
// and dispatches every delivery to the local ConnectionManager. The
// global lifecycle channel is subscribed for the listener's whole life;
// per-session channels are added when their first WebSocket subscriber
// arrives and removed when the last one leaves.
type Listener struct {
	pool    *kv.Pool
	manager *ConnectionManager
	names   Channels

	sub   *kv.Subscription
	subMu sync.Mutex

	// channels tracks per-session subscriptions; the global channel is
	// implicit and never appears here.
	channels   map[string]bool
	channelsMu sync.RWMutex

	running  atomic.Bool
	loopDone chan struct{}
}

// NewListener creates a relay listener over the given pool.
func NewListener(pool *kv.Pool, manager *ConnectionManager, names Channels) *Listener {
	return &Listener{
		pool:     pool,
		manager:  manager,
		names:    names,
		channels: make(map[string]bool),
	}
}

// Start opens the subscriber connection on the global channel and begins
// dispatching deliveries. The pub/sub stream lives on its own connection
// inside the client, so the pooled connection is released immediately.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx, kv.ConnTypeRead)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for relay: %w", err)
	}
	sub, err := conn.Facade().Subscribe(ctx, l.names.Global)
	l.pool.Release(conn)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", l.names.Global, err)
	}

	l.subMu.Lock()
	l.sub = sub
	l.subMu.Unlock()
	l.running.Store(true)

	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(sub)
	}()

	slog.Info("Event relay listener started", "global_channel", l.names.Global)
	return nil
}

// receiveLoop pumps deliveries into the ConnectionManager. The client
// reconnects and resubscribes underneath us on connection loss, so the
// message channel only closes on Stop.
func (l *Listener) receiveLoop(sub *kv.Subscription) {
	for msg := range sub.Messages() {
		l.manager.Broadcast(msg.Channel, []byte(msg.Payload))
	}
}

// Subscribe adds a channel to the subscriber connection. Called by the
// ConnectionManager when a channel gains its first WebSocket subscriber;
// returns synchronously once the subscription is active so the caller's
// catchup runs with no delivery gap.
func (l *Listener) Subscribe(ctx context.Context, channel string) error {
	if channel == l.names.Global {
		return nil // held open since Start
	}

	l.channelsMu.Lock()
	if l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return fmt.Errorf("relay subscriber not started")
	}

	l.subMu.Lock()
	sub := l.sub
	l.subMu.Unlock()
	if err := sub.Add(ctx, channel); err != nil {
		return fmt.Errorf("failed to subscribe channel %s: %w", channel, err)
	}

	l.channelsMu.Lock()
	l.channels[channel] = true
	l.channelsMu.Unlock()
	slog.Debug("Relay subscribed to channel", "channel", channel)
	return nil
}

// Unsubscribe removes a channel from the subscriber connection once its
// last WebSocket subscriber is gone. The global channel is never removed.
func (l *Listener) Unsubscribe(ctx context.Context, channel string) error {
	if channel == l.names.Global {
		return nil
	}

	l.channelsMu.Lock()
	if !l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return nil
	}

	l.subMu.Lock()
	sub := l.sub
	l.subMu.Unlock()
	if err := sub.Remove(ctx, channel); err != nil {
		return fmt.Errorf("failed to unsubscribe channel %s: %w", channel, err)
	}

	l.channelsMu.Lock()
	delete(l.channels, channel)
	l.channelsMu.Unlock()
	return nil
}

// trackedChannels returns how many per-session channels are subscribed.
// Used by tests to poll instead of sleeping.
func (l *Listener) trackedChannels() int {
	l.channelsMu.RLock()
	defer l.channelsMu.RUnlock()
	return len(l.channels)
}

// Stop closes the subscriber connection and waits for the dispatch loop
// to drain.
func (l *Listener) Stop() {
	if !l.running.Swap(false) {
		return
	}

	l.subMu.Lock()
	sub := l.sub
	l.subMu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}
	slog.Info("Event relay listener stopped")
}
