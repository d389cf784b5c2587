package kv

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is one pub/sub delivery
type Message struct {
	Channel string
	Payload string
}

// Subscription wraps a live pub/sub connection. Messages are forwarded on a
// buffered channel until Close is called; the channel is closed afterwards.
type Subscription struct {
	pubsub    *redis.PubSub
	messages  chan Message
	closeOnce sync.Once
	done      chan struct{}
}

// Subscribe opens a dedicated pub/sub connection for the given channels and
// waits for the subscription confirmation before returning.
func (f *Facade) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	pubsub := f.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, classify("subscribe", err)
	}
	return newSubscription(pubsub), nil
}

// PSubscribe is Subscribe over glob patterns (e.g. "session:*")
func (f *Facade) PSubscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	pubsub := f.client.PSubscribe(ctx, patterns...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, classify("psubscribe", err)
	}
	return newSubscription(pubsub), nil
}

func newSubscription(pubsub *redis.PubSub) *Subscription {
	s := &Subscription{
		pubsub:   pubsub,
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
	}
	go s.forward()
	return s
}

// forward pumps deliveries from the client into the typed channel. The
// source channel closes when the pub/sub connection does.
func (s *Subscription) forward() {
	defer close(s.messages)
	src := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-src:
			if !ok {
				return
			}
			select {
			case s.messages <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// Messages returns the delivery channel
func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

// Add subscribes the same connection to additional channels
func (s *Subscription) Add(ctx context.Context, channels ...string) error {
	if err := s.pubsub.Subscribe(ctx, channels...); err != nil {
		return classify("subscribe", err)
	}
	return nil
}

// Remove unsubscribes channels from this connection
func (s *Subscription) Remove(ctx context.Context, channels ...string) error {
	if err := s.pubsub.Unsubscribe(ctx, channels...); err != nil {
		return classify("unsubscribe", err)
	}
	return nil
}

// Close tears the subscription down and closes the message channel
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
