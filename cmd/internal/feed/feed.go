// Package feed delivers row-level change notifications by topic.
//
// A topic is either a conversation ("conversation:<low>:<high>") or the reactions of one
// message ("reactions:<message_id>"). The store publishes every committed change; chat
// clients and the websocket gateway subscribe. Implementations:
//   - Hub: in-process fanout (dev, tests, and the local half of PGNotify)
//   - PGNotify: Postgres LISTEN/NOTIFY
//   - JetStream: NATS JetStream subjects
//   - Redis: Redis pub/sub channels
package feed

import (
	"context"
	"errors"
	"sync"

	v1 "murmur/shared/contracts/feed/v1"
)

// Public, stable errors for callers.
var (
	ErrClosed          = errors.New("feed: broker closed")
	ErrInvalidTopic    = errors.New("feed: invalid topic")
	ErrPayloadTooLarge = errors.New("feed: payload too large")
)

// Handler receives the changes of one subscription, in arrival order.
type Handler func(v1.Change)

// Subscription is a live topic subscription.
type Subscription interface {
	Topic() string
	// Done is closed when the subscription ends, either by Unsubscribe or by a transport failure.
	Done() <-chan struct{}
	// Err is nil after Unsubscribe and the transport error otherwise. Valid once Done is closed.
	Err() error
	Unsubscribe(ctx context.Context) error
}

// Publisher publishes committed changes.
type Publisher interface {
	Publish(ctx context.Context, c v1.Change) error
}

// Subscriber opens topic subscriptions. Subscribe returns once the subscription is live.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
}

// Broker is both sides of the feed plus lifecycle.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// ValidTopic reports whether topic names a conversation or a message's reactions.
func ValidTopic(topic string) bool {
	if _, _, ok := v1.ParseConversationTopic(topic); ok {
		return true
	}
	_, ok := v1.ParseReactionTopic(topic)
	return ok
}

// subscription is the Subscription shared by every broker.
type subscription struct {
	topic string
	done  chan struct{}
	once  sync.Once
	err   error
	unsub func(ctx context.Context) error
}

func newSubscription(topic string) *subscription {
	return &subscription{topic: topic, done: make(chan struct{})}
}

func (s *subscription) Topic() string         { return s.topic }
func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// finish closes Done exactly once with err as the terminal error.
func (s *subscription) finish(err error) bool {
	closed := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		closed = true
	})
	return closed
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	if !s.finish(nil) {
		return nil
	}
	if s.unsub == nil {
		return nil
	}
	return s.unsub(ctx)
}
