package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	v1 "murmur/shared/contracts/feed/v1"
)

const defaultHubQueueSize = 256

// Hub is an in-memory topic fanout.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe are safe under concurrent Publish.
// - Publish never blocks (drops under backpressure).
// - Each subscriber receives its changes in publish order on its own goroutine.
type Hub struct {
	log       *slog.Logger
	queueSize int
	onDrop    func(topic string)

	seq atomic.Uint64

	mu     sync.RWMutex
	topics map[string]*hubTopic
	closed bool
}

type hubTopic struct {
	mu      sync.RWMutex
	members map[uint64]*hubMember
}

type hubMember struct {
	sub   *subscription
	queue chan v1.Change
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithDropHook is called with the topic whenever a change is dropped for a slow subscriber.
func WithDropHook(f func(topic string)) HubOption {
	return func(h *Hub) { h.onDrop = f }
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:       log,
		queueSize: defaultHubQueueSize,
		topics:    make(map[string]*hubTopic),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe registers h for topic. The subscription is live when Subscribe returns.
func (hb *Hub) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if !ValidTopic(topic) || h == nil {
		return nil, ErrInvalidTopic
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := hb.seq.Add(1)
	m := &hubMember{
		sub:   newSubscription(topic),
		queue: make(chan v1.Change, hb.queueSize),
	}
	m.sub.unsub = func(context.Context) error {
		hb.leave(topic, id)
		return nil
	}

	hb.mu.Lock()
	if hb.closed {
		hb.mu.Unlock()
		return nil, ErrClosed
	}
	t := hb.topics[topic]
	if t == nil {
		t = &hubTopic{members: make(map[uint64]*hubMember)}
		hb.topics[topic] = t
	}
	t.mu.Lock()
	t.members[id] = m
	t.mu.Unlock()
	hb.mu.Unlock()

	go m.run(h)

	hb.log.Debug("feed.hub.subscribe", "topic", topic, "subscriber", id)
	return m.sub, nil
}

func (m *hubMember) run(h Handler) {
	for {
		select {
		case <-m.sub.done:
			return
		case c := <-m.queue:
			// Do not deliver after Unsubscribe even if the change was queued before it.
			select {
			case <-m.sub.done:
				return
			default:
			}
			h(c)
		}
	}
}

func (hb *Hub) leave(topic string, id uint64) {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	t := hb.topics[topic]
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.members, id)
	empty := len(t.members) == 0
	t.mu.Unlock()
	if empty {
		delete(hb.topics, topic)
	}
}

// Publish fans c out to every subscriber of c.Topic.
// Non-blocking: if a subscriber queue is full, the change is dropped for that subscriber.
func (hb *Hub) Publish(_ context.Context, c v1.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}

	hb.mu.RLock()
	if hb.closed {
		hb.mu.RUnlock()
		return ErrClosed
	}
	t := hb.topics[c.Topic]
	hb.mu.RUnlock()
	if t == nil {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.members {
		select {
		case <-m.sub.done:
			continue
		default:
		}

		select {
		case m.queue <- c:
		default:
			hb.log.Warn("feed.hub.drop", "topic", c.Topic, "op", c.Op, "table", c.Table)
			if hb.onDrop != nil {
				hb.onDrop(c.Topic)
			}
		}
	}
	return nil
}

// FailAll ends every subscription with err. Subscribers are expected to resubscribe and resync.
func (hb *Hub) FailAll(err error) {
	hb.mu.Lock()
	topics := hb.topics
	hb.topics = make(map[string]*hubTopic)
	hb.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for _, m := range t.members {
			m.sub.finish(err)
		}
		t.mu.Unlock()
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (hb *Hub) Subscribers(topic string) int {
	hb.mu.RLock()
	t := hb.topics[topic]
	hb.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Close ends every subscription with ErrClosed and rejects further use.
func (hb *Hub) Close() error {
	hb.mu.Lock()
	if hb.closed {
		hb.mu.Unlock()
		return nil
	}
	hb.closed = true
	hb.mu.Unlock()

	hb.FailAll(ErrClosed)
	return nil
}
