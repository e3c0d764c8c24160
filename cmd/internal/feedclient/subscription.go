package feedclient

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"murmur/cmd/internal/feed"
	v1 "murmur/shared/contracts/feed/v1"
)

// topic is one server-side subscription shared by every local subscriber of it.
type topic struct {
	name string
	conn *conn
	subs map[*subscription]struct{}
}

// subscription is one local subscriber. Changes are handed to its handler in arrival
// order from its own goroutine, so a handler may call back into the Client.
type subscription struct {
	c     *Client
	topic string
	queue chan v1.Change

	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (s *subscription) Topic() string         { return s.topic }
func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) finish(err error) bool {
	finished := false
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		finished = true
	})
	return finished
}

func (s *subscription) run(h feed.Handler) {
	for {
		select {
		case <-s.done:
			return
		case ch := <-s.queue:
			h(ch)
		}
	}
}

func (s *subscription) offer(ch v1.Change) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.queue <- ch:
		return true
	default:
		return false
	}
}

// Unsubscribe releases this subscriber. The server subscription is released with the last one.
func (s *subscription) Unsubscribe(ctx context.Context) error {
	if !s.finish(nil) {
		return nil
	}
	return s.c.release(ctx, s)
}

// Subscribe registers h for the changes of topic. It returns once the gateway has
// confirmed the subscription.
func (c *Client) Subscribe(ctx context.Context, name string, h feed.Handler) (feed.Subscription, error) {
	name = strings.TrimSpace(name)
	if !feed.ValidTopic(name) {
		return nil, fmt.Errorf("%w: %q", feed.ErrInvalidTopic, name)
	}
	if h == nil {
		return nil, fmt.Errorf("feedclient: nil handler for %s", name)
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	cn, err := c.connection(rctx)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		c:     c,
		topic: name,
		queue: make(chan v1.Change, c.opts.QueueSize),
		done:  make(chan struct{}),
	}

	// Register before the request so changes racing the ack are buffered, not lost.
	c.mu.Lock()
	t, held := c.topics[name]
	var stale *topic
	if held && t.conn != cn {
		// Left over from a dropped connection.
		stale, held = t, false
	}
	if !held {
		t = &topic{name: name, conn: cn, subs: make(map[*subscription]struct{})}
		c.topics[name] = t
	}
	t.subs[sub] = struct{}{}
	c.mu.Unlock()

	if stale != nil {
		for s := range stale.subs {
			s.finish(ErrDisconnected)
		}
	}

	if !held {
		if err := c.roundTrip(rctx, cn, v1.TypeSubscribe, v1.SubscribePayload{Topic: name}, nil); err != nil {
			c.mu.Lock()
			if c.topics[name] == t {
				delete(c.topics, name)
			}
			c.mu.Unlock()
			sub.finish(err)
			return nil, err
		}
	}

	go sub.run(h)
	c.log.Debug("feedclient.subscribe", "topic", name, "shared", held)
	return sub, nil
}

// route hands a change to every local subscriber of its topic on connection cn.
func (c *Client) route(cn *conn, ch v1.Change) {
	c.mu.Lock()
	t := c.topics[ch.Topic]
	if t == nil || t.conn != cn {
		c.mu.Unlock()
		return
	}
	var overflow []*subscription
	for s := range t.subs {
		if !s.offer(ch) {
			overflow = append(overflow, s)
		}
	}
	c.mu.Unlock()

	for _, s := range overflow {
		c.log.Warn("feedclient.subscription.overflow", "topic", ch.Topic)
		if s.finish(ErrOverflow) {
			go func() { _ = c.release(context.Background(), s) }()
		}
	}
}

// release forgets s and unsubscribes server-side when s was the topic's last subscriber.
func (c *Client) release(ctx context.Context, s *subscription) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	t := c.topics[s.topic]
	if t == nil {
		c.mu.Unlock()
		return nil
	}
	if _, ok := t.subs[s]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(t.subs, s)
	if len(t.subs) > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.topics, s.topic)
	cn := t.conn
	c.mu.Unlock()

	if cn.failure() != nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := c.roundTrip(rctx, cn, v1.TypeUnsubscribe, v1.SubscribePayload{Topic: s.topic}, nil); err != nil {
		c.log.Debug("feedclient.unsubscribe.fail", "topic", s.topic, "err", err)
		return err
	}
	return nil
}

// dropTopic ends every local subscriber of name after the gateway ended it.
func (c *Client) dropTopic(cn *conn, name string, err error) {
	c.mu.Lock()
	t := c.topics[name]
	if t == nil || t.conn != cn {
		c.mu.Unlock()
		return
	}
	delete(c.topics, name)
	c.mu.Unlock()

	for s := range t.subs {
		s.finish(err)
	}
}

// dropConn ends every subscription bound to cn.
func (c *Client) dropConn(cn *conn, err error) {
	c.mu.Lock()
	var lost []*topic
	for name, t := range c.topics {
		if t.conn == cn {
			lost = append(lost, t)
			delete(c.topics, name)
		}
	}
	if c.cur == cn {
		c.cur = nil
	}
	c.mu.Unlock()

	for _, t := range lost {
		for s := range t.subs {
			s.finish(err)
		}
	}
}
