package realtime

import (
	"sync"

	"murmur/cmd/internal/feed"
	v1 "murmur/shared/contracts/feed/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server: feed handlers may still hold the client while it
// shuts down. done signals goroutines to stop and Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	// userID is set once, by the handshake or hello.
	mu     sync.Mutex
	userID string
	subs   map[string]feed.Subscription

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		subs:      make(map[string]feed.Subscription),
		done:      make(chan struct{}),
	}
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// authenticate binds the client to userID. A client cannot change identity.
func (c *Client) authenticate(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return c.userID == userID
	}
	c.userID = userID
	return true
}

func (c *Client) subscription(topic string) (feed.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[topic]
	return s, ok
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// addSubscription records sub unless the topic is already held.
func (c *Client) addSubscription(sub feed.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub.Topic()]; ok {
		return false
	}
	c.subs[sub.Topic()] = sub
	return true
}

// removeSubscription forgets sub if it is still the live subscription of its topic.
func (c *Client) removeSubscription(sub feed.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.subs[sub.Topic()]; !ok || cur != sub {
		return false
	}
	delete(c.subs, sub.Topic())
	return true
}

// drainSubscriptions removes and returns every subscription.
func (c *Client) drainSubscriptions() []feed.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]feed.Subscription, 0, len(c.subs))
	for topic, s := range c.subs {
		out = append(out, s)
		delete(c.subs, topic)
	}
	return out
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
