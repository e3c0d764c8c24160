package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"murmur/cmd/internal/clock"
	"murmur/cmd/internal/feed"
	v1 "murmur/shared/contracts/feed/v1"
)

// ChannelState is the lifecycle state of one feed subscription.
type ChannelState uint8

const (
	ChannelIdle ChannelState = iota
	ChannelSubscribing
	ChannelActive
	ChannelTornDown
)

func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelSubscribing:
		return "subscribing"
	case ChannelActive:
		return "active"
	case ChannelTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

var channelTransitions = map[ChannelState][]ChannelState{
	ChannelIdle:        {ChannelSubscribing, ChannelTornDown},
	ChannelSubscribing: {ChannelActive, ChannelTornDown},
	ChannelActive:      {ChannelSubscribing, ChannelTornDown},
	ChannelTornDown:    {},
}

func canMoveChannel(from, to ChannelState) bool {
	for _, s := range channelTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DefaultBackoff is the reconnect schedule; the last step repeats.
var DefaultBackoff = []time.Duration{0, time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

const maxSeenKeys = 4096

var errChannelClosed = errors.New("channel torn down")

// ChannelConfig parameterizes a Channel for one topic.
type ChannelConfig struct {
	Topic string
	Feed  feed.Subscriber
	Clock clock.Clock
	Log   *slog.Logger

	// Accept decides whether a change belongs to this channel. Nil accepts every change.
	Accept func(v1.Change) bool
	// DedupeKey returns a key for changes that must be delivered at most once.
	DedupeKey func(v1.Change) (string, bool)
	// Deliver receives accepted changes in arrival order.
	Deliver func(v1.Change)
	// OnState observes every state change. err is set on transport failures.
	OnState func(state ChannelState, err error)
	// Resync runs after a reconnect, once the channel is Active again.
	Resync func(ctx context.Context) error

	Backoff []time.Duration
}

// Channel owns one live feed subscription and routes its changes.
type Channel struct {
	cfg ChannelConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    ChannelState
	sub      feed.Subscription
	gen      uint64
	seen     map[string]struct{}
	seenFIFO []string
}

// NewChannel validates cfg and returns an Idle channel.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if !feed.ValidTopic(cfg.Topic) {
		return nil, opError("chat.NewChannel", ErrValidation, cfg.Topic, feed.ErrInvalidTopic)
	}
	if cfg.Feed == nil || cfg.Deliver == nil {
		return nil, opError("chat.NewChannel", ErrValidation, "missing feed or deliver", nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}, nil
}

// Topic returns the subscribed topic.
func (c *Channel) Topic() string { return c.cfg.Topic }

// State returns the current state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start subscribes and returns once the transport acknowledged the subscription.
func (c *Channel) Start(ctx context.Context) error {
	const op = "chat.Channel.Start"

	c.mu.Lock()
	if !c.moveLocked(ChannelSubscribing) {
		state := c.state
		c.mu.Unlock()
		return opError(op, ErrValidation, "channel is "+state.String(), errChannelClosed)
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.notify(ChannelSubscribing, nil)

	sub, err := c.cfg.Feed.Subscribe(ctx, c.cfg.Topic, c.handler(gen))
	if err != nil {
		c.mu.Lock()
		moved := c.moveLocked(ChannelTornDown)
		c.mu.Unlock()
		if moved {
			c.cancel()
			c.notify(ChannelTornDown, err)
		}
		return opError(op, ErrTransport, c.cfg.Topic, err)
	}

	if !c.activate(sub, gen) {
		_ = sub.Unsubscribe(context.WithoutCancel(ctx))
		return opError(op, ErrTransport, c.cfg.Topic, errChannelClosed)
	}
	return nil
}

// activate installs sub if the channel is still waiting for generation gen.
func (c *Channel) activate(sub feed.Subscription, gen uint64) bool {
	c.mu.Lock()
	if c.state != ChannelSubscribing || c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.moveLocked(ChannelActive)
	c.sub = sub
	c.wg.Add(1)
	c.mu.Unlock()

	go c.watch(sub, gen)
	c.notify(ChannelActive, nil)
	return true
}

// Close tears the channel down from any state. It is idempotent.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.moveLocked(ChannelTornDown) {
		c.mu.Unlock()
		return nil
	}
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if sub != nil {
		err = sub.Unsubscribe(ctx)
	}
	c.wg.Wait()
	c.notify(ChannelTornDown, nil)
	return err
}

func (c *Channel) moveLocked(to ChannelState) bool {
	if !canMoveChannel(c.state, to) {
		return false
	}
	c.state = to
	return true
}

func (c *Channel) notify(state ChannelState, err error) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(state, err)
	}
}

func (c *Channel) handler(gen uint64) feed.Handler {
	return func(ch v1.Change) {
		c.mu.Lock()
		if c.gen != gen || c.state == ChannelTornDown {
			c.mu.Unlock()
			c.cfg.Log.Debug("chat.channel.drop_late", "topic", c.cfg.Topic, "op", ch.Op)
			return
		}
		if c.cfg.Accept != nil && !c.cfg.Accept(ch) {
			c.mu.Unlock()
			c.cfg.Log.Debug("chat.channel.drop_foreign", "topic", c.cfg.Topic, "change_topic", ch.Topic)
			return
		}
		if c.cfg.DedupeKey != nil {
			if key, ok := c.cfg.DedupeKey(ch); ok {
				if _, dup := c.seen[key]; dup {
					c.mu.Unlock()
					return
				}
				c.rememberLocked(key)
			}
		}
		c.mu.Unlock()

		c.cfg.Deliver(ch)
	}
}

func (c *Channel) rememberLocked(key string) {
	c.seen[key] = struct{}{}
	c.seenFIFO = append(c.seenFIFO, key)
	if len(c.seenFIFO) > maxSeenKeys {
		delete(c.seen, c.seenFIFO[0])
		c.seenFIFO = c.seenFIFO[1:]
	}
}

// watch waits for the subscription to end and reconnects if the transport dropped it.
func (c *Channel) watch(sub feed.Subscription, gen uint64) {
	defer c.wg.Done()

	select {
	case <-c.ctx.Done():
		return
	case <-sub.Done():
	}

	c.mu.Lock()
	if c.state != ChannelActive || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.moveLocked(ChannelSubscribing)
	c.sub = nil
	c.gen++
	c.mu.Unlock()

	cause := sub.Err()
	if cause == nil {
		cause = feed.ErrClosed
	}
	err := opError("chat.Channel.watch", ErrTransport, c.cfg.Topic, cause)
	c.cfg.Log.Warn("chat.channel.dropped", "topic", c.cfg.Topic, "err", cause)
	c.notify(ChannelSubscribing, err)

	c.reconnect()
}

func (c *Channel) reconnect() {
	for attempt := 0; ; attempt++ {
		d := c.cfg.Backoff[min(attempt, len(c.cfg.Backoff)-1)]
		if d > 0 {
			select {
			case <-c.ctx.Done():
				return
			case <-c.cfg.Clock.After(d):
			}
		}
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if c.state != ChannelSubscribing {
			c.mu.Unlock()
			return
		}
		gen := c.gen
		c.mu.Unlock()

		sub, err := c.cfg.Feed.Subscribe(c.ctx, c.cfg.Topic, c.handler(gen))
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.cfg.Log.Warn("chat.channel.resubscribe.fail", "topic", c.cfg.Topic, "attempt", attempt+1, "err", err)
			c.notify(ChannelSubscribing, opError("chat.Channel.reconnect", ErrTransport, c.cfg.Topic, err))
			continue
		}
		if !c.activate(sub, gen) {
			_ = sub.Unsubscribe(context.Background())
			return
		}
		c.cfg.Log.Info("chat.channel.resubscribed", "topic", c.cfg.Topic, "attempt", attempt+1)

		if c.cfg.Resync != nil {
			if err := c.cfg.Resync(c.ctx); err != nil && c.ctx.Err() == nil {
				c.cfg.Log.Warn("chat.channel.resync.fail", "topic", c.cfg.Topic, "err", err)
			}
		}
		return
	}
}
