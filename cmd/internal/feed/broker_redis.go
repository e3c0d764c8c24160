package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	v1 "murmur/shared/contracts/feed/v1"

	"github.com/go-redis/redis/v8"
)

const defaultRedisPrefix = "murmur:feed:"

// Redis is a Broker over Redis pub/sub: one channel per topic.
// Delivery is at-most-once; changes published while a subscriber reconnects are lost,
// so subscribers resync from the store after reconnecting.
type Redis struct {
	rdb    *redis.Client
	prefix string
	log    *slog.Logger

	mu   sync.Mutex
	subs map[*subscription]*redis.PubSub
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, log *slog.Logger) (*Redis, error) {
	if log == nil {
		log = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("feed: redis ping: %w", err)
	}
	return &Redis{
		rdb:    rdb,
		prefix: defaultRedisPrefix,
		log:    log,
		subs:   make(map[*subscription]*redis.PubSub),
	}, nil
}

// Publish sends c to the topic channel.
func (r *Redis) Publish(ctx context.Context, c v1.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := EncodeChange(c)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.prefix+c.Topic, data).Err(); err != nil {
		return fmt.Errorf("feed: redis publish %q: %w", c.Topic, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription.
func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if !ValidTopic(topic) || h == nil {
		return nil, ErrInvalidTopic
	}

	ps := r.rdb.Subscribe(ctx, r.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("feed: redis subscribe %q: %w", topic, err)
	}

	sub := newSubscription(topic)
	sub.unsub = func(context.Context) error {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
		return ps.Close()
	}

	r.mu.Lock()
	r.subs[sub] = ps
	r.mu.Unlock()

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			c, err := DecodeChange([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("feed.redis.decode.fail", "channel", msg.Channel, "err", err)
				continue
			}
			select {
			case <-sub.done:
				return
			default:
			}
			h(c)
		}
		// Channel closes only when the PubSub is closed.
		sub.finish(ErrClosed)
	}()

	return sub, nil
}

// Close closes every open subscription and the Redis client. Open subscriptions end with ErrClosed.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[*subscription]*redis.PubSub)
	r.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	return r.rdb.Close()
}
