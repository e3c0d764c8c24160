package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "murmur/shared/contracts/feed/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultPGChannel = "murmur_feed"

	// Postgres rejects NOTIFY payloads of 8000 bytes or more.
	maxNotifyPayload = 7999
)

var pgListenBackoff = []time.Duration{
	0,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
}

// PGNotify is a Broker over Postgres LISTEN/NOTIFY.
//
// Every change goes through a single notification channel; a dedicated listener
// connection decodes notifications and fans them out through a local Hub. When the
// listener connection is lost, every local subscription fails with the connection
// error so subscribers resubscribe and resync from the store.
type PGNotify struct {
	pool    *pgxpool.Pool
	channel string
	hub     *Hub
	log     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// PGNotifyOption configures PGNotify.
type PGNotifyOption func(*PGNotify) error

// WithNotifyChannel overrides the notification channel name (default "murmur_feed").
func WithNotifyChannel(name string) PGNotifyOption {
	return func(p *PGNotify) error {
		name = strings.TrimSpace(name)
		if name == "" || len(name) > 63 {
			return errors.New("feed: invalid notify channel")
		}
		p.channel = name
		return nil
	}
}

// NewPGNotify starts the listener loop. The pool is owned by the caller.
func NewPGNotify(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger, opts ...PGNotifyOption) (*PGNotify, error) {
	if pool == nil {
		return nil, errors.New("feed: nil pool")
	}
	if log == nil {
		log = slog.Default()
	}

	p := &PGNotify{
		pool:    pool,
		channel: defaultPGChannel,
		log:     log,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.hub = NewHub(log)

	// Fail fast when LISTEN itself cannot be issued.
	conn, err := p.listen(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(runCtx, conn)

	return p, nil
}

func (p *PGNotify) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("feed: acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("feed: listen: %w", err)
	}
	return conn, nil
}

func (p *PGNotify) run(ctx context.Context, conn *pgxpool.Conn) {
	defer close(p.done)

	attempt := 0
	for {
		if conn == nil {
			delay := pgListenBackoff[min(attempt, len(pgListenBackoff)-1)]
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			c, err := p.listen(ctx)
			if err != nil {
				attempt++
				p.log.Warn("feed.pg.listen.fail", "attempt", attempt, "err", err)
				continue
			}
			attempt = 0
			conn = c
			p.log.Info("feed.pg.listen.restored", "channel", p.channel)
		}

		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// The connection is no longer usable for LISTEN; drop it from the pool.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
			conn = nil

			if ctx.Err() != nil {
				return
			}
			p.log.Warn("feed.pg.wait.fail", "err", err)
			p.hub.FailAll(fmt.Errorf("feed: listener lost: %w", err))
			continue
		}

		c, err := decodeChangeJSON([]byte(n.Payload))
		if err != nil {
			p.log.Warn("feed.pg.decode.fail", "err", err)
			continue
		}
		_ = p.hub.Publish(ctx, c)
	}
}

// Publish sends c through pg_notify.
func (p *PGNotify) Publish(ctx context.Context, c v1.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}
	payload, err := encodeChangeJSON(c)
	if err != nil {
		return err
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(payload)); err != nil {
		return fmt.Errorf("feed: notify: %w", err)
	}
	return nil
}

// Subscribe registers h on the local fanout for topic.
func (p *PGNotify) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	return p.hub.Subscribe(ctx, topic, h)
}

// Close stops the listener and fails every subscription with ErrClosed.
func (p *PGNotify) Close() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return p.hub.Close()
}
