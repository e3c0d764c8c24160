package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "murmur/shared/contracts/feed/v1"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultStreamName    = "MURMUR_FEED"
	defaultSubjectPrefix = "murmur.feed"
)

// JetStreamConfig configures the NATS JetStream broker.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxAge        time.Duration
}

// JetStream is a Broker over NATS JetStream: one subject per topic, one ephemeral consumer per subscription.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	prefix string
	log    *slog.Logger
}

// NewJetStream connects to NATS and ensures the feed stream exists.
func NewJetStream(ctx context.Context, cfg JetStreamConfig, log *slog.Logger) (*JetStream, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = defaultStreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("murmur-feed"))
	if err != nil {
		return nil, fmt.Errorf("feed: connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("feed: jetstream: %w", err)
	}

	if _, err := js.Stream(ctx, cfg.StreamName); err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("feed: lookup stream %q: %w", cfg.StreamName, err)
		}
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "murmur row-level change feed",
			Subjects:    []string{cfg.SubjectPrefix + ".>"},
			MaxAge:      cfg.MaxAge,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("feed: create stream %q: %w", cfg.StreamName, err)
		}
		log.Info("feed.nats.stream.created", "stream", cfg.StreamName)
	}

	return &JetStream{
		nc:     nc,
		js:     js,
		stream: cfg.StreamName,
		prefix: cfg.SubjectPrefix,
		log:    log,
	}, nil
}

// subject maps a topic to a single subject token under the prefix.
func (s *JetStream) subject(topic string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, topic)
	return s.prefix + "." + token
}

// Publish stores c on the topic subject.
func (s *JetStream) Publish(ctx context.Context, c v1.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := EncodeChange(c)
	if err != nil {
		return err
	}
	if _, err := s.js.Publish(ctx, s.subject(c.Topic), data); err != nil {
		return fmt.Errorf("feed: publish %q: %w", c.Topic, err)
	}
	return nil
}

// Subscribe creates an ephemeral consumer delivering only changes published from now on.
func (s *JetStream) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	if !ValidTopic(topic) || h == nil {
		return nil, ErrInvalidTopic
	}
	subject := s.subject(topic)

	cons, err := s.js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("feed: consumer for %q: %w", subject, err)
	}
	name := cons.CachedInfo().Name

	sub := newSubscription(topic)

	cc, err := cons.Consume(func(m jetstream.Msg) {
		c, err := DecodeChange(m.Data())
		if err != nil {
			s.log.Warn("feed.nats.decode.fail", "subject", m.Subject(), "err", err)
			return
		}
		select {
		case <-sub.done:
			return
		default:
		}
		h(c)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		s.log.Warn("feed.nats.consume.fail", "subject", subject, "err", err)
		if errors.Is(err, jetstream.ErrConsumerDeleted) || s.nc.IsClosed() {
			sub.finish(fmt.Errorf("feed: consumer lost: %w", err))
		}
	}))
	if err != nil {
		_ = s.js.DeleteConsumer(context.Background(), s.stream, name)
		return nil, fmt.Errorf("feed: consume %q: %w", subject, err)
	}

	sub.unsub = func(ctx context.Context) error {
		cc.Stop()
		if err := s.js.DeleteConsumer(ctx, s.stream, name); err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
			return err
		}
		return nil
	}
	return sub, nil
}

// Close drains the NATS connection.
func (s *JetStream) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
