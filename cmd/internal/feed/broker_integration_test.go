package feed

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	v1 "murmur/shared/contracts/feed/v1"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled per backend:
//   - MURMUR_DATABASE_URL for PGNotify
//   - MURMUR_NATS_URL for JetStream
//   - MURMUR_REDIS_ADDR for Redis

func TestPGNotify_PublishSubscribe(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("MURMUR_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: MURMUR_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	b, err := NewPGNotify(ctx, pool, testLogger(), WithNotifyChannel("murmur_feed_it"))
	if err != nil {
		t.Fatalf("new pg notify: %v", err)
	}
	defer b.Close()

	exerciseBroker(ctx, t, b)
}

func TestJetStream_PublishSubscribe(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("MURMUR_NATS_URL"))
	if url == "" {
		t.Skip("integration test skipped: MURMUR_NATS_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	b, err := NewJetStream(ctx, JetStreamConfig{
		URL:           url,
		StreamName:    "MURMUR_FEED_IT",
		SubjectPrefix: "murmur.feedit",
		MaxAge:        time.Hour,
	}, testLogger())
	if err != nil {
		t.Fatalf("new jetstream: %v", err)
	}
	defer b.Close()

	exerciseBroker(ctx, t, b)
}

func TestRedis_PublishSubscribe(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("MURMUR_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: MURMUR_REDIS_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	b, err := NewRedis(ctx, addr, "", 0, testLogger())
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer b.Close()

	exerciseBroker(ctx, t, b)
}

func exerciseBroker(ctx context.Context, t *testing.T, b Broker) {
	t.Helper()

	alice := "it-alice-" + time.Now().Format("150405.000000")
	topic := v1.ConversationTopic(alice, "it-bob")

	col := newCollector()
	sub, err := b.Subscribe(ctx, topic, col.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := b.Publish(ctx, msgChange(id, alice, "it-bob")); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	got := col.waitN(t, 3)
	if got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
		t.Fatalf("order mismatch: %v", got)
	}

	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}
