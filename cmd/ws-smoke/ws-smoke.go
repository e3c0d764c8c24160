// Package main is a CI-friendly end-to-end smoke test for a running murmur feed service.
//
// It validates:
//   - handshake, subprotocol selection and hello for two users
//   - conversation subscription
//   - sealed insert -> change delivered to the peer, decrypting to the sent text
//   - history fetch
//   - idempotent retry by temp_id (same row, no second change)
//   - receiver status write sent -> delivered
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"murmur/cmd/identity/ids"
	"murmur/cmd/internal/feedclient"
	"murmur/cmd/security/chatcrypto"
	v1 "murmur/shared/contracts/feed/v1"

	flag "github.com/spf13/pflag"
)

type smokeClient struct {
	name string
	c    *feedclient.Client
	user string
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", "smoke-alice", "Bearer token of the sender (a user id in dev identity mode)")
		tokenB  = flag.String("token-b", "smoke-bob", "Bearer token of the receiver")
		text    = flag.String("text", "hello murmur 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.BoolP("verbose", "v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid --url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid --origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer func() { _ = a.c.Close() }()

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer func() { _ = b.c.Close() }()

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.user, b.user, *origin)
	}

	deriver, err := chatcrypto.NewDeriver(chatcrypto.DefaultConfig())
	if err != nil {
		fatalf("deriver: %v", err)
	}
	key, err := deriver.DeriveKey(root, a.user, b.user)
	if err != nil {
		fatalf("derive key: %v", err)
	}

	inbox := mustSubscribe(root, b, v1.ConversationTopic(a.user, b.user), *timeout)

	tempID := ids.NewTempID()
	rec := mustInsert(root, a, b.user, tempID, key, *text, *timeout)

	got := mustReceive(inbox, v1.OpInsert, rec.ID, *timeout)
	plain, err := chatcrypto.Decrypt(chatcrypto.Sealed(got.Ciphertext), key)
	if err != nil {
		fatalf("decrypt delivered message: %v", err)
	}
	if plain != *text {
		fatalf("text mismatch: got=%q want=%q", plain, *text)
	}

	mustHistoryContains(root, b, a.user, rec.ID, *timeout)

	again := mustInsert(root, a, b.user, tempID, key, *text, *timeout)
	if again.ID != rec.ID {
		fatalf("dedupe: id mismatch: first=%s second=%s", rec.ID, again.ID)
	}
	mustAssertNoInsert(inbox, 1200*time.Millisecond)

	mustMarkDelivered(root, b, a.user, rec.ID, *timeout)
	upd := mustReceive(inbox, v1.OpUpdate, rec.ID, *timeout)
	if upd.Status != v1.StatusDelivered {
		fatalf("status update: got=%q want=%q", upd.Status, v1.StatusDelivered)
	}

	fmt.Printf("OK: A=%s B=%s id=%s temp_id=%s\n", a.user, b.user, rec.ID, tempID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	c, err := feedclient.Dial(ctx, feedclient.Options{
		URL:            wsURL,
		Token:          token,
		Origin:         origin,
		DialTimeout:    stepTimeout,
		RequestTimeout: stepTimeout,
	})
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if strings.TrimSpace(c.UserID()) == "" {
		fatalf("hello.ack missing user_id (%s)", name)
	}
	return &smokeClient{name: name, c: c, user: c.UserID()}
}

func mustSubscribe(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration) <-chan v1.Change {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	inbox := make(chan v1.Change, 64)
	if _, err := c.c.Subscribe(ctx, topic, func(ch v1.Change) {
		select {
		case inbox <- ch:
		default:
		}
	}); err != nil {
		fatalf("subscribe %s (%s): %v", topic, c.name, err)
	}
	return inbox
}

func mustInsert(parent context.Context, c *smokeClient, peer, tempID string, key *chatcrypto.Key, text string, stepTimeout time.Duration) v1.MessageRecord {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	sealed, err := chatcrypto.Encrypt(text, key)
	if err != nil {
		fatalf("encrypt (%s): %v", c.name, err)
	}
	rec, err := c.c.InsertMessage(ctx, v1.MessageInsert{
		TempID:     tempID,
		SenderID:   c.user,
		ReceiverID: peer,
		Ciphertext: v1.Ciphertext(sealed),
	})
	if err != nil {
		fatalf("insert (%s): %v", c.name, err)
	}
	if rec.ID == "" || rec.Status != v1.StatusSent {
		fatalf("insert result (%s): id=%q status=%q", c.name, rec.ID, rec.Status)
	}
	if rec.TempID != tempID {
		fatalf("insert temp_id mismatch (%s): got=%q want=%q", c.name, rec.TempID, tempID)
	}
	return rec
}

func mustReceive(inbox <-chan v1.Change, op, id string, wait time.Duration) v1.MessageRecord {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case ch := <-inbox:
			if ch.Table == v1.TableMessages && ch.Op == op && ch.Message != nil && ch.Message.ID == id {
				return *ch.Message
			}
		case <-timer.C:
			fatalf("timeout waiting for %s of %s", op, id)
		}
	}
}

func mustAssertNoInsert(inbox <-chan v1.Change, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case ch := <-inbox:
			if ch.Table == v1.TableMessages && ch.Op == v1.OpInsert {
				fatalf("unexpected second INSERT for %s", ch.Message.ID)
			}
		case <-timer.C:
			return
		}
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, peer, id string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	msgs, err := c.c.FetchHistory(ctx, v1.HistoryFetch{UserA: c.user, UserB: peer, Limit: 50})
	if err != nil {
		fatalf("history (%s): %v", c.name, err)
	}
	for _, m := range msgs {
		if m.ID == id {
			return
		}
	}
	fatalf("history missing expected message (%s)", c.name)
}

func mustMarkDelivered(parent context.Context, c *smokeClient, sender, id string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	rows, err := c.c.UpdateStatus(ctx, v1.StatusUpdate{
		ID:         id,
		SenderID:   sender,
		ReceiverID: c.user,
		From:       v1.StatusSent,
		To:         v1.StatusDelivered,
	})
	if err != nil {
		fatalf("status (%s): %v", c.name, err)
	}
	if len(rows) != 1 {
		fatalf("status rows (%s): got=%d want=1", c.name, len(rows))
	}
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
