package chat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"murmur/cmd/identity/ids"
	"murmur/cmd/internal/clock"
	"murmur/cmd/internal/feed"
	"murmur/cmd/internal/store"
	"murmur/cmd/security/chatcrypto"
	v1 "murmur/shared/contracts/feed/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sharedKeys is one deriver for the whole package: PBKDF2 at the default work factor
// is slow enough that re-deriving per test adds up.
var sharedKeys = sync.OnceValue(func() *chatcrypto.Deriver {
	d, err := chatcrypto.NewDeriver(chatcrypto.DefaultConfig())
	if err != nil {
		panic(err)
	}
	return d
})

type connState struct {
	topic string
	state ChannelState
	err   error
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	drafts []Draft
	errs   []error
	conns  []connState
}

func (r *recorder) OnChange(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) OnDraftRestored(d Draft) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts = append(r.drafts, d)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnConnection(topic string, state ChannelState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, connState{topic: topic, state: state, err: err})
}

func (r *recorder) restored() []Draft {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Draft(nil), r.drafts...)
}

func (r *recorder) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) states(topic string) []ChannelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ChannelState
	for _, c := range r.conns {
		if c.topic == topic {
			out = append(out, c.state)
		}
	}
	return out
}

type env struct {
	hub   *feed.Hub
	store *store.InMemoryStore
	clock *clock.FakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()

	hub := feed.NewHub(testLogger())
	t.Cleanup(func() { _ = hub.Close() })

	st, err := store.NewInMemoryStore(store.WithPublisher(hub), store.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return &env{
		hub:   hub,
		store: st,
		clock: clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func (e *env) session(t *testing.T, self string, mods ...func(*Deps)) (*Session, *recorder) {
	t.Helper()

	rec := &recorder{}
	deps := Deps{
		Backend:  e.store,
		Feed:     e.hub,
		Keys:     sharedKeys(),
		Clock:    e.clock,
		Log:      testLogger(),
		Listener: rec,
	}
	for _, m := range mods {
		m(&deps)
	}
	s, err := New(self, deps, Options{})
	if err != nil {
		t.Fatalf("new session %s: %v", self, err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, rec
}

func withBackend(b Backend) func(*Deps) {
	return func(d *Deps) { d.Backend = b }
}

func withFeed(f feed.Subscriber) func(*Deps) {
	return func(d *Deps) { d.Feed = f }
}

func mustOpen(t *testing.T, s *Session, peer string) {
	t.Helper()
	if err := s.Open(context.Background(), peer); err != nil {
		t.Fatalf("open %s -> %s: %v", s.Self(), peer, err)
	}
}

func mustSeal(t *testing.T, a, b, text string) v1.Ciphertext {
	t.Helper()
	key, err := sharedKeys().DeriveKey(context.Background(), a, b)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	sealed, err := chatcrypto.Encrypt(text, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return v1.Ciphertext(sealed)
}

// insertFrom writes a message straight into the store, as the peer's client would.
func (e *env) insertFrom(t *testing.T, from, to, text string) v1.MessageRecord {
	t.Helper()
	rec, err := e.store.InsertMessage(context.Background(), v1.MessageInsert{
		TempID:     ids.NewTempID(),
		SenderID:   from,
		ReceiverID: to,
		Ciphertext: mustSeal(t, from, to, text),
	})
	if err != nil {
		t.Fatalf("insert %s -> %s: %v", from, to, err)
	}
	return rec
}

func currentConv(t *testing.T, s *Session) *conversation {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		t.Fatalf("no open conversation")
	}
	return s.conv
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func findMessage(msgs []Message, key string) (Message, int, bool) {
	for i, m := range msgs {
		if m.ID == key || m.TempID == key {
			return m, i, true
		}
	}
	return Message{}, -1, false
}
