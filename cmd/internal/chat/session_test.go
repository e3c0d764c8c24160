package chat

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "murmur/shared/contracts/feed/v1"
)

// offlineBackend blocks message inserts until the attempt is cancelled.
type offlineBackend struct {
	Backend
	offline atomic.Bool
	inserts atomic.Int32
}

func (b *offlineBackend) InsertMessage(ctx context.Context, in v1.MessageInsert) (v1.MessageRecord, error) {
	b.inserts.Add(1)
	if b.offline.Load() {
		<-ctx.Done()
		return v1.MessageRecord{}, ctx.Err()
	}
	return b.Backend.InsertMessage(ctx, in)
}

// lateAckBackend holds an insert until released and then commits it, whatever
// happened to the attempt in the meantime.
type lateAckBackend struct {
	Backend
	release chan struct{}
}

func (b *lateAckBackend) InsertMessage(_ context.Context, in v1.MessageInsert) (v1.MessageRecord, error) {
	<-b.release
	return b.Backend.InsertMessage(context.Background(), in)
}

// statusRecorder records status writes. With holdDelivery set, delivered writes are
// swallowed so a message stays "sent".
type statusRecorder struct {
	Backend
	holdDelivery atomic.Bool

	mu      sync.Mutex
	updates []v1.StatusUpdate
}

func (b *statusRecorder) UpdateStatus(ctx context.Context, in v1.StatusUpdate) ([]v1.MessageRecord, error) {
	b.mu.Lock()
	b.updates = append(b.updates, in)
	b.mu.Unlock()
	if b.holdDelivery.Load() && in.To == v1.StatusDelivered {
		return nil, nil
	}
	return b.Backend.UpdateStatus(ctx, in)
}

func (b *statusRecorder) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = nil
}

func (b *statusRecorder) calls() []v1.StatusUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]v1.StatusUpdate(nil), b.updates...)
}

type zeroRowEdits struct{ Backend }

func (zeroRowEdits) EditMessage(context.Context, v1.MessageEdit) ([]v1.MessageRecord, error) {
	return nil, nil
}

type fakeUploader struct {
	err   error
	calls atomic.Int32
}

func (u *fakeUploader) Upload(_ context.Context, owner, name, mimeType string, r io.Reader) (v1.Attachment, error) {
	u.calls.Add(1)
	if u.err != nil {
		return v1.Attachment{}, u.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return v1.Attachment{}, err
	}
	return v1.Attachment{
		URL:       "https://files.example.test/" + owner + "/" + name,
		Name:      name,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	}, nil
}

func textUpload(name, body string) *Upload {
	return &Upload{
		Name:     name,
		MimeType: "image/png",
		Open:     func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil },
	}
}

type memDrafts struct {
	mu     sync.Mutex
	drafts map[string]Draft
}

func newMemDrafts() *memDrafts { return &memDrafts{drafts: make(map[string]Draft)} }

func (m *memDrafts) SaveDraft(_ context.Context, d Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[d.TempID] = d
	return nil
}

func (m *memDrafts) DeleteDraft(_ context.Context, tempID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, tempID)
	return nil
}

func (m *memDrafts) ListDrafts(_ context.Context, peerID string) ([]Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Draft
	for _, d := range m.drafts {
		if d.PeerID == peerID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDrafts) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.drafts)
}

func withDrafts(d DraftStore) func(*Deps) {
	return func(deps *Deps) { deps.Drafts = d }
}

func withUploader(u Uploader) func(*Deps) {
	return func(deps *Deps) { deps.Uploader = u }
}

func storedStatus(t *testing.T, e *env, id string) v1.MessageRecord {
	t.Helper()
	rec, err := e.store.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func TestSession_SendReplacesOptimisticEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	alice, _ := e.session(t, "alice")
	mustOpen(t, alice, "bob")

	m, err := alice.Send(ctx, "hi", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !m.Durable() || m.Status != StatusSent || m.Text != "hi" || m.TempID == "" {
		t.Fatalf("unexpected confirmed message: %+v", m)
	}

	msgs := alice.Messages()
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("expected the optimistic entry replaced in place, got=%+v", msgs)
	}

	// The feed echo of our own insert may arrive any number of times.
	conv := currentConv(t, alice)
	row := storedStatus(t, e, m.ID)
	alice.onMessageChange(conv, v1.MessageChange(v1.OpInsert, row, row.CreatedAt))
	alice.onMessageChange(conv, v1.MessageChange(v1.OpInsert, row, row.CreatedAt))
	if n := len(alice.Messages()); n != 1 {
		t.Fatalf("echo must not duplicate, got=%d entries", n)
	}

	// Identical text is a different logical send.
	if _, err := alice.Send(ctx, "hi", nil); err != nil {
		t.Fatalf("send again: %v", err)
	}
	if n := len(alice.Messages()); n != 2 {
		t.Fatalf("expected 2 entries got=%d", n)
	}
}

func TestSession_SendValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	alice, _ := e.session(t, "alice")

	if _, err := alice.Send(ctx, "hi", nil); !IsValidation(err) || !errors.Is(err, ErrNoConversation) {
		t.Fatalf("send without conversation: %v", err)
	}
	if err := alice.Open(ctx, " "); !IsValidation(err) {
		t.Fatalf("open empty peer: %v", err)
	}
	mustOpen(t, alice, "bob")

	cases := []struct {
		name   string
		text   string
		upload *Upload
	}{
		{name: "empty", text: "   "},
		{name: "upload without open", upload: &Upload{Name: "x.png"}},
		{name: "upload without uploader", upload: textUpload("x.png", "data")},
	}
	for _, tc := range cases {
		if _, err := alice.Send(ctx, tc.text, tc.upload); !IsValidation(err) {
			t.Fatalf("%s: expected validation error got=%v", tc.name, err)
		}
	}
	if n := len(alice.Messages()); n != 0 {
		t.Fatalf("rejected sends must not add entries, got=%d", n)
	}
}

func TestSession_ReceiverOpenMarksDeliveredNotRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	rec := e.insertFrom(t, "alice", "bob", "are you there?")

	bob, _ := e.session(t, "bob")
	mustOpen(t, bob, "alice")
	if err := bob.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	row := storedStatus(t, e, rec.ID)
	if row.Status != v1.StatusDelivered || row.IsRead {
		t.Fatalf("open must mark delivered only, got status=%s read=%v", row.Status, row.IsRead)
	}
	m, ok := bob.Message(rec.ID)
	if !ok || m.Status != StatusDelivered || m.IsRead || m.Text != "are you there?" {
		t.Fatalf("unexpected local message: %+v ok=%v", m, ok)
	}

	if err := bob.MarkVisible(ctx, rec.ID); err != nil {
		t.Fatalf("mark visible: %v", err)
	}
	row = storedStatus(t, e, rec.ID)
	if row.Status != v1.StatusRead || !row.IsRead {
		t.Fatalf("expected read got status=%s read=%v", row.Status, row.IsRead)
	}
	if m, _ := bob.Message(rec.ID); m.Status != StatusRead || !m.IsRead {
		t.Fatalf("expected local read got=%+v", m)
	}
}

func TestSession_LiveMessageIsDeliveredToSender(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	alice, _ := e.session(t, "alice")
	bob, _ := e.session(t, "bob")
	mustOpen(t, alice, "bob")
	mustOpen(t, bob, "alice")

	sent, err := alice.Send(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	eventually(t, "bob receives and delivers", func() bool {
		m, ok := bob.Message(sent.ID)
		return ok && m.Status == StatusDelivered && m.Text == "ping"
	})
	eventually(t, "alice sees delivered", func() bool {
		m, ok := alice.Message(sent.ID)
		return ok && m.Status == StatusDelivered
	})
	if row := storedStatus(t, e, sent.ID); row.IsRead {
		t.Fatalf("delivery must not mark read")
	}
}

func TestSession_MarkVisiblePromotesSentFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	rec := e.insertFrom(t, "alice", "bob", "hello")

	backend := &statusRecorder{Backend: e.store}
	backend.holdDelivery.Store(true)
	bob, _ := e.session(t, "bob", withBackend(backend))
	mustOpen(t, bob, "alice")
	if err := bob.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if m, _ := bob.Message(rec.ID); m.Status != StatusSent {
		t.Fatalf("expected the message to stay sent, got=%s", m.Status)
	}

	backend.holdDelivery.Store(false)
	backend.reset()
	if err := bob.MarkVisible(ctx, rec.ID); err != nil {
		t.Fatalf("mark visible: %v", err)
	}

	calls := backend.calls()
	if len(calls) != 2 {
		t.Fatalf("expected two guarded writes got=%+v", calls)
	}
	if calls[0].From != v1.StatusSent || calls[0].To != v1.StatusDelivered {
		t.Fatalf("first write must promote to delivered: %+v", calls[0])
	}
	if calls[1].From != v1.StatusDelivered || calls[1].To != v1.StatusRead {
		t.Fatalf("second write must mark read: %+v", calls[1])
	}

	// A message already read needs no write.
	backend.reset()
	if err := bob.MarkVisible(ctx, rec.ID); err != nil {
		t.Fatalf("mark visible again: %v", err)
	}
	if n := len(backend.calls()); n != 0 {
		t.Fatalf("expected no writes got=%d", n)
	}
}

func TestSession_MarkVisibleRejectsOwnAndUnknown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	alice, _ := e.session(t, "alice")
	mustOpen(t, alice, "bob")

	m, err := alice.Send(ctx, "mine", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := alice.MarkVisible(ctx, m.ID); !IsValidation(err) {
		t.Fatalf("own message: expected validation error got=%v", err)
	}
	if err := alice.MarkVisible(ctx, "01NOPE"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("unknown message: got=%v", err)
	}
	if row := storedStatus(t, e, m.ID); row.Status != v1.StatusSent {
		t.Fatalf("status changed to %s", row.Status)
	}
}

func TestSession_StatusNeverRegresses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	rec := e.insertFrom(t, "alice", "bob", "hello")

	bob, _ := e.session(t, "bob")
	mustOpen(t, bob, "alice")
	if err := bob.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := bob.MarkVisible(ctx, rec.ID); err != nil {
		t.Fatalf("mark visible: %v", err)
	}

	// A stale "delivered" change arrives after the read.
	stale := storedStatus(t, e, rec.ID)
	stale.Status = v1.StatusDelivered
	stale.IsRead = false
	bob.onMessageChange(currentConv(t, bob), v1.MessageChange(v1.OpUpdate, stale, stale.CreatedAt))

	m, _ := bob.Message(rec.ID)
	if m.Status != StatusRead || !m.IsRead {
		t.Fatalf("status regressed: %+v", m)
	}
}

func TestSession_OfflineSendFailsThenRetrySucceeds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	backend := &offlineBackend{Backend: e.store}
	backend.offline.Store(true)
	drafts := newMemDrafts()
	alice, rec := e.session(t, "alice", withBackend(backend), withDrafts(drafts))
	mustOpen(t, alice, "bob")

	errc := make(chan error, 1)
	go func() {
		_, err := alice.Send(ctx, "anyone?", nil)
		errc <- err
	}()

	e.clock.WaitForTimers(1)
	msgs := alice.Messages()
	if len(msgs) != 1 || msgs[0].Status != StatusSending || msgs[0].Durable() {
		t.Fatalf("expected one sending entry got=%+v", msgs)
	}
	e.clock.Advance(DefaultSendTimeout)

	err := <-errc
	if !IsWrite(err) || !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expected write timeout got=%v", err)
	}
	msgs = alice.Messages()
	if len(msgs) != 1 || msgs[0].Status != StatusFailed {
		t.Fatalf("expected one failed entry got=%+v", msgs)
	}
	tempID := msgs[0].TempID

	restored := rec.restored()
	if len(restored) != 1 || restored[0].Text != "anyone?" || restored[0].TempID != tempID {
		t.Fatalf("expected the draft back got=%+v", restored)
	}
	if drafts.len() != 1 {
		t.Fatalf("expected a persisted draft got=%d", drafts.len())
	}

	backend.offline.Store(false)
	m, err := alice.Retry(ctx, tempID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !m.Durable() || m.TempID != tempID || m.Status != StatusSent {
		t.Fatalf("unexpected retried message: %+v", m)
	}
	if n := len(alice.Messages()); n != 1 {
		t.Fatalf("retry must not duplicate, got=%d entries", n)
	}
	rows, err := e.store.FetchHistory(ctx, v1.HistoryFetch{UserA: "alice", UserB: "bob"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row got=%d", len(rows))
	}
	if drafts.len() != 0 {
		t.Fatalf("confirmed retry must delete the draft")
	}

	if _, err := alice.Retry(ctx, tempID); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("retry of a confirmed send: got=%v", err)
	}
}

func TestSession_LateCommitReplacesFailedEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	backend := &lateAckBackend{Backend: e.store, release: make(chan struct{})}
	drafts := newMemDrafts()
	alice, rec := e.session(t, "alice", withBackend(backend), withDrafts(drafts))
	mustOpen(t, alice, "bob")

	type result struct {
		m   Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := alice.Send(ctx, "slow network", nil)
		done <- result{m, err}
	}()

	e.clock.WaitForTimers(1)
	e.clock.Advance(DefaultSendTimeout)
	eventually(t, "failed entry", func() bool { return len(rec.restored()) == 1 })
	tempID := rec.restored()[0].TempID
	if m, _ := alice.Message(tempID); m.Status != StatusFailed {
		t.Fatalf("expected failed got=%s", m.Status)
	}

	close(backend.release)
	res := <-done
	if res.err != nil {
		t.Fatalf("late commit: %v", res.err)
	}
	if !res.m.Durable() || res.m.Status != StatusSent {
		t.Fatalf("expected durable sent got=%+v", res.m)
	}
	msgs := alice.Messages()
	if len(msgs) != 1 || msgs[0].ID != res.m.ID {
		t.Fatalf("expected the failed entry replaced got=%+v", msgs)
	}
	if drafts.len() != 0 {
		t.Fatalf("draft of a committed send must be deleted")
	}
}

func TestSession_SwitchingConversationDropsLateChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	alice, _ := e.session(t, "alice")
	bobTopic := v1.ConversationTopic("alice", "bob")
	carolTopic := v1.ConversationTopic("alice", "carol")

	mustOpen(t, alice, "bob")
	old := currentConv(t, alice)
	if n := e.hub.Subscribers(bobTopic); n != 1 {
		t.Fatalf("expected one subscriber got=%d", n)
	}

	mustOpen(t, alice, "carol")
	if n := e.hub.Subscribers(bobTopic); n != 0 {
		t.Fatalf("old conversation still subscribed: %d", n)
	}
	if n := e.hub.Subscribers(carolTopic); n != 1 {
		t.Fatalf("expected carol subscribed got=%d", n)
	}
	if old.channel.State() != ChannelTornDown {
		t.Fatalf("old channel state=%s", old.channel.State())
	}

	late := e.insertFrom(t, "bob", "alice", "too late")
	alice.onMessageChange(old, v1.MessageChange(v1.OpInsert, late, late.CreatedAt))
	if _, ok := alice.Message(late.ID); ok {
		t.Fatalf("late change of the old conversation reached the new one")
	}
	if err := alice.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if row := storedStatus(t, e, late.ID); row.Status != v1.StatusSent {
		t.Fatalf("late change must not be acknowledged, status=%s", row.Status)
	}
	if alice.Peer() != "carol" {
		t.Fatalf("peer=%q", alice.Peer())
	}
}

func TestSession_ReactionsToggleAndPropagate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	alice, _ := e.session(t, "alice")
	bob, _ := e.session(t, "bob")
	mustOpen(t, alice, "bob")
	mustOpen(t, bob, "alice")

	m, err := alice.Send(ctx, "react to me", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "bob has the message", func() bool {
		_, ok := bob.Message(m.ID)
		return ok
	})
	if err := alice.WatchReactions(ctx, m.ID); err != nil {
		t.Fatalf("alice watch: %v", err)
	}
	if err := bob.WatchReactions(ctx, m.ID); err != nil {
		t.Fatalf("bob watch: %v", err)
	}

	added, err := alice.React(ctx, m.ID, "👍")
	if err != nil || !added {
		t.Fatalf("react: added=%v err=%v", added, err)
	}
	if n := countOf(alice.Reactions(m.ID), "👍"); n != 1 {
		t.Fatalf("expected 1 got=%d", n)
	}
	eventually(t, "bob sees the reaction", func() bool { return countOf(bob.Reactions(m.ID), "👍") == 1 })

	added, err = alice.React(ctx, m.ID, "👍")
	if err != nil || added {
		t.Fatalf("second react must remove: added=%v err=%v", added, err)
	}
	if n := countOf(alice.Reactions(m.ID), "👍"); n != 0 {
		t.Fatalf("expected 0 got=%d", n)
	}
	eventually(t, "bob sees the removal", func() bool { return countOf(bob.Reactions(m.ID), "👍") == 0 })

	if _, err := alice.React(ctx, "01NOPE", "👍"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("react on unknown message: %v", err)
	}

	topic := v1.ReactionTopic(m.ID)
	if n := e.hub.Subscribers(topic); n != 2 {
		t.Fatalf("expected 2 reaction subscribers got=%d", n)
	}
	mustOpen(t, bob, "carol")
	if n := e.hub.Subscribers(topic); n != 1 {
		t.Fatalf("switching must release reaction watches, got=%d", n)
	}
}

func TestSession_EditPropagatesToPeer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	alice, _ := e.session(t, "alice")
	bob, _ := e.session(t, "bob")
	mustOpen(t, alice, "bob")
	mustOpen(t, bob, "alice")

	first, err := alice.Send(ctx, "first", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	e.clock.Advance(time.Second)
	second, err := alice.Send(ctx, "secnod", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "bob has both", func() bool { return len(bob.Messages()) == 2 })

	edited, err := alice.Edit(ctx, second.ID, "second")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Text != "second" || !edited.Edited || edited.EditedAt == nil {
		t.Fatalf("unexpected edited message: %+v", edited)
	}

	eventually(t, "bob sees the edit", func() bool {
		m, ok := bob.Message(second.ID)
		return ok && m.Text == "second" && m.Edited
	})
	_, idx, _ := findMessage(bob.Messages(), second.ID)
	if idx != 1 {
		t.Fatalf("edit must keep the position, idx=%d", idx)
	}

	if _, err := bob.Edit(ctx, first.ID, "hijacked"); !IsAuthorization(err) {
		t.Fatalf("edit by the receiver: expected authorization error got=%v", err)
	}
	if m, _ := alice.Message(first.ID); m.Text != "first" || m.Edited {
		t.Fatalf("rejected edit changed the message: %+v", m)
	}
}

func TestSession_EditAffectingNoRowsIsUnauthorized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	alice, _ := e.session(t, "alice", withBackend(zeroRowEdits{Backend: e.store}))
	mustOpen(t, alice, "bob")

	m, err := alice.Send(ctx, "original", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := alice.Edit(ctx, m.ID, "changed"); !IsAuthorization(err) {
		t.Fatalf("expected authorization error got=%v", err)
	}
	if got, _ := alice.Message(m.ID); got.Text != "original" || got.Edited {
		t.Fatalf("message changed: %+v", got)
	}
}

func TestSession_UndecryptableMessageIsSurfaced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	rec, err := e.store.InsertMessage(ctx, v1.MessageInsert{
		TempID:     "tmp-foreign",
		SenderID:   "alice",
		ReceiverID: "bob",
		Ciphertext: mustSeal(t, "mallory", "bob", "sealed for someone else"),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	bob, events := e.session(t, "bob")
	mustOpen(t, bob, "alice")

	m, ok := bob.Message(rec.ID)
	if !ok {
		t.Fatalf("undecryptable message must still be listed")
	}
	if !IsDecryption(m.DecryptErr) || m.DisplayText() != UndecryptableText || m.Text != "" {
		t.Fatalf("unexpected message: %+v", m)
	}
	found := false
	for _, err := range events.failures() {
		if IsDecryption(err) {
			found = true
		}
	}
	if !found {
		t.Fatalf("decryption failure not reported: %v", events.failures())
	}
}

func TestSession_AttachmentUploadFailureCreatesNoRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	up := &fakeUploader{err: errors.New("bucket unavailable")}
	alice, rec := e.session(t, "alice", withUploader(up))
	mustOpen(t, alice, "bob")

	_, err := alice.Send(ctx, "look", textUpload("cat.png", "meow"))
	if !IsWrite(err) {
		t.Fatalf("expected write error got=%v", err)
	}
	rows, err := e.store.FetchHistory(ctx, v1.HistoryFetch{UserA: "alice", UserB: "bob"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("failed upload must not create a row, got=%d", len(rows))
	}
	if d := rec.restored(); len(d) != 1 || d[0].Text != "look" {
		t.Fatalf("expected the draft back got=%+v", d)
	}

	up.err = nil
	m, err := alice.Retry(ctx, rec.restored()[0].TempID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if m.Attachment == nil || m.Attachment.Name != "cat.png" || m.Attachment.SizeBytes != 4 {
		t.Fatalf("unexpected attachment: %+v", m.Attachment)
	}
	if up.calls.Load() != 2 {
		t.Fatalf("expected 2 upload attempts got=%d", up.calls.Load())
	}
}

func TestSession_AttachmentOnlyMessageGetsCaption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	alice, _ := e.session(t, "alice", withUploader(&fakeUploader{}))
	bob, _ := e.session(t, "bob")
	mustOpen(t, alice, "bob")
	mustOpen(t, bob, "alice")

	m, err := alice.Send(ctx, "", textUpload("cat.png", "meow"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.Text != "Sent cat.png" || m.Attachment == nil {
		t.Fatalf("unexpected message: %+v", m)
	}
	eventually(t, "bob sees the attachment", func() bool {
		got, ok := bob.Message(m.ID)
		return ok && got.Text == "Sent cat.png" && got.Attachment != nil && got.Attachment.URL == m.Attachment.URL
	})
}

func TestSession_ReconnectResyncsMissedMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	ff := &flakyFeed{inner: e.hub}
	bob, rec := e.session(t, "bob", withFeed(ff))
	mustOpen(t, bob, "alice")
	topic := v1.ConversationTopic("alice", "bob")

	ff.failures.Store(1)
	e.hub.FailAll(errors.New("broker restarted"))
	e.clock.WaitForTimers(1)

	// Published while nobody listens; only a resync can find it.
	missed := e.insertFrom(t, "alice", "bob", "while you were away")
	e.clock.Advance(time.Second)

	eventually(t, "resync picks up the gap", func() bool {
		m, ok := bob.Message(missed.ID)
		return ok && m.Text == "while you were away"
	})
	if err := bob.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if row := storedStatus(t, e, missed.ID); row.Status != v1.StatusDelivered {
		t.Fatalf("missed message must be delivered after resync, got=%s", row.Status)
	}

	want := []ChannelState{ChannelSubscribing, ChannelActive, ChannelSubscribing, ChannelSubscribing, ChannelActive}
	got := rec.states(topic)
	if len(got) != len(want) {
		t.Fatalf("states: want=%v got=%v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states: want=%v got=%v", want, got)
		}
	}
}

func TestSession_HistoryLimitHoldsAfterDeliver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	old := e.insertFrom(t, "alice", "bob", "older than the window")
	recent := e.insertFrom(t, "alice", "bob", "inside the window")

	bob, err := New("bob", Deps{
		Backend:  e.store,
		Feed:     e.hub,
		Keys:     sharedKeys(),
		Clock:    e.clock,
		Log:      testLogger(),
		Listener: &recorder{},
	}, Options{HistoryLimit: 1})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = bob.Close(context.Background()) })
	mustOpen(t, bob, "alice")
	if err := bob.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if row := storedStatus(t, e, old.ID); row.Status != v1.StatusDelivered {
		t.Fatalf("bulk deliver must still reach the older row, got=%s", row.Status)
	}

	// Changes reach bob in order, so once this one is listed the earlier updates were applied.
	marker := e.insertFrom(t, "alice", "bob", "marker")
	eventually(t, "marker listed", func() bool {
		_, ok := bob.Message(marker.ID)
		return ok
	})

	msgs := bob.Messages()
	if _, _, ok := findMessage(msgs, old.ID); ok {
		t.Fatalf("a status update must not pull in a message outside the history window")
	}
	if len(msgs) != 2 || msgs[0].ID != recent.ID {
		t.Fatalf("unexpected list %+v", msgs)
	}
}

func TestSession_DraftsSurviveRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	drafts := newMemDrafts()

	offline := &offlineBackend{Backend: e.store}
	offline.offline.Store(true)
	first, _ := e.session(t, "alice", withBackend(offline), withDrafts(drafts))
	mustOpen(t, first, "bob")

	errc := make(chan error, 1)
	go func() {
		_, err := first.Send(ctx, "before the crash", nil)
		errc <- err
	}()
	e.clock.WaitForTimers(1)
	e.clock.Advance(DefaultSendTimeout)
	if err := <-errc; !IsWrite(err) {
		t.Fatalf("expected write error got=%v", err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if drafts.len() != 1 {
		t.Fatalf("expected one persisted draft got=%d", drafts.len())
	}

	second, rec := e.session(t, "alice", withDrafts(drafts))
	mustOpen(t, second, "bob")
	restored := rec.restored()
	if len(restored) != 1 || restored[0].Text != "before the crash" {
		t.Fatalf("expected the draft restored got=%+v", restored)
	}
	m, ok := second.Message(restored[0].TempID)
	if !ok || m.Status != StatusFailed {
		t.Fatalf("expected a failed entry got=%+v ok=%v", m, ok)
	}
	if d := second.Drafts(); len(d) != 1 {
		t.Fatalf("expected one retryable draft got=%d", len(d))
	}

	sent, err := second.Retry(ctx, restored[0].TempID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !sent.Durable() || sent.TempID != restored[0].TempID {
		t.Fatalf("unexpected message: %+v", sent)
	}
	if drafts.len() != 0 {
		t.Fatalf("draft must be deleted after the retry is confirmed")
	}
}

func TestSession_AttachmentDraftRetriedAfterRestart(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		fromFile bool
	}{
		{name: "source on disk", fromFile: true},
		{name: "source gone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			e := newEnv(t)
			drafts := newMemDrafts()

			upload := textUpload("cat.png", "meow")
			if tc.fromFile {
				path := filepath.Join(t.TempDir(), "cat.png")
				if err := os.WriteFile(path, []byte("meow"), 0o600); err != nil {
					t.Fatalf("write: %v", err)
				}
				upload = &Upload{Name: "cat.png", MimeType: "image/png", Path: path}
			}

			first, _ := e.session(t, "alice", withDrafts(drafts), withUploader(&fakeUploader{err: errors.New("bucket unavailable")}))
			mustOpen(t, first, "bob")
			if _, err := first.Send(ctx, "", upload); !IsWrite(err) {
				t.Fatalf("expected write error got=%v", err)
			}
			if err := first.Close(ctx); err != nil {
				t.Fatalf("close: %v", err)
			}

			second, rec := e.session(t, "alice", withDrafts(drafts), withUploader(&fakeUploader{}))
			mustOpen(t, second, "bob")
			restored := rec.restored()
			if len(restored) != 1 || restored[0].Upload == nil || restored[0].Upload.Name != "cat.png" {
				t.Fatalf("expected the attachment draft restored got=%+v", restored)
			}
			tempID := restored[0].TempID
			if m, ok := second.Message(tempID); !ok || m.Status != StatusFailed || m.Text != "Sent cat.png" {
				t.Fatalf("unexpected restored entry %+v ok=%v", m, ok)
			}

			m, err := second.Retry(ctx, tempID)
			rows, herr := e.store.FetchHistory(ctx, v1.HistoryFetch{UserA: "alice", UserB: "bob"})
			if herr != nil {
				t.Fatalf("history: %v", herr)
			}

			if !tc.fromFile {
				if !IsValidation(err) || !errors.Is(err, ErrUploadLost) {
					t.Fatalf("expected lost upload validation error got=%v", err)
				}
				if len(rows) != 0 {
					t.Fatalf("an empty message must not be stored, got=%d rows", len(rows))
				}
				if drafts.len() != 1 || len(second.Drafts()) != 1 {
					t.Fatalf("draft must be kept for discard")
				}
				return
			}

			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if !m.Durable() || m.Attachment == nil || m.Attachment.SizeBytes != 4 || m.Text != "Sent cat.png" {
				t.Fatalf("unexpected message: %+v", m)
			}
			if len(rows) != 1 || rows[0].Attachment == nil {
				t.Fatalf("expected one stored row with the attachment got=%+v", rows)
			}
			if drafts.len() != 0 {
				t.Fatalf("draft must be deleted after the retry is confirmed")
			}
		})
	}
}

func TestSession_DiscardRemovesFailedEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	backend := &offlineBackend{Backend: e.store}
	backend.offline.Store(true)
	drafts := newMemDrafts()
	alice, _ := e.session(t, "alice", withBackend(backend), withDrafts(drafts))
	mustOpen(t, alice, "bob")

	errc := make(chan error, 1)
	go func() {
		_, err := alice.Send(ctx, "never mind", nil)
		errc <- err
	}()
	e.clock.WaitForTimers(1)
	e.clock.Advance(DefaultSendTimeout)
	<-errc

	tempID := alice.Messages()[0].TempID
	if !alice.Discard(tempID) {
		t.Fatalf("discard reported nothing removed")
	}
	if n := len(alice.Messages()); n != 0 {
		t.Fatalf("expected empty list got=%d", n)
	}
	if drafts.len() != 0 {
		t.Fatalf("discard must delete the draft")
	}
	if alice.Discard(tempID) {
		t.Fatalf("second discard must report false")
	}
}

func TestOptions_SendTimeoutIsClamped(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultSendTimeout},
		{time.Second, MinSendTimeout},
		{15 * time.Second, 15 * time.Second},
		{time.Minute, MaxSendTimeout},
	}
	for _, tc := range cases {
		if got := (Options{SendTimeout: tc.in}).normalized().SendTimeout; got != tc.want {
			t.Fatalf("SendTimeout(%s): want=%s got=%s", tc.in, tc.want, got)
		}
	}
}
