package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"murmur/cmd/internal/clock"
	"murmur/cmd/security/chatcrypto"
	v1 "murmur/shared/contracts/feed/v1"
)

// Session is one signed-in user's chat client.
// A Session is safe for concurrent use.
type Session struct {
	self string
	deps Deps
	opts Options
	log  *slog.Logger

	queue *OptimisticQueue

	// openMu serializes Open and Close so teardown of one conversation completes
	// before the next one subscribes.
	openMu sync.Mutex

	mu     sync.Mutex
	conv   *conversation
	closed bool
}

// conversation is the runtime state of the open conversation.
type conversation struct {
	peer      string
	topic     string
	key       *chatcrypto.Key
	list      *messageList
	channel   *Channel
	reactions *ReactionAggregator
	tasks     *taskGroup
}

// New returns a Session for selfID.
func New(selfID string, deps Deps, opts Options) (*Session, error) {
	const op = "chat.New"
	selfID = strings.TrimSpace(selfID)
	if !v1.ValidUserID(selfID) {
		return nil, opError(op, ErrValidation, "invalid self id", chatcrypto.ErrMissingParticipant)
	}
	if deps.Backend == nil || deps.Feed == nil || deps.Keys == nil {
		return nil, opError(op, ErrValidation, "backend, feed and keys are required", nil)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Listener == nil {
		deps.Listener = NopListener{}
	}
	return &Session{
		self:  selfID,
		deps:  deps,
		opts:  opts.normalized(),
		log:   deps.Log.With("user", selfID),
		queue: NewOptimisticQueue(),
	}, nil
}

// Self returns the signed-in user id.
func (s *Session) Self() string { return s.self }

// Peer returns the participant of the open conversation, or "".
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return ""
	}
	return s.conv.peer
}

// current returns the open conversation.
func (s *Session) current() (*conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.conv == nil {
		return nil, ErrNoConversation
	}
	return s.conv, nil
}

// Open selects the conversation with peerID. The previous conversation is torn down
// first. On return the conversation is subscribed, its history merged, and inbound
// "sent" messages are being marked delivered.
func (s *Session) Open(ctx context.Context, peerID string) error {
	const op = "chat.Open"
	peerID = strings.TrimSpace(peerID)
	if !v1.ValidUserID(peerID) {
		return opError(op, ErrValidation, "invalid peer id", chatcrypto.ErrMissingParticipant)
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return opError(op, ErrValidation, "", ErrSessionClosed)
	}
	old := s.conv
	s.conv = nil
	s.mu.Unlock()
	if old != nil {
		s.teardown(ctx, old)
	}

	key, err := s.deps.Keys.DeriveKey(ctx, s.self, peerID)
	if err != nil {
		if errors.Is(err, chatcrypto.ErrMissingParticipant) {
			return opError(op, ErrValidation, "derive key", err)
		}
		return opError(op, ErrTransport, "derive key", err)
	}

	conv := &conversation{
		peer:  peerID,
		topic: v1.ConversationTopic(s.self, peerID),
		key:   key,
		list:  newMessageList(),
	}
	conv.tasks = newTaskGroup(s.log, s.deps.Listener.OnError)
	conv.reactions = NewReactionAggregator(ReactionConfig{
		Self:    s.self,
		Backend: s.deps.Backend,
		Feed:    s.deps.Feed,
		Clock:   s.deps.Clock,
		Log:     s.log,
		Backoff: s.opts.Backoff,
		OnChange: func(messageID string, summary []ReactionSummary) {
			if s.isCurrent(conv) {
				s.emit(Event{Kind: EventReactionsChanged, Peer: conv.peer, MessageID: messageID, Reactions: summary})
			}
		},
		OnConnection: s.deps.Listener.OnConnection,
	})
	conv.channel, err = NewChannel(ChannelConfig{
		Topic:     conv.topic,
		Feed:      s.deps.Feed,
		Clock:     s.deps.Clock,
		Log:       s.log,
		Accept:    func(c v1.Change) bool { return s.belongs(conv, c) },
		DedupeKey: insertKey,
		Deliver:   func(c v1.Change) { s.onMessageChange(conv, c) },
		OnState: func(state ChannelState, err error) {
			s.deps.Listener.OnConnection(conv.topic, state, err)
		},
		Resync:  func(ctx context.Context) error { return s.resync(ctx, conv) },
		Backoff: s.opts.Backoff,
	})
	if err != nil {
		return err
	}

	// Select before subscribing so the first changes are routed.
	s.mu.Lock()
	s.conv = conv
	s.mu.Unlock()

	if err := conv.channel.Start(ctx); err != nil {
		s.abandon(ctx, conv)
		return err
	}
	if err := s.resync(ctx, conv); err != nil {
		s.abandon(ctx, conv)
		return opError(op, ErrTransport, "load history", err)
	}
	s.restoreDrafts(ctx, conv)

	s.log.Info("chat.open", "peer", peerID, "messages", s.count(conv))
	s.emit(Event{Kind: EventConversationOpened, Peer: peerID})
	return nil
}

func (s *Session) abandon(ctx context.Context, conv *conversation) {
	s.mu.Lock()
	if s.conv == conv {
		s.conv = nil
	}
	s.mu.Unlock()
	s.teardown(ctx, conv)
}

// teardown releases every resource of conv. The caller has already deselected it.
func (s *Session) teardown(ctx context.Context, conv *conversation) {
	ctx = context.WithoutCancel(ctx)
	if err := conv.channel.Close(ctx); err != nil {
		s.log.Warn("chat.close.unsubscribe.fail", "peer", conv.peer, "err", err)
	}
	conv.reactions.UnwatchAll(ctx)
	conv.tasks.Stop()
	s.emit(Event{Kind: EventConversationClosed, Peer: conv.peer})
}

// Close tears down the open conversation and rejects further use.
func (s *Session) Close(ctx context.Context) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conv := s.conv
	s.conv = nil
	s.mu.Unlock()

	if conv != nil {
		s.teardown(ctx, conv)
	}
	return nil
}

func (s *Session) isCurrent(conv *conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv == conv
}

func (s *Session) count(conv *conversation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conv.list.len()
}

// belongs reports whether a change is a message row between self and the peer, in either direction.
func (s *Session) belongs(conv *conversation, c v1.Change) bool {
	if c.Table != v1.TableMessages || c.Message == nil {
		return false
	}
	m := c.Message
	return (m.SenderID == s.self && m.ReceiverID == conv.peer) ||
		(m.SenderID == conv.peer && m.ReceiverID == s.self)
}

func insertKey(c v1.Change) (string, bool) {
	if c.Op != v1.OpInsert || c.Message == nil {
		return "", false
	}
	return c.Message.ID, true
}

func (s *Session) decoder(conv *conversation) decodeFunc {
	return func(ct v1.Ciphertext) (string, error) {
		text, err := chatcrypto.Decrypt(chatcrypto.Sealed(ct), conv.key)
		if err != nil {
			return "", opError("chat.decrypt", ErrDecryption, "", err)
		}
		return text, nil
	}
}

// onMessageChange applies one change of the conversation topic.
func (s *Session) onMessageChange(conv *conversation, c v1.Change) {
	rec := *c.Message

	s.mu.Lock()
	// The selection is read at the moment of acting: a late change of a torn-down
	// conversation is dropped here even if its channel already delivered it.
	if s.conv != conv {
		s.mu.Unlock()
		s.log.Debug("chat.change.drop_stale", "peer", conv.peer, "op", c.Op)
		return
	}
	var (
		msg Message
		res reconcileResult
	)
	if c.Op == v1.OpInsert {
		msg, res = conv.list.reconcile(rec, s.decoder(conv))
	} else {
		msg, res = conv.list.merge(rec, s.decoder(conv))
	}
	s.mu.Unlock()

	s.afterReconcile(conv, rec, msg, res)

	if c.Op == v1.OpInsert && rec.SenderID == conv.peer && rec.ReceiverID == s.self && rec.Status == v1.StatusSent {
		s.deliverOne(conv, rec.ID)
	}
}

// afterReconcile resolves the optimistic send behind rec and reports the list change.
func (s *Session) afterReconcile(conv *conversation, rec v1.MessageRecord, msg Message, res reconcileResult) {
	if rec.SenderID == s.self && rec.TempID != "" {
		if found, drafted := s.queue.Resolve(rec.TempID); found && drafted {
			s.forgetDraft(rec.TempID)
		}
	}
	if msg.DecryptErr != nil && res != reconcileNoop {
		s.log.Warn("chat.decrypt.fail", "peer", conv.peer, "message_id", rec.ID, "err", msg.DecryptErr)
		s.deps.Listener.OnError(msg.DecryptErr)
	}
	switch res {
	case reconcileAdded:
		s.emit(Event{Kind: EventMessageAdded, Peer: conv.peer, Message: msg, MessageID: msg.Key()})
	case reconcileUpdated:
		s.emit(Event{Kind: EventMessageUpdated, Peer: conv.peer, Message: msg, MessageID: msg.Key()})
	}
}

// applyRows reconciles rows of a history fetch or an insert.
func (s *Session) applyRows(conv *conversation, rows []v1.MessageRecord) {
	s.foldRows(conv, rows, (*messageList).reconcile)
}

// mergeRows folds rows returned by an update into entries already in the list.
func (s *Session) mergeRows(conv *conversation, rows []v1.MessageRecord) {
	s.foldRows(conv, rows, (*messageList).merge)
}

func (s *Session) foldRows(conv *conversation, rows []v1.MessageRecord, fold func(*messageList, v1.MessageRecord, decodeFunc) (Message, reconcileResult)) {
	for _, rec := range rows {
		s.mu.Lock()
		if s.conv != conv {
			s.mu.Unlock()
			return
		}
		msg, res := fold(conv.list, rec, s.decoder(conv))
		s.mu.Unlock()
		s.afterReconcile(conv, rec, msg, res)
	}
}

// resync loads recent history, merges it and marks inbound messages delivered.
func (s *Session) resync(ctx context.Context, conv *conversation) error {
	rows, err := s.deps.Backend.FetchHistory(ctx, v1.HistoryFetch{
		UserA: s.self,
		UserB: conv.peer,
		Limit: s.opts.HistoryLimit,
	})
	if err != nil {
		return err
	}
	s.applyRows(conv, rows)
	s.deliverAll(conv)
	return nil
}

// deliverAll marks every "sent" message from the peer as delivered, in one guarded write.
func (s *Session) deliverAll(conv *conversation) {
	conv.tasks.Go("deliver_all", func(ctx context.Context) error {
		rows, err := s.deps.Backend.UpdateStatus(ctx, v1.StatusUpdate{
			SenderID:   conv.peer,
			ReceiverID: s.self,
			From:       v1.StatusSent,
			To:         v1.StatusDelivered,
		})
		if err != nil {
			return opError("chat.deliver", ErrWrite, conv.peer, err)
		}
		s.mergeRows(conv, rows)
		return nil
	})
}

func (s *Session) deliverOne(conv *conversation, id string) {
	conv.tasks.Go("deliver", func(ctx context.Context) error {
		rows, err := s.deps.Backend.UpdateStatus(ctx, v1.StatusUpdate{
			ID:         id,
			SenderID:   conv.peer,
			ReceiverID: s.self,
			From:       v1.StatusSent,
			To:         v1.StatusDelivered,
		})
		if err != nil {
			return opError("chat.deliver", ErrWrite, id, err)
		}
		s.mergeRows(conv, rows)
		return nil
	})
}

// MarkVisible records that an inbound message was shown to the user. A "sent" message
// is promoted to "delivered" first; delivery and read are never written together.
func (s *Session) MarkVisible(ctx context.Context, messageID string) error {
	const op = "chat.MarkVisible"
	conv, err := s.current()
	if err != nil {
		return opError(op, ErrValidation, "", err)
	}

	s.mu.Lock()
	m := conv.list.get(messageID)
	var status Status
	inbound := false
	if m != nil {
		status = m.Status
		inbound = m.SenderID == conv.peer && m.ReceiverID == s.self
	}
	s.mu.Unlock()
	if m == nil {
		return opError(op, ErrValidation, messageID, ErrUnknownMessage)
	}
	if !inbound {
		return opError(op, ErrValidation, "not an inbound message", nil)
	}

	steps := []struct{ from, to Status }{
		{StatusSent, StatusDelivered},
		{StatusDelivered, StatusRead},
	}
	for _, st := range steps {
		if rank(status) > rank(st.from) {
			continue
		}
		rows, err := s.deps.Backend.UpdateStatus(ctx, v1.StatusUpdate{
			ID:         messageID,
			SenderID:   conv.peer,
			ReceiverID: s.self,
			From:       st.from.String(),
			To:         st.to.String(),
		})
		if err != nil {
			return opError(op, ErrWrite, messageID, err)
		}
		s.mergeRows(conv, rows)
		status = st.to
	}
	return nil
}

// Messages returns a snapshot of the visible list, in display order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return nil
	}
	return s.conv.list.snapshot()
}

// Message returns one visible message by durable id or temp id.
func (s *Session) Message(key string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return Message{}, false
	}
	m := s.conv.list.get(key)
	if m == nil {
		m = s.conv.list.getTemp(key)
	}
	if m == nil {
		return Message{}, false
	}
	return *m, true
}

// Flush waits for the tracked write-backs of the open conversation and returns
// the failures collected since the previous Flush.
func (s *Session) Flush(ctx context.Context) error {
	conv, err := s.current()
	if err != nil {
		return nil
	}
	return conv.tasks.Wait(ctx)
}

func (s *Session) emit(e Event) {
	s.deps.Listener.OnChange(e)
}
