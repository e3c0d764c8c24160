package chat

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"murmur/cmd/security/chatcrypto"
	v1 "murmur/shared/contracts/feed/v1"
)

const draftWriteTimeout = 5 * time.Second

// Send appends an optimistic "sending" message and writes it to the store.
// On success the entry is replaced in place by the durable row. On failure or timeout the
// entry becomes "failed", the draft is handed back through Listener.OnDraftRestored and the
// send can be retried under the same temp id.
func (s *Session) Send(ctx context.Context, text string, upload *Upload) (Message, error) {
	const op = "chat.Send"
	if strings.TrimSpace(text) == "" && upload == nil {
		return Message{}, opError(op, ErrValidation, "empty message", nil)
	}
	if upload != nil && ((upload.Open == nil && strings.TrimSpace(upload.Path) == "") || strings.TrimSpace(upload.Name) == "") {
		return Message{}, opError(op, ErrValidation, "invalid upload", nil)
	}
	if upload != nil && s.deps.Uploader == nil {
		return Message{}, opError(op, ErrValidation, "attachments are not configured", nil)
	}
	conv, err := s.current()
	if err != nil {
		return Message{}, opError(op, ErrValidation, "", err)
	}

	tempID := s.queue.Begin(conv.peer, text, upload)
	pending := Message{
		TempID:     tempID,
		SenderID:   s.self,
		ReceiverID: conv.peer,
		Text:       bodyText(text, upload, nil),
		Status:     StatusSending,
		CreatedAt:  s.deps.Clock.Now(),
	}

	s.mu.Lock()
	if s.conv != conv {
		s.mu.Unlock()
		s.queue.Discard(tempID)
		return Message{}, opError(op, ErrValidation, "conversation changed", ErrNoConversation)
	}
	conv.list.appendPending(pending)
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessageAdded, Peer: conv.peer, Message: pending, MessageID: tempID})

	return s.dispatch(ctx, conv, tempID)
}

// Retry resends a failed message under its original temp id. The store deduplicates
// by (sender, temp id), so a retry of a send that did reach the store yields that row.
func (s *Session) Retry(ctx context.Context, tempID string) (Message, error) {
	const op = "chat.Retry"
	conv, err := s.current()
	if err != nil {
		return Message{}, opError(op, ErrValidation, "", err)
	}
	p, ok := s.queue.Get(tempID)
	if !ok {
		return Message{}, opError(op, ErrValidation, tempID, ErrUnknownMessage)
	}
	if p.peerID != conv.peer {
		return Message{}, opError(op, ErrValidation, "draft belongs to another conversation", nil)
	}
	if _, err := s.queue.Retry(tempID); err != nil {
		return Message{}, err
	}

	// failed is terminal: the retry is a new "sending" entry for the same logical send.
	entry := Message{
		TempID:     tempID,
		SenderID:   s.self,
		ReceiverID: conv.peer,
		Text:       bodyText(p.text, p.upload, p.attachment),
		Attachment: p.attachment,
		Status:     StatusSending,
		CreatedAt:  s.deps.Clock.Now(),
	}
	s.mu.Lock()
	if s.conv != conv {
		s.mu.Unlock()
		return Message{}, opError(op, ErrValidation, "conversation changed", ErrNoConversation)
	}
	if m := conv.list.getTemp(tempID); m != nil && m.Durable() {
		out := *m
		s.mu.Unlock()
		if _, drafted := s.queue.Resolve(tempID); drafted {
			s.forgetDraft(tempID)
		}
		return out, nil
	}
	conv.list.remove(tempID)
	conv.list.appendPending(entry)
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessageUpdated, Peer: conv.peer, Message: entry, MessageID: tempID})

	return s.dispatch(ctx, conv, tempID)
}

// Discard drops a failed or pending send and its draft.
func (s *Session) Discard(tempID string) bool {
	found := s.queue.Discard(tempID)

	s.mu.Lock()
	removed := false
	var peer string
	if s.conv != nil {
		if m := s.conv.list.getTemp(tempID); m != nil && !m.Durable() {
			removed = s.conv.list.remove(tempID)
			peer = s.conv.peer
		}
	}
	s.mu.Unlock()

	if removed {
		s.emit(Event{Kind: EventMessageRemoved, Peer: peer, MessageID: tempID})
	}
	if found || removed {
		s.forgetDraft(tempID)
	}
	return found || removed
}

// dispatch runs one attempt of a send: upload if needed, encrypt, insert.
func (s *Session) dispatch(ctx context.Context, conv *conversation, tempID string) (Message, error) {
	const op = "chat.Send"

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	timer := s.deps.Clock.AfterFunc(s.opts.SendTimeout, func() {
		timedOut.Store(true)
		s.failSend(conv, tempID, opError(op, ErrWrite, tempID, ErrSendTimeout))
	})
	if !s.queue.Arm(tempID, cancel, timer) {
		timer.Stop()
		return s.settled(conv, tempID, op)
	}

	fail := func(kind error, msg string, cause error) (Message, error) {
		if timedOut.Load() {
			cause = errors.Join(ErrSendTimeout, cause)
		}
		err := opError(op, kind, msg, cause)
		s.failSend(conv, tempID, err)
		if m, ok := s.confirmed(conv, tempID); ok {
			return m, nil
		}
		return Message{}, err
	}

	p, ok := s.queue.Get(tempID)
	if !ok {
		return s.settled(conv, tempID, op)
	}

	if !p.sendable() {
		return fail(ErrValidation, "empty message", ErrUploadLost)
	}

	attachment := p.attachment
	if p.upload != nil && attachment == nil {
		a, err := s.upload(writeCtx, p.upload)
		if err != nil {
			return fail(ErrWrite, "upload", err)
		}
		s.queue.SetAttachment(tempID, a)
		attachment = &a
	}

	sealed, err := chatcrypto.Encrypt(bodyText(p.text, p.upload, attachment), conv.key)
	if err != nil {
		return fail(ErrValidation, "encrypt", err)
	}

	rec, err := s.deps.Backend.InsertMessage(writeCtx, v1.MessageInsert{
		TempID:     tempID,
		SenderID:   s.self,
		ReceiverID: conv.peer,
		Ciphertext: v1.Ciphertext(sealed),
		Attachment: attachment,
	})
	if err != nil {
		// The echo may have confirmed the send and cancelled this attempt.
		if m, ok := s.confirmed(conv, tempID); ok {
			return m, nil
		}
		s.log.Warn("chat.send.fail", "peer", conv.peer, "temp_id", tempID, "err", err)
		return fail(ErrWrite, "insert", err)
	}

	s.applyRows(conv, []v1.MessageRecord{rec})
	s.log.Debug("chat.send.ok", "peer", conv.peer, "temp_id", tempID, "id", rec.ID)
	if m, ok := s.confirmed(conv, tempID); ok {
		return m, nil
	}
	return s.messageFromRecord(conv, rec), nil
}

// settled reports the outcome of a send whose queue entry is already gone.
func (s *Session) settled(conv *conversation, tempID, op string) (Message, error) {
	if m, ok := s.confirmed(conv, tempID); ok {
		return m, nil
	}
	return Message{}, opError(op, ErrWrite, tempID, ErrUnknownMessage)
}

// confirmed returns the durable entry for tempID if the store already confirmed it.
func (s *Session) confirmed(conv *conversation, tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv != conv {
		return Message{}, false
	}
	m := conv.list.getTemp(tempID)
	if m == nil || !m.Durable() {
		return Message{}, false
	}
	return *m, true
}

func (s *Session) messageFromRecord(conv *conversation, rec v1.MessageRecord) Message {
	l := newMessageList()
	m, _ := l.reconcile(rec, s.decoder(conv))
	return m
}

// failSend marks the attempt failed once and hands the draft back.
func (s *Session) failSend(conv *conversation, tempID string, cause error) {
	d, ok := s.queue.Fail(tempID, s.deps.Clock.Now())
	if !ok {
		return
	}

	s.mu.Lock()
	var (
		msg     Message
		changed bool
	)
	if s.conv == conv {
		if m := conv.list.getTemp(tempID); m != nil && !m.Durable() {
			if next, err := Transition(m.Status, StatusFailed); err == nil {
				m.Status = next
				msg, changed = *m, true
			}
		}
	}
	s.mu.Unlock()

	s.log.Warn("chat.send.failed", "peer", d.PeerID, "temp_id", tempID, "attempts", d.Attempts, "err", cause)
	if changed {
		s.emit(Event{Kind: EventMessageUpdated, Peer: conv.peer, Message: msg, MessageID: tempID})
	}
	s.saveDraft(d)
	s.deps.Listener.OnDraftRestored(d)
	s.deps.Listener.OnError(cause)
}

func (s *Session) upload(ctx context.Context, u *Upload) (v1.Attachment, error) {
	r, err := u.open()
	if err != nil {
		return v1.Attachment{}, err
	}
	defer r.Close()
	return s.deps.Uploader.Upload(ctx, s.self, u.Name, u.MimeType, r)
}

// bodyText is the plaintext that gets sealed. An attachment without text gets a caption.
func bodyText(text string, u *Upload, a *v1.Attachment) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	switch {
	case a != nil:
		return "Sent " + a.Name
	case u != nil:
		return "Sent " + u.Name
	default:
		return text
	}
}

// restoreDrafts re-adds persisted failed sends of this conversation as failed entries.
func (s *Session) restoreDrafts(ctx context.Context, conv *conversation) {
	if s.deps.Drafts == nil {
		return
	}
	drafts, err := s.deps.Drafts.ListDrafts(ctx, conv.peer)
	if err != nil {
		s.log.Warn("chat.drafts.list.fail", "peer", conv.peer, "err", err)
		return
	}
	for _, d := range drafts {
		s.mu.Lock()
		if s.conv != conv {
			s.mu.Unlock()
			return
		}
		if m := conv.list.getTemp(d.TempID); m != nil {
			// Already durable or already tracked by this session.
			s.mu.Unlock()
			if m.Durable() {
				s.forgetDraft(d.TempID)
			}
			continue
		}
		s.queue.Restore(d)
		var shown *Upload
		if d.Upload != nil {
			shown = &Upload{Name: d.Upload.Name}
		}
		entry := Message{
			TempID:     d.TempID,
			SenderID:   s.self,
			ReceiverID: conv.peer,
			Text:       bodyText(d.Text, shown, d.Attachment),
			Attachment: d.Attachment,
			Status:     StatusFailed,
			CreatedAt:  d.UpdatedAt,
		}
		conv.list.appendPending(entry)
		s.mu.Unlock()

		s.emit(Event{Kind: EventMessageAdded, Peer: conv.peer, Message: entry, MessageID: d.TempID})
		s.deps.Listener.OnDraftRestored(d)
	}
}

func (s *Session) saveDraft(d Draft) {
	if s.deps.Drafts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), draftWriteTimeout)
	defer cancel()
	if err := s.deps.Drafts.SaveDraft(ctx, d); err != nil {
		s.log.Warn("chat.drafts.save.fail", "temp_id", d.TempID, "err", err)
	}
}

func (s *Session) forgetDraft(tempID string) {
	if s.deps.Drafts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), draftWriteTimeout)
	defer cancel()
	if err := s.deps.Drafts.DeleteDraft(ctx, tempID); err != nil {
		s.log.Warn("chat.drafts.delete.fail", "temp_id", tempID, "err", err)
	}
}

// Drafts lists failed sends addressed to the peer of the open conversation.
func (s *Session) Drafts() []Draft {
	conv, err := s.current()
	if err != nil {
		return nil
	}
	return s.queue.Failed(conv.peer, s.deps.Clock.Now())
}
