package chat

import (
	"context"
	"strings"

	"murmur/cmd/security/chatcrypto"
	v1 "murmur/shared/contracts/feed/v1"
)

// newerEdit reports whether rec carries an edit that is newer than what m shows.
// An unedited row never replaces content, and an older edit never overwrites a newer one.
func newerEdit(m *Message, rec v1.MessageRecord) bool {
	if !rec.Edited {
		return false
	}
	if m.EditedAt == nil {
		return true
	}
	return rec.EditedAt != nil && rec.EditedAt.After(*m.EditedAt)
}

// Edit replaces the text of a message the user sent. The store update is guarded by
// (id, sender); a write that affects no row is an authorization failure.
// Edits are visible to both participants.
func (s *Session) Edit(ctx context.Context, messageID, text string) (Message, error) {
	const op = "chat.Edit"
	if strings.TrimSpace(text) == "" {
		return Message{}, opError(op, ErrValidation, "empty text", nil)
	}
	conv, err := s.current()
	if err != nil {
		return Message{}, opError(op, ErrValidation, "", err)
	}

	s.mu.Lock()
	m := conv.list.get(messageID)
	var own bool
	if m != nil {
		own = m.SenderID == s.self
	}
	s.mu.Unlock()
	if m == nil {
		return Message{}, opError(op, ErrValidation, messageID, ErrUnknownMessage)
	}
	if !own {
		return Message{}, opError(op, ErrAuthorization, "only the sender may edit", nil)
	}

	sealed, err := chatcrypto.Encrypt(text, conv.key)
	if err != nil {
		return Message{}, opError(op, ErrValidation, "encrypt", err)
	}
	rows, err := s.deps.Backend.EditMessage(ctx, v1.MessageEdit{
		ID:         messageID,
		SenderID:   s.self,
		Ciphertext: v1.Ciphertext(sealed),
	})
	if err != nil {
		return Message{}, opError(op, ErrWrite, messageID, err)
	}
	if len(rows) == 0 {
		s.log.Warn("chat.edit.rejected", "peer", conv.peer, "message_id", messageID)
		return Message{}, opError(op, ErrAuthorization, "edit affected no rows", nil)
	}

	s.mergeRows(conv, rows)
	if out, ok := s.Message(messageID); ok {
		return out, nil
	}
	return s.messageFromRecord(conv, rows[0]), nil
}

// React toggles the user's emoji on a durable message of the open conversation.
// It reports whether the reaction is now held.
func (s *Session) React(ctx context.Context, messageID, emoji string) (bool, error) {
	conv, err := s.durableMessage("chat.React", messageID)
	if err != nil {
		return false, err
	}
	return conv.reactions.Toggle(ctx, messageID, emoji)
}

// WatchReactions keeps the reactions of a visible message current.
func (s *Session) WatchReactions(ctx context.Context, messageID string) error {
	conv, err := s.durableMessage("chat.WatchReactions", messageID)
	if err != nil {
		return err
	}
	return conv.reactions.Watch(ctx, messageID)
}

// UnwatchReactions releases the reaction channel of a message that left the view.
func (s *Session) UnwatchReactions(ctx context.Context, messageID string) error {
	conv, err := s.current()
	if err != nil {
		return nil
	}
	return conv.reactions.Unwatch(ctx, messageID)
}

// Reactions returns the reaction aggregate of a message in the open conversation.
func (s *Session) Reactions(messageID string) []ReactionSummary {
	conv, err := s.current()
	if err != nil {
		return nil
	}
	return conv.reactions.Summary(messageID)
}

func (s *Session) durableMessage(op, messageID string) (*conversation, error) {
	conv, err := s.current()
	if err != nil {
		return nil, opError(op, ErrValidation, "", err)
	}
	s.mu.Lock()
	m := conv.list.get(messageID)
	s.mu.Unlock()
	if m == nil {
		return nil, opError(op, ErrValidation, messageID, ErrUnknownMessage)
	}
	return conv, nil
}
