package realtime

import (
	"context"
	"errors"
	"strings"

	"murmur/cmd/internal/store"
	v1 "murmur/shared/contracts/feed/v1"
)

// MessageLookup resolves message rows. store.Store implements it.
type MessageLookup interface {
	GetMessage(ctx context.Context, id string) (v1.MessageRecord, error)
}

// Access is the authorization boundary for topics and message-scoped writes.
// A user participates in a conversation topic when they are one of its two ids, and in
// a message when they are its sender or receiver.
type Access struct {
	messages MessageLookup
}

// NewAccess constructs an Access backed by messages.
func NewAccess(messages MessageLookup) (*Access, error) {
	if messages == nil {
		return nil, errors.New("realtime: nil message lookup")
	}
	return &Access{messages: messages}, nil
}

// CanSubscribe reports whether userID may receive the changes of topic.
func (a *Access) CanSubscribe(ctx context.Context, userID, topic string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, nil
	}
	if low, high, ok := v1.ParseConversationTopic(topic); ok {
		return userID == low || userID == high, nil
	}
	if messageID, ok := v1.ParseReactionTopic(topic); ok {
		return a.Participant(ctx, userID, messageID)
	}
	return false, nil
}

// Participant reports whether userID sent or received messageID.
// An unknown message is not an error: nobody participates in it.
func (a *Access) Participant(ctx context.Context, userID, messageID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	messageID = strings.TrimSpace(messageID)
	if userID == "" || messageID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m, err := a.messages.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.SenderID == userID || m.ReceiverID == userID, nil
}
