package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message statuses as persisted. "sending" and "failed" never reach the store.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Change operations.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Change tables.
const (
	TableMessages  = "messages"
	TableReactions = "message_reactions"
)

const (
	topicConversationPrefix = "conversation:"
	topicReactionsPrefix    = "reactions:"
)

// Ciphertext is an AEAD output: a 12-byte nonce and the sealed content (ciphertext||tag).
type Ciphertext struct {
	IV      []byte `json:"iv"`
	Content []byte `json:"content"`
}

// Attachment describes an uploaded object.
type Attachment struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum,omitempty"`
}

// MessageRecord is the full message row.
type MessageRecord struct {
	ID         string      `json:"id"`
	TempID     string      `json:"temp_id,omitempty"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id"`
	Ciphertext Ciphertext  `json:"ciphertext"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Status     string      `json:"status"`
	IsRead     bool        `json:"is_read"`
	Edited     bool        `json:"edited"`
	EditedAt   *time.Time  `json:"edited_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ReactionRecord is the full reaction row. Identity is (MessageID, UserID, Emoji).
type ReactionRecord struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Change is one row-level change notification.
type Change struct {
	Topic    string          `json:"topic"`
	Op       string          `json:"op"`
	Table    string          `json:"table"`
	Message  *MessageRecord  `json:"message,omitempty"`
	Reaction *ReactionRecord `json:"reaction,omitempty"`
	TS       time.Time       `json:"ts"`
}

// Validate checks that op, table and record agree.
func (c Change) Validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("missing field: topic")
	}
	switch c.Table {
	case TableMessages:
		if c.Message == nil {
			return errors.New("messages change without message record")
		}
		if c.Op != OpInsert && c.Op != OpUpdate {
			return fmt.Errorf("unsupported op for messages: %q", c.Op)
		}
	case TableReactions:
		if c.Reaction == nil {
			return errors.New("reactions change without reaction record")
		}
		if c.Op != OpInsert && c.Op != OpDelete {
			return fmt.Errorf("unsupported op for reactions: %q", c.Op)
		}
	default:
		return fmt.Errorf("unknown table: %q", c.Table)
	}
	return nil
}

// MessageChange builds the change for a message row on its conversation topic.
func MessageChange(op string, m MessageRecord, ts time.Time) Change {
	rec := m
	return Change{
		Topic:   ConversationTopic(m.SenderID, m.ReceiverID),
		Op:      op,
		Table:   TableMessages,
		Message: &rec,
		TS:      ts,
	}
}

// ReactionChange builds the change for a reaction row on its message topic.
func ReactionChange(op string, r ReactionRecord, ts time.Time) Change {
	rec := r
	return Change{
		Topic:    ReactionTopic(r.MessageID),
		Op:       op,
		Table:    TableReactions,
		Reaction: &rec,
		TS:       ts,
	}
}

// ConversationTopic returns the topic for the unordered pair (a, b).
func ConversationTopic(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return topicConversationPrefix + a + ":" + b
}

// ReactionTopic returns the topic carrying reaction changes of one message.
func ReactionTopic(messageID string) string {
	return topicReactionsPrefix + messageID
}

// ParseConversationTopic returns the sorted pair of a conversation topic.
func ParseConversationTopic(topic string) (low, high string, ok bool) {
	rest, found := strings.CutPrefix(topic, topicConversationPrefix)
	if !found {
		return "", "", false
	}
	low, high, found = strings.Cut(rest, ":")
	if !found || low == "" || high == "" || strings.Contains(high, ":") || high < low {
		return "", "", false
	}
	return low, high, true
}

// ParseReactionTopic returns the message id of a reaction topic.
func ParseReactionTopic(topic string) (messageID string, ok bool) {
	id, found := strings.CutPrefix(topic, topicReactionsPrefix)
	if !found || id == "" {
		return "", false
	}
	return id, true
}

// MaxUserIDLen bounds user ids accepted on the wire.
const MaxUserIDLen = 128

// ValidUserID reports whether id can be embedded in a topic.
func ValidUserID(id string) bool {
	if id == "" || len(id) > MaxUserIDLen {
		return false
	}
	return !strings.ContainsAny(id, ": \t\r\n")
}
