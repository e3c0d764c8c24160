// Package chat is the murmur client core: the message lifecycle of one open 1:1
// conversation, kept in sync with the store through the feed.
//
// A Session owns at most one open conversation. Opening another one tears the previous
// one down first (its message channel, reaction watches and pending write-backs), so no
// change of the old conversation can reach the new one.
//
// Message bodies are sealed with the conversation key before they leave the session and
// opened when rows come back; the Backend and Feed only ever see ciphertext.
package chat

import (
	"context"
	"io"
	"log/slog"
	"time"

	"murmur/cmd/internal/clock"
	"murmur/cmd/internal/feed"
	"murmur/cmd/security/chatcrypto"
	v1 "murmur/shared/contracts/feed/v1"
)

// Backend is the durable store as seen by a client.
type Backend interface {
	ReactionBackend
	InsertMessage(ctx context.Context, in v1.MessageInsert) (v1.MessageRecord, error)
	UpdateStatus(ctx context.Context, in v1.StatusUpdate) ([]v1.MessageRecord, error)
	EditMessage(ctx context.Context, in v1.MessageEdit) ([]v1.MessageRecord, error)
	FetchHistory(ctx context.Context, in v1.HistoryFetch) ([]v1.MessageRecord, error)
}

// KeyDeriver derives conversation keys. *chatcrypto.Deriver implements it.
type KeyDeriver interface {
	DeriveKey(ctx context.Context, a, b string) (*chatcrypto.Key, error)
}

// Uploader stores an attachment and returns its public metadata.
type Uploader interface {
	Upload(ctx context.Context, owner, name, mimeType string, r io.Reader) (v1.Attachment, error)
}

// DraftStore persists the drafts of failed sends across restarts.
type DraftStore interface {
	SaveDraft(ctx context.Context, d Draft) error
	DeleteDraft(ctx context.Context, tempID string) error
	ListDrafts(ctx context.Context, peerID string) ([]Draft, error)
}

// EventKind names what changed in the open conversation.
type EventKind uint8

const (
	EventMessageAdded EventKind = iota + 1
	EventMessageUpdated
	EventMessageRemoved
	EventReactionsChanged
	EventConversationOpened
	EventConversationClosed
)

func (k EventKind) String() string {
	switch k {
	case EventMessageAdded:
		return "message_added"
	case EventMessageUpdated:
		return "message_updated"
	case EventMessageRemoved:
		return "message_removed"
	case EventReactionsChanged:
		return "reactions_changed"
	case EventConversationOpened:
		return "conversation_opened"
	case EventConversationClosed:
		return "conversation_closed"
	default:
		return "unknown"
	}
}

// Event describes one change of the visible state.
type Event struct {
	Kind      EventKind
	Peer      string
	Message   Message
	MessageID string
	Reactions []ReactionSummary
}

// Listener observes a Session. Callbacks run on session goroutines, never under the
// session lock, and must not block for long.
type Listener interface {
	OnChange(e Event)
	// OnDraftRestored hands back the input of a send that failed.
	OnDraftRestored(d Draft)
	OnError(err error)
	// OnConnection reports subscription state; err is set while reconnecting.
	OnConnection(topic string, state ChannelState, err error)
}

// NopListener ignores every callback.
type NopListener struct{}

func (NopListener) OnChange(Event)                           {}
func (NopListener) OnDraftRestored(Draft)                    {}
func (NopListener) OnError(error)                            {}
func (NopListener) OnConnection(string, ChannelState, error) {}

// Deps are the collaborators of a Session. Backend, Feed and Keys are required.
type Deps struct {
	Backend  Backend
	Feed     feed.Subscriber
	Keys     KeyDeriver
	Uploader Uploader
	Drafts   DraftStore
	Clock    clock.Clock
	Log      *slog.Logger
	Listener Listener
}

const (
	DefaultSendTimeout  = 20 * time.Second
	MinSendTimeout      = 10 * time.Second
	MaxSendTimeout      = 30 * time.Second
	DefaultHistoryLimit = 200
)

// Options tune a Session. Zero values select defaults.
type Options struct {
	// SendTimeout fails a send that was not confirmed in time. Clamped to [10s, 30s].
	SendTimeout  time.Duration
	HistoryLimit int
	Backoff      []time.Duration
}

func (o Options) normalized() Options {
	switch {
	case o.SendTimeout <= 0:
		o.SendTimeout = DefaultSendTimeout
	case o.SendTimeout < MinSendTimeout:
		o.SendTimeout = MinSendTimeout
	case o.SendTimeout > MaxSendTimeout:
		o.SendTimeout = MaxSendTimeout
	}
	if o.HistoryLimit <= 0 || o.HistoryLimit > DefaultHistoryLimit {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if len(o.Backoff) == 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}
