// Package store persists murmur messages and reactions and publishes every committed change to the feed.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"murmur/cmd/internal/feed"
	v1 "murmur/shared/contracts/feed/v1"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire error codes).
var (
	ErrInvalidInput      = errors.New("invalid_input")
	ErrNotFound          = errors.New("not_found")
	ErrConflict          = errors.New("conflict")
	ErrIllegalTransition = errors.New("illegal_transition")
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	ivBytes            = 12
	maxCiphertextBytes = 32 << 10
	maxEmojiBytes      = 32
)

// Store persists and queries messages and reactions.
//
// Requirements:
//   - InsertMessage is idempotent per (sender_id, temp_id); a duplicate returns the existing row.
//   - UpdateStatus only moves sent->delivered and delivered->read, guarded by the current status.
//   - EditMessage is guarded by (id, sender_id); zero returned rows means the edit was not applied.
//   - Every committed change is published once, after commit.
type Store interface {
	InsertMessage(ctx context.Context, in v1.MessageInsert) (v1.MessageRecord, error)
	UpdateStatus(ctx context.Context, in v1.StatusUpdate) ([]v1.MessageRecord, error)
	EditMessage(ctx context.Context, in v1.MessageEdit) ([]v1.MessageRecord, error)
	GetMessage(ctx context.Context, id string) (v1.MessageRecord, error)
	FetchHistory(ctx context.Context, in v1.HistoryFetch) ([]v1.MessageRecord, error)
	InsertReaction(ctx context.Context, r v1.ReactionRecord) (v1.ReactionRecord, error)
	DeleteReaction(ctx context.Context, r v1.ReactionRecord) (int64, error)
	FetchReactions(ctx context.Context, messageID string) ([]v1.ReactionRecord, error)
	Close() error
}

// Option configures a store implementation.
type Option func(*options) error

type options struct {
	pub    feed.Publisher
	log    *slog.Logger
	schema string
}

func defaultOptions() options {
	return options{log: slog.Default(), schema: "murmur"}
}

func applyOptions(opts []Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	return o, nil
}

// WithPublisher sets where committed changes are published. Without it nothing is published.
func WithPublisher(p feed.Publisher) Option {
	return func(o *options) error {
		o.pub = p
		return nil
	}
}

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) error {
		if log != nil {
			o.log = log
		}
		return nil
	}
}

// WithSchema sets the DB schema used by PostgresStore (default: "murmur").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) Option {
	return func(o *options) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		o.schema = schema
		return nil
	}
}

func (o options) publish(ctx context.Context, changes ...v1.Change) {
	if o.pub == nil {
		return
	}
	for _, c := range changes {
		if err := o.pub.Publish(ctx, c); err != nil {
			// The write is committed; subscribers recover on their next resync.
			o.log.Warn("store.publish.fail", "topic", c.Topic, "op", c.Op, "table", c.Table, "err", err)
		}
	}
}

// ---- validation ----

func invalid(op, msg string) error {
	return fmt.Errorf("store.%s: %w: %s", op, ErrInvalidInput, msg)
}

func validateInsert(in v1.MessageInsert) error {
	const op = "InsertMessage"
	if strings.TrimSpace(in.TempID) == "" {
		return invalid(op, "missing temp_id")
	}
	if !v1.ValidUserID(in.SenderID) || !v1.ValidUserID(in.ReceiverID) {
		return invalid(op, "invalid participant id")
	}
	if err := validateCiphertext(op, in.Ciphertext); err != nil {
		return err
	}
	if a := in.Attachment; a != nil {
		if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.Name) == "" || a.SizeBytes < 0 {
			return invalid(op, "invalid attachment")
		}
	}
	return nil
}

func validateCiphertext(op string, c v1.Ciphertext) error {
	if len(c.IV) != ivBytes {
		return invalid(op, "iv must be 12 bytes")
	}
	if len(c.Content) == 0 || len(c.Content) > maxCiphertextBytes {
		return invalid(op, "content size out of range")
	}
	return nil
}

func validateStatus(in v1.StatusUpdate) error {
	const op = "UpdateStatus"
	if !v1.ValidUserID(in.ReceiverID) {
		return invalid(op, "invalid receiver_id")
	}
	if in.ID == "" && !v1.ValidUserID(in.SenderID) {
		return invalid(op, "bulk update requires sender_id")
	}
	switch {
	case in.From == v1.StatusSent && in.To == v1.StatusDelivered:
	case in.From == v1.StatusDelivered && in.To == v1.StatusRead:
	default:
		return fmt.Errorf("store.%s: %w: %s -> %s", op, ErrIllegalTransition, in.From, in.To)
	}
	return nil
}

func validateEdit(in v1.MessageEdit) error {
	const op = "EditMessage"
	if strings.TrimSpace(in.ID) == "" || !v1.ValidUserID(in.SenderID) {
		return invalid(op, "missing id or sender_id")
	}
	return validateCiphertext(op, in.Ciphertext)
}

func validateReaction(r v1.ReactionRecord) error {
	const op = "Reaction"
	if strings.TrimSpace(r.MessageID) == "" || !v1.ValidUserID(r.UserID) {
		return invalid(op, "missing message_id or user_id")
	}
	if r.Emoji == "" || len(r.Emoji) > maxEmojiBytes || !utf8.ValidString(r.Emoji) {
		return invalid(op, "invalid emoji")
	}
	return nil
}

func historyLimit(n int) int {
	if n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}

func cloneRecord(m v1.MessageRecord) v1.MessageRecord {
	out := m
	out.Ciphertext = v1.Ciphertext{IV: bytes.Clone(m.Ciphertext.IV), Content: bytes.Clone(m.Ciphertext.Content)}
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return out
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
