package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"murmur/cmd/identity/ids"
	v1 "murmur/shared/contracts/feed/v1"
)

const memMaxMessages = 100_000

// InMemoryStore is a dev-only fallback when DB is not configured.
// It holds the same guards as PostgresStore:
//   - InsertMessage: idempotent per (sender_id, temp_id)
//   - UpdateStatus / EditMessage: guarded single-row or bulk updates
//   - reactions: unique per (message_id, user_id, emoji)
type InMemoryStore struct {
	opts options
	now  func() time.Time

	mu        sync.Mutex
	messages  map[string]*v1.MessageRecord // id -> row
	byTemp    map[string]string            // sender_id + "\x00" + temp_id -> id
	order     []string                     // ids in insertion order
	reactions map[reactionKey]v1.ReactionRecord
}

type reactionKey struct {
	messageID string
	userID    string
	emoji     string
}

func keyOf(r v1.ReactionRecord) reactionKey {
	return reactionKey{messageID: r.MessageID, userID: r.UserID, emoji: r.Emoji}
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore(opts ...Option) (*InMemoryStore, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &InMemoryStore{
		opts:      o,
		now:       func() time.Time { return time.Now().UTC() },
		messages:  make(map[string]*v1.MessageRecord),
		byTemp:    make(map[string]string),
		order:     make([]string, 0, 256),
		reactions: make(map[reactionKey]v1.ReactionRecord),
	}, nil
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// InsertMessage persists a message row with status "sent".
func (s *InMemoryStore) InsertMessage(ctx context.Context, in v1.MessageInsert) (v1.MessageRecord, error) {
	if err := validateInsert(in); err != nil {
		return v1.MessageRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return v1.MessageRecord{}, err
	}

	s.mu.Lock()
	tempKey := in.SenderID + "\x00" + in.TempID
	if id, ok := s.byTemp[tempKey]; ok {
		existing := cloneRecord(*s.messages[id])
		s.mu.Unlock()
		if existing.ReceiverID != in.ReceiverID {
			return v1.MessageRecord{}, fmt.Errorf("store.InsertMessage: %w: temp_id reused for another receiver", ErrConflict)
		}
		return existing, nil
	}

	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		s.mu.Unlock()
		return v1.MessageRecord{}, err
	}
	row := &v1.MessageRecord{
		ID:         id,
		TempID:     in.TempID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Ciphertext: in.Ciphertext,
		Attachment: in.Attachment,
		Status:     v1.StatusSent,
		CreatedAt:  now,
	}
	*row = cloneRecord(*row)
	s.messages[id] = row
	s.byTemp[tempKey] = id
	s.order = append(s.order, id)
	s.evictLocked()
	out := cloneRecord(*row)
	s.mu.Unlock()

	s.opts.publish(ctx, v1.MessageChange(v1.OpInsert, out, now))
	return out, nil
}

// evictLocked bounds memory to avoid unbounded growth in dev.
func (s *InMemoryStore) evictLocked() {
	if len(s.order) <= memMaxMessages {
		return
	}
	drop := s.order[:len(s.order)-memMaxMessages]
	for _, id := range drop {
		if m := s.messages[id]; m != nil {
			delete(s.byTemp, m.SenderID+"\x00"+m.TempID)
		}
		delete(s.messages, id)
	}
	for k := range s.reactions {
		if _, ok := s.messages[k.messageID]; !ok {
			delete(s.reactions, k)
		}
	}
	s.order = slices.Clone(s.order[len(drop):])
}

// UpdateStatus applies a guarded status transition and returns the updated rows.
func (s *InMemoryStore) UpdateStatus(ctx context.Context, in v1.StatusUpdate) ([]v1.MessageRecord, error) {
	if err := validateStatus(in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	match := func(m *v1.MessageRecord) bool {
		if m.ReceiverID != in.ReceiverID || m.Status != in.From {
			return false
		}
		return in.SenderID == "" || m.SenderID == in.SenderID
	}

	s.mu.Lock()
	var targets []*v1.MessageRecord
	if in.ID != "" {
		if m, ok := s.messages[in.ID]; ok && match(m) {
			targets = append(targets, m)
		}
	} else {
		for _, id := range s.order {
			if m := s.messages[id]; m != nil && match(m) {
				targets = append(targets, m)
			}
		}
	}
	now := s.now()
	out := make([]v1.MessageRecord, 0, len(targets))
	for _, m := range targets {
		m.Status = in.To
		if in.To == v1.StatusRead {
			m.IsRead = true
		}
		out = append(out, cloneRecord(*m))
	}
	s.mu.Unlock()

	for _, m := range out {
		s.opts.publish(ctx, v1.MessageChange(v1.OpUpdate, m, now))
	}
	return out, nil
}

// EditMessage replaces the ciphertext of a message sent by in.SenderID.
func (s *InMemoryStore) EditMessage(ctx context.Context, in v1.MessageEdit) ([]v1.MessageRecord, error) {
	if err := validateEdit(in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	m, ok := s.messages[in.ID]
	if !ok || m.SenderID != in.SenderID {
		s.mu.Unlock()
		return nil, nil
	}
	now := s.now()
	m.Ciphertext = v1.Ciphertext{IV: slices.Clone(in.Ciphertext.IV), Content: slices.Clone(in.Ciphertext.Content)}
	m.Edited = true
	m.EditedAt = &now
	out := cloneRecord(*m)
	s.mu.Unlock()

	s.opts.publish(ctx, v1.MessageChange(v1.OpUpdate, out, now))
	return []v1.MessageRecord{out}, nil
}

// GetMessage returns one message row.
func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (v1.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return v1.MessageRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return v1.MessageRecord{}, fmt.Errorf("store.GetMessage: %w", ErrNotFound)
	}
	return cloneRecord(*m), nil
}

// FetchHistory returns the most recent messages between two users, oldest first.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in v1.HistoryFetch) ([]v1.MessageRecord, error) {
	if !v1.ValidUserID(in.UserA) || !v1.ValidUserID(in.UserB) {
		return nil, invalid("FetchHistory", "invalid participant id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := historyLimit(in.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]v1.MessageRecord, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[s.order[i]]
		if m == nil {
			continue
		}
		if (m.SenderID == in.UserA && m.ReceiverID == in.UserB) || (m.SenderID == in.UserB && m.ReceiverID == in.UserA) {
			out = append(out, cloneRecord(*m))
		}
	}
	slices.Reverse(out)
	return out, nil
}

// InsertReaction adds a reaction. An existing identical reaction is returned unchanged.
func (s *InMemoryStore) InsertReaction(ctx context.Context, r v1.ReactionRecord) (v1.ReactionRecord, error) {
	if err := validateReaction(r); err != nil {
		return v1.ReactionRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return v1.ReactionRecord{}, err
	}

	s.mu.Lock()
	if _, ok := s.messages[r.MessageID]; !ok {
		s.mu.Unlock()
		return v1.ReactionRecord{}, fmt.Errorf("store.InsertReaction: %w: message %s", ErrNotFound, r.MessageID)
	}
	k := keyOf(r)
	if existing, ok := s.reactions[k]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	r.CreatedAt = s.now()
	s.reactions[k] = r
	s.mu.Unlock()

	s.opts.publish(ctx, v1.ReactionChange(v1.OpInsert, r, r.CreatedAt))
	return r, nil
}

// DeleteReaction removes a reaction and reports how many rows were removed (0 or 1).
func (s *InMemoryStore) DeleteReaction(ctx context.Context, r v1.ReactionRecord) (int64, error) {
	if err := validateReaction(r); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	k := keyOf(r)
	existing, ok := s.reactions[k]
	if ok {
		delete(s.reactions, k)
	}
	now := s.now()
	s.mu.Unlock()

	if !ok {
		return 0, nil
	}
	s.opts.publish(ctx, v1.ReactionChange(v1.OpDelete, existing, now))
	return 1, nil
}

// FetchReactions returns every reaction of a message ordered by creation time.
func (s *InMemoryStore) FetchReactions(ctx context.Context, messageID string) ([]v1.ReactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]v1.ReactionRecord, 0, 8)
	for k, r := range s.reactions {
		if k.messageID == messageID {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, compareReactions)
	return out, nil
}

func compareReactions(a, b v1.ReactionRecord) int {
	return cmp.Or(
		a.CreatedAt.Compare(b.CreatedAt),
		strings.Compare(a.UserID, b.UserID),
		strings.Compare(a.Emoji, b.Emoji),
	)
}
