package chat

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"murmur/cmd/internal/clock"
	"murmur/cmd/internal/feed"
	v1 "murmur/shared/contracts/feed/v1"
)

// ReactionBackend is the part of Backend the aggregator writes through.
type ReactionBackend interface {
	InsertReaction(ctx context.Context, r v1.ReactionRecord) (v1.ReactionRecord, error)
	DeleteReaction(ctx context.Context, r v1.ReactionRecord) (int64, error)
	FetchReactions(ctx context.Context, messageID string) ([]v1.ReactionRecord, error)
}

// ReactionSummary is the aggregate of one emoji on one message.
type ReactionSummary struct {
	Emoji   string
	Count   int
	UserIDs []string
}

// ReactionConfig wires a ReactionAggregator.
type ReactionConfig struct {
	Self    string
	Backend ReactionBackend
	Feed    feed.Subscriber
	Clock   clock.Clock
	Log     *slog.Logger
	Backoff []time.Duration

	// OnChange is called after the reactions of a message changed.
	OnChange func(messageID string, summary []ReactionSummary)
	// OnConnection observes the state of every reaction channel.
	OnConnection func(topic string, state ChannelState, err error)
}

// ReactionAggregator keeps emoji -> users per message, toggled optimistically and
// reconciled from one per-message reaction channel.
type ReactionAggregator struct {
	cfg ReactionConfig

	mu      sync.Mutex
	sets    map[string]map[string]map[string]struct{} // message -> emoji -> users
	watches map[string]*reactionWatch
}

type reactionWatch struct {
	channel *Channel
	loading bool
	buffer  []v1.Change
}

// NewReactionAggregator returns an empty aggregator.
func NewReactionAggregator(cfg ReactionConfig) *ReactionAggregator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &ReactionAggregator{
		cfg:     cfg,
		sets:    make(map[string]map[string]map[string]struct{}),
		watches: make(map[string]*reactionWatch),
	}
}

// Apply folds one reaction change in. INSERT and DELETE are both idempotent.
func (a *ReactionAggregator) Apply(op string, r v1.ReactionRecord) bool {
	a.mu.Lock()
	changed := a.applyLocked(op, r)
	a.mu.Unlock()
	if changed {
		a.emit(r.MessageID)
	}
	return changed
}

func (a *ReactionAggregator) applyLocked(op string, r v1.ReactionRecord) bool {
	switch op {
	case v1.OpInsert:
		return a.addLocked(r.MessageID, r.Emoji, r.UserID)
	case v1.OpDelete:
		return a.removeLocked(r.MessageID, r.Emoji, r.UserID)
	default:
		return false
	}
}

func (a *ReactionAggregator) addLocked(messageID, emoji, userID string) bool {
	byEmoji := a.sets[messageID]
	if byEmoji == nil {
		byEmoji = make(map[string]map[string]struct{})
		a.sets[messageID] = byEmoji
	}
	users := byEmoji[emoji]
	if users == nil {
		users = make(map[string]struct{})
		byEmoji[emoji] = users
	}
	if _, ok := users[userID]; ok {
		return false
	}
	users[userID] = struct{}{}
	return true
}

func (a *ReactionAggregator) removeLocked(messageID, emoji, userID string) bool {
	users := a.sets[messageID][emoji]
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(a.sets[messageID], emoji)
	}
	return true
}

// Load replaces the reactions of a message with rows.
func (a *ReactionAggregator) Load(messageID string, rows []v1.ReactionRecord) {
	a.mu.Lock()
	delete(a.sets, messageID)
	for _, r := range rows {
		a.addLocked(messageID, r.Emoji, r.UserID)
	}
	a.mu.Unlock()
	a.emit(messageID)
}

// Summary returns the aggregate of a message, sorted by emoji.
func (a *ReactionAggregator) Summary(messageID string) []ReactionSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaryLocked(messageID)
}

func (a *ReactionAggregator) summaryLocked(messageID string) []ReactionSummary {
	byEmoji := a.sets[messageID]
	out := make([]ReactionSummary, 0, len(byEmoji))
	for emoji, users := range byEmoji {
		ids := make([]string, 0, len(users))
		for u := range users {
			ids = append(ids, u)
		}
		slices.Sort(ids)
		out = append(out, ReactionSummary{Emoji: emoji, Count: len(ids), UserIDs: ids})
	}
	slices.SortFunc(out, func(x, y ReactionSummary) int { return strings.Compare(x.Emoji, y.Emoji) })
	return out
}

func (a *ReactionAggregator) emit(messageID string) {
	if a.cfg.OnChange != nil {
		a.cfg.OnChange(messageID, a.Summary(messageID))
	}
}

// Toggle removes the user's emoji if held, otherwise adds it. The change is applied
// optimistically and reverted if the store rejects it. added reports the direction.
func (a *ReactionAggregator) Toggle(ctx context.Context, messageID, emoji string) (added bool, err error) {
	const op = "chat.React"
	if messageID == "" || emoji == "" {
		return false, opError(op, ErrValidation, "missing message id or emoji", nil)
	}
	rec := v1.ReactionRecord{MessageID: messageID, UserID: a.cfg.Self, Emoji: emoji}

	a.mu.Lock()
	_, held := a.sets[messageID][emoji][a.cfg.Self]
	if held {
		a.removeLocked(messageID, emoji, a.cfg.Self)
	} else {
		a.addLocked(messageID, emoji, a.cfg.Self)
	}
	a.mu.Unlock()
	a.emit(messageID)

	if held {
		_, err = a.cfg.Backend.DeleteReaction(ctx, rec)
	} else {
		_, err = a.cfg.Backend.InsertReaction(ctx, rec)
	}
	if err != nil {
		a.mu.Lock()
		if held {
			a.addLocked(messageID, emoji, a.cfg.Self)
		} else {
			a.removeLocked(messageID, emoji, a.cfg.Self)
		}
		a.mu.Unlock()
		a.emit(messageID)
		a.cfg.Log.Warn("chat.react.fail", "message_id", messageID, "err", err)
		return false, opError(op, ErrWrite, messageID, err)
	}
	return !held, nil
}

// Watch loads the reactions of a message and keeps them current through one channel
// on its reaction topic. Watching an already watched message is a no-op.
func (a *ReactionAggregator) Watch(ctx context.Context, messageID string) error {
	const op = "chat.WatchReactions"

	topic := v1.ReactionTopic(messageID)
	w := &reactionWatch{loading: true}
	ch, err := NewChannel(ChannelConfig{
		Topic: topic,
		Feed:  a.cfg.Feed,
		Clock: a.cfg.Clock,
		Log:   a.cfg.Log,
		Accept: func(c v1.Change) bool {
			return c.Table == v1.TableReactions && c.Reaction != nil && c.Reaction.MessageID == messageID
		},
		Deliver: func(c v1.Change) { a.deliver(w, c) },
		OnState: func(state ChannelState, err error) {
			if a.cfg.OnConnection != nil {
				a.cfg.OnConnection(topic, state, err)
			}
		},
		Resync:  func(ctx context.Context) error { return a.reload(ctx, messageID, w) },
		Backoff: a.cfg.Backoff,
	})
	if err != nil {
		return err
	}
	w.channel = ch

	a.mu.Lock()
	if _, ok := a.watches[messageID]; ok {
		a.mu.Unlock()
		return nil
	}
	a.watches[messageID] = w
	a.mu.Unlock()

	if err := ch.Start(ctx); err != nil {
		a.drop(messageID, w)
		return err
	}
	if err := a.reload(ctx, messageID, w); err != nil {
		a.drop(messageID, w)
		_ = ch.Close(context.WithoutCancel(ctx))
		return opError(op, ErrTransport, messageID, err)
	}
	return nil
}

func (a *ReactionAggregator) deliver(w *reactionWatch, c v1.Change) {
	a.mu.Lock()
	if a.watches[c.Reaction.MessageID] != w {
		a.mu.Unlock()
		return
	}
	if w.loading {
		w.buffer = append(w.buffer, c)
	}
	changed := a.applyLocked(c.Op, *c.Reaction)
	a.mu.Unlock()
	if changed {
		a.emit(c.Reaction.MessageID)
	}
}

// reload replaces the set from the store, then replays changes that raced the fetch.
func (a *ReactionAggregator) reload(ctx context.Context, messageID string, w *reactionWatch) error {
	a.mu.Lock()
	w.loading = true
	w.buffer = w.buffer[:0]
	a.mu.Unlock()

	rows, err := a.cfg.Backend.FetchReactions(ctx, messageID)

	a.mu.Lock()
	buffered := w.buffer
	w.loading, w.buffer = false, nil
	if err != nil || a.watches[messageID] != w {
		a.mu.Unlock()
		return err
	}
	delete(a.sets, messageID)
	for _, r := range rows {
		a.addLocked(messageID, r.Emoji, r.UserID)
	}
	for _, c := range buffered {
		a.applyLocked(c.Op, *c.Reaction)
	}
	a.mu.Unlock()
	a.emit(messageID)
	return nil
}

func (a *ReactionAggregator) drop(messageID string, w *reactionWatch) {
	a.mu.Lock()
	if a.watches[messageID] == w {
		delete(a.watches, messageID)
	}
	a.mu.Unlock()
}

// Watching reports whether a message has a live reaction watch.
func (a *ReactionAggregator) Watching(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.watches[messageID]
	return ok
}

// Unwatch tears down the reaction channel of a message.
func (a *ReactionAggregator) Unwatch(ctx context.Context, messageID string) error {
	a.mu.Lock()
	w := a.watches[messageID]
	delete(a.watches, messageID)
	a.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.channel.Close(ctx)
}

// UnwatchAll tears down every reaction channel and forgets all reactions.
func (a *ReactionAggregator) UnwatchAll(ctx context.Context) {
	a.mu.Lock()
	watches := a.watches
	a.watches = make(map[string]*reactionWatch)
	a.sets = make(map[string]map[string]map[string]struct{})
	a.mu.Unlock()

	for id, w := range watches {
		if err := w.channel.Close(ctx); err != nil {
			a.cfg.Log.Debug("chat.reactions.unwatch.fail", "message_id", id, "err", err)
		}
	}
}
