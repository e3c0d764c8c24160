package chat

import (
	"context"
	"errors"
	"testing"

	v1 "murmur/shared/contracts/feed/v1"
)

type rejectingReactions struct{}

func (rejectingReactions) InsertReaction(context.Context, v1.ReactionRecord) (v1.ReactionRecord, error) {
	return v1.ReactionRecord{}, errors.New("permission denied")
}

func (rejectingReactions) DeleteReaction(context.Context, v1.ReactionRecord) (int64, error) {
	return 0, errors.New("permission denied")
}

func (rejectingReactions) FetchReactions(context.Context, string) ([]v1.ReactionRecord, error) {
	return nil, nil
}

func countOf(summary []ReactionSummary, emoji string) int {
	for _, s := range summary {
		if s.Emoji == emoji {
			return s.Count
		}
	}
	return 0
}

func TestReactionAggregator_ApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	a := NewReactionAggregator(ReactionConfig{Self: "alice", Log: testLogger()})
	r := v1.ReactionRecord{MessageID: "m1", UserID: "bob", Emoji: "👍"}

	if !a.Apply(v1.OpInsert, r) {
		t.Fatalf("first insert must change state")
	}
	if a.Apply(v1.OpInsert, r) {
		t.Fatalf("duplicate insert must be a no-op")
	}
	a.Apply(v1.OpInsert, v1.ReactionRecord{MessageID: "m1", UserID: "carol", Emoji: "👍"})

	got := a.Summary("m1")
	if len(got) != 1 || got[0].Count != 2 || got[0].UserIDs[0] != "bob" || got[0].UserIDs[1] != "carol" {
		t.Fatalf("summary: unexpected %+v", got)
	}

	if !a.Apply(v1.OpDelete, r) || a.Apply(v1.OpDelete, r) {
		t.Fatalf("delete must apply exactly once")
	}
	if countOf(a.Summary("m1"), "👍") != 1 {
		t.Fatalf("summary after delete: %+v", a.Summary("m1"))
	}
}

func TestReactionAggregator_ToggleRevertsOnStoreFailure(t *testing.T) {
	t.Parallel()

	a := NewReactionAggregator(ReactionConfig{Self: "alice", Backend: rejectingReactions{}, Log: testLogger()})
	a.Apply(v1.OpInsert, v1.ReactionRecord{MessageID: "m1", UserID: "bob", Emoji: "🔥"})

	_, err := a.Toggle(context.Background(), "m1", "🔥")
	if !IsWrite(err) {
		t.Fatalf("expected write error got=%v", err)
	}
	if n := countOf(a.Summary("m1"), "🔥"); n != 1 {
		t.Fatalf("optimistic add not reverted: count=%d", n)
	}

	a.Apply(v1.OpInsert, v1.ReactionRecord{MessageID: "m1", UserID: "alice", Emoji: "🔥"})
	if _, err := a.Toggle(context.Background(), "m1", "🔥"); !IsWrite(err) {
		t.Fatalf("expected write error got=%v", err)
	}
	if n := countOf(a.Summary("m1"), "🔥"); n != 2 {
		t.Fatalf("optimistic remove not reverted: count=%d", n)
	}
}

func TestReactionAggregator_ToggleValidation(t *testing.T) {
	t.Parallel()

	a := NewReactionAggregator(ReactionConfig{Self: "alice", Backend: rejectingReactions{}, Log: testLogger()})
	if _, err := a.Toggle(context.Background(), "m1", ""); !IsValidation(err) {
		t.Fatalf("expected validation error got=%v", err)
	}
}
