package follower

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/laurafang/swish/internal/event"
	"github.com/laurafang/swish/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "followers.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFollowReplacesFlags(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if err := st.Follow(ctx, "doc1", "alice", []event.Class{event.ClassChat}); err != nil {
		t.Fatalf("Follow: %v", err)
	}

	fs, err := st.FollowersOf(ctx, "doc1")
	if err != nil {
		t.Fatalf("FollowersOf: %v", err)
	}
	if len(fs) != 1 {
		t.Fatalf("expected 1 follower, got %d", len(fs))
	}
	if len(fs[0].Flags) != 1 || fs[0].Flags[0] != event.ClassChat {
		t.Fatalf("expected replace semantics, got flags %v", fs[0].Flags)
	}
}

func TestFollowEmptyFlagsDeletes(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate, event.ClassChat}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if err := st.Follow(ctx, "doc1", "alice", nil); err != nil {
		t.Fatalf("Follow with empty flags: %v", err)
	}

	fs, err := st.FollowersOf(ctx, "doc1")
	if err != nil {
		t.Fatalf("FollowersOf: %v", err)
	}
	if len(fs) != 0 {
		t.Fatalf("expected no followers after empty-set follow, got %v", fs)
	}
}

func TestFollowIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := st.Follow(ctx, "doc1", "alice", []event.Class{event.ClassChat, event.ClassUpdate, event.ClassChat}); err != nil {
			t.Fatalf("Follow #%d: %v", i, err)
		}
	}

	fs, err := st.FollowersOf(ctx, "doc1")
	if err != nil {
		t.Fatalf("FollowersOf: %v", err)
	}
	if len(fs) != 1 {
		t.Fatalf("expected 1 follower, got %d", len(fs))
	}
	if len(fs[0].Flags) != 2 {
		t.Fatalf("expected deduplicated flags, got %v", fs[0].Flags)
	}
}

func TestUnfollowSetDifference(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate, event.ClassChat}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if err := st.Unfollow(ctx, "doc1", "alice", []event.Class{event.ClassChat}); err != nil {
		t.Fatalf("Unfollow: %v", err)
	}

	fs, err := st.FollowersOf(ctx, "doc1")
	if err != nil {
		t.Fatalf("FollowersOf: %v", err)
	}
	if len(fs) != 1 || len(fs[0].Flags) != 1 || fs[0].Flags[0] != event.ClassUpdate {
		t.Fatalf("expected {update} remaining, got %v", fs)
	}

	// Removing the last flag deletes the record.
	if err := st.Unfollow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Unfollow: %v", err)
	}
	fs, err = st.FollowersOf(ctx, "doc1")
	if err != nil {
		t.Fatalf("FollowersOf: %v", err)
	}
	if len(fs) != 0 {
		t.Fatalf("expected record deleted, got %v", fs)
	}
}

func TestConcurrentUnfollowsBothApply(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate, event.ClassChat}); err != nil {
		t.Fatalf("Follow: %v", err)
	}

	// Two goroutines each drop one flag. Neither removal may be lost, so the
	// record must end up deleted.
	var wg sync.WaitGroup
	for _, c := range []event.Class{event.ClassUpdate, event.ClassChat} {
		wg.Add(1)
		go func(c event.Class) {
			defer wg.Done()
			if err := st.Unfollow(ctx, "doc1", "alice", []event.Class{c}); err != nil {
				t.Errorf("Unfollow(%s): %v", c, err)
			}
		}(c)
	}
	wg.Wait()

	fs, err := st.FollowersOf(ctx, "doc1")
	if err != nil {
		t.Fatalf("FollowersOf: %v", err)
	}
	if len(fs) != 0 {
		t.Fatalf("expected record deleted after both unfollows, got %v", fs)
	}
}

func TestUnfollowWithoutFollowIsNoop(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Unfollow(ctx, "doc1", "ghost", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Unfollow on missing record: %v", err)
	}
}

func TestFollowersOfScopedPerDocument(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if err := st.Follow(ctx, "doc2", "bob", []event.Class{event.ClassChat}); err != nil {
		t.Fatalf("Follow: %v", err)
	}

	fs, err := st.FollowersOf(ctx, "doc1")
	if err != nil {
		t.Fatalf("FollowersOf: %v", err)
	}
	if len(fs) != 1 || fs[0].Account != "alice" {
		t.Fatalf("unexpected followers of doc1: %v", fs)
	}
}

func TestFollowRejectsUnknownFlag(t *testing.T) {
	st := openTestStore(t)
	if err := st.Follow(context.Background(), "doc1", "alice", []event.Class{"bogus"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
