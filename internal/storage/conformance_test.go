package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/Avicted/chorus/internal/message"
)

func collect(t *testing.T, repo message.Repository, after int64) []message.Message {
	t.Helper()
	var out []message.Message
	for msg, err := range repo.ReadFrom(context.Background(), after) {
		if err != nil {
			t.Fatalf("ReadFrom(%d): %v", after, err)
		}
		out = append(out, msg)
	}
	return out
}

// runRepositoryConformance checks the behaviour every backend must share.
// The store must be freshly migrated and empty.
func runRepositoryConformance(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	repo := store.Messages()

	latest, err := repo.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest on empty store: %v", err)
	}
	if latest != 0 {
		t.Fatalf("empty store latest = %d, want 0", latest)
	}
	if got := collect(t, repo, 0); len(got) != 0 {
		t.Fatalf("empty store replay returned %d messages", len(got))
	}

	if _, err := repo.Append(ctx, "", "no token"); err == nil {
		t.Fatal("expected error for empty token")
	}

	first, err := repo.Append(ctx, "tok-1", "hello")
	if err != nil {
		t.Fatalf("append tok-1: %v", err)
	}
	if !first.IsNew() || first.Sequence != 1 {
		t.Fatalf("first append = %+v, want inserted seq 1", first)
	}

	again, err := repo.Append(ctx, "tok-1", "different content")
	if err != nil {
		t.Fatalf("re-append tok-1: %v", err)
	}
	if again.IsNew() || again.Sequence != first.Sequence {
		t.Fatalf("re-append = %+v, want duplicate seq %d", again, first.Sequence)
	}

	second, err := repo.Append(ctx, "tok-2", "world")
	if err != nil {
		t.Fatalf("append tok-2: %v", err)
	}
	if second.Sequence != 2 {
		t.Fatalf("second sequence = %d, want 2 (duplicates must not leave gaps)", second.Sequence)
	}

	all := collect(t, repo, 0)
	if len(all) != 2 {
		t.Fatalf("replay len = %d, want 2", len(all))
	}
	if all[0].Content != "hello" || all[0].Token != "tok-1" {
		t.Fatalf("duplicate overwrote original: %+v", all[0])
	}

	// Concurrent appends with overlapping tokens.
	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// Pairs of writers share a token space.
				tok := fmt.Sprintf("c-%d-%d", w/2, i)
				if _, err := repo.Append(ctx, tok, tok); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	all = collect(t, repo, 0)
	wantCount := 2 + (writers/2)*perWriter
	if len(all) != wantCount {
		t.Fatalf("stored %d messages, want %d", len(all), wantCount)
	}
	seen := make(map[string]bool, len(all))
	for i, msg := range all {
		if i > 0 && msg.Sequence <= all[i-1].Sequence {
			t.Fatalf("replay out of order at %d: %d after %d", i, msg.Sequence, all[i-1].Sequence)
		}
		if seen[msg.Token] {
			t.Fatalf("token %q stored twice", msg.Token)
		}
		seen[msg.Token] = true
	}

	latest, err = repo.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != all[len(all)-1].Sequence {
		t.Fatalf("latest = %d, want %d", latest, all[len(all)-1].Sequence)
	}

	// Replay resumes strictly after the given offset and can be restarted.
	tail := collect(t, repo, 2)
	if len(tail) != wantCount-2 || tail[0].Sequence <= 2 {
		t.Fatalf("replay after 2 returned %d messages starting at %d", len(tail), tail[0].Sequence)
	}
	if again := collect(t, repo, 2); len(again) != len(tail) {
		t.Fatalf("restarted replay len = %d, want %d", len(again), len(tail))
	}
	if past := collect(t, repo, latest); len(past) != 0 {
		t.Fatalf("replay past latest returned %d messages", len(past))
	}
}
