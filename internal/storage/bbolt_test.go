package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBboltStore(dir, "test-app")
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	doc, err := s.GetUsage(ctx, "gpt", "ip_1_2_3_4_date_2025-01-01")
	if err != nil || doc != nil {
		t.Fatalf("GetUsage before write: doc=%v err=%v", doc, err)
	}

	if err := s.MergeCount(ctx, "gpt", "ip_1_2_3_4_date_2025-01-01", 3); err != nil {
		t.Fatalf("MergeCount: %v", err)
	}
	if err := s.MergeLast(ctx, "gpt", "ip_1_2_3_4_user_cooldown", 1700000000000); err != nil {
		t.Fatalf("MergeLast: %v", err)
	}

	doc, err = s.GetUsage(ctx, "gpt", "ip_1_2_3_4_date_2025-01-01")
	if err != nil || doc == nil {
		t.Fatalf("GetUsage daily: doc=%v err=%v", doc, err)
	}
	if doc.Count != 3 {
		t.Errorf("Count: got %d, want 3", doc.Count)
	}
	if doc.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set on write")
	}

	doc, err = s.GetUsage(ctx, "gpt", "ip_1_2_3_4_user_cooldown")
	if err != nil || doc == nil {
		t.Fatalf("GetUsage cooldown: doc=%v err=%v", doc, err)
	}
	if doc.Last != 1700000000000 {
		t.Errorf("Last: got %d", doc.Last)
	}

	// Merge keeps the other field intact
	if err := s.MergeLast(ctx, "gpt", "ip_1_2_3_4_date_2025-01-01", 42); err != nil {
		t.Fatal(err)
	}
	doc, _ = s.GetUsage(ctx, "gpt", "ip_1_2_3_4_date_2025-01-01")
	if doc.Count != 3 || doc.Last != 42 {
		t.Errorf("merge clobbered fields: %+v", doc)
	}

	// Categories are isolated
	if doc, _ := s.GetUsage(ctx, "gemini_vision", "ip_1_2_3_4_date_2025-01-01"); doc != nil {
		t.Errorf("category leak: %+v", doc)
	}
	if err := s.MergeCount(ctx, "gemini_vision", "ip_5_6_7_8_date_2025-01-01", 1); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListUsage(ctx, "gpt")
	if err != nil {
		t.Fatalf("ListUsage: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListUsage gpt: got %d docs, want 2: %v", len(list), list)
	}
	if _, ok := list["ip_1_2_3_4_user_cooldown"]; !ok {
		t.Error("ListUsage missing cooldown doc")
	}

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func exercisePrune(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.MergeCount(ctx, "gpt", "old", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeCount(ctx, "gemini", "old", 1); err != nil {
		t.Fatal(err)
	}

	// Nothing written before an hour ago
	pruned, err := s.PruneUsage(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Fatalf("expected 0 pruned, got %d", pruned)
	}

	pruned, err = s.PruneUsage(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned, got %d", pruned)
	}
	if doc, _ := s.GetUsage(ctx, "gpt", "old"); doc != nil {
		t.Error("pruned doc should be gone")
	}
}

func TestBboltUsage(t *testing.T) {
	exerciseStore(t, newTestStore(t))
}

func TestBboltPrune(t *testing.T) {
	exercisePrune(t, newTestStore(t))
}

func TestBboltAppNamespaces(t *testing.T) {
	dir := t.TempDir()
	a, err := NewBboltStore(dir, "app-a")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.MergeCount(ctx, "gpt", "doc", 7); err != nil {
		t.Fatal(err)
	}
	a.Close()

	b, err := NewBboltStore(dir, "app-b")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if doc, _ := b.GetUsage(ctx, "gpt", "doc"); doc != nil {
		t.Errorf("app-b should not see app-a documents: %+v", doc)
	}
	if pruned, _ := b.PruneUsage(ctx, time.Now().Add(time.Hour)); pruned != 0 {
		t.Errorf("app-b prune touched foreign namespace: %d", pruned)
	}
}

func TestBboltPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBboltStore(dir, "app")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MergeCount(ctx, "gpt", "doc", 4); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBboltStore(dir, "app")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	doc, err := s.GetUsage(ctx, "gpt", "doc")
	if err != nil || doc == nil || doc.Count != 4 {
		t.Fatalf("after reopen: doc=%+v err=%v", doc, err)
	}
}

func TestBboltSizeBytes(t *testing.T) {
	s := newTestStore(t)
	sizer, ok := s.(Sizer)
	if !ok {
		t.Fatal("bbolt store should implement Sizer")
	}
	size, err := sizer.SizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if size <= 0 {
		t.Fatalf("expected positive size, got %d", size)
	}
}

func TestBboltConcurrentMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = s.MergeCount(ctx, "gpt", "doc", i)
			} else {
				_ = s.MergeLast(ctx, "gpt", "doc", int64(i))
			}
		}(i)
	}
	wg.Wait()

	doc, err := s.GetUsage(ctx, "gpt", "doc")
	if err != nil || doc == nil {
		t.Fatalf("GetUsage: doc=%v err=%v", doc, err)
	}
	if doc.Count%2 != 0 || doc.Last%2 != 1 {
		t.Errorf("fields crossed between merges: %+v", doc)
	}
}

func TestNewBboltStoreBadDir(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "file")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	// A regular file cannot be used as the data directory
	if _, err := NewBboltStore(f.Name(), "app"); err == nil {
		t.Fatal("expected error when data dir is a file")
	}
}
