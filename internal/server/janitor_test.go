package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/metrics"
	"github.com/developingchet/ai-lab-proxy/internal/storage"
	"github.com/developingchet/ai-lab-proxy/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newJanitorTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.NewBboltStore(dir, "test-app")
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJanitor_PrunesPastRetention(t *testing.T) {
	store := newJanitorTestStore(t)
	ctx := context.Background()
	if err := store.MergeCount(ctx, "gpt", "ip_1_2_3_4_date_2025-01-01", 3); err != nil {
		t.Fatal(err)
	}

	before := promtest.ToFloat64(metrics.UsagePruned)
	j := NewJanitor(store, nil, time.Hour, 24*time.Hour, zerolog.Nop())
	j.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	j.tick(ctx)

	if doc, _ := store.GetUsage(ctx, "gpt", "ip_1_2_3_4_date_2025-01-01"); doc != nil {
		t.Error("stale document should have been pruned")
	}
	if got := promtest.ToFloat64(metrics.UsagePruned) - before; got != 1 {
		t.Errorf("usage_pruned_total delta = %v, want 1", got)
	}
}

func TestJanitor_KeepsFreshDocuments(t *testing.T) {
	store := newJanitorTestStore(t)
	ctx := context.Background()
	_ = store.MergeLast(ctx, "gpt", "ip_9_9_9_9_user_cooldown", time.Now().UnixMilli())

	j := NewJanitor(store, nil, time.Hour, 24*time.Hour, zerolog.Nop())
	j.tick(ctx)

	if doc, _ := store.GetUsage(ctx, "gpt", "ip_9_9_9_9_user_cooldown"); doc == nil {
		t.Error("fresh document should not be pruned")
	}
}

func TestJanitor_ZeroRetentionNeverPrunes(t *testing.T) {
	store := testutil.NewMockStore()
	j := NewJanitor(store, nil, time.Hour, 0, zerolog.Nop())
	j.tick(context.Background())

	if store.Calls("PruneUsage") != 0 {
		t.Error("PruneUsage must not run when retention is disabled")
	}
}

func TestJanitor_PruneErrorIsNotFatal(t *testing.T) {
	store := testutil.NewMockStore()
	store.SetError("PruneUsage", errors.New("boom"))
	j := NewJanitor(store, nil, time.Hour, time.Hour, zerolog.Nop())
	j.tick(context.Background())

	if store.Calls("PruneUsage") != 1 {
		t.Errorf("PruneUsage calls = %d, want 1", store.Calls("PruneUsage"))
	}
}

func TestJanitor_UpdatesDBSizeGauge(t *testing.T) {
	store := newJanitorTestStore(t)
	metrics.DBSizeBytes.Set(0)

	j := NewJanitor(store, nil, time.Hour, 0, zerolog.Nop())
	j.tick(context.Background())

	if got := promtest.ToFloat64(metrics.DBSizeBytes); got <= 0 {
		t.Errorf("db_size_bytes = %v, want > 0", got)
	}
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	store := testutil.NewMockStore()
	j := NewJanitor(store, nil, 10*time.Millisecond, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if store.Calls("PruneUsage") < 2 {
		t.Errorf("expected the janitor to tick repeatedly, got %d", store.Calls("PruneUsage"))
	}
}

func TestNewJanitor_DefaultInterval(t *testing.T) {
	j := NewJanitor(testutil.NewMockStore(), nil, 0, 0, zerolog.Nop())
	if j.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", j.interval)
	}
}
