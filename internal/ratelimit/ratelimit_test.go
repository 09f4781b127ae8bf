package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/storage"
	"github.com/developingchet/ai-lab-proxy/internal/testutil"
	"github.com/rs/zerolog"
)

// fakeClock is a settable time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T) (*Limiter, *testutil.MockStore, *fakeClock) {
	t.Helper()
	store := testutil.NewMockStore()
	clock := &fakeClock{t: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
	return New(store, zerolog.Nop(), WithClock(clock.now)), store, clock
}

var calorie = Policy{Category: "toxic_calorie", DailyLimit: 5, Cooldown: 30 * time.Second}

const client = "203.0.113.7"

func TestDocIDs(t *testing.T) {
	day := time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC)
	if got, want := DailyDocID("1.2.3.4", day), "ip_1_2_3_4_date_2025-03-14"; got != want {
		t.Errorf("DailyDocID = %q, want %q", got, want)
	}
	if got, want := CooldownDocID("2001:db8::1"), "ip_2001_db8__1_user_cooldown"; got != want {
		t.Errorf("CooldownDocID = %q, want %q", got, want)
	}
	// The date is always taken in UTC.
	local := time.Date(2025, 3, 15, 1, 0, 0, 0, time.FixedZone("UTC+3", 3*3600))
	if got, want := DailyDocID("x", local), "ip_x_date_2025-03-14"; got != want {
		t.Errorf("DailyDocID(local) = %q, want %q", got, want)
	}
}

func TestCheck_FirstRequestAllowedAndWritten(t *testing.T) {
	l, store, clock := newTestLimiter(t)

	d := l.Check(context.Background(), client, calorie)
	if !d.Allowed || d.Reason != ReasonNone {
		t.Fatalf("expected allow, got %+v", d)
	}
	if d.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", d.Remaining)
	}

	daily, ok := store.Doc(calorie.Category, DailyDocID(client, clock.t))
	if !ok || daily.Count != 1 {
		t.Errorf("daily doc = %+v (exists=%v), want count 1", daily, ok)
	}
	cd, ok := store.Doc(calorie.Category, CooldownDocID(client))
	if !ok || cd.Last != clock.t.UnixMilli() {
		t.Errorf("cooldown doc = %+v (exists=%v), want last %d", cd, ok, clock.t.UnixMilli())
	}
}

func TestCheck_CooldownDeniesWithCeilWait(t *testing.T) {
	l, store, clock := newTestLimiter(t)
	ctx := context.Background()

	l.Check(ctx, client, calorie)
	clock.advance(10*time.Second + 500*time.Millisecond)

	d := l.Check(ctx, client, calorie)
	if d.Allowed || d.Reason != ReasonCooldown {
		t.Fatalf("expected cooldown deny, got %+v", d)
	}
	if d.Wait != 19500*time.Millisecond {
		t.Errorf("Wait = %v, want 19.5s", d.Wait)
	}
	if d.WaitSeconds() != 20 {
		t.Errorf("WaitSeconds = %d, want 20", d.WaitSeconds())
	}

	daily, _ := store.Doc(calorie.Category, DailyDocID(client, clock.t))
	if daily.Count != 1 {
		t.Errorf("denied request must not write; count = %d", daily.Count)
	}
}

func TestCheck_CooldownExpires(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	ctx := context.Background()

	l.Check(ctx, client, calorie)
	clock.advance(30 * time.Second)

	if d := l.Check(ctx, client, calorie); !d.Allowed {
		t.Fatalf("expected allow once cooldown elapsed, got %+v", d)
	}
}

func TestCheck_LimitDenies(t *testing.T) {
	l, store, clock := newTestLimiter(t)
	store.Put(calorie.Category, DailyDocID(client, clock.t), storage.UsageDoc{Count: 5})

	d := l.Check(context.Background(), client, calorie)
	if d.Allowed || d.Reason != ReasonLimit || d.Remaining != 0 {
		t.Fatalf("expected limit deny, got %+v", d)
	}
	if store.Calls("MergeCount") != 0 || store.Calls("MergeLast") != 0 {
		t.Error("denied request must not write")
	}
}

func TestCheck_LimitCheckedBeforeCooldown(t *testing.T) {
	l, store, clock := newTestLimiter(t)
	store.Put(calorie.Category, DailyDocID(client, clock.t), storage.UsageDoc{Count: 5})
	store.Put(calorie.Category, CooldownDocID(client), storage.UsageDoc{Last: clock.t.UnixMilli()})

	if d := l.Check(context.Background(), client, calorie); d.Reason != ReasonLimit {
		t.Errorf("Reason = %q, want limit", d.Reason)
	}
}

func TestCheck_DateRolloverResetsCount(t *testing.T) {
	l, store, clock := newTestLimiter(t)
	store.Put(calorie.Category, DailyDocID(client, clock.t), storage.UsageDoc{Count: 5})

	clock.advance(24 * time.Hour)
	d := l.Check(context.Background(), client, calorie)
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("expected fresh quota on a new day, got %+v", d)
	}
}

func TestCheck_ReadErrorDenies(t *testing.T) {
	l, store, _ := newTestLimiter(t)
	store.SetError("GetUsage", errors.New("store down"))

	d := l.Check(context.Background(), client, calorie)
	if d.Allowed || d.Reason != ReasonStoreError {
		t.Fatalf("expected db_read_error, got %+v", d)
	}
	if store.Calls("MergeCount") != 0 {
		t.Error("failed read must not write")
	}
}

func TestCheck_WriteErrorStillAllows(t *testing.T) {
	l, store, _ := newTestLimiter(t)
	store.SetError("MergeCount", errors.New("write failed"))

	if d := l.Check(context.Background(), client, calorie); !d.Allowed {
		t.Fatalf("write failure must not deny, got %+v", d)
	}
	if _, ok := store.Doc(calorie.Category, CooldownDocID(client)); !ok {
		t.Error("cooldown write should still happen when the count write fails")
	}
}

func TestCheck_Unlimited(t *testing.T) {
	l, store, clock := newTestLimiter(t)
	p := Policy{Category: "gpt"}
	store.Put(p.Category, DailyDocID(client, clock.t), storage.UsageDoc{Count: 1000})

	for i := 0; i < 3; i++ {
		d := l.Check(context.Background(), client, p)
		if !d.Allowed || d.Remaining != -1 {
			t.Fatalf("request %d: expected unlimited allow, got %+v", i, d)
		}
	}
	daily, _ := store.Doc(p.Category, DailyDocID(client, clock.t))
	if daily.Count != 1003 {
		t.Errorf("count = %d, want 1003", daily.Count)
	}
}

func TestCheck_CategoriesAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	l.Check(ctx, client, calorie)
	other := calorie
	other.Category = "beauty_filter"
	if d := l.Check(ctx, client, other); !d.Allowed {
		t.Fatalf("cooldown must not leak across categories, got %+v", d)
	}
}

func TestCheck_QuotaExhaustion(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	ctx := context.Background()
	p := Policy{Category: "vision", DailyLimit: 3, Cooldown: time.Second}

	for want := 2; want >= 0; want-- {
		d := l.Check(ctx, client, p)
		if !d.Allowed || d.Remaining != want {
			t.Fatalf("expected allow with remaining %d, got %+v", want, d)
		}
		clock.advance(time.Second)
	}
	if d := l.Check(ctx, client, p); d.Reason != ReasonLimit {
		t.Fatalf("expected limit after quota exhausted, got %+v", d)
	}
}

func TestDecision_WaitSeconds(t *testing.T) {
	tests := []struct {
		wait time.Duration
		want int
	}{
		{0, 0},
		{time.Millisecond, 1},
		{time.Second, 1},
		{29*time.Second + time.Millisecond, 30},
	}
	for _, tt := range tests {
		if got := (Decision{Wait: tt.wait}).WaitSeconds(); got != tt.want {
			t.Errorf("WaitSeconds(%v) = %d, want %d", tt.wait, got, tt.want)
		}
	}
}
