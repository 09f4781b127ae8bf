// Package ratelimit implements the per-client daily quota and cooldown gate.
//
// Each client has two documents per category: a daily counter keyed by the
// UTC calendar date, and a cooldown document holding the epoch-millisecond
// timestamp of the last accepted request. A check reads both, decides, and on
// allow writes both back on a best-effort basis. Concurrent requests from one
// client may race between the read and the write.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/clientip"
	"github.com/developingchet/ai-lab-proxy/internal/metrics"
	"github.com/developingchet/ai-lab-proxy/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonLimit      Reason = "limit"
	ReasonCooldown   Reason = "cooldown"
	ReasonStoreError Reason = "db_read_error"
)

// Policy is the quota applied to one category.
type Policy struct {
	Category   string
	DailyLimit int           // <= 0 = unlimited
	Cooldown   time.Duration // <= 0 = no cooldown
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed   bool
	Reason    Reason
	Remaining int // -1 when the policy is unlimited
	Wait      time.Duration
}

// WaitSeconds rounds Wait up to whole seconds.
func (d Decision) WaitSeconds() int {
	return int(math.Ceil(d.Wait.Seconds()))
}

// Limiter evaluates policies against a usage store.
type Limiter struct {
	store storage.Store
	now   func() time.Time
	log   zerolog.Logger
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter backed by store.
func New(store storage.Store, log zerolog.Logger, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now, log: log}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DailyDocID is the counter document for a client on a UTC date.
func DailyDocID(clientID string, day time.Time) string {
	return fmt.Sprintf("ip_%s_date_%s", clientip.Sanitize(clientID), day.UTC().Format("2006-01-02"))
}

// CooldownDocID is the last-use document for a client.
func CooldownDocID(clientID string) string {
	return fmt.Sprintf("ip_%s_user_cooldown", clientip.Sanitize(clientID))
}

// Check decides whether clientID may make one more request under p.
func (l *Limiter) Check(ctx context.Context, clientID string, p Policy) Decision {
	now := l.now()
	dailyID := DailyDocID(clientID, now)
	cooldownID := CooldownDocID(clientID)
	log := l.log.With().Str("category", p.Category).Str("client", clientID).Logger()

	var count int
	var last int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc, err := l.store.GetUsage(gctx, p.Category, dailyID)
		if err != nil {
			return err
		}
		if doc != nil {
			count = doc.Count
		}
		return nil
	})
	g.Go(func() error {
		doc, err := l.store.GetUsage(gctx, p.Category, cooldownID)
		if err != nil {
			return err
		}
		if doc != nil {
			last = doc.Last
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("usage read failed")
		return l.record(p, Decision{Reason: ReasonStoreError})
	}

	if p.DailyLimit > 0 && count >= p.DailyLimit {
		return l.record(p, Decision{Reason: ReasonLimit, Remaining: 0})
	}

	nowMillis := now.UnixMilli()
	if p.Cooldown > 0 {
		elapsed := time.Duration(nowMillis-last) * time.Millisecond
		if elapsed < p.Cooldown {
			return l.record(p, Decision{Reason: ReasonCooldown, Wait: p.Cooldown - elapsed})
		}
	}

	l.commit(ctx, p.Category, dailyID, cooldownID, count+1, nowMillis, log)

	remaining := -1
	if p.DailyLimit > 0 {
		remaining = p.DailyLimit - (count + 1)
	}
	return l.record(p, Decision{Allowed: true, Remaining: remaining})
}

// commit writes the new counter and timestamp in parallel. Failures are
// logged and counted but never reach the caller.
func (l *Limiter) commit(ctx context.Context, category, dailyID, cooldownID string, count int, nowMillis int64, log zerolog.Logger) {
	var g errgroup.Group
	g.Go(func() error {
		return l.store.MergeCount(ctx, category, dailyID, count)
	})
	g.Go(func() error {
		return l.store.MergeLast(ctx, category, cooldownID, nowMillis)
	})
	if err := g.Wait(); err != nil {
		metrics.StoreWriteErrors.WithLabelValues(category).Inc()
		log.Warn().Err(err).Msg("usage write failed; request allowed anyway")
	}
}

func (l *Limiter) record(p Policy, d Decision) Decision {
	result := "allowed"
	if !d.Allowed {
		result = string(d.Reason)
	}
	metrics.RateLimitDecisions.WithLabelValues(p.Category, result).Inc()
	return d
}
