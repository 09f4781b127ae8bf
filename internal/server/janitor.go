package server

import (
	"context"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/metrics"
	"github.com/developingchet/ai-lab-proxy/internal/pool"
	"github.com/developingchet/ai-lab-proxy/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: pruning stale usage documents, updating gauges.
type Janitor struct {
	store      storage.Store
	workerPool *pool.Pool
	interval   time.Duration
	retention  time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewJanitor creates a Janitor. A zero retention disables pruning.
func NewJanitor(store storage.Store, workerPool *pool.Pool, interval, retention time.Duration, log zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:      store,
		workerPool: workerPool,
		interval:   interval,
		retention:  retention,
		now:        time.Now,
		log:        log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	// Prune usage documents past retention
	if j.retention > 0 {
		pruned, err := j.store.PruneUsage(ctx, j.now().Add(-j.retention))
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: prune usage failed")
		} else if pruned > 0 {
			metrics.UsagePruned.Add(float64(pruned))
			j.log.Info().Int("count", pruned).Msg("janitor: pruned usage documents")
		}
	}

	// Update DB size gauge
	if sizer, ok := j.store.(storage.Sizer); ok {
		size, err := sizer.SizeBytes()
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: read db size failed")
		} else {
			metrics.DBSizeBytes.Set(float64(size))
		}
	}

	// Update queue depth gauge
	if j.workerPool != nil {
		metrics.WorkerQueueDepth.Set(float64(j.workerPool.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
