package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/metrics"
	"github.com/developingchet/ai-lab-proxy/internal/visitor"
	"github.com/rs/zerolog"
)

// Job is a unit of work for the worker pool: one visitor event to deliver.
type Job struct {
	Event     visitor.Event
	RequestID string
	Retries   int
}

// JobHandler processes a single Job. Returns an error if the job should be retried.
type JobHandler func(ctx context.Context, job Job) error

// Config holds worker pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Pool is a configurable worker pool with bounded retry logic.
type Pool struct {
	cfg      Config
	jobs     chan Job
	handler  JobHandler
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// New creates a Pool with the given config and handler.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("POOL_WORKERS must be 1-64, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueDepth),
		handler: handler,
		log:     log,
	}, nil
}

// Start launches the worker goroutines. ctx is handed to the JobHandler and
// cuts retry backoff short; workers keep draining the queue until Stop.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. Returns false if the buffer is full
// or the pool has been stopped.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.JobsDropped.WithLabelValues("stopped").Inc()
		p.log.Warn().Str("ip", job.Event.IP).Str("request_id", job.RequestID).Msg("job dropped: pool stopped")
		return false
	}
	select {
	case p.jobs <- job:
		metrics.JobsEnqueued.Inc()
		return true
	default:
		metrics.JobsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn().Str("ip", job.Event.IP).Str("request_id", job.RequestID).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes the job channel and waits for all workers to drain.
// Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

// Depth returns the current number of pending jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

// worker dequeues jobs until the channel is closed and drained, processing
// each with inline retry (no re-enqueue).
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for job := range p.jobs {
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		p.processWithRetry(ctx, job, log)
	}
}

// processWithRetry runs the handler inline with exponential backoff.
func (p *Pool) processWithRetry(ctx context.Context, job Job, log zerolog.Logger) {
	log = log.With().Str("ip", job.Event.IP).Str("request_id", job.RequestID).Logger()
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff(attempt - 1)
			log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying job")
			select {
			case <-ctx.Done():
				metrics.JobsProcessed.WithLabelValues("error").Inc()
				return
			case <-time.After(backoff):
			}
		}

		job.Retries = attempt
		if err := p.handler(ctx, job); err != nil {
			if attempt < p.cfg.MaxRetries {
				metrics.JobsProcessed.WithLabelValues("retried").Inc()
				continue
			}
			metrics.JobsProcessed.WithLabelValues("error").Inc()
			log.Error().Err(err).Int("max_retries", p.cfg.MaxRetries).Msg("job failed: max retries exceeded")
			return
		}

		metrics.JobsProcessed.WithLabelValues("success").Inc()
		return
	}
}

// backoff computes exponential backoff with a max cap.
func (p *Pool) backoff(retries int) time.Duration {
	multiplier := math.Pow(2, float64(retries))
	d := time.Duration(float64(p.cfg.RetryBase) * multiplier)
	if max := time.Minute; d > max {
		d = max
	}
	return d
}
