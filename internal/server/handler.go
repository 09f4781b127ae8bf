package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/developingchet/ai-lab-proxy/internal/metrics"
	"github.com/developingchet/ai-lab-proxy/internal/pool"
	"github.com/developingchet/ai-lab-proxy/internal/upstream"
	"github.com/developingchet/ai-lab-proxy/internal/visitor"
	"github.com/rs/zerolog"
)

// makeJobHandler returns a JobHandler that delivers queued visitor events.
// A sink that rejects the event with a 4xx is not retried.
func makeJobHandler(relay *visitor.Relay, log zerolog.Logger) pool.JobHandler {
	return func(ctx context.Context, job pool.Job) error {
		err := relay.Deliver(ctx, job.Event)
		if err == nil {
			log.Debug().Str("ip", job.Event.IP).Str("request_id", job.RequestID).
				Int("retries", job.Retries).Msg("visitor event delivered")
			return nil
		}

		if errors.Is(err, visitor.ErrSinkNotConfigured) {
			metrics.JobsDropped.WithLabelValues("not_configured").Inc()
			return nil
		}
		var status *upstream.ErrStatus
		if errors.As(err, &status) && status.StatusCode >= http.StatusBadRequest && status.StatusCode < http.StatusInternalServerError {
			metrics.JobsDropped.WithLabelValues("rejected").Inc()
			log.Warn().Err(err).Str("ip", job.Event.IP).Str("request_id", job.RequestID).
				Msg("visitor event rejected by sink")
			return nil
		}
		return fmt.Errorf("deliver visitor event: %w", err)
	}
}
