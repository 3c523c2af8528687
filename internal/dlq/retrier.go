package dlq

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
)

// Handler re-executes the work a dead-lettered job originally failed at.
type Handler func(ctx context.Context, job domain.FailedJob) error

// Retrier is the external scheduler side of the queue: it polls for
// eligible jobs and re-invokes the registered handler. Successful jobs
// are removed; failing ones are re-enqueued with attempts+1, which pushes
// NextRetry down the backoff table until MaxAttempts exhausts them.
type Retrier struct {
	queue    *Queue
	handlers map[string]Handler
	log      zerolog.Logger
}

func NewRetrier(queue *Queue, log zerolog.Logger) *Retrier {
	return &Retrier{
		queue:    queue,
		handlers: make(map[string]Handler),
		log:      log.With().Str("component", "dlq-retrier").Logger(),
	}
}

func (r *Retrier) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

// RunOnce scans the queue once. Per-job isolation: one job's failure
// never stops the scan.
func (r *Retrier) RunOnce(ctx context.Context) (retried, failed int) {
	jobs, err := r.queue.Jobs(ctx, "", 0)
	if err != nil {
		r.log.Warn().Err(err).Msg("dlq scan failed")
		return 0, 0
	}

	now := r.queue.now()
	for _, job := range jobs {
		handler, ok := r.handlers[job.Type]
		if !ok || !ShouldRetry(job, now) {
			continue
		}

		if _, err := r.queue.Remove(ctx, job.ID); err != nil {
			r.log.Warn().Err(err).Str("id", job.ID).Msg("dlq remove failed, skipping job")
			continue
		}

		if err := handler(ctx, job); err != nil {
			failed++
			if _, aerr := r.queue.Add(ctx, job.Type, job.Payload, err, job.Attempts+1); aerr != nil {
				r.log.Error().Err(aerr).Str("type", job.Type).Msg("re-enqueue after failed retry lost")
			}
			continue
		}
		retried++
	}
	if retried > 0 || failed > 0 {
		r.log.Info().Int("retried", retried).Int("failed", failed).Msg("dlq retry pass")
	}
	return retried, failed
}
