package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wellwisher/internal/types"
)

// EnqueueJobStore is the ledger access the enqueuer needs.
type EnqueueJobStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*types.ScheduleJob, error)
	ReleaseClaim(ctx context.Context, jobID string) (bool, error)
}

// QueuePublisher publishes job messages to the transport.
type QueuePublisher interface {
	Publish(ctx context.Context, msg types.JobMessage) error
}

// Enqueuer moves due ledger rows onto the queue. Replicas are safe: the
// claim query hands out disjoint rows, and a crash between claim and
// publish is repaired by the sweeper.
type Enqueuer struct {
	jobs      EnqueueJobStore
	publisher QueuePublisher
	batch     int
	metrics   Metrics
	logger    *slog.Logger
}

// NewEnqueuer creates an Enqueuer.
func NewEnqueuer(jobs EnqueueJobStore, publisher QueuePublisher, batch int, m Metrics, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{
		jobs:      jobs,
		publisher: publisher,
		batch:     batch,
		metrics:   m,
		logger:    logger,
	}
}

// RunOnce claims and publishes every job due at now, draining in batches
// until the ledger has no more due pending rows. Returns the number of
// jobs published.
func (e *Enqueuer) RunOnce(ctx context.Context, now time.Time) (int, error) {
	published := 0

	for {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		jobs, err := e.jobs.ClaimDue(ctx, now, e.batch)
		if err != nil {
			return published, fmt.Errorf("scheduler: claiming due jobs: %w", err)
		}
		if len(jobs) == 0 {
			return published, nil
		}

		batchPublished := 0
		var lastErr error
		for _, job := range jobs {
			if err := e.publishOne(ctx, job); err != nil {
				lastErr = err
				continue
			}
			batchPublished++
		}
		published += batchPublished
		e.metrics.Count(ctx, "JobsEnqueued", float64(batchPublished))

		// A batch where nothing went out means the broker is unreachable;
		// re-claiming the released rows in the same tick would spin. Give
		// up until the next tick.
		if batchPublished == 0 {
			return published, fmt.Errorf("scheduler: publishing claimed jobs: %w", lastErr)
		}

		if len(jobs) < e.batch {
			return published, nil
		}
	}
}

// publishOne sends one claimed job to the queue. A publish failure rolls
// the claim back so the next tick retries; the rollback itself failing is
// tolerable because the sweeper resets the stuck row after the SLA.
func (e *Enqueuer) publishOne(ctx context.Context, job *types.ScheduleJob) error {
	msg := types.JobMessage{
		IdempotencyKey:       job.IdempotencyKey,
		JobID:                job.ID,
		UserID:               job.UserID,
		MessageType:          job.MessageType,
		ScheduledSendTimeUTC: job.ScheduledSendTimeUTC,
		TraceID:              uuid.NewString(),
	}

	if err := e.publisher.Publish(ctx, msg); err != nil {
		e.logger.ErrorContext(ctx, "publish failed, releasing claim",
			"job_id", job.ID,
			"error", err,
		)
		if _, relErr := e.jobs.ReleaseClaim(ctx, job.ID); relErr != nil {
			e.logger.ErrorContext(ctx, "claim release failed, sweeper will recover the row",
				"job_id", job.ID,
				"error", relErr,
			)
		}
		return err
	}
	return nil
}
