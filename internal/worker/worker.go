// Package worker implements the delivery worker: the queue handler that
// turns a claimed schedule job into a delivered message and a terminal
// ledger state.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wellwisher/internal/delivery"
	"wellwisher/internal/messages"
	"wellwisher/internal/types"
)

// JobStore is the ledger access the worker needs.
type JobStore interface {
	GetByID(ctx context.Context, jobID string) (*types.ScheduleJob, error)
	MarkSent(ctx context.Context, jobID string) (bool, error)
	MarkRetrying(ctx context.Context, jobID string, lastError string) error
	MarkFailed(ctx context.Context, jobID string, lastError string) (bool, error)
}

// UserStore is the user lookup the worker needs.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (*types.User, error)
}

// Worker processes job messages from the queue. Handle is safe to call
// concurrently; all shared state lives behind the stores and the sender.
type Worker struct {
	jobs        JobStore
	users       UserStore
	registry    *messages.Registry
	sender      delivery.Sender
	maxAttempts int
	metrics     Metrics
	logger      *slog.Logger
}

// Metrics is the recorder subset the worker emits to.
type Metrics interface {
	Count(ctx context.Context, name string, value float64, dims ...string)
	Duration(ctx context.Context, name string, d time.Duration, dims ...string)
}

// New creates a Worker. maxAttempts caps total delivery attempts per job;
// a transient failure at the cap becomes a terminal failed status instead
// of another redelivery.
func New(jobs JobStore, users UserStore, registry *messages.Registry, sender delivery.Sender, maxAttempts int, m Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		jobs:        jobs,
		users:       users,
		registry:    registry,
		sender:      sender,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger,
	}
}

// Handle processes one job message. The return value drives queue acks:
// nil acknowledges the message (success, permanent failure, or duplicate);
// non-nil leaves it for visibility-timeout redelivery (transient failure).
//
// The ledger is the source of truth, not the message: the job row is
// re-read on every delivery so duplicates and late redeliveries of jobs
// that already reached a terminal state collapse into no-ops.
func (w *Worker) Handle(ctx context.Context, msg types.JobMessage) error {
	started := time.Now()

	job, err := w.jobs.GetByID(ctx, msg.JobID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundJob {
			// The housekeeping hook deleted the pending row after the
			// message was published. Nothing to deliver.
			w.logger.InfoContext(ctx, "job no longer exists, discarding message",
				"job_id", msg.JobID,
			)
			return nil
		}
		return fmt.Errorf("worker: loading job %s: %w", msg.JobID, err)
	}

	if job.Status.Terminal() {
		w.logger.InfoContext(ctx, "job already terminal, discarding duplicate",
			"job_id", job.ID,
			"status", string(job.Status),
		)
		w.metrics.Count(ctx, "DuplicateDiscarded", 1)
		return nil
	}

	user, err := w.users.GetByID(ctx, job.UserID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundUser {
			return w.failPermanently(ctx, job, "user no longer exists")
		}
		return fmt.Errorf("worker: loading user %s: %w", job.UserID, err)
	}
	if user.Deleted {
		return w.failPermanently(ctx, job, "user was deleted")
	}

	composer, ok := w.registry.Lookup(job.MessageType)
	if !ok {
		return w.failPermanently(ctx, job,
			fmt.Sprintf("no composer for message type %q", job.MessageType))
	}

	req := delivery.Request{
		IdempotencyKey: job.IdempotencyKey,
		Address:        user.Address,
		MessageType:    string(job.MessageType),
		Message:        composer.Compose(user, job.OccurrenceDate),
	}

	if err := w.sender.Send(ctx, req); err != nil {
		switch types.CodeOf(err) {
		case types.ErrCodeDeliveryPermanent:
			return w.failPermanently(ctx, job, err.Error())
		default:
			// The attempt budget spans both redeliveries of one message and
			// sweeper-recycled republications, so the larger of the receive
			// count and the ledger's own count decides.
			attempt := msg.Attempt
			if job.AttemptCount+1 > attempt {
				attempt = job.AttemptCount + 1
			}
			if attempt >= w.maxAttempts {
				return w.failPermanently(ctx, job,
					fmt.Sprintf("attempts exhausted (%d): %s", attempt, err.Error()))
			}

			// Transient or breaker-open: record the attempt and let the
			// queue redeliver after the visibility timeout.
			if markErr := w.jobs.MarkRetrying(ctx, job.ID, err.Error()); markErr != nil {
				w.logger.ErrorContext(ctx, "failed to record retrying status",
					"job_id", job.ID,
					"error", markErr,
				)
			}
			w.metrics.Count(ctx, "DeliveryTransientFailure", 1,
				"MessageType", string(job.MessageType))
			return fmt.Errorf("worker: transient delivery failure for job %s: %w", job.ID, err)
		}
	}

	applied, err := w.jobs.MarkSent(ctx, job.ID)
	if err != nil {
		// The message was delivered but the ledger write failed. Not
		// acking would redeliver and re-send; the idempotency key lets the
		// downstream suppress the duplicate, so redelivery is the safer
		// side of at-least-once.
		return fmt.Errorf("worker: recording sent status for job %s: %w", job.ID, err)
	}
	if !applied {
		w.logger.WarnContext(ctx, "job concluded by another worker during delivery",
			"job_id", job.ID,
		)
	}

	w.metrics.Count(ctx, "DeliverySucceeded", 1, "MessageType", string(job.MessageType))
	w.metrics.Duration(ctx, "DeliveryLatency", time.Since(started),
		"MessageType", string(job.MessageType))
	w.metrics.Duration(ctx, "QueueLag", time.Since(job.ScheduledSendTimeUTC))
	w.logger.InfoContext(ctx, "message delivered",
		"job_id", job.ID,
		"user_id", job.UserID,
		"message_type", string(job.MessageType),
		"attempt", msg.Attempt,
	)

	return nil
}

// failPermanently moves a job to failed and acknowledges the message.
func (w *Worker) failPermanently(ctx context.Context, job *types.ScheduleJob, reason string) error {
	applied, err := w.jobs.MarkFailed(ctx, job.ID, reason)
	if err != nil {
		return fmt.Errorf("worker: recording failed status for job %s: %w", job.ID, err)
	}
	if applied {
		w.logger.ErrorContext(ctx, "job failed permanently",
			"job_id", job.ID,
			"user_id", job.UserID,
			"reason", reason,
		)
		w.metrics.Count(ctx, "DeliveryFailedPermanent", 1,
			"MessageType", string(job.MessageType))
	}
	return nil
}
