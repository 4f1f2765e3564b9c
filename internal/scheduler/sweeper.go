package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wellwisher/internal/types"
)

// SweepJobStore is the ledger access the sweeper needs.
type SweepJobStore interface {
	ResetStuck(ctx context.Context, cutoff time.Time, limit int) ([]*types.ScheduleJob, error)
}

// Sweeper repairs the two failure classes the happy path cannot: rows
// stuck in queued/retrying because a message was lost or a worker crashed
// before ack, and whole days of missing rows because no scan ran while the
// process was down.
type Sweeper struct {
	jobs         SweepJobStore
	scanner      *Scanner
	stuckSLA     time.Duration
	batch        int
	backfillDays int
	metrics      Metrics
	logger       *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(jobs SweepJobStore, scanner *Scanner, stuckSLA time.Duration, batch int, backfillDays int, m Metrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		jobs:         jobs,
		scanner:      scanner,
		stuckSLA:     stuckSLA,
		batch:        batch,
		backfillDays: backfillDays,
		metrics:      m,
		logger:       logger,
	}
}

// RunOnce performs one sweep: reset stuck rows, then backfill recent
// occurrence dates. Each phase's failure is independent; a reset problem
// does not skip the backfill.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) error {
	resetErr := s.resetStuck(ctx, now)
	backfillErr := s.backfill(ctx, now)

	if resetErr != nil {
		return resetErr
	}
	return backfillErr
}

// resetStuck moves rows stuck past the SLA back to pending, draining in
// batches. The enqueuer's normal path re-publishes them on its next tick.
func (s *Sweeper) resetStuck(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.stuckSLA)
	total := 0

	for {
		recovered, err := s.jobs.ResetStuck(ctx, cutoff, s.batch)
		if err != nil {
			return fmt.Errorf("scheduler: resetting stuck jobs: %w", err)
		}
		for _, job := range recovered {
			s.logger.WarnContext(ctx, "recovered stuck job",
				"job_id", job.ID,
				"user_id", job.UserID,
				"attempt_count", job.AttemptCount,
				"scheduled_send_time_utc", job.ScheduledSendTimeUTC.Format(time.RFC3339),
			)
		}
		total += len(recovered)
		if len(recovered) < s.batch {
			break
		}
	}

	if total > 0 {
		s.metrics.Count(ctx, "SweeperRecovered", float64(total))
		s.logger.InfoContext(ctx, "sweep reset complete", "recovered", total)
	}
	return nil
}

// backfill re-runs the daily scan for the last backfillDays occurrence
// dates. If every scan ran on schedule this creates nothing; after an
// outage it materializes the rows the missed scans would have, with send
// times already in the past so the enqueuer publishes them immediately.
func (s *Sweeper) backfill(ctx context.Context, now time.Time) error {
	if s.backfillDays <= 0 {
		return nil
	}

	utcNow := now.UTC()
	base := types.NewLocalDate(utcNow.Year(), utcNow.Month(), utcNow.Day())

	for offset := -s.backfillDays; offset <= 0; offset++ {
		date := addDays(base, offset)
		stats, err := s.scanner.ScanDate(ctx, date)
		if err != nil {
			return fmt.Errorf("scheduler: backfill scan for %s: %w", date, err)
		}
		if stats.JobsCreated > 0 {
			s.logger.WarnContext(ctx, "backfill materialized missed jobs",
				"occurrence_date", date.String(),
				"jobs_created", stats.JobsCreated,
			)
			s.metrics.Count(ctx, "BackfillJobsCreated", float64(stats.JobsCreated))
		}
	}
	return nil
}
