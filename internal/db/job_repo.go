package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"wellwisher/internal/types"
)

// jobColumns is the canonical column list scanned into a ScheduleJob.
const jobColumns = `id, user_id, message_type, occurrence_date,
	idempotency_key, scheduled_send_time_utc, status, attempt_count,
	last_error, created_at, updated_at`

// ScheduleJobRepository provides data access for the schedule_jobs table,
// the durable ledger of the pipeline.
type ScheduleJobRepository struct {
	db DBTX
}

// NewScheduleJobRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewScheduleJobRepository(db DBTX) *ScheduleJobRepository {
	return &ScheduleJobRepository{db: db}
}

// InsertIfAbsent performs the idempotent materialization insert:
//
//	INSERT ... ON CONFLICT (idempotency_key) DO NOTHING
//
// Returns created=false when a row with the same idempotency key already
// exists -- that is the expected outcome for a re-run scan or a concurrent
// replica and is not an error.
func (r *ScheduleJobRepository) InsertIfAbsent(ctx context.Context, job *types.ScheduleJob) (created bool, err error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO schedule_jobs
		 (id, user_id, message_type, occurrence_date, idempotency_key,
		  scheduled_send_time_utc, status, attempt_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NOW(), NOW())
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		job.ID,
		job.UserID,
		string(job.MessageType),
		job.OccurrenceDate.String(),
		job.IdempotencyKey,
		job.ScheduledSendTimeUTC,
		string(types.JobPending),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert schedule job", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDue atomically transitions due pending jobs to queued and returns
// them. The inner SELECT uses FOR UPDATE SKIP LOCKED so that concurrent
// enqueuer replicas claim disjoint rows; a replica that loses every race
// simply observes an empty result and moves on.
func (r *ScheduleJobRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*types.ScheduleJob, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`UPDATE schedule_jobs SET status = 'queued', updated_at = NOW()
		 WHERE id IN (
		   SELECT id FROM schedule_jobs
		   WHERE status = 'pending' AND scheduled_send_time_utc <= $1
		   ORDER BY scheduled_send_time_utc
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim due jobs", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ReleaseClaim rolls a job back from queued to pending. This is the only
// sanctioned backward transition, used when a publish is known to have
// failed before the broker accepted the message. Returns applied=false if
// the row was not in queued (another actor already moved it on).
func (r *ScheduleJobRepository) ReleaseClaim(ctx context.Context, jobID string) (applied bool, err error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_jobs SET status = 'pending', updated_at = NOW()
		 WHERE id = $1 AND status = 'queued'`,
		jobID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to release claim", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID fetches a single job, including terminal ones.
func (r *ScheduleJobRepository) GetByID(ctx context.Context, jobID string) (*types.ScheduleJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM schedule_jobs WHERE id = $1`,
		jobID,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "schedule job not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get schedule job", err)
	}
	return job, nil
}

// MarkSent records a successful delivery. The transition is conditional on
// the job not being terminal; applied=false means another worker already
// finished it, which callers treat as an idempotent no-op. Pending is
// included because the sweeper may reset a row while its delivery is still
// in flight, and the send must still be recorded.
func (r *ScheduleJobRepository) MarkSent(ctx context.Context, jobID string) (applied bool, err error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_jobs SET
			status = 'sent',
			attempt_count = attempt_count + 1,
			last_error = NULL,
			updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'queued', 'retrying')`,
		jobID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark job sent", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRetrying records a transient delivery failure. The job stays
// non-terminal so queue redelivery (or the sweeper, if the message is
// lost) will drive another attempt.
func (r *ScheduleJobRepository) MarkRetrying(ctx context.Context, jobID string, lastError string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE schedule_jobs SET
			status = 'retrying',
			attempt_count = attempt_count + 1,
			last_error = $2,
			updated_at = NOW()
		 WHERE id = $1 AND status IN ('queued', 'retrying')`,
		jobID,
		lastError,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job retrying", err)
	}
	return nil
}

// MarkFailed records a terminal failure with the final error. Conditional
// on the job not already being terminal so a late duplicate delivery can
// never overwrite a sent status.
func (r *ScheduleJobRepository) MarkFailed(ctx context.Context, jobID string, lastError string) (applied bool, err error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_jobs SET
			status = 'failed',
			attempt_count = attempt_count + 1,
			last_error = $2,
			updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('sent', 'failed')`,
		jobID,
		lastError,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark job failed", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetStuck finds jobs sitting in queued or retrying since before the
// cutoff -- evidence the queue message was lost to a broker outage or a
// worker crash before ack -- and resets them to pending so the normal
// enqueuer path picks them up again. Returns the recovered jobs for
// logging and metrics.
func (r *ScheduleJobRepository) ResetStuck(ctx context.Context, cutoff time.Time, limit int) ([]*types.ScheduleJob, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.Query(ctx,
		`UPDATE schedule_jobs SET status = 'pending', updated_at = NOW()
		 WHERE id IN (
		   SELECT id FROM schedule_jobs
		   WHERE status IN ('queued', 'retrying') AND updated_at < $1
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to reset stuck jobs", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CancelPending deletes the still-pending jobs for a user and message
// type. Used by the ledger housekeeping hook when the CRUD layer reports a
// timezone or event-date change, or a soft delete. Jobs already queued or
// terminal are left alone; the worker's status check makes a stale queued
// job harmless.
func (r *ScheduleJobRepository) CancelPending(ctx context.Context, userID string, mt types.MessageType) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM schedule_jobs
		 WHERE user_id = $1 AND message_type = $2 AND status = 'pending'`,
		userID,
		string(mt),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel pending jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanJob scans a single row into a ScheduleJob.
func scanJob(row pgx.Row) (*types.ScheduleJob, error) {
	var (
		job       types.ScheduleJob
		mt        string
		status    string
		occDate   string
		lastError *string
	)

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&mt,
		&occDate,
		&job.IdempotencyKey,
		&job.ScheduledSendTimeUTC,
		&status,
		&job.AttemptCount,
		&lastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.MessageType = types.MessageType(mt)
	job.Status = types.JobStatus(status)
	if lastError != nil {
		job.LastError = *lastError
	}

	date, err := types.ParseLocalDate(occDate)
	if err != nil {
		return nil, err
	}
	job.OccurrenceDate = date

	return &job, nil
}

// scanJobs drains a result set of job rows.
func scanJobs(rows pgx.Rows) ([]*types.ScheduleJob, error) {
	var jobs []*types.ScheduleJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job row", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job rows", err)
	}
	return jobs, nil
}
