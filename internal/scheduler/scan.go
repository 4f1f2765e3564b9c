// Package scheduler contains the pipeline's scheduled jobs: the daily scan
// that materializes schedule ledger rows, the due-work enqueuer, the
// recovery sweeper, and the ledger housekeeping hook. Every entry point
// takes `now` as a parameter so tests pin time exactly.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wellwisher/internal/clock"
	"wellwisher/internal/types"
)

// messageTypes is the set the scan materializes jobs for.
var messageTypes = []types.MessageType{types.MessageBirthday, types.MessageAnniversary}

// ScanUserStore lists scan candidates.
type ScanUserStore interface {
	ListActiveWithEventOn(ctx context.Context, mt types.MessageType, month time.Month, day int) ([]*types.User, error)
}

// ScanJobStore materializes ledger rows.
type ScanJobStore interface {
	InsertIfAbsent(ctx context.Context, job *types.ScheduleJob) (bool, error)
}

// Metrics is the recorder subset the scheduled jobs emit to.
type Metrics interface {
	Count(ctx context.Context, name string, value float64, dims ...string)
}

// ScanStats summarizes one scan run, for logging and metrics.
type ScanStats struct {
	UsersSeen   int
	JobsCreated int
	Duplicates  int
	Skipped     int
	BadUsers    int
}

// Scanner materializes schedule jobs for users whose event falls on a
// given local calendar day.
type Scanner struct {
	users    ScanUserStore
	jobs     ScanJobStore
	sendHour int
	policy   clock.LeapDayPolicy
	metrics  Metrics
	logger   *slog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(users ScanUserStore, jobs ScanJobStore, sendHour int, policy clock.LeapDayPolicy, m Metrics, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		users:    users,
		jobs:     jobs,
		sendHour: sendHour,
		policy:   policy,
		metrics:  m,
		logger:   logger,
	}
}

// RunDaily performs the once-per-UTC-day scan. A single UTC day spans
// parts of three local calendar days across the UTC-12..UTC+14 zone range,
// so the scan covers yesterday, today, and tomorrow relative to now's UTC
// date. Overlap with adjacent runs is harmless: the idempotency key turns
// repeats into no-ops.
func (s *Scanner) RunDaily(ctx context.Context, now time.Time) (ScanStats, error) {
	utcNow := now.UTC()
	base := types.NewLocalDate(utcNow.Year(), utcNow.Month(), utcNow.Day())

	var total ScanStats
	for _, offset := range []int{-1, 0, 1} {
		stats, err := s.ScanDate(ctx, addDays(base, offset))
		total = total.add(stats)
		if err != nil {
			return total, err
		}
	}

	s.logger.InfoContext(ctx, "daily scan complete",
		"base_date", base.String(),
		"users_seen", total.UsersSeen,
		"jobs_created", total.JobsCreated,
		"duplicates", total.Duplicates,
		"skipped", total.Skipped,
		"bad_users", total.BadUsers,
	)
	s.metrics.Count(ctx, "ScanJobsCreated", float64(total.JobsCreated))
	s.metrics.Count(ctx, "ScanBadUsers", float64(total.BadUsers))

	return total, nil
}

// ScanDate materializes jobs for every user whose event falls on the given
// local calendar date. Safe to re-run for any date; the sweeper uses it for
// retroactive backfill after downtime.
func (s *Scanner) ScanDate(ctx context.Context, date types.LocalDate) (ScanStats, error) {
	var stats ScanStats

	for _, mt := range messageTypes {
		users, err := s.users.ListActiveWithEventOn(ctx, mt, date.Month, date.Day)
		if err != nil {
			return stats, fmt.Errorf("scheduler: listing users for %s on %s: %w", mt, date, err)
		}

		// A Feb 29 event surfaces on Feb 28 of a non-leap year under the
		// fallback policy; those users are not found by the exact-day query.
		if s.policy != clock.LeapDaySkip &&
			date.Month == time.February && date.Day == 28 && !date.IsLeapYear() {
			leapUsers, err := s.users.ListActiveWithEventOn(ctx, mt, time.February, 29)
			if err != nil {
				return stats, fmt.Errorf("scheduler: listing leap-day users for %s: %w", mt, err)
			}
			users = append(users, leapUsers...)
		}

		for _, user := range users {
			stats.UsersSeen++
			if err := s.materialize(ctx, user, mt, date, &stats); err != nil {
				return stats, err
			}
		}
	}

	return stats, nil
}

// materialize resolves and inserts one job. Per-user problems (bad
// timezone, malformed event date) are logged and counted, never returned:
// one bad record must not stop the scan.
func (s *Scanner) materialize(ctx context.Context, user *types.User, mt types.MessageType, date types.LocalDate, stats *ScanStats) error {
	if !clock.EventMatches(date, user.EventMonth, user.EventDay, s.policy) {
		// The exact-day query already matched; this only filters the
		// leap-day augmentation in years where Feb 29 exists.
		return nil
	}
	if user.EventMonth == time.February && user.EventDay == 29 && date.Day == 28 {
		s.logger.InfoContext(ctx, "leap-day event falling back to feb 28",
			"user_id", user.ID,
			"occurrence_date", date.String(),
		)
	}

	sendAt, err := clock.ResolveSendTime(date, user.Timezone, s.sendHour, s.policy)
	if err != nil {
		if errors.Is(err, clock.ErrSkippedOccurrence) {
			stats.Skipped++
			return nil
		}
		stats.BadUsers++
		s.logger.ErrorContext(ctx, "skipping user with unresolvable send time",
			"user_id", user.ID,
			"timezone", user.Timezone,
			"occurrence_date", date.String(),
			"error", err,
		)
		return nil
	}

	job := NewScheduleJob(user.ID, mt, date, sendAt)
	created, err := s.jobs.InsertIfAbsent(ctx, job)
	if err != nil {
		return fmt.Errorf("scheduler: inserting job for user %s: %w", user.ID, err)
	}
	if created {
		stats.JobsCreated++
		s.logger.InfoContext(ctx, "schedule job materialized",
			"job_id", job.ID,
			"user_id", user.ID,
			"message_type", string(mt),
			"occurrence_date", date.String(),
			"scheduled_send_time_utc", sendAt.Format(time.RFC3339),
		)
	} else {
		stats.Duplicates++
	}
	return nil
}

// NewScheduleJob builds a pending ledger row with its derived idempotency
// key.
func NewScheduleJob(userID string, mt types.MessageType, date types.LocalDate, sendAt time.Time) *types.ScheduleJob {
	return &types.ScheduleJob{
		ID:                   "job_" + uuid.NewString(),
		UserID:               userID,
		MessageType:          mt,
		OccurrenceDate:       date,
		IdempotencyKey:       types.IdempotencyKey(userID, mt, date),
		ScheduledSendTimeUTC: sendAt,
		Status:               types.JobPending,
	}
}

// addDays shifts a calendar date by whole days.
func addDays(d types.LocalDate, days int) types.LocalDate {
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	return types.NewLocalDate(t.Year(), t.Month(), t.Day())
}

func (s ScanStats) add(o ScanStats) ScanStats {
	return ScanStats{
		UsersSeen:   s.UsersSeen + o.UsersSeen,
		JobsCreated: s.JobsCreated + o.JobsCreated,
		Duplicates:  s.Duplicates + o.Duplicates,
		Skipped:     s.Skipped + o.Skipped,
		BadUsers:    s.BadUsers + o.BadUsers,
	}
}
