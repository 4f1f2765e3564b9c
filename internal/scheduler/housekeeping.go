package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wellwisher/internal/clock"
	"wellwisher/internal/types"
)

// HousekeepingJobStore is the ledger access the housekeeping hook needs.
type HousekeepingJobStore interface {
	CancelPending(ctx context.Context, userID string, mt types.MessageType) (int, error)
	InsertIfAbsent(ctx context.Context, job *types.ScheduleJob) (bool, error)
}

// UserChangeHandler is the interface handed to the user CRUD layer. It is
// the single place that layer calls back into the pipeline.
type UserChangeHandler interface {
	OnUserChanged(ctx context.Context, user *types.User) error
}

// Housekeeping keeps the ledger consistent with user mutations: a
// timezone or event-date change invalidates the still-pending job, and a
// soft delete cancels it outright.
type Housekeeping struct {
	jobs     HousekeepingJobStore
	clk      clock.Clock
	sendHour int
	policy   clock.LeapDayPolicy
	logger   *slog.Logger
}

// NewHousekeeping creates the housekeeping hook.
func NewHousekeeping(jobs HousekeepingJobStore, clk clock.Clock, sendHour int, policy clock.LeapDayPolicy, logger *slog.Logger) *Housekeeping {
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeping{
		jobs:     jobs,
		clk:      clk,
		sendHour: sendHour,
		policy:   policy,
		logger:   logger,
	}
}

// OnUserChanged cancels the user's pending job and, when the event still
// falls today in the user's (possibly new) timezone, re-materializes it
// with the recomputed send time. Jobs already queued are left to the
// worker, which re-reads the user and discards deliveries for deleted
// accounts.
func (h *Housekeeping) OnUserChanged(ctx context.Context, user *types.User) error {
	// The mutation may be the event type itself, so cancellation covers
	// every message type, not just the user's current one.
	cancelled := 0
	for _, mt := range messageTypes {
		n, err := h.jobs.CancelPending(ctx, user.ID, mt)
		if err != nil {
			return fmt.Errorf("scheduler: cancelling pending %s jobs for user %s: %w", mt, user.ID, err)
		}
		cancelled += n
	}
	if cancelled > 0 {
		h.logger.InfoContext(ctx, "cancelled pending jobs after user change",
			"user_id", user.ID,
			"cancelled", cancelled,
		)
	}

	if user.Deleted {
		return nil
	}

	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler: unknown timezone %q for user %s: %w", user.Timezone, user.ID, err)
	}

	localNow := h.clk.Now().In(loc)
	today := types.NewLocalDate(localNow.Year(), localNow.Month(), localNow.Day())
	if !clock.EventMatches(today, user.EventMonth, user.EventDay, h.policy) {
		return nil
	}

	sendAt, err := clock.ResolveSendTime(today, user.Timezone, h.sendHour, h.policy)
	if err != nil {
		if errors.Is(err, clock.ErrSkippedOccurrence) {
			return nil
		}
		return fmt.Errorf("scheduler: resolving send time for user %s: %w", user.ID, err)
	}

	job := NewScheduleJob(user.ID, user.EventType, today, sendAt)
	created, err := h.jobs.InsertIfAbsent(ctx, job)
	if err != nil {
		return fmt.Errorf("scheduler: re-materializing job for user %s: %w", user.ID, err)
	}
	if created {
		h.logger.InfoContext(ctx, "re-materialized job after user change",
			"job_id", job.ID,
			"user_id", user.ID,
			"scheduled_send_time_utc", sendAt.Format(time.RFC3339),
		)
	}
	return nil
}

var _ UserChangeHandler = (*Housekeeping)(nil)
