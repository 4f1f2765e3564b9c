package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellwisher/internal/clock"
	"wellwisher/internal/types"
)

func newTestSweeper(ledger *fakeLedger, users *fakeUserStore, backfillDays int, m Metrics) *Sweeper {
	if users == nil {
		users = &fakeUserStore{}
	}
	scanner := NewScanner(users, ledger, 9, clock.LeapDayFeb28, m, nil)
	return NewSweeper(ledger, scanner, 30*time.Minute, 500, backfillDays, m, nil)
}

func TestSweep_ResetsStuckJobs(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	ledger := newFakeLedger()

	stuck := seedPendingJob(ledger, "usr_stuck", now.Add(-2*time.Hour))
	ledger.byKey[stuck.IdempotencyKey].Status = types.JobQueued
	ledger.byKey[stuck.IdempotencyKey].UpdatedAt = now.Add(-time.Hour)

	fresh := seedPendingJob(ledger, "usr_fresh", now.Add(-2*time.Hour))
	ledger.byKey[fresh.IdempotencyKey].Status = types.JobQueued
	ledger.byKey[fresh.IdempotencyKey].UpdatedAt = now.Add(-time.Minute)

	m := &countMetrics{}
	s := newTestSweeper(ledger, nil, 0, m)

	require.NoError(t, s.RunOnce(context.Background(), now))

	// Only the row past the SLA was reset.
	assert.Equal(t, types.JobPending, ledger.byKey[stuck.IdempotencyKey].Status)
	assert.Equal(t, types.JobQueued, ledger.byKey[fresh.IdempotencyKey].Status)
	assert.Equal(t, float64(1), m.counts["SweeperRecovered"])
}

func TestSweep_ResetsRetryingJobs(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	ledger := newFakeLedger()

	job := seedPendingJob(ledger, "usr_retry", now.Add(-3*time.Hour))
	ledger.byKey[job.IdempotencyKey].Status = types.JobRetrying
	ledger.byKey[job.IdempotencyKey].UpdatedAt = now.Add(-time.Hour)

	s := newTestSweeper(ledger, nil, 0, &countMetrics{})
	require.NoError(t, s.RunOnce(context.Background(), now))

	assert.Equal(t, types.JobPending, ledger.byKey[job.IdempotencyKey].Status)
}

func TestSweep_TerminalJobsUntouched(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	ledger := newFakeLedger()

	sent := seedPendingJob(ledger, "usr_sent", now.Add(-3*time.Hour))
	ledger.byKey[sent.IdempotencyKey].Status = types.JobSent
	ledger.byKey[sent.IdempotencyKey].UpdatedAt = now.Add(-2 * time.Hour)

	s := newTestSweeper(ledger, nil, 0, &countMetrics{})
	require.NoError(t, s.RunOnce(context.Background(), now))

	assert.Equal(t, types.JobSent, ledger.byKey[sent.IdempotencyKey].Status)
}

func TestSweep_BackfillMaterializesMissedDays(t *testing.T) {
	// The process was down on March 9: no scan ran, no job exists for a
	// user whose event was that day.
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	missed := &types.User{
		ID:         "usr_missed",
		EventType:  types.MessageBirthday,
		EventMonth: time.March,
		EventDay:   9,
		Timezone:   "UTC",
		Address:    "missed@example.com",
	}
	users := &fakeUserStore{byDay: map[dayKey][]*types.User{
		{types.MessageBirthday, time.March, 9}: {missed},
	}}
	ledger := newFakeLedger()
	m := &countMetrics{}
	s := newTestSweeper(ledger, users, 3, m)

	require.NoError(t, s.RunOnce(context.Background(), now))

	jobs := ledger.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "usr_missed", jobs[0].UserID)
	assert.Equal(t, "2025-03-09", jobs[0].OccurrenceDate.String())
	// The send time is in the past; the enqueuer will publish immediately.
	assert.True(t, jobs[0].ScheduledSendTimeUTC.Before(now))
	assert.Equal(t, float64(1), m.counts["BackfillJobsCreated"])
}

func TestSweep_BackfillIdempotentWhenNothingMissed(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	user := jakartaUser("usr_1")
	users := &fakeUserStore{byDay: map[dayKey][]*types.User{
		{types.MessageBirthday, time.March, 10}: {user},
	}}
	ledger := newFakeLedger()

	// Normal scan already materialized the job.
	scanner := NewScanner(users, ledger, 9, clock.LeapDayFeb28, &countMetrics{}, nil)
	_, err := scanner.RunDaily(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, ledger.jobs(), 1)

	m := &countMetrics{}
	s := NewSweeper(ledger, scanner, 30*time.Minute, 500, 3, m, nil)
	require.NoError(t, s.RunOnce(context.Background(), now))

	assert.Len(t, ledger.jobs(), 1)
	assert.Zero(t, m.counts["BackfillJobsCreated"])
}
