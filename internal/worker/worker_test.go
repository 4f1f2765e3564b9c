package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellwisher/internal/delivery"
	"wellwisher/internal/messages"
	"wellwisher/internal/types"
)

// --- fakes ---

type fakeJobStore struct {
	job *types.ScheduleJob

	sentCalls     []string
	retryingCalls []string
	failedCalls   []string
	lastErrors    []string

	getErr       error
	markSentErr  error
	sentApplied  bool
	failApplied  bool
	markRetryErr error
}

func (f *fakeJobStore) GetByID(ctx context.Context, jobID string) (*types.ScheduleJob, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.job, nil
}

func (f *fakeJobStore) MarkSent(ctx context.Context, jobID string) (bool, error) {
	f.sentCalls = append(f.sentCalls, jobID)
	return f.sentApplied, f.markSentErr
}

func (f *fakeJobStore) MarkRetrying(ctx context.Context, jobID string, lastError string) error {
	f.retryingCalls = append(f.retryingCalls, jobID)
	f.lastErrors = append(f.lastErrors, lastError)
	return f.markRetryErr
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, jobID string, lastError string) (bool, error) {
	f.failedCalls = append(f.failedCalls, jobID)
	f.lastErrors = append(f.lastErrors, lastError)
	return f.failApplied, nil
}

type fakeUserStore struct {
	user *types.User
	err  error
}

func (f *fakeUserStore) GetByID(ctx context.Context, userID string) (*types.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

type fakeSender struct {
	requests []delivery.Request
	err      error
}

func (f *fakeSender) Send(ctx context.Context, req delivery.Request) error {
	f.requests = append(f.requests, req)
	return f.err
}

type noopMetrics struct{}

func (noopMetrics) Count(ctx context.Context, name string, value float64, dims ...string) {}

func (noopMetrics) Duration(ctx context.Context, name string, d time.Duration, dims ...string) {}

// --- fixtures ---

func testJob() *types.ScheduleJob {
	date := types.NewLocalDate(2025, time.March, 10)
	return &types.ScheduleJob{
		ID:                   "job_1",
		UserID:               "usr_1",
		MessageType:          types.MessageBirthday,
		OccurrenceDate:       date,
		IdempotencyKey:       types.IdempotencyKey("usr_1", types.MessageBirthday, date),
		ScheduledSendTimeUTC: time.Date(2025, time.March, 10, 2, 0, 0, 0, time.UTC),
		Status:               types.JobQueued,
	}
}

func testUser() *types.User {
	return &types.User{
		ID:          "usr_1",
		DisplayName: "Ana",
		EventType:   types.MessageBirthday,
		EventMonth:  time.March,
		EventDay:    10,
		EventYear:   1995,
		Timezone:    "Asia/Jakarta",
		Address:     "ana@example.com",
	}
}

func testMessage() types.JobMessage {
	job := testJob()
	return types.JobMessage{
		IdempotencyKey:       job.IdempotencyKey,
		JobID:                job.ID,
		UserID:               job.UserID,
		MessageType:          job.MessageType,
		ScheduledSendTimeUTC: job.ScheduledSendTimeUTC,
		Attempt:              1,
	}
}

func newTestWorker(jobs *fakeJobStore, users *fakeUserStore, sender *fakeSender) *Worker {
	return New(jobs, users, messages.DefaultRegistry(), sender, 5, noopMetrics{}, nil)
}

// --- tests ---

func TestHandle_SuccessMarksSentAndAcks(t *testing.T) {
	jobs := &fakeJobStore{job: testJob(), sentApplied: true}
	users := &fakeUserStore{user: testUser()}
	sender := &fakeSender{}
	w := newTestWorker(jobs, users, sender)

	err := w.Handle(context.Background(), testMessage())
	require.NoError(t, err)

	require.Len(t, sender.requests, 1)
	assert.Equal(t, "ana@example.com", sender.requests[0].Address)
	assert.Equal(t, "Hey, Ana, happy 30th birthday!", sender.requests[0].Message)
	assert.Equal(t, testJob().IdempotencyKey, sender.requests[0].IdempotencyKey)
	assert.Equal(t, []string{"job_1"}, jobs.sentCalls)
	assert.Empty(t, jobs.failedCalls)
}

func TestHandle_TerminalJobDiscardedWithoutDelivery(t *testing.T) {
	job := testJob()
	job.Status = types.JobSent
	jobs := &fakeJobStore{job: job}
	sender := &fakeSender{}
	w := newTestWorker(jobs, &fakeUserStore{user: testUser()}, sender)

	err := w.Handle(context.Background(), testMessage())
	require.NoError(t, err)

	// Idempotent redelivery: no second send, no ledger writes.
	assert.Empty(t, sender.requests)
	assert.Empty(t, jobs.sentCalls)
	assert.Empty(t, jobs.retryingCalls)
}

func TestHandle_MissingJobAcksQuietly(t *testing.T) {
	jobs := &fakeJobStore{getErr: types.NewAppError(types.ErrCodeNotFoundJob, "gone", nil)}
	sender := &fakeSender{}
	w := newTestWorker(jobs, &fakeUserStore{user: testUser()}, sender)

	err := w.Handle(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Empty(t, sender.requests)
}

func TestHandle_TransientFailureMarksRetryingAndReturnsError(t *testing.T) {
	jobs := &fakeJobStore{job: testJob()}
	sender := &fakeSender{err: types.NewAppError(types.ErrCodeDeliveryTransient, "503", nil)}
	w := newTestWorker(jobs, &fakeUserStore{user: testUser()}, sender)

	err := w.Handle(context.Background(), testMessage())
	require.Error(t, err)

	assert.Equal(t, []string{"job_1"}, jobs.retryingCalls)
	assert.Empty(t, jobs.sentCalls)
	assert.Empty(t, jobs.failedCalls)
}

func TestHandle_AttemptCapFailsJobInsteadOfRequeueing(t *testing.T) {
	jobs := &fakeJobStore{job: testJob(), failApplied: true}
	sender := &fakeSender{err: types.NewAppError(types.ErrCodeDeliveryTransient, "503", nil)}
	w := newTestWorker(jobs, &fakeUserStore{user: testUser()}, sender)

	// Fifth receive of the same message with a worker cap of five: this
	// attempt was the last one, so the outcome is terminal, not another
	// redelivery.
	msg := testMessage()
	msg.Attempt = 5
	err := w.Handle(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, []string{"job_1"}, jobs.failedCalls)
	assert.Empty(t, jobs.retryingCalls)
}

func TestHandle_LedgerAttemptCountCapsSweeperRecycling(t *testing.T) {
	job := testJob()
	job.AttemptCount = 7
	jobs := &fakeJobStore{job: job, failApplied: true}
	sender := &fakeSender{err: types.NewAppError(types.ErrCodeDeliveryTransient, "503", nil)}
	w := newTestWorker(jobs, &fakeUserStore{user: testUser()}, sender)

	// A sweeper-recycled job arrives as a fresh message (Attempt 1), but
	// the ledger already records seven failed attempts; the cap still
	// applies.
	err := w.Handle(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, []string{"job_1"}, jobs.failedCalls)
	assert.Empty(t, jobs.retryingCalls)
}

func TestHandle_BreakerOpenTreatedAsTransient(t *testing.T) {
	jobs := &fakeJobStore{job: testJob()}
	sender := &fakeSender{err: types.NewAppError(types.ErrCodeDeliveryBreaker, "open", nil)}
	w := newTestWorker(jobs, &fakeUserStore{user: testUser()}, sender)

	err := w.Handle(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, []string{"job_1"}, jobs.retryingCalls)
}

func TestHandle_PermanentFailureMarksFailedAndAcks(t *testing.T) {
	jobs := &fakeJobStore{job: testJob(), failApplied: true}
	sender := &fakeSender{err: types.NewAppError(types.ErrCodeDeliveryPermanent, "bad address", nil)}
	w := newTestWorker(jobs, &fakeUserStore{user: testUser()}, sender)

	err := w.Handle(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, []string{"job_1"}, jobs.failedCalls)
	assert.Empty(t, jobs.retryingCalls)
}

func TestHandle_DeletedUserFailsJob(t *testing.T) {
	user := testUser()
	user.Deleted = true
	jobs := &fakeJobStore{job: testJob(), failApplied: true}
	sender := &fakeSender{}
	w := newTestWorker(jobs, &fakeUserStore{user: user}, sender)

	err := w.Handle(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Empty(t, sender.requests)
	assert.Equal(t, []string{"job_1"}, jobs.failedCalls)
}

func TestHandle_MissingUserFailsJob(t *testing.T) {
	jobs := &fakeJobStore{job: testJob(), failApplied: true}
	users := &fakeUserStore{err: types.NewAppError(types.ErrCodeNotFoundUser, "gone", nil)}
	w := newTestWorker(jobs, users, &fakeSender{})

	err := w.Handle(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, []string{"job_1"}, jobs.failedCalls)
}

func TestHandle_DBErrorLoadingJobLeavesForRedelivery(t *testing.T) {
	jobs := &fakeJobStore{getErr: types.NewAppError(types.ErrCodeInternalDB, "connection reset", errors.New("boom"))}
	w := newTestWorker(jobs, &fakeUserStore{user: testUser()}, &fakeSender{})

	err := w.Handle(context.Background(), testMessage())
	require.Error(t, err)
}

func TestHandle_MarkSentFailureLeavesForRedelivery(t *testing.T) {
	jobs := &fakeJobStore{
		job:         testJob(),
		markSentErr: types.NewAppError(types.ErrCodeInternalDB, "write failed", nil),
	}
	sender := &fakeSender{}
	w := newTestWorker(jobs, &fakeUserStore{user: testUser()}, sender)

	// Delivery happened but the ledger write failed: the message must not
	// be acked, and the idempotency key shields the redelivery.
	err := w.Handle(context.Background(), testMessage())
	require.Error(t, err)
	assert.Len(t, sender.requests, 1)
}

func TestHandle_ConcurrentCompletionTolerated(t *testing.T) {
	jobs := &fakeJobStore{job: testJob(), sentApplied: false}
	sender := &fakeSender{}
	w := newTestWorker(jobs, &fakeUserStore{user: testUser()}, sender)

	// MarkSent reporting zero rows means another worker finished first;
	// still a success from this worker's perspective.
	err := w.Handle(context.Background(), testMessage())
	require.NoError(t, err)
}
