package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wellwisher/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows ---

type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *int:
			*v = row[i].(int)
		case *time.Time:
			*v = row[i].(time.Time)
		case **string:
			if row[i] == nil {
				*v = nil
			} else {
				s := row[i].(string)
				*v = &s
			}
		case **int:
			if row[i] == nil {
				*v = nil
			} else {
				n := row[i].(int)
				*v = &n
			}
		case *bool:
			*v = row[i].(bool)
		}
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// jobRow builds a raw row in jobColumns order.
func jobRow(id, userID string, status string, sendAt time.Time) []any {
	return []any{
		id, userID, "birthday", "2025-03-10",
		types.IdempotencyKey(userID, types.MessageBirthday, types.NewLocalDate(2025, time.March, 10)),
		sendAt, status, 0, nil,
		sendAt.Add(-24 * time.Hour), sendAt.Add(-24 * time.Hour),
	}
}

// --- ScheduleJobRepository tests ---

func TestInsertIfAbsent_Created(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	date := types.NewLocalDate(2025, time.March, 10)
	job := &types.ScheduleJob{
		ID:                   "job_1",
		UserID:               "usr_1",
		MessageType:          types.MessageBirthday,
		OccurrenceDate:       date,
		IdempotencyKey:       types.IdempotencyKey("usr_1", types.MessageBirthday, date),
		ScheduledSendTimeUTC: time.Date(2025, time.March, 10, 2, 0, 0, 0, time.UTC),
	}

	created, err := repo.InsertIfAbsent(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)
	db.AssertExpectations(t)
}

func TestInsertIfAbsent_DuplicateIsNotAnError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()

	// ON CONFLICT DO NOTHING: zero rows affected.
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	created, err := repo.InsertIfAbsent(ctx, &types.ScheduleJob{ID: "job_1"})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestInsertIfAbsent_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.InsertIfAbsent(ctx, &types.ScheduleJob{ID: "job_1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestClaimDue_ReturnsScannedJobs(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()
	now := time.Date(2025, time.March, 10, 2, 5, 0, 0, time.UTC)
	sendAt := now.Add(-5 * time.Minute)

	rows := newMockRows([][]any{
		jobRow("job_1", "usr_1", "queued", sendAt),
		jobRow("job_2", "usr_2", "queued", sendAt),
	})
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{now, 50}).
		Return(rows, nil)

	jobs, err := repo.ClaimDue(ctx, now, 50)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job_1", jobs[0].ID)
	assert.Equal(t, types.JobQueued, jobs[0].Status)
	assert.Equal(t, types.MessageBirthday, jobs[0].MessageType)
	assert.Equal(t, "2025-03-10", jobs[0].OccurrenceDate.String())
	assert.Empty(t, jobs[0].LastError)
	db.AssertExpectations(t)
}

func TestClaimDue_DefaultsLimit(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()
	now := time.Now()

	db.On("Query", ctx, mock.AnythingOfType("string"), []any{now, 100}).
		Return(newMockRows(nil), nil)

	jobs, err := repo.ClaimDue(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	db.AssertExpectations(t)
}

func TestReleaseClaim_Applied(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"job_1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	applied, err := repo.ReleaseClaim(ctx, "job_1")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestReleaseClaim_AlreadyMovedOn(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"job_1"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	applied, err := repo.ReleaseClaim(ctx, "job_1")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestGetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"job_missing"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(ctx, "job_missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundJob, types.CodeOf(err))
}

func TestMarkSent_ConditionalOnInFlightStatus(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"job_1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	applied, err := repo.MarkSent(ctx, "job_1")
	require.NoError(t, err)
	assert.True(t, applied)

	// A job another worker already concluded affects zero rows.
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"job_1"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()
	applied, err = repo.MarkSent(ctx, "job_1")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestMarkSent_CoversSweeperResetRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()

	var query string
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"job_1"}).
		Run(func(args mock.Arguments) { query = args.String(1) }).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	applied, err := repo.MarkSent(ctx, "job_1")
	require.NoError(t, err)
	assert.True(t, applied)

	// A row the sweeper reset to pending mid-delivery must still accept
	// the sent transition, or the job is delivered twice.
	assert.Contains(t, query, "'pending'")
	assert.Contains(t, query, "'queued'")
	assert.Contains(t, query, "'retrying'")
}

func TestMarkFailed_NeverOverwritesTerminal(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"job_1", "bad address"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	applied, err := repo.MarkFailed(ctx, "job_1", "bad address")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestResetStuck_ReturnsRecoveredJobs(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()
	cutoff := time.Date(2025, time.March, 10, 11, 30, 0, 0, time.UTC)

	rows := newMockRows([][]any{
		jobRow("job_1", "usr_1", "pending", cutoff.Add(-time.Hour)),
	})
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{cutoff, 500}).
		Return(rows, nil)

	jobs, err := repo.ResetStuck(ctx, cutoff, 500)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobPending, jobs[0].Status)
}

func TestCancelPending_ReturnsCount(t *testing.T) {
	db := new(mockDBTX)
	repo := NewScheduleJobRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"usr_1", "birthday"}).
		Return(pgconn.NewCommandTag("DELETE 2"), nil)

	n, err := repo.CancelPending(ctx, "usr_1", types.MessageBirthday)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
