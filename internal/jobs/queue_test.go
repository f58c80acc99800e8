package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewQueue(db), mock
}

func TestEnqueueMarshalsPayload(t *testing.T) {
	q, mock := newQueue(t)
	connID := uuid.New()

	mock.ExpectQuery(`INSERT INTO job_queue`).
		WithArgs(TypeSyncPublication, []byte(`{"espConnectionId":"`+connID.String()+`"}`), StatusPending, 3).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := q.Enqueue(context.Background(), TypeSyncPublication, SyncPayload{ESPConnectionID: connID}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueNilPayloadAndDefaultBudget(t *testing.T) {
	q, mock := newQueue(t)

	mock.ExpectQuery(`INSERT INTO job_queue`).
		WithArgs(TypeStateCleanup, []byte(`{}`), StatusPending, DefaultMaxAttempts).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	_, err := q.Enqueue(context.Background(), TypeStateCleanup, nil, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimUsesSkipLocked(t *testing.T) {
	q, mock := newQueue(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE job_queue[\s\S]*FOR UPDATE SKIP LOCKED[\s\S]*RETURNING`).
		WithArgs(StatusClaimed, "w1", StatusPending, 5).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_type", "payload", "status", "attempts", "max_attempts", "run_at", "created_at",
		}).AddRow(int64(1), TypeSyncPublication, []byte(`{}`), StatusClaimed, 1, 3, now, now))

	jobs, err := q.Claim(context.Background(), "w1", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts, "claim consumes an attempt")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRequeuesWithBackoff(t *testing.T) {
	q, mock := newQueue(t)
	job := &Job{ID: 9, Type: TypeSyncPublication, Attempts: 1, MaxAttempts: 3}

	mock.ExpectExec(`UPDATE job_queue\s+SET status = \$2, claimed_at = NULL, worker_id = NULL, last_error = \$3, run_at = \$4`).
		WithArgs(int64(9), StatusPending, "provider down", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Fail(context.Background(), job, errors.New("provider down")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailDeadLettersOnFinalAttempt(t *testing.T) {
	q, mock := newQueue(t)
	job := &Job{ID: 9, Type: TypeSyncPublication, Attempts: 3, MaxAttempts: 3}

	mock.ExpectExec(`UPDATE job_queue\s+SET status = \$2, claimed_at = NULL, worker_id = NULL, last_error = \$3, completed_at`).
		WithArgs(int64(9), StatusDead, "provider down").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Fail(context.Background(), job, errors.New("provider down")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailDeadLettersPermanentImmediately(t *testing.T) {
	q, mock := newQueue(t)
	// First attempt of three: a permanent error must still dead-letter.
	job := &Job{ID: 5, Type: TypeSyncPublication, Attempts: 1, MaxAttempts: 3}

	mock.ExpectExec(`UPDATE job_queue\s+SET status = \$2, claimed_at = NULL, worker_id = NULL, last_error = \$3, completed_at`).
		WithArgs(int64(5), StatusDead, "no subscription").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Fail(context.Background(), job, Permanent(errors.New("no subscription"))))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStalled(t *testing.T) {
	q, mock := newQueue(t)

	mock.ExpectExec(`UPDATE job_queue[\s\S]*attempts < max_attempts`).
		WithArgs(StatusPending, StatusClaimed, "5m0s").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`UPDATE job_queue[\s\S]*attempts >= max_attempts[\s\S]*RETURNING`).
		WithArgs(StatusDead, StatusClaimed, "5m0s").
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow(int64(7), TypeSyncPublication, []byte(`{"espConnectionId":"a"}`),
				StatusDead, 3, 3, time.Now(), time.Now()))

	requeued, dead, err := q.RecoverStalled(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), requeued)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(7), dead[0].ID)
	assert.Equal(t, TypeSyncPublication, dead[0].Type,
		"dead-lettered jobs come back so hooks can clean up after them")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoveryWorkerRunsDeadLetterHook(t *testing.T) {
	q, mock := newQueue(t)

	mock.ExpectExec(`UPDATE job_queue[\s\S]*attempts < max_attempts`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`UPDATE job_queue[\s\S]*attempts >= max_attempts[\s\S]*RETURNING`).
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow(int64(9), TypeSyncPublication, []byte(`{}`), StatusDead, 3, 3, time.Now(), time.Now()))
	mock.ExpectExec(`DELETE FROM job_queue`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	var hooked []int64
	r := NewRecoveryWorker(q)
	r.SetDeadLetterHook(func(_ context.Context, job *Job) {
		hooked = append(hooked, job.ID)
	})
	r.sweep(context.Background())

	assert.Equal(t, []int64{9}, hooked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerPoolDeadLettersUnknownTypeThroughHook(t *testing.T) {
	q, mock := newQueue(t)

	mock.ExpectExec(`UPDATE job_queue[\s\S]*SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool := NewWorkerPool(q, DefaultWorkerPoolConfig())
	var hooked *Job
	pool.SetDeadLetterHook(func(_ context.Context, job *Job) { hooked = job })
	pool.ctx = context.Background()

	job := &Job{ID: 11, Type: "no-such-type", Attempts: 1, MaxAttempts: 3}
	pool.process(job)

	require.NotNil(t, hooked)
	assert.Equal(t, int64(11), hooked.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func jobColumns() []string {
	return []string{"id", "job_type", "payload", "status", "attempts", "max_attempts", "run_at", "created_at"}
}

func TestEnsureScheduleIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewScheduler(db, NewQueue(db), nil)

	// Re-registration upserts under the stable name; an unchanged spec
	// keeps the existing next_run_at.
	mock.ExpectExec(`INSERT INTO job_schedules[\s\S]*ON CONFLICT \(name\) DO UPDATE`).
		WithArgs("token-refresh", TypeTokenRefresh, "@every 5m", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO job_schedules[\s\S]*ON CONFLICT \(name\) DO UPDATE`).
		WithArgs("token-refresh", TypeTokenRefresh, "@every 5m", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.EnsureSchedule(context.Background(), "token-refresh", TypeTokenRefresh, "@every 5m"))
	require.NoError(t, s.EnsureSchedule(context.Background(), "token-refresh", TypeTokenRefresh, "@every 5m"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureScheduleRejectsBadSpec(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewScheduler(db, NewQueue(db), nil)
	assert.Error(t, s.EnsureSchedule(context.Background(), "x", TypeTokenRefresh, "@fortnightly"))
}
