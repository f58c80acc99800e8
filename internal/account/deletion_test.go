package account

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/archive"
	"github.com/ignite/listpilot/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingArchiver struct {
	snaps []*archive.Snapshot
	err   error
}

func (r *recordingArchiver) ArchiveDeletion(_ context.Context, snap *archive.Snapshot) error {
	r.snaps = append(r.snaps, snap)
	return r.err
}

func TestRunSweepArchivesThenDeletes(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	userID := uuid.New()
	connID := uuid.New()

	mock.ExpectQuery(`SELECT id FROM users[\s\S]*deleted_at < now\(\)`).
		WithArgs("720h0m0s").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(userID))

	mock.ExpectQuery(`SELECT id, provider, status FROM esp_connections`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "provider", "status"}).
			AddRow(connID, "mailchimp", "active"))
	mock.ExpectQuery(`FROM billing_usage`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"period_start", "period_end", "max_subscriber_count", "amount_cents", "status"}).
			AddRow(time.Now(), time.Now(), 1200, int64(200), "pending"))
	mock.ExpectQuery(`FROM sync_history`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"esp_connection_id", "status", "started_at", "completed_at", "subscriber_count"}))

	mock.ExpectExec(`DELETE FROM users WHERE id`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	arch := &recordingArchiver{}
	svc := NewDeletionService(db, arch, 0)

	deleted, failed, err := svc.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Zero(t, failed)

	require.Len(t, arch.snaps, 1)
	assert.Equal(t, userID, arch.snaps[0].UserID)
	require.Len(t, arch.snaps[0].Connections, 1)
	assert.Equal(t, "mailchimp", arch.snaps[0].Connections[0].Provider)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSweepDeletesEvenWhenArchiveFails(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	userID := uuid.New()
	mock.ExpectQuery(`SELECT id FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(userID))
	mock.ExpectQuery(`SELECT id, provider, status FROM esp_connections`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "provider", "status"}))
	mock.ExpectQuery(`FROM billing_usage`).
		WillReturnRows(sqlmock.NewRows([]string{"period_start"}))
	mock.ExpectQuery(`FROM sync_history`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectExec(`DELETE FROM users WHERE id`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	arch := &recordingArchiver{err: errors.New("bucket gone")}
	svc := NewDeletionService(db, arch, 0)

	deleted, failed, err := svc.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted, "audit is best effort, deletion proceeds")
	assert.Zero(t, failed)
}

func TestDeletionJobSingleUserRerun(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	userID := uuid.New()
	mock.ExpectExec(`DELETE FROM users WHERE id`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewDeletionService(db, nil, 0)
	job := &jobs.Job{
		Type:    jobs.TypeAccountDeletion,
		Payload: json.RawMessage(`{"userId":"` + userID.String() + `"}`),
	}
	require.NoError(t, svc.HandleDeletionJob(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSweepNothingDue(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT id FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	svc := NewDeletionService(db, nil, 0)
	deleted, failed, err := svc.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Zero(t, failed)
}
