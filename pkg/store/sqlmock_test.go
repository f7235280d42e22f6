package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "postgres"), mock
}

func cursorColumns() []string {
	return []string{"repo_id", "job_type", "last_rev", "last_commit_sha", "last_commit_ts", "last_sync_at", "last_sync_count"}
}

func TestSaveCursorRollsBackOnUpdateFailure(t *testing.T) {
	st, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sync_cursors`).
		WithArgs(int64(7), JobTypeSVN).
		WillReturnRows(sqlmock.NewRows(cursorColumns()).AddRow(7, JobTypeSVN, 5, "", nil, nil, 9))
	mock.ExpectExec(`UPDATE sync_cursors`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := st.SaveCursor(context.Background(), 7, JobTypeSVN, Watermark{Rev: 8}, 3)
	require.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCursorUnchangedSkipsUpdate(t *testing.T) {
	st, mock := mockStore(t)

	// No UPDATE expectation: a non-advancing mark must never reach the
	// database after the transactional read.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sync_cursors`).
		WithArgs(int64(7), JobTypeSVN).
		WillReturnRows(sqlmock.NewRows(cursorColumns()).AddRow(7, JobTypeSVN, 10, "", nil, nil, 9))
	mock.ExpectRollback()

	err := st.SaveCursor(context.Background(), 7, JobTypeSVN, Watermark{Rev: 10}, 3)
	require.ErrorIs(t, err, ErrWatermarkUnchanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimLeaseContentionMapsToErrLeaseHeld(t *testing.T) {
	st, mock := mockStore(t)

	mock.ExpectExec(`INSERT INTO sync_leases`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := st.ClaimLease(context.Background(), 7, JobTypeSVN, "w1", 0)
	assert.ErrorIs(t, err, ErrLeaseHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOutboxBatchUsesSkipLockedOnPostgres(t *testing.T) {
	st, mock := mockStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{
			"outbox_id", "target_space", "payload_md", "payload_sha", "status", "retry_count",
			"next_attempt_at", "created_at", "last_error", "lease_worker", "lease_expires_at",
		}))

	entries, err := st.ClaimOutboxBatch(context.Background(), "w1", 10, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}
