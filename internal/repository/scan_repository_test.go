package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/hexvault/multiscan-api/internal/models"
)

func newScanRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestScanRepositoryCreatePending(t *testing.T) {
	db, mock, cleanup := newScanRepoMock(t)
	defer cleanup()
	repo := NewScanRepository(db)

	mock.ExpectExec("INSERT INTO scans").
		WithArgs(sqlmock.AnyArg(), "file-1", "session-1", "agent-1", "clamav-1", "clamav",
			nil, nil, nil, sqlmock.AnyArg(), nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	scan := &models.Scan{
		FileID:    "file-1",
		SessionID: "session-1",
		AgentID:   "agent-1",
		AgentName: "clamav-1",
		Engine:    "clamav",
	}
	require.NoError(t, repo.Create(context.Background(), scan))
	require.NotEmpty(t, scan.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepositoryCompleteSkipsResolvedRows(t *testing.T) {
	db, mock, cleanup := newScanRepoMock(t)
	defer cleanup()
	repo := NewScanRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scans SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := db.Beginx()
	require.NoError(t, err)
	defer tx.Rollback()

	count := 0
	err = repo.Complete(context.Background(), tx, "scan-1", models.ScanOutcome{
		StatusCode:    models.ScanStatusOK,
		InfectedCount: &count,
	})
	require.ErrorIs(t, err, ErrScanAlreadyResolved)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepositoryRevokePending(t *testing.T) {
	db, mock, cleanup := newScanRepoMock(t)
	defer cleanup()
	repo := NewScanRepository(db)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"file_id"}).AddRow("file-1").AddRow("file-2")
	mock.ExpectQuery("UPDATE scans SET status_code").
		WithArgs("session-1", models.ScanStatusRevoked, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	fileIDs, err := repo.RevokePending(context.Background(), tx, "session-1")
	require.NoError(t, err)
	require.Equal(t, []string{"file-1", "file-2"}, fileIDs)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepositoryListByFile(t *testing.T) {
	db, mock, cleanup := newScanRepoMock(t)
	defer cleanup()
	repo := NewScanRepository(db)

	status := models.ScanStatusOK
	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{
		"id", "file_id", "session_id", "agent_id", "agent_name", "engine",
		"status_code", "infected_count", "scan_time_seconds", "threat_names",
		"error", "raw_output", "created_at", "updated_at",
	}).AddRow("scan-1", "file-1", "session-1", "agent-1", "clamav-1", "clamav",
		status, 1, 2.4, pq.StringArray{"Eicar-Test"}, nil, "FOUND", time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM scans WHERE file_id").
		WithArgs("file-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	scans, err := repo.ListByFile(context.Background(), tx, "file-1")
	require.NoError(t, err)
	require.Len(t, scans, 1)
	require.NotNil(t, scans[0].StatusCode)
	require.Equal(t, models.ScanStatusOK, *scans[0].StatusCode)
	require.Equal(t, pq.StringArray{"Eicar-Test"}, scans[0].ThreatNames)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}
