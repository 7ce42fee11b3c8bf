package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
	"github.com/anstrom/batchscan/internal/scanning"
)

var recordedStart = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return &DB{DB: sqlx.NewDb(mockDB, "postgres")}, mock
}

func sealedBatch(id string) *batch.Result {
	ok := scanning.ScanRecord{
		Target:      "10.0.0.1",
		Status:      scanning.StatusSuccess,
		StartedAt:   recordedStart,
		CompletedAt: recordedStart.Add(time.Second),
		OpenPorts: []scanning.PortInfo{
			{Port: 23, Protocol: "tcp", State: "open"},
			{Port: 445, Protocol: "tcp", State: "open"},
		},
	}
	ok.AttachAnalysis(&scanning.Analysis{RiskLevel: scanning.RiskHigh, RiskScore: 6})

	failed := scanning.NewFailedRecord("10.0.0.2", recordedStart, recordedStart.Add(2*time.Second),
		errors.ErrScanTimeout("10.0.0.2"))

	return batch.Aggregate(id, recordedStart, recordedStart.Add(time.Minute), []scanning.ScanRecord{ok, failed})
}

func TestBatchRepository_RecordBatch(t *testing.T) {
	database, mock := newMockDB(t)
	repo := NewBatchRepository(database, logging.Nop())
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scan_batches").
		WithArgs(id.String(), recordedStart, recordedStart.Add(time.Minute), "sequential", 1, 2, 1, 1, 2, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO batch_targets").
		WithArgs(id.String(), 0, "10.0.0.1", "success", nil, 2, "high", 6.0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO batch_targets").
		WithArgs(id.String(), 1, "10.0.0.2", "timed_out", "SCAN_TIMEOUT", 0, nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.RecordBatch(context.Background(), sealedBatch(id.String()))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchRepository_RecordBatchRollsBackOnFailure(t *testing.T) {
	database, mock := newMockDB(t)
	repo := NewBatchRepository(database, logging.Nop())
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scan_batches").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO batch_targets").WillReturnError(fmt.Errorf("unique violation"))
	mock.ExpectRollback()

	err := repo.RecordBatch(context.Background(), sealedBatch(id.String()))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDatabaseQuery))
	assert.NotContains(t, err.Error(), "INSERT")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchRepository_RecordBatchRejectsInput(t *testing.T) {
	database, mock := newMockDB(t)
	repo := NewBatchRepository(database, logging.Nop())

	err := repo.RecordBatch(context.Background(), sealedBatch("not-a-uuid"))
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	unsealed := &batch.Result{ID: uuid.NewString()}
	err = repo.RecordBatch(context.Background(), unsealed)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchRepository_ListBatches(t *testing.T) {
	database, mock := newMockDB(t)
	repo := NewBatchRepository(database, logging.Nop())
	id := uuid.New()

	columns := []string{
		"id", "started_at", "completed_at", "strategy", "concurrency",
		"total_targets", "succeeded", "failed", "open_ports", "high_risk", "recorded_at",
	}

	t.Run("with limit", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM scan_batches ORDER BY started_at DESC LIMIT").
			WithArgs(5).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(
				id.String(), recordedStart, recordedStart.Add(time.Minute), "parallel", 4,
				10, 9, 1, 17, 2, recordedStart.Add(time.Minute)))

		rows, err := repo.ListBatches(context.Background(), 5)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, id, rows[0].ID)
		assert.Equal(t, "parallel", rows[0].Strategy)
		assert.Equal(t, 9, rows[0].Succeeded)
		assert.Equal(t, 2, rows[0].HighRisk)
	})

	t.Run("without limit", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM scan_batches").
			WillReturnRows(sqlmock.NewRows(columns))

		rows, err := repo.ListBatches(context.Background(), 0)
		require.NoError(t, err)
		assert.NotNil(t, rows)
		assert.Empty(t, rows)
	})

	t.Run("query failure", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM scan_batches").
			WillReturnError(context.Canceled)

		_, err := repo.ListBatches(context.Background(), 0)
		assert.True(t, errors.IsCode(err, errors.CodeCancelled))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
