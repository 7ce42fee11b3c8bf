package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/logging"
	"github.com/anstrom/batchscan/internal/scanning"
)

// BatchRow is one indexed batch.
type BatchRow struct {
	ID           uuid.UUID `db:"id" json:"batch_id"`
	StartedAt    time.Time `db:"started_at" json:"start_time"`
	CompletedAt  time.Time `db:"completed_at" json:"end_time"`
	Strategy     string    `db:"strategy" json:"strategy"`
	Concurrency  int       `db:"concurrency" json:"concurrency"`
	TotalTargets int       `db:"total_targets" json:"total_targets"`
	Succeeded    int       `db:"succeeded" json:"succeeded"`
	Failed       int       `db:"failed" json:"failed"`
	OpenPorts    int       `db:"open_ports" json:"open_ports"`
	HighRisk     int       `db:"high_risk" json:"high_risk"`
	RecordedAt   time.Time `db:"recorded_at" json:"recorded_at"`
}

// TargetRow is one record of an indexed batch.
type TargetRow struct {
	BatchID     uuid.UUID       `db:"batch_id"`
	Position    int             `db:"position"`
	Target      string          `db:"target"`
	Status      string          `db:"status"`
	ErrorCode   sql.NullString  `db:"error_code"`
	OpenPorts   int             `db:"open_ports"`
	RiskLevel   sql.NullString  `db:"risk_level"`
	RiskScore   sql.NullFloat64 `db:"risk_score"`
	StartedAt   time.Time       `db:"started_at"`
	CompletedAt time.Time       `db:"completed_at"`
}

const (
	insertBatchQuery = `
		INSERT INTO scan_batches (
			id, started_at, completed_at, strategy, concurrency,
			total_targets, succeeded, failed, open_ports, high_risk
		)
		VALUES (
			:id, :started_at, :completed_at, :strategy, :concurrency,
			:total_targets, :succeeded, :failed, :open_ports, :high_risk
		)`

	insertTargetQuery = `
		INSERT INTO batch_targets (
			batch_id, position, target, status, error_code,
			open_ports, risk_level, risk_score, started_at, completed_at
		)
		VALUES (
			:batch_id, :position, :target, :status, :error_code,
			:open_ports, :risk_level, :risk_score, :started_at, :completed_at
		)`

	selectBatchesQuery = `
		SELECT id, started_at, completed_at, strategy, concurrency,
			total_targets, succeeded, failed, open_ports, high_risk, recorded_at
		FROM scan_batches
		ORDER BY started_at DESC`
)

// BatchRepository stores sealed batches in the history index.
type BatchRepository struct {
	db     *DB
	logger *logging.Logger
}

var _ batch.Recorder = (*BatchRepository)(nil)

// NewBatchRepository creates a new batch repository.
func NewBatchRepository(db *DB, logger *logging.Logger) *BatchRepository {
	return &BatchRepository{db: db, logger: logger}
}

// RecordBatch writes a sealed batch and all of its records in one transaction.
func (r *BatchRepository) RecordBatch(ctx context.Context, result *batch.Result) error {
	if !result.Sealed() {
		return errors.NewScanError(errors.CodeValidation, "cannot record an unsealed batch")
	}
	id, err := uuid.Parse(result.ID)
	if err != nil {
		return errors.WrapScanError(errors.CodeValidation, fmt.Sprintf("batch id %q is not a UUID", result.ID), err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := BatchRow{
		ID:           id,
		StartedAt:    result.StartTime,
		CompletedAt:  result.EndTime,
		Strategy:     string(result.Strategy),
		Concurrency:  result.Concurrency,
		TotalTargets: result.TotalTargets,
		Succeeded:    result.Succeeded,
		Failed:       result.Failed,
		OpenPorts:    result.Stats.OpenPorts,
		HighRisk:     result.Stats.Risk.Levels[scanning.RiskHigh],
	}
	if _, err := tx.NamedExecContext(ctx, insertBatchQuery, row); err != nil {
		return sanitizeDBError("insert batch", err)
	}

	for i := range result.Records {
		if _, err := tx.NamedExecContext(ctx, insertTargetQuery, targetRow(id, i, &result.Records[i])); err != nil {
			return sanitizeDBError("insert batch target", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit transaction", err)
	}

	r.logger.InfoDatabase("Recorded batch in history index", "batch_id", result.ID, "targets", len(result.Records))
	return nil
}

func targetRow(batchID uuid.UUID, position int, record *scanning.ScanRecord) TargetRow {
	row := TargetRow{
		BatchID:     batchID,
		Position:    position,
		Target:      record.Target,
		Status:      string(record.Status),
		OpenPorts:   len(record.OpenPorts),
		StartedAt:   record.StartedAt,
		CompletedAt: record.CompletedAt,
	}
	if record.Error != nil {
		row.ErrorCode = sql.NullString{String: string(record.Error.Code), Valid: true}
	}
	if a := record.Analysis; a != nil && a.Error == nil {
		row.RiskLevel = sql.NullString{String: string(a.RiskLevel), Valid: true}
		row.RiskScore = sql.NullFloat64{Float64: a.RiskScore, Valid: true}
	}
	return row
}

// ListBatches returns indexed batches, newest first. A limit of zero or less
// returns all of them.
func (r *BatchRepository) ListBatches(ctx context.Context, limit int) ([]BatchRow, error) {
	query := selectBatchesQuery
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows := []BatchRow{}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sanitizeDBError("list batches", err)
	}
	return rows, nil
}
