package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/procomm/phonebridge/internal/database/models"
)

const callRecordColumns = `id, call_id, line_id, direction, remote_number, audio_channel,
	 start_time, answer_time, end_time, duration, disposition, hangup_cause`

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

// Create inserts a finished call session.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (call_id, line_id, direction, remote_number,
		 audio_channel, start_time, answer_time, end_time, duration,
		 disposition, hangup_cause)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.LineID, rec.Direction, rec.RemoteNumber,
		rec.AudioChannel, rec.StartTime.UTC(), utcOrNil(rec), rec.EndTime.UTC(),
		rec.Duration, rec.Disposition, rec.HangupCause,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

func (r *callRecordRepo) RecordCall(ctx context.Context, rec *models.CallRecord) error {
	return r.Create(ctx, rec)
}

// GetByCallID returns the record for a Call-ID, or nil if there is none.
func (r *callRecordRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records WHERE call_id = ?
		 ORDER BY id DESC LIMIT 1`, callID,
	)
	var rec models.CallRecord
	err := scanCallRecord(row, &rec)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &rec, nil
}

func (r *callRecordRepo) List(ctx context.Context, lineID, limit int) ([]models.CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + callRecordColumns + ` FROM call_records`
	args := []any{}
	if lineID > 0 {
		query += ` WHERE line_id = ?`
		args = append(args, lineID)
	}
	query += ` ORDER BY start_time DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := scanCallRecord(rows, &rec); err != nil {
			return nil, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call record rows: %w", err)
	}
	return recs, nil
}

// CountByDisposition totals the log by disposition.
func (r *callRecordRepo) CountByDisposition(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM call_records GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("counting call records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var disposition string
		var n int64
		if err := rows.Scan(&disposition, &n); err != nil {
			return nil, fmt.Errorf("scanning disposition count: %w", err)
		}
		counts[disposition] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating disposition counts: %w", err)
	}
	return counts, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(s scanner, rec *models.CallRecord) error {
	return s.Scan(&rec.ID, &rec.CallID, &rec.LineID, &rec.Direction, &rec.RemoteNumber,
		&rec.AudioChannel, &rec.StartTime, &rec.AnswerTime, &rec.EndTime,
		&rec.Duration, &rec.Disposition, &rec.HangupCause)
}

func utcOrNil(rec *models.CallRecord) any {
	if rec.AnswerTime == nil {
		return nil
	}
	return rec.AnswerTime.UTC()
}
