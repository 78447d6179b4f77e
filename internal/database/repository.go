package database

import (
	"context"

	"github.com/procomm/phonebridge/internal/database/models"
)

// CallRecordRepository manages the call log.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	// RecordCall is Create under the name the call engine expects.
	RecordCall(ctx context.Context, rec *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	// List returns the most recent records, newest first. A lineID of 0
	// lists every line.
	List(ctx context.Context, lineID, limit int) ([]models.CallRecord, error)
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}
