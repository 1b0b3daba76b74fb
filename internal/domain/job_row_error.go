package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobRowError captures a row level issue raised while a worker processed an upload job.
// Unlike UploadJob.ErrorSummary the log is not capped.
type JobRowError struct {
	ID        uuid.UUID `json:"id"`
	JobID     uuid.UUID `json:"jobId"`
	RowNumber *int      `json:"rowNumber,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}
