package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus captures lifecycle state for an upload job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

const (
	// MaxErrorSummary bounds the number of messages stored on the job row.
	MaxErrorSummary = 100
	// InvalidRowsCap bounds the offending rows returned by a rejected submission.
	InvalidRowsCap = 10
)

// ParseJobStatus maps a persisted status string onto the closed enum.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch status := JobStatus(strings.ToUpper(strings.TrimSpace(raw))); status {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}

// Terminal reports whether no worker will touch the job again without a redelivery.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition encodes the job state machine. Nothing re-enters QUEUED and
// COMPLETED is final. PROCESSING may be re-claimed after a worker crash and
// FAILED may be re-claimed when the queue redelivers a transiently failed job.
// A QUEUED job fails directly only when its descriptor could not be published.
func CanTransition(from, to JobStatus) bool {
	switch to {
	case JobStatusProcessing:
		return from == JobStatusQueued || from == JobStatusProcessing || from == JobStatusFailed
	case JobStatusCompleted:
		return from == JobStatusProcessing
	case JobStatusFailed:
		return from == JobStatusProcessing || from == JobStatusQueued
	default:
		return false
	}
}

// UploadJob is the Job Ledger entry for one submitted file.
type UploadJob struct {
	ID              uuid.UUID  `json:"id"`
	SubmitterID     uuid.UUID  `json:"submitterId"`
	BlobKey         string     `json:"blobKey"`
	FileName        string     `json:"fileName"`
	TotalRows       int        `json:"totalRows"`
	Status          JobStatus  `json:"status"`
	ProgressPercent int        `json:"progressPercent"`
	ErrorSummary    []string   `json:"errorSummary"`
	Attempts        int        `json:"attempts"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// NewUploadJob creates a QUEUED job with no progress.
func NewUploadJob(submitterID uuid.UUID, blobKey, fileName string, totalRows int) UploadJob {
	now := time.Now().UTC()
	return UploadJob{
		ID:           uuid.New(),
		SubmitterID:  submitterID,
		BlobKey:      blobKey,
		FileName:     fileName,
		TotalRows:    totalRows,
		Status:       JobStatusQueued,
		ErrorSummary: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Descriptor builds the queue payload announcing the job to workers.
func (j UploadJob) Descriptor() JobDescriptor {
	return JobDescriptor{
		JobID:       j.ID,
		SubmitterID: j.SubmitterID,
		BlobKey:     j.BlobKey,
		TotalRows:   j.TotalRows,
		CreatedAt:   j.CreatedAt,
	}
}

// ErrorSummaryToJSON marshals the summary into the JSONB layout stored in Postgres.
func (j UploadJob) ErrorSummaryToJSON() (json.RawMessage, error) {
	return marshalErrorSummary(j.ErrorSummary)
}

// ErrorSummaryFromJSON unmarshals a persisted error summary.
func ErrorSummaryFromJSON(data []byte) ([]string, error) {
	if len(data) == 0 {
		return []string{}, nil
	}
	var summary []string
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, err
	}
	if summary == nil {
		summary = []string{}
	}
	return summary, nil
}

// MarshalErrorSummary caps and marshals an error list for the ledger row.
func MarshalErrorSummary(messages []string) (json.RawMessage, error) {
	return marshalErrorSummary(CapErrors(messages))
}

func marshalErrorSummary(messages []string) (json.RawMessage, error) {
	if messages == nil {
		messages = []string{}
	}
	return json.Marshal(messages)
}

// CapErrors keeps the first MaxErrorSummary messages.
func CapErrors(messages []string) []string {
	if len(messages) <= MaxErrorSummary {
		return messages
	}
	return messages[:MaxErrorSummary]
}

// SourceStatuses lists every status from which to is reachable, in enum order.
func SourceStatuses(to JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range []JobStatus{JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// ProgressPercent rounds processed/total to a whole percentage in [0, 100].
func ProgressPercent(processed, total int) int {
	if total <= 0 {
		return 100
	}
	if processed <= 0 {
		return 0
	}
	if processed >= total {
		return 100
	}
	// round half up without floating point drift
	return (processed*200 + total) / (2 * total)
}
