package domain

import (
	"time"

	"github.com/google/uuid"
)

// Record is one decoded spreadsheet row after validation. It only lives while a
// job is being processed.
type Record struct {
	TargetIdentifier  string
	DurationMetric    string
	SatisfactionScore float64
	OccurredOn        time.Time
	Comment           *string
}

// SurveyEntry is the committed output of a row, unique per (AgentID, OccurredOn).
type SurveyEntry struct {
	AgentID           uuid.UUID  `json:"agentId"`
	VoiceName         string     `json:"voiceName"`
	DurationMetric    string     `json:"durationMetric"`
	SatisfactionScore float64    `json:"satisfactionScore"`
	OccurredOn        time.Time  `json:"occurredOn"`
	Comment           *string    `json:"comment,omitempty"`
	SourceJobID       uuid.UUID  `json:"sourceJobId"`
	UpdatedAt         *time.Time `json:"updatedAt,omitempty"`
}

// SurveyKey identifies the single committed entry for an agent on a date.
type SurveyKey struct {
	AgentID    uuid.UUID
	OccurredOn string
}

// Key returns the upsert key of the entry.
func (e SurveyEntry) Key() SurveyKey {
	return SurveyKey{AgentID: e.AgentID, OccurredOn: e.OccurredOn.Format(DateLayout)}
}

// NewSurveyEntry binds a validated record to its resolved agent.
func NewSurveyEntry(agentID, jobID uuid.UUID, record Record) SurveyEntry {
	return SurveyEntry{
		AgentID:           agentID,
		VoiceName:         record.TargetIdentifier,
		DurationMetric:    record.DurationMetric,
		SatisfactionScore: record.SatisfactionScore,
		OccurredOn:        TruncateToDate(record.OccurredOn),
		Comment:           record.Comment,
		SourceJobID:       jobID,
	}
}

// DateLayout is the canonical calendar date representation.
const DateLayout = "2006-01-02"

// TruncateToDate drops the time of day, keeping the calendar date in UTC.
func TruncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
