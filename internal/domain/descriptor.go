package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobDescriptor is the flat queue payload that announces a job to the workers.
type JobDescriptor struct {
	JobID       uuid.UUID `json:"jobId"`
	SubmitterID uuid.UUID `json:"submitterId"`
	BlobKey     string    `json:"blobKey"`
	TotalRows   int       `json:"totalRows"`
	CreatedAt   time.Time `json:"createdAt"`
}

// JobTypeSurveyUpload tags queue messages carrying job descriptors.
const JobTypeSurveyUpload = "SURVEY_UPLOAD"

// Encode renders the wire format.
func (d JobDescriptor) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeJobDescriptor parses and sanity checks a queue message body.
func DecodeJobDescriptor(body []byte) (JobDescriptor, error) {
	var d JobDescriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return JobDescriptor{}, fmt.Errorf("decode job descriptor: %w", err)
	}
	if d.JobID == uuid.Nil {
		return JobDescriptor{}, errors.New("job descriptor missing jobId")
	}
	if d.BlobKey == "" {
		return JobDescriptor{}, errors.New("job descriptor missing blobKey")
	}
	return d, nil
}
