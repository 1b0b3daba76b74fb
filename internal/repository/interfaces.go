package repository

import (
	"context"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/google/uuid"
)

// UploadJobRepository is the Job Ledger: the durable record of every upload job.
type UploadJobRepository interface {
	Create(ctx context.Context, job domain.UploadJob) (domain.UploadJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.UploadJob, error)
	ListBySubmitter(ctx context.Context, submitterID uuid.UUID, limit int) ([]domain.UploadJob, error)

	// Claim moves the job to PROCESSING and bumps its attempt counter. It fails
	// with ErrJobStatusConflict when the job can no longer be processed.
	Claim(ctx context.Context, id uuid.UUID) (domain.UploadJob, error)
	// UpdateProgress never lowers the stored percentage.
	UpdateProgress(ctx context.Context, id uuid.UUID, percent int) error
	MarkCompleted(ctx context.Context, id uuid.UUID, errorSummary []string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorSummary []string) error
}

// SurveyRepository persists survey entries keyed by agent and date.
type SurveyRepository interface {
	// UpsertBatch writes every entry in one transaction or none of them.
	UpsertBatch(ctx context.Context, entries []domain.SurveyEntry) error
}

// AgentRepository looks up the agents survey rows refer to.
type AgentRepository interface {
	ListByVoiceNames(ctx context.Context, voiceNames []string) ([]domain.Agent, error)
}

// JobErrorRepository stores the uncapped row error log of each job.
type JobErrorRepository interface {
	RecordBatch(ctx context.Context, jobID uuid.UUID, entries []domain.JobRowError) error
	List(ctx context.Context, jobID uuid.UUID, limit int, offset int) ([]domain.JobRowError, error)
	Reset(ctx context.Context, jobID uuid.UUID) error
}
