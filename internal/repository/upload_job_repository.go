package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrJobStatusConflict indicates that a job cannot transition to the requested state.
var ErrJobStatusConflict = errors.New("upload job status conflict")

const uploadJobColumns = `id, submitter_id, blob_key, file_name, total_rows, status, progress_percent,
	error_summary, attempts, created_at, updated_at, started_at, completed_at`

type uploadJobRepository struct {
	pool *pgxpool.Pool
}

// NewUploadJobRepository wires the Job Ledger onto pgxpool.
func NewUploadJobRepository(pool *pgxpool.Pool) UploadJobRepository {
	return &uploadJobRepository{pool: pool}
}

func (r *uploadJobRepository) Create(ctx context.Context, job domain.UploadJob) (domain.UploadJob, error) {
	if r.pool == nil {
		return domain.UploadJob{}, fmt.Errorf("upload job repository not initialized")
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}

	summaryJSON, err := job.ErrorSummaryToJSON()
	if err != nil {
		return domain.UploadJob{}, fmt.Errorf("marshal error summary: %w", err)
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO upload_jobs (id, submitter_id, blob_key, file_name, total_rows, status, progress_percent, error_summary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+uploadJobColumns,
		job.ID,
		job.SubmitterID,
		job.BlobKey,
		job.FileName,
		job.TotalRows,
		string(job.Status),
		job.ProgressPercent,
		summaryJSON,
	)
	created, err := scanUploadJob(row)
	if err != nil {
		return domain.UploadJob{}, fmt.Errorf("create upload job: %w", err)
	}
	return created, nil
}

func (r *uploadJobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.UploadJob, error) {
	if r.pool == nil {
		return domain.UploadJob{}, fmt.Errorf("upload job repository not initialized")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+uploadJobColumns+` FROM upload_jobs WHERE id = $1`, id)
	job, err := scanUploadJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UploadJob{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.UploadJob{}, fmt.Errorf("get upload job: %w", err)
	}
	return job, nil
}

func (r *uploadJobRepository) ListBySubmitter(ctx context.Context, submitterID uuid.UUID, limit int) ([]domain.UploadJob, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("upload job repository not initialized")
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+uploadJobColumns+`
		 FROM upload_jobs
		 WHERE submitter_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		submitterID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list upload jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.UploadJob{}
	for rows.Next() {
		job, scanErr := scanUploadJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan upload job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate upload jobs: %w", rowsErr)
	}
	return jobs, nil
}

func (r *uploadJobRepository) Claim(ctx context.Context, id uuid.UUID) (domain.UploadJob, error) {
	if r.pool == nil {
		return domain.UploadJob{}, fmt.Errorf("upload job repository not initialized")
	}

	row := r.pool.QueryRow(
		ctx,
		`UPDATE upload_jobs
		 SET status = $2,
		     attempts = attempts + 1,
		     started_at = COALESCE(started_at, NOW()),
		     completed_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)
		 RETURNING `+uploadJobColumns,
		id,
		string(domain.JobStatusProcessing),
		statusStrings(domain.SourceStatuses(domain.JobStatusProcessing)),
	)
	job, err := scanUploadJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UploadJob{}, r.conflictOrMissing(ctx, id)
	}
	if err != nil {
		return domain.UploadJob{}, fmt.Errorf("claim upload job: %w", err)
	}
	return job, nil
}

func (r *uploadJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, percent int) error {
	if r.pool == nil {
		return fmt.Errorf("upload job repository not initialized")
	}
	percent = clampPercent(percent)

	tag, err := r.pool.Exec(
		ctx,
		`UPDATE upload_jobs
		 SET progress_percent = GREATEST(progress_percent, $2),
		     updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id,
		percent,
		string(domain.JobStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("update upload job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

func (r *uploadJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, errorSummary []string) error {
	return r.finish(ctx, id, domain.JobStatusCompleted, errorSummary)
}

func (r *uploadJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorSummary []string) error {
	return r.finish(ctx, id, domain.JobStatusFailed, errorSummary)
}

func (r *uploadJobRepository) finish(ctx context.Context, id uuid.UUID, status domain.JobStatus, errorSummary []string) error {
	if r.pool == nil {
		return fmt.Errorf("upload job repository not initialized")
	}

	summaryJSON, err := domain.MarshalErrorSummary(errorSummary)
	if err != nil {
		return fmt.Errorf("marshal error summary: %w", err)
	}

	// A completed job always reports 100; a failed one keeps the progress it reached.
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE upload_jobs
		 SET status = $2,
		     progress_percent = CASE WHEN $2 = 'COMPLETED' THEN 100 ELSE progress_percent END,
		     error_summary = $3,
		     completed_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1 AND status = ANY($4)`,
		id,
		string(status),
		summaryJSON,
		statusStrings(domain.SourceStatuses(status)),
	)
	if err != nil {
		return fmt.Errorf("mark upload job %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// conflictOrMissing explains why a conditional update matched no row.
func (r *uploadJobRepository) conflictOrMissing(ctx context.Context, id uuid.UUID) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrJobStatusConflict, id, job.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUploadJob(row rowScanner) (domain.UploadJob, error) {
	var (
		job         domain.UploadJob
		status      string
		summaryJSON []byte
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID,
		&job.SubmitterID,
		&job.BlobKey,
		&job.FileName,
		&job.TotalRows,
		&status,
		&job.ProgressPercent,
		&summaryJSON,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return domain.UploadJob{}, err
	}

	parsed, err := domain.ParseJobStatus(status)
	if err != nil {
		return domain.UploadJob{}, err
	}
	job.Status = parsed

	summary, err := domain.ErrorSummaryFromJSON(summaryJSON)
	if err != nil {
		return domain.UploadJob{}, fmt.Errorf("decode error summary: %w", err)
	}
	job.ErrorSummary = summary
	job.StartedAt = timestampPtr(startedAt)
	job.CompletedAt = timestampPtr(completedAt)
	return job, nil
}

func timestampPtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	value := ts.Time
	return &value
}

func statusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func clampPercent(percent int) int {
	switch {
	case percent < 0:
		return 0
	case percent > 100:
		return 100
	default:
		return percent
	}
}
