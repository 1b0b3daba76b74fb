package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultJobErrorPageSize = 200

type jobErrorRepository struct {
	pool *pgxpool.Pool
}

// NewJobErrorRepository wires a repository backed by pgxpool.
func NewJobErrorRepository(pool *pgxpool.Pool) JobErrorRepository {
	return &jobErrorRepository{pool: pool}
}

func (r *jobErrorRepository) RecordBatch(ctx context.Context, jobID uuid.UUID, entries []domain.JobRowError) error {
	if r.pool == nil {
		return fmt.Errorf("job error repository not initialized")
	}
	if len(entries) == 0 {
		return nil
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"upload_job_errors"},
		[]string{"job_id", "row_number", "error_message"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			var rowNumber any
			if entries[i].RowNumber != nil {
				rowNumber = int32(*entries[i].RowNumber)
			}
			return []any{jobID, rowNumber, entries[i].Message}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to record job row errors: %w", err)
	}
	return nil
}

func (r *jobErrorRepository) List(ctx context.Context, jobID uuid.UUID, limit int, offset int) ([]domain.JobRowError, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("job error repository not initialized")
	}

	if limit <= 0 {
		limit = defaultJobErrorPageSize
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, job_id, row_number, error_message, created_at
		 FROM upload_job_errors
		 WHERE job_id = $1
		 ORDER BY row_number NULLS LAST, created_at
		 LIMIT $2 OFFSET $3`,
		jobID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job row errors: %w", err)
	}
	defer rows.Close()

	entries := []domain.JobRowError{}
	for rows.Next() {
		var (
			entry     domain.JobRowError
			rowNumber pgtype.Int4
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.JobID,
			&rowNumber,
			&entry.Message,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan job row error: %w", scanErr)
		}

		if rowNumber.Valid {
			value := int(rowNumber.Int32)
			entry.RowNumber = &value
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}

		entries = append(entries, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate job row errors: %w", rowsErr)
	}

	return entries, nil
}

func (r *jobErrorRepository) Reset(ctx context.Context, jobID uuid.UUID) error {
	if r.pool == nil {
		return fmt.Errorf("job error repository not initialized")
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM upload_job_errors WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to reset job row errors: %w", err)
	}
	return nil
}
