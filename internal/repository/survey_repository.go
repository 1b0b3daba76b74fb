package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/jackc/pgx/v5"
)

// TxRunner runs fn inside one database transaction. *db.Connection satisfies it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

const upsertSurveySQL = `INSERT INTO surveys (agent_id, voice_name, aht, csat, occurred_on, comment, source_job_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (agent_id, occurred_on) DO UPDATE
SET voice_name = EXCLUDED.voice_name,
    aht = EXCLUDED.aht,
    csat = EXCLUDED.csat,
    comment = EXCLUDED.comment,
    source_job_id = EXCLUDED.source_job_id,
    updated_at = NOW()`

type surveyRepository struct {
	tx TxRunner
}

// NewSurveyRepository wires survey upserts onto a transaction runner.
func NewSurveyRepository(tx TxRunner) SurveyRepository {
	return &surveyRepository{tx: tx}
}

func (r *surveyRepository) UpsertBatch(ctx context.Context, entries []domain.SurveyEntry) error {
	if r.tx == nil {
		return fmt.Errorf("survey repository not initialized")
	}
	if len(entries) == 0 {
		return nil
	}

	return r.tx.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, entry := range entries {
			batch.Queue(
				upsertSurveySQL,
				entry.AgentID,
				entry.VoiceName,
				entry.DurationMetric,
				entry.SatisfactionScore,
				entry.OccurredOn,
				entry.Comment,
				entry.SourceJobID,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for i := range entries {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("upsert survey for agent %s on %s (entry %d): %w",
					entries[i].AgentID, entries[i].OccurredOn.Format(domain.DateLayout), i, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("close survey batch: %w", err)
		}
		return nil
	})
}
