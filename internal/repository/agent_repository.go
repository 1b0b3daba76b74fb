package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

type agentRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRepository wires agent lookups onto pgxpool.
func NewAgentRepository(pool *pgxpool.Pool) AgentRepository {
	return &agentRepository{pool: pool}
}

func (r *agentRepository) ListByVoiceNames(ctx context.Context, voiceNames []string) ([]domain.Agent, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("agent repository not initialized")
	}
	if len(voiceNames) == 0 {
		return []domain.Agent{}, nil
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, voice_name, display_name
		 FROM agents
		 WHERE voice_name = ANY($1)`,
		voiceNames,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents by voice name: %w", err)
	}
	defer rows.Close()

	agents := make([]domain.Agent, 0, len(voiceNames))
	for rows.Next() {
		var agent domain.Agent
		if scanErr := rows.Scan(&agent.ID, &agent.VoiceName, &agent.DisplayName); scanErr != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", scanErr)
		}
		agents = append(agents, agent)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", rowsErr)
	}
	return agents, nil
}
