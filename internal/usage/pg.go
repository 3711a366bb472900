package usage

import (
	"context"
	"database/sql"
	"fmt"
)

// PGSink appends to a usage_records table, following the teacher's
// database/sql + pgx/v5/stdlib idiom (internal/store/pg/sessions.go);
// aggregation by (agent_id, model_name, year, month) is left to a
// downstream job, per §6.
type PGSink struct {
	db *sql.DB
}

func NewPGSink(db *sql.DB) *PGSink { return &PGSink{db: db} }

func (p *PGSink) RecordUsage(ctx context.Context, r Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_records (agent_id, agent_name, model_name, year, month, input_tokens, output_tokens, approximate, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		r.AgentID, r.AgentName, r.ModelName, r.Year, r.Month, r.InputTokens, r.OutputTokens, r.Approximate)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
