// Package usage implements the write-only usage sink interface consumed by
// the Agent Runner Adaptor (§6, §4.6 point 4).
package usage

import "context"

// Record is written once per successfully completed agent run; a run that
// ends in the fallback message writes none.
type Record struct {
	AgentID      string
	AgentName    string
	ModelName    string
	Year         int
	Month        int
	InputTokens  int64
	OutputTokens int64
	Approximate  bool
}

// Sink records usage; idempotency is not required, and aggregation by
// (agent_id, model_name, year, month) happens downstream of this interface.
type Sink interface {
	RecordUsage(ctx context.Context, r Record) error
}
