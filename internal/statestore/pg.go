package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PGStore is a Postgres-backed Store for deployments that run the
// control-plane RPC server as a process separate from the supervisor (§4.1:
// "a Postgres-backed variant... for deployments that run the control-plane
// RPC server as a separate process from the supervisor"). It uses a plain
// row-with-expiry for the starting/stopping locks rather than a session-
// scoped advisory lock, since advisory locks are released when the holding
// connection closes — which a pooled database/sql handle does not
// guarantee happens only on TTL expiry.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) GetState(ctx context.Context, id BotID) (BotState, error) {
	var state string
	err := p.db.QueryRowContext(ctx, `SELECT state FROM bot_states WHERE bot_id = $1`, string(id)).Scan(&state)
	if err == sql.ErrNoRows {
		return StateIdle, nil
	}
	if err != nil {
		return StateIdle, fmt.Errorf("get state for %s: %w", id, err)
	}
	return BotState(state), nil
}

func (p *PGStore) SetState(ctx context.Context, id BotID, state BotState) error {
	if !state.IsValid() {
		return fmt.Errorf("unrecognized state %q for bot %s", state, id)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bot_states (bot_id, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (bot_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		string(id), string(state))
	if err != nil {
		return fmt.Errorf("set state for %s: %w", id, err)
	}
	return nil
}

func (p *PGStore) MarkShouldStart(ctx context.Context, id BotID, init InitConfig, agent AgentConfig) error {
	initJSON, err := json.Marshal(init)
	if err != nil {
		return err
	}
	agentJSON, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO bot_states (bot_id, state, init_config, agent_config, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (bot_id) DO UPDATE SET
			state = EXCLUDED.state, init_config = EXCLUDED.init_config,
			agent_config = EXCLUDED.agent_config, updated_at = now()`,
		string(id), string(StateShouldStart), initJSON, agentJSON)
	if err != nil {
		return fmt.Errorf("mark should_start for %s: %w", id, err)
	}
	return nil
}

func (p *PGStore) MarkShouldStop(ctx context.Context, id BotID) error {
	return p.setBareState(ctx, id, StateShouldStop)
}

func (p *PGStore) MarkShouldRestart(ctx context.Context, id BotID) error {
	return p.setBareState(ctx, id, StateShouldRestart)
}

func (p *PGStore) setBareState(ctx context.Context, id BotID, state BotState) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bot_states (bot_id, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (bot_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		string(id), string(state))
	if err != nil {
		return fmt.Errorf("set %s for %s: %w", state, id, err)
	}
	return nil
}

func (p *PGStore) ClearConfig(ctx context.Context, id BotID) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM bot_states WHERE bot_id = $1`, string(id)); err != nil {
		return fmt.Errorf("clear config for %s: %w", id, err)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM state_locks WHERE bot_id = $1`, string(id)); err != nil {
		return fmt.Errorf("clear locks for %s: %w", id, err)
	}
	return nil
}

func (p *PGStore) GetInitConfig(ctx context.Context, id BotID) (InitConfig, bool, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT init_config FROM bot_states WHERE bot_id = $1`, string(id)).Scan(&raw)
	if err == sql.ErrNoRows || (err == nil && len(raw) == 0) {
		return InitConfig{}, false, nil
	}
	if err != nil {
		return InitConfig{}, false, fmt.Errorf("get init config for %s: %w", id, err)
	}
	var init InitConfig
	if err := json.Unmarshal(raw, &init); err != nil {
		return InitConfig{}, false, err
	}
	return init, true, nil
}

func (p *PGStore) GetAgentConfig(ctx context.Context, id BotID) (AgentConfig, bool, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT agent_config FROM bot_states WHERE bot_id = $1`, string(id)).Scan(&raw)
	if err == sql.ErrNoRows || (err == nil && len(raw) == 0) {
		return AgentConfig{}, false, nil
	}
	if err != nil {
		return AgentConfig{}, false, fmt.Errorf("get agent config for %s: %w", id, err)
	}
	var agent AgentConfig
	if err := json.Unmarshal(raw, &agent); err != nil {
		return AgentConfig{}, false, err
	}
	return agent, true, nil
}

// tryAcquireLock inserts or steals an expired lock row in one statement,
// reporting whether the caller now holds it.
func (p *PGStore) tryAcquireLock(ctx context.Context, id BotID, name string) (bool, error) {
	expires := time.Now().Add(lockTTL)
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO state_locks (bot_id, lock_name, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (bot_id, lock_name) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE state_locks.expires_at < now()`,
		string(id), name, expires)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s for %s: %w", name, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PGStore) TryStart(ctx context.Context, id BotID) (bool, error) {
	ok, err := p.tryAcquireLock(ctx, id, "starting")
	if err != nil || !ok {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE bot_states SET state = $1, updated_at = now() WHERE bot_id = $2 AND state = $3`,
		string(StateStarting), string(id), string(StateShouldStart))
	if err != nil {
		return false, fmt.Errorf("try start for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := p.db.ExecContext(ctx, `
			DELETE FROM state_locks WHERE bot_id = $1 AND lock_name = 'starting'`, string(id)); err != nil {
			return false, fmt.Errorf("release start lock for %s: %w", id, err)
		}
		return false, nil
	}
	return true, nil
}

func (p *PGStore) TryStop(ctx context.Context, id BotID) (TryStopResult, error) {
	ok, err := p.tryAcquireLock(ctx, id, "stopping")
	if err != nil || !ok {
		return TryStopNone, err
	}
	var current string
	err = p.db.QueryRowContext(ctx, `SELECT state FROM bot_states WHERE bot_id = $1`, string(id)).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return TryStopNone, nil
		}
		return TryStopNone, fmt.Errorf("read state for %s: %w", id, err)
	}
	switch BotState(current) {
	case StateShouldStop:
		if _, err := p.db.ExecContext(ctx, `UPDATE bot_states SET state = $1, updated_at = now() WHERE bot_id = $2`, string(StateStopping), string(id)); err != nil {
			return TryStopNone, err
		}
		return TryStopToIdle, nil
	case StateShouldRestart:
		if _, err := p.db.ExecContext(ctx, `UPDATE bot_states SET state = $1, updated_at = now() WHERE bot_id = $2`, string(StateStarting), string(id)); err != nil {
			return TryStopNone, err
		}
		// Release the stale "starting" lock from the runtime being torn
		// down so the reconciler's same-tick start step can reacquire it.
		if _, err := p.db.ExecContext(ctx, `DELETE FROM state_locks WHERE bot_id = $1 AND lock_name = 'starting'`, string(id)); err != nil {
			return TryStopNone, err
		}
		return TryStopToRestart, nil
	default:
		return TryStopNone, nil
	}
}

func (p *PGStore) ListAllBots(ctx context.Context) ([]BotID, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT bot_id FROM bot_states ORDER BY bot_id`)
	if err != nil {
		return nil, fmt.Errorf("list all bots: %w", err)
	}
	defer rows.Close()
	var ids []BotID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, BotID(id))
	}
	return ids, rows.Err()
}

func (p *PGStore) ResetAll(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM state_locks`); err != nil {
		return fmt.Errorf("reset locks: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM bot_states`); err != nil {
		return fmt.Errorf("reset bot states: %w", err)
	}
	return nil
}

func (p *PGStore) RecordUsageWindow(ctx context.Context, agentID, modelName, conversationKey string, nowUnix int64, tokens int, windowSeconds int64) ([]UsageWindowEntry, error) {
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_windows (agent_id, model_name, conversation_key, unix_seconds, tokens) VALUES ($1, $2, $3, $4, $5)`,
		agentID, modelName, conversationKey, nowUnix, tokens); err != nil {
		return nil, fmt.Errorf("record usage window: %w", err)
	}
	return p.pruneAndReadUsageWindow(ctx, agentID, modelName, conversationKey, nowUnix, windowSeconds)
}

func (p *PGStore) PeekUsageWindow(ctx context.Context, agentID, modelName, conversationKey string, nowUnix int64, windowSeconds int64) ([]UsageWindowEntry, error) {
	return p.pruneAndReadUsageWindow(ctx, agentID, modelName, conversationKey, nowUnix, windowSeconds)
}

func (p *PGStore) pruneAndReadUsageWindow(ctx context.Context, agentID, modelName, conversationKey string, nowUnix, windowSeconds int64) ([]UsageWindowEntry, error) {
	cutoff := nowUnix - windowSeconds
	if _, err := p.db.ExecContext(ctx, `
		DELETE FROM usage_windows WHERE agent_id = $1 AND model_name = $2 AND conversation_key = $3 AND unix_seconds < $4`,
		agentID, modelName, conversationKey, cutoff); err != nil {
		return nil, fmt.Errorf("prune usage window: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT unix_seconds, tokens FROM usage_windows
		WHERE agent_id = $1 AND model_name = $2 AND conversation_key = $3
		ORDER BY unix_seconds`,
		agentID, modelName, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("read usage window: %w", err)
	}
	defer rows.Close()
	var out []UsageWindowEntry
	for rows.Next() {
		var e UsageWindowEntry
		if err := rows.Scan(&e.UnixSeconds, &e.Tokens); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
