package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
)

// PGStore reads and writes the bots/bot_agents tables described in §3a of
// the expanded spec, following the teacher's internal/store/pg idiom of a
// plain database/sql handle opened against the pgx stdlib driver (see
// internal/pgconn.Open for the connection setup shared with the state
// store's optional Postgres backend and the usage sink).
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an already-opened *sql.DB.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) LoadInit(ctx context.Context, id statestore.BotID) (statestore.InitConfig, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT bot_id, credential_token, command_prefix, direct_message_allowlist, server_allowlist
		FROM bots WHERE bot_id = $1`, string(id))

	var init statestore.InitConfig
	var botID string
	var dmAllow, srvAllow []string
	if err := row.Scan(&botID, &init.CredentialToken, &init.CommandPrefix, pq.Array(&dmAllow), pq.Array(&srvAllow)); err != nil {
		if err == sql.ErrNoRows {
			return statestore.InitConfig{}, false, nil
		}
		return statestore.InitConfig{}, false, fmt.Errorf("load init config for %s: %w", id, err)
	}
	init.BotID = statestore.BotID(botID)
	init.DirectMessageAllowlist = dmAllow
	init.ServerAllowlist = srvAllow
	return init, true, nil
}

func (p *PGStore) LoadAgent(ctx context.Context, id statestore.BotID) (statestore.AgentConfig, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT app_name, description, role_instructions, tool_instructions, model_name, tool_names, function_display_map, fallback_error_message
		FROM bot_agents WHERE bot_id = $1`, string(id))

	var agent statestore.AgentConfig
	var toolNames []string
	var displayMapRaw []byte
	if err := row.Scan(&agent.AppName, &agent.Description, &agent.RoleInstructions, &agent.ToolInstructions,
		&agent.ModelName, pq.Array(&toolNames), &displayMapRaw, &agent.FallbackErrorMessage); err != nil {
		if err == sql.ErrNoRows {
			return statestore.AgentConfig{}, false, nil
		}
		return statestore.AgentConfig{}, false, fmt.Errorf("load agent config for %s: %w", id, err)
	}
	agent.ToolNames = toolNames
	agent.UserFunctionDisplayMap = map[string]string{}
	if len(displayMapRaw) > 0 {
		if err := json.Unmarshal(displayMapRaw, &agent.UserFunctionDisplayMap); err != nil {
			return statestore.AgentConfig{}, false, fmt.Errorf("decode function display map for %s: %w", id, err)
		}
	}
	return agent, true, nil
}

func (p *PGStore) ListBotIDs(ctx context.Context) ([]statestore.BotID, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT bot_id FROM bots ORDER BY bot_id`)
	if err != nil {
		return nil, fmt.Errorf("list bot ids: %w", err)
	}
	defer rows.Close()

	var ids []statestore.BotID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, statestore.BotID(id))
	}
	return ids, rows.Err()
}

func (p *PGStore) SetLastError(ctx context.Context, id statestore.BotID, msg string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE bots SET last_error = $1, updated_at = now() WHERE bot_id = $2`, msg, string(id))
	if err != nil {
		return fmt.Errorf("set last error for %s: %w", id, err)
	}
	return nil
}
