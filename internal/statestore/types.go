package statestore

// BotID is a stable string identity, assigned at config creation and
// immutable thereafter (e.g. "bot_42").
type BotID string

// BotState is the lifecycle state of one bot. Exactly one value is stored
// per bot id; absent keys read back as StateIdle.
type BotState string

const (
	StateIdle          BotState = "idle"
	StateShouldStart   BotState = "should_start"
	StateStarting      BotState = "starting"
	StateRunning       BotState = "running"
	StateShouldStop    BotState = "should_stop"
	StateStopping      BotState = "stopping"
	StateShouldRestart BotState = "should_restart"
)

// knownStates is consulted by setState to reject garbage values instead of
// persisting them.
var knownStates = map[BotState]bool{
	StateIdle:          true,
	StateShouldStart:   true,
	StateStarting:      true,
	StateRunning:       true,
	StateShouldStop:    true,
	StateStopping:      true,
	StateShouldRestart: true,
}

// IsValid reports whether s is a recognized BotState.
func (s BotState) IsValid() bool { return knownStates[s] }

// InitConfig holds per-bot immutable-per-run parameters. Credentials are
// opaque to the core — never interpreted, only passed through to the chat
// client.
type InitConfig struct {
	BotID                  BotID    `json:"bot_id"`
	CredentialToken        string   `json:"credential_token"`
	CommandPrefix          string   `json:"command_prefix"`
	DirectMessageAllowlist []string `json:"direct_message_allowlist"`
	ServerAllowlist        []string `json:"server_allowlist"`
}

// AgentConfig holds per-bot agent parameters.
type AgentConfig struct {
	AppName                string            `json:"app_name"`
	Description            string            `json:"description"`
	RoleInstructions       string            `json:"role_instructions"`
	ToolInstructions       string            `json:"tool_instructions"`
	ModelName              string            `json:"model_name"`
	ToolNames              []string          `json:"tool_names"`
	UserFunctionDisplayMap map[string]string `json:"user_function_display_map"`
	FallbackErrorMessage   string            `json:"fallback_error_message"`
}

// TryStopResult is the outcome of tryStop: which transition, if any, the
// store performed.
type TryStopResult int

const (
	TryStopNone TryStopResult = iota
	TryStopToIdle
	TryStopToRestart
)
