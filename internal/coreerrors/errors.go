// Package coreerrors defines the typed error kinds surfaced across the
// supervisor, router, and agent runner so callers can react with errors.As
// instead of matching on strings.
package coreerrors

import "fmt"

// ConfigError signals an invalid or unresolvable bot/agent configuration:
// bad token, unknown tool name, unknown model name, malformed blob. Fatal to
// the affected bot — it is driven back to idle with this text on the config
// row.
type ConfigError struct {
	BotID string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for %s: %s", e.BotID, e.Msg)
}

// StateStoreError wraps a transient failure talking to the state store.
type StateStoreError struct {
	Op  string
	Err error
}

func (e *StateStoreError) Error() string {
	return fmt.Sprintf("state store %s: %v", e.Op, e.Err)
}

func (e *StateStoreError) Unwrap() error { return e.Err }

// LockContention indicates tryStart/tryStop did not acquire the lock or the
// state did not match what was expected; never fatal, the reconciler retries
// on the next tick.
type LockContention struct {
	BotID string
	Lock  string
}

func (e *LockContention) Error() string {
	return fmt.Sprintf("lock contention on %s for bot %s", e.Lock, e.BotID)
}

// ChatServiceError wraps a connection-level failure from a chat client.
type ChatServiceError struct {
	BotID string
	Err   error
}

func (e *ChatServiceError) Error() string {
	return fmt.Sprintf("chat service error for bot %s: %v", e.BotID, e.Err)
}

func (e *ChatServiceError) Unwrap() error { return e.Err }

// RouterSaturated is returned when a new ConversationKey cannot be admitted
// because max_channels is reached and no idle queue is evictable.
type RouterSaturated struct {
	Key string
}

func (e *RouterSaturated) Error() string {
	return fmt.Sprintf("router saturated, rejecting new key %q", e.Key)
}

// ChannelBacklogged is returned when an existing key's queue is full and the
// bounded wait for room elapsed.
type ChannelBacklogged struct {
	Key string
}

func (e *ChannelBacklogged) Error() string {
	return fmt.Sprintf("channel backlogged for key %q", e.Key)
}

// AgentRunError wraps an opaque failure from the agent engine.
type AgentRunError struct {
	Err error
}

func (e *AgentRunError) Error() string { return fmt.Sprintf("agent run error: %v", e.Err) }
func (e *AgentRunError) Unwrap() error { return e.Err }

// EngineTimeout indicates the agent engine did not respond within the
// configured timeout.
type EngineTimeout struct {
	Timeout string
}

func (e *EngineTimeout) Error() string { return fmt.Sprintf("agent engine timed out after %s", e.Timeout) }

// RateLimited indicates the per-model token budget was exceeded and the
// adaptor's policy is to reject (rather than defer) the request.
type RateLimited struct {
	Model string
}

func (e *RateLimited) Error() string { return fmt.Sprintf("rate limited for model %q", e.Model) }
