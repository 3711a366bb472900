package statestore

import "context"

// UsageWindowEntry is one recorded (timestamp, token count) sample in a
// per-session rate-limit ledger. The Agent Runner Adaptor is the only
// consumer; the State Store only stores and prunes it (§9 of the design:
// the State Store owns the per-session token-usage window, not a separate
// cache tier).
type UsageWindowEntry struct {
	UnixSeconds int64
	Tokens      int
}

// Store is the shared key-value registry described by the design: atomic
// set/get, scan-by-prefix, and a distributed-lock primitive scoped to the
// starting/stopping transitions. A single process normally owns one Store;
// the Postgres-backed implementation lets the control-plane RPC server and
// the supervisor run as separate processes while still converging through
// one source of truth.
type Store interface {
	GetState(ctx context.Context, id BotID) (BotState, error)
	SetState(ctx context.Context, id BotID, s BotState) error

	MarkShouldStart(ctx context.Context, id BotID, init InitConfig, agent AgentConfig) error
	MarkShouldStop(ctx context.Context, id BotID) error
	MarkShouldRestart(ctx context.Context, id BotID) error
	ClearConfig(ctx context.Context, id BotID) error

	GetInitConfig(ctx context.Context, id BotID) (InitConfig, bool, error)
	GetAgentConfig(ctx context.Context, id BotID) (AgentConfig, bool, error)

	// TryStart acquires the starting lock; if the state is should_start it
	// transitions to starting and returns true. Otherwise it releases the
	// lock and returns false without error (lock contention and "state was
	// not should_start" are both represented as a plain false, matching the
	// spec's tryStart contract).
	TryStart(ctx context.Context, id BotID) (bool, error)

	// TryStop acquires the stopping lock and inspects state: should_stop
	// transitions to stopping (TryStopToIdle), should_restart transitions
	// to starting (TryStopToRestart), anything else is TryStopNone.
	TryStop(ctx context.Context, id BotID) (TryStopResult, error)

	ListAllBots(ctx context.Context) ([]BotID, error)

	// ResetAll sets every known bot to idle and deletes all config and lock
	// keys. Invoked once at process start to recover from a crash: stale
	// locks and in-flight markers from a previous run must never block a
	// fresh convergence pass.
	ResetAll(ctx context.Context) error

	// RecordUsageWindow appends one token-count sample to the sliding
	// rate-limit window for (agentID, modelName, conversationKey) and
	// returns the samples still within windowSeconds of now, pruning older
	// ones as a side effect. The window is scoped per session, not just per
	// model (§4.6 "Per-session recent-message history is tracked in the
	// State Store").
	RecordUsageWindow(ctx context.Context, agentID, modelName, conversationKey string, nowUnix int64, tokens int, windowSeconds int64) ([]UsageWindowEntry, error)

	// PeekUsageWindow returns the same pruned samples RecordUsageWindow
	// would, for the same (agentID, modelName, conversationKey) window,
	// without appending a new sample. The Agent Runner Adaptor uses this to
	// decide whether a prospective request would push the session over its
	// model's MaxTokens budget before committing to it (§4.6 "if a new
	// request would exceed max_tokens, the Adaptor defers or rejects it").
	PeekUsageWindow(ctx context.Context, agentID, modelName, conversationKey string, nowUnix int64, windowSeconds int64) ([]UsageWindowEntry, error)
}
