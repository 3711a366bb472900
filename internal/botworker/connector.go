// Package botworker implements the Bot Worker (§4.4): one running bot's
// chat-service connection, admission control, session cache, command
// handling, and dispatch into its own Channel Router + Agent Runner
// Adaptor. One BotWorker exists per BotRuntime (§3); the Worker Supervisor
// (internal/supervisor) owns the bot_id → BotWorker registry.
package botworker

import "context"

// InboundEvent is the chat-service interface's "message received" shape
// (§6), normalized across concrete connectors (Discord, Telegram, ...) so
// the admission-control pipeline in admission.go is connector-agnostic.
type InboundEvent struct {
	AuthorID          string
	AuthorIsBot       bool
	AuthorUsername    string
	AuthorDisplayName string

	IsDirect              bool   // true for a direct message
	IsStandardTextChannel bool   // false for voice/thread/forum/announcement — rejected per §4.4 point 2
	ChannelID             string // server channel id, or the DM peer id when IsDirect
	GuildID               string // server id; empty for a direct message
	MentionsBot           bool   // whether the bot's identity is @mentioned in the body

	MessageID string
	Content   string
}

// Connector is the consumed chat-service interface (§6): an event stream of
// InboundEvents, a bounded send operation, and ready/close lifecycle hooks.
// Credentials are opaque to the core — Connect receives only the resolved
// token from InitConfig.
type Connector interface {
	// Connect opens the connection and begins dispatching InboundEvents to
	// onMessage. onReady is invoked once the connection completes its
	// handshake (§4.4 "on_ready"); the Worker Supervisor uses that signal to
	// set state=running. Connect must not block past the initial handshake.
	Connect(ctx context.Context, onReady func(), onMessage func(InboundEvent)) error

	// Send delivers a text body (never exceeding the connector's message
	// size limit — 2,000 bytes per §6) to channelID.
	Send(ctx context.Context, channelID, text string) error

	// Close cleanly tears down the connection (§4.4 "Cleanly closes on
	// stop").
	Close(ctx context.Context) error
}

// AdminChecker is an optional capability a Connector may implement to
// resolve whether a user holds an administrative role in a server channel,
// consulted by the clear_sessions command's permission check (§4.4).
// Connectors without administrative-role concepts (e.g. a DM-only client)
// may omit it; the command handler treats a missing AdminChecker as "never
// an admin", which is the conservative (denying) default.
type AdminChecker interface {
	IsAdmin(ctx context.Context, guildID, userID string) (bool, error)
}
