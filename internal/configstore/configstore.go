// Package configstore defines the consumed shape of the external,
// non-core configuration store (§1 non-goal: "Persistent configuration
// storage... only its consumed shape is specified"; §3a of the expanded
// spec). The Reconciler reads it when restarting a bot, to refresh
// InitConfig/AgentConfig before re-marking should_start; the start step
// itself loads the configs held in the State Store.
package configstore

import (
	"context"

	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
)

// Loader is the read path the Reconciler depends on.
type Loader interface {
	LoadInit(ctx context.Context, id statestore.BotID) (statestore.InitConfig, bool, error)
	LoadAgent(ctx context.Context, id statestore.BotID) (statestore.AgentConfig, bool, error)
	ListBotIDs(ctx context.Context) ([]statestore.BotID, error)
}

// ErrorRecorder is the write path used when a bot is driven to idle by a
// ConfigError (§4.2, §7): the failure message is persisted on the config row
// by the control plane side, which this interface represents.
type ErrorRecorder interface {
	SetLastError(ctx context.Context, id statestore.BotID, msg string) error
}

// Store combines both roles; the pg implementation satisfies it directly.
type Store interface {
	Loader
	ErrorRecorder
}
