// Package agentrunner implements the Agent Runner Adaptor (§4.6): the
// back-pressured, rate-limited bridge between a Bot Worker's channel-router
// handler and the external agentengine.Engine, including output chunking
// and usage accounting.
package agentrunner

import (
	"strings"

	"github.com/nextlevelbuilder/chatsupervisor/internal/coreerrors"
)

// ExceedPolicy is the declared per-model behavior when a request would push
// cumulative token usage past MaxTokens within IntervalSeconds (§4.6 "Rate
// limiting").
type ExceedPolicy string

const (
	PolicyDefer  ExceedPolicy = "defer"
	PolicyReject ExceedPolicy = "reject"
)

// ModelRecord is a resolved, known model: its rate-limit budget and the
// policy to apply when that budget is exceeded.
type ModelRecord struct {
	Name            string
	MaxTokens       int
	IntervalSeconds int64
	OnExceed        ExceedPolicy
}

// aliases maps historical/alternate model names to the canonical name
// consulted in the registry below (§9 "Model aliases"). Resolution always
// checks aliases first so a renamed model stays usable without touching
// stored AgentConfig rows.
var aliases = map[string]string{
	"gpt4":           "gpt-4o",
	"gpt-4-turbo":    "gpt-4o",
	"gpt3.5":         "gpt-4o-mini",
	"claude-2":       "claude-3-5-sonnet",
	"claude-instant": "claude-3-5-haiku",
	"sonnet":         "claude-3-5-sonnet",
	"haiku":          "claude-3-5-haiku",
}

// registry is the static table of known models. A stored AgentConfig whose
// ModelName (after alias resolution) isn't here is a ConfigError.
var registry = map[string]ModelRecord{
	"gpt-4o": {
		Name: "gpt-4o", MaxTokens: 200_000, IntervalSeconds: 60, OnExceed: PolicyDefer,
	},
	"gpt-4o-mini": {
		Name: "gpt-4o-mini", MaxTokens: 400_000, IntervalSeconds: 60, OnExceed: PolicyDefer,
	},
	"claude-3-5-sonnet": {
		Name: "claude-3-5-sonnet", MaxTokens: 160_000, IntervalSeconds: 60, OnExceed: PolicyReject,
	},
	"claude-3-5-haiku": {
		Name: "claude-3-5-haiku", MaxTokens: 300_000, IntervalSeconds: 60, OnExceed: PolicyReject,
	},
}

// ResolveModel resolves modelName through the alias table and into the
// static registry. Unknown names after alias resolution are a ConfigError
// (§4.2, §7), fatal to the bot that references them.
func ResolveModel(botID, modelName string) (ModelRecord, error) {
	name := strings.TrimSpace(modelName)
	if canon, ok := aliases[name]; ok {
		name = canon
	}
	rec, ok := registry[name]
	if !ok {
		return ModelRecord{}, &coreerrors.ConfigError{BotID: botID, Msg: "unknown model name " + modelName}
	}
	return rec, nil
}
