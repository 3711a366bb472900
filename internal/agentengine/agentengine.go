// Package agentengine defines the consumed shape of the external LLM
// execution engine (§6): session management plus a streamed run operation.
// The engine itself is out of scope (§1 non-goal); this package exists so
// the Agent Runner Adaptor has a concrete interface to depend on, and a
// deterministic in-memory fake to drive tests against.
package agentengine

import "context"

// EventType classifies one event in a run's stream.
type EventType string

const (
	EventPartial         EventType = "partial"
	EventFunctionCall    EventType = "function_call"
	EventFunctionResponse EventType = "function_response" // ignored by the core, only names are mapped
	EventFinal           EventType = "final"
	EventEscalation      EventType = "escalation"
)

// Event is one item from a run's stream.
type Event struct {
	Type EventType

	// Text carries the payload for partial and final events.
	Text string

	// FunctionName carries the function being invoked for function_call
	// events (and the function being answered for function_response,
	// though the core ignores that category beyond the name).
	FunctionName string

	// Message carries the human-readable explanation for escalation
	// events.
	Message string
}

// SessionID is an opaque identifier issued by the engine's session service.
type SessionID string

// Engine is the consumed LLM execution engine interface.
type Engine interface {
	CreateSession(ctx context.Context, appName, userKey string) (SessionID, error)
	ListSessions(ctx context.Context, appName, userKey string) ([]SessionID, error)
	DeleteSession(ctx context.Context, appName string, id SessionID) error

	// Run streams events for one turn. The returned channel is closed when
	// the run terminates (a final or escalation event, a context
	// cancellation, or an error). errc receives at most one error.
	Run(ctx context.Context, appName string, id SessionID, userKey, userMessage string) (<-chan Event, <-chan error)
}
