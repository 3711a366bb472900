// Package fake provides a deterministic in-memory agentengine.Engine used
// throughout the test suite to drive the documented end-to-end scenarios
// (§8) without a live LLM.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/chatsupervisor/internal/agentengine"
)

// Script describes how one Run call should behave.
type Script struct {
	// Events are emitted in order, each after Delay.
	Events []agentengine.Event
	Delay  time.Duration
	// Err, if set, is sent on the error channel instead of emitting Events.
	Err error
}

// Engine is a fully in-memory agentengine.Engine. ScriptFor is consulted
// per call to Run; if nil, a single final event echoing userMessage is
// emitted immediately.
type Engine struct {
	mu       sync.Mutex
	sessions map[string][]agentengine.SessionID
	counter  atomic.Int64

	ScriptFor func(appName string, id agentengine.SessionID, userKey, userMessage string) Script
}

func New() *Engine {
	return &Engine{sessions: make(map[string][]agentengine.SessionID)}
}

func (e *Engine) CreateSession(_ context.Context, appName, userKey string) (agentengine.SessionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := agentengine.SessionID(fmt.Sprintf("sess_%d", e.counter.Add(1)))
	key := appName + ":" + userKey
	e.sessions[key] = append(e.sessions[key], id)
	return id, nil
}

func (e *Engine) ListSessions(_ context.Context, appName, userKey string) ([]agentengine.SessionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := appName + ":" + userKey
	out := make([]agentengine.SessionID, len(e.sessions[key]))
	copy(out, e.sessions[key])
	return out, nil
}

func (e *Engine) DeleteSession(_ context.Context, appName string, id agentengine.SessionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, ids := range e.sessions {
		for i, sid := range ids {
			if sid == id {
				e.sessions[key] = append(ids[:i], ids[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (e *Engine) Run(ctx context.Context, appName string, id agentengine.SessionID, userKey, userMessage string) (<-chan agentengine.Event, <-chan error) {
	events := make(chan agentengine.Event, 8)
	errc := make(chan error, 1)

	var script Script
	if e.ScriptFor != nil {
		script = e.ScriptFor(appName, id, userKey, userMessage)
	} else {
		script = Script{Events: []agentengine.Event{{Type: agentengine.EventFinal, Text: userMessage}}}
	}

	go func() {
		defer close(events)
		defer close(errc)
		if script.Delay > 0 {
			select {
			case <-time.After(script.Delay):
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if script.Err != nil {
			errc <- script.Err
			return
		}
		for _, ev := range script.Events {
			select {
			case events <- ev:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return events, errc
}
