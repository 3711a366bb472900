package botworker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/chatsupervisor/internal/agentengine"
	"github.com/nextlevelbuilder/chatsupervisor/internal/agentrunner"
	"github.com/nextlevelbuilder/chatsupervisor/internal/coreerrors"
	"github.com/nextlevelbuilder/chatsupervisor/internal/router"
	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
)

// Worker is one running bot (§4.4): the chat-service connection, the agent
// engine handle, the per-ConversationKey session cache, and its own
// Channel Router. One Worker exists per BotRuntime; the Worker Supervisor
// constructs and tears it down.
type Worker struct {
	ID    statestore.BotID
	Init  statestore.InitConfig
	Agent statestore.AgentConfig

	Connector Connector
	Engine    agentengine.Engine
	Runner    *agentrunner.Runner
	Router    *router.Router
	Logger    *slog.Logger

	sessionsMu sync.Mutex
	sessions   map[router.ConversationKey]agentengine.SessionID

	ready     chan struct{}
	readyOnce sync.Once

	cancel context.CancelFunc
}

// New constructs a Worker. It does not connect — call Start for that.
// Router is constructed in Start so it can be bound to the worker's own
// cancellable context (§4.5, §5: a stop request propagates to every
// in-flight channel-router worker).
func New(id statestore.BotID, init statestore.InitConfig, agent statestore.AgentConfig, connector Connector, engine agentengine.Engine, runner *agentrunner.Runner, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ID:        id,
		Init:      init,
		Agent:     agent,
		Connector: connector,
		Engine:    engine,
		Runner:    runner,
		Logger:    logger.With("bot_id", id),
		sessions:  make(map[router.ConversationKey]agentengine.SessionID),
		ready:     make(chan struct{}),
	}
}

func (w *Worker) logger() *slog.Logger { return w.Logger }

// Start opens the chat-service connection and begins dispatching inbound
// events through the admission pipeline into the Channel Router.
func (w *Worker) Start(ctx context.Context, routerOpts router.Options) error {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.Router = router.New(workerCtx, routerOpts)

	onReady := func() {
		w.readyOnce.Do(func() { close(w.ready) })
	}
	onMessage := func(ev InboundEvent) {
		w.handleInbound(workerCtx, ev)
	}
	if err := w.Connector.Connect(workerCtx, onReady, onMessage); err != nil {
		cancel()
		return &coreerrors.ChatServiceError{BotID: string(w.ID), Err: err}
	}
	return nil
}

// WaitReady blocks until the connection signals on_ready, or ctx is done.
func (w *Worker) WaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cleanly closes the chat-service connection and drains the router
// (§4.4, §5).
func (w *Worker) Stop(ctx context.Context) error {
	if w.Router != nil {
		w.Router.Shutdown(ctx)
	}
	if w.cancel != nil {
		w.cancel()
	}
	return w.Connector.Close(ctx)
}

// handleInbound runs the admission pipeline and, for accepted messages,
// enqueues a handler closure to the Channel Router under the derived
// ConversationKey (§4.4 "Dispatch": never executed synchronously on the
// ingress path).
func (w *Worker) handleInbound(ctx context.Context, ev InboundEvent) {
	body, key, ok := w.admit(ev)
	if !ok {
		return
	}

	if name, arg, isCmd := w.parseCommand(body); isCmd {
		reply := w.runCommand(ctx, ev, key, name, arg)
		if err := w.Connector.Send(ctx, ev.ChannelID, reply); err != nil {
			w.Logger.Warn("command reply send failed", "error", err)
		}
		return
	}

	err := w.Router.Enqueue(ctx, key, ev, func(ctx context.Context, payload any) error {
		return w.runAgentTurn(ctx, payload.(InboundEvent), key, body)
	})
	if err != nil {
		w.Logger.Warn("enqueue rejected", "conversation_key", key, "error", err)
	}
}

// runAgentTurn ensures a session exists for key, invokes the Agent Runner
// Adaptor, and streams each chunk back to the originating channel.
func (w *Worker) runAgentTurn(ctx context.Context, ev InboundEvent, key router.ConversationKey, body string) error {
	sessionID, err := w.ensureSession(ctx, key)
	if err != nil {
		w.Logger.Error("ensure session failed", "conversation_key", key, "error", err)
		return w.Connector.Send(ctx, ev.ChannelID, w.Agent.FallbackErrorMessage)
	}

	query := buildPreamble(ev, body)
	opts := agentrunner.RunOptions{
		AgentID:              string(w.ID),
		AgentName:            w.Agent.Description,
		AppName:              w.Agent.AppName,
		ModelName:            w.Agent.ModelName,
		SessionID:            sessionID,
		ConversationKey:      string(key),
		QueryText:            query,
		FunctionDisplayMap:   w.Agent.UserFunctionDisplayMap,
		OnlyFinal:            false,
		FallbackErrorMessage: w.Agent.FallbackErrorMessage,
	}
	return w.Runner.Run(ctx, opts, func(ctx context.Context, chunk string) error {
		return w.Connector.Send(ctx, ev.ChannelID, chunk)
	})
}

// ensureSession returns the cached session for key or creates a fresh one
// via the agent engine's session service (§4.4 "Session management").
// Sessions persist externally across bot restarts; the worker's cache is
// only a process-local memoization layer.
func (w *Worker) ensureSession(ctx context.Context, key router.ConversationKey) (agentengine.SessionID, error) {
	w.sessionsMu.Lock()
	if id, ok := w.sessions[key]; ok {
		w.sessionsMu.Unlock()
		return id, nil
	}
	w.sessionsMu.Unlock()

	id, err := w.Engine.CreateSession(ctx, w.Agent.AppName, string(key))
	if err != nil {
		return "", err
	}
	w.sessionsMu.Lock()
	w.sessions[key] = id
	w.sessionsMu.Unlock()
	return id, nil
}
