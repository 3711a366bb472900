// Package supervisor implements the Worker Supervisor (§4.3): the
// process-wide bot_id → BotWorker registry. Single-writer discipline (a
// guard around the map) keeps concurrent Reconciler ticks from racing each
// other, following the teacher's internal/channels.Manager
// (channels map[string]Channel guarded by mu sync.RWMutex).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatsupervisor/internal/agentengine"
	"github.com/nextlevelbuilder/chatsupervisor/internal/agentrunner"
	"github.com/nextlevelbuilder/chatsupervisor/internal/botworker"
	"github.com/nextlevelbuilder/chatsupervisor/internal/coreerrors"
	"github.com/nextlevelbuilder/chatsupervisor/internal/reconciler"
	"github.com/nextlevelbuilder/chatsupervisor/internal/router"
	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
	"github.com/nextlevelbuilder/chatsupervisor/internal/usage"
)

// ConnectorFactory builds the concrete chat-service Connector for one bot
// from its InitConfig — the only place credential_token is actually
// consumed (§3: "Credentials opaque to the core").
type ConnectorFactory func(init statestore.InitConfig) (botworker.Connector, error)

// Supervisor is the in-process registry described by §4.3. It satisfies
// reconciler.Supervisor so the Reconciler can drive it without importing
// botworker directly.
type Supervisor struct {
	mu      sync.Mutex
	workers map[statestore.BotID]*botworker.Worker

	NewConnector ConnectorFactory
	Engine       agentengine.Engine
	Store        statestore.Store
	Usage        usage.Sink
	RouterOpts   router.Options
	Logger       *slog.Logger

	ctx context.Context
}

var _ reconciler.Supervisor = (*Supervisor)(nil)

// New constructs an empty Supervisor.
func New(newConnector ConnectorFactory, engine agentengine.Engine, store statestore.Store, sink usage.Sink, routerOpts router.Options, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		workers:      make(map[statestore.BotID]*botworker.Worker),
		NewConnector: newConnector,
		Engine:       engine,
		Store:        store,
		Usage:        sink,
		RouterOpts:   routerOpts,
		Logger:       logger,
	}
}

// Bind records the root context future worker tasks derive from. Must be
// called once, before the first Add, typically from the process's run
// command alongside starting the Reconciler.
func (s *Supervisor) Bind(ctx context.Context) { s.ctx = ctx }

// Has reports whether id currently has a live BotWorker.
func (s *Supervisor) Has(id statestore.BotID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[id]
	return ok
}

// Get returns the live BotWorker for id, if any — used by a read-only
// monitoring endpoint (§4.5 "Observability").
func (s *Supervisor) Get(id statestore.BotID) (*botworker.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	return w, ok
}

// ListAll returns a snapshot of every live bot id.
func (s *Supervisor) ListAll() []statestore.BotID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]statestore.BotID, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

// Add constructs a BotWorker from init/agent, connects it, and — once the
// connection reports ready — sets state=running. On any failure it rolls
// back: the worker, if constructed, is stopped and not registered, and the
// error is returned so the Reconciler can drive the bot to idle with the
// failure recorded (§4.2, §7).
func (s *Supervisor) Add(ctx context.Context, id statestore.BotID, init statestore.InitConfig, agent statestore.AgentConfig) error {
	s.mu.Lock()
	if _, exists := s.workers[id]; exists {
		s.mu.Unlock()
		s.Logger.Warn("supervisor: add called for already-registered bot", "bot_id", id)
		return nil
	}
	s.mu.Unlock()

	if _, err := agentrunner.ResolveModel(string(id), agent.ModelName); err != nil {
		return err
	}

	connector, err := s.NewConnector(init)
	if err != nil {
		return &coreerrors.ConfigError{BotID: string(id), Msg: fmt.Sprintf("connector: %v", err)}
	}

	runner := agentrunner.NewRunner(s.Engine, s.Store, s.Usage, s.Logger.With("component", "agentrunner", "bot_id", id))
	worker := botworker.New(id, init, agent, connector, s.Engine, runner, s.Logger.With("component", "botworker"))

	runCtx := s.ctx
	if runCtx == nil {
		runCtx = ctx
	}
	if err := worker.Start(runCtx, s.RouterOpts); err != nil {
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := worker.WaitReady(readyCtx); err != nil {
		_ = worker.Stop(ctx)
		return &coreerrors.ChatServiceError{BotID: string(id), Err: err}
	}

	s.mu.Lock()
	s.workers[id] = worker
	s.mu.Unlock()

	if err := s.Store.SetState(ctx, id, statestore.StateRunning); err != nil {
		s.Logger.Error("supervisor: setState(running) failed", "bot_id", id, "error", err)
	}
	return nil
}

// Remove issues a cooperative stop request, waits for teardown, and
// deregisters the worker (§4.3 "remove").
func (s *Supervisor) Remove(ctx context.Context, id statestore.BotID) error {
	s.mu.Lock()
	worker, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := worker.Stop(ctx); err != nil {
		s.Logger.Error("supervisor: worker stop failed", "bot_id", id, "error", err)
		return err
	}
	return nil
}

// connectTimeout bounds how long Add waits for a connector's on_ready
// signal before treating the start as failed.
const connectTimeout = 30 * time.Second
