// Package reconciler implements the Lifecycle Reconciler (§4.2): a single
// long-running loop, period ≈3s, that drives each known bot id from its
// current state toward its desired state by taking the State Store's
// per-transition locks. The loop is intentionally stateless across ticks —
// all authority lives in the State Store — so the process can restart
// without losing the ability to converge (§4.2 "Rationale").
//
// Grounded on the teacher's internal/mcp.Manager.healthLoop periodic-poll
// shape (ticker + select on ctx.Done(), one goroutine per long-running
// concern) generalized from a single health check to a per-bot-id fan-out
// driven by statestore.Store.ListAllBots.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatsupervisor/internal/configstore"
	"github.com/nextlevelbuilder/chatsupervisor/internal/coreerrors"
	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
	"github.com/nextlevelbuilder/chatsupervisor/internal/tracing"
)

// DefaultInterval is the spec's "period ≈3 s".
const DefaultInterval = 3 * time.Second

// Supervisor is the subset of the Worker Supervisor (§4.3) the Reconciler
// depends on: constructing and tearing down BotRuntimes. Defined here (not
// imported from internal/supervisor) so the supervisor package can depend on
// the reconciler without a cycle.
type Supervisor interface {
	// Add constructs and registers a BotRuntime for id using init/agent. It
	// must set state=running on success; on failure it returns the error,
	// and the Reconciler drives the bot to idle and records the error via
	// ErrorRecorder — see §4.2 "Start step".
	Add(ctx context.Context, id statestore.BotID, init statestore.InitConfig, agent statestore.AgentConfig) error

	// Remove issues a cooperative stop request and blocks until the worker
	// is fully torn down (§4.3 "remove").
	Remove(ctx context.Context, id statestore.BotID) error

	// Has reports whether id currently has a live BotRuntime, used to guard
	// against double-adding when a tick races a slow previous Add.
	Has(id statestore.BotID) bool
}

// Reconciler runs the periodic convergence loop.
type Reconciler struct {
	Store      statestore.Store
	Config     configstore.Loader
	Errors     configstore.ErrorRecorder
	Supervisor Supervisor
	Interval   time.Duration
	Logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Reconciler with the given collaborators. Interval
// defaults to DefaultInterval when zero; Logger defaults to slog.Default().
func New(store statestore.Store, cfg configstore.Loader, errs configstore.ErrorRecorder, sup Supervisor, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Store: store, Config: cfg, Errors: errs, Supervisor: sup, Interval: interval, Logger: logger}
}

// Start launches the loop in a background goroutine. Stop must be called to
// release it.
func (r *Reconciler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx)
}

// Stop cancels the loop and waits for the in-flight tick (if any) to return.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one convergence pass over every known bot id: the stop step
// first, then the start step, so a should_restart demoted to starting by
// the stop step is picked up by the start step in the same tick (§4.2
// point 2).
func (r *Reconciler) Tick(ctx context.Context) {
	ids, err := r.Store.ListAllBots(ctx)
	if err != nil {
		r.Logger.Error("reconciler: list bots failed", "error", err)
		return
	}
	for _, id := range ids {
		tickCtx, span := tracing.Tracer().Start(ctx, "reconciler.transition",
			trace.WithAttributes(attribute.String("bot_id", string(id))))
		r.stopStep(tickCtx, id)
		r.startStep(tickCtx, id)
		span.End()
	}
}

// stopStep calls TryStop and acts on the result (§4.2 "Stop step").
func (r *Reconciler) stopStep(ctx context.Context, id statestore.BotID) {
	result, err := r.Store.TryStop(ctx, id)
	if err != nil {
		r.Logger.Error("reconciler: tryStop failed", "bot_id", id, "error", err)
		return
	}
	switch result {
	case statestore.TryStopNone:
		// Either the lock was already held elsewhere or state wasn't
		// should_stop/should_restart — both are represented as a plain
		// false by TryStop (§4.1); neither is fatal, so this is logged at
		// debug level as a LockContention and the next tick retries (§7).
		r.Logger.Debug("reconciler: stop step no-op", "error", &coreerrors.LockContention{BotID: string(id), Lock: "stopping"})
		return
	case statestore.TryStopToIdle:
		if err := r.Supervisor.Remove(ctx, id); err != nil {
			r.Logger.Error("reconciler: remove failed", "bot_id", id, "error", err)
		}
		if err := r.Store.SetState(ctx, id, statestore.StateIdle); err != nil {
			r.Logger.Error("reconciler: setState(idle) failed", "bot_id", id, "error", err)
		}
	case statestore.TryStopToRestart:
		if err := r.Supervisor.Remove(ctx, id); err != nil {
			r.Logger.Error("reconciler: remove (restart) failed", "bot_id", id, "error", err)
		}
		init, agent, ok := r.reloadConfig(ctx, id)
		if !ok {
			if err := r.Store.SetState(ctx, id, statestore.StateIdle); err != nil {
				r.Logger.Error("reconciler: setState(idle) after failed restart reload", "bot_id", id, "error", err)
			}
			return
		}
		if err := r.Store.MarkShouldStart(ctx, id, init, agent); err != nil {
			r.Logger.Error("reconciler: markShouldStart (restart) failed", "bot_id", id, "error", err)
		}
	}
}

// startStep calls TryStart and constructs a BotRuntime on success (§4.2
// "Start step").
func (r *Reconciler) startStep(ctx context.Context, id statestore.BotID) {
	ok, err := r.Store.TryStart(ctx, id)
	if err != nil {
		r.Logger.Error("reconciler: tryStart failed", "bot_id", id, "error", err)
		return
	}
	if !ok {
		// Same no-op-without-error contract as TryStop above (§4.1, §7):
		// log the contention and let the next tick retry.
		r.Logger.Debug("reconciler: start step no-op", "error", &coreerrors.LockContention{BotID: string(id), Lock: "starting"})
		return
	}
	if r.Supervisor.Has(id) {
		// A previous tick already materialized this runtime; avoid a
		// duplicate Add racing the same bot id (invariant in §3: at most
		// one BotRuntime per bot id).
		return
	}

	init, err := mustInitConfig(ctx, r.Store, id)
	if err != nil {
		r.Logger.Error("reconciler: load init config failed", "bot_id", id, "error", err)
		r.toIdleWithError(ctx, id, err.Error())
		return
	}
	agent, err := mustAgentConfig(ctx, r.Store, id)
	if err != nil {
		r.Logger.Error("reconciler: load agent config failed", "bot_id", id, "error", err)
		r.toIdleWithError(ctx, id, err.Error())
		return
	}
	if init == nil || agent == nil {
		r.Logger.Warn("reconciler: configs absent after tryStart, driving to idle", "bot_id", id)
		if err := r.Store.SetState(ctx, id, statestore.StateIdle); err != nil {
			r.Logger.Error("reconciler: setState(idle) for absent config failed", "bot_id", id, "error", err)
		}
		return
	}

	if err := r.Supervisor.Add(ctx, id, *init, *agent); err != nil {
		r.Logger.Error("reconciler: supervisor add failed", "bot_id", id, "error", err)
		r.toIdleWithError(ctx, id, err.Error())
	}
}

func (r *Reconciler) toIdleWithError(ctx context.Context, id statestore.BotID, msg string) {
	if r.Errors != nil {
		if err := r.Errors.SetLastError(ctx, id, msg); err != nil {
			r.Logger.Error("reconciler: setLastError failed", "bot_id", id, "error", err)
		}
	}
	if err := r.Store.SetState(ctx, id, statestore.StateIdle); err != nil {
		r.Logger.Error("reconciler: setState(idle) after error failed", "bot_id", id, "error", err)
	}
}

// reloadConfig reloads InitConfig/AgentConfig from the external config store
// for a should_restart bot (§4.2 "to_restart"): the reconciler never trusts
// the State Store's own cached blobs for a restart, only the external
// source of truth.
func (r *Reconciler) reloadConfig(ctx context.Context, id statestore.BotID) (statestore.InitConfig, statestore.AgentConfig, bool) {
	if r.Config == nil {
		return statestore.InitConfig{}, statestore.AgentConfig{}, false
	}
	init, ok, err := r.Config.LoadInit(ctx, id)
	if err != nil || !ok {
		if err != nil {
			r.Logger.Error("reconciler: reload init config failed", "bot_id", id, "error", err)
		}
		return statestore.InitConfig{}, statestore.AgentConfig{}, false
	}
	agent, ok, err := r.Config.LoadAgent(ctx, id)
	if err != nil || !ok {
		if err != nil {
			r.Logger.Error("reconciler: reload agent config failed", "bot_id", id, "error", err)
		}
		return statestore.InitConfig{}, statestore.AgentConfig{}, false
	}
	return init, agent, true
}

func mustInitConfig(ctx context.Context, store statestore.Store, id statestore.BotID) (*statestore.InitConfig, error) {
	init, ok, err := store.GetInitConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &init, nil
}

func mustAgentConfig(ctx context.Context, store statestore.Store, id statestore.BotID) (*statestore.AgentConfig, error) {
	agent, ok, err := store.GetAgentConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &agent, nil
}
