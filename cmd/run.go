package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatsupervisor/internal/agentengine"
	"github.com/nextlevelbuilder/chatsupervisor/internal/agentengine/fake"
	"github.com/nextlevelbuilder/chatsupervisor/internal/botworker"
	"github.com/nextlevelbuilder/chatsupervisor/internal/channels/discord"
	"github.com/nextlevelbuilder/chatsupervisor/internal/channels/telegram"
	"github.com/nextlevelbuilder/chatsupervisor/internal/config"
	"github.com/nextlevelbuilder/chatsupervisor/internal/configstore"
	"github.com/nextlevelbuilder/chatsupervisor/internal/httpapi"
	"github.com/nextlevelbuilder/chatsupervisor/internal/pgconn"
	"github.com/nextlevelbuilder/chatsupervisor/internal/reconciler"
	"github.com/nextlevelbuilder/chatsupervisor/internal/router"
	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
	"github.com/nextlevelbuilder/chatsupervisor/internal/supervisor"
	"github.com/nextlevelbuilder/chatsupervisor/internal/tracing"
	"github.com/nextlevelbuilder/chatsupervisor/internal/usage"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor: the lifecycle reconciler, the worker supervisor, and the minimal control-plane/monitoring HTTP surface",
		Run: func(cmd *cobra.Command, args []string) {
			runSupervisor()
		},
	}
}

// runSupervisor wires every CORE component (§2) into one running process:
// State Store → Lifecycle Reconciler → Worker Supervisor → Bot Workers,
// fronted by the minimal HTTP surface the control plane writes through
// (§6). Grounded on the teacher's runGateway() shape: configure logging,
// load config, construct long-lived collaborators, start background loops,
// block on a signal, tear everything down in reverse order.
func runSupervisor() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "chatsupervisor", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = pgconn.Open(cfg.PostgresDSN)
		if err != nil {
			logger.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	store, cfgStore, usageSink := buildStores(db, logger)

	// §9 "Resetting state on startup": clear transient keys left over from a
	// crash so stale locks and in-flight markers never block convergence.
	// The external config store is expected to re-mark desired states.
	if err := store.ResetAll(ctx); err != nil {
		logger.Error("resetAll failed", "error", err)
		os.Exit(1)
	}

	// The LLM execution engine is an opaque external collaborator (§1
	// non-goal); this process drives it through the documented interface
	// only, with a deterministic in-memory fake standing in for the engine
	// itself. Pointing this at a real engine client is a deploy-time
	// concern outside the CORE's scope.
	engine := agentengine.Engine(fake.New())

	connectorFactory := newConnectorFactory(cfg.ConnectorKind)

	routerOpts := router.Options{
		MaxChannels:   cfg.Router.MaxChannels,
		QueueCapacity: cfg.Router.MaxQueueDepth,
		EnqueueWait:   time.Duration(cfg.Router.EnqueueWaitMillis) * time.Millisecond,
	}

	sup := supervisor.New(connectorFactory, engine, store, usageSink, routerOpts, logger.With("component", "supervisor"))
	sup.Bind(ctx)

	rec := reconciler.New(store, cfgStore, cfgStore, sup, time.Duration(cfg.ReconcilerIntervalMs)*time.Millisecond, logger.With("component", "reconciler"))
	rec.Start(ctx)
	defer rec.Stop()

	api := httpapi.New(store, sup, logger.With("component", "httpapi"))
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler()}
	go func() {
		logger.Info("httpapi listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("httpapi server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		logger.Warn("httpapi shutdown failed", "error", err)
	}
}

// buildStores wires the State Store, the external config store, and the
// usage sink onto one shared *sql.DB when Postgres is configured, falling
// back to the in-process implementations otherwise — the same db==nil
// branch the teacher's store/pg vs store/file split makes for standalone
// vs managed deployments.
func buildStores(db *sql.DB, logger *slog.Logger) (statestore.Store, configstore.Store, usage.Sink) {
	if db == nil {
		logger.Warn("no SUPERVISOR_POSTGRES_DSN configured: running with in-process state/config/usage stores (single process only, nothing persists across restarts)")
		return statestore.NewMemoryStore(), configstore.NewMemoryStore(), usage.NewMemorySink()
	}
	return statestore.NewPGStore(db), configstore.NewPGStore(db), usage.NewPGSink(db)
}

// newConnectorFactory resolves the process-wide chat-service binding (§6)
// from the configured kind. Every bot in one process uses the same
// concrete Connector implementation; credentials remain per-bot and opaque
// (§3 "Credentials opaque to the core").
func newConnectorFactory(kind string) supervisor.ConnectorFactory {
	switch kind {
	case "", "discord":
		return func(init statestore.InitConfig) (botworker.Connector, error) {
			return discord.New(init.CredentialToken)
		}
	case "telegram":
		return func(init statestore.InitConfig) (botworker.Connector, error) {
			return telegram.New(init.CredentialToken)
		}
	default:
		return func(init statestore.InitConfig) (botworker.Connector, error) {
			return nil, fmt.Errorf("unknown connector_kind %q", kind)
		}
	}
}
