package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/magicrune/pkg/config"
	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/grader"
	"github.com/Mindburn-Labs/magicrune/pkg/ledger"
	"github.com/Mindburn-Labs/magicrune/pkg/observability"
	"github.com/Mindburn-Labs/magicrune/pkg/policy"
	"github.com/Mindburn-Labs/magicrune/pkg/quarantine"
	"github.com/Mindburn-Labs/magicrune/pkg/sandbox"
	"github.com/Mindburn-Labs/magicrune/pkg/transport"
)

// stack is a fully wired gate together with the resources it holds.
type stack struct {
	gate     *gate.Gate
	registry *policy.Registry
	store    ledger.Store
	obs      *observability.Provider
	closers  []func() error
	logger   *slog.Logger
}

// buildStack is a variable to allow swapping the gate in tests.
var buildStack = newStack

func newStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	s := &stack{logger: logger}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = true
	if env := os.Getenv("MAGICRUNE_ENV"); env != "" {
		obsCfg.Environment = env
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	s.obs = obs

	registry, err := policy.NewRegistry(cfg.PolicyDir)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	if err := registry.Reload(); err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.registry = registry

	store, closeStore, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.store = store
	if closeStore != nil {
		s.closers = append(s.closers, closeStore)
	}

	qstore, err := quarantine.NewStore(ctx, cfg.Quarantine)
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("quarantine: %w", err)
	}
	if c, ok := qstore.(interface{ Close() error }); ok {
		s.closers = append(s.closers, c.Close)
	}

	executor := sandbox.NewExecutor(
		sandbox.WithNativeBackend(sandbox.NewNativeBackend(sandbox.NativeOptions{
			BwrapPath:    cfg.Sandbox.BwrapPath,
			CgroupParent: cfg.Sandbox.CgroupParent,
			Logger:       logger,
		})),
		sandbox.WithManagedBackend(sandbox.NewManagedBackend(sandbox.ManagedOptions{
			ModuleDir:   cfg.Sandbox.WASMDir,
			ShellModule: cfg.Sandbox.WASMShell,
			Logger:      logger,
		})),
		sandbox.WithForceManaged(cfg.Sandbox.ForceWASM),
		sandbox.WithWorkDir(cfg.Sandbox.WorkDir),
		sandbox.WithLogger(logger),
	)

	g, err := gate.New(
		gate.WithRegistry(registry),
		gate.WithRunner(executor),
		gate.WithGrader(grader.New(grader.WithQuarantine(qstore), grader.WithLogger(logger))),
		gate.WithCoordinator(ledger.NewCoordinator(store,
			ledger.WithLease(cfg.Ledger.Lease),
			ledger.WithLogger(logger),
		)),
		gate.WithObservability(obs),
		gate.WithLogger(logger),
	)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.gate = g
	return s, nil
}

// openLedger opens the configured backend. The returned closer may be nil.
func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, func() error, error) {
	switch cfg.Backend {
	case config.LedgerMemory:
		return ledger.NewMemoryStore(), nil, nil
	case config.LedgerSQLite, config.LedgerPostgres:
		dialect, dsn := ledger.DialectSQLite, cfg.SQLitePath
		if cfg.Backend == config.LedgerPostgres {
			dialect, dsn = ledger.DialectPostgres, cfg.DatabaseURL
		}
		db, err := ledger.OpenSQL(dialect, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ledger: ping %s: %w", dialect, err)
		}
		store := ledger.NewSQLStore(db, dialect)
		if err := store.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	case config.LedgerRedis:
		store := ledger.NewRedisStoreAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			ledger.WithDoneTTL(cfg.DoneTTL))
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("ledger: unknown backend %q", cfg.Backend)
	}
}

// ready reports whether the ledger answers.
func (s *stack) ready(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	if _, err := s.store.Get(ctx, "healthz"); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	return nil
}

// Close flushes telemetry and releases backends in reverse order.
func (s *stack) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
	s.closers = nil
	if s.obs != nil {
		if err := s.obs.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown failed", "error", err)
		}
		s.obs = nil
	}
}

func jetStreamConfig(cfg *config.Config) transport.JetStreamConfig {
	js := transport.DefaultJetStreamConfig()
	js.URL = cfg.NATS.URL
	js.Stream = cfg.NATS.Stream
	js.Durable = cfg.NATS.Durable
	js.DupWindow = cfg.NATS.DupWindow
	js.AckWait = cfg.NATS.AckWait
	js.MaxDeliver = cfg.NATS.MaxDeliver
	return js
}
