// Package bootstrap's System is the composition root spec.md §9 calls for:
// "global singletons become values constructed once in a top-level System
// struct and passed by reference". Every domain component below is built
// exactly once here, in dependency order, and handed to its dependents by
// reference rather than reached for through a package-level variable.
//
// Grounded on internal/engine/durable/engine.go's dbosCtx.Launch()/Shutdown
// lifecycle and internal/bootstrap/app.go's explicit wiring order.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"tradegateway/internal/balance"
	"tradegateway/internal/core"
	"tradegateway/internal/eventbus"
	"tradegateway/internal/exchange"
	"tradegateway/internal/exchange/mock"
	"tradegateway/internal/gateway"
	"tradegateway/internal/locker"
	"tradegateway/internal/persistence"
	"tradegateway/internal/position"
	"tradegateway/internal/reconciler"
	"tradegateway/internal/recovery"
	"tradegateway/internal/risk"
	"tradegateway/internal/wal"
	"tradegateway/pkg/money"
	"tradegateway/pkg/telemetry"
)

// serviceName identifies this process to OTel and to DBOS's own app-level
// bookkeeping.
const serviceName = "tradegateway"

// System holds every durable, long-lived component the gateway needs,
// wired once at startup.
type System struct {
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry

	WAL        *wal.WAL
	Bus        core.IEventBus
	Balances   core.IBalanceManager
	Locker     core.ISymbolLocker
	Breaker    core.ICircuitBreaker
	Exchange   core.IExchange
	OrderStore core.IOrderStore
	Positions  core.IPositionStore
	Reconciler core.IReconciler
	Recovery   core.IRecovery
	Gateway    core.IGateway

	dbosCtx dbos.DBOSContext
}

// BuildSystem wires every component per cfg, in the order each one's
// constructor requires its dependencies to already exist. It does not run
// Startup Recovery or launch DBOS; callers do that explicitly (cmd/gateway)
// so a CLI-only consumer (cmd/gatewayctl) can build a System for read-only
// inspection without ever accepting traffic.
func BuildSystem(cfg *Config, logger core.ILogger) (*System, error) {
	tel, err := telemetry.Setup(serviceName)
	if err != nil {
		return nil, fmt.Errorf("telemetry setup: %w", err)
	}

	w, err := wal.Open(cfg.Persistence.WALDir, 64*1024*1024, logger)
	if err != nil {
		return nil, fmt.Errorf("wal open: %w", err)
	}

	criticalTopics := core.CriticalTopics
	if len(cfg.EventBus.CriticalTopics) > 0 {
		criticalTopics = make(map[string]bool, len(cfg.EventBus.CriticalTopics))
		for _, t := range cfg.EventBus.CriticalTopics {
			criticalTopics[t] = true
		}
	}
	bus := eventbus.New(eventbus.Config{
		MaxQueueSize:   cfg.EventBus.MaxQueueSize,
		CriticalTopics: criticalTopics,
		DrainDeadline:  time.Duration(cfg.Risk.DrainDeadlineSeconds) * time.Second,
	}, w, logger)

	balances := balance.NewManager(bus, logger)
	startingCapital, err := money.NewFromString(cfg.App.Currency, cfg.App.StartingCapital)
	if err != nil {
		return nil, fmt.Errorf("starting capital: %w", err)
	}
	if err := balances.Credit(cfg.App.Currency, startingCapital, "startup_capital"); err != nil {
		return nil, fmt.Errorf("crediting starting capital: %w", err)
	}

	symbolLocker := locker.New(logger)

	breaker, err := risk.NewBreaker(risk.Config{
		LossThresholdPercent: cfg.Risk.LossThresholdPercent,
		CooldownPeriod:       time.Duration(cfg.Risk.CooldownSeconds) * time.Second,
		DrainDeadline:        time.Duration(cfg.Risk.DrainDeadlineSeconds) * time.Second,
		ReconcileFailLimit:   cfg.Reconcile.FailLimit,
		StatePath:            cfg.Risk.StatePath,
		Currency:             cfg.App.Currency,
	}, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("circuit breaker: %w", err)
	}

	mockExchange := mock.New("mock", feeBufferOrDefault(cfg.Trading.FeeBufferRate), cfg.App.Currency, 10, logger)
	for symbol, priceStr := range cfg.Trading.ReferencePrices {
		price, err := money.NewFromString(cfg.App.Currency, priceStr)
		if err != nil {
			return nil, fmt.Errorf("trading.reference_prices[%s]: %w", symbol, err)
		}
		mockExchange.SetPrice(symbol, price)
	}
	ex := exchange.NewResilient(mockExchange, exchange.ResilientConfig{
		MaxRetries:      3,
		RetryBackoffMin: 100 * time.Millisecond,
		RetryBackoffMax: 2 * time.Second,
		CallTimeout:     time.Duration(cfg.Timing.SubmitTimeoutMs) * time.Millisecond,
	})

	orderStore, err := persistence.Open(cfg.Persistence.PersistencePath)
	if err != nil {
		return nil, fmt.Errorf("order store: %w", err)
	}

	positions := position.New()

	recon := reconciler.New(ex, positions, breaker, orderStore, bus, logger, reconciler.Config{
		Symbols:          cfg.Trading.Symbols,
		Interval:         time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second,
		TolerancePercent: cfg.Reconcile.TolerancePercent,
	})

	dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
		AppName:     serviceName,
		DatabaseURL: string(cfg.App.DatabaseURL),
	})
	if err != nil {
		return nil, fmt.Errorf("dbos context: %w", err)
	}

	referencePrices := make(map[string]money.Money, len(cfg.Trading.ReferencePrices))
	for symbol, priceStr := range cfg.Trading.ReferencePrices {
		price, err := money.NewFromString(cfg.App.Currency, priceStr)
		if err != nil {
			return nil, fmt.Errorf("trading.reference_prices[%s]: %w", symbol, err)
		}
		referencePrices[symbol] = price
	}
	fallbackPrice, err := money.NewFromString(cfg.App.Currency, cfg.Trading.FallbackReferencePrice)
	if err != nil {
		return nil, fmt.Errorf("trading.fallback_reference_price: %w", err)
	}

	gw := gateway.New(dbosCtx, breaker, symbolLocker, ex, orderStore, balances, positions, bus, logger, gateway.Config{
		SymbolLockTimeout:      time.Duration(cfg.Timing.SymbolLockTimeoutMs) * time.Millisecond,
		FetchPollInterval:      time.Duration(cfg.Timing.FetchPollIntervalMs) * time.Millisecond,
		FetchDeadline:          time.Duration(cfg.Timing.FetchDeadlineMs) * time.Millisecond,
		FeeBufferRate:          cfg.Trading.FeeBufferRate,
		ReferencePrices:        referencePrices,
		FallbackReferencePrice: fallbackPrice,
	})

	rec := recovery.New(breaker, orderStore, ex, positions, balances, recon, bus, logger, recovery.Config{
		ReadyFn: gw.MarkReady,
	})

	return &System{
		Logger:     logger,
		Telemetry:  tel,
		WAL:        w,
		Bus:        bus,
		Balances:   balances,
		Locker:     symbolLocker,
		Breaker:    breaker,
		Exchange:   ex,
		OrderStore: orderStore,
		Positions:  positions,
		Reconciler: recon,
		Recovery:   rec,
		Gateway:    gw,
		dbosCtx:    dbosCtx,
	}, nil
}

// Launch starts the DBOS runtime. Must be called before the first
// Gateway.Submit and after BuildSystem.
func (s *System) Launch() error {
	return s.dbosCtx.Launch()
}

// Shutdown tears every component down in reverse dependency order.
func (s *System) Shutdown(ctx context.Context) error {
	s.dbosCtx.Shutdown(30 * time.Second)

	if err := s.Reconciler.Stop(); err != nil {
		s.Logger.Warn("reconciler stop failed", "error", err)
	}
	if err := s.Bus.Shutdown(ctx); err != nil {
		s.Logger.Warn("event bus shutdown failed", "error", err)
	}
	if err := s.WAL.Close(); err != nil {
		s.Logger.Warn("wal close failed", "error", err)
	}
	if closer, ok := s.OrderStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.Logger.Warn("order store close failed", "error", err)
		}
	}
	return s.Telemetry.Shutdown(ctx)
}

// ReconcilerRunner adapts the Position Reconciler to bootstrap.Runner for
// use with App.Run.
type ReconcilerRunner struct {
	Reconciler core.IReconciler
}

// Run starts the reconciler and blocks until ctx is cancelled.
func (r ReconcilerRunner) Run(ctx context.Context) error {
	if err := r.Reconciler.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Reconciler.Stop()
}

func feeBufferOrDefault(rate string) string {
	if rate == "" {
		return "0.002"
	}
	return rate
}
