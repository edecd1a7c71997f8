// Package safety implements the pre-trading audit operators run before
// accepting traffic or resetting the Circuit Breaker (spec.md §4.14 /
// §6's gatewayctl pre-trading-check): a named-check registry, each check
// independently pass/fail, with the overall verdict failing closed if any
// one of them fails.
//
// Grounded on internal/infrastructure/health/manager.go's
// Register/IsHealthy named-check registry, re-purposed from liveness
// probing to the one-shot startup/operator audit spec §4.14 describes, and
// on internal/safety/checker.go's sequential "check, log, return first
// error" style for CheckAccountSafety.
package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tradegateway/internal/core"
)

// CheckResult is the outcome of a single named check. Err is kept
// alongside the string Message so a non-CLI caller can still use
// errors.Is/As on it; Message is what gets JSON-encoded for gatewayctl's
// output.
type CheckResult struct {
	Name    string
	OK      bool
	Err     error  `json:"-"`
	Message string `json:"message,omitempty"`
}

// Checker runs a named-check audit against a live System. NewChecker and
// NewResetChecker build the two audits this package exposes, sharing
// registerCommonChecks' eight checks and differing only in which
// circuit-breaker-state check they add.
type Checker struct {
	logger core.ILogger
	mu     sync.Mutex
	checks []namedCheck
}

type namedCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// Deps supplies every component a pre-trading check reads from. All
// fields are required; Checker never mutates them except via
// balances.ReleaseOrphaned, mirroring Startup Recovery's own step 5.
type Deps struct {
	Breaker    core.ICircuitBreaker
	Reconciler core.IReconciler
	Exchange   core.IExchange
	Balances   core.IBalanceManager
	Locker     core.ISymbolLocker
	OrderStore core.IOrderStore
	Bus        core.IEventBus
	WALDir     string
	Symbols    []string
}

// storeWithPing is satisfied by *persistence.Store; audited via an
// interface rather than importing the concrete type, matching the rest of
// this codebase's core.I*-interface wiring discipline.
type storeWithPing interface {
	Ping() error
}

// NewChecker builds the nine-point pre-trading audit of spec §4.14 from
// deps. Register is exported separately so a caller (tests, or a future
// check) can extend the registry without touching this constructor.
func NewChecker(logger core.ILogger, deps Deps) *Checker {
	c := &Checker{logger: logger.WithField("component", "pre_trading_check")}

	c.Register("circuit_breaker_state", func(ctx context.Context) error {
		state := deps.Breaker.State()
		if state.State == core.CircuitOpen || state.State == core.CircuitDraining {
			return fmt.Errorf("breaker is %s", state.State)
		}
		return nil
	})

	registerCommonChecks(c, deps)
	return c
}

// NewResetChecker builds the audit gatewayctl's breaker-reset runs before
// calling Breaker.Reset(). Reset is only legal from OPEN (circuit_breaker.go's
// Reset), so this omits NewChecker's circuit_breaker_state check — which
// fails on OPEN — in favor of one that only objects to DRAINING, the one
// state where orders are still draining and a reset would be unsafe.
func NewResetChecker(logger core.ILogger, deps Deps) *Checker {
	c := &Checker{logger: logger.WithField("component", "breaker_reset_check")}

	c.Register("circuit_breaker_draining", func(ctx context.Context) error {
		if state := deps.Breaker.State(); state.State == core.CircuitDraining {
			return fmt.Errorf("breaker is %s, orders still draining", state.State)
		}
		return nil
	})

	registerCommonChecks(c, deps)
	return c
}

// registerCommonChecks adds the eight checks shared by both the
// pre-trading audit and the breaker-reset audit.
func registerCommonChecks(c *Checker, deps Deps) {
	c.Register("reconciliation_freshness", func(ctx context.Context) error {
		if deps.Reconciler.LastRunAt().IsZero() {
			return fmt.Errorf("no reconciliation pass has completed yet")
		}
		return nil
	})

	c.Register("exchange_connectivity", func(ctx context.Context) error {
		for _, symbol := range deps.Symbols {
			if _, err := deps.Exchange.FetchPositions(ctx, symbol); err != nil {
				return fmt.Errorf("symbol %s: %w", symbol, err)
			}
		}
		return nil
	})

	c.Register("balance_verification", func(ctx context.Context) error {
		for currency, bal := range deps.Balances.Snapshot() {
			sum, err := bal.Available.Add(bal.Reserved)
			if err != nil {
				return fmt.Errorf("currency %s: summing available+reserved: %w", currency, err)
			}
			if cmp, err := sum.Cmp(bal.Total); err != nil || cmp != 0 {
				return fmt.Errorf("currency %s: available+reserved (%s) != total (%s)", currency, sum, bal.Total)
			}
		}
		return nil
	})

	c.Register("orphaned_reservation_scan", func(ctx context.Context) error {
		inFlight, err := deps.OrderStore.ListInFlight(ctx)
		if err != nil {
			return fmt.Errorf("listing in-flight orders: %w", err)
		}
		live := make(map[string]bool, len(inFlight))
		for _, order := range inFlight {
			if order.ReservationID != "" {
				live[order.ReservationID] = true
			}
		}
		released, err := deps.Balances.ReleaseOrphaned(live)
		if err != nil {
			return fmt.Errorf("releasing orphaned reservations: %w", err)
		}
		if released > 0 {
			c.logger.Warn("pre-trading check released orphaned reservations", "count", released)
		}
		return nil
	})

	c.Register("symbol_lock_state", func(ctx context.Context) error {
		if locked := deps.Locker.LockedSymbols(); len(locked) > 0 {
			return fmt.Errorf("symbols still locked from a prior run: %v", locked)
		}
		return nil
	})

	c.Register("pending_critical_alerts", func(ctx context.Context) error {
		if dropped := deps.Bus.DroppedCount(); dropped > 0 {
			return fmt.Errorf("%d events dropped under backpressure since startup", dropped)
		}
		return nil
	})

	c.Register("audit_store_reachable", func(ctx context.Context) error {
		pinger, ok := deps.OrderStore.(storeWithPing)
		if !ok {
			return nil
		}
		return pinger.Ping()
	})

	c.Register("wal_path_writable", func(ctx context.Context) error {
		return ensureWritable(deps.WALDir)
	})
}

// Register adds a named check to the registry.
func (c *Checker) Register(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// Run executes every registered check and returns each result in
// registration order. It never stops early: an operator needs the full
// picture, not just the first failure.
func (c *Checker) Run(ctx context.Context) []CheckResult {
	c.mu.Lock()
	checks := make([]namedCheck, len(c.checks))
	copy(checks, c.checks)
	c.mu.Unlock()

	results := make([]CheckResult, 0, len(checks))
	for _, chk := range checks {
		err := chk.fn(ctx)
		if err != nil {
			c.logger.Warn("pre-trading check failed", "check", chk.name, "error", err)
		} else {
			c.logger.Debug("pre-trading check passed", "check", chk.name)
		}
		result := CheckResult{Name: chk.name, OK: err == nil, Err: err}
		if err != nil {
			result.Message = err.Error()
		}
		results = append(results, result)
	}
	return results
}

func ensureWritable(dir string) error {
	probe := filepath.Join(dir, ".pre_trading_check_probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	f.Close()
	return os.Remove(probe)
}

// Passed reports whether every check in results succeeded.
func Passed(results []CheckResult) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}
