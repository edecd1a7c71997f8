package safety

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradegateway/internal/balance"
	"tradegateway/internal/core"
	"tradegateway/internal/exchange/mock"
	"tradegateway/internal/locker"
	"tradegateway/internal/persistence"
	"tradegateway/internal/risk"
	"tradegateway/pkg/logging"
	"tradegateway/pkg/money"
)

const testCurrency = "USDT"

// fakeReconciler satisfies core.IReconciler with a controllable LastRunAt,
// standing in for a full internal/reconciler.Reconciler so these tests
// don't need to stand up its periodic goroutine.
type fakeReconciler struct {
	lastRunAt time.Time
}

func (f *fakeReconciler) Start(ctx context.Context) error                      { return nil }
func (f *fakeReconciler) Stop() error                                          { return nil }
func (f *fakeReconciler) Reconcile(ctx context.Context) ([]core.ReconcileResult, error) { return nil, nil }
func (f *fakeReconciler) TriggerManual(ctx context.Context) error              { return nil }
func (f *fakeReconciler) LastRunAt() time.Time                                 { return f.lastRunAt }

// fakeBus satisfies core.IEventBus with a controllable DroppedCount.
type fakeBus struct {
	dropped uint64
}

func (f *fakeBus) Publish(ctx context.Context, topic string, payload interface{}, source string) error {
	return nil
}
func (f *fakeBus) Subscribe(topic string, handler func(core.Event)) func()    { return func() {} }
func (f *fakeBus) SubscribeAll(handler func(core.Event)) func()               { return func() {} }
func (f *fakeBus) Shutdown(ctx context.Context) error                        { return nil }
func (f *fakeBus) DroppedCount() uint64                                      { return f.dropped }

func newTestDeps(t *testing.T) (Deps, *fakeReconciler, *fakeBus) {
	t.Helper()

	logger, err := logging.NewZapLogger("ERROR")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	dir := t.TempDir()

	breaker, err := risk.NewBreaker(risk.Config{
		LossThresholdPercent: 0.10,
		StatePath:            filepath.Join(dir, "breaker.json"),
		Currency:             testCurrency,
	}, nil, logger)
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}

	symbolLocker := locker.New(logger)

	ex := mock.New("mock", "0.001", testCurrency, 1000, logger)
	price, _ := money.NewFromString(testCurrency, "60000")
	ex.SetPrice("BTC/USDT", price)

	orderStore, err := persistence.Open(filepath.Join(dir, "orders.db"))
	if err != nil {
		t.Fatalf("order store: %v", err)
	}
	t.Cleanup(func() { orderStore.Close() })

	balances := balance.NewManager(nil, logger)
	starting, _ := money.NewFromString(testCurrency, "10000")
	if err := balances.Credit(testCurrency, starting, "test_seed"); err != nil {
		t.Fatalf("seeding balance: %v", err)
	}

	recon := &fakeReconciler{lastRunAt: time.Now()}
	bus := &fakeBus{}

	return Deps{
		Breaker:    breaker,
		Reconciler: recon,
		Exchange:   ex,
		Balances:   balances,
		Locker:     symbolLocker,
		OrderStore: orderStore,
		Bus:        bus,
		WALDir:     dir,
		Symbols:    []string{"BTC/USDT"},
	}, recon, bus
}

func TestChecker_AllChecksPass(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	logger, _ := logging.NewZapLogger("ERROR")

	checker := NewChecker(logger, deps)
	results := checker.Run(context.Background())

	if !Passed(results) {
		for _, r := range results {
			if !r.OK {
				t.Errorf("check %s failed: %v", r.Name, r.Err)
			}
		}
		t.Fatal("expected every check to pass")
	}
}

func TestChecker_ReconciliationFreshness_FailsWhenNeverRun(t *testing.T) {
	deps, recon, _ := newTestDeps(t)
	recon.lastRunAt = time.Time{}
	logger, _ := logging.NewZapLogger("ERROR")

	checker := NewChecker(logger, deps)
	results := checker.Run(context.Background())

	found := false
	for _, r := range results {
		if r.Name == "reconciliation_freshness" {
			found = true
			if r.OK {
				t.Fatal("expected reconciliation_freshness to fail when no pass has run")
			}
		}
	}
	if !found {
		t.Fatal("reconciliation_freshness check not registered")
	}
	if Passed(results) {
		t.Fatal("expected overall verdict to fail")
	}
}

func TestChecker_PendingCriticalAlerts_FailsOnDroppedEvents(t *testing.T) {
	deps, _, bus := newTestDeps(t)
	bus.dropped = 3
	logger, _ := logging.NewZapLogger("ERROR")

	checker := NewChecker(logger, deps)
	results := checker.Run(context.Background())

	for _, r := range results {
		if r.Name == "pending_critical_alerts" && r.OK {
			t.Fatal("expected pending_critical_alerts to fail with dropped events")
		}
	}
}

func TestResetChecker_PassesWhileOpen(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	logger, _ := logging.NewZapLogger("ERROR")

	// Trip the breaker into OPEN, the only state Breaker.Reset() accepts.
	peak, _ := money.NewFromString(testCurrency, "10000")
	if err := deps.Breaker.Check(peak); err != nil {
		t.Fatalf("seeding peak: %v", err)
	}
	loss, _ := money.NewFromString(testCurrency, "1000")
	_ = deps.Breaker.Check(loss)

	checker := NewResetChecker(logger, deps)
	results := checker.Run(context.Background())

	if !Passed(results) {
		for _, r := range results {
			if !r.OK {
				t.Errorf("check %s failed: %v", r.Name, r.Err)
			}
		}
		t.Fatal("expected the reset audit to pass while the breaker is OPEN")
	}

	if err := deps.Breaker.Reset(); err != nil {
		t.Fatalf("expected Reset to succeed once the reset audit passes: %v", err)
	}
}

func TestChecker_CircuitBreakerOpen_FailsClosed(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	logger, _ := logging.NewZapLogger("ERROR")

	// Trip the breaker with a value far past the loss threshold.
	peak, _ := money.NewFromString(testCurrency, "10000")
	if err := deps.Breaker.Check(peak); err != nil {
		t.Fatalf("seeding peak: %v", err)
	}
	loss, _ := money.NewFromString(testCurrency, "8000")
	_ = deps.Breaker.Check(loss)

	checker := NewChecker(logger, deps)
	results := checker.Run(context.Background())

	for _, r := range results {
		if r.Name == "circuit_breaker_state" && r.OK {
			t.Fatal("expected circuit_breaker_state to fail once the breaker trips")
		}
	}
}
