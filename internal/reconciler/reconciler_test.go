package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradegateway/internal/core"
	"tradegateway/pkg/money"
)

type noopLogger struct{}

func (l noopLogger) Debug(msg string, fields ...interface{})               {}
func (l noopLogger) Info(msg string, fields ...interface{})                {}
func (l noopLogger) Warn(msg string, fields ...interface{})                {}
func (l noopLogger) Error(msg string, fields ...interface{})               {}
func (l noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

type fakePositions struct {
	mu  sync.Mutex
	qty map[string]money.Money
}

func newFakePositions() *fakePositions { return &fakePositions{qty: make(map[string]money.Money)} }

func (f *fakePositions) Get(symbol string) core.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return core.Position{Symbol: symbol, Quantity: f.qty[symbol]}
}
func (f *fakePositions) ApplyFill(symbol string, side core.OrderSide, amount, price money.Money) error {
	return nil
}
func (f *fakePositions) ForceSync(symbol string, qty money.Money) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qty[symbol] = qty
	return nil
}
func (f *fakePositions) Snapshot() map[string]core.Position { return nil }

type fakeExchange struct {
	positions map[string]money.Money
	cancelled []string
}

func (f *fakeExchange) Name() string { return "fake" }
func (f *fakeExchange) Validate(ctx context.Context, symbol string, side core.OrderSide, amount money.Money, price *money.Money, orderType core.OrderType) (core.ValidationOutcome, error) {
	return core.ValidationOutcome{OK: true}, nil
}
func (f *fakeExchange) Submit(ctx context.Context, clientOrderID, symbol string, side core.OrderSide, amount money.Money, price *money.Money, orderType core.OrderType) (core.SubmitOutcome, error) {
	return core.SubmitOutcome{Accepted: true, VenueOrderID: "v1"}, nil
}
func (f *fakeExchange) Fetch(ctx context.Context, venueOrderID, clientOrderID string) (core.OrderSnapshot, error) {
	return core.OrderSnapshot{}, nil
}
func (f *fakeExchange) Cancel(ctx context.Context, venueOrderID string) error {
	f.cancelled = append(f.cancelled, venueOrderID)
	return nil
}
func (f *fakeExchange) FetchPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	qty, ok := f.positions[symbol]
	if !ok {
		return nil, nil
	}
	return []core.Position{{Symbol: symbol, Quantity: qty}}, nil
}

type fakeBreaker struct {
	tripCount int
}

func (b *fakeBreaker) Check(currentValue money.Money) error { return nil }
func (b *fakeBreaker) RegisterOrder(orderID string)          {}
func (b *fakeBreaker) CompleteOrder(orderID string)          {}
func (b *fakeBreaker) WaitForDrain(ctx context.Context, deadline time.Duration) error { return nil }
func (b *fakeBreaker) Reset() error                                                   { return nil }
func (b *fakeBreaker) TripReconcileFailure() error {
	b.tripCount++
	return nil
}
func (b *fakeBreaker) RecordProbeResult(success bool) error { return nil }
func (b *fakeBreaker) State() core.CircuitBreakerState      { return core.CircuitBreakerState{} }

func mustMoney(t *testing.T, currency, value string) money.Money {
	t.Helper()
	m, err := money.NewFromString(currency, value)
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	return m
}

func TestReconciler_WithinToleranceSyncsAndPublishesOK(t *testing.T) {
	positions := newFakePositions()
	positions.ForceSync("BTC/USDT", mustMoney(t, "BTC", "0.1"))
	exchange := &fakeExchange{positions: map[string]money.Money{"BTC/USDT": mustMoney(t, "BTC", "0.1005")}}
	breaker := &fakeBreaker{}

	r := New(exchange, positions, breaker, nil, nil, noopLogger{}, Config{
		Symbols: []string{"BTC/USDT"}, TolerancePercent: 0.01,
	})

	results, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(results) != 1 || !results[0].WithinTolerance {
		t.Fatalf("expected within-tolerance result, got %+v", results)
	}
	if breaker.tripCount != 0 {
		t.Fatalf("expected breaker not tripped within tolerance, tripCount=%d", breaker.tripCount)
	}
	synced := positions.Get("BTC/USDT")
	cmp, _ := synced.Quantity.Cmp(mustMoney(t, "BTC", "0.1005"))
	if cmp != 0 {
		t.Fatalf("expected internal position synced to exchange qty, got %s", synced.Quantity.String())
	}
}

func TestReconciler_BeyondToleranceTripsBreakerAndCancelsOrders(t *testing.T) {
	positions := newFakePositions()
	positions.ForceSync("BTC/USDT", mustMoney(t, "BTC", "0.1"))
	exchange := &fakeExchange{positions: map[string]money.Money{"BTC/USDT": mustMoney(t, "BTC", "0.15")}}
	breaker := &fakeBreaker{}

	r := New(exchange, positions, breaker, nil, nil, noopLogger{}, Config{
		Symbols: []string{"BTC/USDT"}, TolerancePercent: 0.01,
	})

	results, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(results) != 1 || results[0].WithinTolerance {
		t.Fatalf("expected beyond-tolerance result, got %+v", results)
	}
	if breaker.tripCount != 1 {
		t.Fatalf("expected breaker tripped once, tripCount=%d", breaker.tripCount)
	}
}

func TestReconciler_ConsecutiveFailuresAccumulatePerSymbol(t *testing.T) {
	positions := newFakePositions()
	positions.ForceSync("BTC/USDT", mustMoney(t, "BTC", "0.1"))
	exchange := &fakeExchange{positions: map[string]money.Money{"BTC/USDT": mustMoney(t, "BTC", "0.15")}}
	breaker := &fakeBreaker{}

	r := New(exchange, positions, breaker, nil, nil, noopLogger{}, Config{
		Symbols: []string{"BTC/USDT"}, TolerancePercent: 0.01,
	})

	for i := 0; i < 3; i++ {
		if _, err := r.Reconcile(context.Background()); err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
	}
	if breaker.tripCount != 3 {
		t.Fatalf("expected breaker tripped on every out-of-tolerance cycle, tripCount=%d", breaker.tripCount)
	}
	if r.consecutiveFails["BTC/USDT"] != 3 {
		t.Fatalf("expected 3 consecutive failures tracked, got %d", r.consecutiveFails["BTC/USDT"])
	}
}
