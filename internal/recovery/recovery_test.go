package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradegateway/internal/core"
	apperrors "tradegateway/pkg/errors"
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

type fakeOrderStore struct {
	mu      sync.Mutex
	orders  map[string]*core.Order
	puts    int
	appends int
}

func newFakeOrderStore(orders ...*core.Order) *fakeOrderStore {
	s := &fakeOrderStore{orders: make(map[string]*core.Order)}
	for _, o := range orders {
		s.orders[o.ClientOrderID] = o
	}
	return s
}

func (s *fakeOrderStore) Put(ctx context.Context, order *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ClientOrderID] = order
	s.puts++
	return nil
}
func (s *fakeOrderStore) GetByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	return s.orders[clientOrderID], nil
}
func (s *fakeOrderStore) GetByVenueID(ctx context.Context, venueOrderID string) (*core.Order, error) {
	for _, o := range s.orders {
		if o.VenueOrderID == venueOrderID {
			return o, nil
		}
	}
	return nil, nil
}
func (s *fakeOrderStore) ListInFlight(ctx context.Context) ([]*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Order
	for _, o := range s.orders {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}
func (s *fakeOrderStore) AppendTransition(ctx context.Context, clientOrderID string, transition core.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	return nil
}
func (s *fakeOrderStore) ListBySymbol(ctx context.Context, symbol string) ([]*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Order
	for _, o := range s.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeExchange struct {
	snapshots map[string]core.OrderSnapshot
}

func (f *fakeExchange) Name() string { return "fake" }
func (f *fakeExchange) Validate(ctx context.Context, symbol string, side core.OrderSide, amount money.Money, price *money.Money, orderType core.OrderType) (core.ValidationOutcome, error) {
	return core.ValidationOutcome{OK: true}, nil
}
func (f *fakeExchange) Submit(ctx context.Context, clientOrderID, symbol string, side core.OrderSide, amount money.Money, price *money.Money, orderType core.OrderType) (core.SubmitOutcome, error) {
	return core.SubmitOutcome{Accepted: true}, nil
}
func (f *fakeExchange) Fetch(ctx context.Context, venueOrderID, clientOrderID string) (core.OrderSnapshot, error) {
	snap, ok := f.snapshots[clientOrderID]
	if !ok {
		return core.OrderSnapshot{}, apperrors.ErrOrderNotFound
	}
	return snap, nil
}
func (f *fakeExchange) Cancel(ctx context.Context, venueOrderID string) error { return nil }
func (f *fakeExchange) FetchPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	return nil, nil
}

type fakePositions struct {
	applied int
}

func (f *fakePositions) Get(symbol string) core.Position { return core.Position{Symbol: symbol} }
func (f *fakePositions) ApplyFill(symbol string, side core.OrderSide, amount, price money.Money) error {
	f.applied++
	return nil
}
func (f *fakePositions) ForceSync(symbol string, qty money.Money) error { return nil }
func (f *fakePositions) Snapshot() map[string]core.Position            { return nil }

type fakeBalances struct {
	mu           sync.Mutex
	reservations map[string]*core.Reservation
	committed    []string
	released     []string
}

func newFakeBalances(reservations ...*core.Reservation) *fakeBalances {
	b := &fakeBalances{reservations: make(map[string]*core.Reservation)}
	for _, r := range reservations {
		b.reservations[r.ID] = r
	}
	return b
}

func (b *fakeBalances) Reserve(ctx context.Context, currency string, amount money.Money, ownerTag string) (*core.Reservation, error) {
	return nil, nil
}
func (b *fakeBalances) Commit(reservation *core.Reservation, actualUsed money.Money) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reservations, reservation.ID)
	b.committed = append(b.committed, reservation.ID)
	return nil
}
func (b *fakeBalances) Release(reservation *core.Reservation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reservations, reservation.ID)
	b.released = append(b.released, reservation.ID)
	return nil
}
func (b *fakeBalances) Credit(currency string, amount money.Money, reason string) error { return nil }
func (b *fakeBalances) Balance(currency string) (core.Balance, error)                   { return core.Balance{}, nil }
func (b *fakeBalances) Snapshot() map[string]core.Balance                               { return nil }
func (b *fakeBalances) Lookup(reservationID string) (*core.Reservation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.reservations[reservationID]
	return r, ok
}
func (b *fakeBalances) ReleaseOrphaned(liveReservationIDs map[string]bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	released := 0
	for id, res := range b.reservations {
		if !liveReservationIDs[id] {
			delete(b.reservations, id)
			b.released = append(b.released, res.ID)
			released++
		}
	}
	return released, nil
}

type fakeBreaker struct {
	state       core.CircuitBreakerState
	completed   []string
	registered  []string
}

func (b *fakeBreaker) Check(currentValue money.Money) error { return nil }
func (b *fakeBreaker) RegisterOrder(orderID string)          { b.registered = append(b.registered, orderID) }
func (b *fakeBreaker) CompleteOrder(orderID string)          { b.completed = append(b.completed, orderID) }
func (b *fakeBreaker) WaitForDrain(ctx context.Context, deadline time.Duration) error { return nil }
func (b *fakeBreaker) Reset() error                                                   { return nil }
func (b *fakeBreaker) TripReconcileFailure() error                                    { return nil }
func (b *fakeBreaker) RecordProbeResult(success bool) error                           { return nil }
func (b *fakeBreaker) State() core.CircuitBreakerState                                { return b.state }

type fakeReconciler struct {
	triggered int
}

func (r *fakeReconciler) Start(ctx context.Context) error                      { return nil }
func (r *fakeReconciler) Stop() error                                          { return nil }
func (r *fakeReconciler) Reconcile(ctx context.Context) ([]core.ReconcileResult, error) { return nil, nil }
func (r *fakeReconciler) TriggerManual(ctx context.Context) error {
	r.triggered++
	return nil
}
func (r *fakeReconciler) LastRunAt() time.Time { return time.Time{} }

func mustMoney(t *testing.T, currency, value string) money.Money {
	t.Helper()
	m, err := money.NewFromString(currency, value)
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	return m
}

func TestSequence_ResolvesFilledOrderAndCommitsReservation(t *testing.T) {
	res := &core.Reservation{ID: "res-1", Currency: "USDT", Amount: mustMoney(t, "USDT", "5010")}
	order := &core.Order{
		ClientOrderID: "co-1", Symbol: "BTC/USDT", Side: core.SideBuy, Status: core.StatusSubmitted,
		Amount: mustMoney(t, "BTC", "0.1"), ReservationID: res.ID,
	}
	orderStore := newFakeOrderStore(order)
	exchange := &fakeExchange{snapshots: map[string]core.OrderSnapshot{
		"co-1": {
			VenueOrderID: "v-1", Status: core.StatusFilled,
			FilledAmount: mustMoney(t, "BTC", "0.1"),
			AvgFillPrice: mustMoney(t, "USDT", "50000"),
			Fees:         mustMoney(t, "USDT", "5"),
		},
	}}
	positions := &fakePositions{}
	balances := newFakeBalances(res)
	breaker := &fakeBreaker{}
	reconciler := &fakeReconciler{}

	seq := New(breaker, orderStore, exchange, positions, balances, reconciler, nil, noopLogger{}, Config{})

	if err := seq.RunRecoverySequence(context.Background()); err != nil {
		t.Fatalf("RunRecoverySequence failed: %v", err)
	}

	if positions.applied != 1 {
		t.Errorf("expected fill applied to position store, applied=%d", positions.applied)
	}
	if len(balances.committed) != 1 || balances.committed[0] != res.ID {
		t.Errorf("expected reservation committed, committed=%v", balances.committed)
	}
	if len(breaker.completed) != 1 {
		t.Errorf("expected order completed on breaker, completed=%v", breaker.completed)
	}
	if reconciler.triggered != 1 {
		t.Errorf("expected one manual reconciliation pass, triggered=%d", reconciler.triggered)
	}
}

func TestSequence_MarksOrphanedOrderAndReleasesReservation(t *testing.T) {
	res := &core.Reservation{ID: "res-2", Currency: "USDT", Amount: mustMoney(t, "USDT", "1000")}
	order := &core.Order{
		ClientOrderID: "co-2", Symbol: "ETH/USDT", Side: core.SideBuy, Status: core.StatusSubmitted,
		ReservationID: res.ID,
	}
	orderStore := newFakeOrderStore(order)
	exchange := &fakeExchange{snapshots: map[string]core.OrderSnapshot{}}
	positions := &fakePositions{}
	balances := newFakeBalances(res)
	breaker := &fakeBreaker{}
	reconciler := &fakeReconciler{}

	seq := New(breaker, orderStore, exchange, positions, balances, reconciler, nil, noopLogger{}, Config{})

	if err := seq.RunRecoverySequence(context.Background()); err != nil {
		t.Fatalf("RunRecoverySequence failed: %v", err)
	}

	if order.Status != core.StatusOrphaned {
		t.Errorf("expected order marked ORPHANED, got %s", order.Status)
	}
	if len(balances.released) != 1 || balances.released[0] != res.ID {
		t.Errorf("expected reservation released, released=%v", balances.released)
	}
}

func TestSequence_StillOpenOrderStaysLiveAndKeepsReservation(t *testing.T) {
	res := &core.Reservation{ID: "res-3", Currency: "USDT", Amount: mustMoney(t, "USDT", "2000")}
	order := &core.Order{
		ClientOrderID: "co-3", VenueOrderID: "v-3", Symbol: "SOL/USDT", Side: core.SideBuy,
		Status: core.StatusAccepted, ReservationID: res.ID,
	}
	orderStore := newFakeOrderStore(order)
	exchange := &fakeExchange{snapshots: map[string]core.OrderSnapshot{
		"co-3": {VenueOrderID: "v-3", Status: core.StatusAccepted},
	}}
	positions := &fakePositions{}
	balances := newFakeBalances(res)
	breaker := &fakeBreaker{}
	reconciler := &fakeReconciler{}

	var readyCalled bool
	seq := New(breaker, orderStore, exchange, positions, balances, reconciler, nil, noopLogger{}, Config{
		ReadyFn: func() { readyCalled = true },
	})

	if err := seq.RunRecoverySequence(context.Background()); err != nil {
		t.Fatalf("RunRecoverySequence failed: %v", err)
	}

	if _, ok := balances.Lookup(res.ID); !ok {
		t.Error("expected reservation for still-open order to remain live")
	}
	if len(breaker.registered) != 1 {
		t.Errorf("expected order re-registered with breaker, registered=%v", breaker.registered)
	}
	if !readyCalled {
		t.Error("expected ReadyFn to be invoked after recovery completes")
	}
}
