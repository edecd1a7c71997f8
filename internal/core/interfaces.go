// Package core defines the domain types and interfaces shared across the
// trading gateway: balances, orders, positions, the circuit breaker, and
// the abstractions every other package is wired against.
package core

import (
	"context"
	"time"

	"tradegateway/pkg/money"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IBalanceManager is the Atomic Balance Manager of spec §4.2.
type IBalanceManager interface {
	Reserve(ctx context.Context, currency string, amount money.Money, ownerTag string) (*Reservation, error)
	Commit(reservation *Reservation, actualUsed money.Money) error
	Release(reservation *Reservation) error
	Credit(currency string, amount money.Money, reason string) error
	Balance(currency string) (Balance, error)
	Snapshot() map[string]Balance
	// Lookup returns the live reservation for id, if one is still held.
	// Used by Startup Recovery and the Order Gateway to resolve a
	// persisted Order.ReservationID back into a full Reservation before
	// calling Commit or Release.
	Lookup(reservationID string) (*Reservation, bool)
	// ReleaseOrphaned releases every live reservation whose id is not in
	// liveReservationIDs, returning how many were released (spec §4.12
	// step 5: "unused reservations become orphans and are reclaimed by
	// startup recovery").
	ReleaseOrphaned(liveReservationIDs map[string]bool) (int, error)
}

// ISymbolLocker is the Symbol Locker of spec §4.3.
type ISymbolLocker interface {
	Acquire(ctx context.Context, symbol string, owner string, timeout time.Duration) (*SymbolGuard, error)
	Release(guard *SymbolGuard) error
	LockOwner(symbol string) (string, bool)
	LockedSymbols() []string
}

// SymbolGuard is the scoped handle returned by ISymbolLocker.Acquire. It
// must be released exactly once, on every exit path.
type SymbolGuard struct {
	Symbol string
	Owner  string
}

// ICircuitBreaker is the Circuit Breaker of spec §4.4.
type ICircuitBreaker interface {
	Check(currentValue money.Money) error
	RegisterOrder(orderID string)
	CompleteOrder(orderID string)
	WaitForDrain(ctx context.Context, deadline time.Duration) error
	Reset() error
	TripReconcileFailure() error
	RecordProbeResult(success bool) error
	State() CircuitBreakerState
}

// IEventBus is the Event Bus of spec §4.5.
type IEventBus interface {
	Publish(ctx context.Context, topic string, payload interface{}, source string) error
	Subscribe(topic string, handler func(Event)) (unsubscribe func())
	SubscribeAll(handler func(Event)) (unsubscribe func())
	Shutdown(ctx context.Context) error
	DroppedCount() uint64
}

// IWAL is the Write-Ahead Log of spec §4.6.
type IWAL interface {
	Append(topic string, payload []byte) (uint64, error)
	Replay(fn func(seq uint64, topic string, payload []byte, ts time.Time) error) error
	Close() error
}

// IOrderStore is Order Persistence & Audit of spec §4.7.
type IOrderStore interface {
	Put(ctx context.Context, order *Order) error
	GetByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	GetByVenueID(ctx context.Context, venueOrderID string) (*Order, error)
	ListInFlight(ctx context.Context) ([]*Order, error)
	AppendTransition(ctx context.Context, clientOrderID string, transition Transition) error
	// ListBySymbol returns every order recorded for symbol, most recent
	// first, for operator inspection and reconciliation diagnostics.
	ListBySymbol(ctx context.Context, symbol string) ([]*Order, error)
}

// ValidationOutcome is the typed result of IExchange.Validate.
type ValidationOutcome struct {
	OK     bool
	Reason RejectReason
}

// SubmitOutcome is the typed result of IExchange.Submit.
type SubmitOutcome struct {
	Accepted     bool
	TimedOut     bool
	VenueOrderID string
	Reason       RejectReason
}

// OrderSnapshot is the exchange-reported state of an order, returned by
// IExchange.Fetch.
type OrderSnapshot struct {
	VenueOrderID string
	Status       OrderStatus
	FilledAmount money.Money
	AvgFillPrice money.Money
	Fees         money.Money
}

// IExchange is the Exchange Contract of spec §4.8.
type IExchange interface {
	Name() string
	Validate(ctx context.Context, symbol string, side OrderSide, amount money.Money, price *money.Money, orderType OrderType) (ValidationOutcome, error)
	Submit(ctx context.Context, clientOrderID, symbol string, side OrderSide, amount money.Money, price *money.Money, orderType OrderType) (SubmitOutcome, error)
	Fetch(ctx context.Context, venueOrderID, clientOrderID string) (OrderSnapshot, error)
	Cancel(ctx context.Context, venueOrderID string) error
	FetchPositions(ctx context.Context, symbol string) ([]Position, error)
}

// IPositionStore tracks per-symbol Position records, updated by the Order
// Gateway on every fill and read/corrected by the Position Reconciler
// (spec §3 "Position", §4.11).
type IPositionStore interface {
	Get(symbol string) Position
	ApplyFill(symbol string, side OrderSide, amount, price money.Money) error
	ForceSync(symbol string, qty money.Money) error
	Snapshot() map[string]Position
}

// IReconciler is the Position Reconciler of spec §4.11.
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	Reconcile(ctx context.Context) ([]ReconcileResult, error)
	TriggerManual(ctx context.Context) error
	// LastRunAt reports when the most recent reconciliation pass
	// completed, the zero time if none has run yet (spec §4.14).
	LastRunAt() time.Time
}

// IGateway is the Order Gateway of spec §4.9, the single chokepoint for
// order submission.
type IGateway interface {
	Submit(ctx context.Context, agentID, symbol string, side OrderSide, amount money.Money, orderType OrderType, price *money.Money, nonce string) (*Order, error)
	Ready() bool
}

// IRecovery is the Startup Recovery sequence of spec §4.12.
type IRecovery interface {
	RunRecoverySequence(ctx context.Context) error
}
