package core

import (
	"time"

	"tradegateway/pkg/money"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the kind of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is a state in the Order Gateway's per-order state machine (spec §4.9).
// Terminal states are marked in the comment next to each constant.
type OrderStatus string

const (
	StatusNew                  OrderStatus = "NEW"
	StatusValidating           OrderStatus = "VALIDATING"
	StatusReserved             OrderStatus = "RESERVED"
	StatusSubmitted            OrderStatus = "SUBMITTED"
	StatusAccepted             OrderStatus = "ACCEPTED"
	StatusPartiallyFilled      OrderStatus = "PARTIALLY_FILLED"
	StatusFilled               OrderStatus = "FILLED"        // terminal
	StatusCancelled            OrderStatus = "CANCELLED"     // terminal
	StatusRejected             OrderStatus = "REJECTED"       // terminal
	StatusExpired              OrderStatus = "EXPIRED"        // terminal
	StatusPendingVerification  OrderStatus = "PENDING_VERIFICATION" // terminal w.r.t. the gateway; resolved by recovery
	StatusOrphaned             OrderStatus = "ORPHANED"       // terminal; assigned by startup recovery when no exchange record exists
)

// IsTerminal reports whether no further state transition is expected without
// operator or recovery intervention.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusPendingVerification, StatusOrphaned:
		return true
	default:
		return false
	}
}

// RejectReason enumerates the reasons an order or validation can be denied,
// matching the taxonomy of spec.md §7.
type RejectReason string

const (
	RejectCircuitBreaker     RejectReason = "circuit_breaker"
	RejectSymbolBusy         RejectReason = "symbol_busy"
	RejectInsufficientFunds  RejectReason = "insufficient_funds"
	RejectValidation         RejectReason = "validation_rejected"
	RejectAmountBelowMin     RejectReason = "amount_below_min"
	RejectPriceOutOfBand     RejectReason = "price_out_of_band"
	RejectSymbolUnknown      RejectReason = "symbol_unknown"
	RejectLeverageUnsupported RejectReason = "leverage_unsupported"
	RejectExchange           RejectReason = "exchange_rejected"
)

// Reservation is a handle produced by BalanceManager.Reserve, consumed
// exactly once by Commit or Release (spec §3 "Reservation").
type Reservation struct {
	ID        string
	Currency  string
	Amount    money.Money
	OwnerTag  string
	CreatedAt time.Time
}

// Balance is the per-currency triple from spec §3: total == available + reserved.
type Balance struct {
	Currency  string
	Total     money.Money
	Available money.Money
	Reserved  money.Money
}

// Order is the append-only order entity of spec §3. Mutations append a new
// Transition rather than overwriting fields in place; the fields below
// reflect the latest applied transition.
type Order struct {
	ClientOrderID  string
	VenueOrderID   string
	AgentID        string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Amount         money.Money
	Price          money.Money // zero value for market orders
	FilledAmount   money.Money
	AvgFillPrice   money.Money
	Fees           money.Money
	Status         OrderStatus
	ReservationID  string
	SubmittedAt    time.Time
	TerminalAt     time.Time
	Transitions    []Transition
}

// Transition is one immutable audit entry appended to an Order's history.
type Transition struct {
	Status    OrderStatus
	Reason    string
	Timestamp time.Time
}

// Position is the per-(account, symbol) record of spec §3.
type Position struct {
	Symbol        string
	Quantity      money.Money // signed: positive = long, negative = short
	AvgEntryPrice money.Money
	RealizedPnL   money.Money
	UpdatedAt     time.Time
}

// CircuitState is one of the four states of the Circuit Breaker state
// machine (spec §4.4).
type CircuitState string

const (
	CircuitClosed    CircuitState = "CLOSED"
	CircuitDraining  CircuitState = "DRAINING"
	CircuitOpen      CircuitState = "OPEN"
	CircuitHalfOpen  CircuitState = "HALF_OPEN"
)

// CircuitBreakerState is the persisted breaker record of spec §3.
type CircuitBreakerState struct {
	State                      CircuitState
	PeakValue                  money.Money
	CurrentValue               money.Money
	InFlightOrderIDs           []string
	OpenedAt                   time.Time
	ConsecutiveReconcileFails  int
}

// Event is a published message on the Event Bus (spec §3, §4.5).
type Event struct {
	Topic     string
	Payload   interface{}
	Source    string
	Sequence  uint64
	Timestamp time.Time
	Critical  bool
}

// Event Bus topics. The first five are the default critical topics (see
// CriticalTopics), which are never dropped under backpressure and are
// durable in the WAL before publication acknowledges (spec §4.5).
const (
	TopicCircuitBreaker   = "risk:circuit_breaker"
	TopicPositionMismatch = "risk:position_mismatch"
	TopicRiskAlert        = "risk:alert"
	TopicSystemCritical   = "system:critical"
	TopicSystemError      = "system:error"
	TopicBalanceChanged   = "balance:changed"
	TopicOrderSubmitted   = "order:submitted"
	TopicOrderTerminal    = "order:terminal"
	TopicReconcileOK      = "reconcile:ok"
)

// CriticalTopics is the default set from spec §4.5; configurable overrides
// live in internal/config.
var CriticalTopics = map[string]bool{
	TopicCircuitBreaker:   true,
	TopicPositionMismatch: true,
	TopicRiskAlert:        true,
	TopicSystemCritical:   true,
	TopicSystemError:      true,
}

// ReconcileResult is the outcome of one Position Reconciler pass over a
// single symbol (spec §4.11).
type ReconcileResult struct {
	Symbol           string
	InternalQty      money.Money
	ExchangeQty      money.Money
	WithinTolerance  bool
	RelativeDiff     float64
}
