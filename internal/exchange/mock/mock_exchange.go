// Package mock implements a deterministic Mock Exchange satisfying
// core.IExchange (spec.md §4.8/§4.10): the reference implementation used
// for paper trading and every e2e scenario in spec.md §8.
//
// Grounded on original_source/exchanges/mock_exchange.py's fixed
// current-price table, slippage-on-notional execution, and
// idempotent-by-client-order-id submission, cross-checked against the
// teacher's internal/mock/exchange.go (in-memory maps + sync.RWMutex +
// monotonic order id counter shape, minus its pb.* wire types). Rate
// limiting uses golang.org/x/time/rate as a direct port of
// original_source/core/rate_limiter.py's token-bucket discipline (the
// teacher never needed a rate limiter since it talks to real venues
// through their own SDKs' built-in throttling).
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradegateway/internal/core"
	apperrors "tradegateway/pkg/errors"
	"tradegateway/pkg/money"
)

// defaultPrices mirrors original_source/exchanges/mock_exchange.py's fixed
// current-price table.
var defaultPrices = map[string]string{
	"BTC/USDT":  "60000",
	"ETH/USDT":  "3000",
	"SOL/USDT":  "180",
	"PEPE/USDT": "0.00001",
	"WIF/USDT":  "3.5",
	"BONK/USDT": "0.00002",
}

type orderRecord struct {
	venueOrderID string
	clientID     string
	symbol       string
	side         core.OrderSide
	orderType    core.OrderType
	amount       money.Money
	price        money.Money
	status       core.OrderStatus
	filled       money.Money
	avgFill      money.Money
	fees         money.Money
}

// Exchange is the Mock Exchange: an in-memory, single-account simulator.
type Exchange struct {
	mu sync.RWMutex

	name     string
	feeRate  string // exact rational, e.g. "0.001" for 10bps
	currency string

	prices    map[string]money.Money
	orders    map[string]*orderRecord // by venue order id
	byClient  map[string]*orderRecord
	positions map[string]*core.Position
	orderSeq  int64

	limiter          *rate.Limiter
	logger           core.ILogger
	timeoutSymbols   map[string]bool  // symbols whose next Submit simulates Exchange.submit timing out (spec §4.9 step 8, scenario S5)
	injectedFailures map[string]error // symbols or client order ids whose next call returns a one-shot simulated infra failure
}

// New constructs a Mock Exchange named name, charging feeRate (an exact
// rational string, e.g. "0.001") on executed notional, throttled to
// callsPerSecond.
func New(name string, feeRate string, currency string, callsPerSecond float64, logger core.ILogger) *Exchange {
	prices := make(map[string]money.Money, len(defaultPrices))
	for symbol, priceStr := range defaultPrices {
		p, _ := money.NewFromString(currency, priceStr)
		prices[symbol] = p
	}

	if callsPerSecond <= 0 {
		callsPerSecond = 10
	}

	return &Exchange{
		name:             name,
		feeRate:          feeRate,
		currency:         currency,
		prices:           prices,
		orders:           make(map[string]*orderRecord),
		byClient:         make(map[string]*orderRecord),
		positions:        make(map[string]*core.Position),
		limiter:          rate.NewLimiter(rate.Limit(callsPerSecond), int(callsPerSecond)),
		logger:           logger.WithField("component", "mock_exchange").WithField("exchange", name),
		timeoutSymbols:   make(map[string]bool),
		injectedFailures: make(map[string]error),
	}
}

// Name returns the exchange identifier.
func (e *Exchange) Name() string { return e.name }

// SetPrice overrides the simulated current price for symbol, for tests
// that need to move the market.
func (e *Exchange) SetPrice(symbol string, price money.Money) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

// SimulateSubmitTimeout arms a one-shot simulated venue timeout on the next
// Submit call for symbol (spec §8 scenario S5): the call neither accepts
// nor rejects, mirroring a venue that never answers before the Gateway's
// submit_timeout_ms deadline.
func (e *Exchange) SimulateSubmitTimeout(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeoutSymbols[symbol] = true
}

// SimulateInfraFailure arms a one-shot simulated venue-side failure on the
// next call naming key (a symbol for Validate/Submit/FetchPositions, or a
// client order id for Fetch), for tests exercising how callers — pkg/retry's
// poll loop, the circuit breaker — react to an infrastructure error distinct
// from an ordinary business rejection. err is typically one of the
// apperrors exchange sentinels (ErrNetwork, ErrAuthenticationFailed,
// ErrExchangeMaintenance, ErrSystemOverload, ErrTimestampOutOfBounds).
func (e *Exchange) SimulateInfraFailure(key string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.injectedFailures[key] = err
}

func (e *Exchange) popInjectedFailure(symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.injectedFailures[symbol]; ok {
		delete(e.injectedFailures, symbol)
		return err
	}
	return nil
}

func (e *Exchange) throttle(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
	}
	return nil
}

// Validate performs purely predictive validation with no side effects
// (spec §4.8).
func (e *Exchange) Validate(ctx context.Context, symbol string, side core.OrderSide, amount money.Money, price *money.Money, orderType core.OrderType) (core.ValidationOutcome, error) {
	if err := e.throttle(ctx); err != nil {
		return core.ValidationOutcome{}, err
	}
	if symbol == "" {
		return core.ValidationOutcome{}, fmt.Errorf("%w: empty symbol", apperrors.ErrInvalidSymbol)
	}
	if err := e.popInjectedFailure(symbol); err != nil {
		return core.ValidationOutcome{}, err
	}

	e.mu.RLock()
	_, known := e.prices[symbol]
	e.mu.RUnlock()

	if !known {
		return core.ValidationOutcome{OK: false, Reason: core.RejectSymbolUnknown}, nil
	}
	if amount.IsZero() || amount.Sign() < 0 {
		return core.ValidationOutcome{OK: false, Reason: core.RejectAmountBelowMin}, nil
	}
	if orderType == core.OrderTypeLimit && (price == nil || price.IsZero()) {
		return core.ValidationOutcome{OK: false, Reason: core.RejectValidation}, nil
	}
	return core.ValidationOutcome{OK: true}, nil
}

// estimateSlippage mirrors the Python original's linear slippage model:
// larger clips move the execution price proportionally further from the
// quoted price.
func estimateSlippage(amount money.Money, side core.OrderSide, basePrice money.Money) (money.Money, error) {
	impact, err := amount.MulRat("0.0001") // 1bp of notional size per unit, a deliberately simple model
	if err != nil {
		return money.Money{}, err
	}
	impact, err = impact.MulRat(basePrice.String())
	if err != nil {
		return money.Money{}, err
	}
	if side == core.SideSell {
		return impact.Neg(), nil
	}
	return impact, nil
}

// Submit executes an order immediately (market semantics) or against the
// simulated book (limit semantics), idempotent on clientOrderID (spec §4.8).
func (e *Exchange) Submit(ctx context.Context, clientOrderID, symbol string, side core.OrderSide, amount money.Money, price *money.Money, orderType core.OrderType) (core.SubmitOutcome, error) {
	if err := e.throttle(ctx); err != nil {
		return core.SubmitOutcome{}, err
	}
	if symbol == "" {
		return core.SubmitOutcome{}, fmt.Errorf("%w: empty symbol", apperrors.ErrInvalidSymbol)
	}
	if orderType == core.OrderTypeLimit && price == nil {
		return core.SubmitOutcome{}, fmt.Errorf("%w: limit order submitted with no price", apperrors.ErrInvalidOrderParameter)
	}
	if err := e.popInjectedFailure(symbol); err != nil {
		return core.SubmitOutcome{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.byClient[clientOrderID]; ok {
		if existing.symbol != symbol || existing.side != side || existing.amount.String() != amount.String() {
			return core.SubmitOutcome{}, fmt.Errorf("%w: client_order_id %s already used with different parameters",
				apperrors.ErrDuplicateOrder, clientOrderID)
		}
		return e.outcomeFor(existing), nil
	}

	simulateTimeout := e.timeoutSymbols[symbol]
	delete(e.timeoutSymbols, symbol)

	basePrice, known := e.prices[symbol]
	if !known {
		return core.SubmitOutcome{Accepted: false, Reason: core.RejectSymbolUnknown}, nil
	}

	slippage, err := estimateSlippage(amount, side, basePrice)
	if err != nil {
		return core.SubmitOutcome{}, err
	}
	execPrice, err := basePrice.Add(slippage)
	if err != nil {
		return core.SubmitOutcome{}, err
	}

	willExecute := orderType == core.OrderTypeMarket
	if orderType == core.OrderTypeLimit && price != nil {
		cmp, err := execPrice.Cmp(*price)
		if err != nil {
			return core.SubmitOutcome{}, err
		}
		if side == core.SideBuy && cmp <= 0 { // market at/below limit: buy executes
			willExecute = true
		} else if side == core.SideSell && cmp >= 0 { // market at/above limit: sell executes
			willExecute = true
		} else {
			execPrice = *price
		}
	}

	e.orderSeq++
	venueOrderID := fmt.Sprintf("mock-%d", e.orderSeq)
	rec := &orderRecord{
		venueOrderID: venueOrderID,
		clientID:     clientOrderID,
		symbol:       symbol,
		side:         side,
		orderType:    orderType,
		amount:       amount,
		price:        execPrice,
		filled:       money.Zero(amount.Currency()),
		avgFill:      money.Zero(e.currency),
		fees:         money.Zero(e.currency),
		status:       core.StatusAccepted,
	}

	if willExecute {
		notional, err := amount.MulRat(execPrice.String())
		if err != nil {
			return core.SubmitOutcome{}, err
		}
		fees, err := notional.MulRat(e.feeRate)
		if err != nil {
			return core.SubmitOutcome{}, err
		}
		rec.status = core.StatusFilled
		rec.filled = amount
		rec.avgFill = execPrice
		rec.fees = fees
		e.applyFillLocked(symbol, side, amount, execPrice)
	}

	e.orders[venueOrderID] = rec
	e.byClient[clientOrderID] = rec

	if simulateTimeout {
		// The venue processed the order (it is fully recorded and fetchable
		// by client order id) but the caller's submit() call is simulated as
		// never having received the response in time.
		return core.SubmitOutcome{TimedOut: true}, nil
	}

	return e.outcomeFor(rec), nil
}

func (e *Exchange) outcomeFor(rec *orderRecord) core.SubmitOutcome {
	return core.SubmitOutcome{Accepted: true, VenueOrderID: rec.venueOrderID}
}

// applyFillLocked updates the simulated position for symbol. Must be
// called with e.mu held.
func (e *Exchange) applyFillLocked(symbol string, side core.OrderSide, amount, price money.Money) {
	signedAmount := amount
	if side == core.SideSell {
		signedAmount = amount.Neg()
	}

	pos, ok := e.positions[symbol]
	if !ok {
		e.positions[symbol] = &core.Position{
			Symbol:        symbol,
			Quantity:      signedAmount,
			AvgEntryPrice: price,
			RealizedPnL:   money.Zero(e.currency),
			UpdatedAt:     time.Now(),
		}
		return
	}

	newQty, err := pos.Quantity.Add(signedAmount)
	if err != nil {
		e.logger.Error("position quantity currency mismatch", "symbol", symbol, "error", err)
		return
	}
	pos.Quantity = newQty
	pos.AvgEntryPrice = price
	pos.UpdatedAt = time.Now()
}

// Fetch returns the current exchange-side snapshot of an order.
func (e *Exchange) Fetch(ctx context.Context, venueOrderID, clientOrderID string) (core.OrderSnapshot, error) {
	if err := e.throttle(ctx); err != nil {
		return core.OrderSnapshot{}, err
	}
	if clientOrderID != "" {
		if err := e.popInjectedFailure(clientOrderID); err != nil {
			return core.OrderSnapshot{}, err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, ok := e.orders[venueOrderID]
	if !ok && clientOrderID != "" {
		rec, ok = e.byClient[clientOrderID]
	}
	if !ok {
		return core.OrderSnapshot{}, apperrors.ErrOrderNotFound
	}

	return core.OrderSnapshot{
		VenueOrderID: rec.venueOrderID,
		Status:       rec.status,
		FilledAmount: rec.filled,
		AvgFillPrice: rec.avgFill,
		Fees:         rec.fees,
	}, nil
}

// Cancel cancels a still-open order.
func (e *Exchange) Cancel(ctx context.Context, venueOrderID string) error {
	if err := e.throttle(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.orders[venueOrderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if rec.status.IsTerminal() {
		return fmt.Errorf("%w: order %s already in terminal status %s", apperrors.ErrOrderRejected, venueOrderID, rec.status)
	}
	rec.status = core.StatusCancelled
	return nil
}

// FetchPositions returns simulated positions, optionally filtered by symbol.
func (e *Exchange) FetchPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	if err := e.throttle(ctx); err != nil {
		return nil, err
	}
	if symbol != "" {
		if err := e.popInjectedFailure(symbol); err != nil {
			return nil, err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []core.Position
	for sym, pos := range e.positions {
		if symbol != "" && sym != symbol {
			continue
		}
		out = append(out, *pos)
	}
	return out, nil
}

var _ core.IExchange = (*Exchange)(nil)
