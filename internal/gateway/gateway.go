// Package gateway implements the Order Gateway of spec.md §4.9, the single
// chokepoint every order submission passes through.
//
// Modeled as a DBOS durable workflow, following
// internal/engine/durable/workflow.go and internal/engine/durable/engine.go:
// Gateway.Submit starts a dbos.DBOSContext workflow and blocks on its
// result, while the nine-step algorithm itself (internal/gateway/workflow.go)
// runs as a sequence of ctx.RunAsStep calls so a crash mid-submission
// resumes from the last durably-recorded step rather than re-running
// already-completed side effects.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"tradegateway/internal/core"
	"tradegateway/pkg/money"
	"tradegateway/pkg/telemetry"
)

// Config configures a Gateway.
type Config struct {
	SymbolLockTimeout time.Duration
	FetchPollInterval time.Duration
	FetchDeadline     time.Duration
	FeeBufferRate     string // e.g. "0.002" for a 0.2% buffer over estimated fees

	// ReferencePrices supplies a conservative per-symbol price estimate
	// used only to size the balance reservation for market orders, which
	// carry no caller-supplied price (spec §4.9 step 6 needs a notional
	// figure before the exchange has priced the fill). Grounded on
	// original_source/core/order_gateway.py, which queries the venue's
	// ticker for this and falls back to a hardcoded conservative estimate
	// on failure; here the fallback is configurable instead of a magic
	// constant. The real notional is always trued up in Commit once the
	// fill is known, so an overestimate here only over-reserves briefly.
	ReferencePrices        map[string]money.Money
	FallbackReferencePrice money.Money
}

// Gateway is the Order Gateway.
type Gateway struct {
	dbosCtx    dbos.DBOSContext
	breaker    core.ICircuitBreaker
	locker     core.ISymbolLocker
	exchange   core.IExchange
	orderStore core.IOrderStore
	balances   core.IBalanceManager
	positions  core.IPositionStore
	bus        core.IEventBus
	logger     core.ILogger
	config     Config

	ready atomic.Bool
	clock func() time.Time

	pendingVerifyMu sync.Mutex
	pendingVerify   map[string]int64 // per-symbol count, since this process started
}

// New constructs a Gateway. dbosCtx is constructed by the composition root
// (internal/bootstrap.BuildSystem) and launched there by System.Launch
// before the first Submit, matching every other durable-workflow component
// in this codebase, which always receives its dbos.DBOSContext from outside
// rather than building one itself.
func New(dbosCtx dbos.DBOSContext, breaker core.ICircuitBreaker, locker core.ISymbolLocker,
	ex core.IExchange, orderStore core.IOrderStore, balances core.IBalanceManager,
	positions core.IPositionStore, bus core.IEventBus, logger core.ILogger, config Config) *Gateway {
	if config.SymbolLockTimeout <= 0 {
		config.SymbolLockTimeout = 2 * time.Second
	}
	if config.FetchPollInterval <= 0 {
		config.FetchPollInterval = 200 * time.Millisecond
	}
	if config.FetchDeadline <= 0 {
		config.FetchDeadline = 10 * time.Second
	}
	if config.FeeBufferRate == "" {
		config.FeeBufferRate = "0.002"
	}

	return &Gateway{
		dbosCtx:       dbosCtx,
		breaker:       breaker,
		locker:        locker,
		exchange:      ex,
		orderStore:    orderStore,
		balances:      balances,
		positions:     positions,
		bus:           bus,
		logger:        logger.WithField("component", "order_gateway"),
		config:        config,
		clock:         time.Now,
		pendingVerify: make(map[string]int64),
	}
}

// Submit implements core.IGateway.Submit: it derives the deterministic
// client order id (spec §4.9 step 1) and runs the nine-step algorithm as a
// durable workflow.
func (g *Gateway) Submit(ctx context.Context, agentID, symbol string, side core.OrderSide,
	amount money.Money, orderType core.OrderType, price *money.Money, nonce string) (*core.Order, error) {
	start := time.Now()
	defer func() {
		telemetry.GetGlobalMetrics().ObserveSubmitLatency(ctx, float64(time.Since(start).Milliseconds()))
	}()

	clientOrderID := deterministicClientOrderID(agentID, symbol, side, amount, price, orderType, nonce)

	input := submitInput{
		ClientOrderID: clientOrderID,
		AgentID:       agentID,
		Symbol:        symbol,
		Side:          side,
		Amount:        amount,
		OrderType:     orderType,
		Price:         price,
	}

	handle, err := g.dbosCtx.RunWorkflow(g.dbosCtx, g.submitWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("starting submit workflow: %w", err)
	}

	resultRaw, err := handle.GetResult()
	if resultRaw == nil {
		return nil, err
	}
	order := resultRaw.(*core.Order)
	return order, err
}

// Ready reports whether Startup Recovery has completed.
func (g *Gateway) Ready() bool {
	return g.ready.Load()
}

// MarkReady flips the ready flag. Called once, by Startup Recovery's
// ReadyFn callback (spec §4.12 step 6).
func (g *Gateway) MarkReady() {
	g.ready.Store(true)
}

func (g *Gateway) referencePriceFor(symbol string, explicit *money.Money) money.Money {
	if explicit != nil {
		return *explicit
	}
	if p, ok := g.config.ReferencePrices[symbol]; ok {
		return p
	}
	return g.config.FallbackReferencePrice
}

// incPendingVerify tracks how many orders are currently stuck in
// PENDING_VERIFICATION for symbol, for the pre-trading audit and
// dashboards to surface. Only incremented here: the counter resets with
// the process, and Startup Recovery resolves these orders in the next
// process's recovery sequence rather than by calling back into this one.
func (g *Gateway) incPendingVerify(symbol string) {
	g.pendingVerifyMu.Lock()
	g.pendingVerify[symbol]++
	count := g.pendingVerify[symbol]
	g.pendingVerifyMu.Unlock()
	telemetry.GetGlobalMetrics().SetPendingVerification(symbol, count)
}

func (g *Gateway) publish(ctx context.Context, topic string, payload interface{}) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(ctx, topic, payload, "order_gateway"); err != nil {
		g.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

var _ core.IGateway = (*Gateway)(nil)
