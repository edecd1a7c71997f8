package exchange

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"tradegateway/internal/core"
	"tradegateway/pkg/money"
)

// ResilientConfig configures Resilient's retry/circuit-breaker/timeout
// policies, mirroring pkg/http/client.go's resilience pipeline shape but
// scoped to venue I/O instead of generic HTTP.
type ResilientConfig struct {
	MaxRetries      uint
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	// CallTimeout bounds a single underlying Submit call. Expiry surfaces as
	// core.SubmitOutcome{TimedOut: true} (spec §4.9 step 8). Validate,
	// Fetch, Cancel and FetchPositions are not bounded by it; they run
	// under the caller's ctx only.
	CallTimeout time.Duration
}

// Resilient wraps a core.IExchange with retry on any returned error and a
// per-venue circuit breaker (Submit bypasses both and only applies
// CallTimeout), so a flaky or slow venue degrades gracefully
// instead of blocking the Order Gateway indefinitely. Grounded on
// pkg/http/client.go's failsafe-go pipeline (retrypolicy + circuitbreaker),
// generalized from an HTTP response predicate to a venue-call predicate.
type Resilient struct {
	inner        core.IExchange
	pipeline     failsafe.Executor[any]
	callDeadline time.Duration
}

// NewResilient wraps inner with the given resilience policies.
func NewResilient(inner core.IExchange, cfg ResilientConfig) *Resilient {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoffMin <= 0 {
		cfg.RetryBackoffMin = 100 * time.Millisecond
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 2 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}

	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return err != nil }).
		WithBackoff(cfg.RetryBackoffMin, cfg.RetryBackoffMax).
		WithMaxRetries(int(cfg.MaxRetries)).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return err != nil }).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Resilient{
		inner:        inner,
		pipeline:     failsafe.With[any](retryPolicy, breaker),
		callDeadline: cfg.CallTimeout,
	}
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) Validate(ctx context.Context, symbol string, side core.OrderSide, amount money.Money, price *money.Money, orderType core.OrderType) (core.ValidationOutcome, error) {
	out, err := r.pipeline.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return r.inner.Validate(ctx, symbol, side, amount, price, orderType)
	})
	if err != nil {
		return core.ValidationOutcome{}, err
	}
	return out.(core.ValidationOutcome), nil
}

// Submit bounds the underlying call by CallTimeout, translating timeout
// expiry into a Timeout outcome (never a retry) per spec §4.9 step 8's
// requirement that a timed-out submit is handled distinctly from an
// error: retrying a submit whose outcome is unknown risks a double order.
func (r *Resilient) Submit(ctx context.Context, clientOrderID, symbol string, side core.OrderSide, amount money.Money, price *money.Money, orderType core.OrderType) (core.SubmitOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callDeadline)
	defer cancel()

	outcome, err := r.inner.Submit(callCtx, clientOrderID, symbol, side, amount, price, orderType)
	if err == context.DeadlineExceeded {
		return core.SubmitOutcome{TimedOut: true}, nil
	}
	if err != nil {
		return core.SubmitOutcome{}, err
	}
	return outcome, nil
}

func (r *Resilient) Fetch(ctx context.Context, venueOrderID, clientOrderID string) (core.OrderSnapshot, error) {
	out, err := r.pipeline.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return r.inner.Fetch(ctx, venueOrderID, clientOrderID)
	})
	if err != nil {
		return core.OrderSnapshot{}, err
	}
	return out.(core.OrderSnapshot), nil
}

func (r *Resilient) Cancel(ctx context.Context, venueOrderID string) error {
	_, err := r.pipeline.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return nil, r.inner.Cancel(ctx, venueOrderID)
	})
	return err
}

func (r *Resilient) FetchPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	out, err := r.pipeline.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return r.inner.FetchPositions(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return out.([]core.Position), nil
}

var _ core.IExchange = (*Resilient)(nil)
