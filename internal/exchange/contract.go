// Package exchange hosts the Exchange Contract of spec.md §4.8 shared
// across venue adapters: the resilience wrapper every concrete
// core.IExchange implementation (starting with internal/exchange/mock)
// is composed behind before the Order Gateway ever sees it.
package exchange

import (
	"context"
	"errors"
	"time"

	"tradegateway/internal/core"
	apperrors "tradegateway/pkg/errors"
	"tradegateway/pkg/money"
	"tradegateway/pkg/retry"
)

// fetchIsTransient classifies the errors pollFetch retries within a single
// poll tick rather than surfacing immediately. Authentication failures,
// maintenance windows, and timestamp skew are not retried here: they need
// operator or clock intervention, not a backoff.
func fetchIsTransient(err error) bool {
	return errors.Is(err, apperrors.ErrNetwork) ||
		errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

// Registry resolves an exchange by name, for components (Startup
// Recovery, the reconciler) that address more than one venue.
type Registry struct {
	byName map[string]core.IExchange
}

// NewRegistry builds a Registry over the given exchanges.
func NewRegistry(exchanges ...core.IExchange) *Registry {
	r := &Registry{byName: make(map[string]core.IExchange, len(exchanges))}
	for _, ex := range exchanges {
		r.byName[ex.Name()] = ex
	}
	return r
}

// Get returns the named exchange, or nil if unregistered.
func (r *Registry) Get(name string) core.IExchange {
	return r.byName[name]
}

// Names returns every registered exchange name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// pollFetch implements the bounded-backoff polling of spec §4.9 step 9:
// poll Exchange.fetch until the snapshot reaches a terminal status or the
// deadline passes.
func pollFetch(ctx context.Context, ex core.IExchange, venueOrderID, clientOrderID string, pollInterval time.Duration, deadline time.Duration) (core.OrderSnapshot, bool, error) {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}

	pollCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		pollCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		var snap core.OrderSnapshot
		err := retry.Do(pollCtx, retry.DefaultPolicy, fetchIsTransient, func() error {
			s, ferr := ex.Fetch(pollCtx, venueOrderID, clientOrderID)
			snap = s
			return ferr
		})
		if err != nil {
			return core.OrderSnapshot{}, false, err
		}
		if snap.Status.IsTerminal() {
			return snap, true, nil
		}

		select {
		case <-ticker.C:
			continue
		case <-pollCtx.Done():
			return snap, false, nil
		}
	}
}

// PollUntilTerminal exposes pollFetch for the Order Gateway and Startup
// Recovery.
func PollUntilTerminal(ctx context.Context, ex core.IExchange, venueOrderID, clientOrderID string, pollInterval, deadline time.Duration) (core.OrderSnapshot, bool, error) {
	return pollFetch(ctx, ex, venueOrderID, clientOrderID, pollInterval, deadline)
}

// NotionalPlusFeeBuffer computes the reservation amount for
// BalanceManager.reserve (spec §4.9 step 6): notional value plus a
// proportional fee buffer.
func NotionalPlusFeeBuffer(amount, price money.Money, feeBufferRate string) (money.Money, error) {
	notional, err := amount.MulRat(price.String())
	if err != nil {
		return money.Money{}, err
	}
	buffer, err := notional.MulRat(feeBufferRate)
	if err != nil {
		return money.Money{}, err
	}
	return notional.Add(buffer)
}
