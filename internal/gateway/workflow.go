package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"tradegateway/internal/core"
	"tradegateway/internal/exchange"
	apperrors "tradegateway/pkg/errors"
	"tradegateway/pkg/money"
	"tradegateway/pkg/telemetry"
)

// submitInput is the durable-workflow input for one Gateway.Submit call.
type submitInput struct {
	ClientOrderID string
	AgentID       string
	Symbol        string
	Side          core.OrderSide
	Amount        money.Money
	OrderType     core.OrderType
	Price         *money.Money
}

// submitWorkflow is the DBOS durable workflow implementing spec.md §4.9's
// nine-step submit algorithm. Each suspension point (lock acquire,
// validate, persist, reserve, exchange submit, poll-to-terminal, commit)
// runs as its own ctx.RunAsStep so a crash mid-submission resumes from the
// last completed step instead of re-running side effects, following
// internal/engine/durable/workflow.go's one-RunAsStep-per-suspension-point
// shape.
func (g *Gateway) submitWorkflow(ctx dbos.DBOSContext, rawInput any) (any, error) {
	in := rawInput.(submitInput)

	// Step 2: circuit breaker check (spec §4.9 step 2). Not a suspension
	// point (in-memory), so it runs outside RunAsStep.
	referencePrice := g.referencePriceFor(in.Symbol, in.Price)
	if err := g.breaker.Check(referencePrice); err != nil {
		return rejectedOrder(ctx, in.ClientOrderID, core.RejectCircuitBreaker), nil
	}

	// Step 3: acquire the symbol lock.
	lockWaitStart := time.Now()
	guardRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return g.locker.Acquire(stepCtx, in.Symbol, in.AgentID, g.config.SymbolLockTimeout)
	})
	telemetry.GetGlobalMetrics().ObserveSymbolLockWait(ctx, float64(time.Since(lockWaitStart).Milliseconds()))
	if err != nil {
		return rejectedOrder(ctx, in.ClientOrderID, core.RejectSymbolBusy), nil
	}
	guard := guardRaw.(*core.SymbolGuard)
	lockHeld := true
	defer func() {
		if lockHeld {
			_ = g.locker.Release(guard)
		}
	}()

	// Step 4: validate against the exchange.
	validationRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return g.exchange.Validate(stepCtx, in.Symbol, in.Side, in.Amount, in.Price, in.OrderType)
	})
	if err != nil {
		return rejectedOrder(ctx, in.ClientOrderID, core.RejectExchange), nil
	}
	validation := validationRaw.(core.ValidationOutcome)
	if !validation.OK {
		return rejectedOrder(ctx, in.ClientOrderID, validation.Reason), nil
	}

	// Step 5: idempotency check.
	existingRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return g.orderStore.GetByClientID(stepCtx, in.ClientOrderID)
	})
	if err != nil {
		return nil, fmt.Errorf("checking idempotency record: %w", err)
	}
	if existing, ok := existingRaw.(*core.Order); ok && existing != nil {
		if existing.Status.IsTerminal() {
			return existing, nil
		}
		// A non-terminal record already exists for this client order id:
		// adopt it and resume at step 9 rather than reserving/submitting
		// again (spec §4.9 step 5).
		return g.resumeAtPoll(ctx, existing, guard, &lockHeld)
	}

	// Step 6: reserve funds.
	notionalPlusFee, err := exchange.NotionalPlusFeeBuffer(in.Amount, referencePrice, g.config.FeeBufferRate)
	if err != nil {
		return nil, fmt.Errorf("computing reservation amount: %w", err)
	}
	reservationRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return g.balances.Reserve(stepCtx, referencePrice.Currency(), notionalPlusFee, in.AgentID)
	})
	if err != nil {
		return rejectedOrder(ctx, in.ClientOrderID, core.RejectInsufficientFunds), nil
	}
	reservation := reservationRaw.(*core.Reservation)

	order := &core.Order{
		ClientOrderID: in.ClientOrderID,
		AgentID:       in.AgentID,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Type:          in.OrderType,
		Amount:        in.Amount,
		Status:        core.StatusReserved,
		ReservationID: reservation.ID,
		SubmittedAt:   g.clock(),
	}
	if in.Price != nil {
		order.Price = *in.Price
	}

	// Step 7: persist RESERVED, register with the breaker, publish
	// order:submitted.
	_, err = ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		if err := g.orderStore.Put(stepCtx, order); err != nil {
			return nil, err
		}
		g.breaker.RegisterOrder(order.ClientOrderID)
		g.publish(stepCtx, core.TopicOrderSubmitted, order)
		telemetry.GetGlobalMetrics().IncOrdersSubmitted(stepCtx)
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("persisting reserved order: %w", err)
	}

	// Step 8: submit to the exchange.
	submitRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return g.exchange.Submit(stepCtx, order.ClientOrderID, order.Symbol, order.Side, order.Amount, in.Price, order.Type)
	})
	if err != nil {
		return nil, fmt.Errorf("submitting order to exchange: %w", err)
	}
	outcome := submitRaw.(core.SubmitOutcome)

	if outcome.TimedOut {
		return g.handleSubmitTimeout(ctx, order, reservation, guard, &lockHeld)
	}
	if !outcome.Accepted {
		return g.handleSubmitRejected(ctx, order, reservation, outcome.Reason, guard, &lockHeld)
	}
	order.VenueOrderID = outcome.VenueOrderID

	return g.resumeAtPoll(ctx, order, guard, &lockHeld)
}

// handleSubmitRejected implements the Rejected branch of spec §4.9 step 8:
// release the reservation, persist REJECTED, unregister from the breaker,
// publish, release the lock.
func (g *Gateway) handleSubmitRejected(ctx dbos.DBOSContext, order *core.Order, reservation *core.Reservation,
	reason core.RejectReason, guard *core.SymbolGuard, lockHeld *bool) (any, error) {
	_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		if err := g.balances.Release(reservation); err != nil {
			return nil, err
		}
		order.Status = core.StatusRejected
		order.TerminalAt = g.clock()
		if err := g.orderStore.AppendTransition(stepCtx, order.ClientOrderID, core.Transition{
			Status: order.Status, Reason: string(reason), Timestamp: order.TerminalAt,
		}); err != nil {
			return nil, err
		}
		if err := g.orderStore.Put(stepCtx, order); err != nil {
			return nil, err
		}
		g.breaker.CompleteOrder(order.ClientOrderID)
		g.publish(stepCtx, core.TopicOrderTerminal, order)
		telemetry.GetGlobalMetrics().IncOrdersRejected(stepCtx, string(reason))
		return nil, nil
	})
	g.releaseLockOnce(guard, lockHeld)
	if err != nil {
		return nil, fmt.Errorf("handling exchange rejection: %w", err)
	}
	return order, nil
}

// handleSubmitTimeout implements the Timeout branch of spec §4.9 step 8:
// the reservation is deliberately retained, since the venue's true
// decision is unknown until startup recovery or a later poll resolves it.
func (g *Gateway) handleSubmitTimeout(ctx dbos.DBOSContext, order *core.Order, reservation *core.Reservation,
	guard *core.SymbolGuard, lockHeld *bool) (any, error) {
	_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		order.Status = core.StatusPendingVerification
		order.TerminalAt = g.clock()
		if err := g.orderStore.AppendTransition(stepCtx, order.ClientOrderID, core.Transition{
			Status: order.Status, Reason: "exchange submit timed out", Timestamp: order.TerminalAt,
		}); err != nil {
			return nil, err
		}
		if err := g.orderStore.Put(stepCtx, order); err != nil {
			return nil, err
		}
		g.publish(stepCtx, core.TopicRiskAlert, map[string]interface{}{
			"client_order_id": order.ClientOrderID,
			"symbol":          order.Symbol,
			"reason":          "submission timeout, reservation retained pending verification",
		})
		return nil, nil
	})
	g.releaseLockOnce(guard, lockHeld)
	if err != nil {
		return nil, fmt.Errorf("handling submission timeout: %w", err)
	}
	_ = reservation // retained deliberately; not released here.
	g.incPendingVerify(order.Symbol)
	return order, nil
}

// resumeAtPoll implements spec §4.9 step 9: poll Exchange.fetch with
// bounded backoff until terminal or deadline, then apply the position
// update, commit or leave the reservation, persist, unregister, publish,
// and release the lock.
func (g *Gateway) resumeAtPoll(ctx dbos.DBOSContext, order *core.Order, guard *core.SymbolGuard, lockHeld *bool) (any, error) {
	resultRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		snapshot, reachedTerminal, err := exchange.PollUntilTerminal(stepCtx, g.exchange,
			order.VenueOrderID, order.ClientOrderID, g.config.FetchPollInterval, g.config.FetchDeadline)
		if err != nil {
			return nil, err
		}
		return pollOutcome{snapshot: snapshot, reachedTerminal: reachedTerminal}, nil
	})
	if err != nil {
		g.releaseLockOnce(guard, lockHeld)
		return nil, fmt.Errorf("polling order status: %w", err)
	}
	outcome := resultRaw.(pollOutcome)

	if !outcome.reachedTerminal {
		// Exhausted the polling deadline without a terminal status: same
		// posture as a submit timeout (spec §5 "cancellation and
		// timeouts" — every suspension point carries a deadline and is
		// treated as Timeout, not Failure).
		order.Status = core.StatusPendingVerification
		order.TerminalAt = g.clock()
		_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
			if err := g.orderStore.AppendTransition(stepCtx, order.ClientOrderID, core.Transition{
				Status: order.Status, Reason: "fetch polling deadline exceeded", Timestamp: order.TerminalAt,
			}); err != nil {
				return nil, err
			}
			if err := g.orderStore.Put(stepCtx, order); err != nil {
				return nil, err
			}
			g.publish(stepCtx, core.TopicRiskAlert, map[string]interface{}{
				"client_order_id": order.ClientOrderID,
				"symbol":          order.Symbol,
				"reason":          "fetch polling deadline exceeded, reservation retained pending verification",
			})
			return nil, nil
		})
		g.releaseLockOnce(guard, lockHeld)
		if err != nil {
			return nil, fmt.Errorf("persisting pending-verification order: %w", err)
		}
		g.incPendingVerify(order.Symbol)
		return order, apperrors.ErrSubmissionTimeout
	}

	_, err = ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		snap := outcome.snapshot
		if snap.Status == core.StatusFilled && !snap.FilledAmount.IsZero() {
			if err := g.positions.ApplyFill(order.Symbol, order.Side, snap.FilledAmount, snap.AvgFillPrice); err != nil {
				return nil, err
			}
			actualUsed, err := snap.FilledAmount.MulRat(snap.AvgFillPrice.String())
			if err != nil {
				return nil, err
			}
			if actualUsed, err = actualUsed.Add(snap.Fees); err != nil {
				return nil, err
			}
			if res, ok := g.balances.Lookup(order.ReservationID); ok {
				if err := g.balances.Commit(res, actualUsed); err != nil {
					return nil, err
				}
			}
		} else if res, ok := g.balances.Lookup(order.ReservationID); ok {
			if err := g.balances.Release(res); err != nil {
				return nil, err
			}
		}

		order.Status = snap.Status
		order.FilledAmount = snap.FilledAmount
		order.AvgFillPrice = snap.AvgFillPrice
		order.Fees = snap.Fees
		order.TerminalAt = g.clock()
		if err := g.orderStore.AppendTransition(stepCtx, order.ClientOrderID, core.Transition{
			Status: order.Status, Timestamp: order.TerminalAt,
		}); err != nil {
			return nil, err
		}
		if err := g.orderStore.Put(stepCtx, order); err != nil {
			return nil, err
		}
		g.breaker.CompleteOrder(order.ClientOrderID)
		g.publish(stepCtx, core.TopicOrderTerminal, order)
		if order.Status == core.StatusFilled {
			telemetry.GetGlobalMetrics().IncOrdersFilled(stepCtx)
		}
		return nil, nil
	})
	g.releaseLockOnce(guard, lockHeld)
	if err != nil {
		return nil, fmt.Errorf("finalizing terminal order: %w", err)
	}
	return order, nil
}

type pollOutcome struct {
	snapshot        core.OrderSnapshot
	reachedTerminal bool
}

// releaseLockOnce releases guard exactly once, guarding against the
// deferred release in submitWorkflow firing a second time.
func (g *Gateway) releaseLockOnce(guard *core.SymbolGuard, lockHeld *bool) {
	if !*lockHeld {
		return
	}
	*lockHeld = false
	_ = g.locker.Release(guard)
}

func rejectedOrder(ctx context.Context, clientOrderID string, reason core.RejectReason) *core.Order {
	telemetry.GetGlobalMetrics().IncOrdersRejected(ctx, string(reason))
	return &core.Order{
		ClientOrderID: clientOrderID,
		Status:        core.StatusRejected,
		Transitions: []core.Transition{
			{Status: core.StatusRejected, Reason: string(reason)},
		},
	}
}
