package mock

import (
	"context"
	"errors"
	"testing"

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

func newTestExchange() *Exchange {
	return New("mock", "0.001", "USDT", 1000, noopLogger{})
}

func TestExchange_ValidateRejectsUnknownSymbol(t *testing.T) {
	e := newTestExchange()
	amount, _ := money.NewFromString("BTC", "0.1")

	outcome, err := e.Validate(context.Background(), "DOGE/USDT", core.SideBuy, amount, nil, core.OrderTypeMarket)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if outcome.OK || outcome.Reason != core.RejectSymbolUnknown {
		t.Fatalf("expected symbol_unknown rejection, got %+v", outcome)
	}
}

func TestExchange_SubmitMarketBuyFillsImmediately(t *testing.T) {
	e := newTestExchange()
	amount, _ := money.NewFromString("BTC", "0.1")

	outcome, err := e.Submit(context.Background(), "client-1", "BTC/USDT", core.SideBuy, amount, nil, core.OrderTypeMarket)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !outcome.Accepted || outcome.VenueOrderID == "" {
		t.Fatalf("expected accepted submission with venue id, got %+v", outcome)
	}

	snap, err := e.Fetch(context.Background(), outcome.VenueOrderID, "client-1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if snap.Status != core.StatusFilled {
		t.Fatalf("expected market order to fill immediately, got status %s", snap.Status)
	}
	cmp, err := snap.FilledAmount.Cmp(amount)
	if err != nil {
		t.Fatalf("Cmp failed: %v", err)
	}
	if cmp != 0 {
		t.Fatalf("expected full fill, got %s", snap.FilledAmount.String())
	}
	if snap.Fees.IsZero() {
		t.Fatalf("expected nonzero fees on a filled order")
	}
}

func TestExchange_SubmitIsIdempotentOnClientOrderID(t *testing.T) {
	e := newTestExchange()
	amount, _ := money.NewFromString("BTC", "0.1")

	first, err := e.Submit(context.Background(), "client-2", "BTC/USDT", core.SideBuy, amount, nil, core.OrderTypeMarket)
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	second, err := e.Submit(context.Background(), "client-2", "BTC/USDT", core.SideBuy, amount, nil, core.OrderTypeMarket)
	if err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}
	if first.VenueOrderID != second.VenueOrderID {
		t.Fatalf("expected idempotent resubmission to return the same venue order id, got %s vs %s",
			first.VenueOrderID, second.VenueOrderID)
	}
}

func TestExchange_LimitBuyBelowMarketRestsUnfilled(t *testing.T) {
	e := newTestExchange()
	amount, _ := money.NewFromString("BTC", "0.01")
	limitPrice, _ := money.NewFromString("USDT", "1") // far below market: won't execute as a buy

	outcome, err := e.Submit(context.Background(), "client-3", "BTC/USDT", core.SideBuy, amount, &limitPrice, core.OrderTypeLimit)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	snap, err := e.Fetch(context.Background(), outcome.VenueOrderID, "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if snap.Status != core.StatusAccepted {
		t.Fatalf("expected limit order resting as accepted, got %s", snap.Status)
	}
}

func TestExchange_CancelOpenOrder(t *testing.T) {
	e := newTestExchange()
	amount, _ := money.NewFromString("BTC", "0.01")
	limitPrice, _ := money.NewFromString("USDT", "1")

	outcome, err := e.Submit(context.Background(), "client-4", "BTC/USDT", core.SideBuy, amount, &limitPrice, core.OrderTypeLimit)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := e.Cancel(context.Background(), outcome.VenueOrderID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	snap, err := e.Fetch(context.Background(), outcome.VenueOrderID, "")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if snap.Status != core.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", snap.Status)
	}
}

func TestExchange_SubmitRejectsResubmissionWithDifferentParameters(t *testing.T) {
	e := newTestExchange()
	amount, _ := money.NewFromString("BTC", "0.1")
	other, _ := money.NewFromString("BTC", "0.2")

	if _, err := e.Submit(context.Background(), "client-6", "BTC/USDT", core.SideBuy, amount, nil, core.OrderTypeMarket); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}

	_, err := e.Submit(context.Background(), "client-6", "BTC/USDT", core.SideBuy, other, nil, core.OrderTypeMarket)
	if !errors.Is(err, apperrors.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder for mismatched resubmission, got %v", err)
	}
}

func TestExchange_ValidateRejectsEmptySymbol(t *testing.T) {
	e := newTestExchange()
	amount, _ := money.NewFromString("BTC", "0.1")

	_, err := e.Validate(context.Background(), "", core.SideBuy, amount, nil, core.OrderTypeMarket)
	if !errors.Is(err, apperrors.ErrInvalidSymbol) {
		t.Fatalf("expected ErrInvalidSymbol for empty symbol, got %v", err)
	}
}

func TestExchange_SubmitRejectsLimitOrderWithNoPrice(t *testing.T) {
	e := newTestExchange()
	amount, _ := money.NewFromString("BTC", "0.1")

	_, err := e.Submit(context.Background(), "client-7", "BTC/USDT", core.SideBuy, amount, nil, core.OrderTypeLimit)
	if !errors.Is(err, apperrors.ErrInvalidOrderParameter) {
		t.Fatalf("expected ErrInvalidOrderParameter for a priceless limit order, got %v", err)
	}
}

func TestExchange_SimulateInfraFailureSurfacesOnFetch(t *testing.T) {
	e := newTestExchange()
	amount, _ := money.NewFromString("BTC", "0.1")

	outcome, err := e.Submit(context.Background(), "client-8", "BTC/USDT", core.SideBuy, amount, nil, core.OrderTypeMarket)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	e.SimulateInfraFailure("client-8", apperrors.ErrNetwork)
	if _, err := e.Fetch(context.Background(), outcome.VenueOrderID, "client-8"); !errors.Is(err, apperrors.ErrNetwork) {
		t.Fatalf("expected injected ErrNetwork, got %v", err)
	}

	// One-shot: the next Fetch for the same client order id succeeds normally.
	if _, err := e.Fetch(context.Background(), outcome.VenueOrderID, "client-8"); err != nil {
		t.Fatalf("expected injected failure to be consumed, got %v", err)
	}
}

func TestExchange_FetchPositionsAfterFill(t *testing.T) {
	e := newTestExchange()
	amount, _ := money.NewFromString("BTC", "0.1")

	if _, err := e.Submit(context.Background(), "client-5", "BTC/USDT", core.SideBuy, amount, nil, core.OrderTypeMarket); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	positions, err := e.FetchPositions(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchPositions failed: %v", err)
	}
	if len(positions) != 1 || positions[0].Quantity.Sign() <= 0 {
		t.Fatalf("expected one long position, got %+v", positions)
	}
}
