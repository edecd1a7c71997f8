package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradegateway/internal/core"
	"tradegateway/pkg/money"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleOrder(t *testing.T, clientID string) *core.Order {
	t.Helper()
	amount, err := money.NewFromString("BTC", "0.1")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	return &core.Order{
		ClientOrderID: clientID,
		AgentID:       "agent-1",
		Symbol:        "BTC/USDT",
		Side:          core.SideBuy,
		Type:          core.OrderTypeMarket,
		Amount:        amount,
		FilledAmount:  money.Zero("BTC"),
		AvgFillPrice:  money.Zero("BTC"),
		Fees:          money.Zero("BTC"),
		Status:        core.StatusNew,
		SubmittedAt:   time.Now(),
	}
}

func TestStore_PutAndGetByClientID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := sampleOrder(t, "client-1")
	if err := s.Put(ctx, order); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.GetByClientID(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetByClientID failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected order to be found")
	}
	if got.Symbol != "BTC/USDT" || got.Status != core.StatusNew {
		t.Errorf("unexpected order fields: %+v", got)
	}
}

func TestStore_PutIsIdempotentUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := sampleOrder(t, "client-2")
	order.VenueOrderID = "venue-2"
	if err := s.Put(ctx, order); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}

	order.Status = core.StatusAccepted
	if err := s.Put(ctx, order); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := s.GetByVenueID(ctx, "venue-2")
	if err != nil {
		t.Fatalf("GetByVenueID failed: %v", err)
	}
	if got == nil || got.Status != core.StatusAccepted {
		t.Fatalf("expected upsert to update status, got %+v", got)
	}
}

func TestStore_ListInFlightExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := sampleOrder(t, "client-live")
	live.Status = core.StatusAccepted
	if err := s.Put(ctx, live); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	done := sampleOrder(t, "client-done")
	done.Status = core.StatusFilled
	done.TerminalAt = time.Now()
	if err := s.Put(ctx, done); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	inFlight, err := s.ListInFlight(ctx)
	if err != nil {
		t.Fatalf("ListInFlight failed: %v", err)
	}
	if len(inFlight) != 1 || inFlight[0].ClientOrderID != "client-live" {
		t.Fatalf("expected only client-live in flight, got %+v", inFlight)
	}
}

func TestStore_ListBySymbolFiltersBySymbol(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	btc := sampleOrder(t, "client-btc")
	if err := s.Put(ctx, btc); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	eth := sampleOrder(t, "client-eth")
	eth.Symbol = "ETH/USDT"
	if err := s.Put(ctx, eth); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.ListBySymbol(ctx, "ETH/USDT")
	if err != nil {
		t.Fatalf("ListBySymbol failed: %v", err)
	}
	if len(got) != 1 || got[0].ClientOrderID != "client-eth" {
		t.Fatalf("expected only client-eth for ETH/USDT, got %+v", got)
	}

	got, err = s.ListBySymbol(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("ListBySymbol failed: %v", err)
	}
	if len(got) != 1 || got[0].ClientOrderID != "client-btc" {
		t.Fatalf("expected only client-btc for BTC/USDT, got %+v", got)
	}
}

func TestStore_AppendTransitionAndReadBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := sampleOrder(t, "client-3")
	if err := s.Put(ctx, order); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := s.AppendTransition(ctx, "client-3", core.Transition{
		Status: core.StatusValidating, Reason: "validating", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("AppendTransition failed: %v", err)
	}
	if err := s.AppendTransition(ctx, "client-3", core.Transition{
		Status: core.StatusReserved, Reason: "reserved", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("AppendTransition failed: %v", err)
	}

	got, err := s.GetByClientID(ctx, "client-3")
	if err != nil {
		t.Fatalf("GetByClientID failed: %v", err)
	}
	if len(got.Transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(got.Transitions))
	}
	if got.Transitions[0].Status != core.StatusValidating || got.Transitions[1].Status != core.StatusReserved {
		t.Errorf("expected transitions in append order, got %+v", got.Transitions)
	}
}
