package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradegateway/internal/core"
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

func newTestBreaker(t *testing.T, limit int) *Breaker {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "breaker.json")
	b, err := NewBreaker(Config{
		LossThresholdPercent: 0.10,
		CooldownPeriod:       0,
		DrainDeadline:        time.Second,
		ReconcileFailLimit:   limit,
		StatePath:            statePath,
		Currency:             "USDT",
	}, nil, noopLogger{})
	if err != nil {
		t.Fatalf("NewBreaker failed: %v", err)
	}
	return b
}

func TestBreaker_TripsOnLossThresholdWithNoInFlight(t *testing.T) {
	b := newTestBreaker(t, 3)

	peak, _ := money.NewFromString("USDT", "10000")
	if err := b.Check(peak); err != nil {
		t.Fatalf("unexpected deny at peak: %v", err)
	}

	below, _ := money.NewFromString("USDT", "8900")
	if err := b.Check(below); err == nil {
		t.Error("expected breaker to deny once loss threshold crossed")
	}

	if b.State().State != core.CircuitOpen {
		t.Errorf("expected OPEN with no in-flight orders, got %s", b.State().State)
	}
}

func TestBreaker_DrainsWhenOrdersInFlight(t *testing.T) {
	b := newTestBreaker(t, 3)
	b.RegisterOrder("order-1")

	peak, _ := money.NewFromString("USDT", "10000")
	b.Check(peak)
	below, _ := money.NewFromString("USDT", "8900")
	b.Check(below)

	if b.State().State != core.CircuitDraining {
		t.Fatalf("expected DRAINING with an order in flight, got %s", b.State().State)
	}

	b.CompleteOrder("order-1")

	if b.State().State != core.CircuitOpen {
		t.Errorf("expected OPEN once last in-flight order completes, got %s", b.State().State)
	}
}

func TestBreaker_DeniesWhileOpenOrDraining(t *testing.T) {
	b := newTestBreaker(t, 3)
	b.RegisterOrder("order-1")
	peak, _ := money.NewFromString("USDT", "10000")
	below, _ := money.NewFromString("USDT", "8900")
	b.Check(peak)
	b.Check(below)

	if err := b.Check(below); err == nil {
		t.Error("expected deny while DRAINING")
	}
}

func TestBreaker_ResetRequiresOpen(t *testing.T) {
	b := newTestBreaker(t, 3)
	if err := b.Reset(); err == nil {
		t.Error("expected reset to fail while CLOSED")
	}
}

func TestBreaker_ResetToHalfOpenThenProbe(t *testing.T) {
	b := newTestBreaker(t, 3)
	peak, _ := money.NewFromString("USDT", "10000")
	below, _ := money.NewFromString("USDT", "8900")
	b.Check(peak)
	b.Check(below)

	if err := b.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if b.State().State != core.CircuitHalfOpen {
		t.Fatalf("expected HALF_OPEN after reset, got %s", b.State().State)
	}

	if err := b.RecordProbeResult(true); err != nil {
		t.Fatalf("RecordProbeResult failed: %v", err)
	}
	if b.State().State != core.CircuitClosed {
		t.Errorf("expected CLOSED after successful probe, got %s", b.State().State)
	}
}

func TestBreaker_TripReconcileFailureOpensAfterLimit(t *testing.T) {
	b := newTestBreaker(t, 3)

	if err := b.TripReconcileFailure(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State().State != core.CircuitClosed {
		t.Fatalf("expected still CLOSED after first failure, got %s", b.State().State)
	}

	b.TripReconcileFailure()
	b.TripReconcileFailure()

	if b.State().State != core.CircuitOpen {
		t.Errorf("expected OPEN after reaching reconcile fail limit, got %s", b.State().State)
	}
}

func TestBreaker_PersistsOpenStateAcrossRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "breaker.json")
	cfg := Config{LossThresholdPercent: 0.10, ReconcileFailLimit: 1, StatePath: statePath, Currency: "USDT"}

	b1, err := NewBreaker(cfg, nil, noopLogger{})
	if err != nil {
		t.Fatalf("NewBreaker failed: %v", err)
	}
	b1.TripReconcileFailure()
	if b1.State().State != core.CircuitOpen {
		t.Fatalf("expected OPEN, got %s", b1.State().State)
	}

	b2, err := NewBreaker(cfg, nil, noopLogger{})
	if err != nil {
		t.Fatalf("NewBreaker (restart) failed: %v", err)
	}
	if b2.State().State != core.CircuitOpen {
		t.Errorf("expected persisted OPEN state to survive restart, got %s", b2.State().State)
	}

	_ = os.Remove(statePath)
}
