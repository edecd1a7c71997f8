package money

import "testing"

func TestMoney_AddSub(t *testing.T) {
	a, _ := NewFromString("USDT", "100.5")
	b, _ := NewFromString("USDT", "0.25")

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum.String() != "100.75" {
		t.Errorf("expected 100.75, got %s", sum.String())
	}

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	if diff.String() != "100.25" {
		t.Errorf("expected 100.25, got %s", diff.String())
	}
}

func TestMoney_CurrencyMismatch(t *testing.T) {
	usdt, _ := NewFromString("USDT", "10")
	eur, _ := NewFromString("EUR", "10")

	if _, err := usdt.Add(eur); err == nil {
		t.Error("expected currency mismatch error, got nil")
	}
}

func TestMoney_MulRat(t *testing.T) {
	notional, _ := NewFromString("USDT", "5000")
	fee, err := notional.MulRat("0.001")
	if err != nil {
		t.Fatalf("MulRat failed: %v", err)
	}
	if fee.String() != "5" {
		t.Errorf("expected fee 5, got %s", fee.String())
	}
}

func TestMoney_RejectsBadLiteral(t *testing.T) {
	if _, err := NewFromString("USDT", "not-a-number"); err == nil {
		t.Error("expected parse error for malformed literal")
	}
}

func TestMoney_RoundToTick(t *testing.T) {
	price, _ := NewFromString("USDT", "50123.456")
	tick, _ := NewFromString("USDT", "0.5")

	rounded, err := price.RoundToTick(tick, RoundDown)
	if err != nil {
		t.Fatalf("RoundToTick failed: %v", err)
	}
	if rounded.String() != "50123" {
		t.Errorf("expected 50123, got %s", rounded.String())
	}

	roundedUp, err := price.RoundToTick(tick, RoundUp)
	if err != nil {
		t.Fatalf("RoundToTick failed: %v", err)
	}
	if roundedUp.String() != "50123.5" {
		t.Errorf("expected 50123.5, got %s", roundedUp.String())
	}
}

func TestMoney_GreaterThanOrEqual(t *testing.T) {
	a, _ := NewFromString("USDT", "10000")
	b, _ := NewFromString("USDT", "5005")

	ok, err := a.GreaterThanOrEqual(b)
	if err != nil {
		t.Fatalf("GreaterThanOrEqual failed: %v", err)
	}
	if !ok {
		t.Error("expected 10000 >= 5005")
	}
}
