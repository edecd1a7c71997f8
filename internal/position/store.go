// Package position implements the per-symbol Position records of
// spec.md §3: net signed quantity, average entry price, realized P&L,
// last update timestamp. Updated by the Order Gateway on every fill
// (spec §4.9 step 9) and corrected by the Position Reconciler (§4.11).
//
// Grounded on internal/balance/manager.go's per-key-lock ledger shape
// (here per-symbol instead of per-currency), generalized from a single
// currency triple into the Position record of spec §3.
package position

import (
	"fmt"
	"sync"
	"time"

	"tradegateway/internal/core"
	"tradegateway/pkg/money"
)

type slot struct {
	mu  sync.Mutex
	pos core.Position
}

// Store is the in-memory, thread-safe Position tracker.
type Store struct {
	mu    sync.RWMutex // guards the slots map itself, not its contents
	slots map[string]*slot
}

// New constructs an empty Store. Positions are created lazily on first
// fill or ForceSync.
func New() *Store {
	return &Store{slots: make(map[string]*slot)}
}

func (s *Store) slotFor(symbol string, currency string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[symbol]
	if !ok {
		sl = &slot{pos: core.Position{
			Symbol:        symbol,
			Quantity:      money.Zero(currency),
			AvgEntryPrice: money.Zero(currency),
			RealizedPnL:   money.Zero(currency),
			UpdatedAt:     time.Now(),
		}}
		s.slots[symbol] = sl
	}
	return sl
}

// Get returns the current Position for symbol, or a zero-quantity record
// if no fill has ever been applied.
func (s *Store) Get(symbol string) core.Position {
	s.mu.RLock()
	sl, ok := s.slots[symbol]
	s.mu.RUnlock()
	if !ok {
		return core.Position{Symbol: symbol}
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.pos
}

// ApplyFill updates symbol's position with a fill of amount at price,
// recomputing the volume-weighted average entry price when the fill
// extends an existing position in the same direction, and realizing P&L
// on the portion that reduces or reverses it (spec §3 "Position").
func (s *Store) ApplyFill(symbol string, side core.OrderSide, amount, price money.Money) error {
	sl := s.slotFor(symbol, amount.Currency())
	sl.mu.Lock()
	defer sl.mu.Unlock()

	signedAmount := amount
	if side == core.SideSell {
		signedAmount = amount.Neg()
	}

	prevQty := sl.pos.Quantity
	newQty, err := prevQty.Add(signedAmount)
	if err != nil {
		return fmt.Errorf("applying fill to position %s: %w", symbol, err)
	}

	sameDirection := prevQty.IsZero() || prevQty.Sign() == signedAmount.Sign()
	if sameDirection {
		sl.pos.AvgEntryPrice, err = weightedAveragePrice(prevQty, sl.pos.AvgEntryPrice, signedAmount, price)
		if err != nil {
			return err
		}
	} else {
		realized, err := realizedPnLOnReduction(prevQty, sl.pos.AvgEntryPrice, signedAmount, price)
		if err != nil {
			return err
		}
		sl.pos.RealizedPnL, err = sl.pos.RealizedPnL.Add(realized)
		if err != nil {
			return err
		}
		if newQty.Sign() != 0 && prevQty.Sign() != 0 && newQty.Sign() != prevQty.Sign() {
			// the fill flipped the position through flat; the remainder opens
			// a fresh position at the fill price.
			sl.pos.AvgEntryPrice = price
		}
	}

	sl.pos.Quantity = newQty
	sl.pos.UpdatedAt = time.Now()
	return nil
}

// weightedAveragePrice folds an additional fill of addQty at addPrice into
// an existing position of prevQty at prevAvgPrice, same direction.
func weightedAveragePrice(prevQty, prevAvgPrice, addQty, addPrice money.Money) (money.Money, error) {
	if prevQty.IsZero() {
		return addPrice, nil
	}
	prevNotional, err := prevQty.MulRat(prevAvgPrice.String())
	if err != nil {
		return money.Money{}, err
	}
	addNotional, err := addQty.MulRat(addPrice.String())
	if err != nil {
		return money.Money{}, err
	}
	totalNotional, err := prevNotional.Add(addNotional)
	if err != nil {
		return money.Money{}, err
	}
	totalQty, err := prevQty.Add(addQty)
	if err != nil {
		return money.Money{}, err
	}
	if totalQty.IsZero() {
		return prevAvgPrice, nil
	}
	avg, err := totalNotional.DivRat(totalQty.String())
	if err != nil {
		return money.Money{}, err
	}
	return money.NewFromString(addPrice.Currency(), avg.String())
}

// realizedPnLOnReduction computes the P&L realized when a fill of
// reduceQty (opposite sign to prevQty) closes part of an existing
// position carried at prevAvgPrice.
func realizedPnLOnReduction(prevQty, prevAvgPrice, reduceQty, fillPrice money.Money) (money.Money, error) {
	closedQty := reduceQty
	if closedQty.Sign() > 0 && prevQty.Sign() < 0 || closedQty.Sign() < 0 && prevQty.Sign() > 0 {
		// closing quantity can't exceed the open position; cap it.
		absReduce, err := capToPosition(prevQty, reduceQty)
		if err != nil {
			return money.Money{}, err
		}
		closedQty = absReduce
	}
	if closedQty.Sign() < 0 {
		closedQty = closedQty.Neg()
	}
	priceDiff, err := fillPrice.Sub(prevAvgPrice)
	if err != nil {
		return money.Money{}, err
	}
	pnl, err := closedQty.MulRat(priceDiff.String())
	if err != nil {
		return money.Money{}, err
	}
	if prevQty.Sign() < 0 {
		return pnl.Neg(), nil
	}
	return pnl, nil
}

func capToPosition(prevQty, reduceQty money.Money) (money.Money, error) {
	absPrev := prevQty
	if absPrev.Sign() < 0 {
		absPrev = absPrev.Neg()
	}
	absReduce := reduceQty
	if absReduce.Sign() < 0 {
		absReduce = absReduce.Neg()
	}
	cmp, err := absReduce.Cmp(absPrev)
	if err != nil {
		return money.Money{}, err
	}
	if cmp > 0 {
		if reduceQty.Sign() < 0 {
			return absPrev.Neg(), nil
		}
		return absPrev, nil
	}
	return reduceQty, nil
}

// ForceSync overwrites symbol's quantity to qty, used by the Position
// Reconciler's within-tolerance auto-correction (spec §4.11 step 2).
func (s *Store) ForceSync(symbol string, qty money.Money) error {
	sl := s.slotFor(symbol, qty.Currency())
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.pos.Quantity = qty
	sl.pos.UpdatedAt = time.Now()
	return nil
}

// Snapshot returns an immutable copy of every tracked position.
func (s *Store) Snapshot() map[string]core.Position {
	s.mu.RLock()
	symbols := make([]string, 0, len(s.slots))
	for sym := range s.slots {
		symbols = append(symbols, sym)
	}
	s.mu.RUnlock()

	out := make(map[string]core.Position, len(symbols))
	for _, sym := range symbols {
		out[sym] = s.Get(sym)
	}
	return out
}

var _ core.IPositionStore = (*Store)(nil)
