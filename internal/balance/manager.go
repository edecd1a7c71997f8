// Package balance implements the Atomic Balance Manager of spec.md §4.2:
// thread-safe per-currency balances with reserve/commit/release semantics.
//
// Grounded on original_source/simulation/atomic_balance.py's reserve-as-
// scoped-operation discipline, re-expressed as three explicit methods
// (Reserve/Commit/Release) since Go has no async-context-manager
// equivalent of the Python's `async with balance.reserve(...) as ok:`.
package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradegateway/internal/core"
	apperrors "tradegateway/pkg/errors"
	"tradegateway/pkg/money"
	"tradegateway/pkg/telemetry"
)

type currencyLedger struct {
	mu        sync.Mutex
	total     money.Money
	available money.Money
	reserved  money.Money
}

// Manager is the Atomic Balance Manager. Each currency is serialized by its
// own lock (spec §4.2: "a per-currency lock is sufficient").
type Manager struct {
	mu           sync.RWMutex // guards the ledgers map itself, not its contents
	ledgers      map[string]*currencyLedger
	reservations map[string]*core.Reservation

	resMu     sync.Mutex
	resCounts map[string]int // live reservation count per currency, guarded by resMu

	bus    core.IEventBus
	logger core.ILogger
}

// NewManager constructs an empty Balance Manager. Call Credit to seed
// starting capital.
func NewManager(bus core.IEventBus, logger core.ILogger) *Manager {
	return &Manager{
		ledgers:      make(map[string]*currencyLedger),
		reservations: make(map[string]*core.Reservation),
		resCounts:    make(map[string]int),
		bus:          bus,
		logger:       logger.WithField("component", "balance_manager"),
	}
}

func (m *Manager) ledgerFor(currency string) *currencyLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.ledgers[currency]
	if !ok {
		l = &currencyLedger{
			total:     money.Zero(currency),
			available: money.Zero(currency),
			reserved:  money.Zero(currency),
		}
		m.ledgers[currency] = l
	}
	return l
}

// Reserve earmarks amount against currency's available balance, returning a
// Reservation handle that must be consumed exactly once by Commit or
// Release (spec §3 "Reservation", §4.2 "reserve").
func (m *Manager) Reserve(ctx context.Context, currency string, amount money.Money, ownerTag string) (*core.Reservation, error) {
	l := m.ledgerFor(currency)

	l.mu.Lock()
	ok, err := l.available.GreaterThanOrEqual(amount)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: currency=%s requested=%s available=%s",
			apperrors.ErrInsufficientFunds, currency, amount.String(), l.available.String())
	}

	newAvailable, err := l.available.Sub(amount)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	newReserved, err := l.reserved.Add(amount)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.available = newAvailable
	l.reserved = newReserved
	l.mu.Unlock()

	res := &core.Reservation{
		ID:        uuid.NewString(),
		Currency:  currency,
		Amount:    amount,
		OwnerTag:  ownerTag,
		CreatedAt: time.Now(),
	}

	m.resMu.Lock()
	m.reservations[res.ID] = res
	m.resCounts[currency]++
	count := m.resCounts[currency]
	m.resMu.Unlock()
	telemetry.GetGlobalMetrics().SetReservationsActive(currency, int64(count))

	m.emitChanged(ctx, currency)
	return res, nil
}

// Commit settles a reservation: total -= actualUsed, reserved -= amount,
// available += (amount - actualUsed) (spec §3 "Reservation").
func (m *Manager) Commit(reservation *core.Reservation, actualUsed money.Money) error {
	if reservation == nil {
		return fmt.Errorf("%w: nil reservation", apperrors.ErrReservationNotFound)
	}
	if err := m.consumeReservation(reservation); err != nil {
		return err
	}

	l := m.ledgerFor(reservation.Currency)
	changed := false
	defer func() {
		if changed {
			m.emitChanged(context.Background(), reservation.Currency)
		}
	}()
	l.mu.Lock()
	defer l.mu.Unlock()

	refund, err := reservation.Amount.Sub(actualUsed)
	if err != nil {
		return err
	}
	if l.total, err = l.total.Sub(actualUsed); err != nil {
		return err
	}
	if l.reserved, err = l.reserved.Sub(reservation.Amount); err != nil {
		return err
	}
	if l.available, err = l.available.Add(refund); err != nil {
		return err
	}

	changed = true
	return nil
}

// Release fully refunds a reservation back to available (spec §3).
func (m *Manager) Release(reservation *core.Reservation) error {
	if reservation == nil {
		return fmt.Errorf("%w: nil reservation", apperrors.ErrReservationNotFound)
	}
	if err := m.consumeReservation(reservation); err != nil {
		return err
	}

	l := m.ledgerFor(reservation.Currency)
	changed := false
	defer func() {
		if changed {
			m.emitChanged(context.Background(), reservation.Currency)
		}
	}()
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.reserved, err = l.reserved.Sub(reservation.Amount); err != nil {
		return err
	}
	if l.available, err = l.available.Add(reservation.Amount); err != nil {
		return err
	}

	changed = true
	return nil
}

// Lookup returns the live reservation for id, if one is still held.
func (m *Manager) Lookup(reservationID string) (*core.Reservation, bool) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	res, ok := m.reservations[reservationID]
	return res, ok
}

// ReleaseOrphaned releases every live reservation whose id is not present
// in liveReservationIDs, returning how many were released. Used by startup
// recovery (spec §4.12 step 5) to reclaim reservations left behind by a
// crash between Reserve and the owning order reaching a terminal state.
func (m *Manager) ReleaseOrphaned(liveReservationIDs map[string]bool) (int, error) {
	m.resMu.Lock()
	var orphans []*core.Reservation
	for id, res := range m.reservations {
		if !liveReservationIDs[id] {
			orphans = append(orphans, res)
		}
	}
	m.resMu.Unlock()

	released := 0
	for _, res := range orphans {
		if err := m.Release(res); err != nil {
			return released, fmt.Errorf("releasing orphaned reservation %s: %w", res.ID, err)
		}
		m.logger.Warn("released orphaned reservation", "reservation_id", res.ID,
			"currency", res.Currency, "amount", res.Amount.String(), "owner_tag", res.OwnerTag)
		released++
	}
	return released, nil
}

func (m *Manager) consumeReservation(reservation *core.Reservation) error {
	m.resMu.Lock()
	if _, ok := m.reservations[reservation.ID]; !ok {
		m.resMu.Unlock()
		return fmt.Errorf("%w: %s", apperrors.ErrReservationNotFound, reservation.ID)
	}
	delete(m.reservations, reservation.ID)
	m.resCounts[reservation.Currency]--
	count := m.resCounts[reservation.Currency]
	m.resMu.Unlock()
	telemetry.GetGlobalMetrics().SetReservationsActive(reservation.Currency, int64(count))
	return nil
}

// Credit increases total and available, used by fills on the receive side
// and to seed starting capital (spec §4.2).
func (m *Manager) Credit(currency string, amount money.Money, reason string) error {
	l := m.ledgerFor(currency)
	changed := false
	defer func() {
		if changed {
			m.emitChanged(context.Background(), currency)
		}
	}()
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.total, err = l.total.Add(amount); err != nil {
		return err
	}
	if l.available, err = l.available.Add(amount); err != nil {
		return err
	}

	m.logger.Debug("balance credited", "currency", currency, "amount", amount.String(), "reason", reason)
	changed = true
	return nil
}

// Balance returns the per-currency triple (spec §3).
func (m *Manager) Balance(currency string) (core.Balance, error) {
	l := m.ledgerFor(currency)
	l.mu.Lock()
	defer l.mu.Unlock()
	return core.Balance{
		Currency:  currency,
		Total:     l.total,
		Available: l.available,
		Reserved:  l.reserved,
	}, nil
}

// Snapshot returns an immutable view of all balances (spec §4.2).
func (m *Manager) Snapshot() map[string]core.Balance {
	m.mu.RLock()
	currencies := make([]string, 0, len(m.ledgers))
	for c := range m.ledgers {
		currencies = append(currencies, c)
	}
	m.mu.RUnlock()

	out := make(map[string]core.Balance, len(currencies))
	for _, c := range currencies {
		b, _ := m.Balance(c)
		out[c] = b
	}
	return out
}

var _ core.IBalanceManager = (*Manager)(nil)

func (m *Manager) emitChanged(ctx context.Context, currency string) {
	b, _ := m.Balance(currency)
	avail, _ := b.Available.Decimal().Float64()
	reserved, _ := b.Reserved.Decimal().Float64()
	telemetry.GetGlobalMetrics().SetBalanceAvailable(currency, avail)
	telemetry.GetGlobalMetrics().SetBalanceReserved(currency, reserved)

	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, core.TopicBalanceChanged, b, "balance_manager"); err != nil {
		m.logger.Warn("failed to publish balance:changed", "error", err)
	}
}
