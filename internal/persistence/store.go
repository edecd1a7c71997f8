// Package persistence implements Order Persistence & Audit of spec.md
// §4.7: a durable, idempotent-by-client-id order store with a secondary
// index by venue id/symbol and an append-only transition audit log.
//
// Grounded on the teacher's internal/engine/simple/store_sqlite.go
// (mattn/go-sqlite3, WAL journal mode, serializable-isolation
// transactions, checksum-verified single-row state blob), generalized
// from a single-row key-value state table into the multi-row order and
// transition tables spec.md §4.7 requires.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradegateway/internal/core"
	apperrors "tradegateway/pkg/errors"
	"tradegateway/pkg/money"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	client_order_id TEXT PRIMARY KEY,
	venue_order_id  TEXT,
	agent_id        TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	amount          TEXT NOT NULL,
	price           TEXT,
	currency        TEXT NOT NULL,
	filled_amount   TEXT NOT NULL,
	avg_fill_price  TEXT NOT NULL,
	fees            TEXT NOT NULL,
	status          TEXT NOT NULL,
	reservation_id  TEXT,
	submitted_at    INTEGER NOT NULL,
	terminal_at     INTEGER,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_venue_id ON orders(venue_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS order_transitions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	client_order_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	reason          TEXT,
	recorded_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_client_id ON order_transitions(client_order_id);
`

// Store is the Order Persistence & Audit store.
type Store struct {
	db *sql.DB
}

// Open opens (creating and migrating if necessary) the SQLite-backed
// order store at dbPath, with WAL journal mode for crash recovery.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening order store: %v", apperrors.ErrCorruption, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: pinging order store: %v", apperrors.ErrCorruption, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("%w: enabling WAL journal mode: %v", apperrors.ErrCorruption, err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("%w: migrating order store schema: %v", apperrors.ErrCorruption, err)
	}
	return &Store{db: db}, nil
}

// Put upserts order, serialized per client order id by SQLite's own
// transaction isolation (spec §4.7: "concurrent updaters are serialized
// per client id").
func (s *Store) Put(ctx context.Context, order *core.Order) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%w: beginning order upsert transaction: %v", apperrors.ErrCorruption, err)
	}
	defer func() { _ = tx.Rollback() }()

	var priceStr, venueOrderID, reservationID sql.NullString
	var terminalAt sql.NullInt64
	if order.Price.Currency() != "" {
		priceStr = sql.NullString{String: order.Price.String(), Valid: true}
	}
	if order.VenueOrderID != "" {
		venueOrderID = sql.NullString{String: order.VenueOrderID, Valid: true}
	}
	if order.ReservationID != "" {
		reservationID = sql.NullString{String: order.ReservationID, Valid: true}
	}
	if !order.TerminalAt.IsZero() {
		terminalAt = sql.NullInt64{Int64: order.TerminalAt.UnixNano(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (client_order_id, venue_order_id, agent_id, symbol, side, order_type,
			amount, price, currency, filled_amount, avg_fill_price, fees, status, reservation_id,
			submitted_at, terminal_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			venue_order_id = excluded.venue_order_id,
			filled_amount = excluded.filled_amount,
			avg_fill_price = excluded.avg_fill_price,
			fees = excluded.fees,
			status = excluded.status,
			reservation_id = excluded.reservation_id,
			terminal_at = excluded.terminal_at,
			updated_at = excluded.updated_at`,
		order.ClientOrderID, venueOrderID, order.AgentID, order.Symbol, string(order.Side), string(order.Type),
		order.Amount.String(), priceStr, order.Amount.Currency(), order.FilledAmount.String(),
		order.AvgFillPrice.String(), order.Fees.String(), string(order.Status), reservationID,
		order.SubmittedAt.UnixNano(), terminalAt, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: upserting order: %v", apperrors.ErrCorruption, err)
	}

	return tx.Commit()
}

// GetByClientID returns the order with the given client order id, or nil
// if none exists.
func (s *Store) GetByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx, orderSelectColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	order.Transitions, err = s.transitions(ctx, order.ClientOrderID)
	return order, err
}

// GetByVenueID returns the order with the given venue order id, or nil if
// none exists.
func (s *Store) GetByVenueID(ctx context.Context, venueOrderID string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx, orderSelectColumns+` FROM orders WHERE venue_order_id = ?`, venueOrderID)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	order.Transitions, err = s.transitions(ctx, order.ClientOrderID)
	return order, err
}

// ListInFlight returns every order not yet in a terminal status.
func (s *Store) ListInFlight(ctx context.Context) ([]*core.Order, error) {
	terminal := []core.OrderStatus{
		core.StatusFilled, core.StatusCancelled, core.StatusRejected,
		core.StatusExpired, core.StatusOrphaned,
	}
	placeholders := make([]interface{}, len(terminal))
	query := orderSelectColumns + ` FROM orders WHERE status NOT IN (`
	for i, st := range terminal {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders[i] = string(st)
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing in-flight orders: %v", apperrors.ErrCorruption, err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		order, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		order.Transitions, err = s.transitions(ctx, order.ClientOrderID)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// ListBySymbol returns every order recorded for symbol, most recently
// submitted first, using idx_orders_symbol.
func (s *Store) ListBySymbol(ctx context.Context, symbol string) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		orderSelectColumns+` FROM orders WHERE symbol = ? ORDER BY submitted_at DESC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: listing orders for symbol %s: %v", apperrors.ErrCorruption, symbol, err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		order, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		order.Transitions, err = s.transitions(ctx, order.ClientOrderID)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// AppendTransition appends an audit entry without modifying earlier
// entries (spec §4.7).
func (s *Store) AppendTransition(ctx context.Context, clientOrderID string, transition core.Transition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_transitions (client_order_id, status, reason, recorded_at) VALUES (?, ?, ?, ?)`,
		clientOrderID, string(transition.Status), transition.Reason, transition.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: appending order transition: %v", apperrors.ErrCorruption, err)
	}
	return nil
}

func (s *Store) transitions(ctx context.Context, clientOrderID string) ([]core.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, reason, recorded_at FROM order_transitions WHERE client_order_id = ? ORDER BY id ASC`,
		clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading order transitions: %v", apperrors.ErrCorruption, err)
	}
	defer rows.Close()

	var out []core.Transition
	for rows.Next() {
		var status, reason string
		var recordedAt int64
		if err := rows.Scan(&status, &reason, &recordedAt); err != nil {
			return nil, fmt.Errorf("%w: scanning order transition: %v", apperrors.ErrCorruption, err)
		}
		out = append(out, core.Transition{
			Status:    core.OrderStatus(status),
			Reason:    reason,
			Timestamp: time.Unix(0, recordedAt),
		})
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the underlying database connection is reachable, used by
// the pre-trading audit (spec §4.14) rather than by any order-path code.
func (s *Store) Ping() error {
	return s.db.Ping()
}

const orderSelectColumns = `SELECT client_order_id, venue_order_id, agent_id, symbol, side, order_type,
	amount, price, currency, filled_amount, avg_fill_price, fees, status, reservation_id,
	submitted_at, terminal_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row *sql.Row) (*core.Order, error) {
	return scanOrderCommon(row)
}

func scanOrderRows(rows *sql.Rows) (*core.Order, error) {
	return scanOrderCommon(rows)
}

func scanOrderCommon(s rowScanner) (*core.Order, error) {
	var o core.Order
	var venueOrderID, priceStr, reservationID sql.NullString
	var side, orderType, status, currency string
	var amountStr, filledStr, avgFillStr, feesStr string
	var submittedAt int64
	var terminalAt sql.NullInt64

	if err := s.Scan(&o.ClientOrderID, &venueOrderID, &o.AgentID, &o.Symbol, &side, &orderType,
		&amountStr, &priceStr, &currency, &filledStr, &avgFillStr, &feesStr, &status, &reservationID,
		&submittedAt, &terminalAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scanning order row: %v", apperrors.ErrCorruption, err)
	}

	o.VenueOrderID = venueOrderID.String
	o.ReservationID = reservationID.String
	o.Side = core.OrderSide(side)
	o.Type = core.OrderType(orderType)
	o.Status = core.OrderStatus(status)
	o.SubmittedAt = time.Unix(0, submittedAt)
	if terminalAt.Valid {
		o.TerminalAt = time.Unix(0, terminalAt.Int64)
	}

	var err error
	if o.Amount, err = money.NewFromString(currency, amountStr); err != nil {
		return nil, err
	}
	if priceStr.Valid {
		if o.Price, err = money.NewFromString(currency, priceStr.String); err != nil {
			return nil, err
		}
	}
	if o.FilledAmount, err = money.NewFromString(currency, filledStr); err != nil {
		return nil, err
	}
	if o.AvgFillPrice, err = money.NewFromString(currency, avgFillStr); err != nil {
		return nil, err
	}
	if o.Fees, err = money.NewFromString(currency, feesStr); err != nil {
		return nil, err
	}

	return &o, nil
}

var _ core.IOrderStore = (*Store)(nil)
