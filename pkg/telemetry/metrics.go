package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal  = "trading_gateway_orders_submitted_total"
	MetricOrdersFilledTotal     = "trading_gateway_orders_filled_total"
	MetricOrdersRejectedTotal   = "trading_gateway_orders_rejected_total"
	MetricOrdersPendingVerify   = "trading_gateway_orders_pending_verification"
	MetricBalanceAvailable      = "trading_gateway_balance_available"
	MetricBalanceReserved       = "trading_gateway_balance_reserved"
	MetricReservationsActive    = "trading_gateway_reservations_active"
	MetricCircuitBreakerState   = "trading_gateway_circuit_breaker_state"
	MetricReconcileMismatches   = "trading_gateway_reconcile_mismatches_total"
	MetricEventBusQueueDepth    = "trading_gateway_event_bus_queue_depth"
	MetricEventBusDroppedTotal  = "trading_gateway_event_bus_dropped_total"
	MetricWALAppendLatency      = "trading_gateway_wal_append_latency_ms"
	MetricSubmitLatency         = "trading_gateway_order_submit_latency_ms"
	MetricSymbolLockWaitLatency = "trading_gateway_symbol_lock_wait_ms"
)

// MetricsHolder holds initialized instruments for the order gateway.
type MetricsHolder struct {
	OrdersSubmittedTotal  metric.Int64Counter
	OrdersFilledTotal     metric.Int64Counter
	OrdersRejectedTotal   metric.Int64Counter
	OrdersPendingVerify   metric.Int64ObservableGauge
	BalanceAvailable      metric.Float64ObservableGauge
	BalanceReserved       metric.Float64ObservableGauge
	ReservationsActive    metric.Int64ObservableGauge
	CircuitBreakerState   metric.Int64ObservableGauge
	ReconcileMismatches   metric.Int64Counter
	EventBusQueueDepth    metric.Int64ObservableGauge
	EventBusDroppedTotal  metric.Int64Counter
	WALAppendLatency      metric.Float64Histogram
	SubmitLatency         metric.Float64Histogram
	SymbolLockWaitLatency metric.Float64Histogram

	mu                 sync.RWMutex
	pendingVerifyMap   map[string]int64
	balanceAvailableMp map[string]float64
	balanceReservedMap map[string]float64
	reservationsMap    map[string]int64
	breakerStateMap    map[string]int64
	queueDepthMap      map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			pendingVerifyMap:   make(map[string]int64),
			balanceAvailableMp: make(map[string]float64),
			balanceReservedMap: make(map[string]float64),
			reservationsMap:    make(map[string]int64),
			breakerStateMap:    make(map[string]int64),
			queueDepthMap:      make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total orders submitted to the gateway"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected"))
	if err != nil {
		return err
	}

	m.ReconcileMismatches, err = meter.Int64Counter(MetricReconcileMismatches, metric.WithDescription("Total position reconciliation mismatches detected"))
	if err != nil {
		return err
	}

	m.EventBusDroppedTotal, err = meter.Int64Counter(MetricEventBusDroppedTotal, metric.WithDescription("Total events dropped by the event bus"))
	if err != nil {
		return err
	}

	m.WALAppendLatency, err = meter.Float64Histogram(MetricWALAppendLatency, metric.WithDescription("Latency of WAL append+fsync"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.SubmitLatency, err = meter.Float64Histogram(MetricSubmitLatency, metric.WithDescription("End-to-end latency of order submission"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.SymbolLockWaitLatency, err = meter.Float64Histogram(MetricSymbolLockWaitLatency, metric.WithDescription("Time spent waiting to acquire a symbol lock"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OrdersPendingVerify, err = meter.Int64ObservableGauge(MetricOrdersPendingVerify, metric.WithDescription("Orders currently stuck in PENDING_VERIFICATION"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.pendingVerifyMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.BalanceAvailable, err = meter.Float64ObservableGauge(MetricBalanceAvailable, metric.WithDescription("Available (unreserved) balance per currency"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ccy, val := range m.balanceAvailableMp {
				obs.Observe(val, metric.WithAttributes(attribute.String("currency", ccy)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.BalanceReserved, err = meter.Float64ObservableGauge(MetricBalanceReserved, metric.WithDescription("Reserved balance per currency"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ccy, val := range m.balanceReservedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("currency", ccy)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReservationsActive, err = meter.Int64ObservableGauge(MetricReservationsActive, metric.WithDescription("Number of currently open balance reservations"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ccy, val := range m.reservationsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("currency", ccy)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerState, err = meter.Int64ObservableGauge(MetricCircuitBreakerState, metric.WithDescription("Circuit breaker state (0=CLOSED,1=DRAINING,2=OPEN,3=HALF_OPEN)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, val := range m.breakerStateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("breaker", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EventBusQueueDepth, err = meter.Int64ObservableGauge(MetricEventBusQueueDepth, metric.WithDescription("Current depth of the event bus queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for lane, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("lane", lane)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetPendingVerification(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingVerifyMap[symbol] = count
}

func (m *MetricsHolder) SetBalanceAvailable(currency string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceAvailableMp[currency] = value
}

func (m *MetricsHolder) SetBalanceReserved(currency string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceReservedMap[currency] = value
}

func (m *MetricsHolder) SetReservationsActive(currency string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservationsMap[currency] = count
}

func (m *MetricsHolder) SetCircuitBreakerState(name string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerStateMap[name] = state
}

func (m *MetricsHolder) SetEventBusQueueDepth(lane string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[lane] = depth
}

// IncEventBusDropped increments the dropped-event counter, if metrics have
// been initialized (a no-op otherwise, so callers need not nil-check).
func (m *MetricsHolder) IncEventBusDropped(ctx context.Context) {
	if m.EventBusDroppedTotal != nil {
		m.EventBusDroppedTotal.Add(ctx, 1)
	}
}

// IncOrdersSubmitted increments the orders-submitted counter.
func (m *MetricsHolder) IncOrdersSubmitted(ctx context.Context) {
	if m.OrdersSubmittedTotal != nil {
		m.OrdersSubmittedTotal.Add(ctx, 1)
	}
}

// IncOrdersFilled increments the orders-filled counter.
func (m *MetricsHolder) IncOrdersFilled(ctx context.Context) {
	if m.OrdersFilledTotal != nil {
		m.OrdersFilledTotal.Add(ctx, 1)
	}
}

// IncOrdersRejected increments the orders-rejected counter, tagged by reason.
func (m *MetricsHolder) IncOrdersRejected(ctx context.Context, reason string) {
	if m.OrdersRejectedTotal != nil {
		m.OrdersRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// IncReconcileMismatches increments the reconciliation-mismatch counter.
func (m *MetricsHolder) IncReconcileMismatches(ctx context.Context, symbol string) {
	if m.ReconcileMismatches != nil {
		m.ReconcileMismatches.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
	}
}

// ObserveWALAppendLatency records a WAL append+fsync latency, in milliseconds.
func (m *MetricsHolder) ObserveWALAppendLatency(ctx context.Context, ms float64) {
	if m.WALAppendLatency != nil {
		m.WALAppendLatency.Record(ctx, ms)
	}
}

// ObserveSubmitLatency records end-to-end order submission latency, in milliseconds.
func (m *MetricsHolder) ObserveSubmitLatency(ctx context.Context, ms float64) {
	if m.SubmitLatency != nil {
		m.SubmitLatency.Record(ctx, ms)
	}
}

// ObserveSymbolLockWait records symbol lock acquisition wait time, in milliseconds.
func (m *MetricsHolder) ObserveSymbolLockWait(ctx context.Context, ms float64) {
	if m.SymbolLockWaitLatency != nil {
		m.SymbolLockWaitLatency.Record(ctx, ms)
	}
}

func (m *MetricsHolder) GetBalanceAvailable() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.balanceAvailableMp {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetCircuitBreakerState() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.breakerStateMap {
		res[k] = v
	}
	return res
}
