package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Gateway-specific error kinds, one sentinel per taxonomy entry.
var (
	ErrConfiguration          = errors.New("configuration error")
	ErrCurrencyMismatch       = errors.New("currency mismatch")
	ErrPrecisionLoss          = errors.New("precision loss")
	ErrSymbolBusy             = errors.New("symbol busy")
	ErrCircuitBreakerOpen     = errors.New("circuit breaker open")
	ErrValidationRejected     = errors.New("validation rejected")
	ErrSubmissionTimeout      = errors.New("submission timeout")
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
	ErrCorruption             = errors.New("data corruption detected")
	ErrSubscriberError        = errors.New("subscriber error")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrLockNotHeld            = errors.New("lock not held by caller")
	ErrBreakerResetIllegal    = errors.New("reset only legal while circuit breaker is open")
	ErrEventBusShutdown       = errors.New("event bus is shutting down")
)
