package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error classes. Callers match on these with errors.Is; the concrete errors
// below wrap exactly one of them.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConflict          = errors.New("conflict")
	ErrLockTimeout       = errors.New("lock wait timed out")
)

var (
	ErrInvalidAmount  = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrSelfTransfer   = fmt.Errorf("%w: cannot transfer to yourself", ErrValidation)
	ErrMissingField   = fmt.Errorf("%w: missing field", ErrValidation)
	ErrInvalidPayload = fmt.Errorf("%w: invalid payload", ErrValidation)

	ErrAccountNotFound     = fmt.Errorf("account %w", ErrNotFound)
	ErrAccountInactive     = fmt.Errorf("active account %w", ErrNotFound)
	ErrUserNotFound        = fmt.Errorf("user %w", ErrNotFound)
	ErrRegionNotConfigured = fmt.Errorf("region shard %w", ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	ErrSagaNotFound        = fmt.Errorf("saga %w", ErrNotFound)

	ErrIdempotencyConflict = fmt.Errorf("%w: idempotency key reused with different parameters", ErrConflict)
	ErrSagaInProgress      = fmt.Errorf("%w: transfer is still in progress", ErrConflict)
	ErrUsernameTaken       = fmt.Errorf("%w: username already registered", ErrConflict)
	ErrEmailTaken          = fmt.Errorf("%w: email already registered", ErrConflict)
	ErrPhoneTaken          = fmt.Errorf("%w: phone already registered", ErrConflict)
	ErrInvalidTransition   = fmt.Errorf("%w: invalid status transition", ErrConflict)

	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Saga failure classes.
var (
	// ErrSagaCreditFailed marks a transfer whose destination credit failed and
	// which went through compensation.
	ErrSagaCreditFailed = errors.New("cross-shard credit failed")
	// ErrCriticalCompensation marks a saga whose compensation itself failed.
	// Funds are debited on the source shard and credited nowhere; an operator
	// has to reconcile it by hand.
	ErrCriticalCompensation = errors.New("CRITICAL: saga compensation failed")
	// ErrFinalizationDrift marks a saga whose funds moved but whose source
	// record could not be moved to COMPLETED. It is logged, never returned.
	ErrFinalizationDrift = errors.New("saga finalization drift")
)

// SagaFailure is returned when the credit step of a cross-shard transfer
// failed. CompensationErr is nil when the debit was reversed.
type SagaFailure struct {
	SagaID          uuid.UUID
	CreditErr       error
	CompensationErr error
}

func (e *SagaFailure) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("saga %s: credit failed (%v) and compensation failed (%v)", e.SagaID, e.CreditErr, e.CompensationErr)
	}
	return fmt.Sprintf("saga %s: credit failed (%v), debit compensated", e.SagaID, e.CreditErr)
}

// Unwrap exposes the failure class and the underlying causes.
func (e *SagaFailure) Unwrap() []error {
	errs := []error{ErrSagaCreditFailed}
	if e.CompensationErr != nil {
		errs = append(errs, ErrCriticalCompensation, e.CompensationErr)
	}
	if e.CreditErr != nil {
		errs = append(errs, e.CreditErr)
	}
	return errs
}

// Compensated reports whether the source debit was reversed.
func (e *SagaFailure) Compensated() bool {
	return e.CompensationErr == nil
}

// IsCritical reports whether err carries a failed compensation anywhere in
// its chain.
func IsCritical(err error) bool {
	return errors.Is(err, ErrCriticalCompensation)
}
