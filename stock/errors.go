/*
errors.go - Centralized error types for the stock engine

ERROR CATEGORIES:
  1. Client errors   - ValidationError, NotFound, PriceMismatch, InsufficientStock
  2. Transient       - LockUnavailable, ConcurrentModification (safe to retry)
  3. Reconciliation  - PartialAllocation (never retried automatically)

USAGE:
    var short *stock.InsufficientStockError
    if errors.As(err, &short) {
        fmt.Println("only", short.Available, "units left")
    }
*/
package stock

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")

	// ErrPriceMismatch is returned when stock-in targets an existing batch at a
	// different unit price. Callers must open a new batch number instead.
	ErrPriceMismatch = errors.New("unit price mismatch for existing batch")

	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrLockUnavailable means the medicine lock could not be acquired within
	// the retry budget. The whole operation may be retried.
	ErrLockUnavailable = errors.New("lock unavailable")

	// ErrConcurrentModification is returned by compare-and-swap writes whose
	// expected state no longer holds.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrPartialAllocation marks an operation that applied some but not all of
	// its writes. Retrying could double-deduct; reconcile manually.
	ErrPartialAllocation = errors.New("partial allocation failure")

	// ErrDuplicateBatch is returned when a second active batch with the same
	// (medicine, batch number) would be created.
	ErrDuplicateBatch = errors.New("active batch already exists")

	ErrDuplicateMedicine = errors.New("medicine name already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports malformed or out-of-range input. It is always
// returned before any lock is taken.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

type NotFoundError struct {
	Kind string // "medicine", "batch"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found or inactive", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type PriceMismatchError struct {
	BatchNumber string
	Existing    decimal.Decimal
	Incoming    decimal.Decimal
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("unit price mismatch for batch %s: existing %s, incoming %s",
		e.BatchNumber, e.Existing, e.Incoming)
}

func (e *PriceMismatchError) Unwrap() error { return ErrPriceMismatch }

// InsufficientStockError carries the FEFO-eligible total for client display.
type InsufficientStockError struct {
	MedicineID string
	Available  int64
	Requested  int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type LockUnavailableError struct {
	Key      string
	Attempts int
	Cause    error
}

func (e *LockUnavailableError) Error() string {
	msg := fmt.Sprintf("lock %s unavailable after %d attempts", e.Key, e.Attempts)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LockUnavailableError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrLockUnavailable}
	}
	return []error{ErrLockUnavailable, e.Cause}
}

// Stages at which a saga can break.
const (
	StageBatchUpdate  = "batch_update"
	StageLedgerAppend = "ledger_append"
)

// PartialAllocationError describes a saga that stopped part way. Applied
// lists the deductions whose batch write succeeded.
type PartialAllocationError struct {
	MedicineID string
	Action     Action
	Requested  int64
	Applied    []Deduction
	Stage      string
	BatchID    string
	Cause      error
}

func (e *PartialAllocationError) Error() string {
	applied := make([]string, 0, len(e.Applied))
	for _, d := range e.Applied {
		applied = append(applied, fmt.Sprintf("%s:%d", d.BatchID, d.Quantity))
	}
	return fmt.Sprintf("partial allocation failure for medicine %s (%s %d) at %s on batch %s, applied [%s]: %v",
		e.MedicineID, e.Action, e.Requested, e.Stage, e.BatchID, strings.Join(applied, ", "), e.Cause)
}

func (e *PartialAllocationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrPartialAllocation}
	}
	return []error{ErrPartialAllocation, e.Cause}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if retrying the whole operation is safe and might
// succeed. Partial allocations are never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrPartialAllocation) {
		return false
	}
	return errors.Is(err, ErrLockUnavailable) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input or a
// business-rule rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPriceMismatch) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDuplicateBatch) ||
		errors.Is(err, ErrDuplicateMedicine)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
