/*
errors.go - Error taxonomy for the allocation ledger

ERROR CATEGORIES:
  1. ValidationError        - Bad input, rejected before any mutation begins
  2. InsufficientStockError - Deduct cannot be satisfied; whole mutation aborts
  3. NotFoundError          - Referenced sale/product/lot/line/purchase is absent
  4. InvariantError         - Ledger state contradicts itself (a bug, not user error)
  5. ErrConcurrentModification - A conditional lot update lost a race; retryable

Reconciliation shortages are NOT errors; they are reported in the result.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientStock) { ... }

  var stockErr *ledger.InsufficientStockError
  if errors.As(err, &stockErr) {
      log.Printf("product %d short by %d", stockErr.ProductID, stockErr.Shortfall())
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("not found")

	// ErrInvariantViolation means the lots disagree with a check made in the
	// same transaction. It indicates a bug or out-of-band edits.
	ErrInvariantViolation = errors.New("ledger invariant violated")

	// ErrConcurrentModification is returned when a conditional lot update
	// affects no row.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrReconciliationRunning is returned when another reconciliation holds the run lock.
	ErrReconciliationRunning = errors.New("reconciliation already running")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientStockError reports a deduct that available lots cannot cover.
type InsufficientStockError struct {
	ProductID ProductID
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Shortfall returns how many units were missing.
func (e *InsufficientStockError) Shortfall() int { return e.Requested - e.Available }

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string // "sale", "product", "lot", "line", "purchase"
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvariantError reports an allocation that could not be completed even
// though its precondition held.
type InvariantError struct {
	Op        string // "deduct" or "restore"
	ProductID ProductID
	Remaining int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s for product %d left %d units unallocated", e.Op, e.ProductID, e.Remaining)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrReconciliationRunning)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
