/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every rejected operation rolls its transaction back in full before one of
  these is returned, so callers can rely on state being exactly as it was.

ERROR CATEGORIES:
  1. Reference errors  - A named entity does not exist
  2. Stock errors      - Lot exhausted or past its usable date
  3. Integrity errors  - Dose/lot vaccine mismatch, schemes in use
  4. Conflict errors   - Unique-code collisions, lock contention

USAGE:
  Callers classify with errors.Is/As:

    if errors.Is(err, core.ErrOutOfStock) { ... }

    var mismatch *core.SchemeMismatchError
    if errors.As(err, &mismatch) { ... }

SEE ALSO:
  - ledger/: Produces stock and integrity errors
  - scheme/: Produces validation and conflict errors
  - store/sqlite/: Maps driver errors onto this taxonomy
*/
package core

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrOutOfStock is returned when a lot's quantity is exhausted.
	ErrOutOfStock = errors.New("lot out of stock")

	// ErrExpiredLot is returned when a lot is past its usable date.
	ErrExpiredLot = errors.New("lot expired")

	// ErrSchemeMismatch is returned when a dose and a lot belong to
	// different vaccines. This is a data-integrity guard and is always
	// surfaced, never silently corrected.
	ErrSchemeMismatch = errors.New("dose and lot belong to different vaccines")

	// ErrConflict is returned for unique-code collisions, attempts to
	// change a scheme that is in use, and lock contention. Lock-contention
	// conflicts are retryable; see IsRetryable.
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned for malformed schedule or entity parameters.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError identifies which entity was missing.
type NotFoundError struct {
	Kind string // "lot", "dose", "vaccine", "application", "user", "unit", ...
	ID   any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// OutOfStockError reports an exhausted lot.
type OutOfStockError struct {
	LotID LotID
	Code  string
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("lot %s (id %d) has no remaining stock", e.Code, e.LotID)
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

// ExpiredLotError reports a lot unusable at the requested instant.
// The boundary is inclusive: AsOf equal to ExpiresAt is rejected.
type ExpiredLotError struct {
	LotID     LotID
	Code      string
	ExpiresAt time.Time
	AsOf      time.Time
}

func (e *ExpiredLotError) Error() string {
	return fmt.Sprintf("lot %s expired %s, unusable at %s",
		e.Code, e.ExpiresAt.Format("2006-01-02"), e.AsOf.Format("2006-01-02"))
}

func (e *ExpiredLotError) Unwrap() error { return ErrExpiredLot }

// SchemeMismatchError reports a dose drawn from a lot of another vaccine.
type SchemeMismatchError struct {
	DoseID         DoseID
	DoseVaccineID  VaccineID
	LotID          LotID
	LotVaccineID   VaccineID
}

func (e *SchemeMismatchError) Error() string {
	return fmt.Sprintf("dose %d belongs to vaccine %d but lot %d holds vaccine %d",
		e.DoseID, e.DoseVaccineID, e.LotID, e.LotVaccineID)
}

func (e *SchemeMismatchError) Unwrap() error { return ErrSchemeMismatch }

// ConflictError covers unique collisions, in-use scheme changes and lock
// contention. Retryable is set only for transient lock/busy conditions.
type ConflictError struct {
	Reason    string
	Retryable bool
}

func (e *ConflictError) Error() string { return e.Reason }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ValidationError reports malformed input before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on resubmission.
// Only transient lock-wait conflicts qualify.
func IsRetryable(err error) bool {
	var c *ConflictError
	return errors.As(err, &c) && c.Retryable
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to the caller's input
// rather than an internal fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrExpiredLot) ||
		errors.Is(err, ErrSchemeMismatch) ||
		errors.Is(err, ErrConflict)
}
