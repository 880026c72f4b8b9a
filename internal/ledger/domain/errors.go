package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies malformed or out-of-range input. It is rejected before
	// any ledger state is touched.
	ErrValidation = errors.New("ledger: validation error")
	// ErrLedgerInconsistency is returned when an input would force a negative balance
	// or the prior state does not reconcile with its vintages.
	ErrLedgerInconsistency = errors.New("ledger: inconsistency")
	// ErrEmptyInstallationID is returned when an installation id is missing.
	ErrEmptyInstallationID = errors.New("ledger: empty installation id")
	// ErrInvalidKind is returned for an unknown installation kind.
	ErrInvalidKind = errors.New("ledger: invalid installation kind")
	// ErrRecordNotFound is returned when a period record does not exist.
	ErrRecordNotFound = errors.New("ledger: record not found")
	// ErrReadingNotFound is returned when no reading was uploaded for a period.
	ErrReadingNotFound = errors.New("ledger: reading not found")
	// ErrInstallationNotFound is returned when an installation cannot be resolved.
	ErrInstallationNotFound = errors.New("ledger: installation not found")
	// ErrNilRecord is returned when saving a nil record.
	ErrNilRecord = errors.New("ledger: nil record")
)

// ValidationError carries the offending field. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a validation error for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "ledger: validation error: " + e.Reason
	}
	return fmt.Sprintf("ledger: validation error: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func inconsistency(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrLedgerInconsistency, fmt.Sprintf(format, args...))
}
