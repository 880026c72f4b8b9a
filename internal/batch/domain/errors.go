package batch

import (
	"errors"

	allocation "solarshare/internal/allocation/domain"
	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
)

var (
	// ErrDependencyFailed marks a unit skipped because a unit it depends on failed.
	ErrDependencyFailed = errors.New("batch: dependency failed")
	// ErrRunNotFound is returned when no run report exists for an id.
	ErrRunNotFound = errors.New("batch: run not found")
	// ErrQueueFull is returned when a run cannot be queued.
	ErrQueueFull = errors.New("batch: run queue full")
	// ErrCanceled marks a unit that never started because the run was canceled.
	ErrCanceled = errors.New("batch: run canceled")
)

// ErrorKind is the stable report label of a unit failure.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindLedgerInconsistency ErrorKind = "ledger_inconsistency"
	KindQuotaOverflow       ErrorKind = "quota_overflow"
	KindNoEnergyData        ErrorKind = "no_energy_data"
	KindRateUnavailable     ErrorKind = "rate_unavailable"
	KindDependencyFailed    ErrorKind = "dependency_failed"
	KindCanceled            ErrorKind = "canceled"
	KindInternal            ErrorKind = "internal"
)

// Classify maps an error chain to its report label.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDependencyFailed):
		return KindDependencyFailed
	case errors.Is(err, ErrCanceled):
		return KindCanceled
	case errors.Is(err, allocation.ErrQuotaOverflow):
		return KindQuotaOverflow
	case errors.Is(err, ledger.ErrLedgerInconsistency):
		return KindLedgerInconsistency
	case errors.Is(err, billing.ErrNoEnergyDataForPeriod):
		return KindNoEnergyData
	case errors.Is(err, billing.ErrRateUnavailable):
		return KindRateUnavailable
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, ledger.ErrReadingNotFound),
		errors.Is(err, ledger.ErrInstallationNotFound):
		return KindValidation
	default:
		return KindInternal
	}
}
