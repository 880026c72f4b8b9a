package billing

import "errors"

var (
	// ErrNoEnergyDataForPeriod is returned instead of emitting a zero invoice.
	ErrNoEnergyDataForPeriod = errors.New("billing: no energy data for period")
	// ErrRateUnavailable is returned when no distributor rate covers the period.
	ErrRateUnavailable = errors.New("billing: rate unavailable")
	// ErrInvalidTransition is returned for a transition the status machine forbids.
	ErrInvalidTransition = errors.New("billing: invalid status transition")
	// ErrInvoiceNotFound is returned when an invoice does not exist.
	ErrInvoiceNotFound = errors.New("billing: invoice not found")
	// ErrCustomerNotFound is returned when a customer does not exist.
	ErrCustomerNotFound = errors.New("billing: customer not found")
	// ErrDistributorNotFound is returned when a distributor does not exist.
	ErrDistributorNotFound = errors.New("billing: distributor not found")
	// ErrAmountMismatch is returned when invoice identities do not reconcile.
	ErrAmountMismatch = errors.New("billing: amount mismatch")
	// ErrNilInvoice is returned when saving a nil invoice.
	ErrNilInvoice = errors.New("billing: nil invoice")
)
