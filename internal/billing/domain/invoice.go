package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	ledger "solarshare/internal/ledger/domain"
)

// Status is the invoice lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusNotified   Status = "NOTIFIED"
	StatusProcessing Status = "PROCESSING"
	StatusPaid       Status = "PAID"
	StatusOverdue    Status = "OVERDUE"
	StatusCanceled   Status = "CANCELED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusNotified, StatusOverdue, StatusCanceled},
	StatusNotified:   {StatusProcessing, StatusOverdue, StatusCanceled},
	StatusProcessing: {StatusPaid, StatusOverdue, StatusCanceled},
	StatusOverdue:    {StatusPaid, StatusCanceled},
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, error) {
	s := Status(value)
	switch s {
	case StatusPending, StatusNotified, StatusProcessing, StatusPaid, StatusOverdue, StatusCanceled:
		return s, nil
	default:
		return "", ledger.NewValidationError("status", fmt.Sprintf("unknown status %q", value))
	}
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool { return s == StatusPaid || s == StatusCanceled }

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Invoice is the monetary bill of one customer for one reference month.
type Invoice struct {
	ID             string
	CustomerID     string
	InstallationID string
	ReferenceMonth ledger.Period
	DueDate        time.Time

	EnergyKWh          decimal.Decimal
	Rate               decimal.Decimal
	EffectiveRate      decimal.Decimal
	DiscountPercentage decimal.Decimal
	InvoiceAmount      decimal.Decimal
	TotalAmount        decimal.Decimal
	Savings            decimal.Decimal
	Currency           string

	Status     Status
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	NotifiedAt time.Time
	PaidAt     time.Time
	CanceledAt time.Time
}

// NewDraft builds a PENDING invoice from computed amounts.
func NewDraft(id, customerID, currency string, amounts InvoiceAmounts, dueDate, now time.Time) (*Invoice, error) {
	if id == "" || customerID == "" {
		return nil, ledger.NewValidationError("invoice_id", "id and customer required")
	}
	inv := &Invoice{
		ID:         id,
		CustomerID: customerID,
		Currency:   currency,
		Status:     StatusPending,
		CreatedAt:  now,
	}
	if err := inv.Recompute(amounts, dueDate, now); err != nil {
		return nil, err
	}
	return inv, nil
}

// Recompute refreshes the amounts of a draft. Only PENDING invoices can change.
func (inv *Invoice) Recompute(amounts InvoiceAmounts, dueDate, now time.Time) error {
	if inv.Status != StatusPending {
		return fmt.Errorf("%w: %s invoice cannot be recomputed", ErrInvalidTransition, inv.Status)
	}
	if err := amounts.Check(); err != nil {
		return err
	}
	inv.InstallationID = amounts.InstallationID
	inv.ReferenceMonth = amounts.ReferenceMonth
	inv.DueDate = dueDate
	inv.EnergyKWh = amounts.EnergyKWh
	inv.Rate = amounts.Rate
	inv.EffectiveRate = amounts.EffectiveRate
	inv.DiscountPercentage = amounts.Discount
	inv.InvoiceAmount = amounts.InvoiceAmount
	inv.TotalAmount = amounts.TotalAmount
	inv.Savings = amounts.Savings
	inv.UpdatedAt = now
	return nil
}

// Transition moves the invoice to the next status.
func (inv *Invoice) Transition(to Status, now time.Time) error {
	if inv.Status == to {
		return nil
	}
	if !CanTransition(inv.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, to)
	}
	inv.Status = to
	inv.UpdatedAt = now
	switch to {
	case StatusNotified:
		inv.NotifiedAt = now
	case StatusPaid:
		inv.PaidAt = now
	case StatusCanceled:
		inv.CanceledAt = now
	}
	return nil
}

// IsOverdueAt reports whether an open invoice passed its due date.
func (inv *Invoice) IsOverdueAt(now time.Time) bool {
	if inv.DueDate.IsZero() || !now.After(inv.DueDate) {
		return false
	}
	return CanTransition(inv.Status, StatusOverdue)
}

// Amounts returns the money figures of the invoice.
func (inv *Invoice) Amounts() InvoiceAmounts {
	return InvoiceAmounts{
		ReferenceMonth: inv.ReferenceMonth,
		EnergyKWh:      inv.EnergyKWh,
		Rate:           inv.Rate,
		EffectiveRate:  inv.EffectiveRate,
		Discount:       inv.DiscountPercentage,
		InvoiceAmount:  inv.InvoiceAmount,
		TotalAmount:    inv.TotalAmount,
		Savings:        inv.Savings,
		InstallationID: inv.InstallationID,
	}
}

// Clone returns a detached copy.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	out := *inv
	return &out
}

// DueDateFor returns dueDay of the month after the reference month, clamped to
// the last day of that month.
func DueDateFor(month ledger.Period, dueDay int) time.Time {
	next := month.Next()
	if dueDay < 1 {
		dueDay = 1
	}
	last := next.End().AddDate(0, 0, -1).Day()
	if dueDay > last {
		dueDay = last
	}
	return time.Date(next.Year, next.Month, dueDay, 23, 59, 59, 0, time.UTC)
}
