package billing

import (
	"context"

	ledger "solarshare/internal/ledger/domain"
)

// InvoiceRepository persists invoices. At most one invoice exists per (customer, month).
type InvoiceRepository interface {
	Get(ctx context.Context, id string) (*Invoice, error)
	FindByCustomerMonth(ctx context.Context, customerID string, month ledger.Period) (*Invoice, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*Invoice, error)
	ListByPeriod(ctx context.Context, from, to ledger.Period) ([]*Invoice, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Invoice, error)
	Save(ctx context.Context, inv *Invoice) error
}

// CustomerRepository resolves customers.
type CustomerRepository interface {
	Get(ctx context.Context, id string) (Customer, error)
	List(ctx context.Context) ([]Customer, error)
	Save(ctx context.Context, customer Customer) error
}

// DistributorRepository resolves distributors with their rate history.
type DistributorRepository interface {
	Get(ctx context.Context, id string) (Distributor, error)
	Save(ctx context.Context, distributor Distributor) error
}
