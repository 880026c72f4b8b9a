package memory

import (
	"context"
	"sort"
	"sync"

	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

// InvoiceRepository is an in-memory invoice store for demo/testing.
type InvoiceRepository struct {
	mu      sync.RWMutex
	byID    map[string]*billing.Invoice
	byMonth map[string]string
}

// NewInvoiceRepository constructs a repository.
func NewInvoiceRepository() *InvoiceRepository {
	return &InvoiceRepository{
		byID:    make(map[string]*billing.Invoice),
		byMonth: make(map[string]string),
	}
}

func monthKey(customerID string, month ledger.Period) string {
	return customerID + "|" + month.TimeKey()
}

// Get loads an invoice by id.
func (r *InvoiceRepository) Get(ctx context.Context, id string) (*billing.Invoice, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.byID[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

// FindByCustomerMonth loads the invoice of a customer month.
func (r *InvoiceRepository) FindByCustomerMonth(ctx context.Context, customerID string, month ledger.Period) (*billing.Invoice, error) {
	r.mu.RLock()
	id, ok := r.byMonth[monthKey(customerID, month)]
	r.mu.RUnlock()
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return r.Get(ctx, id)
}

// ListByCustomer returns a customer's invoices, oldest month first.
func (r *InvoiceRepository) ListByCustomer(ctx context.Context, customerID string) ([]*billing.Invoice, error) {
	return r.filter(ctx, func(inv *billing.Invoice) bool { return inv.CustomerID == customerID }), nil
}

// ListByPeriod returns invoices with a reference month in [from, to].
func (r *InvoiceRepository) ListByPeriod(ctx context.Context, from, to ledger.Period) ([]*billing.Invoice, error) {
	span := ledger.PeriodRange{From: from, To: to}
	if err := span.Validate(); err != nil {
		return nil, err
	}
	return r.filter(ctx, func(inv *billing.Invoice) bool { return span.Contains(inv.ReferenceMonth) }), nil
}

// ListByStatus returns invoices in any of the statuses.
func (r *InvoiceRepository) ListByStatus(ctx context.Context, statuses ...billing.Status) ([]*billing.Invoice, error) {
	wanted := make(map[billing.Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	return r.filter(ctx, func(inv *billing.Invoice) bool { return wanted[inv.Status] }), nil
}

// Save upserts an invoice, bumping its version.
func (r *InvoiceRepository) Save(ctx context.Context, inv *billing.Invoice) error {
	if inv == nil {
		return billing.ErrNilInvoice
	}
	key := monthKey(inv.CustomerID, inv.ReferenceMonth)
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byMonth[key]; ok && id != inv.ID {
		return ledger.NewValidationError("reference_month", "customer month already invoiced by "+id)
	}
	prev, existed := r.byID[inv.ID]
	inv.Version++
	r.byID[inv.ID] = inv.Clone()
	r.byMonth[key] = inv.ID
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.byID[inv.ID] = prev
			return
		}
		delete(r.byID, inv.ID)
		delete(r.byMonth, key)
	})
	return nil
}

func (r *InvoiceRepository) filter(ctx context.Context, keep func(*billing.Invoice) bool) []*billing.Invoice {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*billing.Invoice, 0)
	for _, inv := range r.byID {
		if keep(inv) {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReferenceMonth != out[j].ReferenceMonth {
			return out[i].ReferenceMonth.Before(out[j].ReferenceMonth)
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	return out
}

// CustomerRepository is an in-memory customer store.
type CustomerRepository struct {
	mu   sync.RWMutex
	data map[string]billing.Customer
}

// NewCustomerRepository constructs a repository.
func NewCustomerRepository(seed ...billing.Customer) *CustomerRepository {
	repo := &CustomerRepository{data: make(map[string]billing.Customer)}
	for _, c := range seed {
		_ = repo.Save(context.Background(), c)
	}
	return repo
}

// Get loads a customer.
func (r *CustomerRepository) Get(ctx context.Context, id string) (billing.Customer, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.data[id]
	if !ok {
		return billing.Customer{}, billing.ErrCustomerNotFound
	}
	return c, nil
}

// List returns customers ordered by id.
func (r *CustomerRepository) List(ctx context.Context) ([]billing.Customer, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]billing.Customer, 0, len(r.data))
	for _, c := range r.data {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save upserts a customer.
func (r *CustomerRepository) Save(ctx context.Context, customer billing.Customer) error {
	if err := customer.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.data[customer.ID]
	r.data[customer.ID] = customer
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.data[customer.ID] = prev
			return
		}
		delete(r.data, customer.ID)
	})
	return nil
}

// DistributorRepository is an in-memory distributor store.
type DistributorRepository struct {
	mu   sync.RWMutex
	data map[string]billing.Distributor
}

// NewDistributorRepository constructs a repository.
func NewDistributorRepository(seed ...billing.Distributor) *DistributorRepository {
	repo := &DistributorRepository{data: make(map[string]billing.Distributor)}
	for _, d := range seed {
		_ = repo.Save(context.Background(), d)
	}
	return repo
}

// Get loads a distributor with its rate history.
func (r *DistributorRepository) Get(ctx context.Context, id string) (billing.Distributor, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.data[id]
	if !ok {
		return billing.Distributor{}, billing.ErrDistributorNotFound
	}
	d.Rates = d.Rates.Sorted()
	return d, nil
}

// Save upserts a distributor.
func (r *DistributorRepository) Save(ctx context.Context, distributor billing.Distributor) error {
	if distributor.ID == "" {
		return ledger.NewValidationError("distributor_id", "required")
	}
	if err := distributor.Rates.Validate(); err != nil {
		return err
	}
	distributor.Rates = distributor.Rates.Sorted()
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.data[distributor.ID]
	r.data[distributor.ID] = distributor
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.data[distributor.ID] = prev
			return
		}
		delete(r.data, distributor.ID)
	})
	return nil
}
