package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

const defaultInvoicesTable = "invoices"

// InvoiceRepository persists invoices.
type InvoiceRepository struct {
	db  *sql.DB
	cfg config
}

// NewInvoiceRepository constructs a repository.
func NewInvoiceRepository(db *sql.DB, opts ...RepositoryOption) *InvoiceRepository {
	return &InvoiceRepository{db: db, cfg: newConfig(defaultInvoicesTable, opts)}
}

const invoiceColumns = `id, customer_id, installation_id, reference_month, due_date,
	energy_kwh, rate, effective_rate, discount, invoice_amount, total_amount, savings, currency,
	status, version, created_at, updated_at, notified_at, paid_at, canceled_at`

// Get loads an invoice by id.
func (r *InvoiceRepository) Get(ctx context.Context, id string) (*billing.Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND id = $2`, invoiceColumns, r.cfg.table)
	return r.one(ctx, query, r.cfg.tenantID, id)
}

// FindByCustomerMonth loads the invoice of a customer month.
func (r *InvoiceRepository) FindByCustomerMonth(ctx context.Context, customerID string, month ledger.Period) (*billing.Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND customer_id = $2 AND reference_month = $3`,
		invoiceColumns, r.cfg.table)
	return r.one(ctx, query, r.cfg.tenantID, customerID, month.Start())
}

// ListByCustomer returns a customer's invoices, oldest month first.
func (r *InvoiceRepository) ListByCustomer(ctx context.Context, customerID string) ([]*billing.Invoice, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE tenant_id = $1 AND customer_id = $2
ORDER BY reference_month ASC`, invoiceColumns, r.cfg.table)
	return r.many(ctx, query, r.cfg.tenantID, customerID)
}

// ListByPeriod returns invoices with a reference month in [from, to].
func (r *InvoiceRepository) ListByPeriod(ctx context.Context, from, to ledger.Period) ([]*billing.Invoice, error) {
	if err := (ledger.PeriodRange{From: from, To: to}).Validate(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE tenant_id = $1 AND reference_month >= $2 AND reference_month <= $3
ORDER BY reference_month ASC, customer_id ASC`, invoiceColumns, r.cfg.table)
	return r.many(ctx, query, r.cfg.tenantID, from.Start(), to.Start())
}

// ListByStatus returns invoices in any of the statuses.
func (r *InvoiceRepository) ListByStatus(ctx context.Context, statuses ...billing.Status) ([]*billing.Invoice, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{r.cfg.tenantID}
	placeholders := make([]string, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE tenant_id = $1 AND status IN (%s)
ORDER BY reference_month ASC, customer_id ASC`, invoiceColumns, r.cfg.table, strings.Join(placeholders, ", "))
	return r.many(ctx, query, args...)
}

// Save upserts an invoice and bumps its version.
func (r *InvoiceRepository) Save(ctx context.Context, inv *billing.Invoice) error {
	if r == nil || r.db == nil {
		return errors.New("invoice repo: nil db")
	}
	if inv == nil {
		return billing.ErrNilInvoice
	}
	createdAt := inv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := inv.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	query := fmt.Sprintf(`
INSERT INTO %s (tenant_id, %s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $17, $18, $19, $20)
ON CONFLICT (tenant_id, id)
DO UPDATE SET
	installation_id = EXCLUDED.installation_id,
	due_date = EXCLUDED.due_date,
	energy_kwh = EXCLUDED.energy_kwh,
	rate = EXCLUDED.rate,
	effective_rate = EXCLUDED.effective_rate,
	discount = EXCLUDED.discount,
	invoice_amount = EXCLUDED.invoice_amount,
	total_amount = EXCLUDED.total_amount,
	savings = EXCLUDED.savings,
	status = EXCLUDED.status,
	version = %s.version + 1,
	updated_at = EXCLUDED.updated_at,
	notified_at = EXCLUDED.notified_at,
	paid_at = EXCLUDED.paid_at,
	canceled_at = EXCLUDED.canceled_at
RETURNING version`, r.cfg.table, invoiceColumns, r.cfg.table)

	var version int
	err := txn.Executor(ctx, r.db).QueryRowContext(ctx, query,
		r.cfg.tenantID,
		inv.ID,
		inv.CustomerID,
		inv.InstallationID,
		inv.ReferenceMonth.Start(),
		inv.DueDate.UTC(),
		inv.EnergyKWh,
		inv.Rate,
		inv.EffectiveRate,
		inv.DiscountPercentage,
		inv.InvoiceAmount,
		inv.TotalAmount,
		inv.Savings,
		inv.Currency,
		string(inv.Status),
		createdAt.UTC(),
		updatedAt.UTC(),
		nullTime(inv.NotifiedAt),
		nullTime(inv.PaidAt),
		nullTime(inv.CanceledAt),
	).Scan(&version)
	if err != nil {
		return err
	}
	inv.Version = version
	inv.CreatedAt = createdAt
	inv.UpdatedAt = updatedAt
	return nil
}

func (r *InvoiceRepository) one(ctx context.Context, query string, args ...any) (*billing.Invoice, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("invoice repo: nil db")
	}
	inv, err := scanInvoice(txn.Executor(ctx, r.db).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrInvoiceNotFound
	}
	return inv, err
}

func (r *InvoiceRepository) many(ctx context.Context, query string, args ...any) ([]*billing.Invoice, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("invoice repo: nil db")
	}
	rows, err := txn.Executor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(row scanner) (*billing.Invoice, error) {
	var (
		inv        billing.Invoice
		month      time.Time
		status     string
		notifiedAt sql.NullTime
		paidAt     sql.NullTime
		canceledAt sql.NullTime
	)
	if err := row.Scan(
		&inv.ID,
		&inv.CustomerID,
		&inv.InstallationID,
		&month,
		&inv.DueDate,
		&inv.EnergyKWh,
		&inv.Rate,
		&inv.EffectiveRate,
		&inv.DiscountPercentage,
		&inv.InvoiceAmount,
		&inv.TotalAmount,
		&inv.Savings,
		&inv.Currency,
		&status,
		&inv.Version,
		&inv.CreatedAt,
		&inv.UpdatedAt,
		&notifiedAt,
		&paidAt,
		&canceledAt,
	); err != nil {
		return nil, err
	}
	inv.ReferenceMonth = ledger.NewPeriod(month)
	inv.Status = billing.Status(status)
	if notifiedAt.Valid {
		inv.NotifiedAt = notifiedAt.Time
	}
	if paidAt.Valid {
		inv.PaidAt = paidAt.Time
	}
	if canceledAt.Valid {
		inv.CanceledAt = canceledAt.Time
	}
	return &inv, nil
}
