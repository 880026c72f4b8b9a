package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	billing "solarshare/internal/billing/domain"
	"solarshare/internal/txn"
)

const (
	defaultCustomersTable    = "customers"
	defaultDistributorsTable = "distributors"
	defaultRatesTable        = "distributor_rates"
)

// CustomerRepository persists customers.
type CustomerRepository struct {
	db  *sql.DB
	cfg config
}

// NewCustomerRepository constructs a repository.
func NewCustomerRepository(db *sql.DB, opts ...RepositoryOption) *CustomerRepository {
	return &CustomerRepository{db: db, cfg: newConfig(defaultCustomersTable, opts)}
}

// Get loads a customer.
func (r *CustomerRepository) Get(ctx context.Context, id string) (billing.Customer, error) {
	if r == nil || r.db == nil {
		return billing.Customer{}, errors.New("customer repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, name, email, document, discount, created_at
FROM %s WHERE tenant_id = $1 AND id = $2`, r.cfg.table)
	var c billing.Customer
	err := txn.Executor(ctx, r.db).QueryRowContext(ctx, query, r.cfg.tenantID, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.Document, &c.Discount, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Customer{}, billing.ErrCustomerNotFound
	}
	return c, err
}

// List returns customers ordered by id.
func (r *CustomerRepository) List(ctx context.Context) ([]billing.Customer, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("customer repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, name, email, document, discount, created_at
FROM %s WHERE tenant_id = $1 ORDER BY id`, r.cfg.table)
	rows, err := txn.Executor(ctx, r.db).QueryContext(ctx, query, r.cfg.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []billing.Customer
	for rows.Next() {
		var c billing.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Document, &c.Discount, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Save upserts a customer.
func (r *CustomerRepository) Save(ctx context.Context, customer billing.Customer) error {
	if r == nil || r.db == nil {
		return errors.New("customer repo: nil db")
	}
	if err := customer.Validate(); err != nil {
		return err
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (tenant_id, id, name, email, document, discount, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, id)
DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, document = EXCLUDED.document,
	discount = EXCLUDED.discount`, r.cfg.table)
	_, err := txn.Executor(ctx, r.db).ExecContext(ctx, query,
		r.cfg.tenantID, customer.ID, customer.Name, customer.Email, customer.Document, customer.Discount, customer.CreatedAt)
	return err
}

// DistributorRepository persists distributors and their rate history.
type DistributorRepository struct {
	db         *sql.DB
	cfg        config
	ratesTable string
}

// NewDistributorRepository constructs a repository. WithTable names the distributors
// table; rates live in distributor_rates.
func NewDistributorRepository(db *sql.DB, opts ...RepositoryOption) *DistributorRepository {
	return &DistributorRepository{db: db, cfg: newConfig(defaultDistributorsTable, opts), ratesTable: defaultRatesTable}
}

// Get loads a distributor with its rates ordered by effective date.
func (r *DistributorRepository) Get(ctx context.Context, id string) (billing.Distributor, error) {
	if r == nil || r.db == nil {
		return billing.Distributor{}, errors.New("distributor repo: nil db")
	}
	exec := txn.Executor(ctx, r.db)
	d := billing.Distributor{}
	query := fmt.Sprintf(`SELECT id, name FROM %s WHERE tenant_id = $1 AND id = $2`, r.cfg.table)
	if err := exec.QueryRowContext(ctx, query, r.cfg.tenantID, id).Scan(&d.ID, &d.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return billing.Distributor{}, billing.ErrDistributorNotFound
		}
		return billing.Distributor{}, err
	}

	ratesQuery := fmt.Sprintf(`
SELECT effective_from, price_per_kwh
FROM %s WHERE tenant_id = $1 AND distributor_id = $2
ORDER BY effective_from ASC`, r.ratesTable)
	rows, err := exec.QueryContext(ctx, ratesQuery, r.cfg.tenantID, id)
	if err != nil {
		return billing.Distributor{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var rate billing.Rate
		if err := rows.Scan(&rate.EffectiveFrom, &rate.PricePerKWh); err != nil {
			return billing.Distributor{}, err
		}
		d.Rates = append(d.Rates, rate)
	}
	return d, rows.Err()
}

// Save upserts the distributor and replaces its rate history.
func (r *DistributorRepository) Save(ctx context.Context, distributor billing.Distributor) error {
	if r == nil || r.db == nil {
		return errors.New("distributor repo: nil db")
	}
	if err := distributor.Rates.Validate(); err != nil {
		return err
	}
	exec := txn.Executor(ctx, r.db)
	upsert := fmt.Sprintf(`
INSERT INTO %s (tenant_id, id, name) VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, id) DO UPDATE SET name = EXCLUDED.name`, r.cfg.table)
	if _, err := exec.ExecContext(ctx, upsert, r.cfg.tenantID, distributor.ID, distributor.Name); err != nil {
		return err
	}
	purge := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND distributor_id = $2`, r.ratesTable)
	if _, err := exec.ExecContext(ctx, purge, r.cfg.tenantID, distributor.ID); err != nil {
		return err
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (tenant_id, distributor_id, effective_from, price_per_kwh)
VALUES ($1, $2, $3, $4)`, r.ratesTable)
	for _, rate := range distributor.Rates.Sorted() {
		if _, err := exec.ExecContext(ctx, insert, r.cfg.tenantID, distributor.ID, rate.EffectiveFrom.UTC(), rate.PricePerKWh); err != nil {
			return err
		}
	}
	return nil
}
