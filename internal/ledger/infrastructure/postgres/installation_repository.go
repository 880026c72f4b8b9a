package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

const defaultInstallationsTable = "installations"

// InstallationRepository persists installations.
type InstallationRepository struct {
	db  *sql.DB
	cfg config
}

// NewInstallationRepository constructs a repository.
func NewInstallationRepository(db *sql.DB, opts ...RepositoryOption) *InstallationRepository {
	return &InstallationRepository{db: db, cfg: newConfig(defaultInstallationsTable, opts)}
}

const installationColumns = `id, number, kind, customer_id, distributor_id, retired, created_at`

// Get loads an installation by id.
func (r *InstallationRepository) Get(ctx context.Context, id string) (ledger.Installation, error) {
	if id == "" {
		return ledger.Installation{}, ledger.ErrEmptyInstallationID
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND id = $2`, installationColumns, r.cfg.table)
	return r.one(ctx, query, r.cfg.tenantID, id)
}

// FindByNumber resolves the distributor installation number.
func (r *InstallationRepository) FindByNumber(ctx context.Context, number string) (ledger.Installation, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND number = $2`, installationColumns, r.cfg.table)
	return r.one(ctx, query, r.cfg.tenantID, number)
}

// List returns every installation ordered by id.
func (r *InstallationRepository) List(ctx context.Context) ([]ledger.Installation, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 ORDER BY id`, installationColumns, r.cfg.table)
	return r.many(ctx, query, r.cfg.tenantID)
}

// ListByCustomer returns the installations owned by a customer.
func (r *InstallationRepository) ListByCustomer(ctx context.Context, customerID string) ([]ledger.Installation, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND customer_id = $2 ORDER BY id`, installationColumns, r.cfg.table)
	return r.many(ctx, query, r.cfg.tenantID, customerID)
}

// Save upserts an installation. The kind column is never updated.
func (r *InstallationRepository) Save(ctx context.Context, inst ledger.Installation) error {
	if r == nil || r.db == nil {
		return errors.New("installation repo: nil db")
	}
	if err := inst.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (tenant_id, id, number, kind, customer_id, distributor_id, retired, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id, id)
DO UPDATE SET
	number = EXCLUDED.number,
	customer_id = EXCLUDED.customer_id,
	distributor_id = EXCLUDED.distributor_id,
	retired = EXCLUDED.retired
WHERE %s.kind = EXCLUDED.kind`, r.cfg.table, r.cfg.table)
	res, err := txn.Executor(ctx, r.db).ExecContext(ctx, query,
		r.cfg.tenantID, inst.ID, inst.Number, string(inst.Kind),
		nullString(inst.CustomerID), inst.DistributorID, inst.Retired, inst.CreatedAt.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.NewValidationError("kind", "installation kind is immutable")
	}
	return nil
}

func (r *InstallationRepository) one(ctx context.Context, query string, args ...any) (ledger.Installation, error) {
	if r == nil || r.db == nil {
		return ledger.Installation{}, errors.New("installation repo: nil db")
	}
	inst, err := scanInstallation(txn.Executor(ctx, r.db).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Installation{}, ledger.ErrInstallationNotFound
	}
	return inst, err
}

func (r *InstallationRepository) many(ctx context.Context, query string, args ...any) ([]ledger.Installation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("installation repo: nil db")
	}
	rows, err := txn.Executor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstallation(row scanner) (ledger.Installation, error) {
	var (
		inst       ledger.Installation
		kind       string
		customerID sql.NullString
	)
	if err := row.Scan(&inst.ID, &inst.Number, &kind, &customerID, &inst.DistributorID, &inst.Retired, &inst.CreatedAt); err != nil {
		return ledger.Installation{}, err
	}
	inst.Kind = ledger.Kind(kind)
	inst.CustomerID = customerID.String
	return inst, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
