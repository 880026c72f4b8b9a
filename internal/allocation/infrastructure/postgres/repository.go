package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	allocation "solarshare/internal/allocation/domain"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

const (
	defaultVersionsTable = "allocation_versions"
	defaultResultsTable  = "allocation_results"
	defaultTenantID      = "default"
)

// RepositoryOption configures a repository.
type RepositoryOption func(*options)

type options struct {
	table    string
	tenantID string
}

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(o *options) {
		if table != "" {
			o.table = table
		}
	}
}

// WithTenantID scopes reads and writes to tenantID.
func WithTenantID(tenantID string) RepositoryOption {
	return func(o *options) {
		if tenantID != "" {
			o.tenantID = tenantID
		}
	}
}

func newOptions(table string, opts []RepositoryOption) options {
	o := options{table: table, tenantID: defaultTenantID}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Repository persists allocation versions.
type Repository struct {
	db   *sql.DB
	opts options
}

// NewRepository constructs a repository.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	return &Repository{db: db, opts: newOptions(defaultVersionsTable, opts)}
}

// AppendVersions inserts new versions.
func (r *Repository) AppendVersions(ctx context.Context, versions []allocation.Allocation) error {
	if r == nil || r.db == nil {
		return errors.New("allocation repo: nil db")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (tenant_id, allocation_id, generator_id, consumer_id, quota, active, updated_by, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, r.opts.table)
	exec := txn.Executor(ctx, r.db)
	for _, v := range versions {
		if _, err := exec.ExecContext(ctx, query,
			r.opts.tenantID, v.ID, v.GeneratorID, v.ConsumerID, v.Quota, v.Active, v.UpdatedBy, v.UpdatedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return nil
}

// ListVersions returns every version of a generator's allocations in append
// order. seq breaks ties between versions written in the same instant.
func (r *Repository) ListVersions(ctx context.Context, generatorID string) ([]allocation.Allocation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("allocation repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT allocation_id, generator_id, consumer_id, quota, active, updated_by, updated_at
FROM %s
WHERE tenant_id = $1 AND generator_id = $2
ORDER BY updated_at ASC, seq ASC`, r.opts.table)
	rows, err := txn.Executor(ctx, r.db).QueryContext(ctx, query, r.opts.tenantID, generatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []allocation.Allocation
	for rows.Next() {
		var (
			v         allocation.Allocation
			updatedBy sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.GeneratorID, &v.ConsumerID, &v.Quota, &v.Active, &updatedBy, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.UpdatedBy = updatedBy.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// ResultRepository persists allocation results.
type ResultRepository struct {
	db   *sql.DB
	opts options
}

// NewResultRepository constructs a repository.
func NewResultRepository(db *sql.DB, opts ...RepositoryOption) *ResultRepository {
	return &ResultRepository{db: db, opts: newOptions(defaultResultsTable, opts)}
}

// Save upserts the result of a generator period.
func (r *ResultRepository) Save(ctx context.Context, result allocation.Result) error {
	if r == nil || r.db == nil {
		return errors.New("allocation result repo: nil db")
	}
	lines, err := json.Marshal(result.Lines)
	if err != nil {
		return fmt.Errorf("allocation result repo: encode lines: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	tenant_id, generator_id, period_start, balance_kwh, total_allocated_kwh,
	retained_kwh, unassigned_share_kwh, flooring_residual_kwh, lines, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (tenant_id, generator_id, period_start)
DO UPDATE SET
	balance_kwh = EXCLUDED.balance_kwh,
	total_allocated_kwh = EXCLUDED.total_allocated_kwh,
	retained_kwh = EXCLUDED.retained_kwh,
	unassigned_share_kwh = EXCLUDED.unassigned_share_kwh,
	flooring_residual_kwh = EXCLUDED.flooring_residual_kwh,
	lines = EXCLUDED.lines,
	updated_at = EXCLUDED.updated_at`, r.opts.table)
	_, err = txn.Executor(ctx, r.db).ExecContext(ctx, query,
		r.opts.tenantID, result.GeneratorID, result.Period.Start(), result.Balance, result.TotalAllocated,
		result.Retained, result.UnassignedShare, result.FlooringResidual, lines, time.Now().UTC(),
	)
	return err
}

const resultColumns = `generator_id, period_start, balance_kwh, total_allocated_kwh,
	retained_kwh, unassigned_share_kwh, flooring_residual_kwh, lines`

// Get loads the result of a generator period.
func (r *ResultRepository) Get(ctx context.Context, generatorID string, period ledger.Period) (allocation.Result, error) {
	if r == nil || r.db == nil {
		return allocation.Result{}, errors.New("allocation result repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND generator_id = $2 AND period_start = $3`,
		resultColumns, r.opts.table)
	result, err := scanResult(txn.Executor(ctx, r.db).QueryRowContext(ctx, query, r.opts.tenantID, generatorID, period.Start()))
	if errors.Is(err, sql.ErrNoRows) {
		return allocation.Result{}, allocation.ErrResultNotFound
	}
	return result, err
}

// ListByPeriod returns every generator result of period.
func (r *ResultRepository) ListByPeriod(ctx context.Context, period ledger.Period) ([]allocation.Result, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("allocation result repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND period_start = $2 ORDER BY generator_id`,
		resultColumns, r.opts.table)
	rows, err := txn.Executor(ctx, r.db).QueryContext(ctx, query, r.opts.tenantID, period.Start())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []allocation.Result
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

func scanResult(row interface{ Scan(dest ...any) error }) (allocation.Result, error) {
	var (
		result      allocation.Result
		periodStart time.Time
		lines       []byte
	)
	if err := row.Scan(
		&result.GeneratorID,
		&periodStart,
		&result.Balance,
		&result.TotalAllocated,
		&result.Retained,
		&result.UnassignedShare,
		&result.FlooringResidual,
		&lines,
	); err != nil {
		return allocation.Result{}, err
	}
	result.Period = ledger.NewPeriod(periodStart)
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &result.Lines); err != nil {
			return allocation.Result{}, fmt.Errorf("allocation result repo: decode lines: %w", err)
		}
	}
	if result.Lines == nil {
		result.Lines = []allocation.Line{}
	}
	return result, nil
}
