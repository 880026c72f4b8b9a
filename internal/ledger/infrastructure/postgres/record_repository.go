package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

const defaultRecordsTable = "period_records"

// RecordRepository persists ledgered period records.
type RecordRepository struct {
	db  *sql.DB
	cfg config
}

// NewRecordRepository constructs a repository.
func NewRecordRepository(db *sql.DB, opts ...RepositoryOption) *RecordRepository {
	return &RecordRepository{db: db, cfg: newConfig(defaultRecordsTable, opts)}
}

const recordColumns = `installation_id, kind, period_start,
	generation_kwh, consumption_kwh, transferred_kwh, received_kwh, compensation_kwh,
	previous_balance_kwh, expired_balance_kwh, allocated_kwh, current_balance_kwh,
	expiring_balance_kwh, expiring_period_start, vintages,
	version, is_completed, completed_at, updated_at`

// Get loads the record for (installation, period).
func (r *RecordRepository) Get(ctx context.Context, installationID string, period ledger.Period) (ledger.PeriodRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND installation_id = $2 AND period_start = $3`,
		recordColumns, r.cfg.table)
	return r.one(ctx, query, r.cfg.tenantID, installationID, period.Start())
}

// LatestBefore returns the newest record strictly before period.
func (r *RecordRepository) LatestBefore(ctx context.Context, installationID string, period ledger.Period) (ledger.PeriodRecord, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE tenant_id = $1 AND installation_id = $2 AND period_start < $3
ORDER BY period_start DESC
LIMIT 1`, recordColumns, r.cfg.table)
	return r.one(ctx, query, r.cfg.tenantID, installationID, period.Start())
}

// Latest returns the newest record of the installation.
func (r *RecordRepository) Latest(ctx context.Context, installationID string) (ledger.PeriodRecord, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE tenant_id = $1 AND installation_id = $2
ORDER BY period_start DESC
LIMIT 1`, recordColumns, r.cfg.table)
	return r.one(ctx, query, r.cfg.tenantID, installationID)
}

// ListRange returns the installation's records in [from, to], oldest first.
func (r *RecordRepository) ListRange(ctx context.Context, installationID string, from, to ledger.Period) ([]ledger.PeriodRecord, error) {
	if err := (ledger.PeriodRange{From: from, To: to}).Validate(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE tenant_id = $1 AND installation_id = $2 AND period_start >= $3 AND period_start <= $4
ORDER BY period_start ASC`, recordColumns, r.cfg.table)
	return r.many(ctx, query, r.cfg.tenantID, installationID, from.Start(), to.Start())
}

// ListByPeriod returns every record of period.
func (r *RecordRepository) ListByPeriod(ctx context.Context, period ledger.Period) ([]ledger.PeriodRecord, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE tenant_id = $1 AND period_start = $2
ORDER BY installation_id`, recordColumns, r.cfg.table)
	return r.many(ctx, query, r.cfg.tenantID, period.Start())
}

// ListCompletedByPeriod returns completed records in [from, to].
func (r *RecordRepository) ListCompletedByPeriod(ctx context.Context, from, to ledger.Period) ([]ledger.PeriodRecord, error) {
	if err := (ledger.PeriodRange{From: from, To: to}).Validate(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE tenant_id = $1 AND is_completed AND period_start >= $2 AND period_start <= $3
ORDER BY period_start ASC, installation_id ASC`, recordColumns, r.cfg.table)
	return r.many(ctx, query, r.cfg.tenantID, from.Start(), to.Start())
}

// Save upserts by key, bumps the version and clears the completion marker.
func (r *RecordRepository) Save(ctx context.Context, record *ledger.PeriodRecord) error {
	if r == nil || r.db == nil {
		return errors.New("record repo: nil db")
	}
	if record == nil {
		return ledger.ErrNilRecord
	}
	vintages, err := json.Marshal(record.Vintages)
	if err != nil {
		return fmt.Errorf("record repo: encode vintages: %w", err)
	}
	var expiring sql.NullTime
	if !record.ExpiringBalancePeriod.IsZero() {
		expiring = sql.NullTime{Time: record.ExpiringBalancePeriod.Start(), Valid: true}
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (tenant_id, %s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1, FALSE, NULL, $17)
ON CONFLICT (tenant_id, installation_id, period_start)
DO UPDATE SET
	kind = EXCLUDED.kind,
	generation_kwh = EXCLUDED.generation_kwh,
	consumption_kwh = EXCLUDED.consumption_kwh,
	transferred_kwh = EXCLUDED.transferred_kwh,
	received_kwh = EXCLUDED.received_kwh,
	compensation_kwh = EXCLUDED.compensation_kwh,
	previous_balance_kwh = EXCLUDED.previous_balance_kwh,
	expired_balance_kwh = EXCLUDED.expired_balance_kwh,
	allocated_kwh = EXCLUDED.allocated_kwh,
	current_balance_kwh = EXCLUDED.current_balance_kwh,
	expiring_balance_kwh = EXCLUDED.expiring_balance_kwh,
	expiring_period_start = EXCLUDED.expiring_period_start,
	vintages = EXCLUDED.vintages,
	version = %s.version + 1,
	is_completed = FALSE,
	completed_at = NULL,
	updated_at = EXCLUDED.updated_at
RETURNING version`, r.cfg.table, recordColumns, r.cfg.table)

	var version int
	err = txn.Executor(ctx, r.db).QueryRowContext(ctx, query,
		r.cfg.tenantID,
		record.InstallationID,
		string(record.Kind),
		record.Period.Start(),
		record.Generation,
		record.Consumption,
		record.Transferred,
		record.Received,
		record.Compensation,
		record.PreviousBalance,
		record.ExpiredBalance,
		record.Allocated,
		record.CurrentBalance,
		record.ExpiringBalanceAmount,
		expiring,
		vintages,
		updatedAt,
	).Scan(&version)
	if err != nil {
		return err
	}
	record.Version = version
	record.Completed = false
	record.CompletedAt = time.Time{}
	record.UpdatedAt = updatedAt
	return nil
}

// MarkCompleted sets the completion marker on an existing record.
func (r *RecordRepository) MarkCompleted(ctx context.Context, installationID string, period ledger.Period, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("record repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s SET is_completed = TRUE, completed_at = $4
WHERE tenant_id = $1 AND installation_id = $2 AND period_start = $3`, r.cfg.table)
	res, err := txn.Executor(ctx, r.db).ExecContext(ctx, query, r.cfg.tenantID, installationID, period.Start(), at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrRecordNotFound
	}
	return nil
}

func (r *RecordRepository) one(ctx context.Context, query string, args ...any) (ledger.PeriodRecord, error) {
	if r == nil || r.db == nil {
		return ledger.PeriodRecord{}, errors.New("record repo: nil db")
	}
	record, err := scanRecord(txn.Executor(ctx, r.db).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.PeriodRecord{}, ledger.ErrRecordNotFound
	}
	return record, err
}

func (r *RecordRepository) many(ctx context.Context, query string, args ...any) ([]ledger.PeriodRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("record repo: nil db")
	}
	rows, err := txn.Executor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.PeriodRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func scanRecord(row scanner) (ledger.PeriodRecord, error) {
	var (
		record      ledger.PeriodRecord
		kind        string
		periodStart time.Time
		expiring    sql.NullTime
		vintages    []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&record.InstallationID,
		&kind,
		&periodStart,
		&record.Generation,
		&record.Consumption,
		&record.Transferred,
		&record.Received,
		&record.Compensation,
		&record.PreviousBalance,
		&record.ExpiredBalance,
		&record.Allocated,
		&record.CurrentBalance,
		&record.ExpiringBalanceAmount,
		&expiring,
		&vintages,
		&record.Version,
		&record.Completed,
		&completedAt,
		&record.UpdatedAt,
	); err != nil {
		return ledger.PeriodRecord{}, err
	}
	record.Kind = ledger.Kind(kind)
	record.Period = periodFromDate(periodStart)
	if expiring.Valid {
		record.ExpiringBalancePeriod = periodFromDate(expiring.Time)
	}
	if completedAt.Valid {
		record.CompletedAt = completedAt.Time
	}
	if len(vintages) > 0 {
		if err := json.Unmarshal(vintages, &record.Vintages); err != nil {
			return ledger.PeriodRecord{}, fmt.Errorf("record repo: decode vintages: %w", err)
		}
	}
	return record, nil
}
