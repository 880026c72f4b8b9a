package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

const defaultReadingsTable = "meter_readings"

// ReadingRepository persists raw uploads keyed by (installation, period).
type ReadingRepository struct {
	db  *sql.DB
	cfg config
}

// NewReadingRepository constructs a repository.
func NewReadingRepository(db *sql.DB, opts ...RepositoryOption) *ReadingRepository {
	return &ReadingRepository{db: db, cfg: newConfig(defaultReadingsTable, opts)}
}

const readingColumns = `installation_id, period_start, generation_kwh, consumption_kwh, transferred_kwh,
	received_kwh, compensation_kwh, upload_id, uploaded_at`

// Upsert overwrites the reading for its exact key.
func (r *ReadingRepository) Upsert(ctx context.Context, reading ledger.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if err := reading.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (tenant_id, %s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (tenant_id, installation_id, period_start)
DO UPDATE SET
	generation_kwh = EXCLUDED.generation_kwh,
	consumption_kwh = EXCLUDED.consumption_kwh,
	transferred_kwh = EXCLUDED.transferred_kwh,
	received_kwh = EXCLUDED.received_kwh,
	compensation_kwh = EXCLUDED.compensation_kwh,
	upload_id = EXCLUDED.upload_id,
	uploaded_at = EXCLUDED.uploaded_at`, r.cfg.table, readingColumns)
	_, err := txn.Executor(ctx, r.db).ExecContext(ctx, query,
		r.cfg.tenantID,
		reading.InstallationID,
		reading.Period.Start(),
		reading.Generation,
		reading.Consumption,
		reading.Transferred,
		reading.Received,
		reading.Compensation,
		reading.UploadID,
		reading.UploadedAt.UTC(),
	)
	return err
}

// Get loads the reading for (installation, period).
func (r *ReadingRepository) Get(ctx context.Context, installationID string, period ledger.Period) (ledger.Reading, error) {
	if r == nil || r.db == nil {
		return ledger.Reading{}, errors.New("reading repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND installation_id = $2 AND period_start = $3`,
		readingColumns, r.cfg.table)
	reading, err := scanReading(txn.Executor(ctx, r.db).QueryRowContext(ctx, query, r.cfg.tenantID, installationID, period.Start()))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reading{}, ledger.ErrReadingNotFound
	}
	return reading, err
}

// ListByPeriod returns every reading uploaded for period.
func (r *ReadingRepository) ListByPeriod(ctx context.Context, period ledger.Period) ([]ledger.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND period_start = $2 ORDER BY installation_id`,
		readingColumns, r.cfg.table)
	rows, err := txn.Executor(ctx, r.db).QueryContext(ctx, query, r.cfg.tenantID, period.Start())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reading)
	}
	return out, rows.Err()
}

func scanReading(row scanner) (ledger.Reading, error) {
	var (
		reading     ledger.Reading
		periodStart time.Time
		uploadID    sql.NullString
	)
	if err := row.Scan(
		&reading.InstallationID,
		&periodStart,
		&reading.Generation,
		&reading.Consumption,
		&reading.Transferred,
		&reading.Received,
		&reading.Compensation,
		&uploadID,
		&reading.UploadedAt,
	); err != nil {
		return ledger.Reading{}, err
	}
	reading.Period = periodFromDate(periodStart)
	reading.UploadID = uploadID.String
	return reading, nil
}
