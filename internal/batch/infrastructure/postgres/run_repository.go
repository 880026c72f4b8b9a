package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	batch "solarshare/internal/batch/domain"
	ledger "solarshare/internal/ledger/domain"
)

const (
	defaultRunTable = "batch_runs"
	defaultTenantID = "default"
)

// RunRepository persists run reports. Counts and failures are JSONB.
type RunRepository struct {
	db       *sql.DB
	table    string
	tenantID string
}

// RunOption configures the repository.
type RunOption func(*RunRepository)

// WithRunTable overrides the table name.
func WithRunTable(table string) RunOption {
	return func(repo *RunRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// WithTenantID scopes every read and write to tenantID.
func WithTenantID(tenantID string) RunOption {
	return func(repo *RunRepository) {
		if tenantID != "" {
			repo.tenantID = tenantID
		}
	}
}

// NewRunRepository constructs a repository.
func NewRunRepository(db *sql.DB, opts ...RunOption) *RunRepository {
	repo := &RunRepository{db: db, table: defaultRunTable, tenantID: defaultTenantID}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Save upserts a report by id. Run bookkeeping is written outside unit transactions.
func (r *RunRepository) Save(ctx context.Context, report *batch.RunReport) error {
	if r == nil || r.db == nil {
		return errors.New("run repo: nil db")
	}
	if report == nil || report.ID == "" {
		return errors.New("run repo: empty report")
	}
	subjects, err := json.Marshal(report.Subjects)
	if err != nil {
		return err
	}
	counts, err := json.Marshal(struct {
		Total   batch.Counts                 `json:"total"`
		ByStage map[batch.Stage]batch.Counts `json:"by_stage"`
	}{report.Counts, report.ByStage})
	if err != nil {
		return err
	}
	failures, err := json.Marshal(report.Failures)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	tenant_id, id, month, trigger, subjects, status, counts, failures, queued_at, started_at, finished_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
)
ON CONFLICT (tenant_id, id) DO UPDATE SET
	status = EXCLUDED.status,
	counts = EXCLUDED.counts,
	failures = EXCLUDED.failures,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at`, r.table)

	_, err = r.db.ExecContext(ctx, query,
		r.tenantID,
		report.ID,
		report.Month.Start(),
		report.Trigger,
		subjects,
		string(report.Status),
		counts,
		failures,
		report.QueuedAt.UTC(),
		nullTime(report.StartedAt),
		nullTime(report.FinishedAt),
	)
	return err
}

// Get loads a report.
func (r *RunRepository) Get(ctx context.Context, id string) (*batch.RunReport, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("run repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, month, trigger, subjects, status, counts, failures, queued_at, started_at, finished_at
FROM %s
WHERE tenant_id = $1 AND id = $2`, r.table)
	report, err := scanRun(r.db.QueryRowContext(ctx, query, r.tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, batch.ErrRunNotFound
	}
	return report, err
}

// ListByMonth returns the month's reports, oldest first.
func (r *RunRepository) ListByMonth(ctx context.Context, month ledger.Period) ([]*batch.RunReport, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("run repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, month, trigger, subjects, status, counts, failures, queued_at, started_at, finished_at
FROM %s
WHERE tenant_id = $1 AND month = $2
ORDER BY queued_at ASC, id ASC`, r.table)
	rows, err := r.db.QueryContext(ctx, query, r.tenantID, month.Start())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*batch.RunReport
	for rows.Next() {
		report, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*batch.RunReport, error) {
	var (
		report     batch.RunReport
		month      sql.NullTime
		status     string
		subjects   []byte
		counts     []byte
		failures   []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(&report.ID, &month, &report.Trigger, &subjects, &status, &counts, &failures,
		&report.QueuedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	if month.Valid {
		report.Month = ledger.NewPeriod(month.Time)
	}
	report.Status = batch.RunStatus(status)
	if startedAt.Valid {
		report.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		report.FinishedAt = finishedAt.Time
	}
	if len(subjects) > 0 {
		if err := json.Unmarshal(subjects, &report.Subjects); err != nil {
			return nil, err
		}
	}
	var tallies struct {
		Total   batch.Counts                 `json:"total"`
		ByStage map[batch.Stage]batch.Counts `json:"by_stage"`
	}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &tallies); err != nil {
			return nil, err
		}
	}
	report.Counts = tallies.Total
	report.ByStage = tallies.ByStage
	if report.ByStage == nil {
		report.ByStage = make(map[batch.Stage]batch.Counts)
	}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &report.Failures); err != nil {
			return nil, err
		}
	}
	return &report, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
