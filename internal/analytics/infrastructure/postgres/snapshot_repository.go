package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"solarshare/internal/analytics/domain/statistic"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

const (
	defaultSnapshotTable = "statistic_snapshots"
	defaultTenantID      = "default"
)

// SnapshotRepository persists roll-ups as JSONB documents keyed by scope and range.
type SnapshotRepository struct {
	db       *sql.DB
	table    string
	tenantID string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*SnapshotRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *SnapshotRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// WithTenantID scopes every read and write to tenantID.
func WithTenantID(tenantID string) RepositoryOption {
	return func(repo *SnapshotRepository) {
		if tenantID != "" {
			repo.tenantID = tenantID
		}
	}
}

// NewSnapshotRepository creates a repository using the default table name.
func NewSnapshotRepository(db *sql.DB, opts ...RepositoryOption) *SnapshotRepository {
	repo := &SnapshotRepository{db: db, table: defaultSnapshotTable, tenantID: defaultTenantID}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Get loads the stored roll-up of a scope and range.
func (r *SnapshotRepository) Get(ctx context.Context, scope statistic.Scope, span ledger.PeriodRange) (statistic.AggregateStats, error) {
	if r == nil || r.db == nil {
		return statistic.AggregateStats{}, errors.New("snapshot repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT payload
FROM %s
WHERE tenant_id = $1 AND scope_key = $2 AND range_from = $3 AND range_to = $4`, r.table)

	var payload []byte
	err := txn.Executor(ctx, r.db).QueryRowContext(ctx, query,
		r.tenantID, scope.Key(), span.From.Start(), span.To.Start()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return statistic.AggregateStats{}, statistic.ErrStatisticNotFound
	}
	if err != nil {
		return statistic.AggregateStats{}, err
	}
	var stats statistic.AggregateStats
	if err := json.Unmarshal(payload, &stats); err != nil {
		return statistic.AggregateStats{}, fmt.Errorf("decode snapshot %s: %w", scope.Key(), err)
	}
	return stats, nil
}

// Save upserts the roll-up of its scope and range.
func (r *SnapshotRepository) Save(ctx context.Context, stats statistic.AggregateStats) error {
	if r == nil || r.db == nil {
		return errors.New("snapshot repo: nil db")
	}
	if err := stats.Scope.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (tenant_id, scope_key, scope_kind, scope_id, range_from, range_to, payload, computed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id, scope_key, range_from, range_to) DO UPDATE SET
	payload = EXCLUDED.payload,
	computed_at = EXCLUDED.computed_at`, r.table)

	_, err = txn.Executor(ctx, r.db).ExecContext(ctx, query,
		r.tenantID,
		stats.Scope.Key(),
		string(stats.Scope.Kind),
		stats.Scope.ID,
		stats.Range.From.Start(),
		stats.Range.To.Start(),
		payload,
		stats.ComputedAt.UTC(),
	)
	return err
}
