package postgres

import (
	"errors"
	"time"

	ledger "solarshare/internal/ledger/domain"
)

const defaultTenantID = "default"

var errEmptyTenant = errors.New("ledger repo: empty tenant id")

type config struct {
	table    string
	tenantID string
}

// RepositoryOption configures a ledger repository.
type RepositoryOption func(*config)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(c *config) {
		if table != "" {
			c.table = table
		}
	}
}

// WithTenantID scopes every read and write to tenantID.
func WithTenantID(tenantID string) RepositoryOption {
	return func(c *config) {
		if tenantID != "" {
			c.tenantID = tenantID
		}
	}
}

func newConfig(table string, opts []RepositoryOption) config {
	cfg := config{table: table, tenantID: defaultTenantID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func periodFromDate(t time.Time) ledger.Period {
	return ledger.NewPeriod(t)
}

type scanner interface {
	Scan(dest ...any) error
}
