package postgres

import "time"

const defaultTenantID = "default"

type config struct {
	table    string
	tenantID string
}

// RepositoryOption configures a billing repository.
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

type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
