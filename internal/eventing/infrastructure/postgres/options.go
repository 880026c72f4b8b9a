package postgres

const defaultTenantID = "default"

type config struct {
	table    string
	tenantID string
}

// StoreOption configures an event store.
type StoreOption func(*config)

// WithTable overrides the default table name.
func WithTable(table string) StoreOption {
	return func(c *config) {
		if table != "" {
			c.table = table
		}
	}
}

// WithTenantID scopes rows to tenantID.
func WithTenantID(tenantID string) StoreOption {
	return func(c *config) {
		if tenantID != "" {
			c.tenantID = tenantID
		}
	}
}

func newConfig(table string, opts []StoreOption) config {
	cfg := config{table: table, tenantID: defaultTenantID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
