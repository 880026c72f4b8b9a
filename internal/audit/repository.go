package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"solarshare/internal/txn"
)

const defaultAuditTable = "audit_logs"

// Repository writes audit logs.
type Repository struct {
	db       *sql.DB
	table    string
	tenantID string
}

// NewRepository constructs an audit repository reading the tenant's entries.
func NewRepository(db *sql.DB, tenantID string) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db, table: defaultAuditTable, tenantID: tenantID}
}

const entryColumns = `id, tenant_id, actor, role, action, resource_type, resource_id,
	metadata, payload_digest, ip, user_agent, created_at`

// Log writes an audit entry inside the unit of work bound to ctx, if any.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	entry = normalize(entry)
	if entry.TenantID == "" {
		entry.TenantID = r.tenantID
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, r.table, entryColumns)
	_, err := txn.Executor(ctx, r.db).ExecContext(ctx, query,
		entry.ID, entry.TenantID, entry.Actor, entry.Role, entry.Action, entry.ResourceType, entry.ResourceID,
		nullableJSON(entry.Metadata), entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}

// List returns the tenant's matching entries, newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	where := []string{"tenant_id = $1"}
	args := []any{r.tenantID}
	if filter.ResourceType != "" {
		args = append(args, filter.ResourceType)
		where = append(where, fmt.Sprintf("resource_type = $%d", len(args)))
	}
	if filter.ResourceID != "" {
		args = append(args, filter.ResourceID)
		where = append(where, fmt.Sprintf("resource_id = $%d", len(args)))
	}
	args = append(args, filter.limit())
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		entryColumns, r.table, strings.Join(where, " AND "), len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry    Entry
			metadata []byte
		)
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.Actor, &entry.Role, &entry.Action,
			&entry.ResourceType, &entry.ResourceID, &metadata, &entry.PayloadDigest,
			&entry.IP, &entry.UserAgent, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			entry.Metadata = metadata
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
