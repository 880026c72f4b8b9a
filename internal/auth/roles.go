package auth

// Role is the access level carried in the token.
type Role string

const (
	// RoleViewer reads balances, invoices, runs and statistics.
	RoleViewer Role = "viewer"
	// RoleOperator uploads readings, triggers runs and moves invoices through billing.
	RoleOperator Role = "operator"
	// RoleAdmin edits allocations and reads the audit trail.
	RoleAdmin Role = "admin"
)

// Permission names one guarded operation.
type Permission string

const (
	PermReadLedger         Permission = "ledger:read"
	PermReadRuns           Permission = "runs:read"
	PermReadInvoices       Permission = "invoices:read"
	PermReadStats          Permission = "stats:read"
	PermReadAllocations    Permission = "allocations:read"
	PermUploadReadings     Permission = "readings:upload"
	PermSubmitRuns         Permission = "runs:submit"
	PermTransitionInvoices Permission = "invoices:transition"
	PermExportInvoices     Permission = "invoices:export"
	PermRecomputeStats     Permission = "stats:recompute"
	PermEditAllocations    Permission = "allocations:edit"
	PermReadAudit          Permission = "audit:read"
)

// Grants are cumulative: each role holds its own list plus every lower role's.
var grants = map[Role][]Permission{
	RoleViewer: {
		PermReadLedger, PermReadRuns, PermReadInvoices, PermReadStats, PermReadAllocations,
	},
	RoleOperator: {
		PermUploadReadings, PermSubmitRuns, PermTransitionInvoices, PermExportInvoices, PermRecomputeStats,
	},
	RoleAdmin: {
		PermEditAllocations, PermReadAudit,
	},
}

var hierarchy = []Role{RoleViewer, RoleOperator, RoleAdmin}

// ParseRole validates a role claim.
func ParseRole(value string) (Role, bool) {
	for _, role := range hierarchy {
		if string(role) == value {
			return role, true
		}
	}
	return "", false
}

// Can reports whether the role holds permission p.
func (r Role) Can(p Permission) bool {
	if _, ok := ParseRole(string(r)); !ok {
		return false
	}
	for _, role := range hierarchy {
		for _, granted := range grants[role] {
			if granted == p {
				return true
			}
		}
		if role == r {
			return false
		}
	}
	return false
}
