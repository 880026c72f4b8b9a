package auth

import (
	"net/http"
	"strings"
)

type route struct {
	prefix  string
	exact   bool
	methods []string
	suffix  string
	perm    Permission
}

func (rt route) matches(r *http.Request) bool {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if rt.exact && path != rt.prefix {
		return false
	}
	if !rt.exact && !strings.HasPrefix(path, rt.prefix) {
		return false
	}
	if rt.suffix != "" && !strings.HasSuffix(path, rt.suffix) {
		return false
	}
	if len(rt.methods) == 0 {
		return true
	}
	for _, m := range rt.methods {
		if m == r.Method {
			return true
		}
	}
	return false
}

var readMethods = []string{http.MethodGet, http.MethodHead}

// Routes are checked in order; the first match decides the permission.
var apiRoutes = []route{
	{prefix: "/api/v1/uploads", exact: true, perm: PermUploadReadings},
	{prefix: "/api/v1/runs", methods: readMethods, perm: PermReadRuns},
	{prefix: "/api/v1/runs", perm: PermSubmitRuns},
	{prefix: "/api/v1/allocations/", methods: readMethods, perm: PermReadAllocations},
	{prefix: "/api/v1/allocations/", perm: PermEditAllocations},
	{prefix: "/api/v1/installations/", methods: readMethods, perm: PermReadLedger},
	{prefix: "/api/v1/invoices/", suffix: ".pdf", methods: readMethods, perm: PermExportInvoices},
	{prefix: "/api/v1/invoices/", suffix: ".xlsx", methods: readMethods, perm: PermExportInvoices},
	{prefix: "/api/v1/invoices", methods: readMethods, perm: PermReadInvoices},
	{prefix: "/api/v1/invoices/", suffix: "/status", methods: []string{http.MethodPost}, perm: PermTransitionInvoices},
	{prefix: "/api/v1/stats", exact: true, methods: readMethods, perm: PermReadStats},
	{prefix: "/api/v1/audit", exact: true, methods: readMethods, perm: PermReadAudit},
}

// Policy maps requests to permissions. Unlisted /api/ routes need admin.
type Policy struct {
	exemptPaths    map[string]struct{}
	exemptPrefixes []string
}

// NewDefaultPolicy builds the API policy with unauthenticated paths.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{exemptPaths: set, exemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request skips bearer auth.
func (p Policy) IsExempt(r *http.Request) bool {
	if _, ok := p.exemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.exemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// Required resolves the permission a request needs. ok is false for paths
// outside the API, which pass through unauthenticated.
func (p Policy) Required(r *http.Request) (perm Permission, ok bool) {
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		return "", false
	}
	if r.URL.Path == "/api/v1/stats" && r.URL.Query().Get("refresh") == "true" {
		return PermRecomputeStats, true
	}
	for _, rt := range apiRoutes {
		if rt.matches(r) {
			return rt.perm, true
		}
	}
	return PermEditAllocations, true
}
