package audit

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Actor identifies who performed an audited change.
type Actor struct {
	ID        string
	Role      string
	TenantID  string
	IP        string
	UserAgent string
}

// SystemActor is the actor of scheduled jobs and batch triggers.
func SystemActor(tenantID, name string) Actor {
	return Actor{ID: name, Role: "system", TenantID: tenantID}
}

// WithRequest copies the caller address and user agent from r.
func (a Actor) WithRequest(r *http.Request) Actor {
	if r == nil {
		return a
	}
	a.IP = clientIP(r)
	a.UserAgent = r.UserAgent()
	return a
}

// Entry builds the audit entry of an action performed by a on a resource.
func (a Actor) Entry(action, resourceType, resourceID string, metadata any, at time.Time) Entry {
	entry := Entry{
		TenantID:     a.TenantID,
		Actor:        a.ID,
		Role:         a.Role,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IP:           a.IP,
		UserAgent:    a.UserAgent,
		CreatedAt:    at,
	}
	if metadata != nil {
		entry.Metadata = Metadata(metadata)
	}
	return entry
}

// clientIP prefers proxy headers over RemoteAddr. Distributor systems post
// uploads through the ingress, so X-Forwarded-For is the usual source.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
