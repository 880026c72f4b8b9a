package auth

import (
	"errors"
	"log"
	"net/http"
	"strings"
)

// Middleware authenticates bearer tokens and enforces the policy.
type Middleware struct {
	verifier *Verifier
	policy   Policy
	logger   *log.Logger
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(verifier *Verifier, policy Policy, logger *log.Logger) (*Middleware, error) {
	if verifier == nil {
		return nil, errors.New("auth middleware: nil verifier")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Middleware{verifier: verifier, policy: policy, logger: logger}, nil
}

// Wrap applies auth to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		perm, ok := m.policy.Required(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.verifier.Verify(bearerToken(r))
		switch {
		case errors.Is(err, ErrTenantMismatch):
			m.logger.Printf("auth denied: path=%s reason=tenant_mismatch", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		case err != nil:
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		role, _ := ParseRole(claims.Role)
		if !role.Can(perm) {
			m.logger.Printf("auth denied: path=%s subject=%s role=%s perm=%s", r.URL.Path, claims.Subject, role, perm)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ctx := WithIdentity(r.Context(), Identity{TenantID: claims.TenantID, Role: role, Subject: claims.Subject})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
