package statistic

import (
	"strings"

	ledger "solarshare/internal/ledger/domain"
)

// ScopeKind selects which installations a roll-up covers.
type ScopeKind string

const (
	ScopeAll          ScopeKind = "ALL"
	ScopeCustomer     ScopeKind = "CUSTOMER"
	ScopeInstallation ScopeKind = "INSTALLATION"
	ScopeDistributor  ScopeKind = "DISTRIBUTOR"
)

// Scope is a roll-up subject.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// ParseScope accepts the kind case-insensitively; an empty kind means ALL.
func ParseScope(kind, id string) (Scope, error) {
	s := Scope{Kind: ScopeKind(strings.ToUpper(strings.TrimSpace(kind))), ID: strings.TrimSpace(id)}
	if s.Kind == "" {
		s.Kind = ScopeAll
	}
	return s, s.Validate()
}

// Validate checks kind and id presence.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeAll:
		return nil
	case ScopeCustomer, ScopeInstallation, ScopeDistributor:
		if s.ID == "" {
			return ErrEmptyScopeID
		}
		return nil
	default:
		return ErrInvalidScope
	}
}

// Key is the storage key of the scope.
func (s Scope) Key() string {
	if s.Kind == ScopeAll {
		return string(ScopeAll)
	}
	return string(s.Kind) + ":" + s.ID
}

// Includes reports whether the installation belongs to the scope.
func (s Scope) Includes(inst ledger.Installation) bool {
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeCustomer:
		return inst.CustomerID == s.ID
	case ScopeInstallation:
		return inst.ID == s.ID
	case ScopeDistributor:
		return inst.DistributorID == s.ID
	default:
		return false
	}
}
