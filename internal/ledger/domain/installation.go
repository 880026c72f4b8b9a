package ledger

import "time"

// Kind distinguishes generator plants from consumer units.
type Kind string

const (
	KindGenerator Kind = "GENERATOR"
	KindConsumer  Kind = "CONSUMER"
)

// IsValid checks the kind is one of the supported values.
func (k Kind) IsValid() bool {
	switch k {
	case KindGenerator, KindConsumer:
		return true
	default:
		return false
	}
}

// Installation is a metered site. Its kind never changes after onboarding and it is
// retired instead of deleted.
type Installation struct {
	ID            string
	Number        string
	Kind          Kind
	CustomerID    string
	DistributorID string
	Retired       bool
	CreatedAt     time.Time
}

// Validate checks identity fields.
func (i Installation) Validate() error {
	if i.ID == "" {
		return ErrEmptyInstallationID
	}
	if !i.Kind.IsValid() {
		return ErrInvalidKind
	}
	return nil
}

// IsGenerator reports whether the installation produces credit.
func (i Installation) IsGenerator() bool { return i.Kind == KindGenerator }

// IsConsumer reports whether the installation consumes credit.
func (i Installation) IsConsumer() bool { return i.Kind == KindConsumer }
