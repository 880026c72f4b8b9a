package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reading is the raw, validated energy input uploaded for one installation and month.
// Fields the upload did not carry stay invalid (null).
type Reading struct {
	InstallationID string
	Period         Period
	Generation     decimal.NullDecimal
	Consumption    decimal.NullDecimal
	Transferred    decimal.NullDecimal
	Received       decimal.NullDecimal
	Compensation   decimal.NullDecimal
	UploadID       string
	UploadedAt     time.Time

	// ReceivedVintages dates Received by the generator periods it was drawn from.
	// Empty means the credit is dated to Period.
	ReceivedVintages []Vintage
}

// Validate checks identity and sign of every present field.
func (r Reading) Validate() error {
	if r.InstallationID == "" {
		return ErrEmptyInstallationID
	}
	if r.Period.IsZero() {
		return NewValidationError("period", "required")
	}
	fields := []struct {
		name  string
		value decimal.NullDecimal
	}{
		{"generation", r.Generation},
		{"consumption", r.Consumption},
		{"transferred", r.Transferred},
		{"received", r.Received},
		{"compensation", r.Compensation},
	}
	for _, f := range fields {
		if f.value.Valid && f.value.Decimal.IsNegative() {
			return NewValidationError(f.name, "negative kWh")
		}
	}
	return nil
}

// Vintage is a dated batch of credit with its own expiration clock.
type Vintage struct {
	Period    Period          `json:"period"`
	Remaining decimal.Decimal `json:"remaining"`
}

// LedgerState is the carry-forward of one installation after its latest applied period.
type LedgerState struct {
	InstallationID string
	Period         Period
	Balance        decimal.Decimal
	Vintages       []Vintage
}

// IsEmpty reports whether no period was applied yet.
func (s LedgerState) IsEmpty() bool { return s.Period.IsZero() }

// Clone returns a detached copy.
func (s LedgerState) Clone() LedgerState {
	out := s
	out.Vintages = append([]Vintage(nil), s.Vintages...)
	return out
}

// VintageTotal sums the remaining amount of every vintage.
func (s LedgerState) VintageTotal() decimal.Decimal {
	total := decimal.Zero
	for _, v := range s.Vintages {
		total = total.Add(v.Remaining)
	}
	return total
}

// PeriodRecord is the normalized, ledgered fact for (installation, period).
// Completed is the per-key marker readers use to avoid half-applied units.
type PeriodRecord struct {
	InstallationID string
	Kind           Kind
	Period         Period

	Generation   decimal.Decimal
	Consumption  decimal.Decimal
	Transferred  decimal.Decimal
	Received     decimal.Decimal
	Compensation decimal.Decimal

	PreviousBalance decimal.Decimal
	ExpiredBalance  decimal.Decimal
	Allocated       decimal.Decimal
	CurrentBalance  decimal.Decimal

	ExpiringBalanceAmount decimal.Decimal
	ExpiringBalancePeriod Period

	Vintages []Vintage

	Version     int
	Completed   bool
	CompletedAt time.Time
	UpdatedAt   time.Time
}

// State rebuilds the ledger carry-forward held by the record.
func (r PeriodRecord) State() LedgerState {
	return LedgerState{
		InstallationID: r.InstallationID,
		Period:         r.Period,
		Balance:        r.CurrentBalance,
		Vintages:       append([]Vintage(nil), r.Vintages...),
	}
}

// Clone returns a detached copy.
func (r PeriodRecord) Clone() PeriodRecord {
	out := r
	out.Vintages = append([]Vintage(nil), r.Vintages...)
	return out
}

// Key returns the unique storage key of the record.
func (r PeriodRecord) Key() string { return RecordKey(r.InstallationID, r.Period) }

// RecordKey builds the (installation, period) key shared by records and readings.
func RecordKey(installationID string, period Period) string {
	return installationID + "|" + period.TimeKey()
}

func valueOrZero(v decimal.NullDecimal) decimal.Decimal {
	if !v.Valid {
		return decimal.Zero
	}
	return v.Decimal
}
