package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Period is a calendar month, the reference period of every energy record.
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod builds a period from a timestamp, using its UTC month.
func NewPeriod(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod accepts MM/YYYY (upload format) and YYYY-MM (API format).
func ParsePeriod(value string) (Period, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Period{}, NewValidationError("period", "empty")
	}
	for _, layout := range []string{"01/2006", "1/2006", "2006-01"} {
		if t, err := time.Parse(layout, value); err == nil {
			return NewPeriod(t), nil
		}
	}
	return Period{}, NewValidationError("period", fmt.Sprintf("%q is not MM/YYYY", value))
}

// MustParsePeriod panics on invalid input. Intended for tests and constants.
func MustParsePeriod(value string) Period {
	p, err := ParsePeriod(value)
	if err != nil {
		panic(err)
	}
	return p
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

// Start returns the first instant of the month in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the next month in UTC.
func (p Period) End() time.Time { return p.Start().AddDate(0, 1, 0) }

// AddMonths shifts the period by n months.
func (p Period) AddMonths(n int) Period {
	return NewPeriod(p.Start().AddDate(0, n, 0))
}

// Next returns the following month.
func (p Period) Next() Period { return p.AddMonths(1) }

// Prev returns the previous month.
func (p Period) Prev() Period { return p.AddMonths(-1) }

// MonthsUntil returns the number of months from p to other (negative if other is earlier).
func (p Period) MonthsUntil(other Period) int {
	return (other.Year-p.Year)*12 + int(other.Month) - int(p.Month)
}

// Before reports whether p is strictly earlier than other.
func (p Period) Before(other Period) bool { return p.MonthsUntil(other) > 0 }

// After reports whether p is strictly later than other.
func (p Period) After(other Period) bool { return p.MonthsUntil(other) < 0 }

// String renders MM/YYYY.
func (p Period) String() string {
	if p.IsZero() {
		return ""
	}
	return fmt.Sprintf("%02d/%04d", int(p.Month), p.Year)
}

// TimeKey returns the storage key (YYYYMM).
func (p Period) TimeKey() string {
	if p.IsZero() {
		return ""
	}
	return p.Start().Format("200601")
}

// MarshalText renders YYYY-MM for JSON payloads.
func (p Period) MarshalText() ([]byte, error) {
	if p.IsZero() {
		return []byte(""), nil
	}
	return []byte(p.Start().Format("2006-01")), nil
}

// UnmarshalText accepts any format understood by ParsePeriod.
func (p *Period) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*p = Period{}
		return nil
	}
	parsed, err := ParsePeriod(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PeriodRange is an inclusive range of months.
type PeriodRange struct {
	From Period `json:"from"`
	To   Period `json:"to"`
}

// Validate checks that the range is set and ordered.
func (r PeriodRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return NewValidationError("period_range", "from/to required")
	}
	if r.To.Before(r.From) {
		return NewValidationError("period_range", "to must not be before from")
	}
	return nil
}

// Contains reports whether p is inside the range.
func (r PeriodRange) Contains(p Period) bool {
	return !p.Before(r.From) && !p.After(r.To)
}
