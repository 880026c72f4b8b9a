package statistic

import "errors"

var (
	// ErrInvalidScope is returned when the scope kind is unsupported.
	ErrInvalidScope = errors.New("statistic: invalid scope")
	// ErrEmptyScopeID is returned when a narrowed scope carries no id.
	ErrEmptyScopeID = errors.New("statistic: empty scope id")
	// ErrStatisticNotFound is returned when no snapshot was stored for a scope and range.
	ErrStatisticNotFound = errors.New("statistic: not found")
)
