package batch

import (
	"time"

	"solarshare/internal/eventing"
	ledger "solarshare/internal/ledger/domain"
)

// UnitProcessed is emitted once per unit, success or failure.
type UnitProcessed struct {
	RunID      string
	Stage      Stage
	SubjectID  string
	Period     ledger.Period
	Succeeded  bool
	Kind       ErrorKind
	Error      string
	Detail     string
	OccurredAt time.Time
}

// RunCompleted is emitted once per run.
type RunCompleted struct {
	RunID      string
	Period     ledger.Period
	Status     RunStatus
	Counts     Counts
	Failures   []Failure
	OccurredAt time.Time
}

// EventKey routes the event by installation or customer, correlated to its run.
func (e UnitProcessed) EventKey() eventing.Key {
	return eventing.Key{Subject: e.SubjectID, Correlation: e.RunID, Period: e.Period.String(), At: e.OccurredAt}
}

// EventKey routes the event by run.
func (e RunCompleted) EventKey() eventing.Key {
	return eventing.Key{Subject: e.RunID, Correlation: e.RunID, Period: e.Period.String(), At: e.OccurredAt}
}
