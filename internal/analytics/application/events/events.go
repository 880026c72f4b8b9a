package events

import (
	"time"

	"solarshare/internal/analytics/domain/statistic"
	"solarshare/internal/eventing"
	ledger "solarshare/internal/ledger/domain"
)

// StatsRecomputed is emitted when a scope roll-up snapshot was replaced.
type StatsRecomputed struct {
	Scope      statistic.Scope
	Range      ledger.PeriodRange
	OccurredAt time.Time
}

// EventKey routes the event by scope key, e.g. customer:cust-1.
func (e StatsRecomputed) EventKey() eventing.Key {
	return eventing.Key{Subject: e.Scope.Key(), Period: e.Range.From.String() + "-" + e.Range.To.String(), At: e.OccurredAt}
}
