package interfaces

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	appstatistic "solarshare/internal/analytics/application/statistic"
	"solarshare/internal/analytics/domain/statistic"
	ledger "solarshare/internal/ledger/domain"
)

// StatsHandler serves GET /api/v1/stats.
type StatsHandler struct {
	rollup *appstatistic.RollupService
	logger *log.Logger
}

// NewStatsHandler constructs the handler.
func NewStatsHandler(rollup *appstatistic.RollupService, logger *log.Logger) (*StatsHandler, error) {
	if rollup == nil {
		return nil, errors.New("stats handler: nil rollup service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &StatsHandler{rollup: rollup, logger: logger}, nil
}

// ServeHTTP returns the scope roll-up; refresh=true forces a recompute.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	scope, err := statistic.ParseScope(query.Get("scope"), query.Get("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	span, err := parseRange(query.Get("from"), query.Get("to"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var stats statistic.AggregateStats
	if query.Get("refresh") == "true" {
		stats, err = h.rollup.Recompute(r.Context(), scope, span)
	} else {
		stats, err = h.rollup.Get(r.Context(), scope, span)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Printf("stats: scope=%s err=%v", scope.Key(), err)
		http.Error(w, "stats error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// parseRange defaults to the trailing twelve months when both bounds are absent.
func parseRange(from, to string) (ledger.PeriodRange, error) {
	if from == "" && to == "" {
		return appstatistic.TrailingRange(time.Now().UTC()), nil
	}
	var span ledger.PeriodRange
	var err error
	if span.From, err = ledger.ParsePeriod(from); err != nil {
		return ledger.PeriodRange{}, err
	}
	if span.To, err = ledger.ParsePeriod(to); err != nil {
		return ledger.PeriodRange{}, err
	}
	return span, span.Validate()
}
