package metrics

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const backlogQueryTimeout = 2 * time.Second

// backlogGauges are row counts read from the database on every scrape.
var backlogGauges = []struct {
	name  string
	help  string
	query string
}{
	{"invoices_overdue", "Invoices currently overdue", "SELECT COUNT(*) FROM invoices WHERE status = 'OVERDUE'"},
	{"batch_runs_running", "Batch runs started and not finished", "SELECT COUNT(*) FROM batch_runs WHERE status = 'running'"},
	{"period_records_incomplete", "Period records without a completion marker", "SELECT COUNT(*) FROM period_records WHERE NOT is_completed"},
	{"outbox_pending", "Outbox events waiting for dispatch", "SELECT COUNT(*) FROM event_outbox WHERE status = 'pending'"},
	{"dead_letter_events", "Events parked after their last delivery attempt", "SELECT COUNT(*) FROM dead_letter_events"},
}

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	for _, g := range backlogGauges {
		query := g.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: metricPrefix + g.name, Help: g.help},
			func() float64 { return countRows(db, logger, query) },
		))
	}
}

func countRows(db *sql.DB, logger *log.Logger, query string) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), backlogQueryTimeout)
	defer cancel()

	var n int64
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		if logger != nil {
			logger.Printf("metrics backlog query failed: err=%v", err)
		}
		return 0
	}
	return float64(max(n, 0))
}
