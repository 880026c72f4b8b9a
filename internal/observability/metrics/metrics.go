package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "solarshare_"

	resultSuccess = "success"
	resultError   = "error"

	rowResultAccepted = "accepted"
	rowResultRejected = "rejected"
)

var (
	registerOnce sync.Once

	ledgerApplyTotal   *prometheus.CounterVec
	ledgerApplyLatency *prometheus.HistogramVec

	allocationTotal *prometheus.CounterVec

	invoiceComputeTotal   *prometheus.CounterVec
	invoiceComputeLatency *prometheus.HistogramVec
	invoiceExportTotal    *prometheus.CounterVec
	invoiceExportLatency  *prometheus.HistogramVec

	batchUnitsTotal *prometheus.CounterVec
	batchRunLatency *prometheus.HistogramVec

	statsRecomputeTotal   *prometheus.CounterVec
	statsRecomputeLatency *prometheus.HistogramVec

	uploadRowsTotal *prometheus.CounterVec

	eventsForwarded *prometheus.CounterVec

	outboxDispatchTotal   *prometheus.CounterVec
	outboxDispatchLatency *prometheus.HistogramVec
	outboxEventsTotal     *prometheus.CounterVec
)

// Init registers metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ledgerApplyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_apply_total",
				Help: "Total ledger period applications by installation kind and result",
			},
			[]string{"kind", "result"},
		)
		ledgerApplyLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ledger_apply_latency_seconds",
				Help:    "Ledger period application latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		allocationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "allocation_total",
				Help: "Total generator allocations by result",
			},
			[]string{"result"},
		)

		invoiceComputeTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "invoice_compute_total",
				Help: "Total invoice computations by result",
			},
			[]string{"result"},
		)
		invoiceComputeLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "invoice_compute_latency_seconds",
				Help:    "Invoice computation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		invoiceExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "invoice_export_total",
				Help: "Total invoice export operations by format and result",
			},
			[]string{"format", "result"},
		)
		invoiceExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "invoice_export_latency_seconds",
				Help:    "Invoice export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		batchUnitsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_units_total",
				Help: "Total batch units by stage and outcome",
			},
			[]string{"stage", "outcome"},
		)
		batchRunLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "batch_run_latency_seconds",
				Help:    "Batch run latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"status"},
		)

		statsRecomputeTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stats_recompute_total",
				Help: "Total statistics recomputations by result",
			},
			[]string{"result"},
		)
		statsRecomputeLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "stats_recompute_latency_seconds",
				Help:    "Statistics recomputation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		uploadRowsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "upload_rows_total",
				Help: "Total uploaded reading rows by result",
			},
			[]string{"result"},
		)

		eventsForwarded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_forwarded_total",
				Help: "Total events forwarded to the message broker by result",
			},
			[]string{"result"},
		)

		outboxDispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_total",
				Help: "Total outbox dispatch runs by result",
			},
			[]string{"result"},
		)
		outboxDispatchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbox_dispatch_latency_seconds",
				Help:    "Outbox dispatch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		outboxEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_events_total",
				Help: "Total outbox events by delivery outcome",
			},
			[]string{"outcome"},
		)

		prometheus.MustRegister(
			ledgerApplyTotal,
			ledgerApplyLatency,
			allocationTotal,
			invoiceComputeTotal,
			invoiceComputeLatency,
			invoiceExportTotal,
			invoiceExportLatency,
			batchUnitsTotal,
			batchRunLatency,
			statsRecomputeTotal,
			statsRecomputeLatency,
			uploadRowsTotal,
			eventsForwarded,
			outboxDispatchTotal,
			outboxDispatchLatency,
			outboxEventsTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveLedgerApply records a ledger application.
func ObserveLedgerApply(kind, result string, duration time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if ledgerApplyTotal != nil {
		ledgerApplyTotal.WithLabelValues(kind, result).Inc()
	}
	if ledgerApplyLatency != nil {
		ledgerApplyLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncAllocation increments the allocation counter.
func IncAllocation(result string) {
	if result == "" {
		result = resultSuccess
	}
	if allocationTotal != nil {
		allocationTotal.WithLabelValues(result).Inc()
	}
}

// ObserveInvoiceCompute records invoice computation latency and result.
func ObserveInvoiceCompute(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if invoiceComputeTotal != nil {
		invoiceComputeTotal.WithLabelValues(result).Inc()
	}
	if invoiceComputeLatency != nil {
		invoiceComputeLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveInvoiceExport records export latency and result.
func ObserveInvoiceExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if invoiceExportTotal != nil {
		invoiceExportTotal.WithLabelValues(format, result).Inc()
	}
	if invoiceExportLatency != nil {
		invoiceExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncBatchUnit counts a unit outcome (success or an error kind).
func IncBatchUnit(stage, outcome string) {
	if stage == "" {
		stage = "unknown"
	}
	if outcome == "" {
		outcome = resultSuccess
	}
	if batchUnitsTotal != nil {
		batchUnitsTotal.WithLabelValues(stage, outcome).Inc()
	}
}

// ObserveBatchRun records run latency by final status.
func ObserveBatchRun(status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if batchRunLatency != nil {
		batchRunLatency.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// ObserveStatsRecompute records roll-up latency and result.
func ObserveStatsRecompute(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if statsRecomputeTotal != nil {
		statsRecomputeTotal.WithLabelValues(result).Inc()
	}
	if statsRecomputeLatency != nil {
		statsRecomputeLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddUploadRows counts accepted and rejected upload rows.
func AddUploadRows(accepted, rejected int) {
	if uploadRowsTotal == nil {
		return
	}
	if accepted > 0 {
		uploadRowsTotal.WithLabelValues(rowResultAccepted).Add(float64(accepted))
	}
	if rejected > 0 {
		uploadRowsTotal.WithLabelValues(rowResultRejected).Add(float64(rejected))
	}
}

// IncEventForwarded counts events published to the broker.
func IncEventForwarded(result string) {
	if result == "" {
		result = resultSuccess
	}
	if eventsForwarded != nil {
		eventsForwarded.WithLabelValues(result).Inc()
	}
}

// ResultOf maps an error to a result label.
func ResultOf(err error) string {
	if err != nil {
		return resultError
	}
	return resultSuccess
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)

// ObserveOutboxDispatch records one dispatch pass over the outbox.
func ObserveOutboxDispatch(result string, duration time.Duration, sent, failed int) {
	if result == "" {
		result = resultSuccess
	}
	if outboxDispatchTotal != nil {
		outboxDispatchTotal.WithLabelValues(result).Inc()
	}
	if outboxDispatchLatency != nil {
		outboxDispatchLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if outboxEventsTotal != nil {
		outboxEventsTotal.WithLabelValues("sent").Add(float64(sent))
		outboxEventsTotal.WithLabelValues("failed").Add(float64(failed))
	}
}
