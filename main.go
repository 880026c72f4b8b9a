package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	allocationapp "solarshare/internal/allocation/application"
	allocation "solarshare/internal/allocation/domain"
	allocationmemory "solarshare/internal/allocation/infrastructure/memory"
	allocationrepo "solarshare/internal/allocation/infrastructure/postgres"
	analyticsevents "solarshare/internal/analytics/application/events"
	appstatistic "solarshare/internal/analytics/application/statistic"
	domainstatistic "solarshare/internal/analytics/domain/statistic"
	analyticsmemory "solarshare/internal/analytics/infrastructure/memory"
	analyticsrepo "solarshare/internal/analytics/infrastructure/postgres"
	analyticsinterfaces "solarshare/internal/analytics/interfaces"
	apihttp "solarshare/internal/api/http"
	"solarshare/internal/audit"
	"solarshare/internal/auth"
	batchapp "solarshare/internal/batch/application"
	batch "solarshare/internal/batch/domain"
	batchmemory "solarshare/internal/batch/infrastructure/memory"
	batchrepo "solarshare/internal/batch/infrastructure/postgres"
	batchnotify "solarshare/internal/batch/notify"
	invoiceapp "solarshare/internal/billing/application"
	billing "solarshare/internal/billing/domain"
	billingmemory "solarshare/internal/billing/infrastructure/memory"
	billingrepo "solarshare/internal/billing/infrastructure/postgres"
	"solarshare/internal/billing/infrastructure/pricing"
	billinginterfaces "solarshare/internal/billing/interfaces"
	"solarshare/internal/config"
	"solarshare/internal/eventing"
	eventingrepo "solarshare/internal/eventing/infrastructure/postgres"
	"solarshare/internal/eventing/natsbridge"
	"solarshare/internal/ingestion"
	ledgerapp "solarshare/internal/ledger/application"
	ledger "solarshare/internal/ledger/domain"
	ledgermemory "solarshare/internal/ledger/infrastructure/memory"
	ledgerrepo "solarshare/internal/ledger/infrastructure/postgres"
	"solarshare/internal/observability/metrics"
	"solarshare/internal/txn"
	memtxn "solarshare/internal/txn/memory"
	pgtxn "solarshare/internal/txn/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if !cfg.MemoryStore {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
	}
	metrics.Init(db, logger)

	baseBus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	registry.Register(batch.UnitProcessed{}, batch.RunCompleted{}, analyticsevents.StatsRecomputed{})

	var st stores
	if db != nil {
		st, err = postgresStores(db, cfg, baseBus)
	} else {
		st, err = memoryStores(cfg, baseBus)
	}
	if err != nil {
		logger.Fatalf("store error: %v", err)
	}
	if db != nil {
		dispatcher := eventing.NewDispatcher(baseBus,
			eventingrepo.NewOutboxStore(db, eventingrepo.WithTenantID(cfg.TenantID)),
			registry,
			eventingrepo.NewDLQStore(db, eventingrepo.WithTenantID(cfg.TenantID)),
			eventing.WithMaxAttempts(cfg.Events.MaxAttempts),
			eventing.WithDispatchLogger(logger))
		go dispatcher.Run(ctx, cfg.Events.DispatchInterval, cfg.Events.DispatchBatch)
	}

	locks := txn.NewKeyedLocker()
	ledgerService, err := ledgerapp.NewLedgerService(
		st.installations,
		st.readings,
		st.records,
		ledger.NewEngine(cfg.Ledger.CreditExpiryMonths),
		st.tx,
		locks,
		nil,
		logger,
	)
	if err != nil {
		logger.Fatalf("ledger service error: %v", err)
	}
	allocationService, err := allocationapp.NewService(
		st.allocations,
		st.results,
		st.installations,
		allocation.NewEngine(cfg.Ledger.AllocationScale),
		st.tx,
		st.audit,
		nil,
		logger,
	)
	if err != nil {
		logger.Fatalf("allocation service error: %v", err)
	}
	rates, err := rateProvider(cfg, db, st.distributors)
	if err != nil {
		logger.Fatalf("rate provider error: %v", err)
	}
	invoiceService, err := invoiceapp.NewInvoiceService(
		st.invoices,
		st.customers,
		st.installations,
		st.records,
		rates,
		st.tx,
		st.audit,
		nil,
		logger,
		invoiceapp.Config{Currency: cfg.Billing.Currency, DueDay: cfg.Billing.DueDay},
	)
	if err != nil {
		logger.Fatalf("invoice service error: %v", err)
	}

	runner, err := batchapp.NewRunner(batchapp.Dependencies{
		Installations: st.installations,
		Readings:      st.readings,
		Ledger:        ledgerService,
		Allocations:   allocationService,
		Invoices:      invoiceService,
		Runs:          st.runs,
		Tx:            st.tx,
		Locks:         locks,
		Bus:           st.bus,
		Logger:        logger,
	}, batchapp.Config{Workers: cfg.Batch.Workers, QueueSize: cfg.Batch.QueueSize})
	if err != nil {
		logger.Fatalf("batch runner error: %v", err)
	}
	go runner.Start(ctx)

	ingestService, err := ingestion.NewService(st.installations, st.readings, ledgerService, runner, st.tx, st.audit, nil, logger)
	if err != nil {
		logger.Fatalf("ingestion service error: %v", err)
	}

	rollupService, err := appstatistic.NewRollupService(st.installations, st.records, st.invoices, st.snapshots, st.bus, nil, logger)
	if err != nil {
		logger.Fatalf("rollup service error: %v", err)
	}
	systemActor := audit.SystemActor(cfg.TenantID, "scheduler")
	scheduler := appstatistic.NewScheduler(rollupService, cfg.Stats.DailyAt, logger, appstatistic.DailyJob{
		Name: "invoices.overdue",
		Run: func(ctx context.Context, now time.Time) error {
			_, err := invoiceService.MarkOverdue(ctx, systemActor)
			return err
		},
	})
	go scheduler.Start(ctx)

	eventing.SubscribeTo(baseBus, "batch.log", func(ctx context.Context, evt batch.UnitProcessed) error {
		if !evt.Succeeded {
			logger.Printf("unit event: run_id=%s stage=%s subject=%s month=%s kind=%s", evt.RunID, evt.Stage, evt.SubjectID, evt.Period, evt.Kind)
		}
		return nil
	}, st.processed)

	notifier, err := buildRunNotifier(cfg, logger)
	if err != nil {
		logger.Fatalf("run notifier error: %v", err)
	}
	notifier.Attach(baseBus)

	if cfg.Events.NatsURL != "" {
		forwarder, err := natsbridge.Connect(natsbridge.Config{
			URL:           cfg.Events.NatsURL,
			SubjectPrefix: cfg.Events.NatsSubject,
			TenantID:      cfg.TenantID,
		}, logger)
		if err != nil {
			logger.Printf("nats forwarder disabled: err=%v", err)
		} else {
			defer forwarder.Close()
			forwarder.Attach(baseBus,
				eventing.EventTypeOf[batch.UnitProcessed](),
				eventing.EventTypeOf[batch.RunCompleted](),
				eventing.EventTypeOf[analyticsevents.StatsRecomputed](),
			)
		}
	}

	uploadsHandler, err := apihttp.NewUploadsHandler(ingestService, logger)
	if err != nil {
		logger.Fatalf("uploads handler error: %v", err)
	}
	runsHandler, err := apihttp.NewRunsHandler(runner, st.audit, logger)
	if err != nil {
		logger.Fatalf("runs handler error: %v", err)
	}
	allocationsHandler, err := apihttp.NewAllocationsHandler(allocationService)
	if err != nil {
		logger.Fatalf("allocations handler error: %v", err)
	}
	installationsHandler, err := apihttp.NewInstallationsHandler(ledgerService)
	if err != nil {
		logger.Fatalf("installations handler error: %v", err)
	}
	invoiceHandler, err := billinginterfaces.NewInvoiceHandler(invoiceService, billinginterfaces.PaymentInfo{
		Key:          cfg.Billing.PixKey,
		MerchantName: cfg.Billing.MerchantName,
		City:         cfg.Billing.MerchantCity,
	})
	if err != nil {
		logger.Fatalf("invoice handler error: %v", err)
	}
	statsHandler, err := analyticsinterfaces.NewStatsHandler(rollupService, logger)
	if err != nil {
		logger.Fatalf("stats handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.TenantID)
	if err != nil {
		logger.Fatalf("auth verifier error: %v", err)
	}
	authMiddleware, err := auth.NewMiddleware(verifier, policy, logger)
	if err != nil {
		logger.Fatalf("auth middleware error: %v", err)
	}
	auditHandler, err := audit.NewHandler(st.audit, logger)
	if err != nil {
		logger.Fatalf("audit handler error: %v", err)
	}
	uploadAuth := auth.NewSignedUploadMiddleware([]byte(cfg.Upload.SigningSecret), cfg.Upload.MaxSkew, cfg.TenantID)

	mux := http.NewServeMux()
	mux.Handle("/ingest/uploads", uploadAuth.Wrap(uploadsHandler))
	mux.Handle("/api/v1/uploads", uploadsHandler)
	mux.Handle("/api/v1/runs", runsHandler)
	mux.Handle("/api/v1/runs/", runsHandler)
	mux.Handle("/api/v1/allocations/", allocationsHandler)
	mux.Handle("/api/v1/installations/", installationsHandler)
	mux.Handle("/api/v1/invoices", invoiceHandler)
	mux.Handle("/api/v1/invoices/", invoiceHandler)
	mux.Handle("/api/v1/stats", statsHandler)
	mux.Handle("/api/v1/audit", auditHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Printf("http listening on %s (memory_store=%t)", cfg.HTTPAddr, cfg.MemoryStore)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
}

// stores groups the repositories of one storage backend.
type stores struct {
	installations ledger.InstallationRepository
	readings      ledger.ReadingRepository
	records       ledger.RecordRepository
	allocations   allocation.Repository
	results       allocation.ResultRepository
	invoices      billing.InvoiceRepository
	customers     billing.CustomerRepository
	distributors  billing.DistributorRepository
	runs          batch.RunRepository
	snapshots     domainstatistic.SnapshotRepository
	audit         audit.Trail
	tx            txn.Manager
	bus           eventing.Bus
	processed     eventing.ProcessedStore
}

func postgresStores(db *sql.DB, cfg config.Config, baseBus *eventing.InMemoryBus) (stores, error) {
	tx, err := pgtxn.NewManager(db)
	if err != nil {
		return stores{}, err
	}
	return stores{
		installations: ledgerrepo.NewInstallationRepository(db, ledgerrepo.WithTenantID(cfg.TenantID)),
		readings:      ledgerrepo.NewReadingRepository(db, ledgerrepo.WithTenantID(cfg.TenantID)),
		records:       ledgerrepo.NewRecordRepository(db, ledgerrepo.WithTenantID(cfg.TenantID)),
		allocations:   allocationrepo.NewRepository(db, allocationrepo.WithTenantID(cfg.TenantID)),
		results:       allocationrepo.NewResultRepository(db, allocationrepo.WithTenantID(cfg.TenantID)),
		invoices:      billingrepo.NewInvoiceRepository(db, billingrepo.WithTenantID(cfg.TenantID)),
		customers:     billingrepo.NewCustomerRepository(db, billingrepo.WithTenantID(cfg.TenantID)),
		distributors:  billingrepo.NewDistributorRepository(db, billingrepo.WithTenantID(cfg.TenantID)),
		runs:          batchrepo.NewRunRepository(db, batchrepo.WithTenantID(cfg.TenantID)),
		snapshots:     analyticsrepo.NewSnapshotRepository(db, analyticsrepo.WithTenantID(cfg.TenantID)),
		audit:         audit.NewRepository(db, cfg.TenantID),
		tx:            tx,
		bus:           eventing.NewPublisher(eventingrepo.NewOutboxStore(db, eventingrepo.WithTenantID(cfg.TenantID)), cfg.TenantID, baseBus),
		processed:     eventingrepo.NewProcessedStore(db, eventingrepo.WithTenantID(cfg.TenantID)),
	}, nil
}

func memoryStores(cfg config.Config, baseBus *eventing.InMemoryBus) (stores, error) {
	now := time.Now().UTC()
	installations, err := cfg.Seed.InstallationList(now)
	if err != nil {
		return stores{}, err
	}
	customers, err := cfg.Seed.CustomerList(now)
	if err != nil {
		return stores{}, err
	}
	distributors, err := cfg.Seed.DistributorList()
	if err != nil {
		return stores{}, err
	}
	return stores{
		installations: ledgermemory.NewInstallationRepository(installations...),
		readings:      ledgermemory.NewReadingRepository(),
		records:       ledgermemory.NewRecordRepository(),
		allocations:   allocationmemory.NewRepository(),
		results:       allocationmemory.NewResultRepository(),
		invoices:      billingmemory.NewInvoiceRepository(),
		customers:     billingmemory.NewCustomerRepository(customers...),
		distributors:  billingmemory.NewDistributorRepository(distributors...),
		runs:          batchmemory.NewRunRepository(),
		snapshots:     analyticsmemory.NewSnapshotRepository(),
		audit:         audit.NewMemoryLogger(),
		tx:            memtxn.NewManager(),
		bus:           baseBus,
	}, nil
}

// rateProvider prefers a configured flat price, then the rates table, then the
// distributor rate history held in memory.
func rateProvider(cfg config.Config, db *sql.DB, distributors billing.DistributorRepository) (invoiceapp.RateProvider, error) {
	if cfg.Billing.PricePerKWh > 0 {
		fixed, err := pricing.NewFixedRateProvider(decimal.NewFromFloat(cfg.Billing.PricePerKWh))
		if err != nil {
			return nil, err
		}
		return fixed, nil
	}
	if db != nil {
		return pricing.NewTariffProvider(db, pricing.WithTenantID(cfg.TenantID)), nil
	}
	history, err := pricing.NewHistoryProvider(distributors)
	if err != nil {
		return nil, err
	}
	return history, nil
}

func buildRunNotifier(cfg config.Config, logger *log.Logger) (*batchnotify.Notifier, error) {
	channels := batchnotify.MultiChannel{batchnotify.NewLogChannel(logger)}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, batchnotify.NewWebhookChannel(cfg.Notify.WebhookURL))
	}
	tpl, err := batchnotify.NewTemplate(cfg.Notify.Template)
	if err != nil {
		return nil, err
	}
	opts := []batchnotify.Option{
		batchnotify.WithLogger(logger),
		batchnotify.WithDedupeWindow(cfg.Notify.DedupeWindow),
	}
	if baseURL := strings.TrimRight(cfg.Notify.PublicBaseURL, "/"); baseURL != "" {
		opts = append(opts, batchnotify.WithReportURLResolver(func(runID string) string {
			return baseURL + "/api/v1/runs/" + runID
		}))
	}
	return batchnotify.NewNotifier(channels, tpl, opts...)
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
