package apihttp

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	allocation "solarshare/internal/allocation/domain"
	"solarshare/internal/audit"
	"solarshare/internal/auth"
	batch "solarshare/internal/batch/domain"
	"solarshare/internal/ingestion"
	ledger "solarshare/internal/ledger/domain"
)

const (
	timeLayout     = time.RFC3339
	maxUploadBytes = 32 << 20
	xlsxMediaType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// UploadAcceptor stores uploaded rows and queues the affected runs.
type UploadAcceptor interface {
	Accept(ctx context.Context, actor audit.Actor, rows []ingestion.Row, rejected []ingestion.Rejection) (ingestion.Result, error)
}

// RunService queues, executes and reads batch runs.
type RunService interface {
	Submit(ctx context.Context, months []ledger.Period, subjects []string, trigger string) ([]string, error)
	RunRange(ctx context.Context, months []ledger.Period, subjects []string, trigger string) ([]*batch.RunReport, error)
	Get(ctx context.Context, id string) (*batch.RunReport, error)
	ListByMonth(ctx context.Context, month ledger.Period) ([]*batch.RunReport, error)
}

// AllocationEditor reads and replaces the allocations of a generator.
type AllocationEditor interface {
	Current(ctx context.Context, generatorID string) ([]allocation.Allocation, error)
	Replace(ctx context.Context, actor audit.Actor, generatorID string, desired []allocation.Allocation) ([]allocation.Allocation, error)
}

// LedgerReader reads ledgered records of an installation.
type LedgerReader interface {
	Balance(ctx context.Context, installationID string) (ledger.PeriodRecord, error)
	History(ctx context.Context, installationID string, span ledger.PeriodRange) ([]ledger.PeriodRecord, error)
}

// UploadsHandler accepts reading uploads as JSON rows or an XLSX workbook.
type UploadsHandler struct {
	service UploadAcceptor
	logger  *log.Logger
}

// NewUploadsHandler constructs an UploadsHandler.
func NewUploadsHandler(service UploadAcceptor, logger *log.Logger) (*UploadsHandler, error) {
	if service == nil {
		return nil, errors.New("uploads handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &UploadsHandler{service: service, logger: logger}, nil
}

// ServeHTTP handles POST /api/v1/uploads. The upload is acknowledged before any run executes.
func (h *UploadsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var (
		rows     []ingestion.Row
		rejected []ingestion.Rejection
		err      error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case xlsxMediaType, "application/octet-stream":
		rows, rejected, err = ingestion.ReadXLSX(r.Body)
		if err != nil {
			http.Error(w, "invalid workbook: "+err.Error(), http.StatusBadRequest)
			return
		}
	case "application/json", "":
		var req struct {
			Rows []ingestion.Row `json:"rows"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		rows = req.Rows
		for i := range rows {
			if rows[i].Line == 0 {
				rows[i].Line = i + 1
			}
		}
	default:
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	result, err := h.service.Accept(r.Context(), auth.ActorFromRequest(r), rows, rejected)
	if err != nil {
		if errors.Is(err, ingestion.ErrEmptyUpload) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Printf("upload error: err=%v", err)
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(result)
}

// RunsHandler serves /api/v1/runs.
type RunsHandler struct {
	runs   RunService
	audit  audit.Logger
	logger *log.Logger
}

// NewRunsHandler constructs a RunsHandler. Manual submissions are audited
// when auditLog is set.
func NewRunsHandler(runs RunService, auditLog audit.Logger, logger *log.Logger) (*RunsHandler, error) {
	if runs == nil {
		return nil, errors.New("runs handler: nil run service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RunsHandler{runs: runs, audit: auditLog, logger: logger}, nil
}

// ServeHTTP handles GET /api/v1/runs?month=, GET /api/v1/runs/{id} and POST /api/v1/runs.
// POST with sync=true executes the months before responding.
func (h *RunsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "/api/v1/runs" {
		switch r.Method {
		case http.MethodPost:
			h.handleSubmit(w, r)
		case http.MethodGet:
			h.handleList(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}
	id := strings.TrimPrefix(path, "/api/v1/runs/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report, err := h.runs.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	month, err := ledger.ParsePeriod(r.URL.Query().Get("month"))
	if err != nil {
		respondError(w, err)
		return
	}
	reports, err := h.runs.ListByMonth(r.Context(), month)
	if err != nil {
		respondError(w, err)
		return
	}
	if reports == nil {
		reports = []*batch.RunReport{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"runs": reports})
}

func (h *RunsHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Months   []string `json:"months"`
		Subjects []string `json:"subjects"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	months := make([]ledger.Period, 0, len(req.Months))
	for _, raw := range req.Months {
		month, err := ledger.ParsePeriod(raw)
		if err != nil {
			respondError(w, err)
			return
		}
		months = append(months, month)
	}
	actor := auth.ActorFromRequest(r)
	sync, _ := strconv.ParseBool(r.URL.Query().Get("sync"))
	var (
		ids     []string
		reports []*batch.RunReport
		err     error
	)
	if sync {
		reports, err = h.runs.RunRange(r.Context(), months, req.Subjects, "manual:"+actor.ID)
		for _, report := range reports {
			ids = append(ids, report.ID)
		}
	} else {
		ids, err = h.runs.Submit(r.Context(), months, req.Subjects, "manual:"+actor.ID)
	}
	if err != nil {
		h.logger.Printf("runs submit error: actor=%s sync=%t completed=%d err=%v", actor.ID, sync, len(reports), err)
		respondError(w, err)
		return
	}
	if h.audit != nil {
		now := time.Now().UTC()
		for _, id := range ids {
			entry := actor.Entry(audit.ActionRunSubmitted, "run", id, map[string]any{"months": req.Months, "subjects": req.Subjects}, now)
			if err := h.audit.Log(r.Context(), entry); err != nil {
				h.logger.Printf("audit run submit error: run_id=%s err=%v", id, err)
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if sync {
		_ = json.NewEncoder(w).Encode(map[string]any{"run_ids": ids, "runs": reports})
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string][]string{"run_ids": ids})
}

// AllocationsHandler serves /api/v1/allocations/{generatorId}.
type AllocationsHandler struct {
	service AllocationEditor
}

// NewAllocationsHandler constructs an AllocationsHandler.
func NewAllocationsHandler(service AllocationEditor) (*AllocationsHandler, error) {
	if service == nil {
		return nil, errors.New("allocations handler: nil service")
	}
	return &AllocationsHandler{service: service}, nil
}

type allocationRequest struct {
	ConsumerID string          `json:"consumer_id"`
	Quota      decimal.Decimal `json:"quota"`
}

// ServeHTTP handles GET and PUT of a generator's allocation list.
func (h *AllocationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	generatorID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/allocations/"), "/")
	if generatorID == "" || strings.Contains(generatorID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var (
		list []allocation.Allocation
		err  error
	)
	switch r.Method {
	case http.MethodGet:
		list, err = h.service.Current(r.Context(), generatorID)
	case http.MethodPut:
		var req struct {
			Allocations []allocationRequest `json:"allocations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		desired := make([]allocation.Allocation, 0, len(req.Allocations))
		for _, item := range req.Allocations {
			desired = append(desired, allocation.Allocation{ConsumerID: item.ConsumerID, Quota: item.Quota})
		}
		list, err = h.service.Replace(r.Context(), auth.ActorFromRequest(r), generatorID, desired)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []allocation.Allocation{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"generator_id": generatorID,
		"total_quota":  allocation.TotalQuota(list),
		"allocations":  list,
	})
}

// InstallationsHandler serves ledger reads under /api/v1/installations/{id}/.
type InstallationsHandler struct {
	ledger LedgerReader
}

// NewInstallationsHandler constructs an InstallationsHandler.
func NewInstallationsHandler(reader LedgerReader) (*InstallationsHandler, error) {
	if reader == nil {
		return nil, errors.New("installations handler: nil ledger reader")
	}
	return &InstallationsHandler{ledger: reader}, nil
}

// ServeHTTP handles GET .../balance, .../records and .../records.csv.
func (h *InstallationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/installations/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]
	switch parts[1] {
	case "balance":
		record, err := h.ledger.Balance(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recordViewOf(record))
	case "records", "records.csv":
		span, err := parseRangeQuery(r)
		if err != nil {
			respondError(w, err)
			return
		}
		records, err := h.ledger.History(r.Context(), id, span)
		if err != nil {
			respondError(w, err)
			return
		}
		if parts[1] == "records.csv" {
			writeRecordsCSV(w, records)
			return
		}
		views := make([]recordView, 0, len(records))
		for _, record := range records {
			views = append(views, recordViewOf(record))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(views)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type recordView struct {
	InstallationID        string           `json:"installation_id"`
	Kind                  string           `json:"kind"`
	Period                ledger.Period    `json:"period"`
	Generation            string           `json:"generation"`
	Consumption           string           `json:"consumption"`
	Transferred           string           `json:"transferred"`
	Received              string           `json:"received"`
	Compensation          string           `json:"compensation"`
	PreviousBalance       string           `json:"previous_balance"`
	ExpiredBalance        string           `json:"expired_balance"`
	Allocated             string           `json:"allocated"`
	CurrentBalance        string           `json:"current_balance"`
	ExpiringBalanceAmount string           `json:"expiring_balance_amount"`
	ExpiringBalancePeriod *ledger.Period   `json:"expiring_balance_period,omitempty"`
	Vintages              []ledger.Vintage `json:"vintages"`
	Version               int              `json:"version"`
	Completed             bool             `json:"completed"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
}

func recordViewOf(record ledger.PeriodRecord) recordView {
	view := recordView{
		InstallationID:        record.InstallationID,
		Kind:                  string(record.Kind),
		Period:                record.Period,
		Generation:            record.Generation.String(),
		Consumption:           record.Consumption.String(),
		Transferred:           record.Transferred.String(),
		Received:              record.Received.String(),
		Compensation:          record.Compensation.String(),
		PreviousBalance:       record.PreviousBalance.String(),
		ExpiredBalance:        record.ExpiredBalance.String(),
		Allocated:             record.Allocated.String(),
		CurrentBalance:        record.CurrentBalance.String(),
		ExpiringBalanceAmount: record.ExpiringBalanceAmount.String(),
		Vintages:              record.Vintages,
		Version:               record.Version,
		Completed:             record.Completed,
	}
	if !record.ExpiringBalancePeriod.IsZero() {
		period := record.ExpiringBalancePeriod
		view.ExpiringBalancePeriod = &period
	}
	if record.Completed && !record.CompletedAt.IsZero() {
		at := record.CompletedAt.UTC()
		view.CompletedAt = &at
	}
	if view.Vintages == nil {
		view.Vintages = []ledger.Vintage{}
	}
	return view
}

func writeRecordsCSV(w http.ResponseWriter, records []ledger.PeriodRecord) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{
		"installation_id",
		"kind",
		"period",
		"generation",
		"consumption",
		"transferred",
		"received",
		"compensation",
		"previous_balance",
		"expired_balance",
		"allocated",
		"current_balance",
		"expiring_balance_amount",
		"expiring_balance_period",
		"version",
		"completed_at",
	})
	for _, record := range records {
		expiringPeriod := ""
		if !record.ExpiringBalancePeriod.IsZero() {
			expiringPeriod = record.ExpiringBalancePeriod.String()
		}
		_ = writer.Write([]string{
			record.InstallationID,
			string(record.Kind),
			record.Period.String(),
			record.Generation.String(),
			record.Consumption.String(),
			record.Transferred.String(),
			record.Received.String(),
			record.Compensation.String(),
			record.PreviousBalance.String(),
			record.ExpiredBalance.String(),
			record.Allocated.String(),
			record.CurrentBalance.String(),
			record.ExpiringBalanceAmount.String(),
			expiringPeriod,
			formatInt(record.Version),
			formatTime(record.CompletedAt),
		})
	}
	writer.Flush()
}

func parseRangeQuery(r *http.Request) (ledger.PeriodRange, error) {
	var span ledger.PeriodRange
	var err error
	if span.From, err = parsePeriodQuery(r, "from"); err != nil {
		return span, err
	}
	if span.To, err = parsePeriodQuery(r, "to"); err != nil {
		return span, err
	}
	return span, span.Validate()
}

func parsePeriodQuery(r *http.Request, key string) (ledger.Period, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return ledger.Period{}, ledger.NewValidationError(key, "required")
	}
	return ledger.ParsePeriod(value)
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, ledger.ErrInstallationNotFound),
		errors.Is(err, ledger.ErrRecordNotFound),
		errors.Is(err, batch.ErrRunNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, allocation.ErrQuotaOverflow):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, batch.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, allocation.ErrEmptyGeneratorID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeLayout)
}

func formatInt(value int) string {
	return strconv.Itoa(value)
}
