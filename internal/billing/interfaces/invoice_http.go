package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"solarshare/internal/auth"
	invoiceapp "solarshare/internal/billing/application"
	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/observability/metrics"
)

// InvoiceHandler handles invoice APIs under /api/v1/invoices.
type InvoiceHandler struct {
	service *invoiceapp.InvoiceService
	payment PaymentInfo
}

// NewInvoiceHandler constructs a handler.
func NewInvoiceHandler(service *invoiceapp.InvoiceService, payment PaymentInfo) (*InvoiceHandler, error) {
	if service == nil {
		return nil, errors.New("invoice handler: nil service")
	}
	return &InvoiceHandler{service: service, payment: payment}, nil
}

// ServeHTTP routes invoice requests.
func (h *InvoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/api/v1/invoices" && r.Method == http.MethodGet {
		h.handleList(w, r)
		return
	}
	if path == "/api/v1/invoices/export.xlsx" && r.Method == http.MethodGet {
		h.handleExportXLSX(w, r)
		return
	}
	if strings.HasPrefix(path, "/api/v1/invoices/") {
		h.handleByID(w, r, strings.TrimPrefix(path, "/api/v1/invoices/"))
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

type invoiceView struct {
	ID                 string        `json:"id"`
	CustomerID         string        `json:"customer_id"`
	InstallationID     string        `json:"installation_id"`
	ReferenceMonth     ledger.Period `json:"reference_month"`
	DueDate            time.Time     `json:"due_date"`
	EnergyKWh          string        `json:"energy_kwh"`
	Rate               string        `json:"rate"`
	EffectiveRate      string        `json:"effective_rate"`
	DiscountPercentage string        `json:"discount_percentage"`
	InvoiceAmount      string        `json:"invoice_amount"`
	TotalAmount        string        `json:"total_amount"`
	Savings            string        `json:"savings"`
	Currency           string        `json:"currency"`
	Status             string        `json:"status"`
	Version            int           `json:"version"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func viewOf(inv *billing.Invoice) invoiceView {
	return invoiceView{
		ID:                 inv.ID,
		CustomerID:         inv.CustomerID,
		InstallationID:     inv.InstallationID,
		ReferenceMonth:     inv.ReferenceMonth,
		DueDate:            inv.DueDate,
		EnergyKWh:          inv.EnergyKWh.String(),
		Rate:               inv.Rate.String(),
		EffectiveRate:      inv.EffectiveRate.String(),
		DiscountPercentage: inv.DiscountPercentage.Shift(2).String(),
		InvoiceAmount:      inv.InvoiceAmount.StringFixed(2),
		TotalAmount:        inv.TotalAmount.StringFixed(2),
		Savings:            inv.Savings.StringFixed(2),
		Currency:           inv.Currency,
		Status:             string(inv.Status),
		Version:            inv.Version,
		CreatedAt:          inv.CreatedAt,
		UpdatedAt:          inv.UpdatedAt,
	}
}

func (h *InvoiceHandler) list(r *http.Request) ([]*billing.Invoice, error) {
	var month ledger.Period
	if raw := r.URL.Query().Get("month"); raw != "" {
		parsed, err := ledger.ParsePeriod(raw)
		if err != nil {
			return nil, err
		}
		month = parsed
	}
	return h.service.List(r.Context(), r.URL.Query().Get("customer_id"), month)
}

func (h *InvoiceHandler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.list(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	views := make([]invoiceView, 0, len(list))
	for _, inv := range list {
		views = append(views, viewOf(inv))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (h *InvoiceHandler) handleByID(w http.ResponseWriter, r *http.Request, rest string) {
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	if len(parts) == 1 && r.Method == http.MethodGet {
		h.handleGet(w, r, id)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "status":
			if r.Method == http.MethodPost {
				h.handleStatus(w, r, id)
				return
			}
		case "export.pdf":
			if r.Method == http.MethodGet {
				h.handleExportPDF(w, r, id)
				return
			}
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *InvoiceHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(viewOf(inv))
}

func (h *InvoiceHandler) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	status, err := billing.ParseStatus(strings.ToUpper(req.Status))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	inv, err := h.service.Transition(r.Context(), auth.ActorFromRequest(r), id, status)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(viewOf(inv))
}

func (h *InvoiceHandler) handleExportPDF(w http.ResponseWriter, r *http.Request, id string) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveInvoiceExport("pdf", result, time.Since(start))
	}()

	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		result = metrics.ResultError
		respondServiceError(w, err)
		return
	}
	customer, err := h.service.Customer(r.Context(), inv.CustomerID)
	if err != nil {
		result = metrics.ResultError
		respondServiceError(w, err)
		return
	}
	data, err := BuildInvoicePDF(inv, customer, h.payment)
	if err != nil {
		result = metrics.ResultError
		http.Error(w, "export pdf error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *InvoiceHandler) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveInvoiceExport("xlsx", result, time.Since(start))
	}()

	list, err := h.list(r)
	if err != nil {
		result = metrics.ResultError
		respondServiceError(w, err)
		return
	}
	data, err := BuildInvoicesXLSX(list)
	if err != nil {
		result = metrics.ResultError
		http.Error(w, "export xlsx error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, billing.ErrInvoiceNotFound), errors.Is(err, billing.ErrCustomerNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, billing.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
