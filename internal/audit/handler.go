package audit

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"
)

// Handler serves the audit trail of uploads, allocation edits and invoice transitions.
type Handler struct {
	reader Reader
	logger *log.Logger
}

// NewHandler constructs the audit trail handler.
func NewHandler(reader Reader, logger *log.Logger) (*Handler, error) {
	if reader == nil {
		return nil, errors.New("audit handler: nil reader")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{reader: reader, logger: logger}, nil
}

type entryView struct {
	ID           string          `json:"id"`
	Actor        string          `json:"actor"`
	Role         string          `json:"role"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	IP           string          `json:"ip,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

// ServeHTTP handles GET /api/v1/audit?resource_type=&resource_id=&limit=.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	filter := Filter{
		ResourceType: query.Get("resource_type"),
		ResourceID:   query.Get("resource_id"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	entries, err := h.reader.List(r.Context(), filter)
	if err != nil {
		h.logger.Printf("audit list error: %v", err)
		http.Error(w, "audit list error", http.StatusInternalServerError)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			ID:           e.ID,
			Actor:        e.Actor,
			Role:         e.Role,
			Action:       e.Action,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Metadata:     e.Metadata,
			IP:           e.IP,
			CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": views})
}
