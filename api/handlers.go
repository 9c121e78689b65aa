/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the stock engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to stock.Inventory.

ENDPOINTS:
  Medicines:
    POST   /api/medicines                      Register medicine
    GET    /api/medicines                      Active catalogue
    GET    /api/medicines/{id}                 Get medicine
    GET    /api/medicines/{id}/stock-level     Ledger-replayed quantity

  Batches:
    GET    /api/batches                        Active batches, all medicines
    GET    /api/batches/medicine/{medicineID}  Usable batches of one medicine
    POST   /api/batches/stock-in               Receive stock
    POST   /api/batches/stock-out              Issue stock (FEFO)
    POST   /api/batches/{id}/adjust            Compensating adjustment

  Reporting:
    GET    /api/audit/logs                     Ledger query
    GET    /api/dashboard                      Summary
    GET    /api/alerts                         Expiring soon / low stock

  Admin:
    POST   /api/admin/expire                   Run the expiry sweep now

REQUEST FLOW:
  1. Parse HTTP request
  2. Take the actor from the verified token
  3. Call the stock engine (it validates)
  4. Serialize response
  5. Map errors to status codes (writeStockError)

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401/403: Authentication / role (auth.go)
  - 404: Medicine or batch not found
  - 409: Price mismatch, insufficient stock, duplicates
  - 503: Lock unavailable or lost race; safe to retry
  - 500: Partial allocation (reconcile by hand) and internal errors
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/medstock/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// HealthCheck is one dependency probed by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
	// Optional checks report "degraded" instead of failing the probe.
	Optional bool
}

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	Inventory *stock.Inventory
	Sweeper   *stock.Sweeper
	Checks    []HealthCheck
	Logger    *zap.Logger

	// RetryAfter is advertised on 503 responses.
	RetryAfter time.Duration
}

func NewHandler(inv *stock.Inventory, logger *zap.Logger, checks ...HealthCheck) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Inventory:  inv,
		Sweeper:    inv.Sweeper(),
		Checks:     checks,
		Logger:     logger,
		RetryAfter: time.Second,
	}
}

func actor(r *http.Request) string {
	p, _ := PrincipalFrom(r.Context())
	return p.ActorID
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &stock.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := map[string]string{"status": "ok"}
	for _, c := range h.Checks {
		if err := c.Check(ctx); err != nil {
			if c.Optional {
				resp[c.Name] = "degraded"
				continue
			}
			resp[c.Name] = "unavailable"
			resp["status"] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp[c.Name] = "ok"
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// MEDICINE ENDPOINTS
// =============================================================================

func (h *Handler) CreateMedicine(w http.ResponseWriter, r *http.Request) {
	var req CreateMedicineRequest
	if err := decode(r, &req); err != nil {
		h.writeStockError(w, r, err)
		return
	}

	m, err := h.Inventory.RegisterMedicine(r.Context(), stock.NewMedicine{
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
		MinStock:    req.MinStock,
		ActorID:     actor(r),
	})
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMedicineDTO(*m))
}

func (h *Handler) GetMedicine(w http.ResponseWriter, r *http.Request) {
	m, err := h.Inventory.Medicine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicineDTO(*m))
}

func (h *Handler) ListMedicines(w http.ResponseWriter, r *http.Request) {
	meds, err := h.Inventory.ActiveMedicines(r.Context())
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	out := make([]MedicineDTO, 0, len(meds))
	for _, m := range meds {
		out = append(out, toMedicineDTO(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetStockLevel replays the ledger for one medicine.
func (h *Handler) GetStockLevel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Inventory.Medicine(r.Context(), id); err != nil {
		h.writeStockError(w, r, err)
		return
	}
	level, err := h.Inventory.StockLevel(r.Context(), id)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StockLevelDTO{MedicineID: id, Quantity: level})
}

// =============================================================================
// BATCH ENDPOINTS
// =============================================================================

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Inventory.ListActiveBatches(r.Context(), "")
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTOs(batches))
}

func (h *Handler) ListMedicineBatches(w http.ResponseWriter, r *http.Request) {
	medicineID := chi.URLParam(r, "medicineID")
	if strings.TrimSpace(medicineID) == "" {
		writeError(w, http.StatusBadRequest, "medicine id required", nil)
		return
	}
	batches, err := h.Inventory.ListActiveBatches(r.Context(), medicineID)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTOs(batches))
}

func (h *Handler) StockIn(w http.ResponseWriter, r *http.Request) {
	var req StockInRequest
	if err := decode(r, &req); err != nil {
		h.writeStockError(w, r, err)
		return
	}

	b, err := h.Inventory.StockIn(r.Context(), stock.StockInRequest{
		MedicineID:  req.MedicineID,
		BatchNumber: req.BatchNumber,
		ExpiresAt:   req.ExpiryDate,
		Quantity:    req.Quantity,
		Supplier:    req.Supplier,
		UnitPrice:   req.UnitPrice,
		ActorID:     actor(r),
	})
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(*b))
}

func (h *Handler) StockOut(w http.ResponseWriter, r *http.Request) {
	var req StockOutRequest
	if err := decode(r, &req); err != nil {
		h.writeStockError(w, r, err)
		return
	}

	res, err := h.Inventory.StockOut(r.Context(), stock.StockOutRequest{
		MedicineID: req.MedicineID,
		Quantity:   req.Quantity,
		Note:       req.Note,
		ActorID:    actor(r),
	})
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StockOutResponse{
		MedicineID: res.MedicineID,
		Requested:  res.Requested,
		TotalCost:  res.TotalCost(),
		Deductions: toDeductionDTOs(res.Deductions),
	})
}

func (h *Handler) AdjustBatch(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := decode(r, &req); err != nil {
		h.writeStockError(w, r, err)
		return
	}

	entry, err := h.Inventory.Adjust(r.Context(), stock.AdjustRequest{
		BatchID:  chi.URLParam(r, "id"),
		Quantity: req.Quantity,
		Reduce:   req.Reduce,
		Note:     req.Note,
		ActorID:  actor(r),
	})
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(stock.LedgerView{LedgerEntry: *entry}))
}

// =============================================================================
// REPORTING ENDPOINTS
// =============================================================================

// ListAuditLogs accepts action, medicineId, from, to, page and limit. Dates
// are RFC 3339 or YYYY-MM-DD.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLedgerFilter(r)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	page, err := h.Inventory.Entries(r.Context(), filter)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LedgerPageDTO{
		Entries: toLedgerEntryDTOs(page.Entries),
		Page:    page.Page,
		Limit:   page.Limit,
		Total:   page.Total,
	})
}

func parseLedgerFilter(r *http.Request) (stock.LedgerFilter, error) {
	q := r.URL.Query()
	var f stock.LedgerFilter

	if raw := q.Get("action"); raw != "" {
		a, ok := stock.ParseAction(raw)
		if !ok {
			return f, &stock.ValidationError{Field: "action", Message: "must be one of IN, OUT, EXPIRED, ADJUSTMENT"}
		}
		f.Action = a
	}
	f.MedicineID = strings.TrimSpace(q.Get("medicineId"))

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := parseDate(raw)
		if err != nil {
			return f, &stock.ValidationError{Field: p.name, Message: "must be RFC 3339 or YYYY-MM-DD"}
		}
		*p.dst = &t
	}

	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &f.Page}, {"limit", &f.Limit}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, &stock.ValidationError{Field: p.name, Message: "must be a non-negative integer"}
		}
		*p.dst = n
	}
	return f, nil
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}

func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.Inventory.Dashboard(r.Context())
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DashboardDTO{
		ActiveMedicines: d.ActiveMedicines,
		ActiveBatches:   d.ActiveBatches,
		UnitsInStock:    d.UnitsInStock,
		StockValue:      d.StockValue,
		RecentEntries:   toLedgerEntryDTOs(d.RecentEntries),
		GeneratedAt:     d.GeneratedAt,
	})
}

// GetAlerts takes an optional days query parameter for the expiry window.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer", err)
			return
		}
		window = time.Duration(days) * 24 * time.Hour
	}
	alerts, err := h.Inventory.Alerts(r.Context(), window)
	if err != nil {
		h.writeStockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertsDTO(alerts))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerExpiry runs the sweep synchronously on behalf of the caller.
// Per-batch failures still return the partial result with status 500.
func (h *Handler) TriggerExpiry(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.SweepExpired(r.Context(), actor(r))
	if err != nil && res.Count == 0 {
		h.writeStockError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		h.Logger.Error("expiry sweep finished with errors", zap.Int("expired", res.Count), zap.Error(err))
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, SweepResponse{
		Count:             res.Count,
		TotalExpiredUnits: res.TotalExpiredUnits,
		Batches:           nonNil(res.Batches),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeStockError maps stock engine errors to status codes. Partial
// allocation is checked first since it may wrap a retryable cause.
func (h *Handler) writeStockError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		partial *stock.PartialAllocationError
		short   *stock.InsufficientStockError
	)
	switch {
	case errors.As(err, &partial):
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:                  "stock operation partially applied",
			Details:                err.Error(),
			ReconciliationRequired: true,
			Applied:                toDeductionDTOs(partial.Applied),
		})
	case stock.IsRetryable(err):
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(h.RetryAfter/time.Second))))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:     "medicine is busy, retry shortly",
			Details:   err.Error(),
			Retryable: true,
		})
	case errors.Is(err, stock.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	case stock.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case errors.As(err, &short):
		available := short.Available
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "insufficient stock",
			Details:   err.Error(),
			Available: &available,
		})
	case stock.IsClientError(err):
		writeError(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		h.Logger.Debug("request canceled", zap.String("path", r.URL.Path))
		writeError(w, http.StatusServiceUnavailable, "request canceled", nil)
	default:
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}
