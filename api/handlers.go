/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the allocation ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Service.

ENDPOINTS:
  Catalog:
    POST   /api/products                 Create or update a product

  Purchases and lots:
    POST   /api/purchases                Record a supplier purchase with lots
    GET    /api/purchases/{id}           Purchase with lots and payments
    GET    /api/lots                     Lots in FIFO order (?product_id=, ?unmatched=true)
    PUT    /api/lots/{id}/product        Match a lot to a product

  Sales:
    GET    /api/sales                    Newest first (?limit=)
    POST   /api/sales                    Create sale; delivered lines deduct stock
    GET    /api/sales/{id}               Sale with lines
    PATCH  /api/sales/{id}               Header, line replacement or toggles
    DELETE /api/sales/{id}               Restores delivered stock, then deletes

  Stock:
    GET    /api/stock/summary            ?product_ids=1,2,3

  Reconciliation:
    POST   /api/reconciliation/run       Rebuild lot consumption from history
    GET    /api/reconciliation/runs      Recorded runs (?limit=)

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (struct tags)
  3. Call ledger.Service
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON {"error","code","details"}:
  - 400: Malformed JSON, bad path or query parameter
  - 404: Sale, product, lot or purchase not found
  - 409: Insufficient stock, concurrent modification, reconciliation running
  - 422: Validation errors
  - 500: Internal errors (details withheld)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nicktuk/HF-WEB/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Health  Pinger // optional

	// ReconcileTimeout bounds a manually triggered run. Zero means no bound
	// beyond the request context.
	ReconcileTimeout time.Duration

	validate *validator.Validate
	log      *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *ledger.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Service:  svc,
		validate: newValidator(),
		log:      log,
	}
}

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			h.log.Error("health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable", "unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

func (h *Handler) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req UpsertProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := ledger.Product{Name: req.Name, OriginalPrice: req.OriginalPrice}
	if req.ID != nil {
		p.ID = ledger.ProductID(*req.ID)
	}
	saved, err := h.Service.UpsertProduct(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(*saved))
}

// =============================================================================
// PURCHASE AND LOT ENDPOINTS
// =============================================================================

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Service.CreatePurchase(r.Context(), req.toInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseDTO(*p))
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.Service.GetPurchase(r.Context(), ledger.PurchaseID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(*p))
}

func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	var filter ledger.LotFilter
	q := r.URL.Query()
	if raw := q.Get("product_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid product_id", "invalid_request", nil)
			return
		}
		filter.ProductID = ledger.ProductRef(ledger.ProductID(id))
	}
	if raw := q.Get("unmatched"); raw != "" {
		unmatched, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unmatched flag", "invalid_request", nil)
			return
		}
		filter.Unmatched = unmatched
	}

	lots, err := h.Service.ListLots(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots))
}

func (h *Handler) AssignLotProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req AssignLotProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	lot, err := h.Service.AssignLotProduct(r.Context(), ledger.LotID(id), ledger.ProductID(req.ProductID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(*lot))
}

// =============================================================================
// SALE ENDPOINTS
// =============================================================================

func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	sales, err := h.Service.ListSales(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]SaleDTO, 0, len(sales))
	for _, s := range sales {
		out = append(out, toSaleDTO(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if !h.decode(w, r, &req) {
		return
	}

	sale, err := h.Service.CreateSale(r.Context(), req.toInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleDTO(*sale))
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sale, err := h.Service.GetSale(r.Context(), ledger.SaleID(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(*sale))
}

func (h *Handler) UpdateSale(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdateSaleRequest
	if !h.decode(w, r, &req) {
		return
	}

	sale, err := h.Service.UpdateSale(r.Context(), ledger.SaleID(id), req.toUpdate())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(*sale))
}

func (h *Handler) DeleteSale(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Service.DeleteSale(r.Context(), ledger.SaleID(id)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// STOCK ENDPOINTS
// =============================================================================

// GetStockSummary returns one entry per requested product, in request order.
func (h *Handler) GetStockSummary(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDList(r.URL.Query().Get("product_ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product_ids", "invalid_request", err.Error())
		return
	}

	summaries, err := h.Service.GetStockSummary(r.Context(), ids)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]StockSummaryDTO, 0, len(summaries))
	seen := make(map[ledger.ProductID]bool, len(ids))
	for _, id := range ids {
		s, ok := summaries[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, StockSummaryDTO{
			ProductID:         int64(s.ProductID),
			StockQty:          s.StockQty,
			ReservedQty:       s.ReservedQty,
			ReservedSaleValue: s.ReservedSaleValue,
			OriginalPrice:     s.OriginalPrice,
			StockValue:        s.StockValue,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ReconcileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.ReconcileTimeout)
		defer cancel()
	}

	report, err := h.Service.Reconcile(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	runs, err := h.Service.ListReconciliationRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ReconciliationRunDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request", err.Error())
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, http.StatusUnprocessableEntity, "validation failed", "validation_failed", fieldErrors(verrs))
			return false
		}
		h.fail(w, r, err)
		return false
	}
	return true
}

// FieldError is one failed struct-tag rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

func fieldErrors(verrs validator.ValidationErrors) []FieldError {
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "CreateSaleRequest.lines[0].quantity"; drop the type.
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		out = append(out, FieldError{Field: field, Rule: fe.Tag(), Param: fe.Param()})
	}
	return out
}

// fail maps a ledger error to a status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *ledger.ValidationError
		stock      *ledger.InsufficientStockError
	)

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusUnprocessableEntity, validation.Error(), "validation_failed",
			[]FieldError{{Field: validation.Field, Rule: "ledger"}})
	case errors.As(err, &stock):
		writeError(w, http.StatusConflict, stock.Error(), "insufficient_stock", map[string]any{
			"product_id": int64(stock.ProductID),
			"available":  stock.Available,
			"requested":  stock.Requested,
		})
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found", nil)
	case errors.Is(err, ledger.ErrReconciliationRunning):
		writeError(w, http.StatusConflict, err.Error(), "reconciliation_running", nil)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusConflict, "the ledger changed concurrently, retry the request", "concurrent_modification", nil)
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "internal", nil)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id", "invalid_request", nil)
		return 0, false
	}
	return id, true
}

// queryLimit parses ?limit=; zero lets the service apply its default.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit", "invalid_request", nil)
		return 0, false
	}
	return limit, true
}

func parseIDList(raw string) ([]ledger.ProductID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("at least one product id is required")
	}
	parts := strings.Split(raw, ",")
	ids := make([]ledger.ProductID, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%q is not a product id", part)
		}
		ids = append(ids, ledger.ProductID(id))
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
