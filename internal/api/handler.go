package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/railrate/internal/bus"
	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/pricing"
	"github.com/opensource-finance/railrate/internal/rating"
	"github.com/opensource-finance/railrate/internal/repository"
	"github.com/opensource-finance/railrate/internal/rules"
	"github.com/opensource-finance/railrate/internal/tables"
	"github.com/opensource-finance/railrate/internal/worker"
	"github.com/shopspring/decimal"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *rating.Pipeline
	tables   *tables.Repository
	store    domain.TableStore
	cache    domain.Cache
	bus      domain.EventBus
	version  string
}

// NewHandler creates a new API handler. store, cache and bus may be nil.
func NewHandler(pipeline *rating.Pipeline, repo *tables.Repository, store domain.TableStore, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		pipeline: pipeline,
		tables:   repo,
		store:    store,
		cache:    cache,
		bus:      bus,
		version:  version,
	}
}

// RateRequest is the request body for POST /rate.
type RateRequest struct {
	domain.RatingContext
	WithTax bool `json:"withTax,omitempty"`
}

// Rate handles POST /rate requests.
func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	var req RateRequest
	if !decode(w, r, &req) {
		return
	}

	var (
		result *domain.RatingResult
		err    error
	)
	if req.WithTax {
		result, err = h.pipeline.RateWithTax(r.Context(), &req.RatingContext)
	} else {
		result, err = h.pipeline.Rate(r.Context(), &req.RatingContext)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Metadata.TraceID == "" {
		result.Metadata.TraceID = GetTraceID(r.Context())
	}

	writeJSON(w, http.StatusOK, result)
}

// RateAsync handles POST /rate/async by queueing the request on the event
// bus. The result is published on domain.TopicRatingResult.
func (h *Handler) RateAsync(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var req RateRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.RatingContext.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	requestID := GetRequestID(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}
	msg := worker.RatingRequest{
		RequestID: requestID,
		WithTax:   req.WithTax,
		Context:   req.RatingContext,
	}
	if err := bus.PublishJSON(r.Context(), h.bus, domain.TopicRatingRequest, msg); err != nil {
		slog.Error("failed to queue rating request", "request_id", msg.RequestID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue rating request",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": msg.RequestID,
		"topic":     domain.TopicRatingResult,
	})
}

// WeightClassRequest is the request body for POST /weight-class.
type WeightClassRequest struct {
	PriceGrid       string  `json:"priceGrid,omitempty"`
	ContainerLength string  `json:"containerLength"`
	GrossWeightKg   float64 `json:"grossWeightKg"`
}

// WeightClass handles POST /weight-class requests.
func (h *Handler) WeightClass(w http.ResponseWriter, r *http.Request) {
	var req WeightClassRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ContainerLength == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "containerLength is required",
		})
		return
	}

	class, err := h.pipeline.Classify(r.Context(), req.PriceGrid, req.ContainerLength, req.GrossWeightKg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, class)
}

// ServicesResponse is the response for POST /services.
type ServicesResponse struct {
	Services []domain.Service `json:"services"`
	Warnings []string         `json:"warnings,omitempty"`
}

// Services handles POST /services requests.
func (h *Handler) Services(w http.ResponseWriter, r *http.Request) {
	var rc domain.RatingContext
	if !decode(w, r, &rc) {
		return
	}

	set, err := h.pipeline.Determine(r.Context(), &rc)
	if err != nil {
		writeError(w, err)
		return
	}
	services := set.Services
	if services == nil {
		services = []domain.Service{}
	}
	writeJSON(w, http.StatusOK, ServicesResponse{Services: services, Warnings: set.Warnings})
}

// PriceRequest is the request body for POST /price.
type PriceRequest struct {
	Table    string               `json:"table,omitempty"`
	MatchKey string               `json:"matchKey"`
	Quantity *decimal.Decimal     `json:"quantity,omitempty"`
	Context  domain.RatingContext `json:"context"`
}

// Price handles POST /price requests.
func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MatchKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "matchKey is required",
		})
		return
	}
	if req.Table == "" {
		req.Table = tables.AdditionalPrices
	}
	qty := decimal.NewFromInt(1)
	if req.Quantity != nil {
		qty = *req.Quantity
	}

	priced, err := h.pipeline.ResolvePrice(r.Context(), req.Table, req.MatchKey, &req.Context, qty)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, priced)
}

// TaxResponse is the response for POST /tax.
type TaxResponse struct {
	Tax     *domain.TaxOutcome `json:"tax"`
	Matched bool               `json:"matched"`
}

// Tax handles POST /tax requests.
func (h *Handler) Tax(w http.ResponseWriter, r *http.Request) {
	var rc domain.RatingContext
	if !decode(w, r, &rc) {
		return
	}

	outcome, matched, err := h.pipeline.ResolveTax(r.Context(), &rc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaxResponse{Tax: outcome, Matched: matched})
}

// TablesResponse is the response for GET /tables.
type TablesResponse struct {
	Revision   string                `json:"revision"`
	Generation uint64                `json:"generation"`
	LoadedAt   time.Time             `json:"loadedAt"`
	Tables     []tables.TableSummary `json:"tables"`
	Stats      tables.Stats          `json:"stats"`
}

// ListTables returns the live snapshot's tables.
func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	snap, err := h.tables.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TablesResponse{
		Revision:   snap.Revision,
		Generation: snap.Generation,
		LoadedAt:   snap.LoadedAt,
		Tables:     snap.Summaries(),
		Stats:      h.tables.Stats(),
	})
}

// ReloadTables re-reads the table source. With ?force=true every table is
// reparsed even when no revision changed. A failed reload keeps the previous
// snapshot live.
func (h *Handler) ReloadTables(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	swapped, err := h.tables.Reload(r.Context(), force)
	if err != nil {
		slog.Error("table reload failed", "force", force, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}

	status := "unchanged"
	if swapped {
		status = "swapped"
	}
	stats := h.tables.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"revision":   stats.Revision,
		"generation": stats.Generation,
	})
}

// PutTable stores a table in the SQL table store and reloads. The table is
// compiled first, so a malformed table is rejected without touching storage.
func (h *Handler) PutTable(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "table store not available",
		})
		return
	}

	var raw domain.RawTable
	if !decode(w, r, &raw) {
		return
	}
	raw.Name = chi.URLParam(r, "name")

	if _, err := tables.Compile(&raw, ""); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	revision, err := h.store.SaveTable(r.Context(), &raw)
	if err != nil {
		slog.Error("failed to save table", "table", raw.Name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save table",
		})
		return
	}

	h.refreshAfterWrite(r, raw.Name)
	writeJSON(w, http.StatusOK, map[string]string{
		"table":    raw.Name,
		"revision": revision,
	})
}

// DeleteTable removes an optional table from the SQL table store and reloads.
func (h *Handler) DeleteTable(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "table store not available",
		})
		return
	}

	name := chi.URLParam(r, "name")
	if tables.IsRequired(name) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "table " + name + " is required for rating and cannot be deleted",
		})
		return
	}
	if err := h.store.DeleteTable(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}

	h.refreshAfterWrite(r, name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refreshAfterWrite(r *http.Request, name string) {
	if _, err := h.tables.RefreshIfChanged(r.Context()); err != nil {
		slog.Warn("table stored but reload failed; previous snapshot stays live",
			"table", name,
			"error", err,
		)
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether a table snapshot is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	snap := h.tables.Current()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready":    "true",
		"revision": snap.Revision,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rating.ErrInvalidContext),
		errors.Is(err, pricing.ErrInvalidQuantity):
		status = http.StatusBadRequest
	case errors.Is(err, pricing.ErrNoMatch),
		errors.Is(err, rules.ErrNoMatchingRule),
		errors.Is(err, tables.ErrTableNotFound),
		errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tables.ErrNotLoaded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
