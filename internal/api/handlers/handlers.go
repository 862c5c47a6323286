// Package handlers implements the HTTP handlers for the tierroute router
// and classifier services.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/tierroute/tierroute/internal/router"
	"github.com/tierroute/tierroute/internal/store"
	"github.com/tierroute/tierroute/pkg/models"
)

// Request bodies are capped relative to the text limit: every rune may
// take up to maxEncodedRuneBytes once JSON-escaped, plus room for user_id
// and metadata.
const (
	maxEncodedRuneBytes = 12 // a \uXXXX\uXXXX surrogate pair
	bodyOverheadBytes   = 64 << 10
	defaultBodyBytes    = 1 << 20
)

// bodyLimit returns the largest body accepted for texts of up to
// maxText runes.
func bodyLimit(maxText int) int64 {
	if maxText <= 0 {
		return defaultBodyBytes
	}
	return int64(maxText)*maxEncodedRuneBytes + bodyOverheadBytes
}

// tooLarge reports whether err came from exceeding the body limit.
func tooLarge(err error) bool {
	var mbErr *http.MaxBytesError
	return errors.As(err, &mbErr)
}

// Error codes for requests rejected before reaching the router.
const (
	CodeBadRequest = "BAD_REQUEST"
	StageDecode    = "decode"
)

// Handlers holds the router service's dependencies.
type Handlers struct {
	Router  *router.ModelRouter
	Store   store.Store
	Version string
	Service string
}

// New creates a Handlers instance.
func New(mr *router.ModelRouter, s store.Store, version string) *Handlers {
	return &Handlers{
		Router:  mr,
		Store:   s,
		Version: version,
		Service: "tierroute-router",
	}
}

// ══════════════════════════════════════════════════════════════
// ── Routing ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Stage     string `json:"stage"`
	RequestID string `json:"request_id"`
}

// Route classifies and dispatches one request.
// POST /route
func (h *Handlers) Route(w http.ResponseWriter, r *http.Request) {
	var req models.RouteRequest
	limit := bodyLimit(h.Router.MaxTextLength())
	if err := decodeJSON(w, r, &req, limit); err != nil {
		id := router.ResolveRequestID(nil)
		w.Header().Set("X-Request-Id", id)
		var typeErr *json.UnmarshalTypeError
		switch {
		case tooLarge(err):
			respondRouteError(w, h.Router.Reject(id, fmt.Errorf("request body exceeds %d bytes", limit)))
		case errors.As(err, &typeErr):
			respondRouteError(w, h.Router.Reject(id, err))
		default:
			respondJSON(w, http.StatusBadRequest, errorBody{
				Error:     err.Error(),
				Code:      CodeBadRequest,
				Stage:     StageDecode,
				RequestID: id,
			})
		}
		return
	}

	resp, err := h.Router.Route(r.Context(), req)
	if err != nil {
		var rErr *router.RouteError
		if !errors.As(err, &rErr) {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondRouteError(w, rErr)
		return
	}

	w.Header().Set("X-Request-Id", resp.RequestID)
	respondJSON(w, http.StatusOK, resp.Body())
}

// ══════════════════════════════════════════════════════════════
// ── Catalogue & Ledger ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListModels returns the tier table with prices.
// GET /api/v1/models
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider": h.Router.ProviderKind(),
		"models":   h.Router.Catalog(),
	})
}

// GetCostSummary aggregates ledger cost by model, tier and user.
// GET /api/v1/cost
func (h *Handlers) GetCostSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Store.Summary(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// ListRoutes returns recent routed requests, newest first.
// GET /api/v1/routes?limit=N&tier=&status=&user_id=
func (h *Handlers) ListRoutes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RecentFilter{
		Tier:   models.Tier(q.Get("tier")),
		Status: q.Get("status"),
		UserID: q.Get("user_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	routes, err := h.Store.Recent(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if routes == nil {
		routes = []models.RouteEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"routes": routes,
		"count":  len(routes),
	})
}

// ══════════════════════════════════════════════════════════════
// ── Health ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Health reports liveness.
// GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.Service,
	})
}

// Ready reports whether the ledger is reachable.
// GET /ready
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if err := h.Store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// GetVersion reports the build version.
// GET /version
func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"service": h.Service,
	})
}

// ── Helpers ─────────────────────────────────────────────────

func respondRouteError(w http.ResponseWriter, rErr *router.RouteError) {
	w.Header().Set("X-Request-Id", rErr.RequestID)
	if rErr.HTTPStatus() >= 500 {
		log.Error().Err(rErr).Str("request_id", rErr.RequestID).Str("code", rErr.Code).Msg("Routing failed")
	}
	respondJSON(w, rErr.HTTPStatus(), errorBody{
		Error:     rErr.Err.Error(),
		Code:      rErr.Code,
		Stage:     rErr.Stage,
		RequestID: rErr.RequestID,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
