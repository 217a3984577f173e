package waitlist

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
)

// ClaimRequest is the JSON body for POST /api/v1/claims/{token}.
type ClaimRequest struct {
	Allocation decimal.Decimal `json:"allocation"`
}

// JoinRequest is the JSON body for the waitlist join and leave endpoints.
type JoinRequest struct {
	UserID string `json:"user_id"`
}

// Handler exposes the claim and waitlist endpoints.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler creates the HTTP handler for a scheduler.
func NewHandler(s *Scheduler) *Handler {
	return &Handler{scheduler: s}
}

// ClaimRoutes mounts GET and POST /{token}; the caller picks the prefix.
func (h *Handler) ClaimRoutes(r chi.Router) {
	r.Get("/{token}", h.GetClaim)
	r.Post("/{token}", h.PostClaim)
}

// WaitlistRoutes mounts POST and DELETE /{traderID}; the caller picks the prefix.
func (h *Handler) WaitlistRoutes(r chi.Router) {
	r.Post("/{traderID}", h.Join)
	r.Delete("/{traderID}", h.Leave)
}

// GetClaim handles GET /api/v1/claims/{token}
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	info, err := h.scheduler.Lookup(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// PostClaim handles POST /api/v1/claims/{token}
func (h *Handler) PostClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := h.scheduler.Claim(r.Context(), chi.URLParam(r, "token"), req.Allocation)
	if errors.Is(err, apperr.ErrDuplicate) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	pos.Simulation = nil
	writeJSON(w, http.StatusCreated, pos)
}

// Join handles POST /api/v1/waitlist/{traderID}
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := h.scheduler.Join(r.Context(), req.UserID, chi.URLParam(r, "traderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// Leave handles DELETE /api/v1/waitlist/{traderID}
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.scheduler.Leave(r.Context(), req.UserID, chi.URLParam(r, "traderID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeErr maps a scheduler error onto the response. Duplicate joins and
// state conflicts are 409s here rather than idempotent successes.
func writeErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if errors.Is(err, apperr.ErrDuplicate) || errors.Is(err, apperr.ErrInvalidState) ||
		errors.Is(err, apperr.ErrInsufficientBalance) {
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		slog.Error("waitlist request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
