package transfer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
)

// TransferRequest is the JSON body for POST /api/v1/transfers.
type TransferRequest struct {
	FromUserID     string          `json:"from_user_id"`
	ToUserID       string          `json:"to_user_id"`
	AssetID        string          `json:"asset_id"`
	Amount         decimal.Decimal `json:"amount"`
	CorrelationKey string          `json:"correlation_key"`
}

// WithdrawalRequest is the JSON body for POST /api/v1/withdrawals.
type WithdrawalRequest struct {
	UserID         string          `json:"user_id"`
	AssetID        string          `json:"asset_id"`
	Amount         decimal.Decimal `json:"amount"`
	CorrelationKey string          `json:"correlation_key"`
	Notes          string          `json:"notes,omitempty"`
}

// SettleRequest is the JSON body for POST /internal/withdrawals/{key}/settle.
type SettleRequest struct {
	Approved bool `json:"approved"`
}

// Handler exposes transfers and withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates the HTTP handler for a service.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// Routes mounts the user-facing endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/v1/transfers", h.PostTransfer)
	r.Post("/api/v1/withdrawals", h.PostWithdrawal)
}

// InternalRoutes mounts the operator endpoint that settles a withdrawal.
// The caller guards it.
func (h *Handler) InternalRoutes(r chi.Router) {
	r.Post("/internal/withdrawals/{key}/settle", h.SettleWithdrawal)
}

// PostTransfer handles POST /api/v1/transfers
func (h *Handler) PostTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tx, err := h.service.Transfer(r.Context(), req.FromUserID, req.ToUserID, req.AssetID, req.Amount, req.CorrelationKey)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// PostWithdrawal handles POST /api/v1/withdrawals
func (h *Handler) PostWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tx, err := h.service.RequestWithdrawal(r.Context(), req.UserID, req.AssetID, req.Amount, req.CorrelationKey, req.Notes)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// SettleWithdrawal handles POST /internal/withdrawals/{key}/settle
func (h *Handler) SettleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tx, err := h.service.SettleWithdrawal(r.Context(), chi.URLParam(r, "key"), req.Approved)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// writeErr maps a service error onto the response. A short balance is a
// conflict with the account's state, not a server fault.
func writeErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if errors.Is(err, apperr.ErrInsufficientBalance) || errors.Is(err, apperr.ErrInvalidState) {
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		slog.Error("transfer request failed", "err", err)
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
