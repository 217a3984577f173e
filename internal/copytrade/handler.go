package copytrade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/model"
)

// StopRequest is the JSON body for POST /api/v1/positions/{positionID}/stop.
type StopRequest struct {
	UserID string `json:"user_id"`
}

// Portfolio is a user's open copy positions and funding balance.
type Portfolio struct {
	UserID          string               `json:"user_id"`
	Positions       []model.CopyPosition `json:"positions"`
	TotalAllocation decimal.Decimal      `json:"total_allocation"`
	TotalPnL        decimal.Decimal      `json:"total_pnl"`
	Funding         decimal.Decimal      `json:"funding_balance"`
	Available       decimal.Decimal      `json:"available_balance"`
}

// Handler exposes the position endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler creates the HTTP handler for an engine.
func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// Routes mounts the position endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/v1/portfolio/{userID}", h.GetPortfolio)
	r.Post("/api/v1/positions/{positionID}/stop", h.StopPosition)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	active, err := h.engine.store.ListActivePositions(ctx)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	acct, err := h.engine.ledger.Balance(ctx, userID, h.engine.cfg.SettlementAsset)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	p := Portfolio{
		UserID:          userID,
		Positions:       []model.CopyPosition{},
		TotalAllocation: decimal.Zero,
		TotalPnL:        decimal.Zero,
		Funding:         acct.Balance,
		Available:       acct.Available(),
	}
	for _, pos := range active {
		if pos.UserID != userID {
			continue
		}
		pos.Simulation = nil
		p.Positions = append(p.Positions, pos)
		p.TotalAllocation = p.TotalAllocation.Add(pos.Allocation)
		p.TotalPnL = p.TotalPnL.Add(pos.CurrentPnL)
	}

	writeJSON(w, http.StatusOK, p)
}

// StopPosition handles POST /api/v1/positions/{positionID}/stop
func (h *Handler) StopPosition(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	p, err := h.engine.Stop(r.Context(), chi.URLParam(r, "positionID"), req.UserID)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if errors.Is(err, apperr.ErrInvalidState) {
			status = http.StatusConflict
		}
		if status >= http.StatusInternalServerError {
			slog.Error("stop position failed", "position_id", chi.URLParam(r, "positionID"), "err", err)
		}
		writeError(w, err.Error(), status)
		return
	}
	p.Simulation = nil
	writeJSON(w, http.StatusOK, p)
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
