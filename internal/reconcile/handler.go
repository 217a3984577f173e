package reconcile

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/custodia/settlement-engine/internal/apperr"
	"github.com/custodia/settlement-engine/internal/gateway"
	"github.com/custodia/settlement-engine/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Response is the JSON body returned to gateways.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Handler exposes one webhook endpoint per registered gateway.
type Handler struct {
	engine   *Engine
	adapters map[string]gateway.Adapter
}

// NewHandler registers the adapters by name.
func NewHandler(engine *Engine, adapters ...gateway.Adapter) *Handler {
	h := &Handler{engine: engine, adapters: make(map[string]gateway.Adapter)}
	for _, a := range adapters {
		h.adapters[a.Name()] = a
	}
	return h
}

// Routes mounts POST and GET /webhooks/{gateway}.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{gateway}", h.Receive)
	r.Get("/webhooks/{gateway}", h.Liveness)
}

// Liveness handles GET /webhooks/{gateway}
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.adapters[chi.URLParam(r, "gateway")]; !ok {
		writeJSON(w, http.StatusNotFound, Response{Status: "not_found", Error: "unknown gateway"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok"})
}

// Receive handles POST /webhooks/{gateway}
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	adapter, ok := h.adapters[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, Response{Status: "not_found", Error: "unknown gateway"})
		return
	}

	start := time.Now()
	defer func() {
		metrics.WebhookLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(name, "validation_error").Inc()
		writeJSON(w, http.StatusBadRequest, Response{Status: "validation_error", Error: "unreadable body"})
		return
	}

	outcome, err := h.engine.Handle(r.Context(), adapter, body, r.Header)
	if errors.Is(err, apperr.ErrDuplicate) {
		outcome, err = OutcomeAlreadyProcessed, nil
	}
	if err != nil {
		kind := apperr.Kind(err)
		status := apperr.HTTPStatus(err)
		metrics.WebhooksTotal.WithLabelValues(name, kind).Inc()
		if status >= http.StatusInternalServerError {
			slog.Error("webhook failed", "gateway", name, "kind", kind, "err", err)
		}
		writeJSON(w, status, Response{Status: kind, Error: err.Error()})
		return
	}

	metrics.WebhooksTotal.WithLabelValues(name, string(outcome)).Inc()
	writeJSON(w, http.StatusOK, Response{Status: string(outcome)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
