package tick

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the tick trigger for external schedulers.
type Handler struct {
	orch   *Orchestrator
	secret string
}

// NewHandler guards the trigger with a bearer secret. An empty secret
// rejects every request.
func NewHandler(o *Orchestrator, secret string) *Handler {
	return &Handler{orch: o, secret: secret}
}

// Routes mounts GET and POST /internal/tick.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/internal/tick", h.Trigger)
	r.Post("/internal/tick", h.Trigger)
}

// Trigger handles GET|POST /internal/tick
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		slog.Warn("tick trigger rejected", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	report, err := h.orch.Run(r.Context())
	if err != nil {
		slog.Error("tick failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) authorized(r *http.Request) bool {
	return bearerMatches(r, h.secret)
}

// RequireSecret guards other internal endpoints with the same bearer
// secret as the trigger. An empty secret rejects every request.
func RequireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !bearerMatches(r, secret) {
				slog.Warn("internal request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerMatches(r *http.Request, secret string) bool {
	if secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
