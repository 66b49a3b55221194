package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/checkout/internal/services"
)

// InternalHandlers exposes operator endpoints for session maintenance. The
// router mounts these behind the internal middleware chain.
type InternalHandlers struct {
	sessions *services.SessionManager
}

// NewInternalHandlers constructs the internal session management handlers.
func NewInternalHandlers(sessions *services.SessionManager) *InternalHandlers {
	return &InternalHandlers{sessions: sessions}
}

// Routes registers the internal endpoints under the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sessions/sweep", h.sweepSessions)
	r.Get("/sessions/stats", h.sessionStats)
}

func (h *InternalHandlers) sweepSessions(w http.ResponseWriter, r *http.Request) {
	swept := h.sessions.Sweep(r.Context())
	writeJSONResponse(w, http.StatusOK, map[string]any{"swept": swept})
}

func (h *InternalHandlers) sessionStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"activeSessions": h.sessions.ActiveSessions(),
	})
}
