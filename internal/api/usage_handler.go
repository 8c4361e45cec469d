package api

import (
	"net/http"

	"github.com/alecgard/agentpay/internal/usage"
)

// usageHandler serves the public track / capture / release / balance calls
// an agent's SDK makes around each invocation.
type usageHandler struct {
	svc *usage.Service
}

func newUsageHandler(svc *usage.Service) *usageHandler {
	return &usageHandler{svc: svc}
}

type eventRequest struct {
	EventID string `json:"eventId"`
}

// Track handles POST /api/v1/track.
func (h *usageHandler) Track(w http.ResponseWriter, r *http.Request) {
	var in usage.TrackInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	id, err := h.svc.Track(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, "track", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"eventId": id})
}

// Capture handles POST /api/v1/capture.
func (h *usageHandler) Capture(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	if err := h.svc.Capture(r.Context(), req.EventID); err != nil {
		writeServiceError(w, r, "capture", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Release handles POST /api/v1/release.
func (h *usageHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	if err := h.svc.Release(r.Context(), req.EventID); err != nil {
		writeServiceError(w, r, "release", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetBalance handles GET /api/v1/balance.
func (h *usageHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b, err := h.svc.GetBalance(r.Context(), q.Get("agentId"), q.Get("walletAddress"))
	if err != nil {
		writeServiceError(w, r, "get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"eth":     b.Eth.String(),
		"credits": b.Credits.String(),
	})
}
