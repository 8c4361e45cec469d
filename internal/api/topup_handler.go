package api

import (
	"net/http"

	"github.com/alecgard/agentpay/internal/topup"
)

// topUpHandler serves the public top-up discovery and submission calls.
type topUpHandler struct {
	reconciler *topup.Reconciler
}

func newTopUpHandler(reconciler *topup.Reconciler) *topUpHandler {
	return &topUpHandler{reconciler: reconciler}
}

// GetDetails handles GET /api/v1/top-up-details.
func (h *topUpHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	d, err := h.reconciler.Details(r.Context(), r.URL.Query().Get("agentId"))
	if err != nil {
		writeServiceError(w, r, "top-up details", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Submit handles POST /api/v1/top-up-details. The balance is credited later,
// once the confirmation job runs.
func (h *topUpHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var in topup.SubmitInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	t, err := h.reconciler.Submit(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, "submit top-up", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": topup.StatusPendingConfirmation,
		"txHash": t.TxHash,
	})
}
