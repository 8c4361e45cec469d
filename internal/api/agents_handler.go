package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/alecgard/agentpay/internal/activity"
	"github.com/alecgard/agentpay/internal/agent"
	"github.com/alecgard/agentpay/internal/auth"
	"github.com/alecgard/agentpay/internal/chain"
	"github.com/alecgard/agentpay/internal/ledger"
	"github.com/alecgard/agentpay/internal/topup"
	"github.com/alecgard/agentpay/internal/usage"
)

// AgentStore is the owner-scoped agent registry. Both agent.Store and the
// in-memory store satisfy it.
type AgentStore interface {
	Create(ctx context.Context, in agent.CreateAgentInput) (*agent.Agent, error)
	GetForOwner(ctx context.Context, ownerID, id string) (*agent.Agent, error)
	List(ctx context.Context, params agent.AgentListParams) ([]*agent.Agent, string, error)
	Update(ctx context.Context, ownerID, id string, in agent.UpdateAgentInput) (*agent.Agent, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// ActivityLister reads the activity log.
type ActivityLister interface {
	ListActivity(ctx context.Context, q activity.Query) ([]*activity.Entry, string, error)
}

// agentsHandler groups the developer-facing agent handlers.
type agentsHandler struct {
	store      AgentStore
	usage      *usage.Service
	reconciler *topup.Reconciler
	activity   ActivityLister
}

func newAgentsHandler(store AgentStore, svc *usage.Service, reconciler *topup.Reconciler, act ActivityLister) *agentsHandler {
	return &agentsHandler{
		store:      store,
		usage:      svc,
		reconciler: reconciler,
		activity:   act,
	}
}

// CreateAgent handles POST /api/v1/agents.
func (h *agentsHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	dev := auth.DeveloperFromContext(r.Context())

	var in agent.CreateAgentInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}

	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	if in.PayoutAddress != "" {
		addr, err := chain.NormalizeAddress(in.PayoutAddress)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "payoutAddress: "+err.Error())
			return
		}
		in.PayoutAddress = addr
	}
	in.OwnerID = dev.ID

	a, err := h.store.Create(r.Context(), in)
	if err != nil {
		writeAgentError(w, r, "create agent", err)
		return
	}

	auditLog(r, "create", "agent", a.ID, "name", a.Name, "fee_model", a.FeeModel.Type)

	writeJSON(w, http.StatusCreated, a)
}

// GetAgent handles GET /api/v1/agents/{id}.
func (h *agentsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedAgent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UpdateAgent handles PUT /api/v1/agents/{id}.
func (h *agentsHandler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	dev := auth.DeveloperFromContext(r.Context())
	id, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	var in agent.UpdateAgentInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body: "+err.Error())
		return
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "name must not be empty")
			return
		}
		in.Name = &name
	}
	if in.PayoutAddress != nil && *in.PayoutAddress != "" {
		addr, err := chain.NormalizeAddress(*in.PayoutAddress)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "payoutAddress: "+err.Error())
			return
		}
		in.PayoutAddress = &addr
	}

	a, err := h.store.Update(r.Context(), dev.ID, id, in)
	if err != nil {
		writeAgentError(w, r, "update agent", err)
		return
	}

	auditLog(r, "update", "agent", id)

	writeJSON(w, http.StatusOK, a)
}

// DeleteAgent handles DELETE /api/v1/agents/{id}.
func (h *agentsHandler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	dev := auth.DeveloperFromContext(r.Context())
	id, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), dev.ID, id); err != nil {
		writeAgentError(w, r, "delete agent", err)
		return
	}

	auditLog(r, "delete", "agent", id)

	w.WriteHeader(http.StatusNoContent)
}

// ListAgents handles GET /api/v1/agents.
func (h *agentsHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	dev := auth.DeveloperFromContext(r.Context())

	params := agent.AgentListParams{
		OwnerID: dev.ID,
		Cursor:  r.URL.Query().Get("cursor"),
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer between 1 and 100")
		return
	}
	params.Limit = limit
	if params.Cursor != "" {
		if _, _, err := agent.DecodeCursor(params.Cursor); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cursor", "cursor is malformed")
			return
		}
	}

	agents, next, err := h.store.List(r.Context(), params)
	if err != nil {
		writeAgentError(w, r, "list agents", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":     nonNil(agents),
		"nextCursor": next,
	})
}

// ListEvents handles GET /api/v1/agents/{id}/events.
func (h *agentsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedAgent(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer between 1 and 100")
		return
	}

	q := r.URL.Query()
	events, next, err := h.usage.ListEvents(r.Context(), ledger.EventQuery{
		AgentID:       a.ID,
		WalletAddress: q.Get("walletAddress"),
		Status:        ledger.EventStatus(q.Get("status")),
		Cursor:        q.Get("cursor"),
		Limit:         limit,
	})
	if err != nil {
		writeServiceError(w, r, "list events", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":     nonNil(events),
		"nextCursor": next,
	})
}

// GetEvent handles GET /api/v1/agents/{id}/events/{eventId}.
func (h *agentsHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedAgent(w, r)
	if !ok {
		return
	}
	e, err := h.usage.GetEvent(r.Context(), a.ID, chi.URLParam(r, "eventId"))
	if err != nil {
		writeServiceError(w, r, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ListTopUps handles GET /api/v1/agents/{id}/top-ups.
func (h *agentsHandler) ListTopUps(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedAgent(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer between 1 and 100")
		return
	}

	q := r.URL.Query()
	status := ledger.TopUpStatus(q.Get("status"))
	switch status {
	case "", ledger.TopUpPending, ledger.TopUpConfirmed, ledger.TopUpFailed:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown top-up status")
		return
	}

	topups, next, err := h.reconciler.ListTopUps(r.Context(), ledger.TopUpQuery{
		AgentID: a.ID,
		Status:  status,
		Cursor:  q.Get("cursor"),
		Limit:   limit,
	})
	if err != nil {
		writeServiceError(w, r, "list top-ups", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"topUps":     nonNil(topups),
		"nextCursor": next,
	})
}

// ListActivity handles GET /api/v1/agents/{id}/activity.
func (h *agentsHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedAgent(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer between 1 and 100")
		return
	}

	q := r.URL.Query()
	entries, next, err := h.activity.ListActivity(r.Context(), activity.Query{
		AgentID: a.ID,
		Kind:    activity.Kind(q.Get("kind")),
		Cursor:  q.Get("cursor"),
		Limit:   limit,
	})
	if err != nil {
		writeServiceError(w, r, "list activity", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activity":   nonNil(entries),
		"nextCursor": next,
	})
}

// ownedAgent loads the {id} agent for the calling developer. Agents owned by
// someone else are reported as not found.
func (h *agentsHandler) ownedAgent(w http.ResponseWriter, r *http.Request) (*agent.Agent, bool) {
	dev := auth.DeveloperFromContext(r.Context())
	id, ok := agentIDParam(w, r)
	if !ok {
		return nil, false
	}
	a, err := h.store.GetForOwner(r.Context(), dev.ID, id)
	if err != nil {
		writeAgentError(w, r, "get agent", err)
		return nil, false
	}
	return a, true
}

// agentIDParam reads {id}. A value that is not a uuid cannot name an agent.
func agentIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "agent_not_found", "agent not found")
		return "", false
	}
	return id, true
}

func writeAgentError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, agent.ErrFeeModelMismatch) {
		writeError(w, http.StatusBadRequest, "invalid_input", "feeModel config does not match feeModelType")
		return
	}
	writeServiceError(w, r, op, err)
}
