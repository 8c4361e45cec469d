package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/agentpay.json.
const wellKnownManifest = `{
  "name": "AgentPay",
  "description": "Per-use billing ledger for AI agents",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "public": "none",
    "developer": {
      "type": "bearer",
      "header": "Authorization"
    }
  },
  "endpoints": {
    "track": "/api/v1/track",
    "capture": "/api/v1/capture",
    "release": "/api/v1/release",
    "balance": "/api/v1/balance",
    "top_up_details": "/api/v1/top-up-details",
    "agents": "/api/v1/agents"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static AgentPay well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
