package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/agentpay/internal/auth"
)

// auditLog emits a structured audit log entry for a developer action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", r.RemoteAddr,
		"request_id", RequestIDFromContext(r.Context()),
	}

	if dev := auth.DeveloperFromContext(r.Context()); dev != nil {
		attrs = append(attrs, "developer_id", dev.ID)
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}
