package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey int

const developerContextKey contextKey = iota

// ContextWithDeveloper returns a new context carrying the given developer.
func ContextWithDeveloper(ctx context.Context, dev *Developer) context.Context {
	return context.WithValue(ctx, developerContextKey, dev)
}

// DeveloperFromContext extracts the developer from the context, or nil if not present.
func DeveloperFromContext(ctx context.Context) *Developer {
	dev, _ := ctx.Value(developerContextKey).(*Developer)
	return dev
}

// DeveloperAuthMiddleware returns middleware that authenticates requests
// using a bearer token in the Authorization header. On success the developer
// is injected into the request context.
func DeveloperAuthMiddleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			dev, err := v.Verify(r.Context(), token)
			if err != nil || dev == nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			ctx := ContextWithDeveloper(r.Context(), dev)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}
