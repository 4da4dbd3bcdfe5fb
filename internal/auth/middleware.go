// Package auth — middleware.go provides HTTP middleware for extracting and
// validating admin Bearer JWTs from the Authorization header, injecting the
// token subject into the request context for downstream handlers.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

// ContextKeySubject is the context key for the authenticated admin token's subject.
const ContextKeySubject contextKey = "admin_subject"

// SubjectFromContext retrieves the authenticated admin subject from the
// request context. Returns empty string if no token was validated.
func SubjectFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeySubject).(string)
	return v
}

// RequireAdmin returns middleware that validates the Bearer JWT and injects
// its subject into the request context. Requests without a valid token
// receive a 401 Unauthorized response.
func RequireAdmin(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing_token", "Authorization header with Bearer token is required")
				return
			}

			subject, err := svc.ValidateToken(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid_token", "admin token is invalid or expired")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeAuthError writes a JSON error response matching the admin API's error
// envelope format. This avoids importing the admin package, which would
// create a circular dependency since admin imports auth.
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
