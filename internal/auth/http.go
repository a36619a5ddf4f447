// ABOUTME: HTTP middleware for JWT authentication on gateway endpoints
// ABOUTME: Reads the bearer token from the Authorization header or the token query parameter

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header,
// falling back to the token query parameter for WebSocket clients that
// cannot set headers. Returns the token and an error message (empty if successful).
func extractBearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, ""
		}
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequireScope creates an HTTP middleware that verifies the bearer token and
// requires it to carry the given scope. A nil verifier disables
// authentication and every request passes through unchanged.
func RequireScope(verifier TokenVerifier, scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r)
			if errMsg != "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="browtrix-gateway"`)
				writeError(w, errMsg, http.StatusUnauthorized)
				return
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="browtrix-gateway", error="invalid_token"`)
				writeError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			if !principal.Scope.Allows(scope) {
				writeError(w, "token scope "+string(principal.Scope)+" cannot access "+string(scope)+" endpoints", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
