// ABOUTME: Authentication middleware for API and admin requests.
// ABOUTME: Extracts caller identity and gates the admin surface behind a bearer token.

package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/2389/stromwissen/internal/errors"
)

type contextKey string

const userContextKey contextKey = "user"

// Anonymous is the identity of callers that do not name themselves.
const Anonymous = "anonymous"

// Middleware stores the caller identity in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := extractUser(r.Header.Get("Authorization"))
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UserFromContext(ctx context.Context) string {
	user, ok := ctx.Value(userContextKey).(string)
	if !ok || user == "" {
		return Anonymous
	}
	return user
}

// RequireToken rejects requests whose bearer token is not token. An empty
// token disables the guarded routes entirely.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				apierrors.WriteError(w, http.StatusForbidden, apierrors.CodeForbidden, "admin token not configured")
				return
			}
			given := bearerToken(r.Header.Get("Authorization"))
			if given == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="stromwissen"`)
				apierrors.WriteError(w, http.StatusUnauthorized, apierrors.CodeUnauthorized, "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				apierrors.WriteError(w, http.StatusForbidden, apierrors.CodeForbidden, "invalid bearer token")
				return
			}
			ctx := context.WithValue(r.Context(), userContextKey, "admin")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(authHeader string) string {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func extractUser(authHeader string) string {
	token := bearerToken(authHeader)
	if token == "" {
		return Anonymous
	}

	// "user:<name>" names the caller explicitly.
	if name, ok := strings.CutPrefix(token, "user:"); ok && name != "" {
		return name
	}

	// Opaque tokens carry no identity we can verify.
	return Anonymous
}
