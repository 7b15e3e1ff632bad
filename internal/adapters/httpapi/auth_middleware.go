package httpapi

import (
	"net/http"
	"strings"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/platform/auth/jwtverifier"
)

func isUnauthenticatedPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

// NewAuthMiddleware enforces Authorization: Bearer <JWT> for all API routes.
//
// On success, it stores the authenticated identity (JWT `sub` and `email`) in
// request context.
func NewAuthMiddleware(v *jwtverifier.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Probes and scrapes stay unauthenticated.
			if isUnauthenticatedPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authz := r.Header.Get("Authorization")
			if authz == "" {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header", nil)
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(authz, prefix) {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "malformed Authorization header", nil)
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
			if raw == "" {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
				return
			}

			id, err := v.Verify(r.Context(), raw)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{
				Subject: id.Subject,
				Email:   id.Email,
			})))
		})
	}
}

// NewDevAuthMiddleware is a local/dev-only auth shim.
//
// It accepts an explicit identity via X-Debug-Subject / X-Debug-Email and
// stores it in request context, falling back to the configured defaults when
// the headers are absent.
//
// This is intended for local Docker workflows where standing up an OIDC
// provider + JWKS is overkill. Do NOT use this in production deployments.
func NewDevAuthMiddleware(defaultSubject, defaultEmail string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isUnauthenticatedPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			sub := strings.TrimSpace(r.Header.Get("X-Debug-Subject"))
			if sub == "" {
				sub = strings.TrimSpace(defaultSubject)
			}
			if sub == "" {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing subject (set X-Debug-Subject)", nil)
				return
			}
			email := strings.TrimSpace(r.Header.Get("X-Debug-Email"))
			if email == "" {
				email = strings.TrimSpace(defaultEmail)
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{
				Subject: sub,
				Email:   email,
			})))
		})
	}
}
