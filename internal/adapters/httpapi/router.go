package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter constructs the API HTTP router.
//
// This is intentionally a thin adapter: it wires routes and middleware and
// delegates to the Server handlers.
func NewRouter(s *Server, auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	// Baseline production-safe middleware (minimal but useful).
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(auth)

	// Liveness probe: fixed OK, independent of the stores.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/requests", func(r chi.Router) {
		r.Post("/", s.handleCreateRequest)
		r.Get("/", s.handleListRequests)
		r.Get("/{requestID}", s.handleGetRequest)
		r.Post("/{requestID}/accept", s.handleAcceptRequest)
		r.Post("/{requestID}/cancel", s.handleCancelRequest)
	})

	r.Post("/assignments/{assignmentID}/status", s.handleUpdateAssignmentStatus)

	r.Route("/roles", func(r chi.Router) {
		r.Put("/{userID}", s.handleSyncRole)
		r.Get("/drift", s.handleAuditDrift)
		r.Post("/drift/fix", s.handleFixDrift)
	})

	r.Get("/profile", s.handleGetProfile)
	r.Put("/profile", s.handleUpdateProfile)

	r.Get("/events", s.handleEvents)

	return r
}
