package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/reelsmith/reelsmith/internal/api/middleware"
	"github.com/reelsmith/reelsmith/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler     http.HandlerFunc
	CreateTaskHandler http.HandlerFunc
	GetTaskHandler    http.HandlerFunc
	CancelTaskHandler http.HandlerFunc
	RetryTaskHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Rate-limited task routes
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/tasks", orNotImplemented(deps.CreateTaskHandler))
		r.Get("/api/v1/tasks/{taskID}", orNotImplemented(deps.GetTaskHandler))
		r.Post("/api/v1/tasks/{taskID}/cancel", orNotImplemented(deps.CancelTaskHandler))
		r.Post("/api/v1/tasks/{taskID}/retry", orNotImplemented(deps.RetryTaskHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
