package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mafa-ai/mafa-core/internal/adapter/ws"
	"github.com/mafa-ai/mafa-core/internal/middleware"
)

// NewRouter assembles the API router with its middleware chain.
func NewRouter(h *Handlers, hub *ws.Hub, corsOrigin, apiToken string, limiter *middleware.RateLimiter) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.CorrelationID)
	r.Use(Logger)
	r.Use(CORS(corsOrigin))
	if limiter != nil {
		r.Use(limiter.Handler)
	}
	r.Use(middleware.BearerAuth(apiToken))

	r.Get("/health", h.Health)
	r.Get("/ws", hub.HandleWS)

	r.Route("/api/v1/mcp", func(r chi.Router) {
		r.Post("/query", h.HandleQuery)
		r.Get("/servers", h.ListServers)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return r
}
