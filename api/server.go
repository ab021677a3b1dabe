/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the web frontend

SECURITY NOTE:
  No authentication middleware. The engine assumes it runs behind the
  platform's API gateway, which owns authn/z.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Key derivation
		r.Post("/keys", h.BuildKey)

		// Crediting
		r.Post("/xp/credit", h.CreditXP)

		// Achievements
		r.Post("/achievements/{code}/unlock", h.UnlockAchievement)

		// Users
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}/xp", h.GetUserXP)
			r.Get("/{id}/events", h.GetUserEvents)
			r.Post("/{id}/revalidate", h.Revalidate)
		})

		// Levels
		r.Get("/levels", h.ListLevels)
		r.Route("/admin", func(r chi.Router) {
			r.Post("/levels/refresh", h.RefreshLevels)
		})
	})

	return r
}
