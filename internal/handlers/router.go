package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/bus-booking/internal/middleware"
	"github.com/ukydev/bus-booking/internal/models"
)

// RouterConfig wires the handlers into one HTTP surface.
type RouterConfig struct {
	Auth     *AuthHandler
	Trips    *TripHandler
	Bookings *BookingHandler

	AuthMiddleware  *middleware.AuthMiddleware
	RateLimiter     *middleware.RateLimitMiddleware
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Ping reports storage health for /health. Nil means always healthy.
	Ping func(ctx context.Context) error
}

// NewRouter builds the service router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Welcome to the Bus Booking API",
		})
	})
	r.Get("/health", health(cfg.Ping))

	r.Route("/api", func(api chi.Router) {
		if cfg.RateLimiter != nil && cfg.RateLimitMax > 0 {
			api.Use(cfg.RateLimiter.RateLimit(cfg.RateLimitMax, cfg.RateLimitWindow))
		}
		api.Route("/auth", func(ar chi.Router) { cfg.Auth.RegisterRoutes(ar, cfg.AuthMiddleware) })
		api.Route("/trips", func(tr chi.Router) { cfg.Trips.RegisterRoutes(tr, cfg.AuthMiddleware) })
		api.Route("/bookings", func(br chi.Router) { cfg.Bookings.RegisterRoutes(br, cfg.AuthMiddleware) })
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// RegisterRoutes mounts the auth endpoints.
func (h *AuthHandler) RegisterRoutes(r chi.Router, am *middleware.AuthMiddleware) {
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Group(func(r chi.Router) {
		r.Use(am.Authenticate)
		r.Get("/me", h.GetProfile)
		r.Put("/profile", h.UpdateProfile)
		r.Get("/logout", h.Logout)
	})
}

// RegisterRoutes mounts the trip endpoints.
func (h *TripHandler) RegisterRoutes(r chi.Router, am *middleware.AuthMiddleware) {
	r.Get("/", h.List)
	r.Get("/search", h.Search)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/seats", h.Seats)
	r.Group(func(r chi.Router) {
		r.Use(am.Authenticate, am.RequireRole(models.RoleAdmin))
		r.Post("/", h.Create)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
	})
}

// RegisterRoutes mounts the booking endpoints.
func (h *BookingHandler) RegisterRoutes(r chi.Router, am *middleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(am.OptionalAuthenticate)
		r.Post("/", h.Create)
		r.Put("/{id}/cancel", h.Cancel)
	})
	r.Group(func(r chi.Router) {
		r.Use(am.Authenticate)
		r.With(am.RequirePermission(models.PermViewOwnBookings)).Get("/mybookings", h.MyBookings)
		r.With(am.RequirePermission(models.PermViewAllBookings)).Get("/admin/all", h.All)
	})
	r.Get("/{id}", h.Get)
}

func health(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				log.WithError(err).Warn("Health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
					"status":  "unavailable",
					"message": "Storage is unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"message": "Bus Booking API is running",
		})
	}
}
