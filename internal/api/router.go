package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// NewRouter mounts every endpoint. ws serves the realtime feed at /ws and
// may be nil.
func NewRouter(handler *Handler, ws http.Handler) chi.Router {
	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if ws != nil {
		r.Handle("/ws", ws)
	}

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/orderbook", handler.GetOrderBook)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Get("/profile", handler.Profile)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Post("/orders/{id}/cancel", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTrades)
	})

	// Cron style trigger for a full matching sweep
	r.With(handler.InternalJobMiddleware).Post("/internal/job", handler.RunMatching)

	return r
}
