package api

import (
	"net/http"

	"roomchat/internal/middleware"
	"roomchat/internal/repository"
	"roomchat/internal/routing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func NewRouter(logger zerolog.Logger, registry *routing.Registry, store repository.Store) *chi.Mux {
	r := chi.NewRouter()

	// Metrics first so every request is counted.
	r.Use(middleware.Metrics)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := NewHandler(registry, store, logger)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/ws", h.ServeWS)
		r.Get("/rooms", h.ListRooms)
		r.Route("/rooms/{room}", func(r chi.Router) {
			r.Get("/stats", h.RoomStats)
			r.Get("/health", h.RoomHealth)
			r.Post("/hibernate", h.Hibernate)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.JSON(w, http.StatusNotFound, map[string]string{"error": "NOT_FOUND", "message": "no such route"})
	})

	return r
}
