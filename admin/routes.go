package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the admin API under /admin
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))

	r.Route("/watchers", func(r chi.Router) {
		r.Get("/", handlers.handleListWatchers)
		r.Get("/{id}", handlers.handleGetWatcher)
		r.Delete("/{id}", handlers.handleCancelWatcher)
	})

	r.Get("/sequencer", handlers.handleSequencer)

	r.Route("/records", func(r chi.Router) {
		r.Get("/", handlers.handleListRecords)
		r.Get("/{key}", handlers.handleGetRecord)
	})

	r.Get("/mirrors", handlers.handleListMirrors)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
