package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler, relay *RelayHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", apiHandler.ChatHandler)
		r.Post("/embed", apiHandler.EmbedHandler)
		r.Get("/status", apiHandler.StatusHandler)
		r.Get("/metrics", apiHandler.MetricsHandler)
		r.Get("/sessions", apiHandler.ListSessionsHandler)
		r.Get("/sessions/{sessionID}", apiHandler.GetSessionHandler)
	})

	// Live relay for browser observers
	r.Get("/ws/chat/{sessionID}", relay.ServeSession)
	r.Get("/ws/events", relay.ServeAll)

	return r
}
