package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/yogzblr/guacamole-lite/internal/infrastructure/config"
	obs "github.com/yogzblr/guacamole-lite/internal/infrastructure/observability"
	"github.com/yogzblr/guacamole-lite/internal/recording"
	"github.com/yogzblr/guacamole-lite/internal/tunnel"
)

type Deps struct {
	Cfg      config.Config
	Logger   *zerolog.Logger
	Metrics  *obs.Metrics
	Registry *tunnel.Registry
	Recorder *recording.Recorder
}

func NewRouter(d *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(withCORS(d.Cfg))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"time":   time.Now().UTC(),
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))

	r.Get("/api/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":    "bastion",
			"version": obs.Version,
			"commit":  obs.Commit,
			"time":    time.Now().UTC(),
		})
	})

	// Diagnostics: live sessions and their open transfer streams.
	r.Get("/api/sessions", d.handleListSessions)
	r.Get("/api/sessions/{sessionId}", d.handleGetSession)

	// File transfer bridge.
	r.Post("/api/tunnels/{sessionId}/streams/{streamIndex}/{filename}", d.handleStreamUpload)
	r.Get("/api/tunnels/{sessionId}/streams/{streamIndex}/{filename}", d.handleStreamDownload)

	// Control-channel endpoint for the web client.
	r.Get("/ws", d.handleTunnelWS)

	return r
}

func withCORS(cfg config.Config) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", cfg.CORSAllowOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}
