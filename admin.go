package webproxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// AdminHandler returns the admin HTTP surface of the proxy.
func (p *Proxy) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(p.log.With().Str("component", "admin").Logger()))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Admin request")
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := p.cache.Stats()
		if err != nil {
			adminError(w, r, err)
			return
		}
		writeJSON(w, r, stats)
	})
	r.Route("/cache", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			entries, err := p.cache.Entries()
			if err != nil {
				adminError(w, r, err)
				return
			}
			writeJSON(w, r, entries)
		})
		r.Delete("/", p.adminAction(p.cache.Purge))
		r.Delete("/head", p.adminAction(p.cache.RemoveHead))
		r.Delete("/tail", p.adminAction(p.cache.RemoveTail))
		r.Post("/evict", p.adminAction(p.cache.Evict))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	return r
}

// adminAction runs a cache maintenance operation and responds with the resulting stats.
func (p *Proxy) adminAction(action func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(); err != nil {
			adminError(w, r, err)
			return
		}
		stats, err := p.cache.Stats()
		if err != nil {
			adminError(w, r, err)
			return
		}
		writeJSON(w, r, stats)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLogger(r).Error().Err(err).Msg("Could not write admin response")
	}
}

func adminError(w http.ResponseWriter, r *http.Request, err error) {
	getLogger(r).Error().Err(err).Msg("Admin request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// getLogger returns the logger from the request context.
func getLogger(r *http.Request) *zerolog.Logger {
	return hlog.FromRequest(r)
}
