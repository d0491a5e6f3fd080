package api

import (
	"fmt"
	"net/http"
	"time"

	"ms-reservation/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the reservation API, liveness and metrics.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/reservations", func(r chi.Router) {
		r.Route("/holds", func(r chi.Router) {
			r.Post("/", h.PlaceHold)
			r.Get("/{holdId}", h.GetHold)
			r.Delete("/{holdId}", h.ReleaseHold)
			r.Post("/{holdId}/consume", h.ConsumeHold)
		})
		r.Get("/events/{eventId}/availability", h.GetAvailability)

		r.Route("/units", func(r chi.Router) {
			r.Post("/", h.LoadUnits)
			r.Get("/{unitId}", h.GetUnit)
			r.Put("/{unitId}/hot", h.SetUnitHot)
		})
	})
}

// RequestLogger logs one API line per request.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				return
			}
			log.LogAPI(r.Method, r.URL.Path, fmt.Sprintf("%d", ww.Status()), time.Since(start).String())
		})
	}
}
