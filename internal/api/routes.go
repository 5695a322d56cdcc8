package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every endpoint. Request metrics are registered with reg
// and served on /metrics.
func NewRouter(h *Handlers, reg *prometheus.Registry) http.Handler {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentchat_http_requests_total",
		Help: "HTTP requests served, by route and status.",
	}, []string{"method", "route", "status"})
	reg.MustRegister(requests)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// the socket handshake bypasses CORS and request logging
	r.Get("/ws", h.HandleWebSocket)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins(h),
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(h.logRequest(requests))

		r.Route("/api", func(r chi.Router) {
			r.With(h.WithRateLimit).Post("/auth/register", h.HandleRegister)
			r.With(h.WithRateLimit).Post("/auth/login", h.HandleLogin)
			r.Post("/auth/logout", h.HandleLogout)

			r.Group(func(r chi.Router) {
				r.Use(h.WithAuth)
				r.Get("/auth/verify", h.HandleVerify)
				r.Get("/conversations", h.HandleConversations)
				r.Post("/conversations", h.HandleCreateConversation)
				r.Get("/conversations/{id}/messages", h.HandleMessages)
				r.Post("/conversations/{id}/messages", h.HandleSendMessage)
				r.Get("/users/available", h.HandleAvailableUsers)
				r.Post("/messages/read", h.HandleMarkAsRead)
			})
		})
	})

	return r
}

func allowedOrigins(h *Handlers) []string {
	origins := make([]string, 0, len(h.origins))
	for o := range h.origins {
		origins = append(origins, o)
	}
	return origins
}

func (h *Handlers) logRequest(requests *prometheus.CounterVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			h.logger.Printf("Completed %s %s %d %s in %v",
				r.Method, r.URL.Path, status, http.StatusText(status), time.Since(start))
		})
	}
}
