// Package web is the REST façade over the session manager. Every debug
// operation is a discrete stateless call; clients observe asynchronous
// progress by polling the session's event feed.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daprelay/daprelay/internal/logger"
	"github.com/daprelay/daprelay/internal/metrics"
	"github.com/daprelay/daprelay/internal/session"
)

// requestTimeout bounds one API request. It must exceed the longest
// admissible long-poll wait.
const requestTimeout = 60 * time.Second

// NewRouter wires the API routes, health and metrics endpoints, and the
// middleware stack.
func NewRouter(m *session.Manager, version string) http.Handler {
	h := &handler{manager: m, version: version}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.createSession)
			r.Get("/", h.listSessions)
			r.Get("/recoverable", h.listRecoverable)
			r.Post("/recover", h.recoverSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getSession)
				r.Delete("/", h.terminateSession)

				r.Post("/launch", h.launch)
				r.Post("/attach", h.attach)

				r.Post("/breakpoints", h.setBreakpoints)
				r.Get("/breakpoints", h.listBreakpoints)
				r.Delete("/breakpoints", h.clearBreakpoints)
				r.Post("/exception-breakpoints", h.setExceptionBreakpoints)

				r.Post("/continue", h.resume)
				r.Post("/pause", h.pause)
				r.Post("/step-over", h.stepOver)
				r.Post("/step-into", h.stepInto)
				r.Post("/step-out", h.stepOut)

				r.Get("/threads", h.threads)
				r.Get("/stacktrace", h.stackTrace)
				r.Get("/scopes", h.scopes)
				r.Get("/variables", h.variables)
				r.Post("/evaluate", h.evaluate)

				r.Get("/watches", h.listWatches)
				r.Post("/watches", h.addWatch)
				r.Delete("/watches", h.removeWatch)
				r.Post("/watches/evaluate", h.evaluateWatches)

				r.Get("/output", h.output)
				r.Get("/events", h.pollEvents)
			})
		})
	})

	return r
}

// requestLogger logs each request and feeds the latency histogram, keyed
// by the matched route pattern rather than the raw path.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestDuration.
			WithLabelValues(route, strconv.Itoa(ww.Status()/100*100)).
			Observe(duration.Seconds())

		logger.Info("api request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"duration", duration.String(),
		)
	})
}
