package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phrazzld/genqueue/internal/api"
	apiMiddleware "github.com/phrazzld/genqueue/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	taskHandler := api.NewTaskHandler(app.tasks, app.logger)
	statsHandler := api.NewStatsHandler(app.tasks, app.notifications)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", taskHandler.SubmitTask)
		r.Get("/tasks/{externalId}", taskHandler.GetTask)

		r.Get("/admin/queues/stats", statsHandler.GetQueueStats)
	})

	r.Get("/health", app.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// health reports whether the job store is reachable.
func (app *application) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := app.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			app.logger.Warn("health check failed", "error", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		app.logger.Error("failed to write health check response", "error", err)
	}
}

// metricsRouter serves only the Prometheus endpoint, for worker processes.
func metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
