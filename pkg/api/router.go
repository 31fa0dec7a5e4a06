// Package api provides the carriersift REST API server.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/carriersift/carriersift/internal/logger"
	"github.com/carriersift/carriersift/pkg/api/handlers"
	apimw "github.com/carriersift/carriersift/pkg/api/middleware"
	"github.com/carriersift/carriersift/pkg/engine"
	"github.com/carriersift/carriersift/pkg/metrics"
)

// NewRouter creates and configures the chi router with all middleware and routes.
//
// Routes:
//   - GET  /health                                      - Liveness probe
//   - GET  /health/ready                                - Readiness probe
//   - GET  /metrics                                     - Prometheus scrape (when enabled)
//   - POST /api/files                                   - Initialize a file
//   - GET  /api/files                                   - Active files
//   - GET  /api/files/{id}/progress                     - Progress snapshot
//   - GET  /api/files/{id}/events                       - SSE progress stream
//   - GET  /api/files/{id}/results.csv                  - Final CSV download
//   - GET  /api/files/{id}/quality                      - Verdict distribution
//   - POST /api/files/{id}/cancel                       - Cancel processing
//   - POST /api/files/{id}/resume                       - Resume processing
//   - DELETE /api/files/{id}                            - Delete file and results
//   - POST /api/files/{id}/repair/rebuild-chunks        - Rebuild the queue
//   - POST /api/files/{id}/repair/create-missing-chunks - Requeue uncovered phones
//   - POST /api/files/{id}/repair/reprocess             - Reclassify one phone
//   - POST /api/queue/tick                              - Kick the worker
//
// The /api routes are protected by the static bearer token when one is
// configured; /health and /metrics stay open for probes and scrapers.
func NewRouter(config APIConfig, service *engine.Service, runner *engine.Runner) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler(service.Store())
	filesHandler := handlers.NewFilesHandler(service, runner)
	repairHandler := handlers.NewRepairHandler(service, runner)
	queueHandler := handlers.NewQueueHandler(runner)

	// Health routes - unauthenticated
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	if handler := metrics.Handler(); handler != nil {
		r.Handle("/metrics", handler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(apimw.BearerAuth(config.AuthToken))

		r.Route("/files", func(r chi.Router) {
			r.Post("/", filesHandler.Create)
			r.Get("/", filesHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", filesHandler.Delete)
				r.Get("/progress", filesHandler.Progress)
				r.Get("/events", filesHandler.Events)
				r.Get("/results.csv", filesHandler.Results)
				r.Get("/quality", filesHandler.Quality)
				r.Post("/cancel", filesHandler.Cancel)
				r.Post("/resume", filesHandler.Resume)

				r.Route("/repair", func(r chi.Router) {
					r.Post("/rebuild-chunks", repairHandler.RebuildChunks)
					r.Post("/create-missing-chunks", repairHandler.CreateMissingChunks)
					r.Post("/reprocess", repairHandler.ReprocessPhone)
				})
			})
		})

		r.Post("/queue/tick", queueHandler.Tick)
	})

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimw.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}
