package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"visiongate/internal/config"
	"visiongate/internal/handler"
	"visiongate/internal/logger"
	"visiongate/internal/middleware"
	"visiongate/internal/service/events"
	"visiongate/internal/service/pool"
	"visiongate/internal/service/queue"
)

// Deps are the services behind the gateway routes. Pool and Hub may be nil.
type Deps struct {
	Bridge handler.Exchanger
	Broker *queue.Broker
	Pool   *pool.Pool
	Hub    *events.HubService
}

// SetupRoutes registers the detection, job, event and log endpoints.
func SetupRoutes(deps Deps, cfg *config.Config, logger *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(logger))
	r.Use(chimw.Recoverer)

	syncDetect := handler.SyncDetectHandler(deps.Bridge, cfg, logger)
	asyncDetect := handler.AsyncDetectHandler(deps.Broker, cfg, logger)

	// Detection endpoints
	r.Post("/detect", handler.DetectHandler(cfg, syncDetect, asyncDetect))
	r.Post("/detect/sync", syncDetect)
	r.Post("/detect/async", asyncDetect)

	// Job endpoints
	r.Get("/status/{id}", handler.StatusHandler(deps.Broker, logger))
	r.Get("/result/{id}", handler.ResultHandler(deps.Broker, logger))

	var (
		workers handler.PoolStats
		viewers handler.Viewers
	)
	if deps.Pool != nil {
		workers = deps.Pool
	}
	if deps.Hub != nil {
		viewers = deps.Hub
		r.Get("/ws/jobs", handler.JobEventsHandler(deps.Hub, logger))
	}
	r.Get("/healthz", handler.HealthHandler(cfg, workers, deps.Broker, viewers, logger))

	// Log endpoints
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminToken))
		r.Get("/logs/{level}", handler.ShowLogsHandler(logger))
		r.Post("/logs/{level}/clear", handler.ClearLogsHandler(logger))
	})

	return r
}
