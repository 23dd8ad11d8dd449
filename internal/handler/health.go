package handler

import (
	"context"
	"net/http"

	"visiongate/internal/config"
	"visiongate/internal/dto"
	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/service/pool"
)

// PoolStats reports worker pool activity.
type PoolStats interface {
	Stats() pool.Stats
}

// QueueCounts reports jobs per state.
type QueueCounts interface {
	Counts(ctx context.Context) (map[model.JobState]int, error)
}

// Viewers reports connected event viewers and events they missed.
type Viewers interface {
	GetClientCount() int
	Dropped() int64
}

// HealthHandler reports pool and queue activity. Any dependency may be nil.
func HealthHandler(cfg *config.Config, workers PoolStats, jobs QueueCounts, viewers Viewers, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := dto.Health{Status: "ok", Mode: cfg.GatewayMode}

		if workers != nil {
			stats := workers.Stats()
			resp.Pool = &stats
		}
		if jobs != nil {
			counts, err := jobs.Counts(r.Context())
			if err != nil {
				logger.Error("Error counting jobs: %v", err)
				resp.Status = "degraded"
			}
			resp.Queue = counts
		}
		if viewers != nil {
			resp.Viewers = viewers.GetClientCount()
			resp.EventsDropped = viewers.Dropped()
		}

		code := http.StatusOK
		if resp.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, logger, code, resp)
	}
}
