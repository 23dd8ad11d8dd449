package handler

import (
	"context"
	"net/http"
	"time"

	"visiongate/internal/config"
	"visiongate/internal/dto"
	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/service/ai"
	"visiongate/internal/service/queue"
)

// Exchanger sends one image to a backend worker and returns its reply.
type Exchanger interface {
	Exchange(ctx context.Context, payload []byte) ([]byte, error)
}

// JobQueue is the asynchronous side of the gateway.
type JobQueue interface {
	Enqueue(ctx context.Context, payload []byte) (model.JobID, error)
	Status(ctx context.Context, id model.JobID) (*model.JobRecord, error)
	Result(ctx context.Context, id model.JobID) (*queue.JobResult, error)
}

// SyncDetectHandler forwards the upload to a worker over the bridge and
// returns the annotated JPEG as an attachment.
func SyncDetectHandler(bridge Exchanger, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := readUpload(w, r, cfg.MaxPayloadBytes)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if err := ai.Validate(data); err != nil {
			writeError(w, logger, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.BridgeTimeout)
		defer cancel()

		start := time.Now()
		result, err := bridge.Exchange(ctx, data)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		logger.Info("Bridge round trip: %d bytes in, %d bytes out, %s", len(data), len(result), time.Since(start))

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Disposition", `attachment; filename="result.jpg"`)
		w.WriteHeader(http.StatusOK)
		w.Write(result)
	}
}

// AsyncDetectHandler queues the upload and answers 202 with the task ID.
func AsyncDetectHandler(jobs JobQueue, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := readUpload(w, r, cfg.MaxPayloadBytes)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if err := ai.Validate(data); err != nil {
			writeError(w, logger, err)
			return
		}

		id, err := jobs.Enqueue(r.Context(), data)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		w.Header().Set("Location", statusURL(id))
		writeJSON(w, logger, http.StatusAccepted, dto.TaskAccepted{
			TaskID:    id,
			StatusURL: statusURL(id),
		})
	}
}

// DetectHandler picks the synchronous or asynchronous flow from GATEWAY_MODE.
func DetectHandler(cfg *config.Config, sync, async http.HandlerFunc) http.HandlerFunc {
	if cfg.GatewayMode == config.ModeSync {
		return sync
	}
	return async
}

func statusURL(id model.JobID) string {
	return "/status/" + string(id)
}

func resultURL(id model.JobID) string {
	return "/result/" + string(id)
}
