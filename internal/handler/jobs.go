package handler

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"visiongate/internal/dto"
	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/service/queue"
)

// StatusHandler reports the state of a job.
func StatusHandler(jobs JobQueue, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := model.JobID(chi.URLParam(r, "id"))

		job, err := jobs.Status(r.Context(), id)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		resp := dto.TaskStatus{
			State:  job.State,
			Status: queue.StatusText(job),
		}
		if job.State == model.StateSuccess {
			resp.ResultURL = resultURL(id)
		}
		writeJSON(w, logger, http.StatusOK, resp)
	}
}

// ResultHandler returns a finished job as JSON with a base64 image, or the
// raw JPEG when asked with ?format=image or an image Accept header.
func ResultHandler(jobs JobQueue, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := model.JobID(chi.URLParam(r, "id"))

		result, err := jobs.Result(r.Context(), id)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		if wantsImage(r) {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Content-Disposition", `inline; filename="result.jpg"`)
			w.WriteHeader(http.StatusOK)
			w.Write(result.Image)
			return
		}

		resp := dto.TaskResult{ImageData: base64.StdEncoding.EncodeToString(result.Image)}
		if result.Job.Report != nil {
			resp.AnalysisData = *result.Job.Report
		} else {
			resp.AnalysisData = model.NewReport(nil)
		}
		writeJSON(w, logger, http.StatusOK, resp)
	}
}

func wantsImage(r *http.Request) bool {
	switch r.URL.Query().Get("format") {
	case "image", "jpeg", "jpg":
		return true
	case "json":
		return false
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "image/") && !strings.Contains(accept, "application/json")
}
