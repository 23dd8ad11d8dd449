package dto

import (
	"visiongate/internal/model"
	"visiongate/internal/service/pool"
)

// TaskAccepted is returned when a job is queued.
type TaskAccepted struct {
	TaskID    model.JobID `json:"task_id"`
	StatusURL string      `json:"status_url"`
}

// TaskStatus is the response of GET /status/{id}.
type TaskStatus struct {
	State     model.JobState `json:"state"`
	Status    string         `json:"status"`
	ResultURL string         `json:"result_url,omitempty"`
}

// TaskResult is the JSON response of GET /result/{id}.
type TaskResult struct {
	ImageData    string               `json:"image_data"`
	AnalysisData model.AnalysisReport `json:"analysis_data"`
}

// ErrorResponse carries a stable error code and a message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Health is the response of GET /healthz.
type Health struct {
	Status        string                 `json:"status"`
	Mode          string                 `json:"mode"`
	Pool          *pool.Stats            `json:"pool,omitempty"`
	Queue         map[model.JobState]int `json:"queue,omitempty"`
	Viewers       int                    `json:"viewers"`
	EventsDropped int64                  `json:"events_dropped"`
}
