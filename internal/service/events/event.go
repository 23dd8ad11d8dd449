// Package events broadcasts job state changes to websocket viewers and MQTT.
package events

import (
	"time"

	"visiongate/internal/model"
)

// JobEvent describes one state transition.
type JobEvent struct {
	TaskID model.JobID           `json:"task_id"`
	State  model.JobState        `json:"state"`
	Status string                `json:"status"`
	At     time.Time             `json:"at"`
	Report *model.AnalysisReport `json:"analysis_data,omitempty"`
}

// Publisher delivers events. Publish must not block the caller.
type Publisher interface {
	Publish(event JobEvent)
}

// Fanout delivers each event to every publisher.
type Fanout []Publisher

func (f Fanout) Publish(event JobEvent) {
	for _, p := range f {
		if p != nil {
			p.Publish(event)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(JobEvent) {}
